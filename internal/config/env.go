package config

import (
	"os"
	"strconv"
	"time"
)

// LoadFromEnv loads configuration overrides from environment variables.
func LoadFromEnv(cfg *Config) {
	if port := os.Getenv("LABFORGE_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Server.Port = p
		}
	}

	if logLevel := os.Getenv("LABFORGE_LOG_LEVEL"); logLevel != "" {
		cfg.Server.LogLevel = logLevel
	}

	if url := os.Getenv("LABFORGE_DATABASE_URL"); url != "" {
		cfg.Database.URL = url
	}

	if kind := os.Getenv("LABFORGE_RUNTIME"); kind != "" {
		cfg.Runtime.Kind = kind
	}

	if host := os.Getenv("LABFORGE_HOST_IP"); host != "" {
		cfg.Runtime.HostIP = host
	}

	if secret := os.Getenv("LABFORGE_JWT_SECRET"); secret != "" {
		cfg.Auth.JWTSecret = secret
	}

	if v := os.Getenv("LABFORGE_MAX_CONTAINERS_PER_USER"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Limits.MaxConcurrentContainersPerUser = n
		}
	}

	if v := os.Getenv("LABFORGE_INACTIVITY_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Limits.InactivityTimeout = d
		}
	}

	if v := os.Getenv("LABFORGE_MAX_CONTAINER_LIFETIME"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Limits.MaxContainerLifetime = d
		}
	}

	if v := os.Getenv("LABFORGE_REAPER_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Limits.ReaperInterval = d
		}
	}
}

// GetEnvOrDefault returns environment variable or default value
func GetEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
