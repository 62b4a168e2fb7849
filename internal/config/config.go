package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Runtime  RuntimeConfig  `yaml:"runtime"`
	Limits   LimitsConfig   `yaml:"limits"`
	Auth     AuthConfig     `yaml:"auth"`
}

type ServerConfig struct {
	Port     int    `yaml:"port" default:"8000"`
	LogLevel string `yaml:"log_level" default:"info"`
}

type DatabaseConfig struct {
	URL string `yaml:"url"` // empty means in-memory stores
}

type RuntimeConfig struct {
	Kind             string        `yaml:"kind" default:"docker"` // "docker" or "mock"
	HostIP           string        `yaml:"host_ip"`
	VNCProxyPort     int           `yaml:"vnc_proxy_port" default:"8080"`
	ProvisionTimeout time.Duration `yaml:"provision_timeout" default:"2m"`
	TerminateTimeout time.Duration `yaml:"terminate_timeout" default:"30s"`
}

type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

// LimitsConfig holds the boot values for the hot-reloadable settings.
type LimitsConfig struct {
	MaxConcurrentContainersPerUser int           `yaml:"max_concurrent_containers_per_user"`
	InactivityTimeout              time.Duration `yaml:"inactivity_timeout"`
	MaxContainerLifetime           time.Duration `yaml:"max_container_lifetime"`
	ReaperInterval                 time.Duration `yaml:"reaper_interval"`
}

// Default returns a config with development defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:     8000,
			LogLevel: "info",
		},
		Runtime: RuntimeConfig{
			Kind:             "docker",
			HostIP:           "localhost",
			VNCProxyPort:     8080,
			ProvisionTimeout: 2 * time.Minute,
			TerminateTimeout: 30 * time.Second,
		},
		Limits: LimitsConfig{
			MaxConcurrentContainersPerUser: 2,
			InactivityTimeout:              10 * time.Minute,
			MaxContainerLifetime:           time.Hour,
			ReaperInterval:                 300 * time.Second,
		},
	}
}

// LoadFile reads a yaml config file over the defaults.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path) // #nosec G304 - operator-supplied path
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}
