// cmd/labforge/main.go
package main

import (
	"context"
	"database/sql"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/FairForge/labforge/internal/api"
	"github.com/FairForge/labforge/internal/audit"
	"github.com/FairForge/labforge/internal/auth"
	"github.com/FairForge/labforge/internal/catalog"
	"github.com/FairForge/labforge/internal/config"
	"github.com/FairForge/labforge/internal/ledger"
	"github.com/FairForge/labforge/internal/lifecycle"
	"github.com/FairForge/labforge/internal/metrics"
	"github.com/FairForge/labforge/internal/reaper"
	"github.com/FairForge/labforge/internal/runtime"
	"github.com/FairForge/labforge/internal/runtime/docker"
	"github.com/FairForge/labforge/internal/stats"
	"github.com/FairForge/labforge/internal/users"
)

func main() {
	// Create logger
	logger, _ := zap.NewProduction()
	defer func() { _ = logger.Sync() }()

	// Config: file (optional), then environment overrides.
	cfg := config.Default()
	configPath := os.Getenv("LABFORGE_CONFIG")
	if configPath != "" {
		loaded, err := config.LoadFile(configPath)
		if err != nil {
			logger.Fatal("failed to load config", zap.String("path", configPath), zap.Error(err))
		}
		cfg = loaded
	}
	config.LoadFromEnv(cfg)

	settings := config.NewSettings(cfg.Limits)
	if configPath != "" {
		stop, err := settings.Watch(configPath, logger)
		if err != nil {
			logger.Warn("config watch unavailable", zap.Error(err))
		} else {
			defer stop()
		}
	}

	// Stores: Postgres when a database URL is set, in-memory otherwise.
	var (
		userStore users.Store
		auditLog  audit.Log
	)
	if cfg.Database.URL != "" {
		db, err := sql.Open("postgres", cfg.Database.URL)
		if err != nil {
			logger.Fatal("failed to open database", zap.Error(err))
		}
		defer func() { _ = db.Close() }()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := db.PingContext(ctx); err != nil {
			logger.Fatal("database unreachable", zap.Error(err))
		}

		pgUsers := users.NewPostgresStore(db)
		if err := pgUsers.InitializeSchema(ctx); err != nil {
			logger.Fatal("failed to initialize users schema", zap.Error(err))
		}
		pgAudit := audit.NewPostgresLog(db)
		if err := pgAudit.InitializeSchema(ctx); err != nil {
			logger.Fatal("failed to initialize audit schema", zap.Error(err))
		}

		userStore = pgUsers
		auditLog = pgAudit
		logger.Info("using postgres stores")
	} else {
		userStore = users.NewMemoryStore()
		auditLog = audit.NewMemoryLog()
		logger.Info("using in-memory stores")
	}

	// Runtime adapter.
	var adapter runtime.Adapter
	switch cfg.Runtime.Kind {
	case "docker":
		d, err := docker.New(cfg.Runtime.HostIP, cfg.Runtime.VNCProxyPort, logger)
		if err != nil {
			logger.Fatal("failed to create docker adapter", zap.Error(err))
		}
		adapter = d
		logger.Info("using docker runtime", zap.String("host_ip", cfg.Runtime.HostIP))
	case "mock":
		adapter = runtime.NewMock()
		logger.Warn("using mock runtime, containers are simulated")
	default:
		logger.Fatal("invalid runtime kind", zap.String("kind", cfg.Runtime.Kind))
	}

	policy := users.NewPolicy(userStore, settings)
	led := ledger.New(policy)

	cat := catalog.New()
	cat.Seed()

	mx := metrics.New()

	manager := lifecycle.NewManager(cat, led, adapter, auditLog, logger, lifecycle.Options{
		ProvisionTimeout: cfg.Runtime.ProvisionTimeout,
		TerminateTimeout: cfg.Runtime.TerminateTimeout,
	})
	manager.SetMetrics(mx)
	cat.SetInUseChecker(manager.ImageInUse)
	manager.ReconcileLedger()

	seedAdmin(userStore, logger)

	identity := auth.NewJWTIdentity(jwtSecret(cfg, logger), userStore)

	rp := reaper.New(manager, settings, policy, auditLog, logger)
	rp.SetMetrics(mx)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go rp.Run(ctx)

	server := api.NewServer(cfg, settings, logger, api.Deps{
		Manager:  manager,
		Catalog:  cat,
		Stats:    stats.New(manager, led, userStore),
		Users:    userStore,
		AuditLog: auditLog,
		Reaper:   rp,
		Identity: identity,
		Metrics:  mx,
	})

	// Graceful shutdown on SIGINT/SIGTERM.
	done := make(chan os.Signal, 1)
	signal.Notify(done, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := server.Start(); err != nil {
			logger.Error("server stopped", zap.Error(err))
			done <- syscall.SIGTERM
		}
	}()

	<-done
	logger.Info("shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", zap.Error(err))
	}
}

// seedAdmin guarantees at least one admin account in fresh deployments.
func seedAdmin(store users.Store, logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	all, err := store.List(ctx)
	if err != nil {
		logger.Warn("admin seed skipped", zap.Error(err))
		return
	}
	for _, u := range all {
		if u.Role == users.RoleAdmin {
			return
		}
	}

	admin, err := store.Create(ctx, users.User{
		Username: config.GetEnvOrDefault("LABFORGE_ADMIN_USERNAME", "admin"),
		Email:    config.GetEnvOrDefault("LABFORGE_ADMIN_EMAIL", "admin@localhost"),
		Role:     users.RoleAdmin,
	})
	if err != nil {
		logger.Warn("admin seed failed", zap.Error(err))
		return
	}
	logger.Info("seeded admin user",
		zap.String("id", admin.ID.String()),
		zap.String("username", admin.Username))
}

func jwtSecret(cfg *config.Config, logger *zap.Logger) string {
	if cfg.Auth.JWTSecret != "" {
		return cfg.Auth.JWTSecret
	}
	logger.Warn("LABFORGE_JWT_SECRET not set, using development secret")
	return "labforge-dev-secret"
}
