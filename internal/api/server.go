package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/FairForge/labforge/internal/audit"
	"github.com/FairForge/labforge/internal/auth"
	"github.com/FairForge/labforge/internal/catalog"
	"github.com/FairForge/labforge/internal/config"
	"github.com/FairForge/labforge/internal/lifecycle"
	"github.com/FairForge/labforge/internal/metrics"
	"github.com/FairForge/labforge/internal/reaper"
	"github.com/FairForge/labforge/internal/stats"
	"github.com/FairForge/labforge/internal/users"
)

type Server struct {
	config     *config.Config
	settings   *config.Settings
	logger     *zap.Logger
	router     chi.Router
	httpServer *http.Server

	manager  *lifecycle.Manager
	catalog  *catalog.Catalog
	stats    *stats.Aggregator
	users    users.Store
	auditLog audit.Log
	reaper   *reaper.Reaper
	identity auth.Identity
	limiter  *RateLimiter
	metrics  *metrics.Metrics

	startTime time.Time
}

// Deps bundles the server's collaborators.
type Deps struct {
	Manager  *lifecycle.Manager
	Catalog  *catalog.Catalog
	Stats    *stats.Aggregator
	Users    users.Store
	AuditLog audit.Log
	Reaper   *reaper.Reaper
	Identity auth.Identity
	Metrics  *metrics.Metrics
}

func NewServer(cfg *config.Config, settings *config.Settings, logger *zap.Logger, deps Deps) *Server {
	s := &Server{
		config:    cfg,
		settings:  settings,
		logger:    logger,
		manager:   deps.Manager,
		catalog:   deps.Catalog,
		stats:     deps.Stats,
		users:     deps.Users,
		auditLog:  deps.AuditLog,
		reaper:    deps.Reaper,
		identity:  deps.Identity,
		metrics:   deps.Metrics,
		limiter:   NewRateLimiter(),
		router:    chi.NewRouter(),
		startTime: time.Now(),
	}

	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(s.loggingMiddleware)

	s.router.Get("/health", s.handleHealth)
	if s.metrics != nil {
		s.router.Handle("/metrics", s.metrics.Handler())
	}

	s.router.Group(func(r chi.Router) {
		r.Use(s.requireAuth)
		r.Use(s.rateLimitMiddleware)

		r.Get("/images", s.handleListImages)

		r.Route("/containers", func(r chi.Router) {
			r.Get("/", s.handleListContainers)
			r.Post("/", s.handleCreateContainer)
			r.Get("/{id}", s.handleGetContainer)
			r.Delete("/{id}", s.handleDestroyContainer)
			r.Post("/{id}/start", s.handleStartContainer)
			r.Post("/{id}/stop", s.handleStopContainer)
			r.Post("/{id}/activity", s.handleRecordActivity)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(s.requireAdmin)

			r.Get("/stats", s.handleSystemStats)
			r.Get("/containers", s.handleAdminListContainers)
			r.Get("/audit", s.handleAuditQuery)

			r.Get("/users", s.handleListUsers)
			r.Post("/users", s.handleCreateUser)
			r.Put("/users/{id}", s.handleUpdateUser)
			r.Delete("/users/{id}", s.handleDeleteUser)
			r.Get("/users/{id}/stats", s.handleUserStats)

			r.Post("/images", s.handleAddImage)
			r.Put("/images/{id}", s.handleUpdateImage)
			r.Delete("/images/{id}", s.handleRemoveImage)

			r.Get("/config", s.handleGetConfig)
			r.Put("/config", s.handleUpdateConfig)
		})
	})
}

func (s *Server) Start() error {
	s.logger.Info("starting server", zap.Int("port", s.config.Server.Port))
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}
