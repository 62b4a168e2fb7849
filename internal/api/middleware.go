package api

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/FairForge/labforge/internal/auth"
	"github.com/FairForge/labforge/internal/lifecycle"
)

type contextKey string

const principalKey contextKey = "principal"

// principalFrom pulls the authenticated caller out of the request context.
func principalFrom(r *http.Request) (auth.Principal, bool) {
	p, ok := r.Context().Value(principalKey).(auth.Principal)
	return p, ok
}

// callerFrom converts the request principal into a lifecycle caller.
func callerFrom(r *http.Request) lifecycle.Caller {
	p, _ := principalFrom(r)
	return lifecycle.Caller{UserID: p.UserID, Admin: p.Admin()}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		s.logger.Info("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("latency", time.Since(start)),
		)
		if s.metrics != nil {
			s.metrics.RequestCounter.WithLabelValues(
				r.Method, r.URL.Path, strconv.Itoa(rec.status)).Inc()
			s.metrics.LatencyHistogram.WithLabelValues(
				r.Method, r.URL.Path).Observe(time.Since(start).Seconds())
		}
	})
}

// requireAuth resolves the bearer token into a principal.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			writeErrorCode(w, CodeForbidden, "missing bearer token")
			return
		}

		principal, err := s.identity.Authenticate(r.Context(), strings.TrimPrefix(header, "Bearer "))
		if err != nil {
			s.logger.Debug("authentication failed", zap.Error(err))
			writeErrorCode(w, CodeForbidden, "invalid credentials")
			return
		}

		ctx := context.WithValue(r.Context(), principalKey, principal)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireAdmin gates the /admin surface.
func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := principalFrom(r)
		if !ok || !p.Admin() {
			writeErrorCode(w, CodeForbidden, "admin access required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// rateLimitMiddleware enforces per-principal request limits.
func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, _ := principalFrom(r)
		if !s.limiter.Allow(p.UserID.String()) {
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte("rate limit exceeded"))
			return
		}
		next.ServeHTTP(w, r)
	})
}
