package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/FairForge/labforge/internal/audit"
	"github.com/FairForge/labforge/internal/config"
	"github.com/FairForge/labforge/internal/users"
)

func (s *Server) handleSystemStats(w http.ResponseWriter, r *http.Request) {
	out, err := s.stats.SystemStats(r.Context())
	if err != nil {
		s.logger.Error("system stats failed", zap.Error(err))
		writeErrorCode(w, CodeInternalError, "failed to compute stats")
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleAdminListContainers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.manager.ListAll())
}

func (s *Server) handleAuditQuery(w http.ResponseWriter, r *http.Request) {
	var q audit.Query

	if v := r.URL.Query().Get("container_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			writeErrorCode(w, CodeInvalidRequest, "invalid container_id")
			return
		}
		q.ContainerID = id
	}
	q.Actor = r.URL.Query().Get("actor")
	if v := r.URL.Query().Get("since"); v != "" {
		since, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeErrorCode(w, CodeInvalidRequest, "invalid since timestamp")
			return
		}
		q.Since = since
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 0 {
			writeErrorCode(w, CodeInvalidRequest, "invalid limit")
			return
		}
		q.Limit = limit
	}

	events, err := s.auditLog.Query(r.Context(), q)
	if err != nil {
		s.logger.Error("audit query failed", zap.Error(err))
		writeErrorCode(w, CodeInternalError, "failed to query audit log")
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	all, err := s.users.List(r.Context())
	if err != nil {
		s.logger.Error("list users failed", zap.Error(err))
		writeErrorCode(w, CodeInternalError, "failed to list users")
		return
	}
	writeJSON(w, http.StatusOK, all)
}

func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var u users.User
	if err := json.NewDecoder(r.Body).Decode(&u); err != nil {
		writeErrorCode(w, CodeInvalidRequest, "invalid request body")
		return
	}
	if u.Username == "" || u.Email == "" {
		writeErrorCode(w, CodeInvalidRequest, "username and email are required")
		return
	}

	created, err := s.users.Create(r.Context(), u)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleUpdateUser(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}

	var upd users.Update
	if err := json.NewDecoder(r.Body).Decode(&upd); err != nil {
		writeErrorCode(w, CodeInvalidRequest, "invalid request body")
		return
	}

	updated, err := s.users.Update(r.Context(), id, upd)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	if err := s.users.Delete(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleUserStats(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	// The breakdown is well-defined for unknown users too (all zeros), but a
	// 404 is more useful to the dashboard than an empty panel.
	if _, err := s.users.Get(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.stats.UserStats(r.Context(), id))
}

type limitsPayload struct {
	MaxConcurrentContainersPerUser int           `json:"max_concurrent_containers_per_user"`
	InactivityTimeout              time.Duration `json:"inactivity_timeout"`
	MaxContainerLifetime           time.Duration `json:"max_container_lifetime"`
	ReaperInterval                 time.Duration `json:"reaper_interval"`
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	limits := s.settings.Limits()
	writeJSON(w, http.StatusOK, limitsPayload{
		MaxConcurrentContainersPerUser: limits.MaxConcurrentContainersPerUser,
		InactivityTimeout:              limits.InactivityTimeout,
		MaxContainerLifetime:           limits.MaxContainerLifetime,
		ReaperInterval:                 limits.ReaperInterval,
	})
}

func (s *Server) handleUpdateConfig(w http.ResponseWriter, r *http.Request) {
	var payload limitsPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeErrorCode(w, CodeInvalidRequest, "invalid request body")
		return
	}

	// Update ignores zero fields, so a partial payload only touches what it
	// names.
	s.settings.Update(config.LimitsConfig{
		MaxConcurrentContainersPerUser: payload.MaxConcurrentContainersPerUser,
		InactivityTimeout:              payload.InactivityTimeout,
		MaxContainerLifetime:           payload.MaxContainerLifetime,
		ReaperInterval:                 payload.ReaperInterval,
	})

	s.logger.Info("limits updated by admin",
		zap.Int("max_containers_per_user", payload.MaxConcurrentContainersPerUser))
	s.handleGetConfig(w, r)
}
