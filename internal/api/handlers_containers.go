package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

type createContainerRequest struct {
	ImageID string `json:"image_id"`
	Name    string `json:"name"`
}

func (s *Server) handleListContainers(w http.ResponseWriter, r *http.Request) {
	p, _ := principalFrom(r)
	writeJSON(w, http.StatusOK, s.manager.ListOwned(p.UserID))
}

func (s *Server) handleCreateContainer(w http.ResponseWriter, r *http.Request) {
	p, _ := principalFrom(r)

	var req createContainerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorCode(w, CodeInvalidRequest, "invalid request body")
		return
	}
	imageID, err := uuid.Parse(req.ImageID)
	if err != nil {
		writeErrorCode(w, CodeInvalidRequest, "invalid image_id")
		return
	}
	if req.Name == "" {
		writeErrorCode(w, CodeInvalidRequest, "name is required")
		return
	}

	c, err := s.manager.Create(r.Context(), p.UserID, imageID, req.Name)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func (s *Server) handleGetContainer(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	c, err := s.manager.Get(id, callerFrom(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleDestroyContainer(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	if err := s.manager.Destroy(r.Context(), id, callerFrom(r), ""); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "destroyed"})
}

func (s *Server) handleStartContainer(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	c, err := s.manager.Start(r.Context(), id, callerFrom(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleStopContainer(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	c, err := s.manager.Stop(r.Context(), id, callerFrom(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleRecordActivity(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	if err := s.manager.RecordActivity(id, callerFrom(r)); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func parseID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeErrorCode(w, CodeInvalidRequest, "invalid id")
		return uuid.Nil, false
	}
	return id, true
}
