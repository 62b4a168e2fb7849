package api

import (
	"encoding/json"
	"net/http"

	"github.com/FairForge/labforge/internal/catalog"
)

func (s *Server) handleListImages(w http.ResponseWriter, r *http.Request) {
	images := s.catalog.List()

	// Non-admins only see launchable entries.
	p, _ := principalFrom(r)
	if !p.Admin() {
		active := images[:0]
		for _, img := range images {
			if img.Active {
				active = append(active, img)
			}
		}
		images = active
	}
	writeJSON(w, http.StatusOK, images)
}

func (s *Server) handleAddImage(w http.ResponseWriter, r *http.Request) {
	var img catalog.ContainerImage
	if err := json.NewDecoder(r.Body).Decode(&img); err != nil {
		writeErrorCode(w, CodeInvalidRequest, "invalid request body")
		return
	}

	added, err := s.catalog.Add(img)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, added)
}

func (s *Server) handleUpdateImage(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}

	var img catalog.ContainerImage
	if err := json.NewDecoder(r.Body).Decode(&img); err != nil {
		writeErrorCode(w, CodeInvalidRequest, "invalid request body")
		return
	}

	updated, err := s.catalog.Update(id, img)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleRemoveImage(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	if err := s.catalog.Remove(id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}
