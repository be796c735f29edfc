package api

import (
	"net/http"

	"github.com/jordanhubbard/agency/internal/keypool"
)

type addKeyRequest struct {
	KeyID  string `json:"key_id"`
	Secret string `json:"secret"`
	Model  string `json:"model,omitempty"` // pins the model to this key
}

// handleKeyStats handles GET /api/v1/keys. Secrets never leave the server.
func (s *Server) handleKeyStats(w http.ResponseWriter, r *http.Request) {
	stats := s.deps.Keys.Stats()
	if stats == nil {
		stats = []keypool.KeyUsage{}
	}
	s.respondJSON(w, http.StatusOK, stats)
}

// handleProviderKeys handles GET /api/v1/keys/{provider}
func (s *Server) handleProviderKeys(w http.ResponseWriter, r *http.Request) {
	p, err := keypool.ParseProvider(r.PathValue("provider"))
	if err != nil {
		s.respondErr(w, err)
		return
	}
	out := []keypool.KeyUsage{}
	for _, u := range s.deps.Keys.Stats() {
		if u.Provider == p {
			out = append(out, u)
		}
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"provider":     p,
		"requires_key": p.RequiresKey(),
		"env_var":      p.EnvVar(),
		"keys":         out,
	})
}

// handleAddKey handles POST /api/v1/keys/{provider}
func (s *Server) handleAddKey(w http.ResponseWriter, r *http.Request) {
	p, err := keypool.ParseProvider(r.PathValue("provider"))
	if err != nil {
		s.respondErr(w, err)
		return
	}
	var req addKeyRequest
	if err := s.parseJSON(r, &req); err != nil {
		s.respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.KeyID == "" {
		req.KeyID = keypool.DefaultKeyID
	}
	if err := s.deps.Keys.AddKey(p, req.KeyID, req.Secret); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Model != "" {
		if err := s.deps.Keys.AssignModelToKey(req.Model, p, req.KeyID); err != nil {
			s.respondErr(w, err)
			return
		}
	}
	s.respondJSON(w, http.StatusCreated, map[string]string{"provider": string(p), "key_id": req.KeyID})
}

// handleRemoveKey handles DELETE /api/v1/keys/{provider}/{keyID}
func (s *Server) handleRemoveKey(w http.ResponseWriter, r *http.Request) {
	p, err := keypool.ParseProvider(r.PathValue("provider"))
	if err != nil {
		s.respondErr(w, err)
		return
	}
	found, err := s.deps.Keys.RemoveKey(p, r.PathValue("keyID"))
	if err != nil {
		s.respondErr(w, err)
		return
	}
	if !found {
		s.respondError(w, http.StatusNotFound, "key not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
