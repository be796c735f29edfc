package api

import (
	"net/http"
	"sort"

	"github.com/jordanhubbard/agency/internal/auth"
	"github.com/jordanhubbard/agency/internal/beam"
	"github.com/jordanhubbard/agency/internal/persona"
)

// handleBeam handles POST /api/v1/beam. With ?async=true the request is
// queued on the broker and 202 carries its id; the result lands at
// GET /api/v1/beam/{id}.
func (s *Server) handleBeam(w http.ResponseWriter, r *http.Request) {
	var req beam.ChatRequest
	if err := s.parseJSON(r, &req); err != nil {
		s.respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Prompt == "" {
		s.respondError(w, http.StatusBadRequest, "prompt is required")
		return
	}

	if r.URL.Query().Get("async") == "true" {
		sender := "api"
		if c := auth.ClaimsFromContext(r.Context()); c != nil {
			sender = "api:" + c.Username
		}
		id, err := s.deps.Beam.Submit(r.Context(), sender, req)
		if err != nil {
			s.respondErr(w, err)
			return
		}
		s.respondJSON(w, http.StatusAccepted, map[string]string{"request_id": id})
		return
	}

	result, err := s.deps.Beam.Handle(r.Context(), req)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, result)
}

// handleBeamResult handles GET /api/v1/beam/{id}
func (s *Server) handleBeamResult(w http.ResponseWriter, r *http.Request) {
	if s.deps.Memory == nil {
		s.respondError(w, http.StatusNotImplemented, "shared memory is not configured")
		return
	}
	var result beam.ChatResult
	if err := s.deps.Memory.ReadInto(r.Context(), beam.ResultKey(r.PathValue("id")), &result); err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, result)
}

type modelView struct {
	ID string `json:"id"`
	beam.ModelConfig
}

// handleModels handles GET /api/v1/models
func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	if s.deps.Dispatcher == nil {
		s.respondJSON(w, http.StatusOK, []modelView{})
		return
	}
	ids := s.deps.Dispatcher.Models()
	out := make([]modelView, 0, len(ids))
	for _, id := range ids {
		cfg, err := s.deps.Dispatcher.Model(id)
		if err != nil {
			continue
		}
		out = append(out, modelView{ID: id, ModelConfig: cfg})
	}
	s.respondJSON(w, http.StatusOK, out)
}

type personaView struct {
	ID         string         `json:"id"`
	Kind       string         `json:"kind"`
	ModelID    string         `json:"model_id"`
	Traits     persona.Traits `json:"traits"`
	Optimizers []string       `json:"optimizers"`
}

// handlePersonas handles GET /api/v1/personas
func (s *Server) handlePersonas(w http.ResponseWriter, r *http.Request) {
	out := []personaView{}
	if s.deps.Personas != nil {
		for _, id := range s.deps.Personas.List() {
			p, err := s.deps.Personas.Get(id)
			if err != nil {
				continue
			}
			out = append(out, personaView{
				ID:         p.ID,
				Kind:       p.Kind,
				ModelID:    p.ModelID(),
				Traits:     p.Traits,
				Optimizers: p.Optimizers.Names(),
			})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	s.respondJSON(w, http.StatusOK, out)
}
