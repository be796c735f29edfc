package api

import (
	"net/http"

	"github.com/jordanhubbard/agency/internal/fusion"
	"github.com/jordanhubbard/agency/internal/taskgraph"
)

// createTasksRequest accepts one task inline or a batch under "tasks".
type createTasksRequest struct {
	taskgraph.TaskSpec
	Tasks []taskgraph.TaskSpec `json:"tasks,omitempty"`
}

type statusRequest struct {
	Status string      `json:"status"`
	Result interface{} `json:"result,omitempty"`
}

type collaborateRequest struct {
	AgentIDs []string        `json:"agent_ids,omitempty"`
	Strategy fusion.Strategy `json:"strategy,omitempty"`
}

type taskList struct {
	Tasks  []taskgraph.Task         `json:"tasks"`
	Counts map[taskgraph.Status]int `json:"counts"`
}

// handleListTasks handles GET /api/v1/tasks?status=
func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	graph := s.deps.Coordinator.Graph()
	tasks := graph.List()
	if raw := r.URL.Query().Get("status"); raw != "" {
		status, err := taskgraph.ParseStatus(raw)
		if err != nil {
			s.respondErr(w, err)
			return
		}
		tasks = graph.ByStatus(status)
	}
	s.respondJSON(w, http.StatusOK, taskList{Tasks: tasks, Counts: graph.Counts()})
}

// handleCreateTasks handles POST /api/v1/tasks
func (s *Server) handleCreateTasks(w http.ResponseWriter, r *http.Request) {
	var req createTasksRequest
	if err := s.parseJSON(r, &req); err != nil {
		s.respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	specs := req.Tasks
	if len(specs) == 0 {
		if req.Description == "" {
			s.respondError(w, http.StatusBadRequest, "description is required")
			return
		}
		specs = []taskgraph.TaskSpec{req.TaskSpec}
	}

	created, err := s.deps.Coordinator.Graph().CreateTasks(r.Context(), specs)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondJSON(w, http.StatusCreated, created)
}

// handleGetTask handles GET /api/v1/tasks/{id}
func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.deps.Coordinator.Graph().Get(r.PathValue("id"))
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, task)
}

// handleTaskStatus handles POST /api/v1/tasks/{id}/status
func (s *Server) handleTaskStatus(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if err := s.parseJSON(r, &req); err != nil {
		s.respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	status, err := taskgraph.ParseStatus(req.Status)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	task, err := s.deps.Coordinator.Graph().UpdateTaskStatus(r.Context(), r.PathValue("id"), status, req.Result)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, task)
}

// handleCollaborate handles POST /api/v1/tasks/{id}/collaborate
func (s *Server) handleCollaborate(w http.ResponseWriter, r *http.Request) {
	var req collaborateRequest
	if r.ContentLength != 0 {
		if err := s.parseJSON(r, &req); err != nil {
			s.respondError(w, http.StatusBadRequest, "Invalid request body")
			return
		}
	}
	result, err := s.deps.Coordinator.Collaborate(r.Context(), r.PathValue("id"), req.AgentIDs, req.Strategy)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, result)
}
