// Package taskgraph tracks agent tasks and their dependencies. A task
// becomes ready only once every task it depends on has completed.
package taskgraph

import (
	"errors"
	"time"
)

// Status is the lifecycle state of a task.
type Status string

const (
	StatusPending    Status = "pending"
	StatusReady      Status = "ready"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Unassigned is the assignee of a task created with no agent while no
// coordinator is registered.
const Unassigned = "unassigned"

var (
	ErrTaskNotFound           = errors.New("task not found")
	ErrDuplicateTask          = errors.New("task already exists")
	ErrUnknownDependency      = errors.New("unknown dependency")
	ErrDependencyCycle        = errors.New("dependency cycle")
	ErrInvalidTransition      = errors.New("invalid status transition")
	ErrDependenciesIncomplete = errors.New("dependencies not completed")
	ErrInvalidStatus          = errors.New("invalid status")
)

// ParseStatus validates a status string.
func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case StatusPending, StatusReady, StatusInProgress, StatusCompleted, StatusFailed:
		return st, nil
	}
	return "", ErrInvalidStatus
}

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

var transitions = map[Status][]Status{
	StatusPending:    {StatusReady, StatusFailed},
	StatusReady:      {StatusInProgress, StatusCompleted, StatusFailed},
	StatusInProgress: {StatusCompleted, StatusFailed},
}

// CanTransition reports whether from may move to to.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Task is one unit of agent work.
type Task struct {
	ID           string                 `json:"task_id"`
	Description  string                 `json:"description"`
	AssignedTo   string                 `json:"assigned_to"`
	Status       Status                 `json:"status"`
	Dependencies []string               `json:"dependencies,omitempty"`
	Result       interface{}            `json:"result,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt    time.Time              `json:"created_at"`
	UpdatedAt    time.Time              `json:"updated_at"`
}

func (t *Task) clone() Task {
	out := *t
	out.Dependencies = append([]string(nil), t.Dependencies...)
	if t.Metadata != nil {
		out.Metadata = make(map[string]interface{}, len(t.Metadata))
		for k, v := range t.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

// TaskSpec describes a task to create in a batch. ID may be left empty;
// Dependencies may name tasks that already exist or other specs in the
// same batch.
type TaskSpec struct {
	ID           string   `json:"task_id,omitempty"`
	Description  string   `json:"description"`
	AssignedTo   string   `json:"assigned_to,omitempty"`
	Dependencies []string `json:"dependencies,omitempty"`
}
