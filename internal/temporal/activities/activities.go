// Package activities exposes the task graph to Temporal workflows.
package activities

import (
	"context"
	"errors"
	"fmt"

	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/temporal"

	"github.com/jordanhubbard/agency/internal/beam"
	"github.com/jordanhubbard/agency/internal/fusion"
	"github.com/jordanhubbard/agency/internal/taskgraph"
)

// Activity names as registered on the worker.
const (
	ReadyTasksName  = "ReadyTasks"
	CollaborateName = "Collaborate"
)

// ReadyTask identifies a task a workflow can run.
type ReadyTask struct {
	ID          string
	Description string
	AssignedTo  string
}

// CollaborateInput asks agents to work on one task.
type CollaborateInput struct {
	GraphID  string
	TaskID   string
	AgentIDs []string
	Strategy string
}

// CollaborateOutput is the fused answer for a task.
type CollaborateOutput struct {
	TaskID     string
	Content    string
	Confidence float64
	Strategy   string
}

// Activities provides Temporal activities over a coordinator.
type Activities struct {
	coordinator *taskgraph.Coordinator
}

// NewActivities creates a new activities instance
func NewActivities(c *taskgraph.Coordinator) *Activities {
	return &Activities{coordinator: c}
}

// ReadyTasks lists the tasks that are ready to run.
func (a *Activities) ReadyTasks(ctx context.Context, graphID string) ([]ReadyTask, error) {
	tasks := a.coordinator.Graph().ReadyTasks()
	out := make([]ReadyTask, len(tasks))
	for i, t := range tasks {
		out[i] = ReadyTask{ID: t.ID, Description: t.Description, AssignedTo: t.AssignedTo}
	}
	activity.GetLogger(ctx).Info("listed ready tasks", "graphID", graphID, "count", len(out))
	return out, nil
}

// Collaborate runs one collaboration. Failures that retrying cannot fix
// are returned as non-retryable.
func (a *Activities) Collaborate(ctx context.Context, in CollaborateInput) (CollaborateOutput, error) {
	res, err := a.coordinator.Collaborate(ctx, in.TaskID, in.AgentIDs, fusion.Strategy(in.Strategy))
	if err != nil {
		if permanent(err) {
			return CollaborateOutput{}, temporal.NewNonRetryableApplicationError(
				fmt.Sprintf("task %s: %v", in.TaskID, err), "CollaborationFailed", err)
		}
		return CollaborateOutput{}, err
	}
	return CollaborateOutput{
		TaskID:     in.TaskID,
		Content:    res.Content,
		Confidence: res.Confidence,
		Strategy:   string(res.Strategy),
	}, nil
}

func permanent(err error) bool {
	for _, target := range []error{
		taskgraph.ErrTaskNotFound,
		taskgraph.ErrInvalidTransition,
		taskgraph.ErrNoAgents,
		fusion.ErrUnknownStrategy,
		beam.ErrAllModelsFailed,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
