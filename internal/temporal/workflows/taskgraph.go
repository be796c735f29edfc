// Package workflows drives a task graph to completion under Temporal.
package workflows

import (
	"fmt"
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/jordanhubbard/agency/internal/temporal/activities"
)

// ProgressQuery returns the workflow's TaskGraphResult so far.
const ProgressQuery = "progress"

const defaultMaxRounds = 100

// TaskGraphInput configures one run over a graph.
type TaskGraphInput struct {
	GraphID   string
	AgentIDs  []string // empty lets each task's assignee work alone
	Strategy  string
	MaxRounds int
}

// TaskGraphResult summarizes a run.
type TaskGraphResult struct {
	GraphID   string
	Rounds    int
	Completed []string
	Failed    []string
}

// TaskGraphWorkflow collaborates on every ready task, round after round,
// until no task is ready. Tasks in one round run in parallel.
func TaskGraphWorkflow(ctx workflow.Context, input TaskGraphInput) (TaskGraphResult, error) {
	logger := workflow.GetLogger(ctx)
	logger.Info("Task graph workflow started", "graphID", input.GraphID)

	activityOptions := workflow.ActivityOptions{
		StartToCloseTimeout: 5 * time.Minute,
		RetryPolicy: &temporal.RetryPolicy{
			MaximumAttempts: 3,
		},
	}
	ctx = workflow.WithActivityOptions(ctx, activityOptions)

	maxRounds := input.MaxRounds
	if maxRounds <= 0 {
		maxRounds = defaultMaxRounds
	}
	result := TaskGraphResult{GraphID: input.GraphID}

	if err := workflow.SetQueryHandler(ctx, ProgressQuery, func() (TaskGraphResult, error) {
		return result, nil
	}); err != nil {
		return result, err
	}

	for result.Rounds < maxRounds {
		var ready []activities.ReadyTask
		if err := workflow.ExecuteActivity(ctx, activities.ReadyTasksName, input.GraphID).Get(ctx, &ready); err != nil {
			return result, fmt.Errorf("failed to list ready tasks: %w", err)
		}
		if len(ready) == 0 {
			logger.Info("Task graph workflow completed", "graphID", input.GraphID, "rounds", result.Rounds,
				"completed", len(result.Completed), "failed", len(result.Failed))
			return result, nil
		}

		futures := make([]workflow.Future, len(ready))
		for i, t := range ready {
			futures[i] = workflow.ExecuteActivity(ctx, activities.CollaborateName, activities.CollaborateInput{
				GraphID:  input.GraphID,
				TaskID:   t.ID,
				AgentIDs: input.AgentIDs,
				Strategy: input.Strategy,
			})
		}
		for i, f := range futures {
			var out activities.CollaborateOutput
			if err := f.Get(ctx, &out); err != nil {
				logger.Warn("Task collaboration failed", "taskID", ready[i].ID, "error", err)
				result.Failed = append(result.Failed, ready[i].ID)
				continue
			}
			result.Completed = append(result.Completed, ready[i].ID)
		}
		result.Rounds++
	}

	return result, fmt.Errorf("task graph %s still has ready tasks after %d rounds", input.GraphID, maxRounds)
}
