package workflows

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/testsuite"

	"github.com/jordanhubbard/agency/internal/temporal/activities"
)

func readyTasksStub(context.Context, string) ([]activities.ReadyTask, error) { return nil, nil }

func collaborateStub(context.Context, activities.CollaborateInput) (activities.CollaborateOutput, error) {
	return activities.CollaborateOutput{}, nil
}

func newEnv(t *testing.T) *testsuite.TestWorkflowEnvironment {
	t.Helper()
	var s testsuite.WorkflowTestSuite
	env := s.NewTestWorkflowEnvironment()
	env.RegisterWorkflow(TaskGraphWorkflow)
	env.RegisterActivityWithOptions(readyTasksStub, activity.RegisterOptions{Name: activities.ReadyTasksName})
	env.RegisterActivityWithOptions(collaborateStub, activity.RegisterOptions{Name: activities.CollaborateName})
	return env
}

func TestTaskGraphWorkflow_RunsRoundsUntilIdle(t *testing.T) {
	env := newEnv(t)
	env.OnActivity(activities.ReadyTasksName, mock.Anything, "g1").
		Return([]activities.ReadyTask{{ID: "a"}, {ID: "b"}}, nil).Once()
	env.OnActivity(activities.ReadyTasksName, mock.Anything, "g1").
		Return([]activities.ReadyTask{{ID: "c"}}, nil).Once()
	env.OnActivity(activities.ReadyTasksName, mock.Anything, "g1").
		Return([]activities.ReadyTask{}, nil).Once()
	env.OnActivity(activities.CollaborateName, mock.Anything, mock.Anything).Return(
		func(_ context.Context, in activities.CollaborateInput) (activities.CollaborateOutput, error) {
			if in.TaskID == "b" {
				return activities.CollaborateOutput{}, temporal.NewNonRetryableApplicationError("no agents", "CollaborationFailed", nil)
			}
			return activities.CollaborateOutput{TaskID: in.TaskID, Content: "done"}, nil
		})

	env.ExecuteWorkflow(TaskGraphWorkflow, TaskGraphInput{GraphID: "g1", Strategy: "ensemble"})

	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())
	var res TaskGraphResult
	require.NoError(t, env.GetWorkflowResult(&res))
	assert.Equal(t, 2, res.Rounds)
	assert.Equal(t, []string{"a", "c"}, res.Completed)
	assert.Equal(t, []string{"b"}, res.Failed)
	env.AssertExpectations(t)
}

func TestTaskGraphWorkflow_RoundLimit(t *testing.T) {
	env := newEnv(t)
	env.OnActivity(activities.ReadyTasksName, mock.Anything, mock.Anything).
		Return([]activities.ReadyTask{{ID: "loop"}}, nil)
	env.OnActivity(activities.CollaborateName, mock.Anything, mock.Anything).
		Return(activities.CollaborateOutput{}, nil)

	env.ExecuteWorkflow(TaskGraphWorkflow, TaskGraphInput{GraphID: "g", MaxRounds: 3})

	require.True(t, env.IsWorkflowCompleted())
	err := env.GetWorkflowError()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 3 rounds")
}

func TestTaskGraphWorkflow_ListFailure(t *testing.T) {
	env := newEnv(t)
	env.OnActivity(activities.ReadyTasksName, mock.Anything, mock.Anything).
		Return(nil, temporal.NewNonRetryableApplicationError("store down", "Unavailable", errors.New("down")))

	env.ExecuteWorkflow(TaskGraphWorkflow, TaskGraphInput{GraphID: "g"})

	require.True(t, env.IsWorkflowCompleted())
	require.Error(t, env.GetWorkflowError())
}
