// Package temporal runs task graphs as durable Temporal workflows.
package temporal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	enumspb "go.temporal.io/api/enums/v1"
	"go.temporal.io/api/serviceerror"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"

	"github.com/jordanhubbard/agency/internal/taskgraph"
	"github.com/jordanhubbard/agency/internal/temporal/activities"
	temporalclient "github.com/jordanhubbard/agency/internal/temporal/client"
	"github.com/jordanhubbard/agency/internal/temporal/workflows"
	"github.com/jordanhubbard/agency/pkg/config"
)

// Manager owns the Temporal client and the worker that runs task graph
// workflows.
type Manager struct {
	client *temporalclient.Client
	worker worker.Worker
	config *config.TemporalConfig
	logger *slog.Logger
}

// NewManager dials Temporal and registers the task graph workflow and its
// activities on cfg.TaskQueue.
func NewManager(ctx context.Context, cfg *config.TemporalConfig, coordinator *taskgraph.Coordinator, logger *slog.Logger) (*Manager, error) {
	if cfg == nil {
		return nil, fmt.Errorf("temporal config cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	c, err := temporalclient.New(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create temporal client: %w", err)
	}
	return newManager(c, cfg, coordinator, logger), nil
}

func newManager(c *temporalclient.Client, cfg *config.TemporalConfig, coordinator *taskgraph.Coordinator, logger *slog.Logger) *Manager {
	w := worker.New(c.GetClient(), cfg.TaskQueue, worker.Options{})
	Register(w, activities.NewActivities(coordinator))
	logger.Info("temporal worker registered", "task_queue", cfg.TaskQueue)
	return &Manager{client: c, worker: w, config: cfg, logger: logger}
}

// Registrar is the part of worker.Worker (and the test environment) used
// to register workflows and activities.
type Registrar interface {
	RegisterWorkflow(w interface{})
	RegisterActivityWithOptions(a interface{}, options activity.RegisterOptions)
}

// Register adds the task graph workflow and activities to r under their
// well-known names.
func Register(r Registrar, acts *activities.Activities) {
	r.RegisterWorkflow(workflows.TaskGraphWorkflow)
	r.RegisterActivityWithOptions(acts.ReadyTasks, activity.RegisterOptions{Name: activities.ReadyTasksName})
	r.RegisterActivityWithOptions(acts.Collaborate, activity.RegisterOptions{Name: activities.CollaborateName})
}

// Start starts the worker without blocking.
func (m *Manager) Start() error {
	if err := m.worker.Start(); err != nil {
		return fmt.Errorf("failed to start temporal worker: %w", err)
	}
	m.logger.Info("temporal worker started", "task_queue", m.config.TaskQueue)
	return nil
}

// Stop stops the worker and closes the client.
func (m *Manager) Stop() {
	m.logger.Info("stopping temporal manager")
	if m.worker != nil {
		m.worker.Stop()
	}
	if m.client != nil {
		m.client.Close()
	}
}

// WorkflowID is the id of graphID's task graph workflow.
func WorkflowID(graphID string) string { return "taskgraph-" + graphID }

// StartTaskGraph starts a run over the graph. A run already in progress
// for the same graph is returned instead of starting a second one.
func (m *Manager) StartTaskGraph(ctx context.Context, input workflows.TaskGraphInput) (client.WorkflowRun, error) {
	options := client.StartWorkflowOptions{
		ID:                                       WorkflowID(input.GraphID),
		TaskQueue:                                m.config.TaskQueue,
		WorkflowExecutionTimeout:                 m.config.WorkflowExecutionTimeout,
		WorkflowIDReusePolicy:                    enumspb.WORKFLOW_ID_REUSE_POLICY_ALLOW_DUPLICATE,
		WorkflowExecutionErrorWhenAlreadyStarted: true,
	}
	run, err := m.client.ExecuteWorkflow(ctx, options, workflows.TaskGraphWorkflow, input)
	var started *serviceerror.WorkflowExecutionAlreadyStarted
	if errors.As(err, &started) {
		m.logger.Info("task graph workflow already running", "graph_id", input.GraphID, "run_id", started.RunId)
		return m.client.GetWorkflow(ctx, options.ID, started.RunId), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to start task graph workflow: %w", err)
	}
	m.logger.Info("started task graph workflow", "graph_id", input.GraphID, "run_id", run.GetRunID())
	return run, nil
}

// Progress queries a running task graph workflow.
func (m *Manager) Progress(ctx context.Context, graphID string) (workflows.TaskGraphResult, error) {
	var out workflows.TaskGraphResult
	v, err := m.client.GetClient().QueryWorkflow(ctx, WorkflowID(graphID), "", workflows.ProgressQuery)
	if err != nil {
		return out, err
	}
	err = v.Get(&out)
	return out, err
}
