package taskgraph

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jordanhubbard/agency/internal/beam"
	"github.com/jordanhubbard/agency/internal/fusion"
	"github.com/jordanhubbard/agency/internal/memory"
	"github.com/jordanhubbard/agency/internal/messaging"
	"github.com/jordanhubbard/agency/internal/persona"
	"github.com/jordanhubbard/agency/internal/telemetry"
	"github.com/jordanhubbard/agency/pkg/messages"
)

// Role is an agent's place in the hierarchy.
type Role string

const (
	RoleCoordinator Role = "coordinator"
	RoleSpecialist  Role = "specialist"
	RoleCritic      Role = "critic"
	RoleResearcher  Role = "researcher"
	RoleExecutor    Role = "executor"
)

// ParseRole validates a role string.
func ParseRole(s string) (Role, error) {
	switch r := Role(s); r {
	case RoleCoordinator, RoleSpecialist, RoleCritic, RoleResearcher, RoleExecutor:
		return r, nil
	}
	return "", fmt.Errorf("unknown agent role %q", s)
}

// ErrNoAgents is returned when a collaboration has nobody to ask.
var ErrNoAgents = errors.New("no agents to collaborate")

// Agent is a registered participant. Its id doubles as its model id in
// the dispatcher.
type Agent struct {
	ID           string   `json:"id"`
	Role         Role     `json:"role"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// CollaborationResult is stored at collaboration:{task_id} and broadcast
// as collaboration_result.
type CollaborationResult struct {
	TaskID     string          `json:"task_id"`
	Content    string          `json:"content"`
	Confidence float64         `json:"confidence"`
	Strategy   fusion.Strategy `json:"strategy"`
	Agents     []string        `json:"agents"`
}

// CollaborationKey is the shared memory key of a task's collaboration.
func CollaborationKey(taskID string) string { return "collaboration:" + taskID }

// Coordinator runs a task graph over a set of agents.
type Coordinator struct {
	graph       *Graph
	dispatcher  *beam.Dispatcher
	broker      *messaging.Broker
	memory      *memory.Manager
	logger      *slog.Logger
	instruments *telemetry.Instruments

	mu     sync.RWMutex
	agents map[string]Agent
	order  []string

	startOnce sync.Once
	unsubs    []func()
}

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithCoordinatorLogger sets the logger.
func WithCoordinatorLogger(l *slog.Logger) CoordinatorOption {
	return func(c *Coordinator) { c.logger = l }
}

// WithInstruments counts completed tasks.
func WithInstruments(in *telemetry.Instruments) CoordinatorOption {
	return func(c *Coordinator) { c.instruments = in }
}

// NewCoordinator creates a coordinator with its own graph. Tasks created
// without an assignee go to the first registered coordinator agent.
func NewCoordinator(d *beam.Dispatcher, broker *messaging.Broker, mem *memory.Manager, graphOpts []Option, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		dispatcher: d,
		broker:     broker,
		memory:     mem,
		logger:     slog.Default(),
		agents:     make(map[string]Agent),
	}
	for _, opt := range opts {
		opt(c)
	}
	graphOpts = append([]Option{WithLogger(c.logger)}, graphOpts...)
	c.graph = NewGraph(broker, append(graphOpts, WithAssigner(c.defaultAssignee))...)
	return c
}

// Graph returns the coordinator's task graph.
func (c *Coordinator) Graph() *Graph { return c.graph }

// RegisterAgent adds an agent and registers its model with the dispatcher.
func (c *Coordinator) RegisterAgent(a Agent, model beam.ModelConfig) error {
	if a.ID == "" {
		return errors.New("agent id is required")
	}
	if _, err := ParseRole(string(a.Role)); err != nil {
		return err
	}
	if err := c.dispatcher.RegisterModel(a.ID, model); err != nil {
		return err
	}

	c.mu.Lock()
	if _, exists := c.agents[a.ID]; !exists {
		c.order = append(c.order, a.ID)
	}
	c.agents[a.ID] = a
	c.mu.Unlock()

	c.logger.Info("registered agent", "agent", a.ID, "role", a.Role, "capabilities", a.Capabilities)
	return nil
}

// RegisterPersona registers p as an agent answering through its own model.
func (c *Coordinator) RegisterPersona(p *persona.Persona, role Role, capabilities ...string) error {
	return c.RegisterAgent(Agent{ID: p.ID, Role: role, Capabilities: capabilities}, p.Model)
}

// Agents returns every agent in registration order.
func (c *Coordinator) Agents() []Agent {
	return c.agentsWhere(func(Agent) bool { return true })
}

// AgentsByRole returns the ids of agents with role, in registration order.
func (c *Coordinator) AgentsByRole(role Role) []string {
	return agentIDs(c.agentsWhere(func(a Agent) bool { return a.Role == role }))
}

// AgentsByCapability returns the ids of agents with capability.
func (c *Coordinator) AgentsByCapability(capability string) []string {
	return agentIDs(c.agentsWhere(func(a Agent) bool { return contains(a.Capabilities, capability) }))
}

func (c *Coordinator) agentsWhere(keep func(Agent) bool) []Agent {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []Agent
	for _, id := range c.order {
		if a := c.agents[id]; keep(a) {
			out = append(out, a)
		}
	}
	return out
}

func agentIDs(agents []Agent) []string {
	ids := make([]string, len(agents))
	for i, a := range agents {
		ids[i] = a.ID
	}
	return ids
}

func (c *Coordinator) defaultAssignee() string {
	if ids := c.AgentsByRole(RoleCoordinator); len(ids) > 0 {
		return ids[0]
	}
	return ""
}

// Collaborate asks agentIDs to work on a ready or in-progress task and
// fuses their answers. Success completes the task with the fused content;
// a failure marks it failed. With no agentIDs the assignee works alone.
func (c *Coordinator) Collaborate(ctx context.Context, taskID string, agentIDs []string, strategy fusion.Strategy) (*fusion.Result, error) {
	if strategy == "" {
		strategy = fusion.Ensemble
	}
	result, err := c.collaborate(ctx, taskID, agentIDs, strategy)
	if err != nil {
		c.logger.Error("collaboration failed", "task_id", taskID, "error", err)
		c.broadcast(ctx, messages.ContextCollaborationError, map[string]interface{}{
			"task_id": taskID,
			"error":   err.Error(),
		})
		return nil, err
	}
	return result, nil
}

func (c *Coordinator) collaborate(ctx context.Context, taskID string, agentIDs []string, strategy fusion.Strategy) (*fusion.Result, error) {
	task, err := c.graph.Get(taskID)
	if err != nil {
		return nil, err
	}
	if len(agentIDs) == 0 && task.AssignedTo != Unassigned {
		agentIDs = []string{task.AssignedTo}
	}
	if len(agentIDs) == 0 {
		return nil, c.failRunnable(ctx, task, fmt.Errorf("%w: task %s", ErrNoAgents, taskID))
	}
	if !c.dispatcher.Engine().Has(strategy) {
		return nil, c.failRunnable(ctx, task, fmt.Errorf("%w: %s", fusion.ErrUnknownStrategy, strategy))
	}

	switch task.Status {
	case StatusReady:
		if _, err := c.graph.UpdateTaskStatus(ctx, taskID, StatusInProgress, nil); err != nil {
			return nil, err
		}
	case StatusInProgress:
	default:
		return nil, fmt.Errorf("%w: task %s is %s", ErrInvalidTransition, taskID, task.Status)
	}

	result, _, err := c.dispatcher.Beam(ctx, beam.Request{
		Prompt:        task.Description,
		SystemMessage: "Collaborate on this task: " + task.Description,
		ModelIDs:      agentIDs,
		Strategy:      strategy,
	})
	if err != nil {
		if _, uerr := c.graph.UpdateTaskStatus(ctx, taskID, StatusFailed, err.Error()); uerr != nil {
			c.logger.Warn("failed to mark task failed", "task_id", taskID, "error", uerr)
		}
		return nil, err
	}
	if _, err := c.graph.UpdateTaskStatus(ctx, taskID, StatusCompleted, result.Content); err != nil {
		return nil, err
	}
	c.instruments.RecordTaskCompleted(ctx)

	out := CollaborationResult{
		TaskID:     taskID,
		Content:    result.Content,
		Confidence: result.Confidence,
		Strategy:   result.Strategy,
		Agents:     agentIDs,
	}
	if c.memory != nil {
		if err := c.memory.Write(ctx, CollaborationKey(taskID), out); err != nil {
			c.logger.Warn("failed to store collaboration", "task_id", taskID, "error", err)
		}
	}
	payload, err := messages.ToPayload(out)
	if err == nil {
		c.broadcast(ctx, messages.ContextCollaborationResult, payload)
	}
	return result, nil
}

// failRunnable marks a ready or in-progress task failed with cause, since
// no retry of the same request can succeed. Pending tasks are left alone.
func (c *Coordinator) failRunnable(ctx context.Context, task Task, cause error) error {
	if task.Status != StatusReady && task.Status != StatusInProgress {
		return cause
	}
	if _, err := c.graph.UpdateTaskStatus(ctx, task.ID, StatusFailed, cause.Error()); err != nil {
		c.logger.Warn("failed to mark task failed", "task_id", task.ID, "error", err)
	}
	return cause
}

func (c *Coordinator) broadcast(ctx context.Context, topic string, payload map[string]interface{}) {
	if c.broker == nil {
		return
	}
	if err := c.broker.BroadcastSystemMessage(ctx, topic, payload); err != nil {
		c.logger.Warn("failed to broadcast", "context", topic, "error", err)
	}
}

// Start subscribes the coordinator to task requests, task updates and
// collaboration requests. Calling it again has no effect.
func (c *Coordinator) Start() {
	if c.broker == nil {
		return
	}
	c.startOnce.Do(func() {
		c.unsubs = append(c.unsubs,
			c.broker.SubscribeToContext(messages.ContextTaskRequest, c.handleTaskRequest),
			c.broker.SubscribeToContext(messages.ContextTaskUpdate, c.handleTaskUpdate),
			c.broker.SubscribeToContext(messages.ContextCollaborationRequest, c.handleCollaborationRequest),
		)
	})
}

// Stop removes the broker subscriptions.
func (c *Coordinator) Stop() {
	for _, unsub := range c.unsubs {
		unsub()
	}
}

func (c *Coordinator) handleTaskRequest(ctx context.Context, msg *messages.Message) error {
	var req TaskSpec
	if err := msg.Decode(&req); err != nil {
		return fmt.Errorf("malformed task request: %w", err)
	}
	if req.Description == "" {
		return errors.New("invalid task request: missing description")
	}
	tasks, err := c.graph.CreateTasks(ctx, []TaskSpec{req})
	if err != nil {
		return err
	}
	_, err = c.broker.RouteMessage(ctx, systemSender, messages.ContextTaskCreated, map[string]interface{}{
		"task_id": tasks[0].ID,
		"status":  string(tasks[0].Status),
	})
	return err
}

func (c *Coordinator) handleTaskUpdate(ctx context.Context, msg *messages.Message) error {
	taskID, status := msg.String("task_id"), msg.String("status")
	if taskID == "" || status == "" {
		return errors.New("invalid task update: missing task_id or status")
	}
	_, err := c.graph.UpdateTaskStatus(ctx, taskID, Status(status), msg.Payload["result"])
	return err
}

func (c *Coordinator) handleCollaborationRequest(ctx context.Context, msg *messages.Message) error {
	taskID := msg.String("task_id")
	agentIDs := msg.Strings("agent_ids")
	if taskID == "" || len(agentIDs) == 0 {
		return errors.New("invalid collaboration request: missing task_id or agent_ids")
	}
	_, err := c.Collaborate(ctx, taskID, agentIDs, fusion.Strategy(msg.String("strategy")))
	return err
}
