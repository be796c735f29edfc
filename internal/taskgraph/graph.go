package taskgraph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jordanhubbard/agency/internal/messaging"
	"github.com/jordanhubbard/agency/internal/metrics"
	"github.com/jordanhubbard/agency/pkg/messages"
)

const systemSender = "system"

// Graph is a DAG of tasks. All mutation goes through CreateTask,
// CreateTasks and UpdateTaskStatus.
type Graph struct {
	broker  *messaging.Broker
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
	newID   func() string
	assign  func() string

	mu    sync.RWMutex
	tasks map[string]*Task
	order []string
}

// Option configures a Graph.
type Option func(*Graph)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(g *Graph) { g.logger = l } }

// WithMetrics records status transitions.
func WithMetrics(m *metrics.Metrics) Option { return func(g *Graph) { g.metrics = m } }

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(g *Graph) { g.now = now } }

// WithIDGenerator overrides the uuid task ids.
func WithIDGenerator(f func() string) Option { return func(g *Graph) { g.newID = f } }

// WithAssigner picks the agent for tasks created without one. It returns
// "" when nobody can take the task.
func WithAssigner(f func() string) Option { return func(g *Graph) { g.assign = f } }

// NewGraph creates an empty graph. broker may be nil, in which case no
// notifications are sent.
func NewGraph(broker *messaging.Broker, opts ...Option) *Graph {
	g := &Graph{
		broker: broker,
		logger: slog.Default(),
		now:    time.Now,
		newID:  uuid.NewString,
		assign: func() string { return "" },
		tasks:  make(map[string]*Task),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// notification is sent after the graph lock is released.
type notification struct {
	broadcast bool
	topic     string
	payload   map[string]interface{}
}

func (g *Graph) emit(ctx context.Context, notes []notification) {
	if g.broker == nil {
		return
	}
	for _, n := range notes {
		var err error
		if n.broadcast {
			err = g.broker.BroadcastSystemMessage(ctx, n.topic, n.payload)
		} else {
			_, err = g.broker.RouteMessage(ctx, systemSender, n.topic, n.payload)
		}
		if err != nil {
			g.logger.Warn("failed to send task notification", "context", n.topic, "error", err)
		}
	}
}

// CreateTask adds one task. Every dependency must already exist. The task
// starts ready when all dependencies are completed, pending otherwise.
func (g *Graph) CreateTask(ctx context.Context, description, assignedTo string, dependencies []string) (Task, error) {
	tasks, err := g.CreateTasks(ctx, []TaskSpec{{Description: description, AssignedTo: assignedTo, Dependencies: dependencies}})
	if err != nil {
		return Task{}, err
	}
	return tasks[0], nil
}

// CreateTasks adds a batch atomically. Specs may depend on each other in
// any order; a cycle or an unknown dependency rejects the whole batch.
func (g *Graph) CreateTasks(ctx context.Context, specs []TaskSpec) ([]Task, error) {
	if len(specs) == 0 {
		return nil, nil
	}

	g.mu.Lock()
	batch := make(map[string]*TaskSpec, len(specs))
	ids := make([]string, len(specs))
	for i := range specs {
		s := &specs[i]
		if s.Description == "" {
			g.mu.Unlock()
			return nil, errors.New("task description is required")
		}
		if s.ID == "" {
			s.ID = g.newID()
		}
		if _, exists := g.tasks[s.ID]; exists {
			g.mu.Unlock()
			return nil, fmt.Errorf("%w: %s", ErrDuplicateTask, s.ID)
		}
		if _, dup := batch[s.ID]; dup {
			g.mu.Unlock()
			return nil, fmt.Errorf("%w: %s", ErrDuplicateTask, s.ID)
		}
		batch[s.ID] = s
		ids[i] = s.ID
	}
	for _, s := range specs {
		for _, dep := range s.Dependencies {
			_, known := g.tasks[dep]
			_, inBatch := batch[dep]
			if !known && !inBatch {
				g.mu.Unlock()
				return nil, fmt.Errorf("%w: %s depends on %s", ErrUnknownDependency, s.ID, dep)
			}
		}
	}
	if err := detectCycle(ids, batch); err != nil {
		g.mu.Unlock()
		return nil, err
	}

	now := g.now()
	created := make([]Task, 0, len(specs))
	var notes []notification
	for _, s := range specs {
		assignee := s.AssignedTo
		if assignee == "" {
			assignee = g.assign()
		}
		if assignee == "" {
			g.logger.Warn("no coordinator available for task assignment", "task_id", s.ID)
			assignee = Unassigned
		}
		t := &Task{
			ID:           s.ID,
			Description:  s.Description,
			AssignedTo:   assignee,
			Status:       StatusPending,
			Dependencies: dedupe(s.Dependencies),
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		// batch dependencies are still pending here, so only tasks whose
		// dependencies all predate the batch can start ready
		if g.depsCompletedLocked(t) {
			t.Status = StatusReady
		}
		g.tasks[t.ID] = t
		g.order = append(g.order, t.ID)
		created = append(created, t.clone())

		if assignee != Unassigned {
			notes = append(notes, notification{topic: messages.ContextTaskAssignment, payload: map[string]interface{}{
				"task_id":      t.ID,
				"description":  t.Description,
				"assigned_to":  assignee,
				"dependencies": t.Dependencies,
			}})
		}
		g.logger.Info("created task", "task_id", t.ID, "assigned_to", assignee, "status", t.Status, "dependencies", len(t.Dependencies))
	}
	g.mu.Unlock()

	g.emit(ctx, notes)
	return created, nil
}

// detectCycle runs a DFS over the batch. Existing tasks cannot depend on
// new ones, so a cycle can only run through the batch.
func detectCycle(ids []string, batch map[string]*TaskSpec) error {
	const (
		white = iota
		grey
		black
	)
	color := make(map[string]int, len(ids))
	var visit func(id string, path []string) error
	visit = func(id string, path []string) error {
		color[id] = grey
		path = append(path, id)
		for _, dep := range batch[id].Dependencies {
			if _, inBatch := batch[dep]; !inBatch {
				continue
			}
			switch color[dep] {
			case grey:
				return fmt.Errorf("%w: %v", ErrDependencyCycle, append(path, dep))
			case white:
				if err := visit(dep, path); err != nil {
					return err
				}
			}
		}
		color[id] = black
		return nil
	}
	for _, id := range ids {
		if color[id] == white {
			if err := visit(id, nil); err != nil {
				return err
			}
		}
	}
	return nil
}

func dedupe(ids []string) []string {
	if len(ids) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

func (g *Graph) depsCompletedLocked(t *Task) bool {
	for _, dep := range t.Dependencies {
		d, ok := g.tasks[dep]
		if !ok || d.Status != StatusCompleted {
			return false
		}
	}
	return true
}

// UpdateTaskStatus moves a task to status and records result when it is
// not nil. Completing a task promotes every pending task whose
// dependencies are now all completed.
func (g *Graph) UpdateTaskStatus(ctx context.Context, id string, status Status, result interface{}) (Task, error) {
	if _, err := ParseStatus(string(status)); err != nil {
		return Task{}, fmt.Errorf("%w: %q", err, status)
	}

	g.mu.Lock()
	t, ok := g.tasks[id]
	if !ok {
		g.mu.Unlock()
		return Task{}, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	if !CanTransition(t.Status, status) {
		from := t.Status
		g.mu.Unlock()
		return Task{}, fmt.Errorf("%w: %s from %s to %s", ErrInvalidTransition, id, from, status)
	}
	if status == StatusReady && !g.depsCompletedLocked(t) {
		g.mu.Unlock()
		return Task{}, fmt.Errorf("%w: %s", ErrDependenciesIncomplete, id)
	}

	notes := []notification{g.transitionLocked(t, status, result)}
	if status == StatusCompleted {
		notes = append(notes, g.sweepLocked(id)...)
	}
	out := t.clone()
	g.mu.Unlock()

	g.emit(ctx, notes)
	return out, nil
}

func (g *Graph) transitionLocked(t *Task, status Status, result interface{}) notification {
	from := t.Status
	t.Status = status
	if result != nil {
		t.Result = result
	}
	t.UpdatedAt = g.now()
	g.metrics.RecordTaskTransition(string(from), string(status))
	g.logger.Info("task status changed", "task_id", t.ID, "from", from, "to", status)
	return notification{broadcast: true, topic: messages.ContextTaskStatusUpdate, payload: map[string]interface{}{
		"task_id":     t.ID,
		"status":      string(status),
		"result":      t.Result,
		"assigned_to": t.AssignedTo,
	}}
}

// sweepLocked promotes the pending dependents of completedID.
func (g *Graph) sweepLocked(completedID string) []notification {
	var notes []notification
	for _, id := range g.order {
		t := g.tasks[id]
		if t.Status != StatusPending || !contains(t.Dependencies, completedID) || !g.depsCompletedLocked(t) {
			continue
		}
		notes = append(notes, g.transitionLocked(t, StatusReady, nil))
		notes = append(notes, notification{topic: messages.ContextTaskReady, payload: map[string]interface{}{
			"task_id":     t.ID,
			"description": t.Description,
			"assigned_to": t.AssignedTo,
		}})
	}
	return notes
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

// Get returns a copy of a task.
func (g *Graph) Get(id string) (Task, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	t, ok := g.tasks[id]
	if !ok {
		return Task{}, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	return t.clone(), nil
}

// List returns every task in creation order.
func (g *Graph) List() []Task {
	return g.filter(func(*Task) bool { return true })
}

// ByStatus returns the tasks in status, in creation order.
func (g *Graph) ByStatus(status Status) []Task {
	return g.filter(func(t *Task) bool { return t.Status == status })
}

// ReadyTasks returns the tasks that can be worked on now.
func (g *Graph) ReadyTasks() []Task { return g.ByStatus(StatusReady) }

// Counts returns the number of tasks per status.
func (g *Graph) Counts() map[Status]int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make(map[Status]int)
	for _, t := range g.tasks {
		out[t.Status]++
	}
	return out
}

func (g *Graph) filter(keep func(*Task) bool) []Task {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var out []Task
	for _, id := range g.order {
		if t := g.tasks[id]; keep(t) {
			out = append(out, t.clone())
		}
	}
	return out
}

// SnapshotStore persists serialized graphs. *database.Database
// implements it.
type SnapshotStore interface {
	SaveSnapshot(ctx context.Context, graphID string, snapshot []byte) error
	LoadSnapshot(ctx context.Context, graphID string) ([]byte, error)
}

// Snapshot serializes every task in creation order.
func (g *Graph) Snapshot() ([]byte, error) {
	return json.Marshal(g.List())
}

// Restore replaces the graph's tasks with a snapshot.
func (g *Graph) Restore(data []byte) error {
	var tasks []Task
	if err := json.Unmarshal(data, &tasks); err != nil {
		return fmt.Errorf("failed to decode task snapshot: %w", err)
	}
	byID := make(map[string]*Task, len(tasks))
	order := make([]string, 0, len(tasks))
	for i := range tasks {
		t := &tasks[i]
		if _, err := ParseStatus(string(t.Status)); err != nil {
			return fmt.Errorf("task %s: %w: %q", t.ID, err, t.Status)
		}
		if _, dup := byID[t.ID]; dup {
			return fmt.Errorf("%w: %s", ErrDuplicateTask, t.ID)
		}
		byID[t.ID] = t
		order = append(order, t.ID)
	}
	for _, t := range byID {
		for _, dep := range t.Dependencies {
			if _, ok := byID[dep]; !ok {
				return fmt.Errorf("%w: %s depends on %s", ErrUnknownDependency, t.ID, dep)
			}
		}
	}

	g.mu.Lock()
	g.tasks = byID
	g.order = order
	g.mu.Unlock()
	return nil
}

// Save writes a snapshot to st under graphID.
func (g *Graph) Save(ctx context.Context, st SnapshotStore, graphID string) error {
	tasks := g.List()
	data, err := json.Marshal(tasks)
	if err != nil {
		return err
	}
	if err := st.SaveSnapshot(ctx, graphID, data); err != nil {
		return fmt.Errorf("failed to save task graph %s: %w", graphID, err)
	}
	g.logger.Info("saved task graph", "graph_id", graphID, "tasks", len(tasks))
	return nil
}

// Load restores the graph from the snapshot stored under graphID.
func (g *Graph) Load(ctx context.Context, st SnapshotStore, graphID string) error {
	data, err := st.LoadSnapshot(ctx, graphID)
	if err != nil {
		return fmt.Errorf("failed to load task graph %s: %w", graphID, err)
	}
	return g.Restore(data)
}
