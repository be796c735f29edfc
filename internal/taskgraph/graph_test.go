package taskgraph

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jordanhubbard/agency/internal/messaging"
	"github.com/jordanhubbard/agency/internal/store"
	"github.com/jordanhubbard/agency/pkg/messages"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seqIDs() func() string {
	var mu sync.Mutex
	n := 0
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("t%d", n)
	}
}

func newTestBroker(t *testing.T) *messaging.Broker {
	t.Helper()
	b := messaging.NewBroker(store.NewMemoryStore(), messaging.Config{Workers: 1})
	require.NoError(t, b.Start(context.Background()))
	t.Cleanup(func() { _ = b.Close() })
	return b
}

// collect subscribes to topic and returns a channel of task ids seen.
func collect(b *messaging.Broker, topic string) <-chan *messages.Message {
	ch := make(chan *messages.Message, 32)
	b.SubscribeToContext(topic, func(_ context.Context, msg *messages.Message) error {
		ch <- msg
		return nil
	})
	return ch
}

func waitFor(t *testing.T, ch <-chan *messages.Message) *messages.Message {
	t.Helper()
	select {
	case m := <-ch:
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
		return nil
	}
}

func TestCreateTask_InitialStatus(t *testing.T) {
	g := NewGraph(nil, WithIDGenerator(seqIDs()))
	ctx := context.Background()

	a, err := g.CreateTask(ctx, "root", "alice", nil)
	require.NoError(t, err)
	assert.Equal(t, StatusReady, a.Status)
	assert.Equal(t, "alice", a.AssignedTo)

	b, err := g.CreateTask(ctx, "child", "", []string{a.ID})
	require.NoError(t, err)
	assert.Equal(t, StatusPending, b.Status)
	assert.Equal(t, Unassigned, b.AssignedTo)

	_, err = g.CreateTask(ctx, "orphan", "", []string{"nope"})
	assert.ErrorIs(t, err, ErrUnknownDependency)

	_, err = g.CreateTask(ctx, "", "", nil)
	assert.Error(t, err)
}

func TestCreateTask_StartsReadyWhenDepsCompleted(t *testing.T) {
	g := NewGraph(nil)
	ctx := context.Background()
	a, err := g.CreateTask(ctx, "a", "x", nil)
	require.NoError(t, err)
	_, err = g.UpdateTaskStatus(ctx, a.ID, StatusCompleted, "done")
	require.NoError(t, err)

	b, err := g.CreateTask(ctx, "b", "x", []string{a.ID})
	require.NoError(t, err)
	assert.Equal(t, StatusReady, b.Status)
}

func TestCreateTasks_ForwardReferences(t *testing.T) {
	g := NewGraph(nil)
	tasks, err := g.CreateTasks(context.Background(), []TaskSpec{
		{ID: "deploy", Description: "deploy", Dependencies: []string{"build", "test"}},
		{ID: "test", Description: "test", Dependencies: []string{"build"}},
		{ID: "build", Description: "build"},
	})
	require.NoError(t, err)
	require.Len(t, tasks, 3)
	assert.Equal(t, StatusPending, tasks[0].Status)
	assert.Equal(t, StatusPending, tasks[1].Status)
	assert.Equal(t, StatusReady, tasks[2].Status)
}

func TestCreateTasks_RejectsCycles(t *testing.T) {
	g := NewGraph(nil)
	_, err := g.CreateTasks(context.Background(), []TaskSpec{
		{ID: "a", Description: "a", Dependencies: []string{"c"}},
		{ID: "b", Description: "b", Dependencies: []string{"a"}},
		{ID: "c", Description: "c", Dependencies: []string{"b"}},
	})
	assert.ErrorIs(t, err, ErrDependencyCycle)
	assert.Empty(t, g.List(), "rejected batch must not leave tasks behind")

	_, err = g.CreateTasks(context.Background(), []TaskSpec{{ID: "self", Description: "s", Dependencies: []string{"self"}}})
	assert.ErrorIs(t, err, ErrDependencyCycle)
}

func TestCreateTasks_Duplicates(t *testing.T) {
	g := NewGraph(nil)
	ctx := context.Background()
	_, err := g.CreateTasks(ctx, []TaskSpec{{ID: "a", Description: "a"}, {ID: "a", Description: "again"}})
	assert.ErrorIs(t, err, ErrDuplicateTask)

	_, err = g.CreateTasks(ctx, []TaskSpec{{ID: "a", Description: "a"}})
	require.NoError(t, err)
	_, err = g.CreateTasks(ctx, []TaskSpec{{ID: "a", Description: "a"}})
	assert.ErrorIs(t, err, ErrDuplicateTask)
}

func TestUpdateTaskStatus_Transitions(t *testing.T) {
	g := NewGraph(nil)
	ctx := context.Background()
	_, err := g.CreateTasks(ctx, []TaskSpec{
		{ID: "a", Description: "a"},
		{ID: "b", Description: "b", Dependencies: []string{"a"}},
	})
	require.NoError(t, err)

	_, err = g.UpdateTaskStatus(ctx, "b", StatusReady, nil)
	assert.ErrorIs(t, err, ErrDependenciesIncomplete)
	_, err = g.UpdateTaskStatus(ctx, "b", StatusInProgress, nil)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, err = g.UpdateTaskStatus(ctx, "a", "done", nil)
	assert.ErrorIs(t, err, ErrInvalidStatus)
	_, err = g.UpdateTaskStatus(ctx, "zzz", StatusFailed, nil)
	assert.ErrorIs(t, err, ErrTaskNotFound)

	_, err = g.UpdateTaskStatus(ctx, "a", StatusInProgress, nil)
	require.NoError(t, err)
	a, err := g.UpdateTaskStatus(ctx, "a", StatusCompleted, map[string]interface{}{"ok": true})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, a.Status)

	// terminal states are final
	_, err = g.UpdateTaskStatus(ctx, "a", StatusFailed, nil)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	b, err := g.Get("b")
	require.NoError(t, err)
	assert.Equal(t, StatusReady, b.Status)
}

func TestSweep_WaitsForEveryDependency(t *testing.T) {
	g := NewGraph(nil)
	ctx := context.Background()
	_, err := g.CreateTasks(ctx, []TaskSpec{
		{ID: "a", Description: "a"},
		{ID: "b", Description: "b"},
		{ID: "c", Description: "c", Dependencies: []string{"a", "b"}},
	})
	require.NoError(t, err)

	_, err = g.UpdateTaskStatus(ctx, "a", StatusCompleted, nil)
	require.NoError(t, err)
	c, _ := g.Get("c")
	assert.Equal(t, StatusPending, c.Status)

	_, err = g.UpdateTaskStatus(ctx, "b", StatusCompleted, nil)
	require.NoError(t, err)
	c, _ = g.Get("c")
	assert.Equal(t, StatusReady, c.Status)
}

func TestSweep_FailedDependencyBlocks(t *testing.T) {
	g := NewGraph(nil)
	ctx := context.Background()
	_, err := g.CreateTasks(ctx, []TaskSpec{
		{ID: "a", Description: "a"},
		{ID: "b", Description: "b", Dependencies: []string{"a"}},
	})
	require.NoError(t, err)
	_, err = g.UpdateTaskStatus(ctx, "a", StatusFailed, "boom")
	require.NoError(t, err)

	b, _ := g.Get("b")
	assert.Equal(t, StatusPending, b.Status)
	assert.Empty(t, g.ReadyTasks())
	assert.Equal(t, map[Status]int{StatusFailed: 1, StatusPending: 1}, g.Counts())
}

func TestNotifications(t *testing.T) {
	broker := newTestBroker(t)
	assignments := collect(broker, messages.ContextTaskAssignment)
	updates := collect(broker, messages.ContextTaskStatusUpdate)
	ready := collect(broker, messages.ContextTaskReady)

	g := NewGraph(broker)
	ctx := context.Background()
	_, err := g.CreateTasks(ctx, []TaskSpec{
		{ID: "a", Description: "a", AssignedTo: "alice"},
		{ID: "b", Description: "b", AssignedTo: "bob", Dependencies: []string{"a"}},
		{ID: "c", Description: "nobody"},
	})
	require.NoError(t, err)
	assert.Equal(t, "a", waitFor(t, assignments).String("task_id"))
	assert.Equal(t, "b", waitFor(t, assignments).String("task_id"))

	_, err = g.UpdateTaskStatus(ctx, "a", StatusCompleted, "result")
	require.NoError(t, err)

	seen := map[string]string{}
	for i := 0; i < 2; i++ {
		m := waitFor(t, updates)
		seen[m.String("task_id")] = m.String("status")
	}
	assert.Equal(t, map[string]string{"a": "completed", "b": "ready"}, seen)

	r := waitFor(t, ready)
	assert.Equal(t, "b", r.String("task_id"))
	assert.Equal(t, "bob", r.String("assigned_to"))

	// unassigned tasks are not announced
	select {
	case m := <-assignments:
		t.Fatalf("unexpected assignment %v", m.Payload)
	case <-time.After(50 * time.Millisecond):
	}
}

type mapSnapshots struct {
	data map[string][]byte
}

func (m *mapSnapshots) SaveSnapshot(_ context.Context, id string, b []byte) error {
	m.data[id] = append([]byte(nil), b...)
	return nil
}

func (m *mapSnapshots) LoadSnapshot(_ context.Context, id string) ([]byte, error) {
	b, ok := m.data[id]
	if !ok {
		return nil, errors.New("missing")
	}
	return b, nil
}

func TestSnapshot_SaveLoad(t *testing.T) {
	ctx := context.Background()
	st := &mapSnapshots{data: map[string][]byte{}}
	g := NewGraph(nil)
	_, err := g.CreateTasks(ctx, []TaskSpec{
		{ID: "a", Description: "a"},
		{ID: "b", Description: "b", Dependencies: []string{"a"}},
	})
	require.NoError(t, err)
	_, err = g.UpdateTaskStatus(ctx, "a", StatusCompleted, "done")
	require.NoError(t, err)
	require.NoError(t, g.Save(ctx, st, "g1"))

	restored := NewGraph(nil)
	require.NoError(t, restored.Load(ctx, st, "g1"))
	tasks := restored.List()
	require.Len(t, tasks, 2)
	assert.Equal(t, "a", tasks[0].ID)
	assert.Equal(t, StatusCompleted, tasks[0].Status)
	assert.Equal(t, "done", tasks[0].Result)
	assert.Equal(t, StatusReady, tasks[1].Status)

	assert.Error(t, restored.Load(ctx, st, "missing"))
	assert.ErrorIs(t, restored.Restore([]byte(`[{"task_id":"x","status":"ready","dependencies":["y"]}]`)), ErrUnknownDependency)
	assert.ErrorIs(t, restored.Restore([]byte(`[{"task_id":"x","status":"weird"}]`)), ErrInvalidStatus)
}

func TestGet_ReturnsCopy(t *testing.T) {
	g := NewGraph(nil)
	ctx := context.Background()
	_, err := g.CreateTasks(ctx, []TaskSpec{{ID: "a", Description: "a"}, {ID: "b", Description: "b", Dependencies: []string{"a"}}})
	require.NoError(t, err)

	b, _ := g.Get("b")
	b.Dependencies[0] = "mutated"
	b2, _ := g.Get("b")
	assert.Equal(t, []string{"a"}, b2.Dependencies)
}
