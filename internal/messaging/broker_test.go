package messaging

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jordanhubbard/agency/internal/store"
	"github.com/jordanhubbard/agency/pkg/messages"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestBroker(t *testing.T, transport store.PubSub, workers int) *Broker {
	t.Helper()
	if transport == nil {
		transport = store.NewMemoryStore()
	}
	b := NewBroker(transport, Config{Workers: workers, QueueSize: 16})
	t.Cleanup(func() { _ = b.Close() })
	return b
}

// collector records received messages for assertions.
type collector struct {
	mu   sync.Mutex
	msgs []*messages.Message
}

func (c *collector) handler(ctx context.Context, msg *messages.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, msg)
	return nil
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.msgs)
}

func (c *collector) first() *messages.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.msgs[0]
}

func TestNewBroker_GeneratesID(t *testing.T) {
	b := setupTestBroker(t, nil, 1)
	assert.NotEmpty(t, b.ID())

	named := NewBroker(store.NewMemoryStore(), Config{ID: "node-a"})
	defer named.Close()
	assert.Equal(t, "node-a", named.ID())
}

func TestRouteMessage_AllHandlersReceive(t *testing.T) {
	b := setupTestBroker(t, nil, 4)

	var a, c collector
	b.SubscribeToContext("X", a.handler)
	b.SubscribeToContext("X", c.handler)

	msg, err := b.RouteMessage(context.Background(), "agent-1", "X", map[string]interface{}{"n": 1})
	require.NoError(t, err)
	assert.Equal(t, "agent-1", msg.Sender)

	require.Eventually(t, func() bool { return a.count() == 1 && c.count() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, a.first().Payload, c.first().Payload)
	assert.Equal(t, "X", a.first().Context)
}

func TestRouteMessage_HandlerOutlivesCallerContext(t *testing.T) {
	b := setupTestBroker(t, nil, 1)

	release := make(chan struct{})
	handlerErr := make(chan error, 1)
	b.SubscribeToContext("slow", func(ctx context.Context, msg *messages.Message) error {
		<-release
		handlerErr <- ctx.Err()
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	_, err := b.RouteMessage(ctx, "api", "slow", nil)
	require.NoError(t, err)
	cancel()
	close(release)

	select {
	case err := <-handlerErr:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("handler never ran")
	}
}

func TestRouteMessage_HandlerIsolation(t *testing.T) {
	b := setupTestBroker(t, nil, 2)

	var good collector
	b.SubscribeToContext("X", func(context.Context, *messages.Message) error {
		return errors.New("handler failed")
	})
	b.SubscribeToContext("X", func(context.Context, *messages.Message) error {
		panic("handler exploded")
	})
	b.SubscribeToContext("X", good.handler)

	_, err := b.RouteMessage(context.Background(), "s", "X", nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return good.count() == 1 }, time.Second, 5*time.Millisecond)

	// the pool survives the panic and keeps delivering
	_, err = b.RouteMessage(context.Background(), "s", "X", nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return good.count() == 2 }, time.Second, 5*time.Millisecond)
}

func TestRouteMessage_RegistrationOrder(t *testing.T) {
	b := setupTestBroker(t, nil, 1)

	var mu sync.Mutex
	var order []int
	for i := 0; i < 5; i++ {
		i := i
		b.SubscribeToContext("ordered", func(context.Context, *messages.Message) error {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			return nil
		})
	}

	_, err := b.RouteMessage(context.Background(), "s", "ordered", nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 5
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestRouteMessage_HandlersGetIndependentPayloads(t *testing.T) {
	b := setupTestBroker(t, nil, 1)

	var c collector
	b.SubscribeToContext("X", func(_ context.Context, msg *messages.Message) error {
		msg.Payload["mutated"] = true
		return nil
	})
	b.SubscribeToContext("X", c.handler)

	_, err := b.RouteMessage(context.Background(), "s", "X", map[string]interface{}{"k": "v"})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return c.count() == 1 }, time.Second, 5*time.Millisecond)
	_, mutated := c.first().Payload["mutated"]
	assert.False(t, mutated)
}

func TestRouteMessage_NoHandlers(t *testing.T) {
	b := setupTestBroker(t, nil, 1)
	_, err := b.RouteMessage(context.Background(), "s", "nobody-listens", nil)
	assert.NoError(t, err)
}

func TestUnsubscribe(t *testing.T) {
	b := setupTestBroker(t, nil, 1)

	var c collector
	unsubscribe := b.SubscribeToContext("X", c.handler)
	assert.Equal(t, []string{"X"}, b.Contexts())

	unsubscribe()
	assert.Empty(t, b.Contexts())

	_, err := b.RouteMessage(context.Background(), "s", "X", nil)
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, c.count())
}

func TestSubscribeDuringDispatch(t *testing.T) {
	b := setupTestBroker(t, nil, 4)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			b.SubscribeToContext("busy", func(context.Context, *messages.Message) error { return nil })
		}()
		go func() {
			defer wg.Done()
			_, _ = b.RouteMessage(context.Background(), "s", "busy", nil)
		}()
	}
	wg.Wait()
	assert.Equal(t, 20, b.Stats().Contexts["busy"])
}

func TestBroadcastSystemMessage_CrossInstance(t *testing.T) {
	shared := store.NewMemoryStore()
	ctx := context.Background()

	first := setupTestBroker(t, shared, 2)
	second := setupTestBroker(t, shared, 2)
	require.NoError(t, first.Start(ctx))
	require.NoError(t, second.Start(ctx))

	var onFirst, onSecond, unrelated collector
	first.SubscribeToContext("memory_update", onFirst.handler)
	second.SubscribeToContext("memory_update", onSecond.handler)
	second.SubscribeToContext("other", unrelated.handler)

	require.NoError(t, first.BroadcastSystemMessage(ctx, "memory_update", map[string]interface{}{"key": "k"}))

	require.Eventually(t, func() bool { return onFirst.count() == 1 && onSecond.count() == 1 }, time.Second, 5*time.Millisecond)
	got := onSecond.first()
	assert.Equal(t, first.ID(), got.Sender)
	assert.Equal(t, "k", got.String("key"))
	assert.Equal(t, 0, unrelated.count())
}

func TestBroadcast_MalformedNotificationDropped(t *testing.T) {
	shared := store.NewMemoryStore()
	ctx := context.Background()
	b := setupTestBroker(t, shared, 1)
	require.NoError(t, b.Start(ctx))
	require.NoError(t, b.Start(ctx), "Start is idempotent")

	var c collector
	b.SubscribeToContext("ping", c.handler)

	require.NoError(t, shared.Publish(ctx, messages.SystemChannel, []byte("{not json")))
	require.NoError(t, b.BroadcastSystemMessage(ctx, "ping", nil))
	require.Eventually(t, func() bool { return c.count() == 1 }, time.Second, 5*time.Millisecond)
}

func TestClose(t *testing.T) {
	b := NewBroker(store.NewMemoryStore(), Config{Workers: 1})
	require.NoError(t, b.Start(context.Background()))
	require.NoError(t, b.Close())
	require.NoError(t, b.Close())

	_, err := b.RouteMessage(context.Background(), "s", "X", nil)
	assert.NoError(t, err, "no handlers means nothing to queue")

	b.SubscribeToContext("X", func(context.Context, *messages.Message) error { return nil })
	_, err = b.RouteMessage(context.Background(), "s", "X", nil)
	assert.ErrorIs(t, err, ErrBrokerClosed)
	assert.ErrorIs(t, b.Start(context.Background()), ErrBrokerClosed)
}

func TestHealth(t *testing.T) {
	s := store.NewMemoryStore()
	b := setupTestBroker(t, s, 1)
	assert.NoError(t, b.Health(context.Background()))
	_ = s.Close()
	assert.Error(t, b.Health(context.Background()))
}
