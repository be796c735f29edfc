// Package messaging implements the context-routed message broker. Local
// handlers run on a bounded worker pool; system notifications travel over a
// shared transport so every broker instance attached to it sees them.
package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/jordanhubbard/agency/internal/metrics"
	"github.com/jordanhubbard/agency/internal/store"
	"github.com/jordanhubbard/agency/internal/worker"
	"github.com/jordanhubbard/agency/pkg/messages"
)

// ErrBrokerClosed is returned after Close.
var ErrBrokerClosed = errors.New("broker closed")

// Handler processes one message. Returned errors and panics are logged and
// never affect other handlers.
type Handler func(ctx context.Context, msg *messages.Message) error

// Config configures a Broker.
type Config struct {
	ID        string // instance id, generated when empty
	Workers   int
	QueueSize int
}

type registration struct {
	id      uint64
	handler Handler
}

// Broker routes messages to handlers by context.
type Broker struct {
	id        string
	transport store.PubSub
	pool      *worker.Pool
	logger    *slog.Logger
	metrics   *metrics.Metrics

	mu       sync.RWMutex
	handlers map[string][]registration
	nextID   uint64

	lifeMu  sync.Mutex
	started bool
	closed  bool
	cancel  context.CancelFunc
	sub     store.Subscription
	wg      sync.WaitGroup
}

// Option configures a Broker.
type Option func(*Broker)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(b *Broker) { b.logger = l } }

// WithMetrics records deliveries.
func WithMetrics(m *metrics.Metrics) Option { return func(b *Broker) { b.metrics = m } }

// NewBroker creates a broker publishing system notifications on transport.
func NewBroker(transport store.PubSub, cfg Config, opts ...Option) *Broker {
	b := &Broker{
		id:        cfg.ID,
		transport: transport,
		logger:    slog.Default(),
		handlers:  make(map[string][]registration),
	}
	if b.id == "" {
		b.id = "broker-" + uuid.New().String()[:8]
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.With("broker", b.id)
	b.pool = worker.NewPool(worker.PoolConfig{Workers: cfg.Workers, QueueSize: cfg.QueueSize}, b.logger)
	return b
}

// ID returns the broker instance id.
func (b *Broker) ID() string { return b.id }

// SubscribeToContext registers handler for topic. Handlers for the same
// topic are submitted in registration order. The returned function
// removes the registration.
func (b *Broker) SubscribeToContext(topic string, handler Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.handlers[topic] = append(b.handlers[topic], registration{id: id, handler: handler})
	b.logger.Debug("subscribed to context", "context", topic, "handlers", len(b.handlers[topic]))

	return func() { b.unsubscribe(topic, id) }
}

func (b *Broker) unsubscribe(topic string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	regs := b.handlers[topic]
	for i, r := range regs {
		if r.id == id {
			// copy so in-flight snapshots stay valid
			next := make([]registration, 0, len(regs)-1)
			next = append(next, regs[:i]...)
			b.handlers[topic] = append(next, regs[i+1:]...)
			break
		}
	}
	if len(b.handlers[topic]) == 0 {
		delete(b.handlers, topic)
	}
}

// RouteMessage builds a message and queues it for every local handler of
// topic. It blocks only while the worker queue is full.
func (b *Broker) RouteMessage(ctx context.Context, senderID, topic string, payload map[string]interface{}) (*messages.Message, error) {
	msg := messages.New(senderID, topic, payload)
	if err := b.Deliver(ctx, msg); err != nil {
		return msg, err
	}
	return msg, nil
}

// Deliver queues an existing message for every local handler of its context.
func (b *Broker) Deliver(ctx context.Context, msg *messages.Message) error {
	b.mu.RLock()
	regs := b.handlers[msg.Context]
	b.mu.RUnlock()

	if len(regs) == 0 {
		b.logger.Debug("no handlers for context", "context", msg.Context, "sender", msg.Sender)
		return nil
	}

	// ctx bounds queueing only. Handlers run after the caller may have
	// returned, so they get its values without its cancellation.
	runCtx := context.WithoutCancel(ctx)
	for _, r := range regs {
		h := r.handler
		m := cloneMessage(msg)
		err := b.pool.Submit(ctx, msg.Context, func(context.Context) {
			b.invoke(runCtx, h, m)
		})
		if err != nil {
			if errors.Is(err, worker.ErrPoolStopped) {
				return ErrBrokerClosed
			}
			return fmt.Errorf("failed to queue message for %s: %w", msg.Context, err)
		}
	}
	b.metrics.SetQueueLength(b.pool.Stats().QueueLength)
	return nil
}

func (b *Broker) invoke(ctx context.Context, h Handler, msg *messages.Message) {
	defer func() {
		if r := recover(); r != nil {
			b.metrics.RecordDelivery(msg.Context, "panic")
			b.logger.Error("handler panicked", "context", msg.Context, "sender", msg.Sender, "panic", fmt.Sprint(r))
		}
	}()
	if err := h(ctx, msg); err != nil {
		b.metrics.RecordDelivery(msg.Context, "error")
		b.logger.Error("handler failed", "context", msg.Context, "sender", msg.Sender, "error", err)
		return
	}
	b.metrics.RecordDelivery(msg.Context, "ok")
}

// BroadcastSystemMessage publishes a notification on the system channel.
// Every started broker on the same transport, including this one, delivers
// it to handlers subscribed to messageType.
func (b *Broker) BroadcastSystemMessage(ctx context.Context, messageType string, payload map[string]interface{}) error {
	n := messages.NewSystemNotification(messageType, b.id, payload)
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to marshal notification %s: %w", messageType, err)
	}
	if err := b.transport.Publish(ctx, messages.SystemChannel, data); err != nil {
		return fmt.Errorf("failed to broadcast %s: %w", messageType, err)
	}
	b.metrics.RecordBroadcast(messageType)
	return nil
}

// Start subscribes to the system channel and runs the listener until Close.
func (b *Broker) Start(ctx context.Context) error {
	b.lifeMu.Lock()
	defer b.lifeMu.Unlock()
	if b.closed {
		return ErrBrokerClosed
	}
	if b.started {
		return nil
	}

	sub, err := b.transport.Subscribe(ctx, messages.SystemChannel)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", messages.SystemChannel, err)
	}
	listenCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	b.sub = sub
	b.cancel = cancel
	b.started = true

	b.wg.Add(1)
	go b.listen(listenCtx, sub)
	b.logger.Info("broker listening", "channel", messages.SystemChannel)
	return nil
}

func (b *Broker) listen(ctx context.Context, sub store.Subscription) {
	defer b.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-sub.Channel():
			if !ok {
				return
			}
			var n messages.SystemNotification
			if err := json.Unmarshal(data, &n); err != nil {
				b.logger.Warn("dropping malformed notification", "error", err)
				continue
			}
			if err := b.Deliver(ctx, n.Message()); err != nil && !errors.Is(err, context.Canceled) {
				b.logger.Warn("failed to deliver notification", "type", n.Type, "error", err)
			}
		}
	}
}

// Close stops the listener and waits for queued handlers to finish.
func (b *Broker) Close() error {
	b.lifeMu.Lock()
	if b.closed {
		b.lifeMu.Unlock()
		return nil
	}
	b.closed = true
	cancel, sub := b.cancel, b.sub
	b.lifeMu.Unlock()

	if cancel != nil {
		cancel()
	}
	var err error
	if sub != nil {
		err = sub.Close()
	}
	b.wg.Wait()
	b.pool.Stop()
	return err
}

// Stats describes the broker state.
type Stats struct {
	ID       string           `json:"id"`
	Contexts map[string]int   `json:"contexts"`
	Pool     worker.PoolStats `json:"pool"`
}

// Stats returns handler counts per context and pool statistics.
func (b *Broker) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()
	contexts := make(map[string]int, len(b.handlers))
	for c, regs := range b.handlers {
		contexts[c] = len(regs)
	}
	return Stats{ID: b.id, Contexts: contexts, Pool: b.pool.Stats()}
}

// Contexts lists contexts with at least one handler.
func (b *Broker) Contexts() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.handlers))
	for c := range b.handlers {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// Health checks the transport when it supports pinging.
func (b *Broker) Health(ctx context.Context) error {
	if p, ok := b.transport.(interface{ Ping(context.Context) error }); ok {
		return p.Ping(ctx)
	}
	return nil
}

func cloneMessage(msg *messages.Message) *messages.Message {
	payload := make(map[string]interface{}, len(msg.Payload))
	for k, v := range msg.Payload {
		payload[k] = v
	}
	return &messages.Message{
		Sender:    msg.Sender,
		Context:   msg.Context,
		Timestamp: msg.Timestamp,
		Payload:   payload,
	}
}
