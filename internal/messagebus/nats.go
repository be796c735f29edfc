package messagebus

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jordanhubbard/agency/internal/store"
	"github.com/nats-io/nats.go"
)

// Config holds NATS configuration
type Config struct {
	URL           string        // NATS server URL (e.g., "nats://nats:4222")
	SubjectPrefix string        // prefix for every subject (default: "agency")
	Timeout       time.Duration // Connection timeout
	BufferSize    int           // per-subscription delivery buffer
}

// NatsTransport carries broker channels over core NATS subjects. Core
// subscriptions give every connected instance its own copy of each message,
// which is the fan-out the system channel needs.
type NatsTransport struct {
	conn       *nats.Conn
	prefix     string
	bufferSize int
	logger     *slog.Logger
}

// NewNatsTransport connects to NATS.
func NewNatsTransport(cfg Config, logger *slog.Logger) (*NatsTransport, error) {
	if cfg.URL == "" {
		cfg.URL = "nats://localhost:4222"
	}
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = "agency"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 256
	}
	if logger == nil {
		logger = slog.Default()
	}

	nc, err := nats.Connect(cfg.URL,
		nats.Timeout(cfg.Timeout),
		nats.ReconnectWait(1*time.Second),
		nats.MaxReconnects(-1), // Unlimited reconnects
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	logger.Info("connected to NATS", "url", cfg.URL, "prefix", cfg.SubjectPrefix)
	return &NatsTransport{
		conn:       nc,
		prefix:     cfg.SubjectPrefix,
		bufferSize: cfg.BufferSize,
		logger:     logger,
	}, nil
}

// subjectFor maps a channel name such as "system:notifications" to a NATS
// subject such as "agency.system.notifications".
func subjectFor(prefix, channel string) string {
	token := strings.NewReplacer(":", ".", " ", "_", "*", "_", ">", "_").Replace(channel)
	return prefix + "." + token
}

// Publish sends payload to every subscriber of channel.
func (t *NatsTransport) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := t.conn.Publish(subjectFor(t.prefix, channel), payload); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", channel, err)
	}
	return nil
}

// Subscribe receives every payload published on channel after the call
// returns.
func (t *NatsTransport) Subscribe(ctx context.Context, channel string) (store.Subscription, error) {
	s := &natsSubscription{
		ch:   make(chan []byte, t.bufferSize),
		done: make(chan struct{}),
	}
	subject := subjectFor(t.prefix, channel)
	sub, err := t.conn.Subscribe(subject, func(m *nats.Msg) {
		s.deliver(m.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}
	// make sure the server registered the interest before returning
	if err := t.conn.FlushWithContext(ctx); err != nil {
		_ = sub.Unsubscribe()
		return nil, fmt.Errorf("failed to flush subscription %s: %w", subject, err)
	}
	s.sub = sub
	return s, nil
}

type natsSubscription struct {
	sub  *nats.Subscription
	ch   chan []byte
	done chan struct{}

	mu     sync.RWMutex
	closed bool
	once   sync.Once
}

func (s *natsSubscription) deliver(data []byte) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- data:
	case <-s.done:
	}
}

func (s *natsSubscription) Channel() <-chan []byte { return s.ch }

func (s *natsSubscription) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		if s.sub != nil {
			err = s.sub.Unsubscribe()
		}
		s.mu.Lock()
		s.closed = true
		close(s.ch)
		s.mu.Unlock()
	})
	return err
}

// Ping verifies the connection with a round trip to the server.
func (t *NatsTransport) Ping(ctx context.Context) error {
	if !t.conn.IsConnected() {
		return fmt.Errorf("NATS not connected (status: %s)", t.conn.Status())
	}
	return t.conn.FlushWithContext(ctx)
}

// Close drains pending messages and closes the connection.
func (t *NatsTransport) Close() error {
	if t.conn == nil {
		return nil
	}
	if err := t.conn.Drain(); err != nil {
		t.conn.Close()
		return err
	}
	return nil
}

var _ store.PubSub = (*NatsTransport)(nil)
