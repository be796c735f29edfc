// Package memory provides namespaced shared memory on top of a replicated
// store. Writes are serialized per key by a distributed lock and announced
// to other holders of the namespace through the broker.
package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/jordanhubbard/agency/internal/messaging"
	"github.com/jordanhubbard/agency/internal/metrics"
	"github.com/jordanhubbard/agency/internal/store"
	"github.com/jordanhubbard/agency/pkg/messages"
)

// DefaultLockTTL bounds how long a crashed writer can hold a key.
const DefaultLockTTL = 3 * time.Second

var (
	// ErrNotFound is returned by Read when the key is in neither the cache
	// nor the store.
	ErrNotFound = errors.New("memory: key not found")
	// ErrLockTimeout is returned when the per-key lock could not be taken in
	// time. It wraps store.ErrLockNotAcquired and is safe to retry.
	ErrLockTimeout = fmt.Errorf("memory: lock timeout: %w", store.ErrLockNotAcquired)
)

// Entry is one versioned value in a namespace.
type Entry struct {
	Namespace string          `json:"namespace"`
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value"`
	Version   int64           `json:"version"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// stored is what lives at {namespace}:{key} in the backing store.
type stored struct {
	Version   int64           `json:"version"`
	Value     json.RawMessage `json:"value"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// update is the memory_update notification payload.
type update struct {
	Namespace string          `json:"namespace"`
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value"`
	Version   int64           `json:"version"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Manager is the shared memory view of one namespace.
type Manager struct {
	namespace string
	store     store.Store
	broker    *messaging.Broker
	lockTTL   time.Duration
	lockWait  time.Duration
	logger    *slog.Logger
	metrics   *metrics.Metrics

	mu    sync.RWMutex
	cache map[string]Entry

	handlerOnce sync.Once
	unsubscribe func()
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(m *Manager) { m.logger = l } }

// WithMetrics records writes and lock waits.
func WithMetrics(mt *metrics.Metrics) Option { return func(m *Manager) { m.metrics = mt } }

// WithLockTTL sets the lock TTL. Acquisition waits at most the same amount
// unless WithLockWait is also given.
func WithLockTTL(ttl time.Duration) Option { return func(m *Manager) { m.lockTTL = ttl } }

// WithLockWait sets how long Write waits for a contended lock.
func WithLockWait(wait time.Duration) Option { return func(m *Manager) { m.lockWait = wait } }

// New creates a manager for namespace. broker may be nil, in which case
// writes are never announced and RegisterHandler is a no-op.
func New(namespace string, st store.Store, broker *messaging.Broker, opts ...Option) *Manager {
	m := &Manager{
		namespace: namespace,
		store:     st,
		broker:    broker,
		lockTTL:   DefaultLockTTL,
		logger:    slog.Default(),
		cache:     make(map[string]Entry),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.lockWait <= 0 {
		m.lockWait = m.lockTTL
	}
	m.logger = m.logger.With("namespace", namespace)
	return m
}

// Namespace returns the namespace name.
func (m *Manager) Namespace() string { return m.namespace }

func (m *Manager) dataKey(key string) string { return m.namespace + ":" + key }
func (m *Manager) lockKey(key string) string { return "lock:" + m.namespace + ":" + key }

type writeOptions struct {
	sync bool
}

// WriteOption changes a single Write.
type WriteOption func(*writeOptions)

// WithoutSync skips the memory_update broadcast.
func WithoutSync() WriteOption { return func(o *writeOptions) { o.sync = false } }

// Write stores value under key. value is JSON encoded unless it already is
// a json.RawMessage. The write happens only while holding the key's lock;
// when the lock cannot be taken the error wraps ErrLockTimeout.
func (m *Manager) Write(ctx context.Context, key string, value interface{}, opts ...WriteOption) error {
	wo := writeOptions{sync: true}
	for _, opt := range opts {
		opt(&wo)
	}

	raw, err := encodeValue(value)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}

	entry, err := m.writeLocked(ctx, key, raw)
	if err != nil {
		return err
	}

	if wo.sync && m.broker != nil {
		payload, err := messages.ToPayload(update(entry))
		if err != nil {
			return fmt.Errorf("failed to encode update for %s: %w", key, err)
		}
		if err := m.broker.BroadcastSystemMessage(ctx, messages.ContextMemoryUpdate, payload); err != nil {
			// the value is stored; peers will see it on their next cache miss
			m.logger.Warn("failed to broadcast memory update", "key", key, "error", err)
		}
	}
	return nil
}

func (m *Manager) writeLocked(ctx context.Context, key string, raw json.RawMessage) (entry Entry, err error) {
	start := time.Now()
	lock, err := store.AcquireLock(ctx, m.store, m.lockKey(key), m.lockTTL, m.lockWait)
	if err != nil {
		m.metrics.RecordMemoryWrite(m.namespace, time.Since(start), err)
		if errors.Is(err, store.ErrLockNotAcquired) {
			return Entry{}, fmt.Errorf("%w: %s:%s", ErrLockTimeout, m.namespace, key)
		}
		return Entry{}, fmt.Errorf("failed to lock %s: %w", key, err)
	}
	waited := time.Since(start)
	defer func() {
		if rerr := lock.Release(context.WithoutCancel(ctx)); rerr != nil {
			m.logger.Warn("failed to release lock", "key", key, "error", rerr)
		}
		m.metrics.RecordMemoryWrite(m.namespace, waited, err)
	}()

	current, err := m.loadStored(ctx, key)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return Entry{}, fmt.Errorf("failed to read version of %s: %w", key, err)
	}

	next := stored{Version: current.Version + 1, Value: raw, UpdatedAt: time.Now().UTC()}
	data, err := json.Marshal(next)
	if err != nil {
		return Entry{}, fmt.Errorf("failed to marshal %s: %w", key, err)
	}
	if err := m.store.Set(ctx, m.dataKey(key), data); err != nil {
		return Entry{}, fmt.Errorf("failed to store %s: %w", key, err)
	}

	entry = Entry{
		Namespace: m.namespace,
		Key:       key,
		Value:     raw,
		Version:   next.Version,
		UpdatedAt: next.UpdatedAt,
	}
	m.mu.Lock()
	m.cache[key] = entry
	m.mu.Unlock()
	m.logger.Debug("memory write", "key", key, "version", entry.Version)
	return entry, nil
}

func (m *Manager) loadStored(ctx context.Context, key string) (stored, error) {
	data, err := m.store.Get(ctx, m.dataKey(key))
	if err != nil {
		return stored{}, err
	}
	var s stored
	if err := json.Unmarshal(data, &s); err != nil {
		return stored{}, fmt.Errorf("corrupt entry %s: %w", key, err)
	}
	return s, nil
}

// Read returns the raw JSON value of key, from the cache when present and
// otherwise from the store. Reads take no lock.
func (m *Manager) Read(ctx context.Context, key string) (json.RawMessage, error) {
	e, err := m.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	return e.Value, nil
}

// ReadInto decodes the value of key into dst.
func (m *Manager) ReadInto(ctx context.Context, key string, dst interface{}) error {
	raw, err := m.Read(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("failed to decode %s: %w", key, err)
	}
	return nil
}

// Get returns the full entry for key.
func (m *Manager) Get(ctx context.Context, key string) (Entry, error) {
	m.mu.RLock()
	e, ok := m.cache[key]
	m.mu.RUnlock()
	if ok {
		return e, nil
	}

	s, err := m.loadStored(ctx, key)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Entry{}, fmt.Errorf("%w: %s:%s", ErrNotFound, m.namespace, key)
		}
		return Entry{}, err
	}
	e = Entry{Namespace: m.namespace, Key: key, Value: s.Value, Version: s.Version, UpdatedAt: s.UpdatedAt}
	m.storeIfNewer(e)
	return e, nil
}

// AcquireLock takes the distributed lock on resource for composite
// read-modify-write sequences. The caller must Release it.
func (m *Manager) AcquireLock(ctx context.Context, resource string, ttl time.Duration) (store.Lock, error) {
	if ttl <= 0 {
		ttl = m.lockTTL
	}
	lock, err := store.AcquireLock(ctx, m.store, "lock:"+m.namespace+":"+resource, ttl, ttl)
	if err != nil {
		if errors.Is(err, store.ErrLockNotAcquired) {
			return nil, fmt.Errorf("%w: %s", ErrLockTimeout, resource)
		}
		return nil, err
	}
	return lock, nil
}

// RegisterHandler subscribes the manager to memory_update notifications.
// Updates for this namespace replace the cached entry when their version is
// newer. Calling it more than once has no further effect.
func (m *Manager) RegisterHandler() {
	if m.broker == nil {
		return
	}
	m.handlerOnce.Do(func() {
		m.unsubscribe = m.broker.SubscribeToContext(messages.ContextMemoryUpdate, m.handleUpdate)
	})
}

// Close removes the broker subscription.
func (m *Manager) Close() {
	if m.unsubscribe != nil {
		m.unsubscribe()
	}
}

func (m *Manager) handleUpdate(ctx context.Context, msg *messages.Message) error {
	var u update
	if err := msg.Decode(&u); err != nil {
		return fmt.Errorf("malformed memory update: %w", err)
	}
	if u.Namespace != m.namespace {
		return nil
	}
	if m.storeIfNewer(Entry(u)) {
		m.logger.Debug("applied memory update", "key", u.Key, "version", u.Version, "from", msg.Sender)
	}
	return nil
}

func (m *Manager) storeIfNewer(e Entry) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.cache[e.Key]; ok && cur.Version >= e.Version {
		return false
	}
	m.cache[e.Key] = e
	return true
}

// Invalidate drops key from the local cache.
func (m *Manager) Invalidate(key string) {
	m.mu.Lock()
	delete(m.cache, key)
	m.mu.Unlock()
}

// CachedKeys lists keys currently held in the local cache.
func (m *Manager) CachedKeys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.cache))
	for k := range m.cache {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func encodeValue(v interface{}) (json.RawMessage, error) {
	switch t := v.(type) {
	case json.RawMessage:
		if !json.Valid(t) {
			return nil, errors.New("invalid JSON")
		}
		return t, nil
	default:
		return json.Marshal(v)
	}
}
