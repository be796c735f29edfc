package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

const memorySubscriptionBuffer = 256

// MemoryStore is an in-process Store. Every Subscribe on the same
// MemoryStore sees every Publish, which lets several brokers share one
// instance the way they would share a Redis server.
type MemoryStore struct {
	mu     sync.Mutex
	data   map[string][]byte
	locks  map[string]memoryLock
	subs   map[string]map[*memorySubscription]struct{}
	closed bool
	now    func() time.Time
}

type memoryLock struct {
	token     string
	expiresAt time.Time
}

// NewMemoryStore creates an empty in-process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data:  make(map[string][]byte),
		locks: make(map[string]memoryLock),
		subs:  make(map[string]map[*memorySubscription]struct{}),
		now:   time.Now,
	}
}

// SetClock replaces the time source used for lock expiry.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *MemoryStore) Set(ctx context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.data[key] = append([]byte(nil), value...)
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	v, ok := s.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (s *MemoryStore) TryLock(ctx context.Context, resource string, ttl time.Duration) (Lock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	now := s.now()
	if held, ok := s.locks[resource]; ok && now.Before(held.expiresAt) {
		return nil, ErrLockNotAcquired
	}
	token := uuid.New().String()
	s.locks[resource] = memoryLock{token: token, expiresAt: now.Add(ttl)}
	return &memoryHeldLock{store: s, resource: resource, token: token}, nil
}

type memoryHeldLock struct {
	store    *MemoryStore
	resource string
	token    string
}

func (l *memoryHeldLock) Resource() string { return l.resource }

func (l *memoryHeldLock) Release(ctx context.Context) error {
	s := l.store
	s.mu.Lock()
	defer s.mu.Unlock()
	held, ok := s.locks[l.resource]
	if !ok || held.token != l.token {
		return ErrLockNotHeld
	}
	delete(s.locks, l.resource)
	if !s.now().Before(held.expiresAt) {
		return ErrLockNotHeld
	}
	return nil
}

func (s *MemoryStore) Publish(ctx context.Context, channel string, payload []byte) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	targets := make([]*memorySubscription, 0, len(s.subs[channel]))
	for sub := range s.subs[channel] {
		targets = append(targets, sub)
	}
	s.mu.Unlock()

	for _, sub := range targets {
		sub.deliver(ctx, append([]byte(nil), payload...))
	}
	return ctx.Err()
}

func (s *MemoryStore) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	sub := &memorySubscription{
		store:   s,
		channel: channel,
		ch:      make(chan []byte, memorySubscriptionBuffer),
		done:    make(chan struct{}),
	}
	if s.subs[channel] == nil {
		s.subs[channel] = make(map[*memorySubscription]struct{})
	}
	s.subs[channel][sub] = struct{}{}
	return sub, nil
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

// Close drops all data and closes every subscription.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	var all []*memorySubscription
	for _, subs := range s.subs {
		for sub := range subs {
			all = append(all, sub)
		}
	}
	s.subs = make(map[string]map[*memorySubscription]struct{})
	s.mu.Unlock()

	for _, sub := range all {
		sub.shutdown()
	}
	return nil
}

type memorySubscription struct {
	store   *MemoryStore
	channel string
	ch      chan []byte
	done    chan struct{}

	mu     sync.RWMutex
	closed bool
	once   sync.Once
}

func (s *memorySubscription) Channel() <-chan []byte { return s.ch }

func (s *memorySubscription) deliver(ctx context.Context, payload []byte) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- payload:
	case <-s.done:
	case <-ctx.Done():
	}
}

func (s *memorySubscription) Close() error {
	s.store.mu.Lock()
	delete(s.store.subs[s.channel], s)
	s.store.mu.Unlock()
	s.shutdown()
	return nil
}

func (s *memorySubscription) shutdown() {
	s.once.Do(func() {
		close(s.done)
		s.mu.Lock()
		s.closed = true
		close(s.ch)
		s.mu.Unlock()
	})
}

var _ Store = (*MemoryStore)(nil)
