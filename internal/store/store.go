// Package store defines the replicated backing store that shared memory,
// locks and cross-instance notifications are built on, together with a
// Redis implementation and an in-process implementation for tests and
// single-node deployments.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound is returned by Get when the key does not exist.
	ErrNotFound = errors.New("store: key not found")
	// ErrLockNotAcquired is returned when a lock is held by someone else.
	ErrLockNotAcquired = errors.New("store: lock not acquired")
	// ErrLockNotHeld is returned by Release when the lock expired or was taken over.
	ErrLockNotHeld = errors.New("store: lock not held")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("store: closed")
)

// KV is a flat byte key-value store.
type KV interface {
	Set(ctx context.Context, key string, value []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
}

// Subscription receives payloads published on one channel. The channel
// returned by Channel is closed after Close.
type Subscription interface {
	Channel() <-chan []byte
	Close() error
}

// PubSub is fire-and-forget fan-out to every current subscriber of a channel.
type PubSub interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (Subscription, error)
}

// Lock is a held distributed lock.
type Lock interface {
	Resource() string
	Release(ctx context.Context) error
}

// Locker hands out expiring mutual-exclusion locks. TryLock never waits;
// it returns ErrLockNotAcquired when the resource is held.
type Locker interface {
	TryLock(ctx context.Context, resource string, ttl time.Duration) (Lock, error)
}

// Store is the full backing store contract.
type Store interface {
	KV
	PubSub
	Locker
	Ping(ctx context.Context) error
	Close() error
}

const lockRetryInterval = 25 * time.Millisecond

// AcquireLock polls l until the lock on resource is obtained or wait
// elapses. A wait of zero means a single attempt.
func AcquireLock(ctx context.Context, l Locker, resource string, ttl, wait time.Duration) (Lock, error) {
	deadline := time.Now().Add(wait)
	for {
		lock, err := l.TryLock(ctx, resource, ttl)
		if err == nil {
			return lock, nil
		}
		if !errors.Is(err, ErrLockNotAcquired) {
			return nil, err
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, fmt.Errorf("%w: %s after %v", ErrLockNotAcquired, resource, wait)
		}
		sleep := lockRetryInterval
		if remaining < sleep {
			sleep = remaining
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(sleep):
		}
	}
}
