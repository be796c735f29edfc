package store

import (
	"context"
	"errors"
	"time"
)

// Composite overrides the pub/sub or lock half of a base Store. It lets a
// deployment keep values in Redis while fanning notifications out over NATS
// or taking locks from PostgreSQL.
type Composite struct {
	base   Store
	pubsub PubSub
	locker Locker
}

// Compose returns base with pubsub and locker substituted where non-nil.
func Compose(base Store, pubsub PubSub, locker Locker) *Composite {
	c := &Composite{base: base, pubsub: pubsub, locker: locker}
	if c.pubsub == nil {
		c.pubsub = base
	}
	if c.locker == nil {
		c.locker = base
	}
	return c
}

func (c *Composite) Set(ctx context.Context, key string, value []byte) error {
	return c.base.Set(ctx, key, value)
}

func (c *Composite) Get(ctx context.Context, key string) ([]byte, error) {
	return c.base.Get(ctx, key)
}

func (c *Composite) Publish(ctx context.Context, channel string, payload []byte) error {
	return c.pubsub.Publish(ctx, channel, payload)
}

func (c *Composite) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	return c.pubsub.Subscribe(ctx, channel)
}

func (c *Composite) TryLock(ctx context.Context, resource string, ttl time.Duration) (Lock, error) {
	return c.locker.TryLock(ctx, resource, ttl)
}

// Ping checks the base store and every substituted half that can be pinged.
func (c *Composite) Ping(ctx context.Context) error {
	if err := c.base.Ping(ctx); err != nil {
		return err
	}
	for _, part := range c.extras() {
		if p, ok := part.(interface{ Ping(context.Context) error }); ok {
			if err := p.Ping(ctx); err != nil {
				return err
			}
		}
	}
	return nil
}

// Close closes the base store and any substituted half that has a Close.
func (c *Composite) Close() error {
	errs := []error{c.base.Close()}
	for _, part := range c.extras() {
		if cl, ok := part.(interface{ Close() error }); ok {
			errs = append(errs, cl.Close())
		}
	}
	return errors.Join(errs...)
}

// extras returns the substituted halves that are not the base store.
func (c *Composite) extras() []interface{} {
	var out []interface{}
	seen := map[interface{}]bool{c.base: true}
	for _, part := range []interface{}{c.pubsub, c.locker} {
		if seen[part] {
			continue
		}
		seen[part] = true
		out = append(out, part)
	}
	return out
}

var _ Store = (*Composite)(nil)
