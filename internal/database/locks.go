package database

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jordanhubbard/agency/internal/store"
)

// DistributedLock is a row in distributed_locks owned by one holder token.
type DistributedLock struct {
	db         *Database
	lockName   string
	instanceID string
}

// TryLock takes lockName if it is free or its holder's TTL has passed. It
// never waits; a held lock yields store.ErrLockNotAcquired.
func (d *Database) TryLock(ctx context.Context, lockName string, ttl time.Duration) (store.Lock, error) {
	instanceID := uuid.New().String()
	expiresAt := time.Now().Add(ttl)

	// insert, or take over an expired row, in one statement
	query := `
		INSERT INTO distributed_locks (lock_name, instance_id, acquired_at, expires_at)
		VALUES (?, ?, CURRENT_TIMESTAMP, ?)
		ON CONFLICT (lock_name) DO UPDATE
		SET instance_id = EXCLUDED.instance_id,
			acquired_at = CURRENT_TIMESTAMP,
			expires_at = EXCLUDED.expires_at
		WHERE distributed_locks.expires_at < CURRENT_TIMESTAMP
	`
	result, err := d.db.ExecContext(ctx, rebind(query), lockName, instanceID, expiresAt)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to check lock acquisition: %w", err)
	}
	if rows == 0 {
		return nil, store.ErrLockNotAcquired
	}

	return &DistributedLock{db: d, lockName: lockName, instanceID: instanceID}, nil
}

// Resource returns the lock name.
func (dl *DistributedLock) Resource() string { return dl.lockName }

// Release deletes the row if this holder still owns it.
func (dl *DistributedLock) Release(ctx context.Context) error {
	query := `
		DELETE FROM distributed_locks
		WHERE lock_name = ? AND instance_id = ?
	`
	result, err := dl.db.db.ExecContext(ctx, rebind(query), dl.lockName, dl.instanceID)
	if err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return store.ErrLockNotHeld
	}
	return nil
}

// CleanupExpiredLocks removes expired locks from the database.
func (d *Database) CleanupExpiredLocks(ctx context.Context) (int, error) {
	query := `
		DELETE FROM distributed_locks
		WHERE expires_at < CURRENT_TIMESTAMP
	`

	result, err := d.db.ExecContext(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup locks: %w", err)
	}

	rows, _ := result.RowsAffected()
	return int(rows), nil
}

var _ store.Locker = (*Database)(nil)
