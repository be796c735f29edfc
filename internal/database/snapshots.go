package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrSnapshotNotFound is returned when no snapshot exists for a graph.
var ErrSnapshotNotFound = errors.New("task snapshot not found")

// SnapshotInfo describes a stored snapshot without its body.
type SnapshotInfo struct {
	GraphID   string    `json:"graph_id"`
	TaskCount int       `json:"task_count"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SaveSnapshot upserts the JSON snapshot of graphID.
func (d *Database) SaveSnapshot(ctx context.Context, graphID string, snapshot []byte) error {
	if !json.Valid(snapshot) {
		return fmt.Errorf("snapshot for %s is not valid JSON", graphID)
	}
	var tasks []json.RawMessage
	count := 0
	if json.Unmarshal(snapshot, &tasks) == nil {
		count = len(tasks)
	}

	query := `
		INSERT INTO task_snapshots (graph_id, snapshot, task_count, updated_at)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT (graph_id) DO UPDATE
		SET snapshot = EXCLUDED.snapshot,
			task_count = EXCLUDED.task_count,
			updated_at = CURRENT_TIMESTAMP
	`
	if _, err := d.db.ExecContext(ctx, rebind(query), graphID, string(snapshot), count); err != nil {
		return fmt.Errorf("failed to save snapshot %s: %w", graphID, err)
	}
	return nil
}

// LoadSnapshot returns the stored snapshot of graphID.
func (d *Database) LoadSnapshot(ctx context.Context, graphID string) ([]byte, error) {
	var body string
	err := d.db.QueryRowContext(ctx, rebind(`SELECT snapshot FROM task_snapshots WHERE graph_id = ?`), graphID).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrSnapshotNotFound, graphID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot %s: %w", graphID, err)
	}
	return []byte(body), nil
}

// ListSnapshots lists stored snapshots, most recently updated first.
func (d *Database) ListSnapshots(ctx context.Context) ([]SnapshotInfo, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT graph_id, task_count, updated_at
		FROM task_snapshots
		ORDER BY updated_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshots: %w", err)
	}
	defer rows.Close()

	var out []SnapshotInfo
	for rows.Next() {
		var s SnapshotInfo
		if err := rows.Scan(&s.GraphID, &s.TaskCount, &s.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan snapshot: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// DeleteSnapshot removes the snapshot of graphID.
func (d *Database) DeleteSnapshot(ctx context.Context, graphID string) error {
	_, err := d.db.ExecContext(ctx, rebind(`DELETE FROM task_snapshots WHERE graph_id = ?`), graphID)
	return err
}
