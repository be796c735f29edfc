package logging

import (
	"container/ring"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	// MaxBufferSize is the maximum number of log entries to keep in memory
	MaxBufferSize = 10000

	LogLevelDebug = "debug"
	LogLevelInfo  = "info"
	LogLevelWarn  = "warn"
	LogLevelError = "error"

	// SourceKey is the attribute that names the component a record came from.
	SourceKey = "component"
)

// LogEntry represents a single log entry
type LogEntry struct {
	ID        string                 `json:"id"`
	Timestamp time.Time              `json:"timestamp"`
	Level     string                 `json:"level"`
	Source    string                 `json:"source"`
	Message   string                 `json:"message"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// Filter narrows a query over recent entries. Zero fields match everything.
type Filter struct {
	Limit   int
	Level   string
	Source  string
	TaskID  string
	ModelID string
	Since   time.Time
	Until   time.Time
}

func (f Filter) match(e LogEntry) bool {
	if f.Level != "" && e.Level != f.Level {
		return false
	}
	if f.Source != "" && e.Source != f.Source {
		return false
	}
	if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && e.Timestamp.After(f.Until) {
		return false
	}
	if f.TaskID != "" && getMetaString(e.Metadata, "task_id") != f.TaskID {
		return false
	}
	if f.ModelID != "" && getMetaString(e.Metadata, "model_id") != f.ModelID {
		return false
	}
	return true
}

// Manager keeps recent log entries in a ring buffer, fans them out to
// subscribers and optionally persists them to Postgres.
type Manager struct {
	mu     sync.RWMutex
	buffer *ring.Ring
	db     *sql.DB
	subs   map[int]func(LogEntry)
	nextID int
	wg     sync.WaitGroup
}

// NewManager creates a new logging manager. db may be nil.
func NewManager(ctx context.Context, db *sql.DB) (*Manager, error) {
	m := &Manager{
		buffer: ring.New(MaxBufferSize),
		db:     db,
		subs:   make(map[int]func(LogEntry)),
	}
	if err := m.initSchema(ctx); err != nil {
		return nil, err
	}
	return m, nil
}

func rebindQuery(query string) string {
	n := 1
	var out strings.Builder
	for _, ch := range query {
		if ch == '?' {
			fmt.Fprintf(&out, "$%d", n)
			n++
		} else {
			out.WriteRune(ch)
		}
	}
	return out.String()
}

func (m *Manager) initSchema(ctx context.Context) error {
	if m.db == nil {
		return nil
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS logs (
			id TEXT PRIMARY KEY,
			timestamp TIMESTAMP NOT NULL,
			level TEXT NOT NULL,
			source TEXT NOT NULL,
			message TEXT NOT NULL,
			metadata_json TEXT,
			task_id TEXT,
			model_id TEXT
		)`,
		"CREATE INDEX IF NOT EXISTS idx_logs_timestamp ON logs(timestamp DESC)",
		"CREATE INDEX IF NOT EXISTS idx_logs_task_id ON logs(task_id)",
	}
	for _, s := range stmts {
		if _, err := m.db.ExecContext(ctx, s); err != nil {
			return fmt.Errorf("failed to initialize logs schema: %w", err)
		}
	}
	return nil
}

// Log adds an entry to the buffer, notifies subscribers and persists it.
func (m *Manager) Log(level, source, message string, metadata map[string]interface{}) {
	m.add(LogEntry{
		ID:        newID(),
		Timestamp: time.Now(),
		Level:     level,
		Source:    source,
		Message:   message,
		Metadata:  metadata,
	})
}

func (m *Manager) add(entry LogEntry) {
	m.mu.Lock()
	m.buffer.Value = entry
	m.buffer = m.buffer.Next()
	subs := make([]func(LogEntry), 0, len(m.subs))
	for _, fn := range m.subs {
		subs = append(subs, fn)
	}
	m.mu.Unlock()

	for _, fn := range subs {
		fn(entry)
	}
	if m.db != nil {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.persist(entry)
		}()
	}
}

func (m *Manager) persist(entry LogEntry) {
	var metadataJSON *string
	if len(entry.Metadata) > 0 {
		if data, err := json.Marshal(entry.Metadata); err == nil {
			s := string(data)
			metadataJSON = &s
		}
	}
	_, err := m.db.Exec(rebindQuery(`
		INSERT INTO logs (id, timestamp, level, source, message, metadata_json, task_id, model_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`), entry.ID, entry.Timestamp, entry.Level, entry.Source, entry.Message, metadataJSON,
		nullable(getMetaString(entry.Metadata, "task_id")), nullable(getMetaString(entry.Metadata, "model_id")))
	if err != nil {
		// Not routed through slog: the handler feeding this manager would loop.
		fmt.Fprintf(os.Stderr, "failed to persist log entry: %v\n", err)
	}
}

// Flush waits for pending writes to Postgres.
func (m *Manager) Flush() { m.wg.Wait() }

// Recent returns the newest matching entries from the buffer, newest first.
func (m *Manager) Recent(f Filter) []LogEntry {
	if f.Limit <= 0 || f.Limit > MaxBufferSize {
		f.Limit = 100
	}

	m.mu.RLock()
	var all []LogEntry
	m.buffer.Do(func(v interface{}) {
		if entry, ok := v.(LogEntry); ok {
			all = append(all, entry)
		}
	})
	m.mu.RUnlock()

	logs := make([]LogEntry, 0, f.Limit)
	for i := len(all) - 1; i >= 0 && len(logs) < f.Limit; i-- {
		if f.match(all[i]) {
			logs = append(logs, all[i])
		}
	}
	return logs
}

// Query reads entries from Postgres, falling back to the buffer.
func (m *Manager) Query(ctx context.Context, f Filter) ([]LogEntry, error) {
	if m.db == nil {
		return m.Recent(f), nil
	}

	query := `SELECT id, timestamp, level, source, message, metadata_json FROM logs WHERE 1=1`
	args := make([]interface{}, 0)
	add := func(clause string, v interface{}) {
		query += clause
		args = append(args, v)
	}
	if !f.Since.IsZero() {
		add(" AND timestamp >= ?", f.Since)
	}
	if !f.Until.IsZero() {
		add(" AND timestamp <= ?", f.Until)
	}
	if f.Level != "" {
		add(" AND level = ?", f.Level)
	}
	if f.Source != "" {
		add(" AND source = ?", f.Source)
	}
	if f.TaskID != "" {
		add(" AND task_id = ?", f.TaskID)
	}
	if f.ModelID != "" {
		add(" AND model_id = ?", f.ModelID)
	}
	query += " ORDER BY timestamp DESC"
	if f.Limit > 0 {
		add(" LIMIT ?", f.Limit)
	}

	rows, err := m.db.QueryContext(ctx, rebindQuery(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query logs: %w", err)
	}
	defer rows.Close()

	logs := make([]LogEntry, 0)
	for rows.Next() {
		var entry LogEntry
		var metadataJSON sql.NullString
		if err := rows.Scan(&entry.ID, &entry.Timestamp, &entry.Level, &entry.Source, &entry.Message, &metadataJSON); err != nil {
			return nil, fmt.Errorf("failed to scan log entry: %w", err)
		}
		if metadataJSON.Valid && metadataJSON.String != "" {
			if err := json.Unmarshal([]byte(metadataJSON.String), &entry.Metadata); err != nil {
				return nil, fmt.Errorf("failed to decode log metadata %s: %w", entry.ID, err)
			}
		}
		logs = append(logs, entry)
	}
	return logs, rows.Err()
}

// Subscribe calls fn synchronously for every new entry until the returned
// cancel func runs. fn must not block.
func (m *Manager) Subscribe(fn func(LogEntry)) (cancel func()) {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.subs[id] = fn
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
	}
}

func getMetaString(meta map[string]interface{}, key string) string {
	if val, ok := meta[key].(string); ok {
		return val
	}
	return ""
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func levelName(l slog.Level) string {
	switch {
	case l >= slog.LevelError:
		return LogLevelError
	case l >= slog.LevelWarn:
		return LogLevelWarn
	case l >= slog.LevelInfo:
		return LogLevelInfo
	default:
		return LogLevelDebug
	}
}

func newID() string { return uuid.NewString() }
