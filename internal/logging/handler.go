package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
)

// Handler is a slog.Handler that writes through to another handler and
// records every enabled record in a Manager.
type Handler struct {
	next    slog.Handler
	manager *Manager
	attrs   []slog.Attr
	groups  []string
}

// NewHandler wraps next so its records also reach m.
func NewHandler(next slog.Handler, m *Manager) *Handler {
	return &Handler{next: next, manager: m}
}

func (h *Handler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *Handler) Handle(ctx context.Context, r slog.Record) error {
	if h.manager != nil {
		meta := make(map[string]interface{}, len(h.attrs)+r.NumAttrs())
		prefix := strings.Join(h.groups, ".")
		for _, a := range h.attrs {
			addAttr(meta, "", a)
		}
		r.Attrs(func(a slog.Attr) bool {
			addAttr(meta, prefix, a)
			return true
		})
		source := "system"
		if s, ok := meta[SourceKey].(string); ok && s != "" {
			source = s
			delete(meta, SourceKey)
		}
		if len(meta) == 0 {
			meta = nil
		}
		h.manager.add(LogEntry{
			ID:        newID(),
			Timestamp: r.Time,
			Level:     levelName(r.Level),
			Source:    source,
			Message:   r.Message,
			Metadata:  meta,
		})
	}
	return h.next.Handle(ctx, r)
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	prefix := strings.Join(h.groups, ".")
	qualified := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		if prefix != "" {
			a.Key = prefix + "." + a.Key
		}
		qualified[i] = a
	}
	return &Handler{
		next:    h.next.WithAttrs(attrs),
		manager: h.manager,
		attrs:   append(append([]slog.Attr(nil), h.attrs...), qualified...),
		groups:  h.groups,
	}
}

func (h *Handler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return &Handler{
		next:    h.next.WithGroup(name),
		manager: h.manager,
		attrs:   h.attrs,
		groups:  append(append([]string(nil), h.groups...), name),
	}
}

func addAttr(meta map[string]interface{}, prefix string, a slog.Attr) {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return
	}
	key := a.Key
	if prefix != "" {
		key = prefix + "." + key
	}
	if a.Value.Kind() == slog.KindGroup {
		for _, g := range a.Value.Group() {
			addAttr(meta, key, g)
		}
		return
	}
	switch v := a.Value.Any().(type) {
	case error:
		meta[key] = v.Error()
	case fmt.Stringer:
		meta[key] = v.String()
	default:
		meta[key] = v
	}
}

// ParseLevel maps a config level name to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log level %q: %w", s, err)
	}
	return l, nil
}

// NewLogger builds the process logger. format is "text" or "json"; m may be
// nil when no in-memory buffer is wanted.
func NewLogger(level, format string, w io.Writer, m *Manager) (*slog.Logger, error) {
	l, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: l}
	var h slog.Handler
	switch format {
	case "", "text":
		h = slog.NewTextHandler(w, opts)
	case "json":
		h = slog.NewJSONHandler(w, opts)
	default:
		return nil, fmt.Errorf("invalid log format %q", format)
	}
	if m != nil {
		h = NewHandler(h, m)
	}
	return slog.New(h), nil
}
