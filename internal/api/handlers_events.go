package api

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jordanhubbard/agency/internal/logging"
	"github.com/jordanhubbard/agency/pkg/messages"
)

const (
	eventBuffer  = 64
	pingInterval = 30 * time.Second
	writeWait    = 10 * time.Second
)

// DefaultEventContexts are streamed when the client names none.
var DefaultEventContexts = []string{
	messages.ContextTaskStatusUpdate,
	messages.ContextTaskReady,
	messages.ContextCollaborationResult,
	messages.ContextCollaborationError,
	messages.ContextBeamResult,
	messages.ContextBeamError,
	messages.ContextMemoryUpdate,
}

func (s *Server) upgrader() *websocket.Upgrader {
	return &websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || s.originAllowed(origin)
		},
	}
}

// handleEvents handles GET /api/v1/events?contexts=a,b. It upgrades to a
// websocket and forwards every broker message on those contexts as JSON.
// Slow clients lose messages rather than stall the broker.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.deps.Broker == nil {
		s.respondError(w, http.StatusNotImplemented, "broker is not configured")
		return
	}
	contexts := DefaultEventContexts
	if raw := r.URL.Query().Get("contexts"); raw != "" {
		contexts = strings.Split(raw, ",")
	}

	conn, err := s.upgrader().Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade error", "error", err)
		return
	}
	defer conn.Close()

	events := make(chan *messages.Message, eventBuffer)
	for _, c := range contexts {
		unsubscribe := s.deps.Broker.SubscribeToContext(strings.TrimSpace(c), func(_ context.Context, msg *messages.Message) error {
			select {
			case events <- msg:
			default:
				s.logger.Warn("dropping event for slow websocket client", "context", msg.Context)
			}
			return nil
		})
		defer unsubscribe()
	}

	// The read loop only notices the client going away.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					s.logger.Debug("websocket read error", "error", err)
				}
				return
			}
		}
	}()

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()
	for {
		select {
		case msg := <-events:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(msg); err != nil {
				s.logger.Debug("websocket write error", "error", err)
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-closed:
			return
		case <-r.Context().Done():
			return
		}
	}
}

// handleLogs handles GET /api/v1/logs?level=&source=&task_id=&limit=
func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	if s.deps.Logs == nil {
		s.respondJSON(w, http.StatusOK, []logging.LogEntry{})
		return
	}
	q := r.URL.Query()
	f := logging.Filter{
		Level:   q.Get("level"),
		Source:  q.Get("source"),
		TaskID:  q.Get("task_id"),
		ModelID: q.Get("model_id"),
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			s.respondError(w, http.StatusBadRequest, "limit must be an integer")
			return
		}
		f.Limit = n
	}
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			s.respondError(w, http.StatusBadRequest, "since must be RFC3339")
			return
		}
		f.Since = t
	}
	entries, err := s.deps.Logs.Query(r.Context(), f)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, entries)
}
