package messages

import (
	"encoding/json"
	"fmt"
	"time"
)

// SystemChannel is the transport channel every broker instance listens on
// for system-wide notifications.
const SystemChannel = "system:notifications"

// Well-known contexts carried on the broker.
const (
	ContextMemoryUpdate         = "memory_update"
	ContextTaskStatusUpdate     = "task_status_update"
	ContextTaskAssignment       = "agent_task_assignment"
	ContextTaskReady            = "agent_task_ready"
	ContextTaskRequest          = "agent_task_request"
	ContextTaskCreated          = "agent_task_created"
	ContextTaskUpdate           = "agent_task_update"
	ContextCollaborationRequest = "agent_collaboration_request"
	ContextCollaborationResult  = "collaboration_result"
	ContextCollaborationError   = "collaboration_error"
	ContextBeamRequest          = "beam_chat_request"
	ContextBeamResult           = "beam_chat_result"
	ContextBeamError            = "beam_chat_error"
)

// Message is a routed broker message. Payload must be JSON-encodable; it
// crosses process boundaries when broadcast.
type Message struct {
	Sender    string                 `json:"sender"`
	Context   string                 `json:"context"`
	Timestamp time.Time              `json:"timestamp"`
	Payload   map[string]interface{} `json:"payload"`
}

// New creates a message stamped with the current time.
func New(sender, context string, payload map[string]interface{}) *Message {
	if payload == nil {
		payload = map[string]interface{}{}
	}
	return &Message{
		Sender:    sender,
		Context:   context,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
}

// String returns the payload value for key, or "" when absent or not a string.
func (m *Message) String(key string) string {
	if m == nil || m.Payload == nil {
		return ""
	}
	s, _ := m.Payload[key].(string)
	return s
}

// Strings returns a string slice payload value. JSON decoding yields
// []interface{}, so both shapes are accepted.
func (m *Message) Strings(key string) []string {
	if m == nil || m.Payload == nil {
		return nil
	}
	switch v := m.Payload[key].(type) {
	case []string:
		return v
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// Decode re-encodes the payload into dst.
func (m *Message) Decode(dst interface{}) error {
	data, err := json.Marshal(m.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("failed to decode payload: %w", err)
	}
	return nil
}

// SystemNotification is the envelope published on SystemChannel.
type SystemNotification struct {
	Type      string                 `json:"type"`
	Payload   map[string]interface{} `json:"payload"`
	Timestamp time.Time              `json:"timestamp"`
	Origin    string                 `json:"origin,omitempty"` // broker instance that published it
}

// NewSystemNotification creates a notification stamped with the current time.
func NewSystemNotification(messageType, origin string, payload map[string]interface{}) *SystemNotification {
	if payload == nil {
		payload = map[string]interface{}{}
	}
	return &SystemNotification{
		Type:      messageType,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
		Origin:    origin,
	}
}

// Message converts a notification into the message delivered to handlers
// subscribed to its type.
func (n *SystemNotification) Message() *Message {
	sender := n.Origin
	if sender == "" {
		sender = "system"
	}
	return &Message{
		Sender:    sender,
		Context:   n.Type,
		Timestamp: n.Timestamp,
		Payload:   n.Payload,
	}
}

// ToPayload converts a struct into a broker payload via its JSON form.
func ToPayload(v interface{}) (map[string]interface{}, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out map[string]interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}
