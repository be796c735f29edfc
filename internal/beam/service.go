package beam

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jordanhubbard/agency/internal/fusion"
	"github.com/jordanhubbard/agency/internal/memory"
	"github.com/jordanhubbard/agency/internal/messaging"
	"github.com/jordanhubbard/agency/pkg/messages"
)

// ChatRequest is the payload of a beam_chat_request message.
type ChatRequest struct {
	RequestID     string          `json:"request_id"`
	Prompt        string          `json:"prompt"`
	SystemMessage string          `json:"system_message,omitempty"`
	ModelIDs      []string        `json:"model_ids,omitempty"`
	Strategy      fusion.Strategy `json:"strategy,omitempty"`
	TimeoutMillis int64           `json:"timeout_ms,omitempty"`
}

// ChatResult is stored at result:{request_id} and broadcast as
// beam_chat_result.
type ChatResult struct {
	RequestID  string          `json:"request_id"`
	Content    string          `json:"content"`
	Confidence float64         `json:"confidence"`
	Strategy   fusion.Strategy `json:"strategy"`
	Models     []string        `json:"models"`
	Failed     []Outcome       `json:"failed,omitempty"`
}

// ResultKey is the shared memory key of a request's result.
func ResultKey(requestID string) string { return "result:" + requestID }

// Service answers beam_chat_request messages from the broker.
type Service struct {
	dispatcher *Dispatcher
	broker     *messaging.Broker
	memory     *memory.Manager
	logger     *slog.Logger

	once        sync.Once
	unsubscribe func()
}

// NewService wires a dispatcher to the broker. mem may be nil, in which
// case results are only broadcast.
func NewService(d *Dispatcher, broker *messaging.Broker, mem *memory.Manager, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{dispatcher: d, broker: broker, memory: mem, logger: logger}
}

// Start registers the request handler. Calling it again has no effect.
func (s *Service) Start() {
	s.once.Do(func() {
		s.unsubscribe = s.broker.SubscribeToContext(messages.ContextBeamRequest, s.handleRequest)
	})
}

// Stop removes the request handler.
func (s *Service) Stop() {
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
}

// Submit queues req on the local broker and returns its request id.
func (s *Service) Submit(ctx context.Context, sender string, req ChatRequest) (string, error) {
	if req.Prompt == "" {
		return "", errors.New("prompt is required")
	}
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	payload, err := messages.ToPayload(req)
	if err != nil {
		return "", err
	}
	if _, err := s.broker.RouteMessage(ctx, sender, messages.ContextBeamRequest, payload); err != nil {
		return "", fmt.Errorf("failed to submit beam request: %w", err)
	}
	return req.RequestID, nil
}

// Handle runs one request to completion and publishes its result.
func (s *Service) Handle(ctx context.Context, req ChatRequest) (*ChatResult, error) {
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	result, batch, err := s.dispatcher.Beam(ctx, Request{
		Prompt:        req.Prompt,
		SystemMessage: req.SystemMessage,
		ModelIDs:      req.ModelIDs,
		Strategy:      req.Strategy,
		Timeout:       time.Duration(req.TimeoutMillis) * time.Millisecond,
	})
	if err != nil {
		s.logger.Error("beam request failed", "request_id", req.RequestID, "error", err)
		if berr := s.broker.BroadcastSystemMessage(ctx, messages.ContextBeamError, map[string]interface{}{
			"request_id": req.RequestID,
			"error":      err.Error(),
		}); berr != nil {
			s.logger.Warn("failed to broadcast beam error", "request_id", req.RequestID, "error", berr)
		}
		return nil, err
	}

	out := &ChatResult{
		RequestID:  req.RequestID,
		Content:    result.Content,
		Confidence: result.Confidence,
		Strategy:   result.Strategy,
		Models:     result.ModelIDs(),
		Failed:     batch.Failed(),
	}
	if s.memory != nil {
		if err := s.memory.Write(ctx, ResultKey(req.RequestID), out); err != nil {
			s.logger.Warn("failed to store beam result", "request_id", req.RequestID, "error", err)
		}
	}
	payload, err := messages.ToPayload(out)
	if err != nil {
		return out, err
	}
	if err := s.broker.BroadcastSystemMessage(ctx, messages.ContextBeamResult, payload); err != nil {
		s.logger.Warn("failed to broadcast beam result", "request_id", req.RequestID, "error", err)
	}
	return out, nil
}

func (s *Service) handleRequest(ctx context.Context, msg *messages.Message) error {
	var req ChatRequest
	if err := msg.Decode(&req); err != nil {
		return fmt.Errorf("malformed beam request from %s: %w", msg.Sender, err)
	}
	if req.Prompt == "" {
		return fmt.Errorf("beam request from %s has no prompt", msg.Sender)
	}
	_, err := s.Handle(ctx, req)
	return err
}
