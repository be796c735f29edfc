package provider

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MockAdapter answers without network access. Unless configured otherwise
// it echoes the model and prompt back.
type MockAdapter struct {
	mu        sync.Mutex
	responses map[string]string
	errors    map[string]error
	delays    map[string]time.Duration
	calls     []MockCall
}

// MockCall records one call made to a MockAdapter.
type MockCall struct {
	Model  string
	APIKey string
	Prompt string
}

// NewMockAdapter creates an empty mock.
func NewMockAdapter() *MockAdapter {
	return &MockAdapter{
		responses: make(map[string]string),
		errors:    make(map[string]error),
		delays:    make(map[string]time.Duration),
	}
}

func (m *MockAdapter) Name() string { return "mock" }

// SetResponse fixes the content returned for model.
func (m *MockAdapter) SetResponse(model, content string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses[model] = content
}

// SetError makes calls for model fail with err.
func (m *MockAdapter) SetError(model string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors[model] = err
}

// SetDelay makes calls for model wait d before answering.
func (m *MockAdapter) SetDelay(model string, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delays[model] = d
}

// Calls returns the calls made so far.
func (m *MockAdapter) Calls() []MockCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MockCall(nil), m.calls...)
}

func (m *MockAdapter) Call(ctx context.Context, apiKey string, req *Request) (*Response, error) {
	m.mu.Lock()
	m.calls = append(m.calls, MockCall{Model: req.Model, APIKey: apiKey, Prompt: req.Prompt})
	content, ok := m.responses[req.Model]
	err := m.errors[req.Model]
	delay := m.delays[req.Model]
	m.mu.Unlock()

	start := time.Now()
	if delay > 0 {
		select {
		case <-ctx.Done():
			return nil, Classify(m.Name(), req.Model, ctx.Err())
		case <-time.After(delay):
		}
	}
	if err != nil {
		return nil, Classify(m.Name(), req.Model, err)
	}
	if !ok {
		content = fmt.Sprintf("[%s] %s", req.Model, req.Prompt)
	}
	return &Response{
		Content:          content,
		Model:            req.Model,
		FinishReason:     "stop",
		PromptTokens:     len(req.Prompt) / 4,
		CompletionTokens: len(content) / 4,
		Latency:          time.Since(start),
	}, nil
}
