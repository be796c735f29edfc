// Package provider calls LLM provider APIs. Every adapter takes the API key
// per call so the caller can rotate credentials, and reports failures as
// *CallError so the caller can tell a rate limit from a broken key.
package provider

import (
	"context"
	"time"
)

// Request is one chat completion: an optional system message and a single
// user prompt.
type Request struct {
	Model         string                 `json:"model"`
	SystemMessage string                 `json:"system_message,omitempty"`
	Prompt        string                 `json:"prompt"`
	Endpoint      string                 `json:"endpoint,omitempty"` // overrides the adapter's base URL
	Temperature   *float64               `json:"temperature,omitempty"`
	MaxTokens     int                    `json:"max_tokens,omitempty"`
	Parameters    map[string]interface{} `json:"parameters,omitempty"`
}

// Response is what an adapter returns on success.
type Response struct {
	Content          string        `json:"content"`
	Model            string        `json:"model"`
	FinishReason     string        `json:"finish_reason,omitempty"`
	PromptTokens     int           `json:"prompt_tokens"`
	CompletionTokens int           `json:"completion_tokens"`
	Latency          time.Duration `json:"latency"`
}

// Adapter calls one provider API.
type Adapter interface {
	Name() string
	Call(ctx context.Context, apiKey string, req *Request) (*Response, error)
}

// temperature and max_tokens may also arrive through Parameters, which is
// how model configs loaded from YAML carry them.
func (r *Request) effectiveTemperature() *float64 {
	if r.Temperature != nil {
		return r.Temperature
	}
	if v, ok := toFloat(r.Parameters["temperature"]); ok {
		return &v
	}
	return nil
}

func (r *Request) effectiveMaxTokens() int {
	if r.MaxTokens > 0 {
		return r.MaxTokens
	}
	if v, ok := toFloat(r.Parameters["max_tokens"]); ok && v > 0 {
		return int(v)
	}
	return 0
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
