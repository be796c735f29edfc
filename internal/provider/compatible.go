package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// CompatibleAdapter speaks the OpenAI chat completions wire format over
// plain HTTP. OpenRouter, Groq, Ollama, vLLM, Azure deployments and most
// self-hosted gateways accept it.
type CompatibleAdapter struct {
	name     string
	endpoint string
	client   *http.Client
	// azure deployments authenticate with an api-key header
	keyHeader string
}

// NewCompatibleAdapter creates an adapter for endpoint, which should end
// at the API version root (e.g. "https://openrouter.ai/api/v1").
func NewCompatibleAdapter(name, endpoint string, client *http.Client) *CompatibleAdapter {
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	return &CompatibleAdapter{
		name:     name,
		endpoint: strings.TrimSuffix(endpoint, "/"),
		client:   client,
	}
}

// WithKeyHeader sends the key in header instead of a bearer token.
func (p *CompatibleAdapter) WithKeyHeader(header string) *CompatibleAdapter {
	p.keyHeader = header
	return p
}

func (p *CompatibleAdapter) Name() string { return p.name }

// ChatMessage represents a message in the chat
type ChatMessage struct {
	Role    string `json:"role"`    // system, user, assistant
	Content string `json:"content"` // message content
}

// ChatCompletionRequest represents a chat completion request
type ChatCompletionRequest struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	Temperature *float64      `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

// ChatCompletionResponse represents a chat completion response
type ChatCompletionResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Index   int         `json:"index"`
		Message ChatMessage `json:"message"`
		Finish  string      `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

// Model represents an AI model
type Model struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

func (p *CompatibleAdapter) setAuth(req *http.Request, apiKey string) {
	if apiKey == "" {
		return
	}
	if p.keyHeader != "" {
		req.Header.Set(p.keyHeader, apiKey)
		return
	}
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", apiKey))
}

// Call sends a chat completion request
func (p *CompatibleAdapter) Call(ctx context.Context, apiKey string, req *Request) (*Response, error) {
	endpoint := p.endpoint
	if req.Endpoint != "" {
		endpoint = strings.TrimSuffix(req.Endpoint, "/")
	}
	if endpoint == "" {
		return nil, &CallError{Provider: p.name, Model: req.Model, Kind: KindMalformed, Err: errors.New("no endpoint configured")}
	}
	url := fmt.Sprintf("%s/chat/completions", endpoint)

	var messages []ChatMessage
	if req.SystemMessage != "" {
		messages = append(messages, ChatMessage{Role: "system", Content: req.SystemMessage})
	}
	messages = append(messages, ChatMessage{Role: "user", Content: req.Prompt})

	body, err := json.Marshal(ChatCompletionRequest{
		Model:       req.Model,
		Messages:    messages,
		Temperature: req.effectiveTemperature(),
		MaxTokens:   req.effectiveMaxTokens(),
	})
	if err != nil {
		return nil, &CallError{Provider: p.name, Model: req.Model, Kind: KindMalformed, Err: fmt.Errorf("failed to marshal request: %w", err)}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(string(body)))
	if err != nil {
		return nil, &CallError{Provider: p.name, Model: req.Model, Kind: KindMalformed, Err: fmt.Errorf("failed to create request: %w", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	p.setAuth(httpReq, apiKey)

	start := time.Now()
	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, Classify(p.name, req.Model, fmt.Errorf("failed to send request: %w", err))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, Classify(p.name, req.Model, fmt.Errorf("failed to read response: %w", err))
	}

	if resp.StatusCode != http.StatusOK {
		return nil, statusError(p.name, req.Model, resp.StatusCode, resp.Header, string(respBody))
	}

	var completionResp ChatCompletionResponse
	if err := json.Unmarshal(respBody, &completionResp); err != nil {
		return nil, &CallError{Provider: p.name, Model: req.Model, Kind: KindMalformed, StatusCode: resp.StatusCode, Err: fmt.Errorf("failed to unmarshal response: %w", err)}
	}
	if len(completionResp.Choices) == 0 {
		return nil, &CallError{Provider: p.name, Model: req.Model, Kind: KindMalformed, StatusCode: resp.StatusCode, Err: errors.New("response has no choices")}
	}

	model := completionResp.Model
	if model == "" {
		model = req.Model
	}
	return &Response{
		Content:          completionResp.Choices[0].Message.Content,
		Model:            model,
		FinishReason:     completionResp.Choices[0].Finish,
		PromptTokens:     completionResp.Usage.PromptTokens,
		CompletionTokens: completionResp.Usage.CompletionTokens,
		Latency:          time.Since(start),
	}, nil
}

// ListModels lists available models
func (p *CompatibleAdapter) ListModels(ctx context.Context, apiKey string) ([]Model, error) {
	url := fmt.Sprintf("%s/models", p.endpoint)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	p.setAuth(httpReq, apiKey)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, Classify(p.name, "", fmt.Errorf("failed to send request: %w", err))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, statusError(p.name, "", resp.StatusCode, resp.Header, string(respBody))
	}

	var modelsResp struct {
		Data []Model `json:"data"`
	}
	if err := json.Unmarshal(respBody, &modelsResp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}

	return modelsResp.Data, nil
}
