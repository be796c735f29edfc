package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const anthropicMaxTokens = 1024

// AnthropicAdapter calls the Anthropic messages API through the official
// SDK. Like the OpenAI adapter it builds a client per call.
type AnthropicAdapter struct {
	baseURL    string
	httpClient *http.Client
}

// NewAnthropicAdapter creates an adapter. baseURL may be empty for the
// public API.
func NewAnthropicAdapter(baseURL string, httpClient *http.Client) *AnthropicAdapter {
	return &AnthropicAdapter{baseURL: baseURL, httpClient: httpClient}
}

func (a *AnthropicAdapter) Name() string { return "anthropic" }

func (a *AnthropicAdapter) Call(ctx context.Context, apiKey string, req *Request) (*Response, error) {
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}
	baseURL := a.baseURL
	if req.Endpoint != "" {
		baseURL = req.Endpoint
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	if a.httpClient != nil {
		opts = append(opts, option.WithHTTPClient(a.httpClient))
	}
	client := anthropic.NewClient(opts...)

	maxTokens := req.effectiveMaxTokens()
	if maxTokens == 0 {
		maxTokens = anthropicMaxTokens
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: int64(maxTokens),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
	}
	if req.SystemMessage != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.SystemMessage}}
	}
	if t := req.effectiveTemperature(); t != nil {
		params.Temperature = anthropic.Float(*t)
	}

	start := time.Now()
	msg, err := client.Messages.New(ctx, params)
	if err != nil {
		return nil, a.classify(req.Model, err)
	}

	var sb strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	if sb.Len() == 0 {
		return nil, &CallError{Provider: a.Name(), Model: req.Model, Kind: KindMalformed, Err: errors.New("response has no text content")}
	}

	return &Response{
		Content:          sb.String(),
		Model:            string(msg.Model),
		FinishReason:     string(msg.StopReason),
		PromptTokens:     int(msg.Usage.InputTokens),
		CompletionTokens: int(msg.Usage.OutputTokens),
		Latency:          time.Since(start),
	}, nil
}

func (a *AnthropicAdapter) classify(model string, err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		var header http.Header
		if apiErr.Response != nil {
			header = apiErr.Response.Header
		}
		return statusError(a.Name(), model, apiErr.StatusCode, header, apiErr.Error())
	}
	return Classify(a.Name(), model, fmt.Errorf("anthropic messages: %w", err))
}
