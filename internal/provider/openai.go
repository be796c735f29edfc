package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
)

// OpenAIAdapter calls the OpenAI chat completions API through the official
// SDK. The client is built per call because the key changes per call.
type OpenAIAdapter struct {
	name       string
	baseURL    string
	httpClient *http.Client
}

// NewOpenAIAdapter creates an adapter. baseURL may be empty for the public API.
func NewOpenAIAdapter(name, baseURL string, httpClient *http.Client) *OpenAIAdapter {
	if name == "" {
		name = "openai"
	}
	return &OpenAIAdapter{name: name, baseURL: baseURL, httpClient: httpClient}
}

func (a *OpenAIAdapter) Name() string { return a.name }

func (a *OpenAIAdapter) Call(ctx context.Context, apiKey string, req *Request) (*Response, error) {
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		// retries are the dispatcher's job, with a different key
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
	client := openai.NewClient(opts...)

	var messages []openai.ChatCompletionMessageParamUnion
	if req.SystemMessage != "" {
		messages = append(messages, openai.SystemMessage(req.SystemMessage))
	}
	messages = append(messages, openai.UserMessage(req.Prompt))

	params := openai.ChatCompletionNewParams{
		Model:    req.Model,
		Messages: messages,
	}
	if mt := req.effectiveMaxTokens(); mt > 0 {
		params.MaxTokens = openai.Int(int64(mt))
	}
	if t := req.effectiveTemperature(); t != nil {
		params.Temperature = param.NewOpt(*t)
	}

	start := time.Now()
	resp, err := client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, a.classify(req.Model, err)
	}
	if len(resp.Choices) == 0 {
		return nil, &CallError{Provider: a.name, Model: req.Model, Kind: KindMalformed, Err: errors.New("response has no choices")}
	}

	return &Response{
		Content:          resp.Choices[0].Message.Content,
		Model:            resp.Model,
		FinishReason:     string(resp.Choices[0].FinishReason),
		PromptTokens:     int(resp.Usage.PromptTokens),
		CompletionTokens: int(resp.Usage.CompletionTokens),
		Latency:          time.Since(start),
	}, nil
}

func (a *OpenAIAdapter) classify(model string, err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		ce := &CallError{
			Provider:   a.name,
			Model:      model,
			Kind:       KindForStatus(apiErr.StatusCode),
			StatusCode: apiErr.StatusCode,
			Err:        fmt.Errorf("openai chat: %w", err),
		}
		if apiErr.Response != nil {
			ce.RetryAfter = ParseRetryAfter(apiErr.Response.Header.Get("Retry-After"), time.Now())
		}
		return ce
	}
	return Classify(a.name, model, fmt.Errorf("openai chat: %w", err))
}
