package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"google.golang.org/genai"
)

// GeminiAdapter calls the Gemini API through google.golang.org/genai.
type GeminiAdapter struct {
	baseURL    string
	httpClient *http.Client
}

// NewGeminiAdapter creates an adapter. baseURL may be empty.
func NewGeminiAdapter(baseURL string, httpClient *http.Client) *GeminiAdapter {
	return &GeminiAdapter{baseURL: baseURL, httpClient: httpClient}
}

func (a *GeminiAdapter) Name() string { return "gemini" }

func (a *GeminiAdapter) Call(ctx context.Context, apiKey string, req *Request) (*Response, error) {
	cfg := &genai.ClientConfig{
		APIKey:     apiKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: a.httpClient,
	}
	baseURL := a.baseURL
	if req.Endpoint != "" {
		baseURL = req.Endpoint
	}
	if baseURL != "" {
		cfg.HTTPOptions = genai.HTTPOptions{BaseURL: baseURL}
	}
	client, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return nil, &CallError{Provider: a.Name(), Model: req.Model, Kind: KindAuth, Err: fmt.Errorf("genai client: %w", err)}
	}

	genCfg := &genai.GenerateContentConfig{}
	if req.SystemMessage != "" {
		genCfg.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: req.SystemMessage}}}
	}
	if t := req.effectiveTemperature(); t != nil {
		v := float32(*t)
		genCfg.Temperature = &v
	}
	if mt := req.effectiveMaxTokens(); mt > 0 {
		genCfg.MaxOutputTokens = int32(mt)
	}

	start := time.Now()
	resp, err := client.Models.GenerateContent(ctx, req.Model, []*genai.Content{
		{Role: "user", Parts: []*genai.Part{{Text: req.Prompt}}},
	}, genCfg)
	if err != nil {
		return nil, a.classify(req.Model, err)
	}

	var sb strings.Builder
	finish := ""
	if resp != nil && len(resp.Candidates) > 0 && resp.Candidates[0].Content != nil {
		for _, part := range resp.Candidates[0].Content.Parts {
			sb.WriteString(part.Text)
		}
		finish = string(resp.Candidates[0].FinishReason)
	}
	if sb.Len() == 0 {
		return nil, &CallError{Provider: a.Name(), Model: req.Model, Kind: KindMalformed, Err: errors.New("response has no text content")}
	}

	out := &Response{
		Content:      sb.String(),
		Model:        req.Model,
		FinishReason: finish,
		Latency:      time.Since(start),
	}
	if resp.UsageMetadata != nil {
		out.PromptTokens = int(resp.UsageMetadata.PromptTokenCount)
		out.CompletionTokens = int(resp.UsageMetadata.CandidatesTokenCount)
	}
	return out, nil
}

func (a *GeminiAdapter) classify(model string, err error) error {
	code := 0
	var apiErr genai.APIError
	var apiErrPtr *genai.APIError
	switch {
	case errors.As(err, &apiErr):
		code = apiErr.Code
	case errors.As(err, &apiErrPtr):
		code = apiErrPtr.Code
	}
	if code != 0 {
		return &CallError{
			Provider:   a.Name(),
			Model:      model,
			Kind:       KindForStatus(code),
			StatusCode: code,
			Err:        fmt.Errorf("genai generate: %w", err),
		}
	}
	return Classify(a.Name(), model, fmt.Errorf("genai generate: %w", err))
}
