// Package fusion merges the answers of several models into one result.
// Strategies are pure functions of the response list and are looked up by
// name, so callers can add their own.
package fusion

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/jordanhubbard/agency/internal/metrics"
)

var (
	// ErrEmptyInput is returned when there is nothing to fuse.
	ErrEmptyInput = errors.New("fusion: no responses to fuse")
	// ErrUnknownStrategy is returned for a strategy name with no registration.
	ErrUnknownStrategy = errors.New("fusion: unknown strategy")
)

// Strategy names a fusion strategy.
type Strategy string

const (
	AutoSelect Strategy = "auto_select"
	Checklist  Strategy = "checklist"
	Weighted   Strategy = "weighted"
	Ensemble   Strategy = "ensemble"
)

// ModelResponse is one model's answer.
type ModelResponse struct {
	ModelID    string                 `json:"model_id"`
	Provider   string                 `json:"provider"`
	Content    string                 `json:"content"`
	Confidence float64                `json:"confidence"`
	Latency    time.Duration          `json:"latency"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// NewModelResponse builds a response with confidence clamped to [0,1] and
// a non-negative latency.
func NewModelResponse(modelID, provider, content string, confidence float64, latency time.Duration) ModelResponse {
	if latency < 0 {
		latency = 0
	}
	return ModelResponse{
		ModelID:    modelID,
		Provider:   provider,
		Content:    content,
		Confidence: clamp(confidence),
		Latency:    latency,
	}
}

// Result is the fused answer.
type Result struct {
	Content    string                 `json:"content"`
	Sources    []ModelResponse        `json:"sources"`
	Strategy   Strategy               `json:"strategy"`
	Confidence float64                `json:"confidence"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// ModelIDs lists the source model ids in order.
func (r *Result) ModelIDs() []string {
	ids := make([]string, len(r.Sources))
	for i, s := range r.Sources {
		ids[i] = s.ModelID
	}
	return ids
}

// StrategyFunc fuses two or more responses. It must not retain or modify
// the slice.
type StrategyFunc func(responses []ModelResponse) (*Result, error)

// Engine holds the strategy table.
type Engine struct {
	mu         sync.RWMutex
	strategies map[Strategy]StrategyFunc
	scorer     Scorer
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// Option configures an Engine.
type Option func(*Engine)

// WithScorer sets the scorer used by the checklist strategy.
func WithScorer(s Scorer) Option { return func(e *Engine) { e.scorer = s } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(e *Engine) { e.logger = l } }

// WithMetrics counts fusions per strategy.
func WithMetrics(m *metrics.Metrics) Option { return func(e *Engine) { e.metrics = m } }

// NewEngine creates an engine with the built-in strategies.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		strategies: make(map[Strategy]StrategyFunc),
		scorer:     &ChecklistScorer{},
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.strategies[AutoSelect] = FuseAutoSelect
	e.strategies[Checklist] = FuseChecklist(e.scorer)
	e.strategies[Weighted] = FuseWeighted
	e.strategies[Ensemble] = FuseEnsemble
	return e
}

// Register adds or replaces a strategy.
func (e *Engine) Register(name Strategy, fn StrategyFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.strategies[name] = fn
	e.logger.Info("registered fusion strategy", "strategy", name)
}

// Strategies lists registered strategy names.
func (e *Engine) Strategies() []Strategy {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Strategy, 0, len(e.strategies))
	for s := range e.strategies {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Has reports whether strategy is registered.
func (e *Engine) Has(strategy Strategy) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.strategies[strategy]
	return ok
}

// Fuse merges responses. A single response is returned as is, whatever
// the strategy.
func (e *Engine) Fuse(responses []ModelResponse, strategy Strategy) (*Result, error) {
	if len(responses) == 0 {
		return nil, ErrEmptyInput
	}
	if strategy == "" {
		strategy = AutoSelect
	}
	sources := append([]ModelResponse(nil), responses...)

	if len(sources) == 1 {
		e.metrics.RecordFusion(string(strategy))
		return &Result{
			Content:    sources[0].Content,
			Sources:    sources,
			Strategy:   strategy,
			Confidence: sources[0].Confidence,
		}, nil
	}

	e.mu.RLock()
	fn, ok := e.strategies[strategy]
	e.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownStrategy, strategy)
	}

	result, err := fn(sources)
	if err != nil {
		return nil, fmt.Errorf("fusion %s: %w", strategy, err)
	}
	if result.Strategy == "" {
		result.Strategy = strategy
	}
	e.metrics.RecordFusion(string(strategy))
	e.logger.Debug("fused responses", "strategy", strategy, "sources", len(sources), "confidence", result.Confidence)
	return result, nil
}

func clamp(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
