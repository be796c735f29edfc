// Package beam fans one prompt out to several models at once and fuses
// the answers. A failing model is dropped from the batch and never fails
// the others.
package beam

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jordanhubbard/agency/internal/fusion"
	"github.com/jordanhubbard/agency/internal/keypool"
	"github.com/jordanhubbard/agency/internal/metrics"
	"github.com/jordanhubbard/agency/internal/provider"
	"github.com/jordanhubbard/agency/internal/telemetry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"
)

const (
	// DefaultRequestTimeout bounds one Generate call.
	DefaultRequestTimeout = 60 * time.Second
	// DefaultMaxConcurrency bounds in-flight provider calls per dispatcher.
	DefaultMaxConcurrency = 16
)

var (
	// ErrAllModelsFailed is returned when no model produced a response.
	ErrAllModelsFailed = errors.New("beam: all models failed")
	// ErrUnknownModel is returned by lookups for unregistered model ids.
	ErrUnknownModel = errors.New("beam: unknown model")
	// ErrNoModels is returned when a request resolves to no models.
	ErrNoModels = errors.New("beam: no models to call")
)

// KeySelection chooses how a key is picked from a provider's pool.
type KeySelection string

const (
	SelectBest       KeySelection = "best"
	SelectRoundRobin KeySelection = "round_robin"
)

// ModelConfig describes one callable model.
type ModelConfig struct {
	Provider   keypool.Provider       `yaml:"provider" json:"provider"`
	ModelName  string                 `yaml:"model" json:"model"`
	Endpoint   string                 `yaml:"endpoint,omitempty" json:"endpoint,omitempty"`
	KeyID      string                 `yaml:"key_id,omitempty" json:"key_id,omitempty"` // pins the model to one key
	Selection  KeySelection           `yaml:"selection,omitempty" json:"selection,omitempty"`
	Parameters map[string]interface{} `yaml:"parameters,omitempty" json:"parameters,omitempty"`
	Confidence float64                `yaml:"confidence,omitempty" json:"confidence,omitempty"` // prior, 1.0 when unset
}

// Config configures a Dispatcher.
type Config struct {
	RequestTimeout  time.Duration
	MaxConcurrency  int
	DefaultStrategy fusion.Strategy // used when a request names none; auto_select when empty
}

// Dispatcher calls registered models concurrently.
type Dispatcher struct {
	keys     *keypool.Manager
	adapters *provider.Registry
	engine   *fusion.Engine
	timeout  time.Duration
	sem      *semaphore.Weighted
	strategy fusion.Strategy

	logger      *slog.Logger
	metrics     *metrics.Metrics
	tracer      trace.Tracer
	instruments *telemetry.Instruments

	mu     sync.RWMutex
	models map[string]ModelConfig
	order  []string
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(d *Dispatcher) { d.logger = l } }

// WithMetrics records model calls.
func WithMetrics(m *metrics.Metrics) Option { return func(d *Dispatcher) { d.metrics = m } }

// WithTelemetry traces model calls.
func WithTelemetry(t *telemetry.Telemetry) Option {
	return func(d *Dispatcher) {
		if t != nil {
			d.tracer = t.Tracer
			d.instruments = t.Instruments
		}
	}
}

// NewDispatcher creates a dispatcher drawing keys from keys and adapters
// from adapters. engine may be nil when only Generate is used.
func NewDispatcher(keys *keypool.Manager, adapters *provider.Registry, engine *fusion.Engine, cfg Config, opts ...Option) *Dispatcher {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = DefaultMaxConcurrency
	}
	if engine == nil {
		engine = fusion.NewEngine()
	}
	if cfg.DefaultStrategy == "" {
		cfg.DefaultStrategy = fusion.AutoSelect
	}
	d := &Dispatcher{
		keys:     keys,
		adapters: adapters,
		engine:   engine,
		timeout:  cfg.RequestTimeout,
		sem:      semaphore.NewWeighted(int64(cfg.MaxConcurrency)),
		strategy: cfg.DefaultStrategy,
		logger:   slog.Default(),
		tracer:   otel.Tracer("agency/beam"),
		models:   make(map[string]ModelConfig),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Engine returns the fusion engine.
func (d *Dispatcher) Engine() *fusion.Engine { return d.engine }

// RegisterModel adds or replaces modelID. A KeyID pins the model to that
// key, which must already be registered.
func (d *Dispatcher) RegisterModel(modelID string, cfg ModelConfig) error {
	if modelID == "" {
		return errors.New("model id is required")
	}
	p, err := keypool.ParseProvider(string(cfg.Provider))
	if err != nil {
		return fmt.Errorf("model %s: %w", modelID, err)
	}
	cfg.Provider = p
	if cfg.ModelName == "" {
		cfg.ModelName = modelID
	}
	if cfg.Confidence <= 0 {
		cfg.Confidence = 1.0
	}
	if cfg.Selection == "" {
		cfg.Selection = SelectBest
	}
	if cfg.KeyID != "" {
		if err := d.keys.AssignModelToKey(modelID, p, cfg.KeyID); err != nil {
			return fmt.Errorf("model %s: %w", modelID, err)
		}
	}

	d.mu.Lock()
	if _, exists := d.models[modelID]; !exists {
		d.order = append(d.order, modelID)
	}
	d.models[modelID] = cfg
	d.mu.Unlock()

	d.logger.Info("registered model", "model", modelID, "provider", p, "name", cfg.ModelName)
	return nil
}

// Model returns the configuration of modelID.
func (d *Dispatcher) Model(modelID string) (ModelConfig, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	cfg, ok := d.models[modelID]
	if !ok {
		return ModelConfig{}, fmt.Errorf("%w: %s", ErrUnknownModel, modelID)
	}
	return cfg, nil
}

// Models lists model ids in registration order.
func (d *Dispatcher) Models() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]string(nil), d.order...)
}

// Request is one beam request.
type Request struct {
	Prompt        string          `json:"prompt"`
	SystemMessage string          `json:"system_message,omitempty"`
	ModelIDs      []string        `json:"model_ids,omitempty"` // empty means every registered model
	Strategy      fusion.Strategy `json:"strategy,omitempty"`
	Timeout       time.Duration   `json:"timeout,omitempty"`
}

// OutcomeStatus is the final state of one model call.
type OutcomeStatus string

const (
	OutcomeSucceeded OutcomeStatus = "succeeded"
	OutcomeFailed    OutcomeStatus = "failed"
	OutcomeTimedOut  OutcomeStatus = "timed_out"
	OutcomeCanceled  OutcomeStatus = "canceled"
	OutcomeSkipped   OutcomeStatus = "skipped"
)

// interrupted builds the outcome of a call cut short by ctx: timed out
// when a deadline passed, canceled when the caller gave up.
func interrupted(id string, p keypool.Provider, err error) Outcome {
	if errors.Is(err, context.Canceled) {
		return Outcome{ModelID: id, Provider: p, Status: OutcomeCanceled, Err: err}
	}
	return Outcome{ModelID: id, Provider: p, Status: OutcomeTimedOut, ErrorKind: provider.KindTimeout, Err: err}
}

func (s OutcomeStatus) interrupted() bool {
	return s == OutcomeTimedOut || s == OutcomeCanceled
}

// Outcome records what happened to one model in a batch.
type Outcome struct {
	ModelID   string             `json:"model_id"`
	Provider  keypool.Provider   `json:"provider,omitempty"`
	KeyID     string             `json:"key_id,omitempty"`
	Status    OutcomeStatus      `json:"status"`
	ErrorKind provider.ErrorKind `json:"error_kind,omitempty"`
	Err       error              `json:"-"`
	Latency   time.Duration      `json:"latency"`
}

// Batch is the result of one Generate call.
type Batch struct {
	// Responses in completion order.
	Responses []fusion.ModelResponse
	// Outcomes in request order, one per requested model.
	Outcomes []Outcome
}

// Failed returns the outcomes that produced no response.
func (b *Batch) Failed() []Outcome {
	var out []Outcome
	for _, o := range b.Outcomes {
		if o.Status != OutcomeSucceeded {
			out = append(out, o)
		}
	}
	return out
}

type callResult struct {
	index    int
	outcome  Outcome
	response *fusion.ModelResponse
}

// Generate calls every requested model concurrently and waits until all
// have answered or the request deadline passes. Models still running at
// the deadline are recorded as timed out, or canceled when ctx was
// canceled, and not waited for.
func (d *Dispatcher) Generate(ctx context.Context, req Request) *Batch {
	ids := req.ModelIDs
	if len(ids) == 0 {
		ids = d.Models()
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = d.timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	start := time.Now()

	batch := &Batch{Outcomes: make([]Outcome, len(ids))}
	results := make(chan callResult, len(ids))
	collected := make([]bool, len(ids))
	pending := 0

	for i, id := range ids {
		cfg, err := d.Model(id)
		if err != nil {
			d.logger.Warn("skipping unknown model", "model", id)
			batch.Outcomes[i] = Outcome{ModelID: id, Status: OutcomeSkipped, Err: err}
			collected[i] = true
			continue
		}
		batch.Outcomes[i] = Outcome{ModelID: id, Provider: cfg.Provider}
		pending++
		go func(i int, id string, cfg ModelConfig) {
			if err := d.sem.Acquire(ctx, 1); err != nil {
				results <- callResult{index: i, outcome: interrupted(id, cfg.Provider, err)}
				return
			}
			defer d.sem.Release(1)
			outcome, resp := d.call(ctx, id, cfg, req)
			results <- callResult{index: i, outcome: outcome, response: resp}
		}(i, id, cfg)
	}

collect:
	for pending > 0 {
		select {
		case r := <-results:
			pending--
			batch.Outcomes[r.index] = r.outcome
			collected[r.index] = true
			if r.response != nil {
				batch.Responses = append(batch.Responses, *r.response)
			}
		case <-ctx.Done():
			break collect
		}
	}
	// Every call is metered here once, including calls abandoned still
	// running, whose late results are dropped.
	elapsed := time.Since(start)
	for i, o := range batch.Outcomes {
		if o.Status == OutcomeSkipped {
			continue
		}
		if !collected[i] {
			o = interrupted(o.ModelID, o.Provider, ctx.Err())
			o.Latency = elapsed
			batch.Outcomes[i] = o
		}
		if o.Status.interrupted() {
			d.logger.Warn("model call interrupted", "model", o.ModelID, "status", o.Status, "timeout", timeout, "error", o.Err)
		}
		d.metrics.RecordModelCall(string(o.Provider), o.ModelID, string(o.Status), o.Latency)
		d.instruments.RecordDispatch(ctx, o.ModelID, string(o.Status), o.Latency)
	}
	return batch
}

// GenerateResponses returns the successful responses of a Generate call,
// in completion order. It fails only when every model failed.
func (d *Dispatcher) GenerateResponses(ctx context.Context, prompt, systemMessage string, modelIDs []string) ([]fusion.ModelResponse, error) {
	batch := d.Generate(ctx, Request{Prompt: prompt, SystemMessage: systemMessage, ModelIDs: modelIDs})
	if len(batch.Outcomes) == 0 {
		return nil, ErrNoModels
	}
	if len(batch.Responses) == 0 {
		return nil, allFailed(batch)
	}
	return batch.Responses, nil
}

// Beam generates responses and fuses them with req.Strategy, or the
// dispatcher's default strategy when the request leaves it empty.
func (d *Dispatcher) Beam(ctx context.Context, req Request) (*fusion.Result, *Batch, error) {
	if req.Strategy == "" {
		req.Strategy = d.strategy
	}
	if !d.engine.Has(req.Strategy) {
		return nil, nil, fmt.Errorf("%w: %s", fusion.ErrUnknownStrategy, req.Strategy)
	}
	d.instruments.RecordBeamRequest(ctx, string(req.Strategy))

	batch := d.Generate(ctx, req)
	if len(batch.Outcomes) == 0 {
		return nil, batch, ErrNoModels
	}
	if len(batch.Responses) == 0 {
		return nil, batch, allFailed(batch)
	}
	result, err := d.engine.Fuse(batch.Responses, req.Strategy)
	if err != nil {
		return nil, batch, err
	}
	return result, batch, nil
}

func allFailed(batch *Batch) error {
	errs := make([]error, 0, len(batch.Outcomes))
	for _, o := range batch.Outcomes {
		if o.Err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", o.ModelID, o.Err))
		}
	}
	return fmt.Errorf("%w: %w", ErrAllModelsFailed, errors.Join(errs...))
}
