package provider

import (
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/jordanhubbard/agency/internal/keypool"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// ErrNoAdapter is returned when no adapter or factory exists for a provider.
var ErrNoAdapter = errors.New("no adapter for provider")

// AdapterConfig is passed to a Factory.
type AdapterConfig struct {
	Provider   keypool.Provider
	BaseURL    string // empty means the provider's public default
	HTTPClient *http.Client
}

// Factory builds the adapter for one provider kind.
type Factory func(cfg AdapterConfig) (Adapter, error)

// default OpenAI-compatible roots for providers without their own SDK
var compatibleEndpoints = map[keypool.Provider]string{
	keypool.OpenRouter:  "https://openrouter.ai/api/v1",
	keypool.Groq:        "https://api.groq.com/openai/v1",
	keypool.HuggingFace: "https://router.huggingface.co/v1",
	keypool.Cohere:      "https://api.cohere.ai/compatibility/v1",
	keypool.Ollama:      "http://localhost:11434/v1",
	keypool.Local:       "http://localhost:8000/v1",
}

func compatibleFactory(cfg AdapterConfig) (Adapter, error) {
	endpoint := cfg.BaseURL
	if endpoint == "" {
		endpoint = compatibleEndpoints[cfg.Provider]
	}
	a := NewCompatibleAdapter(string(cfg.Provider), endpoint, cfg.HTTPClient)
	if cfg.Provider == keypool.Azure {
		a.WithKeyHeader("api-key")
	}
	return a, nil
}

// DefaultFactories returns the factory for every known provider.
func DefaultFactories() map[keypool.Provider]Factory {
	return map[keypool.Provider]Factory{
		keypool.OpenAI: func(cfg AdapterConfig) (Adapter, error) {
			return NewOpenAIAdapter("openai", cfg.BaseURL, cfg.HTTPClient), nil
		},
		keypool.Anthropic: func(cfg AdapterConfig) (Adapter, error) {
			return NewAnthropicAdapter(cfg.BaseURL, cfg.HTTPClient), nil
		},
		keypool.Gemini: func(cfg AdapterConfig) (Adapter, error) {
			return NewGeminiAdapter(cfg.BaseURL, cfg.HTTPClient), nil
		},
		keypool.Mock: func(cfg AdapterConfig) (Adapter, error) {
			return NewMockAdapter(), nil
		},
		keypool.OpenRouter:  compatibleFactory,
		keypool.Groq:        compatibleFactory,
		keypool.HuggingFace: compatibleFactory,
		keypool.Cohere:      compatibleFactory,
		keypool.Ollama:      compatibleFactory,
		keypool.Local:       compatibleFactory,
		keypool.Azure:       compatibleFactory,
		keypool.Custom:      compatibleFactory,
	}
}

// NewHTTPClient returns a client whose requests are traced.
func NewHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
}

// Registry hands out one adapter per provider, building it on first use.
type Registry struct {
	mu         sync.RWMutex
	factories  map[keypool.Provider]Factory
	adapters   map[keypool.Provider]Adapter
	baseURLs   map[keypool.Provider]string
	httpClient *http.Client
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithHTTPClient sets the client passed to factories.
func WithHTTPClient(c *http.Client) RegistryOption {
	return func(r *Registry) { r.httpClient = c }
}

// WithBaseURL overrides the endpoint used for provider.
func WithBaseURL(p keypool.Provider, url string) RegistryOption {
	return func(r *Registry) { r.baseURLs[p] = url }
}

// WithFactory adds or replaces the factory for provider.
func WithFactory(p keypool.Provider, f Factory) RegistryOption {
	return func(r *Registry) { r.factories[p] = f }
}

// NewRegistry creates a registry with DefaultFactories.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		factories: DefaultFactories(),
		adapters:  make(map[keypool.Provider]Adapter),
		baseURLs:  make(map[keypool.Provider]string),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.httpClient == nil {
		r.httpClient = NewHTTPClient(0)
	}
	return r
}

// Register installs a ready-made adapter for provider.
func (r *Registry) Register(p keypool.Provider, a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[p] = a
}

// Adapter returns the adapter for provider.
func (r *Registry) Adapter(p keypool.Provider) (Adapter, error) {
	r.mu.RLock()
	a, ok := r.adapters[p]
	r.mu.RUnlock()
	if ok {
		return a, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.adapters[p]; ok {
		return a, nil
	}
	f, ok := r.factories[p]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoAdapter, p)
	}
	a, err := f(AdapterConfig{Provider: p, BaseURL: r.baseURLs[p], HTTPClient: r.httpClient})
	if err != nil {
		return nil, fmt.Errorf("failed to build %s adapter: %w", p, err)
	}
	r.adapters[p] = a
	return a, nil
}

// Validate checks that every known provider can be served, so a missing
// factory fails at startup rather than on the first call.
func (r *Registry) Validate() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var missing []string
	for _, p := range keypool.Providers() {
		_, hasFactory := r.factories[p]
		_, hasAdapter := r.adapters[p]
		if !hasFactory && !hasAdapter {
			missing = append(missing, string(p))
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return fmt.Errorf("%w: %v", ErrNoAdapter, missing)
	}
	return nil
}
