package persona

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"

	"github.com/jordanhubbard/agency/internal/beam"
	"gopkg.in/yaml.v3"
)

var (
	ErrUnknownKind      = errors.New("unknown persona kind")
	ErrUnknownOptimizer = errors.New("unknown optimizer")
	ErrNotFound         = errors.New("persona not found")
	ErrDuplicate        = errors.New("persona already registered")
)

// Spec is the declarative form of a persona, as found in YAML files.
type Spec struct {
	ID         string            `yaml:"id"`
	Kind       string            `yaml:"kind"`
	Traits     Traits            `yaml:"traits"`
	Model      *beam.ModelConfig `yaml:"model,omitempty"`
	Optimizers []string          `yaml:"optimizers,omitempty"` // replaces the kind's defaults when set
}

// Factory builds a persona of one kind from its spec.
type Factory func(spec Spec, optimizers map[string]Optimizer) (*Persona, error)

// DefaultOptimizers are the built-in optimizers by name.
func DefaultOptimizers() map[string]Optimizer {
	return map[string]Optimizer{
		FillerRemover{}.Name():      FillerRemover{},
		SymbolicCompressor{}.Name(): SymbolicCompressor{},
		CodingHints{}.Name():        CodingHints{},
		DebuggingHints{}.Name():     DebuggingHints{},
	}
}

// KindFactory returns a factory whose personas default to the named
// optimizers.
func KindFactory(kind string, defaults ...string) Factory {
	return func(spec Spec, optimizers map[string]Optimizer) (*Persona, error) {
		names := spec.Optimizers
		if len(names) == 0 {
			names = defaults
		}
		pipeline := make(Pipeline, 0, len(names))
		for _, n := range names {
			o, ok := optimizers[n]
			if !ok {
				return nil, fmt.Errorf("%w: %s", ErrUnknownOptimizer, n)
			}
			pipeline = append(pipeline, o)
		}
		model := RecommendModel(spec.Traits)
		if spec.Model != nil {
			model = *spec.Model
		}
		return &Persona{
			ID:         spec.ID,
			Kind:       kind,
			Traits:     spec.Traits,
			Model:      model,
			Optimizers: pipeline,
		}, nil
	}
}

// DefaultFactories are the built-in persona kinds.
func DefaultFactories() map[string]Factory {
	return map[string]Factory{
		"generic":          KindFactory("generic"),
		"prompt_optimizer": KindFactory("prompt_optimizer", "filler"),
		"compressor":       KindFactory("compressor", "symbolic"),
		"code_engineer":    KindFactory("code_engineer", "coding"),
		"debug_engineer":   KindFactory("debug_engineer", "debugging"),
	}
}

// Registry holds persona factories and the personas built from them. It
// is created once at startup and passed to whoever needs it.
type Registry struct {
	logger     *slog.Logger
	factories  map[string]Factory
	optimizers map[string]Optimizer

	mu       sync.RWMutex
	personas map[string]*Persona
}

// NewRegistry creates a registry with the default kinds and optimizers.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		logger:     logger,
		factories:  DefaultFactories(),
		optimizers: DefaultOptimizers(),
		personas:   make(map[string]*Persona),
	}
}

// RegisterFactory adds or replaces a persona kind.
func (r *Registry) RegisterFactory(kind string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[kind] = f
}

// RegisterOptimizer adds or replaces a named optimizer.
func (r *Registry) RegisterOptimizer(o Optimizer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.optimizers[o.Name()] = o
}

// Validate builds a throwaway persona of every kind so a broken factory
// fails at startup rather than on first use.
func (r *Registry) Validate() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var errs []error
	for kind, f := range r.factories {
		if f == nil {
			errs = append(errs, fmt.Errorf("persona kind %s has no factory", kind))
			continue
		}
		p, err := f(Spec{ID: "validate", Kind: kind}, r.optimizers)
		if err != nil {
			errs = append(errs, fmt.Errorf("persona kind %s: %w", kind, err))
			continue
		}
		if p == nil {
			errs = append(errs, fmt.Errorf("persona kind %s built nothing", kind))
		}
	}
	return errors.Join(errs...)
}

// Create builds and registers a persona from spec.
func (r *Registry) Create(spec Spec) (*Persona, error) {
	if spec.ID == "" {
		return nil, errors.New("persona id is required")
	}
	if spec.Kind == "" {
		spec.Kind = "generic"
	}
	if spec.Traits.Name == "" {
		spec.Traits.Name = spec.ID
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.personas[spec.ID]; exists {
		return nil, fmt.Errorf("%w: %s", ErrDuplicate, spec.ID)
	}
	f, ok := r.factories[spec.Kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, spec.Kind)
	}
	p, err := f(spec, r.optimizers)
	if err != nil {
		return nil, fmt.Errorf("persona %s: %w", spec.ID, err)
	}
	r.personas[p.ID] = p
	r.logger.Info("registered persona", "persona", p.ID, "kind", p.Kind, "optimizers", p.Optimizers.Names())
	return p, nil
}

// Get returns a registered persona.
func (r *Registry) Get(id string) (*Persona, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.personas[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return p, nil
}

// Remove deletes a persona and reports whether it existed.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.personas[id]
	delete(r.personas, id)
	return ok
}

// List returns the registered persona ids, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.personas))
	for id := range r.personas {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Kinds returns the registered persona kinds, sorted.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.factories))
	for k := range r.factories {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// LoadFile creates every persona listed in a YAML file of the form
// "personas: [...]".
func (r *Registry) LoadFile(path string) ([]*Persona, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read personas: %w", err)
	}
	var doc struct {
		Personas []Spec `yaml:"personas"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse personas: %w", err)
	}
	out := make([]*Persona, 0, len(doc.Personas))
	for _, spec := range doc.Personas {
		p, err := r.Create(spec)
		if err != nil {
			return out, err
		}
		out = append(out, p)
	}
	return out, nil
}

// Bind registers every persona's model with the dispatcher under
// Persona.ModelID.
func (r *Registry) Bind(d *beam.Dispatcher) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.personas {
		if err := d.RegisterModel(p.ModelID(), p.Model); err != nil {
			return fmt.Errorf("persona %s: %w", p.ID, err)
		}
	}
	return nil
}
