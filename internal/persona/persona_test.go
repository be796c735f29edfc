package persona

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/jordanhubbard/agency/internal/beam"
	"github.com/jordanhubbard/agency/internal/keypool"
	"github.com/jordanhubbard/agency/internal/provider"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFillerRemover(t *testing.T) {
	got := FillerRemover{}.Optimize("Could you please just summarize this report")
	assert.Equal(t, "summarize this report", got)

	got = FillerRemover{}.Optimize("describe the persona of the narrator")
	assert.Contains(t, got, personaAlignmentTag)

	got = FillerRemover{}.Optimize("voice: calm. describe the character")
	assert.NotContains(t, got, personaAlignmentTag)
}

func TestSymbolicCompressor(t *testing.T) {
	got := SymbolicCompressor{}.Optimize("please analyze the machine learning model")
	assert.Equal(t, "please ⊛ the ML model", got)

	long := "we need to generate a report about natural language processing and then compare it with the neural network results"
	got = SymbolicCompressor{}.Optimize(long)
	assert.True(t, len(got) > 0)
	assert.Contains(t, got, "NLP")
	if len(got) > 100 {
		assert.Contains(t, got, "[SymCore]")
	}
}

func TestCodingHints(t *testing.T) {
	got := CodingHints{}.Optimize("write a function that reverses a list")
	assert.Contains(t, got, codingDefaultHint)
	assert.Contains(t, got, codingExampleHint)

	got = CodingHints{}.Optimize("implement quicksort in Go")
	assert.NotContains(t, got, codingDefaultHint)

	// "go" must match as a word
	got = CodingHints{}.Optimize("implement a good algorithm")
	assert.Contains(t, got, codingDefaultHint)

	assert.Equal(t, "tell me a joke", CodingHints{}.Optimize("tell me a joke"))
}

func TestDebuggingHints(t *testing.T) {
	got := DebuggingHints{}.Optimize("fix this crash")
	assert.Equal(t, "fix this crash\n"+debuggingHint, got)

	got = DebuggingHints{}.Optimize("debug the production outage")
	assert.Contains(t, got, debuggingOpsHint)

	assert.Equal(t, "hello", DebuggingHints{}.Optimize("hello"))
}

func TestPipeline_AppliesInOrder(t *testing.T) {
	p := Pipeline{FillerRemover{}, DebuggingHints{}}
	assert.Equal(t, []string{"filler", "debugging"}, p.Names())
	assert.Equal(t, "fix the bug\n"+debuggingHint, p.Optimize("please just fix the bug"))
	assert.Equal(t, "unchanged", Pipeline(nil).Optimize("unchanged"))
}

func TestRegistry_Validate(t *testing.T) {
	r := NewRegistry(nil)
	require.NoError(t, r.Validate())

	r.RegisterFactory("broken", KindFactory("broken", "nonexistent"))
	err := r.Validate()
	assert.ErrorIs(t, err, ErrUnknownOptimizer)

	r.RegisterFactory("nil", nil)
	assert.Error(t, r.Validate())
}

func TestRegistry_Create(t *testing.T) {
	r := NewRegistry(nil)
	p, err := r.Create(Spec{ID: "darius", Kind: "code_engineer", Traits: Traits{Name: "Darius", Expertise: []string{"Code generation"}}})
	require.NoError(t, err)
	assert.Equal(t, []string{"coding"}, p.Optimizers.Names())
	assert.Equal(t, "gpt-4-turbo", p.Model.ModelName)

	_, err = r.Create(Spec{ID: "darius"})
	assert.ErrorIs(t, err, ErrDuplicate)
	_, err = r.Create(Spec{ID: "x", Kind: "wizard"})
	assert.ErrorIs(t, err, ErrUnknownKind)
	_, err = r.Create(Spec{ID: "y", Optimizers: []string{"nope"}})
	assert.ErrorIs(t, err, ErrUnknownOptimizer)

	got, err := r.Get("darius")
	require.NoError(t, err)
	assert.Same(t, p, got)
	assert.Equal(t, []string{"darius"}, r.List())

	assert.True(t, r.Remove("darius"))
	_, err = r.Get("darius")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRecommendModel(t *testing.T) {
	assert.Equal(t, 0.3, RecommendModel(Traits{Tone: "Technical"}).Parameters["temperature"])
	assert.Equal(t, 0.9, RecommendModel(Traits{Emotion: "creative"}).Parameters["temperature"])
	cfg := RecommendModel(Traits{})
	assert.Equal(t, keypool.OpenAI, cfg.Provider)
	assert.Equal(t, "gpt-4", cfg.ModelName)
}

func TestSystemMessage(t *testing.T) {
	p := &Persona{Traits: Traits{Name: "Zara", Title: "Prompt Specialist", Voice: "insightful", Tone: "concise"}}
	assert.Equal(t, "You are Zara, Prompt Specialist. Speak in a insightful voice. Use a concise tone.", p.SystemMessage())
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "personas.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
personas:
  - id: marta
    kind: debug_engineer
    traits:
      name: Marta
      title: Debugging Engineer
  - id: local
    optimizers: [filler, coding]
    model:
      provider: ollama
      model: llama3
`), 0o600))

	r := NewRegistry(nil)
	ps, err := r.LoadFile(path)
	require.NoError(t, err)
	require.Len(t, ps, 2)
	assert.Equal(t, "debug_engineer", ps[0].Kind)
	assert.Equal(t, keypool.Provider("ollama"), ps[1].Model.Provider)
	assert.Equal(t, []string{"filler", "coding"}, ps[1].Optimizers.Names())
}

func TestRespond_ThroughDispatcher(t *testing.T) {
	mock := provider.NewMockAdapter()
	reg := provider.NewRegistry()
	reg.Register(keypool.Ollama, mock)
	keys := keypool.New(keypool.WithEnv(func(string) string { return "" }))
	d := beam.NewDispatcher(keys, reg, nil, beam.Config{})

	r := NewRegistry(nil)
	p, err := r.Create(Spec{
		ID:    "marta",
		Kind:  "debug_engineer",
		Model: &beam.ModelConfig{Provider: keypool.Ollama, ModelName: "llama3"},
	})
	require.NoError(t, err)
	require.NoError(t, r.Bind(d))
	assert.Contains(t, d.Models(), "persona:marta")

	res, err := p.Respond(context.Background(), d, "fix the error", "")
	require.NoError(t, err)
	assert.Contains(t, res.Content, debuggingHint)

	calls := mock.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "llama3", calls[0].Model)
}
