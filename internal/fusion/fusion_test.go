package fusion

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func resp(id string, confidence float64) ModelResponse {
	return NewModelResponse(id, "mock", "answer from "+id, confidence, time.Millisecond)
}

func TestNewModelResponse_Clamps(t *testing.T) {
	assert.Equal(t, 1.0, NewModelResponse("a", "p", "c", 1.7, 0).Confidence)
	assert.Equal(t, 0.0, NewModelResponse("a", "p", "c", -0.3, 0).Confidence)
	assert.Equal(t, time.Duration(0), NewModelResponse("a", "p", "c", 0.5, -time.Second).Latency)
}

func TestFuse_EmptyInputForEveryStrategy(t *testing.T) {
	e := NewEngine()
	for _, s := range e.Strategies() {
		_, err := e.Fuse(nil, s)
		assert.ErrorIs(t, err, ErrEmptyInput, s)
	}
	_, err := e.Fuse([]ModelResponse{}, "no-such-strategy")
	assert.ErrorIs(t, err, ErrEmptyInput)
}

func TestFuse_SingleResponsePassthrough(t *testing.T) {
	e := NewEngine()
	r := resp("solo", 0.42)
	for _, s := range append(e.Strategies(), "unregistered") {
		result, err := e.Fuse([]ModelResponse{r}, s)
		require.NoError(t, err, s)
		assert.Equal(t, r.Content, result.Content, s)
		assert.Equal(t, 0.42, result.Confidence, s)
		assert.Equal(t, s, result.Strategy)
	}
}

func TestFuse_UnknownStrategy(t *testing.T) {
	e := NewEngine()
	_, err := e.Fuse([]ModelResponse{resp("a", 1), resp("b", 1)}, "magic")
	assert.ErrorIs(t, err, ErrUnknownStrategy)
}

func TestFuse_DefaultsToAutoSelect(t *testing.T) {
	e := NewEngine()
	result, err := e.Fuse([]ModelResponse{resp("a", 0.2), resp("b", 0.9)}, "")
	require.NoError(t, err)
	assert.Equal(t, AutoSelect, result.Strategy)
	assert.Equal(t, "answer from b", result.Content)
}

func TestAutoSelect_TieBreaksOnFirst(t *testing.T) {
	result, err := FuseAutoSelect([]ModelResponse{resp("a", 0.5), resp("b", 0.9), resp("c", 0.9)})
	require.NoError(t, err)
	assert.Equal(t, "answer from b", result.Content)
	assert.Equal(t, 0.9, result.Confidence)
	assert.Len(t, result.Sources, 3)
}

func TestEnsemble_MeanConfidence(t *testing.T) {
	result, err := FuseEnsemble([]ModelResponse{resp("a", 0.9), resp("b", 0.5), resp("c", 0.7)})
	require.NoError(t, err)
	assert.InDelta(t, 0.7, result.Confidence, 1e-9)
	assert.Equal(t, "Model a:\nanswer from a\n\n---\n\nModel b:\nanswer from b\n\n---\n\nModel c:\nanswer from c", result.Content)
}

func TestWeighted_NormalizesAndAggregates(t *testing.T) {
	result, err := FuseWeighted([]ModelResponse{resp("a", 0.8), resp("b", 0.2)})
	require.NoError(t, err)
	weights := result.Metadata["weights"].([]float64)
	assert.InDelta(t, 0.8, weights[0], 1e-9)
	assert.InDelta(t, 0.2, weights[1], 1e-9)
	assert.InDelta(t, 0.68, result.Confidence, 1e-9)
	assert.True(t, strings.HasPrefix(result.Content, "Model a (weight: 0.80):\nanswer from a"))
	assert.Contains(t, result.Content, "Model b (weight: 0.20):")
}

func TestWeighted_AllZeroConfidence(t *testing.T) {
	w := Weights([]ModelResponse{resp("a", 0), resp("b", 0), resp("c", 0), resp("d", 0)})
	for _, v := range w {
		assert.InDelta(t, 0.25, v, 1e-9)
	}
	result, err := FuseWeighted([]ModelResponse{resp("a", 0), resp("b", 0)})
	require.NoError(t, err)
	assert.Equal(t, 0.0, result.Confidence)
}

func TestWeights_SumToOne(t *testing.T) {
	w := Weights([]ModelResponse{resp("a", 0.3), resp("b", 0.6), resp("c", 0.1), resp("d", 1)})
	sum := 0.0
	for _, v := range w {
		sum += v
	}
	assert.InDelta(t, 1.0, sum, 1e-9)
}

func TestChecklist_FallsBackToConfidence(t *testing.T) {
	e := NewEngine()
	result, err := e.Fuse([]ModelResponse{resp("a", 0.3), resp("b", 0.6)}, Checklist)
	require.NoError(t, err)
	assert.Equal(t, "answer from b", result.Content)
	assert.Equal(t, 0.6, result.Confidence)
	assert.Equal(t, []float64{0.3, 0.6}, result.Metadata["scores"])
}

func TestChecklist_WithCriteria(t *testing.T) {
	scorer := NewChecklistScorer(
		ContainsAll(2, "retry", "backoff"),
		HasCodeBlock(1),
		NoRefusal(1),
	)
	e := NewEngine(WithScorer(scorer))
	responses := []ModelResponse{
		NewModelResponse("short", "mock", "I cannot help with that.", 1, 0),
		NewModelResponse("good", "mock", "Use retry with exponential backoff:\n```go\nfor {}\n```", 0.1, 0),
		NewModelResponse("partial", "mock", "Just retry.", 0.9, 0),
	}
	result, err := e.Fuse(responses, Checklist)
	require.NoError(t, err)
	assert.Equal(t, "good", result.Metadata["selected"])
	assert.InDelta(t, 1.0, result.Confidence, 1e-9)

	scores := result.Metadata["scores"].([]float64)
	assert.InDelta(t, 0.0, scores[0], 1e-9)
	assert.InDelta(t, 0.25, scores[2], 1e-9)
}

func TestCriteria(t *testing.T) {
	assert.True(t, MinLength(3, 1).Check(" abc "))
	assert.False(t, MinLength(4, 1).Check(" abc "))
	assert.True(t, ContainsAll(1, "Go", "redis").Check("go with REDIS"))
	assert.False(t, NoRefusal(1).Check("As an AI language model I can't"))
	assert.True(t, HasCodeBlock(1).Check("```x```"))

	d := DefaultChecklist()
	assert.Greater(t, d.Score(NewModelResponse("a", "p", "A long and useful explanation of the issue.", 0, 0)), 0.99)
}

func TestRegister_CustomStrategy(t *testing.T) {
	e := NewEngine()
	e.Register("longest", func(responses []ModelResponse) (*Result, error) {
		best := responses[0]
		for _, r := range responses[1:] {
			if len(r.Content) > len(best.Content) {
				best = r
			}
		}
		return &Result{Content: best.Content, Sources: responses, Confidence: best.Confidence}, nil
	})
	assert.True(t, e.Has("longest"))

	responses := []ModelResponse{
		NewModelResponse("a", "p", "short", 0.9, 0),
		NewModelResponse("b", "p", "much longer answer", 0.1, 0),
	}
	result, err := e.Fuse(responses, "longest")
	require.NoError(t, err)
	assert.Equal(t, "much longer answer", result.Content)
	assert.Equal(t, Strategy("longest"), result.Strategy)
	assert.Equal(t, []string{"a", "b"}, result.ModelIDs())
}

func TestRegister_StrategyErrorIsWrapped(t *testing.T) {
	e := NewEngine()
	boom := errors.New("boom")
	e.Register("broken", func([]ModelResponse) (*Result, error) { return nil, boom })
	_, err := e.Fuse([]ModelResponse{resp("a", 1), resp("b", 1)}, "broken")
	assert.ErrorIs(t, err, boom)
}

func TestFuse_DoesNotModifyInput(t *testing.T) {
	in := []ModelResponse{resp("a", 0.1), resp("b", 0.9)}
	e := NewEngine()
	result, err := e.Fuse(in, AutoSelect)
	require.NoError(t, err)
	result.Sources[0].Content = "changed"
	assert.Equal(t, "answer from a", in[0].Content)
}
