package fusion

import (
	"fmt"
	"strings"
)

const separator = "\n\n---\n\n"

// FuseAutoSelect picks the response with the highest confidence. The first
// one wins a tie.
func FuseAutoSelect(responses []ModelResponse) (*Result, error) {
	if len(responses) == 0 {
		return nil, ErrEmptyInput
	}
	best := 0
	for i, r := range responses {
		if r.Confidence > responses[best].Confidence {
			best = i
		}
	}
	return &Result{
		Content:    responses[best].Content,
		Sources:    responses,
		Strategy:   AutoSelect,
		Confidence: responses[best].Confidence,
		Metadata:   map[string]interface{}{"selected": responses[best].ModelID},
	}, nil
}

// FuseChecklist returns a strategy that scores every response with scorer
// and picks the highest score, first one on a tie.
func FuseChecklist(scorer Scorer) StrategyFunc {
	return func(responses []ModelResponse) (*Result, error) {
		if len(responses) == 0 {
			return nil, ErrEmptyInput
		}
		scores := make([]float64, len(responses))
		best := 0
		for i, r := range responses {
			scores[i] = scorer.Score(r)
			if scores[i] > scores[best] {
				best = i
			}
		}
		return &Result{
			Content:    responses[best].Content,
			Sources:    responses,
			Strategy:   Checklist,
			Confidence: clamp(scores[best]),
			Metadata: map[string]interface{}{
				"scores":   scores,
				"selected": responses[best].ModelID,
			},
		}, nil
	}
}

// Weights normalizes confidences so they sum to 1. When every confidence
// is zero each response gets an equal share.
func Weights(responses []ModelResponse) []float64 {
	weights := make([]float64, len(responses))
	total := 0.0
	for _, r := range responses {
		total += r.Confidence
	}
	for i, r := range responses {
		if total > 0 {
			weights[i] = r.Confidence / total
		} else {
			weights[i] = 1 / float64(len(responses))
		}
	}
	return weights
}

// FuseWeighted concatenates every response labeled with its weight. The
// result confidence is the weighted sum of confidences.
func FuseWeighted(responses []ModelResponse) (*Result, error) {
	if len(responses) == 0 {
		return nil, ErrEmptyInput
	}
	weights := Weights(responses)
	parts := make([]string, len(responses))
	confidence := 0.0
	for i, r := range responses {
		parts[i] = fmt.Sprintf("Model %s (weight: %.2f):\n%s", r.ModelID, weights[i], r.Content)
		confidence += r.Confidence * weights[i]
	}
	return &Result{
		Content:    strings.Join(parts, separator),
		Sources:    responses,
		Strategy:   Weighted,
		Confidence: clamp(confidence),
		Metadata:   map[string]interface{}{"weights": weights},
	}, nil
}

// FuseEnsemble concatenates every response labeled with its model id. The
// result confidence is the mean confidence.
func FuseEnsemble(responses []ModelResponse) (*Result, error) {
	if len(responses) == 0 {
		return nil, ErrEmptyInput
	}
	parts := make([]string, len(responses))
	sum := 0.0
	for i, r := range responses {
		parts[i] = fmt.Sprintf("Model %s:\n%s", r.ModelID, r.Content)
		sum += r.Confidence
	}
	return &Result{
		Content:    strings.Join(parts, separator),
		Sources:    responses,
		Strategy:   Ensemble,
		Confidence: sum / float64(len(responses)),
	}, nil
}
