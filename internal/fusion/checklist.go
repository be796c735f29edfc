package fusion

import (
	"strings"
	"unicode/utf8"
)

// Scorer rates one response, usually in [0,1].
type Scorer interface {
	Score(r ModelResponse) float64
}

// ScorerFunc adapts a function to Scorer.
type ScorerFunc func(r ModelResponse) float64

func (f ScorerFunc) Score(r ModelResponse) float64 { return f(r) }

// Criterion is one weighted checklist item.
type Criterion struct {
	Name   string
	Weight float64
	Check  func(content string) bool
}

// ChecklistScorer scores a response as the weighted share of criteria it
// passes. With no criteria it falls back to the response's confidence.
type ChecklistScorer struct {
	Criteria []Criterion
}

// NewChecklistScorer creates a scorer for criteria.
func NewChecklistScorer(criteria ...Criterion) *ChecklistScorer {
	return &ChecklistScorer{Criteria: criteria}
}

func (c *ChecklistScorer) Score(r ModelResponse) float64 {
	total, passed := 0.0, 0.0
	for _, cr := range c.Criteria {
		if cr.Weight <= 0 || cr.Check == nil {
			continue
		}
		total += cr.Weight
		if cr.Check(r.Content) {
			passed += cr.Weight
		}
	}
	if total == 0 {
		return r.Confidence
	}
	return passed / total
}

// MinLength passes responses of at least n characters.
func MinLength(n int, weight float64) Criterion {
	return Criterion{
		Name:   "min_length",
		Weight: weight,
		Check:  func(s string) bool { return utf8.RuneCountInString(strings.TrimSpace(s)) >= n },
	}
}

// ContainsAll passes responses mentioning every term, ignoring case.
func ContainsAll(weight float64, terms ...string) Criterion {
	return Criterion{
		Name:   "contains_all",
		Weight: weight,
		Check: func(s string) bool {
			lower := strings.ToLower(s)
			for _, t := range terms {
				if !strings.Contains(lower, strings.ToLower(t)) {
					return false
				}
			}
			return true
		},
	}
}

var refusalMarkers = []string{
	"i can't help with",
	"i cannot help with",
	"i'm unable to",
	"i am unable to",
	"as an ai language model",
}

// NoRefusal passes responses that do not open with a refusal.
func NoRefusal(weight float64) Criterion {
	return Criterion{
		Name:   "no_refusal",
		Weight: weight,
		Check: func(s string) bool {
			head := strings.ToLower(s)
			if len(head) > 200 {
				head = head[:200]
			}
			for _, m := range refusalMarkers {
				if strings.Contains(head, m) {
					return false
				}
			}
			return true
		},
	}
}

// HasCodeBlock passes responses containing a fenced code block.
func HasCodeBlock(weight float64) Criterion {
	return Criterion{
		Name:   "has_code_block",
		Weight: weight,
		Check:  func(s string) bool { return strings.Count(s, "```") >= 2 },
	}
}

// DefaultChecklist is a general purpose set of criteria.
func DefaultChecklist() *ChecklistScorer {
	return NewChecklistScorer(
		NoRefusal(2),
		MinLength(20, 1),
	)
}
