// Package persona defines named agent configurations: traits, the model
// that answers for them and the prompt optimizers applied first.
package persona

import (
	"context"
	"fmt"
	"strings"

	"github.com/jordanhubbard/agency/internal/beam"
	"github.com/jordanhubbard/agency/internal/fusion"
	"github.com/jordanhubbard/agency/internal/keypool"
)

// Traits describe how a persona presents itself.
type Traits struct {
	Name             string              `yaml:"name" json:"name"`
	Title            string              `yaml:"title" json:"title"`
	Expertise        []string            `yaml:"expertise,omitempty" json:"expertise,omitempty"`
	Responsibilities []string            `yaml:"responsibilities,omitempty" json:"responsibilities,omitempty"`
	Voice            string              `yaml:"voice,omitempty" json:"voice,omitempty"`
	Tone             string              `yaml:"tone,omitempty" json:"tone,omitempty"`
	Emotion          string              `yaml:"emotion,omitempty" json:"emotion,omitempty"`
	KnowledgeAreas   []string            `yaml:"knowledge_areas,omitempty" json:"knowledge_areas,omitempty"`
	CompetenceMaps   map[string][]string `yaml:"competence_maps,omitempty" json:"competence_maps,omitempty"`
}

// Persona is one logical agent.
type Persona struct {
	ID         string
	Kind       string
	Traits     Traits
	Model      beam.ModelConfig
	Optimizers Pipeline
}

// ModelID is the dispatcher model id the persona answers through.
func (p *Persona) ModelID() string { return "persona:" + p.ID }

// SystemMessage introduces the persona to the model.
func (p *Persona) SystemMessage() string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are %s", p.Traits.Name)
	if p.Traits.Title != "" {
		fmt.Fprintf(&b, ", %s", p.Traits.Title)
	}
	b.WriteString(".")
	if p.Traits.Voice != "" {
		fmt.Fprintf(&b, " Speak in a %s voice.", p.Traits.Voice)
	}
	if p.Traits.Tone != "" {
		fmt.Fprintf(&b, " Use a %s tone.", p.Traits.Tone)
	}
	return b.String()
}

// Prepare runs the optimizer pipeline over prompt.
func (p *Persona) Prepare(prompt string) string {
	return p.Optimizers.Optimize(prompt)
}

// Respond optimizes prompt and asks the persona's model. systemMessage
// overrides the persona's own introduction when set.
func (p *Persona) Respond(ctx context.Context, d *beam.Dispatcher, prompt, systemMessage string) (*fusion.Result, error) {
	if systemMessage == "" {
		systemMessage = p.SystemMessage()
	}
	res, _, err := d.Beam(ctx, beam.Request{
		Prompt:        p.Prepare(prompt),
		SystemMessage: systemMessage,
		ModelIDs:      []string{p.ModelID()},
	})
	if err != nil {
		return nil, fmt.Errorf("persona %s: %w", p.ID, err)
	}
	return res, nil
}

// RecommendModel picks a model configuration from traits: technical tones
// get a low temperature, creative personas a high one and code experts a
// stronger model.
func RecommendModel(t Traits) beam.ModelConfig {
	cfg := beam.ModelConfig{
		Provider:   keypool.OpenAI,
		ModelName:  "gpt-4",
		Parameters: map[string]interface{}{"temperature": 0.7, "max_tokens": 1000},
	}
	if strings.Contains(strings.ToLower(t.Tone), "technical") {
		cfg.Parameters["temperature"] = 0.3
	}
	if strings.Contains(strings.ToLower(t.Emotion), "creative") {
		cfg.Parameters["temperature"] = 0.9
	}
	for _, e := range t.Expertise {
		if strings.Contains(strings.ToLower(e), "code") {
			cfg.ModelName = "gpt-4-turbo"
			break
		}
	}
	return cfg
}
