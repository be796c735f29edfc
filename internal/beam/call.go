package beam

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jordanhubbard/agency/internal/fusion"
	"github.com/jordanhubbard/agency/internal/keypool"
	"github.com/jordanhubbard/agency/internal/provider"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// credential is the key chosen for one call. keyID is empty when the
// secret came from the environment or no key is needed.
type credential struct {
	keyID  string
	secret string
}

// resolveKey picks the key for one call: the model's pinned key, then the
// provider pool, then the environment.
func (d *Dispatcher) resolveKey(modelID string, cfg ModelConfig) (credential, error) {
	p, keyID, secret, err := d.keys.GetKeyForModel(modelID)
	switch {
	case err == nil && p == cfg.Provider:
		return credential{keyID: keyID, secret: secret}, nil
	case errors.Is(err, keypool.ErrExhausted):
		return credential{}, err
	}

	if len(d.keys.ListKeys(cfg.Provider)) > 0 {
		if cfg.Selection == SelectRoundRobin {
			keyID, secret, err = d.keys.GetNextKey(cfg.Provider)
		} else {
			keyID, secret, err = d.keys.GetBestKey(cfg.Provider)
		}
		if err != nil {
			return credential{}, err
		}
		return credential{keyID: keyID, secret: secret}, nil
	}

	secret, err = d.keys.GetKey(cfg.Provider, "")
	if err == nil {
		return credential{secret: secret}, nil
	}
	if !cfg.Provider.RequiresKey() {
		return credential{}, nil
	}
	return credential{}, err
}

func (d *Dispatcher) call(ctx context.Context, modelID string, cfg ModelConfig, req Request) (Outcome, *fusion.ModelResponse) {
	ctx, span := d.tracer.Start(ctx, "beam.call", trace.WithAttributes(
		attribute.String("model.id", modelID),
		attribute.String("model.provider", string(cfg.Provider)),
		attribute.String("model.name", cfg.ModelName),
	))
	defer span.End()

	outcome := Outcome{ModelID: modelID, Provider: cfg.Provider}
	start := time.Now()
	finish := func(status OutcomeStatus, err error) Outcome {
		outcome.Status = status
		outcome.Err = err
		outcome.Latency = time.Since(start)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, string(status))
		}
		return outcome
	}

	cred, err := d.resolveKey(modelID, cfg)
	if err != nil {
		d.logger.Warn("no usable key for model", "model", modelID, "provider", cfg.Provider, "error", err)
		return finish(OutcomeFailed, err), nil
	}
	outcome.KeyID = cred.keyID
	span.SetAttributes(attribute.String("key.id", cred.keyID))

	adapter, err := d.adapters.Adapter(cfg.Provider)
	if err != nil {
		return finish(OutcomeFailed, err), nil
	}

	resp, err := adapter.Call(ctx, cred.secret, &provider.Request{
		Model:         cfg.ModelName,
		SystemMessage: req.SystemMessage,
		Prompt:        req.Prompt,
		Endpoint:      cfg.Endpoint,
		Parameters:    cfg.Parameters,
	})
	if err != nil {
		ce := provider.Classify(string(cfg.Provider), cfg.ModelName, err)
		outcome.ErrorKind = ce.Kind
		if ctxErr := ctx.Err(); ctxErr != nil {
			// not the key's fault
			in := interrupted(modelID, cfg.Provider, ctxErr)
			outcome.ErrorKind = in.ErrorKind
			return finish(in.Status, fmt.Errorf("%s: %w", modelID, ctxErr)), nil
		}
		if cred.keyID != "" {
			d.keys.MarkKeyError(cfg.Provider, cred.keyID, ce.RateLimited(), ce.RetryAfter)
		}
		d.logger.Error("model call failed", "model", modelID, "provider", cfg.Provider, "key_id", cred.keyID, "kind", ce.Kind, "error", err)
		return finish(OutcomeFailed, ce), nil
	}

	out := finish(OutcomeSucceeded, nil)
	mr := fusion.NewModelResponse(modelID, string(cfg.Provider), resp.Content, cfg.Confidence, out.Latency)
	mr.Metadata = map[string]interface{}{
		"model":             resp.Model,
		"key_id":            cred.keyID,
		"finish_reason":     resp.FinishReason,
		"prompt_tokens":     resp.PromptTokens,
		"completion_tokens": resp.CompletionTokens,
	}
	d.logger.Debug("model call succeeded", "model", modelID, "latency", out.Latency)
	return out, &mr
}
