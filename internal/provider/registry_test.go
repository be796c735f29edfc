package provider

import (
	"context"
	"errors"
	"testing"

	"github.com/jordanhubbard/agency/internal/keypool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_ValidateDefaults(t *testing.T) {
	r := NewRegistry()
	assert.NoError(t, r.Validate())
}

func TestRegistry_ValidateMissingFactory(t *testing.T) {
	r := NewRegistry()
	delete(r.factories, keypool.Cohere)
	err := r.Validate()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNoAdapter))
	assert.Contains(t, err.Error(), "cohere")

	r.Register(keypool.Cohere, NewMockAdapter())
	assert.NoError(t, r.Validate())
}

func TestRegistry_AdapterKinds(t *testing.T) {
	r := NewRegistry()
	tests := []struct {
		p    keypool.Provider
		want interface{}
	}{
		{keypool.OpenAI, &OpenAIAdapter{}},
		{keypool.Anthropic, &AnthropicAdapter{}},
		{keypool.Gemini, &GeminiAdapter{}},
		{keypool.Groq, &CompatibleAdapter{}},
		{keypool.Azure, &CompatibleAdapter{}},
		{keypool.Mock, &MockAdapter{}},
	}
	for _, tc := range tests {
		a, err := r.Adapter(tc.p)
		require.NoError(t, err, tc.p)
		assert.IsType(t, tc.want, a, tc.p)
	}

	azure, _ := r.Adapter(keypool.Azure)
	assert.Equal(t, "api-key", azure.(*CompatibleAdapter).keyHeader)
}

func TestRegistry_CachesAdapters(t *testing.T) {
	r := NewRegistry()
	a1, err := r.Adapter(keypool.Mock)
	require.NoError(t, err)
	a2, err := r.Adapter(keypool.Mock)
	require.NoError(t, err)
	assert.Same(t, a1, a2)
}

func TestRegistry_BaseURLAndFactoryOverrides(t *testing.T) {
	var seen AdapterConfig
	r := NewRegistry(
		WithBaseURL(keypool.Custom, "http://gateway:9000/v1"),
		WithFactory(keypool.Custom, func(cfg AdapterConfig) (Adapter, error) {
			seen = cfg
			return NewMockAdapter(), nil
		}),
	)
	_, err := r.Adapter(keypool.Custom)
	require.NoError(t, err)
	assert.Equal(t, "http://gateway:9000/v1", seen.BaseURL)
	assert.NotNil(t, seen.HTTPClient)

	ollama, err := r.Adapter(keypool.Ollama)
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:11434/v1", ollama.(*CompatibleAdapter).endpoint)
}

func TestRegistry_UnknownProvider(t *testing.T) {
	r := NewRegistry()
	_, err := r.Adapter(keypool.Provider("nope"))
	assert.ErrorIs(t, err, ErrNoAdapter)
}

func TestRegistry_RegisteredAdapterUsed(t *testing.T) {
	r := NewRegistry()
	m := NewMockAdapter()
	m.SetResponse("gpt-4o", "from mock")
	r.Register(keypool.OpenAI, m)

	a, err := r.Adapter(keypool.OpenAI)
	require.NoError(t, err)
	resp, err := a.Call(context.Background(), "", &Request{Model: "gpt-4o"})
	require.NoError(t, err)
	assert.Equal(t, "from mock", resp.Content)
}
