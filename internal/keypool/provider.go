package keypool

import (
	"fmt"
	"strings"
)

// Provider identifies a model provider.
type Provider string

const (
	OpenAI      Provider = "openai"
	Anthropic   Provider = "anthropic"
	HuggingFace Provider = "huggingface"
	Cohere      Provider = "cohere"
	Azure       Provider = "azure"
	Local       Provider = "local"
	Ollama      Provider = "ollama"
	Gemini      Provider = "gemini"
	Groq        Provider = "groq"
	OpenRouter  Provider = "openrouter"
	Custom      Provider = "custom"
	Mock        Provider = "mock"
)

var knownProviders = []Provider{
	OpenAI, Anthropic, HuggingFace, Cohere, Azure, Local,
	Ollama, Gemini, Groq, OpenRouter, Custom, Mock,
}

// Providers returns every known provider.
func Providers() []Provider {
	return append([]Provider(nil), knownProviders...)
}

// ParseProvider accepts a provider name case-insensitively.
func ParseProvider(s string) (Provider, error) {
	p := Provider(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range knownProviders {
		if p == known {
			return p, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownProvider, s)
}

// EnvVar is the environment variable consulted when no key is registered,
// for example OPENAI_API_KEY.
func (p Provider) EnvVar() string {
	return strings.ToUpper(string(p)) + "_API_KEY"
}

func (p Provider) String() string { return string(p) }

// RequiresKey reports whether calls to p need a credential. Local servers
// and the mock accept anonymous calls.
func (p Provider) RequiresKey() bool {
	switch p {
	case Local, Ollama, Mock:
		return false
	default:
		return true
	}
}
