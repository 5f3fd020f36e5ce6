package providers

import (
	"context"
	"fmt"
)

// Completer sends a single prompt to a hosted model and returns its text answer
type Completer interface {
	Complete(ctx context.Context, model string, prompt string) (string, error)
}

type ProviderParams struct {
	BaseURL string
	APIKey  string
}

type ProviderOption func(*ProviderParams)

func WithBaseURL(baseURL string) ProviderOption {
	return func(p *ProviderParams) {
		p.BaseURL = baseURL
	}
}

func WithAPIKey(apiKey string) ProviderOption {
	return func(p *ProviderParams) {
		p.APIKey = apiKey
	}
}

// New returns the completer registered under name ("openai" or "gemini")
func New(ctx context.Context, name string, opts ...ProviderOption) (Completer, error) {
	switch name {
	case "openai":
		return OpenAi(ctx, opts...), nil
	case "gemini":
		client, err := Gemini(ctx, opts...)
		if err != nil {
			return nil, err
		}
		return client, nil
	default:
		return nil, fmt.Errorf("unknown provider %q, available: openai/gemini", name)
	}
}
