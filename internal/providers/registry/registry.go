package registry

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"nexuschat/internal/providers"
	"nexuschat/internal/providers/gemini"
	"nexuschat/internal/providers/openai_compat"
)

type BuildOptions struct {
	Kind         string
	Name         string
	BaseURL      string
	APIKey       string
	Headers      map[string]string
	Endpoint     string
	GoogleSearch bool
	HTTPClient   *http.Client
	MaxRetries   int
	BackoffBase  time.Duration
}

func normalizeKind(kind string) string {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "openai_compat", "openai-compatible", "openai", "openrouter":
		return "openai_compat"
	case "gemini", "google":
		return "gemini"
	default:
		return strings.ToLower(strings.TrimSpace(kind))
	}
}

// Build returns the streaming transport for opts.Kind.
func Build(opts BuildOptions) (providers.Transport, error) {
	switch normalizeKind(opts.Kind) {
	case "openai_compat":
		return buildOpenAI(opts), nil
	case "gemini":
		return gemini.New(gemini.Config{
			Name:         opts.Name,
			BaseURL:      opts.BaseURL,
			APIKey:       opts.APIKey,
			GoogleSearch: opts.GoogleSearch,
			HTTPClient:   opts.HTTPClient,
		}), nil
	default:
		return nil, fmt.Errorf("unsupported transport kind %q", opts.Kind)
	}
}

// BuildProvider returns a non-streaming provider. Only OpenAI-compatible
// upstreams are supported.
func BuildProvider(opts BuildOptions) (providers.Provider, error) {
	switch normalizeKind(opts.Kind) {
	case "openai_compat":
		return buildOpenAI(opts), nil
	default:
		return nil, fmt.Errorf("unsupported provider kind %q", opts.Kind)
	}
}

func buildOpenAI(opts BuildOptions) *openai_compat.Client {
	return openai_compat.New(openai_compat.Config{
		Name:        opts.Name,
		BaseURL:     opts.BaseURL,
		APIKey:      opts.APIKey,
		Headers:     opts.Headers,
		Endpoint:    opts.Endpoint,
		HTTPClient:  opts.HTTPClient,
		MaxRetries:  opts.MaxRetries,
		BackoffBase: opts.BackoffBase,
	})
}
