// Package app turns configuration into the chat engine shared by the daemon
// and the CLI.
package app

import (
	"context"
	"fmt"
	"net/http"

	"github.com/rs/zerolog"

	"nexuschat/internal/config"
	"nexuschat/internal/imagegen"
	"nexuschat/internal/intent"
	"nexuschat/internal/metrics"
	"nexuschat/internal/orchestrator"
	"nexuschat/internal/providers/registry"
)

// Engine is the orchestrator configuration plus the options the primary
// transport was built from, so per-owner keys can rebuild it.
type Engine struct {
	Orchestrator orchestrator.Config
	Primary      registry.BuildOptions
}

func TransportOptions(tc config.TransportConfig, hc config.HTTPConfig, client *http.Client) registry.BuildOptions {
	return registry.BuildOptions{
		Kind:         tc.Kind,
		Name:         tc.Name,
		BaseURL:      tc.BaseURL,
		APIKey:       tc.APIKey,
		Headers:      tc.Headers,
		Endpoint:     tc.Endpoint,
		GoogleSearch: tc.GoogleSearch,
		HTTPClient:   client,
		MaxRetries:   hc.MaxRetries,
		BackoffBase:  hc.BackoffBase,
	}
}

func BuildEngine(ctx context.Context, cfg *config.Config, client *http.Client, logger zerolog.Logger, m *metrics.Metrics) (Engine, error) {
	primaryOpts := TransportOptions(cfg.Primary, cfg.HTTP, client)
	primary, err := registry.Build(primaryOpts)
	if err != nil {
		return Engine{}, fmt.Errorf("primary transport: %w", err)
	}

	policy := orchestrator.FallbackPolicy{Primary: primary, EmptyIsFailure: cfg.Orchestrator.EmptyIsFailure}
	if cfg.Fallback.APIKey != "" {
		fallback, err := registry.Build(TransportOptions(cfg.Fallback, cfg.HTTP, client))
		if err != nil {
			return Engine{}, fmt.Errorf("fallback transport: %w", err)
		}
		policy.Fallback = fallback
	} else {
		logger.Warn().Msg("FALLBACK_API_KEY is empty, running without fallback transport")
	}

	classifier, err := buildClassifier(cfg, client, logger)
	if err != nil {
		return Engine{}, err
	}
	images, err := buildImages(ctx, cfg.Image, client)
	if err != nil {
		return Engine{}, err
	}

	oc := orchestrator.Config{
		Classifier:    classifier,
		Images:        images,
		Policy:        policy,
		TextModel:     cfg.Primary.Model,
		FallbackModel: cfg.Fallback.Model,
		ImageModel:    cfg.Image.Model,
		ImageSize:     cfg.Image.Size,
		MaxTokens:     cfg.Orchestrator.MaxTokens,
		Temperature:   cfg.Orchestrator.Temperature,
		Logger:        logger,
		Metrics:       m,
	}
	logger.Info().
		Str("primary", primary.Name()).
		Bool("fallback", policy.Fallback != nil).
		Str("image_backend", cfg.Image.Backend).
		Bool("remote_classifier", cfg.Classifier.Enabled).
		Msg("chat engine configured")
	return Engine{Orchestrator: oc, Primary: primaryOpts}, nil
}

func buildClassifier(cfg *config.Config, client *http.Client, logger zerolog.Logger) (*intent.Classifier, error) {
	ic := intent.Config{Model: cfg.Classifier.Model, MaxTokens: cfg.Classifier.MaxTokens, Logger: logger}
	if cfg.Classifier.Enabled {
		p, err := registry.BuildProvider(registry.BuildOptions{
			Kind:       cfg.Classifier.Kind,
			BaseURL:    cfg.Classifier.BaseURL,
			APIKey:     cfg.Classifier.APIKey,
			Headers:    cfg.Primary.Headers,
			HTTPClient: client,
		})
		if err != nil {
			return nil, fmt.Errorf("classifier provider: %w", err)
		}
		ic.Provider = p
	}
	return intent.New(ic), nil
}

// buildImages returns nil when image generation is disabled.
func buildImages(ctx context.Context, ic config.ImageConfig, client *http.Client) (imagegen.Generator, error) {
	switch ic.Backend {
	case config.ImageBackendProxy:
		return imagegen.NewProxy(imagegen.ProxyConfig{URL: ic.URL, APIKey: ic.APIKey, HTTPClient: client}), nil
	case config.ImageBackendGemini:
		g, err := imagegen.NewGemini(ctx, imagegen.GeminiConfig{APIKey: ic.APIKey, Model: ic.Model, BaseURL: ic.BaseURL, HTTPClient: client})
		if err != nil {
			return nil, fmt.Errorf("gemini image backend: %w", err)
		}
		return g, nil
	}
	return nil, nil
}
