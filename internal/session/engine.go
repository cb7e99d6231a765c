package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"nexuschat/internal/crypto"
	"nexuschat/internal/orchestrator"
	"nexuschat/internal/providers/registry"
	"nexuschat/internal/storage"
)

type EngineConfig struct {
	Base    orchestrator.Config
	Primary registry.BuildOptions
	Store   *storage.Store
	Sealer  *crypto.Sealer
	Logger  zerolog.Logger
}

// Engine serves the shared orchestrator, or a per-owner one whose primary
// transport uses the owner's sealed API key.
type Engine struct {
	cfg    EngineConfig
	shared *orchestrator.Orchestrator
}

func NewEngine(cfg EngineConfig) (*Engine, error) {
	shared, err := orchestrator.New(cfg.Base)
	if err != nil {
		return nil, err
	}
	return &Engine{cfg: cfg, shared: shared}, nil
}

func (e *Engine) Shared() *orchestrator.Orchestrator {
	return e.shared
}

func (e *Engine) For(ctx context.Context, owner string) (Streamer, error) {
	if e.cfg.Sealer == nil || e.cfg.Store == nil || owner == "" {
		return e.shared, nil
	}
	raw, err := e.cfg.Store.GetOwnerAPIKey(ctx, owner)
	if errors.Is(err, storage.ErrNotFound) {
		return e.shared, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load owner api key: %w", err)
	}
	key, err := e.cfg.Sealer.OpenString(owner, raw)
	if err != nil {
		return nil, fmt.Errorf("open owner api key: %w", err)
	}

	opts := e.cfg.Primary
	opts.APIKey = key
	primary, err := registry.Build(opts)
	if err != nil {
		return nil, fmt.Errorf("build owner transport: %w", err)
	}
	cfg := e.cfg.Base
	cfg.Policy.Primary = primary
	e.cfg.Logger.Debug().Str("owner", owner).Msg("using owner api key for primary transport")
	return orchestrator.New(cfg)
}
