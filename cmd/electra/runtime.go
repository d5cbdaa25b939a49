package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/23skdu/longbow-electra/internal/cache"
	"github.com/23skdu/longbow-electra/internal/client"
	"github.com/23skdu/longbow-electra/internal/config"
	"github.com/23skdu/longbow-electra/internal/embeddings"
	"github.com/23skdu/longbow-electra/internal/embeddings/model"
	"github.com/23skdu/longbow-electra/internal/embeddings/weights"
)

// loadModel opens the checkpoint and its config.json.
func loadModel(cfg *config.Config) (*model.ElectraModel, error) {
	if cfg.Model.Path == "" {
		return nil, errors.New("no model given (use --model or model.path)")
	}
	modelCfg, err := model.LoadConfig(cfg.ModelConfigPath())
	if err != nil {
		return nil, fmt.Errorf("failed to load model config: %w", err)
	}
	ckpt, err := weights.Open(cfg.Model.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint: %w", err)
	}
	m, err := model.Load(ckpt, modelCfg)
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("model", cfg.Model.Path).
		Int("layers", modelCfg.NumHiddenLayers).
		Int("hidden", modelCfg.HiddenSize).
		Str("weight_prefix", m.WeightPrefix).
		Bool("pooler", m.HasPooler()).
		Msg("Model loaded")
	return m, nil
}

// newCache builds the configured vector cache. The returned close function
// is never nil.
func newCache(ctx context.Context, cfg config.CacheConfig) (cache.VectorCache, func() error, error) {
	noop := func() error { return nil }
	switch cfg.Backend {
	case "", "none":
		return nil, noop, nil
	case "memory":
		return cache.NewBoundedMapCache(cfg.MaxEntries), noop, nil
	case "redis":
		rc, err := cache.NewRedisCache(ctx, cfg.Redis)
		if err != nil {
			return nil, noop, err
		}
		return rc, rc.Close, nil
	default:
		return nil, noop, fmt.Errorf("unknown cache backend %q", cfg.Backend)
	}
}

// newEncoder loads the model and wraps it with the configured cache.
func newEncoder(ctx context.Context, cfg *config.Config) (*embeddings.Encoder, func() error, error) {
	m, err := loadModel(cfg)
	if err != nil {
		return nil, nil, err
	}
	vc, closeCache, err := newCache(ctx, cfg.Cache)
	if err != nil {
		return nil, nil, err
	}
	opts := cfg.EncoderOptions()
	opts.Cache = vc
	enc, err := embeddings.NewEncoder(m, opts)
	if err != nil {
		_ = closeCache()
		return nil, nil, err
	}
	return enc, closeCache, nil
}

// newForwarder connects to the downstream Flight server, or returns nil when
// forwarding is not configured.
func newForwarder(cfg config.FlightConfig) (*client.FlightClient, error) {
	if cfg.ForwardAddr == "" {
		return nil, nil
	}
	breaker := client.NewCircuitBreaker(cfg.ForwardAddr, cfg.BreakerFailures, cfg.BreakerTimeout)
	fc, err := client.NewFlightClient(cfg.ForwardAddr, client.WithCircuitBreaker(breaker))
	if err != nil {
		return nil, err
	}
	log.Info().Str("addr", cfg.ForwardAddr).Str("dataset", cfg.Dataset).Msg("Forwarding vectors to Flight server")
	return fc, nil
}
