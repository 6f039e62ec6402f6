// Package app assembles the referee from configuration. Every binary
// goes through Build so they share one wiring.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/tatianab/referee/internal/config"
	"github.com/tatianab/referee/internal/engine"
	"github.com/tatianab/referee/internal/llm"
	"github.com/tatianab/referee/internal/provider/gemini"
	"github.com/tatianab/referee/internal/provider/openai"
	"github.com/tatianab/referee/internal/referee"
	"github.com/tatianab/referee/internal/rulebook"
	"github.com/tatianab/referee/internal/session"
	"github.com/tatianab/referee/internal/tools"
)

type App struct {
	Referee  *referee.Service
	Sessions *session.Manager
	Rules    *rulebook.Store

	closers []func() error
}

// Build opens the rulebook store and session store, connects the model
// provider and returns the assembled service.
func Build(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *App, err error) {
	a := &App{}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	a.Rules, err = rulebook.Open(cfg.RulebookPath,
		rulebook.WithChunking(cfg.ChunkSize, cfg.ChunkOverlap),
		rulebook.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("open rulebook: %w", err)
	}
	a.closers = append(a.closers, a.Rules.Close)

	store, err := a.store(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.Sessions = session.NewManager(store, logger)

	model, closeModel, err := NewModel(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, closeModel)
	registry, err := tools.NewRegistry()
	if err != nil {
		return nil, err
	}
	eng, err := engine.New(model, registry,
		engine.WithLogger(logger),
		engine.WithCallTimeout(cfg.ModelTimeout))
	if err != nil {
		return nil, err
	}

	a.Referee = referee.New(a.Sessions, a.Rules, eng, referee.Options{
		TopK:       cfg.RetrievalTopK,
		MaxHistory: cfg.MaxHistoryLength,
		Logger:     logger,
	})
	logger.Info("referee ready",
		"provider", cfg.Provider,
		"model", cfg.ModelName(),
		"sessions", cfg.SessionStore,
		"rulebook", cfg.RulebookPath)
	return a, nil
}

func (a *App) store(ctx context.Context, cfg *config.Config) (session.Store, error) {
	switch cfg.SessionStore {
	case config.StoreYAML:
		return session.NewYAMLStore(cfg.SaveDir), nil
	case config.StoreRedis:
		rs, err := session.NewRedisStore(ctx, cfg.RedisAddr, cfg.SessionTTL)
		if err != nil {
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		a.closers = append(a.closers, rs.Close)
		return rs, nil
	default:
		return session.NewMemoryStore(), nil
	}
}

// NewModel connects the configured provider. The returned func releases
// the client.
func NewModel(ctx context.Context, cfg *config.Config) (llm.Model, func() error, error) {
	switch cfg.Provider {
	case config.ProviderOpenAI:
		return openai.New(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, cfg.ModelName()), func() error { return nil }, nil
	default:
		m, err := gemini.New(ctx, cfg.GeminiAPIKey, cfg.ModelName())
		if err != nil {
			return nil, nil, fmt.Errorf("create gemini client: %w", err)
		}
		return m, m.Close, nil
	}
}

// Close releases everything Build opened, last opened first.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}
