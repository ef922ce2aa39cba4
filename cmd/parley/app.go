package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/haasonsaas/parley/internal/chat"
	"github.com/haasonsaas/parley/internal/config"
	"github.com/haasonsaas/parley/internal/gate"
	"github.com/haasonsaas/parley/internal/notify"
	"github.com/haasonsaas/parley/internal/orchestrator"
	"github.com/haasonsaas/parley/internal/runner"
	"github.com/haasonsaas/parley/internal/storage"
	"github.com/haasonsaas/parley/internal/toolhost"
)

// app holds the wired components shared by the serve and chat commands.
type app struct {
	cfg    *config.Config
	store  storage.Store
	model  runner.Runner
	tools  *toolhost.Manager
	gate   *gate.Gate
	orch   *orchestrator.Orchestrator
	logger *slog.Logger
}

// buildApp wires storage, the model runner, the tool-server manager,
// the confirmation gate, and the orchestrator from config. The sink
// receives all session events.
func buildApp(ctx context.Context, cfg *config.Config, sink notify.Sink) (*app, error) {
	configureLogging(cfg)
	logger := slog.Default()

	store, err := openStore(cfg)
	if err != nil {
		return nil, err
	}

	model, err := buildRunner(cfg, logger)
	if err != nil {
		store.Close()
		return nil, err
	}

	tools := toolhost.NewManager(&cfg.Tools, logger)
	if err := tools.Start(ctx); err != nil {
		store.Close()
		return nil, fmt.Errorf("start tool servers: %w", err)
	}

	g := gate.New(store, sink, cfg.Confirm.Timeout, logger)

	orch, err := orchestrator.New(orchestrator.Config{
		MaxLiveSessions: cfg.Sessions.MaxLive,
		SessionTTL:      cfg.Sessions.TTL,
		SweepSchedule:   cfg.Sessions.SweepSchedule,
		DefaultModel:    cfg.LLM.DefaultModel,
		Chat: chat.Config{
			MaxIterations: cfg.Sessions.MaxIterations,
			MaxTokens:     cfg.Sessions.MaxTokens,
			SystemPrompt:  cfg.Sessions.SystemPrompt,
		},
	}, store, model, tools, g, sink, logger)
	if err != nil {
		tools.Stop()
		store.Close()
		return nil, err
	}

	return &app{
		cfg:    cfg,
		store:  store,
		model:  model,
		tools:  tools,
		gate:   g,
		orch:   orch,
		logger: logger,
	}, nil
}

func (a *app) Close() {
	a.orch.Stop()
	if err := a.tools.Stop(); err != nil {
		a.logger.Warn("tool server shutdown", "error", err)
	}
	if err := a.store.Close(); err != nil {
		a.logger.Warn("store close", "error", err)
	}
}

func openStore(cfg *config.Config) (storage.Store, error) {
	switch cfg.Storage.Driver {
	case "memory":
		return storage.NewMemoryStore(), nil
	case "sqlite":
		return storage.NewSQLiteStore(cfg.Storage.Path)
	case "postgres":
		return storage.NewPostgresStore(cfg.Storage.URL, &storage.PostgresConfig{
			MaxOpenConns:    cfg.Storage.MaxConnections,
			ConnMaxLifetime: cfg.Storage.ConnMaxLifetime,
			MaxIdleConns:    5,
			ConnMaxIdleTime: cfg.Storage.ConnMaxLifetime / 2,
		})
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}
}

func buildRunner(cfg *config.Config, logger *slog.Logger) (runner.Runner, error) {
	switch cfg.LLM.Provider {
	case "anthropic":
		return runner.NewAnthropicRunner(runner.AnthropicConfig{
			APIKey:     cfg.LLM.APIKey,
			BaseURL:    cfg.LLM.BaseURL,
			MaxRetries: cfg.LLM.MaxRetries,
			RetryDelay: cfg.LLM.RetryDelay,
			Logger:     logger,
		})
	case "openai":
		return runner.NewOpenAIRunner(runner.OpenAIConfig{
			APIKey:     cfg.LLM.APIKey,
			BaseURL:    cfg.LLM.BaseURL,
			MaxRetries: cfg.LLM.MaxRetries,
			RetryDelay: cfg.LLM.RetryDelay,
			Logger:     logger,
		})
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.LLM.Provider)
	}
}
