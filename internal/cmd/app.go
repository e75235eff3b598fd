package cmd

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/astrid-app/astrid-agent/internal/config"
	"github.com/astrid-app/astrid-agent/internal/errors"
	"github.com/astrid-app/astrid-agent/internal/event"
	"github.com/astrid-app/astrid-agent/internal/executor"
	"github.com/astrid-app/astrid-agent/internal/logging"
	"github.com/astrid-app/astrid-agent/internal/metrics"
	"github.com/astrid-app/astrid-agent/internal/orchestrator"
	"github.com/astrid-app/astrid-agent/internal/provider"
	"github.com/astrid-app/astrid-agent/internal/store"
	"github.com/astrid-app/astrid-agent/internal/worktree"
)

// app bundles the components shared by commands that drive workflows.
type app struct {
	cfg       atomic.Pointer[config.Config]
	logger    *logging.Logger
	store     *store.SQLite
	bus       *event.Bus
	metrics   *metrics.Metrics
	worktrees *worktree.Manager
	orch      *orchestrator.Orchestrator
}

// loadConfig reads and validates the configuration viper has assembled.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) (*logging.Logger, error) {
	logger, err := logging.NewLogger(cfg.Logging.Dir, cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}
	return logger, nil
}

func openStore(ctx context.Context, cfg *config.Config) (*store.SQLite, error) {
	st, err := store.OpenSQLite(ctx, cfg.Store.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	return st, nil
}

// newApp wires the orchestrator and everything it drives.
func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	logger, err := newLogger(cfg)
	if err != nil {
		return nil, err
	}
	st, err := openStore(ctx, cfg)
	if err != nil {
		_ = logger.Close()
		return nil, err
	}

	a := &app{
		logger:  logger,
		store:   st,
		bus:     event.NewBus(logger),
		metrics: metrics.New(),
	}
	a.cfg.Store(cfg)
	// git and gh share one executor so both honor worktree.git_timeout.
	commands := worktree.NewCLICommandExecutor(cfg.Worktree.GitTimeout)
	a.worktrees = worktree.NewManager(cfg.Worktree,
		worktree.WithExecutor(commands),
		worktree.WithPRClientFactory(worktree.GitHubPRs(cfg.GitHub.Token, commands)),
		worktree.WithLogger(logger),
	)

	orch, err := orchestrator.New(cfg, orchestrator.Deps{
		Store:     st,
		Executors: a.resolveExecutor,
		Worktrees: a.worktrees,
		Bus:       a.bus,
		Metrics:   a.metrics,
		Logger:    logger,
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	a.orch = orch
	orchestrator.ObserveMetrics(a.bus, a.metrics)
	return a, nil
}

// resolveExecutor builds the executor for aiService from the current config,
// so provider credentials follow config reloads.
func (a *app) resolveExecutor(aiService string) (orchestrator.Executor, error) {
	cfg := a.cfg.Load()
	var pc config.ProviderConfig
	switch aiService {
	case provider.Claude:
		pc = cfg.Providers.Claude
	case provider.OpenAI:
		pc = cfg.Providers.OpenAI
	default:
		return nil, fmt.Errorf("%w: %s", errors.ErrUnknownProvider, aiService)
	}

	model, err := provider.NewRegistry().New(aiService, provider.Config{
		APIKey:  pc.APIKey,
		Model:   pc.Model,
		BaseURL: pc.BaseURL,
		Logger:  a.logger,
	})
	if err != nil {
		return nil, err
	}
	return executor.New(model, executor.Config{
		MaxPlanningIterations:  cfg.Agent.MaxPlanningIterations,
		MaxExecutionIterations: cfg.Agent.MaxExecutionIterations,
	}, a.logger), nil
}

// reload applies a freshly loaded config to every component that supports it.
func (a *app) reload(cfg *config.Config) {
	a.cfg.Store(cfg)
	a.worktrees.UpdateConfig(cfg.Worktree)
	a.orch.UpdateConfig(cfg)
}

func (a *app) Close() {
	if a.store != nil {
		_ = a.store.Close()
	}
	if a.logger != nil {
		_ = a.logger.Close()
	}
}
