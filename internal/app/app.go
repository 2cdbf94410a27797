// Package app wires the registry, process manager, job store, executors and
// scheduler into one object shared by the daemon and the ops HTTP API.
package app

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/rs/zerolog"

	"imgd/internal/broadcast"
	"imgd/internal/config"
	"imgd/internal/executor"
	"imgd/internal/jobs"
	"imgd/internal/manager"
	"imgd/internal/registry"
	"imgd/internal/scheduler"
	"imgd/pkg/types"
)

// App owns every long-lived component. It implements httpapi.Service.
type App struct {
	Config     config.Config
	Registry   *registry.Registry
	Manager    *manager.Manager
	Jobs       *jobs.SQLite
	Dispatcher *executor.Dispatcher
	Scheduler  *scheduler.Scheduler
	Broadcast  broadcast.Broadcaster

	log   zerolog.Logger
	ready atomic.Bool
}

// New builds an App from cfg. cfg should already have Defaults applied.
// Jobs interrupted by a previous run are returned to the queue.
func New(ctx context.Context, cfg config.Config, log zerolog.Logger) (*App, error) {
	reg, err := registry.LoadDir(cfg.ModelsDir, log)
	if err != nil {
		return nil, fmt.Errorf("load models from %s: %w", cfg.ModelsDir, err)
	}
	return NewWithRegistry(ctx, cfg, reg, log)
}

// NewWithRegistry is New with an already loaded registry.
func NewWithRegistry(ctx context.Context, cfg config.Config, reg *registry.Registry, log zerolog.Logger) (*App, error) {
	bc, err := broadcast.New(broadcast.Options{Kind: cfg.Broadcaster, URL: cfg.BroadcastURL, Logger: log})
	if err != nil {
		return nil, fmt.Errorf("broadcaster: %w", err)
	}
	mgr := manager.NewWithConfig(manager.ManagerConfig{
		Models:            reg,
		PortFloor:         cfg.PortFloor,
		PortCeiling:       cfg.PortCeiling,
		ProbePorts:        !cfg.DisablePortProbe,
		ReadyTimeout:      cfg.ReadyTimeout(),
		ReadyPollInterval: cfg.ReadyPoll(),
		StopTimeout:       cfg.StopTimeout(),
		Publisher:         broadcast.NewManagerBridge(bc, log),
		Logger:            log,
	})
	reg.SetStatusSource(mgr)

	store, err := jobs.Open(cfg.DBPath, log)
	if err != nil {
		_ = bc.Close()
		return nil, err
	}
	if n, err := store.RequeueInterrupted(ctx); err != nil {
		_ = store.Close()
		_ = bc.Close()
		return nil, err
	} else if n > 0 {
		log.Warn().Int("jobs", n).Msg("requeued jobs interrupted by previous run")
	}

	disp := executor.NewDispatcher(executor.Config{HTTPTimeout: cfg.HTTPTimeout(), WorkDir: cfg.WorkDir, Logger: log})
	sched := scheduler.New(scheduler.Config{
		Store:             store,
		Generations:       store,
		Models:            reg,
		Manager:           mgr,
		Dispatcher:        disp,
		Broadcaster:       bc,
		CLIConflictPolicy: cfg.CLIConflictPolicy,
		Logger:            log,
	})
	return &App{
		Config:     cfg,
		Registry:   reg,
		Manager:    mgr,
		Jobs:       store,
		Dispatcher: disp,
		Scheduler:  sched,
		Broadcast:  bc,
		log:        log.With().Str("component", "app").Logger(),
	}, nil
}

// Run preloads the configured server models and starts the scheduler loop.
// Preload failures are logged; the daemon still serves.
func (a *App) Run(ctx context.Context) {
	var ids []string
	for _, m := range a.Registry.Preloads() {
		if m.ExecMode == types.ExecServer {
			ids = append(ids, m.ID)
		}
	}
	if len(ids) > 0 {
		a.log.Info().Strs("models", ids).Msg("preloading models")
		if err := a.Manager.Preload(ctx, ids); err != nil {
			a.log.Warn().Err(err).Msg("some models failed to preload")
		}
	}
	a.Scheduler.Start(a.Config.QueueInterval())
	a.ready.Store(true)
}

// Close stops the scheduler, every supervised process and the stores.
func (a *App) Close(ctx context.Context) error {
	a.ready.Store(false)
	a.Scheduler.Stop()
	var errs []error
	if err := a.Manager.StopAll(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop models: %w", err))
	}
	if err := a.Jobs.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close job store: %w", err))
	}
	if err := a.Broadcast.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close broadcaster: %w", err))
	}
	return errors.Join(errs...)
}

func (a *App) Ready() bool { return a.ready.Load() }
