package manager

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/errgroup"

	"imgd/pkg/types"
)

// ProgressFunc receives load milestones while a model is being prepared.
type ProgressFunc func(fraction float64, message string)

// Load milestones reported by EnsureReady.
const (
	ProgressStarting = 0.05
	ProgressWaiting  = 0.1
)

// EnsureReady starts id unless it is already running and reports the
// starting and waiting milestones through progress.
func (m *Manager) EnsureReady(ctx context.Context, id string, progress ProgressFunc) (types.ModelStatusResponse, error) {
	if e := m.entry(id); e != nil && e.alive() && e.status() == types.ProcessRunning {
		return e.snapshot(), nil
	}
	if progress == nil {
		progress = func(float64, string) {}
	}
	progress(ProgressStarting, "Starting model")
	return m.StartModel(ctx, id, StartOptions{
		OnSpawned: func(types.ModelStatusResponse) {
			progress(ProgressWaiting, "Waiting for model to be ready")
		},
	})
}

// preloadConcurrency bounds how many processes start at once during Preload.
const preloadConcurrency = 4

// Preload starts the given models concurrently. Every model is attempted;
// the returned error joins the individual failures.
func (m *Manager) Preload(ctx context.Context, ids []string) error {
	var (
		mu   sync.Mutex
		errs []error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(preloadConcurrency)
	for _, id := range ids {
		g.Go(func() error {
			if _, err := m.StartModel(gctx, id, StartOptions{}); err != nil {
				m.log.Warn().Err(err).Str("model", id).Msg("preload failed")
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}
