package manager

import (
	"context"
	"errors"
	"fmt"
	"time"

	"imgd/pkg/types"
)

// killGrace bounds the wait for a SIGKILLed process to be reaped.
const killGrace = 5 * time.Second

// StopModel terminates the process for id: SIGTERM unless Force, then SIGKILL
// once the grace period elapses. The entry is removed and its port released.
// Unknown ids are a no-op.
func (m *Manager) StopModel(ctx context.Context, id string, opts StopOptions) error {
	unlock := m.lockModel(id)
	defer unlock()
	e := m.entry(id)
	if e == nil {
		return nil
	}
	return m.stopEntryContext(ctx, e, opts)
}

// stopEntry is used internally where the per-model lock is already held.
func (m *Manager) stopEntry(e *ProcessEntry, opts StopOptions) {
	if err := m.stopEntryContext(context.Background(), e, opts); err != nil {
		m.log.Error().Err(err).Str("model", e.ModelID).Msg("stop failed")
	}
}

func (m *Manager) stopEntryContext(ctx context.Context, e *ProcessEntry, opts StopOptions) error {
	defer func() {
		m.ports.Release(e.takePort())
		m.removeEntry(e)
	}()
	if e.hasExited() {
		return nil
	}

	e.mu.Lock()
	e.stopping = true
	e.Status = types.ProcessStopping
	pid := e.PID
	e.mu.Unlock()

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = m.cfg.StopTimeout
	}
	log := m.log.With().Str("model", e.ModelID).Int("pid", pid).Logger()
	m.publish("spawn_stop", e.ModelID, map[string]any{"pid": pid, "force": opts.Force})

	if !opts.Force {
		log.Info().Dur("timeout", timeout).Msg("stopping process")
		if err := terminate(e.cmd); err != nil {
			log.Warn().Err(err).Msg("terminate signal failed")
		}
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case <-e.done:
			return nil
		case <-timer.C:
			log.Warn().Msg("grace period elapsed; killing")
		case <-ctx.Done():
			log.Warn().Err(ctx.Err()).Msg("stop cancelled; killing")
		}
	}

	if err := kill(e.cmd); err != nil {
		log.Warn().Err(err).Msg("kill signal failed")
	}
	select {
	case <-e.done:
		return nil
	case <-time.After(m.cfg.WaitDelay + killGrace):
		return fmt.Errorf("model %s (pid %d) did not exit after kill", e.ModelID, pid)
	}
}

// StopAll stops every known process that is still alive.
func (m *Manager) StopAll(ctx context.Context) error {
	var errs []error
	for _, e := range m.entries() {
		if !e.alive() {
			continue
		}
		if err := m.StopModel(ctx, e.ModelID, StopOptions{}); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// CleanupZombies deletes entries whose process already exited without a stop
// request and frees their ports. It returns the number removed.
func (m *Manager) CleanupZombies() int {
	n := 0
	for _, e := range m.entries() {
		e.mu.Lock()
		zombie := e.exited && e.Status != types.ProcessStopping
		e.mu.Unlock()
		if !zombie {
			continue
		}
		m.ports.Release(e.takePort())
		m.removeEntry(e)
		n++
	}
	if n > 0 {
		m.log.Info().Int("removed", n).Msg("cleaned up exited processes")
	}
	return n
}
