package scheduler

import (
	"fmt"

	"imgd/internal/manager"
)

// observe fails the current job when the server backing it exits or errors.
// It returns when the subscription channel is closed.
func (s *Scheduler) observe(events <-chan manager.ProcessEvent) {
	defer close(s.obsDone)
	for ev := range events {
		s.handleProcessEvent(ev)
	}
}

func (s *Scheduler) handleProcessEvent(ev manager.ProcessEvent) {
	s.mu.Lock()
	r := s.current
	s.mu.Unlock()
	if r == nil || r.watching() == "" || r.watching() != ev.ModelID {
		return
	}
	if !r.finalize() {
		return
	}
	s.log.Warn().Str("model", ev.ModelID).Str("job", r.snapshot().ID).Str("kind", string(ev.Kind)).
		Int("exit_code", ev.ExitCode).Str("signal", ev.Signal).Msg("model backing current job went away")
	ctx, cancel := contextForFinalize()
	s.writeFailure(ctx, r, crashError(ev))
	cancel()
	r.cancel()

	s.mu.Lock()
	if s.current == r {
		s.current = nil
	}
	s.mu.Unlock()
}

func crashError(ev manager.ProcessEvent) error {
	switch {
	case ev.Kind == manager.ProcessFailed:
		return fmt.Errorf("model %s process error: %v", ev.ModelID, ev.Err)
	case ev.Signal != "":
		return fmt.Errorf("model %s process exited unexpectedly (signal %s)", ev.ModelID, ev.Signal)
	case ev.Requested:
		return fmt.Errorf("model %s was stopped while the job was processing (exit code %d)", ev.ModelID, ev.ExitCode)
	default:
		return fmt.Errorf("model %s process exited unexpectedly (exit code %d)", ev.ModelID, ev.ExitCode)
	}
}
