package manager

import (
	"os/exec"
	"sync"
	"time"

	"imgd/pkg/types"
)

// ProcessEntry tracks one supervised process keyed by model id. Its fields
// are written only by the Manager's output and exit handlers; readers get a
// copy via snapshot.
type ProcessEntry struct {
	mu        sync.Mutex
	ModelID   string
	Port      int
	ExecMode  types.ExecMode
	Status    types.ProcessStatus
	StartedAt time.Time
	PID       int
	ExitCode  *int
	Signal    string

	cmd      *exec.Cmd
	detector ReadinessDetector
	output   *ringBuffer
	errors   *ringBuffer
	// done is closed once the process has exited and the exit was recorded.
	done   chan struct{}
	exited bool
	// ready is closed on the first STARTING -> RUNNING transition.
	ready chan struct{}
	// ownsPort is cleared once the port has gone back to the allocator.
	ownsPort bool
	stopping bool
}

func newProcessEntry(id string, mode types.ExecMode, port int, det ReadinessDetector) *ProcessEntry {
	return &ProcessEntry{
		ModelID:  id,
		Port:     port,
		ExecMode: mode,
		Status:   types.ProcessStarting,
		detector: det,
		output:   newRingBuffer(),
		errors:   newRingBuffer(),
		done:     make(chan struct{}),
		ready:    make(chan struct{}),
		ownsPort: port > 0,
	}
}

// markRunning flips STARTING to RUNNING. It reports whether this call made
// the transition.
func (e *ProcessEntry) markRunning() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.Status != types.ProcessStarting {
		return false
	}
	e.Status = types.ProcessRunning
	close(e.ready)
	return true
}

// alive reports whether the process has not exited and is starting or running.
func (e *ProcessEntry) alive() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return !e.exited && (e.Status == types.ProcessRunning || e.Status == types.ProcessStarting)
}

func (e *ProcessEntry) hasExited() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.exited
}

func (e *ProcessEntry) status() types.ProcessStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.Status
}

// takePort returns the port if the entry still owns it and clears ownership.
func (e *ProcessEntry) takePort() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.ownsPort {
		return 0
	}
	e.ownsPort = false
	return e.Port
}

func (e *ProcessEntry) snapshot() types.ModelStatusResponse {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := types.ModelStatusResponse{
		ModelID:  e.ModelID,
		Status:   e.Status,
		ExecMode: e.ExecMode,
		PID:      e.PID,
		Port:     e.Port,
		Signal:   e.Signal,
		Output:   e.output.snapshot(),
		Errors:   e.errors.snapshot(),
	}
	if !e.StartedAt.IsZero() {
		s.StartedAt = e.StartedAt.Unix()
	}
	if e.ExitCode != nil {
		c := *e.ExitCode
		s.ExitCode = &c
	}
	return s
}

// stderrTail returns the last few stderr lines, falling back to stdout.
func (e *ProcessEntry) stderrTail(n int) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if t := e.errors.tail(n); t != "" {
		return t
	}
	return e.output.tail(n)
}

// StartOptions overrides per-start behaviour.
type StartOptions struct {
	// Port overrides both the descriptor port and the allocator.
	Port int
	// OnSpawned is invoked once the process has been launched and, for
	// server models, before the readiness wait begins.
	OnSpawned func(types.ModelStatusResponse)
}

// StopOptions controls how a process is terminated.
type StopOptions struct {
	// Force skips SIGTERM and kills immediately.
	Force bool
	// Timeout is the grace period before SIGKILL; zero uses the manager default.
	Timeout time.Duration
}
