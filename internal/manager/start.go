package manager

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"imgd/pkg/types"
)

// stderrTailLines is how much output an exited-before-ready error carries.
const stderrTailLines = 5

// StartModel launches the process backing model id and, for server models,
// waits until it reports ready. Calling it for a model that is already
// starting or running returns the existing status without spawning again.
func (m *Manager) StartModel(ctx context.Context, id string, opts StartOptions) (types.ModelStatusResponse, error) {
	mdl, ok := m.lookup(id)
	if !ok {
		return types.ModelStatusResponse{}, ErrModelNotFound(id)
	}
	if !mdl.ExecMode.LocalProcess() {
		return types.ModelStatusResponse{}, noProcessError{id: id}
	}

	unlock := m.lockModel(id)
	defer unlock()

	if e := m.entry(id); e != nil {
		if e.alive() {
			return e.snapshot(), nil
		}
		// Stale entry from a previous run: replace it.
		m.ports.Release(e.takePort())
		m.removeEntry(e)
	}

	port, err := m.resolvePort(mdl, opts.Port)
	if err != nil {
		processStartsTotal.WithLabelValues(string(mdl.ExecMode), "port_error").Inc()
		return types.ModelStatusResponse{}, err
	}

	det, err := detectorFor(mdl)
	if err != nil {
		m.ports.Release(port)
		return types.ModelStatusResponse{}, err
	}

	args := substituteArgs(mdl.Args, id, port)
	entry := newProcessEntry(id, mdl.ExecMode, port, det)
	cmd := exec.Command(mdl.Command, args...)
	cmd.Env = os.Environ()
	if port > 0 {
		cmd.Env = append(cmd.Env, "PORT="+strconv.Itoa(port))
	}
	stdout := &lineWriter{emit: func(l string) { m.onOutput(entry, l, false) }}
	stderr := &lineWriter{emit: func(l string) { m.onOutput(entry, l, true) }}
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = m.cfg.WaitDelay
	setProcessGroup(cmd)
	entry.cmd = cmd

	log := m.log.With().Str("model", id).Int("port", port).Logger()
	log.Info().Str("command", mdl.Command).Strs("args", args).Msg("spawning process")
	m.publish("spawn_start", id, map[string]any{"port": port, "exec_mode": string(mdl.ExecMode)})

	if err := cmd.Start(); err != nil {
		m.ports.Release(entry.takePort())
		entry.mu.Lock()
		entry.Status = types.ProcessError
		entry.exited = true
		entry.errors.add(err.Error())
		close(entry.done)
		entry.mu.Unlock()
		// Keep the failed entry so its status remains queryable.
		m.setEntry(entry)
		processStartsTotal.WithLabelValues(string(mdl.ExecMode), "spawn_error").Inc()
		log.Error().Err(err).Msg("spawn failed")
		m.publish("spawn_error", id, map[string]any{"error": err.Error()})
		m.notify(ProcessEvent{Kind: ProcessFailed, ModelID: id, Err: err})
		return entry.snapshot(), spawnError{id: id, err: err}
	}

	entry.mu.Lock()
	entry.PID = cmd.Process.Pid
	entry.StartedAt = time.Now()
	entry.mu.Unlock()
	m.setEntry(entry)
	processesAlive.Inc()
	log.Info().Int("pid", cmd.Process.Pid).Msg("process spawned")
	go m.wait(entry, stdout, stderr)

	if mdl.ExecMode == types.ExecCLI {
		entry.markRunning()
		processStartsTotal.WithLabelValues(string(mdl.ExecMode), "ok").Inc()
		m.publish("spawn_ready", id, map[string]any{"pid": entry.PID})
		return entry.snapshot(), nil
	}

	if opts.OnSpawned != nil {
		opts.OnSpawned(entry.snapshot())
	}

	if err := m.waitReady(ctx, entry, mdl); err != nil {
		if !IsExitedBeforeReady(err) {
			// Still alive but unusable: take it down.
			m.stopEntry(entry, StopOptions{Force: true})
		}
		processStartsTotal.WithLabelValues(string(mdl.ExecMode), startResult(err)).Inc()
		log.Warn().Err(err).Msg("process did not become ready")
		return entry.snapshot(), err
	}
	processStartsTotal.WithLabelValues(string(mdl.ExecMode), "ok").Inc()
	processReadySeconds.Observe(time.Since(entry.StartedAt).Seconds())
	log.Info().Dur("elapsed", time.Since(entry.StartedAt)).Msg("process ready")
	m.publish("spawn_ready", id, map[string]any{"pid": entry.PID, "port": port})
	return entry.snapshot(), nil
}

func startResult(err error) string {
	switch {
	case IsReadyTimeout(err):
		return "timeout"
	case IsExitedBeforeReady(err):
		return "exited"
	default:
		return "cancelled"
	}
}

func (m *Manager) lookup(id string) (types.ModelDescriptor, bool) {
	if m.models == nil {
		return types.ModelDescriptor{}, false
	}
	return m.models.GetModel(id)
}

// resolvePort picks override > descriptor > allocator. CLI models only get
// an allocated port when their args ask for one.
func (m *Manager) resolvePort(mdl types.ModelDescriptor, override int) (int, error) {
	explicit := override
	if explicit <= 0 {
		explicit = mdl.Port
	}
	if explicit > 0 {
		if err := m.ports.Reserve(explicit); err != nil {
			return 0, err
		}
		return explicit, nil
	}
	if mdl.ExecMode == types.ExecCLI && !argsWantPort(mdl.Args) {
		return 0, nil
	}
	return m.ports.Allocate()
}

func argsWantPort(args []string) bool {
	for _, a := range args {
		if strings.Contains(a, "{port}") {
			return true
		}
	}
	return false
}

func substituteArgs(args []string, id string, port int) []string {
	r := strings.NewReplacer("{port}", strconv.Itoa(port), "{model.id}", id)
	out := make([]string, len(args))
	for i, a := range args {
		out[i] = r.Replace(a)
	}
	return out
}

// onOutput records a line and, while the entry is STARTING, checks it
// against the readiness detector.
func (m *Manager) onOutput(e *ProcessEntry, line string, stderr bool) {
	e.mu.Lock()
	if stderr {
		e.errors.add(line)
	} else {
		e.output.add(line)
	}
	check := e.Status == types.ProcessStarting && e.detector != nil
	det := e.detector
	e.mu.Unlock()
	if check && det.Ready(line) && e.markRunning() {
		m.log.Debug().Str("model", e.ModelID).Str("line", line).Msg("readiness line matched")
	}
}

// waitReady polls until the entry is RUNNING, has exited, or the ready
// timeout elapses, checked in that order on every wake-up.
func (m *Manager) waitReady(ctx context.Context, e *ProcessEntry, mdl types.ModelDescriptor) error {
	timeout := m.cfg.ReadyTimeout
	started := time.Now()
	probe := m.healthURL(mdl.HealthPath, e.Port)
	ticker := time.NewTicker(m.cfg.ReadyPollInterval)
	defer ticker.Stop()
	for {
		if e.status() == types.ProcessRunning {
			return nil
		}
		if e.hasExited() {
			s := e.snapshot()
			code := -1
			if s.ExitCode != nil {
				code = *s.ExitCode
			}
			return exitedError{id: e.ModelID, code: code, signal: s.Signal, tail: e.stderrTail(stderrTailLines)}
		}
		if time.Since(started) >= timeout {
			return readyTimeoutError{id: e.ModelID, timeout: timeout}
		}
		if probe != "" && m.probeHealthy(ctx, probe) && e.markRunning() {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-e.ready:
		case <-e.done:
		case <-ticker.C:
		}
	}
}

// wait reaps the process and runs the shared exit handler.
func (m *Manager) wait(e *ProcessEntry, stdout, stderr *lineWriter) {
	err := e.cmd.Wait()
	stdout.flush()
	stderr.flush()
	code, sig := exitStatus(e.cmd.ProcessState)
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		m.log.Warn().Err(err).Str("model", e.ModelID).Msg("process wait error")
	}
	m.handleExit(e, code, sig)
}

func (m *Manager) handleExit(e *ProcessEntry, code int, sig string) {
	e.mu.Lock()
	e.exited = true
	if sig == "" {
		c := code
		e.ExitCode = &c
	}
	e.Signal = sig
	requested := e.stopping
	switch {
	case requested, code == 0 && sig == "":
		e.Status = types.ProcessStopped
	default:
		e.Status = types.ProcessError
	}
	status := e.Status
	pid := e.PID
	close(e.done)
	e.mu.Unlock()

	m.ports.Release(e.takePort())
	processesAlive.Dec()
	outcome := "stopped"
	if status == types.ProcessError {
		outcome = "crashed"
	}
	processExitsTotal.WithLabelValues(outcome).Inc()

	ev := m.log.Info()
	if status == types.ProcessError {
		ev = m.log.Warn()
	}
	ev.Str("model", e.ModelID).Int("pid", pid).Int("exit_code", code).Str("signal", sig).Bool("requested", requested).Msg("process exited")
	m.publish("spawn_exit", e.ModelID, map[string]any{"pid": pid, "exit_code": code, "signal": sig, "status": string(status)})
	m.notify(ProcessEvent{Kind: ProcessExited, ModelID: e.ModelID, PID: pid, ExitCode: code, Signal: sig, Requested: requested})
}

// lineWriter splits a byte stream into lines for the output handler. exec
// drives it from a single copying goroutine per stream.
type lineWriter struct {
	mu   sync.Mutex
	buf  bytes.Buffer
	emit func(string)
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf.Write(p)
	for {
		data := w.buf.Bytes()
		i := bytes.IndexAny(data, "\r\n")
		if i < 0 {
			break
		}
		line := string(data[:i])
		w.buf.Next(i + 1)
		if line = strings.TrimSpace(line); line != "" {
			w.emit(line)
		}
	}
	return len(p), nil
}

func (w *lineWriter) flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if line := strings.TrimSpace(w.buf.String()); line != "" {
		w.emit(line)
	}
	w.buf.Reset()
}
