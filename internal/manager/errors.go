package manager

import (
	"errors"
	"fmt"
	"time"
)

// ErrModelNotFound returns an error when a requested model id is not present in the registry.
type modelNotFoundError struct{ id string }

func (e modelNotFoundError) Error() string { return "model not found: " + e.id }

func ErrModelNotFound(id string) error { return modelNotFoundError{id: id} }

// IsModelNotFound reports whether the error indicates a missing model id.
func IsModelNotFound(err error) bool {
	var e modelNotFoundError
	return errors.As(err, &e)
}

// noProcessError is returned when a start is requested for a remote API model.
type noProcessError struct{ id string }

func (e noProcessError) Error() string { return "model has no local process (api mode): " + e.id }

// IsNoProcess reports whether err indicates an API-mode model was asked to start.
func IsNoProcess(err error) bool {
	var e noProcessError
	return errors.As(err, &e)
}

type portInUseError struct{ port int }

func (e portInUseError) Error() string { return fmt.Sprintf("port %d already in use", e.port) }

type portExhaustedError struct{ floor, ceiling int }

func (e portExhaustedError) Error() string {
	return fmt.Sprintf("no free port in range %d-%d", e.floor, e.ceiling)
}

// IsPortUnavailable reports whether err came from port reservation or allocation.
func IsPortUnavailable(err error) bool {
	var a portInUseError
	var b portExhaustedError
	return errors.As(err, &a) || errors.As(err, &b)
}

// readyTimeoutError means the process stayed alive but never reported ready.
type readyTimeoutError struct {
	id      string
	timeout time.Duration
}

func (e readyTimeoutError) Error() string {
	return fmt.Sprintf("model %s not ready within %s", e.id, e.timeout)
}

// IsReadyTimeout reports whether a start failed by timing out.
func IsReadyTimeout(err error) bool {
	var e readyTimeoutError
	return errors.As(err, &e)
}

// exitedError means the process exited before it became ready.
type exitedError struct {
	id     string
	code   int
	signal string
	tail   string
}

func (e exitedError) Error() string {
	msg := fmt.Sprintf("model %s exited before ready", e.id)
	if e.signal != "" {
		msg += " (signal " + e.signal + ")"
	} else {
		msg += fmt.Sprintf(" (exit code %d)", e.code)
	}
	if e.tail != "" {
		msg += "; stderr tail: " + e.tail
	}
	return msg
}

// IsExitedBeforeReady reports whether a start failed because the process died.
func IsExitedBeforeReady(err error) bool {
	var e exitedError
	return errors.As(err, &e)
}

// spawnError wraps a failure to launch the executable.
type spawnError struct {
	id  string
	err error
}

func (e spawnError) Error() string { return fmt.Sprintf("spawn model %s: %v", e.id, e.err) }
func (e spawnError) Unwrap() error { return e.err }

// IsSpawnError reports whether err came from launching the process.
func IsSpawnError(err error) bool {
	var e spawnError
	return errors.As(err, &e)
}
