package jobs

import "errors"

type jobNotFoundError struct{ id string }

func (e jobNotFoundError) Error() string { return "job not found: " + e.id }

// ErrJobNotFound returns the error used for unknown job ids.
func ErrJobNotFound(id string) error { return jobNotFoundError{id: id} }

// IsJobNotFound reports whether err indicates an unknown job id.
func IsJobNotFound(err error) bool {
	var e jobNotFoundError
	return errors.As(err, &e)
}

// jobFinishedError is returned when a write targets a job already in a
// terminal state.
type jobFinishedError struct {
	id     string
	status string
}

func (e jobFinishedError) Error() string { return "job " + e.id + " already " + e.status }

// IsJobFinished reports whether a write was refused because the job is terminal.
func IsJobFinished(err error) bool {
	var e jobFinishedError
	return errors.As(err, &e)
}

type generationNotFoundError struct{ id string }

func (e generationNotFoundError) Error() string { return "generation not found: " + e.id }

// IsGenerationNotFound reports whether err indicates an unknown generation id.
func IsGenerationNotFound(err error) bool {
	var e generationNotFoundError
	return errors.As(err, &e)
}
