package jobs

import (
	"context"
	"time"

	"imgd/pkg/types"
)

// Store is the durable job queue consumed by the scheduler and the ops API.
type Store interface {
	Enqueue(ctx context.Context, job types.Job) (types.Job, error)
	Get(ctx context.Context, id string) (types.Job, error)
	List(ctx context.Context, opts ListOptions) ([]types.Job, error)
	// ClaimNextPending moves the oldest pending job to model_loading and
	// returns it. ok is false when the queue is empty.
	ClaimNextPending(ctx context.Context) (job types.Job, ok bool, err error)
	UpdateStatus(ctx context.Context, id string, status types.JobStatus, extra Update) error
	UpdateProgress(ctx context.Context, id string, fraction float64, message string) error
	Cancel(ctx context.Context, id string) (types.Job, error)
}

// Update carries the optional fields written alongside a status change.
type Update struct {
	Progress     *float64
	Message      *string
	Error        string
	GenerationID string
}

// Progress is a convenience for building Update values.
func Progress(fraction float64, message string) Update {
	return Update{Progress: &fraction, Message: &message}
}

// ListOptions filters List. Zero values list the most recent 50 jobs of any status.
type ListOptions struct {
	Status types.JobStatus
	Limit  int
}

// GenerationStore persists successful results.
type GenerationStore interface {
	CreateGeneration(ctx context.Context, g Generation) (string, error)
	AddImages(ctx context.Context, generationID string, images []types.Image) error
	GetGeneration(ctx context.Context, id string) (Generation, error)
}

// Generation is the record of one completed job.
type Generation struct {
	ID             string         `json:"id"`
	JobID          string         `json:"job_id"`
	Type           types.JobType  `json:"type"`
	Model          string         `json:"model"`
	Prompt         string         `json:"prompt"`
	NegativePrompt string         `json:"negative_prompt,omitempty"`
	Size           string         `json:"size,omitempty"`
	Seed           int64          `json:"seed"`
	Params         map[string]any `json:"params,omitempty"`
	Warnings       []string       `json:"warnings,omitempty"`
	Images         []types.Image  `json:"images,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}
