// Package executor turns a claimed job into a backend request. Transport is
// chosen by exec mode (HTTP for server and api models, a subprocess for cli
// models) and the request shape by job type.
package executor

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"imgd/pkg/types"
)

// Progress milestones reported by executors.
const (
	ProgressPreparing  = 0.2
	ProgressGenerating = 0.3
)

// ProgressFunc receives observability milestones.
type ProgressFunc func(fraction float64, message string)

// Target is the resolved backend for one job.
type Target struct {
	Model types.ModelDescriptor
	// BaseURL overrides Model.API, e.g. with the live port of a server.
	BaseURL string
}

func (t Target) baseURL() string {
	if t.BaseURL != "" {
		return t.BaseURL
	}
	return t.Model.API
}

// Result is what a backend produced.
type Result struct {
	Images []types.Image
	// Seed is the seed sent to the backend, generated when the job had none.
	Seed int64
	// Params are the effective generation parameters.
	Params map[string]any
	// Fallback is set when an edit or variation ran as plain generation.
	Fallback bool
	Warnings []string
}

// Executor runs one job against one transport.
type Executor interface {
	Execute(ctx context.Context, target Target, job types.Job, progress ProgressFunc) (Result, error)
}

// Config configures NewDispatcher.
type Config struct {
	// HTTPTimeout bounds one HTTP generation request.
	HTTPTimeout time.Duration
	// WorkDir is where CLI jobs get their scratch directories.
	WorkDir string
	Logger  zerolog.Logger
}

// Dispatcher routes jobs to the HTTP or CLI executor.
type Dispatcher struct {
	HTTP Executor
	CLI  Executor
	// Seeds generates a seed for jobs that did not pin one.
	Seeds func() int64
	log   zerolog.Logger
}

func NewDispatcher(cfg Config) *Dispatcher {
	return &Dispatcher{
		HTTP:  NewHTTPExecutor(cfg.HTTPTimeout, cfg.Logger),
		CLI:   NewCLIExecutor(cfg.WorkDir, cfg.Logger),
		Seeds: RandomSeed,
		log:   cfg.Logger.With().Str("component", "executor").Logger(),
	}
}

// RandomSeed draws a seed in the 32-bit range most diffusion backends accept.
func RandomSeed() int64 { return rand.Int64N(1 << 32) }

// Dispatch pins the seed and hands the job to the executor for the model's
// exec mode.
func (d *Dispatcher) Dispatch(ctx context.Context, target Target, job types.Job, progress ProgressFunc) (Result, error) {
	if progress == nil {
		progress = func(float64, string) {}
	}
	if !job.Type.Valid() {
		return Result{}, UnknownJobType(job.Type)
	}
	if job.Seed == nil {
		s := d.Seeds()
		job.Seed = &s
	}
	var ex Executor
	switch target.Model.ExecMode {
	case types.ExecServer, types.ExecAPI:
		ex = d.HTTP
	case types.ExecCLI:
		ex = d.CLI
	default:
		return Result{}, fmt.Errorf("model %s: unsupported exec mode %q", target.Model.ID, target.Model.ExecMode)
	}
	progress(ProgressPreparing, "Preparing request")
	transport := "http"
	if target.Model.ExecMode == types.ExecCLI {
		transport = "cli"
	}
	start := time.Now()
	res, err := ex.Execute(ctx, target, job, progress)
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	dispatchSeconds.WithLabelValues(transport, string(job.Type), outcome).Observe(time.Since(start).Seconds())
	if err != nil {
		return Result{}, err
	}
	res.Seed = *job.Seed
	if res.Fallback {
		d.log.Warn().Str("job", job.ID).Strs("warnings", res.Warnings).Msg("job ran on fallback path")
	}
	return res, nil
}

type unknownJobTypeError struct{ typ types.JobType }

func (e unknownJobTypeError) Error() string { return "Unknown job type: " + string(e.typ) }

// UnknownJobType builds the error for job types outside generate/edit/variation.
func UnknownJobType(t types.JobType) error { return unknownJobTypeError{typ: t} }

// IsUnknownJobType reports whether err came from an unsupported job type.
func IsUnknownJobType(err error) bool {
	var e unknownJobTypeError
	return errors.As(err, &e)
}

// transportError carries a backend failure verbatim.
type transportError struct {
	transport string
	status    int
	body      string
}

func (e transportError) Error() string {
	if e.transport == "cli" {
		return fmt.Sprintf("backend command exited with code %d: %s", e.status, e.body)
	}
	return fmt.Sprintf("backend returned status %d: %s", e.status, e.body)
}

// IsTransportError reports whether err is a non-2xx response or a failed
// backend command.
func IsTransportError(err error) bool {
	var e transportError
	return errors.As(err, &e)
}

// TransportStatus returns the HTTP status or exit code carried by err.
func TransportStatus(err error) (int, bool) {
	var e transportError
	if errors.As(err, &e) {
		return e.status, true
	}
	return 0, false
}

// ParseSize splits "WxH". An empty size yields zeros, meaning backend default.
func ParseSize(size string) (w, h int, err error) {
	size = strings.TrimSpace(strings.ToLower(size))
	if size == "" {
		return 0, 0, nil
	}
	ws, hs, ok := strings.Cut(size, "x")
	if !ok {
		return 0, 0, fmt.Errorf("invalid size %q: want WxH", size)
	}
	if w, err = strconv.Atoi(strings.TrimSpace(ws)); err != nil || w <= 0 {
		return 0, 0, fmt.Errorf("invalid size %q: bad width", size)
	}
	if h, err = strconv.Atoi(strings.TrimSpace(hs)); err != nil || h <= 0 {
		return 0, 0, fmt.Errorf("invalid size %q: bad height", size)
	}
	return w, h, nil
}

// mergeParams layers job fields over the descriptor's generation params.
func mergeParams(mdl types.ModelDescriptor, job types.Job) map[string]any {
	p := make(map[string]any, len(mdl.GenerationParams)+6)
	for k, v := range mdl.GenerationParams {
		p[k] = v
	}
	p["prompt"] = job.Prompt
	if job.NegativePrompt != "" {
		p["negative_prompt"] = job.NegativePrompt
	}
	if job.Size != "" {
		p["size"] = job.Size
	}
	if job.N > 0 {
		p["n"] = job.N
	}
	if job.Seed != nil {
		p["seed"] = *job.Seed
	}
	if job.Strength > 0 {
		p["strength"] = job.Strength
	}
	return p
}

// formatParam renders a parameter for form fields and CLI flags.
func formatParam(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32)
	default:
		return fmt.Sprint(x)
	}
}
