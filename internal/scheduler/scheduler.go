package scheduler

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"imgd/internal/broadcast"
	"imgd/internal/executor"
	"imgd/internal/jobs"
	"imgd/internal/manager"
	"imgd/pkg/types"
)

// DefaultInterval is the poll interval used when Start gets zero.
const DefaultInterval = time.Second

// Progress milestones written by the scheduler itself.
const (
	ProgressSavingRecord = 0.8
	ProgressSavingImages = 0.9
	ProgressDone         = 1.0
)

// Conflict policies applied before a CLI job runs.
const (
	PolicyStopAll = "stop_all"
	PolicyNone    = "none"
)

// Event types published on broadcast.ChannelQueue.
const (
	EventJobCompleted = "job_completed"
	EventJobFailed    = "job_failed"
	EventJobCancelled = "job_cancelled"
)

// finalizeTimeout bounds the store writes that finish a job, which run even
// after the dispatch context was cancelled.
const finalizeTimeout = 10 * time.Second

// Resolver picks the model for a job.
type Resolver interface {
	Resolve(job types.Job) (types.ModelDescriptor, error)
}

// ModelManager is the part of the process manager the scheduler needs.
type ModelManager interface {
	EnsureReady(ctx context.Context, id string, progress manager.ProgressFunc) (types.ModelStatusResponse, error)
	IsRunning(id string) bool
	StopAll(ctx context.Context) error
	Subscribe() (<-chan manager.ProcessEvent, func())
}

// Dispatcher runs a prepared job against its backend.
type Dispatcher interface {
	Dispatch(ctx context.Context, target executor.Target, job types.Job, progress executor.ProgressFunc) (executor.Result, error)
}

// Config wires a Scheduler. Store, Generations, Models, Manager and
// Dispatcher are required.
type Config struct {
	Store       jobs.Store
	Generations jobs.GenerationStore
	Models      Resolver
	Manager     ModelManager
	Dispatcher  Dispatcher
	Broadcaster broadcast.Broadcaster
	// CLIConflictPolicy is PolicyStopAll (default) or PolicyNone.
	CLIConflictPolicy string
	// Host is used to build base URLs for servers without a configured api.
	Host   string
	Logger zerolog.Logger
}

// Scheduler processes at most one job at a time.
type Scheduler struct {
	cfg   Config
	store jobs.Store
	gens  jobs.GenerationStore
	bc    broadcast.Broadcaster
	log   zerolog.Logger

	mu      sync.Mutex
	busy    bool
	current *run

	loopMu  sync.Mutex
	stopCh  chan struct{}
	loopWG  sync.WaitGroup
	unsub   func()
	obsDone chan struct{}
	closed  sync.Once
}

// run is the in-memory state of the job being processed.
type run struct {
	mu      sync.Mutex
	job     types.Job
	modelID string // set once the backing server is ready
	cancel  context.CancelFunc
	started time.Time

	finalized atomic.Bool
}

// finalize claims the right to write the job's terminal state. Only the first
// caller wins.
func (r *run) finalize() bool { return r.finalized.CompareAndSwap(false, true) }

func (r *run) watching() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.modelID
}

func (r *run) snapshot() types.Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.job
}

func (r *run) setState(status types.JobStatus, fraction float64, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if status != "" {
		r.job.Status = status
	}
	if fraction >= 0 {
		r.job.Progress = fraction
	}
	if message != "" {
		r.job.ProgressMessage = message
	}
}

// New builds a Scheduler and subscribes it to process exit events.
func New(cfg Config) *Scheduler {
	if cfg.CLIConflictPolicy == "" {
		cfg.CLIConflictPolicy = PolicyStopAll
	}
	if cfg.Host == "" {
		cfg.Host = manager.DefaultHost
	}
	if cfg.Broadcaster == nil {
		cfg.Broadcaster = broadcast.Nop{}
	}
	s := &Scheduler{
		cfg:     cfg,
		store:   cfg.Store,
		gens:    cfg.Generations,
		bc:      cfg.Broadcaster,
		log:     cfg.Logger.With().Str("component", "scheduler").Logger(),
		obsDone: make(chan struct{}),
	}
	events, unsub := cfg.Manager.Subscribe()
	s.unsub = unsub
	go s.observe(events)
	return s
}

// Start runs Tick every interval until Stop. Calling Start twice is a no-op.
func (s *Scheduler) Start(interval time.Duration) {
	if interval <= 0 {
		interval = DefaultInterval
	}
	s.loopMu.Lock()
	defer s.loopMu.Unlock()
	if s.stopCh != nil {
		return
	}
	stop := make(chan struct{})
	s.stopCh = stop
	s.loopWG.Add(1)
	go func() {
		defer s.loopWG.Done()
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go func() {
			<-stop
			cancel()
		}()
		t := time.NewTicker(interval)
		defer t.Stop()
		s.log.Info().Dur("interval", interval).Msg("scheduler started")
		for {
			select {
			case <-stop:
				return
			case <-t.C:
				s.Tick(ctx)
			}
		}
	}()
}

// Stop ends the poll loop, waits for the in-flight cycle and detaches from
// process events. The scheduler cannot be restarted afterwards.
func (s *Scheduler) Stop() {
	s.loopMu.Lock()
	if s.stopCh != nil {
		close(s.stopCh)
		s.stopCh = nil
	}
	s.loopMu.Unlock()
	s.loopWG.Wait()
	s.closed.Do(func() {
		s.unsub()
		<-s.obsDone
	})
	s.log.Info().Msg("scheduler stopped")
}

// GetCurrentJob returns the job being processed, if any.
func (s *Scheduler) GetCurrentJob() (types.Job, bool) {
	s.mu.Lock()
	r := s.current
	s.mu.Unlock()
	if r == nil {
		return types.Job{}, false
	}
	return r.snapshot(), true
}

// Busy reports whether a cycle is in flight.
func (s *Scheduler) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.busy
}

// Cancel marks id cancelled. A job already being processed keeps running
// but its outcome is discarded.
func (s *Scheduler) Cancel(ctx context.Context, id string) (types.Job, error) {
	job, err := s.store.Cancel(ctx, id)
	if err != nil {
		return types.Job{}, err
	}
	s.mu.Lock()
	r := s.current
	s.mu.Unlock()
	if r != nil && r.snapshot().ID == id && r.finalize() {
		r.setState(types.JobCancelled, -1, "")
		observeJob("cancelled", time.Since(r.started).Seconds())
	}
	s.publish(EventJobCancelled, map[string]any{"job_id": id})
	s.log.Info().Str("job", id).Msg("job cancelled")
	return job, nil
}

// Tick runs one poll cycle. It returns false without doing anything when a
// cycle is already in flight or the queue is empty.
func (s *Scheduler) Tick(ctx context.Context) bool {
	s.mu.Lock()
	if s.busy {
		s.mu.Unlock()
		return false
	}
	s.busy = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.busy = false
		s.current = nil
		s.mu.Unlock()
	}()

	job, ok, err := s.store.ClaimNextPending(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("claim next job failed")
		return false
	}
	if !ok {
		return false
	}
	s.process(ctx, job)
	return true
}

func (s *Scheduler) process(parent context.Context, job types.Job) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	r := &run{job: job, cancel: cancel, started: time.Now()}
	s.mu.Lock()
	s.current = r
	s.mu.Unlock()
	log := s.log.With().Str("job", job.ID).Str("type", string(job.Type)).Logger()
	log.Info().Msg("job claimed")

	if !job.Type.Valid() {
		s.fail(r, executor.UnknownJobType(job.Type))
		return
	}
	mdl, err := s.cfg.Models.Resolve(job)
	if err != nil {
		s.fail(r, err)
		return
	}
	job.Model = mdl.ID
	r.mu.Lock()
	r.job.Model = mdl.ID
	r.mu.Unlock()
	log = log.With().Str("model", mdl.ID).Str("exec_mode", string(mdl.ExecMode)).Logger()

	target := executor.Target{Model: mdl}
	switch mdl.ExecMode {
	case types.ExecServer:
		st, err := s.cfg.Manager.EnsureReady(ctx, mdl.ID, func(f float64, msg string) {
			s.progress(ctx, r, f, msg)
		})
		if err != nil {
			s.fail(r, fmt.Errorf("start model %s: %w", mdl.ID, err))
			return
		}
		if (mdl.API == "" || mdl.APIDerived) && st.Port > 0 {
			target.BaseURL = fmt.Sprintf("http://%s:%d/v1", s.cfg.Host, st.Port)
		}
		r.mu.Lock()
		r.modelID = mdl.ID
		r.mu.Unlock()
		// An exit between readiness and the watch above produced no event for us.
		if !s.cfg.Manager.IsRunning(mdl.ID) {
			s.fail(r, fmt.Errorf("model %s stopped before the job could run", mdl.ID))
			return
		}
	case types.ExecCLI:
		if s.cfg.CLIConflictPolicy == PolicyStopAll {
			if err := s.cfg.Manager.StopAll(ctx); err != nil {
				log.Warn().Err(err).Msg("stopping running models before cli job failed")
			}
		}
	}

	if err := s.store.UpdateStatus(ctx, job.ID, types.JobProcessing, jobs.Update{}); err != nil {
		if jobs.IsJobFinished(err) {
			log.Info().Msg("job finished before processing started")
			return
		}
		s.fail(r, err)
		return
	}
	r.setState(types.JobProcessing, -1, "")

	res, err := s.cfg.Dispatcher.Dispatch(ctx, target, job, func(f float64, msg string) {
		s.progress(ctx, r, f, msg)
	})
	if err != nil {
		s.fail(r, err)
		return
	}
	s.complete(r, job, res)
}

// progress records a milestone. Failures are logged and never abort the job.
func (s *Scheduler) progress(ctx context.Context, r *run, fraction float64, message string) {
	if r.finalized.Load() {
		return
	}
	job := r.snapshot()
	var err error
	if job.Status == types.JobModelLoading {
		err = s.store.UpdateStatus(ctx, job.ID, types.JobModelLoading, jobs.Progress(fraction, message))
	} else {
		err = s.store.UpdateProgress(ctx, job.ID, fraction, message)
	}
	if err != nil && !jobs.IsJobFinished(err) {
		s.log.Warn().Err(err).Str("job", job.ID).Msg("progress update failed")
	}
	r.setState("", fraction, message)
}

func (s *Scheduler) complete(r *run, job types.Job, res executor.Result) {
	if !r.finalize() {
		return
	}
	ctx, cancel := contextForFinalize()
	defer cancel()
	writeProgress := func(f float64, msg string) {
		if err := s.store.UpdateProgress(ctx, job.ID, f, msg); err != nil && !jobs.IsJobFinished(err) {
			s.log.Warn().Err(err).Str("job", job.ID).Msg("progress update failed")
		}
		r.setState("", f, msg)
	}

	writeProgress(ProgressSavingRecord, "Saving record")
	genID, err := s.gens.CreateGeneration(ctx, jobs.Generation{
		JobID:          job.ID,
		Type:           job.Type,
		Model:          job.Model,
		Prompt:         job.Prompt,
		NegativePrompt: job.NegativePrompt,
		Size:           job.Size,
		Seed:           res.Seed,
		Params:         res.Params,
		Warnings:       res.Warnings,
	})
	if err != nil {
		s.writeFailure(ctx, r, fmt.Errorf("save generation: %w", err))
		return
	}
	writeProgress(ProgressSavingImages, "Saving images")
	if err := s.gens.AddImages(ctx, genID, res.Images); err != nil {
		s.writeFailure(ctx, r, fmt.Errorf("save images: %w", err))
		return
	}

	msg := "Completed"
	if res.Fallback {
		msg = "Completed with fallback: " + strings.Join(res.Warnings, "; ")
	}
	done := ProgressDone
	err = s.store.UpdateStatus(ctx, job.ID, types.JobCompleted, jobs.Update{Progress: &done, Message: &msg, GenerationID: genID})
	if jobs.IsJobFinished(err) {
		s.log.Info().Str("job", job.ID).Msg("job was cancelled while processing; result kept as generation only")
		observeJob("cancelled", time.Since(r.started).Seconds())
		return
	}
	if err != nil {
		s.log.Error().Err(err).Str("job", job.ID).Msg("mark job completed failed")
		return
	}
	r.setState(types.JobCompleted, done, msg)
	observeJob("completed", time.Since(r.started).Seconds())
	s.log.Info().Str("job", job.ID).Str("generation", genID).Int("images", len(res.Images)).Bool("fallback", res.Fallback).Msg("job completed")
	s.publish(EventJobCompleted, map[string]any{
		"job_id":        job.ID,
		"model":         job.Model,
		"generation_id": genID,
		"seed":          res.Seed,
		"images":        len(res.Images),
		"fallback":      res.Fallback,
		"warnings":      res.Warnings,
	})
}

// fail finalizes r as FAILED unless another path already finalized it.
func (s *Scheduler) fail(r *run, cause error) {
	if !r.finalize() {
		return
	}
	ctx, cancel := contextForFinalize()
	defer cancel()
	s.writeFailure(ctx, r, cause)
}

func (s *Scheduler) writeFailure(ctx context.Context, r *run, cause error) {
	job := r.snapshot()
	err := s.store.UpdateStatus(ctx, job.ID, types.JobFailed, jobs.Update{Error: cause.Error()})
	if jobs.IsJobFinished(err) {
		observeJob("cancelled", time.Since(r.started).Seconds())
		return
	}
	if err != nil {
		s.log.Error().Err(err).Str("job", job.ID).Msg("mark job failed failed")
	}
	r.mu.Lock()
	r.job.Status = types.JobFailed
	r.job.Error = cause.Error()
	r.mu.Unlock()
	observeJob("failed", time.Since(r.started).Seconds())
	s.log.Warn().Err(cause).Str("job", job.ID).Msg("job failed")
	s.publish(EventJobFailed, map[string]any{
		"job_id": job.ID,
		"model":  job.Model,
		"error":  cause.Error(),
	})
}

func contextForFinalize() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), finalizeTimeout)
}

func (s *Scheduler) publish(eventType string, payload map[string]any) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.bc.Publish(ctx, broadcast.ChannelQueue, eventType, payload); err != nil {
		s.log.Warn().Err(err).Str("event", eventType).Msg("publish queue event failed")
	}
}
