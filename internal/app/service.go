package app

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"imgd/internal/executor"
	"imgd/internal/httpapi"
	"imgd/internal/jobs"
	"imgd/internal/manager"
	"imgd/pkg/types"
)

var _ httpapi.Service = (*App)(nil)

// maxImagesPerJob caps EnqueueRequest.N.
const maxImagesPerJob = 10

// badRequestError carries a 400 status to the HTTP layer.
type badRequestError struct{ msg string }

func (e badRequestError) Error() string   { return e.msg }
func (e badRequestError) StatusCode() int { return http.StatusBadRequest }

func badRequest(format string, args ...any) error {
	return badRequestError{msg: fmt.Sprintf(format, args...)}
}

func (a *App) ListModels() types.ModelsResponse {
	return types.ModelsResponse{
		Models:       a.Registry.GetAllModels(),
		DefaultModel: a.Registry.GetDefaultModel(),
		TypeDefaults: a.Registry.TypeDefaults(),
	}
}

func (a *App) ModelStatus(id string) (types.ModelStatusResponse, error) {
	if _, ok := a.Registry.GetModel(id); !ok {
		return types.ModelStatusResponse{}, manager.ErrModelNotFound(id)
	}
	return a.Manager.GetModelStatus(id), nil
}

func (a *App) StartModel(ctx context.Context, id string) (types.ModelStatusResponse, error) {
	return a.Manager.StartModel(ctx, id, manager.StartOptions{})
}

func (a *App) StopModel(ctx context.Context, id string, force bool) (types.ModelStatusResponse, error) {
	if _, ok := a.Registry.GetModel(id); !ok {
		return types.ModelStatusResponse{}, manager.ErrModelNotFound(id)
	}
	if err := a.Manager.StopModel(ctx, id, manager.StopOptions{Force: force}); err != nil {
		return types.ModelStatusResponse{}, err
	}
	return a.Manager.GetModelStatus(id), nil
}

// CleanupModels drops process records for backends that exited on their own.
func (a *App) CleanupModels() types.CleanupResponse {
	return types.CleanupResponse{Removed: a.Manager.CleanupZombies()}
}

func (a *App) CurrentJob() (types.Job, bool) { return a.Scheduler.GetCurrentJob() }

// Enqueue validates req and queues it. Unknown types are rejected here; the
// scheduler still fails any that reach the queue by other means.
func (a *App) Enqueue(ctx context.Context, req types.EnqueueRequest) (types.Job, error) {
	if err := a.validate(req); err != nil {
		return types.Job{}, err
	}
	return a.Jobs.Enqueue(ctx, types.Job{
		Type:           req.Type,
		Model:          strings.TrimSpace(req.Model),
		Prompt:         strings.TrimSpace(req.Prompt),
		NegativePrompt: req.NegativePrompt,
		Size:           req.Size,
		Seed:           req.Seed,
		N:              req.N,
		InputImagePath: req.InputImagePath,
		MaskImagePath:  req.MaskImagePath,
		Strength:       req.Strength,
	})
}

func (a *App) validate(req types.EnqueueRequest) error {
	if !req.Type.Valid() {
		return badRequest("%s", executor.UnknownJobType(req.Type).Error())
	}
	if req.Type != types.JobVariation && strings.TrimSpace(req.Prompt) == "" {
		return badRequest("prompt is required for %s jobs", req.Type)
	}
	if req.Type != types.JobGenerate && req.InputImagePath == "" {
		return badRequest("input_image_path is required for %s jobs", req.Type)
	}
	if _, _, err := executor.ParseSize(req.Size); err != nil {
		return badRequest("%v", err)
	}
	if req.N < 0 || req.N > maxImagesPerJob {
		return badRequest("n must be between 1 and %d", maxImagesPerJob)
	}
	if req.Strength < 0 || req.Strength > 1 {
		return badRequest("strength must be within [0, 1]")
	}
	if id := strings.TrimSpace(req.Model); id != "" {
		if _, ok := a.Registry.GetModel(id); !ok {
			return manager.ErrModelNotFound(id)
		}
	}
	return nil
}

func (a *App) GetJob(ctx context.Context, id string) (types.Job, error) {
	return a.Jobs.Get(ctx, id)
}

func (a *App) ListJobs(ctx context.Context, opts jobs.ListOptions) ([]types.Job, error) {
	return a.Jobs.List(ctx, opts)
}

func (a *App) CancelJob(ctx context.Context, id string) (types.Job, error) {
	return a.Scheduler.Cancel(ctx, id)
}

func (a *App) GetGeneration(ctx context.Context, id string) (jobs.Generation, error) {
	return a.Jobs.GetGeneration(ctx, id)
}
