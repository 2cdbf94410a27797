package registry

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"imgd/pkg/types"
)

// StatusSource reports live process state for a model id. The process
// manager satisfies it.
type StatusSource interface {
	GetModelStatus(id string) types.ModelStatusResponse
}

// Registry holds the merged, normalized model descriptors.
type Registry struct {
	mu           sync.RWMutex
	models       map[string]types.ModelDescriptor
	order        []string
	defaultModel string
	typeDefaults map[string]string
	status       StatusSource
	log          zerolog.Logger
}

func newRegistry(logger zerolog.Logger) *Registry {
	return &Registry{
		models:       make(map[string]types.ModelDescriptor),
		typeDefaults: make(map[string]string),
		log:          logger,
	}
}

// New builds a registry from already-normalized descriptors. Used by tests and
// embedders that construct models in code.
func New(models []types.ModelDescriptor, defaultModel string, typeDefaults map[string]string) *Registry {
	r := newRegistry(zerolog.Nop())
	for _, m := range models {
		if _, ok := r.models[m.ID]; !ok {
			r.order = append(r.order, m.ID)
		}
		r.models[m.ID] = m
	}
	r.defaultModel = defaultModel
	for k, v := range typeDefaults {
		r.typeDefaults[strings.ToLower(k)] = v
	}
	return r
}

// SetStatusSource attaches the live status provider used by GetAllModels.
func (r *Registry) SetStatusSource(s StatusSource) {
	r.mu.Lock()
	r.status = s
	r.mu.Unlock()
}

// GetModel returns the descriptor for id.
func (r *Registry) GetModel(id string) (types.ModelDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.models[id]
	return m, ok
}

// Models returns all descriptors in load order.
func (r *Registry) Models() []types.ModelDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.ModelDescriptor, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.models[id])
	}
	return out
}

// GetAllModels returns every model with its live process status.
func (r *Registry) GetAllModels() []types.ModelView {
	models := r.Models()
	r.mu.RLock()
	src := r.status
	r.mu.RUnlock()
	out := make([]types.ModelView, 0, len(models))
	for _, m := range models {
		v := types.ModelView{ModelDescriptor: m, Status: types.ProcessStopped}
		if src != nil {
			st := src.GetModelStatus(m.ID)
			v.Status = st.Status
			v.PID = st.PID
			v.LivePort = st.Port
		}
		out = append(out, v)
	}
	return out
}

// GetDefaultModel returns the first model flagged default, else the global
// default_model setting. Empty when neither is configured.
func (r *Registry) GetDefaultModel() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, id := range r.order {
		if r.models[id].Default {
			return id
		}
	}
	return r.defaultModel
}

// GetDefaultModelForType returns the per-type default, falling back to the
// global default.
func (r *Registry) GetDefaultModelForType(jobType types.JobType) string {
	r.mu.RLock()
	id := r.typeDefaults[strings.ToLower(string(jobType))]
	r.mu.RUnlock()
	if id != "" {
		return id
	}
	return r.GetDefaultModel()
}

// TypeDefaults returns a copy of the per-type default map.
func (r *Registry) TypeDefaults() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]string, len(r.typeDefaults))
	for k, v := range r.typeDefaults {
		out[k] = v
	}
	return out
}

// Preloads returns models configured with load mode preload.
func (r *Registry) Preloads() []types.ModelDescriptor {
	var out []types.ModelDescriptor
	for _, m := range r.Models() {
		if m.LoadMode == types.LoadPreload {
			out = append(out, m)
		}
	}
	return out
}

// ErrNoModel is returned by Resolve when the job names no model and no
// default is configured.
var ErrNoModel = errors.New("no model specified and no default model configured")

type modelNotFoundError struct{ id string }

func (e modelNotFoundError) Error() string { return "model not found: " + e.id }

// IsModelNotFound reports whether err indicates an unknown model id.
func IsModelNotFound(err error) bool {
	var e modelNotFoundError
	return errors.As(err, &e)
}

// Resolve picks the model for a job: the explicit model, else the per-type
// default, else the global default.
func (r *Registry) Resolve(job types.Job) (types.ModelDescriptor, error) {
	id := strings.TrimSpace(job.Model)
	if id == "" {
		id = r.GetDefaultModelForType(job.Type)
	}
	if id == "" {
		return types.ModelDescriptor{}, ErrNoModel
	}
	m, ok := r.GetModel(id)
	if !ok {
		return types.ModelDescriptor{}, fmt.Errorf("resolve job %s: %w", job.ID, modelNotFoundError{id: id})
	}
	return m, nil
}
