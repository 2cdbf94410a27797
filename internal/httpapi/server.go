package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"imgd/internal/jobs"
	"imgd/pkg/types"
)

// Service defines the methods required by the HTTP API layer.
type Service interface {
	ListModels() types.ModelsResponse
	ModelStatus(id string) (types.ModelStatusResponse, error)
	StartModel(ctx context.Context, id string) (types.ModelStatusResponse, error)
	StopModel(ctx context.Context, id string, force bool) (types.ModelStatusResponse, error)
	CleanupModels() types.CleanupResponse

	CurrentJob() (types.Job, bool)
	Enqueue(ctx context.Context, req types.EnqueueRequest) (types.Job, error)
	GetJob(ctx context.Context, id string) (types.Job, error)
	ListJobs(ctx context.Context, opts jobs.ListOptions) ([]types.Job, error)
	CancelJob(ctx context.Context, id string) (types.Job, error)
	GetGeneration(ctx context.Context, id string) (jobs.Generation, error)

	Ready() bool
}

// maxListLimit caps GET /jobs?limit=.
const maxListLimit = 500

func NewMux(svc Service) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger)
	r.Use(middleware.Recoverer)
	r.Use(MetricsMiddleware)
	if corsEnabled {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: corsAllowedOrigins,
			AllowedMethods: corsAllowedMethods,
			AllowedHeaders: corsAllowedHeaders,
			ExposedHeaders: []string{"X-Request-Id"},
			MaxAge:         300,
		}))
	}
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/models", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, svc.ListModels())
	})

	r.Post("/models/cleanup", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, svc.CleanupModels())
	})

	r.Get("/models/{id}", func(w http.ResponseWriter, r *http.Request) {
		st, err := svc.ModelStatus(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, st)
	})

	r.Post("/models/{id}/start", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := handlerContext(r)
		defer cancel()
		st, err := svc.StartModel(ctx, chi.URLParam(r, "id"))
		if err != nil {
			if ctx.Err() != nil && r.Context().Err() != nil {
				return
			}
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, st)
	})

	r.Post("/models/{id}/stop", func(w http.ResponseWriter, r *http.Request) {
		force := truthy(r.URL.Query().Get("force"))
		st, err := svc.StopModel(r.Context(), chi.URLParam(r, "id"), force)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, st)
	})

	r.Get("/queue/current", func(w http.ResponseWriter, r *http.Request) {
		var resp types.CurrentJobResponse
		if job, ok := svc.CurrentJob(); ok {
			resp.Job = &job
		}
		writeJSON(w, http.StatusOK, resp)
	})

	r.Post("/jobs", func(w http.ResponseWriter, r *http.Request) {
		ct := r.Header.Get("Content-Type")
		if ct == "" || !strings.HasPrefix(strings.ToLower(ct), "application/json") {
			writeJSONError(w, http.StatusUnsupportedMediaType, "Content-Type must be application/json")
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		var req types.EnqueueRequest
		dec := json.NewDecoder(r.Body)
		dec.DisallowUnknownFields()
		if err := dec.Decode(&req); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		job, err := svc.Enqueue(r.Context(), req)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, job)
	})

	r.Get("/jobs", func(w http.ResponseWriter, r *http.Request) {
		opts := jobs.ListOptions{Status: types.JobStatus(r.URL.Query().Get("status"))}
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				writeJSONError(w, http.StatusBadRequest, "limit must be a positive integer")
				return
			}
			opts.Limit = min(n, maxListLimit)
		}
		list, err := svc.ListJobs(r.Context(), opts)
		if err != nil {
			writeError(w, err)
			return
		}
		if list == nil {
			list = []types.Job{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"jobs": list})
	})

	r.Get("/jobs/{id}", func(w http.ResponseWriter, r *http.Request) {
		job, err := svc.GetJob(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, job)
	})

	r.Post("/jobs/{id}/cancel", func(w http.ResponseWriter, r *http.Request) {
		job, err := svc.CancelJob(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, job)
	})

	r.Get("/generations/{id}", func(w http.ResponseWriter, r *http.Request) {
		gen, err := svc.GetGeneration(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, gen)
	})

	r.Get("/generations/{id}/images/{idx}", func(w http.ResponseWriter, r *http.Request) {
		idx, err := strconv.Atoi(chi.URLParam(r, "idx"))
		if err != nil || idx < 0 {
			writeJSONError(w, http.StatusBadRequest, "invalid image index")
			return
		}
		gen, err := svc.GetGeneration(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, err)
			return
		}
		if idx >= len(gen.Images) {
			writeJSONError(w, http.StatusNotFound, "image not found")
			return
		}
		img := gen.Images[idx]
		w.Header().Set("Content-Type", img.ContentType)
		w.Header().Set("Content-Length", strconv.Itoa(len(img.Data)))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(img.Data)
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if svc.Ready() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("starting"))
	})

	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	return r
}

func truthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}
