package app

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"imgd/internal/config"
	"imgd/internal/httpapi"
	"imgd/internal/manager"
	"imgd/internal/registry"
	"imgd/pkg/types"
)

var pngBytes = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR0000")

func imageServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":[{"b64_json":"` + base64.StdEncoding.EncodeToString(pngBytes) + `"}]}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestApp(t *testing.T, api string) *App {
	t.Helper()
	cfg := config.Config{
		DBPath:          ":memory:",
		WorkDir:         t.TempDir(),
		Broadcaster:     "memory",
		PortFloor:       39300,
		PortCeiling:     39350,
		QueueIntervalMS: 20,
	}
	cfg.Defaults()
	reg := registry.New([]types.ModelDescriptor{
		{ID: "remote", ExecMode: types.ExecAPI, API: api, Capabilities: []string{types.CapTextToImage}},
	}, "remote", nil)
	a, err := NewWithRegistry(context.Background(), cfg, reg, zerolog.Nop())
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	t.Cleanup(func() { _ = a.Close(context.Background()) })
	return a
}

func TestEnqueueValidation(t *testing.T) {
	a := newTestApp(t, "http://127.0.0.1:1")
	ctx := context.Background()
	neg := -1.0
	cases := []struct {
		name string
		req  types.EnqueueRequest
		want string
	}{
		{"unknown type", types.EnqueueRequest{Type: "upscale", Prompt: "x"}, "Unknown job type: upscale"},
		{"missing prompt", types.EnqueueRequest{Type: types.JobGenerate, Prompt: "  "}, "prompt is required"},
		{"edit without input", types.EnqueueRequest{Type: types.JobEdit, Prompt: "x"}, "input_image_path is required"},
		{"bad size", types.EnqueueRequest{Type: types.JobGenerate, Prompt: "x", Size: "big"}, "size"},
		{"too many images", types.EnqueueRequest{Type: types.JobGenerate, Prompt: "x", N: 11}, "n must be between"},
		{"bad strength", types.EnqueueRequest{Type: types.JobGenerate, Prompt: "x", Strength: neg}, "strength"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := a.Enqueue(ctx, c.req)
			if err == nil || !strings.Contains(err.Error(), c.want) {
				t.Fatalf("expected %q, got %v", c.want, err)
			}
			var he httpapi.HTTPError
			if he, _ = err.(httpapi.HTTPError); he == nil || he.StatusCode() != http.StatusBadRequest {
				t.Fatalf("expected a 400 error, got %T", err)
			}
		})
	}

	_, err := a.Enqueue(ctx, types.EnqueueRequest{Type: types.JobGenerate, Prompt: "x", Model: "ghost"})
	if !manager.IsModelNotFound(err) {
		t.Fatalf("unknown model should be not found, got %v", err)
	}
	if _, err := a.Enqueue(ctx, types.EnqueueRequest{Type: types.JobVariation, InputImagePath: "/tmp/in.png"}); err != nil {
		t.Fatalf("variation without prompt should be accepted: %v", err)
	}
}

func TestModelStatusAndStopUnknown(t *testing.T) {
	a := newTestApp(t, "http://127.0.0.1:1")
	if _, err := a.ModelStatus("ghost"); !manager.IsModelNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := a.StopModel(context.Background(), "ghost", false); !manager.IsModelNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
	resp := a.ListModels()
	if len(resp.Models) != 1 || resp.DefaultModel != "remote" {
		t.Fatalf("models: %+v", resp)
	}
	if n := a.CleanupModels().Removed; n != 0 {
		t.Fatalf("cleanup on idle app removed %d", n)
	}
}

func TestRunProcessesQueuedJobs(t *testing.T) {
	srv := imageServer(t)
	a := newTestApp(t, srv.URL)
	ctx := context.Background()
	if a.Ready() {
		t.Fatalf("ready before Run")
	}
	job, err := a.Enqueue(ctx, types.EnqueueRequest{Type: types.JobGenerate, Prompt: "a lighthouse"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if job.Status != types.JobPending {
		t.Fatalf("status %s", job.Status)
	}
	a.Run(ctx)
	if !a.Ready() {
		t.Fatalf("not ready after Run")
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		got, err := a.GetJob(ctx, job.ID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.Status == types.JobCompleted {
			gen, err := a.GetGeneration(ctx, got.GenerationID)
			if err != nil {
				t.Fatalf("generation: %v", err)
			}
			if gen.Model != "remote" || len(gen.Images) != 1 || gen.Images[0].ContentType != "image/png" {
				t.Fatalf("generation: %+v", gen)
			}
			break
		}
		if got.Status.Terminal() {
			t.Fatalf("job ended %s: %s", got.Status, got.Error)
		}
		if time.Now().After(deadline) {
			t.Fatalf("job stuck in %s", got.Status)
		}
		time.Sleep(20 * time.Millisecond)
	}

	if err := a.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	if a.Ready() {
		t.Fatalf("still ready after Close")
	}
}

func TestCancelPendingJob(t *testing.T) {
	a := newTestApp(t, "http://127.0.0.1:1")
	ctx := context.Background()
	job, err := a.Enqueue(ctx, types.EnqueueRequest{Type: types.JobGenerate, Prompt: "x"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	got, err := a.CancelJob(ctx, job.ID)
	if err != nil || got.Status != types.JobCancelled {
		t.Fatalf("cancel: %+v %v", got, err)
	}
	if _, ok := a.CurrentJob(); ok {
		t.Fatalf("no job should be running")
	}
}
