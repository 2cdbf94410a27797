package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"imgd/internal/app"
	"imgd/internal/config"
	"imgd/internal/httpapi"
	"imgd/internal/registry"
	"imgd/pkg/types"
)

// newStack wires the full daemon (registry, manager, store, scheduler, API)
// around the given models and serves it from an httptest server.
func newStack(t *testing.T, defaultModel string, models ...types.ModelDescriptor) (*httptest.Server, *app.App) {
	t.Helper()
	cfg := config.Config{
		DBPath:          ":memory:",
		WorkDir:         t.TempDir(),
		Broadcaster:     "memory",
		PortFloor:       39400,
		PortCeiling:     39450,
		QueueIntervalMS: 20,
		ReadyTimeoutMS:  15000,
	}
	cfg.Defaults()
	reg := registry.New(models, defaultModel, nil)
	a, err := app.NewWithRegistry(context.Background(), cfg, reg, zerolog.Nop())
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	a.Run(context.Background())
	srv := httptest.NewServer(httpapi.NewMux(a))
	t.Cleanup(func() {
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = a.Close(ctx)
	})
	return srv, a
}

func httpGet(t *testing.T, url string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, url, nil)
	if err != nil {
		t.Fatalf("new req: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do req: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	return resp, body
}

func httpPostJSON(t *testing.T, url string, payload []byte) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("new req: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do req: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	return resp, body
}

func enqueue(t *testing.T, base string, req types.EnqueueRequest) types.Job {
	t.Helper()
	b, _ := json.Marshal(req)
	resp, body := httpPostJSON(t, base+"/jobs", b)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("POST /jobs status=%d body=%s", resp.StatusCode, body)
	}
	var job types.Job
	if err := json.Unmarshal(body, &job); err != nil {
		t.Fatalf("decode job: %v", err)
	}
	return job
}

// waitTerminal polls GET /jobs/{id} until the job leaves the active states.
func waitTerminal(t *testing.T, base, id string, timeout time.Duration) types.Job {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		resp, body := httpGet(t, base+"/jobs/"+id)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("GET /jobs/%s status=%d body=%s", id, resp.StatusCode, body)
		}
		var job types.Job
		if err := json.Unmarshal(body, &job); err != nil {
			t.Fatalf("decode job: %v", err)
		}
		if job.Status.Terminal() {
			return job
		}
		if time.Now().After(deadline) {
			t.Fatalf("job %s still %s after %s", id, job.Status, timeout)
		}
		time.Sleep(25 * time.Millisecond)
	}
}
