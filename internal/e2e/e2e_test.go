package e2e

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"imgd/internal/broadcast"
	"imgd/internal/jobs"
	"imgd/internal/scheduler"
	"imgd/pkg/types"
)

var pngBytes = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDRe2e0")

// remoteImageAPI stands in for a hosted OpenAI-compatible image API.
func remoteImageAPI(t *testing.T, calls *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.Header.Get("Authorization") != "Bearer sk-e2e" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"bad key"}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":[{"b64_json":"` + base64.StdEncoding.EncodeToString(pngBytes) + `"}]}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestE2E_APIModelJobLifecycle(t *testing.T) {
	var calls atomic.Int32
	remote := remoteImageAPI(t, &calls)
	srv, a := newStack(t, "remote",
		types.ModelDescriptor{ID: "remote", ExecMode: types.ExecAPI, API: remote.URL, APIKey: "sk-e2e", Capabilities: []string{types.CapTextToImage}},
	)
	resp, body := httpGet(t, srv.URL+"/models")
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), `"remote"`) {
		t.Fatalf("GET /models: %d %s", resp.StatusCode, body)
	}

	job := enqueue(t, srv.URL, types.EnqueueRequest{Type: types.JobGenerate, Prompt: "a lighthouse at dusk", Size: "512x512"})
	done := waitTerminal(t, srv.URL, job.ID, 10*time.Second)
	if done.Status != types.JobCompleted || done.Progress != 1 || done.GenerationID == "" {
		t.Fatalf("job: %+v", done)
	}
	if calls.Load() != 1 {
		t.Fatalf("remote calls=%d", calls.Load())
	}

	resp, body = httpGet(t, srv.URL+"/generations/"+done.GenerationID)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET generation: %d %s", resp.StatusCode, body)
	}
	var gen jobs.Generation
	if err := json.Unmarshal(body, &gen); err != nil {
		t.Fatalf("decode generation: %v", err)
	}
	if gen.JobID != job.ID || gen.Model != "remote" || gen.Prompt != "a lighthouse at dusk" || len(gen.Images) != 1 {
		t.Fatalf("generation: %+v", gen)
	}

	resp, body = httpGet(t, srv.URL+"/generations/"+done.GenerationID+"/images/0")
	if resp.StatusCode != http.StatusOK || resp.Header.Get("Content-Type") != "image/png" || !bytes.Equal(body, pngBytes) {
		t.Fatalf("image: %d %q", resp.StatusCode, resp.Header.Get("Content-Type"))
	}

	resp, body = httpGet(t, srv.URL+"/jobs?status=completed")
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), job.ID) {
		t.Fatalf("list: %d %s", resp.StatusCode, body)
	}

	resp, _ = httpPostJSON(t, srv.URL+"/jobs/"+job.ID+"/cancel", nil)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("cancel of a completed job should conflict, got %d", resp.StatusCode)
	}
	mem, ok := a.Broadcast.(*broadcast.Memory)
	if !ok {
		t.Fatalf("memory broadcaster expected, got %T", a.Broadcast)
	}
	deadline := time.Now().Add(2 * time.Second)
	for len(mem.OfType(scheduler.EventJobCompleted)) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("no %s event published", scheduler.EventJobCompleted)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestE2E_RemoteErrorFailsJob(t *testing.T) {
	var calls atomic.Int32
	remote := remoteImageAPI(t, &calls)
	srv, _ := newStack(t, "remote",
		types.ModelDescriptor{ID: "remote", ExecMode: types.ExecAPI, API: remote.URL, APIKey: "sk-wrong"},
	)
	job := enqueue(t, srv.URL, types.EnqueueRequest{Type: types.JobGenerate, Prompt: "x"})
	done := waitTerminal(t, srv.URL, job.ID, 10*time.Second)
	if done.Status != types.JobFailed || !strings.Contains(done.Error, "bad key") {
		t.Fatalf("expected failure carrying remote body, got %+v", done)
	}
	resp, body := httpGet(t, srv.URL+"/queue/current")
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), `"job":null`) {
		t.Fatalf("scheduler should be idle: %s", body)
	}
}

func TestE2E_ValidationAndUnknownModel(t *testing.T) {
	srv, _ := newStack(t, "remote",
		types.ModelDescriptor{ID: "remote", ExecMode: types.ExecAPI, API: "http://127.0.0.1:1", APIKey: "k"},
	)
	resp, body := httpPostJSON(t, srv.URL+"/jobs", []byte(`{"type":"upscale","prompt":"x"}`))
	if resp.StatusCode != http.StatusBadRequest || !strings.Contains(string(body), "Unknown job type") {
		t.Fatalf("unknown type: %d %s", resp.StatusCode, body)
	}
	resp, _ = httpPostJSON(t, srv.URL+"/jobs", []byte(`{"type":"generate","prompt":"x","model":"ghost"}`))
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown model: %d", resp.StatusCode)
	}
	resp, _ = httpPostJSON(t, srv.URL+"/models/remote/stop", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stopping an api model is a no-op, got %d", resp.StatusCode)
	}
	resp, _ = httpGet(t, srv.URL+"/readyz")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("readyz: %d", resp.StatusCode)
	}
}
