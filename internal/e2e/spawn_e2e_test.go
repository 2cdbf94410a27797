//go:build integration

package e2e

import (
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"imgd/pkg/types"
)

// buildFakeServer compiles testdata/fake_image_server.go once per test.
func buildFakeServer(t *testing.T) string {
	t.Helper()
	bin := filepath.Join(t.TempDir(), "fake-image-server")
	cmd := exec.Command("go", "build", "-o", bin, "./testdata/fake_image_server.go")
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("build fake server: %v\n%s", err, out)
	}
	return bin
}

func serverModel(bin string, extra ...string) types.ModelDescriptor {
	return types.ModelDescriptor{
		ID:           "local-sd",
		ExecMode:     types.ExecServer,
		LoadMode:     types.LoadOnDemand,
		Command:      bin,
		Args:         append([]string{"--host", "127.0.0.1", "--port", "{port}"}, extra...),
		HealthPath:   "/health",
		Capabilities: []string{types.CapTextToImage},
	}
}

// TestSpawnMode_OnDemandServer starts a real server process for the first
// job, reuses it for the second and stops it through the API.
func TestSpawnMode_OnDemandServer(t *testing.T) {
	srv, a := newStack(t, "local-sd", serverModel(buildFakeServer(t)))

	first := enqueue(t, srv.URL, types.EnqueueRequest{Type: types.JobGenerate, Prompt: "a harbor", N: 2})
	done := waitTerminal(t, srv.URL, first.ID, 30*time.Second)
	if done.Status != types.JobCompleted {
		t.Fatalf("first job: %+v", done)
	}
	st := a.Manager.GetModelStatus("local-sd")
	if st.Status != types.ProcessRunning || st.PID == 0 || st.Port < 39400 || st.Port > 39450 {
		t.Fatalf("process status after first job: %+v", st)
	}

	second := enqueue(t, srv.URL, types.EnqueueRequest{Type: types.JobGenerate, Prompt: "a pier"})
	if done := waitTerminal(t, srv.URL, second.ID, 30*time.Second); done.Status != types.JobCompleted {
		t.Fatalf("second job: %+v", done)
	}
	if again := a.Manager.GetModelStatus("local-sd"); again.PID != st.PID {
		t.Fatalf("process should be reused: pid %d -> %d", st.PID, again.PID)
	}

	resp, body := httpPostJSON(t, srv.URL+"/models/local-sd/stop", nil)
	if resp.StatusCode != 200 || !strings.Contains(string(body), `"stopped"`) {
		t.Fatalf("stop: %d %s", resp.StatusCode, body)
	}
}

// TestSpawnMode_CrashFailsJob kills the backend mid-request and expects the
// job to fail with the exit reported.
func TestSpawnMode_CrashFailsJob(t *testing.T) {
	srv, a := newStack(t, "local-sd", serverModel(buildFakeServer(t), "--crash-after", "1"))

	job := enqueue(t, srv.URL, types.EnqueueRequest{Type: types.JobGenerate, Prompt: "boom"})
	done := waitTerminal(t, srv.URL, job.ID, 30*time.Second)
	if done.Status != types.JobFailed {
		t.Fatalf("expected failed job, got %+v", done)
	}
	if done.Error == "" {
		t.Fatalf("failure without error message")
	}
	if st := a.Manager.GetModelStatus("local-sd"); st.Status == types.ProcessRunning {
		t.Fatalf("crashed process still reported running: %+v", st)
	}

	deadline := time.Now().Add(5 * time.Second)
	for len(a.Manager.ListProcesses()) > 0 {
		if time.Now().After(deadline) {
			t.Fatalf("exited process never cleaned up: %+v", a.Manager.ListProcesses())
		}
		resp, body := httpPostJSON(t, srv.URL+"/models/cleanup", nil)
		if resp.StatusCode != 200 {
			t.Fatalf("cleanup: %d %s", resp.StatusCode, body)
		}
		time.Sleep(50 * time.Millisecond)
	}
}
