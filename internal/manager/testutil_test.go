package manager

import (
	"context"
	"runtime"
	"testing"
	"time"

	"imgd/pkg/types"
)

type fakeModels map[string]types.ModelDescriptor

func (f fakeModels) GetModel(id string) (types.ModelDescriptor, bool) {
	m, ok := f[id]
	return m, ok
}

func shServer(id, script string) types.ModelDescriptor {
	return types.ModelDescriptor{ID: id, Name: id, ExecMode: types.ExecServer, Command: "/bin/sh", Args: []string{"-c", script}}
}

func newTestManager(t *testing.T, models fakeModels, floor, ceiling int) *Manager {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("process tests use /bin/sh")
	}
	m := NewWithConfig(ManagerConfig{
		Models:            models,
		PortFloor:         floor,
		PortCeiling:       ceiling,
		ReadyTimeout:      10 * time.Second,
		ReadyPollInterval: 50 * time.Millisecond,
		StopTimeout:       2 * time.Second,
		WaitDelay:         500 * time.Millisecond,
	})
	t.Cleanup(func() { _ = m.StopAll(context.Background()) })
	return m
}

// waitFor polls cond until it holds or d elapses.
func waitFor(t *testing.T, d time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", d)
}
