package manager

import (
	"imgd/pkg/types"
)

// GetModelStatus returns a snapshot of the process for id. Unknown ids and
// models without a process report stopped.
func (m *Manager) GetModelStatus(id string) types.ModelStatusResponse {
	e := m.entry(id)
	if e == nil {
		resp := types.ModelStatusResponse{ModelID: id, Status: types.ProcessStopped}
		if mdl, ok := m.lookup(id); ok {
			resp.ExecMode = mdl.ExecMode
		}
		return resp
	}
	return e.snapshot()
}

// ListProcesses returns snapshots of every known entry ordered by model id.
func (m *Manager) ListProcesses() []types.ModelStatusResponse {
	es := m.entries()
	out := make([]types.ModelStatusResponse, 0, len(es))
	for _, e := range es {
		out = append(out, e.snapshot())
	}
	return out
}

// IsRunning reports whether id has a live process that is starting or running.
func (m *Manager) IsRunning(id string) bool {
	e := m.entry(id)
	return e != nil && e.alive()
}
