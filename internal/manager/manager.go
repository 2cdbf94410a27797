package manager

import (
	"sort"
	"sync"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
)

// Manager owns every supervised backend process. Construct it with
// NewWithConfig and share the pointer; there is no package-level instance.
type Manager struct {
	cfg    ManagerConfig
	models ModelSource
	ports  *PortAllocator

	mu    sync.RWMutex
	procs map[string]*ProcessEntry

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	subsMu  sync.Mutex
	subs    map[int]chan ProcessEvent
	nextSub int

	publisher EventPublisher
	log       zerolog.Logger
	health    *resty.Client
}

// SetEventPublisher replaces the lifecycle event sink; nil restores the no-op.
func (m *Manager) SetEventPublisher(p EventPublisher) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p == nil {
		p = noopPublisher{}
	}
	m.publisher = p
}

// Ports exposes the allocator, mainly for status reporting and tests.
func (m *Manager) Ports() *PortAllocator { return m.ports }

// lockModel serializes start and stop for one model id.
func (m *Manager) lockModel(id string) func() {
	m.locksMu.Lock()
	l, ok := m.locks[id]
	if !ok {
		l = &sync.Mutex{}
		m.locks[id] = l
	}
	m.locksMu.Unlock()
	l.Lock()
	return l.Unlock
}

func (m *Manager) entry(id string) *ProcessEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.procs[id]
}

func (m *Manager) setEntry(e *ProcessEntry) {
	m.mu.Lock()
	m.procs[e.ModelID] = e
	m.mu.Unlock()
}

// removeEntry deletes the table entry only if it is still e, so a late exit
// handler never removes a newer process for the same id.
func (m *Manager) removeEntry(e *ProcessEntry) {
	m.mu.Lock()
	if cur, ok := m.procs[e.ModelID]; ok && cur == e {
		delete(m.procs, e.ModelID)
	}
	m.mu.Unlock()
}

func (m *Manager) entries() []*ProcessEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.procs))
	for id := range m.procs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]*ProcessEntry, 0, len(ids))
	for _, id := range ids {
		out = append(out, m.procs[id])
	}
	return out
}

func (m *Manager) publish(name, modelID string, fields map[string]any) {
	m.mu.RLock()
	p := m.publisher
	m.mu.RUnlock()
	p.Publish(Event{Name: name, ModelID: modelID, Fields: fields})
}
