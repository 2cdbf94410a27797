package manager

// Event represents a manager lifecycle event.
// Minimal and stable: name + model ID and optional fields via key/values.
type Event struct {
	Name    string
	ModelID string
	Fields  map[string]any
}

// EventPublisher receives events from the manager. Implementations should be
// lightweight and non-blocking; Publish must not panic.
type EventPublisher interface {
	Publish(Event)
}

// noopPublisher is the default; it drops events.
type noopPublisher struct{}

func (noopPublisher) Publish(Event) {}

// ProcessEventKind distinguishes exit from spawn/runtime errors.
type ProcessEventKind string

const (
	ProcessExited ProcessEventKind = "exit"
	ProcessFailed ProcessEventKind = "error"
)

// ProcessEvent is delivered to subscribers whenever a managed process exits
// or fails. Requested is true when the exit followed a stop request.
type ProcessEvent struct {
	Kind      ProcessEventKind
	ModelID   string
	PID       int
	ExitCode  int
	Signal    string
	Err       error
	Requested bool
}

// subscriberBuffer bounds each subscriber channel; events beyond it are dropped
// with a warning.
const subscriberBuffer = 64

// Subscribe registers an observer for process exit/error events. The returned
// func unsubscribes and closes the channel.
func (m *Manager) Subscribe() (<-chan ProcessEvent, func()) {
	ch := make(chan ProcessEvent, subscriberBuffer)
	m.subsMu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = ch
	m.subsMu.Unlock()
	return ch, func() {
		m.subsMu.Lock()
		defer m.subsMu.Unlock()
		if c, ok := m.subs[id]; ok {
			delete(m.subs, id)
			close(c)
		}
	}
}

func (m *Manager) notify(ev ProcessEvent) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for _, ch := range m.subs {
		select {
		case ch <- ev:
		default:
			m.log.Warn().Str("model", ev.ModelID).Str("kind", string(ev.Kind)).Msg("process event dropped: subscriber full")
		}
	}
}
