package broadcast

import (
	"context"
	"sync"
)

// Memory keeps published events and fans them out to in-process
// subscribers. Slow subscribers miss events rather than block publishers.
type Memory struct {
	mu      sync.Mutex
	msgs    []Message
	subs    map[int]memorySub
	nextSub int
}

type memorySub struct {
	channel string
	ch      chan Message
}

func NewMemory() *Memory { return &Memory{subs: make(map[int]memorySub)} }

func (b *Memory) Publish(_ context.Context, channel, eventType string, payload any) error {
	msg, err := newMessage(channel, eventType, payload)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.msgs = append(b.msgs, msg)
	for _, s := range b.subs {
		if s.channel != "" && s.channel != channel {
			continue
		}
		select {
		case s.ch <- msg:
		default:
		}
	}
	return nil
}

// Subscribe receives events on channel, or on every channel when empty.
func (b *Memory) Subscribe(channel string) (<-chan Message, func()) {
	ch := make(chan Message, 32)
	b.mu.Lock()
	id := b.nextSub
	b.nextSub++
	b.subs[id] = memorySub{channel: channel, ch: ch}
	b.mu.Unlock()
	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if s, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(s.ch)
		}
	}
}

// Messages returns a copy of everything published so far.
func (b *Memory) Messages() []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Message, len(b.msgs))
	copy(out, b.msgs)
	return out
}

// OfType filters Messages by event type.
func (b *Memory) OfType(eventType string) []Message {
	var out []Message
	for _, m := range b.Messages() {
		if m.Type == eventType {
			out = append(out, m)
		}
	}
	return out
}

func (b *Memory) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, s := range b.subs {
		delete(b.subs, id)
		close(s.ch)
	}
	return nil
}
