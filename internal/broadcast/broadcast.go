// Package broadcast publishes job and model lifecycle events to external
// subscribers. Backends: in-memory, zerolog, Redis pub/sub and NATS.
package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Well-known channels.
const (
	ChannelQueue  = "queue"
	ChannelModels = "models"
)

// subjectPrefix namespaces channels on shared brokers.
const subjectPrefix = "imgd."

// Broadcaster publishes an event of eventType on channel. Implementations
// must not block for long; failures are returned but callers treat them as
// best effort.
type Broadcaster interface {
	Publish(ctx context.Context, channel, eventType string, payload any) error
	Close() error
}

// Message is the wire envelope used by the broker backends.
type Message struct {
	Channel string          `json:"channel"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Time    time.Time       `json:"time"`
}

func newMessage(channel, eventType string, payload any) (Message, error) {
	msg := Message{Channel: channel, Type: eventType, Time: time.Now().UTC()}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Message{}, fmt.Errorf("encode %s payload: %w", eventType, err)
		}
		msg.Payload = raw
	}
	return msg, nil
}

// ParseMessage decodes a wire envelope.
func ParseMessage(raw []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(raw, &m); err != nil {
		return Message{}, err
	}
	if m.Type == "" {
		return Message{}, errors.New("broadcast message without type")
	}
	return m, nil
}

// Options selects and configures a backend.
type Options struct {
	// Kind is one of memory, log, redis, nats, none.
	Kind   string
	URL    string
	Logger zerolog.Logger
}

// New builds the backend named by opts.Kind. Broker backends also log each
// event at debug level.
func New(opts Options) (Broadcaster, error) {
	logB := NewLog(opts.Logger)
	switch strings.ToLower(strings.TrimSpace(opts.Kind)) {
	case "", "log":
		return logB, nil
	case "none":
		return Nop{}, nil
	case "memory":
		return NewMemory(), nil
	case "redis":
		r, err := NewRedis(opts.URL)
		if err != nil {
			return nil, err
		}
		return Multi{logB, r}, nil
	case "nats":
		n, err := NewNATS(opts.URL)
		if err != nil {
			return nil, err
		}
		return Multi{logB, n}, nil
	default:
		return nil, fmt.Errorf("unknown broadcaster %q", opts.Kind)
	}
}

// Nop drops every event.
type Nop struct{}

func (Nop) Publish(context.Context, string, string, any) error { return nil }
func (Nop) Close() error { return nil }

// Multi fans out to several broadcasters and joins their errors.
type Multi []Broadcaster

func (m Multi) Publish(ctx context.Context, channel, eventType string, payload any) error {
	var errs []error
	for _, b := range m {
		if err := b.Publish(ctx, channel, eventType, payload); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) Close() error {
	var errs []error
	for _, b := range m {
		if err := b.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
