package broadcast

import (
	"context"

	"github.com/rs/zerolog"
)

// Log writes every event to a zerolog logger.
type Log struct {
	log zerolog.Logger
}

func NewLog(l zerolog.Logger) *Log {
	return &Log{log: l.With().Str("component", "broadcast").Logger()}
}

func (b *Log) Publish(_ context.Context, channel, eventType string, payload any) error {
	b.log.Info().Str("channel", channel).Str("event", eventType).Interface("payload", payload).Msg("event")
	return nil
}

func (b *Log) Close() error { return nil }
