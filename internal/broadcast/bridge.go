package broadcast

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"imgd/internal/manager"
)

// bridgeTimeout bounds one forwarded publish so a slow broker never stalls
// the process supervisor.
const bridgeTimeout = 2 * time.Second

// ManagerBridge forwards process lifecycle events to a Broadcaster on the
// models channel. It satisfies manager.EventPublisher.
type ManagerBridge struct {
	b   Broadcaster
	log zerolog.Logger
}

func NewManagerBridge(b Broadcaster, log zerolog.Logger) *ManagerBridge {
	return &ManagerBridge{b: b, log: log}
}

func (mb *ManagerBridge) Publish(e manager.Event) {
	payload := map[string]any{"model_id": e.ModelID}
	for k, v := range e.Fields {
		payload[k] = v
	}
	ctx, cancel := context.WithTimeout(context.Background(), bridgeTimeout)
	defer cancel()
	if err := mb.b.Publish(ctx, ChannelModels, e.Name, payload); err != nil {
		mb.log.Warn().Err(err).Str("event", e.Name).Msg("forward model event failed")
	}
}
