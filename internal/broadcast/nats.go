package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/nats-io/nats.go"
)

type natsSubscription interface {
	Unsubscribe() error
}

type natsConn interface {
	Publish(subject string, data []byte) error
	Subscribe(subject string, cb nats.MsgHandler) (natsSubscription, error)
	Close()
}

// NATS publishes events on subject imgd.<channel>.
type NATS struct {
	conn natsConn
}

func NewNATS(url string) (*NATS, error) {
	if url == "" {
		url = nats.DefaultURL
	}
	conn, err := nats.Connect(url, nats.Name("imgd"))
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &NATS{conn: natsConnAdapter{conn}}, nil
}

func (b *NATS) Publish(ctx context.Context, channel, eventType string, payload any) error {
	msg, err := newMessage(channel, eventType, payload)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := b.conn.Publish(subjectPrefix+channel, raw); err != nil {
		return fmt.Errorf("nats publish %s: %w", eventType, err)
	}
	return nil
}

// Subscribe streams decoded events for channel until ctx ends or the
// returned func is called.
func (b *NATS) Subscribe(ctx context.Context, channel string) (<-chan Message, func(), error) {
	if b == nil || b.conn == nil {
		return nil, nil, fmt.Errorf("nats broadcaster is nil")
	}
	out := make(chan Message, 32)
	var (
		stopped int32
		mu      sync.RWMutex
		once    sync.Once
		sub     natsSubscription
	)
	unsubscribe := func() {
		once.Do(func() {
			atomic.StoreInt32(&stopped, 1)
			if sub != nil {
				_ = sub.Unsubscribe()
			}
			mu.Lock()
			defer mu.Unlock()
			close(out)
		})
	}
	sub, err := b.conn.Subscribe(subjectPrefix+channel, func(m *nats.Msg) {
		if atomic.LoadInt32(&stopped) == 1 {
			return
		}
		msg, err := ParseMessage(m.Data)
		if err != nil {
			return
		}
		mu.RLock()
		defer mu.RUnlock()
		if atomic.LoadInt32(&stopped) == 1 {
			return
		}
		select {
		case out <- msg:
		default:
		}
	})
	if err != nil {
		return nil, nil, err
	}
	go func() {
		<-ctx.Done()
		unsubscribe()
	}()
	return out, unsubscribe, nil
}

func (b *NATS) Close() error {
	if b == nil || b.conn == nil {
		return nil
	}
	b.conn.Close()
	return nil
}

type natsConnAdapter struct {
	*nats.Conn
}

func (a natsConnAdapter) Subscribe(subject string, cb nats.MsgHandler) (natsSubscription, error) {
	return a.Conn.Subscribe(subject, cb)
}
