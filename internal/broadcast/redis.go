package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

type redisPubSub interface {
	Channel(...redis.ChannelOption) <-chan *redis.Message
	Close() error
}

type redisClient interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	Subscribe(ctx context.Context, channels ...string) redisPubSub
	Close() error
}

// Redis publishes events with PUBLISH on imgd.<channel>.
type Redis struct {
	client redisClient
}

// NewRedis connects lazily using a redis:// URL.
func NewRedis(url string) (*Redis, error) {
	if url == "" {
		url = "redis://127.0.0.1:6379"
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return &Redis{client: &redisClientAdapter{Client: redis.NewClient(opts)}}, nil
}

func (b *Redis) Publish(ctx context.Context, channel, eventType string, payload any) error {
	msg, err := newMessage(channel, eventType, payload)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if err := b.client.Publish(ctx, subjectPrefix+channel, raw).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", eventType, err)
	}
	return nil
}

// Subscribe streams decoded events for channel until ctx ends or the
// returned func is called.
func (b *Redis) Subscribe(ctx context.Context, channel string) (<-chan Message, func(), error) {
	if b == nil || b.client == nil {
		return nil, nil, fmt.Errorf("redis broadcaster is nil")
	}
	ps := b.client.Subscribe(ctx, subjectPrefix+channel)
	if ps == nil {
		return nil, nil, fmt.Errorf("subscribe failed")
	}
	rawCh := ps.Channel()
	out := make(chan Message, 32)
	stop := make(chan struct{})
	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			_ = ps.Close()
			close(stop)
		})
	}
	go func() {
		defer close(out)
		defer unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case raw, ok := <-rawCh:
				if !ok {
					return
				}
				msg, err := ParseMessage([]byte(raw.Payload))
				if err != nil {
					continue
				}
				select {
				case out <- msg:
				default:
				}
			}
		}
	}()
	return out, unsubscribe, nil
}

func (b *Redis) Close() error {
	if b == nil || b.client == nil {
		return nil
	}
	return b.client.Close()
}

type redisClientAdapter struct {
	*redis.Client
}

func (r *redisClientAdapter) Subscribe(ctx context.Context, channels ...string) redisPubSub {
	return r.Client.Subscribe(ctx, channels...)
}
