package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"telehealth-chat/internal/logger"
	"telehealth-chat/internal/models"
)

// Relay carries a published event to every instance's hub.
type Relay interface {
	Publish(ctx context.Context, channel string, event models.MessageEvent) error
	Name() string
}

// LocalRelay dispatches straight into the in-process hub. Single instance only.
type LocalRelay struct {
	hub *Hub
}

func NewLocalRelay(hub *Hub) *LocalRelay {
	return &LocalRelay{hub: hub}
}

func (r *LocalRelay) Name() string { return "local" }

func (r *LocalRelay) Publish(_ context.Context, channel string, event models.MessageEvent) error {
	r.hub.Dispatch(channel, event)
	return nil
}

// RedisRelay publishes events on Redis; a pattern subscription forwards every
// thread channel back into the local hub.
type RedisRelay struct {
	log *logger.Logger
	rdb *goredis.Client
	hub *Hub
}

func NewRedisRelay(ctx context.Context, log *logger.Logger, addr string, hub *Hub) (*RedisRelay, error) {
	if addr == "" {
		return nil, fmt.Errorf("missing redis addr")
	}
	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return &RedisRelay{
		log: log.With("component", "RedisRelay"),
		rdb: rdb,
		hub: hub,
	}, nil
}

func (r *RedisRelay) Name() string { return "redis" }

func (r *RedisRelay) Publish(ctx context.Context, channel string, event models.MessageEvent) error {
	raw, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return r.rdb.Publish(ctx, channel, raw).Err()
}

// StartForwarder subscribes to all thread channels and re-dispatches locally
// until ctx is cancelled.
func (r *RedisRelay) StartForwarder(ctx context.Context) error {
	sub := r.rdb.PSubscribe(ctx, channelPrefix+"*")

	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("redis psubscribe: %w", err)
	}

	go func() {
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				_ = sub.Close()
				return
			case m, ok := <-ch:
				if !ok || m == nil {
					_ = sub.Close()
					return
				}
				r.forward(m.Channel, m.Payload)
			}
		}
	}()

	r.log.Info("redis forwarder started", "pattern", channelPrefix+"*")
	return nil
}

func (r *RedisRelay) forward(channel, payload string) {
	if _, ok := ThreadIDFromChannel(channel); !ok {
		r.log.Warn("ignoring redis message on unknown channel", "channel", channel)
		return
	}
	var event models.MessageEvent
	if err := json.Unmarshal([]byte(payload), &event); err != nil {
		r.log.Warn("bad redis broadcast payload", "channel", channel, "error", err)
		return
	}
	r.hub.Dispatch(channel, event)
}

func (r *RedisRelay) Close() error {
	return r.rdb.Close()
}
