package broadcast

import (
	"context"
	"sync"
	"time"

	"telehealth-chat/internal/logger"
	"telehealth-chat/internal/models"
	"telehealth-chat/internal/observability"
)

const defaultPublishTimeout = 5 * time.Second

// Gateway publishes persisted messages to thread subscribers and hands out
// subscriptions on the local hub.
type Gateway struct {
	log     *logger.Logger
	hub     *Hub
	relay   Relay
	timeout time.Duration
	wg      sync.WaitGroup
}

func NewGateway(log *logger.Logger, hub *Hub, relay Relay) *Gateway {
	return &Gateway{
		log:     log.With("component", "BroadcastGateway"),
		hub:     hub,
		relay:   relay,
		timeout: defaultPublishTimeout,
	}
}

// Publish sends event to the thread channel without blocking the caller.
// Failures are logged and counted; the message is already durable.
func (g *Gateway) Publish(ctx context.Context, threadID int, event models.MessageEvent) {
	channel := ChannelName(threadID)
	ctx = context.WithoutCancel(ctx)

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				g.log.Error("broadcast panic", "channel", channel, "panic", r)
				observability.IncBroadcast(g.relay.Name(), "error")
			}
		}()

		pubCtx, cancel := context.WithTimeout(ctx, g.timeout)
		defer cancel()
		if err := g.relay.Publish(pubCtx, channel, event); err != nil {
			g.log.Warn("broadcast failed", "channel", channel, "event_type", event.Type, "error", err)
			observability.IncBroadcast(g.relay.Name(), "error")
			return
		}
		observability.IncBroadcast(g.relay.Name(), "ok")
	}()
}

// Subscribe registers onEvent for the thread's channel on this instance.
func (g *Gateway) Subscribe(threadID int, onEvent Handler) *Subscription {
	return g.hub.Subscribe(ChannelName(threadID), onEvent)
}

// Wait blocks until in-flight publishes finish.
func (g *Gateway) Wait() {
	g.wg.Wait()
}
