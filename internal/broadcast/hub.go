package broadcast

import (
	"strconv"
	"strings"
	"sync"

	"telehealth-chat/internal/models"
	"telehealth-chat/internal/observability"
)

const channelPrefix = "thread-"

// ChannelName is the pub/sub channel for a thread.
func ChannelName(threadID int) string {
	return channelPrefix + strconv.Itoa(threadID)
}

// ThreadIDFromChannel parses a channel name produced by ChannelName.
func ThreadIDFromChannel(channel string) (int, bool) {
	if !strings.HasPrefix(channel, channelPrefix) {
		return 0, false
	}
	id, err := strconv.Atoi(strings.TrimPrefix(channel, channelPrefix))
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// Handler receives every event dispatched on a subscribed channel.
// A handler must not unsubscribe its own subscription synchronously.
type Handler func(event models.MessageEvent)

// Hub keeps the in-process subscriptions per channel.
type Hub struct {
	mu       sync.RWMutex
	channels map[string]map[uint64]*Subscription
	nextID   uint64
}

func NewHub() *Hub {
	return &Hub{channels: make(map[string]map[uint64]*Subscription)}
}

// Subscription is a registered handler. It is released with Unsubscribe.
type Subscription struct {
	hub     *Hub
	channel string
	id      uint64
	handler Handler

	mu     sync.Mutex
	closed bool
}

// Channel returns the channel the subscription listens on.
func (s *Subscription) Channel() string { return s.channel }

// Subscribe registers handler on channel.
func (h *Hub) Subscribe(channel string, handler Handler) *Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	sub := &Subscription{hub: h, channel: channel, id: h.nextID, handler: handler}
	if _, ok := h.channels[channel]; !ok {
		h.channels[channel] = make(map[uint64]*Subscription)
	}
	h.channels[channel][sub.id] = sub
	observability.IncThreadSubscribers()
	return sub
}

// Unsubscribe removes the subscription. It is safe to call more than once and
// from any goroutine; once it returns the handler is never invoked again.
func (s *Subscription) Unsubscribe() {
	if s == nil {
		return
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	h := s.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	if subs, ok := h.channels[s.channel]; ok {
		delete(subs, s.id)
		if len(subs) == 0 {
			delete(h.channels, s.channel)
		}
	}
	observability.DecThreadSubscribers()
}

func (s *Subscription) deliver(event models.MessageEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.handler(event)
}

// Dispatch invokes each current subscriber of channel once.
func (h *Hub) Dispatch(channel string, event models.MessageEvent) int {
	h.mu.RLock()
	subs := make([]*Subscription, 0, len(h.channels[channel]))
	for _, sub := range h.channels[channel] {
		subs = append(subs, sub)
	}
	h.mu.RUnlock()

	for _, sub := range subs {
		sub.deliver(event)
	}
	return len(subs)
}

// Subscribers reports how many handlers listen on channel.
func (h *Hub) Subscribers(channel string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.channels[channel])
}
