package ws

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"telehealth-chat/internal/observability"
)

const (
	wsKind       = "thread"
	wsRoutingKey = "ws_events.threads"
)

// Hub tracks the live websocket connections per thread.
type Hub struct {
	rooms map[int]map[*client]ConnInfo
	mu    sync.RWMutex
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{rooms: make(map[int]map[*client]ConnInfo)}
}

func (h *Hub) add(threadID int, c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.rooms[threadID]; !ok {
		h.rooms[threadID] = make(map[*client]ConnInfo)
	}
	h.rooms[threadID][c] = c.info
}

func (h *Hub) remove(threadID int, c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	conns, ok := h.rooms[threadID]
	if !ok {
		return false
	}
	if _, ok := conns[c]; !ok {
		return false
	}
	delete(conns, c)
	if len(conns) == 0 {
		delete(h.rooms, threadID)
	}
	return true
}

// Connections reports how many sockets are open on a thread.
func (h *Hub) Connections(threadID int) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[threadID])
}

// CloseAll sends a going-away close frame to every connection. Used on shutdown.
func (h *Hub) CloseAll() {
	h.mu.RLock()
	clients := make([]*client, 0)
	for _, conns := range h.rooms {
		for c := range conns {
			clients = append(clients, c)
		}
	}
	h.mu.RUnlock()

	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
	for _, c := range clients {
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		c.close()
	}
}

func publishWSEvent(ctx context.Context, event string, threadID int, info ConnInfo, reason string) {
	observability.IncWSEvent(wsKind, event)
	payload := map[string]interface{}{
		"ws": map[string]interface{}{
			"kind":        wsKind,
			"resource_id": threadID,
			"event":       event,
			"conn_id":     info.ConnID,
			"duration_ms": time.Since(info.ConnectedAt).Milliseconds(),
			"reason":      reason,
		},
		"identity": map[string]interface{}{
			"user_id":   info.UserID,
			"device_id": info.DeviceID,
			"ip":        info.IP,
		},
	}
	_ = observability.PublishEvent(ctx, wsRoutingKey, observability.EventEnvelope{
		EventType: "ws_events",
		EventName: event,
		Payload:   payload,
	}, observability.BuildHeaders(info.RequestID, info.TraceID))
}
