package ws

import (
	"time"

	"github.com/google/uuid"
)

// ConnInfo identifies one websocket connection in lifecycle events.
type ConnInfo struct {
	ConnID      string
	UserID      int
	DeviceID    string
	IP          string
	RequestID   string
	TraceID     string
	ConnectedAt time.Time
}

func newConnID() string {
	return uuid.NewString()
}
