package ws

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"

	"telehealth-chat/internal/auth"
	"telehealth-chat/internal/broadcast"
	"telehealth-chat/internal/chat"
	"telehealth-chat/internal/logger"
	"telehealth-chat/internal/models"
	"telehealth-chat/internal/observability"
)

// Authorizer checks that a user may follow a thread.
type Authorizer interface {
	AuthorizeSubscription(ctx context.Context, id models.Identity, threadID int) (models.ChatThread, error)
}

// ThreadWebSocketHandler streams a thread's events to a websocket.
type ThreadWebSocketHandler struct {
	log        *logger.Logger
	hub        *Hub
	gateway    *broadcast.Gateway
	authorizer Authorizer
	verifier   *auth.Verifier
}

// NewThreadWebSocketHandler constructs a ThreadWebSocketHandler.
func NewThreadWebSocketHandler(log *logger.Logger, hub *Hub, gateway *broadcast.Gateway, authorizer Authorizer, verifier *auth.Verifier) *ThreadWebSocketHandler {
	return &ThreadWebSocketHandler{
		log:        log.With("component", "ThreadWebSocket"),
		hub:        hub,
		gateway:    gateway,
		authorizer: authorizer,
		verifier:   verifier,
	}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Handle upgrades the connection and subscribes it to the thread channel.
func (h *ThreadWebSocketHandler) Handle(c *gin.Context) {
	threadID, err := strconv.Atoi(c.Param("thread_id"))
	if err != nil || threadID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid thread id"})
		return
	}

	ctx, span := otel.Tracer("telehealth-chat/ws").Start(c.Request.Context(), "ws.handshake")
	defer span.End()
	c.Request = c.Request.WithContext(ctx)

	token, ok := auth.BearerToken(c.GetHeader("Authorization"))
	if !ok {
		token = c.Query("token")
	}
	identity, err := h.verifier.Verify(token)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	if _, err := h.authorizer.AuthorizeSubscription(ctx, identity, threadID); err != nil {
		switch {
		case errors.Is(err, chat.ErrThreadNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "thread not found"})
		case errors.Is(err, chat.ErrNotAuthorized):
			c.JSON(http.StatusForbidden, gin.H{"error": "not authorized for thread"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to verify thread access"})
		}
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}

	meta := observability.MetaFromRequest(c.Request)
	info := ConnInfo{
		ConnID:      newConnID(),
		UserID:      identity.UserID,
		DeviceID:    meta.DeviceID,
		IP:          meta.IP,
		RequestID:   meta.RequestID,
		TraceID:     span.SpanContext().TraceID().String(),
		ConnectedAt: time.Now(),
	}
	cl := newClient(conn, info)
	h.hub.add(threadID, cl)
	sub := h.gateway.Subscribe(threadID, func(event models.MessageEvent) {
		if !cl.deliver(event) {
			h.log.Debug("dropping event for closed or slow connection", "thread_id", threadID, "conn_id", info.ConnID)
		}
	})

	observability.IncWSActive(wsKind)
	publishWSEvent(ctx, "ws_connect", threadID, info, "")

	eventCtx := context.WithoutCancel(ctx)
	go cl.writeLoop()
	go func() {
		var closeReason string
		defer func() {
			sub.Unsubscribe()
			h.hub.remove(threadID, cl)
			cl.close()
			observability.DecWSActive(wsKind)
			publishWSEvent(eventCtx, "ws_disconnect", threadID, info, closeReason)
		}()

		err := cl.readLoop()
		closeReason = err.Error()
		if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			publishWSEvent(eventCtx, "ws_error", threadID, info, closeReason)
		}
	}()
}
