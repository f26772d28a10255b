package telemetry

import (
	"context"
	"time"

	"telehealth-chat/internal/logger"
)

// Publisher is satisfied by rabbitmq.Publisher.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, event any, headers map[string]string) error
}

const (
	EventThreadCreated = "chat.thread_created"
	EventThreadClosed  = "chat.thread_closed"
	EventMessageSent   = "chat.message_sent"
)

type AuditEmitter struct {
	log         *logger.Logger
	publisher   Publisher
	routingKey  string
	service     string
	environment string
}

type AuditEnvelope struct {
	SchemaVersion int          `json:"schema_version"`
	EventType     string       `json:"event_type"`
	OccurredAt    string       `json:"occurred_at"`
	Service       string       `json:"service"`
	Environment   string       `json:"environment"`
	RequestID     string       `json:"request_id"`
	UserID        *int         `json:"user_id,omitempty"`
	Payload       AuditPayload `json:"payload"`
}

type AuditPayload struct {
	ThreadID  int    `json:"thread_id"`
	MessageID int    `json:"message_id,omitempty"`
	Detail    string `json:"detail,omitempty"`
}

func NewAuditEmitter(log *logger.Logger, publisher Publisher, routingKey, service, environment string) *AuditEmitter {
	return &AuditEmitter{
		log:         log.With("component", "AuditEmitter"),
		publisher:   publisher,
		routingKey:  routingKey,
		service:     service,
		environment: environment,
	}
}

// Emit publishes an audit envelope. Failures are logged, never returned.
func (e *AuditEmitter) Emit(ctx context.Context, eventType, requestID string, userID int, payload AuditPayload) {
	if e == nil || e.publisher == nil {
		return
	}

	envelope := AuditEnvelope{
		SchemaVersion: 1,
		EventType:     eventType,
		OccurredAt:    time.Now().UTC().Format(time.RFC3339Nano),
		Service:       e.service,
		Environment:   e.environment,
		RequestID:     requestID,
		Payload:       payload,
	}
	if userID != 0 {
		envelope.UserID = &userID
	}

	headers := map[string]string{}
	if requestID != "" {
		headers["x-request-id"] = requestID
	}
	if err := e.publisher.Publish(ctx, e.routingKey, envelope, headers); err != nil {
		e.log.Warn("audit publish failed", "event_type", eventType, "request_id", requestID, "error", err)
	}
}
