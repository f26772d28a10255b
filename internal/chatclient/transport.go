package chatclient

import (
	"context"

	"telehealth-chat/internal/models"
)

// SendInput is one outgoing message.
type SendInput struct {
	Content  string
	ClientID string
	Files    []File
}

// Subscription is a live thread subscription. Close must be idempotent and
// must not wait for a callback that is currently running.
type Subscription interface {
	Close() error
}

// Transport is how a Session talks to the chat service.
type Transport interface {
	ListMessages(ctx context.Context, threadID int) ([]models.Message, error)
	SendMessage(ctx context.Context, threadID int, in SendInput) (models.Message, error)
	Subscribe(ctx context.Context, threadID int, onEvent func(models.MessageEvent)) (Subscription, error)
}
