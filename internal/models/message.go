package models

import (
	"strings"
	"time"
)

// Message represents a persisted chat message. The same shape is returned to
// the sender and published to thread subscribers.
type Message struct {
	ID          int          `db:"id" json:"id"`
	ThreadID    int          `db:"thread_id" json:"thread_id"`
	SenderID    int          `db:"sender_id" json:"sender_id"`
	Content     *string      `db:"content" json:"content"`
	ClientID    *string      `db:"client_id" json:"client_id,omitempty"`
	CreatedAt   time.Time    `db:"created_at" json:"created_at"`
	Sender      *UserSummary `db:"-" json:"sender,omitempty"`
	Attachments []Attachment `db:"-" json:"attachments"`
}

// Text returns the normalized content, "" when absent.
func (m Message) Text() string {
	return NormalizeContent(m.Content)
}

// Attachment is a file owned by a message.
type Attachment struct {
	ID        int    `db:"id" json:"id"`
	MessageID int    `db:"message_id" json:"-"`
	Filename  string `db:"filename" json:"filename"`
	URL       string `db:"url" json:"url"`
	MimeType  string `db:"mime_type" json:"mime_type"`
}

// NewAttachment is an attachment descriptor resolved by the store but not yet persisted.
type NewAttachment struct {
	Filename string
	URL      string
	MimeType string
}

// NewMessage carries everything needed to append a message atomically.
type NewMessage struct {
	ThreadID    int
	SenderID    int
	Content     *string
	ClientID    *string
	Attachments []NewAttachment
}

const (
	EventTypeMessage      = "message"
	EventTypeThreadClosed = "thread_closed"
)

// MessageEvent is broadcast to every subscriber of a thread channel.
type MessageEvent struct {
	Type     string   `json:"type"`
	ThreadID int      `json:"thread_id"`
	Message  *Message `json:"message,omitempty"`
}

// NormalizeContent trims surrounding whitespace and maps absent content to "".
func NormalizeContent(content *string) string {
	if content == nil {
		return ""
	}
	return strings.TrimSpace(*content)
}
