package repositories

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"telehealth-chat/internal/models"
)

const messageColumns = `id, thread_id, sender_id, content, client_id, created_at`

// MessageRepository defines interactions for chat messages.
type MessageRepository interface {
	AppendMessage(ctx context.Context, msg models.NewMessage) (models.Message, error)
	ListMessages(ctx context.Context, threadID int) ([]models.Message, error)
	LastMessages(ctx context.Context, threadIDs []int) (map[int]models.Message, error)
}

// MessageRepo is a sqlx-backed repository.
type MessageRepo struct {
	db *sqlx.DB
}

// NewMessageRepo constructs MessageRepo.
func NewMessageRepo(db *sqlx.DB) *MessageRepo {
	return &MessageRepo{db: db}
}

// AppendMessage stores the message, its attachments and the thread's new
// updated_at in one transaction. Either all rows are written or none.
func (r *MessageRepo) AppendMessage(ctx context.Context, in models.NewMessage) (msg models.Message, err error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return models.Message{}, fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = tx.GetContext(ctx, &msg, `INSERT INTO chat_messages (thread_id, sender_id, content, client_id)
        VALUES ($1, $2, $3, $4) RETURNING `+messageColumns, in.ThreadID, in.SenderID, in.Content, in.ClientID); err != nil {
		return models.Message{}, fmt.Errorf("insert message: %w", err)
	}

	msg.Attachments = make([]models.Attachment, 0, len(in.Attachments))
	for _, a := range in.Attachments {
		var att models.Attachment
		if err = tx.GetContext(ctx, &att, `INSERT INTO chat_attachments (message_id, filename, url, mime_type)
            VALUES ($1, $2, $3, $4) RETURNING id, message_id, filename, url, mime_type`, msg.ID, a.Filename, a.URL, a.MimeType); err != nil {
			return models.Message{}, fmt.Errorf("insert attachment %q: %w", a.Filename, err)
		}
		msg.Attachments = append(msg.Attachments, att)
	}

	if _, err = tx.ExecContext(ctx, `UPDATE chat_threads SET updated_at = $2 WHERE id=$1`, in.ThreadID, msg.CreatedAt); err != nil {
		return models.Message{}, fmt.Errorf("touch thread: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return models.Message{}, fmt.Errorf("commit: %w", err)
	}
	return msg, nil
}

// ListMessages returns the thread's messages ordered by creation, ties broken by id.
func (r *MessageRepo) ListMessages(ctx context.Context, threadID int) ([]models.Message, error) {
	var msgs []models.Message
	if err := r.db.SelectContext(ctx, &msgs, `SELECT `+messageColumns+` FROM chat_messages
        WHERE thread_id=$1 ORDER BY created_at ASC, id ASC`, threadID); err != nil {
		return nil, err
	}
	if err := r.attach(ctx, msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

// LastMessages returns the most recent message of each given thread.
func (r *MessageRepo) LastMessages(ctx context.Context, threadIDs []int) (map[int]models.Message, error) {
	result := make(map[int]models.Message, len(threadIDs))
	if len(threadIDs) == 0 {
		return result, nil
	}
	var msgs []models.Message
	if err := r.db.SelectContext(ctx, &msgs, `SELECT DISTINCT ON (thread_id) `+messageColumns+` FROM chat_messages
        WHERE thread_id = ANY($1) ORDER BY thread_id, created_at DESC, id DESC`, intArray(threadIDs)); err != nil {
		return nil, err
	}
	if err := r.attach(ctx, msgs); err != nil {
		return nil, err
	}
	for _, m := range msgs {
		result[m.ThreadID] = m
	}
	return result, nil
}

func (r *MessageRepo) attach(ctx context.Context, msgs []models.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	ids := make([]int, 0, len(msgs))
	index := make(map[int]int, len(msgs))
	for i := range msgs {
		msgs[i].Attachments = []models.Attachment{}
		ids = append(ids, msgs[i].ID)
		index[msgs[i].ID] = i
	}

	var atts []models.Attachment
	if err := r.db.SelectContext(ctx, &atts, `SELECT id, message_id, filename, url, mime_type FROM chat_attachments
        WHERE message_id = ANY($1) ORDER BY id ASC`, intArray(ids)); err != nil {
		return err
	}
	for _, a := range atts {
		if i, ok := index[a.MessageID]; ok {
			msgs[i].Attachments = append(msgs[i].Attachments, a)
		}
	}
	return nil
}
