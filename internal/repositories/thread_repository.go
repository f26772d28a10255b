package repositories

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"telehealth-chat/internal/models"
)

var ErrThreadNotFound = errors.New("thread not found")

const threadColumns = `id, patient_id, doctor_id, is_active, created_at, updated_at`

// ThreadRepository abstracts chat thread persistence.
type ThreadRepository interface {
	FindOrCreateThread(ctx context.Context, patientID int, doctorID int) (models.ChatThread, error)
	GetThread(ctx context.Context, threadID int) (models.ChatThread, error)
	CloseThread(ctx context.Context, threadID int) (models.ChatThread, error)
	ListThreadsForUser(ctx context.Context, userID int) ([]models.ChatThread, error)
}

// ThreadRepo is a sqlx implementation of ThreadRepository.
type ThreadRepo struct {
	db *sqlx.DB
}

// NewThreadRepo constructs a ThreadRepo.
func NewThreadRepo(db *sqlx.DB) *ThreadRepo {
	return &ThreadRepo{db: db}
}

// FindOrCreateThread returns the thread for the (patient, doctor) pair, creating it if needed.
// The unique constraint serializes concurrent callers; the no-op update makes
// RETURNING yield the existing row on conflict.
func (r *ThreadRepo) FindOrCreateThread(ctx context.Context, patientID int, doctorID int) (models.ChatThread, error) {
	var thread models.ChatThread
	err := r.db.GetContext(ctx, &thread, `INSERT INTO chat_threads (patient_id, doctor_id) VALUES ($1, $2)
        ON CONFLICT (patient_id, doctor_id) DO UPDATE SET patient_id = EXCLUDED.patient_id
        RETURNING `+threadColumns, patientID, doctorID)
	return thread, err
}

// GetThread fetches a thread by id.
func (r *ThreadRepo) GetThread(ctx context.Context, threadID int) (models.ChatThread, error) {
	var thread models.ChatThread
	err := r.db.GetContext(ctx, &thread, `SELECT `+threadColumns+` FROM chat_threads WHERE id=$1`, threadID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.ChatThread{}, ErrThreadNotFound
	}
	return thread, err
}

// CloseThread marks a thread inactive. History stays readable.
func (r *ThreadRepo) CloseThread(ctx context.Context, threadID int) (models.ChatThread, error) {
	var thread models.ChatThread
	err := r.db.GetContext(ctx, &thread, `UPDATE chat_threads SET is_active = FALSE, updated_at = NOW()
        WHERE id=$1 RETURNING `+threadColumns, threadID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.ChatThread{}, ErrThreadNotFound
	}
	return thread, err
}

// ListThreadsForUser returns the threads where the user is patient or doctor, most recent first.
func (r *ThreadRepo) ListThreadsForUser(ctx context.Context, userID int) ([]models.ChatThread, error) {
	var threads []models.ChatThread
	err := r.db.SelectContext(ctx, &threads, `SELECT `+threadColumns+` FROM chat_threads
        WHERE patient_id=$1 OR doctor_id=$1
        ORDER BY updated_at DESC, id DESC`, userID)
	return threads, err
}

func intArray(ids []int) interface{} {
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		out = append(out, int64(id))
	}
	return pq.Array(out)
}
