package repositories

import (
	"context"

	"github.com/jmoiron/sqlx"

	"telehealth-chat/internal/models"
)

// UserRepository reads public user profiles.
type UserRepository interface {
	BulkUsers(ctx context.Context, ids []int) ([]models.UserSummary, error)
}

// UserRepo is a sqlx implementation of UserRepository.
type UserRepo struct {
	db *sqlx.DB
}

func NewUserRepo(db *sqlx.DB) *UserRepo {
	return &UserRepo{db: db}
}

// BulkUsers fetches multiple profiles in one query. Unknown ids are skipped.
func (r *UserRepo) BulkUsers(ctx context.Context, ids []int) ([]models.UserSummary, error) {
	if len(ids) == 0 {
		return []models.UserSummary{}, nil
	}
	var users []models.UserSummary
	err := r.db.SelectContext(ctx, &users, `SELECT id, role, display_name, avatar_url FROM users WHERE id = ANY($1)`, intArray(ids))
	return users, err
}
