package repository

import (
	"context"
	"errors"
	"fmt"

	"bus-tracker/internal/tracking/model"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type UserRepository struct {
	db *pgxpool.Pool
}

func NewUserRepository(db *pgxpool.Pool) *UserRepository {
	return &UserRepository{db: db}
}

func (r *UserRepository) FindUser(ctx context.Context, userID string) (model.User, error) {
	var u model.User
	err := r.db.QueryRow(ctx, `
		SELECT id::text, role, status
		FROM users
		WHERE id::text = $1
	`, userID).Scan(&u.ID, &u.Role, &u.Status)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.User{}, model.ErrNotFound
	}
	if err != nil {
		return model.User{}, fmt.Errorf("find user: %w", err)
	}
	return u, nil
}
