package repository

import (
	"context"
	"errors"
	"fmt"

	"bus-tracker/internal/tracking/model"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// AccessRepository answers which trips an identity may watch or drive.
// Admins see every trip, drivers their assigned trips, parents the trips
// carrying one of their students.
type AccessRepository struct {
	db *pgxpool.Pool
}

func NewAccessRepository(db *pgxpool.Pool) *AccessRepository {
	return &AccessRepository{db: db}
}

func (r *AccessRepository) CanView(ctx context.Context, id model.Identity, tripID string) (bool, error) {
	var query string
	args := []any{tripID}
	switch id.Role {
	case model.RoleAdmin:
		query = `SELECT EXISTS (SELECT 1 FROM trips WHERE id::text = $1)`
	case model.RoleDriver:
		query = `SELECT EXISTS (SELECT 1 FROM trips WHERE id::text = $1 AND driver_id::text = $2)`
		args = append(args, id.UserID)
	case model.RoleParent:
		query = `
			SELECT EXISTS (
				SELECT 1
				FROM trip_students ts
				JOIN guardians g ON g.student_id = ts.student_id
				WHERE ts.trip_id::text = $1 AND g.parent_id::text = $2
			)`
		args = append(args, id.UserID)
	default:
		return false, nil
	}
	return r.exists(ctx, query, args...)
}

// CanPublish holds only for the assigned driver of a trip that has not ended.
func (r *AccessRepository) CanPublish(ctx context.Context, id model.Identity, tripID string) (bool, error) {
	if id.Role != model.RoleDriver {
		return false, nil
	}
	return r.exists(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM trips
			WHERE id::text = $1 AND driver_id::text = $2
			  AND status NOT IN ('COMPLETED', 'CANCELLED')
		)`, tripID, id.UserID)
}

func (r *AccessRepository) exists(ctx context.Context, query string, args ...any) (bool, error) {
	var ok bool
	err := r.db.QueryRow(ctx, query, args...).Scan(&ok)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check trip access: %w", err)
	}
	return ok, nil
}
