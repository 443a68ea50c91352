package repository

import (
	"context"
	"errors"
	"fmt"

	"bus-tracker/internal/tracking/model"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type TripRepository struct {
	db *pgxpool.Pool
}

func NewTripRepository(db *pgxpool.Pool) *TripRepository {
	return &TripRepository{db: db}
}

// LoadPlan returns the trip with its route shape and stops in sequence order.
func (r *TripRepository) LoadPlan(ctx context.Context, tripID string) (model.TripPlan, error) {
	var plan model.TripPlan
	var driverID *string
	err := r.db.QueryRow(ctx, `
		SELECT t.id::text, t.route_id::text, t.driver_id::text, t.status, r.shape
		FROM trips t
		JOIN routes r ON r.id = t.route_id
		WHERE t.id::text = $1
	`, tripID).Scan(&plan.TripID, &plan.RouteID, &driverID, &plan.Status, &plan.Shape)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.TripPlan{}, model.ErrNotFound
	}
	if err != nil {
		return model.TripPlan{}, fmt.Errorf("load trip: %w", err)
	}
	if driverID != nil {
		plan.DriverID = *driverID
	}

	rows, err := r.db.Query(ctx, `
		SELECT s.id::text, s.name, s.sequence, s.latitude, s.longitude, s.dwell_seconds,
		       COALESCE(st.scheduled_time, '')
		FROM stops s
		LEFT JOIN trip_stop_times st ON st.stop_id = s.id AND st.trip_id::text = $1
		WHERE s.route_id::text = $2
		ORDER BY s.sequence
	`, tripID, plan.RouteID)
	if err != nil {
		return model.TripPlan{}, fmt.Errorf("load stops: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var s model.Stop
		if err := rows.Scan(&s.ID, &s.Name, &s.Sequence, &s.Lat, &s.Lng, &s.DwellSeconds, &s.ScheduledTime); err != nil {
			return model.TripPlan{}, fmt.Errorf("scan stop: %w", err)
		}
		plan.Stops = append(plan.Stops, s)
	}
	if err := rows.Err(); err != nil {
		return model.TripPlan{}, fmt.Errorf("load stops: %w", err)
	}
	return plan, nil
}

// UpdateStatus records a lifecycle change. Ended trips are never reopened.
func (r *TripRepository) UpdateStatus(ctx context.Context, tripID string, status model.TripStatus) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE trips
		SET status = $2, updated_at = now()
		WHERE id::text = $1 AND status NOT IN ('COMPLETED', 'CANCELLED')
	`, tripID, string(status))
	if err != nil {
		return fmt.Errorf("update trip status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.ErrNotFound
	}
	return nil
}
