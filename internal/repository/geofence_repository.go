package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/fleetward/bustrack-api/internal/models"
)

// GeofenceEventRepository persists derived enter/exit crossings.
type GeofenceEventRepository struct {
	db *sqlx.DB
}

// NewGeofenceEventRepository constructs the repository.
func NewGeofenceEventRepository(db *sqlx.DB) *GeofenceEventRepository {
	return &GeofenceEventRepository{db: db}
}

// Insert appends a geofence crossing.
func (r *GeofenceEventRepository) Insert(ctx context.Context, event *models.GeofenceEvent) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	query := `INSERT INTO geofence_events (id, trip_id, bus_id, stop_id, kind, distance_m, recorded_at, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	if _, err := r.db.ExecContext(ctx, query, event.ID, event.TripID, event.BusID, event.StopID, event.Kind, event.DistanceM, event.RecordedAt, event.CreatedAt); err != nil {
		return fmt.Errorf("insert geofence event: %w", err)
	}
	return nil
}

// ListByTrip returns crossings for a trip in recording order.
func (r *GeofenceEventRepository) ListByTrip(ctx context.Context, tripID string) ([]models.GeofenceEvent, error) {
	query := `SELECT id, trip_id, bus_id, stop_id, kind, distance_m, recorded_at, created_at
FROM geofence_events WHERE trip_id = $1 ORDER BY recorded_at ASC`
	var rows []models.GeofenceEvent
	if err := r.db.SelectContext(ctx, &rows, query, tripID); err != nil {
		return nil, fmt.Errorf("list geofence events: %w", err)
	}
	return rows, nil
}
