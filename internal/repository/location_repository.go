package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/fleetward/bustrack-api/internal/models"
)

// LocationRepository persists the append-only location fix log.
type LocationRepository struct {
	db *sqlx.DB
}

// NewLocationRepository constructs the repository.
func NewLocationRepository(db *sqlx.DB) *LocationRepository {
	return &LocationRepository{db: db}
}

// Insert appends a fix. Fixes are never updated or deleted.
func (r *LocationRepository) Insert(ctx context.Context, fix *models.LocationFix) error {
	if fix.ID == "" {
		fix.ID = uuid.NewString()
	}
	if fix.CreatedAt.IsZero() {
		fix.CreatedAt = time.Now().UTC()
	}
	query := `INSERT INTO location_fixes (id, bus_id, trip_id, lat, lon, speed_kmh, heading, accuracy, recorded_at, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
	if _, err := r.db.ExecContext(ctx, query, fix.ID, fix.BusID, fix.TripID, fix.Lat, fix.Lon, fix.SpeedKmh, fix.Heading, fix.Accuracy, fix.RecordedAt, fix.CreatedAt); err != nil {
		return fmt.Errorf("insert location fix: %w", err)
	}
	return nil
}

// ListByTrip returns fixes for a trip ordered by recording time.
func (r *LocationRepository) ListByTrip(ctx context.Context, tripID string, page, pageSize int) ([]models.LocationFix, int, error) {
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 || pageSize > 500 {
		pageSize = 100
	}
	offset := (page - 1) * pageSize

	query := fmt.Sprintf(`SELECT id, bus_id, trip_id, lat, lon, speed_kmh, heading, accuracy, recorded_at, created_at
FROM location_fixes WHERE trip_id = $1 ORDER BY recorded_at ASC LIMIT %d OFFSET %d`, pageSize, offset)
	var rows []models.LocationFix
	if err := r.db.SelectContext(ctx, &rows, query, tripID); err != nil {
		return nil, 0, fmt.Errorf("list location fixes: %w", err)
	}

	var total int
	if err := r.db.GetContext(ctx, &total, `SELECT COUNT(*) FROM location_fixes WHERE trip_id = $1`, tripID); err != nil {
		return nil, 0, fmt.Errorf("count location fixes: %w", err)
	}
	return rows, total, nil
}

// LatestByBus returns the most recent fix for a bus, or sql.ErrNoRows.
func (r *LocationRepository) LatestByBus(ctx context.Context, busID string) (*models.LocationFix, error) {
	var fix models.LocationFix
	query := `SELECT id, bus_id, trip_id, lat, lon, speed_kmh, heading, accuracy, recorded_at, created_at
FROM location_fixes WHERE bus_id = $1 ORDER BY recorded_at DESC LIMIT 1`
	if err := r.db.GetContext(ctx, &fix, query, busID); err != nil {
		return nil, err
	}
	return &fix, nil
}
