package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/fleetward/bustrack-api/internal/models"
)

// TripRepository handles persistence for trips and the bus active-trip link.
type TripRepository struct {
	db *sqlx.DB
}

// NewTripRepository constructs the repository.
func NewTripRepository(db *sqlx.DB) *TripRepository {
	return &TripRepository{db: db}
}

const tripColumns = `id, route_id, bus_id, status, scheduled_start, scheduled_end, actual_start, actual_end, created_at, updated_at`

// Create inserts a scheduled trip.
func (r *TripRepository) Create(ctx context.Context, trip *models.Trip) error {
	now := time.Now().UTC()
	if trip.ID == "" {
		trip.ID = uuid.NewString()
	}
	trip.Status = models.TripStatusScheduled
	trip.CreatedAt = now
	trip.UpdatedAt = now
	query := `INSERT INTO trips (id, route_id, bus_id, status, scheduled_start, scheduled_end, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	if _, err := r.db.ExecContext(ctx, query, trip.ID, trip.RouteID, trip.BusID, trip.Status, trip.ScheduledStart, trip.ScheduledEnd, trip.CreatedAt, trip.UpdatedAt); err != nil {
		return fmt.Errorf("create trip: %w", err)
	}
	return nil
}

// FindByID fetches a single trip.
func (r *TripRepository) FindByID(ctx context.Context, id string) (*models.Trip, error) {
	var trip models.Trip
	query := fmt.Sprintf("SELECT %s FROM trips WHERE id = $1", tripColumns)
	if err := r.db.GetContext(ctx, &trip, query, id); err != nil {
		return nil, err
	}
	return &trip, nil
}

// FindActiveByBus returns the bus's single InProgress trip, or sql.ErrNoRows.
func (r *TripRepository) FindActiveByBus(ctx context.Context, busID string) (*models.Trip, error) {
	var trip models.Trip
	query := fmt.Sprintf("SELECT %s FROM trips WHERE bus_id = $1 AND status = $2", tripColumns)
	if err := r.db.GetContext(ctx, &trip, query, busID, models.TripStatusInProgress); err != nil {
		return nil, err
	}
	return &trip, nil
}

// FindStartableByBus returns the scheduled trip whose grace window covers the
// given instant, preferring the earliest scheduled start.
func (r *TripRepository) FindStartableByBus(ctx context.Context, busID string, at time.Time, grace time.Duration) (*models.Trip, error) {
	var trip models.Trip
	query := fmt.Sprintf(`SELECT %s FROM trips
WHERE bus_id = $1 AND status = $2 AND scheduled_start - $3::interval <= $4
ORDER BY scheduled_start ASC LIMIT 1`, tripColumns)
	interval := fmt.Sprintf("%d seconds", int(grace.Seconds()))
	if err := r.db.GetContext(ctx, &trip, query, busID, models.TripStatusScheduled, interval, at); err != nil {
		return nil, err
	}
	return &trip, nil
}

// Start transitions Scheduled->InProgress. The update refuses to run while
// the bus already has an InProgress trip, enforcing the one-active-trip
// invariant at the database rather than trusting callers.
func (r *TripRepository) Start(ctx context.Context, tripID string, actualStart time.Time) (*models.Trip, error) {
	query := fmt.Sprintf(`UPDATE trips SET status = $1, actual_start = $2, updated_at = $3
WHERE id = $4 AND status = $5
AND NOT EXISTS (SELECT 1 FROM trips t WHERE t.bus_id = trips.bus_id AND t.status = $1 AND t.id <> trips.id)
RETURNING %s`, tripColumns)
	var trip models.Trip
	err := r.db.GetContext(ctx, &trip, query, models.TripStatusInProgress, actualStart, time.Now().UTC(), tripID, models.TripStatusScheduled)
	if err != nil {
		return nil, err
	}
	if _, err := r.db.ExecContext(ctx, `UPDATE buses SET active_trip_id = $1, updated_at = $2 WHERE id = $3`, trip.ID, time.Now().UTC(), trip.BusID); err != nil {
		return nil, fmt.Errorf("link active trip: %w", err)
	}
	return &trip, nil
}

// Complete transitions InProgress->Completed and clears the bus link.
func (r *TripRepository) Complete(ctx context.Context, tripID string, actualEnd time.Time) (*models.Trip, error) {
	return r.finish(ctx, tripID, models.TripStatusCompleted, &actualEnd)
}

// Cancel transitions a non-terminal trip to Cancelled.
func (r *TripRepository) Cancel(ctx context.Context, tripID string) (*models.Trip, error) {
	return r.finish(ctx, tripID, models.TripStatusCancelled, nil)
}

func (r *TripRepository) finish(ctx context.Context, tripID string, status models.TripStatus, actualEnd *time.Time) (*models.Trip, error) {
	query := fmt.Sprintf(`UPDATE trips SET status = $1, actual_end = COALESCE($2, actual_end), updated_at = $3
WHERE id = $4 AND status IN ($5, $6)
RETURNING %s`, tripColumns)
	var trip models.Trip
	err := r.db.GetContext(ctx, &trip, query, status, actualEnd, time.Now().UTC(), tripID, models.TripStatusScheduled, models.TripStatusInProgress)
	if err != nil {
		return nil, err
	}
	if _, err := r.db.ExecContext(ctx, `UPDATE buses SET active_trip_id = NULL, updated_at = $1 WHERE id = $2 AND active_trip_id = $3`, time.Now().UTC(), trip.BusID, trip.ID); err != nil {
		return nil, fmt.Errorf("unlink active trip: %w", err)
	}
	return &trip, nil
}

// List returns trips matching the filter.
func (r *TripRepository) List(ctx context.Context, filter models.TripFilter) ([]models.Trip, int, error) {
	where := []string{"1=1"}
	args := []interface{}{}
	if filter.BusID != "" {
		where = append(where, fmt.Sprintf("bus_id = $%d", len(args)+1))
		args = append(args, filter.BusID)
	}
	if filter.RouteID != "" {
		where = append(where, fmt.Sprintf("route_id = $%d", len(args)+1))
		args = append(args, filter.RouteID)
	}
	if filter.Status != nil && filter.Status.Valid() {
		where = append(where, fmt.Sprintf("status = $%d", len(args)+1))
		args = append(args, *filter.Status)
	}
	if filter.DateFrom != nil {
		where = append(where, fmt.Sprintf("scheduled_start >= $%d", len(args)+1))
		args = append(args, *filter.DateFrom)
	}
	if filter.DateTo != nil {
		where = append(where, fmt.Sprintf("scheduled_start <= $%d", len(args)+1))
		args = append(args, *filter.DateTo)
	}
	whereClause := strings.Join(where, " AND ")

	allowedSort := map[string]string{
		"scheduled_start": "scheduled_start",
		"status":          "status",
		"created_at":      "created_at",
	}
	sortColumn, ok := allowedSort[filter.SortBy]
	if !ok {
		sortColumn = "scheduled_start"
	}
	order := strings.ToUpper(filter.SortOrder)
	if order != "ASC" && order != "DESC" {
		order = "DESC"
	}
	page := filter.Page
	if page < 1 {
		page = 1
	}
	size := filter.PageSize
	if size <= 0 || size > 200 {
		size = 50
	}
	offset := (page - 1) * size

	query := fmt.Sprintf(`SELECT %s FROM trips WHERE %s ORDER BY %s %s LIMIT %d OFFSET %d`,
		tripColumns, whereClause, sortColumn, order, size, offset)

	var rows []models.Trip
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, 0, fmt.Errorf("list trips: %w", err)
	}

	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM trips WHERE %s", whereClause)
	var total int
	if err := r.db.GetContext(ctx, &total, countQuery, args...); err != nil {
		return nil, 0, fmt.Errorf("count trips: %w", err)
	}
	return rows, total, nil
}

// IsNotFound reports whether the error is the repository's missing-row signal.
func IsNotFound(err error) bool {
	return err == sql.ErrNoRows
}
