package repository

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/fleetward/bustrack-api/internal/models"
)

// RouteRepository reads route topology: stops, geofences and student
// assignments. Route administration itself lives in another system.
type RouteRepository struct {
	db *sqlx.DB
}

// NewRouteRepository constructs the repository.
func NewRouteRepository(db *sqlx.DB) *RouteRepository {
	return &RouteRepository{db: db}
}

// Stops returns the ordered stops of a route.
func (r *RouteRepository) Stops(ctx context.Context, routeID string) ([]models.RouteStop, error) {
	query := `SELECT id, route_id, name, position, lat, lon, radius_meters, pickup_from, pickup_until, drop_from, drop_until
FROM route_stops WHERE route_id = $1 ORDER BY position ASC`
	var rows []models.RouteStop
	if err := r.db.SelectContext(ctx, &rows, query, routeID); err != nil {
		return nil, fmt.Errorf("list route stops: %w", err)
	}
	return rows, nil
}

// StudentIDs returns every student assigned to the route.
func (r *RouteRepository) StudentIDs(ctx context.Context, routeID string) ([]string, error) {
	var ids []string
	query := `SELECT student_id FROM route_students WHERE route_id = $1 ORDER BY student_id`
	if err := r.db.SelectContext(ctx, &ids, query, routeID); err != nil {
		return nil, fmt.Errorf("list route students: %w", err)
	}
	return ids, nil
}

// StopAssignments maps each student on the route to their boarding stop.
func (r *RouteRepository) StopAssignments(ctx context.Context, routeID string) ([]models.StopAssignment, error) {
	query := `SELECT student_id, stop_id FROM route_students WHERE route_id = $1 AND stop_id IS NOT NULL`
	var rows []models.StopAssignment
	if err := r.db.SelectContext(ctx, &rows, query, routeID); err != nil {
		return nil, fmt.Errorf("list stop assignments: %w", err)
	}
	return rows, nil
}
