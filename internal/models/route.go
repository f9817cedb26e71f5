package models

import "time"

// RouteStop is an ordered stop along a route with a circular geofence and
// pickup/drop service windows. Immutable while a trip on the route is running.
type RouteStop struct {
	ID           string    `db:"id" json:"id"`
	RouteID      string    `db:"route_id" json:"route_id"`
	Name         string    `db:"name" json:"name"`
	Position     int       `db:"position" json:"position"`
	Lat          float64   `db:"lat" json:"lat"`
	Lon          float64   `db:"lon" json:"lon"`
	RadiusMeters float64   `db:"radius_meters" json:"radius_meters"`
	PickupFrom   time.Time `db:"pickup_from" json:"pickup_from"`
	PickupUntil  time.Time `db:"pickup_until" json:"pickup_until"`
	DropFrom     time.Time `db:"drop_from" json:"drop_from"`
	DropUntil    time.Time `db:"drop_until" json:"drop_until"`
}

// StopAssignment links a student to the stop they board at on a route.
type StopAssignment struct {
	StudentID string `db:"student_id" json:"student_id"`
	StopID    string `db:"stop_id" json:"stop_id"`
}
