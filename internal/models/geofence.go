package models

import "time"

// GeofenceEventKind is the crossing direction.
type GeofenceEventKind string

const (
	GeofenceEnter GeofenceEventKind = "ENTER"
	GeofenceExit  GeofenceEventKind = "EXIT"
)

// GeofenceEvent is derived from the LocationFix stream. For a given
// (bus, stop, trip) an Enter always precedes its matching Exit; duplicate
// Enters without an intervening Exit are suppressed upstream.
type GeofenceEvent struct {
	ID         string            `db:"id" json:"id"`
	TripID     string            `db:"trip_id" json:"trip_id"`
	BusID      string            `db:"bus_id" json:"bus_id"`
	StopID     string            `db:"stop_id" json:"stop_id"`
	Kind       GeofenceEventKind `db:"kind" json:"kind"`
	DistanceM  float64           `db:"distance_m" json:"distance_m"`
	RecordedAt time.Time         `db:"recorded_at" json:"recorded_at"`
	CreatedAt  time.Time         `db:"created_at" json:"created_at"`
}
