package models

import "time"

// TripStatus is the lifecycle state of a trip.
type TripStatus string

const (
	TripStatusScheduled  TripStatus = "SCHEDULED"
	TripStatusInProgress TripStatus = "IN_PROGRESS"
	TripStatusCompleted  TripStatus = "COMPLETED"
	TripStatusCancelled  TripStatus = "CANCELLED"
)

// Valid returns true when the status is a supported value.
func (s TripStatus) Valid() bool {
	switch s {
	case TripStatusScheduled, TripStatusInProgress, TripStatusCompleted, TripStatusCancelled:
		return true
	default:
		return false
	}
}

// Terminal reports whether the trip can no longer accept events.
func (s TripStatus) Terminal() bool {
	return s == TripStatusCompleted || s == TripStatusCancelled
}

// Trip is one scheduled run of a bus along a route.
type Trip struct {
	ID             string     `db:"id" json:"id"`
	RouteID        string     `db:"route_id" json:"route_id"`
	BusID          string     `db:"bus_id" json:"bus_id"`
	Status         TripStatus `db:"status" json:"status"`
	ScheduledStart time.Time  `db:"scheduled_start" json:"scheduled_start"`
	ScheduledEnd   time.Time  `db:"scheduled_end" json:"scheduled_end"`
	ActualStart    *time.Time `db:"actual_start" json:"actual_start,omitempty"`
	ActualEnd      *time.Time `db:"actual_end" json:"actual_end,omitempty"`
	CreatedAt      time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time  `db:"updated_at" json:"updated_at"`
}

// TripFilter scopes trip listing queries.
type TripFilter struct {
	BusID     string
	RouteID   string
	Status    *TripStatus
	DateFrom  *time.Time
	DateTo    *time.Time
	Page      int
	PageSize  int
	SortBy    string
	SortOrder string
}

// Bus describes a vehicle in the fleet. ActiveTripID mirrors the at most one
// InProgress trip invariant.
type Bus struct {
	ID           string    `db:"id" json:"id"`
	PlateNumber  string    `db:"plate_number" json:"plate_number"`
	Capacity     int       `db:"capacity" json:"capacity"`
	ActiveTripID *string   `db:"active_trip_id" json:"active_trip_id,omitempty"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time `db:"updated_at" json:"updated_at"`
}
