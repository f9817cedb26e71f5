package models

import "time"

// AttendanceStatus is the per (student, trip) progression state.
type AttendanceStatus string

const (
	AttendanceNotRecorded AttendanceStatus = "NOT_RECORDED"
	AttendancePickedUp    AttendanceStatus = "PICKED_UP"
	AttendanceDroppedOff  AttendanceStatus = "DROPPED_OFF"
	AttendanceAbsent      AttendanceStatus = "ABSENT"
)

// Valid returns true when the status is a supported value.
func (s AttendanceStatus) Valid() bool {
	switch s {
	case AttendanceNotRecorded, AttendancePickedUp, AttendanceDroppedOff, AttendanceAbsent:
		return true
	default:
		return false
	}
}

// AttendanceRecord tracks pickup/drop progression for one student on one
// trip. Unique on (student_id, trip_id); created lazily on the first valid
// transition and only ever superseded, never deleted.
type AttendanceRecord struct {
	ID         string           `db:"id" json:"id"`
	StudentID  string           `db:"student_id" json:"student_id"`
	TripID     string           `db:"trip_id" json:"trip_id"`
	Status     AttendanceStatus `db:"status" json:"status"`
	PickupTime *time.Time       `db:"pickup_time" json:"pickup_time,omitempty"`
	DropTime   *time.Time       `db:"drop_time" json:"drop_time,omitempty"`
	CreatedAt  time.Time        `db:"created_at" json:"created_at"`
	UpdatedAt  time.Time        `db:"updated_at" json:"updated_at"`
}
