package models

import "time"

// AlertKind classifies an alert intent emitted by the ingestion engine.
type AlertKind string

const (
	AlertGeofenceBreach AlertKind = "GEOFENCE_BREACH"
	AlertMissedPickup   AlertKind = "MISSED_PICKUP"
	AlertEmergency      AlertKind = "EMERGENCY"
)

// AlertIntent is what the engine hands to the dispatcher collaborator.
// Delivery mechanics (push, SMS, email) are entirely the collaborator's
// problem; the engine fires and forgets.
type AlertIntent struct {
	Kind      AlertKind `json:"kind"`
	TripID    string    `json:"trip_id,omitempty"`
	BusID     string    `json:"bus_id,omitempty"`
	StopID    string    `json:"stop_id,omitempty"`
	StudentID string    `json:"student_id,omitempty"`
	Message   string    `json:"message"`
	RaisedAt  time.Time `json:"raised_at"`
}
