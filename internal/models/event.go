package models

import "time"

// RawEventKind discriminates the canonical event types produced by the
// ingress normalizer.
type RawEventKind string

const (
	EventKindLocation RawEventKind = "LOCATION"
	EventKindTagScan  RawEventKind = "TAG_SCAN"
)

// ScanAction is the intent carried by a tag scan.
type ScanAction string

const (
	ScanActionPickup ScanAction = "PICKUP"
	ScanActionDrop   ScanAction = "DROP"
)

// Valid returns true when the action is a supported value.
func (a ScanAction) Valid() bool {
	return a == ScanActionPickup || a == ScanActionDrop
}

// RawEvent is the transport-agnostic shape every ingress (HTTP, NATS) hands
// to the normalizer. Exactly one of the Location/TagScan payload groups is
// populated depending on Kind.
type RawEvent struct {
	Kind       RawEventKind `json:"kind"`
	BusID      string       `json:"bus_id"`
	Timestamp  time.Time    `json:"timestamp"`
	ReceivedAt time.Time    `json:"-"`

	// Location payload.
	Lat      float64 `json:"lat,omitempty"`
	Lon      float64 `json:"lon,omitempty"`
	SpeedKmh float64 `json:"speed_kmh,omitempty"`
	Heading  float64 `json:"heading,omitempty"`
	Accuracy float64 `json:"accuracy,omitempty"`

	// Tag scan payload.
	TagID  string     `json:"tag_id,omitempty"`
	TripID string     `json:"trip_id,omitempty"`
	Action ScanAction `json:"action,omitempty"`
}

// LocationFix is an append-only position report for a bus. Never mutated
// after creation.
type LocationFix struct {
	ID         string    `db:"id" json:"id"`
	BusID      string    `db:"bus_id" json:"bus_id"`
	TripID     string    `db:"trip_id" json:"trip_id"`
	Lat        float64   `db:"lat" json:"lat"`
	Lon        float64   `db:"lon" json:"lon"`
	SpeedKmh   float64   `db:"speed_kmh" json:"speed_kmh"`
	Heading    float64   `db:"heading" json:"heading"`
	Accuracy   float64   `db:"accuracy" json:"accuracy"`
	RecordedAt time.Time `db:"recorded_at" json:"recorded_at"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
}

// TagScanEvent is the normalized form of an RFID/NFC reader firing. The tag
// is resolved to a student before it reaches the attendance state machine.
type TagScanEvent struct {
	TagID      string     `json:"tag_id"`
	BusID      string     `json:"bus_id"`
	TripID     string     `json:"trip_id,omitempty"`
	Action     ScanAction `json:"action"`
	RecordedAt time.Time  `json:"recorded_at"`
}

// CanonicalEvent is the normalizer output: exactly one of Fix or Scan is set.
type CanonicalEvent struct {
	Kind RawEventKind
	Fix  *LocationFix
	Scan *TagScanEvent
}

// BusSnapshot is the live view of a bus served by the read API.
type BusSnapshot struct {
	BusID       string       `json:"bus_id"`
	TripID      string       `json:"trip_id,omitempty"`
	TripStatus  TripStatus   `json:"trip_status,omitempty"`
	LastFix     *LocationFix `json:"last_fix,omitempty"`
	InsideStops []string     `json:"inside_stops,omitempty"`
}
