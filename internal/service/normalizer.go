package service

import (
	"strings"
	"time"

	"github.com/fleetward/bustrack-api/internal/models"
	appErrors "github.com/fleetward/bustrack-api/pkg/errors"
	"github.com/fleetward/bustrack-api/pkg/geo"
)

// Normalizer validates raw transport payloads and produces canonical events.
// It is a pure function over (event, receipt time); all side effects live
// further down the pipeline.
type Normalizer struct {
	staleness time.Duration
	now       func() time.Time
}

// NewNormalizer constructs a normalizer with the given staleness threshold.
func NewNormalizer(staleness time.Duration) *Normalizer {
	if staleness <= 0 {
		staleness = 5 * time.Minute
	}
	return &Normalizer{staleness: staleness, now: time.Now}
}

// Normalize turns a raw event into a canonical one or rejects it as
// InvalidEvent. Rejection reasons are carried in the error message; the
// event itself is dropped, never retried.
func (n *Normalizer) Normalize(raw models.RawEvent) (*models.CanonicalEvent, error) {
	receivedAt := raw.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = n.now().UTC()
	}

	if strings.TrimSpace(raw.BusID) == "" {
		return nil, appErrors.Clone(appErrors.ErrInvalidEvent, "missing bus id")
	}
	if raw.Timestamp.IsZero() {
		return nil, appErrors.Clone(appErrors.ErrInvalidEvent, "missing timestamp")
	}
	if receivedAt.Sub(raw.Timestamp) > n.staleness {
		return nil, appErrors.Clone(appErrors.ErrInvalidEvent, "event older than staleness threshold")
	}
	if raw.Timestamp.Sub(receivedAt) > n.staleness {
		return nil, appErrors.Clone(appErrors.ErrInvalidEvent, "event timestamp in the future")
	}

	switch raw.Kind {
	case models.EventKindLocation:
		point := geo.Point{Lat: raw.Lat, Lon: raw.Lon}
		if !point.Valid() {
			return nil, appErrors.Clone(appErrors.ErrInvalidEvent, "coordinates out of range")
		}
		fix := &models.LocationFix{
			BusID:      raw.BusID,
			Lat:        raw.Lat,
			Lon:        raw.Lon,
			SpeedKmh:   raw.SpeedKmh,
			Heading:    raw.Heading,
			Accuracy:   raw.Accuracy,
			RecordedAt: raw.Timestamp.UTC(),
		}
		return &models.CanonicalEvent{Kind: models.EventKindLocation, Fix: fix}, nil

	case models.EventKindTagScan:
		if strings.TrimSpace(raw.TagID) == "" {
			return nil, appErrors.Clone(appErrors.ErrInvalidEvent, "missing tag id")
		}
		if !raw.Action.Valid() {
			return nil, appErrors.Clone(appErrors.ErrInvalidEvent, "unknown scan action")
		}
		scan := &models.TagScanEvent{
			TagID:      raw.TagID,
			BusID:      raw.BusID,
			TripID:     raw.TripID,
			Action:     raw.Action,
			RecordedAt: raw.Timestamp.UTC(),
		}
		return &models.CanonicalEvent{Kind: models.EventKindTagScan, Scan: scan}, nil

	default:
		return nil, appErrors.Clone(appErrors.ErrInvalidEvent, "unknown event kind")
	}
}
