package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fleetward/bustrack-api/internal/models"
	"github.com/fleetward/bustrack-api/internal/repository"
	appErrors "github.com/fleetward/bustrack-api/pkg/errors"
)

type tripStore interface {
	Create(ctx context.Context, trip *models.Trip) error
	FindByID(ctx context.Context, id string) (*models.Trip, error)
	FindActiveByBus(ctx context.Context, busID string) (*models.Trip, error)
	List(ctx context.Context, filter models.TripFilter) ([]models.Trip, int, error)
}

type locationReader interface {
	ListByTrip(ctx context.Context, tripID string, page, pageSize int) ([]models.LocationFix, int, error)
	LatestByBus(ctx context.Context, busID string) (*models.LocationFix, error)
}

type geofenceReader interface {
	ListByTrip(ctx context.Context, tripID string) ([]models.GeofenceEvent, error)
}

type fenceStateReader interface {
	InsideStops(tripID string) []string
}

// TripService owns the trip lifecycle surface. Scheduling and reads go to the
// store directly; state transitions are delegated to the correlator so manual
// and GPS-driven starts share the same single-writer path.
type TripService struct {
	trips      tripStore
	locations  locationReader
	geoEvents  geofenceReader
	attendance attendanceLister
	correlator *TripCorrelator
	fences     fenceStateReader
	logger     *zap.Logger
}

func NewTripService(trips tripStore, locations locationReader, geoEvents geofenceReader, attendance attendanceLister, correlator *TripCorrelator, fences fenceStateReader, logger *zap.Logger) *TripService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TripService{
		trips:      trips,
		locations:  locations,
		geoEvents:  geoEvents,
		attendance: attendance,
		correlator: correlator,
		fences:     fences,
		logger:     logger,
	}
}

// Schedule creates a trip in SCHEDULED state.
func (s *TripService) Schedule(ctx context.Context, trip *models.Trip) (*models.Trip, error) {
	if trip.ScheduledEnd.Before(trip.ScheduledStart) {
		return nil, appErrors.Clone(appErrors.ErrValidation, "scheduled end precedes scheduled start")
	}
	now := time.Now().UTC()
	trip.ID = uuid.NewString()
	trip.Status = models.TripStatusScheduled
	trip.CreatedAt = now
	trip.UpdatedAt = now

	if err := s.trips.Create(ctx, trip); err != nil {
		s.logger.Error("failed to schedule trip", zap.String("bus_id", trip.BusID), zap.Error(err))
		return nil, appErrors.Wrap(err, appErrors.ErrPersistence.Code, appErrors.ErrPersistence.Status, "failed to schedule trip")
	}
	s.logger.Info("trip scheduled",
		zap.String("trip_id", trip.ID),
		zap.String("bus_id", trip.BusID),
		zap.String("route_id", trip.RouteID),
		zap.Time("scheduled_start", trip.ScheduledStart))
	return trip, nil
}

// Start moves a scheduled trip to IN_PROGRESS on the driver's request.
func (s *TripService) Start(ctx context.Context, tripID string) (*models.Trip, error) {
	return s.correlator.StartExplicit(ctx, tripID, time.Now().UTC())
}

// Complete finishes a trip. The engine's finish hook sweeps attendance.
func (s *TripService) Complete(ctx context.Context, tripID string) (*models.Trip, error) {
	return s.correlator.Complete(ctx, tripID, time.Now().UTC())
}

// Cancel abandons a trip without an absence sweep.
func (s *TripService) Cancel(ctx context.Context, tripID string) (*models.Trip, error) {
	return s.correlator.Cancel(ctx, tripID)
}

func (s *TripService) Get(ctx context.Context, tripID string) (*models.Trip, error) {
	trip, err := s.trips.FindByID(ctx, tripID)
	if err != nil {
		if repository.IsNotFound(err) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "trip not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrPersistence.Code, appErrors.ErrPersistence.Status, "failed to load trip")
	}
	return trip, nil
}

func (s *TripService) List(ctx context.Context, filter models.TripFilter) ([]models.Trip, int, error) {
	if filter.Page < 1 {
		filter.Page = 1
	}
	if filter.PageSize < 1 || filter.PageSize > 100 {
		filter.PageSize = 20
	}
	trips, total, err := s.trips.List(ctx, filter)
	if err != nil {
		return nil, 0, appErrors.Wrap(err, appErrors.ErrPersistence.Code, appErrors.ErrPersistence.Status, "failed to list trips")
	}
	return trips, total, nil
}

// Track returns the persisted location trail of a trip, newest first.
func (s *TripService) Track(ctx context.Context, tripID string, page, pageSize int) ([]models.LocationFix, int, error) {
	if _, err := s.Get(ctx, tripID); err != nil {
		return nil, 0, err
	}
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 500 {
		pageSize = 100
	}
	fixes, total, err := s.locations.ListByTrip(ctx, tripID, page, pageSize)
	if err != nil {
		return nil, 0, appErrors.Wrap(err, appErrors.ErrPersistence.Code, appErrors.ErrPersistence.Status, "failed to load location trail")
	}
	return fixes, total, nil
}

// GeofenceLog returns the trip's geofence enter/exit history.
func (s *TripService) GeofenceLog(ctx context.Context, tripID string) ([]models.GeofenceEvent, error) {
	if _, err := s.Get(ctx, tripID); err != nil {
		return nil, err
	}
	events, err := s.geoEvents.ListByTrip(ctx, tripID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrPersistence.Code, appErrors.ErrPersistence.Status, "failed to load geofence log")
	}
	return events, nil
}

// Attendance returns the trip's attendance records.
func (s *TripService) Attendance(ctx context.Context, tripID string) ([]models.AttendanceRecord, error) {
	if _, err := s.Get(ctx, tripID); err != nil {
		return nil, err
	}
	records, err := s.attendance.ListByTrip(ctx, tripID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrPersistence.Code, appErrors.ErrPersistence.Status, "failed to load attendance records")
	}
	return records, nil
}

// Snapshot assembles the live view of a bus: its latest fix, the active trip
// if any, and which stop fences it currently sits inside.
func (s *TripService) Snapshot(ctx context.Context, busID string) (*models.BusSnapshot, error) {
	snapshot := &models.BusSnapshot{BusID: busID}

	trip, err := s.trips.FindActiveByBus(ctx, busID)
	switch {
	case err == nil:
		snapshot.TripID = trip.ID
		snapshot.TripStatus = trip.Status
		snapshot.InsideStops = s.fences.InsideStops(trip.ID)
	case repository.IsNotFound(err):
		// No active trip is a valid snapshot.
	default:
		return nil, appErrors.Wrap(err, appErrors.ErrPersistence.Code, appErrors.ErrPersistence.Status, "failed to load active trip")
	}

	fix, err := s.locations.LatestByBus(ctx, busID)
	switch {
	case err == nil:
		snapshot.LastFix = fix
	case repository.IsNotFound(err):
		// Never reported a fix yet.
	default:
		return nil, appErrors.Wrap(err, appErrors.ErrPersistence.Code, appErrors.ErrPersistence.Status, "failed to load latest fix")
	}

	return snapshot, nil
}
