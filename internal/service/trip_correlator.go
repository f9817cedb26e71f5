package service

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fleetward/bustrack-api/internal/models"
	appErrors "github.com/fleetward/bustrack-api/pkg/errors"
)

type tripRepository interface {
	FindByID(ctx context.Context, id string) (*models.Trip, error)
	FindActiveByBus(ctx context.Context, busID string) (*models.Trip, error)
	FindStartableByBus(ctx context.Context, busID string, at time.Time, grace time.Duration) (*models.Trip, error)
	Start(ctx context.Context, tripID string, actualStart time.Time) (*models.Trip, error)
	Complete(ctx context.Context, tripID string, actualEnd time.Time) (*models.Trip, error)
	Cancel(ctx context.Context, tripID string) (*models.Trip, error)
}

// CorrelatorConfig carries the correlation tunables.
type CorrelatorConfig struct {
	GracePeriod  time.Duration
	IdleTimeout  time.Duration
	AutoComplete bool
}

// TripCorrelator maps incoming events onto the owning trip. It auto-starts a
// scheduled trip when its grace window opens, arms an idle timer that
// auto-completes a trip gone silent, and guarantees the completion hook
// (attendance sweep, fence-state teardown) runs exactly once per trip.
type TripCorrelator struct {
	repo    tripRepository
	cfg     CorrelatorConfig
	metrics *MetricsService
	logger  *zap.Logger

	// onFinish is invoked once per trip on Completed or Cancelled.
	onFinish func(trip *models.Trip)

	mu       sync.Mutex
	idle     map[string]*time.Timer // tripID -> idle timer
	finished map[string]struct{}    // trips whose finish hook already ran
}

// NewTripCorrelator constructs the correlator.
func NewTripCorrelator(repo tripRepository, cfg CorrelatorConfig, metrics *MetricsService, logger *zap.Logger) *TripCorrelator {
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = 15 * time.Minute
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 45 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TripCorrelator{
		repo:     repo,
		cfg:      cfg,
		metrics:  metrics,
		logger:   logger,
		idle:     make(map[string]*time.Timer),
		finished: make(map[string]struct{}),
	}
}

// OnFinish registers the hook invoked exactly once when a trip ends.
func (c *TripCorrelator) OnFinish(hook func(trip *models.Trip)) {
	c.onFinish = hook
}

// Correlate resolves the trip owning an event for busID at ts. A scheduled
// trip whose grace window covers ts is started on the spot; otherwise the
// event is rejected with NoActiveTrip and the caller decides whether to
// retry within the staleness window or drop.
func (c *TripCorrelator) Correlate(ctx context.Context, busID string, ts time.Time) (*models.Trip, error) {
	trip, err := c.repo.FindActiveByBus(ctx, busID)
	switch {
	case err == nil:
		c.touchIdle(trip)
		return trip, nil
	case errors.Is(err, sql.ErrNoRows):
	default:
		return nil, appErrors.Wrap(err, appErrors.ErrPersistence.Code, appErrors.ErrPersistence.Status, "failed to look up active trip")
	}

	candidate, err := c.repo.FindStartableByBus(ctx, busID, ts, c.cfg.GracePeriod)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNoActiveTrip, "no trip in progress or startable for bus")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrPersistence.Code, appErrors.ErrPersistence.Status, "failed to look up startable trip")
	}

	started, err := c.repo.Start(ctx, candidate.ID, ts.UTC())
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			// Lost the race: someone else started a trip for this bus.
			if active, retryErr := c.repo.FindActiveByBus(ctx, busID); retryErr == nil {
				c.touchIdle(active)
				return active, nil
			}
			return nil, appErrors.Clone(appErrors.ErrNoActiveTrip, "trip no longer startable")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrPersistence.Code, appErrors.ErrPersistence.Status, "failed to start trip")
	}

	c.metrics.TripStarted()
	c.logger.Info("trip started",
		zap.String("trip_id", started.ID),
		zap.String("bus_id", started.BusID),
		zap.Time("first_event", ts),
	)
	c.touchIdle(started)
	return started, nil
}

// StartExplicit begins a trip through the driver-initiated path rather than
// waiting for the first event. Subject to the same one-active-trip guard.
func (c *TripCorrelator) StartExplicit(ctx context.Context, tripID string, at time.Time) (*models.Trip, error) {
	trip, err := c.repo.Start(ctx, tripID, at.UTC())
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrTripNotStartable, "trip is not scheduled or its bus is already running")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrPersistence.Code, appErrors.ErrPersistence.Status, "failed to start trip")
	}
	c.metrics.TripStarted()
	c.touchIdle(trip)
	return trip, nil
}

// Complete ends a trip through the external signal path.
func (c *TripCorrelator) Complete(ctx context.Context, tripID string, at time.Time) (*models.Trip, error) {
	trip, err := c.repo.Complete(ctx, tripID, at.UTC())
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "trip not found or already finished")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrPersistence.Code, appErrors.ErrPersistence.Status, "failed to complete trip")
	}
	c.finish(trip)
	return trip, nil
}

// Cancel abandons a trip. The finish hook still runs so trip-scoped state is
// torn down, but no absence sweep happens for a run that never took place.
func (c *TripCorrelator) Cancel(ctx context.Context, tripID string) (*models.Trip, error) {
	trip, err := c.repo.Cancel(ctx, tripID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "trip not found or already finished")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrPersistence.Code, appErrors.ErrPersistence.Status, "failed to cancel trip")
	}
	c.finish(trip)
	return trip, nil
}

// Shutdown stops all outstanding idle timers.
func (c *TripCorrelator) Shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for tripID, timer := range c.idle {
		timer.Stop()
		delete(c.idle, tripID)
	}
}

// touchIdle re-arms the idle timer for an in-progress trip. Every accepted
// event pushes auto-completion out by the full idle timeout.
func (c *TripCorrelator) touchIdle(trip *models.Trip) {
	if !c.cfg.AutoComplete {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, done := c.finished[trip.ID]; done {
		return
	}
	if timer, ok := c.idle[trip.ID]; ok {
		timer.Reset(c.cfg.IdleTimeout)
		return
	}
	tripID := trip.ID
	c.idle[tripID] = time.AfterFunc(c.cfg.IdleTimeout, func() {
		c.idleExpired(tripID)
	})
}

func (c *TripCorrelator) idleExpired(tripID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	trip, err := c.repo.Complete(ctx, tripID, time.Now().UTC())
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			c.logger.Error("idle auto-complete failed", zap.String("trip_id", tripID), zap.Error(err))
		}
		return
	}
	c.logger.Info("trip auto-completed after idle timeout", zap.String("trip_id", tripID))
	c.finish(trip)
}

// finish runs the completion hook exactly once and cancels the idle timer.
func (c *TripCorrelator) finish(trip *models.Trip) {
	c.mu.Lock()
	if _, done := c.finished[trip.ID]; done {
		c.mu.Unlock()
		return
	}
	c.finished[trip.ID] = struct{}{}
	if timer, ok := c.idle[trip.ID]; ok {
		timer.Stop()
		delete(c.idle, trip.ID)
	}
	c.mu.Unlock()

	c.metrics.TripFinished()
	if c.onFinish != nil {
		c.onFinish(trip)
	}
}
