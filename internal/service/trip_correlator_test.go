package service

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetward/bustrack-api/internal/models"
	appErrors "github.com/fleetward/bustrack-api/pkg/errors"
)

type mockTripRepo struct {
	mu    sync.Mutex
	trips map[string]models.Trip
}

func newMockTripRepo(trips ...models.Trip) *mockTripRepo {
	repo := &mockTripRepo{trips: make(map[string]models.Trip)}
	for _, trip := range trips {
		repo.trips[trip.ID] = trip
	}
	return repo
}

func (m *mockTripRepo) FindByID(ctx context.Context, id string) (*models.Trip, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if trip, ok := m.trips[id]; ok {
		return &trip, nil
	}
	return nil, sql.ErrNoRows
}

func (m *mockTripRepo) FindActiveByBus(ctx context.Context, busID string) (*models.Trip, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, trip := range m.trips {
		if trip.BusID == busID && trip.Status == models.TripStatusInProgress {
			return &trip, nil
		}
	}
	return nil, sql.ErrNoRows
}

func (m *mockTripRepo) FindStartableByBus(ctx context.Context, busID string, at time.Time, grace time.Duration) (*models.Trip, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, trip := range m.trips {
		if trip.BusID != busID || trip.Status != models.TripStatusScheduled {
			continue
		}
		if trip.ScheduledStart.Add(-grace).After(at) {
			continue
		}
		return &trip, nil
	}
	return nil, sql.ErrNoRows
}

func (m *mockTripRepo) Start(ctx context.Context, tripID string, actualStart time.Time) (*models.Trip, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	trip, ok := m.trips[tripID]
	if !ok || trip.Status != models.TripStatusScheduled {
		return nil, sql.ErrNoRows
	}
	for _, other := range m.trips {
		if other.BusID == trip.BusID && other.Status == models.TripStatusInProgress {
			return nil, sql.ErrNoRows
		}
	}
	trip.Status = models.TripStatusInProgress
	trip.ActualStart = &actualStart
	m.trips[tripID] = trip
	return &trip, nil
}

func (m *mockTripRepo) Complete(ctx context.Context, tripID string, actualEnd time.Time) (*models.Trip, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	trip, ok := m.trips[tripID]
	if !ok || trip.Status != models.TripStatusInProgress {
		return nil, sql.ErrNoRows
	}
	trip.Status = models.TripStatusCompleted
	trip.ActualEnd = &actualEnd
	m.trips[tripID] = trip
	return &trip, nil
}

func (m *mockTripRepo) Cancel(ctx context.Context, tripID string) (*models.Trip, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	trip, ok := m.trips[tripID]
	if !ok || trip.Status.Terminal() {
		return nil, sql.ErrNoRows
	}
	trip.Status = models.TripStatusCancelled
	m.trips[tripID] = trip
	return &trip, nil
}

func scheduledTrip(id, busID string, start time.Time) models.Trip {
	return models.Trip{
		ID:             id,
		RouteID:        "route-1",
		BusID:          busID,
		Status:         models.TripStatusScheduled,
		ScheduledStart: start,
		ScheduledEnd:   start.Add(time.Hour),
	}
}

func TestCorrelateReturnsActiveTrip(t *testing.T) {
	now := time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)
	trip := scheduledTrip("trip-1", "bus-1", now)
	trip.Status = models.TripStatusInProgress
	repo := newMockTripRepo(trip)
	c := NewTripCorrelator(repo, CorrelatorConfig{GracePeriod: 15 * time.Minute}, nil, nil)
	defer c.Shutdown()

	got, err := c.Correlate(context.Background(), "bus-1", now)
	require.NoError(t, err)
	assert.Equal(t, "trip-1", got.ID)
}

func TestCorrelateAutoStartsWithinGrace(t *testing.T) {
	start := time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)
	repo := newMockTripRepo(scheduledTrip("trip-1", "bus-1", start))
	c := NewTripCorrelator(repo, CorrelatorConfig{GracePeriod: 15 * time.Minute}, nil, nil)
	defer c.Shutdown()

	// First fix two minutes before scheduled start, inside the grace window.
	got, err := c.Correlate(context.Background(), "bus-1", start.Add(-2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, models.TripStatusInProgress, got.Status)
	require.NotNil(t, got.ActualStart)
}

func TestCorrelateRejectsOutsideGrace(t *testing.T) {
	start := time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)
	repo := newMockTripRepo(scheduledTrip("trip-1", "bus-1", start))
	c := NewTripCorrelator(repo, CorrelatorConfig{GracePeriod: 15 * time.Minute}, nil, nil)
	defer c.Shutdown()

	_, err := c.Correlate(context.Background(), "bus-1", start.Add(-30*time.Minute))
	require.Error(t, err)
	assert.True(t, appErrors.HasCode(err, appErrors.ErrNoActiveTrip))
}

func TestCorrelateNoTrips(t *testing.T) {
	repo := newMockTripRepo()
	c := NewTripCorrelator(repo, CorrelatorConfig{}, nil, nil)
	defer c.Shutdown()

	_, err := c.Correlate(context.Background(), "bus-9", time.Now().UTC())
	require.Error(t, err)
	assert.True(t, appErrors.HasCode(err, appErrors.ErrNoActiveTrip))
}

func TestStartExplicitSecondTripSameBusRejected(t *testing.T) {
	start := time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)
	repo := newMockTripRepo(
		scheduledTrip("trip-1", "bus-1", start),
		scheduledTrip("trip-2", "bus-1", start.Add(2*time.Hour)),
	)
	c := NewTripCorrelator(repo, CorrelatorConfig{}, nil, nil)
	defer c.Shutdown()

	_, err := c.StartExplicit(context.Background(), "trip-1", start)
	require.NoError(t, err)

	_, err = c.StartExplicit(context.Background(), "trip-2", start.Add(time.Minute))
	require.Error(t, err)
	assert.True(t, appErrors.HasCode(err, appErrors.ErrTripNotStartable))
}

func TestCompleteRunsFinishHookOnce(t *testing.T) {
	start := time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)
	trip := scheduledTrip("trip-1", "bus-1", start)
	trip.Status = models.TripStatusInProgress
	repo := newMockTripRepo(trip)
	c := NewTripCorrelator(repo, CorrelatorConfig{}, nil, nil)
	defer c.Shutdown()

	var hookCalls int
	c.OnFinish(func(trip *models.Trip) {
		hookCalls++
		assert.Equal(t, models.TripStatusCompleted, trip.Status)
	})

	_, err := c.Complete(context.Background(), "trip-1", start.Add(time.Hour))
	require.NoError(t, err)

	// Already terminal: repository refuses, hook does not run again.
	_, err = c.Complete(context.Background(), "trip-1", start.Add(2*time.Hour))
	require.Error(t, err)
	assert.Equal(t, 1, hookCalls)
}

func TestCancelRunsFinishHook(t *testing.T) {
	start := time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)
	repo := newMockTripRepo(scheduledTrip("trip-1", "bus-1", start))
	c := NewTripCorrelator(repo, CorrelatorConfig{}, nil, nil)
	defer c.Shutdown()

	var finished *models.Trip
	c.OnFinish(func(trip *models.Trip) { finished = trip })

	_, err := c.Cancel(context.Background(), "trip-1")
	require.NoError(t, err)
	require.NotNil(t, finished)
	assert.Equal(t, models.TripStatusCancelled, finished.Status)
}

func TestIdleTimeoutAutoCompletes(t *testing.T) {
	start := time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)
	trip := scheduledTrip("trip-1", "bus-1", start)
	trip.Status = models.TripStatusInProgress
	repo := newMockTripRepo(trip)
	c := NewTripCorrelator(repo, CorrelatorConfig{
		IdleTimeout:  30 * time.Millisecond,
		AutoComplete: true,
	}, nil, nil)
	defer c.Shutdown()

	done := make(chan *models.Trip, 1)
	c.OnFinish(func(trip *models.Trip) { done <- trip })

	_, err := c.Correlate(context.Background(), "bus-1", start)
	require.NoError(t, err)

	select {
	case finished := <-done:
		assert.Equal(t, models.TripStatusCompleted, finished.Status)
	case <-time.After(2 * time.Second):
		t.Fatal("idle timeout did not auto-complete the trip")
	}
}
