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
	"github.com/fleetward/bustrack-api/internal/repository"
	appErrors "github.com/fleetward/bustrack-api/pkg/errors"
)

type memLocationStore struct {
	mu    sync.Mutex
	fixes []models.LocationFix
	fail  bool
}

func (m *memLocationStore) Insert(ctx context.Context, fix *models.LocationFix) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return sql.ErrConnDone
	}
	m.fixes = append(m.fixes, *fix)
	return nil
}

func (m *memLocationStore) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.fixes)
}

func (m *memLocationStore) snapshot() []models.LocationFix {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.LocationFix, len(m.fixes))
	copy(out, m.fixes)
	return out
}

type memGeofenceStore struct {
	mu     sync.Mutex
	events []models.GeofenceEvent
}

func (m *memGeofenceStore) Insert(ctx context.Context, event *models.GeofenceEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, *event)
	return nil
}

func (m *memGeofenceStore) kinds() []models.GeofenceEventKind {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.GeofenceEventKind, 0, len(m.events))
	for _, event := range m.events {
		out = append(out, event.Kind)
	}
	return out
}

type stubTopology struct {
	stops       []models.RouteStop
	assignments []models.StopAssignment
}

func (s *stubTopology) Stops(ctx context.Context, routeID string) ([]models.RouteStop, error) {
	return s.stops, nil
}

func (s *stubTopology) StopAssignments(ctx context.Context, routeID string) ([]models.StopAssignment, error) {
	return s.assignments, nil
}

type stubTagDirectory struct {
	tags map[string]string
}

func (s *stubTagDirectory) Resolve(ctx context.Context, tagID string) (string, error) {
	if studentID, ok := s.tags[tagID]; ok {
		return studentID, nil
	}
	return "", sql.ErrNoRows
}

type memDeadLetter struct {
	mu        sync.Mutex
	envelopes []repository.DeadLetterEnvelope
}

func (m *memDeadLetter) Push(ctx context.Context, envelope repository.DeadLetterEnvelope) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.envelopes = append(m.envelopes, envelope)
	return nil
}

func (m *memDeadLetter) Len(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.envelopes)), nil
}

type captureDispatcher struct {
	mu      sync.Mutex
	intents []models.AlertIntent
}

func (c *captureDispatcher) Dispatch(ctx context.Context, intent models.AlertIntent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.intents = append(c.intents, intent)
}

func (c *captureDispatcher) byKind(kind models.AlertKind) []models.AlertIntent {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []models.AlertIntent
	for _, intent := range c.intents {
		if intent.Kind == kind {
			out = append(out, intent)
		}
	}
	return out
}

func testEngineConfig() IngestConfig {
	return IngestConfig{
		StalenessThreshold: 10 * 365 * 24 * time.Hour,
		ReorderFlushEvery:  20 * time.Millisecond,
		WorkerShards:       4,
		WorkerBuffer:       32,
		PersistTimeout:     2 * time.Second,
		PersistRetries:     2,
		RetryBackoff:       5 * time.Millisecond,
		DispatchTimeout:    2 * time.Second,
	}
}

func locationEvent(busID string, ts time.Time, lat, lon float64) models.RawEvent {
	return models.RawEvent{
		Kind:       models.EventKindLocation,
		BusID:      busID,
		Timestamp:  ts,
		ReceivedAt: ts,
		Lat:        lat,
		Lon:        lon,
		SpeedKmh:   28,
	}
}

// TestEngineMorningRun walks a full pickup run through the engine: the first
// fix starts the scheduled trip, a pickup scan records the student, the bus
// enters and leaves the stop fence, the unscanned student raises a missed
// pickup, and completion sweeps the remainder to Absent.
func TestEngineMorningRun(t *testing.T) {
	scheduled := time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)
	tripRepo := newMockTripRepo(scheduledTrip("trip-1", "bus-1", scheduled))
	attendanceRepo := &mockAttendanceRepo{}
	locations := &memLocationStore{}
	geoEvents := &memGeofenceStore{}
	dispatcher := &captureDispatcher{}
	sink := &memDeadLetter{}

	topology := &stubTopology{
		stops: []models.RouteStop{{
			ID:           "stop-1",
			RouteID:      "route-1",
			Name:         "Main & 5th",
			Position:     1,
			Lat:          0,
			Lon:          0,
			RadiusMeters: 50,
			PickupFrom:   scheduled.Add(-5 * time.Minute),
			PickupUntil:  scheduled.Add(10 * time.Minute),
		}},
		assignments: []models.StopAssignment{
			{StudentID: "student-1", StopID: "stop-1"},
			{StudentID: "student-2", StopID: "stop-1"},
		},
	}

	correlator := NewTripCorrelator(tripRepo, CorrelatorConfig{GracePeriod: 15 * time.Minute}, nil, nil)
	machine := NewAttendanceMachine(attendanceRepo, &mockRouteStudents{students: []string{"student-1", "student-2"}}, 5*time.Second, nil, nil)
	engine := NewIngestEngine(
		testEngineConfig(),
		correlator,
		NewGeofenceEvaluator(1.1),
		machine,
		dispatcher,
		locations,
		geoEvents,
		topology,
		&stubTagDirectory{tags: map[string]string{"tag-1": "student-1"}},
		sink,
		nil,
		nil,
	)
	engine.Start(context.Background())
	defer engine.Stop()
	ctx := context.Background()

	// 07:58, still en route. Inside the grace window, so the trip starts.
	require.NoError(t, engine.SubmitLocation(ctx, locationEvent("bus-1", scheduled.Add(-2*time.Minute), 0.01, 0)))
	require.Eventually(t, func() bool {
		trip, err := tripRepo.FindActiveByBus(ctx, "bus-1")
		return err == nil && trip.ID == "trip-1"
	}, 2*time.Second, 10*time.Millisecond, "first fix should start the scheduled trip")
	require.Eventually(t, func() bool { return locations.count() == 1 }, 2*time.Second, 10*time.Millisecond)

	// 08:05, student-1 boards.
	record, err := engine.ProcessTagScan(ctx, models.RawEvent{
		BusID:      "bus-1",
		Timestamp:  scheduled.Add(5 * time.Minute),
		ReceivedAt: scheduled.Add(5 * time.Minute),
		TagID:      "tag-1",
		Action:     models.ScanActionPickup,
	})
	require.NoError(t, err)
	assert.Equal(t, models.AttendancePickedUp, record.Status)
	assert.Equal(t, "trip-1", record.TripID)

	// 08:30 into the fence, 08:32 back out.
	require.NoError(t, engine.SubmitLocation(ctx, locationEvent("bus-1", scheduled.Add(30*time.Minute), 0.0001, 0)))
	require.NoError(t, engine.SubmitLocation(ctx, locationEvent("bus-1", scheduled.Add(32*time.Minute), 0.001, 0)))
	require.Eventually(t, func() bool {
		kinds := geoEvents.kinds()
		return len(kinds) == 2 && kinds[0] == models.GeofenceEnter && kinds[1] == models.GeofenceExit
	}, 2*time.Second, 10*time.Millisecond, "fence pass should record enter then exit")

	// The exit is past the pickup window and student-2 never scanned.
	require.Eventually(t, func() bool {
		return len(dispatcher.byKind(models.AlertMissedPickup)) == 1
	}, 2*time.Second, 10*time.Millisecond)
	missed := dispatcher.byKind(models.AlertMissedPickup)[0]
	assert.Equal(t, "student-2", missed.StudentID)
	assert.Equal(t, "stop-1", missed.StopID)

	// 09:00, run over. Sweep flips the unscanned student to Absent.
	_, err = correlator.Complete(ctx, "trip-1", scheduled.Add(time.Hour))
	require.NoError(t, err)

	picked, err := attendanceRepo.Find(ctx, "student-1", "trip-1")
	require.NoError(t, err)
	assert.Equal(t, models.AttendancePickedUp, picked.Status)
	absent, err := attendanceRepo.Find(ctx, "student-2", "trip-1")
	require.NoError(t, err)
	assert.Equal(t, models.AttendanceAbsent, absent.Status)
}

func TestEngineReordersWithinFlushWindow(t *testing.T) {
	scheduled := time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)
	trip := scheduledTrip("trip-1", "bus-1", scheduled)
	trip.Status = models.TripStatusInProgress
	tripRepo := newMockTripRepo(trip)
	locations := &memLocationStore{}

	correlator := NewTripCorrelator(tripRepo, CorrelatorConfig{}, nil, nil)
	cfg := testEngineConfig()
	cfg.ReorderFlushEvery = 200 * time.Millisecond
	engine := NewIngestEngine(
		cfg,
		correlator,
		NewGeofenceEvaluator(1.1),
		NewAttendanceMachine(&mockAttendanceRepo{}, &mockRouteStudents{}, 5*time.Second, nil, nil),
		&captureDispatcher{},
		locations,
		&memGeofenceStore{},
		&stubTopology{},
		&stubTagDirectory{},
		&memDeadLetter{},
		nil,
		nil,
	)
	engine.Start(context.Background())
	defer engine.Stop()
	ctx := context.Background()

	// Arrive out of order inside one flush interval.
	require.NoError(t, engine.SubmitLocation(ctx, locationEvent("bus-1", scheduled.Add(10*time.Second), 0.01, 0)))
	require.NoError(t, engine.SubmitLocation(ctx, locationEvent("bus-1", scheduled.Add(5*time.Second), 0.01, 0)))

	// Both rows landing proves the buffer reordered them: applying the newer
	// fix first would have dropped the older one as out of order.
	require.Eventually(t, func() bool { return locations.count() == 2 }, 3*time.Second, 20*time.Millisecond,
		"both fixes should settle after one flush interval")
}

func TestEngineRejectsUnknownTag(t *testing.T) {
	scheduled := time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)
	trip := scheduledTrip("trip-1", "bus-1", scheduled)
	trip.Status = models.TripStatusInProgress
	correlator := NewTripCorrelator(newMockTripRepo(trip), CorrelatorConfig{}, nil, nil)
	defer correlator.Shutdown()

	engine := NewIngestEngine(
		testEngineConfig(),
		correlator,
		NewGeofenceEvaluator(1.1),
		NewAttendanceMachine(&mockAttendanceRepo{}, &mockRouteStudents{}, 5*time.Second, nil, nil),
		&captureDispatcher{},
		&memLocationStore{},
		&memGeofenceStore{},
		&stubTopology{},
		&stubTagDirectory{tags: map[string]string{}},
		&memDeadLetter{},
		nil,
		nil,
	)
	engine.Start(context.Background())
	defer engine.Stop()

	_, err := engine.ProcessTagScan(context.Background(), models.RawEvent{
		BusID:      "bus-1",
		Timestamp:  scheduled,
		ReceivedAt: scheduled,
		TagID:      "tag-unknown",
		Action:     models.ScanActionPickup,
	})
	require.Error(t, err)
	assert.True(t, appErrors.HasCode(err, appErrors.ErrInvalidEvent))
}

// flakyTripRepo fails active-trip lookups a set number of times before
// recovering, the shape of a short store outage.
type flakyTripRepo struct {
	*mockTripRepo
	mu       sync.Mutex
	failures int
	calls    int
}

func (f *flakyTripRepo) FindActiveByBus(ctx context.Context, busID string) (*models.Trip, error) {
	f.mu.Lock()
	f.calls++
	fail := f.failures > 0
	if fail {
		f.failures--
	}
	f.mu.Unlock()
	if fail {
		return nil, sql.ErrConnDone
	}
	return f.mockTripRepo.FindActiveByBus(ctx, busID)
}

func (f *flakyTripRepo) lookups() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// TestEngineReplaysFixThroughShardAfterOutage drives a fix into a correlator
// whose store is briefly down. The retried fix must come back through the
// bus's own shard worker, so it lands exactly once and never runs on a queue
// pool goroutine next to a live shard.
func TestEngineReplaysFixThroughShardAfterOutage(t *testing.T) {
	scheduled := time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)
	trip := scheduledTrip("trip-1", "bus-1", scheduled)
	trip.Status = models.TripStatusInProgress
	tripRepo := &flakyTripRepo{mockTripRepo: newMockTripRepo(trip), failures: 2}
	locations := &memLocationStore{}
	sink := &memDeadLetter{}

	correlator := NewTripCorrelator(tripRepo, CorrelatorConfig{}, nil, nil)
	cfg := testEngineConfig()
	cfg.PersistRetries = 3
	engine := NewIngestEngine(
		cfg,
		correlator,
		NewGeofenceEvaluator(1.1),
		NewAttendanceMachine(&mockAttendanceRepo{}, &mockRouteStudents{}, 5*time.Second, nil, nil),
		&captureDispatcher{},
		locations,
		&memGeofenceStore{},
		&stubTopology{},
		&stubTagDirectory{},
		sink,
		nil,
		nil,
	)
	engine.Start(context.Background())
	defer engine.Stop()
	ctx := context.Background()

	require.NoError(t, engine.SubmitLocation(ctx, locationEvent("bus-1", scheduled.Add(time.Minute), 0.01, 0)))

	require.Eventually(t, func() bool { return locations.count() == 1 }, 3*time.Second, 10*time.Millisecond,
		"fix should persist once the store recovers")
	assert.GreaterOrEqual(t, tripRepo.lookups(), 3, "two failed lookups then the successful replay")
	assert.Equal(t, "trip-1", locations.snapshot()[0].TripID)
	depth, err := sink.Len(ctx)
	require.NoError(t, err)
	assert.Zero(t, depth)
}

// TestEngineStopDrainsReorderBuffer holds the flush interval long enough that
// nothing leaves the reorder buffer on its own, then stops the engine. Both
// buffered fixes must be persisted in timestamp order on the way out.
func TestEngineStopDrainsReorderBuffer(t *testing.T) {
	scheduled := time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)
	trip := scheduledTrip("trip-1", "bus-1", scheduled)
	trip.Status = models.TripStatusInProgress
	tripRepo := newMockTripRepo(trip)
	locations := &memLocationStore{}
	sink := &memDeadLetter{}

	correlator := NewTripCorrelator(tripRepo, CorrelatorConfig{}, nil, nil)
	cfg := testEngineConfig()
	cfg.ReorderFlushEvery = time.Minute
	engine := NewIngestEngine(
		cfg,
		correlator,
		NewGeofenceEvaluator(1.1),
		NewAttendanceMachine(&mockAttendanceRepo{}, &mockRouteStudents{}, 5*time.Second, nil, nil),
		&captureDispatcher{},
		locations,
		&memGeofenceStore{},
		&stubTopology{},
		&stubTagDirectory{},
		sink,
		nil,
		nil,
	)
	engine.Start(context.Background())
	ctx := context.Background()

	require.NoError(t, engine.SubmitLocation(ctx, locationEvent("bus-1", scheduled.Add(10*time.Second), 0.01, 0)))
	require.NoError(t, engine.SubmitLocation(ctx, locationEvent("bus-1", scheduled.Add(5*time.Second), 0.01, 0)))

	engine.Stop()

	// Two rows prove the drain applied oldest first: had the newer fix gone
	// through first, the older one would have been rejected as out of order.
	fixes := locations.snapshot()
	require.Len(t, fixes, 2, "buffered fixes should persist during shutdown")
	recorded := []time.Time{fixes[0].RecordedAt, fixes[1].RecordedAt}
	assert.Contains(t, recorded, scheduled.Add(5*time.Second))
	assert.Contains(t, recorded, scheduled.Add(10*time.Second))
	depth, err := sink.Len(ctx)
	require.NoError(t, err)
	assert.Zero(t, depth, "shutdown must not dead-letter drained fixes")
}

func TestEngineParksExhaustedPersistJobs(t *testing.T) {
	scheduled := time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)
	trip := scheduledTrip("trip-1", "bus-1", scheduled)
	trip.Status = models.TripStatusInProgress
	tripRepo := newMockTripRepo(trip)
	locations := &memLocationStore{fail: true}
	sink := &memDeadLetter{}

	correlator := NewTripCorrelator(tripRepo, CorrelatorConfig{}, nil, nil)
	cfg := testEngineConfig()
	cfg.PersistRetries = 1
	engine := NewIngestEngine(
		cfg,
		correlator,
		NewGeofenceEvaluator(1.1),
		NewAttendanceMachine(&mockAttendanceRepo{}, &mockRouteStudents{}, 5*time.Second, nil, nil),
		&captureDispatcher{},
		locations,
		&memGeofenceStore{},
		&stubTopology{},
		&stubTagDirectory{},
		sink,
		nil,
		nil,
	)
	engine.Start(context.Background())
	defer engine.Stop()
	ctx := context.Background()

	require.NoError(t, engine.SubmitLocation(ctx, locationEvent("bus-1", scheduled, 0.01, 0)))

	require.Eventually(t, func() bool {
		depth, err := sink.Len(ctx)
		return err == nil && depth == 1
	}, 3*time.Second, 10*time.Millisecond, "failed persist should land in the dead letter sink")

	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.Equal(t, jobTypePersistFix, sink.envelopes[0].Kind)
	assert.NotEmpty(t, sink.envelopes[0].Reason)
}
