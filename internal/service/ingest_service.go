package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fleetward/bustrack-api/internal/models"
	"github.com/fleetward/bustrack-api/internal/repository"
	appErrors "github.com/fleetward/bustrack-api/pkg/errors"
	"github.com/fleetward/bustrack-api/pkg/jobs"
)

type locationWriter interface {
	Insert(ctx context.Context, fix *models.LocationFix) error
}

type geofenceWriter interface {
	Insert(ctx context.Context, event *models.GeofenceEvent) error
}

type routeTopologyReader interface {
	Stops(ctx context.Context, routeID string) ([]models.RouteStop, error)
	StopAssignments(ctx context.Context, routeID string) ([]models.StopAssignment, error)
}

type tagResolver interface {
	Resolve(ctx context.Context, tagID string) (string, error)
}

type deadLetterSink interface {
	Push(ctx context.Context, envelope repository.DeadLetterEnvelope) error
	Len(ctx context.Context) (int64, error)
}

// IngestConfig mirrors config.IngestConfig for the engine's own tunables.
type IngestConfig struct {
	StalenessThreshold time.Duration
	ReorderFlushEvery  time.Duration
	WorkerShards       int
	WorkerBuffer       int
	PersistTimeout     time.Duration
	PersistRetries     int
	RetryBackoff       time.Duration
	DispatchTimeout    time.Duration
}

type pendingFix struct {
	fix      *models.LocationFix
	received time.Time
}

// busShard serializes all location events for the buses hashed onto it.
// Events sit in a per-bus reorder buffer for one flush interval so that
// out-of-order arrivals inside the window are applied in timestamp order.
type busShard struct {
	mailbox chan pendingFix
	buffers map[string][]pendingFix
}

// IngestEngine is the front door of the location/attendance pipeline. It
// accepts normalized events, routes location fixes through per-bus workers
// (trip correlation, geofence evaluation, persistence) and applies tag scans
// synchronously so the caller sees the attendance verdict.
type IngestEngine struct {
	cfg        IngestConfig
	normalizer *Normalizer
	correlator *TripCorrelator
	geofence   *GeofenceEvaluator
	attendance *AttendanceMachine
	alerts     AlertDispatcher
	locations  locationWriter
	geoEvents  geofenceWriter
	routes     routeTopologyReader
	tags       tagResolver
	deadLetter deadLetterSink
	metrics    *MetricsService
	logger     *zap.Logger

	persistQueue *jobs.Queue
	shards       []*busShard

	mu          sync.Mutex
	stopsCache  map[string][]models.RouteStop // tripID -> stops
	lastApplied map[string]time.Time          // busID -> last applied fix timestamp

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// NewIngestEngine wires the engine together. The correlator's finish hook is
// registered here: completion sweeps attendance and tears down trip state.
func NewIngestEngine(
	cfg IngestConfig,
	correlator *TripCorrelator,
	geofence *GeofenceEvaluator,
	attendance *AttendanceMachine,
	alerts AlertDispatcher,
	locations locationWriter,
	geoEvents geofenceWriter,
	routes routeTopologyReader,
	tags tagResolver,
	deadLetter deadLetterSink,
	metrics *MetricsService,
	logger *zap.Logger,
) *IngestEngine {
	if cfg.WorkerShards <= 0 {
		cfg.WorkerShards = 32
	}
	if cfg.WorkerBuffer <= 0 {
		cfg.WorkerBuffer = 256
	}
	if cfg.ReorderFlushEvery <= 0 {
		cfg.ReorderFlushEvery = 2 * time.Second
	}
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = 5 * time.Second
	}
	if cfg.DispatchTimeout <= 0 {
		cfg.DispatchTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	e := &IngestEngine{
		cfg:         cfg,
		normalizer:  NewNormalizer(cfg.StalenessThreshold),
		correlator:  correlator,
		geofence:    geofence,
		attendance:  attendance,
		alerts:      alerts,
		locations:   locations,
		geoEvents:   geoEvents,
		routes:      routes,
		tags:        tags,
		deadLetter:  deadLetter,
		metrics:     metrics,
		logger:      logger,
		stopsCache:  make(map[string][]models.RouteStop),
		lastApplied: make(map[string]time.Time),
	}

	e.persistQueue = jobs.NewQueue("ingest-persist", e.handlePersistJob, jobs.QueueConfig{
		Workers:    4,
		BufferSize: cfg.WorkerShards * 8,
		MaxRetries: cfg.PersistRetries,
		RetryDelay: cfg.RetryBackoff,
		OnDrop:     e.parkJob,
		Logger:     logger,
	})

	e.shards = make([]*busShard, cfg.WorkerShards)
	for i := range e.shards {
		e.shards[i] = &busShard{
			mailbox: make(chan pendingFix, cfg.WorkerBuffer),
			buffers: make(map[string][]pendingFix),
		}
	}

	correlator.OnFinish(e.tripFinished)
	return e
}

// Start launches the shard workers and the persistence retry queue.
func (e *IngestEngine) Start(ctx context.Context) {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return
	}
	e.started = true
	e.ctx, e.cancel = context.WithCancel(ctx)
	e.mu.Unlock()

	// The queue outlives e.ctx on purpose: shard workers drain their reorder
	// buffers into it during shutdown, after e.cancel has fired.
	e.persistQueue.Start(context.WithoutCancel(e.ctx))
	for _, shard := range e.shards {
		e.wg.Add(1)
		go e.runShard(shard)
	}
	e.wg.Add(1)
	go e.watchDeadLetterDepth()

	e.logger.Info("ingest engine started", zap.Int("shards", len(e.shards)))
}

// Stop halts intake, lets the shard workers drain their reorder buffers into
// the persist queue, then stops the queue and the idle timers. Buffered fixes
// are persisted on the way out, not dropped.
func (e *IngestEngine) Stop() {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()

	e.cancel()
	e.wg.Wait()
	e.persistQueue.Stop()
	e.correlator.Shutdown()
	e.logger.Info("ingest engine stopped")
}

// SubmitLocation validates a raw location event and hands it to the owning
// bus worker. The call returns once the event is accepted for processing.
func (e *IngestEngine) SubmitLocation(ctx context.Context, raw models.RawEvent) error {
	raw.Kind = models.EventKindLocation
	canonical, err := e.normalizer.Normalize(raw)
	if err != nil {
		e.metrics.RecordIngest("location", "invalid")
		return err
	}

	shard := e.shardFor(canonical.Fix.BusID)
	entry := pendingFix{fix: canonical.Fix, received: time.Now().UTC()}
	select {
	case shard.mailbox <- entry:
		e.metrics.RecordIngest("location", "accepted")
		return nil
	case <-ctx.Done():
		return appErrors.Wrap(ctx.Err(), appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "ingest cancelled")
	}
}

// ProcessTagScan validates, resolves and applies a tag scan synchronously.
// The attendance verdict (including InvalidTransition and the duplicate-scan
// no-op) is surfaced straight back to the reader that sent it.
func (e *IngestEngine) ProcessTagScan(ctx context.Context, raw models.RawEvent) (*models.AttendanceRecord, error) {
	raw.Kind = models.EventKindTagScan
	canonical, err := e.normalizer.Normalize(raw)
	if err != nil {
		e.metrics.RecordIngest("tag_scan", "invalid")
		return nil, err
	}
	scan := canonical.Scan

	studentID, err := e.tags.Resolve(ctx, scan.TagID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			e.metrics.RecordIngest("tag_scan", "unknown_tag")
			return nil, appErrors.Clone(appErrors.ErrInvalidEvent, "tag is not assigned to a student")
		}
		e.metrics.RecordIngest("tag_scan", "error")
		return nil, appErrors.Wrap(err, appErrors.ErrPersistence.Code, appErrors.ErrPersistence.Status, "failed to resolve tag")
	}

	trip, err := e.correlator.Correlate(ctx, scan.BusID, scan.RecordedAt)
	if err != nil {
		if appErrors.HasCode(err, appErrors.ErrNoActiveTrip) {
			e.metrics.RecordIngest("tag_scan", "no_active_trip")
		} else {
			e.metrics.RecordIngest("tag_scan", "error")
		}
		return nil, err
	}

	record, err := e.attendance.ApplyTagScan(ctx, trip.ID, studentID, scan.Action, scan.RecordedAt)
	if err != nil {
		if appErrors.HasCode(err, appErrors.ErrInvalidTransition) {
			e.metrics.RecordIngest("tag_scan", "invalid_transition")
		} else {
			e.metrics.RecordIngest("tag_scan", "error")
		}
		return nil, err
	}
	e.metrics.RecordIngest("tag_scan", "applied")
	return record, nil
}

func (e *IngestEngine) shardFor(busID string) *busShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(busID))
	return e.shards[h.Sum32()%uint32(len(e.shards))]
}

func (e *IngestEngine) runShard(shard *busShard) {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.ReorderFlushEvery)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			// Pull whatever is still sitting in the mailbox before the
			// final flush so accepted fixes are not lost on shutdown.
			for {
				select {
				case entry := <-shard.mailbox:
					shard.buffers[entry.fix.BusID] = append(shard.buffers[entry.fix.BusID], entry)
				default:
					e.flushShard(shard, true)
					return
				}
			}
		case entry := <-shard.mailbox:
			shard.buffers[entry.fix.BusID] = append(shard.buffers[entry.fix.BusID], entry)
		case <-ticker.C:
			e.flushShard(shard, false)
		}
	}
}

// flushShard releases buffered fixes that have aged one full flush interval,
// in timestamp order per bus. Holding events for one interval lets slightly
// out-of-order arrivals settle before application.
func (e *IngestEngine) flushShard(shard *busShard, drain bool) {
	cutoff := time.Now().UTC().Add(-e.cfg.ReorderFlushEvery)
	for busID, buffer := range shard.buffers {
		sort.SliceStable(buffer, func(i, j int) bool {
			return buffer[i].fix.RecordedAt.Before(buffer[j].fix.RecordedAt)
		})
		var kept []pendingFix
		for _, entry := range buffer {
			if !drain && entry.received.After(cutoff) {
				kept = append(kept, entry)
				continue
			}
			e.applyFix(entry.fix)
		}
		if len(kept) == 0 {
			delete(shard.buffers, busID)
		} else {
			shard.buffers[busID] = kept
		}
	}
}

// applyFix runs one location fix through correlation, persistence and
// geofence evaluation. Runs on the bus's worker goroutine only.
func (e *IngestEngine) applyFix(fix *models.LocationFix) {
	start := time.Now()
	defer func() {
		e.metrics.ObserveProcessing(time.Since(start))
	}()

	e.mu.Lock()
	last, seen := e.lastApplied[fix.BusID]
	e.mu.Unlock()
	if seen && fix.RecordedAt.Before(last) {
		// Survived the reorder buffer and still behind: too old to safely
		// rewind correlator and fence state.
		e.metrics.RecordIngest("location", "out_of_order")
		return
	}

	// WithoutCancel: fixes drained from the reorder buffers during shutdown
	// still need correlation and persistence after e.cancel has fired. Each
	// call stays bounded by its own timeout.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(e.ctx), e.cfg.PersistTimeout)
	trip, err := e.correlator.Correlate(ctx, fix.BusID, fix.RecordedAt)
	cancel()
	if err != nil {
		switch {
		case appErrors.HasCode(err, appErrors.ErrNoActiveTrip):
			e.metrics.RecordIngest("location", "no_active_trip")
			e.logger.Debug("fix without active trip", zap.String("bus_id", fix.BusID), zap.Time("recorded_at", fix.RecordedAt))
		case appErrors.HasCode(err, appErrors.ErrPersistence):
			e.metrics.RecordIngest("location", "retried")
			e.enqueuePersist(jobs.Job{Type: jobTypeApplyFix, Payload: fix})
		default:
			e.metrics.RecordIngest("location", "error")
			e.logger.Error("fix correlation failed", zap.String("bus_id", fix.BusID), zap.Error(err))
		}
		return
	}

	e.mu.Lock()
	e.lastApplied[fix.BusID] = fix.RecordedAt
	e.mu.Unlock()

	fix.TripID = trip.ID
	e.enqueuePersist(jobs.Job{Type: jobTypePersistFix, Payload: fix})

	stops, err := e.tripStops(trip)
	if err != nil {
		e.logger.Error("route stops unavailable", zap.String("trip_id", trip.ID), zap.Error(err))
		return
	}

	result := e.geofence.Evaluate(trip.ID, stops, fix)
	for i := range result.Events {
		event := result.Events[i]
		e.metrics.RecordGeofence(string(event.Kind))
		e.enqueuePersist(jobs.Job{Type: jobTypePersistGeofence, Payload: &event})
		if event.Kind == models.GeofenceExit {
			e.checkMissedPickups(trip, stops, event)
		}
	}
	for _, stop := range result.SkippedStops {
		e.dispatchAsync(models.AlertIntent{
			Kind:     models.AlertGeofenceBreach,
			TripID:   trip.ID,
			BusID:    fix.BusID,
			StopID:   stop.ID,
			Message:  fmt.Sprintf("stop %q passed without geofence entry", stop.Name),
			RaisedAt: fix.RecordedAt,
		})
	}
}

// tripStops returns the route stops for a trip, cached for the trip's
// lifetime. RouteStops are immutable while the trip runs, so one read is
// enough.
func (e *IngestEngine) tripStops(trip *models.Trip) ([]models.RouteStop, error) {
	e.mu.Lock()
	stops, ok := e.stopsCache[trip.ID]
	e.mu.Unlock()
	if ok {
		return stops, nil
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(e.ctx), e.cfg.PersistTimeout)
	defer cancel()
	stops, err := e.routes.Stops(ctx, trip.RouteID)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.stopsCache[trip.ID] = stops
	e.mu.Unlock()
	return stops, nil
}

// checkMissedPickups raises a MissedPickup intent for every student assigned
// to the exited stop who is still unscanned past the stop's pickup window.
func (e *IngestEngine) checkMissedPickups(trip *models.Trip, stops []models.RouteStop, exit models.GeofenceEvent) {
	var stop *models.RouteStop
	for i := range stops {
		if stops[i].ID == exit.StopID {
			stop = &stops[i]
			break
		}
	}
	if stop == nil || exit.RecordedAt.Before(stop.PickupUntil) {
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(e.ctx), e.cfg.PersistTimeout)
	defer cancel()

	assignments, err := e.routes.StopAssignments(ctx, trip.RouteID)
	if err != nil {
		e.logger.Warn("stop assignments unavailable", zap.String("trip_id", trip.ID), zap.Error(err))
		return
	}
	for _, assignment := range assignments {
		if assignment.StopID != exit.StopID {
			continue
		}
		status, err := e.attendance.Status(ctx, trip.ID, assignment.StudentID)
		if err != nil || status != models.AttendanceNotRecorded {
			continue
		}
		e.dispatchAsync(models.AlertIntent{
			Kind:      models.AlertMissedPickup,
			TripID:    trip.ID,
			BusID:     exit.BusID,
			StopID:    exit.StopID,
			StudentID: assignment.StudentID,
			Message:   "student not scanned before bus left the stop",
			RaisedAt:  exit.RecordedAt,
		})
	}
}

// RaiseEmergency passes an out-of-band emergency straight to the dispatcher.
func (e *IngestEngine) RaiseEmergency(busID, tripID, message string) {
	e.dispatchAsync(models.AlertIntent{
		Kind:     models.AlertEmergency,
		BusID:    busID,
		TripID:   tripID,
		Message:  message,
		RaisedAt: time.Now().UTC(),
	})
}

// dispatchAsync hands the intent to the dispatcher on its own goroutine with
// a bounded timeout. Dispatch failures never reach the ingestion path.
func (e *IngestEngine) dispatchAsync(intent models.AlertIntent) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), e.cfg.DispatchTimeout)
		defer cancel()
		e.alerts.Dispatch(ctx, intent)
	}()
}

// tripFinished is the correlator's finish hook: sweep attendance (completed
// trips only), tear down fence state and the stops cache.
func (e *IngestEngine) tripFinished(trip *models.Trip) {
	if trip.Status == models.TripStatusCompleted {
		ctx, cancel := context.WithTimeout(context.Background(), 2*e.cfg.PersistTimeout)
		if _, err := e.attendance.Sweep(ctx, trip); err != nil {
			e.logger.Error("attendance sweep failed", zap.String("trip_id", trip.ID), zap.Error(err))
		}
		cancel()
	}

	e.geofence.DropTrip(trip.ID)
	e.mu.Lock()
	delete(e.stopsCache, trip.ID)
	delete(e.lastApplied, trip.BusID)
	e.mu.Unlock()
}

const (
	jobTypeApplyFix        = "apply_fix"
	jobTypePersistFix      = "persist_fix"
	jobTypePersistGeofence = "persist_geofence"
)

func (e *IngestEngine) enqueuePersist(job jobs.Job) {
	if err := e.persistQueue.Enqueue(job); err != nil {
		e.logger.Error("persist queue rejected job", zap.String("type", job.Type), zap.Error(err))
		e.parkJob(context.Background(), job, err)
	}
}

// handlePersistJob is the retry queue handler. Each attempt gets a fresh
// bounded timeout; errors bubble up so the queue applies backoff.
func (e *IngestEngine) handlePersistJob(ctx context.Context, job jobs.Job) error {
	attemptCtx, cancel := context.WithTimeout(ctx, e.cfg.PersistTimeout)
	defer cancel()

	switch job.Type {
	case jobTypePersistFix:
		fix, ok := job.Payload.(*models.LocationFix)
		if !ok {
			return fmt.Errorf("unexpected payload for %s", job.Type)
		}
		return e.locations.Insert(attemptCtx, fix)
	case jobTypePersistGeofence:
		event, ok := job.Payload.(*models.GeofenceEvent)
		if !ok {
			return fmt.Errorf("unexpected payload for %s", job.Type)
		}
		return e.geoEvents.Insert(attemptCtx, event)
	case jobTypeApplyFix:
		fix, ok := job.Payload.(*models.LocationFix)
		if !ok {
			return fmt.Errorf("unexpected payload for %s", job.Type)
		}
		// Replays go back through the bus's own shard so the per-bus
		// sequence point holds; applying here would run the fix on a pool
		// goroutine concurrently with the shard worker.
		if e.ctx.Err() != nil {
			// Shard workers are gone; erroring out routes the fix to the
			// dead-letter sink instead of a mailbox nobody reads.
			return fmt.Errorf("engine stopped, cannot replay fix for bus %s", fix.BusID)
		}
		select {
		case e.shardFor(fix.BusID).mailbox <- pendingFix{fix: fix, received: time.Now().UTC()}:
			return nil
		default:
			return fmt.Errorf("shard mailbox full for bus %s", fix.BusID)
		}
	default:
		return fmt.Errorf("unknown job type %s", job.Type)
	}
}

// parkJob is the dead-letter hook: an event that exhausted its retries is
// parked in the sink for manual replay.
func (e *IngestEngine) parkJob(_ context.Context, job jobs.Job, cause error) {
	payload, err := json.Marshal(job.Payload)
	if err != nil {
		e.logger.Error("dead letter marshal failed", zap.String("type", job.Type), zap.Error(err))
		return
	}
	envelope := repository.DeadLetterEnvelope{
		Kind:    job.Type,
		Payload: payload,
		Reason:  cause.Error(),
	}
	pushCtx, cancel := context.WithTimeout(context.Background(), e.cfg.PersistTimeout)
	defer cancel()
	if err := e.deadLetter.Push(pushCtx, envelope); err != nil {
		e.logger.Error("dead letter push failed", zap.String("type", job.Type), zap.Error(err))
		return
	}
	e.metrics.RecordIngest("persist", "dead_letter")
}

// watchDeadLetterDepth refreshes the sink depth gauge.
func (e *IngestEngine) watchDeadLetterDepth() {
	defer e.wg.Done()
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(e.ctx, 2*time.Second)
			depth, err := e.deadLetter.Len(ctx)
			cancel()
			if err == nil {
				e.metrics.SetDeadLetterDepth(depth)
			}
		}
	}
}
