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

type attendanceRepository interface {
	Upsert(ctx context.Context, record *models.AttendanceRecord) (*models.AttendanceRecord, error)
	Find(ctx context.Context, studentID, tripID string) (*models.AttendanceRecord, error)
	ListByTrip(ctx context.Context, tripID string) ([]models.AttendanceRecord, error)
	SweepAbsent(ctx context.Context, tripID string, studentIDs []string) (int, error)
}

type routeStudentReader interface {
	StudentIDs(ctx context.Context, routeID string) ([]string, error)
}

// transition is the attendance FSM in one place. It returns the next status
// and which timestamp field the action sets; ok=false means the combination
// is not a legal transition.
func transition(current models.AttendanceStatus, action models.ScanAction) (next models.AttendanceStatus, ok bool) {
	switch {
	case current == models.AttendanceNotRecorded && action == models.ScanActionPickup:
		return models.AttendancePickedUp, true
	case current == models.AttendancePickedUp && action == models.ScanActionDrop:
		return models.AttendanceDroppedOff, true
	default:
		return current, false
	}
}

// satisfiedBy reports whether the action already produced the current state,
// i.e. re-applying it would be a duplicate rather than a violation.
func satisfiedBy(current models.AttendanceStatus, action models.ScanAction) bool {
	switch action {
	case models.ScanActionPickup:
		return current == models.AttendancePickedUp || current == models.AttendanceDroppedOff
	case models.ScanActionDrop:
		return current == models.AttendanceDroppedOff
	default:
		return false
	}
}

// AttendanceMachine applies tag-scan transitions per (student, trip) pair.
// The read-modify-write is guarded by a keyed mutex so concurrent duplicate
// scans cannot produce lost updates; duplicates inside the tolerance window
// resolve as no-op successes on top of that.
type AttendanceMachine struct {
	repo      attendanceRepository
	routes    routeStudentReader
	duplicate time.Duration
	metrics   *MetricsService
	logger    *zap.Logger

	locks sync.Map // "studentID|tripID" -> *sync.Mutex
}

// NewAttendanceMachine constructs the machine.
func NewAttendanceMachine(repo attendanceRepository, routes routeStudentReader, duplicateWindow time.Duration, metrics *MetricsService, logger *zap.Logger) *AttendanceMachine {
	if duplicateWindow <= 0 {
		duplicateWindow = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AttendanceMachine{repo: repo, routes: routes, duplicate: duplicateWindow, metrics: metrics, logger: logger}
}

// ApplyTagScan moves the (student, trip) record through the FSM. A student
// with no record is implicitly NotRecorded and gets their record created on
// the first valid transition.
func (m *AttendanceMachine) ApplyTagScan(ctx context.Context, tripID, studentID string, action models.ScanAction, at time.Time) (*models.AttendanceRecord, error) {
	if !action.Valid() {
		return nil, appErrors.Clone(appErrors.ErrValidation, "unknown scan action")
	}

	lock := m.lockFor(studentID + "|" + tripID)
	lock.Lock()
	defer lock.Unlock()

	record, err := m.repo.Find(ctx, studentID, tripID)
	switch {
	case err == nil:
	case errors.Is(err, sql.ErrNoRows):
		record = &models.AttendanceRecord{
			StudentID: studentID,
			TripID:    tripID,
			Status:    models.AttendanceNotRecorded,
		}
	default:
		return nil, appErrors.Wrap(err, appErrors.ErrPersistence.Code, appErrors.ErrPersistence.Status, "failed to read attendance")
	}

	if satisfiedBy(record.Status, action) {
		if m.withinDuplicateWindow(record, action, at) {
			return record, nil
		}
		return nil, appErrors.Clone(appErrors.ErrInvalidTransition, "duplicate scan outside tolerance window")
	}

	next, ok := transition(record.Status, action)
	if !ok {
		return nil, appErrors.Clone(appErrors.ErrInvalidTransition, "scan not allowed in current state")
	}

	record.Status = next
	at = at.UTC()
	switch action {
	case models.ScanActionPickup:
		record.PickupTime = &at
	case models.ScanActionDrop:
		record.DropTime = &at
	}

	stored, err := m.repo.Upsert(ctx, record)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrPersistence.Code, appErrors.ErrPersistence.Status, "failed to store attendance")
	}
	m.metrics.RecordAttendance(string(stored.Status))
	return stored, nil
}

// MarkAbsent explicitly records a never-scanned student Absent, e.g. from a
// staff correction UI. Only legal from NotRecorded.
func (m *AttendanceMachine) MarkAbsent(ctx context.Context, tripID, studentID string) (*models.AttendanceRecord, error) {
	lock := m.lockFor(studentID + "|" + tripID)
	lock.Lock()
	defer lock.Unlock()

	record, err := m.repo.Find(ctx, studentID, tripID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, appErrors.Wrap(err, appErrors.ErrPersistence.Code, appErrors.ErrPersistence.Status, "failed to read attendance")
	}
	if record != nil && record.Status != models.AttendanceNotRecorded {
		return nil, appErrors.Clone(appErrors.ErrInvalidTransition, "attendance already recorded")
	}

	stored, err := m.repo.Upsert(ctx, &models.AttendanceRecord{
		StudentID: studentID,
		TripID:    tripID,
		Status:    models.AttendanceAbsent,
	})
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrPersistence.Code, appErrors.ErrPersistence.Status, "failed to store attendance")
	}
	m.metrics.RecordAttendance(string(stored.Status))
	return stored, nil
}

// Sweep marks every student assigned to the trip's route who is still
// NotRecorded as Absent. PickedUp and DroppedOff rows are never overwritten.
// Invoked once per trip on the Completed transition.
func (m *AttendanceMachine) Sweep(ctx context.Context, trip *models.Trip) (int, error) {
	students, err := m.routes.StudentIDs(ctx, trip.RouteID)
	if err != nil {
		return 0, appErrors.Wrap(err, appErrors.ErrPersistence.Code, appErrors.ErrPersistence.Status, "failed to load route students")
	}
	if len(students) == 0 {
		return 0, nil
	}
	swept, err := m.repo.SweepAbsent(ctx, trip.ID, students)
	if err != nil {
		return 0, appErrors.Wrap(err, appErrors.ErrPersistence.Code, appErrors.ErrPersistence.Status, "failed to sweep attendance")
	}
	if swept > 0 {
		m.logger.Info("end-of-trip sweep",
			zap.String("trip_id", trip.ID),
			zap.Int("marked_absent", swept),
		)
	}
	return swept, nil
}

// Status returns the effective state for a pair, mapping a missing record to
// the implicit NotRecorded.
func (m *AttendanceMachine) Status(ctx context.Context, tripID, studentID string) (models.AttendanceStatus, error) {
	record, err := m.repo.Find(ctx, studentID, tripID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.AttendanceNotRecorded, nil
		}
		return "", appErrors.Wrap(err, appErrors.ErrPersistence.Code, appErrors.ErrPersistence.Status, "failed to read attendance")
	}
	return record.Status, nil
}

func (m *AttendanceMachine) withinDuplicateWindow(record *models.AttendanceRecord, action models.ScanAction, at time.Time) bool {
	var prior *time.Time
	switch action {
	case models.ScanActionPickup:
		prior = record.PickupTime
	case models.ScanActionDrop:
		prior = record.DropTime
	}
	if prior == nil {
		return false
	}
	delta := at.Sub(*prior)
	if delta < 0 {
		delta = -delta
	}
	return delta <= m.duplicate
}

func (m *AttendanceMachine) lockFor(key string) *sync.Mutex {
	actual, _ := m.locks.LoadOrStore(key, &sync.Mutex{})
	return actual.(*sync.Mutex)
}
