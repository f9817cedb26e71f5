package service

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetward/bustrack-api/internal/models"
	appErrors "github.com/fleetward/bustrack-api/pkg/errors"
)

type mockAttendanceRepo struct {
	records map[string]models.AttendanceRecord // studentID|tripID
	failing bool
}

func (m *mockAttendanceRepo) key(studentID, tripID string) string {
	return studentID + "|" + tripID
}

func (m *mockAttendanceRepo) Upsert(ctx context.Context, record *models.AttendanceRecord) (*models.AttendanceRecord, error) {
	if m.failing {
		return nil, sql.ErrConnDone
	}
	if m.records == nil {
		m.records = make(map[string]models.AttendanceRecord)
	}
	stored := *record
	if existing, ok := m.records[m.key(record.StudentID, record.TripID)]; ok {
		stored.ID = existing.ID
		if stored.PickupTime == nil {
			stored.PickupTime = existing.PickupTime
		}
		if stored.DropTime == nil {
			stored.DropTime = existing.DropTime
		}
	} else {
		stored.ID = "rec-" + record.StudentID
	}
	stored.UpdatedAt = time.Now().UTC()
	m.records[m.key(record.StudentID, record.TripID)] = stored
	return &stored, nil
}

func (m *mockAttendanceRepo) Find(ctx context.Context, studentID, tripID string) (*models.AttendanceRecord, error) {
	if m.failing {
		return nil, sql.ErrConnDone
	}
	if record, ok := m.records[m.key(studentID, tripID)]; ok {
		copied := record
		return &copied, nil
	}
	return nil, sql.ErrNoRows
}

func (m *mockAttendanceRepo) ListByTrip(ctx context.Context, tripID string) ([]models.AttendanceRecord, error) {
	var out []models.AttendanceRecord
	for _, record := range m.records {
		if record.TripID == tripID {
			out = append(out, record)
		}
	}
	return out, nil
}

func (m *mockAttendanceRepo) SweepAbsent(ctx context.Context, tripID string, studentIDs []string) (int, error) {
	if m.records == nil {
		m.records = make(map[string]models.AttendanceRecord)
	}
	swept := 0
	for _, studentID := range studentIDs {
		key := m.key(studentID, tripID)
		record, ok := m.records[key]
		if !ok {
			m.records[key] = models.AttendanceRecord{
				ID:        "rec-" + studentID,
				StudentID: studentID,
				TripID:    tripID,
				Status:    models.AttendanceAbsent,
			}
			swept++
			continue
		}
		if record.Status == models.AttendanceNotRecorded {
			record.Status = models.AttendanceAbsent
			m.records[key] = record
			swept++
		}
	}
	return swept, nil
}

type mockRouteStudents struct {
	students []string
}

func (m *mockRouteStudents) StudentIDs(ctx context.Context, routeID string) ([]string, error) {
	return m.students, nil
}

func newTestMachine(repo *mockAttendanceRepo, students ...string) *AttendanceMachine {
	return NewAttendanceMachine(repo, &mockRouteStudents{students: students}, 5*time.Second, nil, nil)
}

func TestApplyTagScanPickupThenDrop(t *testing.T) {
	repo := &mockAttendanceRepo{}
	machine := newTestMachine(repo)
	ctx := context.Background()
	pickupAt := time.Date(2026, 4, 1, 8, 5, 0, 0, time.UTC)

	record, err := machine.ApplyTagScan(ctx, "trip-1", "student-1", models.ScanActionPickup, pickupAt)
	require.NoError(t, err)
	assert.Equal(t, models.AttendancePickedUp, record.Status)
	require.NotNil(t, record.PickupTime)
	assert.Equal(t, pickupAt, *record.PickupTime)

	dropAt := pickupAt.Add(40 * time.Minute)
	record, err = machine.ApplyTagScan(ctx, "trip-1", "student-1", models.ScanActionDrop, dropAt)
	require.NoError(t, err)
	assert.Equal(t, models.AttendanceDroppedOff, record.Status)
	require.NotNil(t, record.DropTime)
	assert.Equal(t, pickupAt, *record.PickupTime)
}

func TestApplyTagScanDuplicateWithinWindowIsNoop(t *testing.T) {
	repo := &mockAttendanceRepo{}
	machine := newTestMachine(repo)
	ctx := context.Background()
	at := time.Date(2026, 4, 1, 8, 5, 0, 0, time.UTC)

	first, err := machine.ApplyTagScan(ctx, "trip-1", "student-1", models.ScanActionPickup, at)
	require.NoError(t, err)

	// Same reader firing twice two seconds apart.
	second, err := machine.ApplyTagScan(ctx, "trip-1", "student-1", models.ScanActionPickup, at.Add(2*time.Second))
	require.NoError(t, err)
	assert.Equal(t, models.AttendancePickedUp, second.Status)
	assert.Equal(t, *first.PickupTime, *second.PickupTime)
}

func TestApplyTagScanDuplicateOutsideWindowRejected(t *testing.T) {
	repo := &mockAttendanceRepo{}
	machine := newTestMachine(repo)
	ctx := context.Background()
	at := time.Date(2026, 4, 1, 8, 5, 0, 0, time.UTC)

	_, err := machine.ApplyTagScan(ctx, "trip-1", "student-1", models.ScanActionPickup, at)
	require.NoError(t, err)

	_, err = machine.ApplyTagScan(ctx, "trip-1", "student-1", models.ScanActionPickup, at.Add(time.Minute))
	require.Error(t, err)
	assert.True(t, appErrors.HasCode(err, appErrors.ErrInvalidTransition))
}

func TestApplyTagScanDropBeforePickupRejected(t *testing.T) {
	repo := &mockAttendanceRepo{}
	machine := newTestMachine(repo)

	_, err := machine.ApplyTagScan(context.Background(), "trip-1", "student-1", models.ScanActionDrop, time.Now().UTC())
	require.Error(t, err)
	assert.True(t, appErrors.HasCode(err, appErrors.ErrInvalidTransition))
	assert.Empty(t, repo.records)
}

func TestApplyTagScanPersistenceFailure(t *testing.T) {
	repo := &mockAttendanceRepo{failing: true}
	machine := newTestMachine(repo)

	_, err := machine.ApplyTagScan(context.Background(), "trip-1", "student-1", models.ScanActionPickup, time.Now().UTC())
	require.Error(t, err)
	assert.True(t, appErrors.HasCode(err, appErrors.ErrPersistence))
}

func TestMarkAbsent(t *testing.T) {
	repo := &mockAttendanceRepo{}
	machine := newTestMachine(repo)
	ctx := context.Background()

	record, err := machine.MarkAbsent(ctx, "trip-1", "student-1")
	require.NoError(t, err)
	assert.Equal(t, models.AttendanceAbsent, record.Status)

	// Cannot mark a picked-up student absent.
	_, err = machine.ApplyTagScan(ctx, "trip-1", "student-2", models.ScanActionPickup, time.Now().UTC())
	require.NoError(t, err)
	_, err = machine.MarkAbsent(ctx, "trip-1", "student-2")
	require.Error(t, err)
	assert.True(t, appErrors.HasCode(err, appErrors.ErrInvalidTransition))
}

func TestSweepPreservesScannedStudents(t *testing.T) {
	repo := &mockAttendanceRepo{}
	machine := newTestMachine(repo, "student-1", "student-2", "student-3")
	ctx := context.Background()

	_, err := machine.ApplyTagScan(ctx, "trip-1", "student-1", models.ScanActionPickup, time.Now().UTC())
	require.NoError(t, err)

	swept, err := machine.Sweep(ctx, &models.Trip{ID: "trip-1", RouteID: "route-1"})
	require.NoError(t, err)
	assert.Equal(t, 2, swept)

	status, err := machine.Status(ctx, "trip-1", "student-1")
	require.NoError(t, err)
	assert.Equal(t, models.AttendancePickedUp, status)

	status, err = machine.Status(ctx, "trip-1", "student-2")
	require.NoError(t, err)
	assert.Equal(t, models.AttendanceAbsent, status)
}

func TestStatusMissingRecordIsNotRecorded(t *testing.T) {
	machine := newTestMachine(&mockAttendanceRepo{})
	status, err := machine.Status(context.Background(), "trip-1", "student-9")
	require.NoError(t, err)
	assert.Equal(t, models.AttendanceNotRecorded, status)
}
