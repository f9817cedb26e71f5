package repository

import (
	"context"
	"database/sql"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetward/bustrack-api/internal/models"
)

func newAttendanceRepoMock(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock, func()) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	return sqlx.NewDb(db, "sqlmock"), mock, func() { db.Close() }
}

func TestAttendanceRepositoryUpsert(t *testing.T) {
	db, mock, cleanup := newAttendanceRepoMock(t)
	defer cleanup()
	repo := NewAttendanceRepository(db)

	pickupAt := time.Date(2026, 4, 1, 8, 5, 0, 0, time.UTC)
	rows := sqlmock.NewRows([]string{"id", "student_id", "trip_id", "status", "pickup_time", "drop_time", "created_at", "updated_at"}).
		AddRow("rec-1", "student-1", "trip-1", string(models.AttendancePickedUp), pickupAt, nil, pickupAt, pickupAt)
	mock.ExpectQuery("INSERT INTO attendance_records").
		WithArgs(sqlmock.AnyArg(), "student-1", "trip-1", string(models.AttendancePickedUp), pickupAt, nil, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(rows)

	stored, err := repo.Upsert(context.Background(), &models.AttendanceRecord{
		StudentID:  "student-1",
		TripID:     "trip-1",
		Status:     models.AttendancePickedUp,
		PickupTime: &pickupAt,
	})
	require.NoError(t, err)
	assert.Equal(t, "rec-1", stored.ID)
	assert.Equal(t, models.AttendancePickedUp, stored.Status)
	require.NotNil(t, stored.PickupTime)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAttendanceRepositoryFindMiss(t *testing.T) {
	db, mock, cleanup := newAttendanceRepoMock(t)
	defer cleanup()
	repo := NewAttendanceRepository(db)

	mock.ExpectQuery("SELECT .* FROM attendance_records WHERE student_id").
		WithArgs("student-9", "trip-1").
		WillReturnError(sql.ErrNoRows)

	_, err := repo.Find(context.Background(), "student-9", "trip-1")
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAttendanceRepositorySweepAbsent(t *testing.T) {
	db, mock, cleanup := newAttendanceRepoMock(t)
	defer cleanup()
	repo := NewAttendanceRepository(db)

	students := []string{"student-1", "student-2", "student-3"}
	mock.ExpectExec("INSERT INTO attendance_records").
		WithArgs("trip-1", string(models.AttendanceAbsent), sqlmock.AnyArg(), pq.Array(students), string(models.AttendanceNotRecorded)).
		WillReturnResult(sqlmock.NewResult(0, 2))

	swept, err := repo.SweepAbsent(context.Background(), "trip-1", students)
	require.NoError(t, err)
	assert.Equal(t, 2, swept)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAttendanceRepositorySweepAbsentEmptyRoster(t *testing.T) {
	db, mock, cleanup := newAttendanceRepoMock(t)
	defer cleanup()
	repo := NewAttendanceRepository(db)

	swept, err := repo.SweepAbsent(context.Background(), "trip-1", nil)
	require.NoError(t, err)
	assert.Zero(t, swept)
	assert.NoError(t, mock.ExpectationsWereMet())
}
