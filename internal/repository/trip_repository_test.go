package repository

import (
	"context"
	"database/sql"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetward/bustrack-api/internal/models"
)

func newTripRepoMock(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock, func()) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	return sqlx.NewDb(db, "sqlmock"), mock, func() { db.Close() }
}

func tripRow(id, busID string, status models.TripStatus) *sqlmock.Rows {
	now := time.Now().UTC()
	return sqlmock.NewRows([]string{"id", "route_id", "bus_id", "status", "scheduled_start", "scheduled_end", "actual_start", "actual_end", "created_at", "updated_at"}).
		AddRow(id, "route-1", busID, string(status), now, now.Add(time.Hour), nil, nil, now, now)
}

func TestTripRepositoryCreate(t *testing.T) {
	db, mock, cleanup := newTripRepoMock(t)
	defer cleanup()
	repo := NewTripRepository(db)

	mock.ExpectExec("INSERT INTO trips").
		WithArgs(sqlmock.AnyArg(), "route-1", "bus-1", string(models.TripStatusScheduled), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	trip := &models.Trip{
		RouteID:        "route-1",
		BusID:          "bus-1",
		ScheduledStart: time.Now().UTC(),
		ScheduledEnd:   time.Now().UTC().Add(time.Hour),
	}
	require.NoError(t, repo.Create(context.Background(), trip))
	assert.NotEmpty(t, trip.ID)
	assert.Equal(t, models.TripStatusScheduled, trip.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTripRepositoryFindActiveByBus(t *testing.T) {
	db, mock, cleanup := newTripRepoMock(t)
	defer cleanup()
	repo := NewTripRepository(db)

	mock.ExpectQuery("SELECT .* FROM trips WHERE bus_id").
		WithArgs("bus-1", string(models.TripStatusInProgress)).
		WillReturnRows(tripRow("trip-1", "bus-1", models.TripStatusInProgress))

	trip, err := repo.FindActiveByBus(context.Background(), "bus-1")
	require.NoError(t, err)
	assert.Equal(t, "trip-1", trip.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTripRepositoryFindActiveByBusMiss(t *testing.T) {
	db, mock, cleanup := newTripRepoMock(t)
	defer cleanup()
	repo := NewTripRepository(db)

	mock.ExpectQuery("SELECT .* FROM trips WHERE bus_id").
		WithArgs("bus-9", string(models.TripStatusInProgress)).
		WillReturnError(sql.ErrNoRows)

	_, err := repo.FindActiveByBus(context.Background(), "bus-9")
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTripRepositoryFindStartableByBus(t *testing.T) {
	db, mock, cleanup := newTripRepoMock(t)
	defer cleanup()
	repo := NewTripRepository(db)

	at := time.Date(2026, 4, 1, 7, 58, 0, 0, time.UTC)
	mock.ExpectQuery("SELECT .* FROM trips").
		WithArgs("bus-1", string(models.TripStatusScheduled), "900 seconds", at).
		WillReturnRows(tripRow("trip-1", "bus-1", models.TripStatusScheduled))

	trip, err := repo.FindStartableByBus(context.Background(), "bus-1", at, 15*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "trip-1", trip.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTripRepositoryStartLinksBus(t *testing.T) {
	db, mock, cleanup := newTripRepoMock(t)
	defer cleanup()
	repo := NewTripRepository(db)

	actualStart := time.Date(2026, 4, 1, 7, 58, 0, 0, time.UTC)
	mock.ExpectQuery("UPDATE trips SET status").
		WithArgs(string(models.TripStatusInProgress), actualStart, sqlmock.AnyArg(), "trip-1", string(models.TripStatusScheduled)).
		WillReturnRows(tripRow("trip-1", "bus-1", models.TripStatusInProgress))
	mock.ExpectExec("UPDATE buses SET active_trip_id").
		WithArgs("trip-1", sqlmock.AnyArg(), "bus-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	trip, err := repo.Start(context.Background(), "trip-1", actualStart)
	require.NoError(t, err)
	assert.Equal(t, models.TripStatusInProgress, trip.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTripRepositoryStartGuardRefused(t *testing.T) {
	db, mock, cleanup := newTripRepoMock(t)
	defer cleanup()
	repo := NewTripRepository(db)

	// Guard subquery found another running trip for the bus: zero rows back.
	mock.ExpectQuery("UPDATE trips SET status").
		WillReturnError(sql.ErrNoRows)

	_, err := repo.Start(context.Background(), "trip-2", time.Now().UTC())
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTripRepositoryCompleteUnlinksBus(t *testing.T) {
	db, mock, cleanup := newTripRepoMock(t)
	defer cleanup()
	repo := NewTripRepository(db)

	mock.ExpectQuery("UPDATE trips SET status").
		WillReturnRows(tripRow("trip-1", "bus-1", models.TripStatusCompleted))
	mock.ExpectExec("UPDATE buses SET active_trip_id = NULL").
		WithArgs(sqlmock.AnyArg(), "bus-1", "trip-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	trip, err := repo.Complete(context.Background(), "trip-1", time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, models.TripStatusCompleted, trip.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTripRepositoryList(t *testing.T) {
	db, mock, cleanup := newTripRepoMock(t)
	defer cleanup()
	repo := NewTripRepository(db)

	status := models.TripStatusInProgress
	mock.ExpectQuery("SELECT .* FROM trips WHERE 1=1 AND bus_id").
		WithArgs("bus-1", string(status)).
		WillReturnRows(tripRow("trip-1", "bus-1", status))
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM trips`).
		WithArgs("bus-1", string(status)).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	trips, total, err := repo.List(context.Background(), models.TripFilter{BusID: "bus-1", Status: &status})
	require.NoError(t, err)
	assert.Len(t, trips, 1)
	assert.Equal(t, 1, total)
	assert.NoError(t, mock.ExpectationsWereMet())
}
