package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/fleetward/bustrack-api/internal/models"
)

// AttendanceRepository handles persistence for per-(student, trip) records.
type AttendanceRepository struct {
	db *sqlx.DB
}

// NewAttendanceRepository constructs the repository.
func NewAttendanceRepository(db *sqlx.DB) *AttendanceRepository {
	return &AttendanceRepository{db: db}
}

const attendanceColumns = `id, student_id, trip_id, status, pickup_time, drop_time, created_at, updated_at`

// Upsert writes a record keyed on (student_id, trip_id). Records are only
// ever superseded, never deleted.
func (r *AttendanceRepository) Upsert(ctx context.Context, record *models.AttendanceRecord) (*models.AttendanceRecord, error) {
	now := time.Now().UTC()
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	record.UpdatedAt = now
	query := fmt.Sprintf(`INSERT INTO attendance_records (id, student_id, trip_id, status, pickup_time, drop_time, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (student_id, trip_id)
DO UPDATE SET status = EXCLUDED.status,
    pickup_time = COALESCE(EXCLUDED.pickup_time, attendance_records.pickup_time),
    drop_time = COALESCE(EXCLUDED.drop_time, attendance_records.drop_time),
    updated_at = EXCLUDED.updated_at
RETURNING %s`, attendanceColumns)
	var stored models.AttendanceRecord
	err := r.db.GetContext(ctx, &stored, query, record.ID, record.StudentID, record.TripID, record.Status, record.PickupTime, record.DropTime, record.CreatedAt, record.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("upsert attendance: %w", err)
	}
	return &stored, nil
}

// Find returns the record for a (student, trip) pair, or sql.ErrNoRows.
func (r *AttendanceRepository) Find(ctx context.Context, studentID, tripID string) (*models.AttendanceRecord, error) {
	var record models.AttendanceRecord
	query := fmt.Sprintf(`SELECT %s FROM attendance_records WHERE student_id = $1 AND trip_id = $2`, attendanceColumns)
	if err := r.db.GetContext(ctx, &record, query, studentID, tripID); err != nil {
		return nil, err
	}
	return &record, nil
}

// ListByTrip returns every record for a trip.
func (r *AttendanceRepository) ListByTrip(ctx context.Context, tripID string) ([]models.AttendanceRecord, error) {
	query := fmt.Sprintf(`SELECT %s FROM attendance_records WHERE trip_id = $1 ORDER BY created_at ASC`, attendanceColumns)
	var rows []models.AttendanceRecord
	if err := r.db.SelectContext(ctx, &rows, query, tripID); err != nil {
		return nil, fmt.Errorf("list attendance: %w", err)
	}
	return rows, nil
}

// SweepAbsent marks the given students Absent for the trip unless a pickup or
// drop was already recorded. Students with no row at all get a fresh ABSENT
// row; rows that progressed past NOT_RECORDED are left untouched.
func (r *AttendanceRepository) SweepAbsent(ctx context.Context, tripID string, studentIDs []string) (int, error) {
	if len(studentIDs) == 0 {
		return 0, nil
	}
	now := time.Now().UTC()
	query := `INSERT INTO attendance_records (id, student_id, trip_id, status, created_at, updated_at)
SELECT gen_random_uuid(), sid, $1, $2, $3, $3 FROM unnest($4::text[]) AS sid
ON CONFLICT (student_id, trip_id)
DO UPDATE SET status = $2, updated_at = $3
WHERE attendance_records.status = $5`
	res, err := r.db.ExecContext(ctx, query, tripID, models.AttendanceAbsent, now, pq.Array(studentIDs), models.AttendanceNotRecorded)
	if err != nil {
		return 0, fmt.Errorf("sweep absent: %w", err)
	}
	affected, _ := res.RowsAffected()
	return int(affected), nil
}
