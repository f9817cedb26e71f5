package repository

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/fleetward/bustrack-api/internal/models"
)

// DeviceRepository reads provisioned on-bus device credentials.
type DeviceRepository struct {
	db *sqlx.DB
}

// NewDeviceRepository constructs the repository.
func NewDeviceRepository(db *sqlx.DB) *DeviceRepository {
	return &DeviceRepository{db: db}
}

// FindByID returns the device credential, or sql.ErrNoRows.
func (r *DeviceRepository) FindByID(ctx context.Context, id string) (*models.DeviceCredential, error) {
	var device models.DeviceCredential
	query := `SELECT id, bus_id, label, secret_hash, active, last_seen_at, created_at FROM devices WHERE id = $1`
	if err := r.db.GetContext(ctx, &device, query, id); err != nil {
		return nil, err
	}
	return &device, nil
}

// TouchLastSeen records the latest successful authentication.
func (r *DeviceRepository) TouchLastSeen(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE devices SET last_seen_at = $1 WHERE id = $2`, time.Now().UTC(), id)
	return err
}
