package models

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Role controls route access. DEVICE is the role issued to on-bus hardware
// (GPS unit, RFID reader gateway).
type Role string

const (
	RoleAdmin  Role = "ADMIN"
	RoleDriver Role = "DRIVER"
	RoleDevice Role = "DEVICE"
	RoleStaff  Role = "STAFF"
)

// Claims is the JWT payload carried by every authenticated request.
type Claims struct {
	SubjectID string `json:"sub_id"`
	Role      Role   `json:"role"`
	BusID     string `json:"bus_id,omitempty"`
	jwt.RegisteredClaims
}

// DeviceCredential is a provisioned on-bus device identity. SecretHash is a
// bcrypt hash of the device secret.
type DeviceCredential struct {
	ID         string     `db:"id" json:"id"`
	BusID      string     `db:"bus_id" json:"bus_id"`
	Label      string     `db:"label" json:"label"`
	SecretHash string     `db:"secret_hash" json:"-"`
	Active     bool       `db:"active" json:"active"`
	LastSeenAt *time.Time `db:"last_seen_at" json:"last_seen_at,omitempty"`
	CreatedAt  time.Time  `db:"created_at" json:"created_at"`
}

// DeviceTokenRequest exchanges a device id/secret for an access token.
type DeviceTokenRequest struct {
	DeviceID string `json:"device_id" validate:"required"`
	Secret   string `json:"secret" validate:"required"`
}

// DeviceTokenResponse returns the issued token.
type DeviceTokenResponse struct {
	AccessToken string    `json:"access_token"`
	ExpiresIn   int64     `json:"expires_in"`
	BusID       string    `json:"bus_id"`
	IssuedAt    time.Time `json:"issued_at"`
}
