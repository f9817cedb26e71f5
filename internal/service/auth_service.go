package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/fleetward/bustrack-api/internal/models"
	appErrors "github.com/fleetward/bustrack-api/pkg/errors"
)

type deviceCredentialRepository interface {
	FindByID(ctx context.Context, id string) (*models.DeviceCredential, error)
	TouchLastSeen(ctx context.Context, id string) error
}

// AuthConfig defines token issuance settings.
type AuthConfig struct {
	Secret     string
	Expiration time.Duration
	Issuer     string
}

// AuthService issues and validates access tokens. The only login flow the
// ingestion API owns is the device exchange: on-bus hardware trades its
// provisioned id/secret for a short-lived token scoped to its bus.
type AuthService struct {
	devices   deviceCredentialRepository
	validator *validator.Validate
	logger    *zap.Logger
	config    AuthConfig
}

func NewAuthService(devices deviceCredentialRepository, validate *validator.Validate, logger *zap.Logger, config AuthConfig) *AuthService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if validate == nil {
		validate = validator.New()
	}
	if config.Expiration <= 0 {
		config.Expiration = 12 * time.Hour
	}
	return &AuthService{devices: devices, validator: validate, logger: logger, config: config}
}

// DeviceToken authenticates a device credential and returns an access token
// bound to the device's bus.
func (s *AuthService) DeviceToken(ctx context.Context, req models.DeviceTokenRequest) (*models.DeviceTokenResponse, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid device token payload")
	}

	device, err := s.devices.FindByID(ctx, req.DeviceID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrUnauthorized, "unknown device or secret")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load device")
	}
	if !device.Active {
		return nil, appErrors.Clone(appErrors.ErrUnauthorized, "device is deactivated")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(device.SecretHash), []byte(req.Secret)); err != nil {
		return nil, appErrors.Clone(appErrors.ErrUnauthorized, "unknown device or secret")
	}

	issuedAt := time.Now().UTC()
	expiresAt := issuedAt.Add(s.config.Expiration)
	claims := &models.Claims{
		SubjectID: device.ID,
		Role:      models.RoleDevice,
		BusID:     device.BusID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.config.Issuer,
			Subject:   device.ID,
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			NotBefore: jwt.NewNumericDate(issuedAt),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(s.config.Secret))
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to sign access token")
	}

	if err := s.devices.TouchLastSeen(ctx, device.ID); err != nil {
		s.logger.Warn("failed to touch device last seen", zap.String("device_id", device.ID), zap.Error(err))
	}

	s.logger.Info("device token issued",
		zap.String("device_id", device.ID),
		zap.String("bus_id", device.BusID),
		zap.Time("expires_at", expiresAt))

	return &models.DeviceTokenResponse{
		AccessToken: signed,
		ExpiresIn:   int64(s.config.Expiration.Seconds()),
		BusID:       device.BusID,
		IssuedAt:    issuedAt,
	}, nil
}

// ValidateToken parses and validates an access token returning the claims.
func (s *AuthService) ValidateToken(tokenString string) (*models.Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &models.Claims{}, func(token *jwt.Token) (interface{}, error) {
		if token.Method != jwt.SigningMethodHS256 {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(s.config.Secret), nil
	})
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrUnauthorized.Code, appErrors.ErrUnauthorized.Status, "invalid token")
	}
	claims, ok := token.Claims.(*models.Claims)
	if !ok || !token.Valid {
		return nil, appErrors.Clone(appErrors.ErrUnauthorized, "invalid token claims")
	}
	return claims, nil
}
