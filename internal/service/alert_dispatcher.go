package service

import (
	"context"

	"go.uber.org/zap"

	"github.com/fleetward/bustrack-api/internal/models"
)

// AlertDispatcher is the delivery collaborator. The engine fires intents at
// it and moves on; a dispatcher that fails must log and swallow, never block
// or propagate into the ingestion path.
type AlertDispatcher interface {
	Dispatch(ctx context.Context, intent models.AlertIntent)
}

// LogAlertDispatcher is the shipped implementation: it records the intent in
// the structured log and counts it. Real delivery (push, SMS) hangs off the
// same interface in the notification system.
type LogAlertDispatcher struct {
	metrics *MetricsService
	logger  *zap.Logger
}

// NewLogAlertDispatcher constructs the dispatcher.
func NewLogAlertDispatcher(metrics *MetricsService, logger *zap.Logger) *LogAlertDispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogAlertDispatcher{metrics: metrics, logger: logger}
}

// Dispatch logs the intent.
func (d *LogAlertDispatcher) Dispatch(_ context.Context, intent models.AlertIntent) {
	d.metrics.RecordAlert(string(intent.Kind))
	d.logger.Warn("alert intent",
		zap.String("kind", string(intent.Kind)),
		zap.String("trip_id", intent.TripID),
		zap.String("bus_id", intent.BusID),
		zap.String("stop_id", intent.StopID),
		zap.String("student_id", intent.StudentID),
		zap.String("message", intent.Message),
		zap.Time("raised_at", intent.RaisedAt),
	)
}
