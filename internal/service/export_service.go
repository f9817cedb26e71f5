package service

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fleetward/bustrack-api/internal/models"
	appErrors "github.com/fleetward/bustrack-api/pkg/errors"
	"github.com/fleetward/bustrack-api/pkg/export"
	"github.com/fleetward/bustrack-api/pkg/storage"
)

// ManifestFormat selects the rendered output.
type ManifestFormat string

const (
	ManifestFormatCSV ManifestFormat = "csv"
	ManifestFormatPDF ManifestFormat = "pdf"
)

func (f ManifestFormat) Valid() bool {
	return f == ManifestFormatCSV || f == ManifestFormatPDF
}

type attendanceLister interface {
	ListByTrip(ctx context.Context, tripID string) ([]models.AttendanceRecord, error)
}

type manifestStorage interface {
	Save(filename string, data []byte) (string, error)
	Open(filename string) (*os.File, error)
	CleanupOlderThan(ttl time.Duration) ([]string, error)
}

type csvRenderer interface {
	Render(data export.Dataset) ([]byte, error)
}

type pdfRenderer interface {
	Render(data export.Dataset, title string) ([]byte, error)
}

// ExportConfig tunes manifest generation.
type ExportConfig struct {
	APIPrefix string
	MaxRows   int
	ResultTTL time.Duration
}

// ManifestResult captures successful generation metadata.
type ManifestResult struct {
	RelativePath string         `json:"relative_path"`
	Token        string         `json:"-"`
	URL          string         `json:"url"`
	Format       ManifestFormat `json:"format"`
	Rows         int            `json:"rows"`
	ExpiresAt    time.Time      `json:"expires_at"`
}

// ExportService renders a trip's attendance manifest (who was picked up,
// dropped off, or missed, and at which stop) to CSV or PDF and stores the
// file behind a signed download token.
type ExportService struct {
	trips      tripStore
	attendance attendanceLister
	routes     routeTopologyReader
	storage    manifestStorage
	signer     *storage.ManifestSigner
	csv        csvRenderer
	pdf        pdfRenderer
	cfg        ExportConfig
	logger     *zap.Logger
}

func NewExportService(trips tripStore, attendance attendanceLister, routes routeTopologyReader, store manifestStorage, signer *storage.ManifestSigner, cfg ExportConfig, logger *zap.Logger, csv csvRenderer, pdf pdfRenderer) *ExportService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ResultTTL <= 0 {
		cfg.ResultTTL = 24 * time.Hour
	}
	if cfg.MaxRows <= 0 {
		cfg.MaxRows = 2000
	}
	if csv == nil {
		csv = export.NewCSVExporter()
	}
	if pdf == nil {
		pdf = export.NewPDFExporter()
	}
	return &ExportService{
		trips:      trips,
		attendance: attendance,
		routes:     routes,
		storage:    store,
		signer:     signer,
		csv:        csv,
		pdf:        pdf,
		cfg:        cfg,
		logger:     logger,
	}
}

// Generate renders and stores a trip manifest, returning a signed download URL.
func (s *ExportService) Generate(ctx context.Context, tripID string, format ManifestFormat) (*ManifestResult, error) {
	if !format.Valid() {
		return nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("unsupported manifest format %q", format))
	}
	trip, err := s.trips.FindByID(ctx, tripID)
	if err != nil {
		return nil, appErrors.Clone(appErrors.ErrNotFound, "trip not found")
	}

	dataset, err := s.buildDataset(ctx, trip)
	if err != nil {
		return nil, err
	}

	var payload []byte
	title := fmt.Sprintf("Trip Manifest %s (%s)", trip.ID, trip.ScheduledStart.Format("2006-01-02"))
	switch format {
	case ManifestFormatCSV:
		payload, err = s.csv.Render(dataset)
	case ManifestFormatPDF:
		payload, err = s.pdf.Render(dataset, title)
	}
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to render manifest")
	}

	filename := fmt.Sprintf("manifests/%s_%s.%s", trip.ID, time.Now().UTC().Format("20060102_150405"), format)
	relPath, err := s.storage.Save(filename, payload)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to store manifest")
	}

	token, expiresAt, err := s.signer.Generate(trip.ID, relPath)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to sign manifest token")
	}

	prefix := strings.TrimRight(s.cfg.APIPrefix, "/")
	if prefix == "" {
		prefix = "/api/v1"
	}

	s.logger.Info("manifest generated",
		zap.String("trip_id", trip.ID),
		zap.String("format", string(format)),
		zap.Int("rows", len(dataset.Rows)))

	return &ManifestResult{
		RelativePath: relPath,
		Token:        token,
		URL:          fmt.Sprintf("%s/exports/%s", prefix, token),
		Format:       format,
		Rows:         len(dataset.Rows),
		ExpiresAt:    expiresAt,
	}, nil
}

// ParseToken validates a download token.
func (s *ExportService) ParseToken(token string) (tripID, relPath string, err error) {
	tripID, relPath, _, err = s.signer.Parse(token, false)
	if err != nil {
		return "", "", appErrors.Clone(appErrors.ErrForbidden, "invalid or expired download token")
	}
	return tripID, relPath, nil
}

// Open returns a handle to a stored manifest file.
func (s *ExportService) Open(relPath string) (*os.File, error) {
	return s.storage.Open(relPath)
}

// Cleanup removes manifests older than the configured TTL.
func (s *ExportService) Cleanup() ([]string, error) {
	return s.storage.CleanupOlderThan(s.cfg.ResultTTL)
}

func (s *ExportService) buildDataset(ctx context.Context, trip *models.Trip) (export.Dataset, error) {
	records, err := s.attendance.ListByTrip(ctx, trip.ID)
	if err != nil {
		return export.Dataset{}, appErrors.Wrap(err, appErrors.ErrPersistence.Code, appErrors.ErrPersistence.Status, "failed to load attendance records")
	}
	assignments, err := s.routes.StopAssignments(ctx, trip.RouteID)
	if err != nil {
		return export.Dataset{}, appErrors.Wrap(err, appErrors.ErrPersistence.Code, appErrors.ErrPersistence.Status, "failed to load stop assignments")
	}
	stopByStudent := make(map[string]string, len(assignments))
	for _, assignment := range assignments {
		stopByStudent[assignment.StudentID] = assignment.StopID
	}

	if len(records) > s.cfg.MaxRows {
		records = records[:s.cfg.MaxRows]
	}
	rows := make([]map[string]string, 0, len(records))
	for _, record := range records {
		rows = append(rows, map[string]string{
			"Student ID":  record.StudentID,
			"Stop ID":     stopByStudent[record.StudentID],
			"Status":      string(record.Status),
			"Picked Up":   formatManifestTime(record.PickupTime),
			"Dropped Off": formatManifestTime(record.DropTime),
			"Updated At":  record.UpdatedAt.UTC().Format(time.RFC3339),
		})
	}
	return export.Dataset{
		Headers: []string{"Student ID", "Stop ID", "Status", "Picked Up", "Dropped Off", "Updated At"},
		Rows:    rows,
	}, nil
}

func formatManifestTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
