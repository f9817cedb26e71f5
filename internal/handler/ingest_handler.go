package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/fleetward/bustrack-api/internal/models"
	"github.com/fleetward/bustrack-api/internal/service"
	appErrors "github.com/fleetward/bustrack-api/pkg/errors"
	"github.com/fleetward/bustrack-api/pkg/response"
)

// IngestHandler exposes the telemetry ingress endpoints used by on-bus
// devices.
type IngestHandler struct {
	engine *service.IngestEngine
}

func NewIngestHandler(engine *service.IngestEngine) *IngestHandler {
	return &IngestHandler{engine: engine}
}

// guardBusScope rejects device tokens that try to report for another bus.
func guardBusScope(c *gin.Context, busID string) bool {
	claims := claimsFromContext(c)
	if claims != nil && claims.Role == models.RoleDevice && claims.BusID != busID {
		response.Error(c, appErrors.Clone(appErrors.ErrForbidden, "device is not provisioned for this bus"))
		return false
	}
	return true
}

// SubmitLocation godoc
// @Summary Submit a GPS location fix
// @Description Accepts a single location fix for asynchronous processing
// @Tags Ingest
// @Accept json
// @Produce json
// @Param payload body models.RawEvent true "Location fix payload"
// @Success 202 {object} response.Envelope
// @Router /ingest/locations [post]
func (h *IngestHandler) SubmitLocation(c *gin.Context) {
	var raw models.RawEvent
	if err := c.ShouldBindJSON(&raw); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	if !guardBusScope(c, raw.BusID) {
		return
	}
	raw.ReceivedAt = time.Now().UTC()

	if err := h.engine.SubmitLocation(c.Request.Context(), raw); err != nil {
		response.Error(c, err)
		return
	}
	response.Accepted(c, gin.H{"bus_id": raw.BusID, "recorded_at": raw.Timestamp})
}

// SubmitTagScan godoc
// @Summary Submit an RFID tag scan
// @Description Applies a pickup/drop scan synchronously and returns the attendance record
// @Tags Ingest
// @Accept json
// @Produce json
// @Param payload body models.RawEvent true "Tag scan payload"
// @Success 200 {object} response.Envelope
// @Router /ingest/tag-scans [post]
func (h *IngestHandler) SubmitTagScan(c *gin.Context) {
	var raw models.RawEvent
	if err := c.ShouldBindJSON(&raw); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	if !guardBusScope(c, raw.BusID) {
		return
	}
	raw.ReceivedAt = time.Now().UTC()

	record, err := h.engine.ProcessTagScan(c.Request.Context(), raw)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, record, nil)
}

type batchScanResult struct {
	Index  int                      `json:"index"`
	Status string                   `json:"status"`
	Record *models.AttendanceRecord `json:"record,omitempty"`
	Error  string                   `json:"error,omitempty"`
}

// SubmitTagScanBatch godoc
// @Summary Submit a batch of RFID tag scans
// @Description Replays scans buffered by a device during an offline period, oldest first
// @Tags Ingest
// @Accept json
// @Produce json
// @Param payload body []models.RawEvent true "Tag scan payloads"
// @Success 200 {object} response.Envelope
// @Router /ingest/tag-scans/batch [post]
func (h *IngestHandler) SubmitTagScanBatch(c *gin.Context) {
	var raws []models.RawEvent
	if err := c.ShouldBindJSON(&raws); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	if len(raws) == 0 || len(raws) > 500 {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "batch must contain between 1 and 500 scans"))
		return
	}

	now := time.Now().UTC()
	results := make([]batchScanResult, 0, len(raws))
	for i, raw := range raws {
		if !guardBusScope(c, raw.BusID) {
			return
		}
		raw.ReceivedAt = now
		record, err := h.engine.ProcessTagScan(c.Request.Context(), raw)
		if err != nil {
			results = append(results, batchScanResult{Index: i, Status: "rejected", Error: appErrors.FromError(err).Message})
			continue
		}
		results = append(results, batchScanResult{Index: i, Status: "applied", Record: record})
	}
	response.JSON(c, http.StatusOK, results, nil)
}

type emergencyRequest struct {
	BusID   string `json:"bus_id" binding:"required"`
	TripID  string `json:"trip_id"`
	Message string `json:"message" binding:"required"`
}

// RaiseEmergency godoc
// @Summary Raise an emergency alert
// @Tags Ingest
// @Accept json
// @Produce json
// @Param payload body emergencyRequest true "Emergency payload"
// @Success 202 {object} response.Envelope
// @Router /ingest/emergency [post]
func (h *IngestHandler) RaiseEmergency(c *gin.Context) {
	var req emergencyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	if !guardBusScope(c, req.BusID) {
		return
	}
	h.engine.RaiseEmergency(req.BusID, req.TripID, req.Message)
	response.Accepted(c, gin.H{"bus_id": req.BusID})
}
