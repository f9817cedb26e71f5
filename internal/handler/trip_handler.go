package handler

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/fleetward/bustrack-api/internal/models"
	"github.com/fleetward/bustrack-api/internal/service"
	appErrors "github.com/fleetward/bustrack-api/pkg/errors"
	"github.com/fleetward/bustrack-api/pkg/response"
)

// TripHandler exposes trip lifecycle and tracking endpoints.
type TripHandler struct {
	service *service.TripService
}

func NewTripHandler(svc *service.TripService) *TripHandler {
	return &TripHandler{service: svc}
}

type scheduleTripRequest struct {
	RouteID        string    `json:"route_id" binding:"required"`
	BusID          string    `json:"bus_id" binding:"required"`
	ScheduledStart time.Time `json:"scheduled_start" binding:"required"`
	ScheduledEnd   time.Time `json:"scheduled_end" binding:"required"`
}

// Schedule godoc
// @Summary Schedule a trip
// @Tags Trips
// @Accept json
// @Produce json
// @Param payload body scheduleTripRequest true "Trip payload"
// @Success 201 {object} response.Envelope
// @Router /trips [post]
func (h *TripHandler) Schedule(c *gin.Context) {
	var req scheduleTripRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	trip, err := h.service.Schedule(c.Request.Context(), &models.Trip{
		RouteID:        req.RouteID,
		BusID:          req.BusID,
		ScheduledStart: req.ScheduledStart.UTC(),
		ScheduledEnd:   req.ScheduledEnd.UTC(),
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, trip)
}

// Start godoc
// @Summary Start a scheduled trip
// @Tags Trips
// @Produce json
// @Param id path string true "Trip ID"
// @Success 200 {object} response.Envelope
// @Router /trips/{id}/start [post]
func (h *TripHandler) Start(c *gin.Context) {
	trip, err := h.service.Start(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, trip, nil)
}

// Complete godoc
// @Summary Complete a trip
// @Description Finishes the trip and sweeps unscanned students to ABSENT
// @Tags Trips
// @Produce json
// @Param id path string true "Trip ID"
// @Success 200 {object} response.Envelope
// @Router /trips/{id}/complete [post]
func (h *TripHandler) Complete(c *gin.Context) {
	trip, err := h.service.Complete(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, trip, nil)
}

// Cancel godoc
// @Summary Cancel a trip
// @Tags Trips
// @Produce json
// @Param id path string true "Trip ID"
// @Success 200 {object} response.Envelope
// @Router /trips/{id}/cancel [post]
func (h *TripHandler) Cancel(c *gin.Context) {
	trip, err := h.service.Cancel(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, trip, nil)
}

// List godoc
// @Summary List trips
// @Tags Trips
// @Produce json
// @Param busId query string false "Filter by bus"
// @Param routeId query string false "Filter by route"
// @Param status query string false "Filter by status"
// @Param page query int false "Page"
// @Param limit query int false "Page size"
// @Success 200 {object} response.Envelope
// @Router /trips [get]
func (h *TripHandler) List(c *gin.Context) {
	var filter models.TripFilter
	filter.BusID = c.Query("busId")
	filter.RouteID = c.Query("routeId")
	if status := c.Query("status"); status != "" {
		s := models.TripStatus(status)
		if !s.Valid() {
			response.Error(c, appErrors.Clone(appErrors.ErrValidation, "unknown trip status"))
			return
		}
		filter.Status = &s
	}
	if from := c.Query("from"); from != "" {
		if ts, err := time.Parse(time.RFC3339, from); err == nil {
			filter.DateFrom = &ts
		}
	}
	if to := c.Query("to"); to != "" {
		if ts, err := time.Parse(time.RFC3339, to); err == nil {
			filter.DateTo = &ts
		}
	}
	if page, err := strconv.Atoi(c.DefaultQuery("page", "1")); err == nil {
		filter.Page = page
	}
	if size, err := strconv.Atoi(c.DefaultQuery("limit", "20")); err == nil {
		filter.PageSize = size
	}
	filter.SortBy = c.Query("sort")
	filter.SortOrder = c.Query("order")

	trips, total, err := h.service.List(c.Request.Context(), filter)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, trips, &models.Pagination{
		Page:       filter.Page,
		PageSize:   filter.PageSize,
		TotalCount: total,
	})
}

// Get godoc
// @Summary Get a trip
// @Tags Trips
// @Produce json
// @Param id path string true "Trip ID"
// @Success 200 {object} response.Envelope
// @Router /trips/{id} [get]
func (h *TripHandler) Get(c *gin.Context) {
	trip, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, trip, nil)
}

// Track godoc
// @Summary Get a trip's location trail
// @Tags Trips
// @Produce json
// @Param id path string true "Trip ID"
// @Param page query int false "Page"
// @Param limit query int false "Page size"
// @Success 200 {object} response.Envelope
// @Router /trips/{id}/track [get]
func (h *TripHandler) Track(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	size, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))

	fixes, total, err := h.service.Track(c.Request.Context(), c.Param("id"), page, size)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, fixes, &models.Pagination{
		Page:       page,
		PageSize:   size,
		TotalCount: total,
	})
}

// GeofenceLog godoc
// @Summary Get a trip's geofence enter/exit history
// @Tags Trips
// @Produce json
// @Param id path string true "Trip ID"
// @Success 200 {object} response.Envelope
// @Router /trips/{id}/geofence-events [get]
func (h *TripHandler) GeofenceLog(c *gin.Context) {
	events, err := h.service.GeofenceLog(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, events, nil)
}

// Snapshot godoc
// @Summary Get the live snapshot of a bus
// @Description Latest fix, active trip and stops whose geofence the bus is inside
// @Tags Buses
// @Produce json
// @Param id path string true "Bus ID"
// @Success 200 {object} response.Envelope
// @Router /buses/{id}/snapshot [get]
func (h *TripHandler) Snapshot(c *gin.Context) {
	snapshot, err := h.service.Snapshot(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, snapshot, nil)
}
