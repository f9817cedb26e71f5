package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/fleetward/bustrack-api/internal/service"
	"github.com/fleetward/bustrack-api/pkg/response"
)

// AttendanceHandler exposes attendance lookups and the manual absence
// override used by dispatch staff.
type AttendanceHandler struct {
	trips   *service.TripService
	machine *service.AttendanceMachine
}

func NewAttendanceHandler(trips *service.TripService, machine *service.AttendanceMachine) *AttendanceHandler {
	return &AttendanceHandler{trips: trips, machine: machine}
}

// ListByTrip godoc
// @Summary List a trip's attendance records
// @Tags Attendance
// @Produce json
// @Param id path string true "Trip ID"
// @Success 200 {object} response.Envelope
// @Router /trips/{id}/attendance [get]
func (h *AttendanceHandler) ListByTrip(c *gin.Context) {
	records, err := h.trips.Attendance(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, records, nil)
}

// MarkAbsent godoc
// @Summary Mark a student absent for a trip
// @Description Staff override; only allowed while the student is still unscanned
// @Tags Attendance
// @Produce json
// @Param id path string true "Trip ID"
// @Param studentId path string true "Student ID"
// @Success 200 {object} response.Envelope
// @Router /trips/{id}/attendance/{studentId}/absent [post]
func (h *AttendanceHandler) MarkAbsent(c *gin.Context) {
	record, err := h.machine.MarkAbsent(c.Request.Context(), c.Param("id"), c.Param("studentId"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, record, nil)
}
