package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/fleetward/bustrack-api/internal/repository"
	appErrors "github.com/fleetward/bustrack-api/pkg/errors"
	"github.com/fleetward/bustrack-api/pkg/response"
)

// DeadLetterHandler exposes the parked-event queue to operators.
type DeadLetterHandler struct {
	sink *repository.DeadLetterRepository
}

func NewDeadLetterHandler(sink *repository.DeadLetterRepository) *DeadLetterHandler {
	return &DeadLetterHandler{sink: sink}
}

// Inspect godoc
// @Summary Inspect the dead-letter queue
// @Description Returns the queue depth and up to limit parked events without removing them
// @Tags Operations
// @Produce json
// @Param limit query int false "Max envelopes to return" default(20)
// @Success 200 {object} response.Envelope
// @Router /ops/dead-letter [get]
func (h *DeadLetterHandler) Inspect(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	if limit < 1 || limit > 200 {
		limit = 20
	}

	depth, err := h.sink.Len(c.Request.Context())
	if err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrPersistence.Code, appErrors.ErrPersistence.Status, "dead-letter sink unavailable"))
		return
	}
	envelopes, err := h.sink.Peek(c.Request.Context(), limit)
	if err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrPersistence.Code, appErrors.ErrPersistence.Status, "dead-letter sink unavailable"))
		return
	}
	response.JSON(c, http.StatusOK, gin.H{"depth": depth, "events": envelopes}, nil)
}
