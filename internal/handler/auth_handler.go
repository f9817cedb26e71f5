package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/fleetward/bustrack-api/internal/models"
	"github.com/fleetward/bustrack-api/internal/service"
	appErrors "github.com/fleetward/bustrack-api/pkg/errors"
	"github.com/fleetward/bustrack-api/pkg/response"
)

// AuthHandler exposes the device token exchange.
type AuthHandler struct {
	service *service.AuthService
}

func NewAuthHandler(svc *service.AuthService) *AuthHandler {
	return &AuthHandler{service: svc}
}

// DeviceToken godoc
// @Summary Exchange device credentials for an access token
// @Tags Auth
// @Accept json
// @Produce json
// @Param payload body models.DeviceTokenRequest true "Device credentials"
// @Success 200 {object} response.Envelope
// @Router /auth/device-token [post]
func (h *AuthHandler) DeviceToken(c *gin.Context) {
	var req models.DeviceTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	resp, err := h.service.DeviceToken(c.Request.Context(), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, resp, nil)
}
