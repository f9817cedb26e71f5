package handler

import (
	"github.com/gin-gonic/gin"

	"github.com/fleetward/bustrack-api/internal/middleware"
	"github.com/fleetward/bustrack-api/internal/models"
)

func claimsFromContext(c *gin.Context) *models.Claims {
	value, exists := c.Get(middleware.ContextClaimsKey)
	if !exists {
		return nil
	}
	claims, ok := value.(*models.Claims)
	if !ok {
		return nil
	}
	return claims
}
