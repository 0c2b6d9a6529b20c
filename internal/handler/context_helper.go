package handler

import (
	"github.com/gin-gonic/gin"

	"github.com/noah-isme/coi-workflow/internal/middleware"
	"github.com/noah-isme/coi-workflow/internal/models"
)

func operatorFromContext(c *gin.Context) *models.OperatorClaims {
	value, exists := c.Get(middleware.ContextOperatorKey)
	if !exists {
		return nil
	}
	claims, ok := value.(*models.OperatorClaims)
	if !ok {
		return nil
	}
	return claims
}
