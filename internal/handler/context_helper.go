package handler

import (
	"github.com/gin-gonic/gin"

	"github.com/noah-isme/carvalue-api/internal/middleware"
	"github.com/noah-isme/carvalue-api/internal/models"
)

func currentUserFromContext(c *gin.Context) *models.CurrentUser {
	current, ok := middleware.CurrentUser(c)
	if !ok {
		return nil
	}
	return current
}
