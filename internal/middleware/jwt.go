package middleware

import (
	"context"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/carvalue-api/internal/models"
	appErrors "github.com/noah-isme/carvalue-api/pkg/errors"
	"github.com/noah-isme/carvalue-api/pkg/response"
)

// ContextUserKey is the gin context key storing the authenticated identity.
const ContextUserKey = "currentUser"

type requestVerifier interface {
	VerifyRequest(ctx context.Context, bearerToken string) (*models.CurrentUser, error)
}

// JWT protects routes by requiring a valid, unrevoked access token.
func JWT(verifier requestVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			response.Error(c, appErrors.Clone(appErrors.ErrUnauthorized, "missing access token"))
			c.Abort()
			return
		}

		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			response.Error(c, appErrors.Clone(appErrors.ErrUnauthorized, "invalid authorization header"))
			c.Abort()
			return
		}

		current, err := verifier.VerifyRequest(c.Request.Context(), parts[1])
		if err != nil {
			response.Error(c, err)
			c.Abort()
			return
		}

		c.Set(ContextUserKey, current)
		c.Next()
	}
}

// CurrentUser returns the identity stored by JWT, if any.
func CurrentUser(c *gin.Context) (*models.CurrentUser, bool) {
	value, exists := c.Get(ContextUserKey)
	if !exists {
		return nil, false
	}
	current, ok := value.(*models.CurrentUser)
	return current, ok && current != nil
}
