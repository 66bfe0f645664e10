package middleware

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/loomstudio/loom-backend/internal/logger"
)

type InternalAuthMiddleware struct {
	log   *logger.Logger
	token string
}

// NewInternalAuthMiddleware guards the service-to-service surface (generation
// webhook callbacks) with a shared static token.
func NewInternalAuthMiddleware(log *logger.Logger, token string) *InternalAuthMiddleware {
	return &InternalAuthMiddleware{
		log:   log.With("middleware", "InternalAuthMiddleware"),
		token: token,
	}
}

func (im *InternalAuthMiddleware) RequireInternal() gin.HandlerFunc {
	return func(c *gin.Context) {
		if im.token == "" {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "internal endpoints disabled"})
			return
		}
		got := c.GetHeader("X-Internal-Token")
		if subtle.ConstantTimeCompare([]byte(got), []byte(im.token)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}
