package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"cdr.dev/slog/v3"
	"github.com/coder/quartz"
	"github.com/gin-gonic/gin"

	"trackwell/api/utils"
)

// Context keys set by AuthRequired.
const (
	ContextUserID    = "user_id"
	ContextUserEmail = "user_email"
	ContextService   = "service"
)

// AuthRequired accepts the service API key in X-API-KEY, or a JWT from the
// jwt_token cookie or an Authorization header. An empty apiKey disables the
// key path.
func AuthRequired(secret []byte, apiKey string, clock quartz.Clock, logger slog.Logger) gin.HandlerFunc {
	logger = logger.Named("auth")
	return func(c *gin.Context) {
		if key := c.GetHeader("X-API-KEY"); apiKey != "" && key != "" &&
			subtle.ConstantTimeCompare([]byte(key), []byte(apiKey)) == 1 {
			c.Set(ContextService, true)
			c.Next()
			return
		}

		tokenString, err := c.Cookie("jwt_token")
		if err != nil || tokenString == "" {
			tokenString = strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
			if tokenString == "" {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized: No token provided"})
				return
			}
		}

		claims, err := utils.ValidateJWT(secret, tokenString, clock.Now())
		if err != nil {
			logger.Debug(c.Request.Context(), "rejected token", slog.Error(err))
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized: Invalid or expired token"})
			return
		}

		c.Set(ContextUserID, claims.UserID)
		c.Set(ContextUserEmail, claims.Email)
		c.Next()
	}
}
