package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"contact-aggregator/internal/api"
	"contact-aggregator/internal/config"

	"github.com/gin-gonic/gin"
)

// APIKeyMiddleware validates the API key from request headers. An empty
// configured key disables the check.
func APIKeyMiddleware(cfg config.ExternalConfig) gin.HandlerFunc {
	expected := []byte(cfg.APIKey)
	return func(c *gin.Context) {
		if len(expected) == 0 {
			c.Next()
			return
		}

		apiKey := c.GetHeader("X-API-Key")
		if apiKey == "" {
			authHeader := c.GetHeader("Authorization")
			if strings.HasPrefix(authHeader, "ApiKey ") {
				apiKey = strings.TrimPrefix(authHeader, "ApiKey ")
			}
		}

		if apiKey == "" {
			api.SendError(c, http.StatusUnauthorized, "MISSING_API_KEY",
				"API key is required. Provide X-API-Key header or Authorization: ApiKey <key>", "")
			c.Abort()
			return
		}

		if subtle.ConstantTimeCompare([]byte(apiKey), expected) != 1 {
			api.SendError(c, http.StatusUnauthorized, "INVALID_API_KEY", "Invalid API key provided", "")
			c.Abort()
			return
		}

		c.Next()
	}
}
