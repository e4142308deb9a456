package gateway

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/relaydesk/relaydesk/internal/config"
	"github.com/relaydesk/relaydesk/internal/events"
)

// errorBody renders an error response in the shape the proxied message API
// uses, so clients see a familiar envelope.
func errorBody(errType, message string) gin.H {
	return gin.H{"type": "error", "error": gin.H{"type": errType, "message": message}}
}

// extractToken pulls the client credential from the Authorization bearer
// header or the x-api-key header.
func extractToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
			return strings.TrimSpace(auth[len("bearer "):])
		}
	}
	return strings.TrimSpace(r.Header.Get("x-api-key"))
}

// authMiddleware rejects requests whose credential does not match the
// configured access token. The health route is registered outside this
// middleware and stays unauthenticated.
func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := extractToken(c.Request)
		if token == "" || !config.TokenEqual(token, s.token) {
			s.bus.Publish("warn", events.TypeError, "request rejected: invalid access token", map[string]any{
				"path":      c.Request.URL.Path,
				"client_ip": c.ClientIP(),
			})
			c.AbortWithStatusJSON(http.StatusUnauthorized,
				errorBody("authentication_error", "invalid or missing access token"))
			return
		}
		c.Next()
	}
}
