package auth

import (
	"net/http"
	"strings"
	"time"

	"contact-center/pkg/logger"

	"github.com/gin-gonic/gin"
)

// RequireAccessToken admits requests with a valid access token, puts the
// caller identity on the request context and tags the request logger with it.
// Permission checks belong to internal/rbac.
func RequireAccessToken(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		tok, ok := bearerToken(c.GetHeader("Authorization"))
		if !ok {
			unauthorized(c, "missing bearer token")
			return
		}
		claims, err := m.Verify(tok, TokenTypeAccess, time.Now())
		if err != nil {
			logger.FromGin(c).Debug("access token rejected", "err", err)
			unauthorized(c, "invalid token")
			return
		}

		c.Request = c.Request.WithContext(WithIdentity(c.Request.Context(), claims.UserID, claims.AgentID, claims.Role))
		tags := []any{"user_id", claims.UserID, "role", claims.Role}
		if claims.AgentID != "" {
			tags = append(tags, "caller_agent_id", claims.AgentID)
		}
		logger.Enrich(c, tags...)
		c.Next()
	}
}

// bearerToken extracts the credential; the scheme is case-insensitive (RFC 6750).
func bearerToken(header string) (string, bool) {
	scheme, tok, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	tok = strings.TrimSpace(tok)
	return tok, tok != ""
}

func unauthorized(c *gin.Context, msg string) {
	c.Header("WWW-Authenticate", `Bearer realm="dialer"`)
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": msg})
}
