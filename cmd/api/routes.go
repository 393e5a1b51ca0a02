package main

import (
	"log/slog"
	"net/http"

	"contact-center/internal/auth"
	"contact-center/internal/httpapi"
	"contact-center/internal/telephony"
	"contact-center/pkg/logger"

	"github.com/gin-gonic/gin"
)

// newRouter wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers should delegate to internal modules.
func newRouter(log *slog.Logger, authManager *auth.Manager, h httpapi.Handlers, webhooks telephony.TwilioWebhookHandler) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log, "/telephony/", "/healthz"))

	// public
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// Provider callbacks (public, signature checked when a token is configured).
	webhooks.Register(&r.RouterGroup)

	v1 := r.Group("/v1")
	v1.Use(auth.RequireAccessToken(authManager))
	h.Register(v1)
	return r
}
