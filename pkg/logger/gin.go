package logger

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	headerRequestID = "X-Request-Id"
	ginLoggerKey    = "logger"
)

// routeParams are copied from the matched route onto the request logger.
var routeParams = []string{"campaign_id", "agent_id", "call_id"}

// Middleware binds a request-scoped logger carrying the request id and the
// dialer route params, then writes one access line per request.
//
// Requests under any quietPrefix (provider status callbacks) are logged at
// debug unless they fail.
func Middleware(l *slog.Logger, quietPrefixes ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		rid := c.GetHeader(headerRequestID)
		if rid == "" {
			rid = uuid.NewString()
		}
		c.Writer.Header().Set(headerRequestID, rid)

		attrs := []any{"request_id", rid}
		for _, p := range routeParams {
			if v := c.Param(p); v != "" {
				attrs = append(attrs, p, v)
			}
		}
		bind(c, l.With(attrs...))

		c.Next()

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		status := c.Writer.Status()
		line := []any{
			"method", c.Request.Method,
			"path", path,
			"status", status,
			"duration_ms", time.Since(start).Milliseconds(),
		}
		if len(c.Errors) > 0 {
			line = append(line, "errors", c.Errors.String())
		}
		// Re-read: later middleware may have tagged the logger with the caller.
		FromGin(c).Log(c.Request.Context(), accessLevel(status, len(c.Errors) > 0, isQuiet(path, quietPrefixes)), "request", line...)
	}
}

func accessLevel(status int, failed, quiet bool) slog.Level {
	switch {
	case failed || status >= http.StatusInternalServerError:
		return slog.LevelError
	case status >= http.StatusBadRequest:
		return slog.LevelWarn
	case quiet:
		return slog.LevelDebug
	default:
		return slog.LevelInfo
	}
}

func isQuiet(path string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

// Enrich adds key/value pairs to the request logger for the rest of the request.
func Enrich(c *gin.Context, args ...any) {
	bind(c, FromGin(c).With(args...))
}

func bind(c *gin.Context, l *slog.Logger) {
	c.Set(ginLoggerKey, l)
	c.Request = c.Request.WithContext(With(c.Request.Context(), l))
}

// FromGin returns the request-scoped logger, or the context one when none was bound.
func FromGin(c *gin.Context) *slog.Logger {
	if v, ok := c.Get(ginLoggerKey); ok {
		if l, ok := v.(*slog.Logger); ok && l != nil {
			return l
		}
	}
	return From(c.Request.Context())
}
