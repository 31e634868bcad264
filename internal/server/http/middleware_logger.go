package http

import (
	"time"

	"github.com/gin-gonic/gin"

	"tachikoma/internal/config"
	"tachikoma/internal/observability"
	"tachikoma/internal/security/redaction"
)

// requestLoggerMiddleware emits one structured entry per request. Body
// logging is opt-in, truncated, and run through the redaction pass so
// credentials never reach the log stream.
func requestLoggerMiddleware(logger *observability.Logger, metrics *observability.MetricsCollector, cfg config.GatewayConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}
		status := c.Writer.Status()
		metrics.RecordHTTPRequest(c.Request.Context(), route, status)

		args := []any{
			"method", c.Request.Method,
			"route", route,
			"status", status,
			"duration", time.Since(start).Milliseconds(),
		}
		if u, ok := currentUser(c); ok {
			args = append(args, "userId", u.ID)
		}
		if cfg.LogBodies {
			if body := requestBody(c); len(body) > 0 {
				max := cfg.LogBodyMaxLength
				if max <= 0 {
					max = 2048
				}
				s := string(body)
				if len(s) > max {
					s = s[:max]
				}
				s, _ = redaction.Apply(s)
				args = append(args, "body", s)
			}
		}
		logger.InfoContext(c.Request.Context(), "http request", args...)
	}
}
