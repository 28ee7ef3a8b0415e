package observability

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// Scrapes of scrapePath log at debug.
const scrapePath = "/metrics"

// RequestObserver logs every admin request and records its metrics under service.
func RequestObserver(service string, logger zerolog.Logger) gin.HandlerFunc {
	logger = logger.With().Str("service", service).Logger()
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		elapsed := time.Since(start)

		path := routePath(c)
		status := c.Writer.Status()
		RecordHTTPRequest(service, c.Request.Method, path, status, elapsed)

		var event *zerolog.Event
		switch {
		case status >= 500:
			event = logger.Error()
		case status >= 400:
			event = logger.Warn()
		case path == scrapePath:
			event = logger.Debug()
		default:
			event = logger.Info()
		}
		event.
			Str("method", c.Request.Method).
			Str("path", path).
			Int("status", status).
			Dur("duration", elapsed).
			Str("client_ip", c.ClientIP()).
			Msg("admin request")
	}
}

// routePath prefers the route template so /connections/:id stays one series.
func routePath(c *gin.Context) string {
	if p := c.FullPath(); p != "" {
		return p
	}
	return c.Request.URL.Path
}
