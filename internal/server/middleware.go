package server

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/arborchat-dev/arborchat/pkg/observability"
)

// metricsMiddleware records request counts and latency per route. The
// route template is used, not the raw path, to keep label cardinality
// bounded.
func metricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		started := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		observability.RecordHTTPRequest(
			c.Request.Method,
			route,
			c.Writer.Status(),
			time.Since(started),
		)
	}
}
