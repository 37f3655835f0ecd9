package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/streamgate/streamgate/internal/metrics"
)

// HTTPMetrics counts requests and observes their duration by route pattern.
// Routes listed in streaming are timed as stream sessions instead, and only
// when the upgrade or SSE response succeeded.
func HTTPMetrics(streaming ...string) gin.HandlerFunc {
	long := make(map[string]bool, len(streaming))
	for _, p := range streaming {
		long[p] = true
	}

	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		code := c.Writer.Status()
		status := strconv.Itoa(code)
		elapsed := time.Since(start).Seconds()

		metrics.RequestsTotal.WithLabelValues(c.Request.Method, route, status).Inc()

		switch {
		case !long[route]:
			metrics.RequestDuration.WithLabelValues(c.Request.Method, route, status).Observe(elapsed)
		case code < 300:
			metrics.StreamSessionDuration.WithLabelValues(route).Observe(elapsed)
		}
	}
}
