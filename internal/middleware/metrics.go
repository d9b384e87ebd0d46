package middleware

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/proxylens/proxylens/internal/pkg/metrics"
)

// MetricsMiddleware observes latency per route template, so path parameters
// do not blow up label cardinality.
func MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		endpoint := c.FullPath()
		if endpoint == "" {
			endpoint = "unmatched"
		}
		metrics.LatencyBucket.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	}
}
