package middleware

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/coi-workflow/internal/service"
)

// unmatchedRoute labels requests that hit no route so scanners cannot
// blow up label cardinality with arbitrary paths.
const unmatchedRoute = "unmatched"

// Metrics records latency and status per route template. Scrapes of
// /metrics itself are not counted.
func Metrics(metricsSvc *service.MetricsService) gin.HandlerFunc {
	return func(c *gin.Context) {
		if metricsSvc == nil || c.Request.URL.Path == "/metrics" {
			c.Next()
			return
		}
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = unmatchedRoute
		}
		metricsSvc.ObserveHTTPRequest(c.Request.Method, route, c.Writer.Status(), time.Since(start))
	}
}
