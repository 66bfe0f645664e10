package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loomstudio/loom-backend/internal/observability"
)

// ObserveRequests records per-route request counts and latency.
func ObserveRequests() gin.HandlerFunc {
	return func(c *gin.Context) {
		m := observability.GetMetrics()
		m.ApiInflightInc()
		start := time.Now()
		c.Next()
		m.ApiInflightDec()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		m.ObserveAPI(c.Request.Method, route, strconv.Itoa(c.Writer.Status()), time.Since(start))
	}
}
