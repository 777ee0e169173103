package handlers

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/pedroluizchagas/celebra-capital-sub002/internal/telemetry"
)

// Metrics counts requests and records their latency per route. Requests
// that reach the proxy are grouped under "proxy".
func Metrics(reg *telemetry.Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "proxy"
		}
		reg.RecordCount("http.requests", 1, map[string]string{
			"route":  route,
			"status": strconv.Itoa(c.Writer.Status()),
		})
		reg.RecordTiming("http.latency", time.Since(start), map[string]string{"route": route})
	}
}
