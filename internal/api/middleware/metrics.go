package middleware

import (
	"github.com/Mazene-ZERGUINE/CodeBox/internal/metrics"

	"github.com/gin-gonic/gin"
)

// MetricsMiddleware tracks requests currently being served.
func MetricsMiddleware(m *metrics.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		m.RequestsInFlight.Inc()
		defer m.RequestsInFlight.Dec()
		c.Next()
	}
}
