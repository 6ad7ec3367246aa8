package controller

import (
	"net/http"

	"github.com/Mazene-ZERGUINE/CodeBox/internal/api/service"

	"github.com/gin-gonic/gin"
)

// HealthController serves dependency health. The payload is flat JSON, not
// the API envelope, so orchestrator probes can parse it directly.
type HealthController struct {
	checker *service.HealthChecker
}

// NewHealthController creates a new HealthController.
func NewHealthController(checker *service.HealthChecker) *HealthController {
	return &HealthController{checker: checker}
}

// Healthz reports per-dependency status, 503 when a hard dependency is down.
func (h *HealthController) Healthz(c *gin.Context) {
	report, ok := h.checker.Report(c.Request.Context())
	code := http.StatusOK
	if !ok {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, report)
}
