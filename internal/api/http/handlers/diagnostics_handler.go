package handlers

import (
	"github.com/gofiber/fiber/v2"

	"github.com/guildops/ticket-bridge/internal/observability"
)

// DiagnosticsHandler exposes the in-memory counters for operators.
type DiagnosticsHandler struct {
	metrics *observability.Metrics
}

// NewDiagnosticsHandler returns a new handler instance.
func NewDiagnosticsHandler(metrics *observability.Metrics) *DiagnosticsHandler {
	return &DiagnosticsHandler{metrics: metrics}
}

// Counters returns a snapshot of request, error and operation counters.
func (h *DiagnosticsHandler) Counters(c *fiber.Ctx) error {
	requests, errors, ops := h.metrics.Snapshot()
	return c.JSON(fiber.Map{
		"requests":   requests,
		"errors":     errors,
		"operations": ops,
	})
}
