package http

import (
	"github.com/gofiber/fiber/v2"

	"github.com/guildops/ticket-bridge/internal/api/http/handlers"
)

// RouteConfig bundles dependencies for route registration.
type RouteConfig struct {
	Health      *handlers.HealthHandler
	Diagnostics *handlers.DiagnosticsHandler
	Bridge      *handlers.BridgeHandler
}

// RegisterRoutes wires HTTP routes. The /internal surface is what the
// command-dispatch layer calls into; the dashboard's own REST/WebSocket
// surface lives in a separate service.
func RegisterRoutes(app *fiber.App, cfg RouteConfig) {
	app.Get("/health/live", cfg.Health.Live)
	app.Get("/health/ready", cfg.Health.Ready)
	app.Get("/diagnostics/counters", cfg.Diagnostics.Counters)

	internal := app.Group("/internal/v1")

	internal.Post("/intake", cfg.Bridge.BeginIntake)
	internal.Post("/intake/:sessionID/pages", cfg.Bridge.InitializeModalPages)
	internal.Put("/intake/:sessionID/pages/:pageIndex", cfg.Bridge.RecordPageAnswers)
	internal.Post("/intake/:sessionID/advance", cfg.Bridge.AdvancePage)
	internal.Post("/intake/:sessionID/queued-messages", cfg.Bridge.QueueMessage)
	internal.Post("/intake/:sessionID/complete", cfg.Bridge.CompleteIntake)
	internal.Delete("/intake/:sessionID", cfg.Bridge.CancelIntake)

	internal.Post("/tickets/:ticketID/claim", cfg.Bridge.Claim)
	internal.Post("/tickets/:ticketID/unclaim", cfg.Bridge.Unclaim)
	internal.Post("/tickets/:ticketID/resolve", cfg.Bridge.Resolve)
	internal.Post("/tickets/:ticketID/cancel-resolve", cfg.Bridge.CancelResolve)
	internal.Post("/tickets/:ticketID/close", cfg.Bridge.Close)
	internal.Post("/tickets/:ticketID/messages/user", cfg.Bridge.RecordUserMessage)
	internal.Post("/tickets/:ticketID/messages/staff", cfg.Bridge.RecordStaffMessage)
}
