package routes

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/Ananth-NQI/wabot/internal/handlers"
	"github.com/Ananth-NQI/wabot/internal/middleware"
)

// Options selects the optional surfaces.
type Options struct {
	Version           string
	Development       bool
	ValidateSignature bool
	TwilioAuthToken   string
	PublicURL         string
	OperatorAPIKey    string
	// MediaDir is served under /media when set (local media driver).
	MediaDir string
	Registry *prometheus.Registry
}

// SetupRoutes configures all routes.
func SetupRoutes(app *fiber.App, opts Options, health *handlers.HealthHandler, whatsapp *handlers.WhatsAppHandler, operator *handlers.OperatorHandler, logger *zap.Logger) {
	app.Get("/", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"message": "wabot WhatsApp assistant",
			"version": opts.Version,
			"endpoints": fiber.Map{
				"health":  "/health",
				"api":     "/api",
				"webhook": "/webhook/whatsapp",
				"metrics": "/metrics",
			},
		})
	})

	app.Get("/health", health.Check)

	if opts.Registry != nil {
		app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(opts.Registry, promhttp.HandlerOpts{})))
	}

	if opts.MediaDir != "" {
		app.Static("/media", opts.MediaDir, fiber.Static{
			Browse: false,
			MaxAge: 3600,
		})
	}

	// ========== WEBHOOK ROUTES ==========
	webhooks := app.Group("/webhook")
	if opts.ValidateSignature {
		webhooks.Post("/whatsapp", middleware.ValidateTwilioSignature(opts.TwilioAuthToken, opts.PublicURL, logger), whatsapp.HandleWebhook)
	} else {
		logger.Warn("whatsapp webhook signature validation disabled")
		webhooks.Post("/whatsapp", whatsapp.HandleWebhook)
	}

	// ========== TEST ROUTES (Development Only) ==========
	if opts.Development {
		app.Post("/test/whatsapp", whatsapp.HandleTestWebhook)
	}

	// ========== OPERATOR ROUTES ==========
	api := app.Group("/api", middleware.RequireAPIKey(opts.OperatorAPIKey))

	conversations := api.Group("/conversations")
	conversations.Get("/", operator.ListConversations)
	conversations.Get("/:phone", operator.GetConversation)
	conversations.Get("/:phone/history", operator.GetHistory)
	conversations.Post("/:phone/reply", operator.Reply)
	conversations.Post("/:phone/read", operator.MarkRead)
	conversations.Post("/:phone/archive", operator.Archive)
	conversations.Delete("/:phone", operator.Delete)

	escalations := api.Group("/escalations")
	escalations.Get("/", operator.ListEscalations)
	escalations.Post("/:phone/close", operator.CloseEscalation)

	api.Get("/queue/stats", operator.QueueStats)
	api.Get("/governor", operator.GovernorStats)
	api.Get("/promo", operator.GetPromo)
	api.Put("/promo", operator.UpdatePromo)
}
