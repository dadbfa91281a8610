package handlers

import (
	"github.com/gofiber/fiber/v2"
)

// Pinger reports whether a dependency answers.
type Pinger func() error

// HealthHandler handles health check requests
type HealthHandler struct {
	Version string
	checks  map[string]Pinger
}

// NewHealthHandler creates a new health handler. checks may be empty.
func NewHealthHandler(version string, checks map[string]Pinger) *HealthHandler {
	return &HealthHandler{
		Version: version,
		checks:  checks,
	}
}

// Check returns the health status of the service and its dependencies.
func (h *HealthHandler) Check(c *fiber.Ctx) error {
	status := "OK"
	deps := fiber.Map{}
	for name, ping := range h.checks {
		if err := ping(); err != nil {
			status = "DEGRADED"
			deps[name] = err.Error()
			continue
		}
		deps[name] = "OK"
	}

	code := fiber.StatusOK
	if status != "OK" {
		code = fiber.StatusServiceUnavailable
	}
	return c.Status(code).JSON(fiber.Map{
		"status":       status,
		"service":      "wabot",
		"version":      h.Version,
		"dependencies": deps,
	})
}
