package handlers

import (
	"encoding/json"
	"errors"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func checkHealth(t *testing.T, h *HealthHandler) (int, map[string]interface{}) {
	t.Helper()
	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	app.Get("/health", h.Check)

	resp, err := app.Test(httptest.NewRequest(fiber.MethodGet, "/health", nil))
	require.NoError(t, err)
	defer resp.Body.Close()

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return resp.StatusCode, body
}

func TestHealthOK(t *testing.T) {
	code, body := checkHealth(t, NewHealthHandler("1.2.3", map[string]Pinger{
		"database": func() error { return nil },
	}))
	assert.Equal(t, fiber.StatusOK, code)
	assert.Equal(t, "OK", body["status"])
	assert.Equal(t, "1.2.3", body["version"])
	assert.Equal(t, map[string]interface{}{"database": "OK"}, body["dependencies"])
}

func TestHealthDegraded(t *testing.T) {
	code, body := checkHealth(t, NewHealthHandler("dev", map[string]Pinger{
		"database": func() error { return nil },
		"redis":    func() error { return errors.New("connection refused") },
	}))
	assert.Equal(t, fiber.StatusServiceUnavailable, code)
	assert.Equal(t, "DEGRADED", body["status"])
	deps := body["dependencies"].(map[string]interface{})
	assert.Equal(t, "connection refused", deps["redis"])
	assert.Equal(t, "OK", deps["database"])
}
