package middleware

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"net/http/httptest"
	"net/url"
	"sort"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twilio/twilio-go/client"
	"go.uber.org/zap/zaptest"
)

func TestRequireAPIKey(t *testing.T) {
	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	app.Get("/api/ping", RequireAPIKey("s3cret"), func(c *fiber.Ctx) error {
		return c.SendString("pong")
	})

	cases := []struct {
		name   string
		header string
		value  string
		want   int
	}{
		{"header key", "X-API-Key", "s3cret", fiber.StatusOK},
		{"bearer token", fiber.HeaderAuthorization, "Bearer s3cret", fiber.StatusOK},
		{"wrong key", "X-API-Key", "nope", fiber.StatusUnauthorized},
		{"missing key", "", "", fiber.StatusUnauthorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(fiber.MethodGet, "/api/ping", nil)
			if tc.header != "" {
				req.Header.Set(tc.header, tc.value)
			}
			resp, err := app.Test(req)
			require.NoError(t, err)
			assert.Equal(t, tc.want, resp.StatusCode)
		})
	}
}

func TestRequireAPIKeyEmptyRejectsAll(t *testing.T) {
	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	app.Get("/", RequireAPIKey(""), func(c *fiber.Ctx) error { return c.SendStatus(fiber.StatusOK) })

	req := httptest.NewRequest(fiber.MethodGet, "/", nil)
	req.Header.Set("X-API-Key", "")
	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)
}

func TestValidateTwilioSignature(t *testing.T) {
	const (
		token     = "twilio-auth-token"
		publicURL = "https://bot.example.com"
	)
	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	app.Post("/webhook/whatsapp", ValidateTwilioSignature(token, publicURL+"/", zaptest.NewLogger(t)), func(c *fiber.Ctx) error {
		return c.SendStatus(fiber.StatusOK)
	})

	form := url.Values{"MessageSid": {"SM1"}, "From": {"whatsapp:+1"}, "Body": {"hi there"}}
	params := map[string]string{"MessageSid": "SM1", "From": "whatsapp:+1", "Body": "hi there"}

	sig := signFor(token, publicURL+"/webhook/whatsapp", params)
	validator := client.NewRequestValidator(token)
	require.True(t, validator.Validate(publicURL+"/webhook/whatsapp", params, sig))

	send := func(signature string) int {
		req := httptest.NewRequest(fiber.MethodPost, "/webhook/whatsapp", strings.NewReader(form.Encode()))
		req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationForm)
		if signature != "" {
			req.Header.Set("X-Twilio-Signature", signature)
		}
		resp, err := app.Test(req)
		require.NoError(t, err)
		return resp.StatusCode
	}

	assert.Equal(t, fiber.StatusOK, send(sig))
	assert.Equal(t, fiber.StatusUnauthorized, send("bogus"))
	assert.Equal(t, fiber.StatusUnauthorized, send(""))
}

// signFor builds an X-Twilio-Signature: HMAC-SHA1 over the URL followed by
// the sorted form parameters.
func signFor(token, u string, params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(u)
	for _, k := range keys {
		b.WriteString(k)
		b.WriteString(params[k])
	}
	mac := hmac.New(sha1.New, []byte(token))
	mac.Write([]byte(b.String()))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
