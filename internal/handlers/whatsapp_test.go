package handlers

import (
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Ananth-NQI/wabot/internal/clock"
	"github.com/Ananth-NQI/wabot/internal/media"
	"github.com/Ananth-NQI/wabot/internal/models"
	"github.com/Ananth-NQI/wabot/internal/services"
)

type recordingEngine struct {
	mu     sync.Mutex
	inputs []services.Inbound
	err    error
}

func (e *recordingEngine) HandleInput(_ context.Context, in services.Inbound) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.inputs = append(e.inputs, in)
	return e.err
}

func (e *recordingEngine) Inputs() []services.Inbound {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]services.Inbound(nil), e.inputs...)
}

type failingDeduper struct{}

func (failingDeduper) FirstSeen(context.Context, string) (bool, error) {
	return false, errors.New("redis unreachable")
}

type fakeDownloader struct {
	data []byte
	err  error
}

func (d fakeDownloader) DownloadMedia(context.Context, string) ([]byte, error) {
	return d.data, d.err
}

func newWebhookApp(t *testing.T, h *WhatsAppHandler) *fiber.App {
	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	app.Post("/webhook/whatsapp", h.HandleWebhook)
	app.Post("/test/whatsapp", h.HandleTestWebhook)
	return app
}

func postForm(t *testing.T, app *fiber.App, form url.Values) int {
	t.Helper()
	req := httptest.NewRequest(fiber.MethodPost, "/webhook/whatsapp", strings.NewReader(form.Encode()))
	req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationForm)
	resp, err := app.Test(req)
	require.NoError(t, err)
	return resp.StatusCode
}

func newTestDedup() services.Deduper {
	return services.NewMemoryDeduper(clock.NewFake(time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)), 10*time.Minute)
}

func TestWebhookProcessesMessage(t *testing.T) {
	engine := &recordingEngine{}
	h := NewWhatsAppHandler(engine, newTestDedup(), nil, nil, zaptest.NewLogger(t))
	app := newWebhookApp(t, h)

	code := postForm(t, app, url.Values{
		"MessageSid": {"SM1"},
		"From":       {"whatsapp:+573001234567"},
		"Body":       {"hola"},
	})
	assert.Equal(t, fiber.StatusOK, code)

	h.Wait()
	inputs := engine.Inputs()
	require.Len(t, inputs, 1)
	assert.Equal(t, services.Inbound{EventID: "SM1", From: "+573001234567", Text: "hola"}, inputs[0])
}

func TestWebhookDropsDuplicates(t *testing.T) {
	engine := &recordingEngine{}
	h := NewWhatsAppHandler(engine, newTestDedup(), nil, nil, zaptest.NewLogger(t))
	app := newWebhookApp(t, h)

	form := url.Values{"MessageSid": {"SM1"}, "From": {"whatsapp:+1"}, "Body": {"hi"}}
	assert.Equal(t, fiber.StatusOK, postForm(t, app, form))
	assert.Equal(t, fiber.StatusOK, postForm(t, app, form))

	h.Wait()
	assert.Len(t, engine.Inputs(), 1)
}

func TestWebhookAcceptsWhenDedupFails(t *testing.T) {
	engine := &recordingEngine{}
	h := NewWhatsAppHandler(engine, failingDeduper{}, nil, nil, zaptest.NewLogger(t))
	app := newWebhookApp(t, h)

	assert.Equal(t, fiber.StatusOK, postForm(t, app, url.Values{"MessageSid": {"SM9"}, "From": {"whatsapp:+1"}, "Body": {"x"}}))
	h.Wait()
	assert.Len(t, engine.Inputs(), 1)
}

func TestWebhookIgnoresStatusCallbacks(t *testing.T) {
	engine := &recordingEngine{}
	h := NewWhatsAppHandler(engine, newTestDedup(), nil, nil, zaptest.NewLogger(t))
	app := newWebhookApp(t, h)

	code := postForm(t, app, url.Values{"MessageSid": {"SM1"}, "MessageStatus": {"delivered"}, "From": {"whatsapp:+1"}})
	assert.Equal(t, fiber.StatusOK, code)
	h.Wait()
	assert.Empty(t, engine.Inputs())
}

func TestWebhookRejectsMissingSender(t *testing.T) {
	h := NewWhatsAppHandler(&recordingEngine{}, newTestDedup(), nil, nil, zaptest.NewLogger(t))
	app := newWebhookApp(t, h)

	assert.Equal(t, fiber.StatusBadRequest, postForm(t, app, url.Values{"MessageSid": {"SM1"}, "Body": {"x"}}))
}

func TestWebhookButtonReply(t *testing.T) {
	engine := &recordingEngine{}
	h := NewWhatsAppHandler(engine, newTestDedup(), nil, nil, zaptest.NewLogger(t))
	app := newWebhookApp(t, h)

	postForm(t, app, url.Values{
		"MessageSid":    {"SM2"},
		"From":          {"whatsapp:+1"},
		"ButtonPayload": {"advisor"},
		"ButtonText":    {"Talk to an advisor"},
	})
	h.Wait()
	in := engine.Inputs()[0]
	assert.Equal(t, "advisor", in.ButtonID)
	assert.Equal(t, "Talk to an advisor", in.Text)
}

func TestWebhookStoresAttachments(t *testing.T) {
	store, err := media.NewLocalStore(t.TempDir(), "")
	require.NoError(t, err)
	engine := &recordingEngine{}
	h := NewWhatsAppHandler(engine, newTestDedup(), store, fakeDownloader{data: []byte("jpeg")}, zaptest.NewLogger(t))
	app := newWebhookApp(t, h)

	postForm(t, app, url.Values{
		"MessageSid":        {"SM3"},
		"From":              {"whatsapp:+1"},
		"Body":              {"my part"},
		"NumMedia":          {"1"},
		"MediaUrl0":         {"https://api.twilio.com/media/ME1"},
		"MediaContentType0": {"image/jpeg"},
	})
	h.Wait()

	in := engine.Inputs()[0]
	require.NotNil(t, in.Media)
	assert.Equal(t, models.KindImage, in.Media.Kind)
	assert.True(t, media.ValidRef(in.Media.Ref))

	rc, err := store.Open(context.Background(), in.Media.Ref)
	require.NoError(t, err)
	defer rc.Close()
	data, _ := io.ReadAll(rc)
	assert.Equal(t, "jpeg", string(data))
}

func TestWebhookDegradesFailedAttachments(t *testing.T) {
	store, err := media.NewLocalStore(t.TempDir(), "")
	require.NoError(t, err)
	engine := &recordingEngine{}
	h := NewWhatsAppHandler(engine, newTestDedup(), store, fakeDownloader{err: errors.New("403")}, zaptest.NewLogger(t))
	app := newWebhookApp(t, h)

	postForm(t, app, url.Values{
		"MessageSid": {"SM4"}, "From": {"whatsapp:+1"},
		"NumMedia": {"1"}, "MediaUrl0": {"https://x"}, "MediaContentType0": {"audio/ogg"},
	})
	postForm(t, app, url.Values{
		"MessageSid": {"SM5"}, "From": {"whatsapp:+2"},
		"NumMedia": {"1"}, "MediaUrl0": {"https://x"}, "MediaContentType0": {"video/mp4"},
	})
	h.Wait()

	for _, in := range engine.Inputs() {
		require.NotNil(t, in.Media)
		assert.Equal(t, models.KindUnsupported, in.Media.Kind)
		assert.Empty(t, in.Media.Ref)
	}
}

func TestTestWebhookRunsSynchronously(t *testing.T) {
	engine := &recordingEngine{}
	h := NewWhatsAppHandler(engine, newTestDedup(), nil, nil, zaptest.NewLogger(t))
	app := newWebhookApp(t, h)

	req := httptest.NewRequest(fiber.MethodPost, "/test/whatsapp", strings.NewReader(`{"from":"whatsapp:+1","message":"hi"}`))
	req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	require.Len(t, engine.Inputs(), 1)
	assert.Equal(t, "+1", engine.Inputs()[0].From)

	req = httptest.NewRequest(fiber.MethodPost, "/test/whatsapp", strings.NewReader(`{"message":"hi"}`))
	req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	resp, err = app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
}
