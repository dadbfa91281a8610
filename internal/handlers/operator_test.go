package handlers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Ananth-NQI/wabot/internal/catalog"
	"github.com/Ananth-NQI/wabot/internal/clock"
	"github.com/Ananth-NQI/wabot/internal/models"
	"github.com/Ananth-NQI/wabot/internal/services"
	"github.com/Ananth-NQI/wabot/internal/storage"
)

const testClient = "+573001112233"

type operatorFixture struct {
	app    *fiber.App
	engine *services.Engine
	convs  *services.ConversationStore
}

func newOperatorFixture(t *testing.T) *operatorFixture {
	logger := zaptest.NewLogger(t)
	clk := clock.NewFake(time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC))
	store := storage.NewMemoryStore()

	gov := services.NewGovernor(services.DefaultGovernorConfig(), clk, &services.RecordingNotifier{}, nil, logger)
	queue := services.NewDeliveryQueue(store, gov, services.NewLogMessenger(logger), clk, services.DefaultQueueConfig(), nil, logger)
	convs := services.NewConversationStore(store, nil, &services.RecordingNotifier{}, clk, services.ConversationConfig{}, nil, logger)
	t.Cleanup(convs.Close)

	engine := services.NewEngine(services.EngineConfig{
		OperatorPhone: "+570000000000",
		Hours:         services.DefaultBusinessHours(time.UTC),
		DefaultPromo:  "Free shipping on Fridays",
	}, services.EngineDeps{
		Sessions:      services.NewSessionManager(clk, logger),
		Advisors:      services.NewAdvisorRegistry(clk, 24*time.Hour, nil, logger),
		Conversations: convs,
		Sender:        queue,
		Catalog:       catalog.NewWooClient(catalog.Config{}, logger),
		Settings:      store,
		Clock:         clk,
		Logger:        logger,
	})

	h := NewOperatorHandler(engine, convs, queue, gov, store, logger)
	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	api := app.Group("/api")
	api.Get("/conversations", h.ListConversations)
	api.Get("/conversations/:phone", h.GetConversation)
	api.Get("/conversations/:phone/history", h.GetHistory)
	api.Post("/conversations/:phone/reply", h.Reply)
	api.Post("/conversations/:phone/read", h.MarkRead)
	api.Post("/conversations/:phone/archive", h.Archive)
	api.Delete("/conversations/:phone", h.Delete)
	api.Get("/escalations", h.ListEscalations)
	api.Post("/escalations/:phone/close", h.CloseEscalation)
	api.Get("/queue/stats", h.QueueStats)
	api.Get("/governor", h.GovernorStats)
	api.Get("/promo", h.GetPromo)
	api.Put("/promo", h.UpdatePromo)

	return &operatorFixture{app: app, engine: engine, convs: convs}
}

func (f *operatorFixture) clientSays(t *testing.T, in services.Inbound) {
	t.Helper()
	in.From = testClient
	require.NoError(t, f.engine.HandleInput(context.Background(), in))
}

func (f *operatorFixture) escalate(t *testing.T) {
	t.Helper()
	f.clientSays(t, services.Inbound{Text: "hi"})
	f.clientSays(t, services.Inbound{ButtonID: "advisor"})
	f.clientSays(t, services.Inbound{ButtonID: "advisor_query"})
	f.clientSays(t, services.Inbound{Text: "Do you have oil filters?"})
}

func (f *operatorFixture) do(t *testing.T, method, path, body string) (int, map[string]interface{}) {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	}
	resp, err := f.app.Test(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func TestOperatorListsConversations(t *testing.T) {
	f := newOperatorFixture(t)
	f.escalate(t)

	code, body := f.do(t, http.MethodGet, "/api/conversations?advisor=true", "")
	require.Equal(t, fiber.StatusOK, code)
	assert.Equal(t, float64(1), body["count"])
	conv := body["conversations"].([]interface{})[0].(map[string]interface{})
	assert.Equal(t, testClient, conv["phone"])
	assert.Equal(t, true, conv["with_advisor"])
	assert.Equal(t, "2026-03-02T10:00:00Z", conv["last_activity"])

	_, body = f.do(t, http.MethodGet, "/api/conversations?q=999", "")
	assert.Equal(t, float64(0), body["count"])
}

func TestOperatorGetConversation(t *testing.T) {
	f := newOperatorFixture(t)
	f.clientSays(t, services.Inbound{Text: "hi"})

	code, body := f.do(t, http.MethodGet, "/api/conversations/"+testClient, "")
	assert.Equal(t, fiber.StatusOK, code)
	assert.NotNil(t, body["conversation"])

	code, _ = f.do(t, http.MethodGet, "/api/conversations/+1999", "")
	assert.Equal(t, fiber.StatusNotFound, code)
}

func TestOperatorReply(t *testing.T) {
	f := newOperatorFixture(t)
	f.escalate(t)

	code, _ := f.do(t, http.MethodPost, "/api/conversations/"+testClient+"/reply", `{"text":"Yes, we do."}`)
	require.Equal(t, fiber.StatusOK, code)

	conv, ok := f.convs.GetActive(testClient)
	require.True(t, ok)
	last, _ := conv.LastMessage()
	assert.Equal(t, models.SenderAdvisor, last.Sender)
	assert.Equal(t, "Yes, we do.", last.Preview())

	code, body := f.do(t, http.MethodPost, "/api/conversations/"+testClient+"/reply", `{"text":"  "}`)
	assert.Equal(t, fiber.StatusBadRequest, code)
	assert.Contains(t, body["error"], "empty")
}

func TestOperatorMarkReadAndArchive(t *testing.T) {
	f := newOperatorFixture(t)
	f.clientSays(t, services.Inbound{Text: "hi"})

	code, _ := f.do(t, http.MethodPost, "/api/conversations/"+testClient+"/read", "")
	assert.Equal(t, fiber.StatusOK, code)
	conv, _ := f.convs.GetActive(testClient)
	assert.Zero(t, conv.UnreadCount)

	code, body := f.do(t, http.MethodPost, "/api/conversations/"+testClient+"/archive", `{"notes":"resolved"}`)
	require.Equal(t, fiber.StatusOK, code)
	assert.NotEmpty(t, body["conversation_id"])

	code, _ = f.do(t, http.MethodPost, "/api/conversations/"+testClient+"/archive", "")
	assert.Equal(t, fiber.StatusNotFound, code)

	code, body = f.do(t, http.MethodGet, "/api/conversations/"+testClient+"/history", "")
	require.Equal(t, fiber.StatusOK, code)
	assert.Equal(t, float64(1), body["count"])
}

func TestOperatorDelete(t *testing.T) {
	f := newOperatorFixture(t)
	f.clientSays(t, services.Inbound{Text: "hi"})

	code, _ := f.do(t, http.MethodDelete, "/api/conversations/"+testClient, "")
	assert.Equal(t, fiber.StatusOK, code)
	_, ok := f.convs.GetActive(testClient)
	assert.False(t, ok)

	_, body := f.do(t, http.MethodGet, "/api/conversations/"+testClient+"/history", "")
	assert.Equal(t, float64(0), body["count"])
}

func TestOperatorEscalations(t *testing.T) {
	f := newOperatorFixture(t)
	f.escalate(t)

	_, body := f.do(t, http.MethodGet, "/api/escalations", "")
	require.Equal(t, float64(1), body["count"])
	esc := body["escalations"].([]interface{})[0].(map[string]interface{})
	assert.Equal(t, "Do you have oil filters?", esc["initial_query"])

	code, _ := f.do(t, http.MethodPost, "/api/escalations/"+testClient+"/close", "")
	assert.Equal(t, fiber.StatusOK, code)
	assert.False(t, f.engine.Advisors().IsEscalated(testClient))

	code, _ = f.do(t, http.MethodPost, "/api/escalations/"+testClient+"/close", "")
	assert.Equal(t, fiber.StatusNotFound, code)
}

func TestOperatorStats(t *testing.T) {
	f := newOperatorFixture(t)
	f.clientSays(t, services.Inbound{Text: "hi"})

	code, body := f.do(t, http.MethodGet, "/api/queue/stats", "")
	assert.Equal(t, fiber.StatusOK, code)
	assert.NotNil(t, body["queue"])

	code, body = f.do(t, http.MethodGet, "/api/governor", "")
	require.Equal(t, fiber.StatusOK, code)
	gov := body["governor"].(map[string]interface{})
	assert.Equal(t, float64(1), gov["calls_in_window"])
	assert.Equal(t, float64(5000), gov["hourly_quota"])
}

func TestOperatorPromo(t *testing.T) {
	f := newOperatorFixture(t)

	_, body := f.do(t, http.MethodGet, "/api/promo", "")
	assert.Equal(t, "Free shipping on Fridays", body["promo"])

	code, _ := f.do(t, http.MethodPut, "/api/promo", `{"text":"2x1 on wipers"}`)
	require.Equal(t, fiber.StatusOK, code)
	_, body = f.do(t, http.MethodGet, "/api/promo", "")
	assert.Equal(t, "2x1 on wipers", body["promo"])

	code, _ = f.do(t, http.MethodPut, "/api/promo", `{"text":"`+strings.Repeat("a", models.MaxPromoLength+1)+`"}`)
	assert.Equal(t, fiber.StatusBadRequest, code)
}
