package handlers

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/Ananth-NQI/wabot/internal/media"
	"github.com/Ananth-NQI/wabot/internal/models"
	"github.com/Ananth-NQI/wabot/internal/services"
)

// InputHandler consumes normalized inbound events.
type InputHandler interface {
	HandleInput(ctx context.Context, in services.Inbound) error
}

// MediaDownloader fetches an attachment from the channel.
type MediaDownloader interface {
	DownloadMedia(ctx context.Context, mediaURL string) ([]byte, error)
}

// WhatsAppHandler handles WhatsApp webhook requests
type WhatsAppHandler struct {
	engine     InputHandler
	dedup      services.Deduper
	media      media.Store
	downloader MediaDownloader
	logger     *zap.Logger

	wg sync.WaitGroup
}

// NewWhatsAppHandler creates a new WhatsApp handler. downloader and store may
// be nil, in which case attachments are logged as unsupported.
func NewWhatsAppHandler(engine InputHandler, dedup services.Deduper, store media.Store, downloader MediaDownloader, logger *zap.Logger) *WhatsAppHandler {
	return &WhatsAppHandler{
		engine:     engine,
		dedup:      dedup,
		media:      store,
		downloader: downloader,
		logger:     logger,
	}
}

// TwilioWebhookPayload represents incoming WhatsApp message from Twilio
type TwilioWebhookPayload struct {
	MessageSid        string `form:"MessageSid"`
	AccountSid        string `form:"AccountSid"`
	From              string `form:"From"` // whatsapp:+919876543210
	To                string `form:"To"`
	Body              string `form:"Body"`
	ProfileName       string `form:"ProfileName"`
	ButtonPayload     string `form:"ButtonPayload"`
	ButtonText        string `form:"ButtonText"`
	MessageStatus     string `form:"MessageStatus"`
	NumMedia          string `form:"NumMedia"`
	MediaUrl0         string `form:"MediaUrl0"`
	MediaContentType0 string `form:"MediaContentType0"`
}

// detach copies every field out of the request buffer; fiber reuses it once
// the handler returns.
func (p TwilioWebhookPayload) detach() TwilioWebhookPayload {
	return TwilioWebhookPayload{
		MessageSid:        strings.Clone(p.MessageSid),
		AccountSid:        strings.Clone(p.AccountSid),
		From:              strings.Clone(p.From),
		To:                strings.Clone(p.To),
		Body:              strings.Clone(p.Body),
		ProfileName:       strings.Clone(p.ProfileName),
		ButtonPayload:     strings.Clone(p.ButtonPayload),
		ButtonText:        strings.Clone(p.ButtonText),
		MessageStatus:     strings.Clone(p.MessageStatus),
		NumMedia:          strings.Clone(p.NumMedia),
		MediaUrl0:         strings.Clone(p.MediaUrl0),
		MediaContentType0: strings.Clone(p.MediaContentType0),
	}
}

// normalizePhone strips the channel prefix: "whatsapp:+1555" becomes "+1555".
func normalizePhone(from string) string {
	return strings.TrimPrefix(strings.TrimSpace(from), "whatsapp:")
}

// HandleWebhook acknowledges the event at once and processes it in the
// background so Twilio never retries a slow conversation step.
func (h *WhatsAppHandler) HandleWebhook(c *fiber.Ctx) error {
	var payload TwilioWebhookPayload
	if err := c.BodyParser(&payload); err != nil {
		h.logger.Warn("invalid webhook payload", zap.Error(err))
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid webhook payload",
		})
	}

	// delivery status callbacks share the endpoint
	if payload.MessageStatus != "" {
		h.logger.Debug("status callback",
			zap.String("sid", payload.MessageSid),
			zap.String("status", payload.MessageStatus))
		return c.SendStatus(fiber.StatusOK)
	}
	if payload.From == "" || payload.MessageSid == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Missing sender or message id",
		})
	}

	first, err := h.dedup.FirstSeen(c.UserContext(), payload.MessageSid)
	if err != nil {
		// accept rather than drop the message
		h.logger.Warn("dedup check failed", zap.Error(err), zap.String("sid", payload.MessageSid))
		first = true
	}
	if !first {
		h.logger.Debug("duplicate webhook ignored", zap.String("sid", payload.MessageSid))
		return c.SendStatus(fiber.StatusOK)
	}

	p := payload.detach()
	ctx := context.WithoutCancel(c.UserContext())
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.process(ctx, p)
	}()

	return c.SendStatus(fiber.StatusOK)
}

// Wait blocks until in-flight webhook events are processed.
func (h *WhatsAppHandler) Wait() {
	h.wg.Wait()
}

func (h *WhatsAppHandler) process(ctx context.Context, p TwilioWebhookPayload) {
	in := services.Inbound{
		EventID:  p.MessageSid,
		From:     normalizePhone(p.From),
		Text:     p.Body,
		ButtonID: p.ButtonPayload,
	}
	if in.Text == "" && p.ButtonText != "" {
		in.Text = p.ButtonText
	}

	if n, _ := strconv.Atoi(p.NumMedia); n > 0 {
		if n > 1 {
			h.logger.Info("only the first attachment is kept", zap.String("sid", p.MessageSid), zap.Int("count", n))
		}
		in.Media = h.fetchMedia(ctx, p.MediaUrl0, p.MediaContentType0)
	}

	h.logger.Info("whatsapp message received",
		zap.String("from", in.From),
		zap.String("sid", in.EventID),
		zap.Bool("media", in.Media != nil))

	if err := h.engine.HandleInput(ctx, in); err != nil {
		h.logger.Error("handle inbound message", zap.Error(err), zap.String("sid", in.EventID))
	}
}

// fetchMedia copies an attachment into the media store. Failures degrade to
// an unsupported entry so the text part of the message still gets through.
func (h *WhatsAppHandler) fetchMedia(ctx context.Context, url, contentType string) *services.InboundMedia {
	kind := media.KindFor(contentType)
	unsupported := &services.InboundMedia{Kind: models.KindUnsupported, MimeType: contentType}
	if kind == models.KindUnsupported || url == "" {
		return unsupported
	}
	if h.downloader == nil || h.media == nil {
		h.logger.Warn("attachment dropped, no media store configured")
		return unsupported
	}

	data, err := h.downloader.DownloadMedia(ctx, url)
	if err != nil {
		h.logger.Error("download attachment", zap.Error(err))
		return unsupported
	}
	ref, err := h.media.Put(ctx, data, contentType)
	if err != nil {
		h.logger.Error("store attachment", zap.Error(err))
		return unsupported
	}
	return &services.InboundMedia{
		Ref:      ref,
		Kind:     kind,
		MimeType: contentType,
		Filename: ref,
	}
}

// TestWebhookPayload drives the flow without Twilio (development only).
type TestWebhookPayload struct {
	From     string `json:"from"`
	Message  string `json:"message"`
	ButtonID string `json:"button_id"`
}

// HandleTestWebhook processes a test message synchronously.
func (h *WhatsAppHandler) HandleTestWebhook(c *fiber.Ctx) error {
	var payload TestWebhookPayload
	if err := c.BodyParser(&payload); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid test payload",
		})
	}
	if payload.From == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "from is required",
		})
	}

	h.logger.Debug("test webhook received", zap.String("from", payload.From))

	in := services.Inbound{
		EventID:  fmt.Sprintf("test-%s", payload.From),
		From:     normalizePhone(payload.From),
		Text:     payload.Message,
		ButtonID: payload.ButtonID,
	}
	if err := h.engine.HandleInput(c.UserContext(), in); err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": err.Error(),
		})
	}
	return c.JSON(fiber.Map{
		"success": true,
	})
}
