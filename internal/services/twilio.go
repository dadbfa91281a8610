package services

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/twilio/twilio-go"
	"github.com/twilio/twilio-go/client"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
	"go.uber.org/zap"

	"github.com/Ananth-NQI/wabot/internal/models"
)

// MediaURLer turns a stored media reference into a URL the channel can fetch.
type MediaURLer interface {
	URL(ctx context.Context, ref string) (string, error)
}

// TwilioConfig holds the WhatsApp sender credentials and retry policy.
type TwilioConfig struct {
	AccountSID string
	AuthToken  string
	From       string // e.g. "whatsapp:+14155238886"
	Timeout    time.Duration
	Retries    int
	RetryDelay time.Duration
}

// messageCreator is the slice of the Twilio API the service uses.
type messageCreator interface {
	CreateMessage(params *twilioApi.CreateMessageParams) (*twilioApi.ApiV2010Message, error)
}

// TwilioService implements Messenger over the Twilio WhatsApp API. The
// channel has no free-form interactive messages, so buttons and lists are
// rendered as text menus; the flow engine matches typed titles.
type TwilioService struct {
	api    messageCreator
	from   string
	media  MediaURLer
	cfg    TwilioConfig
	logger *zap.Logger

	sleep func(ctx context.Context, d time.Duration) error
}

func NewTwilioService(cfg TwilioConfig, media MediaURLer, logger *zap.Logger) (*TwilioService, error) {
	if cfg.AccountSID == "" || cfg.AuthToken == "" || cfg.From == "" {
		return nil, fmt.Errorf("missing Twilio credentials")
	}
	if cfg.Retries <= 0 {
		cfg.Retries = 3
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	rc := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})
	rc.SetTimeout(cfg.Timeout)

	from := cfg.From
	if !strings.HasPrefix(from, "whatsapp:") {
		from = "whatsapp:" + from
	}
	return &TwilioService{
		api:    rc.Api,
		from:   from,
		media:  media,
		cfg:    cfg,
		logger: logger,
		sleep:  sleepCtx,
	}, nil
}

func (t *TwilioService) SendText(ctx context.Context, to, body string) error {
	params := &twilioApi.CreateMessageParams{}
	params.SetBody(body)
	return t.create(ctx, to, params)
}

func (t *TwilioService) SendButtons(ctx context.Context, to, body string, buttons []models.Button) error {
	return t.SendText(ctx, to, RenderButtons(body, buttons))
}

func (t *TwilioService) SendList(ctx context.Context, to, body, buttonLabel string, sections []models.ListSection) error {
	return t.SendText(ctx, to, RenderList(body, sections))
}

func (t *TwilioService) SendMedia(ctx context.Context, to, mediaRef string, kind models.MessageKind, caption string) error {
	url := mediaRef
	if !models.IsExternalRef(mediaRef) {
		if t.media == nil {
			return fmt.Errorf("no media store to resolve %s", mediaRef)
		}
		var err error
		if url, err = t.media.URL(ctx, mediaRef); err != nil {
			return fmt.Errorf("resolve media %s: %w", mediaRef, err)
		}
	}

	params := &twilioApi.CreateMessageParams{}
	params.SetMediaUrl([]string{url})
	if caption != "" && kind != models.KindAudio {
		params.SetBody(caption)
	}
	return t.create(ctx, to, params)
}

// create sends the message, retrying transient failures with a fixed delay.
func (t *TwilioService) create(ctx context.Context, to string, params *twilioApi.CreateMessageParams) error {
	params.SetFrom(t.from)
	params.SetTo("whatsapp:" + strings.TrimPrefix(to, "whatsapp:"))

	var err error
	for attempt := 1; attempt <= t.cfg.Retries; attempt++ {
		var resp *twilioApi.ApiV2010Message
		resp, err = t.api.CreateMessage(params)
		if err == nil {
			if resp.ErrorCode != nil && *resp.ErrorCode != 0 {
				msg := ""
				if resp.ErrorMessage != nil {
					msg = *resp.ErrorMessage
				}
				return fmt.Errorf("twilio error %d: %s", *resp.ErrorCode, msg)
			}
			sid := ""
			if resp.Sid != nil {
				sid = *resp.Sid
			}
			t.logger.Debug("whatsapp message sent", zap.String("to", to), zap.String("sid", sid))
			return nil
		}

		if !isTransient(err) || attempt == t.cfg.Retries {
			break
		}
		t.logger.Warn("whatsapp send failed, retrying",
			zap.Error(err),
			zap.String("to", to),
			zap.Int("attempt", attempt))
		if serr := t.sleep(ctx, t.cfg.RetryDelay); serr != nil {
			return serr
		}
	}
	return fmt.Errorf("send whatsapp message to %s: %w", to, err)
}

// DownloadMedia fetches an inbound attachment. Twilio media URLs need the
// account credentials and redirect to the CDN.
func (t *TwilioService) DownloadMedia(ctx context.Context, mediaURL string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	a := fiber.Get(mediaURL)
	a.BasicAuth(t.cfg.AccountSID, t.cfg.AuthToken)
	a.MaxRedirectsCount(5)
	a.Timeout(t.cfg.Timeout)

	code, body, errs := a.Bytes()
	if len(errs) > 0 {
		return nil, fmt.Errorf("download %s: %w", mediaURL, errs[0])
	}
	if code != fiber.StatusOK {
		return nil, fmt.Errorf("download %s: status %d", mediaURL, code)
	}
	if len(body) > models.MaxAttachmentLen {
		return nil, fmt.Errorf("download %s: %d bytes exceeds limit", mediaURL, len(body))
	}
	return body, nil
}

// isTransient reports network faults, throttling and server-side errors.
func isTransient(err error) bool {
	var restErr *client.TwilioRestError
	if errors.As(err, &restErr) {
		return restErr.Status == 429 || restErr.Status >= 500
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// RenderButtons renders quick replies as a bulleted text menu.
func RenderButtons(body string, buttons []models.Button) string {
	var b strings.Builder
	b.WriteString(body)
	b.WriteString("\n")
	for _, btn := range buttons {
		b.WriteString("\n• ")
		b.WriteString(btn.Title)
	}
	b.WriteString("\n\nReply with one of the options above.")
	return b.String()
}

// RenderList renders list sections as a numbered text menu. Numbering runs
// across sections.
func RenderList(body string, sections []models.ListSection) string {
	var b strings.Builder
	b.WriteString(body)
	b.WriteString("\n")
	n := 0
	for _, sec := range sections {
		if sec.Title != "" && len(sections) > 1 {
			fmt.Fprintf(&b, "\n*%s*", sec.Title)
		}
		for _, row := range sec.Rows {
			n++
			fmt.Fprintf(&b, "\n%d. %s", n, row.Title)
			if row.Description != "" {
				fmt.Fprintf(&b, " (%s)", row.Description)
			}
		}
	}
	b.WriteString("\n\nReply with a number.")
	return b.String()
}
