package services

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/Ananth-NQI/wabot/internal/models"
)

// Messenger is the outbound side of the messaging channel. Every method may
// fail with a transient network error or an API error.
type Messenger interface {
	SendText(ctx context.Context, to, body string) error
	SendButtons(ctx context.Context, to, body string, buttons []models.Button) error
	SendList(ctx context.Context, to, body, buttonLabel string, sections []models.ListSection) error
	SendMedia(ctx context.Context, to, mediaRef string, kind models.MessageKind, caption string) error
}

// deliver routes an outbound payload to the matching messenger call.
func deliver(ctx context.Context, m Messenger, to string, out models.Outbound) error {
	if err := out.Validate(); err != nil {
		return fmt.Errorf("invalid outbound message: %w", err)
	}
	switch out.Kind {
	case models.OutboundText:
		return m.SendText(ctx, to, out.Body)
	case models.OutboundButtons:
		return m.SendButtons(ctx, to, out.Body, out.Buttons)
	case models.OutboundList:
		return m.SendList(ctx, to, out.Body, out.ButtonLabel, out.Sections)
	case models.OutboundMedia:
		return m.SendMedia(ctx, to, out.MediaRef, out.MediaKind, out.Caption)
	default:
		return fmt.Errorf("unknown outbound kind %q", out.Kind)
	}
}

// LogMessenger logs outbound messages instead of sending them. It stands in
// for Twilio in development when no credentials are configured.
type LogMessenger struct {
	logger *zap.Logger
}

func NewLogMessenger(logger *zap.Logger) *LogMessenger {
	return &LogMessenger{logger: logger}
}

func (m *LogMessenger) SendText(_ context.Context, to, body string) error {
	m.logger.Info("response (not sent, Twilio not configured)", zap.String("to", to), zap.String("body", body))
	return nil
}

func (m *LogMessenger) SendButtons(ctx context.Context, to, body string, buttons []models.Button) error {
	return m.SendText(ctx, to, RenderButtons(body, buttons))
}

func (m *LogMessenger) SendList(ctx context.Context, to, body, _ string, sections []models.ListSection) error {
	return m.SendText(ctx, to, RenderList(body, sections))
}

func (m *LogMessenger) SendMedia(_ context.Context, to, mediaRef string, kind models.MessageKind, caption string) error {
	m.logger.Info("media response (not sent, Twilio not configured)",
		zap.String("to", to),
		zap.String("ref", mediaRef),
		zap.String("kind", string(kind)),
		zap.String("caption", caption))
	return nil
}
