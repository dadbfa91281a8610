package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/Ananth-NQI/wabot/internal/clock"
	"github.com/Ananth-NQI/wabot/internal/models"
	"github.com/Ananth-NQI/wabot/internal/storage"
)

var errChannelDown = errors.New("channel down")

// monday10 is a Monday inside business hours.
var monday10 = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

type sentMessage struct {
	To       string
	Kind     models.OutboundKind
	Body     string
	Buttons  []models.Button
	Sections []models.ListSection
	MediaRef string
}

// fakeMessenger records sends. The first failures sends return errChannelDown.
type fakeMessenger struct {
	mu       sync.Mutex
	sent     []sentMessage
	failures int
}

func (m *fakeMessenger) record(msg sentMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failures > 0 {
		m.failures--
		return errChannelDown
	}
	m.sent = append(m.sent, msg)
	return nil
}

func (m *fakeMessenger) SendText(_ context.Context, to, body string) error {
	return m.record(sentMessage{To: to, Kind: models.OutboundText, Body: body})
}

func (m *fakeMessenger) SendButtons(_ context.Context, to, body string, buttons []models.Button) error {
	return m.record(sentMessage{To: to, Kind: models.OutboundButtons, Body: body, Buttons: buttons})
}

func (m *fakeMessenger) SendList(_ context.Context, to, body, _ string, sections []models.ListSection) error {
	return m.record(sentMessage{To: to, Kind: models.OutboundList, Body: body, Sections: sections})
}

func (m *fakeMessenger) SendMedia(_ context.Context, to, ref string, _ models.MessageKind, caption string) error {
	return m.record(sentMessage{To: to, Kind: models.OutboundMedia, Body: caption, MediaRef: ref})
}

func (m *fakeMessenger) Sent() []sentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]sentMessage(nil), m.sent...)
}

// To returns the messages sent to one recipient.
func (m *fakeMessenger) To(phone string) []sentMessage {
	var out []sentMessage
	for _, s := range m.Sent() {
		if s.To == phone {
			out = append(out, s)
		}
	}
	return out
}

// Last returns the newest message sent to phone.
func (m *fakeMessenger) Last(t *testing.T, phone string) sentMessage {
	t.Helper()
	msgs := m.To(phone)
	if len(msgs) == 0 {
		t.Fatalf("nothing sent to %s", phone)
	}
	return msgs[len(msgs)-1]
}

func (m *fakeMessenger) Reset() {
	m.mu.Lock()
	m.sent = nil
	m.mu.Unlock()
}

// fakeMedia records deletions and can be told to fail them.
type fakeMedia struct {
	mu      sync.Mutex
	deleted []string
	fail    bool
}

func (f *fakeMedia) Delete(_ context.Context, ref string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("media backend down")
	}
	f.deleted = append(f.deleted, ref)
	return nil
}

func (f *fakeMedia) Deleted() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.deleted...)
}

func newTestGovernor(t *testing.T, clk clock.Clock, quota int, n Notifier) *Governor {
	cfg := DefaultGovernorConfig()
	cfg.HourlyQuota = quota
	return NewGovernor(cfg, clk, n, nil, zaptest.NewLogger(t))
}

func newTestQueue(t *testing.T, store storage.Store, gov *Governor, m Messenger, clk clock.Clock) *DeliveryQueue {
	q := NewDeliveryQueue(store, gov, m, clk, QueueConfig{BatchSize: 10, MaxAttempts: 3}, nil, zaptest.NewLogger(t))
	q.sleep = func(context.Context, time.Duration) error { return nil }
	return q
}

func newTestConversations(t *testing.T, store storage.Store, media MediaDeleter, n Notifier, clk clock.Clock, maxActive, maxMessages int) *ConversationStore {
	cs := NewConversationStore(store, media, n, clk, ConversationConfig{MaxActive: maxActive, MaxMessages: maxMessages}, nil, zaptest.NewLogger(t))
	t.Cleanup(cs.Close)
	return cs
}

func textMessage(sender models.Sender, body string) models.Message {
	return models.Message{Sender: sender, Content: models.TextContent{Body: body}}
}
