package services

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// EventType names the operator UI notifications.
type EventType string

const (
	EventNewMessage           EventType = "new_message"
	EventMessageSent          EventType = "message_sent"
	EventConversationArchived EventType = "conversation_archived"
	EventConversationDeleted  EventType = "conversation_deleted"
	EventRateLimitAlert       EventType = "rate_limit_alert"
)

// Event is a fire-and-forget notification for the operator panel.
type Event struct {
	Type      EventType              `json:"type"`
	Phone     string                 `json:"phone,omitempty"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// Notifier delivers events to the operator UI. Implementations must not block
// the caller on delivery failures.
type Notifier interface {
	Notify(ctx context.Context, ev Event)
}

// RedisNotifier publishes events as JSON on a Redis pub/sub channel that the
// operator panel subscribes to.
type RedisNotifier struct {
	client  *redis.Client
	channel string
	logger  *zap.Logger
}

func NewRedisNotifier(client *redis.Client, channel string, logger *zap.Logger) *RedisNotifier {
	return &RedisNotifier{client: client, channel: channel, logger: logger}
}

func (n *RedisNotifier) Notify(ctx context.Context, ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		n.logger.Error("encode operator event", zap.Error(err), zap.String("type", string(ev.Type)))
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if err := n.client.Publish(ctx, n.channel, data).Err(); err != nil {
		n.logger.Warn("publish operator event",
			zap.Error(err),
			zap.String("type", string(ev.Type)),
			zap.String("phone", ev.Phone))
	}
}

// LogNotifier writes events to the log when no Redis is configured.
type LogNotifier struct {
	logger *zap.Logger
}

func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(_ context.Context, ev Event) {
	n.logger.Info("operator event", zap.String("type", string(ev.Type)), zap.String("phone", ev.Phone))
}

// RecordingNotifier keeps every event in memory.
type RecordingNotifier struct {
	mu     sync.Mutex
	events []Event
}

func (n *RecordingNotifier) Notify(_ context.Context, ev Event) {
	n.mu.Lock()
	n.events = append(n.events, ev)
	n.mu.Unlock()
}

// Events returns a copy of the recorded events.
func (n *RecordingNotifier) Events() []Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Event(nil), n.events...)
}

// OfType returns the recorded events of one type.
func (n *RecordingNotifier) OfType(t EventType) []Event {
	var out []Event
	for _, ev := range n.Events() {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}
