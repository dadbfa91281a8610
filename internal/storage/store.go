package storage

import (
	"context"
	"errors"
	"time"

	"github.com/Ananth-NQI/wabot/internal/models"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("not found")

// Store defines the durable operations behind the conversation store, the
// delivery queue and persisted settings.
type Store interface {
	// Conversation operations
	SaveConversation(ctx context.Context, rec *models.ConversationRecord) error
	ArchiveConversation(ctx context.Context, conversationID, notes string, at time.Time) error
	GetConversation(ctx context.Context, conversationID string) (*models.ConversationRecord, error)
	GetActiveConversations(ctx context.Context) ([]*models.ConversationRecord, error)
	GetConversationsByPhone(ctx context.Context, phone string) ([]*models.ConversationRecord, error)
	GetConversationsStartedBefore(ctx context.Context, cutoff time.Time) ([]*models.ConversationRecord, error)
	DeleteConversation(ctx context.Context, conversationID string) error

	// Delivery queue operations
	CreateDelivery(ctx context.Context, d *models.QueuedDelivery) error
	GetDelivery(ctx context.Context, id uint) (*models.QueuedDelivery, error)
	GetDueDeliveries(ctx context.Context, now time.Time, limit int) ([]*models.QueuedDelivery, error)
	UpdateDelivery(ctx context.Context, d *models.QueuedDelivery) error
	// ReleaseStaleDeliveries counts an attempt against processing rows
	// claimed before cutoff and returns them to pending, or marks them
	// failed when they are out of attempts.
	ReleaseStaleDeliveries(ctx context.Context, cutoff, now time.Time) (int64, error)
	CountDeliveriesByStatus(ctx context.Context) (map[models.DeliveryStatus]int64, error)
	DeleteTerminalDeliveriesBefore(ctx context.Context, cutoff time.Time) (int64, error)

	// Settings
	GetSetting(ctx context.Context, key string) (string, error)
	PutSetting(ctx context.Context, key, value string) error

	Close() error
}
