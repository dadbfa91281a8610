package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/Ananth-NQI/wabot/internal/models"
)

// DatabaseStore implements Store on PostgreSQL through gorm.
type DatabaseStore struct {
	db *gorm.DB
}

// NewDatabaseStore wraps an open gorm connection.
func NewDatabaseStore(db *gorm.DB) *DatabaseStore {
	return &DatabaseStore{db: db}
}

// Models lists every table the store needs migrated.
func Models() []interface{} {
	return []interface{}{
		&models.ConversationRecord{},
		&models.QueuedDelivery{},
		&models.Setting{},
	}
}

func notFound(err error, what string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return fmt.Errorf("%s: %w", what, err)
}

// SaveConversation inserts the row or updates it in place keyed by the
// conversation id. Rows already archived keep their archived status.
func (s *DatabaseStore) SaveConversation(ctx context.Context, rec *models.ConversationRecord) error {
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "conversation_id"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"messages":      rec.Messages,
			"message_count": rec.MessageCount,
			"unread_count":  rec.UnreadCount,
			"last_activity": rec.LastActivity,
			"updated_at":    time.Now(),
		}),
	}).Create(rec).Error
	if err != nil {
		return fmt.Errorf("upsert conversation %s: %w", rec.ConversationID, err)
	}
	return nil
}

func (s *DatabaseStore) ArchiveConversation(ctx context.Context, conversationID, notes string, at time.Time) error {
	res := s.db.WithContext(ctx).Model(&models.ConversationRecord{}).
		Where("conversation_id = ?", conversationID).
		Updates(map[string]interface{}{
			"status":      models.ConversationArchived,
			"archived_at": at,
			"notes":       notes,
		})
	if res.Error != nil {
		return fmt.Errorf("archive conversation %s: %w", conversationID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("archive conversation %s: %w", conversationID, ErrNotFound)
	}
	return nil
}

func (s *DatabaseStore) GetConversation(ctx context.Context, conversationID string) (*models.ConversationRecord, error) {
	var rec models.ConversationRecord
	if err := s.db.WithContext(ctx).Where("conversation_id = ?", conversationID).First(&rec).Error; err != nil {
		return nil, notFound(err, "conversation "+conversationID)
	}
	return &rec, nil
}

func (s *DatabaseStore) GetActiveConversations(ctx context.Context) ([]*models.ConversationRecord, error) {
	var recs []*models.ConversationRecord
	err := s.db.WithContext(ctx).
		Where("status = ?", models.ConversationActive).
		Order("id").
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("load active conversations: %w", err)
	}
	return recs, nil
}

func (s *DatabaseStore) GetConversationsByPhone(ctx context.Context, phone string) ([]*models.ConversationRecord, error) {
	var recs []*models.ConversationRecord
	if err := s.db.WithContext(ctx).Where("phone = ?", phone).Order("id").Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("load conversations of %s: %w", phone, err)
	}
	return recs, nil
}

func (s *DatabaseStore) GetConversationsStartedBefore(ctx context.Context, cutoff time.Time) ([]*models.ConversationRecord, error) {
	var recs []*models.ConversationRecord
	if err := s.db.WithContext(ctx).Where("started_at < ?", cutoff).Order("id").Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("load conversations before %s: %w", cutoff.Format(time.RFC3339), err)
	}
	return recs, nil
}

func (s *DatabaseStore) DeleteConversation(ctx context.Context, conversationID string) error {
	err := s.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Delete(&models.ConversationRecord{}).Error
	if err != nil {
		return fmt.Errorf("delete conversation %s: %w", conversationID, err)
	}
	return nil
}

func (s *DatabaseStore) CreateDelivery(ctx context.Context, d *models.QueuedDelivery) error {
	if err := s.db.WithContext(ctx).Create(d).Error; err != nil {
		return fmt.Errorf("enqueue delivery to %s: %w", d.Target, err)
	}
	return nil
}

func (s *DatabaseStore) GetDelivery(ctx context.Context, id uint) (*models.QueuedDelivery, error) {
	var d models.QueuedDelivery
	if err := s.db.WithContext(ctx).First(&d, id).Error; err != nil {
		return nil, notFound(err, fmt.Sprintf("delivery %d", id))
	}
	return &d, nil
}

func (s *DatabaseStore) GetDueDeliveries(ctx context.Context, now time.Time, limit int) ([]*models.QueuedDelivery, error) {
	var due []*models.QueuedDelivery
	err := s.db.WithContext(ctx).
		Where("status = ? AND scheduled_at <= ?", models.DeliveryPending, now).
		Order("priority ASC, created_at ASC, id ASC").
		Limit(limit).
		Find(&due).Error
	if err != nil {
		return nil, fmt.Errorf("select due deliveries: %w", err)
	}
	return due, nil
}

func (s *DatabaseStore) UpdateDelivery(ctx context.Context, d *models.QueuedDelivery) error {
	if err := s.db.WithContext(ctx).Save(d).Error; err != nil {
		return fmt.Errorf("update delivery %d: %w", d.ID, err)
	}
	return nil
}

func (s *DatabaseStore) ReleaseStaleDeliveries(ctx context.Context, cutoff, now time.Time) (int64, error) {
	const stale = "status = ? AND (claimed_at IS NULL OR claimed_at < ?)"
	var released int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.QueuedDelivery{}).
			Where(stale, models.DeliveryProcessing, cutoff).
			Where("attempts + 1 >= max_attempts").
			Updates(map[string]interface{}{
				"status":       models.DeliveryFailed,
				"attempts":     gorm.Expr("attempts + 1"),
				"last_error":   models.LeaseExpiredError,
				"processed_at": now,
			})
		if res.Error != nil {
			return res.Error
		}
		released += res.RowsAffected

		res = tx.Model(&models.QueuedDelivery{}).
			Where(stale, models.DeliveryProcessing, cutoff).
			Updates(map[string]interface{}{
				"status":     models.DeliveryPending,
				"attempts":   gorm.Expr("attempts + 1"),
				"last_error": models.LeaseExpiredError,
				"claimed_at": nil,
			})
		if res.Error != nil {
			return res.Error
		}
		released += res.RowsAffected
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("release stale deliveries: %w", err)
	}
	return released, nil
}

func (s *DatabaseStore) CountDeliveriesByStatus(ctx context.Context) (map[models.DeliveryStatus]int64, error) {
	var rows []struct {
		Status models.DeliveryStatus
		Count  int64
	}
	err := s.db.WithContext(ctx).Model(&models.QueuedDelivery{}).
		Select("status, count(*) as count").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("count deliveries: %w", err)
	}

	counts := map[models.DeliveryStatus]int64{
		models.DeliveryPending:    0,
		models.DeliveryProcessing: 0,
		models.DeliverySent:       0,
		models.DeliveryFailed:     0,
	}
	for _, r := range rows {
		counts[r.Status] = r.Count
	}
	return counts, nil
}

func (s *DatabaseStore) DeleteTerminalDeliveriesBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("status IN ? AND COALESCE(processed_at, created_at) < ?",
			[]models.DeliveryStatus{models.DeliverySent, models.DeliveryFailed}, cutoff).
		Delete(&models.QueuedDelivery{})
	if res.Error != nil {
		return 0, fmt.Errorf("cleanup deliveries: %w", res.Error)
	}
	return res.RowsAffected, nil
}

func (s *DatabaseStore) GetSetting(ctx context.Context, key string) (string, error) {
	var st models.Setting
	if err := s.db.WithContext(ctx).First(&st, "key = ?", key).Error; err != nil {
		return "", notFound(err, "setting "+key)
	}
	return st.Value, nil
}

func (s *DatabaseStore) PutSetting(ctx context.Context, key, value string) error {
	st := models.Setting{Key: key, Value: value, UpdatedAt: time.Now()}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&st).Error
	if err != nil {
		return fmt.Errorf("save setting %s: %w", key, err)
	}
	return nil
}

func (s *DatabaseStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
