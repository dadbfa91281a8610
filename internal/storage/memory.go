package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Ananth-NQI/wabot/internal/models"
)

// MemoryStore holds all durable data in memory. It backs tests and local
// runs with USE_MEMORY_STORE; nothing survives a restart.
type MemoryStore struct {
	conversations map[string]*models.ConversationRecord
	deliveries    map[uint]*models.QueuedDelivery
	settings      map[string]string

	convMu     sync.RWMutex
	deliveryMu sync.RWMutex
	settingMu  sync.RWMutex

	conversationCounter uint
	deliveryCounter     uint
}

// NewMemoryStore creates a new in-memory storage
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		conversations: make(map[string]*models.ConversationRecord),
		deliveries:    make(map[uint]*models.QueuedDelivery),
		settings:      make(map[string]string),
	}
}

// Conversation operations
func (m *MemoryStore) SaveConversation(_ context.Context, rec *models.ConversationRecord) error {
	m.convMu.Lock()
	defer m.convMu.Unlock()

	cp := *rec
	if existing, ok := m.conversations[rec.ConversationID]; ok {
		cp.ID = existing.ID
		cp.CreatedAt = existing.CreatedAt
		cp.ArchivedAt = existing.ArchivedAt
		cp.Notes = existing.Notes
		if existing.Status == models.ConversationArchived {
			cp.Status = existing.Status
		}
	} else {
		m.conversationCounter++
		cp.ID = m.conversationCounter
		cp.CreatedAt = time.Now()
	}
	cp.UpdatedAt = time.Now()
	m.conversations[rec.ConversationID] = &cp
	rec.ID = cp.ID
	return nil
}

func (m *MemoryStore) ArchiveConversation(_ context.Context, conversationID, notes string, at time.Time) error {
	m.convMu.Lock()
	defer m.convMu.Unlock()

	rec, ok := m.conversations[conversationID]
	if !ok {
		return fmt.Errorf("conversation %s: %w", conversationID, ErrNotFound)
	}
	rec.Status = models.ConversationArchived
	rec.ArchivedAt = &at
	rec.Notes = notes
	rec.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) GetConversation(_ context.Context, conversationID string) (*models.ConversationRecord, error) {
	m.convMu.RLock()
	defer m.convMu.RUnlock()

	rec, ok := m.conversations[conversationID]
	if !ok {
		return nil, fmt.Errorf("conversation %s: %w", conversationID, ErrNotFound)
	}
	cp := *rec
	return &cp, nil
}

func (m *MemoryStore) GetActiveConversations(_ context.Context) ([]*models.ConversationRecord, error) {
	return m.filterConversations(func(r *models.ConversationRecord) bool {
		return r.Status == models.ConversationActive
	}), nil
}

func (m *MemoryStore) GetConversationsByPhone(_ context.Context, phone string) ([]*models.ConversationRecord, error) {
	return m.filterConversations(func(r *models.ConversationRecord) bool {
		return r.Phone == phone
	}), nil
}

func (m *MemoryStore) GetConversationsStartedBefore(_ context.Context, cutoff time.Time) ([]*models.ConversationRecord, error) {
	return m.filterConversations(func(r *models.ConversationRecord) bool {
		return r.StartedAt.Before(cutoff)
	}), nil
}

func (m *MemoryStore) DeleteConversation(_ context.Context, conversationID string) error {
	m.convMu.Lock()
	defer m.convMu.Unlock()

	delete(m.conversations, conversationID)
	return nil
}

func (m *MemoryStore) filterConversations(keep func(*models.ConversationRecord) bool) []*models.ConversationRecord {
	m.convMu.RLock()
	defer m.convMu.RUnlock()

	var out []*models.ConversationRecord
	for _, rec := range m.conversations {
		if keep(rec) {
			cp := *rec
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Delivery queue operations
func (m *MemoryStore) CreateDelivery(_ context.Context, d *models.QueuedDelivery) error {
	m.deliveryMu.Lock()
	defer m.deliveryMu.Unlock()

	m.deliveryCounter++
	d.ID = m.deliveryCounter
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now()
	}
	cp := *d
	m.deliveries[d.ID] = &cp
	return nil
}

func (m *MemoryStore) GetDelivery(_ context.Context, id uint) (*models.QueuedDelivery, error) {
	m.deliveryMu.RLock()
	defer m.deliveryMu.RUnlock()

	d, ok := m.deliveries[id]
	if !ok {
		return nil, fmt.Errorf("delivery %d: %w", id, ErrNotFound)
	}
	cp := *d
	return &cp, nil
}

func (m *MemoryStore) GetDueDeliveries(_ context.Context, now time.Time, limit int) ([]*models.QueuedDelivery, error) {
	m.deliveryMu.RLock()
	defer m.deliveryMu.RUnlock()

	var due []*models.QueuedDelivery
	for _, d := range m.deliveries {
		if d.Status == models.DeliveryPending && !d.ScheduledAt.After(now) {
			cp := *d
			due = append(due, &cp)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		a, b := due[i], due[j]
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (m *MemoryStore) UpdateDelivery(_ context.Context, d *models.QueuedDelivery) error {
	m.deliveryMu.Lock()
	defer m.deliveryMu.Unlock()

	if _, ok := m.deliveries[d.ID]; !ok {
		return fmt.Errorf("delivery %d: %w", d.ID, ErrNotFound)
	}
	cp := *d
	m.deliveries[d.ID] = &cp
	return nil
}

func (m *MemoryStore) ReleaseStaleDeliveries(_ context.Context, cutoff, now time.Time) (int64, error) {
	m.deliveryMu.Lock()
	defer m.deliveryMu.Unlock()

	var n int64
	for _, d := range m.deliveries {
		if d.Status != models.DeliveryProcessing || (d.ClaimedAt != nil && !d.ClaimedAt.Before(cutoff)) {
			continue
		}
		d.Attempts++
		d.LastError = models.LeaseExpiredError
		if d.Attempts >= d.MaxAttempts {
			d.Status = models.DeliveryFailed
			at := now
			d.ProcessedAt = &at
		} else {
			d.Status = models.DeliveryPending
			d.ClaimedAt = nil
		}
		n++
	}
	return n, nil
}

func (m *MemoryStore) CountDeliveriesByStatus(_ context.Context) (map[models.DeliveryStatus]int64, error) {
	m.deliveryMu.RLock()
	defer m.deliveryMu.RUnlock()

	counts := map[models.DeliveryStatus]int64{
		models.DeliveryPending:    0,
		models.DeliveryProcessing: 0,
		models.DeliverySent:       0,
		models.DeliveryFailed:     0,
	}
	for _, d := range m.deliveries {
		counts[d.Status]++
	}
	return counts, nil
}

func (m *MemoryStore) DeleteTerminalDeliveriesBefore(_ context.Context, cutoff time.Time) (int64, error) {
	m.deliveryMu.Lock()
	defer m.deliveryMu.Unlock()

	var n int64
	for id, d := range m.deliveries {
		if !d.IsTerminal() {
			continue
		}
		ref := d.CreatedAt
		if d.ProcessedAt != nil {
			ref = *d.ProcessedAt
		}
		if ref.Before(cutoff) {
			delete(m.deliveries, id)
			n++
		}
	}
	return n, nil
}

// Settings
func (m *MemoryStore) GetSetting(_ context.Context, key string) (string, error) {
	m.settingMu.RLock()
	defer m.settingMu.RUnlock()

	v, ok := m.settings[key]
	if !ok {
		return "", fmt.Errorf("setting %s: %w", key, ErrNotFound)
	}
	return v, nil
}

func (m *MemoryStore) PutSetting(_ context.Context, key, value string) error {
	m.settingMu.Lock()
	defer m.settingMu.Unlock()

	m.settings[key] = value
	return nil
}

func (m *MemoryStore) Close() error {
	// Nothing to close for in-memory storage
	return nil
}
