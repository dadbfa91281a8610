package services

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Ananth-NQI/wabot/internal/clock"
	"github.com/Ananth-NQI/wabot/internal/metrics"
	"github.com/Ananth-NQI/wabot/internal/models"
	"github.com/Ananth-NQI/wabot/internal/storage"
)

// ErrStoreClosed is returned once Close has been called.
var ErrStoreClosed = errors.New("conversation store closed")

// MediaDeleter removes stored attachments. Deleting a missing reference must
// succeed.
type MediaDeleter interface {
	Delete(ctx context.Context, ref string) error
}

// ConversationConfig caps the in-memory working set.
type ConversationConfig struct {
	MaxActive   int
	MaxMessages int
}

// ListFilter narrows ListActive.
type ListFilter struct {
	WithAdvisorOnly bool
	UnreadOnly      bool
	Search          string
}

type writeJob struct {
	save    *models.ConversationRecord
	archive *archiveJob
	flushed chan struct{}
}

type archiveJob struct {
	conversationID string
	notes          string
	at             time.Time
	result         chan error
}

// ConversationStore is the bounded set of active conversations. Every change
// is written through to storage by a single writer goroutine, in call order.
// Saves are queued while mu is held; the writer never takes mu.
type ConversationStore struct {
	store    storage.Store
	media    MediaDeleter
	notifier Notifier
	clock    clock.Clock
	metrics  *metrics.Metrics
	logger   *zap.Logger
	cfg      ConversationConfig

	mu     sync.RWMutex
	active map[string]*models.Conversation

	closeMu sync.RWMutex
	closed  bool
	writes  chan writeJob
	done    chan struct{}
}

func NewConversationStore(store storage.Store, media MediaDeleter, notifier Notifier, clk clock.Clock, cfg ConversationConfig, m *metrics.Metrics, logger *zap.Logger) *ConversationStore {
	if cfg.MaxActive <= 0 {
		cfg.MaxActive = 100
	}
	if cfg.MaxMessages <= 0 {
		cfg.MaxMessages = 500
	}
	cs := &ConversationStore{
		store:    store,
		media:    media,
		notifier: notifier,
		clock:    clk,
		metrics:  m,
		logger:   logger,
		cfg:      cfg,
		active:   make(map[string]*models.Conversation),
		writes:   make(chan writeJob, 256),
		done:     make(chan struct{}),
	}
	go cs.persist()
	return cs
}

func (cs *ConversationStore) persist() {
	defer close(cs.done)
	ctx := context.Background()

	for job := range cs.writes {
		switch {
		case job.save != nil:
			if err := cs.store.SaveConversation(ctx, job.save); err != nil {
				cs.logger.Error("persist conversation",
					zap.Error(err),
					zap.String("conversation_id", job.save.ConversationID),
					zap.String("phone", job.save.Phone))
			}
		case job.archive != nil:
			a := job.archive
			err := cs.store.ArchiveConversation(ctx, a.conversationID, a.notes, a.at)
			if err != nil {
				cs.logger.Error("archive conversation", zap.Error(err), zap.String("conversation_id", a.conversationID))
			}
			if a.result != nil {
				a.result <- err
			}
		case job.flushed != nil:
			close(job.flushed)
		}
	}
}

func (cs *ConversationStore) enqueue(job writeJob) error {
	cs.closeMu.RLock()
	defer cs.closeMu.RUnlock()
	if cs.closed {
		return ErrStoreClosed
	}
	cs.writes <- job
	return nil
}

// Append adds msg to the user's active conversation, creating one if needed,
// and applies the capacity policy.
func (cs *ConversationStore) Append(ctx context.Context, phone string, msg models.Message) (models.Conversation, error) {
	now := cs.clock.Now()
	msg.Timestamp = now
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}

	cs.mu.Lock()
	conv, ok := cs.active[phone]
	if !ok {
		conv = &models.Conversation{
			ID:        uuid.NewString(),
			Phone:     phone,
			StartedAt: now,
			Status:    models.ConversationActive,
		}
		cs.active[phone] = conv
	}
	conv.Messages = append(conv.Messages, msg)
	conv.LastActivity = now
	switch msg.Sender {
	case models.SenderClient:
		conv.UnreadCount++
	case models.SenderAdvisor:
		conv.WithAdvisor = true
	}

	// queued under mu so snapshots reach storage in mutation order
	rec, err := conv.ToRecord()
	if err == nil {
		err = cs.enqueue(writeJob{save: rec})
	}
	snapshot := conv.Clone()

	var evicted []*models.Conversation
	var reasons []string
	if len(conv.Messages) > cs.cfg.MaxMessages {
		delete(cs.active, phone)
		evicted = append(evicted, conv)
		reasons = append(reasons, "message_cap")
	} else if len(cs.active) > cs.cfg.MaxActive {
		if oldest := cs.oldestLocked(); oldest != nil {
			delete(cs.active, oldest.Phone)
			evicted = append(evicted, oldest)
			reasons = append(reasons, "eviction")
		}
	}
	activeCount := len(cs.active)
	cs.mu.Unlock()

	if err != nil {
		return snapshot, err
	}

	cs.notifyMessage(ctx, snapshot, msg)

	for i, c := range evicted {
		cs.archiveDetached(ctx, c, reasons[i], "", nil)
	}
	if len(evicted) > 0 && evicted[0].Phone == phone {
		snapshot.Status = models.ConversationArchived
	}
	if cs.metrics != nil {
		cs.metrics.ActiveConversations.Set(float64(activeCount))
	}
	return snapshot, nil
}

func (cs *ConversationStore) oldestLocked() *models.Conversation {
	var oldest *models.Conversation
	for _, c := range cs.active {
		if oldest == nil ||
			c.LastActivity.Before(oldest.LastActivity) ||
			(c.LastActivity.Equal(oldest.LastActivity) && c.Phone < oldest.Phone) {
			oldest = c
		}
	}
	return oldest
}

func (cs *ConversationStore) notifyMessage(ctx context.Context, conv models.Conversation, msg models.Message) {
	evType := EventMessageSent
	if msg.Sender == models.SenderClient {
		evType = EventNewMessage
	}
	cs.notifier.Notify(ctx, Event{
		Type:  evType,
		Phone: conv.Phone,
		Payload: map[string]interface{}{
			"conversation_id": conv.ID,
			"message":         msg,
			"unread_count":    conv.UnreadCount,
			"with_advisor":    conv.WithAdvisor,
		},
		Timestamp: msg.Timestamp,
	})
}

// archiveDetached queues the archive of a conversation already removed from
// the active set. result, when set, receives the storage outcome.
func (cs *ConversationStore) archiveDetached(ctx context.Context, conv *models.Conversation, reason, notes string, result chan error) error {
	now := cs.clock.Now()
	conv.Status = models.ConversationArchived

	err := cs.enqueue(writeJob{archive: &archiveJob{
		conversationID: conv.ID,
		notes:          notes,
		at:             now,
		result:         result,
	}})
	if err != nil {
		return err
	}

	if cs.metrics != nil {
		cs.metrics.ArchivedTotal.WithLabelValues(reason).Inc()
	}
	cs.logger.Info("conversation archived",
		zap.String("phone", conv.Phone),
		zap.String("conversation_id", conv.ID),
		zap.String("reason", reason),
		zap.Int("messages", len(conv.Messages)))
	cs.notifier.Notify(ctx, Event{
		Type:  EventConversationArchived,
		Phone: conv.Phone,
		Payload: map[string]interface{}{
			"conversation_id": conv.ID,
			"reason":          reason,
			"message_count":   len(conv.Messages),
		},
		Timestamp: now,
	})
	return nil
}

// GetActive returns a copy of the user's active conversation.
func (cs *ConversationStore) GetActive(phone string) (models.Conversation, bool) {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	c, ok := cs.active[phone]
	if !ok {
		return models.Conversation{}, false
	}
	return c.Clone(), true
}

// ListActive returns matching active conversations, most recent first.
func (cs *ConversationStore) ListActive(f ListFilter) []models.Conversation {
	search := strings.TrimSpace(f.Search)

	cs.mu.RLock()
	out := make([]models.Conversation, 0, len(cs.active))
	for _, c := range cs.active {
		if f.WithAdvisorOnly && !c.WithAdvisor {
			continue
		}
		if f.UnreadOnly && c.UnreadCount == 0 {
			continue
		}
		if search != "" && !strings.Contains(c.Phone, search) {
			continue
		}
		out = append(out, c.Clone())
	}
	cs.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].LastActivity.After(out[j].LastActivity)
	})
	return out
}

// ActiveCount returns the size of the working set.
func (cs *ConversationStore) ActiveCount() int {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return len(cs.active)
}

// Archive closes the user's active conversation and returns its id. It waits
// until the archive is written.
func (cs *ConversationStore) Archive(ctx context.Context, phone, notes string) (string, error) {
	cs.mu.Lock()
	conv, ok := cs.active[phone]
	if ok {
		delete(cs.active, phone)
	}
	activeCount := len(cs.active)
	cs.mu.Unlock()

	if !ok {
		return "", storage.ErrNotFound
	}
	if cs.metrics != nil {
		cs.metrics.ActiveConversations.Set(float64(activeCount))
	}

	result := make(chan error, 1)
	if err := cs.archiveDetached(ctx, conv, "closed", notes, result); err != nil {
		return conv.ID, err
	}
	select {
	case err := <-result:
		return conv.ID, err
	case <-ctx.Done():
		return conv.ID, ctx.Err()
	}
}

// MarkRead clears the unread counter of the user's active conversation.
func (cs *ConversationStore) MarkRead(phone string) bool {
	cs.mu.Lock()
	conv, ok := cs.active[phone]
	var err error
	if ok {
		conv.UnreadCount = 0
		var rec *models.ConversationRecord
		if rec, err = conv.ToRecord(); err == nil {
			err = cs.enqueue(writeJob{save: rec})
		}
	}
	cs.mu.Unlock()

	if !ok {
		return false
	}
	if err != nil {
		cs.logger.Warn("persist read marker", zap.Error(err), zap.String("phone", phone))
	}
	return true
}

// SetWithAdvisor flags whether the active conversation is bridged to the
// operator.
func (cs *ConversationStore) SetWithAdvisor(phone string, v bool) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if conv, ok := cs.active[phone]; ok {
		conv.WithAdvisor = v
	}
}

// PurgeOlderThan deletes every stored conversation started more than days ago,
// deleting media before the row. It returns the number of rows deleted.
func (cs *ConversationStore) PurgeOlderThan(ctx context.Context, days int) (int, error) {
	if err := cs.Flush(ctx); err != nil {
		return 0, err
	}
	cutoff := cs.clock.Now().Add(-time.Duration(days) * 24 * time.Hour)

	recs, err := cs.store.GetConversationsStartedBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	deleted := 0
	for _, rec := range recs {
		if err := cs.deleteRecord(ctx, rec, "retention"); err != nil {
			cs.logger.Error("purge conversation", zap.Error(err), zap.String("conversation_id", rec.ConversationID))
			continue
		}
		deleted++
	}

	if deleted > 0 {
		cs.logger.Info("retention purge",
			zap.Int("deleted", deleted),
			zap.Int("retention_days", days),
			zap.Time("cutoff", cutoff))
	}
	return deleted, nil
}

// DeletePermanently erases every conversation of the user, active or
// archived, together with its media.
func (cs *ConversationStore) DeletePermanently(ctx context.Context, phone string) error {
	cs.mu.Lock()
	_, wasActive := cs.active[phone]
	delete(cs.active, phone)
	activeCount := len(cs.active)
	cs.mu.Unlock()
	if cs.metrics != nil && wasActive {
		cs.metrics.ActiveConversations.Set(float64(activeCount))
	}

	if err := cs.Flush(ctx); err != nil {
		return err
	}
	recs, err := cs.store.GetConversationsByPhone(ctx, phone)
	if err != nil {
		return err
	}
	if len(recs) == 0 && !wasActive {
		return storage.ErrNotFound
	}

	var errs []error
	for _, rec := range recs {
		if err := cs.deleteRecord(ctx, rec, "erasure"); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (cs *ConversationStore) deleteRecord(ctx context.Context, rec *models.ConversationRecord, reason string) error {
	refs, err := rec.MediaRefs()
	if err != nil {
		cs.logger.Warn("decode media refs", zap.Error(err), zap.String("conversation_id", rec.ConversationID))
	}
	for _, ref := range refs {
		if cs.media == nil {
			break
		}
		if err := cs.media.Delete(ctx, ref); err != nil {
			cs.logger.Warn("delete media", zap.Error(err), zap.String("ref", ref), zap.String("conversation_id", rec.ConversationID))
		}
	}

	if err := cs.store.DeleteConversation(ctx, rec.ConversationID); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}

	cs.mu.Lock()
	if c, ok := cs.active[rec.Phone]; ok && c.ID == rec.ConversationID {
		delete(cs.active, rec.Phone)
	}
	cs.mu.Unlock()

	cs.notifier.Notify(ctx, Event{
		Type:  EventConversationDeleted,
		Phone: rec.Phone,
		Payload: map[string]interface{}{
			"conversation_id": rec.ConversationID,
			"reason":          reason,
			"media_deleted":   len(refs),
		},
		Timestamp: cs.clock.Now(),
	})
	return nil
}

// Load hydrates the working set from storage.
func (cs *ConversationStore) Load(ctx context.Context) (int, error) {
	recs, err := cs.store.GetActiveConversations(ctx)
	if err != nil {
		return 0, err
	}

	cs.mu.Lock()
	defer cs.mu.Unlock()
	for _, rec := range recs {
		conv, err := rec.ToConversation()
		if err != nil {
			cs.logger.Warn("skip unreadable conversation", zap.Error(err), zap.String("conversation_id", rec.ConversationID))
			continue
		}
		if cur, ok := cs.active[conv.Phone]; ok && cur.LastActivity.After(conv.LastActivity) {
			continue
		}
		cs.active[conv.Phone] = conv
	}
	if cs.metrics != nil {
		cs.metrics.ActiveConversations.Set(float64(len(cs.active)))
	}
	return len(cs.active), nil
}

// Flush blocks until every write queued so far reached storage.
func (cs *ConversationStore) Flush(ctx context.Context) error {
	ch := make(chan struct{})
	if err := cs.enqueue(writeJob{flushed: ch}); err != nil {
		return err
	}
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close drains pending writes and stops the writer.
func (cs *ConversationStore) Close() {
	cs.closeMu.Lock()
	if !cs.closed {
		cs.closed = true
		close(cs.writes)
	}
	cs.closeMu.Unlock()
	<-cs.done
}
