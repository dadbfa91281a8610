package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/Ananth-NQI/wabot/internal/clock"
	"github.com/Ananth-NQI/wabot/internal/metrics"
	"github.com/Ananth-NQI/wabot/internal/models"
	"github.com/Ananth-NQI/wabot/internal/storage"
)

// Delivery priorities; lower is served first.
const (
	PriorityOperator = 0
	PriorityFlow     = 1
	PriorityNotice   = 2
	PriorityBulk     = 5
)

// QueueConfig controls the dispatcher.
type QueueConfig struct {
	BatchSize   int
	MaxAttempts int
	SendPause   time.Duration
	// ProcessingLease is how long a claimed row may stay in processing
	// before the dispatcher takes it back.
	ProcessingLease time.Duration
}

func DefaultQueueConfig() QueueConfig {
	return QueueConfig{BatchSize: 10, MaxAttempts: 3, SendPause: time.Second, ProcessingLease: 2 * time.Minute}
}

// DeliveryQueue persists outbound sends and drains them under governor
// control. It assumes it is the only dispatcher writing to the queue table.
type DeliveryQueue struct {
	store     storage.Store
	governor  *Governor
	messenger Messenger
	clock     clock.Clock
	logger    *zap.Logger
	metrics   *metrics.Metrics
	cfg       QueueConfig

	// sleep waits between sends of one tick; replaced in tests
	sleep func(ctx context.Context, d time.Duration) error
}

func NewDeliveryQueue(store storage.Store, governor *Governor, messenger Messenger, clk clock.Clock, cfg QueueConfig, m *metrics.Metrics, logger *zap.Logger) *DeliveryQueue {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultQueueConfig().BatchSize
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultQueueConfig().MaxAttempts
	}
	if cfg.ProcessingLease <= 0 {
		cfg.ProcessingLease = DefaultQueueConfig().ProcessingLease
	}
	return &DeliveryQueue{
		store:     store,
		governor:  governor,
		messenger: messenger,
		clock:     clk,
		logger:    logger,
		metrics:   m,
		cfg:       cfg,
		sleep:     sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Enqueue persists a pending send. When the governor recommends deferral the
// row is scheduled after the governor's delay, otherwise immediately.
func (q *DeliveryQueue) Enqueue(ctx context.Context, target string, out models.Outbound, priority int) (uint, error) {
	if err := out.Validate(); err != nil {
		return 0, fmt.Errorf("enqueue to %s: %w", target, err)
	}
	payload, err := json.Marshal(out)
	if err != nil {
		return 0, fmt.Errorf("encode outbound to %s: %w", target, err)
	}

	now := q.clock.Now()
	scheduled := now
	if q.governor.ShouldDefer() {
		scheduled = now.Add(q.governor.DeferralDelay())
	}

	d := &models.QueuedDelivery{
		Target:      target,
		Kind:        out.Kind,
		Payload:     string(payload),
		Priority:    priority,
		MaxAttempts: q.cfg.MaxAttempts,
		Status:      models.DeliveryPending,
		ScheduledAt: scheduled,
		CreatedAt:   now,
	}
	if err := q.store.CreateDelivery(ctx, d); err != nil {
		return 0, err
	}

	q.logger.Debug("delivery queued",
		zap.Uint("id", d.ID),
		zap.String("target", target),
		zap.Int("priority", priority),
		zap.Time("scheduled_at", scheduled))
	return d.ID, nil
}

// Sender hands outbound messages to the channel.
type Sender interface {
	Send(ctx context.Context, target string, out models.Outbound, priority int) error
}

// Send goes out right away when the governor allows it, otherwise defers
// through the queue. A failed immediate send is queued for retry.
func (q *DeliveryQueue) Send(ctx context.Context, target string, out models.Outbound, priority int) error {
	if q.governor.ShouldDefer() {
		_, err := q.Enqueue(ctx, target, out, priority)
		return err
	}

	err := deliver(ctx, q.messenger, target, out)
	q.governor.TrackCall("direct")
	if err == nil {
		return nil
	}

	q.logger.Warn("immediate send failed, queueing for retry",
		zap.Error(err),
		zap.String("target", target),
		zap.String("kind", string(out.Kind)))
	if _, qerr := q.Enqueue(ctx, target, out, priority); qerr != nil {
		return fmt.Errorf("send to %s: %v; enqueue: %w", target, err, qerr)
	}
	return nil
}

// Dispatch runs one dispatcher tick and returns the number of rows sent.
// Rows left in processing past the lease by an earlier tick are released
// first.
func (q *DeliveryQueue) Dispatch(ctx context.Context) (int, error) {
	q.releaseStale(ctx)

	if q.governor.ShouldPause() {
		q.logger.Info("dispatcher paused by governor", zap.Float64("usage_percent", q.governor.UsagePercent()))
		return 0, nil
	}

	due, err := q.store.GetDueDeliveries(ctx, q.clock.Now(), q.cfg.BatchSize)
	if err != nil {
		return 0, err
	}

	sent := 0
	for i, d := range due {
		if i > 0 {
			if q.governor.ShouldPause() {
				break
			}
			if err := q.sleep(ctx, q.cfg.SendPause); err != nil {
				return sent, err
			}
		}
		if q.process(ctx, d) {
			sent++
		}
	}

	if len(due) > 0 {
		q.logger.Info("dispatcher tick", zap.Int("due", len(due)), zap.Int("sent", sent))
	}
	q.refreshDepth(ctx)
	return sent, nil
}

func (q *DeliveryQueue) releaseStale(ctx context.Context) {
	now := q.clock.Now()
	n, err := q.store.ReleaseStaleDeliveries(ctx, now.Add(-q.cfg.ProcessingLease), now)
	if err != nil {
		q.logger.Error("release stale deliveries", zap.Error(err))
		return
	}
	if n > 0 {
		q.logger.Warn("released deliveries stuck in processing", zap.Int64("count", n), zap.Duration("lease", q.cfg.ProcessingLease))
	}
}

func (q *DeliveryQueue) process(ctx context.Context, d *models.QueuedDelivery) bool {
	claimed := q.clock.Now()
	d.Status = models.DeliveryProcessing
	d.ClaimedAt = &claimed
	if err := q.store.UpdateDelivery(ctx, d); err != nil {
		q.logger.Error("mark delivery processing", zap.Error(err), zap.Uint("id", d.ID))
		return false
	}

	out, err := d.Outbound()
	if err == nil {
		err = deliver(ctx, q.messenger, d.Target, out)
		q.governor.TrackCall("queue")
	} else {
		// undecodable payloads never succeed
		d.Attempts = d.MaxAttempts - 1
	}

	now := q.clock.Now()
	d.ClaimedAt = nil
	outcome := "sent"
	if err == nil {
		d.Status = models.DeliverySent
		d.ProcessedAt = &now
		d.LastError = ""
	} else {
		d.Attempts++
		d.LastError = err.Error()
		if d.Attempts < d.MaxAttempts {
			d.Status = models.DeliveryPending
			outcome = "retry"
		} else {
			d.Status = models.DeliveryFailed
			d.ProcessedAt = &now
			outcome = "failed"
		}
		q.logger.Warn("delivery attempt failed",
			zap.Error(err),
			zap.Uint("id", d.ID),
			zap.String("target", d.Target),
			zap.Int("attempts", d.Attempts),
			zap.String("status", string(d.Status)))
	}

	if q.metrics != nil {
		q.metrics.Deliveries.WithLabelValues(outcome).Inc()
	}
	if uerr := q.store.UpdateDelivery(ctx, d); uerr != nil {
		q.logger.Error("record delivery outcome", zap.Error(uerr), zap.Uint("id", d.ID))
	}
	return err == nil
}

// Stats returns row counts by status.
func (q *DeliveryQueue) Stats(ctx context.Context) (map[models.DeliveryStatus]int64, error) {
	return q.store.CountDeliveriesByStatus(ctx)
}

// Cleanup deletes sent and failed rows older than the given number of days.
func (q *DeliveryQueue) Cleanup(ctx context.Context, olderThanDays int) (int64, error) {
	cutoff := q.clock.Now().AddDate(0, 0, -olderThanDays)
	n, err := q.store.DeleteTerminalDeliveriesBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		q.logger.Info("delivery queue cleanup", zap.Int64("deleted", n), zap.Int("older_than_days", olderThanDays))
	}
	return n, nil
}

func (q *DeliveryQueue) refreshDepth(ctx context.Context) {
	if q.metrics == nil {
		return
	}
	counts, err := q.store.CountDeliveriesByStatus(ctx)
	if err != nil {
		return
	}
	for status, n := range counts {
		q.metrics.QueueDepth.WithLabelValues(string(status)).Set(float64(n))
	}
}
