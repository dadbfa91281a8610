// Package jobs runs the recurring background work: queue dispatch, governor
// and session sweeps, retention purge and queue cleanup.
package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

type QueueWorker interface {
	Dispatch(ctx context.Context) (int, error)
	Cleanup(ctx context.Context, olderThanDays int) (int64, error)
}

type Sweeper interface {
	Sweep() int
}

type SessionPruner interface {
	PruneStale(maxIdle time.Duration) int
}

type Purger interface {
	PurgeOlderThan(ctx context.Context, days int) (int, error)
}

// Config sets intervals and retention windows.
type Config struct {
	DispatchEvery     time.Duration
	SessionPruneAfter time.Duration
	RetentionDays     int
	QueueCleanupDays  int
}

// Deps are the components the jobs drive. Dedup may be nil.
type Deps struct {
	Queue    QueueWorker
	Governor Sweeper
	Sessions SessionPruner
	Store    Purger
	Dedup    Sweeper
}

// Scheduler wraps a cron runner. Jobs never overlap with themselves, so the
// queue has a single dispatcher.
type Scheduler struct {
	cron   *cron.Cron
	cfg    Config
	deps   Deps
	logger *zap.Logger
}

func New(cfg Config, deps Deps, logger *zap.Logger) (*Scheduler, error) {
	if cfg.DispatchEvery <= 0 {
		cfg.DispatchEvery = 10 * time.Second
	}
	if cfg.SessionPruneAfter <= 0 {
		cfg.SessionPruneAfter = 2 * time.Hour
	}

	cl := cronLogger{logger.Sugar()}
	s := &Scheduler{
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		cfg:    cfg,
		deps:   deps,
		logger: logger,
	}

	specs := []struct {
		name string
		spec string
		run  func()
	}{
		{"dispatch", fmt.Sprintf("@every %s", cfg.DispatchEvery), s.RunDispatch},
		{"governor-sweep", "@every 1m", s.RunGovernorSweep},
		{"session-prune", "@every 5m", s.RunSessionPrune},
		{"retention-purge", "0 3 * * *", s.RunRetentionPurge},
		{"queue-cleanup", "30 3 * * *", s.RunQueueCleanup},
	}
	if deps.Dedup != nil {
		specs = append(specs, struct {
			name string
			spec string
			run  func()
		}{"dedup-sweep", "@every 1m", s.RunDedupSweep})
	}

	for _, j := range specs {
		if _, err := s.cron.AddFunc(j.spec, j.run); err != nil {
			return nil, fmt.Errorf("schedule %s: %w", j.name, err)
		}
	}
	return s, nil
}

// Start runs the scheduler in its own goroutine.
func (s *Scheduler) Start() {
	s.logger.Info("background jobs started", zap.Int("jobs", len(s.cron.Entries())))
	s.cron.Start()
}

// Stop prevents new runs and waits for running jobs or ctx.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop().Done()
	select {
	case <-done:
		s.logger.Info("background jobs stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) RunDispatch() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	if _, err := s.deps.Queue.Dispatch(ctx); err != nil {
		s.logger.Error("queue dispatch failed", zap.Error(err))
	}
}

func (s *Scheduler) RunGovernorSweep() {
	s.deps.Governor.Sweep()
}

func (s *Scheduler) RunSessionPrune() {
	s.deps.Sessions.PruneStale(s.cfg.SessionPruneAfter)
}

func (s *Scheduler) RunRetentionPurge() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
	defer cancel()
	n, err := s.deps.Store.PurgeOlderThan(ctx, s.cfg.RetentionDays)
	if err != nil {
		s.logger.Error("retention purge failed", zap.Error(err))
		return
	}
	s.logger.Info("retention purge finished", zap.Int("deleted", n), zap.Int("retention_days", s.cfg.RetentionDays))
}

func (s *Scheduler) RunQueueCleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	if _, err := s.deps.Queue.Cleanup(ctx, s.cfg.QueueCleanupDays); err != nil {
		s.logger.Error("queue cleanup failed", zap.Error(err))
	}
}

func (s *Scheduler) RunDedupSweep() {
	if s.deps.Dedup != nil {
		s.deps.Dedup.Sweep()
	}
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	l *zap.SugaredLogger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debugw(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Errorw(msg, append(keysAndValues, "error", err)...)
}
