package cmd

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/Ananth-NQI/wabot/database"
	"github.com/Ananth-NQI/wabot/internal/clock"
	"github.com/Ananth-NQI/wabot/internal/config"
	"github.com/Ananth-NQI/wabot/internal/media"
	"github.com/Ananth-NQI/wabot/internal/metrics"
	"github.com/Ananth-NQI/wabot/internal/services"
	"github.com/Ananth-NQI/wabot/internal/storage"
)

// components are the long-lived services shared by every command.
type components struct {
	cfg    *config.Config
	logger *zap.Logger
	clock  clock.Clock

	metrics  *metrics.Metrics
	db       *gorm.DB
	store    storage.Store
	redis    *redis.Client
	notifier services.Notifier

	dedup        services.Deduper
	memoryDedup  *services.MemoryDeduper
	media        media.Store
	localMedia   *media.LocalStore
	twilio       *services.TwilioService
	messenger    services.Messenger
	governor     *services.Governor
	queue        *services.DeliveryQueue
	conversation *services.ConversationStore
}

// openComponents connects storage, Redis and media and builds the shared
// services. The caller must Close the result.
func openComponents(ctx context.Context, cfg *config.Config, logger *zap.Logger) (_ *components, err error) {
	rt := &components{
		cfg:     cfg,
		logger:  logger,
		clock:   clock.System{},
		metrics: metrics.New(),
	}
	defer func() {
		if err != nil {
			rt.Close()
		}
	}()

	if cfg.Database.UseMemoryStore {
		logger.Warn("using in-memory storage (not for production)")
		rt.store = storage.NewMemoryStore()
	} else {
		if rt.db, err = database.Connect(cfg.Database.DSN, logger); err != nil {
			return nil, err
		}
		rt.store = storage.NewDatabaseStore(rt.db)
	}

	if cfg.Redis.Addr != "" {
		rt.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err = rt.redis.Ping(pingCtx).Err(); err != nil {
			return nil, fmt.Errorf("connect to redis %s: %w", cfg.Redis.Addr, err)
		}
		rt.notifier = services.NewRedisNotifier(rt.redis, cfg.Redis.Channel, logger)
		rt.dedup = services.NewRedisDeduper(rt.redis, cfg.Redis.DedupTTL)
		logger.Info("redis connected", zap.String("addr", cfg.Redis.Addr))
	} else {
		rt.notifier = services.NewLogNotifier(logger)
		rt.memoryDedup = services.NewMemoryDeduper(rt.clock, cfg.Redis.DedupTTL)
		rt.dedup = rt.memoryDedup
	}

	if err = rt.openMedia(ctx); err != nil {
		return nil, err
	}
	if err = rt.openMessenger(); err != nil {
		return nil, err
	}

	g := cfg.Governor
	rt.governor = services.NewGovernor(services.GovernorConfig{
		HourlyQuota:    g.HourlyQuota,
		Window:         time.Hour,
		SoftThreshold:  g.SoftThreshold,
		SoftDelay:      g.SoftDelay,
		HardThreshold:  g.HardThreshold,
		HardDelay:      g.HardDelay,
		PauseThreshold: g.PauseThreshold,
	}, rt.clock, rt.notifier, rt.metrics, logger)

	rt.queue = services.NewDeliveryQueue(rt.store, rt.governor, rt.messenger, rt.clock, services.QueueConfig{
		BatchSize:       cfg.Queue.BatchSize,
		MaxAttempts:     cfg.Queue.MaxAttempts,
		SendPause:       cfg.Queue.SendPause,
		ProcessingLease: cfg.Queue.ProcessingLease,
	}, rt.metrics, logger)

	rt.conversation = services.NewConversationStore(rt.store, rt.media, rt.notifier, rt.clock, services.ConversationConfig{
		MaxActive:   cfg.Conversations.MaxActive,
		MaxMessages: cfg.Conversations.MaxMessages,
	}, rt.metrics, logger)

	return rt, nil
}

func (rt *components) openMedia(ctx context.Context) error {
	mc := rt.cfg.Media
	switch mc.Driver {
	case "s3":
		s, err := media.NewS3Store(ctx, mc.S3Bucket, mc.S3Region, mc.S3Prefix)
		if err != nil {
			return err
		}
		rt.media = s
	default:
		baseURL := mc.BaseURL
		if baseURL == "" && rt.cfg.Server.PublicURL != "" {
			baseURL = strings.TrimRight(rt.cfg.Server.PublicURL, "/") + "/media"
		}
		s, err := media.NewLocalStore(mc.Dir, baseURL)
		if err != nil {
			return err
		}
		rt.media = s
		rt.localMedia = s
	}
	rt.logger.Info("media store ready", zap.String("driver", mc.Driver))
	return nil
}

func (rt *components) openMessenger() error {
	tc := rt.cfg.Twilio
	svc, err := services.NewTwilioService(services.TwilioConfig{
		AccountSID: tc.AccountSID,
		AuthToken:  tc.AuthToken,
		From:       tc.From,
		Timeout:    tc.Timeout,
		Retries:    tc.Retries,
		RetryDelay: tc.RetryDelay,
	}, rt.media, rt.logger)
	if err != nil {
		if !rt.cfg.IsDevelopment() {
			return fmt.Errorf("twilio: %w", err)
		}
		rt.logger.Warn("twilio service not initialized, responses are only logged", zap.Error(err))
		rt.messenger = services.NewLogMessenger(rt.logger)
		return nil
	}
	rt.twilio = svc
	rt.messenger = svc
	return nil
}

// pingDB is the health check for the database; nil with the memory store.
func (rt *components) pingDB() error {
	if rt.db == nil {
		return nil
	}
	return database.Ping(rt.db)
}

func (rt *components) pingRedis() error {
	if rt.redis == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return rt.redis.Ping(ctx).Err()
}

// Close flushes pending conversation writes and releases connections.
func (rt *components) Close() error {
	var errs []error
	if rt.conversation != nil {
		rt.conversation.Close()
	}
	if rt.store != nil {
		if err := rt.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close store: %w", err))
		}
	}
	if rt.redis != nil {
		if err := rt.redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close redis: %w", err))
		}
	}
	return errors.Join(errs...)
}
