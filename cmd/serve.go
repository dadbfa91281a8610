package cmd

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Ananth-NQI/wabot/internal/catalog"
	"github.com/Ananth-NQI/wabot/internal/config"
	"github.com/Ananth-NQI/wabot/internal/handlers"
	"github.com/Ananth-NQI/wabot/internal/jobs"
	"github.com/Ananth-NQI/wabot/internal/routes"
	"github.com/Ananth-NQI/wabot/internal/services"
)

const shutdownTimeout = 15 * time.Second

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook server, operator API and background jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, logger)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	rt, err := openComponents(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := rt.Close(); err != nil {
			logger.Error("close components", zap.Error(err))
		}
	}()

	loaded, err := rt.conversation.Load(ctx)
	if err != nil {
		return err
	}
	logger.Info("active conversations restored", zap.Int("count", loaded))

	hours, err := services.LoadBusinessHours(cfg.Flow.Timezone)
	if err != nil {
		return err
	}

	engine := services.NewEngine(services.EngineConfig{
		OperatorPhone:     cfg.Operator.Phone,
		InactivityTimeout: cfg.Flow.InactivityTimeout,
		Hours:             hours,
		ProductsPerPage:   cfg.Flow.ProductsPerPage,
		StoreName:         cfg.Flow.StoreName,
		StoreInfo:         cfg.Flow.StoreInfo,
		DefaultPromo:      cfg.Flow.DefaultPromotional,
	}, services.EngineDeps{
		Sessions:      services.NewSessionManager(rt.clock, logger),
		Advisors:      services.NewAdvisorRegistry(rt.clock, cfg.Flow.EscalationMaxAge, rt.metrics, logger),
		Conversations: rt.conversation,
		Sender:        rt.queue,
		Catalog: catalog.NewWooClient(catalog.Config{
			BaseURL:        cfg.Catalog.BaseURL,
			ConsumerKey:    cfg.Catalog.ConsumerKey,
			ConsumerSecret: cfg.Catalog.ConsumerSecret,
			BrandAttribute: cfg.Catalog.BrandAttribute,
			ModelAttribute: cfg.Catalog.ModelAttribute,
			Timeout:        cfg.Catalog.Timeout,
		}, logger),
		Settings: rt.store,
		Clock:    rt.clock,
		Metrics:  rt.metrics,
		Logger:   logger,
	})
	if cfg.Operator.Phone == "" {
		logger.Warn("operator.phone is not set, escalations cannot be forwarded")
	}

	deps := jobs.Deps{
		Queue:    rt.queue,
		Governor: rt.governor,
		Sessions: engine.Sessions(),
		Store:    rt.conversation,
	}
	if rt.memoryDedup != nil {
		deps.Dedup = rt.memoryDedup
	}
	scheduler, err := jobs.New(jobs.Config{
		DispatchEvery:     cfg.Queue.Tick,
		SessionPruneAfter: cfg.Flow.SessionPruneAfter,
		RetentionDays:     cfg.Conversations.RetentionDays,
		QueueCleanupDays:  cfg.Queue.CleanupDays,
	}, deps, logger)
	if err != nil {
		return err
	}

	var downloader handlers.MediaDownloader
	if rt.twilio != nil {
		downloader = rt.twilio
	}
	whatsapp := handlers.NewWhatsAppHandler(engine, rt.dedup, rt.media, downloader, logger)
	operator := handlers.NewOperatorHandler(engine, rt.conversation, rt.queue, rt.governor, rt.store, logger)
	health := handlers.NewHealthHandler(version, map[string]handlers.Pinger{
		"database": rt.pingDB,
		"redis":    rt.pingRedis,
	})

	app := newApp(cfg)
	opts := routes.Options{
		Version:           version,
		Development:       cfg.IsDevelopment(),
		ValidateSignature: cfg.Server.ValidateSignature,
		TwilioAuthToken:   cfg.Twilio.AuthToken,
		PublicURL:         cfg.Server.PublicURL,
		OperatorAPIKey:    cfg.Operator.APIKey,
		Registry:          rt.metrics.Registry,
	}
	if rt.localMedia != nil {
		opts.MediaDir = rt.localMedia.Dir()
	}
	routes.SetupRoutes(app, opts, health, whatsapp, operator, logger)

	scheduler.Start()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("wabot starting",
			zap.String("port", cfg.Server.Port),
			zap.String("version", version),
			zap.Bool("memory_store", cfg.Database.UseMemoryStore),
			zap.Bool("twilio", rt.twilio != nil))
		return app.Listen(":" + cfg.Server.Port)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("gracefully shutting down")

		var errs []error
		if err := app.ShutdownWithTimeout(shutdownTimeout); err != nil {
			errs = append(errs, err)
		}
		whatsapp.Wait()

		stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := scheduler.Stop(stopCtx); err != nil {
			errs = append(errs, err)
		}
		return errors.Join(errs...)
	})
	return g.Wait()
}

func newApp(cfg *config.Config) *fiber.App {
	app := fiber.New(fiber.Config{
		AppName:               "wabot " + version,
		DisableStartupMessage: !cfg.IsDevelopment(),
		UnescapePath:          true,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			var e *fiber.Error
			if errors.As(err, &e) {
				code = e.Code
			}
			return c.Status(code).JSON(fiber.Map{
				"error": err.Error(),
			})
		},
	})

	app.Use(fiberlogger.New(fiberlogger.Config{
		Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
	}))
	app.Use(recover.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowHeaders: "Origin, Content-Type, Accept, Authorization, X-API-Key",
		AllowMethods: "GET, POST, PUT, DELETE, OPTIONS",
	}))
	return app
}
