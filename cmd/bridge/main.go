package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	httptransport "github.com/guildops/ticket-bridge/internal/api/http"
	"github.com/guildops/ticket-bridge/internal/api/http/handlers"
	"github.com/guildops/ticket-bridge/internal/config"
	"github.com/guildops/ticket-bridge/internal/events"
	"github.com/guildops/ticket-bridge/internal/intake"
	"github.com/guildops/ticket-bridge/internal/observability"
	"github.com/guildops/ticket-bridge/internal/persistence"
	"github.com/guildops/ticket-bridge/internal/relay"
	"github.com/guildops/ticket-bridge/internal/repository"
	"github.com/guildops/ticket-bridge/internal/scheduler"
	"github.com/guildops/ticket-bridge/internal/service"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.Logger)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pg, err := persistence.NewPostgres(ctx, cfg.Postgres, logger)
	if err != nil {
		logger.Fatal("failed to connect postgres", zap.Error(err))
	}
	defer pg.Close()

	if cfg.Postgres.RunMigrations {
		if err := persistence.RunMigrations(ctx, pg.PoolHandle(), logger); err != nil {
			logger.Fatal("failed to run migrations", zap.Error(err))
		}
	}

	redis := persistence.NewRedis(cfg.Redis, logger)
	defer redis.Close()

	pool := pg.PoolHandle()
	ticketRepo := repository.NewTicketRepository(pool)
	categoryRepo := repository.NewCategoryRepository(pool)

	var credentials *relay.CredentialManager
	gatewayToken := ""
	if cfg.Relay.CredentialKey != "" {
		credentials, err = relay.NewCredentialManager(cfg.Relay.CredentialKey)
		if err != nil {
			logger.Fatal("failed to init credential manager", zap.Error(err))
		}
		if cfg.Relay.GatewayCredential != "" {
			gatewayToken, err = credentials.Decrypt(cfg.Relay.GatewayCredential)
			if err != nil {
				logger.Fatal("failed to decrypt relay gateway credential", zap.Error(err))
			}
		}
	} else {
		logger.Warn("RELAY_CREDENTIAL_KEY not set; relay credentials disabled")
	}
	relayClient := relay.NewHTTPClient(cfg.Relay.GatewayBaseURL, gatewayToken, logger)

	dispatcher := events.NewInMemoryDispatcher()
	events.NewWebhookSink(cfg.Sink, logger).Register(dispatcher)

	metrics := observability.NewMetrics()

	lifecycle := service.NewLifecycle(service.LifecycleDependencies{
		TicketRepo:      ticketRepo,
		CategoryRepo:    categoryRepo,
		Relay:           relayClient,
		Credentials:     credentials,
		Dispatcher:      dispatcher,
		Logger:          logger,
		Metrics:         metrics,
		ExternalTimeout: cfg.Maintenance.ExternalTimeout(),
	})

	sessions := intake.NewSessionStore(redis.Client, cfg.Intake.SessionTTL(), logger)
	intakeFlow := service.NewIntake(sessions, categoryRepo, lifecycle, logger)

	maintenance := service.NewMaintenance(service.MaintenanceDependencies{
		TicketRepo:   ticketRepo,
		CategoryRepo: categoryRepo,
		Lifecycle:    lifecycle,
		Relay:        relayClient,
		Logger:       logger,
		Config:       cfg.Maintenance,
	})

	sched := scheduler.New(logger)
	if err := sched.Every(cfg.Maintenance.Interval(), "maintenance-sweep", func() {
		maintenance.RunCycle(ctx)
	}); err != nil {
		logger.Fatal("failed to register maintenance sweep", zap.Error(err))
	}
	go func() {
		_ = sched.Start(ctx)
	}()

	app := fiber.New()
	httptransport.RegisterMiddlewares(app, logger, metrics, cfg.App.RequestTimeout())
	httptransport.RegisterRoutes(app, httptransport.RouteConfig{
		Health:      handlers.NewHealthHandler(cfg.App.Name, cfg.App.Version, pg, redis),
		Diagnostics: handlers.NewDiagnosticsHandler(metrics),
		Bridge:      handlers.NewBridgeHandler(intakeFlow, lifecycle),
	})

	go func() {
		if err := app.Listen(cfg.App.Addr()); err != nil {
			logger.Fatal("fiber listen", zap.Error(err))
		}
	}()

	waitForShutdown(logger)

	cancel()
	_ = app.Shutdown()
}

func waitForShutdown(logger *zap.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("shutting down", zap.String("signal", sig.String()))
}
