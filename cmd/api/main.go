package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"

	"github.com/clawsite/api/internal/di"
	"github.com/clawsite/api/internal/handlers"
	"github.com/clawsite/api/internal/platform/config"
	"github.com/clawsite/api/internal/platform/idempotency"
	"github.com/clawsite/api/internal/platform/jobs"
	"github.com/clawsite/api/internal/platform/observability"
	"github.com/clawsite/api/internal/platform/postgres"
	"github.com/clawsite/api/internal/platform/secrets"
	"github.com/clawsite/api/internal/repositories"
	postgresrepo "github.com/clawsite/api/internal/repositories/postgres"
	"github.com/clawsite/api/internal/services"
)

// Populated at build time via -ldflags.
var (
	version   = "dev"
	commitSHA = ""
)

const shutdownGrace = 10 * time.Second

func main() {
	logger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(logger); err != nil {
		logger.Fatal("server exited", zap.Error(err))
	}
}

func run(logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if err := resolveSecrets(ctx, cfg, logger); err != nil {
		return err
	}

	db, err := postgres.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}

	healthRepo, err := repositories.NewDependencyHealthRepository([]repositories.DependencyCheck{
		{Name: "postgres", Timeout: 2 * time.Second, Check: db.Ping},
	})
	if err != nil {
		return fmt.Errorf("build health repository: %w", err)
	}

	registry, err := postgresrepo.NewRegistry(postgresrepo.RegistryConfig{
		DB:     db,
		Health: healthRepo,
	})
	if err != nil {
		return fmt.Errorf("build repositories: %w", err)
	}

	var events services.OrderEventPublisher
	var pubsubClient *pubsub.Client
	if cfg.Events.Enabled {
		pubsubClient, err = pubsub.NewClient(ctx, cfg.Events.ProjectID)
		if err != nil {
			return fmt.Errorf("create pubsub client: %w", err)
		}
		publisher, err := jobs.NewPubSubOrderEventPublisher(pubsubClient.Topic(cfg.Events.TopicID))
		if err != nil {
			return fmt.Errorf("build event publisher: %w", err)
		}
		events = publisher
		logger.Info("order event publication enabled",
			zap.String("project", cfg.Events.ProjectID),
			zap.String("topic", cfg.Events.TopicID))
	}

	container, err := di.NewContainer(cfg, registry, di.Options{
		Events: events,
		Logger: logger,
		Build: services.BuildInfo{
			Version:     version,
			CommitSHA:   commitSHA,
			Environment: cfg.Env,
			StartedAt:   time.Now(),
		},
	})
	if err != nil {
		return fmt.Errorf("build container: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := container.Close(closeCtx); err != nil {
			logger.Warn("failed to close container", zap.Error(err))
		}
		if pubsubClient != nil {
			if err := pubsubClient.Close(); err != nil {
				logger.Warn("failed to close pubsub client", zap.Error(err))
			}
		}
	}()

	idempotencyStore, err := idempotency.NewPostgresStore(db)
	if err != nil {
		return fmt.Errorf("build idempotency store: %w", err)
	}

	router := handlers.NewRouter(
		handlers.WithMiddlewares(
			observability.TraceMiddleware(cfg.Events.ProjectID),
			observability.InjectLoggerMiddleware(logger),
			observability.RequestLoggerMiddleware(cfg.Events.ProjectID),
			observability.RecoveryMiddleware(logger),
		),
		handlers.WithHealthHandlers(handlers.NewHealthHandlers(container.Services.System)),
		handlers.WithOrderRoutes(handlers.NewOrderHandlers(container.Services.Orders).Routes),
		handlers.WithOrderMiddlewares(idempotency.Middleware(idempotencyStore,
			idempotency.WithLogger(observability.NewPrintfAdapter(logger.Named("idempotency"))))),
		handlers.WithPaymentRoutes(handlers.NewPaymentHandlers(container.Services.Orders).Routes),
		handlers.WithWebhookRoutes(handlers.NewWebhookHandlers(container.Gateways, container.Services.Webhooks).Routes),
	)

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening",
			zap.String("addr", server.Addr),
			zap.String("env", cfg.Env),
			zap.String("version", version))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutdown signal received")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	logger.Info("server stopped cleanly")
	return nil
}

// resolveSecrets swaps secret:// references in the configuration for their
// Secret Manager values. Literal credentials pass through untouched, so the
// fetcher is only built when at least one reference is present.
func resolveSecrets(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	refs := []*string{
		&cfg.Database.URL,
		&cfg.Payments.Stripe.APIKey,
		&cfg.Payments.Stripe.WebhookSecret,
		&cfg.Payments.Razorpay.KeyID,
		&cfg.Payments.Razorpay.KeySecret,
		&cfg.Payments.Razorpay.WebhookSecret,
	}

	needed := false
	for _, ref := range refs {
		if secrets.IsReference(*ref) {
			needed = true
			break
		}
	}
	if !needed {
		return nil
	}

	fetcher, err := secrets.NewFetcher(ctx,
		secrets.WithLogger(logger.Named("secrets")),
		secrets.WithDefaultProject(cfg.Events.ProjectID),
	)
	if err != nil {
		return fmt.Errorf("build secrets fetcher: %w", err)
	}
	defer func() { _ = fetcher.Close() }()

	for _, ref := range refs {
		value, err := fetcher.Resolve(ctx, *ref)
		if err != nil {
			return fmt.Errorf("resolve secret: %w", err)
		}
		*ref = value
	}
	return nil
}
