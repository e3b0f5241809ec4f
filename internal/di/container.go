package di

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/clawsite/api/internal/payments"
	"github.com/clawsite/api/internal/platform/config"
	"github.com/clawsite/api/internal/repositories"
	"github.com/clawsite/api/internal/services"
)

// Services bundles the service-layer contracts that handlers rely upon.
type Services struct {
	Orders    services.OrderService
	Inventory services.InventoryService
	Webhooks  services.WebhookService
	System    services.SystemService
}

// Container wires repositories, gateways, and services for runtime use.
type Container struct {
	Config       *config.Config
	Repositories repositories.Registry
	Gateways     *payments.Manager
	Services     Services
}

// Options carries optional collaborators the container cannot build itself.
type Options struct {
	// Events receives order lifecycle events; nil disables publication.
	Events services.OrderEventPublisher
	// Logger feeds service-level structured logs; nil silences them.
	Logger *zap.Logger
	// Build stamps the health report.
	Build services.BuildInfo
	// Clock overrides time.Now, primarily for tests.
	Clock func() time.Time
}

// NewContainer constructs the runtime dependencies. Tests can supply in-memory
// registries and stub gateways.
func NewContainer(cfg *config.Config, reg repositories.Registry, opts Options) (*Container, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if reg == nil {
		return nil, errors.New("repositories registry is required")
	}

	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}

	gateways, err := buildGateways(cfg)
	if err != nil {
		return nil, err
	}

	svc, err := buildServices(cfg, reg, gateways, opts, clock)
	if err != nil {
		return nil, err
	}

	return &Container{
		Config:       cfg,
		Repositories: reg,
		Gateways:     gateways,
		Services:     svc,
	}, nil
}

// Close releases resources such as repository clients.
func (c *Container) Close(ctx context.Context) error {
	if c == nil || c.Repositories == nil {
		return nil
	}
	return c.Repositories.Close(ctx)
}

func buildGateways(cfg *config.Config) (*payments.Manager, error) {
	var providers []payments.Provider

	if cfg.Payments.Stripe.APIKey != "" {
		stripeProvider, err := payments.NewStripeProvider(payments.StripeProviderConfig{
			APIKey:        cfg.Payments.Stripe.APIKey,
			WebhookSecret: cfg.Payments.Stripe.WebhookSecret,
		})
		if err != nil {
			return nil, fmt.Errorf("build stripe provider: %w", err)
		}
		providers = append(providers, stripeProvider)
	}

	if cfg.Payments.Razorpay.KeyID != "" {
		razorpayProvider, err := payments.NewRazorpayProvider(payments.RazorpayProviderConfig{
			KeyID:         cfg.Payments.Razorpay.KeyID,
			KeySecret:     cfg.Payments.Razorpay.KeySecret,
			WebhookSecret: cfg.Payments.Razorpay.WebhookSecret,
		})
		if err != nil {
			return nil, fmt.Errorf("build razorpay provider: %w", err)
		}
		providers = append(providers, razorpayProvider)
	}

	if len(providers) == 0 {
		return nil, errors.New("at least one payment gateway must be configured")
	}

	var opts []payments.ManagerOption
	if cfg.Payments.DefaultGateway != "" {
		opts = append(opts, payments.WithDefaultProvider(cfg.Payments.DefaultGateway))
	}
	return payments.NewManager(providers, opts...)
}

func buildServices(cfg *config.Config, reg repositories.Registry, gateways *payments.Manager, opts Options, clock func() time.Time) (Services, error) {
	var svc Services

	logFn := func(context.Context, string, map[string]any) {}
	if opts.Logger != nil {
		serviceLogger := opts.Logger.Named("services")
		logFn = func(_ context.Context, event string, fields map[string]any) {
			zFields := make([]zap.Field, 0, len(fields)+1)
			zFields = append(zFields, zap.String("event", event))
			for k, v := range fields {
				zFields = append(zFields, zap.Any(k, v))
			}
			serviceLogger.Debug("service log", zFields...)
		}
	}

	inventorySvc, err := services.NewInventoryService(services.InventoryServiceDeps{
		Orders:     reg.Orders(),
		Products:   reg.Products(),
		UnitOfWork: reg,
		Clock:      clock,
		Logger:     logFn,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build inventory service: %w", err)
	}
	svc.Inventory = inventorySvc

	orderSvc, err := services.NewOrderService(services.OrderServiceDeps{
		Orders:     reg.Orders(),
		Products:   reg.Products(),
		Payments:   reg.Payments(),
		Inventory:  inventorySvc,
		Gateways:   gateways,
		UnitOfWork: reg,
		Policy: services.OrderPolicy{
			Currency:         cfg.Orders.Currency,
			PaymentTTL:       cfg.Orders.PaymentTTL,
			ShippingFlatFee:  cfg.Orders.ShippingFlatFee,
			FreeShippingOver: cfg.Orders.FreeShippingOver,
		},
		Clock:  clock,
		Events: opts.Events,
		Logger: logFn,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build order service: %w", err)
	}
	svc.Orders = orderSvc

	webhookSvc, err := services.NewWebhookService(services.WebhookServiceDeps{
		Events: reg.WebhookEvents(),
		Orders: orderSvc,
		Clock:  clock,
		Logger: logFn,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build webhook service: %w", err)
	}
	svc.Webhooks = webhookSvc

	if healthRepo := reg.Health(); healthRepo != nil {
		systemSvc, err := services.NewSystemService(services.SystemServiceDeps{
			HealthRepository: healthRepo,
			Clock:            clock,
			Build:            opts.Build,
		})
		if err != nil {
			return Services{}, fmt.Errorf("build system service: %w", err)
		}
		svc.System = systemSvc
	}

	return svc, nil
}
