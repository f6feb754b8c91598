package di

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/go-redis/redis/v8"
	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"github.com/eventfield/api/internal/domain"
	"github.com/eventfield/api/internal/handlers"
	"github.com/eventfield/api/internal/payments"
	"github.com/eventfield/api/internal/platform/config"
	pfirestore "github.com/eventfield/api/internal/platform/firestore"
	"github.com/eventfield/api/internal/platform/idempotency"
	"github.com/eventfield/api/internal/platform/jobs"
	"github.com/eventfield/api/internal/platform/observability"
	"github.com/eventfield/api/internal/repositories"
	"github.com/eventfield/api/internal/repositories/woocommerce"
	"github.com/eventfield/api/internal/services"
)

const (
	commerceCheckTimeout    = 2 * time.Second
	idempotencyCheckTimeout = 1500 * time.Millisecond
	cleanupRunTimeout       = time.Minute
)

// Services bundles the service-layer contracts that handlers rely upon.
type Services struct {
	Checkout services.CheckoutService
	System   services.SystemService
}

// Container wires the commerce client, payment gateways, idempotency storage and services.
type Container struct {
	Config      config.Config
	Services    Services
	Gateways    *payments.Manager
	Idempotency idempotency.Store
	Router      http.Handler

	logger  *zap.Logger
	closers []namedCloser
}

type namedCloser struct {
	name  string
	close func() error
}

// Option customises container construction. Tests use it to swap infrastructure.
type Option func(*buildOptions)

type buildOptions struct {
	logger      *zap.Logger
	build       services.BuildInfo
	httpClient  *http.Client
	idempotency idempotency.Store
	events      services.OrderEventPublisher
	clock       func() time.Time
}

// WithLogger sets the base logger; components log through named children.
func WithLogger(logger *zap.Logger) Option {
	return func(o *buildOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithBuildInfo sets the build metadata reported by the health endpoints.
func WithBuildInfo(info services.BuildInfo) Option {
	return func(o *buildOptions) {
		o.build = info
	}
}

// WithCommerceHTTPClient overrides the HTTP client used for the commerce backend.
func WithCommerceHTTPClient(client *http.Client) Option {
	return func(o *buildOptions) {
		o.httpClient = client
	}
}

// WithIdempotencyStore bypasses the configured idempotency backend.
func WithIdempotencyStore(store idempotency.Store) Option {
	return func(o *buildOptions) {
		o.idempotency = store
	}
}

// WithEventPublisher bypasses the Pub/Sub publisher.
func WithEventPublisher(publisher services.OrderEventPublisher) Option {
	return func(o *buildOptions) {
		o.events = publisher
	}
}

// WithClock overrides the clock used by services and rate limiting.
func WithClock(clock func() time.Time) Option {
	return func(o *buildOptions) {
		if clock != nil {
			o.clock = clock
		}
	}
}

// NewContainer constructs the runtime dependencies from configuration.
func NewContainer(ctx context.Context, cfg config.Config, opts ...Option) (*Container, error) {
	options := buildOptions{
		logger: zap.NewNop(),
		clock:  time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}

	c := &Container{Config: cfg, logger: options.logger}
	if err := c.build(ctx, options); err != nil {
		if closeErr := c.Close(context.Background()); closeErr != nil {
			err = multierror.Append(err, closeErr)
		}
		return nil, err
	}
	return c, nil
}

func (c *Container) build(ctx context.Context, options buildOptions) error {
	cfg := c.Config
	logger := options.logger

	commerce, err := woocommerce.NewClient(woocommerce.Config{
		BaseURL:        cfg.Commerce.BaseURL,
		APIPrefix:      cfg.Commerce.APIPrefix,
		ConsumerKey:    cfg.Commerce.ConsumerKey,
		ConsumerSecret: cfg.Commerce.ConsumerSecret,
		Timeout:        cfg.Commerce.Timeout,
		Logger:         woocommerce.Logger(observability.NewEventLogger(logger, "commerce")),
		HTTPClient:     options.httpClient,
	})
	if err != nil {
		return fmt.Errorf("build commerce client: %w", err)
	}

	gateways, err := buildGateways(cfg.Gateways, logger)
	if err != nil {
		return err
	}
	c.Gateways = gateways

	store := options.idempotency
	if store == nil {
		store, err = c.buildIdempotencyStore(ctx, cfg)
		if err != nil {
			return err
		}
	}
	c.Idempotency = store

	events := options.events
	if events == nil && strings.TrimSpace(cfg.Events.ProjectID) != "" {
		events, err = c.buildEventPublisher(ctx, cfg.Events)
		if err != nil {
			return err
		}
	}

	checkout, err := services.NewCheckoutService(services.CheckoutServiceDeps{
		Commerce:       commerce,
		Gateways:       gateways,
		Events:         events,
		Clock:          options.clock,
		Logger:         observability.NewEventLogger(logger, "checkout"),
		SanitizeFields: cfg.Checkout.SanitizeFields,
		PasswordLength: cfg.Checkout.PasswordLength,
	})
	if err != nil {
		return fmt.Errorf("build checkout service: %w", err)
	}
	c.Services.Checkout = checkout

	health, err := repositories.NewDependencyHealthRepository([]repositories.DependencyCheck{
		{Name: "commerce", Timeout: commerceCheckTimeout, Check: commerce.Ping},
		{Name: "idempotency", Timeout: idempotencyCheckTimeout, Check: store.Ping},
	}, repositories.WithDependencyClock(options.clock))
	if err != nil {
		return fmt.Errorf("build health repository: %w", err)
	}

	build := options.build
	if build.Environment == "" {
		build.Environment = cfg.Security.Environment
	}
	if build.StartedAt.IsZero() {
		build.StartedAt = options.clock().UTC()
	}
	system, err := services.NewSystemService(services.SystemServiceDeps{
		HealthRepository: health,
		Clock:            options.clock,
		Build:            build,
		Gateways:         gateways.Names,
		RequiredGateways: []string{payments.GatewayEPayco},
		ReportTTL:        cfg.Server.ReadinessCacheTTL,
	})
	if err != nil {
		return fmt.Errorf("build system service: %w", err)
	}
	c.Services.System = system

	c.Router = c.buildRouter(build, options)
	return nil
}

func buildGateways(cfg config.GatewayConfig, logger *zap.Logger) (*payments.Manager, error) {
	tables := map[string]*payments.StatusTable{}
	if path := strings.TrimSpace(cfg.StatusMapFile); path != "" {
		loaded, err := payments.LoadStatusTables(path)
		if err != nil {
			return nil, fmt.Errorf("load gateway status tables: %w", err)
		}
		tables = loaded
	}
	gatewayLogger := payments.GatewayLogger(observability.NewEventLogger(logger, "payments"))

	epayco, err := payments.NewEPaycoGateway(payments.EPaycoGatewayConfig{
		ClientID:  domain.Secret(cfg.EPaycoClientID),
		SecretKey: domain.Secret(cfg.EPaycoSecretKey),
		Table:     tables[payments.GatewayEPayco],
		Logger:    gatewayLogger,
	})
	if err != nil {
		return nil, fmt.Errorf("build epayco gateway: %w", err)
	}
	registered := map[string]payments.Gateway{payments.GatewayEPayco: epayco}

	if secret := strings.TrimSpace(cfg.StripeWebhookSecret); secret != "" {
		stripe, err := payments.NewStripeGateway(payments.StripeGatewayConfig{
			WebhookSecret: domain.Secret(secret),
			Table:         tables[payments.GatewayStripe],
			Logger:        gatewayLogger,
		})
		if err != nil {
			return nil, fmt.Errorf("build stripe gateway: %w", err)
		}
		registered[payments.GatewayStripe] = stripe
	}

	var opts []payments.ManagerOption
	if cfg.Default != "" {
		opts = append(opts, payments.WithDefaultGateway(cfg.Default))
	}
	manager, err := payments.NewManager(registered, opts...)
	if err != nil {
		return nil, fmt.Errorf("build gateway manager: %w", err)
	}
	return manager, nil
}

func (c *Container) buildIdempotencyStore(ctx context.Context, cfg config.Config) (idempotency.Store, error) {
	switch cfg.Idempotency.Store {
	case config.IdempotencyStoreFirestore:
		provider := pfirestore.NewProvider(cfg.Firestore)
		c.addCloser("firestore", provider.Close)
		client, err := provider.Client(ctx)
		if err != nil {
			return nil, fmt.Errorf("build idempotency store: %w", err)
		}
		return idempotency.NewFirestoreStore(client), nil
	case config.IdempotencyStoreRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		c.addCloser("redis", client.Close)
		return idempotency.NewRedisStore(client, idempotency.WithRedisKeyPrefix(cfg.Redis.KeyPrefix)), nil
	case config.IdempotencyStoreMemory, "":
		return idempotency.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("build idempotency store: unsupported store %q", cfg.Idempotency.Store)
	}
}

func (c *Container) buildEventPublisher(ctx context.Context, cfg config.EventsConfig) (services.OrderEventPublisher, error) {
	client, err := pubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("build pubsub client: %w", err)
	}
	c.addCloser("pubsub", client.Close)

	topic := client.Topic(cfg.OrderEventTopic)
	c.addCloser("pubsub topic", func() error {
		topic.Stop()
		return nil
	})
	publisher, err := jobs.NewPubSubOrderEventPublisher(topic)
	if err != nil {
		return nil, fmt.Errorf("build order event publisher: %w", err)
	}
	return publisher, nil
}

func (c *Container) buildRouter(build services.BuildInfo, options buildOptions) http.Handler {
	cfg := c.Config
	logger := options.logger
	httpLogger := logger.Named("http")

	projectID := strings.TrimSpace(cfg.Firestore.ProjectID)
	if projectID == "" {
		projectID = strings.TrimSpace(cfg.Events.ProjectID)
	}

	checkoutMiddlewares := []func(http.Handler) http.Handler{
		idempotency.Middleware(
			c.Idempotency,
			idempotency.WithOptionalKey(),
			idempotency.WithHeader(cfg.Idempotency.Header),
			idempotency.WithTTL(cfg.Idempotency.TTL),
			idempotency.WithClock(options.clock),
			idempotency.WithLogger(idempotency.Logger(observability.NewEventLogger(logger, "idempotency"))),
		),
	}
	if cfg.RateLimits.CheckoutPerMinute > 0 {
		checkoutMiddlewares = append([]func(http.Handler) http.Handler{
			handlers.RateLimitPerMinute(cfg.RateLimits.CheckoutPerMinute, options.clock),
		}, checkoutMiddlewares...)
	}

	var webhookMiddlewares []func(http.Handler) http.Handler
	if cfg.RateLimits.WebhookPerMinute > 0 {
		webhookMiddlewares = append(webhookMiddlewares, handlers.RateLimitPerMinute(cfg.RateLimits.WebhookPerMinute, options.clock))
	}

	checkoutHandlers := handlers.NewCheckoutHandlers(c.Services.Checkout)
	webhookHandlers := handlers.NewPaymentWebhookHandlers(c.Services.Checkout, handlers.WithWebhookClock(options.clock))
	healthHandlers := handlers.NewHealthHandlers(
		handlers.WithHealthBuildInfo(build),
		handlers.WithHealthSystemService(c.Services.System),
		handlers.WithHealthClock(options.clock),
	)

	return handlers.NewRouter(
		handlers.WithMiddlewares(
			observability.InjectLoggerMiddleware(httpLogger),
			observability.TraceMiddleware(projectID),
			observability.RecoveryMiddleware(httpLogger),
			observability.RequestLoggerMiddleware(observability.WithIdempotencyHeader(cfg.Idempotency.Header)),
		),
		handlers.WithRequestTimeout(cfg.Server.WriteTimeout),
		handlers.WithTrustedProxies(handlers.ParseTrustedProxies(cfg.Server.TrustedProxies)),
		handlers.WithHealthHandlers(healthHandlers),
		handlers.WithCheckoutRoutes(checkoutHandlers.Routes),
		handlers.WithCheckoutMiddlewares(checkoutMiddlewares...),
		handlers.WithWebhookRoutes(webhookHandlers.Routes),
		handlers.WithWebhookMiddlewares(webhookMiddlewares...),
	)
}

// StartIdempotencyCleanup periodically purges expired idempotency records until ctx is cancelled.
// The returned function stops the loop and waits for it to exit.
func (c *Container) StartIdempotencyCleanup(ctx context.Context) func() {
	interval := c.Config.Idempotency.CleanupInterval
	if c.Idempotency == nil || interval <= 0 {
		return func() {}
	}

	runCtx, cancel := context.WithCancel(ctx)
	ticker := time.NewTicker(interval)
	logger := c.logger.Named("idempotency")
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-ticker.C:
				callCtx, callCancel := context.WithTimeout(runCtx, cleanupRunTimeout)
				removed, err := c.Idempotency.CleanupExpired(callCtx, time.Now().UTC(), c.Config.Idempotency.CleanupBatchSize)
				callCancel()
				if err != nil {
					logger.Error("idempotency cleanup error", zap.Error(err))
					continue
				}
				if removed > 0 {
					logger.Info("idempotency cleanup removed records", zap.Int("count", removed))
				}
			case <-runCtx.Done():
				return
			}
		}
	}()

	return func() {
		ticker.Stop()
		cancel()
		wg.Wait()
	}
}

// Close releases clients in reverse construction order and reports every failure.
func (c *Container) Close(ctx context.Context) error {
	if c == nil {
		return nil
	}
	var result *multierror.Error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := ctx.Err(); err != nil {
			result = multierror.Append(result, err)
			break
		}
		closer := c.closers[i]
		if err := closer.close(); err != nil && !errors.Is(err, pfirestore.ErrProviderClosed) {
			result = multierror.Append(result, fmt.Errorf("close %s: %w", closer.name, err))
		}
	}
	c.closers = nil
	return result.ErrorOrNil()
}

func (c *Container) addCloser(name string, fn func() error) {
	c.closers = append(c.closers, namedCloser{name: name, close: fn})
}
