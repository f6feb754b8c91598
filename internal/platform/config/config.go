// Package config loads runtime configuration from the environment, an optional dotenv file and
// Secret Manager references.
package config

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"
)

const (
	defaultEnvFile              = ".env"
	defaultPort                 = "8080"
	defaultReadTimeout          = 15 * time.Second
	defaultWriteTimeout         = 30 * time.Second
	defaultIdleTimeout          = 120 * time.Second
	defaultReadinessCacheTTL    = 5 * time.Second
	defaultCommerceAPIPrefix    = "/wp-json/wc/v3"
	defaultCommerceTimeout      = 20 * time.Second
	defaultSanitizeFields       = "order_key"
	defaultPasswordLength       = 16
	defaultRateLimitCheckout    = 30
	defaultRateLimitWebhook     = 600
	defaultSecurityEnvironment  = "local"
	defaultSecretFallbackFile   = ".secrets.local"
	defaultIdempotencyHeader    = "Idempotency-Key"
	defaultIdempotencyTTL       = 24 * time.Hour
	defaultIdempotencyInterval  = time.Hour
	defaultIdempotencyBatchSize = 200
	defaultRedisKeyPrefix       = "eventfield:idem:"
	defaultOrderEventsTopic     = "order-status-changed"
)

// Idempotency store backends.
const (
	IdempotencyStoreMemory    = "memory"
	IdempotencyStoreFirestore = "firestore"
	IdempotencyStoreRedis     = "redis"
)

type Config struct {
	Server      ServerConfig
	Commerce    CommerceConfig
	Gateways    GatewayConfig
	Checkout    CheckoutConfig
	Firestore   FirestoreConfig
	Redis       RedisConfig
	Events      EventsConfig
	RateLimits  RateLimitConfig
	Security    SecurityConfig
	Idempotency IdempotencyConfig
}

type ServerConfig struct {
	Port         string        `validate:"required"`
	ReadTimeout  time.Duration `validate:"gt=0"`
	WriteTimeout time.Duration `validate:"gt=0"`
	IdleTimeout  time.Duration `validate:"gt=0"`
	// ReadinessCacheTTL reuses a /readyz report so probes do not hit the commerce backend every time.
	ReadinessCacheTTL time.Duration `validate:"gte=0"`
	// TrustedProxies are the CIDRs or addresses whose X-Forwarded-For is believed. Empty means
	// the TCP peer is the client.
	TrustedProxies []string `validate:"dive,cidr|ip"`
}

// CommerceConfig points at the WooCommerce REST API.
type CommerceConfig struct {
	BaseURL        string `validate:"required,url"`
	APIPrefix      string
	ConsumerKey    string        `validate:"required"`
	ConsumerSecret string        `validate:"required"`
	Timeout        time.Duration `validate:"gt=0"`
}

type GatewayConfig struct {
	// Default is used when a checkout names no gateway.
	Default             string `validate:"omitempty,oneof=epayco stripe"`
	EPaycoClientID      string `validate:"required"`
	EPaycoSecretKey     string `validate:"required"`
	StripeWebhookSecret string
	// StatusMapFile optionally replaces the built-in response code tables.
	StatusMapFile string
}

type CheckoutConfig struct {
	// SanitizeFields are stripped from order payloads before they reach the client.
	SanitizeFields []string
	PasswordLength int `validate:"min=8,max=128"`
}

type FirestoreConfig struct {
	ProjectID    string
	EmulatorHost string
}

type RedisConfig struct {
	Addr      string
	Password  string
	DB        int `validate:"gte=0"`
	KeyPrefix string
}

// EventsConfig configures order event publication. Publishing is disabled without a project.
type EventsConfig struct {
	ProjectID       string
	OrderEventTopic string
}

// RateLimitConfig is per client IP. Zero disables a limit.
type RateLimitConfig struct {
	CheckoutPerMinute int `validate:"gte=0"`
	WebhookPerMinute  int `validate:"gte=0"`
}

type SecurityConfig struct {
	Environment string
}

type IdempotencyConfig struct {
	Store            string        `validate:"oneof=memory firestore redis"`
	Header           string        `validate:"required"`
	TTL              time.Duration `validate:"gt=0"`
	CleanupInterval  time.Duration `validate:"gt=0"`
	CleanupBatchSize int           `validate:"gt=0"`
}

// Option customises Load and the other readers in this package.
type Option func(*loaderOptions)

type loaderOptions struct {
	envFile         string
	envMap          map[string]string
	useSystemEnv    bool
	secret          SecretResolver
	requiredSecrets []string
	panicOnMissing  bool
}

func applyOptions(opts []Option) loaderOptions {
	o := loaderOptions{envFile: defaultEnvFile, useSystemEnv: true}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}

// WithEnvFile overrides the dotenv path; an empty path disables it.
func WithEnvFile(path string) Option {
	return func(o *loaderOptions) { o.envFile = path }
}

// WithEnvMap supplies values that take precedence over the process environment.
func WithEnvMap(values map[string]string) Option {
	return func(o *loaderOptions) { o.envMap = values }
}

// WithoutSystemEnv ignores the process environment.
func WithoutSystemEnv() Option {
	return func(o *loaderOptions) { o.useSystemEnv = false }
}

func WithSecretResolver(resolver SecretResolver) Option {
	return func(o *loaderOptions) { o.secret = resolver }
}

// WithRequiredSecrets marks config fields, e.g. "Gateways.EPaycoSecretKey", as mandatory secrets.
func WithRequiredSecrets(names ...string) Option {
	return func(o *loaderOptions) { o.requiredSecrets = append(o.requiredSecrets, names...) }
}

// WithPanicOnMissingSecrets makes Load panic with *MissingSecretsError instead of returning it.
func WithPanicOnMissingSecrets() Option {
	return func(o *loaderOptions) { o.panicOnMissing = true }
}

// EnvironmentValues returns the merged key/value view Load reads from.
func EnvironmentValues(opts ...Option) (map[string]string, error) {
	src, err := newSource(applyOptions(opts))
	if err != nil {
		return nil, err
	}
	return src.values(), nil
}

// Load builds the configuration, resolves secret references and validates the result.
func Load(ctx context.Context, opts ...Option) (Config, error) {
	o := applyOptions(opts)
	src, err := newSource(o)
	if err != nil {
		return Config{}, err
	}

	cfg := read(src)
	resolved, err := resolveSecrets(ctx, o.secret, map[string]*string{
		"Commerce.ConsumerKey":         &cfg.Commerce.ConsumerKey,
		"Commerce.ConsumerSecret":      &cfg.Commerce.ConsumerSecret,
		"Gateways.EPaycoClientID":      &cfg.Gateways.EPaycoClientID,
		"Gateways.EPaycoSecretKey":     &cfg.Gateways.EPaycoSecretKey,
		"Gateways.StripeWebhookSecret": &cfg.Gateways.StripeWebhookSecret,
		"Redis.Password":               &cfg.Redis.Password,
	})
	if err != nil {
		return Config{}, err
	}

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}

	if missing := missingSecrets(o.requiredSecrets, resolved); missing != nil {
		if o.panicOnMissing {
			fmt.Fprintf(os.Stderr, "config: %s\n", missing.Error())
			panic(missing)
		}
		return Config{}, missing
	}
	return cfg, nil
}

func read(src source) Config {
	cfg := Config{
		Server: ServerConfig{
			Port:              src.str("API_SERVER_PORT", defaultPort),
			ReadTimeout:       src.duration("API_SERVER_READ_TIMEOUT", defaultReadTimeout),
			WriteTimeout:      src.duration("API_SERVER_WRITE_TIMEOUT", defaultWriteTimeout),
			IdleTimeout:       src.duration("API_SERVER_IDLE_TIMEOUT", defaultIdleTimeout),
			ReadinessCacheTTL: src.duration("API_SERVER_READINESS_CACHE_TTL", defaultReadinessCacheTTL),
			TrustedProxies:    src.list("API_SERVER_TRUSTED_PROXIES", ""),
		},
		Commerce: CommerceConfig{
			BaseURL:        strings.TrimRight(src.str("API_COMMERCE_BASE_URL", ""), "/"),
			APIPrefix:      src.str("API_COMMERCE_API_PREFIX", defaultCommerceAPIPrefix),
			ConsumerKey:    src.str("API_COMMERCE_CONSUMER_KEY", ""),
			ConsumerSecret: src.str("API_COMMERCE_CONSUMER_SECRET", ""),
			Timeout:        src.duration("API_COMMERCE_TIMEOUT", defaultCommerceTimeout),
		},
		Gateways: GatewayConfig{
			Default:             src.lower("API_GATEWAY_DEFAULT", ""),
			EPaycoClientID:      src.str("API_GATEWAY_EPAYCO_CLIENT_ID", ""),
			EPaycoSecretKey:     src.str("API_GATEWAY_EPAYCO_SECRET_KEY", ""),
			StripeWebhookSecret: src.str("API_GATEWAY_STRIPE_WEBHOOK_SECRET", ""),
			StatusMapFile:       src.str("API_GATEWAY_STATUS_MAP_FILE", ""),
		},
		Checkout: CheckoutConfig{
			SanitizeFields: src.list("API_CHECKOUT_SANITIZE_FIELDS", defaultSanitizeFields),
			PasswordLength: src.integer("API_CHECKOUT_PASSWORD_LENGTH", defaultPasswordLength),
		},
		Firestore: FirestoreConfig{
			ProjectID:    src.str("API_FIRESTORE_PROJECT_ID", ""),
			EmulatorHost: src.str("API_FIRESTORE_EMULATOR_HOST", ""),
		},
		Redis: RedisConfig{
			Addr:      src.str("API_REDIS_ADDR", ""),
			Password:  src.str("API_REDIS_PASSWORD", ""),
			DB:        src.integer("API_REDIS_DB", 0),
			KeyPrefix: src.str("API_REDIS_KEY_PREFIX", defaultRedisKeyPrefix),
		},
		Events: EventsConfig{
			ProjectID:       src.str("API_EVENTS_PROJECT_ID", ""),
			OrderEventTopic: src.str("API_EVENTS_ORDER_TOPIC", defaultOrderEventsTopic),
		},
		RateLimits: RateLimitConfig{
			CheckoutPerMinute: src.integer("API_RATELIMIT_CHECKOUT_PER_MIN", defaultRateLimitCheckout),
			WebhookPerMinute:  src.integer("API_RATELIMIT_WEBHOOK_PER_MIN", defaultRateLimitWebhook),
		},
		Security: SecurityConfig{
			Environment: src.lower("API_SECURITY_ENVIRONMENT", defaultSecurityEnvironment),
		},
		Idempotency: IdempotencyConfig{
			Store:            src.lower("API_IDEMPOTENCY_STORE", IdempotencyStoreMemory),
			Header:           src.str("API_IDEMPOTENCY_HEADER", defaultIdempotencyHeader),
			TTL:              src.duration("API_IDEMPOTENCY_TTL", defaultIdempotencyTTL),
			CleanupInterval:  src.duration("API_IDEMPOTENCY_CLEANUP_INTERVAL", defaultIdempotencyInterval),
			CleanupBatchSize: src.integer("API_IDEMPOTENCY_CLEANUP_BATCH", defaultIdempotencyBatchSize),
		},
	}
	// One project id configures all GCP wiring unless events name their own.
	if cfg.Events.ProjectID == "" {
		cfg.Events.ProjectID = cfg.Firestore.ProjectID
	}
	return cfg
}
