// Package secrets resolves secret:// references in configuration through Google Secret Manager.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/googleapis/gax-go/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	defaultEnvironment  = "local"
	defaultFallbackPath = ".secrets.local"
	meterName           = "github.com/eventfield/api/internal/platform/secrets"
)

const (
	sourceCache    = "cache"
	sourceRemote   = "remote"
	sourceFallback = "fallback"
	sourceError    = "error"
)

var newSecretManagerClient = func(ctx context.Context, opts ...option.ClientOption) (*secretmanager.Client, error) {
	return secretmanager.NewClient(ctx, opts...)
}

type secretManagerClient interface {
	AccessSecretVersion(ctx context.Context, req *secretmanagerpb.AccessSecretVersionRequest, opts ...gax.CallOption) (*secretmanagerpb.AccessSecretVersionResponse, error)
	Close() error
}

// Fetcher resolves references to secret values. Values are cached (optionally with a TTL so
// rotated gateway keys are picked up), concurrent lookups of one secret share a single call,
// and a local fallback file answers when Secret Manager is unreachable. Values are never logged.
type Fetcher struct {
	client     secretManagerClient
	ownsClient bool
	logger     *zap.Logger
	clock      func() time.Time

	env            string
	defaultProject string
	projects       map[string]string
	ttl            time.Duration
	fallback       *fallbackFile

	group singleflight.Group
	mu    sync.RWMutex
	cache map[string]cachedValue

	latency metric.Float64Histogram
	lookups metric.Int64Counter
}

type cachedValue struct {
	value     string
	fetchedAt time.Time
}

type fetcherConfig struct {
	logger         *zap.Logger
	clock          func() time.Time
	env            string
	defaultProject string
	projects       map[string]string
	fallbackPath   string
	ttl            time.Duration
	meter          metric.Meter
	client         secretManagerClient
	clientOpts     []option.ClientOption
}

// Option customises Fetcher construction.
type Option func(*fetcherConfig)

func WithLogger(logger *zap.Logger) Option {
	return func(cfg *fetcherConfig) {
		if logger != nil {
			cfg.logger = logger
		}
	}
}

// WithEnvironment selects which WithProjectMap entry applies.
func WithEnvironment(env string) Option {
	return func(cfg *fetcherConfig) {
		if env = strings.ToLower(strings.TrimSpace(env)); env != "" {
			cfg.env = env
		}
	}
}

// WithDefaultProject is used when the environment has no project mapping.
func WithDefaultProject(projectID string) Option {
	return func(cfg *fetcherConfig) {
		cfg.defaultProject = strings.TrimSpace(projectID)
	}
}

// WithProjectMap maps environment names to Secret Manager projects.
func WithProjectMap(projects map[string]string) Option {
	return func(cfg *fetcherConfig) {
		for env, project := range projects {
			cfg.projects[strings.ToLower(strings.TrimSpace(env))] = strings.TrimSpace(project)
		}
	}
}

// WithFallbackFile sets the local fallback file; an empty path disables it.
func WithFallbackFile(path string) Option {
	return func(cfg *fetcherConfig) {
		cfg.fallbackPath = strings.TrimSpace(path)
	}
}

// WithCacheTTL expires cached values. Zero caches for the life of the process.
func WithCacheTTL(ttl time.Duration) Option {
	return func(cfg *fetcherConfig) {
		if ttl >= 0 {
			cfg.ttl = ttl
		}
	}
}

func WithClock(clock func() time.Time) Option {
	return func(cfg *fetcherConfig) {
		if clock != nil {
			cfg.clock = clock
		}
	}
}

func WithMeter(m metric.Meter) Option {
	return func(cfg *fetcherConfig) {
		cfg.meter = m
	}
}

// WithSecretManagerClient injects a client; the fetcher will not close it.
func WithSecretManagerClient(client secretManagerClient) Option {
	return func(cfg *fetcherConfig) {
		cfg.client = client
	}
}

// WithClientOptions is forwarded when the fetcher creates its own client.
func WithClientOptions(opts ...option.ClientOption) Option {
	return func(cfg *fetcherConfig) {
		cfg.clientOpts = append(cfg.clientOpts, opts...)
	}
}

// NewFetcher builds a Fetcher. Failing to create a Secret Manager client is not fatal: the
// fetcher then serves only the fallback file, which is how local development runs.
func NewFetcher(ctx context.Context, opts ...Option) (*Fetcher, error) {
	cfg := fetcherConfig{
		logger:       zap.NewNop(),
		clock:        time.Now,
		env:          defaultEnvironment,
		projects:     map[string]string{},
		fallbackPath: defaultFallbackPath,
	}
	if env := strings.ToLower(strings.TrimSpace(os.Getenv("API_SECURITY_ENVIRONMENT"))); env != "" {
		cfg.env = env
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	if cfg.meter == nil {
		cfg.meter = otel.GetMeterProvider().Meter(meterName)
	}

	f := &Fetcher{
		client:         cfg.client,
		logger:         cfg.logger,
		clock:          cfg.clock,
		env:            cfg.env,
		defaultProject: cfg.defaultProject,
		projects:       cfg.projects,
		ttl:            cfg.ttl,
		fallback:       &fallbackFile{path: cfg.fallbackPath},
		cache:          make(map[string]cachedValue),
	}
	f.registerMetrics(cfg.meter)

	if f.client == nil {
		client, err := newSecretManagerClient(ctx, cfg.clientOpts...)
		if err != nil {
			f.logger.Warn("secrets: secret manager unavailable; serving fallback file only", zap.Error(err))
		} else {
			f.client = client
			f.ownsClient = true
		}
	}
	return f, nil
}

func (f *Fetcher) registerMetrics(meter metric.Meter) {
	var err error
	f.latency, err = meter.Float64Histogram("secrets.resolve.duration",
		metric.WithUnit("ms"),
		metric.WithDescription("Time to resolve a secret reference"),
	)
	if err != nil {
		f.logger.Warn("secrets: latency metric unavailable", zap.Error(err))
		f.latency = nil
	}
	f.lookups, err = meter.Int64Counter("secrets.resolve.count",
		metric.WithDescription("Secret resolutions by source"),
	)
	if err != nil {
		f.logger.Warn("secrets: lookup metric unavailable", zap.Error(err))
		f.lookups = nil
	}
}

// Close releases the Secret Manager client when the fetcher created it.
func (f *Fetcher) Close() error {
	if f.ownsClient && f.client != nil {
		return f.client.Close()
	}
	return nil
}

// Resolve returns the value behind a secret reference. Errors name the reference only by its
// masked digest.
func (f *Fetcher) Resolve(ctx context.Context, raw string) (string, error) {
	start := time.Now()
	ref, err := ParseReference(raw)
	if err != nil {
		return "", err
	}
	if ref.Project == "" {
		ref.Project = f.project()
	}
	key := ref.cacheKey()

	if value, ok := f.cached(key); ok {
		f.observe(ctx, start, sourceCache)
		return value, nil
	}

	type result struct{ value, source string }
	v, err, _ := f.group.Do(key, func() (any, error) {
		value, source, err := f.load(ctx, ref)
		if err != nil {
			return nil, err
		}
		f.mu.Lock()
		f.cache[key] = cachedValue{value: value, fetchedAt: f.clock()}
		f.mu.Unlock()
		return result{value: value, source: source}, nil
	})
	if err != nil {
		f.observe(ctx, start, sourceError)
		return "", err
	}
	res := v.(result)
	f.observe(ctx, start, res.source)
	return res.value, nil
}

// Invalidate drops every cached version of the referenced secret.
func (f *Fetcher) Invalidate(raw string) {
	ref, err := ParseReference(raw)
	if err != nil {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for key := range f.cache {
		project, rest, _ := strings.Cut(key, "/")
		name, _, _ := strings.Cut(rest, "#")
		if name == ref.Name && (ref.Project == "" || project == ref.Project) {
			delete(f.cache, key)
		}
	}
}

func (f *Fetcher) cached(key string) (string, bool) {
	f.mu.RLock()
	entry, ok := f.cache[key]
	f.mu.RUnlock()
	if !ok || (f.ttl > 0 && f.clock().Sub(entry.fetchedAt) >= f.ttl) {
		return "", false
	}
	return entry.value, true
}

func (f *Fetcher) load(ctx context.Context, ref Reference) (string, string, error) {
	if ref.Project != "" && f.client != nil {
		value, err := f.access(ctx, ref)
		if err == nil {
			return value, sourceRemote, nil
		}
		if !recoverable(err) {
			return "", "", fmt.Errorf("secrets: fetch %s: %w", ref.Masked(), err)
		}
		f.logger.Debug("secrets: secret manager failed; trying fallback file",
			zap.String("ref", ref.Masked()),
			zap.String("code", status.Code(err).String()),
		)
	}

	value, ok, err := f.fallback.lookup(ref)
	switch {
	case err != nil:
		return "", "", err
	case !ok:
		return "", "", fmt.Errorf("secrets: no value for %s", ref.Masked())
	}
	return value, sourceFallback, nil
}

func (f *Fetcher) access(ctx context.Context, ref Reference) (string, error) {
	resp, err := f.client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{
		Name: ref.resourceName(ref.Project),
	})
	if err != nil {
		return "", err
	}
	if resp.GetPayload() == nil {
		return "", errors.New("empty payload")
	}
	return string(resp.GetPayload().GetData()), nil
}

func (f *Fetcher) project() string {
	if project := f.projects[f.env]; project != "" {
		return project
	}
	return f.defaultProject
}

func (f *Fetcher) observe(ctx context.Context, start time.Time, source string) {
	attrs := metric.WithAttributes(attribute.String("source", source))
	if f.latency != nil {
		f.latency.Record(ctx, float64(time.Since(start))/float64(time.Millisecond), attrs)
	}
	if f.lookups != nil {
		f.lookups.Add(ctx, 1, attrs)
	}
}

// recoverable reports whether a Secret Manager failure is about access or availability.
// NotFound and InvalidArgument are configuration mistakes and are returned to the caller.
func recoverable(err error) bool {
	switch status.Code(err) {
	case codes.PermissionDenied, codes.Unauthenticated, codes.Unavailable, codes.DeadlineExceeded:
		return true
	}
	return false
}
