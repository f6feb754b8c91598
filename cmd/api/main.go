package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/eventfield/api/internal/di"
	"github.com/eventfield/api/internal/platform/config"
	"github.com/eventfield/api/internal/platform/observability"
	"github.com/eventfield/api/internal/platform/secrets"
	"github.com/eventfield/api/internal/services"
)

const (
	shutdownTimeout = 10 * time.Second
	closeTimeout    = 5 * time.Second
)

func main() {
	logger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger.Named("api")); err != nil {
		var missing *config.MissingSecretsError
		if errors.As(err, &missing) {
			logger.Fatal("missing required secrets", zap.Strings("secrets", missing.RedactedNames()))
		}
		logger.Fatal("api exited", zap.Error(err))
	}
}

func run(ctx context.Context, logger *zap.Logger) error {
	startedAt := time.Now().UTC()
	ctx = observability.WithLogger(ctx, logger)

	settings, err := config.LoadSecretSettings()
	if err != nil {
		return fmt.Errorf("secret settings: %w", err)
	}
	fetcher, err := secrets.NewFetcher(ctx, fetcherOptions(settings, logger)...)
	if err != nil {
		return fmt.Errorf("secret fetcher: %w", err)
	}
	defer func() {
		if err := fetcher.Close(); err != nil {
			logger.Warn("secret fetcher close error", zap.Error(err))
		}
	}()

	required, err := config.RequiredSecrets()
	if err != nil {
		return err
	}
	cfg, err := config.Load(ctx,
		config.WithSecretResolver(config.SecretResolverFunc(fetcher.Resolve)),
		config.WithRequiredSecrets(required...),
	)
	if err != nil {
		return err
	}

	env, err := config.EnvironmentValues()
	if err != nil {
		return err
	}
	container, err := di.NewContainer(ctx, cfg,
		di.WithLogger(logger),
		di.WithBuildInfo(buildInfo(env, cfg, startedAt)),
	)
	if err != nil {
		return fmt.Errorf("dependencies: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		if err := container.Close(closeCtx); err != nil {
			logger.Warn("dependency close error", zap.Error(err))
		}
	}()

	stopCleanup := container.StartIdempotencyCleanup(context.Background())
	defer stopCleanup()

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      container.Router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
	return serve(ctx, server, logger.Named("http").With(
		zap.String("addr", server.Addr),
		zap.String("idempotencyStore", cfg.Idempotency.Store),
		zap.Strings("gateways", container.Gateways.Names()),
	))
}

// serve runs server until ctx is cancelled, then drains in-flight requests.
func serve(ctx context.Context, server *http.Server, logger *zap.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		logger.Info("eventfield api listening")
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutdown signal received; draining requests")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}
	return nil
}

func fetcherOptions(s config.SecretSettings, logger *zap.Logger) []secrets.Option {
	opts := []secrets.Option{
		secrets.WithEnvironment(s.Environment),
		secrets.WithLogger(logger.Named("secrets")),
		secrets.WithFallbackFile(s.FallbackFile),
		secrets.WithCacheTTL(s.CacheTTL),
	}
	if len(s.Projects) > 0 {
		opts = append(opts, secrets.WithProjectMap(s.Projects))
	}
	if s.DefaultProject != "" {
		opts = append(opts, secrets.WithDefaultProject(s.DefaultProject))
	}
	if s.CredentialsFile != "" {
		opts = append(opts, secrets.WithClientOptions(option.WithCredentialsFile(s.CredentialsFile)))
	}
	return opts
}

func buildInfo(env map[string]string, cfg config.Config, started time.Time) services.BuildInfo {
	info := services.BuildInfo{
		Version:     strings.TrimSpace(env["API_BUILD_VERSION"]),
		CommitSHA:   strings.TrimSpace(env["API_BUILD_COMMIT_SHA"]),
		Environment: strings.TrimSpace(cfg.Security.Environment),
		StartedAt:   started,
	}
	if info.Version == "" {
		info.Version = "dev"
	}
	if info.CommitSHA == "" {
		info.CommitSHA = "unknown"
	}
	if info.Environment == "" {
		info.Environment = "local"
	}
	return info
}
