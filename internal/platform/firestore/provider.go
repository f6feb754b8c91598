// Package firestore owns the Firestore client backing the idempotency store.
package firestore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/eventfield/api/internal/platform/config"
)

const (
	defaultDialTimeout = 10 * time.Second
	envEmulatorHost    = "FIRESTORE_EMULATOR_HOST"
	envGoogleProjectID = "GOOGLE_CLOUD_PROJECT"
)

var (
	// ErrProviderClosed is returned by Client after Close.
	ErrProviderClosed = errors.New("firestore: provider is closed")
	errNoProject      = errors.New("firestore: project id is required")
)

type dialFunc func(ctx context.Context, projectID string, opts ...option.ClientOption) (*firestore.Client, error)

// Provider dials Firestore on first use and hands the same client to every caller. Failed
// dials are retried on the next call.
type Provider struct {
	cfg     config.FirestoreConfig
	timeout time.Duration
	extra   []option.ClientOption
	dial    dialFunc
	getenv  func(string) string

	mu     sync.Mutex
	client *firestore.Client
	closed bool
}

type ProviderOption func(*Provider)

func WithDialTimeout(timeout time.Duration) ProviderOption {
	return func(p *Provider) {
		if timeout > 0 {
			p.timeout = timeout
		}
	}
}

// WithClientOptions adds options to every dial, e.g. credentials.
func WithClientOptions(opts ...option.ClientOption) ProviderOption {
	return func(p *Provider) { p.extra = append(p.extra, opts...) }
}

// NewProvider does not dial. Blank config fields fall back to GOOGLE_CLOUD_PROJECT and
// FIRESTORE_EMULATOR_HOST.
func NewProvider(cfg config.FirestoreConfig, opts ...ProviderOption) *Provider {
	p := &Provider{cfg: cfg, timeout: defaultDialTimeout, dial: firestore.NewClient, getenv: os.Getenv}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

func (p *Provider) Client(ctx context.Context) (*firestore.Client, error) {
	if ctx == nil {
		return nil, errors.New("firestore: context is required")
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	switch {
	case p.closed:
		return nil, ErrProviderClosed
	case p.client != nil:
		return p.client, nil
	}

	project, emulator := p.target()
	if project == "" {
		return nil, errNoProject
	}
	dialCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	client, err := p.dial(dialCtx, project, p.clientOptions(emulator)...)
	if err != nil {
		return nil, fmt.Errorf("firestore: dial project %s: %w", project, err)
	}
	p.client = client
	return client, nil
}

// Close is idempotent; the provider cannot dial again afterwards.
func (p *Provider) Close() error {
	if p == nil {
		return nil
	}
	p.mu.Lock()
	client := p.client
	p.client, p.closed = nil, true
	p.mu.Unlock()

	if client == nil {
		return nil
	}
	return client.Close()
}

// target resolves the project and optional emulator address.
func (p *Provider) target() (project, emulator string) {
	pick := func(value, env string) string {
		if value = strings.TrimSpace(value); value != "" {
			return value
		}
		return strings.TrimSpace(p.getenv(env))
	}
	return pick(p.cfg.ProjectID, envGoogleProjectID), pick(p.cfg.EmulatorHost, envEmulatorHost)
}

// The emulator speaks plaintext gRPC and rejects credentials.
func (p *Provider) clientOptions(emulator string) []option.ClientOption {
	opts := append([]option.ClientOption(nil), p.extra...)
	if emulator == "" {
		return opts
	}
	return append(opts,
		option.WithEndpoint(emulator),
		option.WithoutAuthentication(),
		option.WithGRPCDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
	)
}
