package repositories

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	domain "github.com/eventfield/api/internal/domain"
)

const (
	defaultProbeTimeout = 1500 * time.Millisecond
	maxConcurrentProbes = 8
)

// HealthRepository exposes the status of downstream dependencies.
type HealthRepository interface {
	Collect(ctx context.Context) (domain.SystemHealthReport, error)
}

// DependencyCheck is one readiness probe, e.g. a WooCommerce ping or an idempotency store
// round trip. A zero Timeout uses the repository default.
type DependencyCheck struct {
	Name    string
	Timeout time.Duration
	Check   func(context.Context) error
}

type DependencyHealthOption func(*probeRepository)

func WithDependencyTimeout(timeout time.Duration) DependencyHealthOption {
	return func(repo *probeRepository) {
		if timeout > 0 {
			repo.timeout = timeout
		}
	}
}

func WithDependencyClock(clock func() time.Time) DependencyHealthOption {
	return func(repo *probeRepository) {
		if clock != nil {
			repo.now = clock
		}
	}
}

type probeRepository struct {
	checks  []DependencyCheck
	timeout time.Duration
	now     func() time.Time
}

var _ HealthRepository = (*probeRepository)(nil)

// NewDependencyHealthRepository returns a HealthRepository that runs every check on Collect.
// Names must be unique and non-blank.
func NewDependencyHealthRepository(checks []DependencyCheck, opts ...DependencyHealthOption) (HealthRepository, error) {
	if len(checks) == 0 {
		return nil, errors.New("health repository: at least one dependency check is required")
	}
	repo := &probeRepository{timeout: defaultProbeTimeout, now: time.Now}
	seen := make(map[string]bool, len(checks))
	for _, check := range checks {
		check.Name = strings.TrimSpace(check.Name)
		switch {
		case check.Name == "":
			return nil, errors.New("health repository: dependency check missing name")
		case check.Check == nil:
			return nil, fmt.Errorf("health repository: dependency %s missing check function", check.Name)
		case seen[check.Name]:
			return nil, fmt.Errorf("health repository: duplicate dependency %s", check.Name)
		}
		seen[check.Name] = true
		repo.checks = append(repo.checks, check)
	}
	for _, opt := range opts {
		if opt != nil {
			opt(repo)
		}
	}
	return repo, nil
}

func (r *probeRepository) Collect(ctx context.Context) (domain.SystemHealthReport, error) {
	if ctx == nil {
		return domain.SystemHealthReport{}, errors.New("health repository: context is required")
	}

	var (
		mu     sync.Mutex
		checks = make(domain.HealthChecks, len(r.checks))
		group  errgroup.Group
	)
	group.SetLimit(maxConcurrentProbes)
	for _, check := range r.checks {
		check := check
		group.Go(func() error {
			result := r.probe(ctx, check)
			mu.Lock()
			checks[check.Name] = result
			mu.Unlock()
			return nil
		})
	}
	_ = group.Wait()

	return domain.SystemHealthReport{
		Status:      checks.Status(),
		Checks:      checks,
		GeneratedAt: r.now().UTC(),
	}, nil
}

func (r *probeRepository) probe(ctx context.Context, check DependencyCheck) domain.SystemHealthCheck {
	timeout := check.Timeout
	if timeout <= 0 {
		timeout = r.timeout
	}
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := r.now()
	err := check.Check(probeCtx)
	if err == nil {
		// A probe that ignored its context still counts as late.
		err = probeCtx.Err()
	}
	end := r.now()

	status, detail := classifyProbe(err)
	return domain.SystemHealthCheck{
		Status:    status,
		Detail:    detail,
		Latency:   end.Sub(start),
		CheckedAt: end.UTC(),
	}
}

func classifyProbe(err error) (status, detail string) {
	var repoErr RepositoryError
	switch {
	case err == nil:
		return domain.HealthStatusOK, "ok"
	case errors.Is(err, context.DeadlineExceeded):
		return domain.HealthStatusError, "timeout"
	case errors.Is(err, context.Canceled):
		return domain.HealthStatusError, "cancelled"
	case errors.As(err, &repoErr) && repoErr.IsUnavailable():
		return domain.HealthStatusError, "unavailable"
	}
	// Reachable but rejecting the probe, e.g. revoked consumer keys.
	return domain.HealthStatusDegraded, "rejected"
}
