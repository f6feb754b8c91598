package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	domain "github.com/eventfield/api/internal/domain"
	"github.com/eventfield/api/internal/repositories"
)

const gatewaysCheckName = "gateways"

// BuildInfo captures runtime metadata exposed via health endpoints.
type BuildInfo struct {
	Version     string
	CommitSHA   string
	Environment string
	StartedAt   time.Time
}

// SystemServiceDeps bundles collaborators required to construct a system service.
type SystemServiceDeps struct {
	HealthRepository repositories.HealthRepository
	Clock            func() time.Time
	Build            BuildInfo
	// Gateways lists the payment gateways currently registered.
	Gateways func() []string
	// RequiredGateways must all be registered for the service to report ready.
	RequiredGateways []string
	// ReportTTL reuses a collected report for this long so probes do not hammer the
	// commerce backend. Zero collects on every call.
	ReportTTL time.Duration
}

type systemService struct {
	healthRepo repositories.HealthRepository
	clock      func() time.Time
	build      BuildInfo
	gateways   func() []string
	required   []string
	ttl        time.Duration

	group    singleflight.Group
	mu       sync.Mutex
	cached   SystemHealthReport
	cachedAt time.Time
}

var _ SystemService = (*systemService)(nil)

// NewSystemService assembles the system service providing readiness reports.
func NewSystemService(deps SystemServiceDeps) (SystemService, error) {
	if deps.HealthRepository == nil {
		return nil, errors.New("system service: health repository is required")
	}
	if len(deps.RequiredGateways) > 0 && deps.Gateways == nil {
		return nil, errors.New("system service: gateway lister is required when gateways are required")
	}
	if deps.ReportTTL < 0 {
		return nil, fmt.Errorf("system service: report ttl must not be negative, got %s", deps.ReportTTL)
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	build := deps.Build
	if build.StartedAt.IsZero() {
		build.StartedAt = clock()
	}

	return &systemService{
		healthRepo: deps.HealthRepository,
		clock:      func() time.Time { return clock().UTC() },
		build:      build,
		gateways:   deps.Gateways,
		required:   normalizeNames(deps.RequiredGateways),
		ttl:        deps.ReportTTL,
	}, nil
}

func (s *systemService) HealthReport(ctx context.Context) (SystemHealthReport, error) {
	now := s.clock()
	if report, ok := s.fresh(now); ok {
		return s.decorate(report, now), nil
	}

	// Concurrent probes share one collection; the context of the first caller bounds it.
	v, err, _ := s.group.Do("report", func() (any, error) {
		report, err := s.healthRepo.Collect(ctx)
		if err != nil {
			return SystemHealthReport{}, err
		}
		if report.GeneratedAt.IsZero() {
			report.GeneratedAt = s.clock()
		}
		s.applyGatewayCheck(&report)
		s.store(report)
		return report, nil
	})
	if err != nil {
		return SystemHealthReport{}, err
	}
	return s.decorate(v.(SystemHealthReport), now), nil
}

func (s *systemService) fresh(now time.Time) (SystemHealthReport, bool) {
	if s.ttl <= 0 {
		return SystemHealthReport{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cachedAt.IsZero() || now.Sub(s.cachedAt) >= s.ttl {
		return SystemHealthReport{}, false
	}
	return s.cached, true
}

func (s *systemService) store(report SystemHealthReport) {
	if s.ttl <= 0 {
		return
	}
	s.mu.Lock()
	s.cached = report
	s.cachedAt = report.GeneratedAt
	s.mu.Unlock()
}

// applyGatewayCheck adds the gateway registration check. A missing required gateway means
// confirmations for it would be rejected, so the service is not ready.
func (s *systemService) applyGatewayCheck(report *SystemHealthReport) {
	if s.gateways == nil {
		return
	}
	registered := normalizeNames(s.gateways())
	check := domain.SystemHealthCheck{
		Status:    domain.HealthStatusOK,
		Detail:    strings.Join(registered, ","),
		CheckedAt: report.GeneratedAt,
	}
	if missing := missingNames(s.required, registered); len(missing) > 0 {
		check.Status = domain.HealthStatusError
		check.Detail = "missing " + strings.Join(missing, ",")
	}
	report.Checks = report.Checks.With(gatewaysCheckName, check)
	report.Status = domain.WorseHealth(firstNonBlank(report.Status, domain.HealthStatusOK), check.Status)
}

func (s *systemService) decorate(report SystemHealthReport, now time.Time) SystemHealthReport {
	report.Version = firstNonBlank(report.Version, s.build.Version)
	report.CommitSHA = firstNonBlank(report.CommitSHA, s.build.CommitSHA)
	report.Environment = firstNonBlank(report.Environment, s.build.Environment)
	if report.Uptime <= 0 {
		report.Uptime = now.Sub(s.build.StartedAt)
	}
	return report
}

func normalizeNames(names []string) []string {
	out := make([]string, 0, len(names))
	seen := make(map[string]struct{}, len(names))
	for _, name := range names {
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" {
			continue
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func missingNames(required, registered []string) []string {
	have := make(map[string]struct{}, len(registered))
	for _, name := range registered {
		have[name] = struct{}{}
	}
	var missing []string
	for _, name := range required {
		if _, ok := have[name]; !ok {
			missing = append(missing, name)
		}
	}
	return missing
}

func firstNonBlank(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}
