package services

import (
	"context"
	"errors"
	"testing"
	"time"

	domain "github.com/eventfield/api/internal/domain"
)

type stubHealthRepository struct {
	report domain.SystemHealthReport
	err    error
	calls  int
}

func (s *stubHealthRepository) Collect(context.Context) (domain.SystemHealthReport, error) {
	s.calls++
	return s.report, s.err
}

func healthyCommerceReport() domain.SystemHealthReport {
	return domain.SystemHealthReport{
		Status: domain.HealthStatusOK,
		Checks: map[string]domain.SystemHealthCheck{
			"commerce": {Status: domain.HealthStatusOK},
		},
	}
}

func TestSystemServiceHealthReportAddsBuildMetadata(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	now := start.Add(5 * time.Minute)

	svc, err := NewSystemService(SystemServiceDeps{
		HealthRepository: &stubHealthRepository{report: healthyCommerceReport()},
		Clock:            func() time.Time { return now },
		Build: BuildInfo{
			Version:     "1.2.3",
			CommitSHA:   "abc123",
			Environment: "prod",
			StartedAt:   start,
		},
	})
	if err != nil {
		t.Fatalf("NewSystemService: %v", err)
	}

	report, err := svc.HealthReport(context.Background())
	if err != nil {
		t.Fatalf("HealthReport: %v", err)
	}
	if report.Version != "1.2.3" || report.CommitSHA != "abc123" || report.Environment != "prod" {
		t.Fatalf("unexpected build metadata %+v", report)
	}
	if report.Uptime != 5*time.Minute || report.GeneratedAt != now {
		t.Fatalf("unexpected timing uptime=%s generatedAt=%s", report.Uptime, report.GeneratedAt)
	}
	if _, ok := report.Checks[gatewaysCheckName]; ok {
		t.Fatalf("gateway check should be absent without a lister")
	}
}

func TestSystemServiceGatewayCheck(t *testing.T) {
	registered := []string{"epayco", "stripe"}
	svc, err := NewSystemService(SystemServiceDeps{
		HealthRepository: &stubHealthRepository{report: healthyCommerceReport()},
		Gateways:         func() []string { return registered },
		RequiredGateways: []string{" ePayco "},
	})
	if err != nil {
		t.Fatalf("NewSystemService: %v", err)
	}

	report, err := svc.HealthReport(context.Background())
	if err != nil {
		t.Fatalf("HealthReport: %v", err)
	}
	check := report.Checks[gatewaysCheckName]
	if report.Status != domain.HealthStatusOK || check.Status != domain.HealthStatusOK || check.Detail != "epayco,stripe" {
		t.Fatalf("unexpected gateway check %+v (report %s)", check, report.Status)
	}
	if report.Checks["commerce"].Status != domain.HealthStatusOK {
		t.Fatalf("expected commerce check to be preserved")
	}

	registered = []string{"stripe"}
	report, err = svc.HealthReport(context.Background())
	if err != nil {
		t.Fatalf("HealthReport: %v", err)
	}
	check = report.Checks[gatewaysCheckName]
	if report.Status != domain.HealthStatusError || check.Detail != "missing epayco" {
		t.Fatalf("expected missing gateway to fail readiness, got %+v (report %s)", check, report.Status)
	}
}

func TestSystemServiceReportTTL(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	repo := &stubHealthRepository{report: healthyCommerceReport()}
	svc, err := NewSystemService(SystemServiceDeps{
		HealthRepository: repo,
		Clock:            func() time.Time { return now },
		ReportTTL:        10 * time.Second,
	})
	if err != nil {
		t.Fatalf("NewSystemService: %v", err)
	}

	for i := 0; i < 3; i++ {
		if _, err := svc.HealthReport(context.Background()); err != nil {
			t.Fatalf("HealthReport: %v", err)
		}
	}
	if repo.calls != 1 {
		t.Fatalf("expected cached report, got %d collections", repo.calls)
	}

	now = now.Add(11 * time.Second)
	if _, err := svc.HealthReport(context.Background()); err != nil {
		t.Fatalf("HealthReport: %v", err)
	}
	if repo.calls != 2 {
		t.Fatalf("expected expired report to be collected again, got %d", repo.calls)
	}
}

func TestSystemServiceHealthReportErrorsAreNotCached(t *testing.T) {
	expected := errors.New("collect failed")
	repo := &stubHealthRepository{err: expected}
	svc, err := NewSystemService(SystemServiceDeps{HealthRepository: repo, ReportTTL: time.Minute})
	if err != nil {
		t.Fatalf("NewSystemService: %v", err)
	}

	for i := 0; i < 2; i++ {
		if _, err := svc.HealthReport(context.Background()); !errors.Is(err, expected) {
			t.Fatalf("expected error %v, got %v", expected, err)
		}
	}
	if repo.calls != 2 {
		t.Fatalf("expected failures to be retried, got %d calls", repo.calls)
	}
}

func TestNewSystemServiceValidatesDeps(t *testing.T) {
	repo := &stubHealthRepository{}
	cases := map[string]SystemServiceDeps{
		"missing repository":  {},
		"required no lister":  {HealthRepository: repo, RequiredGateways: []string{"epayco"}},
		"negative report ttl": {HealthRepository: repo, ReportTTL: -time.Second},
	}
	for name, deps := range cases {
		if _, err := NewSystemService(deps); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}
