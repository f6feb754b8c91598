package domain

import (
	"sort"
	"time"
)

// Readiness statuses, least to most severe. A degraded dependency answered but rejected the
// probe; the service keeps taking traffic. An error means it could not be reached.
const (
	HealthStatusOK       = "ok"
	HealthStatusDegraded = "degraded"
	HealthStatusError    = "error"
)

// WorseHealth returns the more severe status. Unknown values rank as errors.
func WorseHealth(a, b string) string {
	if healthRank(b) > healthRank(a) {
		return b
	}
	return a
}

func healthRank(status string) int {
	switch status {
	case HealthStatusOK:
		return 0
	case HealthStatusDegraded:
		return 1
	}
	return 2
}

type SystemHealthCheck struct {
	Status    string
	Detail    string
	Latency   time.Duration
	CheckedAt time.Time
}

// HealthChecks maps dependency names to their latest probe.
type HealthChecks map[string]SystemHealthCheck

// Status folds every check into one status; no checks is ok.
func (c HealthChecks) Status() string {
	status := HealthStatusOK
	for _, check := range c {
		status = WorseHealth(status, check.Status)
	}
	return status
}

// Names returns the check names sorted.
func (c HealthChecks) Names() []string {
	names := make([]string, 0, len(c))
	for name := range c {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Failing describes every check that is not ok as "name: detail", sorted by name.
func (c HealthChecks) Failing() []string {
	var out []string
	for _, name := range c.Names() {
		if check := c[name]; check.Status != HealthStatusOK {
			out = append(out, name+": "+check.Detail)
		}
	}
	return out
}

// With returns a copy of c with name set to check.
func (c HealthChecks) With(name string, check SystemHealthCheck) HealthChecks {
	out := make(HealthChecks, len(c)+1)
	for k, v := range c {
		out[k] = v
	}
	out[name] = check
	return out
}

// SystemHealthReport is what /readyz renders.
type SystemHealthReport struct {
	Status      string
	Checks      HealthChecks
	Version     string
	CommitSHA   string
	Environment string
	Uptime      time.Duration
	GeneratedAt time.Time
}

// Serving reports whether the service should receive traffic.
func (r SystemHealthReport) Serving() bool {
	return r.Status != HealthStatusError
}
