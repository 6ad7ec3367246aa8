package service

import (
	"context"
	"os"

	"github.com/Mazene-ZERGUINE/CodeBox/pkg/utils/logger"

	"go.uber.org/zap"
)

// Pinger is any dependency with a context-aware liveness probe.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Check is one named dependency probe. Hard checks take the whole service
// down when they fail; soft ones only degrade it.
type Check struct {
	Name  string
	Hard  bool
	Probe func(ctx context.Context) error
}

// PingCheck wraps a Pinger dependency as a Check.
func PingCheck(name string, hard bool, p Pinger) Check {
	return Check{Name: name, Hard: hard, Probe: p.Ping}
}

// DirCheck verifies a directory exists and is writable by creating and
// removing a probe file in it.
func DirCheck(name, dir string, hard bool) Check {
	return Check{Name: name, Hard: hard, Probe: func(context.Context) error {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
		f, err := os.CreateTemp(dir, ".health-*")
		if err != nil {
			return err
		}
		path := f.Name()
		_ = f.Close()
		return os.Remove(path)
	}}
}

// HealthReport is the healthz payload.
type HealthReport struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

// HealthChecker probes the service's dependencies.
type HealthChecker struct {
	checks []Check
}

// NewHealthChecker creates a checker over the given dependency probes.
func NewHealthChecker(checks ...Check) *HealthChecker {
	return &HealthChecker{checks: checks}
}

// Report runs every probe. ok is false only when a hard dependency failed;
// soft failures leave ok true and mark the report degraded.
func (h *HealthChecker) Report(ctx context.Context) (HealthReport, bool) {
	report := HealthReport{Status: "ok", Checks: make(map[string]string, len(h.checks))}
	ok := true
	for _, check := range h.checks {
		err := check.Probe(ctx)
		if err == nil {
			report.Checks[check.Name] = "ok"
			continue
		}
		report.Checks[check.Name] = err.Error()
		if check.Hard {
			ok = false
		} else if report.Status == "ok" {
			report.Status = "degraded"
		}
		logger.Warn(ctx, "health probe failed",
			zap.String("dependency", check.Name),
			zap.Bool("hard", check.Hard),
			zap.Error(err))
	}
	if !ok {
		report.Status = "unavailable"
	}
	return report, ok
}
