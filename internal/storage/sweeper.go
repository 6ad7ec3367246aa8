package storage

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/Mazene-ZERGUINE/CodeBox/pkg/utils/logger"

	"go.uber.org/zap"
)

// Purgeable reports whether a task's directories may be removed. The worker
// wires this to the lifecycle store so a task that is still queued or running
// survives the sweep no matter how old its files are; tasks the store no
// longer knows count as purgeable.
type Purgeable func(ctx context.Context, taskID string) bool

// Sweeper removes task directories whose last modification is older than the
// retention window and whose task is terminal or unknown. Results stay
// readable from Redis, MySQL and the mirror after the local files are gone.
type Sweeper struct {
	layout    Layout
	ttl       time.Duration
	interval  time.Duration
	purgeable Purgeable
}

// NewSweeper creates a sweeper over m's layout. purgeable may be nil, in
// which case age alone decides.
func NewSweeper(m *Manager, ttl, interval time.Duration, purgeable Purgeable) *Sweeper {
	return &Sweeper{layout: m.Layout(), ttl: ttl, interval: interval, purgeable: purgeable}
}

// Run blocks until ctx is done, sweeping on every tick.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := s.sweepOnce(ctx, time.Now())
			if err != nil {
				logger.Error(ctx, "storage sweep failed", zap.Error(err))
			}
			if removed > 0 {
				logger.Info(ctx, "storage sweep removed stale task directories",
					zap.Int("removed", removed))
			}
		}
	}
}

func (s *Sweeper) sweepOnce(ctx context.Context, now time.Time) (int, error) {
	cutoff := now.Add(-s.ttl)
	removed := 0
	var lastErr error

	// Decide once per task, not once per branch, so one Get covers all three
	// directories of the same task.
	verdicts := map[string]bool{}
	allowed := func(taskID string) bool {
		if s.purgeable == nil {
			return true
		}
		v, seen := verdicts[taskID]
		if !seen {
			v = s.purgeable(ctx, taskID)
			verdicts[taskID] = v
		}
		return v
	}

	for _, branch := range s.layout.branches() {
		entries, err := os.ReadDir(branch)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			lastErr = err
			continue
		}
		for _, e := range entries {
			if !e.IsDir() {
				continue
			}
			info, err := e.Info()
			if err != nil {
				continue
			}
			if info.ModTime().After(cutoff) {
				continue
			}
			if !allowed(e.Name()) {
				continue
			}
			if err := os.RemoveAll(filepath.Join(branch, e.Name())); err != nil {
				lastErr = err
				continue
			}
			removed++
		}
	}
	return removed, lastErr
}
