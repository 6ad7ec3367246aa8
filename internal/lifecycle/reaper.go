package lifecycle

import (
	"context"
	"time"

	"github.com/Mazene-ZERGUINE/CodeBox/internal/task"
	appErr "github.com/Mazene-ZERGUINE/CodeBox/pkg/errors"
	"github.com/Mazene-ZERGUINE/CodeBox/pkg/utils/logger"

	"go.uber.org/zap"
)

const (
	defaultStaleAfter   = 2 * time.Minute
	defaultReapInterval = 30 * time.Second
)

// Reaper fails tasks whose worker stopped heartbeating. Queue redelivery is
// the primary recovery path; the reaper is the backstop for messages that
// were already committed when the worker died.
type Reaper struct {
	store      *Store
	staleAfter time.Duration
	interval   time.Duration
}

// NewReaper creates a reaper over the store. Non-positive durations fall
// back to defaults.
func NewReaper(store *Store, staleAfter, interval time.Duration) *Reaper {
	if staleAfter <= 0 {
		staleAfter = defaultStaleAfter
	}
	if interval <= 0 {
		interval = defaultReapInterval
	}
	return &Reaper{store: store, staleAfter: staleAfter, interval: interval}
}

// Run reaps on a fixed interval until ctx is canceled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	logger.Info(ctx, "reaper started",
		zap.Duration("stale_after", r.staleAfter),
		zap.Duration("interval", r.interval))

	for {
		select {
		case <-ctx.Done():
			logger.Info(ctx, "reaper stopped")
			return
		case <-ticker.C:
			reaped, err := r.reapOnce(ctx, time.Now())
			if err != nil {
				logger.Error(ctx, "reap pass failed", zap.Error(err))
			}
			if reaped > 0 {
				logger.Warn(ctx, "reaped lost tasks", zap.Int("count", reaped))
			}
		}
	}
}

// reapOnce fails every STARTED task whose heartbeat is older than staleAfter.
// A task re-claimed by a redelivery in the meantime loses the race cleanly.
func (r *Reaper) reapOnce(ctx context.Context, now time.Time) (int, error) {
	cutoff := now.Add(-r.staleAfter)
	ids, err := r.store.StaleStarted(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	reaped := 0
	for _, id := range ids {
		result := &task.ExecutionResult{
			Error: &task.ExecError{
				Kind:    task.FailWorkerLost,
				Message: "worker stopped reporting progress",
			},
		}
		_, err := r.store.transitionFrom(ctx, id,
			[]task.State{task.StateStarted}, task.StateFailure, false, result)
		switch {
		case err == nil:
			reaped++
			logger.Warn(ctx, "task failed after worker loss", zap.String("task_id", id))
		case appErr.Is(err, appErr.StateConflict):
			// Someone else moved it first; the transition already fixed
			// the running index.
		case appErr.Is(err, appErr.TaskNotFound):
			// Record expired while the index entry lingered.
			r.store.dropRunning(ctx, id)
		default:
			logger.Error(ctx, "reap task failed", zap.String("task_id", id), zap.Error(err))
		}
	}
	return reaped, nil
}
