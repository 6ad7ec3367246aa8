// Package worker consumes task messages and drives each task through the
// sandbox: claim, stage, execute, collect outputs, record the terminal state.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/Mazene-ZERGUINE/CodeBox/internal/lifecycle"
	"github.com/Mazene-ZERGUINE/CodeBox/internal/metrics"
	"github.com/Mazene-ZERGUINE/CodeBox/internal/queue"
	"github.com/Mazene-ZERGUINE/CodeBox/internal/runtime"
	"github.com/Mazene-ZERGUINE/CodeBox/internal/sandbox"
	"github.com/Mazene-ZERGUINE/CodeBox/internal/storage"
	"github.com/Mazene-ZERGUINE/CodeBox/internal/task"
	appErr "github.com/Mazene-ZERGUINE/CodeBox/pkg/errors"
	"github.com/Mazene-ZERGUINE/CodeBox/pkg/utils/contextkey"
	"github.com/Mazene-ZERGUINE/CodeBox/pkg/utils/logger"

	"go.uber.org/zap"
)

const (
	defaultMaxAttempts    = 3
	defaultHeartbeatEvery = 30 * time.Second
	revokePollEvery       = 2 * time.Second
)

// Executor runs one prepared task in a sandbox.
type Executor interface {
	Run(ctx context.Context, spec sandbox.RunSpec) (sandbox.RunResult, error)
}

// Worker processes task messages end to end.
type Worker struct {
	store    *lifecycle.Store
	manager  *storage.Manager
	mirror   *storage.Mirror
	registry *runtime.Registry
	executor Executor
	metrics  *metrics.Metrics

	maxAttempts    int
	heartbeatEvery time.Duration
}

// Config holds worker dependencies and settings.
type Config struct {
	Store    *lifecycle.Store
	Manager  *storage.Manager
	Mirror   *storage.Mirror
	Registry *runtime.Registry
	Executor Executor
	Metrics  *metrics.Metrics

	// MaxAttempts bounds how many times one task may be claimed before it
	// fails permanently.
	MaxAttempts int

	// HeartbeatEvery is the liveness reporting interval while a task runs.
	HeartbeatEvery time.Duration
}

// NewWorker creates a worker. Mirror is optional.
func NewWorker(cfg Config) (*Worker, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("lifecycle store is required")
	}
	if cfg.Manager == nil {
		return nil, fmt.Errorf("storage manager is required")
	}
	if cfg.Registry == nil {
		return nil, fmt.Errorf("runtime registry is required")
	}
	if cfg.Executor == nil {
		return nil, fmt.Errorf("executor is required")
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NewMetrics()
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.HeartbeatEvery <= 0 {
		cfg.HeartbeatEvery = defaultHeartbeatEvery
	}
	return &Worker{
		store:          cfg.Store,
		manager:        cfg.Manager,
		mirror:         cfg.Mirror,
		registry:       cfg.Registry,
		executor:       cfg.Executor,
		metrics:        cfg.Metrics,
		maxAttempts:    cfg.MaxAttempts,
		heartbeatEvery: cfg.HeartbeatEvery,
	}, nil
}

// HandleMessage processes one task message. A nil return commits the
// message; an error asks the queue to redeliver it.
func (w *Worker) HandleMessage(ctx context.Context, msg *queue.Message) (err error) {
	if msg == nil {
		return appErr.New(appErr.InvalidMessage).WithMessage("message is nil")
	}
	var payload task.Message
	if err := json.Unmarshal(msg.Body, &payload); err != nil {
		return appErr.Wrapf(err, appErr.InvalidMessage, "decode task message failed")
	}
	if payload.TaskID == "" {
		return appErr.New(appErr.InvalidMessage).WithMessage("task message missing task_id")
	}
	ctx = context.WithValue(ctx, contextkey.TaskID, payload.TaskID)

	defer func() {
		if r := recover(); r != nil {
			logger.Error(ctx, "task handler panicked", zap.Any("panic", r))
			w.failTask(ctx, payload, task.FailInternal, fmt.Sprintf("worker panic: %v", r), nil)
			err = nil
		}
	}()

	// Claim the task. RECEIVED also re-claims RETRY and mid-flight states
	// left by a dead worker, bumping the attempt counter.
	rec, err := w.store.Transition(ctx, payload.TaskID, task.StateReceived, true, nil)
	if err != nil {
		switch {
		case appErr.Is(err, appErr.TaskNotFound):
			logger.Warn(ctx, "dropping message for unknown task")
			return nil
		case appErr.Is(err, appErr.StateConflict):
			logger.Info(ctx, "dropping redelivery of finished task")
			return nil
		default:
			return err
		}
	}
	logger.Info(ctx, "task claimed",
		zap.String("language", string(payload.Language)),
		zap.Int("attempt", rec.AttemptCount))

	if rec.AttemptCount > w.maxAttempts {
		w.failTask(ctx, payload, task.FailInfrastructure,
			fmt.Sprintf("gave up after %d attempts", rec.AttemptCount-1), nil)
		return nil
	}

	if revoked, rerr := w.store.IsRevoked(ctx, payload.TaskID); rerr != nil {
		return rerr
	} else if revoked {
		return w.finishRevoked(ctx, payload.TaskID)
	}

	variant, err := w.registry.Get(payload.Language)
	if err != nil {
		w.failTask(ctx, payload, task.FailValidation, err.Error(), nil)
		return nil
	}
	if err := variant.Validate(payload.SourceCode); err != nil {
		w.failTask(ctx, payload, task.FailValidation, err.Error(), nil)
		return nil
	}

	paths, err := w.manager.Prepare(payload.TaskID)
	if err != nil {
		w.failTask(ctx, payload, task.FailStorage, err.Error(), nil)
		return nil
	}
	if _, err := w.manager.StageSource(payload.TaskID, variant.SourceFile, payload.SourceCode); err != nil {
		w.failTask(ctx, payload, task.FailStorage, err.Error(), nil)
		return nil
	}
	command, err := variant.Command(path.Join(sandbox.SandboxRoot, variant.SourceFile))
	if err != nil {
		w.failTask(ctx, payload, task.FailInternal, err.Error(), nil)
		return nil
	}

	if _, err := w.store.Transition(ctx, payload.TaskID, task.StateStarted, false, nil); err != nil {
		if appErr.Is(err, appErr.StateConflict) {
			logger.Info(ctx, "task left RECEIVED before start, dropping")
			return nil
		}
		return err
	}
	stopBeat := w.startHeartbeat(ctx, payload.TaskID)
	defer stopBeat()

	// Last revoke window: the flag may have been set after the claim check
	// but execution has not begun yet.
	if revoked, rerr := w.store.IsRevoked(ctx, payload.TaskID); rerr == nil && revoked {
		return w.finishRevoked(ctx, payload.TaskID)
	}

	spec := sandbox.RunSpec{
		TaskID:    payload.TaskID,
		Image:     variant.Image,
		JobDir:    paths.JobDir,
		InputDir:  paths.InputDir,
		OutputDir: paths.OutputDir,
		Command:   command,
		TmpfsExec: variant.TmpfsExec,
	}

	w.metrics.ActiveExecutions.Inc()
	started := time.Now()
	runCtx, cancelRun := context.WithCancel(ctx)
	stopWatch := w.watchRevoke(ctx, payload.TaskID, cancelRun)
	run, runErr := w.executor.Run(runCtx, spec)
	stopWatch()
	cancelRun()
	elapsed := time.Since(started).Seconds()
	w.metrics.ActiveExecutions.Dec()

	if runErr != nil {
		// A cancelled run is either a mid-flight revoke or a shutdown; only
		// the revoke reaches a terminal state here.
		if revoked, rerr := w.store.IsRevoked(ctx, payload.TaskID); rerr == nil && revoked {
			w.metrics.RecordExecution(string(payload.Language), string(task.StateRevoked), elapsed)
			return w.finishRevoked(ctx, payload.TaskID)
		}
		return w.retryOrFail(ctx, payload, rec.AttemptCount, elapsed, runErr)
	}
	if run.TimedOut {
		w.metrics.RecordExecution(string(payload.Language), string(task.StateFailure), elapsed)
		// Partial streams are kept so the user sees what ran before the kill.
		w.recordFailure(ctx, payload.TaskID, &task.ExecutionResult{
			Stdout: run.Stdout,
			Stderr: run.Stderr,
			Error:  &task.ExecError{Kind: task.FailTimeout, Message: "Execution time exceeded"},
		})
		return nil
	}

	found, missing, err := w.manager.CollectOutputs(payload.TaskID, payload.OutputFiles)
	if err != nil {
		w.failTask(ctx, payload, task.FailStorage, err.Error(), nil)
		return nil
	}
	if len(missing) > 0 {
		// The program exited but did not produce everything it declared.
		// Streams and the partial file list stay visible on the record.
		w.metrics.RecordExecution(string(payload.Language), string(task.StateFailure), elapsed)
		w.recordFailure(ctx, payload.TaskID, &task.ExecutionResult{
			Stdout:      run.Stdout,
			Stderr:      run.Stderr,
			ReturnCode:  run.ReturnCode,
			OutputFiles: found,
			Error: &task.ExecError{
				Kind:         task.FailMissingOutput,
				Message:      fmt.Sprintf("declared output files not produced: %s", strings.Join(missing, ", ")),
				MissingFiles: missing,
			},
		})
		return nil
	}
	if w.mirror != nil && len(found) > 0 {
		if err := w.mirror.UploadOutputs(ctx, payload.TaskID, found); err != nil {
			logger.Warn(ctx, "mirror upload incomplete", zap.Error(err))
		}
	}
	w.metrics.RecordOutputBytes(w.manager.OutputsSize(payload.TaskID, found))

	result := &task.ExecutionResult{
		Stdout:      run.Stdout,
		Stderr:      run.Stderr,
		ReturnCode:  run.ReturnCode,
		OutputFiles: found,
	}
	if _, err := w.store.Transition(ctx, payload.TaskID, task.StateSuccess, false, result); err != nil {
		if appErr.Is(err, appErr.StateConflict) {
			logger.Warn(ctx, "task finished elsewhere, keeping its record")
			return nil
		}
		return err
	}
	w.metrics.RecordExecution(string(payload.Language), string(task.StateSuccess), elapsed)
	logger.Info(ctx, "task finished",
		zap.Float64("seconds", elapsed),
		zap.Int("outputs", len(found)))
	return nil
}

// retryOrFail handles sandbox infrastructure failures: schedule a retry when
// the budget allows it, fail the task permanently otherwise.
func (w *Worker) retryOrFail(ctx context.Context, payload task.Message, attempt int, elapsed float64, runErr error) error {
	if appErr.Retryable(runErr) && attempt < w.maxAttempts {
		if _, err := w.store.Transition(ctx, payload.TaskID, task.StateRetry, false, nil); err != nil {
			logger.Error(ctx, "record retry state failed", zap.Error(err))
		}
		w.metrics.RecordRetry()
		w.metrics.RecordExecution(string(payload.Language), string(task.StateRetry), elapsed)
		logger.Warn(ctx, "execution failed, scheduling retry",
			zap.Int("attempt", attempt), zap.Error(runErr))
		return runErr
	}
	w.metrics.RecordExecution(string(payload.Language), string(task.StateFailure), elapsed)
	w.failTask(ctx, payload, task.FailInfrastructure, runErr.Error(), nil)
	return nil
}

// failTask records a permanent failure without captured streams.
func (w *Worker) failTask(ctx context.Context, payload task.Message, kind, message string, missing []string) {
	w.recordFailure(ctx, payload.TaskID, &task.ExecutionResult{
		Error: &task.ExecError{Kind: kind, Message: message, MissingFiles: missing},
	})
}

// recordFailure moves a task to FAILURE. Best effort: a task that cannot be
// moved keeps whatever state won the race.
func (w *Worker) recordFailure(ctx context.Context, taskID string, result *task.ExecutionResult) {
	if _, err := w.store.Transition(ctx, taskID, task.StateFailure, false, result); err != nil {
		logger.Error(ctx, "record task failure failed",
			zap.String("kind", result.Error.Kind), zap.Error(err))
		return
	}
	logger.Warn(ctx, "task failed",
		zap.String("kind", result.Error.Kind),
		zap.String("reason", result.Error.Message))
}

func (w *Worker) finishRevoked(ctx context.Context, taskID string) error {
	if _, err := w.store.Transition(ctx, taskID, task.StateRevoked, false, nil); err != nil {
		if appErr.Is(err, appErr.StateConflict) {
			return nil
		}
		return err
	}
	logger.Info(ctx, "task revoked, dropping")
	return nil
}

// watchRevoke polls the revoke flag while a run is in flight and cancels the
// run context when the flag appears, which tears the container down.
func (w *Worker) watchRevoke(ctx context.Context, taskID string, cancel context.CancelFunc) func() {
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(revokePollEvery)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				revoked, err := w.store.IsRevoked(ctx, taskID)
				if err != nil {
					continue
				}
				if revoked {
					logger.Info(ctx, "revoke flag seen mid-run, cancelling sandbox")
					cancel()
					return
				}
			}
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() {
			close(done)
			wg.Wait()
		})
	}
}

// startHeartbeat reports liveness until the returned stop func is called,
// the context ends, or the task leaves STARTED.
func (w *Worker) startHeartbeat(ctx context.Context, taskID string) func() {
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(w.heartbeatEvery)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				alive, err := w.store.Heartbeat(ctx, taskID)
				if err != nil {
					logger.Warn(ctx, "heartbeat failed", zap.Error(err))
					continue
				}
				if !alive {
					return
				}
			}
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() {
			close(done)
			wg.Wait()
		})
	}
}
