// Package service implements the API-side task operations: submission intake
// and dispatch, status reads, output download resolution and revocation. All
// execution happens on the worker side; this package only creates the initial
// record, stages uploads and talks to the queue.
package service

import (
	"context"
	"io"
	"time"

	"github.com/Mazene-ZERGUINE/CodeBox/internal/archive"
	"github.com/Mazene-ZERGUINE/CodeBox/internal/lifecycle"
	"github.com/Mazene-ZERGUINE/CodeBox/internal/metrics"
	"github.com/Mazene-ZERGUINE/CodeBox/internal/placeholder"
	"github.com/Mazene-ZERGUINE/CodeBox/internal/queue"
	"github.com/Mazene-ZERGUINE/CodeBox/internal/runtime"
	"github.com/Mazene-ZERGUINE/CodeBox/internal/storage"
	"github.com/Mazene-ZERGUINE/CodeBox/internal/task"
	appErr "github.com/Mazene-ZERGUINE/CodeBox/pkg/errors"
	"github.com/Mazene-ZERGUINE/CodeBox/pkg/utils/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// TimeoutConfig holds timeout settings for external calls.
type TimeoutConfig struct {
	Store   time.Duration
	Publish time.Duration
}

// Config holds task service dependencies and settings.
type Config struct {
	Store     *lifecycle.Store
	Manager   *storage.Manager
	Mirror    *storage.Mirror
	Registry  *runtime.Registry
	Rewriter  *placeholder.Engine
	Publisher queue.TaskPublisher
	Archiver  *archive.Builder
	Metrics   *metrics.Metrics

	Timeouts TimeoutConfig
}

// TaskService handles task intake and reads.
type TaskService struct {
	store     *lifecycle.Store
	manager   *storage.Manager
	mirror    *storage.Mirror
	registry  *runtime.Registry
	rewriter  *placeholder.Engine
	publisher queue.TaskPublisher
	archiver  *archive.Builder
	metrics   *metrics.Metrics

	timeouts TimeoutConfig
}

// NewTaskService creates a new task service. Mirror may be nil when no object
// storage is configured.
func NewTaskService(cfg Config) (*TaskService, error) {
	if cfg.Store == nil {
		return nil, appErr.New(appErr.InvalidParams).WithMessage("lifecycle store is required")
	}
	if cfg.Manager == nil {
		return nil, appErr.New(appErr.InvalidParams).WithMessage("storage manager is required")
	}
	if cfg.Registry == nil {
		return nil, appErr.New(appErr.InvalidParams).WithMessage("language registry is required")
	}
	if cfg.Rewriter == nil {
		return nil, appErr.New(appErr.InvalidParams).WithMessage("placeholder engine is required")
	}
	if cfg.Publisher == nil {
		return nil, appErr.New(appErr.InvalidParams).WithMessage("task publisher is required")
	}
	if cfg.Archiver == nil {
		cfg.Archiver = archive.NewBuilder(cfg.Manager.Layout(), cfg.Mirror)
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NewMetrics()
	}
	return &TaskService{
		store:     cfg.Store,
		manager:   cfg.Manager,
		mirror:    cfg.Mirror,
		registry:  cfg.Registry,
		rewriter:  cfg.Rewriter,
		publisher: cfg.Publisher,
		archiver:  cfg.Archiver,
		metrics:   cfg.Metrics,
		timeouts:  cfg.Timeouts,
	}, nil
}

// Upload is one file sent with a submission. Open streams the content; the
// service closes the reader.
type Upload struct {
	Filename  string
	SizeBytes int64
	Open      func() (io.ReadCloser, error)
}

// SubmitInput describes a submission request. InputFiles is the declared
// order, which IN_{N} placeholders index into.
type SubmitInput struct {
	Language   string
	SourceCode string
	InputFiles []string
	Uploads    []Upload
}

// Receipt is returned when a submission is accepted.
type Receipt struct {
	TaskID      string
	State       task.State
	SubmittedAt int64
}

// Submit validates a submission, stages its uploads, creates the PENDING
// record and dispatches the task to the queue. Nothing is written to disk
// until all synchronous validation has passed.
func (s *TaskService) Submit(ctx context.Context, input SubmitInput) (Receipt, error) {
	lang, err := task.NormalizeLanguage(input.Language)
	if err != nil {
		return Receipt{}, err
	}
	variant, err := s.registry.Get(lang)
	if err != nil {
		return Receipt{}, err
	}
	if err := variant.Validate(input.SourceCode); err != nil {
		return Receipt{}, err
	}
	if err := validateFiles(input.InputFiles, input.Uploads); err != nil {
		return Receipt{}, err
	}

	rewritten, declaredOutputs, err := s.rewriter.Rewrite(input.SourceCode, input.InputFiles)
	if err != nil {
		return Receipt{}, err
	}

	taskID := uuid.NewString()
	now := time.Now()

	// File-less submissions create no directories here; the worker prepares
	// its own on dequeue.
	if len(input.Uploads) > 0 {
		if err := s.saveUploads(taskID, input.Uploads); err != nil {
			s.discard(ctx, taskID)
			return Receipt{}, err
		}
	}

	ctxStore := withTimeout(ctx, s.timeouts.Store)
	defer ctxStore.cancel()
	if err := s.store.Create(ctxStore.ctx, task.StatusRecord{
		TaskID:          taskID,
		State:           task.StatePending,
		Language:        lang,
		DeclaredOutputs: declaredOutputs,
		CreatedAt:       now,
	}); err != nil {
		s.discard(ctx, taskID)
		return Receipt{}, err
	}

	ctxMQ := withTimeout(ctx, s.timeouts.Publish)
	defer ctxMQ.cancel()
	if err := s.publisher.PublishTask(ctxMQ.ctx, task.Message{
		TaskID:      taskID,
		Language:    lang,
		SourceCode:  rewritten,
		InputFiles:  input.InputFiles,
		OutputFiles: declaredOutputs,
		SubmittedAt: now.Unix(),
	}); err != nil {
		// The orphaned PENDING record ages out with its TTL.
		s.discard(ctx, taskID)
		return Receipt{}, err
	}

	s.metrics.RecordSubmission(string(lang), len(input.SourceCode))
	logger.Info(ctx, "task accepted",
		zap.String("task_id", taskID),
		zap.String("language", string(lang)),
		zap.Int("input_files", len(input.InputFiles)),
		zap.Int("declared_outputs", len(declaredOutputs)))

	return Receipt{TaskID: taskID, State: task.StatePending, SubmittedAt: now.Unix()}, nil
}

// Status returns the current record for one task.
func (s *TaskService) Status(ctx context.Context, taskID string) (task.StatusRecord, error) {
	if taskID == "" {
		return task.StatusRecord{}, appErr.ValidationError("task_id", "required")
	}
	ctxStore := withTimeout(ctx, s.timeouts.Store)
	defer ctxStore.cancel()
	return s.store.Get(ctxStore.ctx, taskID)
}

// DownloadBundle lists the produced files a download request resolves to.
type DownloadBundle struct {
	TaskID      string
	Files       []string
	ArchiveName string
}

// Download resolves which produced outputs a task has. Tasks without any
// produced output report NoOutputs regardless of their state.
func (s *TaskService) Download(ctx context.Context, taskID string) (DownloadBundle, error) {
	rec, err := s.Status(ctx, taskID)
	if err != nil {
		return DownloadBundle{}, err
	}
	if rec.Result == nil || len(rec.Result.OutputFiles) == 0 {
		return DownloadBundle{}, appErr.Newf(appErr.NoOutputs, "task %s produced no output files", taskID)
	}
	return DownloadBundle{
		TaskID:      taskID,
		Files:       rec.Result.OutputFiles,
		ArchiveName: archive.Filename(taskID),
	}, nil
}

// OpenOutput streams one produced file, falling back to the object storage
// mirror when the local copy was already swept.
func (s *TaskService) OpenOutput(ctx context.Context, taskID, name string) (io.ReadCloser, int64, error) {
	f, info, err := s.manager.OpenOutput(taskID, name)
	if err == nil {
		return f, info.Size(), nil
	}
	if appErr.GetCode(err) != appErr.MissingOutput || s.mirror == nil {
		return nil, 0, err
	}
	rc, stat, err := s.mirror.Fetch(ctx, taskID, name)
	if err != nil {
		return nil, 0, err
	}
	return rc, stat.SizeBytes, nil
}

// WriteArchive streams the zip bundle for the given files to w and returns
// how many real files made it in.
func (s *TaskService) WriteArchive(ctx context.Context, w io.Writer, taskID string, files []string) (int, error) {
	return s.archiver.WriteOutputs(ctx, w, taskID, files)
}

// Revoke requests cancellation of a task. Finished tasks are left alone and
// their state is reported back.
func (s *TaskService) Revoke(ctx context.Context, taskID string) (task.State, bool, error) {
	if taskID == "" {
		return "", false, appErr.ValidationError("task_id", "required")
	}
	ctxStore := withTimeout(ctx, s.timeouts.Store)
	defer ctxStore.cancel()
	state, moved, err := s.store.Revoke(ctxStore.ctx, taskID)
	if err != nil {
		return "", false, err
	}
	if moved {
		logger.Info(ctx, "task revoked", zap.String("task_id", taskID))
	}
	return state, moved, nil
}

// validateFiles checks the declared input names against the actual uploads.
// Every declared name needs exactly one upload and vice versa.
func validateFiles(declared []string, uploads []Upload) error {
	if len(declared) > task.MaxInputFiles {
		return appErr.Newf(appErr.TooManyInputFiles,
			"%d input files declared, maximum is %d", len(declared), task.MaxInputFiles)
	}
	seen := make(map[string]bool, len(declared))
	for _, name := range declared {
		if err := storage.ValidateFilename(name); err != nil {
			return err
		}
		if seen[name] {
			return appErr.Newf(appErr.FileMismatch, "input file %s declared twice", name).
				WithDetail("filename", name)
		}
		seen[name] = true
	}

	if len(uploads) != len(declared) {
		return appErr.Newf(appErr.FileMismatch,
			"%d files uploaded for %d declared input files", len(uploads), len(declared))
	}
	matched := make(map[string]bool, len(uploads))
	for _, up := range uploads {
		if !seen[up.Filename] {
			return appErr.Newf(appErr.FileMismatch,
				"uploaded file %s is not declared in input_files", up.Filename).
				WithDetail("filename", up.Filename)
		}
		if matched[up.Filename] {
			return appErr.Newf(appErr.FileMismatch, "file %s uploaded twice", up.Filename).
				WithDetail("filename", up.Filename)
		}
		matched[up.Filename] = true
	}
	return nil
}

func (s *TaskService) saveUploads(taskID string, uploads []Upload) error {
	if _, err := s.manager.Prepare(taskID); err != nil {
		return err
	}
	for _, up := range uploads {
		rc, err := up.Open()
		if err != nil {
			return appErr.Wrapf(err, appErr.StorageError, "read upload %s", up.Filename)
		}
		_, saveErr := s.manager.SaveInput(taskID, up.Filename, rc)
		_ = rc.Close()
		if saveErr != nil {
			return saveErr
		}
	}
	return nil
}

// discard removes anything a failed submission left on disk.
func (s *TaskService) discard(ctx context.Context, taskID string) {
	if err := s.manager.Purge(taskID); err != nil {
		logger.Warn(ctx, "discard submission files failed",
			zap.String("task_id", taskID), zap.Error(err))
	}
}

type timeoutCtx struct {
	ctx    context.Context
	cancel context.CancelFunc
}

func withTimeout(ctx context.Context, timeout time.Duration) timeoutCtx {
	if timeout <= 0 {
		return timeoutCtx{ctx: ctx, cancel: func() {}}
	}
	ctxTimeout, cancel := context.WithTimeout(ctx, timeout)
	return timeoutCtx{ctx: ctxTimeout, cancel: cancel}
}
