package storage

import (
	"context"
	"errors"
	"mime"
	"os"
	"path"
	"path/filepath"

	appErr "github.com/Mazene-ZERGUINE/CodeBox/pkg/errors"
	"github.com/Mazene-ZERGUINE/CodeBox/pkg/utils/logger"

	"go.uber.org/zap"
)

// ErrObjectNotFound marks a missing key, as opposed to a broken backend.
var ErrObjectNotFound = errors.New("object not found")

// Mirror copies produced outputs into object storage so they stay
// downloadable after the local sweep, or when the request lands on a host
// that never ran the task.
type Mirror struct {
	store  ObjectStorage
	bucket string
	layout Layout
}

func NewMirror(store ObjectStorage, bucket string, layout Layout) *Mirror {
	return &Mirror{store: store, bucket: bucket, layout: layout}
}

func mirrorKey(taskID, name string) string {
	return path.Join("outputs", taskID, name)
}

// UploadOutputs pushes the collected files for one task. Every file is
// attempted; the combined error reports what could not be mirrored.
func (m *Mirror) UploadOutputs(ctx context.Context, taskID string, names []string) error {
	var errs []error
	for _, name := range names {
		if err := m.uploadOne(ctx, taskID, name); err != nil {
			logger.Warn(ctx, "mirror upload failed",
				zap.String("task_id", taskID),
				zap.String("file", name),
				zap.Error(err))
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return appErr.Wrapf(errors.Join(errs...), appErr.MirrorError, "mirror outputs for task %s", taskID)
	}
	return nil
}

func (m *Mirror) uploadOne(ctx context.Context, taskID, name string) error {
	f, err := os.Open(filepath.Join(m.layout.OutputDir(taskID), name))
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}

	contentType := mime.TypeByExtension(filepath.Ext(name))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return m.store.PutObject(ctx, m.bucket, mirrorKey(taskID, name), f, info.Size(), contentType)
}

// Fetch opens a mirrored output. Returns MissingOutput when the key does not
// exist and MirrorError when the backend itself fails.
func (m *Mirror) Fetch(ctx context.Context, taskID, name string) (ObjectReader, ObjectStat, error) {
	key := mirrorKey(taskID, name)

	stat, err := m.store.StatObject(ctx, m.bucket, key)
	if err != nil {
		if errors.Is(err, ErrObjectNotFound) {
			return nil, ObjectStat{}, appErr.Newf(appErr.MissingOutput, "output %s not found for task %s", name, taskID)
		}
		return nil, ObjectStat{}, appErr.Wrapf(err, appErr.MirrorError, "stat mirrored output %s", name)
	}

	r, err := m.store.GetObject(ctx, m.bucket, key)
	if err != nil {
		return nil, ObjectStat{}, appErr.Wrapf(err, appErr.MirrorError, "open mirrored output %s", name)
	}
	return r, stat, nil
}

// Remove deletes the mirrored outputs of one task.
func (m *Mirror) Remove(ctx context.Context, taskID string, names []string) error {
	keys := make([]string, 0, len(names))
	for _, name := range names {
		keys = append(keys, mirrorKey(taskID, name))
	}
	if err := m.store.RemoveObjects(ctx, m.bucket, keys); err != nil {
		return appErr.Wrapf(err, appErr.MirrorError, "remove mirrored outputs for task %s", taskID)
	}
	return nil
}
