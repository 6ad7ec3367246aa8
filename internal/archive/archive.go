// Package archive builds the zip bundle served when a client downloads all
// outputs of a task at once.
package archive

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/Mazene-ZERGUINE/CodeBox/internal/storage"
	appErr "github.com/Mazene-ZERGUINE/CodeBox/pkg/errors"

	"github.com/klauspost/compress/zip"
)

// MissingManifest is the archive entry listing declared outputs that were
// gone at download time.
const MissingManifest = "MISSING_FILES.txt"

// Builder assembles output archives, preferring local files and falling back
// to the object storage mirror for anything already swept.
type Builder struct {
	layout storage.Layout
	mirror *storage.Mirror
}

// NewBuilder creates a Builder. mirror may be nil when no object storage is
// configured.
func NewBuilder(layout storage.Layout, mirror *storage.Mirror) *Builder {
	return &Builder{layout: layout, mirror: mirror}
}

// WriteOutputs streams a zip of the declared outputs to w. Entries keep the
// declared order; files that cannot be found anywhere are listed in
// MISSING_FILES.txt instead of failing the download. Returns how many real
// files made it into the archive.
func (b *Builder) WriteOutputs(ctx context.Context, w io.Writer, taskID string, declared []string) (int, error) {
	zw := zip.NewWriter(w)

	var missing []string
	written := 0
	for _, name := range declared {
		rc, modified, err := b.open(ctx, taskID, name)
		if err != nil {
			if appErr.GetCode(err) == appErr.MissingOutput {
				missing = append(missing, name)
				continue
			}
			zw.Close()
			return written, err
		}

		entry, err := zw.CreateHeader(&zip.FileHeader{
			Name:     name,
			Method:   zip.Deflate,
			Modified: modified,
		})
		if err == nil {
			_, err = io.Copy(entry, rc)
		}
		rc.Close()
		if err != nil {
			zw.Close()
			return written, appErr.Wrapf(err, appErr.StorageError, "archive output %s", name)
		}
		written++
	}

	if len(missing) > 0 {
		entry, err := zw.Create(MissingManifest)
		if err != nil {
			zw.Close()
			return written, appErr.Wrapf(err, appErr.StorageError, "archive missing manifest")
		}
		fmt.Fprintln(entry, "The following files were not found at download time:")
		for _, name := range missing {
			fmt.Fprintf(entry, "- %s\n", name)
		}
	}

	if err := zw.Close(); err != nil {
		return written, appErr.Wrapf(err, appErr.StorageError, "finalize archive")
	}
	return written, nil
}

// open finds one output locally or in the mirror. A MissingOutput error
// means the file exists nowhere.
func (b *Builder) open(ctx context.Context, taskID, name string) (io.ReadCloser, time.Time, error) {
	if err := storage.ValidateFilename(name); err != nil {
		return nil, time.Time{}, err
	}

	f, err := os.Open(filepath.Join(b.layout.OutputDir(taskID), name))
	if err == nil {
		info, statErr := f.Stat()
		if statErr != nil {
			f.Close()
			return nil, time.Time{}, appErr.Wrapf(statErr, appErr.StorageError, "stat output %s", name)
		}
		return f, info.ModTime(), nil
	}
	if !os.IsNotExist(err) {
		return nil, time.Time{}, appErr.Wrapf(err, appErr.StorageError, "open output %s", name)
	}

	if b.mirror == nil {
		return nil, time.Time{}, appErr.Newf(appErr.MissingOutput, "output %s not found for task %s", name, taskID)
	}
	rc, _, err := b.mirror.Fetch(ctx, taskID, name)
	if err != nil {
		return nil, time.Time{}, err
	}
	return rc, time.Now(), nil
}

// Filename is the canonical download name for a task's archive.
func Filename(taskID string) string {
	return taskID + "_outputs.zip"
}
