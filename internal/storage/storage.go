// Package storage owns the per-task directory layout on the worker host and
// the optional object storage mirror for produced outputs.
//
// Every task gets three directories under one root:
//
//	{root}/in/{taskID}    uploaded input files, mounted read-only
//	{root}/out/{taskID}   files the code writes, mounted read-write
//	{root}/jobs/{taskID}  the staged (rewritten) source file
package storage

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	appErr "github.com/Mazene-ZERGUINE/CodeBox/pkg/errors"
)

const maxFilenameLen = 255

// Paths are the host directories of one task.
type Paths struct {
	JobDir    string
	InputDir  string
	OutputDir string
}

// Layout maps task IDs to their directories.
type Layout struct {
	root string
}

func NewLayout(root string) Layout {
	return Layout{root: root}
}

func (l Layout) InputDir(taskID string) string  { return filepath.Join(l.root, "in", taskID) }
func (l Layout) OutputDir(taskID string) string { return filepath.Join(l.root, "out", taskID) }
func (l Layout) JobDir(taskID string) string    { return filepath.Join(l.root, "jobs", taskID) }

func (l Layout) branches() []string {
	return []string{
		filepath.Join(l.root, "in"),
		filepath.Join(l.root, "out"),
		filepath.Join(l.root, "jobs"),
	}
}

// Manager performs all local filesystem work for tasks.
type Manager struct {
	layout Layout
}

func NewManager(root string) *Manager {
	return &Manager{layout: NewLayout(root)}
}

// Layout exposes the path mapping for components that only need paths.
func (m *Manager) Layout() Layout {
	return m.layout
}

// Prepare creates the task's directories. Safe to call more than once; the
// API calls it before saving uploads and the worker calls it again before
// mounting, since the two may run on different hosts sharing the root.
func (m *Manager) Prepare(taskID string) (Paths, error) {
	p := Paths{
		JobDir:    m.layout.JobDir(taskID),
		InputDir:  m.layout.InputDir(taskID),
		OutputDir: m.layout.OutputDir(taskID),
	}
	for _, dir := range []string{p.JobDir, p.InputDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return Paths{}, appErr.Wrapf(err, appErr.StorageError, "create %s", dir)
		}
	}
	// The container user writes here through the bind mount.
	if err := os.MkdirAll(p.OutputDir, 0o777); err != nil {
		return Paths{}, appErr.Wrapf(err, appErr.StorageError, "create %s", p.OutputDir)
	}
	if err := os.Chmod(p.OutputDir, 0o777); err != nil {
		return Paths{}, appErr.Wrapf(err, appErr.StorageError, "chmod %s", p.OutputDir)
	}
	return p, nil
}

// StageSource writes the rewritten source into the job directory and returns
// its host path.
func (m *Manager) StageSource(taskID, filename, source string) (string, error) {
	if err := ValidateFilename(filename); err != nil {
		return "", err
	}
	path := filepath.Join(m.layout.JobDir(taskID), filename)
	if err := os.WriteFile(path, []byte(source), 0o644); err != nil {
		return "", appErr.Wrapf(err, appErr.StorageError, "stage source for task %s", taskID)
	}
	return path, nil
}

// SaveInput streams one uploaded file into the task's input directory.
func (m *Manager) SaveInput(taskID, filename string, r io.Reader) (int64, error) {
	if err := ValidateFilename(filename); err != nil {
		return 0, err
	}
	path := filepath.Join(m.layout.InputDir(taskID), filename)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, appErr.Wrapf(err, appErr.StorageError, "create input %s", filename)
	}
	n, err := io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return n, appErr.Wrapf(err, appErr.StorageError, "write input %s", filename)
	}
	return n, nil
}

// ListInputs returns the basenames currently staged for a task, sorted.
func (m *Manager) ListInputs(taskID string) ([]string, error) {
	entries, err := os.ReadDir(m.layout.InputDir(taskID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, appErr.Wrapf(err, appErr.StorageError, "list inputs for task %s", taskID)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Type().IsRegular() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// CollectOutputs checks the declared output names against what the run
// actually produced. Both slices keep the declared order.
func (m *Manager) CollectOutputs(taskID string, declared []string) (found, missing []string, err error) {
	dir := m.layout.OutputDir(taskID)
	for _, name := range declared {
		info, statErr := os.Stat(filepath.Join(dir, name))
		switch {
		case statErr == nil && info.Mode().IsRegular():
			found = append(found, name)
		case statErr == nil || os.IsNotExist(statErr):
			missing = append(missing, name)
		default:
			return nil, nil, appErr.Wrapf(statErr, appErr.StorageError, "stat output %s", name)
		}
	}
	return found, missing, nil
}

// OutputsSize sums the sizes of the named produced files, skipping absent
// ones.
func (m *Manager) OutputsSize(taskID string, names []string) int64 {
	dir := m.layout.OutputDir(taskID)
	var total int64
	for _, name := range names {
		if info, err := os.Stat(filepath.Join(dir, name)); err == nil && info.Mode().IsRegular() {
			total += info.Size()
		}
	}
	return total
}

// OpenOutput opens one produced file for streaming to a client.
func (m *Manager) OpenOutput(taskID, name string) (*os.File, os.FileInfo, error) {
	if err := ValidateFilename(name); err != nil {
		return nil, nil, err
	}
	path := filepath.Join(m.layout.OutputDir(taskID), name)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, appErr.Newf(appErr.MissingOutput, "output %s not found for task %s", name, taskID)
		}
		return nil, nil, appErr.Wrapf(err, appErr.StorageError, "open output %s", name)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, appErr.Wrapf(err, appErr.StorageError, "stat output %s", name)
	}
	return f, info, nil
}

// Purge removes everything a task left on disk. All three directories are
// attempted even if one removal fails.
func (m *Manager) Purge(taskID string) error {
	var errs []error
	for _, dir := range []string{
		m.layout.JobDir(taskID),
		m.layout.InputDir(taskID),
		m.layout.OutputDir(taskID),
	} {
		if err := os.RemoveAll(dir); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return appErr.Wrapf(errors.Join(errs...), appErr.StorageError, "purge task %s", taskID)
	}
	return nil
}

// ValidateFilename rejects names that could escape a task directory. Only
// plain basenames are allowed.
func ValidateFilename(name string) error {
	switch {
	case name == "" || name == "." || name == "..":
		return appErr.Newf(appErr.InvalidFilename, "invalid filename %q", name)
	case len(name) > maxFilenameLen:
		return appErr.Newf(appErr.InvalidFilename, "filename exceeds %d characters", maxFilenameLen)
	case strings.ContainsAny(name, "/\\\x00"):
		return appErr.Newf(appErr.InvalidFilename, "filename %q must not contain path separators", name)
	case filepath.Base(name) != name:
		return appErr.Newf(appErr.InvalidFilename, "filename %q is not a basename", name)
	}
	return nil
}
