// Package sandbox runs submitted code inside locked-down Docker containers.
// The container gets the task's job directory read-only at /sandbox, the
// uploaded inputs read-only at /sandbox/in and a writable /sandbox/out for
// declared outputs. Everything else is read-only, networkless and capability
// free.
package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
)

// Mount points inside the container. Placeholder rewriting resolves tokens
// against these paths, so they are fixed for every task and language.
const (
	SandboxRoot = "/sandbox"
	InputMount  = "/sandbox/in"
	OutputMount = "/sandbox/out"
)

// RunSpec is everything the executor needs to start one container.
type RunSpec struct {
	TaskID    string
	Image     string
	JobDir    string
	InputDir  string
	OutputDir string
	Command   []string
	// TmpfsExec relaxes the noexec flag on /tmp for languages that compile
	// into it before running.
	TmpfsExec bool
}

func (s RunSpec) validate() error {
	switch {
	case s.TaskID == "":
		return errors.New("run spec: empty task id")
	case s.Image == "":
		return errors.New("run spec: empty image")
	case len(s.Command) == 0:
		return errors.New("run spec: empty command")
	case s.JobDir == "" || s.InputDir == "" || s.OutputDir == "":
		return errors.New("run spec: missing host directories")
	}
	return nil
}

// RunResult is the raw outcome of one container run. A nil ReturnCode means
// the process never produced one, which only happens on timeout.
type RunResult struct {
	Stdout     string
	Stderr     string
	ReturnCode *int
	TimedOut   bool
}

// CommandRunner abstracts process execution so the executor can be tested
// without a Docker daemon. args[0] is the binary.
type CommandRunner interface {
	Run(ctx context.Context, args []string) (stdout, stderr string, exitCode int, err error)
}

// execRunner is the real CommandRunner backed by os/exec.
type execRunner struct{}

// Run executes args and folds a non-zero exit into exitCode. A returned err
// means the process could not run at all or was killed by the context.
func (execRunner) Run(ctx context.Context, args []string) (string, string, int, error) {
	if len(args) == 0 {
		return "", "", 0, errors.New("no command provided")
	}

	cmd := exec.CommandContext(ctx, args[0], args[1:]...)

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf

	err := cmd.Run()

	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			return stdoutBuf.String(), stderrBuf.String(), 0, fmt.Errorf("run %s: %w", args[0], err)
		}
	}

	return stdoutBuf.String(), stderrBuf.String(), exitCode, nil
}
