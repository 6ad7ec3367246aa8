package sandbox

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	appErr "github.com/Mazene-ZERGUINE/CodeBox/pkg/errors"
	"github.com/Mazene-ZERGUINE/CodeBox/pkg/utils/logger"

	"go.uber.org/zap"
)

const (
	dockerBin = "docker"

	// dockerDaemonExit is the docker CLI's own exit code when the container
	// could not be started (missing image, daemon down). Everything else is
	// the payload's exit code and belongs to the task result.
	dockerDaemonExit = 125

	// maxStreamBytes caps captured stdout/stderr before the result is stored.
	maxStreamBytes = 64_000
	truncMarker    = "\n...[truncated]..."

	killGrace = 10 * time.Second
)

// Options are the resource limits applied to every container.
type Options struct {
	CPUs      float64
	MemoryMB  int
	PidsLimit int
	TmpfsMB   int
	Timeout   time.Duration
}

// DefaultOptions returns the stock limits: 1 CPU, 512 MiB, 100 pids, 64 MiB
// tmpfs, 30 second wall clock.
func DefaultOptions() Options {
	return Options{
		CPUs:      1.0,
		MemoryMB:  512,
		PidsLimit: 100,
		TmpfsMB:   64,
		Timeout:   30 * time.Second,
	}
}

// normalize fills zero fields from the defaults so a partially configured
// Options never lifts a limit.
func (o Options) normalize() Options {
	def := DefaultOptions()
	if o.CPUs <= 0 {
		o.CPUs = def.CPUs
	}
	if o.MemoryMB <= 0 {
		o.MemoryMB = def.MemoryMB
	}
	if o.PidsLimit <= 0 {
		o.PidsLimit = def.PidsLimit
	}
	if o.TmpfsMB <= 0 {
		o.TmpfsMB = def.TmpfsMB
	}
	if o.Timeout <= 0 {
		o.Timeout = def.Timeout
	}
	return o
}

// Executor starts containers through the docker CLI.
type Executor struct {
	opts   Options
	runner CommandRunner
}

// ExecutorOption customizes an Executor.
type ExecutorOption func(*Executor)

// WithCommandRunner swaps the process runner, used by tests.
func WithCommandRunner(r CommandRunner) ExecutorOption {
	return func(e *Executor) {
		e.runner = r
	}
}

// NewExecutor builds an Executor with the given limits.
func NewExecutor(opts Options, eopts ...ExecutorOption) *Executor {
	e := &Executor{
		opts:   opts.normalize(),
		runner: execRunner{},
	}
	for _, opt := range eopts {
		opt(e)
	}
	return e
}

// Run executes one container to completion.
//
// Outcomes split three ways: a timeout yields a RunResult with TimedOut set
// and no return code; a failure to start the container at all yields an
// InfrastructureError so the attempt can be retried; any exit of the payload
// itself, zero or not, is a captured RunResult.
func (e *Executor) Run(ctx context.Context, spec RunSpec) (RunResult, error) {
	if err := spec.validate(); err != nil {
		return RunResult{}, appErr.Wrapf(err, appErr.InternalServerError, "invalid run spec")
	}

	args := e.buildArgs(spec)

	runCtx, cancel := context.WithTimeout(ctx, e.opts.Timeout)
	defer cancel()

	start := time.Now()
	stdout, stderr, exitCode, err := e.runner.Run(runCtx, args)
	elapsed := time.Since(start)

	name := containerName(spec.TaskID)

	switch {
	case runCtx.Err() == context.DeadlineExceeded:
		// Killing the docker client does not kill the container, so tear it
		// down explicitly before reporting the timeout.
		e.forceRemove(name)
		logger.Warn(ctx, "sandbox run timed out",
			zap.String("task_id", spec.TaskID),
			zap.Duration("elapsed", elapsed))
		return RunResult{
			Stdout:   truncateStream(stdout),
			Stderr:   truncateStream(stderr),
			TimedOut: true,
		}, nil

	case runCtx.Err() != nil:
		e.forceRemove(name)
		return RunResult{}, appErr.Wrapf(runCtx.Err(), appErr.InfrastructureError, "sandbox run cancelled")

	case err != nil:
		return RunResult{}, appErr.Wrapf(err, appErr.InfrastructureError, "start container")

	case exitCode == dockerDaemonExit || exitCode < 0:
		return RunResult{}, appErr.Newf(appErr.InfrastructureError,
			"docker run failed (exit %d): %s", exitCode, tail(stderr, 512))
	}

	logger.Info(ctx, "sandbox run finished",
		zap.String("task_id", spec.TaskID),
		zap.Int("return_code", exitCode),
		zap.Duration("elapsed", elapsed))

	rc := exitCode
	return RunResult{
		Stdout:     truncateStream(stdout),
		Stderr:     truncateStream(stderr),
		ReturnCode: &rc,
	}, nil
}

// Ping verifies the docker daemon is reachable, for health reporting.
func (e *Executor) Ping(ctx context.Context) error {
	_, stderr, exitCode, err := e.runner.Run(ctx, []string{dockerBin, "version", "--format", "{{.Server.Version}}"})
	if err != nil {
		return err
	}
	if exitCode != 0 {
		return fmt.Errorf("docker daemon unavailable (exit %d): %s", exitCode, tail(stderr, 256))
	}
	return nil
}

// buildArgs assembles the docker run invocation for one task.
func (e *Executor) buildArgs(spec RunSpec) []string {
	args := []string{
		dockerBin, "run", "--rm",
		"--name", containerName(spec.TaskID),
		"--cpus", strconv.FormatFloat(e.opts.CPUs, 'f', -1, 64),
		"--memory", fmt.Sprintf("%dm", e.opts.MemoryMB),
		"--memory-swap", fmt.Sprintf("%dm", e.opts.MemoryMB),
		"--pids-limit", strconv.Itoa(e.opts.PidsLimit),
		"--cap-drop", "ALL",
		"--security-opt", "no-new-privileges",
		"--network", "none",
		"--read-only",
		"--mount", bindMount(spec.JobDir, SandboxRoot, true),
		"--mount", bindMount(spec.InputDir, InputMount, true),
		"--mount", bindMount(spec.OutputDir, OutputMount, false),
		"--tmpfs", tmpfsFlags(spec.TmpfsExec, e.opts.TmpfsMB),
		"--workdir", SandboxRoot,
		"--user", "1000:1000",
		spec.Image,
	}
	return append(args, spec.Command...)
}

func bindMount(src, dst string, readOnly bool) string {
	flags := fmt.Sprintf("type=bind,src=%s,dst=%s", src, dst)
	if readOnly {
		flags += ",ro"
	}
	return flags + ",bind-propagation=rprivate"
}

func tmpfsFlags(exec bool, sizeMB int) string {
	execFlag := "noexec"
	if exec {
		execFlag = "exec"
	}
	return fmt.Sprintf("/tmp:rw,%s,nosuid,nodev,size=%dm", execFlag, sizeMB)
}

func containerName(taskID string) string {
	return "codebox-" + taskID
}

// forceRemove tears down a container that outlived its client. Uses a fresh
// context because the caller's may already be dead.
func (e *Executor) forceRemove(name string) {
	rmCtx, cancel := context.WithTimeout(context.Background(), killGrace)
	defer cancel()

	_, stderr, exitCode, err := e.runner.Run(rmCtx, []string{dockerBin, "rm", "-f", name})
	if err != nil || exitCode != 0 {
		logger.Warn(rmCtx, "failed to remove container",
			zap.String("container", name),
			zap.Int("exit_code", exitCode),
			zap.String("stderr", tail(stderr, 256)),
			zap.Error(err))
	}
}

// truncateStream caps one captured stream and marks the cut.
func truncateStream(s string) string {
	if len(s) <= maxStreamBytes {
		return s
	}
	return s[:maxStreamBytes] + truncMarker
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
