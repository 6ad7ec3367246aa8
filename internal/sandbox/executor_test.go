package sandbox_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Mazene-ZERGUINE/CodeBox/internal/sandbox"
	appErr "github.com/Mazene-ZERGUINE/CodeBox/pkg/errors"
)

// fakeRunner records every invocation and delegates to handle.
type fakeRunner struct {
	mu     sync.Mutex
	calls  [][]string
	handle func(ctx context.Context, args []string) (string, string, int, error)
}

func (f *fakeRunner) Run(ctx context.Context, args []string) (string, string, int, error) {
	f.mu.Lock()
	f.calls = append(f.calls, append([]string(nil), args...))
	f.mu.Unlock()
	return f.handle(ctx, args)
}

func (f *fakeRunner) call(i int) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if i >= len(f.calls) {
		return nil
	}
	return f.calls[i]
}

func validSpec() sandbox.RunSpec {
	return sandbox.RunSpec{
		TaskID:    "t1",
		Image:     "code_runner:latest",
		JobDir:    "/storage/jobs/t1",
		InputDir:  "/storage/in/t1",
		OutputDir: "/storage/out/t1",
		Command:   []string{"/app/.venv/bin/python", "/sandbox/main.py"},
	}
}

func TestRunCapturesExit(t *testing.T) {
	tests := []struct {
		name     string
		exitCode int
	}{
		{"clean exit", 0},
		{"payload failure", 2},
		{"oom kill", 137},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := &fakeRunner{handle: func(_ context.Context, _ []string) (string, string, int, error) {
				return "out", "err", tt.exitCode, nil
			}}
			e := sandbox.NewExecutor(sandbox.DefaultOptions(), sandbox.WithCommandRunner(runner))

			res, err := e.Run(context.Background(), validSpec())
			if err != nil {
				t.Fatalf("Run: %v", err)
			}
			if res.ReturnCode == nil || *res.ReturnCode != tt.exitCode {
				t.Fatalf("ReturnCode = %v, want %d", res.ReturnCode, tt.exitCode)
			}
			if res.Stdout != "out" || res.Stderr != "err" {
				t.Fatalf("streams = %q/%q, want out/err", res.Stdout, res.Stderr)
			}
			if res.TimedOut {
				t.Fatal("TimedOut must be false for a captured exit")
			}
		})
	}
}

func TestRunMapsDaemonFailureToInfrastructureError(t *testing.T) {
	runner := &fakeRunner{handle: func(_ context.Context, _ []string) (string, string, int, error) {
		return "", "Unable to find image 'code_runner:latest' locally", 125, nil
	}}
	e := sandbox.NewExecutor(sandbox.DefaultOptions(), sandbox.WithCommandRunner(runner))

	_, err := e.Run(context.Background(), validSpec())
	if appErr.GetCode(err) != appErr.InfrastructureError {
		t.Fatalf("code = %d, want %d", appErr.GetCode(err), appErr.InfrastructureError)
	}
	if !appErr.Retryable(err) {
		t.Fatal("daemon failures must be retryable")
	}
}

func TestRunMapsStartFailureToInfrastructureError(t *testing.T) {
	runner := &fakeRunner{handle: func(_ context.Context, _ []string) (string, string, int, error) {
		return "", "", 0, errors.New(`exec: "docker": executable file not found in $PATH`)
	}}
	e := sandbox.NewExecutor(sandbox.DefaultOptions(), sandbox.WithCommandRunner(runner))

	_, err := e.Run(context.Background(), validSpec())
	if appErr.GetCode(err) != appErr.InfrastructureError {
		t.Fatalf("code = %d, want %d", appErr.GetCode(err), appErr.InfrastructureError)
	}
}

func TestRunTimeoutRemovesContainer(t *testing.T) {
	runner := &fakeRunner{handle: func(ctx context.Context, args []string) (string, string, int, error) {
		if len(args) > 1 && args[1] == "rm" {
			return "", "", 0, nil
		}
		<-ctx.Done()
		return "partial out", "", -1, nil
	}}
	opts := sandbox.DefaultOptions()
	opts.Timeout = 50 * time.Millisecond
	e := sandbox.NewExecutor(opts, sandbox.WithCommandRunner(runner))

	res, err := e.Run(context.Background(), validSpec())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.TimedOut {
		t.Fatal("expected TimedOut")
	}
	if res.ReturnCode != nil {
		t.Fatalf("ReturnCode = %d, want nil on timeout", *res.ReturnCode)
	}
	if res.Stdout != "partial out" {
		t.Fatalf("Stdout = %q, want partial output kept", res.Stdout)
	}

	rm := runner.call(1)
	want := []string{"docker", "rm", "-f", "codebox-t1"}
	if len(rm) != len(want) {
		t.Fatalf("second call = %v, want %v", rm, want)
	}
	for i := range want {
		if rm[i] != want[i] {
			t.Fatalf("second call = %v, want %v", rm, want)
		}
	}
}

func TestRunTruncatesLongStreams(t *testing.T) {
	long := strings.Repeat("x", 100_000)
	runner := &fakeRunner{handle: func(_ context.Context, _ []string) (string, string, int, error) {
		return long, long, 0, nil
	}}
	e := sandbox.NewExecutor(sandbox.DefaultOptions(), sandbox.WithCommandRunner(runner))

	res, err := e.Run(context.Background(), validSpec())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	wantLen := 64_000 + len("\n...[truncated]...")
	if len(res.Stdout) != wantLen {
		t.Fatalf("len(Stdout) = %d, want %d", len(res.Stdout), wantLen)
	}
	if !strings.HasSuffix(res.Stdout, "...[truncated]...") {
		t.Fatalf("Stdout missing truncation marker: %q", res.Stdout[len(res.Stdout)-30:])
	}
	if !strings.HasSuffix(res.Stderr, "...[truncated]...") {
		t.Fatal("Stderr missing truncation marker")
	}
}

func TestRunHardensContainer(t *testing.T) {
	runner := &fakeRunner{handle: func(_ context.Context, _ []string) (string, string, int, error) {
		return "", "", 0, nil
	}}
	e := sandbox.NewExecutor(sandbox.DefaultOptions(), sandbox.WithCommandRunner(runner))

	if _, err := e.Run(context.Background(), validSpec()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	argv := strings.Join(runner.call(0), " ")
	for _, flag := range []string{
		"--network none",
		"--cap-drop ALL",
		"--security-opt no-new-privileges",
		"--read-only",
		"--pids-limit 100",
		"--memory 512m",
		"--memory-swap 512m",
		"--cpus 1",
		"--user 1000:1000",
		"--name codebox-t1",
		"--workdir /sandbox",
		"type=bind,src=/storage/jobs/t1,dst=/sandbox,ro",
		"type=bind,src=/storage/in/t1,dst=/sandbox/in,ro",
		"type=bind,src=/storage/out/t1,dst=/sandbox/out,bind-propagation",
		"/tmp:rw,noexec,nosuid,nodev,size=64m",
	} {
		if !strings.Contains(argv, flag) {
			t.Errorf("docker args missing %q\nargs: %s", flag, argv)
		}
	}
}

func TestRunAllowsExecutableTmpfsWhenAsked(t *testing.T) {
	runner := &fakeRunner{handle: func(_ context.Context, _ []string) (string, string, int, error) {
		return "", "", 0, nil
	}}
	e := sandbox.NewExecutor(sandbox.DefaultOptions(), sandbox.WithCommandRunner(runner))

	spec := validSpec()
	spec.TmpfsExec = true
	if _, err := e.Run(context.Background(), spec); err != nil {
		t.Fatalf("Run: %v", err)
	}

	argv := strings.Join(runner.call(0), " ")
	if !strings.Contains(argv, "/tmp:rw,exec,nosuid,nodev,size=64m") {
		t.Fatalf("docker args missing executable tmpfs: %s", argv)
	}
	if strings.Contains(argv, "noexec") {
		t.Fatalf("noexec must be dropped for compiled languages: %s", argv)
	}
}

func TestRunRejectsIncompleteSpec(t *testing.T) {
	e := sandbox.NewExecutor(sandbox.DefaultOptions(), sandbox.WithCommandRunner(&fakeRunner{
		handle: func(_ context.Context, _ []string) (string, string, int, error) {
			t.Fatal("runner must not be called for an invalid spec")
			return "", "", 0, nil
		},
	}))

	spec := validSpec()
	spec.Image = ""
	if _, err := e.Run(context.Background(), spec); err == nil {
		t.Fatal("expected error for empty image")
	}
}
