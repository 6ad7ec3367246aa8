package worker_test

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/Mazene-ZERGUINE/CodeBox/internal/cache"
	"github.com/Mazene-ZERGUINE/CodeBox/internal/lifecycle"
	"github.com/Mazene-ZERGUINE/CodeBox/internal/metrics"
	"github.com/Mazene-ZERGUINE/CodeBox/internal/queue"
	"github.com/Mazene-ZERGUINE/CodeBox/internal/runtime"
	"github.com/Mazene-ZERGUINE/CodeBox/internal/sandbox"
	"github.com/Mazene-ZERGUINE/CodeBox/internal/storage"
	"github.com/Mazene-ZERGUINE/CodeBox/internal/task"
	"github.com/Mazene-ZERGUINE/CodeBox/internal/worker"
	appErr "github.com/Mazene-ZERGUINE/CodeBox/pkg/errors"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

type fakeExecutor struct {
	mu        sync.Mutex
	specs     []sandbox.RunSpec
	handle    func(spec sandbox.RunSpec) (sandbox.RunResult, error)
	handleCtx func(ctx context.Context, spec sandbox.RunSpec) (sandbox.RunResult, error)
}

func (f *fakeExecutor) Run(ctx context.Context, spec sandbox.RunSpec) (sandbox.RunResult, error) {
	f.mu.Lock()
	f.specs = append(f.specs, spec)
	f.mu.Unlock()
	if f.handleCtx != nil {
		return f.handleCtx(ctx, spec)
	}
	if f.handle != nil {
		return f.handle(spec)
	}
	rc := 0
	return sandbox.RunResult{ReturnCode: &rc}, nil
}

func (f *fakeExecutor) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.specs)
}

func (f *fakeExecutor) spec(i int) sandbox.RunSpec {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.specs[i]
}

type fixture struct {
	worker  *worker.Worker
	store   *lifecycle.Store
	manager *storage.Manager
	exec    *fakeExecutor
}

func newFixture(t *testing.T, maxAttempts int) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	c, err := cache.NewRedisCacheWithClient(client)
	if err != nil {
		t.Fatalf("NewRedisCacheWithClient: %v", err)
	}

	store := lifecycle.NewStore(c, nil, time.Hour)
	manager := storage.NewManager(t.TempDir())
	exec := &fakeExecutor{}

	w, err := worker.NewWorker(worker.Config{
		Store:          store,
		Manager:        manager,
		Registry:       runtime.NewRegistry(),
		Executor:       exec,
		Metrics:        metrics.NewMetrics(),
		MaxAttempts:    maxAttempts,
		HeartbeatEvery: time.Hour,
	})
	if err != nil {
		t.Fatalf("NewWorker: %v", err)
	}
	return &fixture{worker: w, store: store, manager: manager, exec: exec}
}

// submit registers the task record the way the API does before publishing.
func (f *fixture) submit(t *testing.T, msg task.Message) *queue.Message {
	t.Helper()
	rec := task.StatusRecord{
		TaskID:          msg.TaskID,
		State:           task.StatePending,
		Language:        msg.Language,
		DeclaredOutputs: msg.OutputFiles,
		CreatedAt:       time.Now(),
	}
	if err := f.store.Create(context.Background(), rec); err != nil {
		t.Fatalf("Create: %v", err)
	}
	return f.queueMessage(t, msg)
}

func (f *fixture) queueMessage(t *testing.T, msg task.Message) *queue.Message {
	t.Helper()
	body, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal message: %v", err)
	}
	m := queue.NewMessage(body)
	m.ID = msg.TaskID
	return m
}

func pythonMessage(id string, outputs ...string) task.Message {
	return task.Message{
		TaskID:      id,
		Language:    task.LangPython,
		SourceCode:  "print('ok')",
		OutputFiles: outputs,
		SubmittedAt: time.Now().Unix(),
	}
}

func TestHandleMessageSuccess(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()

	f.exec.handle = func(spec sandbox.RunSpec) (sandbox.RunResult, error) {
		if err := os.WriteFile(filepath.Join(spec.OutputDir, "result.txt"), []byte("data"), 0o644); err != nil {
			t.Fatalf("write output: %v", err)
		}
		rc := 0
		return sandbox.RunResult{Stdout: "ok\n", ReturnCode: &rc}, nil
	}

	msg := f.submit(t, pythonMessage("t1", "result.txt"))
	if err := f.worker.HandleMessage(ctx, msg); err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}

	rec, err := f.store.Get(ctx, "t1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.State != task.StateSuccess {
		t.Fatalf("state = %s, want SUCCESS", rec.State)
	}
	if rec.AttemptCount != 1 {
		t.Errorf("attempts = %d, want 1", rec.AttemptCount)
	}
	if rec.Result == nil || rec.Result.Stdout != "ok\n" {
		t.Errorf("result = %+v", rec.Result)
	}
	if rec.Result.ReturnCode == nil || *rec.Result.ReturnCode != 0 {
		t.Errorf("return code = %v, want 0", rec.Result.ReturnCode)
	}
	if len(rec.Result.OutputFiles) != 1 || rec.Result.OutputFiles[0] != "result.txt" {
		t.Errorf("output files = %v, want [result.txt]", rec.Result.OutputFiles)
	}

	spec := f.exec.spec(0)
	if spec.Image != runtime.DefaultImage {
		t.Errorf("image = %q", spec.Image)
	}
	if len(spec.Command) != 2 || spec.Command[1] != "/sandbox/main.py" {
		t.Errorf("command = %v", spec.Command)
	}

	staged, err := os.ReadFile(filepath.Join(f.manager.Layout().JobDir("t1"), "main.py"))
	if err != nil {
		t.Fatalf("read staged source: %v", err)
	}
	if string(staged) != "print('ok')" {
		t.Errorf("staged source = %q", staged)
	}
}

func TestHandleMessageNonZeroExitIsStillSuccess(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()

	f.exec.handle = func(sandbox.RunSpec) (sandbox.RunResult, error) {
		rc := 2
		return sandbox.RunResult{Stderr: "boom\n", ReturnCode: &rc}, nil
	}

	msg := f.submit(t, pythonMessage("t1"))
	if err := f.worker.HandleMessage(ctx, msg); err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}

	rec, _ := f.store.Get(ctx, "t1")
	if rec.State != task.StateSuccess {
		t.Fatalf("state = %s, want SUCCESS (user program failure is not orchestration failure)", rec.State)
	}
	if rec.Result.ReturnCode == nil || *rec.Result.ReturnCode != 2 {
		t.Errorf("return code = %v, want 2", rec.Result.ReturnCode)
	}
	if rec.Result.Stderr != "boom\n" {
		t.Errorf("stderr = %q", rec.Result.Stderr)
	}
}

func TestHandleMessageTimeout(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()

	f.exec.handle = func(sandbox.RunSpec) (sandbox.RunResult, error) {
		return sandbox.RunResult{Stdout: "partial", TimedOut: true}, nil
	}

	msg := f.submit(t, pythonMessage("t1"))
	if err := f.worker.HandleMessage(ctx, msg); err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}

	rec, _ := f.store.Get(ctx, "t1")
	if rec.State != task.StateFailure {
		t.Fatalf("state = %s, want FAILURE", rec.State)
	}
	if rec.Result.ReturnCode != nil {
		t.Errorf("return code = %v, want nil after kill", rec.Result.ReturnCode)
	}
	if rec.Result.Stdout != "partial" {
		t.Errorf("stdout = %q, want partial output preserved", rec.Result.Stdout)
	}
	if rec.Result.Error == nil || rec.Result.Error.Kind != task.FailTimeout {
		t.Errorf("error = %+v, want timeout kind", rec.Result.Error)
	}
	if rec.Result.Error.Message != "Execution time exceeded" {
		t.Errorf("message = %q", rec.Result.Error.Message)
	}
}

func TestHandleMessageRetriesInfrastructureFailure(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()

	fail := true
	f.exec.handle = func(sandbox.RunSpec) (sandbox.RunResult, error) {
		if fail {
			return sandbox.RunResult{}, appErr.New(appErr.InfrastructureError)
		}
		rc := 0
		return sandbox.RunResult{ReturnCode: &rc}, nil
	}

	msg := f.submit(t, pythonMessage("t1"))
	if err := f.worker.HandleMessage(ctx, msg); err == nil {
		t.Fatal("first attempt should surface the error for redelivery")
	}
	rec, _ := f.store.Get(ctx, "t1")
	if rec.State != task.StateRetry {
		t.Fatalf("state = %s, want RETRY", rec.State)
	}

	fail = false
	if err := f.worker.HandleMessage(ctx, msg); err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	rec, _ = f.store.Get(ctx, "t1")
	if rec.State != task.StateSuccess {
		t.Fatalf("state = %s, want SUCCESS", rec.State)
	}
	if rec.AttemptCount != 2 {
		t.Errorf("attempts = %d, want 2", rec.AttemptCount)
	}
}

func TestHandleMessageExhaustsAttempts(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()

	f.exec.handle = func(sandbox.RunSpec) (sandbox.RunResult, error) {
		return sandbox.RunResult{}, appErr.New(appErr.InfrastructureError)
	}

	msg := f.submit(t, pythonMessage("t1"))
	if err := f.worker.HandleMessage(ctx, msg); err == nil {
		t.Fatal("first attempt should ask for redelivery")
	}
	if err := f.worker.HandleMessage(ctx, msg); err != nil {
		t.Fatalf("final attempt should commit, got %v", err)
	}

	rec, _ := f.store.Get(ctx, "t1")
	if rec.State != task.StateFailure {
		t.Fatalf("state = %s, want FAILURE", rec.State)
	}
	if rec.Result.Error == nil || rec.Result.Error.Kind != task.FailInfrastructure {
		t.Errorf("error = %+v, want infrastructure kind", rec.Result.Error)
	}
	if f.exec.calls() != 2 {
		t.Errorf("executions = %d, want 2", f.exec.calls())
	}
}

func TestHandleMessageHonorsRevokeFlag(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()

	msg := f.submit(t, pythonMessage("t1"))

	// Move the task into STARTED so Revoke only sets the flag, then let the
	// redelivered message claim it back.
	if _, err := f.store.Transition(ctx, "t1", task.StateReceived, true, nil); err != nil {
		t.Fatalf("to RECEIVED: %v", err)
	}
	if _, err := f.store.Transition(ctx, "t1", task.StateStarted, false, nil); err != nil {
		t.Fatalf("to STARTED: %v", err)
	}
	if _, _, err := f.store.Revoke(ctx, "t1"); err != nil {
		t.Fatalf("Revoke: %v", err)
	}

	if err := f.worker.HandleMessage(ctx, msg); err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
	rec, _ := f.store.Get(ctx, "t1")
	if rec.State != task.StateRevoked {
		t.Fatalf("state = %s, want REVOKED", rec.State)
	}
	if f.exec.calls() != 0 {
		t.Errorf("executions = %d, want 0 for revoked task", f.exec.calls())
	}
}

func TestHandleMessageDropsFinishedTask(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()

	msg := f.submit(t, pythonMessage("t1"))
	if _, _, err := f.store.Revoke(ctx, "t1"); err != nil {
		t.Fatalf("Revoke: %v", err)
	}

	if err := f.worker.HandleMessage(ctx, msg); err != nil {
		t.Fatalf("redelivery of terminal task should commit, got %v", err)
	}
	if f.exec.calls() != 0 {
		t.Errorf("executions = %d, want 0", f.exec.calls())
	}
}

func TestHandleMessageUnknownLanguage(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()

	msg := task.Message{TaskID: "t1", Language: "cobol", SourceCode: "DISPLAY 'HI'."}
	qmsg := f.submit(t, msg)

	if err := f.worker.HandleMessage(ctx, qmsg); err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
	rec, _ := f.store.Get(ctx, "t1")
	if rec.State != task.StateFailure {
		t.Fatalf("state = %s, want FAILURE", rec.State)
	}
	if rec.Result.Error == nil || rec.Result.Error.Kind != task.FailValidation {
		t.Errorf("error = %+v, want validation kind", rec.Result.Error)
	}
}

func TestHandleMessageMalformedBody(t *testing.T) {
	f := newFixture(t, 3)

	m := queue.NewMessage([]byte("{not json"))
	err := f.worker.HandleMessage(context.Background(), m)
	if !appErr.Is(err, appErr.InvalidMessage) {
		t.Fatalf("err = %v, want InvalidMessage", err)
	}
}

func TestHandleMessageUnknownTaskDropped(t *testing.T) {
	f := newFixture(t, 3)

	msg := f.queueMessage(t, pythonMessage("ghost"))
	if err := f.worker.HandleMessage(context.Background(), msg); err != nil {
		t.Fatalf("unknown task should be dropped, got %v", err)
	}
	if f.exec.calls() != 0 {
		t.Errorf("executions = %d, want 0", f.exec.calls())
	}
}

func TestHandleMessageMissingDeclaredOutputs(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()

	f.exec.handle = func(spec sandbox.RunSpec) (sandbox.RunResult, error) {
		if err := os.WriteFile(filepath.Join(spec.OutputDir, "a.txt"), []byte("x"), 0o644); err != nil {
			t.Fatalf("write output: %v", err)
		}
		rc := 0
		return sandbox.RunResult{ReturnCode: &rc}, nil
	}

	msg := f.submit(t, pythonMessage("t1", "a.txt", "b.txt"))
	if err := f.worker.HandleMessage(ctx, msg); err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}

	rec, _ := f.store.Get(ctx, "t1")
	if rec.State != task.StateFailure {
		t.Fatalf("state = %s, want FAILURE when a declared output is missing", rec.State)
	}
	res := rec.Result
	if res.Error == nil || res.Error.Kind != task.FailMissingOutput {
		t.Fatalf("error = %+v, want missing_output kind", res.Error)
	}
	if len(res.Error.MissingFiles) != 1 || res.Error.MissingFiles[0] != "b.txt" {
		t.Errorf("missing = %v, want [b.txt]", res.Error.MissingFiles)
	}
	if len(res.OutputFiles) != 1 || res.OutputFiles[0] != "a.txt" {
		t.Errorf("output files = %v, want the produced file kept on the record", res.OutputFiles)
	}
	if res.ReturnCode == nil || *res.ReturnCode != 0 {
		t.Errorf("return code = %v, want 0 preserved", res.ReturnCode)
	}
}

func TestHandleMessageRevokeDuringRun(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()

	f.exec.handleCtx = func(runCtx context.Context, _ sandbox.RunSpec) (sandbox.RunResult, error) {
		// Flag the task mid-run; the watcher should cancel the run context
		// the way killing the container does.
		if _, _, err := f.store.Revoke(ctx, "t1"); err != nil {
			t.Errorf("Revoke: %v", err)
		}
		select {
		case <-runCtx.Done():
			return sandbox.RunResult{}, appErr.Wrapf(runCtx.Err(), appErr.InfrastructureError, "sandbox run cancelled")
		case <-time.After(30 * time.Second):
			return sandbox.RunResult{}, fmt.Errorf("revoke never cancelled the run")
		}
	}

	msg := f.submit(t, pythonMessage("t1"))
	if err := f.worker.HandleMessage(ctx, msg); err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
	rec, _ := f.store.Get(ctx, "t1")
	if rec.State != task.StateRevoked {
		t.Fatalf("state = %s, want REVOKED", rec.State)
	}
}
