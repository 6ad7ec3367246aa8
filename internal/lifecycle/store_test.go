package lifecycle_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/Mazene-ZERGUINE/CodeBox/internal/cache"
	"github.com/Mazene-ZERGUINE/CodeBox/internal/lifecycle"
	"github.com/Mazene-ZERGUINE/CodeBox/internal/task"
	appErr "github.com/Mazene-ZERGUINE/CodeBox/pkg/errors"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

type fakeArchive struct {
	mu      sync.Mutex
	saved   []task.StatusRecord
	records map[string]task.StatusRecord
}

func (f *fakeArchive) SaveFinal(_ context.Context, rec task.StatusRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved = append(f.saved, rec)
	return nil
}

func (f *fakeArchive) Find(_ context.Context, taskID string) (task.StatusRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if rec, ok := f.records[taskID]; ok {
		return rec, nil
	}
	return task.StatusRecord{}, appErr.Newf(appErr.TaskNotFound, "task %s not found", taskID)
}

func (f *fakeArchive) savedStates() []task.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	states := make([]task.State, 0, len(f.saved))
	for _, rec := range f.saved {
		states = append(states, rec.State)
	}
	return states
}

func newTestStore(t *testing.T, archive lifecycle.Archive) (*lifecycle.Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	c, err := cache.NewRedisCacheWithClient(client)
	if err != nil {
		t.Fatalf("NewRedisCacheWithClient: %v", err)
	}
	return lifecycle.NewStore(c, archive, time.Hour), mr
}

func pendingRecord(id string) task.StatusRecord {
	return task.StatusRecord{
		TaskID:          id,
		State:           task.StatePending,
		Language:        task.LangPython,
		DeclaredOutputs: []string{"out.txt"},
		CreatedAt:       time.Now(),
	}
}

// startTask drives a fresh task to STARTED.
func startTask(t *testing.T, store *lifecycle.Store, id string) {
	t.Helper()
	ctx := context.Background()
	if err := store.Create(ctx, pendingRecord(id)); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := store.Transition(ctx, id, task.StateReceived, true, nil); err != nil {
		t.Fatalf("to RECEIVED: %v", err)
	}
	if _, err := store.Transition(ctx, id, task.StateStarted, false, nil); err != nil {
		t.Fatalf("to STARTED: %v", err)
	}
}

func TestCreateAndGet(t *testing.T) {
	store, _ := newTestStore(t, nil)
	ctx := context.Background()

	if err := store.Create(ctx, pendingRecord("t1")); err != nil {
		t.Fatalf("Create: %v", err)
	}

	rec, err := store.Get(ctx, "t1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.State != task.StatePending {
		t.Errorf("state = %s, want PENDING", rec.State)
	}
	if rec.AttemptCount != 0 {
		t.Errorf("attempts = %d, want 0", rec.AttemptCount)
	}
	if rec.Language != task.LangPython {
		t.Errorf("language = %s, want python", rec.Language)
	}
	if len(rec.DeclaredOutputs) != 1 || rec.DeclaredOutputs[0] != "out.txt" {
		t.Errorf("declared outputs = %v, want [out.txt]", rec.DeclaredOutputs)
	}
	if rec.CreatedAt.IsZero() {
		t.Error("created_at not set")
	}
	if rec.Result != nil {
		t.Errorf("result = %+v, want nil", rec.Result)
	}
}

func TestCreateDuplicate(t *testing.T) {
	store, _ := newTestStore(t, nil)
	ctx := context.Background()

	if err := store.Create(ctx, pendingRecord("t1")); err != nil {
		t.Fatalf("first Create: %v", err)
	}
	err := store.Create(ctx, pendingRecord("t1"))
	if !appErr.Is(err, appErr.TaskAlreadyExists) {
		t.Fatalf("second Create err = %v, want TaskAlreadyExists", err)
	}
}

func TestGetMissing(t *testing.T) {
	store, _ := newTestStore(t, nil)

	_, err := store.Get(context.Background(), "nope")
	if !appErr.Is(err, appErr.TaskNotFound) {
		t.Fatalf("err = %v, want TaskNotFound", err)
	}
}

func TestTransitionHappyPath(t *testing.T) {
	store, _ := newTestStore(t, nil)
	ctx := context.Background()

	if err := store.Create(ctx, pendingRecord("t1")); err != nil {
		t.Fatalf("Create: %v", err)
	}

	rec, err := store.Transition(ctx, "t1", task.StateReceived, true, nil)
	if err != nil {
		t.Fatalf("to RECEIVED: %v", err)
	}
	if rec.AttemptCount != 1 {
		t.Errorf("attempts after RECEIVED = %d, want 1", rec.AttemptCount)
	}

	rec, err = store.Transition(ctx, "t1", task.StateStarted, false, nil)
	if err != nil {
		t.Fatalf("to STARTED: %v", err)
	}
	if rec.HeartbeatAt.IsZero() {
		t.Error("heartbeat not set on STARTED")
	}
	if n, _ := store.RunningCount(ctx); n != 1 {
		t.Errorf("running count = %d, want 1", n)
	}

	rc := 0
	result := &task.ExecutionResult{Stdout: "hi\n", ReturnCode: &rc, OutputFiles: []string{"out.txt"}}
	rec, err = store.Transition(ctx, "t1", task.StateSuccess, false, result)
	if err != nil {
		t.Fatalf("to SUCCESS: %v", err)
	}
	if rec.State != task.StateSuccess {
		t.Errorf("state = %s, want SUCCESS", rec.State)
	}
	if rec.Result == nil || rec.Result.Stdout != "hi\n" {
		t.Errorf("result = %+v, want stdout hi", rec.Result)
	}
	if rec.Result.ReturnCode == nil || *rec.Result.ReturnCode != 0 {
		t.Errorf("return code = %v, want 0", rec.Result.ReturnCode)
	}
	if n, _ := store.RunningCount(ctx); n != 0 {
		t.Errorf("running count after terminal = %d, want 0", n)
	}
}

func TestTransitionConflict(t *testing.T) {
	store, _ := newTestStore(t, nil)
	ctx := context.Background()

	if err := store.Create(ctx, pendingRecord("t1")); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := store.Transition(ctx, "t1", task.StateReceived, true, nil); err != nil {
		t.Fatalf("to RECEIVED: %v", err)
	}

	_, err := store.Transition(ctx, "t1", task.StateSuccess, false, nil)
	if !appErr.Is(err, appErr.StateConflict) {
		t.Fatalf("RECEIVED -> SUCCESS err = %v, want StateConflict", err)
	}
}

func TestReceivedReclaimsStartedTask(t *testing.T) {
	store, _ := newTestStore(t, nil)
	ctx := context.Background()
	startTask(t, store, "t1")

	// A redelivered message may claim a task whose previous worker died.
	rec, err := store.Transition(ctx, "t1", task.StateReceived, true, nil)
	if err != nil {
		t.Fatalf("re-claim: %v", err)
	}
	if rec.AttemptCount != 2 {
		t.Errorf("attempts = %d, want 2", rec.AttemptCount)
	}
	if n, _ := store.RunningCount(ctx); n != 0 {
		t.Errorf("running count = %d, want 0 after re-claim", n)
	}
}

func TestTerminalStatesAreAbsorbing(t *testing.T) {
	store, _ := newTestStore(t, nil)
	ctx := context.Background()
	startTask(t, store, "t1")

	if _, err := store.Transition(ctx, "t1", task.StateSuccess, false, nil); err != nil {
		t.Fatalf("to SUCCESS: %v", err)
	}

	for _, to := range []task.State{task.StateReceived, task.StateStarted, task.StateRetry, task.StateRevoked} {
		if _, err := store.Transition(ctx, "t1", to, false, nil); !appErr.Is(err, appErr.StateConflict) {
			t.Errorf("SUCCESS -> %s err = %v, want StateConflict", to, err)
		}
	}
}

func TestTransitionMissingTask(t *testing.T) {
	store, _ := newTestStore(t, nil)

	_, err := store.Transition(context.Background(), "ghost", task.StateReceived, true, nil)
	if !appErr.Is(err, appErr.TaskNotFound) {
		t.Fatalf("err = %v, want TaskNotFound", err)
	}
}

func TestRevokePendingTask(t *testing.T) {
	store, _ := newTestStore(t, nil)
	ctx := context.Background()

	if err := store.Create(ctx, pendingRecord("t1")); err != nil {
		t.Fatalf("Create: %v", err)
	}

	state, moved, err := store.Revoke(ctx, "t1")
	if err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if !moved || state != task.StateRevoked {
		t.Fatalf("Revoke = (%s, %v), want (REVOKED, true)", state, moved)
	}

	if revoked, _ := store.IsRevoked(ctx, "t1"); !revoked {
		t.Error("revoke flag not set")
	}
	rec, err := store.Get(ctx, "t1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.State != task.StateRevoked {
		t.Errorf("state = %s, want REVOKED", rec.State)
	}
}

func TestRevokeStartedTaskOnlyFlags(t *testing.T) {
	store, _ := newTestStore(t, nil)
	ctx := context.Background()
	startTask(t, store, "t1")

	state, moved, err := store.Revoke(ctx, "t1")
	if err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if moved {
		t.Error("Revoke moved a STARTED task")
	}
	if state != task.StateStarted {
		t.Errorf("state = %s, want STARTED", state)
	}
	if revoked, _ := store.IsRevoked(ctx, "t1"); !revoked {
		t.Error("revoke flag not set for STARTED task")
	}
}

func TestRevokeFinishedTask(t *testing.T) {
	store, _ := newTestStore(t, nil)
	ctx := context.Background()
	startTask(t, store, "t1")
	if _, err := store.Transition(ctx, "t1", task.StateSuccess, false, nil); err != nil {
		t.Fatalf("to SUCCESS: %v", err)
	}

	state, moved, err := store.Revoke(ctx, "t1")
	if err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if moved {
		t.Fatal("revoking a finished task must not move it")
	}
	if state != task.StateSuccess {
		t.Fatalf("state = %s, want SUCCESS", state)
	}

	revoked, err := store.IsRevoked(ctx, "t1")
	if err != nil {
		t.Fatalf("IsRevoked: %v", err)
	}
	if revoked {
		t.Fatal("revoke flag should be dropped for a finished task")
	}
}

func TestRevokeIsIdempotent(t *testing.T) {
	store, _ := newTestStore(t, nil)
	ctx := context.Background()

	if err := store.Create(ctx, pendingRecord("t1")); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, _, err := store.Revoke(ctx, "t1"); err != nil {
		t.Fatalf("first Revoke: %v", err)
	}

	state, moved, err := store.Revoke(ctx, "t1")
	if err != nil {
		t.Fatalf("second Revoke: %v", err)
	}
	if moved || state != task.StateRevoked {
		t.Fatalf("second Revoke = (%s, %v), want (REVOKED, false)", state, moved)
	}
}

func TestRevokeMissingTask(t *testing.T) {
	store, _ := newTestStore(t, nil)

	_, _, err := store.Revoke(context.Background(), "ghost")
	if !appErr.Is(err, appErr.TaskNotFound) {
		t.Fatalf("err = %v, want TaskNotFound", err)
	}
}

func TestHeartbeat(t *testing.T) {
	store, _ := newTestStore(t, nil)
	ctx := context.Background()
	startTask(t, store, "t1")

	alive, err := store.Heartbeat(ctx, "t1")
	if err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	if !alive {
		t.Error("heartbeat on STARTED task reported stale")
	}

	if _, err := store.Transition(ctx, "t1", task.StateSuccess, false, nil); err != nil {
		t.Fatalf("to SUCCESS: %v", err)
	}
	alive, err = store.Heartbeat(ctx, "t1")
	if err != nil {
		t.Fatalf("Heartbeat after terminal: %v", err)
	}
	if alive {
		t.Error("heartbeat on finished task reported alive")
	}
}

func TestStaleStarted(t *testing.T) {
	store, _ := newTestStore(t, nil)
	ctx := context.Background()
	startTask(t, store, "t1")

	stale, err := store.StaleStarted(ctx, time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("StaleStarted: %v", err)
	}
	if len(stale) != 1 || stale[0] != "t1" {
		t.Errorf("stale = %v, want [t1]", stale)
	}

	stale, err = store.StaleStarted(ctx, time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("StaleStarted: %v", err)
	}
	if len(stale) != 0 {
		t.Errorf("stale = %v, want none", stale)
	}
}

func TestTerminalTransitionArchives(t *testing.T) {
	arch := &fakeArchive{records: map[string]task.StatusRecord{}}
	store, _ := newTestStore(t, arch)
	ctx := context.Background()
	startTask(t, store, "t1")

	result := &task.ExecutionResult{
		Error: &task.ExecError{Kind: task.FailTimeout, Message: "execution timed out"},
	}
	if _, err := store.Transition(ctx, "t1", task.StateFailure, false, result); err != nil {
		t.Fatalf("to FAILURE: %v", err)
	}

	states := arch.savedStates()
	if len(states) != 1 || states[0] != task.StateFailure {
		t.Fatalf("archived states = %v, want [FAILURE]", states)
	}
}

func TestGetFallsBackToArchive(t *testing.T) {
	rc := 0
	archived := task.StatusRecord{
		TaskID:       "old",
		State:        task.StateSuccess,
		AttemptCount: 1,
		Language:     task.LangC,
		Result:       &task.ExecutionResult{Stdout: "done\n", ReturnCode: &rc},
		CreatedAt:    time.Now().Add(-48 * time.Hour),
		UpdatedAt:    time.Now().Add(-48 * time.Hour),
	}
	arch := &fakeArchive{records: map[string]task.StatusRecord{"old": archived}}
	store, mr := newTestStore(t, arch)
	ctx := context.Background()

	rec, err := store.Get(ctx, "old")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.State != task.StateSuccess || rec.Result == nil || rec.Result.Stdout != "done\n" {
		t.Errorf("archived record = %+v", rec)
	}

	// The archive hit re-caches the record.
	if !mr.Exists("codebox:task:old") {
		t.Error("archived record not written back to cache")
	}
}
