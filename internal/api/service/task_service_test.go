package service_test

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	apisvc "github.com/Mazene-ZERGUINE/CodeBox/internal/api/service"
	"github.com/Mazene-ZERGUINE/CodeBox/internal/cache"
	"github.com/Mazene-ZERGUINE/CodeBox/internal/lifecycle"
	"github.com/Mazene-ZERGUINE/CodeBox/internal/placeholder"
	"github.com/Mazene-ZERGUINE/CodeBox/internal/runtime"
	"github.com/Mazene-ZERGUINE/CodeBox/internal/sandbox"
	"github.com/Mazene-ZERGUINE/CodeBox/internal/storage"
	"github.com/Mazene-ZERGUINE/CodeBox/internal/task"
	appErr "github.com/Mazene-ZERGUINE/CodeBox/pkg/errors"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

type fakePublisher struct {
	mu   sync.Mutex
	sent []task.Message
	fail error
}

func (p *fakePublisher) PublishTask(_ context.Context, msg task.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail != nil {
		return p.fail
	}
	p.sent = append(p.sent, msg)
	return nil
}

func (p *fakePublisher) published() []task.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]task.Message(nil), p.sent...)
}

type fixture struct {
	svc     *apisvc.TaskService
	store   *lifecycle.Store
	manager *storage.Manager
	pub     *fakePublisher
	root    string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	c, err := cache.NewRedisCacheWithClient(client)
	if err != nil {
		t.Fatalf("NewRedisCacheWithClient: %v", err)
	}

	root := t.TempDir()
	store := lifecycle.NewStore(c, nil, time.Hour)
	manager := storage.NewManager(root)
	pub := &fakePublisher{}

	svc, err := apisvc.NewTaskService(apisvc.Config{
		Store:     store,
		Manager:   manager,
		Registry:  runtime.NewRegistry(),
		Rewriter:  placeholder.New(sandbox.InputMount, sandbox.OutputMount),
		Publisher: pub,
	})
	if err != nil {
		t.Fatalf("NewTaskService: %v", err)
	}
	return &fixture{svc: svc, store: store, manager: manager, pub: pub, root: root}
}

func textUpload(name, content string) apisvc.Upload {
	return apisvc.Upload{
		Filename:  name,
		SizeBytes: int64(len(content)),
		Open: func() (io.ReadCloser, error) {
			return io.NopCloser(strings.NewReader(content)), nil
		},
	}
}

func TestSubmitAcceptsPlainTask(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	receipt, err := f.svc.Submit(ctx, apisvc.SubmitInput{
		Language:   "python",
		SourceCode: "with open('OUT_result.txt', 'w') as fh:\n    fh.write('done')\n",
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if receipt.TaskID == "" {
		t.Fatal("empty task id")
	}
	if receipt.State != task.StatePending {
		t.Fatalf("state = %s, want PENDING", receipt.State)
	}

	rec, err := f.store.Get(ctx, receipt.TaskID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.State != task.StatePending {
		t.Fatalf("stored state = %s, want PENDING", rec.State)
	}
	if len(rec.DeclaredOutputs) != 1 || rec.DeclaredOutputs[0] != "result.txt" {
		t.Fatalf("declared outputs = %v", rec.DeclaredOutputs)
	}

	msgs := f.pub.published()
	if len(msgs) != 1 {
		t.Fatalf("published %d messages, want 1", len(msgs))
	}
	msg := msgs[0]
	if msg.TaskID != receipt.TaskID {
		t.Fatalf("message task id = %s, want %s", msg.TaskID, receipt.TaskID)
	}
	if !strings.Contains(msg.SourceCode, "/sandbox/out/result.txt") {
		t.Fatalf("source not rewritten: %q", msg.SourceCode)
	}
	if strings.Contains(msg.SourceCode, "OUT_") {
		t.Fatalf("placeholder token survived rewriting: %q", msg.SourceCode)
	}

	// File-less submissions must not touch the disk.
	if _, err := os.Stat(f.manager.Layout().InputDir(receipt.TaskID)); !os.IsNotExist(err) {
		t.Fatalf("input dir exists for file-less task: %v", err)
	}
	if _, err := os.Stat(f.manager.Layout().JobDir(receipt.TaskID)); !os.IsNotExist(err) {
		t.Fatalf("job dir exists for file-less task: %v", err)
	}
}

func TestSubmitStagesUploads(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	receipt, err := f.svc.Submit(ctx, apisvc.SubmitInput{
		Language:   "py",
		SourceCode: "data = open('IN_1').read() + open('IN_2').read()",
		InputFiles: []string{"a.txt", "b.txt"},
		Uploads: []apisvc.Upload{
			textUpload("b.txt", "second"),
			textUpload("a.txt", "first"),
		},
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	inputDir := f.manager.Layout().InputDir(receipt.TaskID)
	got, err := os.ReadFile(filepath.Join(inputDir, "a.txt"))
	if err != nil || string(got) != "first" {
		t.Fatalf("a.txt = %q, %v", got, err)
	}
	got, err = os.ReadFile(filepath.Join(inputDir, "b.txt"))
	if err != nil || string(got) != "second" {
		t.Fatalf("b.txt = %q, %v", got, err)
	}

	msg := f.pub.published()[0]
	if msg.Language != task.LangPython {
		t.Fatalf("language = %s, want python", msg.Language)
	}
	if len(msg.InputFiles) != 2 || msg.InputFiles[0] != "a.txt" || msg.InputFiles[1] != "b.txt" {
		t.Fatalf("input files = %v, declared order lost", msg.InputFiles)
	}
	if !strings.Contains(msg.SourceCode, "/sandbox/in/a.txt") ||
		!strings.Contains(msg.SourceCode, "/sandbox/in/b.txt") {
		t.Fatalf("inputs not resolved: %q", msg.SourceCode)
	}
}

func TestSubmitValidation(t *testing.T) {
	sixNames := []string{"a", "b", "c", "d", "e", "f"}
	sixUploads := make([]apisvc.Upload, len(sixNames))
	for i, name := range sixNames {
		sixUploads[i] = textUpload(name, "x")
	}

	cases := []struct {
		name  string
		input apisvc.SubmitInput
		code  appErr.ErrorCode
	}{
		{
			name:  "unknown language",
			input: apisvc.SubmitInput{Language: "cobol", SourceCode: "DISPLAY 'HI'"},
			code:  appErr.LanguageNotSupported,
		},
		{
			name:  "blank source",
			input: apisvc.SubmitInput{Language: "python", SourceCode: "   \n"},
			code:  appErr.EmptySource,
		},
		{
			name:  "input placeholder without files",
			input: apisvc.SubmitInput{Language: "python", SourceCode: "open('IN_1')"},
			code:  appErr.PlaceholderRange,
		},
		{
			name:  "malformed output token",
			input: apisvc.SubmitInput{Language: "python", SourceCode: "open('OUT_report')"},
			code:  appErr.PlaceholderFormat,
		},
		{
			name: "upload count mismatch",
			input: apisvc.SubmitInput{
				Language: "python", SourceCode: "x = 1",
				InputFiles: []string{"a.txt"},
			},
			code: appErr.FileMismatch,
		},
		{
			name: "undeclared upload",
			input: apisvc.SubmitInput{
				Language: "python", SourceCode: "x = 1",
				InputFiles: []string{"a.txt"},
				Uploads:    []apisvc.Upload{textUpload("b.txt", "x")},
			},
			code: appErr.FileMismatch,
		},
		{
			name: "duplicate declared input",
			input: apisvc.SubmitInput{
				Language: "python", SourceCode: "x = 1",
				InputFiles: []string{"a.txt", "a.txt"},
				Uploads:    []apisvc.Upload{textUpload("a.txt", "x"), textUpload("a.txt", "y")},
			},
			code: appErr.FileMismatch,
		},
		{
			name: "too many input files",
			input: apisvc.SubmitInput{
				Language: "python", SourceCode: "x = 1",
				InputFiles: sixNames,
				Uploads:    sixUploads,
			},
			code: appErr.TooManyInputFiles,
		},
		{
			name: "path traversal in filename",
			input: apisvc.SubmitInput{
				Language: "python", SourceCode: "x = 1",
				InputFiles: []string{"../escape.txt"},
				Uploads:    []apisvc.Upload{textUpload("../escape.txt", "x")},
			},
			code: appErr.InvalidFilename,
		},
		{
			name: "too many declared outputs",
			input: apisvc.SubmitInput{
				Language:   "python",
				SourceCode: "open('OUT_a.txt'); open('OUT_b.txt'); open('OUT_c.txt'); open('OUT_d.txt'); open('OUT_e.txt'); open('OUT_f.txt')",
			},
			code: appErr.TooManyOutputFiles,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			_, err := f.svc.Submit(context.Background(), tc.input)
			if !appErr.Is(err, tc.code) {
				t.Fatalf("err = %v, want code %d", err, tc.code)
			}
			if n := len(f.pub.published()); n != 0 {
				t.Fatalf("rejected submission published %d messages", n)
			}
		})
	}
}

func TestSubmitPublishFailureDiscardsFiles(t *testing.T) {
	f := newFixture(t)
	f.pub.fail = appErr.New(appErr.PublishFailed)

	_, err := f.svc.Submit(context.Background(), apisvc.SubmitInput{
		Language:   "python",
		SourceCode: "open('IN_1')",
		InputFiles: []string{"a.txt"},
		Uploads:    []apisvc.Upload{textUpload("a.txt", "x")},
	})
	if !appErr.Is(err, appErr.PublishFailed) {
		t.Fatalf("err = %v, want PublishFailed", err)
	}

	entries, err := os.ReadDir(filepath.Join(f.root, "in"))
	if err != nil && !os.IsNotExist(err) {
		t.Fatalf("read in/: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("staged files survived a failed publish: %v", entries)
	}
}

func TestStatusUnknownTask(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Status(context.Background(), "missing")
	if !appErr.Is(err, appErr.TaskNotFound) {
		t.Fatalf("err = %v, want TaskNotFound", err)
	}
	if _, err := f.svc.Status(context.Background(), ""); !appErr.Is(err, appErr.InvalidParams) {
		t.Fatalf("err = %v, want InvalidParams", err)
	}
}

func TestDownloadResolution(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.svc.Download(ctx, "missing"); !appErr.Is(err, appErr.TaskNotFound) {
		t.Fatalf("unknown task: err = %v, want TaskNotFound", err)
	}

	receipt, err := f.svc.Submit(ctx, apisvc.SubmitInput{
		Language:   "python",
		SourceCode: "open('OUT_a.csv'); open('OUT_b.csv')",
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	// Still pending, nothing produced yet.
	if _, err := f.svc.Download(ctx, receipt.TaskID); !appErr.Is(err, appErr.NoOutputs) {
		t.Fatalf("pending task: err = %v, want NoOutputs", err)
	}

	for _, to := range []task.State{task.StateReceived, task.StateStarted} {
		if _, err := f.store.Transition(ctx, receipt.TaskID, to, to == task.StateReceived, nil); err != nil {
			t.Fatalf("to %s: %v", to, err)
		}
	}
	rc := 0
	result := &task.ExecutionResult{
		Stdout:      "done",
		ReturnCode:  &rc,
		OutputFiles: []string{"a.csv", "b.csv"},
	}
	if _, err := f.store.Transition(ctx, receipt.TaskID, task.StateSuccess, false, result); err != nil {
		t.Fatalf("to SUCCESS: %v", err)
	}

	bundle, err := f.svc.Download(ctx, receipt.TaskID)
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if len(bundle.Files) != 2 || bundle.Files[0] != "a.csv" || bundle.Files[1] != "b.csv" {
		t.Fatalf("files = %v", bundle.Files)
	}
	if bundle.ArchiveName != receipt.TaskID+"_outputs.zip" {
		t.Fatalf("archive name = %s", bundle.ArchiveName)
	}
}

func TestOpenOutputStreamsLocalFile(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.manager.Prepare("t1"); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	path := filepath.Join(f.manager.Layout().OutputDir("t1"), "r.txt")
	if err := os.WriteFile(path, []byte("payload"), 0o644); err != nil {
		t.Fatalf("write output: %v", err)
	}

	rc, size, err := f.svc.OpenOutput(ctx, "t1", "r.txt")
	if err != nil {
		t.Fatalf("OpenOutput: %v", err)
	}
	defer rc.Close()
	if size != int64(len("payload")) {
		t.Fatalf("size = %d", size)
	}
	data, err := io.ReadAll(rc)
	if err != nil || string(data) != "payload" {
		t.Fatalf("read = %q, %v", data, err)
	}

	if _, _, err := f.svc.OpenOutput(ctx, "t1", "absent.txt"); !appErr.Is(err, appErr.MissingOutput) {
		t.Fatalf("err = %v, want MissingOutput", err)
	}
}

func TestRevokeLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	receipt, err := f.svc.Submit(ctx, apisvc.SubmitInput{
		Language:   "python",
		SourceCode: "print('hi')",
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	state, moved, err := f.svc.Revoke(ctx, receipt.TaskID)
	if err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if !moved || state != task.StateRevoked {
		t.Fatalf("state = %s moved = %v, want REVOKED/true", state, moved)
	}

	state, moved, err = f.svc.Revoke(ctx, receipt.TaskID)
	if err != nil {
		t.Fatalf("second Revoke: %v", err)
	}
	if moved || state != task.StateRevoked {
		t.Fatalf("second revoke: state = %s moved = %v", state, moved)
	}

	if _, _, err := f.svc.Revoke(ctx, "missing"); !appErr.Is(err, appErr.TaskNotFound) {
		t.Fatalf("err = %v, want TaskNotFound", err)
	}
}
