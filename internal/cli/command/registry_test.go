package command_test

import (
	"bytes"
	"encoding/json"
	"io"
	"mime"
	"mime/multipart"
	"os"
	"path/filepath"
	"testing"

	"github.com/Mazene-ZERGUINE/CodeBox/internal/cli/command"
)

func TestBuildSubmitWithSourceFile(t *testing.T) {
	dir := t.TempDir()
	sourcePath := filepath.Join(dir, "main.py")
	if err := os.WriteFile(sourcePath, []byte("print('hi')"), 0o600); err != nil {
		t.Fatalf("write temp source failed: %v", err)
	}

	cmd := command.Registry()["task submit"]
	params := command.Params{}
	params.Set("language", "python")
	params.Set("source_file", sourcePath)
	params.Set("source_code", "_file_")

	req, err := command.BuildRequest(cmd, params)
	if err != nil {
		t.Fatalf("build request failed: %v", err)
	}
	if req.Method != "POST" || req.Path != "/api/v1/tasks" {
		t.Fatalf("unexpected request target: %s %s", req.Method, req.Path)
	}
	var payload map[string]interface{}
	if err := json.Unmarshal(req.Body, &payload); err != nil {
		t.Fatalf("unmarshal body failed: %v", err)
	}
	if payload["language"] != "python" {
		t.Fatalf("language = %v", payload["language"])
	}
	if payload["source_code"] != "print('hi')" {
		t.Fatalf("source_code = %v", payload["source_code"])
	}
}

func TestBuildSubmitFilesMultipart(t *testing.T) {
	dir := t.TempDir()
	dataPath := filepath.Join(dir, "data.csv")
	if err := os.WriteFile(dataPath, []byte("a,b\n1,2\n"), 0o600); err != nil {
		t.Fatalf("write temp input failed: %v", err)
	}

	cmd := command.Registry()["task submit-files"]
	params := command.Params{}
	params.Set("language", "python")
	params.Set("source_code", "open('IN_0').read()")
	params.Set("files", dataPath)

	req, err := command.BuildRequest(cmd, params)
	if err != nil {
		t.Fatalf("build request failed: %v", err)
	}
	mediaType, mtParams, err := mime.ParseMediaType(req.Headers["Content-Type"])
	if err != nil {
		t.Fatalf("parse content type failed: %v", err)
	}
	if mediaType != "multipart/form-data" {
		t.Fatalf("media type = %s", mediaType)
	}

	form, err := multipart.NewReader(bytes.NewReader(req.Body), mtParams["boundary"]).ReadForm(1 << 20)
	if err != nil {
		t.Fatalf("read form failed: %v", err)
	}
	defer form.RemoveAll()

	if got := form.Value["language"]; len(got) != 1 || got[0] != "python" {
		t.Fatalf("language field = %v", got)
	}
	if got := form.Value["input_files"]; len(got) != 1 || got[0] != "data.csv" {
		t.Fatalf("input_files field = %v", got)
	}
	files := form.File["files"]
	if len(files) != 1 || files[0].Filename != "data.csv" {
		t.Fatalf("file parts = %+v", files)
	}
	f, err := files[0].Open()
	if err != nil {
		t.Fatalf("open file part failed: %v", err)
	}
	defer f.Close()
	content, err := io.ReadAll(f)
	if err != nil {
		t.Fatalf("read file part failed: %v", err)
	}
	if string(content) != "a,b\n1,2\n" {
		t.Fatalf("file part content = %q", content)
	}
}

func TestBuildPathParams(t *testing.T) {
	cmd := command.Registry()["task download"]
	if !cmd.Download {
		t.Fatal("download command should be flagged for file output")
	}
	params := command.Params{}
	params.Set("task_id", "6f1c9f0e")
	req, err := command.BuildRequest(cmd, params)
	if err != nil {
		t.Fatalf("build request failed: %v", err)
	}
	if req.Path != "/api/v1/tasks/6f1c9f0e/download" {
		t.Fatalf("path = %s", req.Path)
	}
}

func TestBuildPathMissingID(t *testing.T) {
	cmd := command.Registry()["task status"]
	if _, err := command.BuildRequest(cmd, command.Params{}); err == nil {
		t.Fatal("expected error for missing id")
	}
}
