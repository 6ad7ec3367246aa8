package command

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"os"
	"path/filepath"
	"strings"
)

// Registry returns all CLI commands keyed by "service action".
func Registry() map[string]Command {
	commands := []Command{
		{
			Service:      "task",
			Action:       "submit",
			Method:       "POST",
			PathTemplate: "/api/v1/tasks",
			Fields: []Field{
				{Name: "language", Aliases: []string{"lang"}, Prompt: "language", Type: FieldString, Required: true},
				{Name: "source_code", Aliases: []string{"code"}, Prompt: "source_code", Type: FieldString, Required: false},
				{Name: "source_file", Aliases: []string{"file"}, Prompt: "source_file", Type: FieldFile, Required: false},
			},
		},
		{
			Service:      "task",
			Action:       "submit-files",
			Method:       "POST",
			PathTemplate: "/api/v1/tasks/files",
			Fields: []Field{
				{Name: "language", Aliases: []string{"lang"}, Prompt: "language", Type: FieldString, Required: true},
				{Name: "source_code", Aliases: []string{"code"}, Prompt: "source_code", Type: FieldString, Required: false},
				{Name: "source_file", Aliases: []string{"file"}, Prompt: "source_file", Type: FieldFile, Required: false},
				{Name: "files", Prompt: "files (comma-separated paths)", Type: FieldStringList, Required: true},
				{Name: "input_files", Prompt: "input_files (comma-separated names)", Type: FieldStringList, Required: false},
			},
		},
		{
			Service:      "task",
			Action:       "status",
			Method:       "GET",
			PathTemplate: "/api/v1/tasks/:id",
			Fields: []Field{
				{Name: "id", Aliases: []string{"task_id"}, Prompt: "task_id", Type: FieldString, Required: true},
			},
		},
		{
			Service:      "task",
			Action:       "download",
			Method:       "GET",
			PathTemplate: "/api/v1/tasks/:id/download",
			Download:     true,
			Fields: []Field{
				{Name: "id", Aliases: []string{"task_id"}, Prompt: "task_id", Type: FieldString, Required: true},
				{Name: "out", Prompt: "out (local path)", Type: FieldString, Required: false},
			},
		},
		{
			Service:      "task",
			Action:       "revoke",
			Method:       "POST",
			PathTemplate: "/api/v1/tasks/:id/revoke",
			Fields: []Field{
				{Name: "id", Aliases: []string{"task_id"}, Prompt: "task_id", Type: FieldString, Required: true},
			},
		},
		{
			Service:      "core",
			Action:       "ping",
			Method:       "GET",
			PathTemplate: "/api/v1/core/ping",
		},
		{
			Service:      "core",
			Action:       "health",
			Method:       "GET",
			PathTemplate: "/healthz",
		},
	}

	result := make(map[string]Command, len(commands))
	for _, cmd := range commands {
		key := fmt.Sprintf("%s %s", cmd.Service, cmd.Action)
		result[key] = cmd
	}
	return result
}

// BuildRequest creates HTTP request spec based on command.
func BuildRequest(cmd Command, params Params) (RequestSpec, error) {
	params.Canonicalize(cmd.Fields)
	path, err := buildPath(cmd.PathTemplate, params)
	if err != nil {
		return RequestSpec{}, err
	}

	headers := map[string]string{}
	var body []byte
	if cmd.Method != "GET" && cmd.Method != "DELETE" {
		if cmd.Service == "task" && cmd.Action == "submit-files" {
			contentType, raw, err := buildSubmitFilesBody(params)
			if err != nil {
				return RequestSpec{}, err
			}
			headers["Content-Type"] = contentType
			body = raw
		} else {
			payload, err := buildPayload(cmd, params)
			if err != nil {
				return RequestSpec{}, err
			}
			if payload != nil {
				body, err = json.Marshal(payload)
				if err != nil {
					return RequestSpec{}, fmt.Errorf("marshal request body failed: %w", err)
				}
			}
		}
	}

	return RequestSpec{
		Method:  cmd.Method,
		Path:    path,
		Headers: headers,
		Body:    body,
	}, nil
}

func buildPath(template string, params Params) (string, error) {
	path := template
	if strings.Contains(path, ":id") {
		value := params.Get("id")
		if value == "" {
			return "", fmt.Errorf("missing path parameter: id")
		}
		path = strings.ReplaceAll(path, ":id", value)
	}
	return path, nil
}

func buildPayload(cmd Command, params Params) (interface{}, error) {
	if cmd.Service == "task" && cmd.Action == "submit" {
		return buildTaskSubmitPayload(params)
	}
	return nil, nil
}

func buildTaskSubmitPayload(params Params) (interface{}, error) {
	sourceCode, err := resolveSourceCode(params)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"language":    params.Get("language"),
		"source_code": sourceCode,
	}, nil
}

// buildSubmitFilesBody assembles the multipart form the API expects:
// text fields "language" and "source_code", one "input_files" field per
// declared name, and the uploads themselves as "files" parts. When no
// explicit input_files list is given, the declared names default to the
// basenames of the uploaded paths.
func buildSubmitFilesBody(params Params) (string, []byte, error) {
	sourceCode, err := resolveSourceCode(params)
	if err != nil {
		return "", nil, err
	}

	paths := ParseStringList(params.Get("files"))
	if len(paths) == 0 {
		return "", nil, fmt.Errorf("files is required")
	}

	declared := ParseStringList(params.Get("input_files"))
	if len(declared) == 0 {
		declared = make([]string, 0, len(paths))
		for _, p := range paths {
			declared = append(declared, filepath.Base(p))
		}
	}

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	if err := writer.WriteField("language", params.Get("language")); err != nil {
		return "", nil, fmt.Errorf("write language field failed: %w", err)
	}
	if err := writer.WriteField("source_code", sourceCode); err != nil {
		return "", nil, fmt.Errorf("write source_code field failed: %w", err)
	}
	for _, name := range declared {
		if err := writer.WriteField("input_files", name); err != nil {
			return "", nil, fmt.Errorf("write input_files field failed: %w", err)
		}
	}
	for _, path := range paths {
		if err := appendFilePart(writer, path); err != nil {
			return "", nil, err
		}
	}
	if err := writer.Close(); err != nil {
		return "", nil, fmt.Errorf("finalize multipart body failed: %w", err)
	}
	return writer.FormDataContentType(), buf.Bytes(), nil
}

func appendFilePart(writer *multipart.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open input file failed: %w", err)
	}
	defer f.Close()

	part, err := writer.CreateFormFile("files", filepath.Base(path))
	if err != nil {
		return fmt.Errorf("create file part failed: %w", err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return fmt.Errorf("copy input file failed: %w", err)
	}
	return nil
}

func resolveSourceCode(params Params) (string, error) {
	sourceCode := params.Get("source_code")
	if (sourceCode == "" || sourceCode == "_file_") && params.Get("source_file") != "" {
		data, err := ReadFile(params.Get("source_file"))
		if err != nil {
			return "", err
		}
		sourceCode = data
	}
	if sourceCode == "" {
		return "", fmt.Errorf("source_code is required")
	}
	return sourceCode, nil
}
