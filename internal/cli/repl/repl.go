package repl

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Mazene-ZERGUINE/CodeBox/internal/cli/command"
	httpclient "github.com/Mazene-ZERGUINE/CodeBox/internal/cli/http"
	"github.com/Mazene-ZERGUINE/CodeBox/internal/cli/state"
	pkgerrors "github.com/Mazene-ZERGUINE/CodeBox/pkg/errors"

	"github.com/chzyer/readline"
	"github.com/google/shlex"
)

const promptText = "codebox> "

// Session holds REPL state.
type Session struct {
	client       *httpclient.Client
	commands     map[string]command.Command
	session      *state.SessionState
	statePath    string
	prettyJSON   bool
	rl           *readline.Instance
	outputWriter *bufio.Writer
}

func New(client *httpclient.Client, commands map[string]command.Command, sess *state.SessionState, statePath string, prettyJSON bool) *Session {
	return &Session{
		client:       client,
		commands:     commands,
		session:      sess,
		statePath:    statePath,
		prettyJSON:   prettyJSON,
		outputWriter: bufio.NewWriter(os.Stdout),
	}
}

func (s *Session) Run(ctx context.Context) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          promptText,
		HistoryFile:     filepath.Join(os.TempDir(), ".codebox_cli_history"),
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("init readline failed: %w", err)
	}
	defer func() { _ = rl.Close() }()
	s.rl = rl

	for {
		line, err := rl.Readline()
		if err == readline.ErrInterrupt {
			if len(line) == 0 {
				s.printLine("bye")
				return nil
			}
			continue
		}
		if err == io.EOF {
			s.printLine("bye")
			return nil
		}
		if err != nil {
			s.printLine("read input failed: %v", err)
			return nil
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if line == "exit" || line == "quit" {
			s.printLine("bye")
			return nil
		}
		if s.handleSystemCommand(line) {
			continue
		}

		if err := s.handleCommand(ctx, line); err != nil {
			s.printLine("error: %v", err)
		}
	}
}

func (s *Session) handleSystemCommand(line string) bool {
	if line == "help" {
		s.printHelp()
		return true
	}
	if strings.HasPrefix(line, "set ") {
		s.handleSet(strings.TrimSpace(strings.TrimPrefix(line, "set ")))
		return true
	}
	if strings.HasPrefix(line, "show ") {
		s.handleShow(strings.TrimSpace(strings.TrimPrefix(line, "show ")))
		return true
	}
	return false
}

func (s *Session) handleSet(args string) {
	parts := strings.Fields(args)
	if len(parts) == 0 {
		s.printLine("usage: set base|timeout")
		return
	}
	switch parts[0] {
	case "base":
		if len(parts) < 2 {
			s.printLine("usage: set base http://127.0.0.1:8080")
			return
		}
		s.client.SetBaseURL(parts[1])
		s.printLine("base set to %s", parts[1])
	case "timeout":
		if len(parts) < 2 {
			s.printLine("usage: set timeout 10s")
			return
		}
		dur, err := time.ParseDuration(parts[1])
		if err != nil {
			s.printLine("invalid duration: %v", err)
			return
		}
		s.client.SetTimeout(dur)
		s.printLine("timeout set to %s", dur)
	default:
		s.printLine("unknown set command")
	}
}

func (s *Session) handleShow(args string) {
	switch args {
	case "last":
		if s.session.LastTaskID == "" {
			s.printLine("last task: <none>")
			return
		}
		s.printLine("last task: %s (submitted %s)", s.session.LastTaskID, s.session.SubmittedAt.Format(time.RFC3339))
	case "config":
		s.printLine("statePath: %s", s.statePath)
	default:
		s.printLine("usage: show last|config")
	}
}

func (s *Session) handleCommand(ctx context.Context, line string) error {
	tokens, err := shlex.Split(line)
	if err != nil {
		return fmt.Errorf("parse command failed: %w", err)
	}
	if len(tokens) < 2 {
		return fmt.Errorf("invalid command, use: <service> <action> key=value ...")
	}
	service := tokens[0]
	action := tokens[1]
	key := fmt.Sprintf("%s %s", service, action)
	cmd, ok := s.commands[key]
	if !ok {
		return fmt.Errorf("unknown command: %s %s", service, action)
	}
	params := command.Params{}
	for _, token := range tokens[2:] {
		parts := strings.SplitN(token, "=", 2)
		if len(parts) != 2 {
			return fmt.Errorf("invalid param: %s", token)
		}
		params.Set(parts[0], parts[1])
	}

	s.applyParamShortcuts(&cmd, params)
	if err := s.promptMissing(&cmd, params); err != nil {
		return err
	}
	req, err := command.BuildRequest(cmd, params)
	if err != nil {
		return err
	}
	resp, err := s.client.Do(ctx, req.Method, req.Path, req.Headers, req.Body)
	if err != nil {
		return err
	}
	if cmd.Download && resp.StatusCode == http.StatusOK {
		return s.saveDownload(params, resp)
	}
	s.renderResponse(resp)
	s.updateSessionFromResponse(cmd, resp.Body)
	return nil
}

func (s *Session) applyParamShortcuts(cmd *command.Command, params command.Params) {
	if cmd.Service != "task" {
		return
	}
	switch cmd.Action {
	case "submit", "submit-files":
		if params.Get("source_file") != "" && params.Get("source_code") == "" {
			params.Set("source_code", "_file_")
		}
	case "status", "download", "revoke":
		if params.Get("id") == "" && params.Get("task_id") == "" && s.session.LastTaskID != "" {
			params.Set("id", s.session.LastTaskID)
		}
	}
}

func (s *Session) promptMissing(cmd *command.Command, params command.Params) error {
	for _, field := range cmd.Fields {
		if !field.Required {
			continue
		}
		if params.Has(field.Name) && params.Get(field.Name) != "" && params.Get(field.Name) != "_file_" {
			continue
		}
		if params.Get(field.Name) == "_file_" {
			continue
		}
		value, err := s.promptValue(field.Prompt)
		if err != nil {
			return err
		}
		params.Set(field.Name, value)
	}
	return nil
}

func (s *Session) promptValue(prompt string) (string, error) {
	s.rl.SetPrompt(prompt + ": ")
	defer s.rl.SetPrompt(promptText)
	line, err := s.rl.Readline()
	if err != nil {
		return "", fmt.Errorf("read input failed: %w", err)
	}
	return strings.TrimSpace(line), nil
}

func (s *Session) renderResponse(resp httpclient.ResponseInfo) {
	s.printLine("HTTP %d (%s)", resp.StatusCode, resp.Duration)
	if len(resp.Body) == 0 {
		return
	}
	if s.prettyJSON {
		var raw interface{}
		if err := json.Unmarshal(resp.Body, &raw); err == nil {
			formatted, _ := json.MarshalIndent(raw, "", "  ")
			s.printLine("%s", string(formatted))
			return
		}
	}
	s.printLine("%s", string(resp.Body))
}

// saveDownload writes the response body to disk instead of echoing it,
// since the download endpoint streams raw output files or a zip.
func (s *Session) saveDownload(params command.Params, resp httpclient.ResponseInfo) error {
	name := params.Get("out")
	if name == "" {
		name = attachmentName(resp.Headers.Get("Content-Disposition"))
	}
	if name == "" {
		name = fmt.Sprintf("%s_output", params.Get("id"))
	}
	if err := os.WriteFile(name, resp.Body, 0o644); err != nil {
		return fmt.Errorf("write download failed: %w", err)
	}
	s.printLine("HTTP %d (%s)", resp.StatusCode, resp.Duration)
	s.printLine("saved %d bytes to %s", len(resp.Body), name)
	return nil
}

func attachmentName(header string) string {
	if header == "" {
		return ""
	}
	_, params, err := mime.ParseMediaType(header)
	if err != nil {
		return ""
	}
	return params["filename"]
}

func (s *Session) updateSessionFromResponse(cmd command.Command, body []byte) {
	if cmd.Service != "task" {
		return
	}
	if cmd.Action != "submit" && cmd.Action != "submit-files" {
		return
	}
	type taskData struct {
		TaskID string `json:"task_id"`
	}
	type respEnvelope struct {
		Code int      `json:"code"`
		Data taskData `json:"data"`
	}
	var resp respEnvelope
	if err := json.Unmarshal(body, &resp); err != nil {
		return
	}
	if resp.Code != int(pkgerrors.Success) || resp.Data.TaskID == "" {
		return
	}
	s.session.LastTaskID = resp.Data.TaskID
	s.session.SubmittedAt = time.Now()
	_ = state.Save(s.statePath, *s.session)
}

func (s *Session) printHelp() {
	s.printLine("usage: <service> <action> key=value ...")
	s.printLine("system: help | exit | set base|timeout | show last|config")
	s.printLine("examples:")
	s.printLine("  task submit language=python source_file=./main.py")
	s.printLine("  task submit-files language=python source_file=./main.py files=./data.csv")
	s.printLine("  task status id=6f1c9f0e-...")
	s.printLine("  task download out=./results.zip")
	s.printLine("  task revoke")
	s.printLine("  core ping")
}

func (s *Session) printLine(format string, args ...interface{}) {
	_, _ = fmt.Fprintf(s.outputWriter, format+"\n", args...)
	_ = s.outputWriter.Flush()
}
