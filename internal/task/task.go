// Package task defines the core domain model: tasks, lifecycle states and
// execution results shared by the API, the queue and the worker pipeline.
package task

import (
	"strings"
	"time"

	appErr "github.com/Mazene-ZERGUINE/CodeBox/pkg/errors"
)

// Limits applied to every submission.
const (
	MaxInputFiles  = 5
	MaxOutputFiles = 5
)

// Language identifies a supported programming language.
type Language string

const (
	LangPython     Language = "python"
	LangJavaScript Language = "javascript"
	LangPHP        Language = "php"
	LangC          Language = "c"
)

// languageAliases maps common user-provided labels to canonical languages.
var languageAliases = map[string]Language{
	"py":      LangPython,
	"python3": LangPython,
	"js":      LangJavaScript,
	"node":    LangJavaScript,
	"nodejs":  LangJavaScript,
	"gcc":     LangC,
}

// NormalizeLanguage converts a user-provided language label into a canonical
// Language value, accepting common aliases.
func NormalizeLanguage(s string) (Language, error) {
	key := strings.ToLower(strings.TrimSpace(s))
	if lang, ok := languageAliases[key]; ok {
		return lang, nil
	}
	switch Language(key) {
	case LangPython, LangJavaScript, LangPHP, LangC:
		return Language(key), nil
	}
	return "", appErr.Newf(appErr.LanguageNotSupported, "unsupported language: %s", s)
}

// Task is one submitted code-execution request. Immutable after creation;
// the id is generated once and never reused.
type Task struct {
	ID          string    `json:"task_id"`
	Language    Language  `json:"language"`
	SourceCode  string    `json:"source_code"`
	InputFiles  []string  `json:"input_files"`
	OutputFiles []string  `json:"output_files"`
	CreatedAt   time.Time `json:"created_at"`
}

// Message is the queue payload for one task. The source code it carries has
// already been placeholder-rewritten, so workers never re-run substitution.
type Message struct {
	TaskID      string   `json:"task_id"`
	Language    Language `json:"language"`
	SourceCode  string   `json:"source_code"`
	InputFiles  []string `json:"input_files"`
	OutputFiles []string `json:"output_files"`
	SubmittedAt int64    `json:"submitted_at"`
}
