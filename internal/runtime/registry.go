// Package runtime holds the per-language execution variants: which container
// image runs a language, how the staged source file is named, and the command
// executed inside the sandbox. Adding a language is adding a variant.
package runtime

import (
	"sort"
	"strings"

	"github.com/Mazene-ZERGUINE/CodeBox/internal/task"
	appErr "github.com/Mazene-ZERGUINE/CodeBox/pkg/errors"

	"github.com/google/shlex"
)

// DefaultImage is the shared hardened runner image carrying every toolchain.
// Individual variants can be pointed at dedicated images through config.
const DefaultImage = "code_runner:latest"

// MaxSourceBytes caps the size of one submitted source file.
const MaxSourceBytes = 1 << 20

// Variant describes one supported language.
type Variant struct {
	Name       task.Language
	Image      string
	SourceFile string
	// CommandTpl is expanded with {src} (the absolute in-container source
	// path) and then split shell-style into the container argv.
	CommandTpl string
	// TmpfsExec marks languages whose compile step needs an executable /tmp
	// (the compiled binary lives there). Interpreted variants keep noexec.
	TmpfsExec bool
}

// Command expands the variant's template against the staged source path.
func (v Variant) Command(srcPath string) ([]string, error) {
	if strings.TrimSpace(v.CommandTpl) == "" {
		return nil, appErr.Newf(appErr.InternalServerError, "language %s has no command template", v.Name)
	}
	expanded := strings.ReplaceAll(v.CommandTpl, "{src}", srcPath)
	fields, err := shlex.Split(expanded)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.InternalServerError, "parse command template for %s", v.Name)
	}
	if len(fields) == 0 {
		return nil, appErr.Newf(appErr.InternalServerError, "command for %s is empty after expansion", v.Name)
	}
	return fields, nil
}

// Validate is a cheap pre-check applied before any sandbox work.
func (v Variant) Validate(source string) error {
	if strings.TrimSpace(source) == "" {
		return appErr.New(appErr.EmptySource)
	}
	if len(source) > MaxSourceBytes {
		return appErr.Newf(appErr.InvalidParams, "source code exceeds %d bytes", MaxSourceBytes)
	}
	return nil
}

// Registry maps canonical languages to their variants.
type Registry struct {
	variants map[task.Language]Variant
}

// NewRegistry returns a registry populated with the supported languages.
func NewRegistry() *Registry {
	r := &Registry{variants: make(map[task.Language]Variant)}
	r.Register(Variant{
		Name:       task.LangPython,
		Image:      DefaultImage,
		SourceFile: "main.py",
		CommandTpl: "/app/.venv/bin/python {src}",
	})
	r.Register(Variant{
		Name:       task.LangJavaScript,
		Image:      DefaultImage,
		SourceFile: "main.js",
		CommandTpl: "node {src}",
	})
	r.Register(Variant{
		Name:       task.LangPHP,
		Image:      DefaultImage,
		SourceFile: "main.php",
		CommandTpl: "php {src}",
	})
	// Compile and run stay in one container invocation. The && makes a
	// failed compile short-circuit: gcc's stderr becomes the task's stderr
	// with a non-zero exit code and the binary never runs.
	r.Register(Variant{
		Name:       task.LangC,
		Image:      DefaultImage,
		SourceFile: "main.c",
		CommandTpl: `sh -lc "gcc {src} -O2 -std=c11 -o /tmp/main && /tmp/main"`,
		TmpfsExec:  true,
	})
	return r
}

// Register adds or replaces a variant.
func (r *Registry) Register(v Variant) {
	r.variants[v.Name] = v
}

// Get returns the variant for the given language. Unknown languages fail
// here, before any container is started.
func (r *Registry) Get(lang task.Language) (Variant, error) {
	v, ok := r.variants[lang]
	if !ok {
		return Variant{}, appErr.Newf(appErr.LanguageNotSupported,
			"unsupported language: %q (supported: %s)", lang, strings.Join(r.Languages(), ", "))
	}
	return v, nil
}

// Languages returns all registered language names, sorted.
func (r *Registry) Languages() []string {
	langs := make([]string, 0, len(r.variants))
	for name := range r.variants {
		langs = append(langs, string(name))
	}
	sort.Strings(langs)
	return langs
}

// OverrideImages points languages at dedicated images, keyed by canonical
// language name. Unknown keys are ignored.
func (r *Registry) OverrideImages(images map[string]string) {
	for name, image := range images {
		if image == "" {
			continue
		}
		if v, ok := r.variants[task.Language(name)]; ok {
			v.Image = image
			r.variants[task.Language(name)] = v
		}
	}
}
