// Package placeholder rewrites submitted source text, resolving the logical
// IN_{N} and OUT_{NAME}.{EXT} tokens to absolute sandbox paths before the
// code is handed to the sandbox layer.
//
// Substitution is purely textual and happens exactly once per submission:
// the same source plus the same input file order always produces the same
// bytes. Text that does not match one of the two token grammars is never
// touched. Replacement output is not rescanned, so a stored filename that
// happens to look like a token cannot trigger a second substitution.
package placeholder

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/Mazene-ZERGUINE/CodeBox/internal/task"
	appErr "github.com/Mazene-ZERGUINE/CodeBox/pkg/errors"
)

// tokenPattern matches, in order of preference: a well-formed input token, a
// well-formed output token, and the malformed remnants of either prefix.
// Go's regexp picks the leftmost match and resolves alternation like a
// backtracking engine would, so the exact grammars win whenever they apply
// and anything left over surfaces as a format error instead of reaching the
// sandbox unresolved.
var tokenPattern = regexp.MustCompile(
	`\bIN_(\d+)\b|\bOUT_([A-Za-z0-9_-]+)\.([A-Za-z0-9]+)\b|\bIN_\d+|\bOUT_[A-Za-z0-9_-]*`,
)

// Engine resolves placeholder tokens against the sandbox-visible input and
// output directories. The directories are container paths, identical for
// every task, which keeps rewriting independent of task ids and retries.
type Engine struct {
	inputDir  string
	outputDir string
}

// New returns an Engine that resolves tokens under the given sandbox paths.
func New(inputDir, outputDir string) *Engine {
	return &Engine{
		inputDir:  strings.TrimRight(inputDir, "/"),
		outputDir: strings.TrimRight(outputDir, "/"),
	}
}

// Rewrite substitutes every placeholder token in source. It returns the
// rewritten text together with the declared output filenames, collected in
// order of first appearance with duplicates removed.
//
// IN_{N} is 1-based into inputFiles; an index outside [1, len(inputFiles)]
// fails with a PlaceholderRange error. A token that carries the IN_/OUT_
// prefix but violates the grammar fails with a PlaceholderFormat error.
// Either failure happens before any sandbox work is attempted.
func (e *Engine) Rewrite(source string, inputFiles []string) (string, []string, error) {
	matches := tokenPattern.FindAllStringSubmatchIndex(source, -1)
	if len(matches) == 0 {
		return source, nil, nil
	}

	var (
		out      strings.Builder
		declared []string
		seen     = map[string]bool{}
		last     int
	)
	out.Grow(len(source))

	for _, m := range matches {
		start, end := m[0], m[1]
		out.WriteString(source[last:start])
		token := source[start:end]

		switch {
		case m[2] >= 0: // IN_{N}
			n, err := strconv.Atoi(source[m[2]:m[3]])
			if err != nil || n < 1 || n > len(inputFiles) {
				return "", nil, appErr.Newf(appErr.PlaceholderRange,
					"placeholder %s does not match any of the %d uploaded files", token, len(inputFiles)).
					WithDetail("token", token)
			}
			out.WriteString(e.inputDir + "/" + inputFiles[n-1])

		case m[4] >= 0: // OUT_{NAME}.{EXT}
			name := source[m[4]:m[5]] + "." + source[m[6]:m[7]]
			out.WriteString(e.outputDir + "/" + name)
			if !seen[name] {
				seen[name] = true
				declared = append(declared, name)
			}

		default: // malformed IN_/OUT_ remnant
			return "", nil, appErr.Newf(appErr.PlaceholderFormat,
				"malformed placeholder token %q", token).
				WithDetail("token", token)
		}
		last = end
	}
	out.WriteString(source[last:])

	if len(declared) > task.MaxOutputFiles {
		return "", nil, appErr.Newf(appErr.TooManyOutputFiles,
			"source declares %d output files, maximum is %d", len(declared), task.MaxOutputFiles)
	}

	return out.String(), declared, nil
}
