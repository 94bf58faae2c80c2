package sandbox

import (
	"regexp"
	"strconv"
	"strings"
)

// maxDiagnosticBytes bounds the log tail carried in an ExecutionError.
const maxDiagnosticBytes = 2000

var (
	lineRe  = regexp.MustCompile(`line (\d+)`)
	errorRe = regexp.MustCompile(`(?m)^([A-Za-z_][A-Za-z0-9_.]*(?:Error|Exception|Warning)): ?(.*)$`)
)

// compilePrefixes are interpreter errors raised before the scene runs.
var compilePrefixes = []string{
	"SyntaxError", "IndentationError", "TabError", "ImportError", "ModuleNotFoundError",
}

// Diagnose classifies raw render logs into a structured ExecutionError.
// The last error line in the traceback is the decisive one.
func Diagnose(logs string) *ExecutionError {
	kind := RuntimeError
	message := "render exited with a non-zero status"

	matches := errorRe.FindAllStringSubmatch(logs, -1)
	if len(matches) > 0 {
		last := matches[len(matches)-1]
		name, detail := last[1], strings.TrimSpace(last[2])
		message = name
		if detail != "" {
			message = name + ": " + detail
		}
		for _, p := range compilePrefixes {
			if name == p {
				kind = CompileError
				break
			}
		}
	}

	line := 0
	if m := lineRe.FindAllStringSubmatch(logs, -1); len(m) > 0 {
		// The deepest traceback frame names the offending line.
		if n, err := strconv.Atoi(m[len(m)-1][1]); err == nil {
			line = n
		}
	}

	return &ExecutionError{
		Kind:    kind,
		Message: message,
		Line:    line,
		Logs:    tail(logs, maxDiagnosticBytes),
	}
}

// tail keeps at most n trailing bytes of s.
func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
