package sandbox

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
)

// Frame bounds for the rendered scene. Coordinates slightly past the
// edge still render, so the check carries a 0.1 tolerance.
const (
	maxFrameX      = 7.0
	maxFrameY      = 4.0
	frameTolerance = 0.1
)

// coordRe matches a hardcoded [x, y, z] literal as generated code writes
// them for move_to/shift placement.
var coordRe = regexp.MustCompile(`\[\s*(-?\d+(?:\.\d+)?)\s*,\s*(-?\d+(?:\.\d+)?)\s*,\s*(-?\d+(?:\.\d+)?)\s*\]`)

// CheckPlacement statically scans generated code for coordinate literals
// that place objects outside the visible frame. Off-screen placement
// always renders, so catching it before the run turns a silent bad
// artifact into failure feedback the generator can act on.
func CheckPlacement(code string) *ExecutionError {
	for _, idx := range coordRe.FindAllStringSubmatchIndex(code, -1) {
		x, okX := parseCoord(code[idx[2]:idx[3]])
		y, okY := parseCoord(code[idx[4]:idx[5]])
		if !okX || !okY {
			continue
		}

		var axis string
		var value, bound float64
		switch {
		case math.Abs(x) > maxFrameX+frameTolerance:
			axis, value, bound = "x", x, maxFrameX
		case math.Abs(y) > maxFrameY+frameTolerance:
			axis, value, bound = "y", y, maxFrameY
		default:
			continue
		}

		line := 1 + strings.Count(code[:idx[0]], "\n")
		return &ExecutionError{
			Kind:    CompileError,
			Message: fmt.Sprintf("%s-coordinate %g is off-screen (frame bounds ±%g)", axis, value, bound),
			Line:    line,
			Logs:    sourceLine(code, line),
		}
	}
	return nil
}

func parseCoord(s string) (float64, bool) {
	v, err := strconv.ParseFloat(s, 64)
	return v, err == nil
}

// sourceLine returns the n-th line (1-based) of code for the diagnostic.
func sourceLine(code string, n int) string {
	lines := strings.Split(code, "\n")
	if n < 1 || n > len(lines) {
		return ""
	}
	return strings.TrimSpace(lines[n-1])
}
