package varctx

import (
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// Format is how a captured step's stdout was parsed for dotted-path access.
type Format string

const (
	FormatText  Format = "text"
	FormatJSON  Format = "json"
	FormatLines Format = "lines"
)

// Captured associates a step's outcome with the variable name it was
// captured into. It implements Fielder so "${name.path}" resolves through
// Field regardless of which format the capture used.
type Captured struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Success  bool
	Duration time.Duration
	Format   Format
	Lines    []string // populated when Format == FormatLines
}

// Fielder is implemented by values that support "${name.path}" dotted
// access; Context.Interpolate consults it before falling back to a plain
// string representation.
type Fielder interface {
	Field(path string) (any, bool)
}

func (c *Captured) Field(path string) (any, bool) {
	switch path {
	case "", "stdout":
		return c.Stdout, true
	case "stderr":
		return c.Stderr, true
	case "exit_code":
		return c.ExitCode, true
	case "success":
		return c.Success, true
	case "duration":
		return c.Duration.String(), true
	}

	switch c.Format {
	case FormatJSON:
		res := gjson.Get(c.Stdout, path)
		if !res.Exists() {
			return nil, false
		}
		return res.Value(), true
	case FormatLines:
		// "lines.N" indexes a zero-based line; bare "lines" returns the
		// full slice.
		if path == "lines" {
			return c.Lines, true
		}
		if strings.HasPrefix(path, "lines.") {
			idx := strings.TrimPrefix(path, "lines.")
			res := gjson.Get(toJSONArray(c.Lines), idx)
			if res.Exists() {
				return res.String(), true
			}
		}
		return nil, false
	default:
		return nil, false
	}
}

func toJSONArray(lines []string) string {
	var b strings.Builder
	b.WriteByte('[')
	for i, l := range lines {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteByte('"')
		b.WriteString(strings.ReplaceAll(strings.ReplaceAll(l, `\`, `\\`), `"`, `\"`))
		b.WriteByte('"')
	}
	b.WriteByte(']')
	return b.String()
}

// NewCaptured builds a Captured value from raw output, applying the
// requested parse format.
func NewCaptured(stdout, stderr string, exitCode int, success bool, dur time.Duration, format Format) *Captured {
	c := &Captured{
		Stdout:   stdout,
		Stderr:   stderr,
		ExitCode: exitCode,
		Success:  success,
		Duration: dur,
		Format:   format,
	}
	if format == FormatLines {
		c.Lines = splitLines(stdout)
	}
	return c
}

func splitLines(s string) []string {
	s = strings.TrimRight(s, "\n")
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}
