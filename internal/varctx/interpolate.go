package varctx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/tidwall/gjson"

	"github.com/loomwork/loom/internal/subprocess"
)

// fileCacheCapacity bounds the cross-step LRU that NewSharedFileCache
// builds for WithSharedFileCache (spec.md §12 supplemented feature); the
// per-step fileCache stays a plain map since it never outlives a single
// step.
const fileCacheCapacity = 256

// DefaultMaxDepth bounds recursive interpolation (fallback values and
// ${cmd:...} output may themselves contain variable references).
const DefaultMaxDepth = 8

// SecretLookup resolves a named secret. Implementations should return
// (value, true) only for names the caller is permitted to see.
type SecretLookup func(name string) (string, bool)

// FileReader abstracts the filesystem so ${file:...} reads can be
// exercised against an in-memory fs in tests, mirroring the teacher's
// afero-backed variable store.
type FileReader interface {
	ReadFile(path string) ([]byte, error)
}

// Interpolator resolves "${...}" templates against a Context, dispatching
// to the typed prefix resolvers of spec.md §4.2.
type Interpolator struct {
	ctx      *Context
	files    FileReader
	runner   *subprocess.Runner
	secrets  SecretLookup
	now      func() time.Time
	maxDepth int

	fileCache   map[string]string // cleared per step by ResetFileCache
	sharedCache *lru.Cache[string, string]
}

type Option func(*Interpolator)

func WithMaxDepth(d int) Option { return func(i *Interpolator) { i.maxDepth = d } }
func WithClock(fn func() time.Time) Option {
	return func(i *Interpolator) { i.now = fn }
}

// WithSharedFileCache bounds memory use of ${file:...} reads across an
// entire MapReduce fan-out (many agent-local Interpolators sharing one
// cache), rather than just within a single step.
func WithSharedFileCache(cache *lru.Cache[string, string]) Option {
	return func(i *Interpolator) { i.sharedCache = cache }
}

// NewSharedFileCache constructs the bounded cache passed to
// WithSharedFileCache.
func NewSharedFileCache() *lru.Cache[string, string] {
	c, _ := lru.New[string, string](fileCacheCapacity)
	return c
}

func NewInterpolator(ctx *Context, files FileReader, runner *subprocess.Runner, secrets SecretLookup, opts ...Option) *Interpolator {
	i := &Interpolator{
		ctx:       ctx,
		files:     files,
		runner:    runner,
		secrets:   secrets,
		now:       time.Now,
		maxDepth:  DefaultMaxDepth,
		fileCache: make(map[string]string),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// WithContext returns a new Interpolator sharing this one's file reader,
// subprocess runner, secret lookup, and shared file cache, but resolving
// variable lookups against ctx instead. Used to build the per-iteration
// overlay contexts foreach and per-agent contexts in MapReduce require
// without re-wiring every dependency by hand.
func (i *Interpolator) WithContext(ctx *Context) *Interpolator {
	clone := &Interpolator{
		ctx:         ctx,
		files:       i.files,
		runner:      i.runner,
		secrets:     i.secrets,
		now:         i.now,
		maxDepth:    i.maxDepth,
		fileCache:   make(map[string]string),
		sharedCache: i.sharedCache,
	}
	return clone
}

// ResetFileCache clears the per-step ${file:...} cache; the step executor
// calls this at the start of every step (spec.md §4.2: "cache within one
// step").
func (i *Interpolator) ResetFileCache() {
	i.fileCache = make(map[string]string)
}

// Interpolate expands every "${...}" reference in template. A template
// with no variable references is returned unchanged (identity, per
// spec.md §8).
func (i *Interpolator) Interpolate(template string) (string, error) {
	return i.interpolate(template, 0)
}

func (i *Interpolator) interpolate(template string, depth int) (string, error) {
	if !strings.Contains(template, "${") {
		return template, nil
	}
	if depth > i.maxDepth {
		return "", newInterpolationCycle(template, depth)
	}

	var out strings.Builder
	rest := template
	for {
		start := strings.Index(rest, "${")
		if start < 0 {
			out.WriteString(rest)
			break
		}
		out.WriteString(rest[:start])

		expr, remainder, ok := scanBraces(rest[start+2:])
		if !ok {
			// Unterminated "${"; emit literally rather than erroring, to
			// match text/template's tolerance of stray braces.
			out.WriteString(rest[start:])
			break
		}

		value, err := i.resolveExpr(expr, depth)
		if err != nil {
			return "", err
		}
		out.WriteString(value)
		rest = remainder
	}

	resolved := out.String()
	if strings.Contains(resolved, "${") {
		return i.interpolate(resolved, depth+1)
	}
	return resolved, nil
}

// scanBraces consumes s up to and including the matching "}" for the "${"
// already stripped from the caller, honoring nested "${" so a fallback or
// cmd argument may itself contain a reference.
func scanBraces(s string) (inner, remainder string, ok bool) {
	depth := 1
	for idx := 0; idx < len(s); idx++ {
		switch {
		case strings.HasPrefix(s[idx:], "${"):
			depth++
			idx++ // skip the extra char of "${"
		case s[idx] == '}':
			depth--
			if depth == 0 {
				return s[:idx], s[idx+1:], true
			}
		}
	}
	return "", s, false
}

func (i *Interpolator) resolveExpr(expr string, depth int) (string, error) {
	base, fallback, hasFallback := splitFallback(expr)

	value, err := i.resolveBase(base, depth)
	if err != nil {
		if hasFallback && isUnknownVariable(err) {
			return i.interpolate(fallback, depth+1)
		}
		return "", err
	}
	return stringify(value), nil
}

func splitFallback(expr string) (base, fallback string, ok bool) {
	idx := strings.Index(expr, ":-")
	if idx < 0 {
		return expr, "", false
	}
	return expr[:idx], expr[idx+2:], true
}

func (i *Interpolator) resolveBase(base string, depth int) (any, error) {
	if base == "uuid" {
		return uuid.New().String(), nil
	}

	prefix, rest, hasPrefix := strings.Cut(base, ":")
	if hasPrefix {
		switch prefix {
		case "env":
			if v, ok := os.LookupEnv(rest); ok {
				return v, nil
			}
			return nil, newUnknownVariable(base)
		case "file":
			return i.resolveFile(rest)
		case "cmd":
			return i.resolveCmd(rest)
		case "date":
			return i.resolveDate(rest), nil
		case "secret":
			return i.resolveSecret(rest)
		case "json":
			return i.resolveJSONPath(rest, depth)
		}
	}

	name, path, _ := strings.Cut(base, ".")
	v, ok := i.ctx.Lookup(name)
	if !ok {
		return nil, newUnknownVariable(name)
	}
	if path == "" {
		return v, nil
	}
	fv, ok := fieldAccess(v, path)
	if !ok {
		return nil, newUnknownVariable(base)
	}
	return fv, nil
}

func (i *Interpolator) resolveFile(path string) (any, error) {
	if cached, ok := i.fileCache[path]; ok {
		return cached, nil
	}
	if i.sharedCache != nil {
		if cached, ok := i.sharedCache.Get(path); ok {
			i.fileCache[path] = cached
			return cached, nil
		}
	}
	data, err := i.files.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("varctx: read file %q: %w", path, err)
	}
	content := string(data)
	i.fileCache[path] = content
	if i.sharedCache != nil {
		i.sharedCache.Add(path, content)
	}
	return content, nil
}

func (i *Interpolator) resolveCmd(shellCmd string) (any, error) {
	if i.runner == nil {
		return nil, fmt.Errorf("varctx: ${cmd:...} requires a subprocess runner")
	}
	res, err := i.runner.Run(context.Background(), subprocess.Spec{Command: shellCmd, Shell: true})
	if err != nil {
		return nil, fmt.Errorf("varctx: ${cmd:%s}: %w", shellCmd, err)
	}
	if !res.Success() {
		return nil, fmt.Errorf("varctx: ${cmd:%s}: exit %d: %s", shellCmd, res.ExitCode, res.Stderr)
	}
	return strings.TrimRight(res.Stdout, "\n"), nil
}

func (i *Interpolator) resolveDate(format string) string {
	now := i.now()
	if format == "unix" {
		return fmt.Sprintf("%d", now.Unix())
	}
	return now.Format(dateLayout(format))
}

func dateLayout(format string) string {
	switch format {
	case "", "iso", "iso8601":
		return time.RFC3339
	case "date":
		return "2006-01-02"
	case "time":
		return "15:04:05"
	default:
		return format
	}
}

func (i *Interpolator) resolveSecret(name string) (any, error) {
	if i.secrets == nil {
		return nil, newUnknownVariable("secret:" + name)
	}
	v, ok := i.secrets(name)
	if !ok {
		return nil, newUnknownVariable("secret:" + name)
	}
	i.ctx.InsertSecret(LayerSecret, name, v)
	return v, nil
}

// resolveJSONPath implements "${json:PATH:from:SRC}": SRC is itself
// interpolated first (it is usually a variable reference to a captured
// output), then parsed as JSON and PATH is extracted with gjson.
func (i *Interpolator) resolveJSONPath(rest string, depth int) (any, error) {
	const sep = ":from:"
	idx := strings.Index(rest, sep)
	if idx < 0 {
		return nil, fmt.Errorf("varctx: ${json:...} requires %q separator", sep)
	}
	path := rest[:idx]
	srcExpr := rest[idx+len(sep):]

	src, err := i.interpolate("${"+srcExpr+"}", depth+1)
	if err != nil {
		return nil, err
	}

	res := gjson.Get(src, path)
	if !res.Exists() {
		return nil, newUnknownVariable("json:" + path)
	}
	return res.Value(), nil
}

func fieldAccess(v any, path string) (any, bool) {
	if f, ok := v.(Fielder); ok {
		return f.Field(path)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, false
	}
	res := gjson.GetBytes(b, path)
	if !res.Exists() {
		return nil, false
	}
	return res.Value(), true
}

func stringify(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case fmt.Stringer:
		return s.String()
	default:
		return fmt.Sprintf("%v", v)
	}
}

func isUnknownVariable(err error) bool {
	var ue *UnknownVariableError
	return errors.As(err, &ue)
}
