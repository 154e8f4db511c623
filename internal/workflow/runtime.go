package workflow

import (
	"context"
	"time"

	"github.com/loomwork/loom/internal/events"
	"github.com/loomwork/loom/internal/gitwork"
	"github.com/loomwork/loom/internal/subprocess"
	"github.com/loomwork/loom/internal/varctx"
)

// Runtime bundles the dependencies a step executor needs to dispatch and
// record one step, scoped to a single worktree (main, or one agent's).
//
// Grounded on the dependency-injection shape of the teacher's
// AgentRunExecutor (internal/workflows/runtime/executor.go: constructed
// with an AgentExecutorDeps interface rather than reaching into globals).
type Runtime struct {
	WorkflowID string
	Dir        string // working directory commands run in by default

	Runner   *subprocess.Runner
	Tracker  *gitwork.CommitTracker
	Worktree *gitwork.Worktree // nil for steps with no owning worktree (tests, dry validation)
	Emitter  *events.Emitter   // nil is valid: events are then dropped silently

	ClaudeBinary string // external code-assistant CLI, defaults to "claude"

	Executor *Executor // enables nested step lists (foreach, goal_seek is leaf, mapreduce setup/reduce) to recurse
}

func (rt *Runtime) emit(ev events.Event) {
	if rt.Emitter == nil {
		return
	}
	ev.WorkflowID = rt.WorkflowID
	rt.Emitter.Emit(ev)
}

// Emit is the exported form of emit, used by internal/mapreduce to report
// agent/checkpoint events through the same runtime the step executor uses.
func (rt *Runtime) Emit(ev events.Event) { rt.emit(ev) }

// Dispatcher executes one step kind's command(s) and returns the raw
// (uncaptured, unvalidated) outcome. Implementations must not retry
// internally; the step executor wraps dispatch in the retry executor.
type Dispatcher interface {
	Dispatch(ctx context.Context, step *Step, rt *Runtime, vctx *varctx.Context, interp *varctx.Interpolator) (dispatchOutput, error)
}

// Registry maps a step Kind to its Dispatcher, mirroring the teacher's
// ExecutorRegistry (internal/workflows/runtime/executor.go).
type Registry struct {
	dispatchers map[Kind]Dispatcher
}

func NewRegistry() *Registry {
	return &Registry{dispatchers: make(map[Kind]Dispatcher)}
}

func (r *Registry) Register(kind Kind, d Dispatcher) {
	r.dispatchers[kind] = d
}

func (r *Registry) Get(kind Kind) (Dispatcher, bool) {
	d, ok := r.dispatchers[kind]
	return d, ok
}

// DefaultRegistry wires the built-in dispatchers. mapreduceRunner may be
// nil if the caller never executes mapreduce-kind steps (e.g. a
// standalone sequential workflow, or the nested executor running inside
// a map agent, which never recurses into another mapreduce step).
func DefaultRegistry(mapreduceRunner MapReduceRunner) *Registry {
	r := NewRegistry()
	r.Register(KindShell, &commandDispatcher{binary: ""})
	r.Register(KindClaude, &commandDispatcher{binary: "claude"})
	r.Register(KindWriteFile, &writeFileDispatcher{})
	r.Register(KindGoalSeek, &goalSeekDispatcher{})
	r.Register(KindForeach, &foreachDispatcher{})
	if mapreduceRunner != nil {
		r.Register(KindMapReduce, &mapReduceDispatcher{runner: mapreduceRunner})
	}
	return r
}

// MapReduceRunner is implemented by internal/mapreduce.Coordinator. The
// workflow package depends only on this interface, never on the
// mapreduce package, so the coordinator can depend on workflow (to run
// each map agent as a nested step executor) without an import cycle.
type MapReduceRunner interface {
	Run(ctx context.Context, spec *MapReduceSpec, vctx *varctx.Context, rt *Runtime) (map[string]any, error)
}

func elapsedSince(start time.Time) time.Duration { return time.Since(start) }
