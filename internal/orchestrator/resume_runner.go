package orchestrator

import (
	"context"

	"github.com/loomwork/loom/internal/mapreduce"
	"github.com/loomwork/loom/internal/varctx"
	"github.com/loomwork/loom/internal/workflow"
)

// resumingMapReduceRunner implements workflow.MapReduceRunner. The first
// time a MapReduce step dispatches in a resumed session, it hands the
// coordinator the checkpointed queue snapshot instead of resolving input
// fresh; every subsequent mapreduce step in the same session (or the first
// one in a non-resumed session) runs normally.
type resumingMapReduceRunner struct {
	coord    *mapreduce.Coordinator
	snapshot []mapreduce.WorkItem
	used     bool
}

func (r *resumingMapReduceRunner) Run(ctx context.Context, spec *workflow.MapReduceSpec, vctx *varctx.Context, rt *workflow.Runtime) (map[string]any, error) {
	if !r.used && r.snapshot != nil {
		r.used = true
		return r.coord.Resume(ctx, spec, vctx, rt, r.snapshot)
	}
	return r.coord.Run(ctx, spec, vctx, rt)
}
