package workflow

import (
	"context"
	"encoding/json"

	"github.com/loomwork/loom/internal/varctx"
)

// mapReduceDispatcher hands the step off to the injected MapReduceRunner
// (internal/mapreduce.Coordinator in production). The workflow package
// never imports internal/mapreduce directly (see MapReduceRunner's doc
// comment in runtime.go).
type mapReduceDispatcher struct {
	runner MapReduceRunner
}

func (d *mapReduceDispatcher) Dispatch(ctx context.Context, step *Step, rt *Runtime, vctx *varctx.Context, interp *varctx.Interpolator) (dispatchOutput, error) {
	agg, err := d.runner.Run(ctx, step.MapReduce, vctx, rt)
	if err != nil {
		return dispatchOutput{}, err
	}
	payload, _ := json.Marshal(agg)
	return dispatchOutput{Stdout: string(payload), Success: true}, nil
}
