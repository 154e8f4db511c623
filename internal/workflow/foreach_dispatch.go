package workflow

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/loomwork/loom/internal/subprocess"
	"github.com/loomwork/loom/internal/varctx"
)

// foreachDispatcher runs a static or command-produced item list through a
// bounded-parallel set of sub-steps (spec.md §6 "foreach: Parallel-
// iteration sub-step"). Each iteration runs in its own context overlay
// carrying ${item} and ${item_index}; overlays never leak between
// iterations or back to the parent step (spec.md §3 variable-context
// invariant, generalized from per-step to per-iteration scope).
type foreachDispatcher struct{}

type foreachItemResult struct {
	Index   int             `json:"index"`
	Item    string          `json:"item"`
	Success bool            `json:"success"`
	Stdout  string          `json:"stdout"`
	Stderr  string          `json:"stderr"`
}

func (d *foreachDispatcher) Dispatch(ctx context.Context, step *Step, rt *Runtime, vctx *varctx.Context, interp *varctx.Interpolator) (dispatchOutput, error) {
	spec := step.Foreach

	items := spec.Items
	if spec.Command != "" {
		cmd, err := interp.Interpolate(spec.Command)
		if err != nil {
			return dispatchOutput{}, err
		}
		res, err := rt.Runner.Run(ctx, subprocess.Spec{Command: cmd, Shell: true, Dir: rt.Dir})
		if err != nil {
			return dispatchOutput{}, err
		}
		var produced []string
		if json.Unmarshal([]byte(res.Stdout), &produced) != nil {
			for _, line := range strings.Split(strings.TrimSpace(res.Stdout), "\n") {
				if line != "" {
					produced = append(produced, line)
				}
			}
		}
		items = produced
	}

	parallelism := spec.Parallelism
	if parallelism <= 0 {
		parallelism = 1
	}

	results := make([]foreachItemResult, len(items))
	sem := make(chan struct{}, parallelism)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error

	for idx, item := range items {
		wg.Add(1)
		sem <- struct{}{}
		go func(idx int, item string) {
			defer wg.Done()
			defer func() { <-sem }()

			overlay := vctx.Clone()
			overlay.Insert(varctx.LayerIteration, "item", item)
			overlay.Insert(varctx.LayerIteration, "item_index", idx)
			itemInterp := interp.WithContext(overlay)

			res, err := rt.Executor.runSteps(ctx, spec.Steps, rt, overlay, itemInterp)
			mu.Lock()
			if err != nil && firstErr == nil {
				firstErr = err
			}
			results[idx] = foreachItemResult{Index: idx, Item: item, Success: err == nil && allSucceeded(res), Stdout: lastStdout(res)}
			mu.Unlock()
		}(idx, item)
	}
	wg.Wait()

	if firstErr != nil {
		return dispatchOutput{}, firstErr
	}

	payload, _ := json.Marshal(results)
	return dispatchOutput{Stdout: string(payload), Success: true}, nil
}

func allSucceeded(results []Result) bool {
	for _, r := range results {
		if !r.Success() {
			return false
		}
	}
	return true
}

func lastStdout(results []Result) string {
	if len(results) == 0 {
		return ""
	}
	return results[len(results)-1].Stdout
}
