package workflow

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/loomwork/loom/internal/varctx"
)

// writeFileDispatcher implements the inline write_file step kind
// (spec.md §6 "write_file: Inline file-writing step").
type writeFileDispatcher struct{}

func (d *writeFileDispatcher) Dispatch(ctx context.Context, step *Step, rt *Runtime, vctx *varctx.Context, interp *varctx.Interpolator) (dispatchOutput, error) {
	spec := step.WriteFile
	path, err := interp.Interpolate(spec.Path)
	if err != nil {
		return dispatchOutput{}, err
	}
	content, err := interp.Interpolate(spec.Content)
	if err != nil {
		return dispatchOutput{}, err
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(rt.Dir, path)
	}

	mode := os.FileMode(0o644)
	if spec.Mode != "" {
		parsed, err := strconv.ParseUint(spec.Mode, 8, 32)
		if err != nil {
			return dispatchOutput{}, fmt.Errorf("write_file: invalid mode %q: %w", spec.Mode, err)
		}
		mode = os.FileMode(parsed)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return dispatchOutput{}, fmt.Errorf("write_file: mkdir: %w", err)
	}
	if err := os.WriteFile(path, []byte(content), mode); err != nil {
		return dispatchOutput{}, fmt.Errorf("write_file: %w", err)
	}

	return dispatchOutput{Stdout: path, Success: true}, nil
}
