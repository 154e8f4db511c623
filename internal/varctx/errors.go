package varctx

import (
	"fmt"

	"github.com/loomwork/loom/internal/errclass"
)

// UnknownVariableError is returned when a template references a name with
// no binding and no fallback.
type UnknownVariableError struct {
	Name string
}

func (e *UnknownVariableError) Error() string {
	return fmt.Sprintf("unknown variable %q", e.Name)
}

func newUnknownVariable(name string) error {
	return errclass.New(errclass.Validation, "varctx.interpolate", &UnknownVariableError{Name: name})
}

// InterpolationCycleError is returned when recursive interpolation exceeds
// the configured depth guard.
type InterpolationCycleError struct {
	Template string
	Depth    int
}

func (e *InterpolationCycleError) Error() string {
	return fmt.Sprintf("interpolation depth %d exceeded resolving %q", e.Depth, e.Template)
}

func newInterpolationCycle(template string, depth int) error {
	return errclass.New(errclass.Internal, "varctx.interpolate", &InterpolationCycleError{Template: template, Depth: depth})
}
