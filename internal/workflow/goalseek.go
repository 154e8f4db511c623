package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/loomwork/loom/internal/subprocess"
	"github.com/loomwork/loom/internal/varctx"
)

// GoalSeekOutcome is the goal-seek engine's terminal status (spec.md §4.7).
type GoalSeekOutcome string

const (
	GoalSeekSuccess   GoalSeekOutcome = "success"
	GoalSeekConverged GoalSeekOutcome = "converged"
	GoalSeekExhausted GoalSeekOutcome = "exhausted"
	GoalSeekTimeout   GoalSeekOutcome = "timeout"
)

// GoalSeekAttempt records one producer/validator iteration.
type GoalSeekAttempt struct {
	Index     int
	Score     float64
	Rationale string
}

// GoalSeekResult is the engine's return value.
type GoalSeekResult struct {
	Outcome      GoalSeekOutcome
	BestScore    float64
	BestAttempt  int // -1 if no attempt scored
	Attempts     []GoalSeekAttempt
	LastStdout   string
}

var scoreRegexp = regexp.MustCompile(`score:\s*(\d+(\.\d+)?)`)

// runGoalSeek drives the producer/validator loop (spec.md §4.7). The
// engine is pure with respect to state outside the validator and
// producer: it never creates commits itself.
func runGoalSeek(ctx context.Context, spec *GoalSeekSpec, rt *Runtime, interp *varctx.Interpolator, vctx *varctx.Context) (GoalSeekResult, error) {
	window := spec.ConvergenceWindow
	if window <= 0 {
		window = 2
	}
	maxAttempts := spec.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	deadline := time.Time{}
	if spec.TimeoutSec > 0 {
		deadline = time.Now().Add(time.Duration(spec.TimeoutSec) * time.Second)
	}

	result := GoalSeekResult{BestAttempt: -1}

	for attemptIdx := 1; attemptIdx <= maxAttempts; attemptIdx++ {
		if !deadline.IsZero() && time.Now().After(deadline) {
			result.Outcome = GoalSeekTimeout
			return result, nil
		}

		producerCmd, err := interp.Interpolate(spec.Producer)
		if err != nil {
			return result, err
		}
		if _, err := rt.Runner.Run(ctx, subprocess.Spec{Command: producerCmd, Shell: true, Dir: rt.Dir}); err != nil {
			return result, fmt.Errorf("goal_seek: producer: %w", err)
		}

		validatorCmd, err := interp.Interpolate(spec.Validator)
		if err != nil {
			return result, err
		}
		valRes, err := rt.Runner.Run(ctx, subprocess.Spec{Command: validatorCmd, Shell: true, Dir: rt.Dir})
		if err != nil {
			return result, fmt.Errorf("goal_seek: validator: %w", err)
		}

		score, err := parseScore(valRes.Stdout)
		if err != nil {
			return result, fmt.Errorf("goal_seek: validator produced no parseable score: %w", err)
		}

		rationale := tail(valRes.Stdout, 500)
		attempt := GoalSeekAttempt{Index: attemptIdx, Score: score, Rationale: rationale}
		result.Attempts = append(result.Attempts, attempt)
		result.LastStdout = valRes.Stdout

		if score > result.BestScore || result.BestAttempt < 0 {
			result.BestScore = score
			result.BestAttempt = attemptIdx
		}

		vctx.Insert(varctx.LayerCaptured, "goal_seek.last_attempt", rationale)
		vctx.Insert(varctx.LayerCaptured, "goal_seek.best_score", result.BestScore)

		if score >= spec.Threshold {
			result.Outcome = GoalSeekSuccess
			return result, nil
		}

		if converged(result.Attempts, window, spec.Epsilon) {
			result.Outcome = GoalSeekConverged
			return result, nil
		}
	}

	result.Outcome = GoalSeekExhausted
	return result, nil
}

// converged reports whether the last `window` scores show non-increasing
// progress within epsilon (spec.md §4.7 step 5).
func converged(attempts []GoalSeekAttempt, window int, epsilon float64) bool {
	if len(attempts) < window+1 {
		return false
	}
	recent := attempts[len(attempts)-window-1:]
	for i := 1; i < len(recent); i++ {
		if recent[i].Score > recent[i-1].Score+epsilon {
			return false
		}
	}
	return true
}

func parseScore(stdout string) (float64, error) {
	trimmed := strings.TrimSpace(stdout)
	var raw map[string]any
	if json.Unmarshal([]byte(trimmed), &raw) == nil {
		if v, ok := raw["score"]; ok {
			if f, ok := v.(float64); ok {
				return f, nil
			}
		}
	}
	if m := scoreRegexp.FindStringSubmatch(stdout); m != nil {
		return strconv.ParseFloat(m[1], 64)
	}
	return 0, fmt.Errorf("no score found in validator output")
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

// goalSeekDispatcher adapts runGoalSeek to the Dispatcher interface.
type goalSeekDispatcher struct{}

func (d *goalSeekDispatcher) Dispatch(ctx context.Context, step *Step, rt *Runtime, vctx *varctx.Context, interp *varctx.Interpolator) (dispatchOutput, error) {
	result, err := runGoalSeek(ctx, step.GoalSeek, rt, interp, vctx)
	if err != nil {
		return dispatchOutput{}, err
	}
	success := result.Outcome == GoalSeekSuccess
	payload, _ := json.Marshal(result)
	exitCode := 0
	if !success {
		exitCode = 1
	}
	return dispatchOutput{Stdout: string(payload), ExitCode: exitCode, Success: success}, nil
}
