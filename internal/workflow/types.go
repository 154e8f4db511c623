// Package workflow implements the sequential step engine: step types,
// the YAML-normalized definition, variable interpolation dispatch,
// retries, capture, validation, commit tracking, goal-seek, and the
// on-failure handler (spec.md §3, §4.2–§4.8, §4.12–§4.15).
//
// Grounded on the teacher's workflow definition shape
// (internal/workflows/types.go: Definition, StateSpec, RetryPolicy) and
// its polymorphic per-kind executor registry
// (internal/workflows/runtime/executor.go: StepExecutor,
// StepResult, ExecutorRegistry), generalized from Station's
// agent/approval/human-in-the-loop step kinds into this system's
// command/goal-seek/foreach/write-file/mapreduce step kinds.
package workflow

import (
	"regexp"
	"time"

	"github.com/loomwork/loom/internal/retry"
)

// Kind discriminates the step variant (spec.md §3 "Workflow step").
type Kind string

const (
	KindShell     Kind = "shell"
	KindClaude    Kind = "claude"
	KindGoalSeek  Kind = "goal_seek"
	KindForeach   Kind = "foreach"
	KindMapReduce Kind = "mapreduce"
	KindWriteFile Kind = "write_file"
)

// CaptureFormat controls how captured stdout is interpreted.
type CaptureFormat string

const (
	CaptureText  CaptureFormat = "text"
	CaptureJSON  CaptureFormat = "json"
	CaptureLines CaptureFormat = "lines"
)

// CaptureStreams controls which facets of a command result are captured
// alongside the primary stdout capture.
type CaptureStreams struct {
	Stdout   bool `yaml:"stdout" json:"stdout"`
	Stderr   bool `yaml:"stderr" json:"stderr"`
	ExitCode bool `yaml:"exit_code" json:"exit_code"`
	Success  bool `yaml:"success" json:"success"`
	Duration bool `yaml:"duration" json:"duration"`
}

// CommitPolicy controls whether and how a step's changes must be committed.
type CommitPolicy string

const (
	CommitNone     CommitPolicy = "none"
	CommitRequired CommitPolicy = "required"
	CommitAuto     CommitPolicy = "auto"
)

// CommitConfig configures staging, message generation, and signing for a
// step's commit (spec.md §4.4).
type CommitConfig struct {
	Include         []string       `yaml:"include" json:"include"`
	Exclude         []string       `yaml:"exclude" json:"exclude"`
	MessageTemplate string         `yaml:"message_template" json:"message_template"`
	MessagePattern  string         `yaml:"message_pattern" json:"message_pattern"`
	Sign            bool           `yaml:"sign" json:"sign"`
	AuthorName      string         `yaml:"author_name" json:"author_name"`
	AuthorEmail     string         `yaml:"author_email" json:"author_email"`
	compiled        *regexp.Regexp // compiled lazily by the loader
}

// CompiledPattern returns the parsed MessagePattern, compiling it once.
func (c *CommitConfig) CompiledPattern() (*regexp.Regexp, error) {
	if c.MessagePattern == "" {
		return nil, nil
	}
	if c.compiled == nil {
		re, err := regexp.Compile(c.MessagePattern)
		if err != nil {
			return nil, err
		}
		c.compiled = re
	}
	return c.compiled, nil
}

// OnFailureStrategy selects how a step's on_failure block recovers.
type OnFailureStrategy string

const (
	FailureRecovery OnFailureStrategy = "recovery"
	FailureFallback OnFailureStrategy = "fallback"
	FailureCleanup  OnFailureStrategy = "cleanup"
	FailureCustom   OnFailureStrategy = "custom"
)

// OnFailureSpec is the step's recovery block (spec.md §4.13).
type OnFailureSpec struct {
	Strategy          OnFailureStrategy `yaml:"strategy" json:"strategy"`
	Commands          []string          `yaml:"commands" json:"commands"`
	MaxRetries        int               `yaml:"max_retries" json:"max_retries"`
	ContinueOnError   bool              `yaml:"continue_on_error" json:"continue_on_error"`
	FailWorkflow      bool              `yaml:"fail_workflow" json:"fail_workflow"`
	HandlerTimeoutSec int               `yaml:"handler_timeout_seconds" json:"handler_timeout_seconds"`
}

// ValidationSpec is the step's independent validation block (spec.md §4.6).
type ValidationSpec struct {
	Commands                []string `yaml:"commands" json:"commands"`
	TimeoutSec              int      `yaml:"timeout_seconds" json:"timeout_seconds"`
	IgnoreValidationFailure bool     `yaml:"ignore_validation_failure" json:"ignore_validation_failure"`
	OnIncomplete            []string `yaml:"on_incomplete" json:"on_incomplete"`
}

// ValidationResult is the structured output a validation command may emit
// (spec.md §4.6: JSON with status, completion_percentage, gaps).
type ValidationResult struct {
	Status               string   `json:"status"`
	CompletionPercentage float64  `json:"completion_percentage"`
	Gaps                 []string `json:"gaps"`
}

// GoalSeekSpec configures the iterative producer/validator loop (spec.md §4.7).
type GoalSeekSpec struct {
	Goal              string  `yaml:"goal" json:"goal"`
	Producer          string  `yaml:"producer" json:"producer"`
	Validator         string  `yaml:"validator" json:"validator"`
	Threshold         float64 `yaml:"threshold" json:"threshold"`
	MaxAttempts       int     `yaml:"max_attempts" json:"max_attempts"`
	TimeoutSec        int     `yaml:"timeout_seconds" json:"timeout_seconds"`
	ConvergenceWindow int     `yaml:"convergence_window" json:"convergence_window"`
	Epsilon           float64 `yaml:"epsilon" json:"epsilon"`
}

// ForeachSpec configures a bounded-parallel sub-iteration (spec.md §6 `foreach`).
type ForeachSpec struct {
	Command     string   `yaml:"command" json:"command"`
	Items       []string `yaml:"items" json:"items"`
	Parallelism int      `yaml:"parallelism" json:"parallelism"`
	Steps       []*Step  `yaml:"steps" json:"steps"`
}

// WriteFileSpec is an inline file-write step.
type WriteFileSpec struct {
	Path    string `yaml:"path" json:"path"`
	Content string `yaml:"content" json:"content"`
	Mode    string `yaml:"mode" json:"mode"` // octal string, e.g. "0644"
}

// MapReduceSpec configures the setup/map/reduce phases embedded in a step
// (spec.md §4.11, §6 "MapReduce map: accepts ...").
type MapReduceSpec struct {
	Input             string  `yaml:"input" json:"input"`
	JSONPath          string  `yaml:"json_path" json:"json_path"`
	MaxParallel       int     `yaml:"max_parallel" json:"max_parallel"`
	AgentTimeoutSec   int     `yaml:"agent_timeout_secs" json:"agent_timeout_secs"`
	AgentTemplate     []*Step `yaml:"agent_template" json:"agent_template"`
	MaxRetriesPerItem int     `yaml:"max_retries_per_item" json:"max_retries_per_item"`
	SuccessThreshold  float64 `yaml:"success_threshold" json:"success_threshold"`
	CheckpointEvery   int     `yaml:"checkpoint_every" json:"checkpoint_every"`
	CheckpointSeconds int     `yaml:"checkpoint_seconds" json:"checkpoint_seconds"`
	Setup             []*Step `yaml:"-" json:"-"` // populated from the definition's top-level setup:
	Reduce            []*Step `yaml:"-" json:"-"` // populated from the definition's top-level reduce:
}

// RetryPolicy mirrors retry.Policy in the step's wire shape; the step
// executor converts it into a retry.Policy with a concrete backoff via
// ToPolicy.
type RetryPolicy struct {
	MaxAttempts       int      `yaml:"max_attempts" json:"max_attempts"`
	Backoff           string   `yaml:"backoff" json:"backoff"` // fixed|linear|exponential|fibonacci|custom
	InitialDelayMS    int      `yaml:"initial_delay_ms" json:"initial_delay_ms"`
	StepMS            int      `yaml:"step_ms" json:"step_ms"`
	BaseFactor        float64  `yaml:"base_factor" json:"base_factor"`
	CustomSequenceMS  []int    `yaml:"custom_sequence_ms" json:"custom_sequence_ms"`
	Jitter            float64  `yaml:"jitter" json:"jitter"`
	MaxDelayMS        int      `yaml:"max_delay_ms" json:"max_delay_ms"`
	PerAttemptTimeout int      `yaml:"per_attempt_timeout_seconds" json:"per_attempt_timeout_seconds"`
	RetryOn           []string `yaml:"retry_on" json:"retry_on"`
	BudgetSeconds      int      `yaml:"budget_seconds" json:"budget_seconds"`
	FailureThreshold  int      `yaml:"failure_threshold" json:"failure_threshold"`
	BreakerWindowSec  int      `yaml:"breaker_window_seconds" json:"breaker_window_seconds"`
	BreakerCooldownSec int     `yaml:"breaker_cooldown_seconds" json:"breaker_cooldown_seconds"`
}

// ToPolicy builds a retry.Policy from the wire-format RetryPolicy.
func (p *RetryPolicy) ToPolicy() retry.Policy {
	if p == nil {
		return retry.Policy{MaxAttempts: 1}
	}
	spec := retry.BackoffSpec{
		Strategy: retry.Strategy(p.Backoff),
		Initial:  time.Duration(p.InitialDelayMS) * time.Millisecond,
		Step:     time.Duration(p.StepMS) * time.Millisecond,
		Base:     p.BaseFactor,
		Jitter:   p.Jitter,
		MaxDelay: time.Duration(p.MaxDelayMS) * time.Millisecond,
	}
	if spec.Strategy == "" {
		spec.Strategy = retry.Fixed
	}
	for _, ms := range p.CustomSequenceMS {
		spec.Sequence = append(spec.Sequence, time.Duration(ms)*time.Millisecond)
	}

	policy := retry.Policy{
		MaxAttempts: p.MaxAttempts,
		Backoff:     spec,
	}
	if p.PerAttemptTimeout > 0 {
		policy.PerAttemptTimeout = time.Duration(p.PerAttemptTimeout) * time.Second
	}
	if p.BudgetSeconds > 0 {
		policy.Budget = time.Duration(p.BudgetSeconds) * time.Second
	}
	if len(p.RetryOn) > 0 {
		policy.RetryOn = p.RetryOn
	}
	if p.FailureThreshold > 0 {
		policy.Breaker = &retry.BreakerConfig{
			FailureThreshold: p.FailureThreshold,
			Window:           time.Duration(p.BreakerWindowSec) * time.Second,
			Cooldown:         time.Duration(p.BreakerCooldownSec) * time.Second,
		}
	}
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 1
	}
	return policy
}

// Step is one node of a sequential workflow (spec.md §3 "Workflow step").
// Every recognized field has an explicit effect; the loader rejects
// unknown fields at normalization time (spec.md §9 "Dynamic config objects").
type Step struct {
	Name string `yaml:"name" json:"name"`

	Shell  string `yaml:"shell" json:"shell"`
	Claude string `yaml:"claude" json:"claude"`

	TimeoutSec int `yaml:"timeout" json:"timeout"`

	Capture        string         `yaml:"capture" json:"capture"`
	CaptureFormat  CaptureFormat  `yaml:"capture_format" json:"capture_format"`
	CaptureStreams CaptureStreams `yaml:"capture_streams" json:"capture_streams"`
	OutputFile     string         `yaml:"output_file" json:"output_file"`

	When string `yaml:"when" json:"when"`

	OnFailure  *OnFailureSpec    `yaml:"on_failure" json:"on_failure"`
	Retry      *RetryPolicy      `yaml:"retry" json:"retry"`
	OnSuccess  *Step             `yaml:"on_success" json:"on_success"`
	OnExitCode map[int]*Step     `yaml:"on_exit_code" json:"on_exit_code"`

	CommitRequired bool          `yaml:"commit_required" json:"commit_required"`
	AutoCommit     bool          `yaml:"auto_commit" json:"auto_commit"`
	CommitConfig   *CommitConfig `yaml:"commit_config" json:"commit_config"`

	Validate *ValidationSpec `yaml:"validate" json:"validate"`

	GoalSeek  *GoalSeekSpec  `yaml:"goal_seek" json:"goal_seek"`
	Foreach   *ForeachSpec   `yaml:"foreach" json:"foreach"`
	WriteFile *WriteFileSpec `yaml:"write_file" json:"write_file"`
	MapReduce *MapReduceSpec `yaml:"mapreduce" json:"mapreduce"`

	WorkingDir string            `yaml:"working_dir" json:"working_dir"`
	Env        map[string]string `yaml:"env" json:"env"`
}

// CommitPolicyOf derives the effective commit policy from the mutually
// exclusive commit_required/auto_commit fields.
func (s *Step) CommitPolicyOf() CommitPolicy {
	if s.CommitRequired {
		return CommitRequired
	}
	if s.AutoCommit {
		return CommitAuto
	}
	return CommitNone
}

// Kind reports the step's discriminated variant.
func (s *Step) Kind() Kind {
	switch {
	case s.GoalSeek != nil:
		return KindGoalSeek
	case s.Foreach != nil:
		return KindForeach
	case s.MapReduce != nil:
		return KindMapReduce
	case s.WriteFile != nil:
		return KindWriteFile
	case s.Claude != "":
		return KindClaude
	default:
		return KindShell
	}
}

// Definition is the normalized, in-memory form of a loaded workflow file
// (spec.md §6 "Workflow definition").
type Definition struct {
	Name          string            `yaml:"name" json:"name"`
	Mode          string            `yaml:"mode" json:"mode"` // "" (sequential) | "mapreduce"
	Env           map[string]string `yaml:"env" json:"env"`
	EnvFiles      []string          `yaml:"env_files" json:"env_files"`
	Secrets       map[string]string `yaml:"secrets" json:"secrets"`
	Profiles      map[string]map[string]string `yaml:"profiles" json:"profiles"`
	ActiveProfile string            `yaml:"active_profile" json:"active_profile"`
	RetryDefaults *RetryPolicy      `yaml:"retry_defaults" json:"retry_defaults"`
	ErrorPolicy   ErrorPolicy       `yaml:"error_policy" json:"error_policy"`

	Steps  []*Step `yaml:"steps" json:"steps"`
	Setup  []*Step `yaml:"setup" json:"setup"`
	Map    *Step   `yaml:"map" json:"map"`
	Reduce []*Step `yaml:"reduce" json:"reduce"`

	// Checksum is computed by the loader over the raw file bytes
	// and recorded in checkpoints to detect a changed workflow file on resume.
	Checksum string `yaml:"-" json:"-"`
}

// ErrorPolicy is the workflow-level fallback when a step's own on_failure
// handler does not resolve the failure (spec.md §7).
type ErrorPolicy struct {
	OnStepFailure string `yaml:"on_step_failure" json:"on_step_failure"` // continue|halt|handler
	Handler       []string `yaml:"handler" json:"handler"`
}

// ExitCodeStep looks up a step's on_exit_code mapping for the given code.
func (s *Step) ExitCodeStep(code int) (*Step, bool) {
	if s.OnExitCode == nil {
		return nil, false
	}
	next, ok := s.OnExitCode[code]
	return next, ok
}
