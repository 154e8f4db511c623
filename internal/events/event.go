// Package events implements the structured event sink described in
// spec.md §6: components emit {ts, kind, workflow_id, ...} records over a
// bounded push channel to a persisting emitter, which appends them as
// JSONL under events/<repo>/<session>.jsonl.
//
// Grounded on the teacher's tracking.Tracker (internal/execution/tracking/
// tracker.go): the same logCallback-driven shape, generalized from an
// in-memory callback invoked synchronously into a bounded channel with a
// drop-oldest overflow policy so a slow or stalled sink writer can never
// block a step's critical path (spec.md §5 deadlock-avoidance rule: the
// event emitter must never be re-entered from within a locked region).
package events

import (
	"time"
)

// Kind enumerates the event kinds components emit (spec.md §6).
type Kind string

const (
	KindSessionStarted     Kind = "session_started"
	KindSessionFinished    Kind = "session_finished"
	KindStepStarted        Kind = "step_started"
	KindStepFinished       Kind = "step_finished"
	KindStepRetried        Kind = "step_retried"
	KindAgentStarted       Kind = "agent_started"
	KindAgentFinished      Kind = "agent_finished"
	KindMapItemStarted     Kind = "map_item_started"
	KindMapItemFinished    Kind = "map_item_finished"
	KindMapItemDeadLettered Kind = "map_item_dead_lettered"
	KindReduceStarted      Kind = "reduce_started"
	KindReduceFinished     Kind = "reduce_finished"
	KindCheckpointSaved    Kind = "checkpoint_saved"
	KindCheckpointFailed   Kind = "checkpoint_failed"
	KindGoalSeekIteration  Kind = "goal_seek_iteration"
	KindGoalSeekConverged  Kind = "goal_seek_converged"
	KindCircuitBreakerOpen Kind = "circuit_breaker_open"
	KindEventsDropped      Kind = "events_dropped"
)

// Event is one structured record (spec.md §6 Event sink).
type Event struct {
	Timestamp  time.Time      `json:"ts"`
	Kind       Kind           `json:"kind"`
	WorkflowID string         `json:"workflow_id"`
	StepIndex  *int           `json:"step_index,omitempty"`
	ItemID     string         `json:"item_id,omitempty"`
	AgentID    string         `json:"agent_id,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
}

// WithStepIndex returns a pointer helper for the optional StepIndex field.
func WithStepIndex(i int) *int { return &i }
