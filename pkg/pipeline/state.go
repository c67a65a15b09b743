package pipeline

// State is a step of the per-turn state machine.
type State string

const (
	StateIdle                  State = "idle"
	StateClassifying           State = "classifying"
	StateSelectingTables       State = "selecting_tables"
	StateAwaitingClarification State = "awaiting_clarification"
	StateGeneratingSql         State = "generating_sql"
	StateValidatingSql         State = "validating_sql"
	StateExecuting             State = "executing"
	StateAnalyzing             State = "analyzing"
	StateCompleted             State = "completed"
	StateFailed                State = "failed"
	StateCancelled             State = "cancelled"
)

// Terminal reports whether a turn in this state has ended. A turn awaiting
// clarification ends too; it resumes as part of a later turn.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled, StateAwaitingClarification:
		return true
	case StateIdle, StateClassifying, StateSelectingTables, StateGeneratingSql,
		StateValidatingSql, StateExecuting, StateAnalyzing:
		return false
	}
	return false
}

// outcome labels the turn metric.
func (s State) outcome() string {
	switch s {
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	case StateAwaitingClarification:
		return "clarification"
	case StateIdle, StateClassifying, StateSelectingTables, StateGeneratingSql,
		StateValidatingSql, StateExecuting, StateAnalyzing:
		return "incomplete"
	}
	return "unknown"
}
