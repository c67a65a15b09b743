package stream

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrInvalidRequest wraps every request decoding or validation failure.
var ErrInvalidRequest = errors.New("invalid request")

// EventType discriminates the variants of Event.
type EventType string

const (
	EventThinking EventType = "thinking"
	EventMessage  EventType = "message"
	EventResult   EventType = "result"
	EventError    EventType = "error"
	EventComplete EventType = "complete"
)

// Valid reports whether t is one of the known event types.
func (t EventType) Valid() bool {
	switch t {
	case EventThinking, EventMessage, EventResult, EventError, EventComplete:
		return true
	}
	return false
}

// Outcome reports whether t carries the outcome of a turn. A turn emits at
// most one outcome event, always followed by exactly one complete event.
func (t EventType) Outcome() bool {
	switch t {
	case EventResult, EventError:
		return true
	case EventThinking, EventMessage, EventComplete:
		return false
	}
	return false
}

// Event is one unit of the ordered progress protocol emitted during a turn.
type Event struct {
	Type      EventType      `json:"type"`
	SessionID string         `json:"sessionId"`
	Seq       uint64         `json:"seq"`
	Content   string         `json:"content"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Metadata keys shared by producers and consumers of events.
const (
	MetaSQL                   = "sql"
	MetaTables                = "tables"
	MetaCandidates            = "candidates"
	MetaAwaitingClarification = "awaitingClarification"
	MetaResult                = "result"
	MetaChart                 = "chart"
	MetaInsight               = "insight"
	MetaFollowUps             = "followUps"
	MetaErrorKind             = "kind"
	MetaErrorCause            = "cause"
	MetaCancelled             = "cancelled"
	MetaStatus                = "status"
	MetaTokenUsage            = "tokenUsage"
	MetaAnalysisSkipped       = "analysisSkipped"
	MetaEmpty                 = "empty"
	MetaStage                 = "stage"
	MetaAttempt               = "attempt"
	MetaConfidence            = "confidence"
	MetaRationale             = "rationale"
	MetaTurnID                = "turnId"
)

func (e Event) String() string {
	return fmt.Sprintf("%s#%d(%s)", e.Type, e.Seq, e.SessionID)
}

// Bool returns the boolean metadata value for key, or false when absent.
func (e Event) Bool(key string) bool {
	v, ok := e.Metadata[key].(bool)
	return ok && v
}

// Marshal encodes the event as a single JSON object.
func (e Event) Marshal() ([]byte, error) {
	if !e.Type.Valid() {
		return nil, fmt.Errorf("invalid event type %q", e.Type)
	}
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event: %w", err)
	}
	return data, nil
}

// Request is the inbound message that starts a turn.
type Request struct {
	Type          string   `json:"type"`
	Content       string   `json:"content"`
	SessionID     string   `json:"sessionId"`
	DataSourceIDs []string `json:"dataSourceIds"`
	Mode          Mode     `json:"mode"`
}

// Mode selects between a plain answer and a longer report.
type Mode string

const (
	ModeQuery  Mode = "query"
	ModeReport Mode = "report"
)

const (
	RequestTypeQuery  = "query"
	RequestTypeCancel = "cancel"
)

// Validate checks the request and fills defaults.
func (r *Request) Validate() error {
	if r.Type == "" {
		r.Type = RequestTypeQuery
	}
	switch r.Type {
	case RequestTypeQuery:
	case RequestTypeCancel:
		if r.SessionID == "" {
			return fmt.Errorf("sessionId is required to cancel")
		}
		return nil
	default:
		return fmt.Errorf("unsupported request type %q", r.Type)
	}
	if r.Content == "" {
		return fmt.Errorf("content is required")
	}
	if r.Mode == "" {
		r.Mode = ModeQuery
	}
	switch r.Mode {
	case ModeQuery, ModeReport:
	default:
		return fmt.Errorf("unsupported mode %q", r.Mode)
	}
	return nil
}
