package conversation

import (
	"time"

	"github.com/malbeclabs/querypilot/pkg/llm"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

type Status string

const (
	StatusPending   Status = "pending"
	StatusStreaming Status = "streaming"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
)

// Final reports whether a turn in this status no longer accepts changes.
func (s Status) Final() bool {
	return s == StatusCompleted || s == StatusError
}

// Intent is the classified purpose of a user utterance. The zero value means
// the turn has not been classified yet.
type Intent string

const (
	IntentQuery               Intent = "query"
	IntentReport              Intent = "report"
	IntentFollowUp            Intent = "follow_up"
	IntentClarificationAnswer Intent = "clarification_answer"
)

func (i Intent) Valid() bool {
	switch i {
	case IntentQuery, IntentReport, IntentFollowUp, IntentClarificationAnswer:
		return true
	}
	return false
}

type Turn struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Intent    Intent    `json:"intent,omitempty"`
	Status    Status    `json:"status"`
	Timestamp time.Time `json:"timestamp"`

	// Set on assistant turns that produced a query, so later turns can
	// resolve relative requests against it.
	SQL          string   `json:"sql,omitempty"`
	DataSourceID string   `json:"dataSourceId,omitempty"`
	Tables       []string `json:"tables,omitempty"`
}

// TableCandidate is one ranked answer of the table selector. Related lists
// tables the query needs alongside TableID, such as join partners.
type TableCandidate struct {
	DataSourceID string   `json:"dataSourceId"`
	TableID      string   `json:"tableId"`
	Score        float64  `json:"score"`
	Reason       string   `json:"reason,omitempty"`
	Related      []string `json:"related,omitempty"`
}

// Tables returns the candidate table followed by its related tables.
func (c TableCandidate) Tables() []string {
	out := make([]string, 0, 1+len(c.Related))
	out = append(out, c.TableID)
	for _, r := range c.Related {
		if r != c.TableID {
			out = append(out, r)
		}
	}
	return out
}

// Selection is the data source and tables the session is currently working
// against.
type Selection struct {
	DataSourceID string   `json:"dataSourceId"`
	Tables       []string `json:"tables"`
}

// PendingClarification is the partial state of a turn suspended on table
// ambiguity.
type PendingClarification struct {
	TurnID        string           `json:"turnId"`
	Utterance     string           `json:"utterance"`
	Intent        Intent           `json:"intent"`
	Report        bool             `json:"report,omitempty"`
	DataSourceIDs []string         `json:"dataSourceIds,omitempty"`
	Candidates    []TableCandidate `json:"candidates"`
	CreatedAt     time.Time        `json:"createdAt"`
}

// Session is a point-in-time copy of a conversation.
type Session struct {
	ID        string                 `json:"id"`
	Turns     []Turn                 `json:"turns"`
	Selection *Selection             `json:"selection,omitempty"`
	Usage     map[llm.Tier]llm.Usage `json:"usage"`
	Pending   *PendingClarification  `json:"pending,omitempty"`
	CreatedAt time.Time              `json:"createdAt"`
	UpdatedAt time.Time              `json:"updatedAt"`
}
