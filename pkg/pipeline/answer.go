package pipeline

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/malbeclabs/querypilot/pkg/conversation"
	"github.com/malbeclabs/querypilot/pkg/datasource"
	"github.com/malbeclabs/querypilot/pkg/stream"
)

// Answer is the outcome of one turn folded from its events, for callers that
// want a single response rather than a stream.
type Answer struct {
	SessionID string `json:"sessionId"`
	TurnID    string `json:"turnId,omitempty"`
	Status    string `json:"status,omitempty"`

	Progress  []string           `json:"progress,omitempty"`
	SQL       string             `json:"sql,omitempty"`
	Narrative string             `json:"narrative,omitempty"`
	Result    *datasource.Result `json:"result,omitempty"`
	Chart     *ChartHint         `json:"chart,omitempty"`
	Insight   *Insight           `json:"insight,omitempty"`
	FollowUps []string           `json:"followUps,omitempty"`

	Clarification string                        `json:"clarification,omitempty"`
	Candidates    []conversation.TableCandidate `json:"candidates,omitempty"`

	ErrorKind string `json:"errorKind,omitempty"`
	Error     string `json:"error,omitempty"`
	Cancelled bool   `json:"cancelled,omitempty"`
}

// AwaitingClarification reports whether the turn suspended on a question.
func (a Answer) AwaitingClarification() bool { return a.Clarification != "" }

type answerMeta struct {
	SQL                   string                        `json:"sql"`
	Result                *datasource.Result            `json:"result"`
	Chart                 *ChartHint                    `json:"chart"`
	Insight               *Insight                      `json:"insight"`
	FollowUps             []string                      `json:"followUps"`
	Candidates            []conversation.TableCandidate `json:"candidates"`
	AwaitingClarification bool                          `json:"awaitingClarification"`
	Kind                  string                        `json:"kind"`
	Cancelled             bool                          `json:"cancelled"`
	Status                string                        `json:"status"`
	TurnID                string                        `json:"turnId"`
}

// Apply folds one event into the answer.
func (a *Answer) Apply(ev stream.Event) error {
	var meta answerMeta
	if len(ev.Metadata) > 0 {
		data, err := json.Marshal(ev.Metadata)
		if err != nil {
			return fmt.Errorf("failed to encode %s metadata: %w", ev, err)
		}
		if err := json.Unmarshal(data, &meta); err != nil {
			return fmt.Errorf("failed to decode %s metadata: %w", ev, err)
		}
	}
	if a.SessionID == "" {
		a.SessionID = ev.SessionID
	}
	if meta.TurnID != "" {
		a.TurnID = meta.TurnID
	}
	if meta.SQL != "" {
		a.SQL = meta.SQL
	}

	switch ev.Type {
	case stream.EventThinking:
		a.Progress = append(a.Progress, ev.Content)
	case stream.EventMessage:
		if meta.AwaitingClarification {
			a.Clarification = ev.Content
			a.Candidates = meta.Candidates
			a.Status = string(StateAwaitingClarification)
			return nil
		}
		a.Progress = append(a.Progress, ev.Content)
	case stream.EventResult:
		a.Narrative = ev.Content
		a.Result = meta.Result
		a.Chart = meta.Chart
		a.Insight = meta.Insight
		a.FollowUps = meta.FollowUps
	case stream.EventError:
		a.Error = ev.Content
		a.ErrorKind = meta.Kind
	case stream.EventComplete:
		a.Status = meta.Status
		a.Cancelled = meta.Cancelled
	}
	return nil
}

// CollectAnswer drains events into an Answer. It returns early with ctx's
// error if ctx is done first; the channel is then left to the caller's
// cancellation to close.
func CollectAnswer(ctx context.Context, events <-chan stream.Event) (Answer, error) {
	var a Answer
	for {
		select {
		case <-ctx.Done():
			return a, ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return a, nil
			}
			if err := a.Apply(ev); err != nil {
				return a, err
			}
		}
	}
}
