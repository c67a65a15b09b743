// Package conversation holds per-session state shared by the turns of one
// conversation.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/querypilot/pkg/llm"
)

var (
	ErrUnknownTurn            = errors.New("unknown turn")
	ErrTurnFinal              = errors.New("turn is final")
	ErrNoPendingClarification = errors.New("no pending clarification")
	ErrNoMatchingCandidate    = errors.New("answer does not match a candidate")
	ErrInvalidTurn            = errors.New("invalid turn")
)

// SessionContext is the mutable state of one conversation. Its methods are
// safe for concurrent use, but only one turn may drive it at a time: callers
// hold the gate returned by Acquire for the duration of a turn.
type SessionContext struct {
	id    string
	clock clockwork.Clock

	gate chan struct{}

	mu         sync.Mutex
	turns      []Turn
	index      map[string]int
	selection  *Selection
	pending    *PendingClarification
	usage      map[llm.Tier]llm.Usage
	seq        uint64
	cancel     context.CancelFunc
	createdAt  time.Time
	lastActive time.Time
}

func NewSessionContext(id string, clock clockwork.Clock) *SessionContext {
	if id == "" {
		id = uuid.NewString()
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	now := clock.Now()
	return &SessionContext{
		id:         id,
		clock:      clock,
		gate:       make(chan struct{}, 1),
		index:      make(map[string]int),
		usage:      make(map[llm.Tier]llm.Usage),
		createdAt:  now,
		lastActive: now,
	}
}

func (s *SessionContext) ID() string { return s.id }

// Acquire blocks until no other turn holds the session or ctx is done. The
// returned release func must be called exactly once.
func (s *SessionContext) Acquire(ctx context.Context) (release func(), err error) {
	select {
	case s.gate <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	var once sync.Once
	return func() {
		once.Do(func() { <-s.gate })
	}, nil
}

// NextSeq returns the next event sequence number. Numbers start at 1 and
// survive Reset.
func (s *SessionContext) NextSeq() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	return s.seq
}

// Append adds a turn, assigning an id and timestamp when missing.
func (s *SessionContext) Append(turn Turn) (Turn, error) {
	if !turn.Role.Valid() {
		return Turn{}, fmt.Errorf("%w: role %q", ErrInvalidTurn, turn.Role)
	}
	if turn.Intent != "" && !turn.Intent.Valid() {
		return Turn{}, fmt.Errorf("%w: intent %q", ErrInvalidTurn, turn.Intent)
	}
	if turn.ID == "" {
		turn.ID = uuid.NewString()
	}
	if turn.Status == "" {
		turn.Status = StatusPending
	}
	if turn.Timestamp.IsZero() {
		turn.Timestamp = s.clock.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.index[turn.ID]; ok {
		return Turn{}, fmt.Errorf("%w: duplicate id %s", ErrInvalidTurn, turn.ID)
	}
	s.index[turn.ID] = len(s.turns)
	s.turns = append(s.turns, turn)
	s.lastActive = s.clock.Now()
	return turn, nil
}

func (s *SessionContext) mutateTurn(id string, fn func(*Turn) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.index[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTurn, id)
	}
	t := &s.turns[i]
	if t.Status.Final() {
		return fmt.Errorf("%w: %s", ErrTurnFinal, id)
	}
	if err := fn(t); err != nil {
		return err
	}
	s.lastActive = s.clock.Now()
	return nil
}

// AppendContent grows the content of a turn that is still streaming.
func (s *SessionContext) AppendContent(id, text string) error {
	return s.mutateTurn(id, func(t *Turn) error {
		t.Status = StatusStreaming
		t.Content += text
		return nil
	})
}

func (s *SessionContext) SetIntent(id string, intent Intent) error {
	if !intent.Valid() {
		return fmt.Errorf("%w: intent %q", ErrInvalidTurn, intent)
	}
	return s.mutateTurn(id, func(t *Turn) error {
		t.Intent = intent
		return nil
	})
}

// SetQuery records the query an assistant turn ran.
func (s *SessionContext) SetQuery(id, dataSourceID, sql string, tables []string) error {
	return s.mutateTurn(id, func(t *Turn) error {
		t.SQL = sql
		t.DataSourceID = dataSourceID
		t.Tables = append([]string(nil), tables...)
		return nil
	})
}

// FinishTurn moves a turn to a final status. Final turns are immutable.
func (s *SessionContext) FinishTurn(id string, status Status) error {
	if !status.Final() {
		return fmt.Errorf("%w: %q is not a final status", ErrInvalidTurn, status)
	}
	return s.mutateTurn(id, func(t *Turn) error {
		t.Status = status
		return nil
	})
}

func (s *SessionContext) Turn(id string) (Turn, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.index[id]
	if !ok {
		return Turn{}, false
	}
	return s.turns[i], true
}

func (s *SessionContext) Turns() []Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Turn(nil), s.turns...)
}

// LastQueryTurn returns the most recent assistant turn that ran a query.
func (s *SessionContext) LastQueryTurn() (Turn, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.turns) - 1; i >= 0; i-- {
		if s.turns[i].Role == RoleAssistant && s.turns[i].SQL != "" {
			return s.turns[i], true
		}
	}
	return Turn{}, false
}

func (s *SessionContext) Selection() (Selection, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.selection == nil {
		return Selection{}, false
	}
	return Selection{DataSourceID: s.selection.DataSourceID, Tables: append([]string(nil), s.selection.Tables...)}, true
}

func (s *SessionContext) SetSelection(sel Selection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.selection = &Selection{DataSourceID: sel.DataSourceID, Tables: append([]string(nil), sel.Tables...)}
}

// PendingClarification returns the turn suspended on table ambiguity, if any.
func (s *SessionContext) PendingClarification() (PendingClarification, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending == nil {
		return PendingClarification{}, false
	}
	return *s.pending, true
}

// Suspend records a pending clarification, replacing any previous one.
func (s *SessionContext) Suspend(p PendingClarification) error {
	if len(p.Candidates) == 0 {
		return fmt.Errorf("%w: clarification without candidates", ErrInvalidTurn)
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = s.clock.Now()
	}
	p.Candidates = append([]TableCandidate(nil), p.Candidates...)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = &p
	return nil
}

// DiscardClarification drops the pending clarification without resolving it.
func (s *SessionContext) DiscardClarification() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = nil
}

// ResolveClarification matches answer against the pending candidates, either
// by table name or by 1-based position, and clears the pending state on a
// unique match. Without a unique match the clarification stays pending.
func (s *SessionContext) ResolveClarification(answer string) (PendingClarification, TableCandidate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending == nil {
		return PendingClarification{}, TableCandidate{}, ErrNoPendingClarification
	}
	p := *s.pending
	c, ok := MatchCandidate(p.Candidates, answer)
	if !ok {
		return p, TableCandidate{}, ErrNoMatchingCandidate
	}
	s.pending = nil
	s.lastActive = s.clock.Now()
	return p, c, nil
}

// MatchCandidate finds the single candidate an answer refers to.
func MatchCandidate(candidates []TableCandidate, answer string) (TableCandidate, bool) {
	words := strings.FieldsFunc(strings.ToLower(answer), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_' && r != '.'
	})
	matched := -1
	match := func(i int) bool {
		if matched >= 0 && matched != i {
			return false
		}
		matched = i
		return true
	}
	for _, w := range words {
		w = strings.Trim(w, ".")
		if n, err := strconv.Atoi(w); err == nil {
			if n >= 1 && n <= len(candidates) && !match(n-1) {
				return TableCandidate{}, false
			}
			continue
		}
		for i, c := range candidates {
			id := strings.ToLower(c.TableID)
			short := id
			if j := strings.LastIndex(id, "."); j >= 0 {
				short = id[j+1:]
			}
			if w == id || w == short {
				if !match(i) {
					return TableCandidate{}, false
				}
			}
		}
	}
	if matched < 0 {
		return TableCandidate{}, false
	}
	return candidates[matched], true
}

// AddUsage accumulates token usage for the tier that served a call.
func (s *SessionContext) AddUsage(u llm.Usage) {
	if u.Tier == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.usage[u.Tier]
	cur.Tier = u.Tier
	cur.InputTokens += u.InputTokens
	cur.OutputTokens += u.OutputTokens
	s.usage[u.Tier] = cur
}

func (s *SessionContext) Usage() map[llm.Tier]llm.Usage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[llm.Tier]llm.Usage, len(s.usage))
	for k, v := range s.usage {
		out[k] = v
	}
	return out
}

// Reset clears turns, selection, pending clarification and usage. Event
// sequence numbers keep increasing.
func (s *SessionContext) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turns = nil
	s.index = make(map[string]int)
	s.selection = nil
	s.pending = nil
	s.usage = make(map[llm.Tier]llm.Usage)
	s.lastActive = s.clock.Now()
}

// Restore replaces the turns with a history loaded from a store.
func (s *SessionContext) Restore(turns []Turn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turns = append([]Turn(nil), turns...)
	s.index = make(map[string]int, len(turns))
	for i, t := range s.turns {
		s.index[t.ID] = i
		if t.Role == RoleAssistant && len(t.Tables) > 0 {
			s.selection = &Selection{DataSourceID: t.DataSourceID, Tables: append([]string(nil), t.Tables...)}
		}
	}
}

// SetCancel registers the cancel func of the in-flight turn.
func (s *SessionContext) SetCancel(cancel context.CancelFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancel = cancel
}

// Cancel cancels the in-flight turn and reports whether there was one.
func (s *SessionContext) Cancel() bool {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel == nil {
		return false
	}
	cancel()
	return true
}

// Snapshot returns a deep copy of the session state.
func (s *SessionContext) Snapshot() Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := Session{
		ID:        s.id,
		Turns:     make([]Turn, len(s.turns)),
		Usage:     make(map[llm.Tier]llm.Usage, len(s.usage)),
		CreatedAt: s.createdAt,
		UpdatedAt: s.lastActive,
	}
	for i, t := range s.turns {
		t.Tables = append([]string(nil), t.Tables...)
		out.Turns[i] = t
	}
	for k, v := range s.usage {
		out.Usage[k] = v
	}
	if s.selection != nil {
		out.Selection = &Selection{DataSourceID: s.selection.DataSourceID, Tables: append([]string(nil), s.selection.Tables...)}
	}
	if s.pending != nil {
		p := *s.pending
		p.Candidates = append([]TableCandidate(nil), p.Candidates...)
		out.Pending = &p
	}
	return out
}
