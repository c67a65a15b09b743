// Package pipeline runs the stages of a conversational query turn and turns
// their outcomes into stream events.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/malbeclabs/querypilot/pkg/conversation"
	"github.com/malbeclabs/querypilot/pkg/datasource"
	"github.com/malbeclabs/querypilot/pkg/llm"
	"github.com/malbeclabs/querypilot/pkg/metrics"
	"github.com/malbeclabs/querypilot/pkg/sqlcheck"
	"github.com/malbeclabs/querypilot/pkg/stream"
)

const (
	defaultMaxSqlRetries      = 2
	defaultStageTimeout       = 60 * time.Second
	defaultEventBuffer        = 16
	defaultHistoryTurns       = 10
	defaultMaxConcurrentTurns = 64
	persistTimeout            = 5 * time.Second
)

// HistoryAppender persists finished turns.
type HistoryAppender interface {
	Append(ctx context.Context, sessionID string, turn conversation.Turn) error
}

type Config struct {
	Logger     *slog.Logger
	Classifier IntentClassifier
	Selector   TableSelector
	Generator  SqlGenerator
	Validator  SqlValidator
	Executor   QueryExecutor
	Analyzer   ResultAnalyzer
	Schemas    SchemaProvider

	// Sink receives a copy of every event, for fan-out to other subscribers
	// and mirroring.
	Sink    stream.Sink
	History HistoryAppender

	// MaxSqlRetries is the number of regenerations after a rejected query.
	// Negative disables regeneration.
	MaxSqlRetries int
	// AmbiguityMargin is the score distance from the top candidate within
	// which candidates tie. Negative means exact ties only.
	AmbiguityMargin float64
	// StageTimeout bounds each attempt of a model-backed stage.
	StageTimeout       time.Duration
	Retry              RetryPolicy
	EventBuffer        int
	HistoryTurns       int
	MaxConcurrentTurns int
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Classifier == nil {
		return errors.New("classifier is required")
	}
	if c.Selector == nil {
		return errors.New("selector is required")
	}
	if c.Generator == nil {
		return errors.New("generator is required")
	}
	if c.Validator == nil {
		return errors.New("validator is required")
	}
	if c.Executor == nil {
		return errors.New("executor is required")
	}
	if c.Analyzer == nil {
		return errors.New("analyzer is required")
	}
	if c.Schemas == nil {
		return errors.New("schema provider is required")
	}
	switch {
	case c.MaxSqlRetries == 0:
		c.MaxSqlRetries = defaultMaxSqlRetries
	case c.MaxSqlRetries < 0:
		c.MaxSqlRetries = 0
	}
	switch {
	case c.AmbiguityMargin == 0:
		c.AmbiguityMargin = DefaultAmbiguityMargin
	case c.AmbiguityMargin < 0:
		c.AmbiguityMargin = 0
	}
	if c.StageTimeout == 0 {
		c.StageTimeout = defaultStageTimeout
	}
	c.Retry = c.Retry.withDefaults()
	if c.EventBuffer == 0 {
		c.EventBuffer = defaultEventBuffer
	}
	if c.HistoryTurns == 0 {
		c.HistoryTurns = defaultHistoryTurns
	}
	if c.MaxConcurrentTurns == 0 {
		c.MaxConcurrentTurns = defaultMaxConcurrentTurns
	}
	return nil
}

// Orchestrator drives turns through the stages. Turns of different sessions
// run concurrently; turns of one session run one at a time.
type Orchestrator struct {
	log    *slog.Logger
	cfg    Config
	pool   pond.Pool
	closed atomic.Bool
}

func NewOrchestrator(cfg Config) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Orchestrator{
		log:  cfg.Logger,
		cfg:  cfg,
		pool: pond.NewPool(cfg.MaxConcurrentTurns),
	}, nil
}

// Close waits for running turns and stops accepting new ones.
func (o *Orchestrator) Close() {
	o.closed.Store(true)
	o.pool.StopAndWait()
}

// HandleTurn starts a turn and returns its events. The channel is closed
// after the last event: a complete event, or the clarification message of a
// turn that suspended. Callers must drain it or cancel ctx.
func (o *Orchestrator) HandleTurn(ctx context.Context, sc *conversation.SessionContext, req stream.Request) <-chan stream.Event {
	events := make(chan stream.Event, o.cfg.EventBuffer)
	t := &turn{
		o:      o,
		sc:     sc,
		req:    req,
		out:    events,
		parent: ctx,
		state:  StateIdle,
		log:    o.log.With("session", sc.ID()),
	}
	task := func() {
		defer close(events)
		t.run(ctx)
	}
	if o.closed.Load() {
		o.log.Warn("orchestrator: closed, running turn outside the pool", "session", sc.ID())
		go task()
		return events
	}
	o.pool.Submit(task)
	return events
}

type plan struct {
	utterance     string
	intent        conversation.Intent
	report        bool
	dataSourceIDs []string

	// set when the turn reuses an earlier selection
	selection   *conversation.Selection
	previousSQL string
}

type turn struct {
	o      *Orchestrator
	sc     *conversation.SessionContext
	req    stream.Request
	out    chan<- stream.Event
	parent context.Context
	log    *slog.Logger

	state         State
	userTurn      string
	assistantTurn string
}

func (t *turn) run(ctx context.Context) {
	start := time.Now()
	release, err := t.sc.Acquire(ctx)
	if err != nil {
		t.log.Info("orchestrator: caller left before the turn started", "error", err)
		return
	}
	defer release()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	t.sc.SetCancel(cancel)
	defer t.sc.SetCancel(nil)

	t.state = t.execute(ctx)
	t.persist()

	metrics.TurnsTotal.WithLabelValues(t.state.outcome()).Inc()
	metrics.TurnDuration.Observe(time.Since(start).Seconds())
	t.log.Info("orchestrator: turn finished", "state", t.state, "duration", time.Since(start))
}

func (t *turn) execute(ctx context.Context) State {
	user, err := t.sc.Append(conversation.Turn{Role: conversation.RoleUser, Content: t.req.Content})
	if err != nil {
		return t.fatal(err)
	}
	t.userTurn = user.ID
	assistant, err := t.sc.Append(conversation.Turn{Role: conversation.RoleAssistant})
	if err != nil {
		return t.fatal(err)
	}
	t.assistantTurn = assistant.ID

	if ctx.Err() != nil {
		return t.cancelled()
	}
	p, state := t.classify(ctx)
	if state != "" {
		return state
	}

	sel := p.selection
	var schema datasource.Schema
	if sel == nil {
		if ctx.Err() != nil {
			return t.cancelled()
		}
		var s conversation.Selection
		s, schema, state = t.selectTables(ctx, p)
		if state != "" {
			return state
		}
		sel = &s
	} else {
		schemas, err := t.o.cfg.Schemas.Schemas(ctx, []string{sel.DataSourceID})
		if err != nil {
			if ctx.Err() != nil {
				return t.cancelled()
			}
			return t.fail(&StageError{Stage: StageSelect, Kind: KindTableSelectionFailed, Err: err})
		}
		if len(schemas) == 0 {
			return t.fail(&StageError{Stage: StageSelect, Kind: KindTableSelectionFailed, Err: datasource.ErrUnknownDataSource})
		}
		schema = schemas[0]
	}
	t.sc.SetSelection(*sel)

	cand, outcome, state := t.generate(ctx, p, *sel, schema)
	if state != "" {
		return state
	}

	if ctx.Err() != nil {
		return t.cancelled()
	}
	res, state := t.executeQuery(ctx, *sel, outcome)
	if state != "" {
		return state
	}

	if ctx.Err() != nil {
		return t.cancelled()
	}
	return t.analyze(ctx, p, *sel, cand, outcome, res)
}

func (t *turn) classify(ctx context.Context) (plan, State) {
	t.state = StateClassifying
	pending, hasPending := t.sc.PendingClarification()
	in := ClassifyInput{
		Utterance: t.req.Content,
		Mode:      t.req.Mode,
		History:   t.history(),
	}
	if hasPending {
		in.Pending = &pending
	}
	cls, err := stageCall(ctx, t, StageClassify, RetryModel, t.o.cfg.StageTimeout, func(ctx context.Context) (Classification, error) {
		return t.o.cfg.Classifier.Classify(ctx, in)
	})
	if err != nil {
		if ctx.Err() != nil {
			return plan{}, t.cancelled()
		}
		return plan{}, t.fail(&StageError{Stage: StageClassify, Kind: KindClassificationFailed, Err: err})
	}
	t.addUsage(cls.Usage)
	if !cls.Intent.Valid() {
		return plan{}, t.fail(&StageError{Stage: StageClassify, Kind: KindClassificationFailed, Err: fmt.Errorf("invalid intent %q", cls.Intent)})
	}

	intent := cls.Intent
	if t.req.Mode == stream.ModeReport && intent == conversation.IntentQuery {
		intent = conversation.IntentReport
	}
	if err := t.sc.SetIntent(t.userTurn, intent); err != nil {
		return plan{}, t.fatal(err)
	}
	p := plan{
		utterance:     t.req.Content,
		intent:        intent,
		report:        intent == conversation.IntentReport || t.req.Mode == stream.ModeReport,
		dataSourceIDs: t.req.DataSourceIDs,
	}
	t.log.Debug("orchestrator: classified", "intent", intent, "pending", hasPending)

	switch intent {
	case conversation.IntentClarificationAnswer:
		if !hasPending {
			p.intent = conversation.IntentQuery
			return p, ""
		}
		pend, cand, err := t.sc.ResolveClarification(t.req.Content)
		if errors.Is(err, conversation.ErrNoMatchingCandidate) {
			return p, t.askClarification(pend.Candidates)
		}
		if err != nil {
			return p, t.fatal(err)
		}
		t.log.Info("orchestrator: clarification resolved", "table", cand.TableID, "suspended_turn", pend.TurnID)
		p.utterance = pend.Utterance
		p.intent = pend.Intent
		p.report = pend.Report
		p.dataSourceIDs = pend.DataSourceIDs
		p.selection = &conversation.Selection{DataSourceID: cand.DataSourceID, Tables: cand.Tables()}
	case conversation.IntentFollowUp:
		if hasPending {
			t.sc.DiscardClarification()
		}
		sel, ok := t.sc.Selection()
		if !ok {
			p.intent = conversation.IntentQuery
			return p, ""
		}
		p.selection = &sel
		if last, ok := t.sc.LastQueryTurn(); ok {
			p.previousSQL = last.SQL
		}
	case conversation.IntentQuery, conversation.IntentReport:
		if hasPending {
			t.sc.DiscardClarification()
		}
	}
	return p, ""
}

func (t *turn) selectTables(ctx context.Context, p plan) (conversation.Selection, datasource.Schema, State) {
	t.state = StateSelectingTables
	schemas, err := t.o.cfg.Schemas.Schemas(ctx, p.dataSourceIDs)
	if err != nil {
		if ctx.Err() != nil {
			return conversation.Selection{}, datasource.Schema{}, t.cancelled()
		}
		return conversation.Selection{}, datasource.Schema{}, t.fail(&StageError{Stage: StageSelect, Kind: KindTableSelectionFailed, Err: err})
	}

	in := SelectInput{Utterance: p.utterance, Intent: p.intent, Schemas: schemas}
	if prev, ok := t.sc.Selection(); ok {
		in.Previous = &prev
	}
	out, err := stageCall(ctx, t, StageSelect, RetryModel, t.o.cfg.StageTimeout, func(ctx context.Context) (TableSelection, error) {
		return t.o.cfg.Selector.Select(ctx, in)
	})
	if err != nil {
		if ctx.Err() != nil {
			return conversation.Selection{}, datasource.Schema{}, t.cancelled()
		}
		return conversation.Selection{}, datasource.Schema{}, t.fail(&StageError{Stage: StageSelect, Kind: ModelKind(err), Err: err})
	}
	t.addUsage(out.Usage)

	res, err := ResolveCandidates(knownCandidates(out.Candidates, schemas), t.o.cfg.AmbiguityMargin)
	if err != nil {
		return conversation.Selection{}, datasource.Schema{}, t.fail(&StageError{Stage: StageSelect, Kind: KindTableSelectionFailed, Err: err})
	}
	if res.Resolved == nil {
		err := t.sc.Suspend(conversation.PendingClarification{
			TurnID:        t.userTurn,
			Utterance:     p.utterance,
			Intent:        p.intent,
			Report:        p.report,
			DataSourceIDs: p.dataSourceIDs,
			Candidates:    res.Ambiguous,
		})
		if err != nil {
			return conversation.Selection{}, datasource.Schema{}, t.fatal(err)
		}
		return conversation.Selection{}, datasource.Schema{}, t.askClarification(res.Ambiguous)
	}

	top := *res.Resolved
	t.log.Debug("orchestrator: tables selected", "source", top.DataSourceID, "table", top.TableID, "score", top.Score)
	for _, s := range schemas {
		if s.DataSourceID == top.DataSourceID {
			return conversation.Selection{DataSourceID: top.DataSourceID, Tables: top.Tables()}, s, ""
		}
	}
	return conversation.Selection{}, datasource.Schema{}, t.fatal(fmt.Errorf("schema for %s vanished", top.DataSourceID))
}

// knownCandidates drops candidates that name tables missing from the
// schemas, and related tables outside the candidate's data source.
func knownCandidates(candidates []conversation.TableCandidate, schemas []datasource.Schema) []conversation.TableCandidate {
	out := make([]conversation.TableCandidate, 0, len(candidates))
	for _, c := range candidates {
		if c.DataSourceID == "" && len(schemas) == 1 {
			c.DataSourceID = schemas[0].DataSourceID
		}
		for _, s := range schemas {
			if s.DataSourceID != c.DataSourceID {
				continue
			}
			t, ok := s.Table(c.TableID)
			if !ok {
				break
			}
			c.TableID = t.ID
			var related []string
			for _, r := range c.Related {
				if rt, ok := s.Table(r); ok && rt.ID != t.ID {
					related = append(related, rt.ID)
				}
			}
			c.Related = related
			out = append(out, c)
			break
		}
	}
	return out
}

func (t *turn) generate(ctx context.Context, p plan, sel conversation.Selection, schema datasource.Schema) (SqlCandidate, sqlcheck.Outcome, State) {
	tables := schema.Subset(sel.Tables)
	if len(tables) == 0 {
		return SqlCandidate{}, sqlcheck.Outcome{}, t.fail(&StageError{
			Stage: StageSelect, Kind: KindTableSelectionFailed,
			Err: fmt.Errorf("tables %v not found in %s", sel.Tables, sel.DataSourceID),
		})
	}

	maxAttempts := t.o.cfg.MaxSqlRetries + 1
	var feedback []sqlcheck.Violation
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if ctx.Err() != nil {
			return SqlCandidate{}, sqlcheck.Outcome{}, t.cancelled()
		}
		t.state = StateGeneratingSql
		t.emit(stream.EventThinking, thinkingText(sel, feedback), map[string]any{
			stream.MetaStage:   string(StageGenerate),
			stream.MetaAttempt: attempt,
		})

		in := GenerateInput{
			Utterance:    p.utterance,
			Intent:       p.intent,
			DataSourceID: sel.DataSourceID,
			Driver:       schema.Driver,
			Tables:       tables,
			History:      t.history(),
			PreviousSQL:  p.previousSQL,
			Feedback:     feedback,
			Attempt:      attempt,
		}
		cand, err := stageCall(ctx, t, StageGenerate, RetryModel, t.o.cfg.StageTimeout, func(ctx context.Context) (SqlCandidate, error) {
			return t.o.cfg.Generator.Generate(ctx, in)
		})
		if err != nil {
			if ctx.Err() != nil {
				return SqlCandidate{}, sqlcheck.Outcome{}, t.cancelled()
			}
			return SqlCandidate{}, sqlcheck.Outcome{}, t.fail(&StageError{Stage: StageGenerate, Kind: ModelKind(err), Err: err})
		}
		t.addUsage(cand.Usage)

		t.state = StateValidatingSql
		start := time.Now()
		outcome := t.o.cfg.Validator.Validate(cand.SQL, tables)
		status := "ok"
		if !outcome.Passed {
			status = "error"
		}
		metrics.StageDuration.WithLabelValues(string(StageValidate), status).Observe(time.Since(start).Seconds())
		if outcome.Passed {
			t.emit(stream.EventMessage, sqlMessage(cand), map[string]any{
				stream.MetaSQL:        outcome.SQL,
				stream.MetaTables:     sel.Tables,
				stream.MetaConfidence: cand.Confidence,
				stream.MetaRationale:  cand.Rationale,
				stream.MetaAttempt:    attempt,
			})
			return cand, outcome, ""
		}

		feedback = outcome.Violations
		v, _ := outcome.FirstViolation()
		t.log.Info("orchestrator: query rejected", "attempt", attempt, "rule", v.Rule, "detail", v.Detail)
		if attempt < maxAttempts {
			metrics.SQLRegenerationsTotal.Inc()
		}
	}

	v, _ := sqlcheck.Outcome{Violations: feedback}.FirstViolation()
	return SqlCandidate{}, sqlcheck.Outcome{}, t.fail(&StageError{
		Stage: StageValidate,
		Kind:  KindSqlGenerationExhausted,
		Err:   fmt.Errorf("%d attempts rejected, last: %s", maxAttempts, v),
	})
}

func (t *turn) executeQuery(ctx context.Context, sel conversation.Selection, outcome sqlcheck.Outcome) (datasource.Result, State) {
	t.state = StateExecuting
	// the executor enforces its own query timeout
	res, err := stageCall(ctx, t, StageExecute, retryTransient, 0, func(ctx context.Context) (datasource.Result, error) {
		return t.o.cfg.Executor.Execute(ctx, sel.DataSourceID, outcome.SQL)
	})
	if err != nil {
		if ctx.Err() != nil {
			return datasource.Result{}, t.cancelled()
		}
		return datasource.Result{}, t.fail(ExecutionError(err))
	}
	if err := t.sc.SetQuery(t.assistantTurn, sel.DataSourceID, outcome.SQL, sel.Tables); err != nil {
		return datasource.Result{}, t.fatal(err)
	}
	return res, ""
}

func retryTransient(err error) bool {
	var execErr *datasource.ExecError
	return errors.As(err, &execErr) && execErr.Transient()
}

func (t *turn) analyze(ctx context.Context, p plan, sel conversation.Selection, cand SqlCandidate, outcome sqlcheck.Outcome, res datasource.Result) State {
	t.state = StateAnalyzing
	meta := map[string]any{
		stream.MetaResult: res.Payload(),
		stream.MetaSQL:    outcome.SQL,
		stream.MetaTables: sel.Tables,
	}
	if res.RowCount() == 0 {
		meta[stream.MetaEmpty] = true
	}

	in := AnalyzeInput{Utterance: p.utterance, Report: p.report, SQL: outcome.SQL, Result: res}
	analysis, err := stageCall(ctx, t, StageAnalyze, RetryModel, t.o.cfg.StageTimeout, func(ctx context.Context) (Analysis, error) {
		return t.o.cfg.Analyzer.Analyze(ctx, in)
	})
	if err != nil {
		if ctx.Err() != nil {
			return t.cancelled()
		}
		t.log.Warn("orchestrator: analysis failed, returning raw result", "kind", ModelKind(err), "error", err)
		t.emit(stream.EventMessage, "Analysis was skipped, so the result is shown without an explanation.", map[string]any{
			stream.MetaAnalysisSkipped: true,
			stream.MetaStage:           string(StageAnalyze),
		})
		meta[stream.MetaAnalysisSkipped] = true
		content := rawResultText(res)
		t.emit(stream.EventResult, content, meta)
		t.appendContent(content)
		return t.complete()
	}

	t.addUsage(analysis.Usage)
	if analysis.Chart.Type != "" {
		meta[stream.MetaChart] = analysis.Chart
	}
	if analysis.Insight != nil {
		meta[stream.MetaInsight] = analysis.Insight
	}
	if len(analysis.FollowUps) > 0 {
		meta[stream.MetaFollowUps] = analysis.FollowUps
	}
	narrative := analysis.Narrative
	if narrative == "" {
		narrative = rawResultText(res)
	}
	t.emit(stream.EventResult, narrative, meta)
	t.appendContent(narrative)
	t.log.Debug("orchestrator: result delivered", "rows", res.RowCount(), "confidence", cand.Confidence)
	return t.complete()
}

func (t *turn) askClarification(candidates []conversation.TableCandidate) State {
	t.state = StateAwaitingClarification
	content := clarificationText(candidates)
	t.emit(stream.EventMessage, content, map[string]any{
		stream.MetaCandidates:            candidates,
		stream.MetaAwaitingClarification: true,
		stream.MetaTurnID:                t.assistantTurn,
	})
	t.appendContent(content)
	t.finish(conversation.StatusCompleted)
	return StateAwaitingClarification
}

func (t *turn) complete() State {
	t.finish(conversation.StatusCompleted)
	t.emit(stream.EventComplete, "", map[string]any{
		stream.MetaStatus:     string(StateCompleted),
		stream.MetaTokenUsage: t.sc.Usage(),
		stream.MetaTurnID:     t.assistantTurn,
	})
	return StateCompleted
}

func (t *turn) fail(err *StageError) State {
	t.log.Warn("orchestrator: turn failed", "state", t.state, "stage", err.Stage, "kind", err.Kind, "cause", err.Cause, "error", err.Err)
	meta := map[string]any{
		stream.MetaErrorKind: string(err.Kind),
		stream.MetaStage:     string(err.Stage),
	}
	if err.Cause != "" {
		meta[stream.MetaErrorCause] = string(err.Cause)
	}
	msg := err.UserMessage()
	t.emit(stream.EventError, msg, meta)
	t.appendContent(msg)
	t.finish(conversation.StatusError)
	t.emit(stream.EventComplete, "", map[string]any{
		stream.MetaStatus:     string(StateFailed),
		stream.MetaTokenUsage: t.sc.Usage(),
		stream.MetaTurnID:     t.assistantTurn,
	})
	return StateFailed
}

// fatal handles a broken session invariant. It is reported like any other
// failure so the stream still terminates.
func (t *turn) fatal(err error) State {
	t.log.Error("orchestrator: session state corrupted", "state", t.state, "error", err)
	return t.fail(&StageError{Stage: Stage(t.state), Kind: KindInternal, Err: err})
}

func (t *turn) cancelled() State {
	t.log.Info("orchestrator: turn cancelled", "state", t.state)
	t.appendContent("Cancelled.")
	t.finish(conversation.StatusError)
	t.emit(stream.EventComplete, "Cancelled.", map[string]any{
		stream.MetaCancelled:  true,
		stream.MetaStatus:     string(StateCancelled),
		stream.MetaTokenUsage: t.sc.Usage(),
		stream.MetaTurnID:     t.assistantTurn,
	})
	return StateCancelled
}

func (t *turn) finish(assistantStatus conversation.Status) {
	if t.userTurn != "" {
		if err := t.sc.FinishTurn(t.userTurn, conversation.StatusCompleted); err != nil && !errors.Is(err, conversation.ErrTurnFinal) {
			t.log.Error("orchestrator: failed to finish user turn", "error", err)
		}
	}
	if t.assistantTurn != "" {
		if err := t.sc.FinishTurn(t.assistantTurn, assistantStatus); err != nil && !errors.Is(err, conversation.ErrTurnFinal) {
			t.log.Error("orchestrator: failed to finish assistant turn", "error", err)
		}
	}
}

func (t *turn) appendContent(text string) {
	if t.assistantTurn == "" {
		return
	}
	if err := t.sc.AppendContent(t.assistantTurn, text); err != nil && !errors.Is(err, conversation.ErrTurnFinal) {
		t.log.Error("orchestrator: failed to append content", "error", err)
	}
}

func (t *turn) emit(typ stream.EventType, content string, meta map[string]any) {
	ev := stream.Event{
		Type:      typ,
		SessionID: t.sc.ID(),
		Seq:       t.sc.NextSeq(),
		Content:   content,
		Metadata:  meta,
	}
	metrics.EventsTotal.WithLabelValues(string(typ)).Inc()
	if t.o.cfg.Sink != nil {
		t.o.cfg.Sink.Publish(t.parent, ev)
	}
	select {
	case t.out <- ev:
	case <-t.parent.Done():
		select {
		case t.out <- ev:
		default:
			t.log.Debug("orchestrator: caller gone, event dropped", "event", ev.String())
		}
	}
}

func (t *turn) addUsage(u llm.Usage) {
	if u.Tier == "" {
		return
	}
	t.sc.AddUsage(u)
	metrics.ModelTokensTotal.WithLabelValues(string(u.Tier), "input").Add(float64(u.InputTokens))
	metrics.ModelTokensTotal.WithLabelValues(string(u.Tier), "output").Add(float64(u.OutputTokens))
}

// history returns the most recent earlier turns, oldest first.
func (t *turn) history() []conversation.Turn {
	all := t.sc.Turns()
	out := make([]conversation.Turn, 0, len(all))
	for _, tr := range all {
		if tr.ID == t.userTurn || tr.ID == t.assistantTurn {
			continue
		}
		out = append(out, tr)
	}
	if len(out) > t.o.cfg.HistoryTurns {
		out = out[len(out)-t.o.cfg.HistoryTurns:]
	}
	return out
}

func (t *turn) persist() {
	if t.o.cfg.History == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(t.parent), persistTimeout)
	defer cancel()
	for _, id := range []string{t.userTurn, t.assistantTurn} {
		if id == "" {
			continue
		}
		tr, ok := t.sc.Turn(id)
		if !ok {
			continue
		}
		if err := t.o.cfg.History.Append(ctx, t.sc.ID(), tr); err != nil {
			t.log.Warn("orchestrator: failed to persist turn", "turn", id, "error", err)
		}
	}
}

func stageCall[T any](
	ctx context.Context,
	t *turn,
	stage Stage,
	retryable func(error) bool,
	timeout time.Duration,
	fn func(context.Context) (T, error),
) (T, error) {
	policy := t.o.cfg.Retry
	policy.AttemptTimeout = timeout
	start := time.Now()
	v, err := WithRetry(ctx, t.log, stage, policy, retryable, fn)
	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.StageDuration.WithLabelValues(string(stage), status).Observe(time.Since(start).Seconds())
	return v, err
}
