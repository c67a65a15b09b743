package pipeline

import (
	"context"

	"github.com/malbeclabs/querypilot/pkg/conversation"
	"github.com/malbeclabs/querypilot/pkg/datasource"
	"github.com/malbeclabs/querypilot/pkg/llm"
	"github.com/malbeclabs/querypilot/pkg/sqlcheck"
	"github.com/malbeclabs/querypilot/pkg/stream"
)

// Stage names a step of a turn. Stage values label metrics and error events.
type Stage string

const (
	StageClassify Stage = "classify"
	StageSelect   Stage = "select"
	StageGenerate Stage = "generate"
	StageValidate Stage = "validate"
	StageExecute  Stage = "execute"
	StageAnalyze  Stage = "analyze"
)

type ClassifyInput struct {
	Utterance string
	Mode      stream.Mode
	History   []conversation.Turn
	Pending   *conversation.PendingClarification
}

type Classification struct {
	Intent conversation.Intent
	Usage  llm.Usage
}

// IntentClassifier maps an utterance and its context to an intent.
type IntentClassifier interface {
	Classify(ctx context.Context, in ClassifyInput) (Classification, error)
}

type SelectInput struct {
	Utterance string
	Intent    conversation.Intent
	Schemas   []datasource.Schema
	Previous  *conversation.Selection
}

type TableSelection struct {
	Candidates []conversation.TableCandidate
	Usage      llm.Usage
}

// TableSelector ranks the tables that could answer an utterance.
type TableSelector interface {
	Select(ctx context.Context, in SelectInput) (TableSelection, error)
}

type GenerateInput struct {
	Utterance    string
	Intent       conversation.Intent
	DataSourceID string
	Driver       datasource.Driver
	Tables       []datasource.Table
	History      []conversation.Turn

	// PreviousSQL is the query of the turn a follow-up refers to.
	PreviousSQL string
	// Feedback holds the violations of the previous attempt in this turn.
	Feedback []sqlcheck.Violation
	Attempt  int
}

// SqlCandidate is a generated query with the generator's own account of it.
type SqlCandidate struct {
	SQL        string    `json:"sql"`
	Tables     []string  `json:"tables,omitempty"`
	Columns    []string  `json:"columns,omitempty"`
	Rationale  string    `json:"rationale,omitempty"`
	Confidence float64   `json:"confidence"`
	Usage      llm.Usage `json:"-"`
}

// SqlGenerator turns an utterance and the selected tables into a query.
type SqlGenerator interface {
	Generate(ctx context.Context, in GenerateInput) (SqlCandidate, error)
}

// SqlValidator checks a query against the selected tables without touching
// a data source.
type SqlValidator interface {
	Validate(sql string, tables []datasource.Table) sqlcheck.Outcome
}

// QueryExecutor runs a validated query and enforces its own timeout.
type QueryExecutor interface {
	Execute(ctx context.Context, sourceID, query string) (datasource.Result, error)
}

// SchemaProvider resolves data source ids to schemas. No ids means all.
type SchemaProvider interface {
	Schemas(ctx context.Context, ids []string) ([]datasource.Schema, error)
}

type AnalyzeInput struct {
	Utterance string
	Report    bool
	SQL       string
	Result    datasource.Result
}

type Trend string

const (
	TrendUp       Trend = "up"
	TrendDown     Trend = "down"
	TrendFlat     Trend = "flat"
	TrendVolatile Trend = "volatile"
)

type Anomaly struct {
	Row    int    `json:"row"`
	Reason string `json:"reason"`
}

type Insight struct {
	Trend     Trend     `json:"trend"`
	Anomalies []Anomaly `json:"anomalies,omitempty"`
	Narrative string    `json:"narrative,omitempty"`
}

type ChartType string

const (
	ChartBar    ChartType = "bar"
	ChartLine   ChartType = "line"
	ChartPie    ChartType = "pie"
	ChartTable  ChartType = "table"
	ChartNumber ChartType = "number"
)

// ChartHint suggests how a client could render a result.
type ChartHint struct {
	Type ChartType `json:"type"`
	X    string    `json:"x,omitempty"`
	Y    []string  `json:"y,omitempty"`
}

type Analysis struct {
	Narrative string
	Chart     ChartHint
	Insight   *Insight
	FollowUps []string
	Usage     llm.Usage
}

// ResultAnalyzer explains a result and suggests how to chart it.
type ResultAnalyzer interface {
	Analyze(ctx context.Context, in AnalyzeInput) (Analysis, error)
}
