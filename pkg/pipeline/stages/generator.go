package stages

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/malbeclabs/querypilot/pkg/datasource"
	"github.com/malbeclabs/querypilot/pkg/llm"
	"github.com/malbeclabs/querypilot/pkg/pipeline"
	"github.com/malbeclabs/querypilot/pkg/pipeline/prompts"
)

const (
	generateMaxTokens = 2048
	genericDialect    = "ansi"
)

type generateOutput struct {
	SQL        string   `json:"sql"`
	Tables     []string `json:"tables,omitempty"`
	Columns    []string `json:"columns,omitempty"`
	Rationale  string   `json:"rationale,omitempty"`
	Confidence float64  `json:"confidence,omitempty"`
}

// LLMGenerator asks a model for a query over the selected tables.
type LLMGenerator struct {
	log    *slog.Logger
	client llm.Client
	schema *outputSchema[generateOutput]

	// system prompts by dialect
	systems map[string]string
}

func NewLLMGenerator(log *slog.Logger, client llm.Client) (*LLMGenerator, error) {
	if log == nil {
		return nil, errors.New("logger is required")
	}
	if client == nil {
		return nil, errors.New("client is required")
	}
	schema, err := newOutputSchema[generateOutput](func(s *jsonschema.Schema) {
		minLen := 1
		s.Properties["sql"].MinLength = &minLen
	})
	if err != nil {
		return nil, err
	}
	systems := make(map[string]string)
	for _, dialect := range []string{string(datasource.DriverClickHouse), string(datasource.DriverPostgres), string(datasource.DriverDuckDB), genericDialect} {
		system, err := prompts.Render(prompts.Generate, map[string]any{"Dialect": dialect})
		if err != nil {
			return nil, err
		}
		systems[dialect] = system
	}
	return &LLMGenerator{log: log, client: client, schema: schema, systems: systems}, nil
}

func (g *LLMGenerator) Generate(ctx context.Context, in pipeline.GenerateInput) (pipeline.SqlCandidate, error) {
	system, ok := g.systems[string(in.Driver)]
	if !ok {
		system = g.systems[genericDialect]
	}

	resp, err := g.client.Complete(ctx, llm.Request{
		System:      system,
		Prompt:      buildGeneratePrompt(in),
		MaxTokens:   generateMaxTokens,
		CacheSystem: true,
	})
	if err != nil {
		return pipeline.SqlCandidate{}, fmt.Errorf("failed to generate query: %w", err)
	}

	out, err := g.schema.decode(resp.Text)
	if err != nil {
		// Some models answer with a bare code block despite the instructions.
		sql := extractSQLFromCodeBlocks(resp.Text)
		if sql == "" {
			g.log.Info("stages: generate response rejected", "error", err, "attempt", in.Attempt, "response", truncate(resp.Text, 200))
			return pipeline.SqlCandidate{Usage: resp.Usage}, err
		}
		g.log.Debug("stages: query taken from code block", "attempt", in.Attempt)
		return pipeline.SqlCandidate{SQL: sql, Rationale: textOutsideCodeBlocks(resp.Text), Usage: resp.Usage}, nil
	}

	cand := pipeline.SqlCandidate{
		SQL:        cleanSQL(out.SQL),
		Tables:     out.Tables,
		Columns:    out.Columns,
		Rationale:  out.Rationale,
		Confidence: math.Max(0, math.Min(1, out.Confidence)),
		Usage:      resp.Usage,
	}
	g.log.Debug("stages: query generated", "attempt", in.Attempt, "confidence", cand.Confidence)
	return cand, nil
}

func buildGeneratePrompt(in pipeline.GenerateInput) string {
	var sb strings.Builder
	sb.WriteString("# Tables\n\n")
	sb.WriteString(datasource.SummarizeTables(in.Driver, in.Tables))
	sb.WriteString("\n")
	if h := formatHistory(in.History); h != "" {
		sb.WriteString(h)
		sb.WriteString("\n")
	}
	if in.PreviousSQL != "" {
		fmt.Fprintf(&sb, "The question refines this earlier query:\n\n```sql\n%s\n```\n\n", in.PreviousSQL)
	}
	if len(in.Feedback) > 0 {
		sb.WriteString("Your previous query was rejected:\n")
		for _, v := range in.Feedback {
			fmt.Fprintf(&sb, "- %s\n", v)
		}
		sb.WriteString("Write a corrected query.\n\n")
	}
	fmt.Fprintf(&sb, "Question: %s", in.Utterance)
	return sb.String()
}
