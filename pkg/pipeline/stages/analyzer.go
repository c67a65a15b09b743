package stages

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/malbeclabs/querypilot/pkg/datasource"
	"github.com/malbeclabs/querypilot/pkg/llm"
	"github.com/malbeclabs/querypilot/pkg/pipeline"
	"github.com/malbeclabs/querypilot/pkg/pipeline/prompts"
)

const (
	analyzeMaxTokens = 1024
	reportMaxTokens  = 4096
	promptMaxRows    = 50
)

type analyzeOutput struct {
	Narrative string   `json:"narrative"`
	FollowUps []string `json:"followUps,omitempty"`
}

// LLMAnalyzer computes the chart and insight by rules and asks a model for
// the narrative and follow-up questions.
type LLMAnalyzer struct {
	log    *slog.Logger
	client llm.Client
	schema *outputSchema[analyzeOutput]
	answer string
	report string
}

func NewLLMAnalyzer(log *slog.Logger, client llm.Client) (*LLMAnalyzer, error) {
	if log == nil {
		return nil, errors.New("logger is required")
	}
	if client == nil {
		return nil, errors.New("client is required")
	}
	schema, err := newOutputSchema[analyzeOutput](nil)
	if err != nil {
		return nil, err
	}
	answer, err := prompts.Render(prompts.Analyze, map[string]any{"Report": false, "MaxFollowUps": maxFollowUps})
	if err != nil {
		return nil, err
	}
	report, err := prompts.Render(prompts.Analyze, map[string]any{"Report": true, "MaxFollowUps": maxFollowUps})
	if err != nil {
		return nil, err
	}
	return &LLMAnalyzer{log: log, client: client, schema: schema, answer: answer, report: report}, nil
}

func (a *LLMAnalyzer) Analyze(ctx context.Context, in pipeline.AnalyzeInput) (pipeline.Analysis, error) {
	base := RuleAnalyzer{}.analyze(in)
	if in.Result.RowCount() == 0 {
		return base, nil
	}

	system, maxTokens := a.answer, int64(analyzeMaxTokens)
	if in.Report {
		system, maxTokens = a.report, reportMaxTokens
	}
	resp, err := a.client.Complete(ctx, llm.Request{
		System:      system,
		Prompt:      buildAnalyzePrompt(in, base),
		MaxTokens:   maxTokens,
		CacheSystem: true,
	})
	if err != nil {
		return pipeline.Analysis{}, fmt.Errorf("failed to analyze result: %w", err)
	}
	out, err := a.schema.decode(resp.Text)
	if err == nil && strings.TrimSpace(out.Narrative) == "" {
		err = fmt.Errorf("%w: empty narrative", pipeline.ErrMalformedOutput)
	}
	if err != nil {
		a.log.Info("stages: analyze response rejected", "error", err, "response", truncate(resp.Text, 200))
		return pipeline.Analysis{Usage: resp.Usage}, err
	}

	base.Narrative = strings.TrimSpace(out.Narrative)
	if len(out.FollowUps) > 0 {
		base.FollowUps = out.FollowUps
		if len(base.FollowUps) > maxFollowUps {
			base.FollowUps = base.FollowUps[:maxFollowUps]
		}
	}
	base.Usage = resp.Usage
	return base, nil
}

func buildAnalyzePrompt(in pipeline.AnalyzeInput, base pipeline.Analysis) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Question: %s\n\nQuery:\n\n```sql\n%s\n```\n\n", in.Utterance, in.SQL)
	fmt.Fprintf(&sb, "Result (%d rows", in.Result.RowCount())
	if in.Result.Truncated {
		sb.WriteString(", truncated")
	}
	if in.Result.RowCount() > promptMaxRows {
		fmt.Fprintf(&sb, ", first %d shown", promptMaxRows)
	}
	sb.WriteString("):\n\n")
	in.Result.WriteTable(&sb, promptMaxRows)
	if base.Insight != nil {
		fmt.Fprintf(&sb, "\nInsight: trend %s.", base.Insight.Trend)
		for _, an := range base.Insight.Anomalies {
			fmt.Fprintf(&sb, "\n- row %d: %s", an.Row+1, an.Reason)
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

// RuleAnalyzer explains a result without a model: the narrative is a row
// count plus the rule-based insight.
type RuleAnalyzer struct{}

func (r RuleAnalyzer) Analyze(_ context.Context, in pipeline.AnalyzeInput) (pipeline.Analysis, error) {
	return r.analyze(in), nil
}

func (RuleAnalyzer) analyze(in pipeline.AnalyzeInput) pipeline.Analysis {
	res := in.Result
	chart := SuggestChart(res)
	out := pipeline.Analysis{
		Chart:     chart,
		Insight:   RuleInsights(res),
		FollowUps: SuggestFollowUps(chart, res),
	}

	var sb strings.Builder
	switch n := res.RowCount(); {
	case n == 0:
		sb.WriteString("The query returned no rows. The filters may be too narrow, or the data may not cover this period.")
		out.FollowUps = nil
	case n == 1 && chart.Type == pipeline.ChartNumber:
		col := chart.Y[0]
		for i, c := range res.Columns {
			if c.Name == col {
				fmt.Fprintf(&sb, "%s: %s.", col, datasource.FormatValue(res.Rows[0][i]))
			}
		}
	default:
		fmt.Fprintf(&sb, "The query returned %d rows", n)
		if res.Truncated {
			sb.WriteString(" (truncated)")
		}
		sb.WriteString(".")
	}
	if out.Insight != nil {
		sb.WriteString(" ")
		sb.WriteString(out.Insight.Narrative)
	}
	out.Narrative = sb.String()
	return out
}
