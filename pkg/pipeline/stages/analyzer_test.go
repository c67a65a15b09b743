package stages_test

import (
	"testing"

	"github.com/malbeclabs/querypilot/pkg/datasource"
	"github.com/malbeclabs/querypilot/pkg/pipeline"
	"github.com/malbeclabs/querypilot/pkg/pipeline/stages"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func regionResult() datasource.Result {
	return datasource.Result{
		Columns: []datasource.ResultColumn{{Name: "region", Type: "VARCHAR"}, {Name: "amount", Type: "DOUBLE"}},
		Rows:    [][]any{{"north", 120.0}, {"south", 80.0}, {"east", 60.0}},
	}
}

func TestStages_LLMAnalyzer(t *testing.T) {
	t.Parallel()

	t.Run("narrative from the model, chart from rules", func(t *testing.T) {
		t.Parallel()
		client := replying(`{"narrative": "North leads with 120.", "followUps": ["a?", "b?", "c?", "d?"]}`)
		a, err := stages.NewLLMAnalyzer(logger, client)
		require.NoError(t, err)

		out, err := a.Analyze(t.Context(), pipeline.AnalyzeInput{
			Utterance: "sales by region",
			SQL:       "SELECT region, amount FROM sales",
			Result:    regionResult(),
		})
		require.NoError(t, err)
		assert.Equal(t, "North leads with 120.", out.Narrative)
		assert.Equal(t, pipeline.ChartHint{Type: pipeline.ChartPie, X: "region", Y: []string{"amount"}}, out.Chart)
		require.NotNil(t, out.Insight)
		assert.Equal(t, pipeline.TrendDown, out.Insight.Trend)
		assert.Equal(t, []string{"a?", "b?", "c?"}, out.FollowUps)
		assert.Equal(t, int64(20), out.Usage.OutputTokens)

		req := client.last()
		assert.Contains(t, req.Prompt, "Question: sales by region")
		assert.Contains(t, req.Prompt, "north")
		assert.Contains(t, req.Prompt, "Insight: trend down.")
		assert.NotContains(t, req.System, "short report")
	})

	t.Run("report mode uses the report prompt", func(t *testing.T) {
		t.Parallel()
		client := replying(`{"narrative": "## Summary\nNorth leads."}`)
		a, err := stages.NewLLMAnalyzer(logger, client)
		require.NoError(t, err)

		out, err := a.Analyze(t.Context(), pipeline.AnalyzeInput{Utterance: "report", Report: true, Result: regionResult()})
		require.NoError(t, err)
		assert.Contains(t, client.last().System, "short report")
		assert.Equal(t, []string{"How has amount changed over time?", "Which region grew the most?"}, out.FollowUps)
	})

	t.Run("empty result skips the model", func(t *testing.T) {
		t.Parallel()
		client := replying(`{"narrative": "unused"}`)
		a, err := stages.NewLLMAnalyzer(logger, client)
		require.NoError(t, err)

		out, err := a.Analyze(t.Context(), pipeline.AnalyzeInput{Result: datasource.Result{Columns: regionResult().Columns}})
		require.NoError(t, err)
		assert.Zero(t, client.calls())
		assert.Contains(t, out.Narrative, "no rows")
		assert.Empty(t, out.FollowUps)
	})

	t.Run("empty narrative is malformed", func(t *testing.T) {
		t.Parallel()
		a, err := stages.NewLLMAnalyzer(logger, replying(`{"narrative": "  "}`))
		require.NoError(t, err)
		_, err = a.Analyze(t.Context(), pipeline.AnalyzeInput{Result: regionResult()})
		require.ErrorIs(t, err, pipeline.ErrMalformedOutput)
	})
}

func TestStages_RuleAnalyzer(t *testing.T) {
	t.Parallel()

	out, err := stages.RuleAnalyzer{}.Analyze(t.Context(), pipeline.AnalyzeInput{Result: regionResult()})
	require.NoError(t, err)
	assert.Equal(t, "The query returned 3 rows. amount is trending down across 3 rows.", out.Narrative)

	out, err = stages.RuleAnalyzer{}.Analyze(t.Context(), pipeline.AnalyzeInput{Result: datasource.Result{
		Columns: []datasource.ResultColumn{{Name: "total", Type: "BIGINT"}},
		Rows:    [][]any{{int64(42)}},
	}})
	require.NoError(t, err)
	assert.Equal(t, "total: 42.", out.Narrative)
	assert.Equal(t, pipeline.ChartNumber, out.Chart.Type)
	assert.Nil(t, out.Insight)
}
