package stages_test

import (
	"context"
	"testing"

	"github.com/malbeclabs/querypilot/pkg/conversation"
	"github.com/malbeclabs/querypilot/pkg/llm"
	"github.com/malbeclabs/querypilot/pkg/pipeline"
	"github.com/malbeclabs/querypilot/pkg/pipeline/stages"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStages_LLMClassifier(t *testing.T) {
	t.Parallel()

	t.Run("parses intent", func(t *testing.T) {
		t.Parallel()
		client := replying("```json\n{\"intent\": \"follow_up\", \"reasoning\": \"refines the last question\"}\n```")
		c, err := stages.NewLLMClassifier(logger, client)
		require.NoError(t, err)

		out, err := c.Classify(t.Context(), pipeline.ClassifyInput{
			Utterance: "only the north",
			History: []conversation.Turn{
				{Role: conversation.RoleUser, Content: "sales by region"},
				{Role: conversation.RoleAssistant, Content: "North leads.", SQL: "SELECT region, SUM(amount) FROM sales GROUP BY region"},
			},
		})
		require.NoError(t, err)
		assert.Equal(t, conversation.IntentFollowUp, out.Intent)
		assert.Equal(t, int64(100), out.Usage.InputTokens)

		req := client.last()
		assert.True(t, req.CacheSystem)
		assert.Contains(t, req.Prompt, "User: sales by region")
		assert.Contains(t, req.Prompt, "Assistant ran: SELECT region")
		assert.Contains(t, req.Prompt, "Message to classify: only the north")
	})

	t.Run("unknown intent is malformed", func(t *testing.T) {
		t.Parallel()
		c, err := stages.NewLLMClassifier(logger, replying(`{"intent": "chitchat"}`))
		require.NoError(t, err)
		_, err = c.Classify(t.Context(), pipeline.ClassifyInput{Utterance: "hi"})
		require.ErrorIs(t, err, pipeline.ErrMalformedOutput)
	})

	t.Run("pending clarification is in the system prompt", func(t *testing.T) {
		t.Parallel()
		client := replying(`{"intent": "clarification_answer"}`)
		c, err := stages.NewLLMClassifier(logger, client)
		require.NoError(t, err)
		out, err := c.Classify(t.Context(), pipeline.ClassifyInput{
			Utterance: "the second",
			Pending: &conversation.PendingClarification{Candidates: []conversation.TableCandidate{
				{TableID: "sales"}, {TableID: "sales_2023"},
			}},
		})
		require.NoError(t, err)
		assert.Equal(t, conversation.IntentClarificationAnswer, out.Intent)
		req := client.last()
		assert.False(t, req.CacheSystem)
		assert.Contains(t, req.System, "2. sales_2023")
	})

	t.Run("transport errors pass through", func(t *testing.T) {
		t.Parallel()
		client := &mockClient{CompleteFunc: func(ctx context.Context, req llm.Request) (llm.Response, error) {
			return llm.Response{}, llm.ErrUnavailable
		}}
		c, err := stages.NewLLMClassifier(logger, client)
		require.NoError(t, err)
		_, err = c.Classify(t.Context(), pipeline.ClassifyInput{Utterance: "sales"})
		require.ErrorIs(t, err, llm.ErrUnavailable)
	})

	t.Run("requires client", func(t *testing.T) {
		t.Parallel()
		_, err := stages.NewLLMClassifier(logger, nil)
		require.Error(t, err)
	})
}

func TestStages_KeywordClassifier(t *testing.T) {
	t.Parallel()

	queried := []conversation.Turn{
		{Role: conversation.RoleUser, Content: "sales by region"},
		{Role: conversation.RoleAssistant, SQL: "SELECT 1"},
	}
	pending := &conversation.PendingClarification{Candidates: []conversation.TableCandidate{{TableID: "sales"}, {TableID: "orders"}}}

	tests := []struct {
		name string
		in   pipeline.ClassifyInput
		want conversation.Intent
	}{
		{name: "plain question", in: pipeline.ClassifyInput{Utterance: "How many orders were placed?"}, want: conversation.IntentQuery},
		{name: "report", in: pipeline.ClassifyInput{Utterance: "Write a summary of revenue"}, want: conversation.IntentReport},
		{name: "follow-up cue", in: pipeline.ClassifyInput{Utterance: "and by month?", History: queried}, want: conversation.IntentFollowUp},
		{name: "follow-up pronoun", in: pipeline.ClassifyInput{Utterance: "sort those by amount", History: queried}, want: conversation.IntentFollowUp},
		{name: "cue without prior query", in: pipeline.ClassifyInput{Utterance: "and by month?"}, want: conversation.IntentQuery},
		{name: "clarification by name", in: pipeline.ClassifyInput{Utterance: "orders please", Pending: pending}, want: conversation.IntentClarificationAnswer},
		{name: "clarification by number", in: pipeline.ClassifyInput{Utterance: "1", Pending: pending}, want: conversation.IntentClarificationAnswer},
		{name: "new question while pending", in: pipeline.ClassifyInput{Utterance: "how many customers?", Pending: pending}, want: conversation.IntentQuery},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			out, err := stages.KeywordClassifier{}.Classify(t.Context(), tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, out.Intent)
		})
	}

	_, err := stages.KeywordClassifier{}.Classify(t.Context(), pipeline.ClassifyInput{Utterance: "  "})
	require.ErrorIs(t, err, pipeline.ErrMalformedOutput)
}
