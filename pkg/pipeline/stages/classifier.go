package stages

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/malbeclabs/querypilot/pkg/conversation"
	"github.com/malbeclabs/querypilot/pkg/llm"
	"github.com/malbeclabs/querypilot/pkg/pipeline"
	"github.com/malbeclabs/querypilot/pkg/pipeline/prompts"
)

const classifyMaxTokens = 256

type classifyOutput struct {
	Intent    string `json:"intent"`
	Reasoning string `json:"reasoning,omitempty"`
}

// LLMClassifier asks a model for the intent of an utterance.
type LLMClassifier struct {
	log    *slog.Logger
	client llm.Client
	schema *outputSchema[classifyOutput]
	system string
}

func NewLLMClassifier(log *slog.Logger, client llm.Client) (*LLMClassifier, error) {
	if log == nil {
		return nil, errors.New("logger is required")
	}
	if client == nil {
		return nil, errors.New("client is required")
	}
	schema, err := newOutputSchema[classifyOutput](func(s *jsonschema.Schema) {
		s.Properties["intent"].Enum = []any{
			string(conversation.IntentQuery),
			string(conversation.IntentReport),
			string(conversation.IntentFollowUp),
			string(conversation.IntentClarificationAnswer),
		}
	})
	if err != nil {
		return nil, err
	}
	system, err := prompts.Render(prompts.Classify, map[string]any{"Pending": nil})
	if err != nil {
		return nil, err
	}
	return &LLMClassifier{log: log, client: client, schema: schema, system: system}, nil
}

func (c *LLMClassifier) Classify(ctx context.Context, in pipeline.ClassifyInput) (pipeline.Classification, error) {
	system, cache := c.system, true
	if in.Pending != nil {
		var err error
		system, err = prompts.Render(prompts.Classify, map[string]any{"Pending": in.Pending})
		if err != nil {
			return pipeline.Classification{}, err
		}
		cache = false
	}

	var prompt strings.Builder
	if h := formatHistory(in.History); h != "" {
		prompt.WriteString(h)
		prompt.WriteString("\n")
	}
	fmt.Fprintf(&prompt, "Message to classify: %s", in.Utterance)

	resp, err := c.client.Complete(ctx, llm.Request{
		System:      system,
		Prompt:      prompt.String(),
		MaxTokens:   classifyMaxTokens,
		CacheSystem: cache,
	})
	if err != nil {
		return pipeline.Classification{}, fmt.Errorf("failed to classify: %w", err)
	}
	out, err := c.schema.decode(resp.Text)
	if err != nil {
		c.log.Info("stages: classify response rejected", "error", err, "response", truncate(resp.Text, 200))
		return pipeline.Classification{Usage: resp.Usage}, err
	}
	c.log.Debug("stages: classified", "intent", out.Intent, "reasoning", out.Reasoning)
	return pipeline.Classification{Intent: conversation.Intent(out.Intent), Usage: resp.Usage}, nil
}

var (
	reportCues   = []string{"report", "summary", "summarize", "summarise", "overview", "write up", "write-up", "breakdown of everything"}
	followUpCues = []string{"and ", "what about", "how about", "only ", "now ", "same ", "instead", "also ", "but ", "just ", "exclude", "filter", "sort ", "order by", "by month", "by week", "by year", "by day"}
	pronounCues  = []string{"that", "those", "them", "these", "it", "this"}
)

// KeywordClassifier classifies with fixed cue words and no model call.
type KeywordClassifier struct{}

func (KeywordClassifier) Classify(_ context.Context, in pipeline.ClassifyInput) (pipeline.Classification, error) {
	text := strings.ToLower(strings.TrimSpace(in.Utterance))
	if text == "" {
		return pipeline.Classification{}, fmt.Errorf("%w: empty utterance", pipeline.ErrMalformedOutput)
	}
	if in.Pending != nil {
		if _, ok := conversation.MatchCandidate(in.Pending.Candidates, text); ok {
			return pipeline.Classification{Intent: conversation.IntentClarificationAnswer}, nil
		}
	}
	for _, cue := range reportCues {
		if strings.Contains(text, cue) {
			return pipeline.Classification{Intent: conversation.IntentReport}, nil
		}
	}
	if hasQueryTurn(in.History) {
		for _, cue := range followUpCues {
			if strings.HasPrefix(text, cue) {
				return pipeline.Classification{Intent: conversation.IntentFollowUp}, nil
			}
		}
		words := strings.Fields(text)
		if len(words) <= 6 {
			for _, w := range words {
				w = strings.Trim(w, "?.,!")
				for _, cue := range pronounCues {
					if w == cue {
						return pipeline.Classification{Intent: conversation.IntentFollowUp}, nil
					}
				}
			}
		}
	}
	return pipeline.Classification{Intent: conversation.IntentQuery}, nil
}
