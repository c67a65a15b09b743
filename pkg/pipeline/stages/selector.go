package stages

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"unicode"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/malbeclabs/querypilot/pkg/conversation"
	"github.com/malbeclabs/querypilot/pkg/datasource"
	"github.com/malbeclabs/querypilot/pkg/llm"
	"github.com/malbeclabs/querypilot/pkg/pipeline"
	"github.com/malbeclabs/querypilot/pkg/pipeline/prompts"
)

const (
	selectMaxTokens      = 1024
	defaultMaxCandidates = 5
)

type selectCandidate struct {
	DataSourceID string   `json:"dataSourceId,omitempty"`
	TableID      string   `json:"tableId"`
	Score        float64  `json:"score"`
	Reason       string   `json:"reason,omitempty"`
	Related      []string `json:"related,omitempty"`
}

type selectOutput struct {
	Candidates []selectCandidate `json:"candidates"`
}

// LLMSelector asks a model to score the tables of the catalog.
type LLMSelector struct {
	log           *slog.Logger
	client        llm.Client
	schema        *outputSchema[selectOutput]
	system        string
	maxCandidates int
}

func NewLLMSelector(log *slog.Logger, client llm.Client, maxCandidates int) (*LLMSelector, error) {
	if log == nil {
		return nil, errors.New("logger is required")
	}
	if client == nil {
		return nil, errors.New("client is required")
	}
	if maxCandidates <= 0 {
		maxCandidates = defaultMaxCandidates
	}
	zero, one := 0.0, 1.0
	schema, err := newOutputSchema[selectOutput](func(s *jsonschema.Schema) {
		if items := s.Properties["candidates"].Items; items != nil {
			items.Properties["score"].Minimum = &zero
			items.Properties["score"].Maximum = &one
		}
	})
	if err != nil {
		return nil, err
	}
	system, err := prompts.Render(prompts.Select, map[string]any{"MaxCandidates": maxCandidates})
	if err != nil {
		return nil, err
	}
	return &LLMSelector{log: log, client: client, schema: schema, system: system, maxCandidates: maxCandidates}, nil
}

func (s *LLMSelector) Select(ctx context.Context, in pipeline.SelectInput) (pipeline.TableSelection, error) {
	var prompt strings.Builder
	prompt.WriteString("# Catalog\n\n")
	for _, schema := range in.Schemas {
		fmt.Fprintf(&prompt, "## Data source: %s\n\n", schema.DataSourceID)
		prompt.WriteString(schema.Summary())
		prompt.WriteString("\n")
	}
	if in.Previous != nil {
		fmt.Fprintf(&prompt, "The previous question used %s from %s.\n\n", strings.Join(in.Previous.Tables, ", "), in.Previous.DataSourceID)
	}
	fmt.Fprintf(&prompt, "Intent: %s\nQuestion: %s", in.Intent, in.Utterance)

	resp, err := s.client.Complete(ctx, llm.Request{
		System:      s.system,
		Prompt:      prompt.String(),
		MaxTokens:   selectMaxTokens,
		CacheSystem: true,
	})
	if err != nil {
		return pipeline.TableSelection{}, fmt.Errorf("failed to select tables: %w", err)
	}
	out, err := s.schema.decode(resp.Text)
	if err != nil {
		s.log.Info("stages: select response rejected", "error", err, "response", truncate(resp.Text, 200))
		return pipeline.TableSelection{Usage: resp.Usage}, err
	}

	candidates := make([]conversation.TableCandidate, 0, len(out.Candidates))
	for _, c := range out.Candidates {
		candidates = append(candidates, conversation.TableCandidate{
			DataSourceID: c.DataSourceID,
			TableID:      c.TableID,
			Score:        c.Score,
			Reason:       c.Reason,
			Related:      c.Related,
		})
	}
	if len(candidates) > s.maxCandidates {
		candidates = pipeline.RankCandidates(candidates)[:s.maxCandidates]
	}
	s.log.Debug("stages: tables scored", "candidates", len(candidates))
	return pipeline.TableSelection{Candidates: candidates, Usage: resp.Usage}, nil
}

var stopWords = map[string]struct{}{
	"a": {}, "an": {}, "the": {}, "of": {}, "in": {}, "on": {}, "for": {}, "by": {}, "to": {},
	"and": {}, "or": {}, "is": {}, "are": {}, "was": {}, "were": {}, "what": {}, "which": {},
	"how": {}, "many": {}, "much": {}, "me": {}, "show": {}, "list": {}, "give": {}, "get": {},
	"per": {}, "with": {}, "from": {}, "all": {}, "each": {}, "our": {}, "my": {}, "do": {},
	"does": {}, "did": {}, "last": {}, "this": {}, "that": {}, "top": {}, "total": {},
}

// Weights of a question word matching part of a table.
const (
	tableNameWeight   = 1.0
	columnNameWeight  = 0.5
	descriptionWeight = 0.25
	previousBonus     = 0.1
)

// LexicalSelector scores tables by the overlap between the question's words
// and table names, column names and descriptions. It makes no model call.
type LexicalSelector struct {
	MaxCandidates int
}

func (l LexicalSelector) Select(_ context.Context, in pipeline.SelectInput) (pipeline.TableSelection, error) {
	words := keywords(in.Utterance)
	if len(words) == 0 {
		return pipeline.TableSelection{}, nil
	}
	limit := l.MaxCandidates
	if limit <= 0 {
		limit = defaultMaxCandidates
	}

	var candidates []conversation.TableCandidate
	for _, schema := range in.Schemas {
		for _, t := range schema.Tables {
			score, matched := lexicalScore(words, t)
			if score == 0 {
				continue
			}
			if in.Previous != nil && in.Previous.DataSourceID == schema.DataSourceID && containsFold(in.Previous.Tables, t.ID) {
				score += previousBonus
			}
			candidates = append(candidates, conversation.TableCandidate{
				DataSourceID: schema.DataSourceID,
				TableID:      t.ID,
				Score:        math.Min(1, score/float64(len(words))),
				Reason:       "matches " + strings.Join(matched, ", "),
			})
		}
	}
	ranked := pipeline.RankCandidates(candidates)
	if len(ranked) > limit {
		ranked = ranked[:limit]
	}
	return pipeline.TableSelection{Candidates: ranked}, nil
}

func lexicalScore(words []string, t datasource.Table) (float64, []string) {
	nameParts := keywords(strings.NewReplacer(".", " ", "_", " ").Replace(t.ID))
	var columnParts []string
	for _, c := range t.Columns {
		columnParts = append(columnParts, keywords(strings.ReplaceAll(c.Name, "_", " "))...)
	}
	descParts := keywords(t.Description)

	var score float64
	var matched []string
	for _, w := range words {
		switch {
		case containsFold(nameParts, w):
			score += tableNameWeight
		case containsFold(columnParts, w):
			score += columnNameWeight
		case containsFold(descParts, w):
			score += descriptionWeight
		default:
			continue
		}
		matched = append(matched, w)
	}
	sort.Strings(matched)
	return score, matched
}

// keywords lower-cases text, drops stop words and trailing plural s.
func keywords(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	seen := make(map[string]struct{}, len(fields))
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if _, ok := stopWords[f]; ok {
			continue
		}
		if len(f) > 3 && strings.HasSuffix(f, "s") && !strings.HasSuffix(f, "ss") {
			f = strings.TrimSuffix(f, "s")
		}
		if _, ok := seen[f]; ok {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, f)
	}
	return out
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}
