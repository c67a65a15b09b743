package stages

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/malbeclabs/querypilot/pkg/pipeline"
)

// outputSchema validates a model's JSON answer against the schema inferred
// from T before decoding it.
type outputSchema[T any] struct {
	resolved *jsonschema.Resolved
}

func newOutputSchema[T any](adjust func(*jsonschema.Schema)) (*outputSchema[T], error) {
	schema, err := jsonschema.For[T](nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create output schema: %w", err)
	}
	allowExtraProperties(schema)
	if adjust != nil {
		adjust(schema)
	}
	resolved, err := schema.Resolve(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve output schema: %w", err)
	}
	return &outputSchema[T]{resolved: resolved}, nil
}

// allowExtraProperties lets models add keys we do not read, such as a
// reasoning field.
func allowExtraProperties(s *jsonschema.Schema) {
	if s == nil {
		return
	}
	s.AdditionalProperties = nil
	for _, p := range s.Properties {
		allowExtraProperties(p)
	}
	allowExtraProperties(s.Items)
}

func (s *outputSchema[T]) decode(response string) (T, error) {
	var out T
	raw := extractJSON(response)
	if raw == "" {
		return out, fmt.Errorf("%w: no JSON object in response", pipeline.ErrMalformedOutput)
	}
	var instance map[string]any
	if err := json.Unmarshal([]byte(raw), &instance); err != nil {
		return out, fmt.Errorf("%w: %v", pipeline.ErrMalformedOutput, err)
	}
	if err := s.resolved.Validate(instance); err != nil {
		return out, fmt.Errorf("%w: %v", pipeline.ErrMalformedOutput, err)
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return out, fmt.Errorf("%w: %v", pipeline.ErrMalformedOutput, err)
	}
	return out, nil
}

// extractJSON finds the JSON object in a model response: in a json code
// block, in a generic code block, or bare in the text.
func extractJSON(response string) string {
	response = strings.TrimSpace(response)

	if start := strings.Index(response, "```json"); start != -1 {
		start += len("```json")
		if end := strings.Index(response[start:], "```"); end != -1 {
			return strings.TrimSpace(response[start : start+end])
		}
	}

	if start := strings.Index(response, "```"); start != -1 {
		start += 3
		if end := strings.Index(response[start:], "```"); end != -1 {
			content := strings.TrimSpace(response[start : start+end])
			if strings.HasPrefix(content, "{") {
				return content
			}
		}
	}

	if start := strings.Index(response, "{"); start != -1 {
		return extractJSONObject(response, start)
	}
	return ""
}

// extractJSONObject returns the balanced object starting at start, skipping
// braces inside strings.
func extractJSONObject(s string, start int) string {
	if start >= len(s) || s[start] != '{' {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if escaped {
			escaped = false
			continue
		}
		if c == '\\' && inString {
			escaped = true
			continue
		}
		if c == '"' {
			inString = !inString
			continue
		}
		if inString {
			continue
		}
		switch c {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return ""
}

// extractSQLFromCodeBlocks finds SQL in markdown code blocks.
func extractSQLFromCodeBlocks(response string) string {
	if start := strings.Index(response, "```sql"); start != -1 {
		start += len("```sql")
		if end := strings.Index(response[start:], "```"); end != -1 {
			return cleanSQL(response[start : start+end])
		}
	}
	if start := strings.Index(response, "```"); start != -1 {
		start += 3
		if end := strings.Index(response[start:], "```"); end != -1 {
			content := strings.TrimSpace(response[start : start+end])
			if looksLikeSQL(content) {
				return cleanSQL(content)
			}
		}
	}
	return ""
}

func looksLikeSQL(text string) bool {
	upper := strings.ToUpper(strings.TrimSpace(text))
	for _, kw := range []string{"SELECT", "WITH"} {
		if strings.HasPrefix(upper, kw) {
			return true
		}
	}
	return false
}

// cleanSQL trims whitespace and a trailing semicolon.
func cleanSQL(sql string) string {
	sql = strings.TrimSpace(sql)
	sql = strings.TrimSuffix(sql, ";")
	return strings.TrimSpace(sql)
}

// textOutsideCodeBlocks returns the prose around code blocks, truncated.
func textOutsideCodeBlocks(response string) string {
	result := response
	for {
		start := strings.Index(result, "```")
		if start == -1 {
			break
		}
		end := strings.Index(result[start+3:], "```")
		if end == -1 {
			break
		}
		result = result[:start] + result[start+3+end+3:]
	}
	return truncate(strings.TrimSpace(result), 500)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
