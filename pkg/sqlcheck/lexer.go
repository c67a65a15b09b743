package sqlcheck

import (
	"fmt"
	"strings"
	"unicode"
)

type tokenKind int

const (
	tokIdent tokenKind = iota
	tokQuotedIdent
	tokKeyword
	tokString
	tokNumber
	tokPunct
)

type token struct {
	kind  tokenKind
	text  string // keywords are upper-cased, quoted identifiers unquoted
	raw   string // keywords as written
	pos   int
	depth int // parenthesis depth at the token
}

func (t token) is(kind tokenKind, text string) bool {
	return t.kind == kind && t.text == text
}

func (t token) isKeyword(words ...string) bool {
	if t.kind != tokKeyword {
		return false
	}
	for _, w := range words {
		if t.text == w {
			return true
		}
	}
	return false
}

func (t token) isName() bool {
	return t.kind == tokIdent || t.kind == tokQuotedIdent
}

// asIdent turns a keyword used as a name back into an identifier.
func (t token) asIdent() token {
	return token{kind: tokIdent, text: t.raw, pos: t.pos, depth: t.depth}
}

// lex splits a query into tokens, dropping whitespace and comments.
// Statement separators are returned as ";" punctuation at depth 0.
func lex(sql string) ([]token, error) {
	var tokens []token
	depth := 0
	runes := []rune(sql)
	n := len(runes)
	for i := 0; i < n; {
		r := runes[i]
		switch {
		case unicode.IsSpace(r):
			i++
		case r == '-' && i+1 < n && runes[i+1] == '-':
			for i < n && runes[i] != '\n' {
				i++
			}
		case r == '/' && i+1 < n && runes[i+1] == '*':
			end := strings.Index(string(runes[i+2:]), "*/")
			if end < 0 {
				return nil, fmt.Errorf("unterminated comment at %d", i)
			}
			i += 2 + len([]rune(string(runes[i+2:])[:end])) + 2
		case r == '\'':
			start := i
			var sb strings.Builder
			i++
			closed := false
			for i < n {
				if runes[i] == '\'' {
					if i+1 < n && runes[i+1] == '\'' {
						sb.WriteRune('\'')
						i += 2
						continue
					}
					i++
					closed = true
					break
				}
				if runes[i] == '\\' && i+1 < n {
					sb.WriteRune(runes[i+1])
					i += 2
					continue
				}
				sb.WriteRune(runes[i])
				i++
			}
			if !closed {
				return nil, fmt.Errorf("unterminated string at %d", start)
			}
			tokens = append(tokens, token{kind: tokString, text: sb.String(), pos: start, depth: depth})
		case r == '"' || r == '`':
			start := i
			quote := r
			i++
			var sb strings.Builder
			closed := false
			for i < n {
				if runes[i] == quote {
					if i+1 < n && runes[i+1] == quote {
						sb.WriteRune(quote)
						i += 2
						continue
					}
					i++
					closed = true
					break
				}
				sb.WriteRune(runes[i])
				i++
			}
			if !closed {
				return nil, fmt.Errorf("unterminated identifier at %d", start)
			}
			tokens = append(tokens, token{kind: tokQuotedIdent, text: sb.String(), pos: start, depth: depth})
		case unicode.IsDigit(r) || (r == '.' && i+1 < n && unicode.IsDigit(runes[i+1])):
			start := i
			for i < n && (unicode.IsDigit(runes[i]) || runes[i] == '.' || runes[i] == 'e' || runes[i] == 'E' || runes[i] == '_' ||
				((runes[i] == '+' || runes[i] == '-') && (runes[i-1] == 'e' || runes[i-1] == 'E'))) {
				i++
			}
			tokens = append(tokens, token{kind: tokNumber, text: string(runes[start:i]), pos: start, depth: depth})
		case isIdentStart(r):
			start := i
			for i < n && isIdentPart(runes[i]) {
				i++
			}
			word := string(runes[start:i])
			upper := strings.ToUpper(word)
			if _, ok := keywords[upper]; ok {
				tokens = append(tokens, token{kind: tokKeyword, text: upper, raw: word, pos: start, depth: depth})
			} else {
				tokens = append(tokens, token{kind: tokIdent, text: word, pos: start, depth: depth})
			}
		case r == '(':
			tokens = append(tokens, token{kind: tokPunct, text: "(", pos: i, depth: depth})
			depth++
			i++
		case r == ')':
			depth--
			if depth < 0 {
				return nil, fmt.Errorf("unbalanced parenthesis at %d", i)
			}
			tokens = append(tokens, token{kind: tokPunct, text: ")", pos: i, depth: depth})
			i++
		default:
			// Multi-character operators are irrelevant to the checks, so
			// every other rune is its own token.
			tokens = append(tokens, token{kind: tokPunct, text: string(r), pos: i, depth: depth})
			i++
		}
	}
	if depth != 0 {
		return nil, fmt.Errorf("unbalanced parenthesis")
	}
	return tokens, nil
}

func isIdentStart(r rune) bool {
	return r == '_' || unicode.IsLetter(r)
}

func isIdentPart(r rune) bool {
	return r == '_' || r == '$' || unicode.IsLetter(r) || unicode.IsDigit(r)
}

var keywords = toSet(
	"SELECT", "FROM", "WHERE", "GROUP", "BY", "ORDER", "HAVING", "LIMIT", "OFFSET", "AS", "ON",
	"AND", "OR", "NOT", "IN", "IS", "NULL", "LIKE", "ILIKE", "BETWEEN", "CASE", "WHEN", "THEN",
	"ELSE", "END", "JOIN", "INNER", "LEFT", "RIGHT", "FULL", "OUTER", "CROSS", "USING", "DISTINCT",
	"ALL", "UNION", "INTERSECT", "EXCEPT", "WITH", "RECURSIVE", "ASC", "DESC", "NULLS", "FIRST",
	"LAST", "TRUE", "FALSE", "INTERVAL", "OVER", "PARTITION", "ROWS", "RANGE", "PRECEDING",
	"FOLLOWING", "UNBOUNDED", "CURRENT", "ROW", "FILTER", "WITHIN", "LATERAL", "NATURAL", "ANY",
	"SOME", "EXISTS", "CAST", "FETCH", "NEXT", "ONLY", "TOP", "SETTINGS", "FINAL", "SAMPLE",
	"PREWHERE", "ARRAY", "GLOBAL", "AT", "ZONE", "EXTRACT", "QUALIFY", "WINDOW", "SEMI", "ANTI",
	"ASOF", "TIES", "PERCENT", "VALUES", "DIV", "MOD",
	// date parts and type names that appear bare inside expressions
	"YEAR", "QUARTER", "MONTH", "WEEK", "DAY", "HOUR", "MINUTE", "SECOND", "MILLISECOND",
	"EPOCH", "DOW", "DOY", "DATE", "TIME", "TIMESTAMP", "TIMESTAMPTZ", "INT", "INTEGER",
	"BIGINT", "SMALLINT", "TINYINT", "HUGEINT", "DOUBLE", "PRECISION", "FLOAT", "REAL", "DECIMAL",
	"NUMERIC", "VARCHAR", "CHAR", "TEXT", "STRING", "BOOLEAN", "BOOL", "UUID", "JSON",
	// statements rejected by the read-only rule
	"INSERT", "UPDATE", "DELETE", "DROP", "ALTER", "CREATE", "TRUNCATE", "GRANT", "REVOKE",
	"MERGE", "ATTACH", "DETACH", "COPY", "INTO", "CALL", "EXEC", "EXECUTE", "SET", "PRAGMA",
	"VACUUM", "OPTIMIZE", "SYSTEM", "KILL", "INSTALL", "LOAD", "EXPORT", "IMPORT", "RENAME",
	"UPSERT", "REPLACE", "COMMENT", "BEGIN", "COMMIT", "ROLLBACK", "LOCK", "CHECKPOINT",
	"REINDEX", "CLUSTER", "REFRESH", "USE", "SHOW", "DESCRIBE", "EXPLAIN",
)

// writeKeywords start a write. Elsewhere they are plain names, such as a
// column called comment.
var writeKeywords = toSet(
	"INSERT", "UPDATE", "DELETE", "DROP", "ALTER", "CREATE", "TRUNCATE", "GRANT", "REVOKE",
	"MERGE", "ATTACH", "DETACH", "COPY", "INTO", "CALL", "EXEC", "EXECUTE", "SET", "PRAGMA",
	"VACUUM", "OPTIMIZE", "SYSTEM", "KILL", "INSTALL", "LOAD", "EXPORT", "IMPORT", "RENAME",
	"UPSERT", "COMMENT", "BEGIN", "COMMIT", "ROLLBACK", "LOCK", "CHECKPOINT", "REINDEX",
	"CLUSTER", "REFRESH", "USE",
)

func toSet(words ...string) map[string]struct{} {
	set := make(map[string]struct{}, len(words))
	for _, w := range words {
		set[w] = struct{}{}
	}
	return set
}
