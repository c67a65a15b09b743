// Package sqlcheck statically checks generated queries before they reach a
// data source.
package sqlcheck

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/malbeclabs/querypilot/pkg/datasource"
)

// Rule identifies a validation rule. Rules are checked in declaration order
// and only the first violation is reported.
type Rule string

const (
	RuleSingleStatement Rule = "single_statement"
	RuleReadOnly        Rule = "read_only"
	RuleKnownTables     Rule = "known_tables"
	RuleKnownColumns    Rule = "known_columns"
)

type Violation struct {
	Rule   Rule   `json:"rule"`
	Detail string `json:"detail"`
}

func (v Violation) String() string {
	return fmt.Sprintf("%s: %s", v.Rule, v.Detail)
}

// Outcome is the result of validating one query. Violations holds at most one
// entry. SQL is the query to execute, with a row limit injected when the
// original had none.
type Outcome struct {
	Passed        bool        `json:"passed"`
	Violations    []Violation `json:"violations,omitempty"`
	SQL           string      `json:"sql,omitempty"`
	LimitInjected bool        `json:"limitInjected,omitempty"`
	Tables        []string    `json:"tables,omitempty"`
}

func (o Outcome) FirstViolation() (Violation, bool) {
	if len(o.Violations) == 0 {
		return Violation{}, false
	}
	return o.Violations[0], true
}

func fail(rule Rule, format string, args ...any) Outcome {
	return Outcome{Violations: []Violation{{Rule: rule, Detail: fmt.Sprintf(format, args...)}}}
}

// Validator is pure: Validate has no side effects and the same input always
// yields the same Outcome.
type Validator struct {
	maxRows int
}

func New(maxRows int) *Validator {
	if maxRows <= 0 {
		maxRows = datasource.DefaultMaxRows
	}
	return &Validator{maxRows: maxRows}
}

func (v *Validator) Validate(sql string, tables []datasource.Table) Outcome {
	tokens, err := lex(sql)
	if err != nil {
		return fail(RuleSingleStatement, "query could not be parsed: %v", err)
	}

	// single_statement
	stmt, ok := singleStatement(tokens)
	if !ok {
		if len(stmt) == 0 {
			return fail(RuleSingleStatement, "query is empty")
		}
		return fail(RuleSingleStatement, "query must contain exactly one statement")
	}

	// read_only
	body := stmt
	for body[0].is(tokPunct, "(") && len(body) > 1 {
		body = body[1:]
	}
	if !body[0].isKeyword("SELECT", "WITH") {
		return fail(RuleReadOnly, "query must start with SELECT or WITH, got %q", body[0].text)
	}
	for i, t := range stmt {
		if t.kind != tokKeyword {
			continue
		}
		if _, ok := writeKeywords[t.text]; !ok {
			continue
		}
		if startsWrite(stmt, i) {
			return fail(RuleReadOnly, "%s is not allowed in a read-only query", t.text)
		}
		stmt[i] = t.asIdent()
	}

	a := analyze(body)

	// known_tables
	allowed := make(map[string]datasource.Table, len(tables))
	for _, t := range tables {
		allowed[strings.ToLower(t.ID)] = t
	}
	resolved := make(map[string]datasource.Table)
	var referenced []string
	for _, ref := range a.tableRefs {
		if ref.function {
			return fail(RuleKnownTables, "table function %s is not allowed", ref.name)
		}
		if _, ok := a.ctes[strings.ToLower(ref.name)]; ok {
			continue
		}
		t, ok := lookupTable(allowed, ref.name)
		if !ok {
			return fail(RuleKnownTables, "table %s is not among the selected tables", ref.name)
		}
		referenced = appendUnique(referenced, t.ID)
		resolved[strings.ToLower(ref.name)] = t
		resolved[strings.ToLower(t.ID)] = t
		if ref.alias != "" {
			resolved[strings.ToLower(ref.alias)] = t
		}
		if i := strings.LastIndex(t.ID, "."); i >= 0 {
			resolved[strings.ToLower(t.ID[i+1:])] = t
		}
	}

	// known_columns
	for _, col := range a.columns {
		if col.qualifier != "" {
			q := strings.ToLower(col.qualifier)
			t, ok := resolved[q]
			if !ok {
				// derived table or CTE alias: columns unknown
				continue
			}
			if _, ok := t.Column(col.name); !ok {
				return fail(RuleKnownColumns, "column %s does not exist in table %s", col.name, t.ID)
			}
			continue
		}
		name := strings.ToLower(col.name)
		if _, ok := a.aliases[name]; ok {
			continue
		}
		if _, ok := a.ctes[name]; ok {
			continue
		}
		if _, ok := resolved[name]; ok {
			// bare table reference, e.g. ClickHouse count() FROM t
			continue
		}
		found := false
		for _, t := range resolved {
			if _, ok := t.Column(col.name); ok {
				found = true
				break
			}
		}
		if !found {
			return fail(RuleKnownColumns, "column %s does not exist in the selected tables", col.name)
		}
	}

	out := Outcome{Passed: true, SQL: strings.TrimSpace(sql), Tables: referenced}
	out.SQL = strings.TrimRight(out.SQL, "; \t\n")
	if !a.hasLimit {
		out.SQL = fmt.Sprintf("%s\nLIMIT %s", out.SQL, strconv.Itoa(v.maxRows))
		out.LimitInjected = true
	}
	return out
}

// startsWrite reports whether the write keyword at i begins a write rather
// than naming something, such as a column called comment.
func startsWrite(stmt []token, i int) bool {
	t := stmt[i]
	if t.text == "INTO" || i == 0 {
		return true
	}
	prev := stmt[i-1]
	switch {
	case t.text == "UPDATE" && prev.kind == tokIdent &&
		(strings.EqualFold(prev.text, "FOR") || strings.EqualFold(prev.text, "KEY")):
		// FOR UPDATE, FOR NO KEY UPDATE
		return true
	case prev.is(tokPunct, "("):
		return enclosesStatement(stmt, i-1)
	case prev.is(tokPunct, ")"):
		// the statement following a WITH list
		return enclosesStatement(stmt, matchingOpen(stmt, i-1))
	}
	return false
}

// enclosesStatement reports whether the parenthesis at open starts the query
// or the body of a CTE.
func enclosesStatement(stmt []token, open int) bool {
	j := open - 1
	for j >= 0 && stmt[j].is(tokPunct, "(") {
		j--
	}
	if j < 0 {
		return true
	}
	prev := stmt[j]
	return prev.isKeyword("AS") || (prev.kind == tokIdent && strings.EqualFold(prev.text, "MATERIALIZED"))
}

func matchingOpen(stmt []token, closing int) int {
	for j := closing - 1; j >= 0; j-- {
		if stmt[j].is(tokPunct, "(") && stmt[j].depth == stmt[closing].depth {
			return j
		}
	}
	return 0
}

func lookupTable(allowed map[string]datasource.Table, name string) (datasource.Table, bool) {
	lower := strings.ToLower(name)
	if t, ok := allowed[lower]; ok {
		return t, true
	}
	// database-qualified reference to a table known by its bare id
	for id, t := range allowed {
		if strings.HasSuffix(lower, "."+id) {
			return t, true
		}
	}
	return datasource.Table{}, false
}

// singleStatement returns the tokens of the only statement, ignoring empty
// statements produced by trailing separators.
func singleStatement(tokens []token) ([]token, bool) {
	var statements [][]token
	var current []token
	for _, t := range tokens {
		if t.is(tokPunct, ";") && t.depth == 0 {
			if len(current) > 0 {
				statements = append(statements, current)
			}
			current = nil
			continue
		}
		current = append(current, t)
	}
	if len(current) > 0 {
		statements = append(statements, current)
	}
	if len(statements) != 1 {
		if len(statements) == 0 {
			return nil, false
		}
		return statements[0], false
	}
	return statements[0], true
}

func appendUnique(list []string, s string) []string {
	for _, v := range list {
		if v == s {
			return list
		}
	}
	return append(list, s)
}
