package sqlcheck

import "strings"

type tableRef struct {
	name     string
	alias    string
	function bool
}

type columnRef struct {
	qualifier string
	name      string
}

type analysis struct {
	tableRefs []tableRef
	columns   []columnRef
	aliases   map[string]struct{}
	ctes      map[string]struct{}
	hasLimit  bool
}

// clauseEnd keywords close a FROM list at the same depth.
var clauseEnd = toSet(
	"WHERE", "GROUP", "ORDER", "HAVING", "LIMIT", "OFFSET", "UNION", "INTERSECT", "EXCEPT",
	"WINDOW", "QUALIFY", "SETTINGS", "PREWHERE", "FETCH", "ON", "USING", "SELECT",
)

// fromInsideCall lists functions whose argument syntax uses FROM.
var fromInsideCall = toSet("EXTRACT", "TRIM", "SUBSTRING", "POSITION", "OVERLAY")

// analyze walks one statement and collects table references, column
// references and the names the query defines for itself.
func analyze(tokens []token) analysis {
	a := analysis{
		aliases: make(map[string]struct{}),
		ctes:    make(map[string]struct{}),
	}
	n := len(tokens)
	if n == 0 {
		return a
	}
	skip := make([]bool, n)

	if tokens[0].isKeyword("WITH") {
		a.parseCTEs(tokens, skip)
	}

	inFrom := make(map[int]bool)
	for i := 0; i < n; i++ {
		t := tokens[i]
		switch {
		case t.kind == tokKeyword:
			// only a limit outside every parenthesis caps the whole result
			if t.isKeyword("LIMIT", "FETCH", "TOP") && t.depth == 0 && !limitBy(tokens, i) {
				a.hasLimit = true
			}
			if _, ok := clauseEnd[t.text]; ok {
				inFrom[t.depth] = false
			}
			if t.isKeyword("FROM") && !fromInsideFunction(tokens, i) {
				inFrom[t.depth] = true
				i = a.parseTableRef(tokens, i+1, skip) - 1
			} else if t.isKeyword("JOIN") {
				i = a.parseTableRef(tokens, i+1, skip) - 1
			}
		case t.is(tokPunct, ","):
			if inFrom[t.depth] {
				i = a.parseTableRef(tokens, i+1, skip) - 1
			}
		case t.is(tokPunct, ")"):
			inFrom[t.depth+1] = false
		case t.isName() && !skip[i]:
			i = a.classifyName(tokens, i, skip)
		}
	}
	return a
}

func (a *analysis) parseCTEs(tokens []token, skip []bool) {
	n := len(tokens)
	i := 1
	if i < n && tokens[i].isKeyword("RECURSIVE") {
		i++
	}
	for i < n {
		if !tokens[i].isName() {
			return
		}
		a.ctes[strings.ToLower(tokens[i].text)] = struct{}{}
		skip[i] = true
		i++
		if i < n && tokens[i].is(tokPunct, "(") {
			d := tokens[i].depth
			i++
			for i < n && !(tokens[i].is(tokPunct, ")") && tokens[i].depth == d) {
				if tokens[i].isName() {
					a.aliases[strings.ToLower(tokens[i].text)] = struct{}{}
					skip[i] = true
				}
				i++
			}
			i++
		}
		if i < n && tokens[i].isKeyword("AS") {
			i++
		}
		if i < n && tokens[i].kind == tokIdent && strings.EqualFold(tokens[i].text, "MATERIALIZED") {
			skip[i] = true
			i++
		}
		if i >= n || !tokens[i].is(tokPunct, "(") {
			return
		}
		d := tokens[i].depth
		i++
		for i < n && !(tokens[i].is(tokPunct, ")") && tokens[i].depth == d) {
			i++
		}
		i++
		if i < n && tokens[i].is(tokPunct, ",") {
			i++
			continue
		}
		return
	}
}

// parseTableRef reads a table reference starting at j and returns the index
// of the first token after it. Derived tables are left for the main walk.
func (a *analysis) parseTableRef(tokens []token, j int, skip []bool) int {
	n := len(tokens)
	for j < n && tokens[j].isKeyword("LATERAL", "ONLY") {
		j++
	}
	if j >= n || !tokens[j].isName() {
		return j
	}
	name := tokens[j].text
	skip[j] = true
	k := j + 1
	for k+1 < n && tokens[k].is(tokPunct, ".") && tokens[k+1].isName() {
		name += "." + tokens[k+1].text
		skip[k+1] = true
		k += 2
	}
	ref := tableRef{name: name}
	if k < n && tokens[k].is(tokPunct, "(") {
		ref.function = true
		a.tableRefs = append(a.tableRefs, ref)
		return k
	}
	if k < n && tokens[k].isKeyword("AS") {
		k++
	}
	if k < n && tokens[k].isName() {
		ref.alias = tokens[k].text
		skip[k] = true
		k++
	}
	a.tableRefs = append(a.tableRefs, ref)
	return k
}

// classifyName decides whether the name at i is a column reference, an
// alias, a function or a type, records it and returns the last index
// consumed.
func (a *analysis) classifyName(tokens []token, i int, skip []bool) int {
	n := len(tokens)
	t := tokens[i]

	if i+2 < n && tokens[i+1].is(tokPunct, ".") {
		parts := []string{t.text}
		k := i + 1
		for k+1 < n && tokens[k].is(tokPunct, ".") {
			next := tokens[k+1]
			if next.is(tokPunct, "*") {
				return k + 1
			}
			if !next.isName() && next.kind != tokKeyword {
				break
			}
			parts = append(parts, next.text)
			skip[k+1] = true
			k += 2
		}
		if k < n && tokens[k].is(tokPunct, "(") {
			// schema-qualified function
			return k - 1
		}
		if len(parts) > 1 {
			a.columns = append(a.columns, columnRef{
				qualifier: strings.Join(parts[:len(parts)-1], "."),
				name:      parts[len(parts)-1],
			})
		}
		return k - 1
	}

	if i+1 < n {
		next := tokens[i+1]
		if next.is(tokPunct, "(") || next.kind == tokString {
			return i
		}
	}
	if i > 0 {
		prev := tokens[i-1]
		switch {
		case prev.isKeyword("AS"):
			a.aliases[strings.ToLower(t.text)] = struct{}{}
			return i
		case prev.isKeyword("OVER", "WINDOW"):
			return i
		case prev.is(tokPunct, ":"):
			return i
		case prev.kind == tokIdent, prev.kind == tokQuotedIdent, prev.kind == tokNumber,
			prev.kind == tokString, prev.is(tokPunct, ")"),
			prev.isKeyword("END", "NULL", "TRUE", "FALSE"):
			a.aliases[strings.ToLower(t.text)] = struct{}{}
			return i
		}
	}
	a.columns = append(a.columns, columnRef{name: t.text})
	return i
}

// limitBy reports whether the LIMIT at i is ClickHouse's LIMIT n BY, which
// caps rows per group rather than in total.
func limitBy(tokens []token, i int) bool {
	if !tokens[i].isKeyword("LIMIT") {
		return false
	}
	for j := i + 1; j < len(tokens); j++ {
		t := tokens[j]
		switch {
		case t.isKeyword("BY"):
			return true
		case t.kind == tokNumber, t.is(tokPunct, ","), t.isKeyword("OFFSET"):
		default:
			return false
		}
	}
	return false
}

// fromInsideFunction reports whether the FROM at i belongs to a call such as
// EXTRACT(YEAR FROM d).
func fromInsideFunction(tokens []token, i int) bool {
	depth := tokens[i].depth
	if depth == 0 {
		return false
	}
	for j := i - 1; j >= 0; j-- {
		if tokens[j].is(tokPunct, "(") && tokens[j].depth == depth-1 {
			if j == 0 {
				return false
			}
			_, ok := fromInsideCall[strings.ToUpper(tokens[j-1].text)]
			return ok
		}
	}
	return false
}
