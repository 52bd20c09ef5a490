package capture

import (
	"strings"
	"unicode"

	lru "github.com/hashicorp/golang-lru"
)

// stmtCache memoizes statement-text to extracted table names. Observed
// queries are typically a small, hot set of prepared statement texts.
var stmtCache, _ = lru.New(1024)

// TablesInStatement returns the table names referenced by a SQL statement,
// in order of first appearance. It scans for identifiers following FROM,
// JOIN, INTO and UPDATE keywords (including comma-separated FROM lists),
// and understands double-quote, backtick and bracket identifier quoting.
// Subqueries contribute their own FROM clauses; common table expression
// names are indistinguishable from tables and are reported as such.
func TablesInStatement(query string) []string {
	if cached, ok := stmtCache.Get(query); ok {
		return cached.([]string)
	}
	var tables = extractTables(query)
	stmtCache.Add(query, tables)
	return tables
}

func extractTables(query string) []string {
	var (
		tokens   = tokenize(query)
		seen     = make(map[string]struct{})
		tables   []string
		expect   bool // The next identifier names a table.
		fromList bool // Within a comma-separated FROM list.
	)
	for _, tok := range tokens {
		switch strings.ToUpper(tok) {
		case "FROM":
			expect, fromList = true, true
			continue
		case "JOIN", "INTO", "UPDATE":
			expect, fromList = true, false
			continue
		case ",":
			if fromList {
				expect = true
			}
			continue
		case "WHERE", "SET", "GROUP", "ORDER", "LIMIT", "HAVING", "UNION",
			"ON", "VALUES", "RETURNING":
			expect, fromList = false, false
			continue
		}

		if !expect {
			continue
		}
		expect = false

		if tok == "(" {
			continue // Subquery; its own FROM will be scanned.
		}
		if name := unquoteIdent(tok); name != "" {
			if _, ok := seen[name]; !ok {
				seen[name] = struct{}{}
				tables = append(tables, name)
			}
		}
	}
	return tables
}

// tokenize splits a SQL statement into identifier, punctuation, and literal
// tokens. String literals are elided, as they cannot name tables.
func tokenize(query string) []string {
	var tokens []string
	var i = 0

	for i < len(query) {
		var c = rune(query[i])
		switch {
		case unicode.IsSpace(c):
			i++

		case c == '\'': // String literal: skip through closing quote.
			i++
			for i < len(query) && query[i] != '\'' {
				i++
			}
			i++

		case c == '"' || c == '`': // Quoted identifier.
			var quote = query[i]
			var j = i + 1
			for j < len(query) && query[j] != quote {
				j++
			}
			tokens = append(tokens, query[i:min(j+1, len(query))])
			i = j + 1

		case c == '[': // Bracket-quoted identifier.
			var j = strings.IndexByte(query[i:], ']')
			if j < 0 {
				j = len(query) - i - 1
			}
			tokens = append(tokens, query[i:i+j+1])
			i += j + 1

		case isIdentRune(c):
			var j = i
			for j < len(query) && isIdentRune(rune(query[j])) {
				j++
			}
			tokens = append(tokens, query[i:j])
			i = j

		default:
			tokens = append(tokens, string(c))
			i++
		}
	}
	return tokens
}

// isIdentRune includes '.' so that schema-qualified names scan as one token.
func isIdentRune(c rune) bool {
	return c == '_' || c == '$' || c == '.' || unicode.IsLetter(c) || unicode.IsDigit(c)
}

// unquoteIdent strips identifier quoting from each dotted path segment.
// It returns "" if |tok| is not an identifier.
func unquoteIdent(tok string) string {
	if tok == "" {
		return ""
	}
	switch tok[0] {
	case '"', '`':
		return strings.Trim(tok, string(tok[0]))
	case '[':
		return strings.TrimSuffix(strings.TrimPrefix(tok, "["), "]")
	}
	if !isIdentRune(rune(tok[0])) || unicode.IsDigit(rune(tok[0])) {
		return ""
	}
	return tok
}
