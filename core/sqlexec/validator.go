package sqlexec

import (
	"fmt"
	"regexp"
	"strings"
)

// forbiddenKeywords are rejected anywhere in a candidate statement,
// not just at the start. Models occasionally smuggle mutations into
// subqueries or CTEs and a prefix check alone misses those.
var forbiddenKeywords = []string{
	"insert", "update", "delete", "drop", "alter", "truncate",
	"grant", "revoke", "attach", "pragma", "vacuum", "reindex",
	"into outfile", "sleep", "benchmark",
}

var (
	wordPattern      = regexp.MustCompile(`[a-zA-Z_][a-zA-Z0-9_]*`)
	tableRefPattern  = regexp.MustCompile(`(?i)\b(?:from|join)\s+([a-zA-Z_][a-zA-Z0-9_]*)`)
	stringLitPattern = regexp.MustCompile(`'(?:[^']|'')*'`)
	limitPattern     = regexp.MustCompile(`(?i)\blimit\b`)
)

// Validate rejects any statement that is not a single read-only SELECT
// over tables the descriptor knows about. The descriptor may be nil,
// in which case table reference checks are skipped.
func Validate(query string, desc *Descriptor) error {
	trimmed := strings.TrimSpace(query)
	if trimmed == "" {
		return fmt.Errorf("empty statement")
	}

	// Statement chaining is its own rejection so it cannot hide a
	// second keyword behind the semicolon.
	if body := strings.TrimRight(trimmed, "; \t\n"); strings.Contains(body, ";") {
		return fmt.Errorf("multiple statements are not allowed")
	}

	lowered := strings.ToLower(stringLitPattern.ReplaceAllString(trimmed, "''"))
	if !strings.HasPrefix(lowered, "select") && !strings.HasPrefix(lowered, "with") {
		return fmt.Errorf("only SELECT statements are allowed")
	}

	for _, kw := range forbiddenKeywords {
		if strings.Contains(kw, " ") {
			if strings.Contains(lowered, kw) {
				return fmt.Errorf("forbidden keyword %q", kw)
			}
			continue
		}
		for _, w := range wordPattern.FindAllString(lowered, -1) {
			if w == kw {
				return fmt.Errorf("forbidden keyword %q", kw)
			}
		}
	}

	if desc != nil {
		for _, m := range tableRefPattern.FindAllStringSubmatch(trimmed, -1) {
			name := m[1]
			if strings.EqualFold(name, "select") {
				continue
			}
			if !desc.HasTable(name) {
				return fmt.Errorf("unknown table %q", name)
			}
		}
	}
	return nil
}

// maxRows caps result sets so a broad query cannot flood the
// compression step or the synthesis prompt.
const maxRows = 200

// EnsureLimit appends a row cap when the statement has none.
func EnsureLimit(query string) string {
	trimmed := strings.TrimRight(strings.TrimSpace(query), ";")
	if limitPattern.MatchString(trimmed) {
		return trimmed
	}
	return fmt.Sprintf("%s LIMIT %d", trimmed, maxRows)
}
