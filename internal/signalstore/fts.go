package signalstore

import (
	"strings"
	"unicode"

	"github.com/fyrsmithlabs/contextengine/internal/signal"
)

// BuildMatchQuery turns user input into an FTS5 MATCH expression. Input
// that already uses FTS5 syntax (quotes, parentheses, prefix stars or the
// AND/OR/NOT/NEAR operators) passes through unchanged. Anything else is
// split into words, each quoted, so punctuation in error messages or paths
// cannot produce a syntax error. Quoted terms are implicitly ANDed.
func BuildMatchQuery(q string) (string, error) {
	q = strings.TrimSpace(q)
	if q == "" {
		return "", signal.Invalid("query", "must not be empty")
	}
	if usesFTSSyntax(q) {
		return q, nil
	}
	words := strings.FieldsFunc(q, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	if len(words) == 0 {
		return "", signal.Invalid("query", "contains no searchable terms")
	}
	quoted := make([]string, len(words))
	for i, w := range words {
		quoted[i] = `"` + w + `"`
	}
	return strings.Join(quoted, " "), nil
}

func usesFTSSyntax(q string) bool {
	if strings.ContainsAny(q, `"()`) {
		return true
	}
	for _, f := range strings.Fields(q) {
		switch f {
		case "AND", "OR", "NOT", "NEAR":
			return true
		}
		if len(f) > 1 && strings.HasSuffix(f, "*") {
			return true
		}
	}
	return false
}

func isQuerySyntaxError(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "fts5") ||
		strings.Contains(msg, "syntax error") ||
		strings.Contains(msg, "no such column") ||
		strings.Contains(msg, "unterminated string")
}
