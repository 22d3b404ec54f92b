// Package tokenize implements the word-splitting rule shared by the
// Database's Search block (an inverted index of tokenized string
// values) and the Buffer's in-memory search() fallback over recent,
// not-yet-transferred Writes. Keeping one tokenizer in one place is
// what lets a query built against the Database's index also match a
// String Value that only exists in the Buffer so far.
package tokenize

import "strings"

// Tokens splits s into lowercase word tokens on anything that isn't a
// letter or digit, the same simple scheme full-text search engines use
// for a first cut (no stemming, no stop-words — those are layered on
// top by a query planner, out of this package's scope).
func Tokens(s string) []string {
	var out []string
	var b strings.Builder
	flush := func() {
		if b.Len() > 0 {
			out = append(out, b.String())
			b.Reset()
		}
	}
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			flush()
		}
	}
	flush()
	return out
}
