// Package textutil normalises Portuguese chat text for pattern matching.
package textutil

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Fold lower-cases s and strips diacritics, so "Amanhã" and "amanha" compare
// equal. Whitespace runs collapse to a single space.
func Fold(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, strings.ToLower(s))
	if err != nil {
		folded = strings.ToLower(s)
	}
	return strings.Join(strings.Fields(folded), " ")
}

// ContainsWord reports whether folded text contains any of the folded words
// as a whole word or phrase. "casa" matches "uma casa," but not "casamento".
func ContainsWord(folded string, words ...string) bool {
	for _, w := range words {
		if w == "" {
			continue
		}
		for from := 0; from < len(folded); {
			i := strings.Index(folded[from:], w)
			if i < 0 {
				break
			}
			start, end := from+i, from+i+len(w)
			if wordBoundary(folded[:start], true) && wordBoundary(folded[end:], false) {
				return true
			}
			from = start + 1
		}
	}
	return false
}

// wordBoundary reports whether the rune adjacent to a match, the last rune of
// before or the first rune of after, is absent or not part of a word.
func wordBoundary(s string, before bool) bool {
	if s == "" {
		return true
	}
	var r rune
	if before {
		r, _ = utf8.DecodeLastRuneInString(s)
	} else {
		r, _ = utf8.DecodeRuneInString(s)
	}
	return !unicode.IsLetter(r) && !unicode.IsDigit(r)
}
