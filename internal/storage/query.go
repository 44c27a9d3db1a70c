package storage

import (
	"strings"
	"unicode"
)

// stopWords carry no discriminative value in listing searches. Lead messages
// are mostly Portuguese with the occasional English word.
var stopWords = map[string]bool{
	// Portuguese
	"a": true, "o": true, "as": true, "os": true, "um": true, "uma": true, "uns": true, "umas": true,
	"de": true, "do": true, "da": true, "dos": true, "das": true, "em": true, "no": true, "na": true,
	"nos": true, "nas": true, "por": true, "para": true, "pra": true, "com": true, "sem": true,
	"e": true, "ou": true, "que": true, "se": true, "eu": true, "me": true, "meu": true, "minha": true,
	"voce": true, "você": true, "vc": true, "ele": true, "ela": true, "isso": true, "esse": true, "essa": true,
	"tem": true, "ter": true, "ser": true, "estou": true, "esta": true, "está": true, "é": true,
	"quero": true, "queria": true, "gostaria": true, "procuro": true, "procurando": true,
	"oi": true, "ola": true, "olá": true, "bom": true, "dia": true, "boa": true, "tarde": true, "noite": true,
	"algum": true, "alguma": true, "mais": true, "muito": true, "ate": true, "até": true,
	// English
	"an": true, "the": true, "is": true, "are": true, "to": true, "of": true, "in": true, "on": true,
	"for": true, "with": true, "and": true, "or": true, "i": true, "looking": true,
}

// QueryTerms splits a free-form lead message into lowercase search terms,
// dropping punctuation, stop words, and single characters. Numbers are kept
// since "2 quartos" style queries depend on them. The result is safe to embed
// in FTS5 MATCH and PostgreSQL to_tsquery expressions.
func QueryTerms(query string) []string {
	words := strings.FieldsFunc(strings.ToLower(query), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})

	seen := make(map[string]bool, len(words))
	terms := make([]string, 0, len(words))
	for _, w := range words {
		if stopWords[w] || seen[w] {
			continue
		}
		if len([]rune(w)) < 2 && !unicode.IsDigit([]rune(w)[0]) {
			continue
		}
		seen[w] = true
		terms = append(terms, w)
	}
	return terms
}
