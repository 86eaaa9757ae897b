package memory

import (
	"strings"
	"unicode"
)

// stopwords are excluded from the keyword index and query tokenization.
var stopwords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "are": {}, "as": {}, "at": {}, "be": {},
	"but": {}, "by": {}, "for": {}, "from": {}, "had": {}, "has": {},
	"have": {}, "he": {}, "her": {}, "his": {}, "i": {}, "in": {}, "is": {},
	"it": {}, "its": {}, "me": {}, "my": {}, "no": {}, "not": {}, "of": {},
	"on": {}, "or": {}, "our": {}, "she": {}, "so": {}, "that": {},
	"the": {}, "their": {}, "them": {}, "then": {}, "there": {},
	"they": {}, "this": {}, "to": {}, "was": {}, "we": {}, "were": {},
	"what": {}, "when": {}, "which": {}, "who": {}, "will": {}, "with": {},
	"you": {}, "your": {},
}

// synonyms is a small domain lexicon for query expansion.
var synonyms = map[string][]string{
	"delete": {"remove", "erase"},
	"remove": {"delete"},
	"create": {"make", "add"},
	"make":   {"create"},
	"folder": {"directory"},
	"dir":    {"directory", "folder"},
	"file":   {"document"},
	"fix":    {"repair", "resolve"},
	"error":  {"failure", "bug"},
	"open":   {"launch", "view"},
	"search": {"find", "lookup"},
	"find":   {"search"},
}

// Tokenize normalizes text into lowercase deduplicated tokens with
// punctuation stripped and stopwords removed.
func Tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})

	seen := make(map[string]struct{}, len(fields))
	tokens := make([]string, 0, len(fields))
	for _, f := range fields {
		if len(f) < 2 {
			continue
		}
		if _, stop := stopwords[f]; stop {
			continue
		}
		if _, dup := seen[f]; dup {
			continue
		}
		seen[f] = struct{}{}
		tokens = append(tokens, f)
	}
	return tokens
}

// StripStopwords removes stopwords from a query, keeping original order.
func StripStopwords(query string) string {
	var kept []string
	for _, f := range strings.Fields(query) {
		if _, stop := stopwords[strings.ToLower(strings.Trim(f, ".,!?;:"))]; stop {
			continue
		}
		kept = append(kept, f)
	}
	return strings.Join(kept, " ")
}

// ExpandSynonyms appends lexicon synonyms of each query token.
func ExpandSynonyms(query string) string {
	tokens := Tokenize(query)
	expanded := append([]string{}, strings.Fields(query)...)
	seen := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		seen[t] = struct{}{}
	}
	for _, t := range tokens {
		for _, syn := range synonyms[t] {
			if _, dup := seen[syn]; dup {
				continue
			}
			seen[syn] = struct{}{}
			expanded = append(expanded, syn)
		}
	}
	return strings.Join(expanded, " ")
}

// jaccard computes token-overlap similarity between two token sets.
func jaccard(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	setA := make(map[string]struct{}, len(a))
	for _, t := range a {
		setA[t] = struct{}{}
	}
	inter := 0
	setB := make(map[string]struct{}, len(b))
	for _, t := range b {
		if _, dup := setB[t]; dup {
			continue
		}
		setB[t] = struct{}{}
		if _, ok := setA[t]; ok {
			inter++
		}
	}
	union := len(setA) + len(setB) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}
