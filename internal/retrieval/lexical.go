package retrieval

import (
	"strings"
	"unicode"

	"github.com/rosetsky/nlq/internal/corpus"
)

// stopWords are dropped from questions before lexical matching.
// English and Russian, the two languages the corpus is ingested in.
var stopWords = map[string]struct{}{
	// English
	"a": {}, "an": {}, "and": {}, "are": {}, "as": {}, "at": {}, "be": {},
	"by": {}, "for": {}, "from": {}, "how": {}, "in": {}, "is": {}, "it": {},
	"of": {}, "on": {}, "or": {}, "that": {}, "the": {}, "this": {}, "to": {},
	"was": {}, "what": {}, "when": {}, "where": {}, "which": {}, "who": {},
	"will": {}, "with": {}, "me": {}, "my": {}, "all": {}, "show": {},
	// Russian
	"и": {}, "в": {}, "на": {}, "с": {}, "по": {}, "для": {}, "как": {},
	"что": {}, "это": {}, "из": {}, "не": {}, "за": {}, "от": {}, "все": {},
	"кто": {}, "где": {}, "когда": {}, "покажи": {}, "сколько": {},
}

// Tokenize lowercases the question, splits on non-letter/digit runs, and
// strips stop words. Returned tokens keep their question order.
func Tokenize(question string) []string {
	fields := strings.FieldsFunc(strings.ToLower(question), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})

	tokens := make([]string, 0, len(fields))
	for _, f := range fields {
		if _, stop := stopWords[f]; stop {
			continue
		}
		tokens = append(tokens, f)
	}
	return tokens
}

// LexicalScore scores an item against pre-tokenized question terms by
// case-insensitive substring containment. A full match of every term
// scores 1.0; partial matches score proportionally; no match scores 0.
func LexicalScore(tokens []string, item corpus.Item) float32 {
	if len(tokens) == 0 {
		return 0
	}

	haystack := strings.ToLower(item.Title + " " + item.Text + " " + item.Tags)
	matched := 0
	for _, tok := range tokens {
		if strings.Contains(haystack, tok) {
			matched++
		}
	}
	return float32(matched) / float32(len(tokens))
}
