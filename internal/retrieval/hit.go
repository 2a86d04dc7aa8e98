// Package retrieval finds corpus items relevant to a question by blending
// a lexical keyword matcher with a semantic nearest-neighbor matcher.
package retrieval

import "github.com/rosetsky/nlq/internal/corpus"

// Hit is one ranked retrieval result. Transient: built per question,
// discarded after context assembly.
type Hit struct {
	Item          corpus.Item
	LexicalScore  float32
	SemanticScore float32
	CombinedScore float32
	RerankScore   float32
	Reranked      bool
}
