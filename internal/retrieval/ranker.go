package retrieval

import (
	"context"
	"log/slog"
	"sort"

	"github.com/rosetsky/nlq/internal/backend"
	"github.com/rosetsky/nlq/internal/corpus"
)

// DefaultAlpha weights the semantic branch in the combined score.
const DefaultAlpha = 0.7

// ItemSource is the corpus surface the ranker needs. *corpus.Store
// satisfies it; tests supply an in-memory fake.
type ItemSource interface {
	All() ([]corpus.Item, error)
	SearchSimilar(vector []float32, topK int) ([]corpus.ScoredItem, error)
}

// HybridRanker merges lexical and semantic result sets into one ranked
// list. Deterministic given identical corpus state and embedding output:
// ties in combined score keep corpus insertion order (stable sort).
type HybridRanker struct {
	embedder backend.Embedder
	source   ItemSource
	alpha    float32
}

// NewHybridRanker creates a ranker. alpha outside (0,1] falls back to
// DefaultAlpha. A nil embedder disables the semantic branch entirely.
func NewHybridRanker(embedder backend.Embedder, source ItemSource, alpha float32) *HybridRanker {
	if alpha <= 0 || alpha > 1 {
		alpha = DefaultAlpha
	}
	return &HybridRanker{embedder: embedder, source: source, alpha: alpha}
}

// Rank returns the topK items most relevant to the question, sorted
// non-increasing by combined score. An empty corpus yields an empty
// result, not an error. If the embedding provider is unavailable the
// semantic branch fails softly and ranking degrades to lexical-only.
func (r *HybridRanker) Rank(ctx context.Context, question string, topK int) ([]Hit, error) {
	if topK <= 0 {
		return nil, nil
	}

	items, err := r.source.All()
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, nil
	}

	semantic := r.semanticScores(ctx, question, topK)
	tokens := Tokenize(question)

	// Union both branches keyed by item identity. Iterating the corpus in
	// insertion order makes the later stable sort deterministic.
	hits := make([]Hit, 0, len(items))
	for _, it := range items {
		h := Hit{
			Item:          it,
			LexicalScore:  LexicalScore(tokens, it),
			SemanticScore: semantic[it.ID],
		}
		h.CombinedScore = r.alpha*h.SemanticScore + (1-r.alpha)*h.LexicalScore
		if h.CombinedScore > 0 {
			hits = append(hits, h)
		}
	}

	sort.SliceStable(hits, func(i, j int) bool {
		return hits[i].CombinedScore > hits[j].CombinedScore
	})

	if len(hits) > topK {
		hits = hits[:topK]
	}
	return hits, nil
}

// semanticScores embeds the question once and returns per-item similarity.
// Any failure logs a warning and returns an empty map (lexical-only mode).
func (r *HybridRanker) semanticScores(ctx context.Context, question string, topK int) map[string]float32 {
	if r.embedder == nil {
		return nil
	}

	vec, err := r.embedder.Embed(ctx, question)
	if err != nil {
		slog.Warn("retrieval degraded: embedding unavailable, using lexical only", "error", err)
		return nil
	}

	// Over-fetch so the merge has candidates beyond the final cut.
	candidates := topK * 4
	if candidates < 20 {
		candidates = 20
	}

	scored, err := r.source.SearchSimilar(vec, candidates)
	if err != nil {
		slog.Warn("retrieval degraded: semantic search failed, using lexical only", "error", err)
		return nil
	}

	scores := make(map[string]float32, len(scored))
	for _, s := range scored {
		// Cosine can go negative; clamp so the combined blend stays in [0,1].
		if s.Score > 0 {
			scores[s.ID] = s.Score
		}
	}
	return scores
}
