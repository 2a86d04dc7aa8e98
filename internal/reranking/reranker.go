// Package reranking optionally re-scores merged retrieval candidates with
// a pairwise relevance model. It reorders; it never adds or removes
// candidates that the hybrid ranker produced.
package reranking

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rosetsky/nlq/internal/backend"
	"github.com/rosetsky/nlq/internal/retrieval"
)

const (
	defaultConcurrency = 3
	defaultWindow      = 20
)

// Reranker re-scores retrieved hits by query relevance.
type Reranker interface {
	Rerank(ctx context.Context, question string, hits []retrieval.Hit, topK int) ([]retrieval.Hit, error)
}

// NewReranker returns a PairwiseReranker if enabled, NoOpReranker otherwise.
// window bounds how many top candidates are scored (default 20).
func NewReranker(b backend.Backend, enabled bool, timeout time.Duration, window int) Reranker {
	if !enabled {
		return &NoOpReranker{}
	}
	if window <= 0 {
		window = defaultWindow
	}
	return &PairwiseReranker{backend: b, timeout: timeout, window: window}
}

// PairwiseReranker scores (question, candidate_text) pairs with a
// generation backend. Scoring runs concurrently, bounded to
// defaultConcurrency goroutines.
type PairwiseReranker struct {
	backend backend.Backend
	timeout time.Duration
	window  int
}

// Rerank scores the top window candidates and re-sorts them by rerank
// score, leaving the tail in its combined-score order, then truncates to
// topK. If the timeout fires before scoring completes, the original order
// is returned unchanged (graceful degradation).
func (r *PairwiseReranker) Rerank(ctx context.Context, question string, hits []retrieval.Hit, topK int) ([]retrieval.Hit, error) {
	if len(hits) == 0 {
		return hits, nil
	}

	window := r.window
	if window > len(hits) {
		window = len(hits)
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	scored := make([]retrieval.Hit, window)
	copy(scored, hits[:window])

	sem := make(chan struct{}, defaultConcurrency)
	var wg sync.WaitGroup
	for i := range scored {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
			case <-timeoutCtx.Done():
				return
			}
			defer func() { <-sem }()

			score, err := r.scorePair(timeoutCtx, question, scored[idx].Item.Text)
			if err != nil {
				if timeoutCtx.Err() == nil {
					slog.Debug("reranker: score failed, keeping combined score", "error", err)
				}
				return
			}
			scored[idx].RerankScore = float32(score)
			scored[idx].Reranked = true
		}(i)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-timeoutCtx.Done():
		// Hard timeout: return the ranker's order untouched.
		if topK > 0 && len(hits) > topK {
			return hits[:topK], nil
		}
		return hits, nil
	}

	// Unscored hits inside the window fall back to their combined score so
	// a few failed pair calls don't bury otherwise strong candidates.
	for i := range scored {
		if !scored[i].Reranked {
			scored[i].RerankScore = scored[i].CombinedScore
		}
	}

	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].RerankScore > scored[j].RerankScore
	})

	out := make([]retrieval.Hit, 0, len(hits))
	out = append(out, scored...)
	out = append(out, hits[window:]...)
	if topK > 0 && len(out) > topK {
		out = out[:topK]
	}
	return out, nil
}

func (r *PairwiseReranker) scorePair(ctx context.Context, question, text string) (float64, error) {
	prompt := "Rate the relevance of the following text to the question on a scale of 0.0 to 1.0.\n" +
		"Question: " + question + "\n" +
		"Text: " + text + "\n" +
		`Respond with only a JSON object: {"score": <float>}`

	resp, err := r.backend.Complete(ctx, backend.CompleteRequest{Prompt: prompt, MaxTokens: 64})
	if err != nil {
		return 0, err
	}
	return parseScore(resp)
}

// parseScore extracts a relevance score float from a model response.
// Small local models frequently wrap JSON in markdown code fences or
// prepend conversational filler, so the parser:
//  1. Strips markdown code fences if present (```json ... ```)
//  2. Finds the first { and last } to extract the JSON object
//  3. Attempts json.Unmarshal on the extracted substring
func parseScore(resp string) (float64, error) {
	s := strings.TrimSpace(resp)

	if idx := strings.Index(s, "```"); idx != -1 {
		s = s[idx+3:]
		if strings.HasPrefix(s, "json") {
			s = s[4:]
		}
		if end := strings.Index(s, "```"); end != -1 {
			s = s[:end]
		}
	}

	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start == -1 || end <= start {
		return 0, fmt.Errorf("no JSON object in response")
	}

	var obj struct {
		Score float64 `json:"score"`
	}
	if err := json.Unmarshal([]byte(s[start:end+1]), &obj); err != nil {
		return 0, fmt.Errorf("unmarshal score: %w", err)
	}
	return obj.Score, nil
}

// NoOpReranker passes hits through unchanged apart from topK truncation.
// Used when reranking is disabled.
type NoOpReranker struct{}

func (n *NoOpReranker) Rerank(_ context.Context, _ string, hits []retrieval.Hit, topK int) ([]retrieval.Hit, error) {
	if topK > 0 && len(hits) > topK {
		return hits[:topK], nil
	}
	return hits, nil
}
