package ingest

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/rosetsky/nlq/internal/corpus"
)

// maxChunkChars bounds one corpus item's text. Long documents are split
// on paragraph boundaries so retrieval returns focused fragments instead
// of whole files.
const maxChunkChars = 2000

// ItemStore is the corpus surface the ingester needs. *corpus.Store
// satisfies it.
type ItemStore interface {
	Insert(items []corpus.Item) error
	EnqueueJob(job corpus.Job) error
}

// Ingester stores corpus items and queues their embedding backfill.
type Ingester struct {
	store ItemStore
}

func NewIngester(store ItemStore) *Ingester {
	return &Ingester{store: store}
}

// Add stores the text as one or more corpus items (long text is chunked)
// and enqueues an embed_backfill job per item. Items are searchable
// lexically right away; the semantic branch picks them up once the worker
// backfills their vectors.
func (g *Ingester) Add(title, text, category string, tags []string) ([]string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("empty text")
	}
	switch category {
	case corpus.CategorySchema, corpus.CategoryDocumentation, corpus.CategoryExemplar:
	default:
		return nil, fmt.Errorf("unknown category %q", category)
	}

	tagsJSON := "[]"
	if len(tags) > 0 {
		parts := make([]string, len(tags))
		for i, t := range tags {
			parts[i] = fmt.Sprintf("%q", t)
		}
		tagsJSON = "[" + strings.Join(parts, ",") + "]"
	}

	chunks := ChunkText(text, maxChunkChars)
	items := make([]corpus.Item, len(chunks))
	for i, chunk := range chunks {
		items[i] = corpus.Item{
			ID:       uuid.New().String(),
			Title:    title,
			Text:     chunk,
			Category: category,
			Tags:     tagsJSON,
		}
	}

	if err := g.store.Insert(items); err != nil {
		return nil, fmt.Errorf("inserting corpus items: %w", err)
	}

	ids := make([]string, len(items))
	for i, it := range items {
		ids[i] = it.ID
		job := corpus.Job{
			ID:          uuid.New().String(),
			Type:        corpus.JobEmbedBackfill,
			PayloadJSON: fmt.Sprintf(`{"item_id":%q}`, it.ID),
		}
		if err := g.store.EnqueueJob(job); err != nil {
			return ids, fmt.Errorf("enqueueing backfill for %s: %w", it.ID, err)
		}
	}
	return ids, nil
}

// ChunkText splits text into pieces of at most maxChars, preferring
// paragraph boundaries, then line boundaries, and cutting mid-line only
// as a last resort.
func ChunkText(text string, maxChars int) []string {
	text = strings.TrimSpace(text)
	if maxChars <= 0 || len(text) <= maxChars {
		return []string{text}
	}

	var chunks []string
	var current strings.Builder
	for _, para := range strings.Split(text, "\n\n") {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}

		if current.Len() > 0 && current.Len()+len(para)+2 > maxChars {
			chunks = append(chunks, strings.TrimSpace(current.String()))
			current.Reset()
		}

		if len(para) > maxChars {
			for _, piece := range splitLong(para, maxChars) {
				if current.Len() > 0 {
					chunks = append(chunks, strings.TrimSpace(current.String()))
					current.Reset()
				}
				chunks = append(chunks, piece)
			}
			continue
		}

		if current.Len() > 0 {
			current.WriteString("\n\n")
		}
		current.WriteString(para)
	}
	if current.Len() > 0 {
		chunks = append(chunks, strings.TrimSpace(current.String()))
	}
	return chunks
}

// splitLong cuts an oversized paragraph on line boundaries, then hard at
// maxChars when a single line is still too long.
func splitLong(para string, maxChars int) []string {
	var out []string
	var current strings.Builder
	for _, line := range strings.Split(para, "\n") {
		for len(line) > maxChars {
			if current.Len() > 0 {
				out = append(out, current.String())
				current.Reset()
			}
			out = append(out, line[:maxChars])
			line = line[maxChars:]
		}
		if current.Len()+len(line)+1 > maxChars {
			out = append(out, current.String())
			current.Reset()
		}
		if current.Len() > 0 {
			current.WriteString("\n")
		}
		current.WriteString(line)
	}
	if current.Len() > 0 {
		out = append(out, current.String())
	}
	return out
}
