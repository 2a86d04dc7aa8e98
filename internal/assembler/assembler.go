// Package assembler combines the classified domain's schema fragments
// with ranked retrieval hits into one bounded prompt context.
package assembler

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/rosetsky/nlq/internal/corpus"
	"github.com/rosetsky/nlq/internal/domain"
	"github.com/rosetsky/nlq/internal/retrieval"
)

const defaultMaxContextTokens = 4000

// SchemaSource fetches schema fragments by table name, bypassing ranking.
// *corpus.Store satisfies it.
type SchemaSource interface {
	SchemaByTables(tables []string) ([]corpus.Item, error)
}

// Assembler builds the generation context under a token budget.
type Assembler struct {
	schemas          SchemaSource
	MaxContextTokens int
}

// New creates an Assembler with the given token budget for assembled
// context. If maxContextTokens <= 0, the default (4000) is used.
func New(schemas SchemaSource, maxContextTokens int) *Assembler {
	if maxContextTokens <= 0 {
		maxContextTokens = defaultMaxContextTokens
	}
	return &Assembler{schemas: schemas, MaxContextTokens: maxContextTokens}
}

// Assemble builds the context blob for a question. Schema fragments for
// the domain's scoped tables are fetched directly by table name so an
// imperfect ranking can never omit them, and they are kept in full even
// when the budget overflows. Exemplar hits come next, documentation hits
// last, each dropped from the lowest-ranked end first once the budget
// runs out. This priority order (schema > exemplars > documentation) is
// load-bearing.
func (a *Assembler) Assemble(d domain.Domain, hits []retrieval.Hit) (string, error) {
	var sb strings.Builder

	included := make(map[string]bool)

	schemaItems, err := a.schemas.SchemaByTables(d.Tables)
	if err != nil {
		return "", fmt.Errorf("fetching scoped schema fragments: %w", err)
	}
	if len(schemaItems) > 0 {
		sb.WriteString("[Schema]\n")
		for _, it := range schemaItems {
			sb.WriteString(it.Text)
			sb.WriteString("\n\n")
			included[it.ID] = true
		}
	}

	remaining := a.MaxContextTokens - EstimateTokens(sb.String())

	// Schema fragments surfaced by ranking but outside the domain scope
	// still count as schema for priority purposes.
	remaining = a.appendSection(&sb, "[Schema]\n", hits, corpus.CategorySchema, included, remaining)
	remaining = a.appendSection(&sb, "\n[Examples]\n", hits, corpus.CategoryExemplar, included, remaining)
	a.appendSection(&sb, "\n[Documentation]\n", hits, corpus.CategoryDocumentation, included, remaining)

	return strings.TrimSpace(sb.String()), nil
}

// appendSection writes hits of one category in rank order until the
// budget runs out, returning the budget left. The section is a strict
// rank prefix: the first entry that exceeds the remaining budget ends it,
// so a lower-ranked hit is never kept in place of a higher-ranked one.
// The header is only written if at least one entry fits.
func (a *Assembler) appendSection(sb *strings.Builder, header string, hits []retrieval.Hit, category string, included map[string]bool, remaining int) int {
	wroteHeader := false
	full := false
	dropped := 0
	for _, h := range hits {
		if h.Item.Category != category || included[h.Item.ID] {
			continue
		}
		if full {
			dropped++
			continue
		}

		entry := formatHit(h)
		cost := EstimateTokens(entry)
		if !wroteHeader {
			cost += EstimateTokens(header)
		}
		if cost > remaining {
			full = true
			dropped++
			continue
		}

		if !wroteHeader {
			sb.WriteString(header)
			wroteHeader = true
			remaining -= EstimateTokens(header)
		}
		sb.WriteString(entry)
		included[h.Item.ID] = true
		remaining -= EstimateTokens(entry)
	}

	if dropped > 0 {
		slog.Debug("context budget exceeded, truncated section from lowest-ranked end",
			"category", category, "dropped", dropped)
	}
	return remaining
}

func formatHit(h retrieval.Hit) string {
	if h.Item.Title != "" {
		return fmt.Sprintf("%s:\n%s\n\n", h.Item.Title, h.Item.Text)
	}
	return h.Item.Text + "\n\n"
}

// EstimateTokens provides a rough token count using the 4 chars per token heuristic.
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}
