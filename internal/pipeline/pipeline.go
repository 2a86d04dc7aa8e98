// Package pipeline runs a natural-language question through domain
// classification, hybrid retrieval, context assembly, backend generation
// and role rewriting, producing an access-controlled query.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/rosetsky/nlq/internal/access"
	"github.com/rosetsky/nlq/internal/assembler"
	"github.com/rosetsky/nlq/internal/corpus"
	"github.com/rosetsky/nlq/internal/domain"
	"github.com/rosetsky/nlq/internal/orchestrator"
	"github.com/rosetsky/nlq/internal/plan"
	"github.com/rosetsky/nlq/internal/reranking"
	"github.com/rosetsky/nlq/internal/retrieval"
)

const defaultTopK = 8

// Ranker produces ranked retrieval hits for a question. Satisfied by
// *retrieval.HybridRanker.
type Ranker interface {
	Rank(ctx context.Context, question string, topK int) ([]retrieval.Hit, error)
}

// Generator produces query text through ordered backend fallback.
// Satisfied by *orchestrator.Orchestrator.
type Generator interface {
	Generate(ctx context.Context, system, prompt string, order []string) (orchestrator.Result, error)
}

// AuditLog records completed runs. Satisfied by *corpus.Store.
type AuditLog interface {
	SaveInteraction(i corpus.Interaction) error
}

// Metadata captures diagnostic information about one pipeline run.
type Metadata struct {
	Domain        string
	HitsUsed      []string
	Reranked      bool
	ContextTokens int
	ElapsedMs     int64
}

// Answer is one completed question→query run.
type Answer struct {
	ID           string
	Question     string
	QueryText    string
	RewrittenSQL string
	BackendUsed  string
	Meta         Metadata
}

// Pipeline wires the full question→query flow.
type Pipeline struct {
	classifier *domain.Classifier
	ranker     Ranker
	reranker   reranking.Reranker
	assembler  *assembler.Assembler
	generator  Generator
	rewriter   *access.Rewriter
	audit      AuditLog
	topK       int
}

// New creates a Pipeline wired to all components. topK controls how many
// retrieval hits feed context assembly (default 8 if <= 0). audit may be
// nil to disable the interaction log.
func New(
	classifier *domain.Classifier,
	ranker Ranker,
	reranker reranking.Reranker,
	asm *assembler.Assembler,
	generator Generator,
	rewriter *access.Rewriter,
	audit AuditLog,
	topK int,
) *Pipeline {
	if topK <= 0 {
		topK = defaultTopK
	}
	if reranker == nil {
		reranker = &reranking.NoOpReranker{}
	}
	return &Pipeline{
		classifier: classifier,
		ranker:     ranker,
		reranker:   reranker,
		assembler:  asm,
		generator:  generator,
		rewriter:   rewriter,
		audit:      audit,
		topK:       topK,
	}
}

const systemPrompt = "You are a SQL generator. Given a database schema, examples and a question, " +
	"respond with exactly one SQL SELECT statement and nothing else. " +
	"Never invent tables or columns that are not in the schema."

// Answer runs the question through the full pipeline:
//  1. Classify the question into a domain.
//  2. Rank corpus items, optionally refine with the reranker.
//  3. Assemble the bounded generation context.
//  4. Generate query text through ordered backend fallback.
//  5. Validate the text round-trips through a structured plan and is
//     read-only.
//  6. Apply the caller's role policy.
//
// Retrieval failures degrade gracefully (generation proceeds with less
// context); generation exhaustion is the only hard failure. Every run,
// failed or not, lands in the audit log.
func (p *Pipeline) Answer(ctx context.Context, question string, ac access.Context, order []string) (Answer, error) {
	start := time.Now()
	id := uuid.New().String()

	d := p.classifier.Classify(question)

	hits, err := p.ranker.Rank(ctx, question, p.topK)
	if err != nil {
		slog.Warn("retrieval failed, generating with scoped schema only", "error", err)
		hits = nil
	}
	if len(hits) > 0 {
		reranked, err := p.reranker.Rerank(ctx, question, hits, p.topK)
		if err != nil {
			slog.Warn("reranking failed, keeping combined-score order", "error", err)
		} else {
			hits = reranked
		}
	}

	contextBlob, err := p.assembler.Assemble(d, hits)
	if err != nil {
		return Answer{}, fmt.Errorf("assembling context: %w", err)
	}

	prompt := buildPrompt(contextBlob, question)
	res, err := p.generator.Generate(ctx, systemPrompt, prompt, order)
	if err != nil {
		p.saveInteraction(id, question, d.Name, "", "", "", ac, start, "failed")
		return Answer{}, err
	}

	if err := p.validate(res.QueryText); err != nil {
		p.saveInteraction(id, question, d.Name, res.BackendUsed, res.QueryText, "", ac, start, "rejected")
		return Answer{}, fmt.Errorf("backend %s produced an invalid query: %w", res.BackendUsed, err)
	}

	rewritten := p.rewriter.Rewrite(res.QueryText, ac)

	a := Answer{
		ID:           id,
		Question:     question,
		QueryText:    res.QueryText,
		RewrittenSQL: rewritten,
		BackendUsed:  res.BackendUsed,
		Meta: Metadata{
			Domain:        d.Name,
			ContextTokens: assembler.EstimateTokens(contextBlob),
			ElapsedMs:     time.Since(start).Milliseconds(),
		},
	}
	for _, h := range hits {
		a.Meta.HitsUsed = append(a.Meta.HitsUsed, h.Item.ID)
		if h.Reranked {
			a.Meta.Reranked = true
		}
	}

	p.saveInteraction(id, question, d.Name, res.BackendUsed, res.QueryText, rewritten, ac, start, "ok")

	slog.Debug("pipeline complete",
		"domain", d.Name,
		"backend", res.BackendUsed,
		"hits", len(hits),
		"elapsed_ms", a.Meta.ElapsedMs,
	)
	return a, nil
}

// validate rejects query text that is not a read-only statement the plan
// converter can represent.
func (p *Pipeline) validate(queryText string) error {
	if err := access.RejectWrites(queryText); err != nil {
		return err
	}
	parsed, err := plan.TextToPlan(queryText)
	if err != nil {
		return err
	}
	return parsed.Validate()
}

func buildPrompt(contextBlob, question string) string {
	if contextBlob == "" {
		return "Question: " + question + "\nSQL:"
	}
	return contextBlob + "\n\nQuestion: " + question + "\nSQL:"
}

func (p *Pipeline) saveInteraction(id, question, domainName, backendUsed, generated, rewritten string, ac access.Context, start time.Time, status string) {
	if p.audit == nil {
		return
	}
	err := p.audit.SaveInteraction(corpus.Interaction{
		ID:           id,
		Question:     question,
		Domain:       domainName,
		BackendUsed:  backendUsed,
		GeneratedSQL: generated,
		RewrittenSQL: rewritten,
		Role:         string(ac.Role),
		ElapsedMs:    time.Since(start).Milliseconds(),
		Status:       status,
	})
	if err != nil {
		slog.Warn("failed to save interaction", "id", id, "error", err)
	}
}
