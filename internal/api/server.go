// Package api exposes the query pipeline over HTTP (chi) and MCP. The
// HTTP surface is bearer-token authenticated except for the health probe.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/rosetsky/nlq/internal/access"
	"github.com/rosetsky/nlq/internal/corpus"
	"github.com/rosetsky/nlq/internal/domain"
	"github.com/rosetsky/nlq/internal/orchestrator"
	"github.com/rosetsky/nlq/internal/pipeline"
)

const maxRequestBodySize = 1 << 20 // 1MB
const maxIngestBodySize = 10 << 20 // 10MB

// Answerer runs a question through the pipeline. *pipeline.Pipeline
// satisfies it.
type Answerer interface {
	Answer(ctx context.Context, question string, ac access.Context, order []string) (pipeline.Answer, error)
}

// IngestService stores new corpus content. *ingest.Ingester satisfies it.
type IngestService interface {
	Add(title, text, category string, tags []string) ([]string, error)
}

// CorpusStore is the store surface the handlers need. *corpus.Store
// satisfies it.
type CorpusStore interface {
	All() ([]corpus.Item, error)
	Delete(id string) error
	Count() (int, map[string]int, error)
	GetInteraction(id string) (corpus.Interaction, error)
	RecentInteractions(limit int) ([]corpus.Interaction, error)
	DeleteInteraction(id string) error
}

// Deps holds everything the HTTP handlers need.
type Deps struct {
	Pipeline   Answerer
	Ingester   IngestService
	Store      CorpusStore
	Usage      *orchestrator.UsageTracker
	Classifier *domain.Classifier
	Token      string
}

// NewHandler builds the HTTP API. All routes except /health require the
// bearer token.
func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Post("/v1/query", handleQuery(deps))
		r.Post("/v1/ingest", handleIngest(deps))
		r.Get("/v1/corpus", handleListCorpus(deps))
		r.Delete("/v1/corpus/{id}", handleDeleteCorpusItem(deps))
		r.Get("/v1/interactions", handleListInteractions(deps))
		r.Get("/v1/interactions/{id}", handleGetInteraction(deps))
		r.Delete("/v1/interactions/{id}", handleDeleteInteraction(deps))
		r.Get("/v1/domains", handleListDomains(deps))
		r.Get("/v1/stats", handleStats(deps))
		r.Post("/v1/stats/reset", handleStatsReset(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

// QueryRequest is one natural-language question plus the caller's access
// context.
type QueryRequest struct {
	Question string   `json:"question"`
	UserID   string   `json:"user_id"`
	Role     string   `json:"role"`
	Scope    string   `json:"scope,omitempty"`
	Backends []string `json:"backends,omitempty"`
}

// QueryResponse carries the generated and rewritten query plus run
// diagnostics.
type QueryResponse struct {
	ID           string   `json:"id"`
	Query        string   `json:"query"`
	RewrittenSQL string   `json:"rewritten_sql"`
	BackendUsed  string   `json:"backend_used"`
	Domain       string   `json:"domain"`
	HitsUsed     []string `json:"hits_used,omitempty"`
	ElapsedMs    int64    `json:"elapsed_ms"`
}

func handleQuery(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req QueryRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Question == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "question is required")
			return
		}
		if req.UserID == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "user_id is required")
			return
		}

		ac := access.Context{
			UserID: req.UserID,
			Role:   access.Role(req.Role),
			Scope:  req.Scope,
		}

		a, err := deps.Pipeline.Answer(r.Context(), req.Question, ac, req.Backends)
		if err != nil {
			var ex *orchestrator.ExhaustedError
			if errors.As(err, &ex) {
				httpError(w, http.StatusBadGateway, "generation_exhausted",
					"all backends failed, last %s: %s", ex.LastBackend, ex.LastKind)
				return
			}
			httpError(w, http.StatusInternalServerError, "api_error", "query failed: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(QueryResponse{
			ID:           a.ID,
			Query:        a.QueryText,
			RewrittenSQL: a.RewrittenSQL,
			BackendUsed:  a.BackendUsed,
			Domain:       a.Meta.Domain,
			HitsUsed:     a.Meta.HitsUsed,
			ElapsedMs:    a.Meta.ElapsedMs,
		})
	}
}

// IngestRequest adds one document to the corpus.
type IngestRequest struct {
	Title    string   `json:"title"`
	Content  string   `json:"content"`
	Category string   `json:"category"`
	Tags     []string `json:"tags,omitempty"`
}

func handleIngest(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxIngestBodySize)
		defer r.Body.Close()

		var req IngestRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Content == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "content is required")
			return
		}
		if req.Category == "" {
			req.Category = corpus.CategoryDocumentation
		}

		ids, err := deps.Ingester.Add(req.Title, req.Content, req.Category, req.Tags)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "ingest failed: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"ids":    ids,
			"status": "queued",
		})
	}
}

func handleListCorpus(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		items, err := deps.Store.All()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list corpus: %v", err)
			return
		}

		type itemSummary struct {
			ID       string `json:"id"`
			Title    string `json:"title"`
			Category string `json:"category"`
			Tags     string `json:"tags"`
			Chars    int    `json:"chars"`
		}
		out := make([]itemSummary, len(items))
		for i, it := range items {
			out[i] = itemSummary{ID: it.ID, Title: it.Title, Category: it.Category, Tags: it.Tags, Chars: len(it.Text)}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(out)
	}
}

func handleDeleteCorpusItem(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		err := deps.Store.Delete(id)
		if errors.Is(err, corpus.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "corpus item not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to delete item: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "deleted"})
	}
}

func handleListInteractions(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", 20, 100)

		interactions, err := deps.Store.RecentInteractions(limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list interactions: %v", err)
			return
		}
		if interactions == nil {
			interactions = []corpus.Interaction{}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(interactions)
	}
}

func handleGetInteraction(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		interaction, err := deps.Store.GetInteraction(id)
		if errors.Is(err, corpus.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "interaction not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get interaction: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(interaction)
	}
}

func handleDeleteInteraction(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		err := deps.Store.DeleteInteraction(id)
		if errors.Is(err, corpus.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "interaction not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to delete interaction: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "deleted"})
	}
}

func handleListDomains(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		domains := deps.Classifier.Domains()
		if domains == nil {
			domains = []domain.Domain{}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(domains)
	}
}

// StatsResponse reports per-backend usage and corpus size.
type StatsResponse struct {
	Backends map[string]BackendStats `json:"backends"`
	Corpus   CorpusStats             `json:"corpus"`
}

type BackendStats struct {
	Calls          int64 `json:"calls"`
	Successes      int64 `json:"successes"`
	Failures       int64 `json:"failures"`
	TotalElapsedMs int64 `json:"total_elapsed_ms"`
}

type CorpusStats struct {
	Total      int            `json:"total"`
	ByCategory map[string]int `json:"by_category"`
}

func handleStats(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		total, byCategory, err := deps.Store.Count()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to count corpus: %v", err)
			return
		}

		resp := StatsResponse{
			Backends: make(map[string]BackendStats),
			Corpus:   CorpusStats{Total: total, ByCategory: byCategory},
		}
		for id, s := range deps.Usage.Snapshot() {
			resp.Backends[id] = BackendStats{
				Calls:          s.Calls,
				Successes:      s.Successes,
				Failures:       s.Failures,
				TotalElapsedMs: s.TotalElapsed.Milliseconds(),
			}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}
}

func handleStatsReset(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		deps.Usage.Reset()
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "reset"})
	}
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
