package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rosetsky/nlq/internal/access"
	"github.com/rosetsky/nlq/internal/backend"
	"github.com/rosetsky/nlq/internal/corpus"
	"github.com/rosetsky/nlq/internal/domain"
	"github.com/rosetsky/nlq/internal/orchestrator"
	"github.com/rosetsky/nlq/internal/pipeline"
)

// --- mocks ---

type mockAnswerer struct {
	answer pipeline.Answer
	err    error
	lastAC access.Context
}

func (m *mockAnswerer) Answer(_ context.Context, question string, ac access.Context, _ []string) (pipeline.Answer, error) {
	m.lastAC = ac
	if m.err != nil {
		return pipeline.Answer{}, m.err
	}
	a := m.answer
	a.Question = question
	return a, nil
}

type mockIngester struct {
	ids []string
	err error
}

func (m *mockIngester) Add(_, _, _ string, _ []string) ([]string, error) {
	return m.ids, m.err
}

type mockStore struct {
	items        []corpus.Item
	interactions []corpus.Interaction
}

func (m *mockStore) All() ([]corpus.Item, error) { return m.items, nil }
func (m *mockStore) Delete(id string) error {
	for _, it := range m.items {
		if it.ID == id {
			return nil
		}
	}
	return corpus.ErrNotFound
}
func (m *mockStore) Count() (int, map[string]int, error) {
	return len(m.items), map[string]int{}, nil
}
func (m *mockStore) GetInteraction(id string) (corpus.Interaction, error) {
	for _, ix := range m.interactions {
		if ix.ID == id {
			return ix, nil
		}
	}
	return corpus.Interaction{}, corpus.ErrNotFound
}
func (m *mockStore) RecentInteractions(limit int) ([]corpus.Interaction, error) {
	return m.interactions, nil
}
func (m *mockStore) DeleteInteraction(id string) error {
	for _, ix := range m.interactions {
		if ix.ID == id {
			return nil
		}
	}
	return corpus.ErrNotFound
}

const testToken = "test-token"

func newTestHandler(answerer Answerer, ingester IngestService, store CorpusStore) http.Handler {
	if store == nil {
		store = &mockStore{}
	}
	return NewHandler(Deps{
		Pipeline: answerer,
		Ingester: ingester,
		Store:    store,
		Usage:    orchestrator.NewUsageTracker(),
		Classifier: domain.NewClassifier([]domain.Domain{
			{Name: "users", Keywords: []string{"user"}, Tables: []string{"users"}},
		}),
		Token: testToken,
	})
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any, token string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

// --- tests ---

func TestAuth_RejectsMissingAndWrongToken(t *testing.T) {
	h := newTestHandler(&mockAnswerer{}, &mockIngester{}, nil)

	rec := doJSON(t, h, http.MethodPost, "/v1/query", QueryRequest{Question: "q", UserID: "u"}, "")
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("no token: status = %d, want 401", rec.Code)
	}

	rec = doJSON(t, h, http.MethodPost, "/v1/query", QueryRequest{Question: "q", UserID: "u"}, "wrong")
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("wrong token: status = %d, want 401", rec.Code)
	}
}

func TestHealth_NoAuthRequired(t *testing.T) {
	h := newTestHandler(&mockAnswerer{}, &mockIngester{}, nil)
	rec := doJSON(t, h, http.MethodGet, "/health", nil, "")
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}

func TestQuery_Success(t *testing.T) {
	answerer := &mockAnswerer{answer: pipeline.Answer{
		ID:           "run-1",
		QueryText:    "SELECT name FROM users",
		RewrittenSQL: "SELECT name FROM users WHERE user_id = 'u1'",
		BackendUsed:  "ollama",
		Meta:         pipeline.Metadata{Domain: "users"},
	}}
	h := newTestHandler(answerer, &mockIngester{}, nil)

	rec := doJSON(t, h, http.MethodPost, "/v1/query",
		QueryRequest{Question: "show all users", UserID: "u1", Role: "user"}, testToken)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var resp QueryResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Query != "SELECT name FROM users" || resp.BackendUsed != "ollama" || resp.Domain != "users" {
		t.Errorf("response = %+v", resp)
	}
	if answerer.lastAC.Role != access.RoleUser || answerer.lastAC.UserID != "u1" {
		t.Errorf("access context = %+v", answerer.lastAC)
	}
}

func TestQuery_ValidatesInput(t *testing.T) {
	h := newTestHandler(&mockAnswerer{}, &mockIngester{}, nil)

	rec := doJSON(t, h, http.MethodPost, "/v1/query", QueryRequest{UserID: "u1"}, testToken)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing question: status = %d, want 400", rec.Code)
	}

	rec = doJSON(t, h, http.MethodPost, "/v1/query", QueryRequest{Question: "q"}, testToken)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing user_id: status = %d, want 400", rec.Code)
	}
}

func TestQuery_ExhaustedMapsToBadGateway(t *testing.T) {
	answerer := &mockAnswerer{err: &orchestrator.ExhaustedError{
		LastBackend: "openrouter",
		LastKind:    backend.KindUnavailable,
		Err:         errors.New("down"),
	}}
	h := newTestHandler(answerer, &mockIngester{}, nil)

	rec := doJSON(t, h, http.MethodPost, "/v1/query",
		QueryRequest{Question: "q", UserID: "u1"}, testToken)
	if rec.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", rec.Code)
	}
	var body struct {
		Error struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Error.Type != "generation_exhausted" {
		t.Errorf("error type = %s", body.Error.Type)
	}
}

func TestIngest_QueuesContent(t *testing.T) {
	h := newTestHandler(&mockAnswerer{}, &mockIngester{ids: []string{"i1", "i2"}}, nil)

	rec := doJSON(t, h, http.MethodPost, "/v1/ingest",
		IngestRequest{Title: "orders", Content: "orders(id, total)", Category: corpus.CategorySchema}, testToken)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		IDs    []string `json:"ids"`
		Status string   `json:"status"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.IDs) != 2 || resp.Status != "queued" {
		t.Errorf("response = %+v", resp)
	}
}

func TestIngest_RequiresContent(t *testing.T) {
	h := newTestHandler(&mockAnswerer{}, &mockIngester{}, nil)
	rec := doJSON(t, h, http.MethodPost, "/v1/ingest", IngestRequest{Title: "t"}, testToken)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestCorpus_ListAndDelete(t *testing.T) {
	store := &mockStore{items: []corpus.Item{
		{ID: "i1", Title: "users", Category: corpus.CategorySchema, Text: "users(id)"},
	}}
	h := newTestHandler(&mockAnswerer{}, &mockIngester{}, store)

	rec := doJSON(t, h, http.MethodGet, "/v1/corpus", nil, testToken)
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d", rec.Code)
	}
	var items []map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &items); err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 || items[0]["id"] != "i1" {
		t.Errorf("items = %v", items)
	}

	rec = doJSON(t, h, http.MethodDelete, "/v1/corpus/i1", nil, testToken)
	if rec.Code != http.StatusOK {
		t.Errorf("delete status = %d", rec.Code)
	}
	rec = doJSON(t, h, http.MethodDelete, "/v1/corpus/ghost", nil, testToken)
	if rec.Code != http.StatusNotFound {
		t.Errorf("delete missing status = %d, want 404", rec.Code)
	}
}

func TestInteractions_GetAndNotFound(t *testing.T) {
	store := &mockStore{interactions: []corpus.Interaction{
		{ID: "x1", Question: "q", Status: "ok", CreatedAt: time.Now()},
	}}
	h := newTestHandler(&mockAnswerer{}, &mockIngester{}, store)

	rec := doJSON(t, h, http.MethodGet, "/v1/interactions/x1", nil, testToken)
	if rec.Code != http.StatusOK {
		t.Errorf("get status = %d", rec.Code)
	}
	rec = doJSON(t, h, http.MethodGet, "/v1/interactions/ghost", nil, testToken)
	if rec.Code != http.StatusNotFound {
		t.Errorf("get missing status = %d, want 404", rec.Code)
	}
}

func TestDomains_Listed(t *testing.T) {
	h := newTestHandler(&mockAnswerer{}, &mockIngester{}, nil)
	rec := doJSON(t, h, http.MethodGet, "/v1/domains", nil, testToken)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var domains []domain.Domain
	if err := json.Unmarshal(rec.Body.Bytes(), &domains); err != nil {
		t.Fatal(err)
	}
	if len(domains) != 1 || domains[0].Name != "users" {
		t.Errorf("domains = %v", domains)
	}
}

func TestStats_ReflectUsageAndReset(t *testing.T) {
	usage := orchestrator.NewUsageTracker()
	usage.Record("ollama", true, 5*time.Millisecond)
	h := NewHandler(Deps{
		Pipeline:   &mockAnswerer{},
		Ingester:   &mockIngester{},
		Store:      &mockStore{},
		Usage:      usage,
		Classifier: domain.NewClassifier(nil),
		Token:      testToken,
	})

	rec := doJSON(t, h, http.MethodGet, "/v1/stats", nil, testToken)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp StatsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Backends["ollama"].Calls != 1 || resp.Backends["ollama"].Successes != 1 {
		t.Errorf("stats = %+v", resp.Backends)
	}

	rec = doJSON(t, h, http.MethodPost, "/v1/stats/reset", nil, testToken)
	if rec.Code != http.StatusOK {
		t.Fatalf("reset status = %d", rec.Code)
	}
	if got := usage.Get("ollama"); got.Calls != 0 {
		t.Errorf("calls after reset = %d, want 0", got.Calls)
	}
}
