package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/rosetsky/nlq/internal/corpus"
)

type fakeJobStore struct {
	jobs      []*corpus.Job
	items     map[string]corpus.Item
	completed []string
	failed    map[string]string
	vectors   map[string][]float32
}

func newFakeJobStore() *fakeJobStore {
	return &fakeJobStore{
		items:   make(map[string]corpus.Item),
		failed:  make(map[string]string),
		vectors: make(map[string][]float32),
	}
}

func (f *fakeJobStore) ClaimNextJob(types []string) (*corpus.Job, error) {
	if len(f.jobs) == 0 {
		return nil, nil
	}
	job := f.jobs[0]
	f.jobs = f.jobs[1:]
	return job, nil
}

func (f *fakeJobStore) CompleteJob(id string) error {
	f.completed = append(f.completed, id)
	return nil
}

func (f *fakeJobStore) FailJob(id, errMsg string) error {
	f.failed[id] = errMsg
	return nil
}

func (f *fakeJobStore) Get(id string) (corpus.Item, error) {
	item, ok := f.items[id]
	if !ok {
		return corpus.Item{}, corpus.ErrNotFound
	}
	return item, nil
}

func (f *fakeJobStore) SetEmbedding(id string, vec []float32) error {
	f.vectors[id] = vec
	return nil
}

type fakeEmbedder struct {
	vec []float32
	err error
}

func (f *fakeEmbedder) Embed(_ context.Context, _ string) ([]float32, error) {
	return f.vec, f.err
}

func backfillJob(itemID string) *corpus.Job {
	return &corpus.Job{
		ID:          "job-" + itemID,
		Type:        corpus.JobEmbedBackfill,
		PayloadJSON: fmt.Sprintf(`{"item_id":%q}`, itemID),
	}
}

func TestRunOnce_BackfillsEmbedding(t *testing.T) {
	store := newFakeJobStore()
	store.items["i1"] = corpus.Item{ID: "i1", Text: "users table"}
	store.jobs = append(store.jobs, backfillJob("i1"))

	w := NewWorker(store, &fakeEmbedder{vec: []float32{0.1, 0.2}}, 0)

	done, err := w.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if !done {
		t.Fatal("RunOnce = false, want true")
	}
	if got := store.vectors["i1"]; len(got) != 2 {
		t.Errorf("embedding not stored: %v", got)
	}
	if len(store.completed) != 1 || store.completed[0] != "job-i1" {
		t.Errorf("completed = %v", store.completed)
	}
}

func TestRunOnce_EmbedderFailureFailsJob(t *testing.T) {
	store := newFakeJobStore()
	store.items["i1"] = corpus.Item{ID: "i1", Text: "users table"}
	store.jobs = append(store.jobs, backfillJob("i1"))

	w := NewWorker(store, &fakeEmbedder{err: errors.New("model offline")}, 0)

	done, err := w.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if !done {
		t.Fatal("RunOnce = false, want true (job was claimed)")
	}
	if _, ok := store.failed["job-i1"]; !ok {
		t.Error("job not marked failed")
	}
	if len(store.completed) != 0 {
		t.Errorf("completed = %v, want none", store.completed)
	}
}

func TestRunOnce_EmptyQueue(t *testing.T) {
	w := NewWorker(newFakeJobStore(), &fakeEmbedder{}, 0)
	done, err := w.RunOnce(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if done {
		t.Error("RunOnce = true on empty queue")
	}
}

func TestRunOnce_DrainsBatch(t *testing.T) {
	store := newFakeJobStore()
	for i := 0; i < 3; i++ {
		id := fmt.Sprintf("i%d", i)
		store.items[id] = corpus.Item{ID: id, Text: "text " + id}
		store.jobs = append(store.jobs, backfillJob(id))
	}

	w := NewWorker(store, &fakeEmbedder{vec: []float32{1}}, 0)
	done, err := w.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if !done {
		t.Fatal("RunOnce = false, want true")
	}
	if len(store.completed) != 3 {
		t.Errorf("completed = %v, want all 3 jobs", store.completed)
	}
	if len(store.vectors) != 3 {
		t.Errorf("vectors stored = %d, want 3", len(store.vectors))
	}
}

func TestRunOnce_MissingItemFailsJob(t *testing.T) {
	store := newFakeJobStore()
	store.jobs = append(store.jobs, backfillJob("ghost"))

	w := NewWorker(store, &fakeEmbedder{vec: []float32{1}}, 0)
	if _, err := w.RunOnce(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, ok := store.failed["job-ghost"]; !ok {
		t.Error("job for missing item not marked failed")
	}
}

type fakeItemStore struct {
	inserted []corpus.Item
	enqueued []corpus.Job
}

func (f *fakeItemStore) Insert(items []corpus.Item) error {
	f.inserted = append(f.inserted, items...)
	return nil
}

func (f *fakeItemStore) EnqueueJob(job corpus.Job) error {
	f.enqueued = append(f.enqueued, job)
	return nil
}

func TestIngester_AddStoresAndQueuesBackfill(t *testing.T) {
	store := &fakeItemStore{}
	g := NewIngester(store)

	ids, err := g.Add("users", "users(id, name)", corpus.CategorySchema, []string{"core"})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if len(ids) != 1 || len(store.inserted) != 1 {
		t.Fatalf("ids = %v, inserted = %d", ids, len(store.inserted))
	}
	item := store.inserted[0]
	if item.Title != "users" || item.Category != corpus.CategorySchema {
		t.Errorf("item = %+v", item)
	}
	if item.Tags != `["core"]` {
		t.Errorf("tags = %s", item.Tags)
	}
	if len(item.Embedding) != 0 {
		t.Error("embedding must start empty; the worker backfills it")
	}

	if len(store.enqueued) != 1 {
		t.Fatalf("enqueued = %d, want 1", len(store.enqueued))
	}
	job := store.enqueued[0]
	if job.Type != corpus.JobEmbedBackfill {
		t.Errorf("job type = %s", job.Type)
	}
	if !strings.Contains(job.PayloadJSON, ids[0]) {
		t.Errorf("payload %s does not reference item %s", job.PayloadJSON, ids[0])
	}
}

func TestIngester_RejectsUnknownCategory(t *testing.T) {
	g := NewIngester(&fakeItemStore{})
	if _, err := g.Add("t", "text", "poetry", nil); err == nil {
		t.Error("unknown category accepted")
	}
	if _, err := g.Add("t", "   ", corpus.CategorySchema, nil); err == nil {
		t.Error("blank text accepted")
	}
}

func TestIngester_ChunksLongText(t *testing.T) {
	store := &fakeItemStore{}
	g := NewIngester(store)

	long := strings.Repeat("paragraph about orders and totals\n\n", 200)
	ids, err := g.Add("orders doc", long, corpus.CategoryDocumentation, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) < 2 {
		t.Fatalf("chunks = %d, want several", len(ids))
	}
	if len(store.enqueued) != len(ids) {
		t.Errorf("jobs = %d, want one per chunk", len(store.enqueued))
	}
	for _, it := range store.inserted {
		if len(it.Text) > maxChunkChars {
			t.Errorf("chunk of %d chars exceeds cap", len(it.Text))
		}
	}
}

func TestChunkText(t *testing.T) {
	if got := ChunkText("short", 100); len(got) != 1 || got[0] != "short" {
		t.Errorf("ChunkText(short) = %v", got)
	}

	text := "first paragraph\n\nsecond paragraph\n\nthird paragraph"
	chunks := ChunkText(text, 20)
	if len(chunks) != 3 {
		t.Fatalf("chunks = %v, want 3", chunks)
	}

	// A single oversized line is cut hard rather than dropped.
	chunks = ChunkText(strings.Repeat("x", 50), 20)
	total := 0
	for _, c := range chunks {
		if len(c) > 20 {
			t.Errorf("chunk length %d exceeds cap", len(c))
		}
		total += len(c)
	}
	if total != 50 {
		t.Errorf("characters lost in chunking: %d of 50", total)
	}
}

func TestExtractHTML(t *testing.T) {
	doc := `<html><head><style>body{color:red}</style><script>alert(1)</script></head>
<body><h1>Orders</h1><p>The orders table holds one row per order.</p></body></html>`

	got, err := ExtractHTML(strings.NewReader(doc))
	if err != nil {
		t.Fatalf("ExtractHTML: %v", err)
	}
	if !strings.Contains(got, "Orders") || !strings.Contains(got, "one row per order") {
		t.Errorf("text = %q", got)
	}
	if strings.Contains(got, "alert") || strings.Contains(got, "color:red") {
		t.Errorf("script/style leaked into text: %q", got)
	}
}
