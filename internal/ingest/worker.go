// Package ingest feeds the corpus: it stores new items, extracts text
// from PDF and HTML sources, and backfills embeddings through a SQLite
// job queue so text becomes searchable immediately and semantic search
// catches up asynchronously.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/rosetsky/nlq/internal/backend"
	"github.com/rosetsky/nlq/internal/corpus"
	"github.com/rosetsky/nlq/internal/retrieval"
)

// Jobs claimed per iteration; their texts are embedded concurrently.
const batchSize = 8

// JobStore abstracts the job queue and corpus operations the worker needs.
// *corpus.Store satisfies it.
type JobStore interface {
	ClaimNextJob(types []string) (*corpus.Job, error)
	CompleteJob(id string) error
	FailJob(id string, errMsg string) error
	Get(id string) (corpus.Item, error)
	SetEmbedding(id string, vec []float32) error
}

// Worker processes embed_backfill jobs from the SQLite job queue.
type Worker struct {
	store    JobStore
	embedder backend.Embedder
	poll     time.Duration
	logger   *slog.Logger
}

// NewWorker creates a Worker with the given dependencies.
// If pollInterval is <= 0, it defaults to 500ms.
func NewWorker(store JobStore, embedder backend.Embedder, pollInterval time.Duration) *Worker {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	return &Worker{
		store:    store,
		embedder: embedder,
		poll:     pollInterval,
		logger:   slog.Default(),
	}
}

// Run polls for jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		done, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("worker iteration failed", "error", err)
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.poll):
		}
	}
}

type backfillPayload struct {
	ItemID string `json:"item_id"`
}

type pendingJob struct {
	job  *corpus.Job
	item corpus.Item
}

// RunOnce claims up to batchSize embed_backfill jobs, embeds their item
// texts concurrently and stores the vectors. Jobs whose payload or item
// cannot be resolved fail individually; an embedding failure fails the
// whole batch and the queue's retry budget takes over. Returns true if
// any job was claimed.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	var jobs []*corpus.Job
	for len(jobs) < batchSize {
		job, err := w.store.ClaimNextJob([]string{corpus.JobEmbedBackfill})
		if err != nil {
			if len(jobs) == 0 {
				return false, fmt.Errorf("claiming job: %w", err)
			}
			w.logger.Error("claiming job", "error", err)
			break
		}
		if job == nil {
			break
		}
		jobs = append(jobs, job)
	}
	if len(jobs) == 0 {
		return false, nil
	}

	var batch []pendingJob
	for _, job := range jobs {
		item, err := w.resolveItem(job)
		if err != nil {
			w.failJob(job.ID, err)
			continue
		}
		batch = append(batch, pendingJob{job: job, item: item})
	}
	if len(batch) == 0 {
		return true, nil
	}

	texts := make([]string, len(batch))
	for i, p := range batch {
		texts[i] = p.item.Text
	}
	vecs, err := retrieval.EmbedBatch(ctx, w.embedder, texts)
	if err != nil {
		for _, p := range batch {
			w.failJob(p.job.ID, fmt.Errorf("embedding item %s: %w", p.item.ID, err))
		}
		return true, nil
	}

	for i, p := range batch {
		if err := w.store.SetEmbedding(p.item.ID, vecs[i]); err != nil {
			w.failJob(p.job.ID, fmt.Errorf("storing embedding for %s: %w", p.item.ID, err))
			continue
		}
		if err := w.store.CompleteJob(p.job.ID); err != nil {
			w.logger.Error("failed to mark job complete", "job_id", p.job.ID, "error", err)
		}
	}
	return true, nil
}

func (w *Worker) resolveItem(job *corpus.Job) (corpus.Item, error) {
	var payload backfillPayload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &payload); err != nil {
		return corpus.Item{}, fmt.Errorf("parsing payload: %w", err)
	}

	item, err := w.store.Get(payload.ItemID)
	if err != nil {
		return corpus.Item{}, fmt.Errorf("loading item %s: %w", payload.ItemID, err)
	}
	return item, nil
}

func (w *Worker) failJob(id string, cause error) {
	w.logger.Warn("job failed", "job_id", id, "error", cause)
	if err := w.store.FailJob(id, cause.Error()); err != nil {
		w.logger.Error("failed to mark job as failed", "job_id", id, "error", err)
	}
}
