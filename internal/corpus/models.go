package corpus

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Item categories. Schema fragments describe one table each (Title holds
// the table name); exemplars are prior question/SQL pairs; documentation
// is free text.
const (
	CategorySchema        = "schema"
	CategoryDocumentation = "documentation"
	CategoryExemplar      = "exemplar"
)

// Item is one retrievable unit of corpus text. Immutable once stored;
// the embedding may be backfilled after insertion (two-phase write).
type Item struct {
	ID        string
	Title     string
	Text      string
	Category  string
	Tags      string // JSON array stored as text
	Embedding []float32
	CreatedAt time.Time
}

// ScoredItem is an Item with a similarity score attached.
type ScoredItem struct {
	Item
	Score float32
}

// Job is one unit of background work (embedding backfill).
type Job struct {
	ID          string
	Type        string
	PayloadJSON string
	Status      string // "pending", "running", "completed", "failed"
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string
}

// Interaction is one audited question→query run.
type Interaction struct {
	ID           string
	CreatedAt    time.Time
	Question     string
	Domain       string
	BackendUsed  string
	GeneratedSQL string
	RewrittenSQL string
	Role         string
	ElapsedMs    int64
	Status       string
}
