// Package corpus persists the retrievable corpus: schema fragments,
// documentation, and question/SQL exemplars, each optionally carrying a
// dense embedding. SQLite-backed, with brute-force cosine search over
// embedding BLOBs.
package corpus

import (
	"container/heap"
	"database/sql"
	"embed"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps a SQLite database holding corpus items, background jobs,
// and the interaction audit log.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database in dataDir and runs pending
// migrations. Pass ":memory:" as dataDir for an in-memory database (tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "nlq.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying connection for packages that need raw access.
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}
	return nil
}

// parseMigrationVersion extracts the numeric prefix from "0001_corpus.sql".
func parseMigrationVersion(name string) (int, error) {
	idx := strings.Index(name, "_")
	if idx < 1 {
		return 0, fmt.Errorf("migration %q has no numeric prefix", name)
	}
	version, err := strconv.Atoi(name[:idx])
	if err != nil {
		return 0, fmt.Errorf("migration %q has no numeric prefix: %w", name, err)
	}
	return version, nil
}

// Insert stores items. An item's text and embedding land in a single
// statement inside one transaction, so a concurrent reader never observes
// a torn item — either the row is absent or it is complete.
func (s *Store) Insert(items []Item) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning insert transaction: %w", err)
	}

	stmt, err := tx.Prepare(`
		INSERT INTO corpus_items (id, title, text, category, tags, embedding, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("preparing insert statement: %w", err)
	}
	defer stmt.Close()

	for _, it := range items {
		var blob any
		if len(it.Embedding) > 0 {
			blob = encodeFloat32s(it.Embedding)
		}
		tags := it.Tags
		if tags == "" {
			tags = "[]"
		}
		createdAt := it.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now().UTC()
		}
		if _, err := stmt.Exec(it.ID, it.Title, it.Text, it.Category, tags, blob, createdAt.Format(time.RFC3339)); err != nil {
			tx.Rollback()
			return fmt.Errorf("inserting item %s: %w", it.ID, err)
		}
	}
	return tx.Commit()
}

// SetEmbedding backfills the embedding for an existing item. Until this
// runs, the item is simply invisible to the semantic branch.
func (s *Store) SetEmbedding(id string, vec []float32) error {
	res, err := s.db.Exec("UPDATE corpus_items SET embedding = ? WHERE id = ?", encodeFloat32s(vec), id)
	if err != nil {
		return fmt.Errorf("setting embedding for %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Get returns a single item by ID.
func (s *Store) Get(id string) (Item, error) {
	row := s.db.QueryRow(`
		SELECT id, title, text, category, tags, embedding, created_at
		FROM corpus_items WHERE id = ?`, id)
	it, err := scanItem(row)
	if err == sql.ErrNoRows {
		return Item{}, ErrNotFound
	}
	return it, err
}

// Delete removes an item by ID.
func (s *Store) Delete(id string) error {
	res, err := s.db.Exec("DELETE FROM corpus_items WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting item %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// All returns every item in insertion order, without embeddings. The
// lexical branch scans text only; skipping BLOB decode keeps the scan cheap.
func (s *Store) All() ([]Item, error) {
	rows, err := s.db.Query(`
		SELECT id, title, text, category, tags, created_at
		FROM corpus_items ORDER BY rowid ASC`)
	if err != nil {
		return nil, fmt.Errorf("querying items: %w", err)
	}
	defer rows.Close()

	var items []Item
	for rows.Next() {
		var it Item
		var createdAt string
		if err := rows.Scan(&it.ID, &it.Title, &it.Text, &it.Category, &it.Tags, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}
		t, err := time.Parse(time.RFC3339, createdAt)
		if err == nil {
			it.CreatedAt = t
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// SchemaByTables returns schema fragments whose title matches one of the
// given table names, in the order the names were given. Missing tables are
// skipped, not errors.
func (s *Store) SchemaByTables(tables []string) ([]Item, error) {
	if len(tables) == 0 {
		return nil, nil
	}

	args := make([]any, 0, len(tables))
	for _, t := range tables {
		args = append(args, t)
	}
	query := `SELECT id, title, text, category, tags, created_at
		FROM corpus_items
		WHERE category = 'schema' AND title IN (?` + strings.Repeat(",?", len(tables)-1) + `)`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying schema fragments: %w", err)
	}
	defer rows.Close()

	byTitle := make(map[string]Item, len(tables))
	for rows.Next() {
		var it Item
		var createdAt string
		if err := rows.Scan(&it.ID, &it.Title, &it.Text, &it.Category, &it.Tags, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning schema fragment: %w", err)
		}
		if t, err := time.Parse(time.RFC3339, createdAt); err == nil {
			it.CreatedAt = t
		}
		byTitle[it.Title] = it
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	items := make([]Item, 0, len(byTitle))
	for _, t := range tables {
		if it, ok := byTitle[t]; ok {
			items = append(items, it)
		}
	}
	return items, nil
}

// idScore holds only the ID and score during the scan phase of SearchSimilar.
type idScore struct {
	ID    string
	Score float32
}

// SearchSimilar performs brute-force cosine similarity search over all
// embedded items, returning the top-K most similar. Items without an
// embedding are excluded (two-phase write: not yet backfilled).
func (s *Store) SearchSimilar(vector []float32, topK int) ([]ScoredItem, error) {
	if topK <= 0 {
		return nil, nil
	}

	queryNorm := norm(vector)
	if queryNorm == 0 {
		return nil, nil
	}

	// Phase 1: scan only id + embedding to find top-K candidates.
	rows, err := s.db.Query(`SELECT id, embedding FROM corpus_items WHERE embedding IS NOT NULL`)
	if err != nil {
		return nil, fmt.Errorf("querying embeddings: %w", err)
	}
	defer rows.Close()

	h := &idScoreHeap{}
	heap.Init(h)

	// Reusable buffer for decoding embeddings to avoid per-row allocations.
	var buf []float32

	for rows.Next() {
		var id string
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}

		buf, err = decodeFloat32sInto(buf, blob)
		if err != nil {
			return nil, fmt.Errorf("decoding embedding for %s: %w", id, err)
		}

		score := cosine(vector, buf, queryNorm)
		if h.Len() < topK {
			heap.Push(h, idScore{ID: id, Score: score})
		} else if score > (*h)[0].Score {
			(*h)[0] = idScore{ID: id, Score: score}
			heap.Fix(h, 0)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rows: %w", err)
	}

	if h.Len() == 0 {
		return nil, nil
	}

	// Phase 2: fetch full items only for the top-K IDs.
	topIDs := make([]string, h.Len())
	scores := make(map[string]float32, h.Len())
	for i := len(topIDs) - 1; i >= 0; i-- {
		entry := heap.Pop(h).(idScore)
		topIDs[i] = entry.ID
		scores[entry.ID] = entry.Score
	}

	args := make([]any, len(topIDs))
	for i, id := range topIDs {
		args[i] = id
	}
	query := `SELECT id, title, text, category, tags, embedding, created_at
		FROM corpus_items WHERE id IN (?` + strings.Repeat(",?", len(topIDs)-1) + `)`

	fullRows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("fetching top-K items: %w", err)
	}
	defer fullRows.Close()

	var results []ScoredItem
	for fullRows.Next() {
		it, err := scanItem(fullRows)
		if err != nil {
			return nil, err
		}
		results = append(results, ScoredItem{Item: it, Score: scores[it.ID]})
	}
	if err := fullRows.Err(); err != nil {
		return nil, fmt.Errorf("iterating full items: %w", err)
	}

	// Sort by score descending (IN query doesn't preserve order).
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
	return results, nil
}

// Count returns item counts total and per category.
func (s *Store) Count() (total int, byCategory map[string]int, err error) {
	rows, err := s.db.Query("SELECT category, COUNT(*) FROM corpus_items GROUP BY category")
	if err != nil {
		return 0, nil, fmt.Errorf("counting items: %w", err)
	}
	defer rows.Close()

	byCategory = make(map[string]int)
	for rows.Next() {
		var cat string
		var n int
		if err := rows.Scan(&cat, &n); err != nil {
			return 0, nil, err
		}
		byCategory[cat] = n
		total += n
	}
	return total, byCategory, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (Item, error) {
	var it Item
	var blob []byte
	var createdAt string
	if err := row.Scan(&it.ID, &it.Title, &it.Text, &it.Category, &it.Tags, &blob, &createdAt); err != nil {
		return Item{}, err
	}
	if len(blob) > 0 {
		vec, err := decodeFloat32s(blob)
		if err != nil {
			return Item{}, fmt.Errorf("decoding embedding for %s: %w", it.ID, err)
		}
		it.Embedding = vec
	}
	if t, err := time.Parse(time.RFC3339, createdAt); err == nil {
		it.CreatedAt = t
	}
	return it, nil
}

// encodeFloat32s serializes a float32 slice to little-endian bytes.
func encodeFloat32s(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// decodeFloat32s deserializes little-endian bytes into a new float32 slice.
func decodeFloat32s(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("byte slice length %d is not a multiple of 4", len(b))
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v, nil
}

// decodeFloat32sInto decodes little-endian bytes into the provided buffer,
// reusing it to avoid per-row allocations during search scans.
func decodeFloat32sInto(buf []float32, b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("byte slice length %d is not a multiple of 4", len(b))
	}
	n := len(b) / 4
	if cap(buf) < n {
		buf = make([]float32, n)
	} else {
		buf = buf[:n]
	}
	for i := range buf {
		buf[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return buf, nil
}

// norm returns the L2 norm of a vector.
func norm(v []float32) float32 {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	return float32(math.Sqrt(sum))
}

// cosine computes cosine similarity given a precomputed query norm.
func cosine(query, candidate []float32, queryNorm float32) float32 {
	if len(query) != len(candidate) {
		return 0
	}
	var dot, candSum float64
	for i := range query {
		dot += float64(query[i]) * float64(candidate[i])
		candSum += float64(candidate[i]) * float64(candidate[i])
	}
	candNorm := math.Sqrt(candSum)
	if candNorm == 0 || queryNorm == 0 {
		return 0
	}
	return float32(dot / (float64(queryNorm) * candNorm))
}

// idScoreHeap is a min-heap by score, used to track top-K during the scan.
type idScoreHeap []idScore

func (h idScoreHeap) Len() int           { return len(h) }
func (h idScoreHeap) Less(i, j int) bool { return h[i].Score < h[j].Score }
func (h idScoreHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *idScoreHeap) Push(x any)        { *h = append(*h, x.(idScore)) }
func (h *idScoreHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
