package corpus

import (
	"database/sql"
	"fmt"
	"time"
)

// SaveInteraction appends one question→query run to the audit log.
func (s *Store) SaveInteraction(i Interaction) error {
	createdAt := i.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := s.db.Exec(`
		INSERT INTO interactions (id, created_at, question, domain, backend_used, generated_sql, rewritten_sql, role, elapsed_ms, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		i.ID, createdAt.Format(time.RFC3339), i.Question, i.Domain, i.BackendUsed,
		i.GeneratedSQL, i.RewrittenSQL, i.Role, i.ElapsedMs, i.Status)
	if err != nil {
		return fmt.Errorf("saving interaction %s: %w", i.ID, err)
	}
	return nil
}

// GetInteraction returns one audit entry by ID.
func (s *Store) GetInteraction(id string) (Interaction, error) {
	row := s.db.QueryRow(`
		SELECT id, created_at, question, domain, backend_used, generated_sql, rewritten_sql, role, elapsed_ms, status
		FROM interactions WHERE id = ?`, id)

	i, err := scanInteraction(row)
	if err == sql.ErrNoRows {
		return Interaction{}, ErrNotFound
	}
	return i, err
}

// RecentInteractions returns the newest entries, newest first.
func (s *Store) RecentInteractions(limit int) ([]Interaction, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(`
		SELECT id, created_at, question, domain, backend_used, generated_sql, rewritten_sql, role, elapsed_ms, status
		FROM interactions ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing interactions: %w", err)
	}
	defer rows.Close()

	var out []Interaction
	for rows.Next() {
		i, err := scanInteraction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, i)
	}
	return out, rows.Err()
}

// DeleteInteraction removes one audit entry.
func (s *Store) DeleteInteraction(id string) error {
	res, err := s.db.Exec("DELETE FROM interactions WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting interaction %s: %w", id, err)
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

func scanInteraction(row rowScanner) (Interaction, error) {
	var i Interaction
	var createdAt string
	if err := row.Scan(&i.ID, &createdAt, &i.Question, &i.Domain, &i.BackendUsed,
		&i.GeneratedSQL, &i.RewrittenSQL, &i.Role, &i.ElapsedMs, &i.Status); err != nil {
		return Interaction{}, err
	}
	if t, err := time.Parse(time.RFC3339, createdAt); err == nil {
		i.CreatedAt = t
	}
	return i, nil
}
