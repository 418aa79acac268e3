package store

import (
	"context"
	"fmt"
)

// ExistingThreadIDs returns the subset of ids that are already mirrored.
func (s *Store) ExistingThreadIDs(ctx context.Context, ids []string) ([]string, error) {
	var existing []string

	err := forEachChunk(ids, func(in string, args []any) error {
		rows, err := s.query(ctx, s.db, `SELECT id FROM threads WHERE id IN (`+in+`)`, args...)
		if err != nil {
			return fmt.Errorf("failed to query threads: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				return fmt.Errorf("failed to scan thread id: %w", err)
			}

			existing = append(existing, id)
		}

		return rows.Err()
	})
	if err != nil {
		return nil, err
	}

	return existing, nil
}

// UpsertThread inserts the thread or, if it exists, advances its date and snippet
// when the incoming date is newer. The subject is fixed at creation.
func (s *Store) UpsertThread(ctx context.Context, t Thread) error {
	if _, err := s.exec(ctx, s.db, `
		INSERT INTO threads (id, user_id, subject, snippet, history_id, thread_date)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			snippet = CASE WHEN excluded.thread_date > threads.thread_date THEN excluded.snippet ELSE threads.snippet END,
			history_id = CASE WHEN excluded.history_id > threads.history_id THEN excluded.history_id ELSE threads.history_id END,
			thread_date = CASE WHEN excluded.thread_date > threads.thread_date THEN excluded.thread_date ELSE threads.thread_date END
	`, t.ID, t.UserID, t.Subject, t.Snippet, int64(t.HistoryID), millis(t.Date)); err != nil {
		return fmt.Errorf("failed to upsert thread %s: %w", t.ID, err)
	}

	return nil
}
