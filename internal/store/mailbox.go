package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/Martian-dev/mail-mirror/internal/mailerr"
)

// searchClause matches e (joined with its sender p) against subject, body, sender and recipients.
const searchClause = ` AND (LOWER(e.subject) LIKE ? ESCAPE '\' OR LOWER(e.content) LIKE ? ESCAPE '\'
	OR LOWER(p.email) LIKE ? ESCAPE '\' OR LOWER(p.name) LIKE ? ESCAPE '\'
	OR EXISTS (
		SELECT 1 FROM email_to_email r JOIN email_persons rp ON rp.id = r.email_person_id
		WHERE r.email_id = e.id AND (LOWER(rp.email) LIKE ? ESCAPE '\' OR LOWER(rp.name) LIKE ? ESCAPE '\')
	))`

func searchArgs(search string) []any {
	pattern := searchPattern(search)
	return []any{pattern, pattern, pattern, pattern, pattern, pattern}
}

// ListThreads returns the newest threads holding at least one email that carries the
// label and matches the search. Each thread comes with its emails, newest first.
func (s *Store) ListThreads(ctx context.Context, q ThreadQuery) (*ThreadPage, error) {
	limit := pageLimit(q.Limit)

	query := `
		SELECT t.id, t.user_id, t.subject, t.snippet, t.history_id, t.thread_date
		FROM threads t
		WHERE t.user_id = ? AND EXISTS (
			SELECT 1 FROM emails e JOIN email_persons p ON p.id = e.sender_id
			WHERE e.thread_id = t.id AND e.labels LIKE ?`
	args := []any{q.UserID, labelPattern(q.Label)}

	if q.Search != "" {
		query += searchClause
		args = append(args, searchArgs(q.Search)...)
	}

	query += `)`

	if q.Cursor != "" {
		var date int64

		err := s.queryRow(ctx, s.db, `SELECT thread_date FROM threads WHERE id = ? AND user_id = ?`, q.Cursor, q.UserID).Scan(&date)
		switch {
		case err == nil:
			query += ` AND (t.thread_date < ? OR (t.thread_date = ? AND t.id < ?))`
			args = append(args, date, date, q.Cursor)
		case !errors.Is(err, sql.ErrNoRows):
			return nil, fmt.Errorf("failed to resolve cursor: %w", err)
		}
	}

	query += ` ORDER BY t.thread_date DESC, t.id DESC LIMIT ?`
	args = append(args, limit+1)

	rows, err := s.query(ctx, s.db, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query threads: %w", err)
	}
	defer rows.Close()

	var threads []Thread

	for rows.Next() {
		t, err := scanThread(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan thread: %w", err)
		}

		threads = append(threads, *t)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	page := &ThreadPage{Threads: []Thread{}}

	if len(threads) > limit {
		threads = threads[:limit]
		page.NextCursor = threads[limit-1].ID
	}

	if err := s.attachEmails(ctx, threads, "DESC"); err != nil {
		return nil, err
	}

	page.Threads = append(page.Threads, threads...)

	return page, nil
}

func scanThread(row rowScanner) (*Thread, error) {
	var (
		t         Thread
		historyID int64
		date      int64
	)

	if err := row.Scan(&t.ID, &t.UserID, &t.Subject, &t.Snippet, &historyID, &date); err != nil {
		return nil, err
	}

	t.HistoryID = uint64(historyID)
	t.Date = fromMillis(date)

	return &t, nil
}

func (s *Store) attachEmails(ctx context.Context, threads []Thread, order string) error {
	if len(threads) == 0 {
		return nil
	}

	ids := make([]string, len(threads))
	index := make(map[string]int, len(threads))

	for i, t := range threads {
		ids[i] = t.ID
		index[t.ID] = i
	}

	var emails []Email

	err := forEachChunk(ids, func(in string, args []any) error {
		chunk, err := s.selectEmails(ctx, s.db, `WHERE e.thread_id IN (`+in+`) ORDER BY e.email_date `+order+`, e.id `+order, args...)
		if err != nil {
			return err
		}

		emails = append(emails, chunk...)

		return nil
	})
	if err != nil {
		return err
	}

	if err := s.withRelations(ctx, emails); err != nil {
		return err
	}

	for _, e := range emails {
		i := index[e.ThreadID]
		threads[i].Emails = append(threads[i].Emails, e)
	}

	return nil
}

// CountEmails counts the user's emails that carry the label and match the search.
func (s *Store) CountEmails(ctx context.Context, q ThreadQuery) (int, error) {
	query := `
		SELECT COUNT(*) FROM emails e JOIN email_persons p ON p.id = e.sender_id
		WHERE e.user_id = ? AND e.labels LIKE ?`
	args := []any{q.UserID, labelPattern(q.Label)}

	if q.Search != "" {
		query += searchClause
		args = append(args, searchArgs(q.Search)...)
	}

	var n int
	if err := s.queryRow(ctx, s.db, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count emails: %w", err)
	}

	return n, nil
}

// ThreadByID returns the user's thread with its emails in chronological order.
func (s *Store) ThreadByID(ctx context.Context, userID, id string) (*Thread, error) {
	t, err := scanThread(s.queryRow(ctx, s.db, `
		SELECT id, user_id, subject, snippet, history_id, thread_date FROM threads WHERE id = ? AND user_id = ?
	`, id, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("thread %s: %w", id, mailerr.ErrNotFound)
	} else if err != nil {
		return nil, fmt.Errorf("failed to load thread: %w", err)
	}

	threads := []Thread{*t}
	if err := s.attachEmails(ctx, threads, "ASC"); err != nil {
		return nil, err
	}

	return &threads[0], nil
}

func (s *Store) ListStarred(ctx context.Context, q EmailQuery) (*EmailPage, error) {
	return s.listLabelled(ctx, LabelStarred, q)
}

func (s *Store) CountStarred(ctx context.Context, userID string) (int, error) {
	return s.countLabelled(ctx, LabelStarred, userID)
}

func (s *Store) ListDrafts(ctx context.Context, q EmailQuery) (*EmailPage, error) {
	return s.listLabelled(ctx, LabelDraft, q)
}

func (s *Store) CountDrafts(ctx context.Context, userID string) (int, error) {
	return s.countLabelled(ctx, LabelDraft, userID)
}

func (s *Store) listLabelled(ctx context.Context, label string, q EmailQuery) (*EmailPage, error) {
	limit := pageLimit(q.Limit)

	where := `WHERE e.user_id = ? AND e.labels LIKE ?`
	args := []any{q.UserID, labelPattern(label)}

	if q.Cursor != "" {
		var date int64

		err := s.queryRow(ctx, s.db, `SELECT email_date FROM emails WHERE id = ? AND user_id = ?`, q.Cursor, q.UserID).Scan(&date)
		switch {
		case err == nil:
			where += ` AND (e.email_date < ? OR (e.email_date = ? AND e.id < ?))`
			args = append(args, date, date, q.Cursor)
		case !errors.Is(err, sql.ErrNoRows):
			return nil, fmt.Errorf("failed to resolve cursor: %w", err)
		}
	}

	where += ` ORDER BY e.email_date DESC, e.id DESC LIMIT ?`
	args = append(args, limit+1)

	emails, err := s.selectEmails(ctx, s.db, where, args...)
	if err != nil {
		return nil, err
	}

	page := &EmailPage{Emails: []Email{}}

	if len(emails) > limit {
		emails = emails[:limit]
		page.NextCursor = emails[limit-1].ID
	}

	if err := s.withRelations(ctx, emails); err != nil {
		return nil, err
	}

	page.Emails = append(page.Emails, emails...)

	return page, nil
}

func (s *Store) countLabelled(ctx context.Context, label, userID string) (int, error) {
	var n int
	if err := s.queryRow(ctx, s.db, `SELECT COUNT(*) FROM emails WHERE user_id = ? AND labels LIKE ?`,
		userID, labelPattern(label)).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", label, err)
	}

	return n, nil
}
