package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Martian-dev/mail-mirror/internal/mailerr"
)

const emailSelect = `
	SELECT e.id, e.user_id, e.thread_id, e.sender_id, e.subject, e.content, e.snippet,
	       e.email_date, e.labels, e.draft_id, ` + personColumns + `
	FROM emails e
	JOIN email_persons p ON p.id = e.sender_id`

func scanEmail(row rowScanner) (*Email, error) {
	var (
		e      Email
		date   int64
		labels string
		sender Person
		owner  sql.NullString
	)

	if err := row.Scan(&e.ID, &e.UserID, &e.ThreadID, &e.SenderID, &e.Subject, &e.Content, &e.Snippet,
		&date, &labels, &e.DraftID, &sender.ID, &sender.Email, &sender.Name, &owner); err != nil {
		return nil, err
	}

	sender.UserID = owner.String

	e.Date = fromMillis(date)
	e.Labels = decodeLabels(labels)
	e.Sender = &sender

	return &e, nil
}

func (s *Store) selectEmails(ctx context.Context, q querier, where string, args ...any) ([]Email, error) {
	rows, err := s.query(ctx, q, emailSelect+" "+where, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query emails: %w", err)
	}
	defer rows.Close()

	var emails []Email

	for rows.Next() {
		e, err := scanEmail(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan email: %w", err)
		}

		emails = append(emails, *e)
	}

	return emails, rows.Err()
}

// withRelations fills the recipients and files of emails in place.
func (s *Store) withRelations(ctx context.Context, emails []Email) error {
	if len(emails) == 0 {
		return nil
	}

	ids := make([]string, len(emails))
	index := make(map[string]int, len(emails))

	for i, e := range emails {
		ids[i] = e.ID
		index[e.ID] = i
	}

	links, err := s.recipientsOf(ctx, ids)
	if err != nil {
		return err
	}

	for _, l := range links {
		i := index[l.EmailID]
		emails[i].Recipients = append(emails[i].Recipients, l)
	}

	files, err := s.filesOf(ctx, ids)
	if err != nil {
		return err
	}

	for _, f := range files {
		i := index[f.EmailID]
		emails[i].Files = append(emails[i].Files, f)
	}

	return nil
}

func (s *Store) EmailExists(ctx context.Context, id string) (bool, error) {
	var n int
	if err := s.queryRow(ctx, s.db, `SELECT COUNT(*) FROM emails WHERE id = ?`, id).Scan(&n); err != nil {
		return false, fmt.Errorf("failed to check email %s: %w", id, err)
	}

	return n > 0, nil
}

// InsertEmail creates the email row. It returns ErrPersistenceConflict if the id exists.
func (s *Store) InsertEmail(ctx context.Context, e Email) error {
	res, err := s.exec(ctx, s.db, `
		INSERT INTO emails (id, user_id, thread_id, sender_id, subject, content, snippet, email_date, labels, draft_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING
	`, e.ID, e.UserID, e.ThreadID, e.SenderID, e.Subject, e.Content, e.Snippet,
		millis(e.Date), encodeLabels(e.Labels), e.DraftID, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to insert email %s: %w", e.ID, err)
	}

	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("email %s: %w", e.ID, mailerr.ErrPersistenceConflict)
	}

	return nil
}

// DeleteEmail removes the email with its links and files. It returns ErrNotFound if absent.
func (s *Store) DeleteEmail(ctx context.Context, id string) error {
	res, err := s.exec(ctx, s.db, `DELETE FROM emails WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete email %s: %w", id, err)
	}

	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("email %s: %w", id, mailerr.ErrNotFound)
	}

	return nil
}

// UpdateLabels replaces the labels of the email. It returns ErrNotFound if absent.
func (s *Store) UpdateLabels(ctx context.Context, id string, labels []string) error {
	res, err := s.exec(ctx, s.db, `UPDATE emails SET labels = ? WHERE id = ?`, encodeLabels(labels), id)
	if err != nil {
		return fmt.Errorf("failed to update labels of %s: %w", id, err)
	}

	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("email %s: %w", id, mailerr.ErrNotFound)
	}

	return nil
}

// EmailsByIDs returns the mirrored emails among ids, without relations.
func (s *Store) EmailsByIDs(ctx context.Context, ids []string) ([]Email, error) {
	var emails []Email

	err := forEachChunk(ids, func(in string, args []any) error {
		chunk, err := s.selectEmails(ctx, s.db, `WHERE e.id IN (`+in+`)`, args...)
		if err != nil {
			return err
		}

		emails = append(emails, chunk...)

		return nil
	})
	if err != nil {
		return nil, err
	}

	return emails, nil
}

// EmailByID returns the email with its recipients and files.
func (s *Store) EmailByID(ctx context.Context, id string) (*Email, error) {
	emails, err := s.selectEmails(ctx, s.db, `WHERE e.id = ?`, id)
	if err != nil {
		return nil, err
	}

	if len(emails) == 0 {
		return nil, fmt.Errorf("email %s: %w", id, mailerr.ErrNotFound)
	}

	if err := s.withRelations(ctx, emails); err != nil {
		return nil, err
	}

	return &emails[0], nil
}

// FindDraftInThread returns the user's draft in the thread, if any.
func (s *Store) FindDraftInThread(ctx context.Context, userID, threadID string) (*Email, error) {
	emails, err := s.selectEmails(ctx, s.db, `
		WHERE e.user_id = ? AND e.thread_id = ? AND e.labels LIKE ?
		ORDER BY e.created_at DESC LIMIT 1
	`, userID, threadID, labelPattern(LabelDraft))
	if err != nil {
		return nil, err
	}

	if len(emails) == 0 {
		return nil, fmt.Errorf("draft in thread %s: %w", threadID, mailerr.ErrNotFound)
	}

	if err := s.withRelations(ctx, emails); err != nil {
		return nil, err
	}

	return &emails[0], nil
}

// RekeyEmail replaces the row oldID with updated, moving links and files along when
// the id changes. If updated.ID is already mirrored the old row is dropped instead.
func (s *Store) RekeyEmail(ctx context.Context, oldID string, updated Email) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var createdAt int64

		err := s.queryRow(ctx, tx, `SELECT created_at FROM emails WHERE id = ?`, oldID).Scan(&createdAt)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("email %s: %w", oldID, mailerr.ErrNotFound)
		} else if err != nil {
			return fmt.Errorf("failed to load email %s: %w", oldID, err)
		}

		if updated.ID == "" || updated.ID == oldID {
			if _, err := s.exec(ctx, tx, `
				UPDATE emails SET thread_id = ?, sender_id = ?, subject = ?, content = ?, snippet = ?,
					email_date = ?, labels = ?, draft_id = ?
				WHERE id = ?
			`, updated.ThreadID, updated.SenderID, updated.Subject, updated.Content, updated.Snippet,
				millis(updated.Date), encodeLabels(updated.Labels), updated.DraftID, oldID); err != nil {
				return fmt.Errorf("failed to update email %s: %w", oldID, err)
			}

			return nil
		}

		res, err := s.exec(ctx, tx, `
			INSERT INTO emails (id, user_id, thread_id, sender_id, subject, content, snippet, email_date, labels, draft_id, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (id) DO NOTHING
		`, updated.ID, updated.UserID, updated.ThreadID, updated.SenderID, updated.Subject, updated.Content,
			updated.Snippet, millis(updated.Date), encodeLabels(updated.Labels), updated.DraftID, createdAt)
		if err != nil {
			return fmt.Errorf("failed to insert email %s: %w", updated.ID, err)
		}

		if n, err := res.RowsAffected(); err == nil && n > 0 {
			if _, err := s.exec(ctx, tx, `UPDATE email_to_email SET email_id = ? WHERE email_id = ?`, updated.ID, oldID); err != nil {
				return fmt.Errorf("failed to move recipients: %w", err)
			}

			if _, err := s.exec(ctx, tx, `UPDATE files SET email_id = ? WHERE email_id = ?`, updated.ID, oldID); err != nil {
				return fmt.Errorf("failed to move files: %w", err)
			}
		}

		if _, err := s.exec(ctx, tx, `DELETE FROM emails WHERE id = ?`, oldID); err != nil {
			return fmt.Errorf("failed to delete email %s: %w", oldID, err)
		}

		return nil
	})
}
