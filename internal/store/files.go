package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const fileColumns = `id, email_id, file_name, format_type, content_category, size, download_key`

func scanFile(row rowScanner) (*File, error) {
	var f File
	if err := row.Scan(&f.ID, &f.EmailID, &f.FileName, &f.FormatType, &f.Category, &f.Size, &f.DownloadKey); err != nil {
		return nil, err
	}

	return &f, nil
}

func (s *Store) FileExists(ctx context.Context, emailID, fileName string, category FileCategory) (bool, error) {
	var n int
	if err := s.queryRow(ctx, s.db, `
		SELECT COUNT(*) FROM files WHERE email_id = ? AND file_name = ? AND content_category = ?
	`, emailID, fileName, string(category)).Scan(&n); err != nil {
		return false, fmt.Errorf("failed to check file %s: %w", fileName, err)
	}

	return n > 0, nil
}

// InsertFile records a stored blob for an email. It reports false if the file already existed.
func (s *Store) InsertFile(ctx context.Context, f File) (bool, error) {
	if f.ID == "" {
		f.ID = uuid.NewString()
	}

	res, err := s.exec(ctx, s.db, `
		INSERT INTO files (id, email_id, file_name, format_type, content_category, size, download_key, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING
	`, f.ID, f.EmailID, f.FileName, f.FormatType, string(f.Category), f.Size, f.DownloadKey, time.Now().UnixMilli())
	if err != nil {
		return false, fmt.Errorf("failed to insert file %s: %w", f.FileName, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to insert file %s: %w", f.FileName, err)
	}

	return n > 0, nil
}

func (s *Store) filesOf(ctx context.Context, emailIDs []string) ([]File, error) {
	var files []File

	err := forEachChunk(emailIDs, func(in string, args []any) error {
		rows, err := s.query(ctx, s.db, `
			SELECT `+fileColumns+` FROM files WHERE email_id IN (`+in+`)
			ORDER BY email_id, content_category, file_name
		`, args...)
		if err != nil {
			return fmt.Errorf("failed to query files: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			f, err := scanFile(rows)
			if err != nil {
				return fmt.Errorf("failed to scan file: %w", err)
			}

			files = append(files, *f)
		}

		return rows.Err()
	})
	if err != nil {
		return nil, err
	}

	return files, nil
}

// ListHTMLFiles returns every rendered body file.
func (s *Store) ListHTMLFiles(ctx context.Context) ([]File, error) {
	rows, err := s.query(ctx, s.db, `SELECT `+fileColumns+` FROM files WHERE content_category = ? ORDER BY email_id`,
		string(CategoryEmail))
	if err != nil {
		return nil, fmt.Errorf("failed to query files: %w", err)
	}
	defer rows.Close()

	var files []File

	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan file: %w", err)
		}

		files = append(files, *f)
	}

	return files, rows.Err()
}

func (s *Store) UpdateDownloadKey(ctx context.Context, fileID, key string) error {
	if _, err := s.exec(ctx, s.db, `UPDATE files SET download_key = ? WHERE id = ?`, key, fileID); err != nil {
		return fmt.Errorf("failed to update download key of %s: %w", fileID, err)
	}

	return nil
}

const recipientSelect = `
	SELECT r.id, r.email_id, r.email_person_id, r.is_to, r.is_cc, r.is_bcc, ` + personColumns + `
	FROM email_to_email r
	JOIN email_persons p ON p.id = r.email_person_id`

func scanRecipient(row rowScanner) (*Recipient, error) {
	var (
		r     Recipient
		p     Person
		owner sql.NullString
	)

	if err := row.Scan(&r.ID, &r.EmailID, &r.PersonID, &r.IsTo, &r.IsCc, &r.IsBcc,
		&p.ID, &p.Email, &p.Name, &owner); err != nil {
		return nil, err
	}

	p.UserID = owner.String
	r.Person = &p

	return &r, nil
}

func (s *Store) recipientsOf(ctx context.Context, emailIDs []string) ([]Recipient, error) {
	var links []Recipient

	err := forEachChunk(emailIDs, func(in string, args []any) error {
		rows, err := s.query(ctx, s.db, recipientSelect+` WHERE r.email_id IN (`+in+`) ORDER BY r.email_id, p.email`, args...)
		if err != nil {
			return fmt.Errorf("failed to query recipients: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			r, err := scanRecipient(rows)
			if err != nil {
				return fmt.Errorf("failed to scan recipient: %w", err)
			}

			links = append(links, *r)
		}

		return rows.Err()
	})
	if err != nil {
		return nil, err
	}

	return links, nil
}

// RecipientLinks returns the To/Cc/Bcc links of one email.
func (s *Store) RecipientLinks(ctx context.Context, emailID string) ([]Recipient, error) {
	return s.recipientsOf(ctx, []string{emailID})
}

// InsertRecipientLinks creates the links, skipping pairs that already exist.
// It returns the number of links created.
func (s *Store) InsertRecipientLinks(ctx context.Context, links []Recipient) (int, error) {
	var created int

	for _, l := range links {
		if l.ID == "" {
			l.ID = uuid.NewString()
		}

		res, err := s.exec(ctx, s.db, `
			INSERT INTO email_to_email (id, email_id, email_person_id, is_to, is_cc, is_bcc)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT DO NOTHING
		`, l.ID, l.EmailID, l.PersonID, l.IsTo, l.IsCc, l.IsBcc)
		if err != nil {
			return created, fmt.Errorf("failed to link %s to %s: %w", l.PersonID, l.EmailID, err)
		}

		if n, err := res.RowsAffected(); err == nil {
			created += int(n)
		}
	}

	return created, nil
}

func (s *Store) DeleteRecipientLinks(ctx context.Context, ids []string) error {
	return forEachChunk(ids, func(in string, args []any) error {
		if _, err := s.exec(ctx, s.db, `DELETE FROM email_to_email WHERE id IN (`+in+`)`, args...); err != nil {
			return fmt.Errorf("failed to delete recipients: %w", err)
		}

		return nil
	})
}
