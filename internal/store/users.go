package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Martian-dev/mail-mirror/internal/mailerr"
)

const personColumns = `p.id, p.email, p.name, p.user_id`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPerson(row rowScanner) (*Person, error) {
	var (
		p      Person
		userID sql.NullString
	)

	if err := row.Scan(&p.ID, &p.Email, &p.Name, &userID); err != nil {
		return nil, err
	}

	p.UserID = userID.String

	return &p, nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// EnsureUser records the user and binds their address to an owned person row.
// An address already known as a participant is adopted rather than duplicated.
func (s *Store) EnsureUser(ctx context.Context, u User) (*Person, error) {
	email := strings.ToLower(strings.TrimSpace(u.Email))
	if u.ID == "" || email == "" {
		return nil, fmt.Errorf("user id and email are required")
	}

	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now()
	}

	if u.Provider == "" {
		u.Provider = "google"
	}

	var person *Person

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := s.exec(ctx, tx, `
			INSERT INTO users (id, full_name, first_name, last_name, email, image_url, provider, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET
				full_name = excluded.full_name,
				first_name = excluded.first_name,
				last_name = excluded.last_name,
				image_url = excluded.image_url
		`, u.ID, u.FullName, u.FirstName, u.LastName, email, u.ImageURL, u.Provider, millis(u.CreatedAt)); err != nil {
			return fmt.Errorf("failed to upsert user: %w", err)
		}

		owned, err := scanPerson(s.queryRow(ctx, tx, `SELECT `+personColumns+` FROM email_persons p WHERE p.user_id = ?`, u.ID))
		switch {
		case err == nil:
			person = owned
			return nil
		case !errors.Is(err, sql.ErrNoRows):
			return fmt.Errorf("failed to load person: %w", err)
		}

		known, err := scanPerson(s.queryRow(ctx, tx, `SELECT `+personColumns+` FROM email_persons p WHERE p.email = ?`, email))
		switch {
		case err == nil:
			if known.UserID != "" && known.UserID != u.ID {
				return fmt.Errorf("address %s already belongs to user %s", email, known.UserID)
			}

			if _, err := s.exec(ctx, tx, `UPDATE email_persons SET user_id = ? WHERE id = ?`, u.ID, known.ID); err != nil {
				return fmt.Errorf("failed to adopt person: %w", err)
			}

			known.UserID = u.ID
			person = known

			return nil

		case !errors.Is(err, sql.ErrNoRows):
			return fmt.Errorf("failed to load person: %w", err)
		}

		person = &Person{ID: uuid.NewString(), Email: email, Name: u.FullName, UserID: u.ID}

		if _, err := s.exec(ctx, tx, `INSERT INTO email_persons (id, email, name, user_id) VALUES (?, ?, ?, ?)`,
			person.ID, person.Email, person.Name, person.UserID); err != nil {
			return fmt.Errorf("failed to insert person: %w", err)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return person, nil
}

func (s *Store) UserByID(ctx context.Context, id string) (*User, error) {
	var (
		u         User
		createdAt int64
	)

	err := s.queryRow(ctx, s.db, `
		SELECT id, full_name, first_name, last_name, email, image_url, provider, created_at
		FROM users WHERE id = ?
	`, id).Scan(&u.ID, &u.FullName, &u.FirstName, &u.LastName, &u.Email, &u.ImageURL, &u.Provider, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("user %s: %w", id, mailerr.ErrNotFound)
	} else if err != nil {
		return nil, fmt.Errorf("failed to load user: %w", err)
	}

	u.CreatedAt = fromMillis(createdAt)

	return &u, nil
}

func (s *Store) PersonByUserID(ctx context.Context, userID string) (*Person, error) {
	p, err := scanPerson(s.queryRow(ctx, s.db, `SELECT `+personColumns+` FROM email_persons p WHERE p.user_id = ?`, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("person for user %s: %w", userID, mailerr.ErrNotFound)
	} else if err != nil {
		return nil, fmt.Errorf("failed to load person: %w", err)
	}

	return p, nil
}

// ResolveUserByEmail maps a mailbox address to the local user that owns it.
func (s *Store) ResolveUserByEmail(ctx context.Context, email string) (string, error) {
	var userID sql.NullString

	err := s.queryRow(ctx, s.db, `SELECT user_id FROM email_persons WHERE email = ?`,
		strings.ToLower(strings.TrimSpace(email))).Scan(&userID)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && !userID.Valid) {
		return "", fmt.Errorf("%s: %w", email, mailerr.ErrUserNotFound)
	} else if err != nil {
		return "", fmt.Errorf("failed to resolve user: %w", err)
	}

	return userID.String, nil
}

// PersonsByEmail returns the persons already known for the given addresses.
func (s *Store) PersonsByEmail(ctx context.Context, emails []string) ([]Person, error) {
	var persons []Person

	err := forEachChunk(emails, func(in string, args []any) error {
		rows, err := s.query(ctx, s.db, `SELECT `+personColumns+` FROM email_persons p WHERE p.email IN (`+in+`)`, args...)
		if err != nil {
			return fmt.Errorf("failed to query persons: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			p, err := scanPerson(rows)
			if err != nil {
				return fmt.Errorf("failed to scan person: %w", err)
			}

			persons = append(persons, *p)
		}

		return rows.Err()
	})
	if err != nil {
		return nil, err
	}

	return persons, nil
}

// InsertPersons inserts the given participants, skipping addresses that already exist.
// It returns the number of rows created.
func (s *Store) InsertPersons(ctx context.Context, persons []Person) (int, error) {
	var created int

	seen := make(map[string]struct{}, len(persons))

	for _, p := range persons {
		email := strings.ToLower(strings.TrimSpace(p.Email))
		if email == "" {
			continue
		}

		if _, ok := seen[email]; ok {
			continue
		}

		seen[email] = struct{}{}

		if p.ID == "" {
			p.ID = uuid.NewString()
		}

		res, err := s.exec(ctx, s.db, `
			INSERT INTO email_persons (id, email, name, user_id) VALUES (?, ?, ?, ?)
			ON CONFLICT DO NOTHING
		`, p.ID, email, p.Name, nullable(p.UserID))
		if err != nil {
			return created, fmt.Errorf("failed to insert person %s: %w", email, err)
		}

		if n, err := res.RowsAffected(); err == nil {
			created += int(n)
		}
	}

	return created, nil
}

func (s *Store) SaveAccountToken(ctx context.Context, tok AccountToken) error {
	if tok.Provider == "" {
		tok.Provider = "google"
	}

	if _, err := s.exec(ctx, s.db, `
		INSERT INTO accounts (user_id, provider, access_token, refresh_token, expiry, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id, provider) DO UPDATE SET
			access_token = excluded.access_token,
			refresh_token = CASE WHEN excluded.refresh_token = '' THEN accounts.refresh_token ELSE excluded.refresh_token END,
			expiry = excluded.expiry,
			updated_at = excluded.updated_at
	`, tok.UserID, tok.Provider, tok.AccessToken, tok.RefreshToken, millis(tok.Expiry), time.Now().UnixMilli()); err != nil {
		return fmt.Errorf("failed to save account token: %w", err)
	}

	return nil
}

func (s *Store) AccountToken(ctx context.Context, userID, provider string) (*AccountToken, error) {
	tok := AccountToken{UserID: userID, Provider: provider}

	var expiry int64

	err := s.queryRow(ctx, s.db, `
		SELECT access_token, refresh_token, expiry FROM accounts WHERE user_id = ? AND provider = ?
	`, userID, provider).Scan(&tok.AccessToken, &tok.RefreshToken, &expiry)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s token for %s: %w", provider, userID, mailerr.ErrNotFound)
	} else if err != nil {
		return nil, fmt.Errorf("failed to load account token: %w", err)
	}

	tok.Expiry = fromMillis(expiry)

	return &tok, nil
}
