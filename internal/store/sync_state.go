package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Martian-dev/mail-mirror/internal/mailerr"
)

// LoadWatermark returns the last processed history id of the user, or 0 if the
// mailbox was never synced.
func (s *Store) LoadWatermark(ctx context.Context, userID string) (uint64, error) {
	var historyID int64

	err := s.queryRow(ctx, s.db, `SELECT history_id FROM sync_state WHERE user_id = ?`, userID).Scan(&historyID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}

		return 0, fmt.Errorf("failed to load watermark: %w", err)
	}

	return uint64(historyID), nil
}

// SaveWatermark records historyID for the user. The stored value never moves backwards.
func (s *Store) SaveWatermark(ctx context.Context, userID string, historyID uint64, status string) error {
	now := time.Now().UnixMilli()

	if _, err := s.exec(ctx, s.db, `
		INSERT INTO sync_state (user_id, history_id, status, last_synced_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (user_id) DO UPDATE SET
			history_id = CASE WHEN excluded.history_id > sync_state.history_id THEN excluded.history_id ELSE sync_state.history_id END,
			status = excluded.status,
			last_error = '',
			retry_count = 0,
			last_synced_at = excluded.last_synced_at,
			updated_at = excluded.updated_at
	`, userID, int64(historyID), status, now, now); err != nil {
		return fmt.Errorf("failed to save watermark: %w", err)
	}

	return nil
}

// UpdateSyncStatus records the outcome of a sync. A non-empty errMsg bumps the retry count.
func (s *Store) UpdateSyncStatus(ctx context.Context, userID, status, errMsg string) error {
	retry := 0
	if errMsg != "" {
		retry = 1
	}

	if _, err := s.exec(ctx, s.db, `
		INSERT INTO sync_state (user_id, status, last_error, retry_count, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (user_id) DO UPDATE SET
			status = excluded.status,
			last_error = excluded.last_error,
			retry_count = sync_state.retry_count + excluded.retry_count,
			updated_at = excluded.updated_at
	`, userID, status, errMsg, retry, time.Now().UnixMilli()); err != nil {
		return fmt.Errorf("failed to update sync status: %w", err)
	}

	return nil
}

func (s *Store) LoadSyncState(ctx context.Context, userID string) (*SyncState, error) {
	var (
		st        SyncState
		historyID int64
		synced    int64
	)

	err := s.queryRow(ctx, s.db, `
		SELECT user_id, provider, history_id, status, last_error, retry_count, last_synced_at
		FROM sync_state WHERE user_id = ?
	`, userID).Scan(&st.UserID, &st.Provider, &historyID, &st.Status, &st.LastError, &st.RetryCount, &synced)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("sync state of %s: %w", userID, mailerr.ErrNotFound)
	} else if err != nil {
		return nil, fmt.Errorf("failed to load sync state: %w", err)
	}

	st.HistoryID = uint64(historyID)
	st.LastSyncedAt = fromMillis(synced)

	return &st, nil
}

// SyncedUsers returns the users that have a stored watermark.
func (s *Store) SyncedUsers(ctx context.Context) ([]string, error) {
	rows, err := s.query(ctx, s.db, `SELECT user_id FROM sync_state WHERE history_id > 0 ORDER BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query synced users: %w", err)
	}
	defer rows.Close()

	var users []string

	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan user id: %w", err)
		}

		users = append(users, id)
	}

	return users, rows.Err()
}
