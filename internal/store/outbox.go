package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EnqueueOutbox stores an event for later publication. A repeated msgID is ignored.
func (s *Store) EnqueueOutbox(ctx context.Context, subject, eventType string, payload []byte, msgID string) error {
	now := time.Now().UnixMilli()

	if _, err := s.exec(ctx, s.db, `
		INSERT INTO outbox (id, created_at, subject, event_type, payload, msg_id, next_attempt_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (msg_id) DO NOTHING
	`, uuid.NewString(), now, subject, eventType, string(payload), msgID, now); err != nil {
		return fmt.Errorf("failed to insert outbox entry: %w", err)
	}

	return nil
}

// DequeueOutbox fetches unpublished messages that are due.
func (s *Store) DequeueOutbox(ctx context.Context, limit int) ([]OutboxMessage, error) {
	rows, err := s.query(ctx, s.db, `
		SELECT id, subject, payload, msg_id
		FROM outbox
		WHERE published_at IS NULL
		  AND next_attempt_at <= ?
		ORDER BY created_at, id
		LIMIT ?
	`, time.Now().UnixMilli(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query outbox: %w", err)
	}
	defer rows.Close()

	var messages []OutboxMessage

	for rows.Next() {
		var (
			msg     OutboxMessage
			payload string
		)

		if err := rows.Scan(&msg.ID, &msg.Subject, &payload, &msg.MsgID); err != nil {
			return nil, fmt.Errorf("failed to scan outbox row: %w", err)
		}

		msg.Payload = []byte(payload)
		messages = append(messages, msg)
	}

	return messages, rows.Err()
}

func (s *Store) MarkPublished(ctx context.Context, id string) error {
	if _, err := s.exec(ctx, s.db, `UPDATE outbox SET published_at = ? WHERE id = ?`, time.Now().UnixMilli(), id); err != nil {
		return fmt.Errorf("failed to mark published: %w", err)
	}

	return nil
}

// MarkOutboxRetry bumps the retry count and delays the next attempt by backoff.
func (s *Store) MarkOutboxRetry(ctx context.Context, id string, backoff time.Duration) error {
	if _, err := s.exec(ctx, s.db, `
		UPDATE outbox
		SET retries = retries + 1,
		    next_attempt_at = ?
		WHERE id = ?
	`, time.Now().Add(backoff).UnixMilli(), id); err != nil {
		return fmt.Errorf("failed to mark retry: %w", err)
	}

	return nil
}
