package events

import (
	"context"
	"errors"
	"fmt"
)

// SyncFinishedPayload is the opaque relay message clients refresh on.
const SyncFinishedPayload = "gmail-webhook-has-synced"

type Kind string

const (
	KindMailboxSynced Kind = "mailbox.synced"
)

// Event announces a change to a user's mirrored mailbox.
type Event struct {
	UserID    string `json:"userId"`
	HistoryID uint64 `json:"historyId"`
	Kind      Kind   `json:"kind"`
}

// Subject is the NATS subject the event is published under.
func (e Event) Subject() string {
	return fmt.Sprintf("user.%s.%s", e.UserID, e.Kind)
}

// MsgID dedupes repeated publications of the same event.
func (e Event) MsgID() string {
	return fmt.Sprintf("%s|%s|%d", e.Kind, e.UserID, e.HistoryID)
}

type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// Fanout publishes every event to all of its publishers.
type Fanout []Publisher

func (f Fanout) Publish(ctx context.Context, event Event) error {
	var errs []error

	for _, p := range f {
		if err := p.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}
