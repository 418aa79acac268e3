package sync

import (
	"context"
	"time"
)

// ProviderName represents email provider types
type ProviderName string

const ProviderGoogle ProviderName = "GOOGLE"

// MessageRef identifies a remote message without its content.
type MessageRef struct {
	ID           string
	ThreadID     string
	InternalDate time.Time
}

// RemoteThread is a thread as listed by the provider, with its message refs.
type RemoteThread struct {
	ID        string
	HistoryID uint64
	Snippet   string
	Messages  []MessageRef
}

// RemoteMessage is a fetched message with its raw RFC 5322 content.
type RemoteMessage struct {
	ID           string
	ThreadID     string
	LabelIDs     []string
	Snippet      string
	HistoryID    uint64
	InternalDate time.Time
	Raw          []byte
}

type OpKind int

const (
	OpAdd OpKind = iota
	OpDelete
)

func (k OpKind) String() string {
	if k == OpDelete {
		return "delete"
	}

	return "add"
}

// HistoryOp is one message addition or deletion in provider history order.
type HistoryOp struct {
	Kind    OpKind
	Message MessageRef
}

// LabelChange records labels added to or removed from one message.
type LabelChange struct {
	MessageID string
	Added     []string
	Removed   []string
}

// HistoryDelta is everything that changed since a history id.
type HistoryDelta struct {
	Ops          []HistoryOp
	LabelChanges []LabelChange

	// HistoryID is the latest history id the provider reported.
	HistoryID uint64
}

// WatchResult is the outcome of registering a push watch.
type WatchResult struct {
	HistoryID  uint64
	Expiration time.Time
}

// MailProvider interface for provider-agnostic mail sync
type MailProvider interface {
	ListThreadIDs(ctx context.Context) ([]string, error)
	GetThread(ctx context.Context, id string) (*RemoteThread, error)
	GetRawMessage(ctx context.Context, id string) (*RemoteMessage, error)

	// GetHistory returns the changes after since. It fails with mailerr.ErrNotFound
	// when since is too old to be replayed.
	GetHistory(ctx context.Context, since uint64) (*HistoryDelta, error)

	CurrentHistoryID(ctx context.Context) (uint64, error)
	RegisterPushWatch(ctx context.Context) (*WatchResult, error)
}

// ProviderFactory returns an initialised provider for the user's mailbox.
type ProviderFactory func(ctx context.Context, userID string) (MailProvider, error)
