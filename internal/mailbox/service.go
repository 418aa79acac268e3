package mailbox

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Martian-dev/mail-mirror/internal/blob"
	"github.com/Martian-dev/mail-mirror/internal/cache"
	"github.com/Martian-dev/mail-mirror/internal/events"
	"github.com/Martian-dev/mail-mirror/internal/mailerr"
	"github.com/Martian-dev/mail-mirror/internal/providers/gmail"
	"github.com/Martian-dev/mail-mirror/internal/store"
	mailsync "github.com/Martian-dev/mail-mirror/internal/sync"
)

// Store is the mirror store the service reads and writes.
type Store interface {
	EnsureUser(ctx context.Context, u store.User) (*store.Person, error)
	PersonByUserID(ctx context.Context, userID string) (*store.Person, error)
	PersonsByEmail(ctx context.Context, emails []string) ([]store.Person, error)
	InsertPersons(ctx context.Context, persons []store.Person) (int, error)

	UpsertThread(ctx context.Context, t store.Thread) error
	ListThreads(ctx context.Context, q store.ThreadQuery) (*store.ThreadPage, error)
	CountEmails(ctx context.Context, q store.ThreadQuery) (int, error)
	ThreadByID(ctx context.Context, userID, id string) (*store.Thread, error)
	ListStarred(ctx context.Context, q store.EmailQuery) (*store.EmailPage, error)
	CountStarred(ctx context.Context, userID string) (int, error)
	ListDrafts(ctx context.Context, q store.EmailQuery) (*store.EmailPage, error)
	CountDrafts(ctx context.Context, userID string) (int, error)

	EmailByID(ctx context.Context, id string) (*store.Email, error)
	EmailsByIDs(ctx context.Context, ids []string) ([]store.Email, error)
	InsertEmail(ctx context.Context, e store.Email) error
	DeleteEmail(ctx context.Context, id string) error
	UpdateLabels(ctx context.Context, id string, labels []string) error
	FindDraftInThread(ctx context.Context, userID, threadID string) (*store.Email, error)
	RekeyEmail(ctx context.Context, oldID string, updated store.Email) error

	InsertFile(ctx context.Context, f store.File) (bool, error)
	ListHTMLFiles(ctx context.Context) ([]store.File, error)
	UpdateDownloadKey(ctx context.Context, fileID, key string) error
	InsertRecipientLinks(ctx context.Context, links []store.Recipient) (int, error)
	DeleteRecipientLinks(ctx context.Context, ids []string) error

	LoadWatermark(ctx context.Context, userID string) (uint64, error)
	SaveWatermark(ctx context.Context, userID string, historyID uint64, status string) error
}

// Syncer runs mailbox reconciliation.
type Syncer interface {
	Backfill(ctx context.Context, userID string) (mailsync.Summary, error)
	DeltaSync(ctx context.Context, userID string, since uint64) (mailsync.Summary, error)
	RegisterWatch(ctx context.Context, userID string) (*mailsync.WatchResult, error)
}

// Drafts is the remote draft surface of a user's mailbox.
type Drafts interface {
	CreateDraft(ctx context.Context, d gmail.Draft) (*gmail.DraftRef, error)
	UpdateDraft(ctx context.Context, id string, d gmail.Draft) (*gmail.DraftRef, error)
	SendDraft(ctx context.Context, id string) (*mailsync.MessageRef, error)
	DeleteDraft(ctx context.Context, id string) error
	GetRawMessage(ctx context.Context, id string) (*mailsync.RemoteMessage, error)
}

// DraftsFactory returns the initialised draft client of a user.
type DraftsFactory func(ctx context.Context, userID string) (Drafts, error)

type Options struct {
	Store     Store
	Cache     *cache.Cache
	Blobs     blob.Store
	Syncer    Syncer
	Drafts    DraftsFactory
	Publisher events.Publisher
	TTL       time.Duration
}

// Service serves the mirrored mailbox and its mutations.
type Service struct {
	store     Store
	cache     *cache.Cache
	blobs     blob.Store
	syncer    Syncer
	drafts    DraftsFactory
	publisher events.Publisher
	ttl       time.Duration
}

func New(opts Options) *Service {
	if opts.TTL <= 0 {
		opts.TTL = cache.DefaultTTL
	}

	return &Service{
		store:     opts.Store,
		cache:     opts.Cache,
		blobs:     opts.Blobs,
		syncer:    opts.Syncer,
		drafts:    opts.Drafts,
		publisher: opts.Publisher,
		ttl:       opts.TTL,
	}
}

// Label names accepted by the list endpoints.
const (
	LabelInbox = "inbox"
	LabelSent  = "sent"
)

func mirrorLabel(label string) (string, string, error) {
	switch strings.ToLower(label) {
	case "", LabelInbox:
		return LabelInbox, store.LabelInbox, nil
	case LabelSent:
		return LabelSent, store.LabelSent, nil
	default:
		return "", "", fmt.Errorf("unknown label %q: %w", label, mailerr.ErrInvalidArgument)
	}
}

// FetchEmails returns a page of threads, served from the cache when possible.
func (s *Service) FetchEmails(ctx context.Context, q store.ThreadQuery) (*store.ThreadPage, error) {
	name, label, err := mirrorLabel(q.Label)
	if err != nil {
		return nil, err
	}

	key := cache.EmailsKey(q.UserID, q.Search, name, q.Cursor)

	var page store.ThreadPage
	if s.lookup(ctx, key, &page) {
		return &page, nil
	}

	q.Label = label

	result, err := s.store.ListThreads(ctx, q)
	if err != nil {
		return nil, err
	}

	s.remember(ctx, q.UserID, key, result)

	return result, nil
}

// CountEmails counts the emails a FetchEmails query spans.
func (s *Service) CountEmails(ctx context.Context, q store.ThreadQuery) (int, error) {
	name, label, err := mirrorLabel(q.Label)
	if err != nil {
		return 0, err
	}

	key := cache.CountKey(q.UserID, q.Search, name)

	var count int
	if s.lookup(ctx, key, &count) {
		return count, nil
	}

	q.Label = label

	count, err = s.store.CountEmails(ctx, q)
	if err != nil {
		return 0, err
	}

	s.remember(ctx, q.UserID, key, count)

	return count, nil
}

func (s *Service) lookup(ctx context.Context, key string, v any) bool {
	err := s.cache.GetJSON(ctx, key, v)
	if err == nil {
		return true
	}

	if !errors.Is(err, cache.ErrMiss) {
		logrus.WithField("key", key).WithError(err).Warn("Cache read failed")
	}

	return false
}

func (s *Service) remember(ctx context.Context, userID, key string, v any) {
	log := logrus.WithFields(logrus.Fields{"user": userID, "key": key})

	if err := s.cache.SetJSON(ctx, key, v, s.ttl); err != nil {
		log.WithError(err).Warn("Cache write failed")
		return
	}

	if err := s.cache.AddToFeed(ctx, userID, key); err != nil {
		log.WithError(err).Warn("Failed to register cache key")
	}
}

// invalidate drops the user's cached queries after a mutation.
func (s *Service) invalidate(ctx context.Context, userID string) {
	if _, err := s.cache.InvalidateFeed(ctx, userID); err != nil {
		logrus.WithField("user", userID).WithError(err).Warn("Failed to invalidate feed")
	}
}

func (s *Service) publish(ctx context.Context, userID string, historyID uint64) {
	if s.publisher == nil {
		return
	}

	if err := s.publisher.Publish(ctx, events.Event{
		UserID:    userID,
		HistoryID: historyID,
		Kind:      events.KindMailboxSynced,
	}); err != nil {
		logrus.WithField("user", userID).WithError(err).Warn("Failed to publish sync event")
	}
}

// GetEmail returns an email of the user with its recipients and files.
func (s *Service) GetEmail(ctx context.Context, userID, id string) (*store.Email, error) {
	email, err := s.store.EmailByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if email.UserID != userID {
		return nil, fmt.Errorf("email %s: %w", id, mailerr.ErrNotFound)
	}

	return email, nil
}

func (s *Service) GetThread(ctx context.Context, userID, id string) (*store.Thread, error) {
	return s.store.ThreadByID(ctx, userID, id)
}

func (s *Service) StarredEmails(ctx context.Context, q store.EmailQuery) (*store.EmailPage, error) {
	return s.store.ListStarred(ctx, q)
}

func (s *Service) StarredCount(ctx context.Context, userID string) (int, error) {
	return s.store.CountStarred(ctx, userID)
}

func (s *Service) Drafts(ctx context.Context, q store.EmailQuery) (*store.EmailPage, error) {
	return s.store.ListDrafts(ctx, q)
}

func (s *Service) DraftsCount(ctx context.Context, userID string) (int, error) {
	return s.store.CountDrafts(ctx, userID)
}

// UpdateMetadata applies label additions and removals to the user's emails and
// returns how many were updated.
func (s *Service) UpdateMetadata(ctx context.Context, userID string, ids, add, remove []string) (int, error) {
	if len(ids) == 0 {
		return 0, fmt.Errorf("no email ids: %w", mailerr.ErrInvalidArgument)
	}

	emails, err := s.store.EmailsByIDs(ctx, ids)
	if err != nil {
		return 0, err
	}

	var updated int

	for _, email := range emails {
		if email.UserID != userID {
			continue
		}

		if err := s.store.UpdateLabels(ctx, email.ID, mailsync.ApplyLabels(email.Labels, add, remove)); err != nil {
			if errors.Is(err, mailerr.ErrNotFound) {
				continue
			}

			if updated > 0 {
				s.invalidate(ctx, userID)
			}

			return updated, err
		}

		updated++
	}

	if updated == 0 {
		return 0, fmt.Errorf("emails %v: %w", ids, mailerr.ErrNotFound)
	}

	s.invalidate(ctx, userID)

	return updated, nil
}

// Download returns a stored blob if it belongs to one of the user's emails.
func (s *Service) Download(ctx context.Context, userID, key string) ([]byte, error) {
	messageID, _, ok := strings.Cut(strings.TrimPrefix(key, "/"), "/")
	if !ok || messageID == "" {
		return nil, fmt.Errorf("blob key %q: %w", key, mailerr.ErrInvalidArgument)
	}

	if _, err := s.GetEmail(ctx, userID, messageID); err != nil {
		return nil, err
	}

	return s.blobs.Get(ctx, strings.TrimPrefix(key, "/"))
}
