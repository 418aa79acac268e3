package webhook

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	"github.com/sirupsen/logrus"

	"github.com/Martian-dev/mail-mirror/internal/events"
	"github.com/Martian-dev/mail-mirror/internal/store"
	mailsync "github.com/Martian-dev/mail-mirror/internal/sync"
)

// DefaultTimeout bounds the processing of one notification.
const DefaultTimeout = 5 * time.Minute

type State string

const (
	StateIdle          State = "IDLE"
	StateReceived      State = "RECEIVED"
	StateResolvingUser State = "RESOLVING_USER"
	StateSyncing       State = "SYNCING"
	StatePublishing    State = "PUBLISHING"
)

// Notification is the payload Gmail publishes on every mailbox change.
type Notification struct {
	EmailAddress string `json:"emailAddress"`
	HistoryID    uint64 `json:"historyId"`
}

type pushEnvelope struct {
	Message *struct {
		Data      string `json:"data"`
		MessageID string `json:"messageId"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

type Store interface {
	ResolveUserByEmail(ctx context.Context, email string) (string, error)
	LoadWatermark(ctx context.Context, userID string) (uint64, error)
	SaveWatermark(ctx context.Context, userID string, historyID uint64, status string) error
}

type Syncer interface {
	DeltaSync(ctx context.Context, userID string, since uint64) (mailsync.Summary, error)
}

type FeedInvalidator interface {
	InvalidateFeed(ctx context.Context, userID string) (int, error)
}

// Listener turns push notifications into delta syncs.
type Listener struct {
	store     Store
	syncer    Syncer
	cache     FeedInvalidator
	publisher events.Publisher
	timeout   time.Duration

	wg sync.WaitGroup
}

func NewListener(st Store, syncer Syncer, cache FeedInvalidator, publisher events.Publisher, timeout time.Duration) *Listener {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	return &Listener{
		store:     st,
		syncer:    syncer,
		cache:     cache,
		publisher: publisher,
		timeout:   timeout,
	}
}

// Handle acks a Pub/Sub push and processes its notification in the background.
func (l *Listener) Handle(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}

	var env pushEnvelope
	if err := json.Unmarshal(body, &env); err != nil || env.Message == nil || env.Message.Data == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed push envelope"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok"})

	n, err := DecodeNotification(env.Message.Data)
	if err != nil {
		logrus.WithField("messageId", env.Message.MessageID).WithError(err).Warn("Dropping undecodable notification")
		return
	}

	l.Dispatch(n)
}

// DecodeNotification decodes the base64 data of a push message.
func DecodeNotification(data string) (Notification, error) {
	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		if raw, err = base64.URLEncoding.DecodeString(data); err != nil {
			return Notification{}, fmt.Errorf("failed to decode notification data: %w", err)
		}
	}

	var n Notification
	if err := json.Unmarshal(raw, &n); err != nil {
		return Notification{}, fmt.Errorf("failed to parse notification: %w", err)
	}

	if n.EmailAddress == "" {
		return Notification{}, errors.New("notification has no email address")
	}

	return n, nil
}

// Dispatch processes n on a tracked goroutine. Failures are logged.
func (l *Listener) Dispatch(n Notification) {
	l.wg.Add(1)

	go func() {
		defer l.wg.Done()

		log := logrus.WithFields(logrus.Fields{"email": n.EmailAddress, "historyId": n.HistoryID})

		defer func() {
			if r := recover(); r != nil {
				log.WithField("panic", r).Errorf("Notification processing panicked\n%s", debug.Stack())
			}
		}()

		ctx, cancel := context.WithTimeout(context.Background(), l.timeout)
		defer cancel()

		if err := l.Process(ctx, n); err != nil {
			log.WithError(err).Error("Failed to process notification")
		}
	}()
}

// Wait blocks until all dispatched notifications are done.
func (l *Listener) Wait() {
	l.wg.Wait()
}

// Process runs the delta sync a notification asks for.
func (l *Listener) Process(ctx context.Context, n Notification) error {
	log := logrus.WithFields(logrus.Fields{"email": n.EmailAddress, "historyId": n.HistoryID})
	state := StateIdle

	transition := func(to State) {
		log.WithFields(logrus.Fields{"from": state, "to": to}).Debug("Notification state changed")
		state = to
	}

	transition(StateReceived)
	defer func() { transition(StateIdle) }()

	transition(StateResolvingUser)

	userID, err := l.store.ResolveUserByEmail(ctx, strings.ToLower(n.EmailAddress))
	if err != nil {
		return err
	}

	log = log.WithField("user", userID)

	since, err := l.store.LoadWatermark(ctx, userID)
	if err != nil {
		return err
	}

	if since == 0 {
		log.Info("No watermark yet, seeding from notification")
		return l.store.SaveWatermark(ctx, userID, n.HistoryID, store.StatusHooked)
	}

	transition(StateSyncing)

	summary, err := l.syncer.DeltaSync(ctx, userID, since)
	if err != nil {
		return fmt.Errorf("delta sync failed: %w", err)
	}

	watermark := max(n.HistoryID, summary.HistoryID)

	if err := l.store.SaveWatermark(ctx, userID, watermark, store.StatusHooked); err != nil {
		return err
	}

	if keys, err := l.cache.InvalidateFeed(ctx, userID); err != nil {
		log.WithError(err).Warn("Failed to invalidate feed")
	} else {
		log.WithField("keys", keys).Debug("Invalidated feed")
	}

	transition(StatePublishing)

	if err := l.publisher.Publish(ctx, events.Event{
		UserID:    userID,
		HistoryID: watermark,
		Kind:      events.KindMailboxSynced,
	}); err != nil {
		return fmt.Errorf("failed to publish sync event: %w", err)
	}

	log.WithFields(logrus.Fields{
		"persisted": summary.Persisted,
		"deleted":   summary.Deleted,
		"watermark": watermark,
	}).Info("Notification processed")

	return nil
}
