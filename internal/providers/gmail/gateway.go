package gmail

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/time/rate"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"github.com/Martian-dev/mail-mirror/internal/mailerr"
	"github.com/Martian-dev/mail-mirror/internal/sync"
)

const me = "me"

// Options configures a Gateway.
type Options struct {
	ClientID     string
	ClientSecret string
	Topic        string

	QPS   float64
	Burst int

	// Endpoint and HTTPClient override the Gmail base URL and the OAuth2 client.
	Endpoint   string
	HTTPClient *http.Client
}

// Token is the OAuth2 credential of one mailbox.
type Token struct {
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
}

// Gateway is the Gmail REST client of one mailbox.
type Gateway struct {
	opts    Options
	oauth   *oauth2.Config
	cb      *gobreaker.CircuitBreaker
	limiter *rate.Limiter
	svc     *gmail.Service
}

var _ sync.MailProvider = (*Gateway)(nil)

func New(opts Options) *Gateway {
	if opts.QPS <= 0 {
		opts.QPS = 10
	}

	if opts.Burst <= 0 {
		opts.Burst = int(opts.QPS) * 2
	}

	return &Gateway{
		opts: opts,
		oauth: &oauth2.Config{
			ClientID:     opts.ClientID,
			ClientSecret: opts.ClientSecret,
			Scopes: []string{
				gmail.GmailReadonlyScope,
				gmail.GmailComposeScope,
				gmail.GmailModifyScope,
			},
			Endpoint: google.Endpoint,
		},
		cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "gmail-api",
			MaxRequests: 3,
			Interval:    60 * time.Second,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
				return counts.ConsecutiveFailures > 5 ||
					(counts.Requests >= 10 && failureRatio >= 0.6)
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logrus.WithFields(logrus.Fields{
					"breaker": name,
					"from":    from.String(),
					"to":      to.String(),
				}).Warn("Circuit breaker state changed")
			},
			IsSuccessful: func(err error) bool {
				return err == nil || !tripsBreaker(err)
			},
		}),
		limiter: rate.NewLimiter(rate.Limit(opts.QPS), opts.Burst),
	}
}

// Init binds the gateway to a mailbox credential. Both tokens are required.
func (g *Gateway) Init(ctx context.Context, tok Token) error {
	if tok.AccessToken == "" || tok.RefreshToken == "" {
		return fmt.Errorf("gmail credential incomplete: %w", mailerr.ErrUnauthenticated)
	}

	client := g.opts.HTTPClient
	if client == nil {
		client = g.oauth.Client(context.WithoutCancel(ctx), &oauth2.Token{
			AccessToken:  tok.AccessToken,
			RefreshToken: tok.RefreshToken,
			Expiry:       tok.Expiry,
		})
	}

	opts := []option.ClientOption{option.WithHTTPClient(client)}
	if g.opts.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(g.opts.Endpoint))
	}

	svc, err := gmail.NewService(ctx, opts...)
	if err != nil {
		return fmt.Errorf("failed to create Gmail service: %w", err)
	}

	g.svc = svc

	return nil
}

// BreakerState reports the circuit breaker state for health output.
func (g *Gateway) BreakerState() string {
	return g.cb.State().String()
}

// call runs fn under the rate limiter and the circuit breaker and maps its error.
func (g *Gateway) call(ctx context.Context, op string, fn func() error) error {
	if g.svc == nil {
		return fmt.Errorf("%s: %w", op, mailerr.ErrUnauthenticated)
	}

	if err := g.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	_, err := g.cb.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	if err != nil {
		return classify(op, err)
	}

	return nil
}

func (g *Gateway) ListThreadIDs(ctx context.Context) ([]string, error) {
	var ids []string

	err := g.call(ctx, "threads.list", func() error {
		ids = ids[:0]

		return g.svc.Users.Threads.List(me).IncludeSpamTrash(false).MaxResults(500).
			Pages(ctx, func(page *gmail.ListThreadsResponse) error {
				for _, t := range page.Threads {
					ids = append(ids, t.Id)
				}

				return nil
			})
	})
	if err != nil {
		return nil, err
	}

	return ids, nil
}

// ListMessages returns the refs of the messages matching a Gmail search query.
func (g *Gateway) ListMessages(ctx context.Context, query string) ([]sync.MessageRef, error) {
	var refs []sync.MessageRef

	err := g.call(ctx, "messages.list", func() error {
		refs = refs[:0]

		call := g.svc.Users.Messages.List(me).IncludeSpamTrash(false).MaxResults(500)
		if query != "" {
			call = call.Q(query)
		}

		return call.Pages(ctx, func(page *gmail.ListMessagesResponse) error {
			for _, m := range page.Messages {
				refs = append(refs, messageRef(m))
			}

			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	return refs, nil
}

// GetMessage fetches a message in one of the raw, full, metadata or minimal formats.
func (g *Gateway) GetMessage(ctx context.Context, id, format string) (*gmail.Message, error) {
	var msg *gmail.Message

	err := g.call(ctx, "messages.get", func() (err error) {
		msg, err = g.svc.Users.Messages.Get(me, id).Format(format).Context(ctx).Do()
		return err
	})
	if err != nil {
		return nil, err
	}

	return msg, nil
}

func (g *Gateway) GetRawMessage(ctx context.Context, id string) (*sync.RemoteMessage, error) {
	msg, err := g.GetMessage(ctx, id, "raw")
	if err != nil {
		return nil, err
	}

	raw, err := decodeRaw(msg.Raw)
	if err != nil {
		return nil, fmt.Errorf("failed to decode message %s: %w", id, err)
	}

	return &sync.RemoteMessage{
		ID:           msg.Id,
		ThreadID:     msg.ThreadId,
		LabelIDs:     msg.LabelIds,
		Snippet:      msg.Snippet,
		HistoryID:    msg.HistoryId,
		InternalDate: time.UnixMilli(msg.InternalDate),
		Raw:          raw,
	}, nil
}

func (g *Gateway) GetThread(ctx context.Context, id string) (*sync.RemoteThread, error) {
	var thread *gmail.Thread

	err := g.call(ctx, "threads.get", func() (err error) {
		thread, err = g.svc.Users.Threads.Get(me, id).Format("minimal").Context(ctx).Do()
		return err
	})
	if err != nil {
		return nil, err
	}

	remote := &sync.RemoteThread{
		ID:        thread.Id,
		HistoryID: thread.HistoryId,
		Snippet:   thread.Snippet,
	}

	for _, m := range thread.Messages {
		remote.Messages = append(remote.Messages, messageRef(m))
	}

	return remote, nil
}

// GetHistory pages through the mailbox history after since.
func (g *Gateway) GetHistory(ctx context.Context, since uint64) (*sync.HistoryDelta, error) {
	var delta *sync.HistoryDelta

	err := g.call(ctx, "history.list", func() error {
		delta = &sync.HistoryDelta{HistoryID: since}

		return g.svc.Users.History.List(me).
			StartHistoryId(since).
			HistoryTypes("messageAdded", "messageDeleted", "labelAdded", "labelRemoved").
			MaxResults(500).
			Pages(ctx, func(page *gmail.ListHistoryResponse) error {
				for _, h := range page.History {
					appendHistory(delta, h)
				}

				if page.HistoryId > delta.HistoryID {
					delta.HistoryID = page.HistoryId
				}

				return nil
			})
	})
	if err != nil {
		return nil, err
	}

	return delta, nil
}

func appendHistory(delta *sync.HistoryDelta, h *gmail.History) {
	for _, added := range h.MessagesAdded {
		if added.Message != nil {
			delta.Ops = append(delta.Ops, sync.HistoryOp{Kind: sync.OpAdd, Message: messageRef(added.Message)})
		}
	}

	for _, deleted := range h.MessagesDeleted {
		if deleted.Message != nil {
			delta.Ops = append(delta.Ops, sync.HistoryOp{Kind: sync.OpDelete, Message: messageRef(deleted.Message)})
		}
	}

	for _, l := range h.LabelsAdded {
		if l.Message != nil {
			delta.LabelChanges = append(delta.LabelChanges, sync.LabelChange{MessageID: l.Message.Id, Added: l.LabelIds})
		}
	}

	for _, l := range h.LabelsRemoved {
		if l.Message != nil {
			delta.LabelChanges = append(delta.LabelChanges, sync.LabelChange{MessageID: l.Message.Id, Removed: l.LabelIds})
		}
	}
}

func (g *Gateway) CurrentHistoryID(ctx context.Context) (uint64, error) {
	var profile *gmail.Profile

	err := g.call(ctx, "profile.get", func() (err error) {
		profile, err = g.svc.Users.GetProfile(me).Context(ctx).Do()
		return err
	})
	if err != nil {
		return 0, err
	}

	return profile.HistoryId, nil
}

// RegisterPushWatch asks Gmail to notify the configured Pub/Sub topic of inbox changes.
func (g *Gateway) RegisterPushWatch(ctx context.Context) (*sync.WatchResult, error) {
	if g.opts.Topic == "" {
		return nil, fmt.Errorf("watch: no pub/sub topic configured")
	}

	var resp *gmail.WatchResponse

	err := g.call(ctx, "watch", func() (err error) {
		resp, err = g.svc.Users.Watch(me, &gmail.WatchRequest{
			TopicName: g.opts.Topic,
			LabelIds:  []string{"INBOX"},
		}).Context(ctx).Do()

		return err
	})
	if err != nil {
		return nil, err
	}

	return &sync.WatchResult{
		HistoryID:  resp.HistoryId,
		Expiration: time.UnixMilli(resp.Expiration),
	}, nil
}

func messageRef(m *gmail.Message) sync.MessageRef {
	ref := sync.MessageRef{ID: m.Id, ThreadID: m.ThreadId}
	if m.InternalDate != 0 {
		ref.InternalDate = time.UnixMilli(m.InternalDate)
	}

	return ref
}

// decodeRaw decodes the base64url payload of a raw message, padded or not.
func decodeRaw(raw string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(strings.TrimRight(raw, "="))
}
