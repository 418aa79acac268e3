package app

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/Martian-dev/mail-mirror/internal/blob"
	"github.com/Martian-dev/mail-mirror/internal/cache"
	"github.com/Martian-dev/mail-mirror/internal/config"
	"github.com/Martian-dev/mail-mirror/internal/events"
	"github.com/Martian-dev/mail-mirror/internal/mailbox"
	"github.com/Martian-dev/mail-mirror/internal/mailerr"
	"github.com/Martian-dev/mail-mirror/internal/providers/gmail"
	"github.com/Martian-dev/mail-mirror/internal/store"
	mailsync "github.com/Martian-dev/mail-mirror/internal/sync"
)

const providerGoogle = "google"

// deps holds the process-wide dependencies of a command.
type deps struct {
	cfg      *config.Config
	store    *store.Store
	rdb      *redis.Client
	cache    *cache.Cache
	blobs    blob.Store
	gateways *gatewayPool
	engine   *mailsync.Engine

	closers []func() error
}

func openDeps(ctx context.Context, cfg *config.Config) (*deps, error) {
	d := &deps{cfg: cfg}

	st, err := store.Open(ctx, cfg.Database.Driver, cfg.Database.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	d.store = st
	d.closers = append(d.closers, st.Close)

	redisOpts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		d.Close()
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}

	d.rdb = redis.NewClient(redisOpts)
	d.cache = cache.New(d.rdb)
	d.closers = append(d.closers, d.rdb.Close)

	blobs, err := openBlobs(ctx, cfg)
	if err != nil {
		d.Close()
		return nil, err
	}

	d.blobs = blobs
	if c, ok := blobs.(interface{ Close() error }); ok {
		d.closers = append(d.closers, c.Close)
	}

	d.gateways = newGatewayPool(gatewayOptions(cfg), st)
	d.engine = mailsync.NewEngine(mailsync.Options{
		Providers:  d.gateways.Provider,
		Store:      st,
		Blobs:      blobs,
		BatchSize:  cfg.Sync.BatchSize,
		FetchChunk: cfg.Sync.FetchChunk,
		ApplyChunk: cfg.Sync.ApplyChunk,
	})

	return d, nil
}

func openBlobs(ctx context.Context, cfg *config.Config) (blob.Store, error) {
	switch cfg.Blob.Driver {
	case "badger":
		b, err := blob.NewBadgerStore(cfg.Blob.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to open blob store: %w", err)
		}

		return b, nil
	default:
		s, err := blob.NewS3Store(ctx, blob.S3Options{
			Bucket:          cfg.S3.Bucket,
			Region:          cfg.S3.Region,
			Endpoint:        cfg.S3.Endpoint,
			AccessKeyID:     cfg.S3.AccessKeyID,
			SecretAccessKey: cfg.S3.SecretAccessKey,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to open blob store: %w", err)
		}

		return s, nil
	}
}

func gatewayOptions(cfg *config.Config) gmail.Options {
	return gmail.Options{
		ClientID:     cfg.Google.ClientID,
		ClientSecret: cfg.Google.ClientSecret,
		Topic:        cfg.Google.Topic,
		QPS:          cfg.Gmail.QPS,
		Burst:        cfg.Gmail.Burst,
	}
}

// mailbox builds the mailbox service publishing through publisher.
func (d *deps) mailbox(publisher events.Publisher) *mailbox.Service {
	return mailbox.New(mailbox.Options{
		Store:     d.store,
		Cache:     d.cache,
		Blobs:     d.blobs,
		Syncer:    d.engine,
		Drafts:    d.gateways.Drafts,
		Publisher: publisher,
		TTL:       d.cfg.Cache.TTL,
	})
}

// Close releases the dependencies in reverse order of opening.
func (d *deps) Close() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](); err != nil {
			logrus.WithError(err).Warn("Failed to close dependency")
		}
	}

	d.closers = nil
}

type tokenStore interface {
	AccountToken(ctx context.Context, userID, provider string) (*store.AccountToken, error)
}

type pooledGateway struct {
	gw          *gmail.Gateway
	accessToken string
}

// gatewayPool keeps one initialised gateway per user so its rate limiter and
// breaker outlive a single request.
type gatewayPool struct {
	opts   gmail.Options
	tokens tokenStore

	mu     sync.Mutex
	byUser map[string]pooledGateway
}

func newGatewayPool(opts gmail.Options, tokens tokenStore) *gatewayPool {
	return &gatewayPool{
		opts:   opts,
		tokens: tokens,
		byUser: make(map[string]pooledGateway),
	}
}

// Get returns the user's gateway, rebuilding it when the stored token changed.
func (p *gatewayPool) Get(ctx context.Context, userID string) (*gmail.Gateway, error) {
	tok, err := p.tokens.AccountToken(ctx, userID, providerGoogle)
	if errors.Is(err, mailerr.ErrNotFound) {
		return nil, fmt.Errorf("no google account for %s: %w", userID, mailerr.ErrUnauthenticated)
	} else if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if pooled, ok := p.byUser[userID]; ok && pooled.accessToken == tok.AccessToken {
		return pooled.gw, nil
	}

	gw := gmail.New(p.opts)
	if err := gw.Init(ctx, gmail.Token{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Expiry:       tok.Expiry,
	}); err != nil {
		return nil, err
	}

	p.byUser[userID] = pooledGateway{gw: gw, accessToken: tok.AccessToken}

	return gw, nil
}

func (p *gatewayPool) Provider(ctx context.Context, userID string) (mailsync.MailProvider, error) {
	gw, err := p.Get(ctx, userID)
	if err != nil {
		return nil, err
	}

	return gw, nil
}

func (p *gatewayPool) Drafts(ctx context.Context, userID string) (mailbox.Drafts, error) {
	gw, err := p.Get(ctx, userID)
	if err != nil {
		return nil, err
	}

	return gw, nil
}
