package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Martian-dev/mail-mirror/internal/api"
	"github.com/Martian-dev/mail-mirror/internal/auth"
	"github.com/Martian-dev/mail-mirror/internal/config"
	"github.com/Martian-dev/mail-mirror/internal/events"
	"github.com/Martian-dev/mail-mirror/internal/events/natsjs"
	"github.com/Martian-dev/mail-mirror/internal/relay"
	mailsync "github.com/Martian-dev/mail-mirror/internal/sync"
	"github.com/Martian-dev/mail-mirror/internal/webhook"
)

const shutdownTimeout = 15 * time.Second

func newServeCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, webhook and relay",
		Long:  "Serves the mailbox API, receives Gmail push notifications and relays sync events to WebSocket clients",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return serve(ctx, cfg)
		},
	}

	cmd.Flags().String("server.addr", ":8080", "HTTP listen address")
	cmd.Flags().String("nats.url", "", "NATS URL; enables the JetStream outbox when set")
	cmd.Flags().Duration("sync.poll_interval", 0, "Delta sync polling interval; 0 relies on push notifications")

	for _, key := range []string{"server.addr", "nats.url", "sync.poll_interval"} {
		_ = v.BindPFlag(key, cmd.Flags().Lookup(key))
	}

	return cmd
}

func serve(ctx context.Context, cfg *config.Config) error {
	if cfg.Auth.JWKSURL == "" {
		return fmt.Errorf("auth.jwks_url is required to serve")
	}

	d, err := openDeps(ctx, cfg)
	if err != nil {
		return err
	}
	defer d.Close()

	publisher := events.Fanout{events.NewRedisPublisher(d.rdb, cfg.Redis.Channel)}

	if cfg.NATS.URL != "" {
		js, err := natsjs.NewPublisher(cfg.NATS.URL)
		if err != nil {
			return err
		}
		defer js.Close()

		if err := js.EnsureStream(ctx); err != nil {
			return err
		}

		publisher = append(publisher, events.NewOutboxPublisher(d.store))

		go events.NewDispatcher(d.store, js).Run(ctx)
	}

	svc := d.mailbox(publisher)
	listener := webhook.NewListener(d.store, d.engine, d.cache, publisher, 0)
	hub := relay.NewHub(d.rdb, cfg.Redis.Channel)

	go func() {
		if err := hub.Run(ctx); err != nil && ctx.Err() == nil {
			logrus.WithError(err).Error("Relay stopped")
		}
	}()

	var manager *mailsync.Manager
	if cfg.Sync.PollInterval > 0 {
		manager = startPolling(ctx, d, publisher)
	}

	verifier, err := auth.NewJWTVerifier(ctx, cfg.Auth.JWKSURL)
	if err != nil {
		return err
	}

	var tokens auth.TokenSource
	if cfg.Auth.BetterAuthURL != "" {
		tokens = auth.NewBetterAuthClient(cfg.Auth.BetterAuthURL)
	}

	server := api.New(api.Options{
		Mailbox: svc,
		Auth:    auth.NewMiddleware(verifier, d.store, tokens).Handler(),
		Webhook: listener.Handle,
		Relay:   hub.ServeWS,
		Checks: map[string]api.Check{
			"database": d.store.Ping,
			"redis":    func(ctx context.Context) error { return d.rdb.Ping(ctx).Err() },
		},
		Stats: verifier.Stats,
	})

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)

	go func() {
		logrus.WithField("addr", cfg.Server.Addr).Info("Serving")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	}

	logrus.Info("Shutting down gracefully")

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logrus.WithError(err).Warn("HTTP shutdown incomplete")
	}

	if manager != nil {
		manager.StopAll()
	}

	listener.Wait()

	return nil
}

// startPolling runs a polling runner for every mailbox that has a watermark.
func startPolling(ctx context.Context, d *deps, publisher events.Publisher) *mailsync.Manager {
	manager := mailsync.NewManager(newRunner(d, publisher, d.cfg.Sync.PollInterval))

	users, err := d.store.SyncedUsers(ctx)
	if err != nil {
		logrus.WithError(err).Error("Failed to list synced users")
		return manager
	}

	for _, userID := range users {
		if err := manager.StartSync(ctx, userID); err != nil {
			logrus.WithField("user", userID).WithError(err).Warn("Failed to start sync")
		}
	}

	logrus.WithField("users", len(users)).Info("Polling runners started")

	return manager
}

func newRunner(d *deps, publisher events.Publisher, interval time.Duration) *mailsync.Runner {
	return &mailsync.Runner{
		Engine:       d.engine,
		Store:        d.store,
		PollInterval: interval,
		OnSynced: func(ctx context.Context, userID string, s mailsync.Summary) {
			log := logrus.WithField("user", userID)

			if _, err := d.cache.InvalidateFeed(ctx, userID); err != nil {
				log.WithError(err).Warn("Failed to invalidate feed")
			}

			if publisher == nil {
				return
			}

			if err := publisher.Publish(ctx, events.Event{
				UserID:    userID,
				HistoryID: s.HistoryID,
				Kind:      events.KindMailboxSynced,
			}); err != nil {
				log.WithError(err).Warn("Failed to publish sync event")
			}
		},
	}
}
