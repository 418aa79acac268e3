package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Martian-dev/mail-mirror/internal/config"
	"github.com/Martian-dev/mail-mirror/internal/events"
	"github.com/Martian-dev/mail-mirror/internal/mailerr"
	"github.com/Martian-dev/mail-mirror/internal/store"
	mailsync "github.com/Martian-dev/mail-mirror/internal/sync"
)

// withDeps loads the config, opens the dependencies and runs fn with them.
func withDeps(cmd *cobra.Command, v *viper.Viper, fn func(ctx context.Context, d *deps) error) error {
	cfg, err := loadConfig(v)
	if err != nil {
		return err
	}

	ctx := cmd.Context()

	d, err := openDeps(ctx, cfg)
	if err != nil {
		return err
	}
	defer d.Close()

	return fn(ctx, d)
}

func redisPublisher(d *deps) events.Publisher {
	return events.NewRedisPublisher(d.rdb, d.cfg.Redis.Channel)
}

func logSummary(userID string, s mailsync.Summary, msg string) {
	logrus.WithFields(logrus.Fields{
		"user":      userID,
		"threads":   s.Threads,
		"persisted": s.Persisted,
		"skipped":   s.Skipped,
		"failed":    s.Failed,
		"deleted":   s.Deleted,
		"labels":    s.LabelsUpdated,
		"historyId": s.HistoryID,
	}).Info(msg)
}

func newBackfillCmd(v *viper.Viper) *cobra.Command {
	var userID, email string

	cmd := &cobra.Command{
		Use:   "backfill",
		Short: "Mirror a whole mailbox once",
		Long:  "Backfills every thread of the user's mailbox that is not mirrored yet",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withDeps(cmd, v, func(ctx context.Context, d *deps) error {
				user, err := d.store.UserByID(ctx, userID)
				switch {
				case err == nil:
				case errors.Is(err, mailerr.ErrNotFound) && email != "":
					user = &store.User{ID: userID, Email: email}
				case errors.Is(err, mailerr.ErrNotFound):
					return fmt.Errorf("user %s is unknown, pass --email to create it", userID)
				default:
					return err
				}

				summary, err := d.mailbox(redisPublisher(d)).Backfill(ctx, *user)
				if err != nil {
					return err
				}

				logSummary(userID, summary, "Backfill finished")

				return nil
			})
		},
	}

	cmd.Flags().StringVar(&userID, "user", "", "User ID")
	cmd.Flags().StringVar(&email, "email", "", "Mailbox address, used when the user is not recorded yet")
	_ = cmd.MarkFlagRequired("user")

	return cmd
}

func newSyncCmd(v *viper.Viper) *cobra.Command {
	var userID string

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Apply the changes since the stored watermark",
		Long:  "Runs one delta sync from the stored watermark, or a backfill when the mailbox has none",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withDeps(cmd, v, func(ctx context.Context, d *deps) error {
				summary, err := newRunner(d, redisPublisher(d), 0).SyncOnce(ctx, userID)
				if err != nil {
					return err
				}

				logSummary(userID, summary, "Sync finished")

				return nil
			})
		},
	}

	cmd.Flags().StringVar(&userID, "user", "", "User ID")
	_ = cmd.MarkFlagRequired("user")

	return cmd
}

func newWatchCmd(v *viper.Viper) *cobra.Command {
	var userID string

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Register a Gmail push watch",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withDeps(cmd, v, func(ctx context.Context, d *deps) error {
				_, err := d.mailbox(redisPublisher(d)).StartWatching(ctx, userID)
				return err
			})
		},
	}

	cmd.Flags().StringVar(&userID, "user", "", "User ID")
	_ = cmd.MarkFlagRequired("user")

	return cmd
}

func newMigrateCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}

			return migrate(cmd.Context(), cfg)
		},
	}
}

func migrate(ctx context.Context, cfg *config.Config) error {
	st, err := store.Open(ctx, cfg.Database.Driver, cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}

	logrus.WithField("driver", cfg.Database.Driver).Info("Schema applied")

	return st.Close()
}

func newAccountCmd(v *viper.Viper) *cobra.Command {
	accountCmd := &cobra.Command{
		Use:   "account",
		Short: "Manage stored OAuth accounts",
	}

	var (
		tok    store.AccountToken
		expiry time.Duration
	)

	setCmd := &cobra.Command{
		Use:   "set",
		Short: "Store the Google OAuth tokens of a user",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}

			tok.Provider = providerGoogle
			if expiry > 0 {
				tok.Expiry = time.Now().Add(expiry)
			}

			return saveAccount(cmd.Context(), cfg, tok)
		},
	}

	setCmd.Flags().StringVar(&tok.UserID, "user", "", "User ID")
	setCmd.Flags().StringVar(&tok.AccessToken, "access-token", "", "OAuth access token")
	setCmd.Flags().StringVar(&tok.RefreshToken, "refresh-token", "", "OAuth refresh token")
	setCmd.Flags().DurationVar(&expiry, "expires-in", 0, "Lifetime of the access token")
	_ = setCmd.MarkFlagRequired("user")
	_ = setCmd.MarkFlagRequired("refresh-token")

	accountCmd.AddCommand(setCmd)

	return accountCmd
}

func saveAccount(ctx context.Context, cfg *config.Config, tok store.AccountToken) error {
	st, err := store.Open(ctx, cfg.Database.Driver, cfg.Database.URL)
	if err != nil {
		return err
	}
	defer st.Close()

	if err := st.SaveAccountToken(ctx, tok); err != nil {
		return err
	}

	logrus.WithField("user", tok.UserID).Info("Account token stored")

	return nil
}
