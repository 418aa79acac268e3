package sync

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Martian-dev/mail-mirror/internal/store"
)

// WatermarkStore persists the per-user sync position.
type WatermarkStore interface {
	LoadWatermark(ctx context.Context, userID string) (uint64, error)
	SaveWatermark(ctx context.Context, userID string, historyID uint64, status string) error
	UpdateSyncStatus(ctx context.Context, userID, status, errMsg string) error
}

// Runner orchestrates mail sync for one user mailbox
type Runner struct {
	Engine *Engine
	Store  WatermarkStore

	// OnSynced is called after every successful run.
	OnSynced func(ctx context.Context, userID string, s Summary)

	// PollInterval enables a delta sync loop when push notifications are not delivered.
	PollInterval time.Duration
}

// Run performs the initial or incremental sync, then polls until ctx is done.
func (r *Runner) Run(ctx context.Context, userID string) error {
	if _, err := r.SyncOnce(ctx, userID); err != nil {
		return err
	}

	if r.PollInterval <= 0 {
		return nil
	}

	ticker := time.NewTicker(r.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logrus.WithField("user", userID).Info("Stopping sync")
			return nil

		case <-ticker.C:
			if _, err := r.SyncOnce(ctx, userID); err != nil {
				logrus.WithField("user", userID).WithError(err).Error("Incremental sync failed")
			}
		}
	}
}

// SyncOnce backfills a mailbox without a watermark and delta syncs one that has one.
func (r *Runner) SyncOnce(ctx context.Context, userID string) (Summary, error) {
	log := logrus.WithField("user", userID)

	since, err := r.Store.LoadWatermark(ctx, userID)
	if err != nil {
		return Summary{}, err
	}

	if err := r.Store.UpdateSyncStatus(ctx, userID, store.StatusSyncing, ""); err != nil {
		log.WithError(err).Warn("Failed to save sync status")
	}

	var (
		summary Summary
		status  = store.StatusHooked
	)

	if since == 0 {
		log.Info("Starting initial backfill")

		if summary, err = r.Engine.Backfill(ctx, userID); err != nil {
			return summary, r.fail(ctx, userID, fmt.Errorf("backfill failed: %w", err))
		}

		if _, err := r.Engine.RegisterWatch(ctx, userID); err != nil {
			log.WithError(err).Warn("Failed to register push watch")

			status = store.StatusIdle
		}
	} else {
		log.WithField("since", since).Debug("Starting incremental sync")

		if summary, err = r.Engine.DeltaSync(ctx, userID, since); err != nil {
			return summary, r.fail(ctx, userID, fmt.Errorf("delta sync failed: %w", err))
		}
	}

	if summary.HistoryID > 0 {
		if err := r.Store.SaveWatermark(ctx, userID, summary.HistoryID, status); err != nil {
			log.WithError(err).Error("Failed to save watermark")
		}
	}

	if r.OnSynced != nil {
		r.OnSynced(ctx, userID, summary)
	}

	return summary, nil
}

func (r *Runner) fail(ctx context.Context, userID string, err error) error {
	if ctx.Err() == nil {
		_ = r.Store.UpdateSyncStatus(ctx, userID, store.StatusError, err.Error())
	}

	return err
}
