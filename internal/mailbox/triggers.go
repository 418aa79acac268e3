package mailbox

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/Martian-dev/mail-mirror/internal/blob"
	"github.com/Martian-dev/mail-mirror/internal/store"
	mailsync "github.com/Martian-dev/mail-mirror/internal/sync"
)

// Backfill mirrors the user's whole mailbox.
func (s *Service) Backfill(ctx context.Context, user store.User) (mailsync.Summary, error) {
	if _, err := s.store.EnsureUser(ctx, user); err != nil {
		return mailsync.Summary{}, fmt.Errorf("failed to bootstrap user: %w", err)
	}

	summary, err := s.syncer.Backfill(ctx, user.ID)
	if err != nil {
		return summary, err
	}

	if summary.HistoryID > 0 {
		if err := s.store.SaveWatermark(ctx, user.ID, summary.HistoryID, store.StatusIdle); err != nil {
			logrus.WithField("user", user.ID).WithError(err).Warn("Failed to save watermark")
		}
	}

	s.invalidate(ctx, user.ID)
	s.publish(ctx, user.ID, summary.HistoryID)

	return summary, nil
}

// SyncRecent applies the changes since the stored watermark. Without a watermark it
// does nothing.
func (s *Service) SyncRecent(ctx context.Context, userID string) (mailsync.Summary, error) {
	since, err := s.store.LoadWatermark(ctx, userID)
	if err != nil {
		return mailsync.Summary{}, err
	}

	if since == 0 {
		logrus.WithField("user", userID).Debug("No watermark, skipping recent sync")
		return mailsync.Summary{}, nil
	}

	summary, err := s.syncer.DeltaSync(ctx, userID, since)
	if err != nil {
		return summary, err
	}

	if err := s.store.SaveWatermark(ctx, userID, max(since, summary.HistoryID), store.StatusHooked); err != nil {
		return summary, err
	}

	s.invalidate(ctx, userID)
	s.publish(ctx, userID, summary.HistoryID)

	return summary, nil
}

// StartWatching registers a push watch. The watch history id seeds a mailbox that has
// no watermark yet; an existing watermark is kept so pending changes are still replayed.
func (s *Service) StartWatching(ctx context.Context, userID string) (*mailsync.WatchResult, error) {
	since, err := s.store.LoadWatermark(ctx, userID)
	if err != nil {
		return nil, err
	}

	watch, err := s.syncer.RegisterWatch(ctx, userID)
	if err != nil {
		return nil, err
	}

	historyID := watch.HistoryID
	if since > 0 {
		historyID = since
	}

	if err := s.store.SaveWatermark(ctx, userID, historyID, store.StatusHooked); err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"user":       userID,
		"historyId":  watch.HistoryID,
		"expiration": watch.Expiration,
	}).Info("Push watch registered")

	return watch, nil
}

// RewriteDownloadKeys points every rendered body file at the current blob URL.
func (s *Service) RewriteDownloadKeys(ctx context.Context) (int, error) {
	files, err := s.store.ListHTMLFiles(ctx)
	if err != nil {
		return 0, err
	}

	var rewritten int

	for _, f := range files {
		key := s.blobs.URL(blob.HTMLKey(f.EmailID))
		if key == f.DownloadKey {
			continue
		}

		if err := s.store.UpdateDownloadKey(ctx, f.ID, key); err != nil {
			return rewritten, err
		}

		rewritten++
	}

	logrus.WithField("files", rewritten).Info("Rewrote download keys")

	return rewritten, nil
}
