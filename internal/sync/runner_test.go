package sync_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Martian-dev/mail-mirror/internal/store"
	mailsync "github.com/Martian-dev/mail-mirror/internal/sync"
)

func TestRunnerSeedsThenAdvancesWatermark(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 0)

	f.mailbox.addMessage("t1", "m1", baseDate, rawMessage("bob@example.com", "alice@example.com", "", "Hi", "hi"), "INBOX")
	f.mailbox.historyID = 100
	f.mailbox.watchID = 105

	var synced []mailsync.Summary

	runner := &mailsync.Runner{
		Engine: f.engine,
		Store:  f.store,
		OnSynced: func(_ context.Context, _ string, s mailsync.Summary) {
			synced = append(synced, s)
		},
	}

	require.NoError(t, runner.Run(ctx, userID))

	watermark, err := f.store.LoadWatermark(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), watermark)

	state, err := f.store.LoadSyncState(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusHooked, state.Status)

	f.mailbox.history = &mailsync.HistoryDelta{HistoryID: 200}

	summary, err := runner.SyncOnce(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, uint64(200), summary.HistoryID)

	watermark, err = f.store.LoadWatermark(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, uint64(200), watermark)

	require.Len(t, synced, 2)
	assert.Equal(t, 1, synced[0].Persisted)
}

func TestRunnerCatchesThreadCreatedDuringBackfill(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 0)

	f.mailbox.addMessage("t1", "m1", baseDate, rawMessage("bob@example.com", "alice@example.com", "", "Hi", "hi"), "INBOX")
	f.mailbox.historyID = 100
	f.mailbox.watchID = 101

	f.mailbox.onList = func() {
		f.mailbox.addMessage("t2", "m2", baseDate.Add(time.Minute), rawMessage("carol@example.com", "alice@example.com", "", "Late", "late"), "INBOX")

		f.mailbox.mu.Lock()
		defer f.mailbox.mu.Unlock()

		f.mailbox.historyID = 101
		f.mailbox.history = &mailsync.HistoryDelta{
			HistoryID: 101,
			Ops:       []mailsync.HistoryOp{{Kind: mailsync.OpAdd, Message: mailsync.MessageRef{ID: "m2", ThreadID: "t2"}}},
		}
	}

	runner := &mailsync.Runner{Engine: f.engine, Store: f.store}

	_, err := runner.SyncOnce(ctx, userID)
	require.NoError(t, err)
	assert.True(t, f.emailExists(t, "m1"))
	assert.False(t, f.emailExists(t, "m2"))

	watermark, err := f.store.LoadWatermark(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), watermark)

	_, err = runner.SyncOnce(ctx, userID)
	require.NoError(t, err)
	assert.True(t, f.emailExists(t, "m2"))
	assert.Equal(t, []uint64{100}, f.mailbox.sinces)

	watermark, err = f.store.LoadWatermark(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, uint64(101), watermark)
}

func TestRunnerRecordsFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 0)

	require.NoError(t, f.store.SaveWatermark(ctx, userID, 50, store.StatusHooked))

	f.mailbox.historyErr = assert.AnError

	runner := &mailsync.Runner{Engine: f.engine, Store: f.store}

	_, err := runner.SyncOnce(ctx, userID)
	require.ErrorIs(t, err, assert.AnError)

	state, err := f.store.LoadSyncState(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusError, state.Status)
	assert.Equal(t, uint64(50), state.HistoryID)
}

func TestManagerTracksRunners(t *testing.T) {
	f := newFixture(t, 0)

	manager := mailsync.NewManager(&mailsync.Runner{
		Engine:       f.engine,
		Store:        f.store,
		PollInterval: time.Hour,
	})

	require.NoError(t, manager.StartSync(context.Background(), userID))
	assert.True(t, manager.IsRunning(userID))
	assert.Error(t, manager.StartSync(context.Background(), userID))
	assert.Equal(t, []string{userID}, manager.RunningSyncs())

	require.NoError(t, manager.StopSync(userID))
	assert.False(t, manager.IsRunning(userID))
	assert.Error(t, manager.StopSync(userID))

	require.NoError(t, manager.StartSync(context.Background(), userID))
	manager.StopAll()
	assert.Empty(t, manager.RunningSyncs())
}
