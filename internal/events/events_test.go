package events_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Martian-dev/mail-mirror/internal/events"
	"github.com/Martian-dev/mail-mirror/internal/store"
)

type published struct {
	subject string
	payload []byte
	msgID   string
}

type fakeStream struct {
	mu   sync.Mutex
	fail bool
	msgs []published
}

func (f *fakeStream) Publish(_ context.Context, subject string, payload []byte, msgID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.fail {
		return assert.AnError
	}

	f.msgs = append(f.msgs, published{subject: subject, payload: payload, msgID: msgID})

	return nil
}

type failingPublisher struct{}

func (failingPublisher) Publish(context.Context, events.Event) error {
	return assert.AnError
}

func openStore(t *testing.T) *store.Store {
	t.Helper()

	s, err := store.Open(context.Background(), store.DriverSQLite, filepath.Join(t.TempDir(), "mirror.db"))
	require.NoError(t, err)

	t.Cleanup(func() { require.NoError(t, s.Close()) })

	return s
}

func TestEventNaming(t *testing.T) {
	e := events.Event{UserID: "u1", HistoryID: 42, Kind: events.KindMailboxSynced}

	assert.Equal(t, "user.u1.mailbox.synced", e.Subject())
	assert.Equal(t, "mailbox.synced|u1|42", e.MsgID())
}

func TestOutboxDispatch(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)

	publisher := events.NewOutboxPublisher(s)
	event := events.Event{UserID: "u1", HistoryID: 42, Kind: events.KindMailboxSynced}

	require.NoError(t, publisher.Publish(ctx, event))
	require.NoError(t, publisher.Publish(ctx, event))

	stream := &fakeStream{}
	dispatcher := events.NewDispatcher(s, stream)

	n, err := dispatcher.DispatchOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.Len(t, stream.msgs, 1)
	assert.Equal(t, "user.u1.mailbox.synced", stream.msgs[0].subject)
	assert.Equal(t, "mailbox.synced|u1|42", stream.msgs[0].msgID)

	var decoded events.Event
	require.NoError(t, json.Unmarshal(stream.msgs[0].payload, &decoded))
	assert.Equal(t, event, decoded)

	n, err = dispatcher.DispatchOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestOutboxRetryIsDelayed(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)

	require.NoError(t, events.NewOutboxPublisher(s).Publish(ctx, events.Event{UserID: "u1", HistoryID: 1, Kind: events.KindMailboxSynced}))

	stream := &fakeStream{fail: true}
	dispatcher := events.NewDispatcher(s, stream)

	n, err := dispatcher.DispatchOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = dispatcher.DispatchOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestDispatcherStopsWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	dispatcher := events.NewDispatcher(openStore(t), &fakeStream{})

	done := make(chan struct{})

	go func() {
		defer close(done)
		dispatcher.Run(ctx)
	}()

	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("dispatcher did not stop")
	}
}

func TestRedisPublisher(t *testing.T) {
	ctx := context.Background()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	sub := rdb.Subscribe(ctx, "gmail-updates")
	t.Cleanup(func() { _ = sub.Close() })

	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	require.NoError(t, events.NewRedisPublisher(rdb, "gmail-updates").Publish(ctx, events.Event{UserID: "u1"}))

	select {
	case msg := <-sub.Channel():
		assert.Equal(t, events.SyncFinishedPayload, msg.Payload)
	case <-time.After(5 * time.Second):
		t.Fatal("no message received")
	}
}

func TestFanoutJoinsErrors(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)

	fanout := events.Fanout{failingPublisher{}, events.NewOutboxPublisher(s)}

	err := fanout.Publish(ctx, events.Event{UserID: "u1", HistoryID: 7, Kind: events.KindMailboxSynced})
	require.ErrorIs(t, err, assert.AnError)

	pending, err := s.DequeueOutbox(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}
