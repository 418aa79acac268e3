package store_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Martian-dev/mail-mirror/internal/mailerr"
	"github.com/Martian-dev/mail-mirror/internal/store"
)

func openStore(t *testing.T) *store.Store {
	t.Helper()

	s, err := store.Open(context.Background(), store.DriverSQLite, filepath.Join(t.TempDir(), "mirror.db"))
	require.NoError(t, err)

	t.Cleanup(func() { require.NoError(t, s.Close()) })

	return s
}

func TestOpenKeepsDSNQuery(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "mirror.db")

	s, err := store.Open(ctx, store.DriverSQLite, path+"?_pragma=cache_size(-4000)")
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, s.Close()) })

	require.NoError(t, s.Ping(ctx))

	_, err = os.Stat(path)
	require.NoError(t, err)

	_, err = os.Stat(path + "-wal")
	assert.NoError(t, err, "journal mode pragma applied")
}

// seedMailbox creates a user owning alice@example.com and a sender person.
func seedMailbox(t *testing.T, s *store.Store) (owner, sender *store.Person) {
	t.Helper()

	ctx := context.Background()

	owner, err := s.EnsureUser(ctx, store.User{ID: "u1", Email: "Alice@Example.com", FullName: "Alice"})
	require.NoError(t, err)

	_, err = s.InsertPersons(ctx, []store.Person{{Email: "bob@example.com", Name: "Bob"}})
	require.NoError(t, err)

	persons, err := s.PersonsByEmail(ctx, []string{"bob@example.com"})
	require.NoError(t, err)
	require.Len(t, persons, 1)

	return owner, &persons[0]
}

func insertEmail(t *testing.T, s *store.Store, e store.Email) {
	t.Helper()

	ctx := context.Background()

	require.NoError(t, s.UpsertThread(ctx, store.Thread{ID: e.ThreadID, UserID: e.UserID, Subject: e.Subject, Snippet: e.Snippet, Date: e.Date}))
	require.NoError(t, s.InsertEmail(ctx, e))
}

func TestEnsureUserAdoptsKnownPerson(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)

	created, err := s.InsertPersons(ctx, []store.Person{{Email: "carol@example.com", Name: "Carol"}})
	require.NoError(t, err)
	assert.Equal(t, 1, created)

	person, err := s.EnsureUser(ctx, store.User{ID: "u9", Email: "CAROL@example.com"})
	require.NoError(t, err)
	assert.Equal(t, "u9", person.UserID)
	assert.Equal(t, "carol@example.com", person.Email)

	again, err := s.EnsureUser(ctx, store.User{ID: "u9", Email: "carol@example.com"})
	require.NoError(t, err)
	assert.Equal(t, person.ID, again.ID)

	userID, err := s.ResolveUserByEmail(ctx, "Carol@Example.com")
	require.NoError(t, err)
	assert.Equal(t, "u9", userID)

	_, err = s.ResolveUserByEmail(ctx, "nobody@example.com")
	require.ErrorIs(t, err, mailerr.ErrUserNotFound)
}

func TestInsertPersonsSkipsDuplicates(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)

	created, err := s.InsertPersons(ctx, []store.Person{
		{Email: "a@example.com"},
		{Email: "A@example.com"},
		{Email: "b@example.com"},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, created)

	created, err = s.InsertPersons(ctx, []store.Person{{Email: "a@example.com"}, {Email: "c@example.com"}})
	require.NoError(t, err)
	assert.Equal(t, 1, created)

	persons, err := s.PersonsByEmail(ctx, []string{"a@example.com", "b@example.com", "c@example.com"})
	require.NoError(t, err)
	assert.Len(t, persons, 3)
}

func TestInsertEmailConflictAndDelete(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	_, sender := seedMailbox(t, s)

	email := store.Email{
		ID:       "m1",
		UserID:   "u1",
		ThreadID: "t1",
		SenderID: sender.ID,
		Subject:  "Hello",
		Date:     time.UnixMilli(1_700_000_000_000),
		Labels:   []string{store.LabelInbox},
	}

	insertEmail(t, s, email)

	require.ErrorIs(t, s.InsertEmail(ctx, email), mailerr.ErrPersistenceConflict)

	exists, err := s.EmailExists(ctx, "m1")
	require.NoError(t, err)
	assert.True(t, exists)

	_, err = s.InsertFile(ctx, store.File{EmailID: "m1", FileName: "email.html", FormatType: "html", Category: store.CategoryEmail, DownloadKey: "blob://m1/email.html"})
	require.NoError(t, err)

	require.NoError(t, s.DeleteEmail(ctx, "m1"))
	require.ErrorIs(t, s.DeleteEmail(ctx, "m1"), mailerr.ErrNotFound)

	exists, err = s.FileExists(ctx, "m1", "email.html", store.CategoryEmail)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestUpsertThreadOnlyAdvances(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	_, _ = seedMailbox(t, s)

	newer := time.UnixMilli(2_000)
	older := time.UnixMilli(1_000)

	require.NoError(t, s.UpsertThread(ctx, store.Thread{ID: "t1", UserID: "u1", Subject: "first", Snippet: "new", Date: newer}))
	require.NoError(t, s.UpsertThread(ctx, store.Thread{ID: "t1", UserID: "u1", Subject: "ignored", Snippet: "old", Date: older}))

	thread, err := s.ThreadByID(ctx, "u1", "t1")
	require.NoError(t, err)
	assert.Equal(t, "first", thread.Subject)
	assert.Equal(t, "new", thread.Snippet)
	assert.Equal(t, newer.UnixMilli(), thread.Date.UnixMilli())

	existing, err := s.ExistingThreadIDs(ctx, []string{"t1", "t2"})
	require.NoError(t, err)
	assert.Equal(t, []string{"t1"}, existing)
}

func TestWatermarkNeverRegresses(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)

	id, err := s.LoadWatermark(ctx, "u1")
	require.NoError(t, err)
	assert.Zero(t, id)

	require.NoError(t, s.SaveWatermark(ctx, "u1", 500, store.StatusHooked))
	require.NoError(t, s.SaveWatermark(ctx, "u1", 400, store.StatusIdle))

	id, err = s.LoadWatermark(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, uint64(500), id)

	require.NoError(t, s.UpdateSyncStatus(ctx, "u1", store.StatusError, "boom"))

	state, err := s.LoadSyncState(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusError, state.Status)
	assert.Equal(t, "boom", state.LastError)
	assert.Equal(t, 1, state.RetryCount)
	assert.Equal(t, uint64(500), state.HistoryID)

	users, err := s.SyncedUsers(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"u1"}, users)
}

func TestListThreadsFiltersAndPaginates(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	_, sender := seedMailbox(t, s)

	base := time.UnixMilli(1_700_000_000_000)

	for i, id := range []string{"a", "b", "c"} {
		insertEmail(t, s, store.Email{
			ID:       "m-" + id,
			UserID:   "u1",
			ThreadID: "t-" + id,
			SenderID: sender.ID,
			Subject:  "Report " + id,
			Content:  "<p>quarterly numbers</p>",
			Date:     base.Add(time.Duration(i) * time.Hour),
			Labels:   []string{store.LabelInbox, "UNREAD"},
		})
	}

	insertEmail(t, s, store.Email{
		ID:       "m-sent",
		UserID:   "u1",
		ThreadID: "t-sent",
		SenderID: sender.ID,
		Subject:  "Outgoing",
		Date:     base.Add(5 * time.Hour),
		Labels:   []string{store.LabelSent},
	})

	page, err := s.ListThreads(ctx, store.ThreadQuery{UserID: "u1", Label: store.LabelInbox, Limit: 2})
	require.NoError(t, err)
	require.Len(t, page.Threads, 2)
	assert.Equal(t, "t-c", page.Threads[0].ID)
	assert.Equal(t, "t-b", page.Threads[1].ID)
	assert.Equal(t, "t-b", page.NextCursor)
	require.Len(t, page.Threads[0].Emails, 1)
	assert.Equal(t, "bob@example.com", page.Threads[0].Emails[0].Sender.Email)

	page, err = s.ListThreads(ctx, store.ThreadQuery{UserID: "u1", Label: store.LabelInbox, Limit: 2, Cursor: page.NextCursor})
	require.NoError(t, err)
	require.Len(t, page.Threads, 1)
	assert.Equal(t, "t-a", page.Threads[0].ID)
	assert.Empty(t, page.NextCursor)

	n, err := s.CountEmails(ctx, store.ThreadQuery{UserID: "u1", Label: store.LabelInbox})
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	n, err = s.CountEmails(ctx, store.ThreadQuery{UserID: "u1", Label: store.LabelInbox, Search: "REPORT B"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = s.CountEmails(ctx, store.ThreadQuery{UserID: "u1", Label: store.LabelSent, Search: "bob@"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = s.CountEmails(ctx, store.ThreadQuery{UserID: "u1", Label: store.LabelInbox, Search: "100%"})
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSearchMatchesRecipients(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	owner, sender := seedMailbox(t, s)

	insertEmail(t, s, store.Email{ID: "m1", UserID: "u1", ThreadID: "t1", SenderID: sender.ID, Date: time.UnixMilli(1), Labels: []string{store.LabelInbox}})

	created, err := s.InsertRecipientLinks(ctx, []store.Recipient{
		{EmailID: "m1", PersonID: owner.ID, IsTo: true},
		{EmailID: "m1", PersonID: owner.ID, IsCc: true},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, created)

	n, err := s.CountEmails(ctx, store.ThreadQuery{UserID: "u1", Label: store.LabelInbox, Search: "alice"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	links, err := s.RecipientLinks(ctx, "m1")
	require.NoError(t, err)
	require.Len(t, links, 1)
	assert.True(t, links[0].IsTo)
	assert.Equal(t, "alice@example.com", links[0].Person.Email)

	require.NoError(t, s.DeleteRecipientLinks(ctx, []string{links[0].ID}))

	links, err = s.RecipientLinks(ctx, "m1")
	require.NoError(t, err)
	assert.Empty(t, links)
}

func TestUpdateLabelsAndStarred(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	_, sender := seedMailbox(t, s)

	insertEmail(t, s, store.Email{ID: "m1", UserID: "u1", ThreadID: "t1", SenderID: sender.ID, Date: time.UnixMilli(1), Labels: []string{store.LabelInbox}})

	require.NoError(t, s.UpdateLabels(ctx, "m1", []string{store.LabelInbox, store.LabelStarred}))
	require.ErrorIs(t, s.UpdateLabels(ctx, "missing", nil), mailerr.ErrNotFound)

	page, err := s.ListStarred(ctx, store.EmailQuery{UserID: "u1"})
	require.NoError(t, err)
	require.Len(t, page.Emails, 1)
	assert.True(t, page.Emails[0].HasLabel(store.LabelStarred))

	n, err := s.CountStarred(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = s.CountDrafts(ctx, "u1")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRekeyEmailMovesRelations(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	owner, sender := seedMailbox(t, s)

	draft := store.Email{ID: "d1", UserID: "u1", ThreadID: "t1", SenderID: owner.ID, Subject: "draft", Date: time.UnixMilli(1), Labels: []string{store.LabelDraft}, DraftID: "r1"}
	insertEmail(t, s, draft)

	_, err := s.InsertRecipientLinks(ctx, []store.Recipient{{EmailID: "d1", PersonID: sender.ID, IsTo: true}})
	require.NoError(t, err)

	found, err := s.FindDraftInThread(ctx, "u1", "t1")
	require.NoError(t, err)
	assert.Equal(t, "d1", found.ID)

	sent := draft
	sent.ID = "s1"
	sent.Labels = []string{store.LabelSent}
	sent.DraftID = ""

	require.NoError(t, s.RekeyEmail(ctx, "d1", sent))

	_, err = s.EmailByID(ctx, "d1")
	require.ErrorIs(t, err, mailerr.ErrNotFound)

	got, err := s.EmailByID(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, []string{store.LabelSent}, got.Labels)
	require.Len(t, got.Recipients, 1)
	assert.Equal(t, sender.ID, got.Recipients[0].PersonID)

	require.ErrorIs(t, s.RekeyEmail(ctx, "d1", sent), mailerr.ErrNotFound)
}

func TestAccountToken(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	_, _ = seedMailbox(t, s)

	expiry := time.UnixMilli(1_800_000_000_000)

	require.NoError(t, s.SaveAccountToken(ctx, store.AccountToken{UserID: "u1", Provider: "google", AccessToken: "a1", RefreshToken: "r1", Expiry: expiry}))
	require.NoError(t, s.SaveAccountToken(ctx, store.AccountToken{UserID: "u1", Provider: "google", AccessToken: "a2"}))

	tok, err := s.AccountToken(ctx, "u1", "google")
	require.NoError(t, err)
	assert.Equal(t, "a2", tok.AccessToken)
	assert.Equal(t, "r1", tok.RefreshToken)

	_, err = s.AccountToken(ctx, "u2", "google")
	require.ErrorIs(t, err, mailerr.ErrNotFound)
}

func TestOutbox(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)

	require.NoError(t, s.EnqueueOutbox(ctx, "user.u1.mailbox.synced", "mailbox.synced", []byte(`{"a":1}`), "k1"))
	require.NoError(t, s.EnqueueOutbox(ctx, "user.u1.mailbox.synced", "mailbox.synced", []byte(`{"a":1}`), "k1"))

	msgs, err := s.DequeueOutbox(ctx, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, `{"a":1}`, string(msgs[0].Payload))

	require.NoError(t, s.MarkOutboxRetry(ctx, msgs[0].ID, time.Hour))

	msgs2, err := s.DequeueOutbox(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, msgs2)

	require.NoError(t, s.MarkPublished(ctx, msgs[0].ID))
}
