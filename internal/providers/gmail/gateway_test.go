package gmail_test

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Martian-dev/mail-mirror/internal/envelope"
	"github.com/Martian-dev/mail-mirror/internal/mailerr"
	"github.com/Martian-dev/mail-mirror/internal/providers/gmail"
	"github.com/Martian-dev/mail-mirror/internal/sync"
)

const rawMessage = "From: Bob <bob@example.com>\r\n" +
	"To: alice@example.com\r\n" +
	"Subject: Hello\r\n" +
	"Content-Type: text/plain\r\n" +
	"\r\n" +
	"Hi Alice\r\n"

func newGateway(t *testing.T, handler http.HandlerFunc) *gmail.Gateway {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	gw := gmail.New(gmail.Options{
		Topic:      "projects/p/topics/gmail",
		QPS:        1000,
		Burst:      1000,
		Endpoint:   srv.URL + "/",
		HTTPClient: srv.Client(),
	})

	require.NoError(t, gw.Init(context.Background(), gmail.Token{AccessToken: "a", RefreshToken: "r"}))

	return gw
}

func writeJSON(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = fmt.Fprint(w, body)
}

func TestUnauthenticatedBeforeInit(t *testing.T) {
	gw := gmail.New(gmail.Options{})

	_, err := gw.ListThreadIDs(context.Background())
	require.ErrorIs(t, err, mailerr.ErrUnauthenticated)

	err = gw.Init(context.Background(), gmail.Token{AccessToken: "a"})
	require.ErrorIs(t, err, mailerr.ErrUnauthenticated)
}

func TestListThreadIDsPaginates(t *testing.T) {
	gw := newGateway(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/gmail/v1/users/me/threads", r.URL.Path)

		if r.URL.Query().Get("pageToken") == "" {
			writeJSON(w, http.StatusOK, `{"threads":[{"id":"t1"},{"id":"t2"}],"nextPageToken":"p2"}`)
			return
		}

		writeJSON(w, http.StatusOK, `{"threads":[{"id":"t3"}]}`)
	})

	ids, err := gw.ListThreadIDs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"t1", "t2", "t3"}, ids)
}

func TestListMessagesPaginates(t *testing.T) {
	gw := newGateway(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/gmail/v1/users/me/messages", r.URL.Path)
		require.Equal(t, "in:sent newer_than:1d", r.URL.Query().Get("q"))

		if r.URL.Query().Get("pageToken") == "" {
			writeJSON(w, http.StatusOK, `{"messages":[{"id":"m1","threadId":"t1"},{"id":"m2","threadId":"t1"}],"nextPageToken":"p2"}`)
			return
		}

		writeJSON(w, http.StatusOK, `{"messages":[{"id":"m3","threadId":"t2"}]}`)
	})

	refs, err := gw.ListMessages(context.Background(), "in:sent newer_than:1d")
	require.NoError(t, err)
	require.Len(t, refs, 3)
	assert.Equal(t, "m1", refs[0].ID)
	assert.Equal(t, "t1", refs[1].ThreadID)
	assert.Equal(t, "t2", refs[2].ThreadID)
}

func TestGetMessageMetadata(t *testing.T) {
	gw := newGateway(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/gmail/v1/users/me/messages/m1", r.URL.Path)
		require.Equal(t, "metadata", r.URL.Query().Get("format"))

		writeJSON(w, http.StatusOK, `{"id":"m1","threadId":"t1","labelIds":["INBOX","STARRED"],
			"payload":{"headers":[{"name":"Subject","value":"Hello"}]}}`)
	})

	msg, err := gw.GetMessage(context.Background(), "m1", "metadata")
	require.NoError(t, err)
	assert.Equal(t, "t1", msg.ThreadId)
	assert.Equal(t, []string{"INBOX", "STARRED"}, msg.LabelIds)
	require.Len(t, msg.Payload.Headers, 1)
	assert.Equal(t, "Hello", msg.Payload.Headers[0].Value)
	assert.Empty(t, msg.Raw)
}

func TestGetRawMessage(t *testing.T) {
	encoded := base64.URLEncoding.EncodeToString([]byte(rawMessage))

	gw := newGateway(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/gmail/v1/users/me/messages/m1", r.URL.Path)
		require.Equal(t, "raw", r.URL.Query().Get("format"))

		writeJSON(w, http.StatusOK, fmt.Sprintf(
			`{"id":"m1","threadId":"t1","labelIds":["INBOX"],"snippet":"Hi","internalDate":"1700000000000","raw":%q}`, encoded))
	})

	msg, err := gw.GetRawMessage(context.Background(), "m1")
	require.NoError(t, err)
	assert.Equal(t, "t1", msg.ThreadID)
	assert.Equal(t, []string{"INBOX"}, msg.LabelIDs)
	assert.Equal(t, int64(1700000000000), msg.InternalDate.UnixMilli())
	assert.Equal(t, rawMessage, string(msg.Raw))
}

func TestGetThreadRefs(t *testing.T) {
	gw := newGateway(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "minimal", r.URL.Query().Get("format"))

		writeJSON(w, http.StatusOK, `{"id":"t1","historyId":"9","messages":[
			{"id":"m1","threadId":"t1","internalDate":"1000"},
			{"id":"m2","threadId":"t1","internalDate":"2000"}]}`)
	})

	thread, err := gw.GetThread(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, uint64(9), thread.HistoryID)
	require.Len(t, thread.Messages, 2)
	assert.Equal(t, "m2", thread.Messages[1].ID)
	assert.Equal(t, int64(2000), thread.Messages[1].InternalDate.UnixMilli())
}

func TestGetHistory(t *testing.T) {
	gw := newGateway(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/gmail/v1/users/me/history", r.URL.Path)
		require.Equal(t, "100", r.URL.Query().Get("startHistoryId"))

		writeJSON(w, http.StatusOK, `{"historyId":"120","history":[
			{"id":"101","messagesAdded":[{"message":{"id":"m1","threadId":"t1"}}]},
			{"id":"102","messagesDeleted":[{"message":{"id":"m2","threadId":"t2"}}]},
			{"id":"103","labelsAdded":[{"message":{"id":"m3"},"labelIds":["STARRED"]}]},
			{"id":"104","labelsRemoved":[{"message":{"id":"m3"},"labelIds":["UNREAD"]}]}]}`)
	})

	delta, err := gw.GetHistory(context.Background(), 100)
	require.NoError(t, err)
	assert.Equal(t, uint64(120), delta.HistoryID)
	require.Len(t, delta.Ops, 2)
	assert.Equal(t, sync.OpAdd, delta.Ops[0].Kind)
	assert.Equal(t, "m1", delta.Ops[0].Message.ID)
	assert.Equal(t, sync.OpDelete, delta.Ops[1].Kind)
	require.Len(t, delta.LabelChanges, 2)
	assert.Equal(t, []string{"STARRED"}, delta.LabelChanges[0].Added)
	assert.Equal(t, []string{"UNREAD"}, delta.LabelChanges[1].Removed)
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		status    int
		body      string
		target    error
		kind      mailerr.Kind
		retryable bool
	}{
		{status: http.StatusNotFound, body: `{"error":{"code":404,"message":"Requested entity was not found."}}`, target: mailerr.ErrNotFound, kind: mailerr.KindNotFound},
		{status: http.StatusUnauthorized, body: `{"error":{"code":401,"message":"Invalid Credentials"}}`, target: mailerr.ErrUnauthenticated, kind: mailerr.KindUnauthenticated},
		{status: http.StatusTooManyRequests, body: `{"error":{"code":429,"message":"Too many"}}`, kind: mailerr.KindRateLimited, retryable: true},
		{status: http.StatusForbidden, body: `{"error":{"code":403,"message":"quota","errors":[{"reason":"userRateLimitExceeded"}]}}`, kind: mailerr.KindRateLimited, retryable: true},
		{status: http.StatusForbidden, body: `{"error":{"code":403,"message":"denied"}}`, target: mailerr.ErrForbidden, kind: mailerr.KindForbidden},
		{status: http.StatusBadRequest, body: `{"error":{"code":400,"message":"bad"}}`, kind: mailerr.KindInvalid},
		{status: http.StatusServiceUnavailable, body: `{"error":{"code":503,"message":"down"}}`, kind: mailerr.KindUnavailable, retryable: true},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.status, tt.kind), func(t *testing.T) {
			gw := newGateway(t, func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, tt.status, tt.body)
			})

			_, err := gw.CurrentHistoryID(context.Background())
			require.Error(t, err)

			var remote *mailerr.RemoteAPIError
			require.ErrorAs(t, err, &remote)
			assert.Equal(t, tt.kind, remote.Kind)
			assert.Equal(t, tt.retryable, mailerr.IsRetryable(err))

			if tt.target != nil {
				assert.ErrorIs(t, err, tt.target)
			}
		})
	}
}

func TestClientErrorsDoNotTripBreaker(t *testing.T) {
	gw := newGateway(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, `{"error":{"code":404,"message":"gone"}}`)
	})

	for i := 0; i < 20; i++ {
		_, err := gw.GetRawMessage(context.Background(), "gone")
		require.ErrorIs(t, err, mailerr.ErrNotFound)
	}

	assert.Equal(t, "closed", gw.BreakerState())
}

func TestRegisterPushWatch(t *testing.T) {
	gw := newGateway(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/gmail/v1/users/me/watch", r.URL.Path)

		writeJSON(w, http.StatusOK, `{"historyId":"77","expiration":"1800000000000"}`)
	})

	res, err := gw.RegisterPushWatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(77), res.HistoryID)
	assert.Equal(t, int64(1800000000000), res.Expiration.UnixMilli())
}

func TestCreateDraft(t *testing.T) {
	gw := newGateway(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/gmail/v1/users/me/drafts", r.URL.Path)

		writeJSON(w, http.StatusOK, `{"id":"r1","message":{"id":"dm1","threadId":"t1"}}`)
	})

	ref, err := gw.CreateDraft(context.Background(), gmail.Draft{ThreadID: "t1", Subject: "Re: hi", HTML: "<p>ok</p>", To: []string{"bob@example.com"}})
	require.NoError(t, err)
	assert.Equal(t, &gmail.DraftRef{ID: "r1", MessageID: "dm1", ThreadID: "t1"}, ref)
}

func TestBuildMessageParses(t *testing.T) {
	raw, err := gmail.BuildMessage(gmail.Draft{
		From:    "alice@example.com",
		To:      []string{"bob@example.com"},
		Cc:      []string{"carol@example.com"},
		Subject: "Plans",
		HTML:    "<p>See you</p>",
	})
	require.NoError(t, err)

	env, err := envelope.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "Plans", env.Subject)
	assert.Equal(t, "alice@example.com", env.From.Email)
	require.Len(t, env.To, 1)
	assert.Equal(t, "bob@example.com", env.To[0].Email)
	require.Len(t, env.Cc, 1)
	assert.Contains(t, env.HTML, "See you")
}
