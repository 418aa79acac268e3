package api_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Martian-dev/mail-mirror/internal/api"
	"github.com/Martian-dev/mail-mirror/internal/auth"
	"github.com/Martian-dev/mail-mirror/internal/mailbox"
	"github.com/Martian-dev/mail-mirror/internal/mailerr"
	"github.com/Martian-dev/mail-mirror/internal/store"
	mailsync "github.com/Martian-dev/mail-mirror/internal/sync"
)

type headerVerifier struct{}

func (headerVerifier) UserFromRequest(r *http.Request) (*auth.User, error) {
	id := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if id == "" {
		return nil, mailerr.ErrUnauthenticated
	}

	return &auth.User{ID: id, Email: id + "@example.com", Name: id}, nil
}

type noopAccounts struct{}

func (noopAccounts) EnsureUser(_ context.Context, u store.User) (*store.Person, error) {
	return &store.Person{ID: "p-" + u.ID, Email: u.Email, UserID: u.ID}, nil
}

func (noopAccounts) SaveAccountToken(context.Context, store.AccountToken) error {
	return nil
}

// stubMailbox answers only the methods a test sets; the rest panic through the nil
// embedded interface.
type stubMailbox struct {
	api.Mailbox

	backfill    func(store.User) (mailsync.Summary, error)
	fetchEmails func(store.ThreadQuery) (*store.ThreadPage, error)
	getEmail    func(userID, id string) (*store.Email, error)
	saveDraft   func(userID, id string, in mailbox.DraftInput) (*store.Email, error)
	deleted     []string
	downloads   []string
}

func (m *stubMailbox) Backfill(_ context.Context, u store.User) (mailsync.Summary, error) {
	return m.backfill(u)
}

func (m *stubMailbox) FetchEmails(_ context.Context, q store.ThreadQuery) (*store.ThreadPage, error) {
	return m.fetchEmails(q)
}

func (m *stubMailbox) GetEmail(_ context.Context, userID, id string) (*store.Email, error) {
	return m.getEmail(userID, id)
}

func (m *stubMailbox) SaveDraft(_ context.Context, userID, id string, in mailbox.DraftInput) (*store.Email, error) {
	return m.saveDraft(userID, id, in)
}

func (m *stubMailbox) DeleteDraft(_ context.Context, _ string, id string) error {
	m.deleted = append(m.deleted, id)
	return nil
}

func (m *stubMailbox) UpdateMetadata(context.Context, string, []string, []string, []string) (int, error) {
	return 0, fmt.Errorf("emails: %w", mailerr.ErrNotFound)
}

func (m *stubMailbox) Download(_ context.Context, _ string, key string) ([]byte, error) {
	m.downloads = append(m.downloads, key)
	return []byte("<p>hi</p>"), nil
}

func newRouter(mb api.Mailbox, checks map[string]api.Check) *gin.Engine {
	gin.SetMode(gin.TestMode)

	return api.New(api.Options{
		Mailbox: mb,
		Auth:    auth.NewMiddleware(headerVerifier{}, noopAccounts{}, nil).Handler(),
		Checks:  checks,
		Stats:   func() map[string]any { return map[string]any{"keys_cached": 1} },
	}).Router()
}

func do(r http.Handler, method, target, user, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}

	if user != "" {
		req.Header.Set("Authorization", "Bearer "+user)
	}

	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	return w
}

func TestHealth(t *testing.T) {
	ok := newRouter(&stubMailbox{}, map[string]api.Check{
		"database": func(context.Context) error { return nil },
	})

	w := do(ok, http.MethodGet, "/healthz", "", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok","checks":{"database":"ok"},"jwks":{"keys_cached":1}}`, w.Body.String())

	degraded := newRouter(&stubMailbox{}, map[string]api.Check{
		"redis": func(context.Context) error { return errors.New("connection refused") },
	})

	w = do(degraded, http.MethodGet, "/healthz", "", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "connection refused")
}

func TestRoutesRequireAuth(t *testing.T) {
	r := newRouter(&stubMailbox{}, nil)

	for _, target := range []string{"/api/emails", "/api/drafts/count", "/api/files/m1/email.html"} {
		w := do(r, http.MethodGet, target, "", "")
		assert.Equal(t, http.StatusUnauthorized, w.Code, target)
	}
}

func TestFetchEmail(t *testing.T) {
	var got store.User

	mb := &stubMailbox{backfill: func(u store.User) (mailsync.Summary, error) {
		got = u
		return mailsync.Summary{Persisted: 2, EmailIDs: []string{"m1", "m2"}}, nil
	}}

	w := do(newRouter(mb, nil), http.MethodPost, "/api/fetch-email", "u1", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"message":"Processed 2 emails","processed":2,"emails":["m1","m2"]}`, w.Body.String())
	assert.Equal(t, store.User{ID: "u1", Email: "u1@example.com", FullName: "u1"}, got)
}

func TestFetchEmailErrors(t *testing.T) {
	mb := &stubMailbox{backfill: func(store.User) (mailsync.Summary, error) {
		return mailsync.Summary{}, mailerr.Remote("threads.list", mailerr.KindUnauthenticated, errors.New("token revoked"))
	}}

	w := do(newRouter(mb, nil), http.MethodPost, "/api/fetch-email", "u1", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	mb.backfill = func(store.User) (mailsync.Summary, error) {
		return mailsync.Summary{}, errors.New("database is locked")
	}

	w = do(newRouter(mb, nil), http.MethodPost, "/api/fetch-email", "u1", "")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.JSONEq(t, `{"error":"internal error"}`, w.Body.String())
}

func TestListEmailsPassesQuery(t *testing.T) {
	var got store.ThreadQuery

	mb := &stubMailbox{fetchEmails: func(q store.ThreadQuery) (*store.ThreadPage, error) {
		got = q
		return &store.ThreadPage{Threads: []store.Thread{{ID: "t1"}}, NextCursor: "t1"}, nil
	}}

	w := do(newRouter(mb, nil), http.MethodGet, "/api/emails?label=sent&search=invoice&cursor=t0&limit=5", "u1", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"nextCursor":"t1"`)
	assert.Equal(t, store.ThreadQuery{UserID: "u1", Label: "sent", Search: "invoice", Cursor: "t0", Limit: 5}, got)

	mb.fetchEmails = func(q store.ThreadQuery) (*store.ThreadPage, error) {
		return nil, fmt.Errorf("unknown label %q: %w", q.Label, mailerr.ErrInvalidArgument)
	}

	w = do(newRouter(mb, nil), http.MethodGet, "/api/emails?label=spam", "u1", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestErrorMapping(t *testing.T) {
	mb := &stubMailbox{
		getEmail: func(_, id string) (*store.Email, error) {
			return nil, fmt.Errorf("email %s: %w", id, mailerr.ErrNotFound)
		},
		saveDraft: func(_, id string, _ mailbox.DraftInput) (*store.Email, error) {
			return nil, fmt.Errorf("email %s: %w", id, mailerr.ErrForbidden)
		},
	}
	r := newRouter(mb, nil)

	assert.Equal(t, http.StatusNotFound, do(r, http.MethodGet, "/api/emails/m9", "u1", "").Code)
	assert.Equal(t, http.StatusForbidden, do(r, http.MethodPut, "/api/drafts/d1", "u1", `{"subject":"x"}`).Code)
	assert.Equal(t, http.StatusNotFound, do(r, http.MethodPatch, "/api/emails/metadata", "u1", `{"ids":["m9"]}`).Code)
	assert.Equal(t, http.StatusBadRequest, do(r, http.MethodPatch, "/api/emails/metadata", "u1", `{"addLabels":["STARRED"]}`).Code)
}

func TestDeleteDraft(t *testing.T) {
	mb := &stubMailbox{}

	w := do(newRouter(mb, nil), http.MethodDelete, "/api/drafts/d1", "u1", "")
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, []string{"d1"}, mb.deleted)
}

func TestDownload(t *testing.T) {
	mb := &stubMailbox{}

	w := do(newRouter(mb, nil), http.MethodGet, "/api/files/m1/email.html", "u1", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/html; charset=utf-8", w.Header().Get("Content-Type"))
	assert.Equal(t, "<p>hi</p>", w.Body.String())
	assert.Equal(t, []string{"/m1/email.html"}, mb.downloads)
}
