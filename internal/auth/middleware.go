package auth

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/Martian-dev/mail-mirror/internal/store"
)

const userKey = "auth.user"

// tokenRefreshMargin is how long before expiry a cached provider token is fetched again.
const tokenRefreshMargin = time.Minute

type Verifier interface {
	UserFromRequest(r *http.Request) (*User, error)
}

// TokenSource returns the provider token of the caller.
type TokenSource interface {
	GetToken(ctx context.Context, userJWT string, provider Provider) (*Token, error)
}

// AccountStore persists callers and their provider tokens.
type AccountStore interface {
	EnsureUser(ctx context.Context, u store.User) (*store.Person, error)
	SaveAccountToken(ctx context.Context, tok store.AccountToken) error
}

// Middleware authenticates requests and records the caller. tokens may be nil, in
// which case provider tokens are expected to be stored out of band.
type Middleware struct {
	verifier Verifier
	accounts AccountStore
	tokens   TokenSource

	mu      sync.Mutex
	known   map[string]bool
	expires map[string]time.Time
}

func NewMiddleware(verifier Verifier, accounts AccountStore, tokens TokenSource) *Middleware {
	return &Middleware{
		verifier: verifier,
		accounts: accounts,
		tokens:   tokens,
		known:    make(map[string]bool),
		expires:  make(map[string]time.Time),
	}
}

// Handler rejects unauthenticated requests with 401.
func (m *Middleware) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		user, err := m.verifier.UserFromRequest(c.Request)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
			c.Abort()
			return
		}

		ctx := c.Request.Context()

		if err := m.ensureUser(ctx, user); err != nil {
			logrus.WithField("user", user.ID).WithError(err).Error("Failed to record user")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to record user"})
			c.Abort()
			return
		}

		m.refreshToken(ctx, user.ID, bearer(c.GetHeader("Authorization")))

		c.Set(userKey, user)
		c.Next()
	}
}

func (m *Middleware) ensureUser(ctx context.Context, user *User) error {
	m.mu.Lock()
	seen := m.known[user.ID]
	m.mu.Unlock()

	if seen || user.Email == "" {
		return nil
	}

	if _, err := m.accounts.EnsureUser(ctx, store.User{
		ID:       user.ID,
		Email:    user.Email,
		FullName: user.Name,
		Provider: string(ProviderGoogle),
	}); err != nil {
		return err
	}

	m.mu.Lock()
	m.known[user.ID] = true
	m.mu.Unlock()

	return nil
}

// refreshToken pulls the caller's Google token so background syncs can use it.
// Failures are logged; handlers report a missing credential themselves.
func (m *Middleware) refreshToken(ctx context.Context, userID, jwt string) {
	if m.tokens == nil || jwt == "" {
		return
	}

	m.mu.Lock()
	expiry, ok := m.expires[userID]
	m.mu.Unlock()

	if ok && time.Until(expiry) > tokenRefreshMargin {
		return
	}

	log := logrus.WithField("user", userID)

	tok, err := m.tokens.GetToken(ctx, jwt, ProviderGoogle)
	if err != nil {
		log.WithError(err).Warn("Failed to fetch provider token")
		return
	}

	if err := m.accounts.SaveAccountToken(ctx, store.AccountToken{
		UserID:       userID,
		Provider:     string(ProviderGoogle),
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Expiry:       tok.Expiry,
	}); err != nil {
		log.WithError(err).Warn("Failed to save provider token")
		return
	}

	m.mu.Lock()
	m.expires[userID] = tok.Expiry
	m.mu.Unlock()
}

func bearer(header string) string {
	if len(header) > 7 && strings.EqualFold(header[:7], "Bearer ") {
		return header[7:]
	}

	return ""
}

// UserFrom returns the caller set by the middleware.
func UserFrom(c *gin.Context) (*User, bool) {
	v, ok := c.Get(userKey)
	if !ok {
		return nil, false
	}

	user, ok := v.(*User)

	return user, ok
}
