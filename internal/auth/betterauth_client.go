package auth

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/Martian-dev/mail-mirror/internal/mailerr"
)

// Provider names an OAuth provider account.
type Provider string

const ProviderGoogle Provider = "google"

// Token is an OAuth credential held by the auth server.
type Token struct {
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
}

// BetterAuthClient fetches OAuth tokens from BetterAuth.
type BetterAuthClient struct {
	baseURL string
	client  *http.Client
}

func NewBetterAuthClient(authServerURL string) *BetterAuthClient {
	return &BetterAuthClient{
		baseURL: strings.TrimRight(authServerURL, "/"),
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// GetToken fetches the caller's provider token using their JWT. BetterAuth owns
// storage and refresh of the token.
func (c *BetterAuthClient) GetToken(ctx context.Context, userJWT string, provider Provider) (*Token, error) {
	url := fmt.Sprintf("%s/api/auth/accounts/%s/token", c.baseURL, provider)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+userJWT)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, fmt.Errorf("no %s account connected: %w", provider, mailerr.ErrNotFound)
	case http.StatusUnauthorized:
		return nil, fmt.Errorf("auth server rejected token: %w", mailerr.ErrUnauthenticated)
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("bad status %d: %s", resp.StatusCode, string(body))
	}

	var result struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresAt    int64  `json:"expires_at"` // unix seconds
	}

	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	return &Token{
		AccessToken:  result.AccessToken,
		RefreshToken: result.RefreshToken,
		Expiry:       time.Unix(result.ExpiresAt, 0),
	}, nil
}
