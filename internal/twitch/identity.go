// Package twitch provides the identity (OAuth) and Helix API clients.
//
// Both clients are plain HTTP in the provider style: short timeouts,
// wrapped errors, no retries beyond the documented 401-retry on app
// tokens.
package twitch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

const (
	defaultTokenURL = "https://id.twitch.tv/oauth2/token"

	// identityTimeout caps identity-platform calls.
	identityTimeout = 10 * time.Second

	// earlyRefresh renews app tokens this long before expiry.
	earlyRefresh = 5 * time.Minute
)

// UserToken is the result of a refresh_token grant. RefreshToken is
// non-empty only when the platform rotated it; the caller must persist
// the new value.
type UserToken struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    time.Duration
}

// Identity exchanges credentials at the identity platform and caches
// the app access token. Safe for concurrent use.
type Identity struct {
	clientID     string
	clientSecret string
	tokenURL     string
	httpClient   *http.Client

	mu          sync.Mutex
	appToken    string
	appTokenExp time.Time
}

// IdentityOption configures an [Identity].
type IdentityOption func(*Identity)

// WithTokenURL overrides the identity endpoint. Used in tests.
func WithTokenURL(u string) IdentityOption {
	return func(i *Identity) { i.tokenURL = u }
}

// WithIdentityHTTPClient replaces the default HTTP client.
func WithIdentityHTTPClient(c *http.Client) IdentityOption {
	return func(i *Identity) { i.httpClient = c }
}

// NewIdentity creates an identity client.
func NewIdentity(clientID, clientSecret string, opts ...IdentityOption) *Identity {
	i := &Identity{
		clientID:     clientID,
		clientSecret: clientSecret,
		tokenURL:     defaultTokenURL,
		httpClient:   &http.Client{Timeout: identityTimeout},
	}
	for _, o := range opts {
		o(i)
	}
	return i
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
}

// AppToken returns a valid app access token, exchanging client
// credentials when the cached token is missing or within the early
// refresh window.
func (i *Identity) AppToken(ctx context.Context) (string, error) {
	i.mu.Lock()
	if i.appToken != "" && time.Now().Before(i.appTokenExp.Add(-earlyRefresh)) {
		tok := i.appToken
		i.mu.Unlock()
		return tok, nil
	}
	i.mu.Unlock()

	resp, err := i.exchange(ctx, url.Values{
		"client_id":     {i.clientID},
		"client_secret": {i.clientSecret},
		"grant_type":    {"client_credentials"},
	})
	if err != nil {
		return "", err
	}

	i.mu.Lock()
	i.appToken = resp.AccessToken
	i.appTokenExp = time.Now().Add(time.Duration(resp.ExpiresIn) * time.Second)
	i.mu.Unlock()
	return resp.AccessToken, nil
}

// InvalidateAppToken drops the cached app token. Called after a 401 so
// the next AppToken call fetches a fresh one.
func (i *Identity) InvalidateAppToken() {
	i.mu.Lock()
	i.appToken = ""
	i.mu.Unlock()
}

// RefreshUserToken exchanges refreshToken for a new user access token.
// The returned RefreshToken is non-empty when the platform rotated it.
func (i *Identity) RefreshUserToken(ctx context.Context, refreshToken string) (*UserToken, error) {
	resp, err := i.exchange(ctx, url.Values{
		"client_id":     {i.clientID},
		"client_secret": {i.clientSecret},
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
	})
	if err != nil {
		return nil, err
	}
	return &UserToken{
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
		ExpiresIn:    time.Duration(resp.ExpiresIn) * time.Second,
	}, nil
}

func (i *Identity) exchange(ctx context.Context, form url.Values) (*tokenResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, i.tokenURL,
		strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("twitch: build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	httpResp, err := i.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("twitch: token exchange: %w", err)
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(httpResp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("twitch: read token response: %w", err)
	}
	if httpResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("twitch: token exchange failed (status %d): %s",
			httpResp.StatusCode, strings.TrimSpace(string(body)))
	}

	var resp tokenResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("twitch: decode token response: %w", err)
	}
	return &resp, nil
}
