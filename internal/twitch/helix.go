package twitch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	defaultHelixURL = "https://api.twitch.tv/helix"

	// helixTimeout caps platform API calls.
	helixTimeout = 10 * time.Second

	// maxBatch is the platform's per-request lookup limit.
	maxBatch = 100
)

// User is one /users record.
type User struct {
	ID          string `json:"id"`
	Login       string `json:"login"`
	DisplayName string `json:"display_name"`
}

// ChannelInfo is one /channels record.
type ChannelInfo struct {
	BroadcasterID    string `json:"broadcaster_id"`
	BroadcasterLogin string `json:"broadcaster_login"`
	GameName         string `json:"game_name"`
	Title            string `json:"title"`
}

// SharedSession is one /shared_chat/session record.
type SharedSession struct {
	SessionID    string `json:"session_id"`
	HostID       string `json:"host_broadcaster_id"`
	Participants []struct {
		BroadcasterID string `json:"broadcaster_id"`
	} `json:"participants"`
}

// Helix is the platform API client. App-token calls retry once after a
// 401 with the token cache cleared.
type Helix struct {
	identity   *Identity
	clientID   string
	baseURL    string
	httpClient *http.Client
}

// HelixOption configures a [Helix] client.
type HelixOption func(*Helix)

// WithHelixURL overrides the API base URL. Used in tests.
func WithHelixURL(u string) HelixOption {
	return func(h *Helix) { h.baseURL = strings.TrimSuffix(u, "/") }
}

// WithHelixHTTPClient replaces the default HTTP client.
func WithHelixHTTPClient(c *http.Client) HelixOption {
	return func(h *Helix) { h.httpClient = c }
}

// NewHelix creates a platform API client authenticating with app tokens
// from identity.
func NewHelix(identity *Identity, clientID string, opts ...HelixOption) *Helix {
	h := &Helix{
		identity:   identity,
		clientID:   clientID,
		baseURL:    defaultHelixURL,
		httpClient: &http.Client{Timeout: helixTimeout},
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// UsersByLogin resolves logins to user records, batching requests at
// the platform limit. Unknown logins are silently absent.
func (h *Helix) UsersByLogin(ctx context.Context, logins []string) ([]User, error) {
	var out []User
	for start := 0; start < len(logins); start += maxBatch {
		end := min(start+maxBatch, len(logins))

		q := url.Values{}
		for _, l := range logins[start:end] {
			q.Add("login", strings.ToLower(l))
		}

		var resp struct {
			Data []User `json:"data"`
		}
		if err := h.get(ctx, "/users?"+q.Encode(), &resp); err != nil {
			return nil, err
		}
		out = append(out, resp.Data...)
	}
	return out, nil
}

// ChannelsByID resolves broadcaster ids to channel records.
func (h *Helix) ChannelsByID(ctx context.Context, ids []string) ([]ChannelInfo, error) {
	var out []ChannelInfo
	for start := 0; start < len(ids); start += maxBatch {
		end := min(start+maxBatch, len(ids))

		q := url.Values{}
		for _, id := range ids[start:end] {
			q.Add("broadcaster_id", id)
		}

		var resp struct {
			Data []ChannelInfo `json:"data"`
		}
		if err := h.get(ctx, "/channels?"+q.Encode(), &resp); err != nil {
			return nil, err
		}
		out = append(out, resp.Data...)
	}
	return out, nil
}

// SharedChatSession returns the broadcaster's active shared-chat
// session, or nil when not in a session (the platform answers 404).
func (h *Helix) SharedChatSession(ctx context.Context, broadcasterID string) (*SharedSession, error) {
	var resp struct {
		Data []SharedSession `json:"data"`
	}
	err := h.get(ctx, "/shared_chat/session?broadcaster_id="+url.QueryEscape(broadcasterID), &resp)
	if err != nil {
		var se *statusError
		if errors.As(err, &se) && se.code == http.StatusNotFound {
			return nil, nil
		}
		return nil, err
	}
	if len(resp.Data) == 0 {
		return nil, nil
	}
	return &resp.Data[0], nil
}

// CancelRedemption refunds a channel-points redemption. It requires the
// broadcaster's user token — app tokens cannot mutate redemptions.
func (h *Helix) CancelRedemption(ctx context.Context, userToken, broadcasterID, rewardID, redemptionID string) error {
	q := url.Values{
		"broadcaster_id": {broadcasterID},
		"reward_id":      {rewardID},
		"id":             {redemptionID},
	}
	body, _ := json.Marshal(map[string]string{"status": "CANCELED"})

	req, err := http.NewRequestWithContext(ctx, http.MethodPatch,
		h.baseURL+"/channel_points/custom_rewards/redemptions?"+q.Encode(), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("twitch: build redemption cancel: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+userToken)
	req.Header.Set("Client-ID", h.clientID)

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("twitch: cancel redemption: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &statusError{code: resp.StatusCode, body: string(raw), op: "cancel redemption"}
	}
	return nil
}

// statusError carries a non-2xx platform response.
type statusError struct {
	code int
	body string
	op   string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("twitch: %s failed (status %d): %s", e.op, e.code, strings.TrimSpace(e.body))
}

// get performs an app-token GET with one retry after 401.
func (h *Helix) get(ctx context.Context, path string, out any) error {
	for attempt := 0; ; attempt++ {
		token, err := h.identity.AppToken(ctx)
		if err != nil {
			return fmt.Errorf("twitch: app token: %w", err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.baseURL+path, nil)
		if err != nil {
			return fmt.Errorf("twitch: build request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Client-ID", h.clientID)

		resp, err := h.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("twitch: %s: %w", path, err)
		}

		raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		resp.Body.Close()
		if err != nil {
			return fmt.Errorf("twitch: read response: %w", err)
		}

		if resp.StatusCode == http.StatusUnauthorized && attempt == 0 {
			h.identity.InvalidateAppToken()
			continue
		}
		if resp.StatusCode != http.StatusOK {
			return &statusError{code: resp.StatusCode, body: string(raw), op: "GET " + path}
		}
		return json.Unmarshal(raw, out)
	}
}
