package twitch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

// helixFixture wires an identity stub and a Helix API stub together.
func helixFixture(t *testing.T, api http.HandlerFunc) *Helix {
	t.Helper()

	idSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"access_token": "app-tok", "expires_in": 3600})
	}))
	t.Cleanup(idSrv.Close)

	apiSrv := httptest.NewServer(api)
	t.Cleanup(apiSrv.Close)

	id := NewIdentity("cid", "csecret", WithTokenURL(idSrv.URL))
	return NewHelix(id, "cid", WithHelixURL(apiSrv.URL))
}

func TestUsersByLogin(t *testing.T) {
	t.Parallel()

	h := helixFixture(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Client-ID"); got != "cid" {
			t.Errorf("Client-ID = %q", got)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer app-tok" {
			t.Errorf("Authorization = %q", got)
		}
		logins := r.URL.Query()["login"]
		if len(logins) != 2 || logins[0] != "alice" || logins[1] != "bob" {
			t.Errorf("login params = %v", logins)
		}
		json.NewEncoder(w).Encode(map[string]any{"data": []map[string]string{
			{"id": "1", "login": "alice", "display_name": "Alice"},
		}})
	})

	users, err := h.UsersByLogin(context.Background(), []string{"Alice", "BOB"})
	if err != nil {
		t.Fatalf("UsersByLogin: %v", err)
	}
	if len(users) != 1 || users[0].ID != "1" {
		t.Errorf("users = %+v", users)
	}
}

func TestGet_RetriesOnceAfter401(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	h := helixFixture(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"data": []map[string]string{
			{"id": "1", "login": "alice"},
		}})
	})

	users, err := h.UsersByLogin(context.Background(), []string{"alice"})
	if err != nil {
		t.Fatalf("UsersByLogin after 401 retry: %v", err)
	}
	if len(users) != 1 {
		t.Errorf("users = %+v", users)
	}
	if calls.Load() != 2 {
		t.Errorf("api calls = %d, want 2", calls.Load())
	}
}

func TestGet_SecondUnauthorizedSurfaces(t *testing.T) {
	t.Parallel()

	h := helixFixture(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})

	if _, err := h.UsersByLogin(context.Background(), []string{"alice"}); err == nil {
		t.Fatal("expected an error after the retry also got 401")
	}
}

func TestSharedChatSession_NotFoundMeansNoSession(t *testing.T) {
	t.Parallel()

	h := helixFixture(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	sess, err := h.SharedChatSession(context.Background(), "123")
	if err != nil {
		t.Fatalf("SharedChatSession: %v", err)
	}
	if sess != nil {
		t.Errorf("session = %+v, want nil", sess)
	}
}

func TestCancelRedemption(t *testing.T) {
	t.Parallel()

	t.Run("patches with the user token", func(t *testing.T) {
		t.Parallel()

		h := helixFixture(t, func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPatch {
				t.Errorf("method = %q, want PATCH", r.Method)
			}
			if got := r.Header.Get("Authorization"); got != "Bearer user-tok" {
				t.Errorf("Authorization = %q, want the broadcaster token", got)
			}
			q := r.URL.Query()
			if q.Get("broadcaster_id") != "123" || q.Get("reward_id") != "r1" || q.Get("id") != "red1" {
				t.Errorf("query = %v", q)
			}
			var body map[string]string
			json.NewDecoder(r.Body).Decode(&body)
			if body["status"] != "CANCELED" {
				t.Errorf("status = %q", body["status"])
			}
			w.WriteHeader(http.StatusOK)
		})

		err := h.CancelRedemption(context.Background(), "user-tok", "123", "r1", "red1")
		if err != nil {
			t.Fatalf("CancelRedemption: %v", err)
		}
	})

	t.Run("non-200 surfaces as error", func(t *testing.T) {
		t.Parallel()

		h := helixFixture(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusForbidden)
		})

		if err := h.CancelRedemption(context.Background(), "user-tok", "123", "r1", "red1"); err == nil {
			t.Fatal("expected an error for a 403")
		}
	})
}
