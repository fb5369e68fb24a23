// Package webhook implements the EventSub intake endpoint: signature
// verification, replay protection, idempotency, the challenge
// handshake, and asynchronous dispatch of verified notifications.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/overvox/overvox/internal/observe"
)

const (
	headerMessageID = "Twitch-Eventsub-Message-Id"
	headerTimestamp = "Twitch-Eventsub-Message-Timestamp"
	headerSignature = "Twitch-Eventsub-Message-Signature"
	headerType      = "Twitch-Eventsub-Message-Type"

	messageTypeNotification = "notification"
	messageTypeVerification = "webhook_callback_verification"
	messageTypeRevocation   = "revocation"

	// replayWindow rejects notifications older than this.
	replayWindow = 10 * time.Minute

	// maxSeenIDs bounds the idempotency window.
	maxSeenIDs = 1000

	// maxBody caps the request body.
	maxBody = 1 << 20
)

// Notification is a verified EventSub notification handed to the
// dispatcher. Event is the raw per-type payload.
type Notification struct {
	ID        string
	Type      string // subscription type, e.g. "channel.cheer"
	Timestamp time.Time
	Event     json.RawMessage
}

// Dispatcher consumes verified notifications. Dispatch runs on its own
// goroutine; the HTTP response has already been written.
type Dispatcher interface {
	Dispatch(n Notification)
}

// Handler is the EventSub intake endpoint. Route it at /twitch/event.
type Handler struct {
	secret     []byte
	dispatcher Dispatcher
	metrics    *observe.Metrics
	now        func() time.Time

	mu   sync.Mutex
	seen map[string]time.Time
}

// New creates a Handler verifying signatures with secret.
func New(secret string, dispatcher Dispatcher, metrics *observe.Metrics) *Handler {
	return &Handler{
		secret:     []byte(secret),
		dispatcher: dispatcher,
		metrics:    metrics,
		now:        time.Now,
		seen:       make(map[string]time.Time),
	}
}

type notificationBody struct {
	Challenge    string `json:"challenge"`
	Subscription struct {
		Type string `json:"type"`
	} `json:"subscription"`
	Event json.RawMessage `json:"event"`
}

// ServeHTTP implements the intake contract: verify, guard, ack, dispatch.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBody+1))
	if err != nil || len(body) > maxBody {
		http.Error(w, "request too large", http.StatusRequestEntityTooLarge)
		return
	}

	msgID := r.Header.Get(headerMessageID)
	timestamp := r.Header.Get(headerTimestamp)
	signature := r.Header.Get(headerSignature)
	msgType := r.Header.Get(headerType)

	if msgID == "" || timestamp == "" || signature == "" {
		http.Error(w, "missing eventsub headers", http.StatusBadRequest)
		return
	}

	if !h.verifySignature(msgID, timestamp, body, signature) {
		slog.Warn("webhook signature mismatch", "message_id", msgID)
		h.count("bad_signature")
		http.Error(w, "signature mismatch", http.StatusForbidden)
		return
	}

	ts, err := time.Parse(time.RFC3339Nano, timestamp)
	if err != nil || h.now().Sub(ts) > replayWindow {
		slog.Warn("webhook outside replay window", "message_id", msgID, "timestamp", timestamp)
		h.count("replay")
		// Acknowledge so the platform stops retrying a message we will
		// never accept.
		w.WriteHeader(http.StatusOK)
		return
	}

	if h.isDuplicate(msgID) {
		slog.Debug("duplicate webhook delivery", "message_id", msgID)
		h.count("duplicate")
		w.WriteHeader(http.StatusOK)
		return
	}

	var parsed notificationBody
	if err := json.Unmarshal(body, &parsed); err != nil {
		http.Error(w, "malformed body", http.StatusBadRequest)
		return
	}

	switch msgType {
	case messageTypeVerification:
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, parsed.Challenge)

	case messageTypeNotification:
		// Ack immediately; handling happens off the request goroutine.
		w.WriteHeader(http.StatusOK)
		h.count("ok")
		go h.dispatcher.Dispatch(Notification{
			ID:        msgID,
			Type:      parsed.Subscription.Type,
			Timestamp: ts,
			Event:     parsed.Event,
		})

	case messageTypeRevocation:
		slog.Warn("eventsub subscription revoked", "type", parsed.Subscription.Type)
		w.WriteHeader(http.StatusOK)

	default:
		w.WriteHeader(http.StatusOK)
	}
}

// verifySignature computes HMAC-SHA256 over id‖timestamp‖body and
// compares with constant-time equality.
func (h *Handler) verifySignature(msgID, timestamp string, body []byte, header string) bool {
	mac := hmac.New(sha256.New, h.secret)
	mac.Write([]byte(msgID))
	mac.Write([]byte(timestamp))
	mac.Write(body)
	expected := "sha256=" + hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(header))
}

// isDuplicate records msgID in the bounded seen window and reports
// whether it was already present. Expired entries are pruned inline;
// when the window is still over capacity the oldest entries go first.
func (h *Handler) isDuplicate(msgID string) bool {
	now := h.now()

	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.seen[msgID]; ok {
		return true
	}

	for id, t := range h.seen {
		if now.Sub(t) > replayWindow {
			delete(h.seen, id)
		}
	}
	for len(h.seen) >= maxSeenIDs {
		var oldestID string
		var oldest time.Time
		for id, t := range h.seen {
			if oldestID == "" || t.Before(oldest) {
				oldestID, oldest = id, t
			}
		}
		delete(h.seen, oldestID)
	}

	h.seen[msgID] = now
	return false
}

func (h *Handler) count(reason string) {
	if h.metrics == nil {
		return
	}
	h.metrics.Count(observe.WebhookNotifications, attribute.String("reason", reason))
}
