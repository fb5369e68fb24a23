// Package redemption implements the channel-points redemption state
// machine: Pending (unfulfilled, cached), Approved (fulfilled, played),
// Canceled (refunded), AutoFulfilled (skip-queue path).
//
// Redemptions arrive exclusively through EventSub add/update
// notifications. Rejected redemptions are refunded upstream on a
// best-effort basis; the audio is never played regardless of whether
// the refund succeeds.
package redemption

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/overvox/overvox/internal/engine"
	"github.com/overvox/overvox/internal/observe"
	"github.com/overvox/overvox/internal/store"
)

const (
	// pendingTTL bounds how long an unapproved redemption stays cached.
	pendingTTL = 24 * time.Hour

	// pruneInterval is the background sweep cadence.
	pruneInterval = 6 * time.Hour
)

// Redemption statuses as delivered by the platform.
const (
	StatusUnfulfilled = "unfulfilled"
	StatusFulfilled   = "fulfilled"
	StatusCanceled    = "canceled"
)

// Content-policy rejection reasons.
var (
	ErrEmptyText  = errors.New("redemption: empty text")
	ErrLink       = errors.New("redemption: text contains a link")
	ErrBannedWord = errors.New("redemption: text contains a banned word")
)

var linkPattern = regexp.MustCompile(`https?://\S*`)

// Event is one redemption notification in decoded form.
type Event struct {
	ID            string
	Status        string
	RewardID      string
	Channel       string // broadcaster login, lowercase
	BroadcasterID string
	User          string
	Input         string
}

// ConfigSource supplies channel records and viewer prefs.
type ConfigSource interface {
	ChannelConfig(ctx context.Context, login string) (*store.ChannelConfig, error)
	ViewerPrefs(ctx context.Context, username string) (*store.VoicePrefs, error)
}

// Publisher distributes approved speak-decisions across replicas.
type Publisher interface {
	Publish(ctx context.Context, channel string, item engine.Item) error
}

// Canceler refunds a redemption upstream.
type Canceler interface {
	CancelRedemption(ctx context.Context, userToken, broadcasterID, rewardID, redemptionID string) error
}

// TokenSource yields the broadcaster's user access token for refunds.
type TokenSource interface {
	UserAccessToken(ctx context.Context, login string) (string, error)
}

type pendingEntry struct {
	ev        Event
	createdAt time.Time
}

// Machine holds the pending cache and drives the state transitions.
type Machine struct {
	configs   ConfigSource
	publisher Publisher
	canceler  Canceler
	tokens    TokenSource
	metrics   *observe.Metrics
	now       func() time.Time

	mu      sync.Mutex
	pending map[string]pendingEntry
}

// New creates a Machine. Call Run to start the background prune.
func New(configs ConfigSource, publisher Publisher, canceler Canceler, tokens TokenSource, metrics *observe.Metrics) *Machine {
	return &Machine{
		configs:   configs,
		publisher: publisher,
		canceler:  canceler,
		tokens:    tokens,
		metrics:   metrics,
		now:       time.Now,
		pending:   make(map[string]pendingEntry),
	}
}

// Run prunes expired pending entries until ctx is cancelled.
func (m *Machine) Run(ctx context.Context) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if n := m.prune(); n > 0 {
				slog.Info("pruned expired pending redemptions", "count", n)
			}
		case <-ctx.Done():
			return
		}
	}
}

// PendingCount reports the pending cache size.
func (m *Machine) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// HandleAdd processes a redemption add notification.
func (m *Machine) HandleAdd(ctx context.Context, ev Event) {
	cfg, ok := m.boundConfig(ctx, ev)
	if !ok {
		return
	}

	switch ev.Status {
	case StatusUnfulfilled:
		// Manual-approval queue: cache until the broadcaster decides.
		m.mu.Lock()
		m.pending[ev.ID] = pendingEntry{ev: ev, createdAt: m.now()}
		m.mu.Unlock()
		m.count("pending")
		slog.Debug("redemption pending approval", "channel", ev.Channel, "id", ev.ID)

	case StatusFulfilled:
		// Skip-queue reward: no approval step.
		m.approve(ctx, cfg, ev, "auto_fulfilled")

	default:
		slog.Debug("ignoring redemption add", "status", ev.Status, "id", ev.ID)
	}
}

// HandleUpdate processes a redemption update notification.
func (m *Machine) HandleUpdate(ctx context.Context, ev Event) {
	cfg, ok := m.boundConfig(ctx, ev)
	if !ok {
		return
	}

	switch ev.Status {
	case StatusFulfilled:
		m.mu.Lock()
		entry, hit := m.pending[ev.ID]
		delete(m.pending, ev.ID)
		m.mu.Unlock()
		if !hit {
			// Late notification of a skip-queue redemption already played
			// by the add path.
			slog.Debug("fulfilled update without pending entry", "id", ev.ID)
			return
		}
		m.approve(ctx, cfg, entry.ev, "approved")

	case StatusCanceled:
		m.mu.Lock()
		delete(m.pending, ev.ID)
		m.mu.Unlock()
		m.count("canceled")
		slog.Debug("redemption canceled by broadcaster", "channel", ev.Channel, "id", ev.ID)

	default:
		slog.Debug("ignoring redemption update", "status", ev.Status, "id", ev.ID)
	}
}

// boundConfig loads the channel record and checks the reward binding.
// Events for unbound or disabled rewards are dropped silently.
func (m *Machine) boundConfig(ctx context.Context, ev Event) (*store.ChannelConfig, bool) {
	cfg, err := m.configs.ChannelConfig(ctx, ev.Channel)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			slog.Warn("redemption: channel config unavailable", "channel", ev.Channel, "err", err)
		}
		return nil, false
	}
	if !cfg.Enabled || !cfg.Reward.Enabled || cfg.Reward.ID == "" || cfg.Reward.ID != ev.RewardID {
		return nil, false
	}
	return cfg, true
}

// approve validates content policy and publishes the speak-decision.
// Policy violations trigger an upstream refund attempt.
func (m *Machine) approve(ctx context.Context, cfg *store.ChannelConfig, ev Event, verdict string) {
	if err := Validate(cfg.Reward, ev.Input); err != nil {
		slog.Info("redemption rejected by content policy",
			"channel", ev.Channel, "id", ev.ID, "reason", err)
		m.count("rejected")
		m.refund(ctx, ev)
		return
	}

	text := ev.Input
	if !cfg.ReadFullURLs {
		text = linkPattern.ReplaceAllString(text, "link")
	}

	var global *store.VoicePrefs
	if cfg.HonorViewerPrefs {
		if prefs, err := m.configs.ViewerPrefs(ctx, ev.User); err == nil {
			global = prefs
		}
	}

	item := engine.Item{
		Text:       text,
		Speaker:    strings.ToLower(ev.User),
		Type:       engine.TypeReward,
		Params:     engine.ResolveVoice(cfg, strings.ToLower(ev.User), global, nil),
		EnqueuedAt: m.now(),
	}
	if err := m.publisher.Publish(ctx, ev.Channel, item); err != nil {
		slog.Error("redemption publish failed", "channel", ev.Channel, "id", ev.ID, "err", err)
		return
	}
	m.count(verdict)
}

// refund attempts the upstream PATCH cancel so the viewer gets their
// points back. Failure is logged only; the audio stays unplayed either
// way.
func (m *Machine) refund(ctx context.Context, ev Event) {
	token, err := m.tokens.UserAccessToken(ctx, ev.Channel)
	if err != nil {
		slog.Warn("redemption refund: no broadcaster token", "channel", ev.Channel, "err", err)
		return
	}
	if err := m.canceler.CancelRedemption(ctx, token, ev.BroadcasterID, ev.RewardID, ev.ID); err != nil {
		slog.Warn("redemption refund failed", "channel", ev.Channel, "id", ev.ID, "err", err)
		return
	}
	slog.Info("redemption refunded", "channel", ev.Channel, "id", ev.ID)
}

func (m *Machine) prune() int {
	cutoff := m.now().Add(-pendingTTL)

	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, e := range m.pending {
		if e.createdAt.Before(cutoff) {
			delete(m.pending, id)
			n++
		}
	}
	return n
}

func (m *Machine) count(verdict string) {
	if m.metrics == nil {
		return
	}
	m.metrics.Count(observe.RedemptionVerdicts, attribute.String("verdict", verdict))
}

// Validate applies the channel's content policy to a redemption text.
// The zero error means the text may be spoken.
func Validate(reward store.RewardConfig, text string) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmptyText
	}
	if reward.BlockLinks && linkPattern.MatchString(text) {
		return ErrLink
	}
	lower := strings.ToLower(text)
	for _, w := range reward.BannedWords {
		w = strings.TrimSpace(strings.ToLower(w))
		if w == "" {
			continue
		}
		if strings.Contains(lower, w) {
			return fmt.Errorf("%w: %q", ErrBannedWord, w)
		}
	}
	return nil
}
