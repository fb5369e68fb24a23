// Package pipeline unifies the two inbound event paths — chat lines and
// EventSub webhook notifications — and turns them into speak-decisions.
//
// Decisions are published to the cross-instance bus rather than
// enqueued locally: whichever replica owns the relevant overlay clients
// fulfils the audio. The pipeline also maintains the shared-chat
// session registry and feeds channel-points events into the redemption
// state machine.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/overvox/overvox/internal/chat"
	"github.com/overvox/overvox/internal/engine"
	"github.com/overvox/overvox/internal/redemption"
	"github.com/overvox/overvox/internal/store"
	"github.com/overvox/overvox/internal/webhook"
)

// selfCommand is the TTS self command; its text is spoken by the
// command handler itself and must not be spoken twice by the chat path.
const selfCommand = "tts"

var (
	urlPattern = regexp.MustCompile(`https?://\S*`)

	// cheermotePattern matches the leading cheermote token on a line
	// that carries bits, e.g. "Cheer100 hello" -> "hello".
	cheermotePattern = regexp.MustCompile(`^[A-Za-z]+\d+\s*`)
)

// Publisher distributes speak-decisions across replicas.
type Publisher interface {
	Publish(ctx context.Context, channel string, item engine.Item) error
}

// Router offers a chat line to the command handlers. handled reports
// whether the line was a recognized command; name is the command name.
type Router interface {
	Route(ctx context.Context, m chat.Message) (name string, handled bool)
}

// ConfigSource supplies channel records, viewer prefs, and the managed
// allow list.
type ConfigSource interface {
	ChannelConfig(ctx context.Context, login string) (*store.ChannelConfig, error)
	ViewerPrefs(ctx context.Context, username string) (*store.VoicePrefs, error)
	ManagedChannel(ctx context.Context, login string) (*store.ManagedChannel, error)
}

// Pipeline is the inbound event pipeline.
type Pipeline struct {
	configs     ConfigSource
	publisher   Publisher
	router      Router
	sessions    *SessionRegistry
	redemptions *redemption.Machine

	// botLogin is our own chat identity, dropped at ingress.
	botLogin string
}

// Config holds construction parameters for the pipeline.
type Config struct {
	Configs     ConfigSource
	Publisher   Publisher
	Router      Router
	Sessions    *SessionRegistry
	Redemptions *redemption.Machine
	BotLogin    string
}

// New creates a Pipeline.
func New(cfg Config) *Pipeline {
	return &Pipeline{
		configs:     cfg.Configs,
		publisher:   cfg.Publisher,
		router:      cfg.Router,
		sessions:    cfg.Sessions,
		redemptions: cfg.Redemptions,
		botLogin:    strings.ToLower(cfg.BotLogin),
	}
}

// ─── Chat branch ─────────────────────────────────────────────────────

// HandleChat runs one inbound chat line through the decision table.
func (p *Pipeline) HandleChat(ctx context.Context, m chat.Message) {
	if strings.EqualFold(m.User, p.botLogin) {
		return
	}

	if m.Bits > 0 {
		m.Text = cheermotePattern.ReplaceAllString(m.Text, "")
	}

	var commandName string
	commandRun := false
	if p.router != nil {
		commandName, commandRun = p.router.Route(ctx, m)
	}

	cfg, err := p.configs.ChannelConfig(ctx, m.Channel)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			slog.Warn("chat: channel config unavailable", "channel", m.Channel, "err", err)
		}
		return
	}
	if !cfg.Enabled || cfg.IsIgnored(m.User) {
		return
	}

	switch {
	case commandRun:
		// A recognized command is spoken verbatim in mode all, except
		// the self command whose handler already speaks its argument.
		if commandName != selfCommand && cfg.ReadMode == store.ReadAll {
			p.speak(ctx, cfg, m, m.Text, engine.TypeCommand)
		}

	case cfg.Bits.Enabled:
		if m.Bits >= cfg.Bits.Minimum && m.Bits > 0 {
			p.speak(ctx, cfg, m, p.transform(cfg, m.Text), engine.TypeCheer)
		}
		// Bits mode without bits: silence.

	case cfg.ReadMode == store.ReadAll && p.permitted(cfg, m):
		p.speak(ctx, cfg, m, p.transform(cfg, m.Text), engine.TypeChat)
	}
}

func (p *Pipeline) permitted(cfg *store.ChannelConfig, m chat.Message) bool {
	return cfg.Permission != store.PermMods || m.HasModAuthority()
}

// transform applies the URL substitution unless the channel opted into
// reading full URLs.
func (p *Pipeline) transform(cfg *store.ChannelConfig, text string) string {
	if cfg.ReadFullURLs {
		return text
	}
	return urlPattern.ReplaceAllString(text, "link")
}

// speak resolves voice parameters, attaches the channel's shared-chat
// session if any, and publishes the item to the bus.
func (p *Pipeline) speak(ctx context.Context, cfg *store.ChannelConfig, m chat.Message, text string, typ engine.ItemType) {
	if strings.TrimSpace(text) == "" {
		return
	}

	var global *store.VoicePrefs
	if cfg.HonorViewerPrefs {
		if prefs, err := p.configs.ViewerPrefs(ctx, m.User); err == nil {
			global = prefs
		}
	}

	item := engine.Item{
		Text:       text,
		Speaker:    m.User,
		Type:       typ,
		Params:     engine.ResolveVoice(cfg, m.User, global, nil),
		EnqueuedAt: time.Now(),
		Session:    p.sessions.SessionFor(m.Channel),
	}
	if err := p.publisher.Publish(ctx, m.Channel, item); err != nil {
		slog.Error("chat: publish failed", "channel", m.Channel, "err", err)
	}
}

// ─── Webhook branch ──────────────────────────────────────────────────

// Compile-time check: the pipeline is the webhook dispatcher.
var _ webhook.Dispatcher = (*Pipeline)(nil)

type subscribeEvent struct {
	UserName         string `json:"user_name"`
	BroadcasterLogin string `json:"broadcaster_user_login"`
	IsGift           bool   `json:"is_gift"`
}

type resubEvent struct {
	UserName         string `json:"user_name"`
	BroadcasterLogin string `json:"broadcaster_user_login"`
	CumulativeMonths int    `json:"cumulative_months"`
	Message          struct {
		Text string `json:"text"`
	} `json:"message"`
}

type giftEvent struct {
	UserName         string `json:"user_name"`
	BroadcasterLogin string `json:"broadcaster_user_login"`
	Total            int    `json:"total"`
	IsAnonymous      bool   `json:"is_anonymous"`
}

type cheerEvent struct {
	UserName         string `json:"user_name"`
	BroadcasterLogin string `json:"broadcaster_user_login"`
	Bits             int    `json:"bits"`
	IsAnonymous      bool   `json:"is_anonymous"`
}

type raidEvent struct {
	FromName string `json:"from_broadcaster_user_name"`
	ToLogin  string `json:"to_broadcaster_user_login"`
	Viewers  int    `json:"viewers"`
}

type followEvent struct {
	UserName         string `json:"user_name"`
	BroadcasterLogin string `json:"broadcaster_user_login"`
}

type sharedChatEvent struct {
	SessionID    string `json:"session_id"`
	Participants []struct {
		BroadcasterLogin string `json:"broadcaster_user_login"`
	} `json:"participants"`
}

type redemptionEvent struct {
	ID               string `json:"id"`
	BroadcasterID    string `json:"broadcaster_user_id"`
	BroadcasterLogin string `json:"broadcaster_user_login"`
	UserLogin        string `json:"user_login"`
	UserInput        string `json:"user_input"`
	Status           string `json:"status"`
	Reward           struct {
		ID string `json:"id"`
	} `json:"reward"`
}

// Dispatch routes one verified EventSub notification. Runs off the
// HTTP request goroutine; the intake already acked 200.
func (p *Pipeline) Dispatch(n webhook.Notification) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	switch n.Type {
	case "channel.subscribe":
		var ev subscribeEvent
		if !decode(n, &ev) {
			return
		}
		if ev.IsGift {
			// The gift event announces these; announcing each recipient
			// too would spam the overlay.
			return
		}
		p.narrate(ctx, ev.BroadcasterLogin, engine.SpeakerEvent,
			fmt.Sprintf("%s just subscribed!", ev.UserName))

	case "channel.subscription.message":
		var ev resubEvent
		if !decode(n, &ev) {
			return
		}
		text := fmt.Sprintf("%s resubscribed for %d months!", ev.UserName, ev.CumulativeMonths)
		if msg := strings.TrimSpace(ev.Message.Text); msg != "" {
			text += " " + msg
		}
		p.narrate(ctx, ev.BroadcasterLogin, engine.SpeakerEvent, text)

	case "channel.subscription.gift":
		var ev giftEvent
		if !decode(n, &ev) {
			return
		}
		name, speaker := ev.UserName, engine.SpeakerEvent
		if ev.IsAnonymous {
			name, speaker = "An anonymous gifter", engine.SpeakerAnonGift
		}
		p.narrate(ctx, ev.BroadcasterLogin, speaker,
			fmt.Sprintf("%s gifted %d subs!", name, ev.Total))

	case "channel.cheer":
		// Cheers carrying a chat message are spoken by the chat path;
		// this path only announces the cheer itself.
		var ev cheerEvent
		if !decode(n, &ev) {
			return
		}
		name, speaker := ev.UserName, engine.SpeakerEvent
		if ev.IsAnonymous {
			name, speaker = "An anonymous cheerer", engine.SpeakerAnonymous
		}
		p.narrate(ctx, ev.BroadcasterLogin, speaker,
			fmt.Sprintf("%s cheered %d bits!", name, ev.Bits))

	case "channel.raid":
		var ev raidEvent
		if !decode(n, &ev) {
			return
		}
		p.narrate(ctx, ev.ToLogin, engine.SpeakerEvent,
			fmt.Sprintf("%s is raiding with %d viewers!", ev.FromName, ev.Viewers))

	case "channel.follow":
		var ev followEvent
		if !decode(n, &ev) {
			return
		}
		p.narrate(ctx, ev.BroadcasterLogin, engine.SpeakerEvent,
			fmt.Sprintf("%s just followed!", ev.UserName))

	case "channel.shared_chat.begin", "channel.shared_chat.update":
		var ev sharedChatEvent
		if !decode(n, &ev) {
			return
		}
		logins := make([]string, 0, len(ev.Participants))
		for _, part := range ev.Participants {
			logins = append(logins, part.BroadcasterLogin)
		}
		p.sessions.Put(ev.SessionID, logins)

	case "channel.shared_chat.end":
		var ev sharedChatEvent
		if !decode(n, &ev) {
			return
		}
		p.sessions.Remove(ev.SessionID)

	case "channel.channel_points_custom_reward_redemption.add":
		var ev redemptionEvent
		if !decode(n, &ev) {
			return
		}
		p.redemptions.HandleAdd(ctx, toRedemption(ev))

	case "channel.channel_points_custom_reward_redemption.update":
		var ev redemptionEvent
		if !decode(n, &ev) {
			return
		}
		p.redemptions.HandleUpdate(ctx, toRedemption(ev))

	default:
		slog.Debug("unhandled eventsub type", "type", n.Type)
	}
}

func toRedemption(ev redemptionEvent) redemption.Event {
	return redemption.Event{
		ID:            ev.ID,
		Status:        ev.Status,
		RewardID:      ev.Reward.ID,
		Channel:       strings.ToLower(ev.BroadcasterLogin),
		BroadcasterID: ev.BroadcasterID,
		User:          ev.UserLogin,
		Input:         ev.UserInput,
	}
}

func decode(n webhook.Notification, out any) bool {
	if err := json.Unmarshal(n.Event, out); err != nil {
		slog.Warn("malformed eventsub payload", "type", n.Type, "err", err)
		return false
	}
	return true
}

// narrate publishes a fixed event narration, gated on the channel being
// managed with engine and event-speech enabled.
func (p *Pipeline) narrate(ctx context.Context, channel, speaker, text string) {
	channel = strings.ToLower(channel)

	managed, err := p.configs.ManagedChannel(ctx, channel)
	if err != nil || !managed.IsActive {
		return
	}
	cfg, err := p.configs.ChannelConfig(ctx, channel)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			slog.Warn("narrate: channel config unavailable", "channel", channel, "err", err)
		}
		return
	}
	if !cfg.Enabled || !cfg.EventSpeech {
		return
	}

	item := engine.Item{
		Text:       text,
		Speaker:    speaker,
		Type:       engine.TypeEvent,
		Params:     engine.ResolveVoice(cfg, speaker, nil, nil),
		EnqueuedAt: time.Now(),
		Session:    p.sessions.SessionFor(channel),
	}
	if err := p.publisher.Publish(ctx, channel, item); err != nil {
		slog.Error("narrate: publish failed", "channel", channel, "err", err)
	}
}
