// Package commands implements the chat command surface for moderator
// controls and viewer voice preferences. The pipeline offers every
// inbound line to the router; recognized commands report their name so
// the chat decision table can still speak the original line in mode
// all.
package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/overvox/overvox/internal/chat"
	"github.com/overvox/overvox/internal/engine"
	"github.com/overvox/overvox/internal/store"
	"github.com/overvox/overvox/pkg/voices"
)

// Command names, without the leading bang.
const (
	CmdTTS    = "tts"
	CmdStop   = "ttsstop"
	CmdPause  = "ttspause"
	CmdResume = "ttsresume"
	CmdClear  = "ttsclear"
	CmdVoice  = "ttsvoice"
)

// Engine is the queue-control surface the commands operate on.
type Engine interface {
	Pause(channel string)
	Resume(channel string)
	Clear(channel string) int
	StopCurrent(channel string) bool
	CurrentSpeaker(channel string) string
}

// Publisher distributes speak-decisions across replicas.
type Publisher interface {
	Publish(ctx context.Context, channel string, item engine.Item) error
}

// Replier sends a chat reply through the outbound queue.
type Replier interface {
	Reply(channel, parentID, text string)
}

// ConfigSource supplies channel records and viewer prefs.
type ConfigSource interface {
	ChannelConfig(ctx context.Context, login string) (*store.ChannelConfig, error)
	ViewerPrefs(ctx context.Context, username string) (*store.VoicePrefs, error)
	SetViewerPrefs(ctx context.Context, username string, prefs *store.VoicePrefs) error
}

// Router parses and executes the built-in command set.
type Router struct {
	engine    Engine
	publisher Publisher
	configs   ConfigSource
	replier   Replier
}

// New creates a Router. replier may be nil when the process is not the
// chat leader; command effects still apply, replies are skipped.
func New(eng Engine, publisher Publisher, configs ConfigSource, replier Replier) *Router {
	return &Router{engine: eng, publisher: publisher, configs: configs, replier: replier}
}

// Route offers one chat line to the command set. It returns the command
// name and true when the line was a recognized command, whether or not
// the sender had authority to run it.
func (r *Router) Route(ctx context.Context, m chat.Message) (string, bool) {
	if !strings.HasPrefix(m.Text, "!") {
		return "", false
	}
	name, rest, _ := strings.Cut(strings.TrimPrefix(m.Text, "!"), " ")
	name = strings.ToLower(name)
	rest = strings.TrimSpace(rest)

	switch name {
	case CmdTTS:
		r.speakSelf(ctx, m, rest)
	case CmdStop:
		r.stop(m)
	case CmdPause:
		r.modOnly(m, func() {
			r.engine.Pause(m.Channel)
			r.reply(m, "TTS paused.")
		})
	case CmdResume:
		r.modOnly(m, func() {
			r.engine.Resume(m.Channel)
			r.reply(m, "TTS resumed.")
		})
	case CmdClear:
		r.modOnly(m, func() {
			n := r.engine.Clear(m.Channel)
			r.reply(m, fmt.Sprintf("Cleared %d queued messages.", n))
		})
	case CmdVoice:
		r.setVoice(ctx, m, rest)
	default:
		return "", false
	}
	return name, true
}

// speakSelf handles !tts <text>: speak the argument with the sender's
// resolved voice, subject to the channel's permission gate.
func (r *Router) speakSelf(ctx context.Context, m chat.Message, text string) {
	if text == "" {
		r.reply(m, "Usage: !tts <text>")
		return
	}

	cfg, err := r.configs.ChannelConfig(ctx, m.Channel)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			slog.Warn("tts command: channel config unavailable", "channel", m.Channel, "err", err)
		}
		return
	}
	if !cfg.Enabled || cfg.IsIgnored(m.User) {
		return
	}
	if cfg.Permission == store.PermMods && !m.HasModAuthority() {
		return
	}

	var global *store.VoicePrefs
	if cfg.HonorViewerPrefs {
		if prefs, err := r.configs.ViewerPrefs(ctx, m.User); err == nil {
			global = prefs
		}
	}

	item := engine.Item{
		Text:       text,
		Speaker:    m.User,
		Type:       engine.TypeCommand,
		Params:     engine.ResolveVoice(cfg, m.User, global, nil),
		EnqueuedAt: time.Now(),
	}
	if err := r.publisher.Publish(ctx, m.Channel, item); err != nil {
		slog.Error("tts command: publish failed", "channel", m.Channel, "err", err)
	}
}

// stop handles !ttsstop. Authority: the broadcaster, any moderator, or
// the speaker whose audio is currently playing (self-stop).
func (r *Router) stop(m chat.Message) {
	selfStop := strings.EqualFold(r.engine.CurrentSpeaker(m.Channel), m.User)
	if !m.HasModAuthority() && !selfStop {
		return
	}
	if r.engine.StopCurrent(m.Channel) {
		r.reply(m, "Stopped current TTS.")
	}
}

// setVoice handles !ttsvoice <voice-id>: update the sender's global
// voice preference after checking the catalog.
func (r *Router) setVoice(ctx context.Context, m chat.Message, voiceID string) {
	if voiceID == "" {
		r.reply(m, "Usage: !ttsvoice <voice>")
		return
	}
	if !voices.Exists(voiceID) {
		r.reply(m, fmt.Sprintf("Unknown voice %q.", voiceID))
		return
	}

	prefs, err := r.configs.ViewerPrefs(ctx, m.User)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			slog.Warn("ttsvoice: prefs unavailable", "user", m.User, "err", err)
			return
		}
		prefs = &store.VoicePrefs{}
	}
	prefs.VoiceID = &voiceID

	if err := r.configs.SetViewerPrefs(ctx, m.User, prefs); err != nil {
		slog.Error("ttsvoice: save failed", "user", m.User, "err", err)
		return
	}
	r.reply(m, fmt.Sprintf("Voice set to %s.", voiceID))
}

func (r *Router) modOnly(m chat.Message, fn func()) {
	if !m.HasModAuthority() {
		return
	}
	fn()
}

func (r *Router) reply(m chat.Message, text string) {
	if r.replier == nil {
		return
	}
	r.replier.Reply(m.Channel, m.ID, text)
}
