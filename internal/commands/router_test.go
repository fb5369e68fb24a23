package commands

import (
	"context"
	"sync"
	"testing"

	"github.com/overvox/overvox/internal/chat"
	"github.com/overvox/overvox/internal/engine"
	"github.com/overvox/overvox/internal/store"
)

// ─── Test doubles ────────────────────────────────────────────────────

type fakeEngine struct {
	mu             sync.Mutex
	paused         bool
	resumed        bool
	cleared        int
	stopped        int
	stopResult     bool
	currentSpeaker string
}

func (f *fakeEngine) Pause(string)  { f.mu.Lock(); f.paused = true; f.mu.Unlock() }
func (f *fakeEngine) Resume(string) { f.mu.Lock(); f.resumed = true; f.mu.Unlock() }

func (f *fakeEngine) Clear(string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cleared
}

func (f *fakeEngine) StopCurrent(string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped++
	return f.stopResult
}

func (f *fakeEngine) CurrentSpeaker(string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.currentSpeaker
}

type fakePublisher struct {
	mu    sync.Mutex
	items []engine.Item
}

func (f *fakePublisher) Publish(_ context.Context, _ string, item engine.Item) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items = append(f.items, item)
	return nil
}

func (f *fakePublisher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.items)
}

type fakeConfigs struct {
	cfg   *store.ChannelConfig
	prefs map[string]*store.VoicePrefs
	saved map[string]*store.VoicePrefs
}

func (f *fakeConfigs) ChannelConfig(_ context.Context, login string) (*store.ChannelConfig, error) {
	if f.cfg != nil && f.cfg.Login == login {
		return f.cfg, nil
	}
	return nil, store.ErrNotFound
}

func (f *fakeConfigs) ViewerPrefs(_ context.Context, username string) (*store.VoicePrefs, error) {
	if p, ok := f.prefs[username]; ok {
		return p, nil
	}
	return nil, store.ErrNotFound
}

func (f *fakeConfigs) SetViewerPrefs(_ context.Context, username string, prefs *store.VoicePrefs) error {
	if f.saved == nil {
		f.saved = make(map[string]*store.VoicePrefs)
	}
	f.saved[username] = prefs
	return nil
}

type fakeReplier struct {
	mu      sync.Mutex
	replies []string
}

func (f *fakeReplier) Reply(_, _, text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replies = append(f.replies, text)
}

func (f *fakeReplier) last() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.replies) == 0 {
		return ""
	}
	return f.replies[len(f.replies)-1]
}

func enabledConfigs() *fakeConfigs {
	cfg := store.DefaultChannelConfig("chan")
	cfg.Enabled = true
	return &fakeConfigs{cfg: cfg}
}

func modMsg(text string) chat.Message {
	return chat.Message{Channel: "chan", User: "modesty", Text: text, IsMod: true}
}

func viewerMsg(user, text string) chat.Message {
	return chat.Message{Channel: "chan", User: user, Text: text}
}

// ─── Parsing ─────────────────────────────────────────────────────────

func TestRoute_Parsing(t *testing.T) {
	t.Parallel()

	tests := []struct {
		text        string
		wantName    string
		wantHandled bool
	}{
		{"!tts hello", CmdTTS, true},
		{"!TTSSTOP", CmdStop, true},
		{"!ttspause", CmdPause, true},
		{"!ttsresume", CmdResume, true},
		{"!ttsclear", CmdClear, true},
		{"!ttsvoice Wise_Woman", CmdVoice, true},
		{"!unknowncommand", "", false},
		{"plain chat line", "", false},
		{"! leading space", "", false},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.text, func(t *testing.T) {
			t.Parallel()

			r := New(&fakeEngine{}, &fakePublisher{}, enabledConfigs(), nil)
			name, handled := r.Route(context.Background(), modMsg(tc.text))

			if handled != tc.wantHandled || name != tc.wantName {
				t.Errorf("Route = (%q, %v), want (%q, %v)", name, handled, tc.wantName, tc.wantHandled)
			}
		})
	}
}

func TestRoute_RecognizedEvenWithoutAuthority(t *testing.T) {
	t.Parallel()

	eng := &fakeEngine{}
	r := New(eng, &fakePublisher{}, enabledConfigs(), nil)

	name, handled := r.Route(context.Background(), viewerMsg("alice", "!ttspause"))

	if !handled || name != CmdPause {
		t.Errorf("Route = (%q, %v), want recognized", name, handled)
	}
	if eng.paused {
		t.Error("viewer without authority must not pause the queue")
	}
}

// ─── !tts ────────────────────────────────────────────────────────────

func TestSpeakSelf(t *testing.T) {
	t.Parallel()

	t.Run("publishes the argument", func(t *testing.T) {
		t.Parallel()

		pub := &fakePublisher{}
		r := New(&fakeEngine{}, pub, enabledConfigs(), nil)

		r.Route(context.Background(), viewerMsg("alice", "!tts read this aloud"))

		if pub.count() != 1 {
			t.Fatalf("published = %d, want 1", pub.count())
		}
		item := pub.items[0]
		if item.Text != "read this aloud" || item.Type != engine.TypeCommand {
			t.Errorf("item = %+v", item)
		}
	})

	t.Run("empty argument replies usage", func(t *testing.T) {
		t.Parallel()

		pub := &fakePublisher{}
		rep := &fakeReplier{}
		r := New(&fakeEngine{}, pub, enabledConfigs(), rep)

		r.Route(context.Background(), viewerMsg("alice", "!tts"))

		if pub.count() != 0 {
			t.Error("empty argument must not publish")
		}
		if rep.last() != "Usage: !tts <text>" {
			t.Errorf("reply = %q", rep.last())
		}
	})

	t.Run("mods-only permission gates viewers", func(t *testing.T) {
		t.Parallel()

		cfgs := enabledConfigs()
		cfgs.cfg.Permission = store.PermMods
		pub := &fakePublisher{}
		r := New(&fakeEngine{}, pub, cfgs, nil)

		r.Route(context.Background(), viewerMsg("alice", "!tts sneaky"))
		if pub.count() != 0 {
			t.Error("viewer should be gated in mods-only mode")
		}

		r.Route(context.Background(), modMsg("!tts allowed"))
		if pub.count() != 1 {
			t.Error("moderator should pass the gate")
		}
	})

	t.Run("ignored user silently dropped", func(t *testing.T) {
		t.Parallel()

		cfgs := enabledConfigs()
		cfgs.cfg.IgnoredUsers = []string{"alice"}
		pub := &fakePublisher{}
		r := New(&fakeEngine{}, pub, cfgs, nil)

		r.Route(context.Background(), viewerMsg("alice", "!tts hello"))

		if pub.count() != 0 {
			t.Error("ignored user must not publish")
		}
	})
}

// ─── !ttsstop ────────────────────────────────────────────────────────

func TestStop_Authority(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name           string
		m              chat.Message
		currentSpeaker string
		wantStopped    bool
	}{
		{"moderator may stop", modMsg("!ttsstop"), "someone", true},
		{"broadcaster may stop", chat.Message{Channel: "chan", User: "chan", Text: "!ttsstop", IsBroadcaster: true}, "someone", true},
		{"current speaker may self-stop", viewerMsg("alice", "!ttsstop"), "Alice", true},
		{"bystander may not stop", viewerMsg("bob", "!ttsstop"), "alice", false},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			eng := &fakeEngine{currentSpeaker: tc.currentSpeaker, stopResult: true}
			r := New(eng, &fakePublisher{}, enabledConfigs(), nil)

			r.Route(context.Background(), tc.m)

			if (eng.stopped > 0) != tc.wantStopped {
				t.Errorf("stop called = %v, want %v", eng.stopped > 0, tc.wantStopped)
			}
		})
	}
}

func TestStop_NoReplyWhenNothingPlaying(t *testing.T) {
	t.Parallel()

	eng := &fakeEngine{stopResult: false}
	rep := &fakeReplier{}
	r := New(eng, &fakePublisher{}, enabledConfigs(), rep)

	r.Route(context.Background(), modMsg("!ttsstop"))

	if rep.last() != "" {
		t.Errorf("reply = %q, want none when nothing was stopped", rep.last())
	}
}

// ─── Queue controls ──────────────────────────────────────────────────

func TestQueueControls_ModOnly(t *testing.T) {
	t.Parallel()

	eng := &fakeEngine{cleared: 3}
	rep := &fakeReplier{}
	r := New(eng, &fakePublisher{}, enabledConfigs(), rep)
	ctx := context.Background()

	r.Route(ctx, modMsg("!ttspause"))
	if !eng.paused {
		t.Error("pause not applied")
	}

	r.Route(ctx, modMsg("!ttsresume"))
	if !eng.resumed {
		t.Error("resume not applied")
	}

	r.Route(ctx, modMsg("!ttsclear"))
	if rep.last() != "Cleared 3 queued messages." {
		t.Errorf("clear reply = %q", rep.last())
	}
}

// ─── !ttsvoice ───────────────────────────────────────────────────────

func TestSetVoice(t *testing.T) {
	t.Parallel()

	t.Run("valid voice saved as preference", func(t *testing.T) {
		t.Parallel()

		cfgs := enabledConfigs()
		rep := &fakeReplier{}
		r := New(&fakeEngine{}, &fakePublisher{}, cfgs, rep)

		r.Route(context.Background(), viewerMsg("alice", "!ttsvoice Deep_Voice_Man"))

		saved := cfgs.saved["alice"]
		if saved == nil || saved.VoiceID == nil || *saved.VoiceID != "Deep_Voice_Man" {
			t.Fatalf("saved prefs = %+v, want Deep_Voice_Man", saved)
		}
		if rep.last() != "Voice set to Deep_Voice_Man." {
			t.Errorf("reply = %q", rep.last())
		}
	})

	t.Run("unknown voice rejected", func(t *testing.T) {
		t.Parallel()

		cfgs := enabledConfigs()
		rep := &fakeReplier{}
		r := New(&fakeEngine{}, &fakePublisher{}, cfgs, rep)

		r.Route(context.Background(), viewerMsg("alice", "!ttsvoice Nonexistent_Voice"))

		if len(cfgs.saved) != 0 {
			t.Error("unknown voice must not be saved")
		}
		if rep.last() != `Unknown voice "Nonexistent_Voice".` {
			t.Errorf("reply = %q", rep.last())
		}
	})

	t.Run("merges into existing preferences", func(t *testing.T) {
		t.Parallel()

		pitch := 5
		cfgs := enabledConfigs()
		cfgs.prefs = map[string]*store.VoicePrefs{"alice": {Pitch: &pitch}}
		r := New(&fakeEngine{}, &fakePublisher{}, cfgs, nil)

		r.Route(context.Background(), viewerMsg("alice", "!ttsvoice Calm_Woman"))

		saved := cfgs.saved["alice"]
		if saved == nil || saved.Pitch == nil || *saved.Pitch != 5 {
			t.Error("existing pitch preference lost on voice update")
		}
		if saved.VoiceID == nil || *saved.VoiceID != "Calm_Woman" {
			t.Error("voice not updated")
		}
	})
}
