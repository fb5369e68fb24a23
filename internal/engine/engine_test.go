package engine

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/overvox/overvox/internal/store"
	"github.com/overvox/overvox/pkg/provider/tts"
	"github.com/overvox/overvox/pkg/provider/tts/mock"
)

// ─── Test doubles ────────────────────────────────────────────────────

type fakeRegistry struct {
	mu     sync.Mutex
	active map[string]bool
}

func (f *fakeRegistry) HasActiveClients(channel string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active[channel]
}

func (f *fakeRegistry) set(channel string, on bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.active == nil {
		f.active = make(map[string]bool)
	}
	f.active[channel] = on
}

type sentAudio struct {
	channel string
	url     string
}

type fakeSink struct {
	mu    sync.Mutex
	audio []sentAudio
	stops []string
}

func (f *fakeSink) SendAudio(channel, url string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.audio = append(f.audio, sentAudio{channel: channel, url: url})
}

func (f *fakeSink) SendStop(channel string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops = append(f.stops, channel)
}

func (f *fakeSink) sent() []sentAudio {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]sentAudio, len(f.audio))
	copy(out, f.audio)
	return out
}

func (f *fakeSink) stopCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.stops)
}

type fakeConfigs struct {
	mu   sync.Mutex
	cfgs map[string]*store.ChannelConfig
}

func (f *fakeConfigs) ChannelConfig(_ context.Context, login string) (*store.ChannelConfig, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cfg, ok := f.cfgs[login]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cfg, nil
}

func enabledConfigs(logins ...string) *fakeConfigs {
	cfgs := make(map[string]*store.ChannelConfig, len(logins))
	for _, l := range logins {
		c := store.DefaultChannelConfig(l)
		c.Enabled = true
		cfgs[l] = c
	}
	return &fakeConfigs{cfgs: cfgs}
}

func newTestEngine(t *testing.T, provider tts.Provider, reg *fakeRegistry, sink *fakeSink, cfgs *fakeConfigs) *Engine {
	t.Helper()
	e := New(Config{Provider: provider, Clients: reg, Sink: sink, Configs: cfgs})
	t.Cleanup(e.Close)
	return e
}

// waitFor polls cond until it holds or the deadline expires.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func chatItem(text, speaker string) Item {
	return Item{Text: text, Speaker: speaker, Type: TypeChat, Params: tts.DefaultParams()}
}

// ─── Tests ───────────────────────────────────────────────────────────

func TestEnqueue_FIFOWithinChannel(t *testing.T) {
	t.Parallel()

	provider := &mock.Provider{Result: tts.Result{URL: "https://cdn.example/a.mp3"}}
	reg := &fakeRegistry{}
	reg.set("chan", true)
	sink := &fakeSink{}
	e := newTestEngine(t, provider, reg, sink, enabledConfigs("chan"))

	for i := 0; i < 3; i++ {
		e.Enqueue(context.Background(), "chan", chatItem(fmt.Sprintf("msg-%d", i), "alice"))
	}

	waitFor(t, 5*time.Second, func() bool { return len(sink.sent()) == 3 })

	calls := provider.Calls()
	if len(calls) != 3 {
		t.Fatalf("synthesize calls = %d, want 3", len(calls))
	}
	for i, c := range calls {
		want := fmt.Sprintf("msg-%d", i)
		if c.Req.Text != want {
			t.Errorf("call %d text = %q, want %q", i, c.Req.Text, want)
		}
	}
}

func TestEnqueue_QueueCapDropsNewItem(t *testing.T) {
	t.Parallel()

	provider := &mock.Provider{}
	reg := &fakeRegistry{}
	sink := &fakeSink{}
	e := newTestEngine(t, provider, reg, sink, enabledConfigs("chan"))

	e.Pause("chan")
	for i := 0; i < maxQueueLen+5; i++ {
		e.Enqueue(context.Background(), "chan", chatItem("x", "alice"))
	}

	if got := e.QueueLen("chan"); got != maxQueueLen {
		t.Errorf("queue length = %d, want %d", got, maxQueueLen)
	}
}

func TestEnqueue_AdmissionChecks(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		cfg  func(*store.ChannelConfig)
	}{
		{"engine disabled", func(c *store.ChannelConfig) { c.Enabled = false }},
		{"speaker ignored", func(c *store.ChannelConfig) { c.IgnoredUsers = []string{"alice"} }},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			cfgs := enabledConfigs("chan")
			tc.cfg(cfgs.cfgs["chan"])
			e := newTestEngine(t, &mock.Provider{}, &fakeRegistry{}, &fakeSink{}, cfgs)

			e.Pause("chan")
			e.Enqueue(context.Background(), "chan", chatItem("hi", "alice"))

			if got := e.QueueLen("chan"); got != 0 {
				t.Errorf("queue length = %d, want 0", got)
			}
		})
	}
}

func TestEnqueue_UnknownChannelDropped(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, &mock.Provider{}, &fakeRegistry{}, &fakeSink{}, &fakeConfigs{})
	e.Enqueue(context.Background(), "ghost", chatItem("hi", "alice"))

	if got := e.QueueLen("ghost"); got != 0 {
		t.Errorf("queue length = %d, want 0", got)
	}
}

func TestDequeue_NoClientsDropsWithoutSynthesis(t *testing.T) {
	t.Parallel()

	provider := &mock.Provider{}
	reg := &fakeRegistry{} // nothing registered
	sink := &fakeSink{}
	e := newTestEngine(t, provider, reg, sink, enabledConfigs("chan"))

	e.Enqueue(context.Background(), "chan", chatItem("hi", "alice"))

	waitFor(t, 2*time.Second, func() bool { return e.QueueLen("chan") == 0 })
	// Give the worker a moment to finish its drop path.
	time.Sleep(50 * time.Millisecond)

	if provider.CallCount() != 0 {
		t.Errorf("synthesize calls = %d, want 0", provider.CallCount())
	}
	if len(sink.sent()) != 0 {
		t.Errorf("audio sent = %d, want 0", len(sink.sent()))
	}
}

func TestPauseResume_PreservesOrder(t *testing.T) {
	t.Parallel()

	provider := &mock.Provider{Result: tts.Result{URL: "https://cdn.example/a.mp3"}}
	reg := &fakeRegistry{}
	reg.set("chan", true)
	sink := &fakeSink{}
	e := newTestEngine(t, provider, reg, sink, enabledConfigs("chan"))

	e.Pause("chan")
	e.Enqueue(context.Background(), "chan", chatItem("first", "alice"))
	e.Enqueue(context.Background(), "chan", chatItem("second", "bob"))

	if !e.Paused("chan") {
		t.Fatal("channel should be paused")
	}
	if provider.CallCount() != 0 {
		t.Fatalf("synthesize calls while paused = %d, want 0", provider.CallCount())
	}

	e.Resume("chan")
	waitFor(t, 5*time.Second, func() bool { return len(sink.sent()) == 2 })

	calls := provider.Calls()
	if calls[0].Req.Text != "first" || calls[1].Req.Text != "second" {
		t.Errorf("order = [%q, %q], want [first, second]", calls[0].Req.Text, calls[1].Req.Text)
	}
}

func TestStopCurrent_IdleReturnsFalseAndSendsPrecautionaryStop(t *testing.T) {
	t.Parallel()

	sink := &fakeSink{}
	e := newTestEngine(t, &mock.Provider{}, &fakeRegistry{}, sink, enabledConfigs("chan"))

	if e.StopCurrent("chan") {
		t.Error("StopCurrent on idle channel = true, want false")
	}
	if sink.stopCount() != 1 {
		t.Errorf("stops sent = %d, want 1", sink.stopCount())
	}
}

func TestStopCurrent_AbortsInFlightSynthesis(t *testing.T) {
	t.Parallel()

	delay := make(chan struct{})
	provider := &mock.Provider{Delay: delay}
	reg := &fakeRegistry{}
	reg.set("chan", true)
	sink := &fakeSink{}
	e := newTestEngine(t, provider, reg, sink, enabledConfigs("chan"))

	e.Enqueue(context.Background(), "chan", chatItem("slow", "alice"))
	waitFor(t, 2*time.Second, func() bool { return provider.CallCount() == 1 })

	if !e.StopCurrent("chan") {
		t.Error("StopCurrent with in-flight synthesis = false, want true")
	}
	close(delay)

	// The aborted item must never reach the sink.
	time.Sleep(100 * time.Millisecond)
	if len(sink.sent()) != 0 {
		t.Errorf("audio sent after stop = %d, want 0", len(sink.sent()))
	}
	if e.CurrentSpeaker("chan") != "" {
		t.Errorf("current speaker = %q, want empty", e.CurrentSpeaker("chan"))
	}
}

func TestDispatch_SharedSessionFansOutToActiveParticipants(t *testing.T) {
	t.Parallel()

	provider := &mock.Provider{Result: tts.Result{URL: "https://cdn.example/s.mp3"}}
	reg := &fakeRegistry{}
	reg.set("origin", true)
	reg.set("partner", true)
	reg.set("silent", false)
	sink := &fakeSink{}
	e := newTestEngine(t, provider, reg, sink, enabledConfigs("origin"))

	item := chatItem("hello", "alice")
	item.Session = &SharedSession{ID: "sess-1", Channels: []string{"origin", "partner", "silent"}}
	e.Enqueue(context.Background(), "origin", item)

	waitFor(t, 2*time.Second, func() bool { return len(sink.sent()) == 2 })

	got := map[string]bool{}
	for _, s := range sink.sent() {
		got[s.channel] = true
	}
	if !got["origin"] || !got["partner"] || got["silent"] {
		t.Errorf("fan-out channels = %v, want origin+partner only", got)
	}
}

func TestDispatch_SharedSessionWithoutActiveParticipantsDeliversNothing(t *testing.T) {
	t.Parallel()

	provider := &mock.Provider{Result: tts.Result{URL: "https://cdn.example/s.mp3"}}
	reg := &fakeRegistry{}
	reg.set("origin", true)
	reg.set("partner", false)
	sink := &fakeSink{}
	e := newTestEngine(t, provider, reg, sink, enabledConfigs("origin"))

	// The session descriptor is the authoritative target set: with no
	// participant holding overlay clients the audio goes nowhere, even
	// though the origin channel itself has a listener.
	item := chatItem("hello", "alice")
	item.Session = &SharedSession{ID: "sess-2", Channels: []string{"partner"}}
	e.Enqueue(context.Background(), "origin", item)

	waitFor(t, 2*time.Second, func() bool { return provider.CallCount() == 1 })

	time.Sleep(100 * time.Millisecond)
	if n := len(sink.sent()); n != 0 {
		t.Errorf("audio sent = %d, want 0", n)
	}
}

func TestClear_DropsPendingOnly(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, &mock.Provider{}, &fakeRegistry{}, &fakeSink{}, enabledConfigs("chan"))

	e.Pause("chan")
	e.Enqueue(context.Background(), "chan", chatItem("a", "alice"))
	e.Enqueue(context.Background(), "chan", chatItem("b", "bob"))

	if n := e.Clear("chan"); n != 2 {
		t.Errorf("cleared = %d, want 2", n)
	}
	if got := e.QueueLen("chan"); got != 0 {
		t.Errorf("queue length = %d, want 0", got)
	}
}
