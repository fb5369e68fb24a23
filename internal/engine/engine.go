// Package engine implements the per-channel TTS queue engine: bounded
// FIFO queues, one logical worker per channel, cooperative cancellation,
// pacing, and queue persistence across restarts.
//
// Contract highlights:
//
//   - Enqueue returns synchronously after admission checks.
//   - At most one synthesis is in flight per channel; channels progress
//     independently, bounded globally by a weighted semaphore.
//   - StopCurrent aborts the in-flight synthesis and/or retracts the
//     last playback URL, always sending a precautionary stop to overlays.
//   - PersistAll/RestoreAll bracket process lifecycle.
//
// All methods are safe for concurrent use. Per-channel state is guarded
// by a per-channel mutex; cross-channel operations never hold two locks.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/semaphore"

	"github.com/overvox/overvox/internal/observe"
	"github.com/overvox/overvox/internal/store"
	"github.com/overvox/overvox/pkg/provider/tts"
)

const (
	// maxQueueLen caps every per-channel queue. New items beyond the cap
	// are dropped with a warning, not surfaced to the caller.
	maxQueueLen = 50

	// pacingDelay separates consecutive items on one channel so overlay
	// playback does not pile up.
	pacingDelay = 500 * time.Millisecond

	// synthesisTimeout is the hard ceiling per synthesis call, in
	// addition to caller cancellation.
	synthesisTimeout = 60 * time.Second

	// restoreFreshness discards restored items older than this. An
	// audience that waited longer has moved on.
	restoreFreshness = 10 * time.Minute
)

// ClientRegistry answers whether a channel currently has overlay
// clients. Exposed as a pure query to break the engine↔fan-out cycle.
type ClientRegistry interface {
	HasActiveClients(channel string) bool
}

// AudioSink delivers playback and stop messages to overlay clients.
// Implementations must not block on network I/O.
type AudioSink interface {
	SendAudio(channel, url string)
	SendStop(channel string)
}

// ConfigSource supplies channel admission state. Reads may be cached.
type ConfigSource interface {
	ChannelConfig(ctx context.Context, login string) (*store.ChannelConfig, error)
}

// cancelToken is the per-item cancellation handle. Nullification uses
// pointer identity compare-and-swap so a concurrent abort can never
// clear a newer item's token.
type cancelToken struct {
	cancel context.CancelFunc
}

// channelState is the queue record for a single channel. All fields are
// guarded by mu.
type channelState struct {
	mu         sync.Mutex
	queue      []Item
	paused     bool
	processing bool

	current        *cancelToken
	currentURL     string
	currentSpeaker string
}

// Engine runs the per-channel TTS queues.
type Engine struct {
	provider tts.Provider
	clients  ClientRegistry
	sink     AudioSink
	configs  ConfigSource
	metrics  *observe.Metrics

	// sem caps synthesis concurrency across all channels.
	sem *semaphore.Weighted

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	channels map[string]*channelState

	// wg tracks in-flight workers for shutdown.
	wg sync.WaitGroup
}

// Config holds construction parameters for the engine.
type Config struct {
	Provider tts.Provider
	Clients  ClientRegistry
	Sink     AudioSink
	Configs  ConfigSource

	// MaxConcurrent caps parallel synthesis calls. Default 4.
	MaxConcurrent int64

	// Metrics may be nil.
	Metrics *observe.Metrics
}

// New creates an Engine. Call Close to stop all workers.
func New(cfg Config) *Engine {
	maxConc := cfg.MaxConcurrent
	if maxConc <= 0 {
		maxConc = 4
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		provider: cfg.Provider,
		clients:  cfg.Clients,
		sink:     cfg.Sink,
		configs:  cfg.Configs,
		metrics:  cfg.Metrics,
		sem:      semaphore.NewWeighted(maxConc),
		ctx:      ctx,
		cancel:   cancel,
		channels: make(map[string]*channelState),
	}
}

// state returns the channel record, creating it on first use.
func (e *Engine) state(channel string) *channelState {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.channels[channel]
	if !ok {
		st = &channelState{}
		e.channels[channel] = st
	}
	return st
}

// Enqueue validates and appends item to the channel's queue. Admission
// rejects when the engine is disabled for the channel or the speaker is
// ignored; a full queue drops the item with a warning. The no-clients
// check is deliberately deferred to dequeue so items survive brief
// overlay reloads.
func (e *Engine) Enqueue(ctx context.Context, channel string, item Item) {
	cfg, err := e.configs.ChannelConfig(ctx, channel)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			slog.Warn("enqueue: channel config unavailable", "channel", channel, "err", err)
		}
		return
	}
	if !cfg.Enabled {
		return
	}
	if cfg.IsIgnored(item.Speaker) {
		slog.Debug("enqueue: speaker ignored", "channel", channel, "speaker", item.Speaker)
		return
	}

	if item.EnqueuedAt.IsZero() {
		item.EnqueuedAt = time.Now()
	}

	st := e.state(channel)
	st.mu.Lock()
	if len(st.queue) >= maxQueueLen {
		st.mu.Unlock()
		slog.Warn("enqueue: queue full, dropping item", "channel", channel, "speaker", item.Speaker)
		e.count(observe.TTSItemsDropped, channel, "queue_full")
		return
	}
	st.queue = append(st.queue, item)
	depth := len(st.queue)
	st.mu.Unlock()

	e.count(observe.TTSItemsEnqueued, channel, string(item.Type))
	slog.Debug("item enqueued", "channel", channel, "type", item.Type, "depth", depth)
	e.kick(channel)
}

// Pause stops dequeuing for channel. In-flight synthesis finishes.
func (e *Engine) Pause(channel string) {
	st := e.state(channel)
	st.mu.Lock()
	st.paused = true
	st.mu.Unlock()
}

// Resume restarts dequeuing for channel.
func (e *Engine) Resume(channel string) {
	st := e.state(channel)
	st.mu.Lock()
	st.paused = false
	st.mu.Unlock()
	e.kick(channel)
}

// Paused reports the channel's paused flag.
func (e *Engine) Paused(channel string) bool {
	st := e.state(channel)
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.paused
}

// QueueLen reports the channel's pending item count.
func (e *Engine) QueueLen(channel string) int {
	st := e.state(channel)
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.queue)
}

// Clear drops all pending items for channel and reports how many were
// dropped. The in-flight item is not touched; use StopCurrent for that.
func (e *Engine) Clear(channel string) int {
	st := e.state(channel)
	st.mu.Lock()
	n := len(st.queue)
	st.queue = nil
	st.mu.Unlock()
	return n
}

// CurrentSpeaker returns the speaker tag of the item being processed or
// last handed to overlays. Empty when nothing is tracked. Command
// handlers use this for stop-authority checks.
func (e *Engine) CurrentSpeaker(channel string) string {
	st := e.state(channel)
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.currentSpeaker
}

// StopCurrent aborts the in-flight synthesis and/or retracts the last
// playback URL. A precautionary stop is always sent to overlays even
// when the server tracks nothing, so a moderator's stop is
// authoritative at the client. Returns true iff tracked state was
// affected.
func (e *Engine) StopCurrent(channel string) bool {
	st := e.state(channel)

	st.mu.Lock()
	affected := false
	if st.current != nil {
		st.current.cancel()
		st.current = nil
		affected = true
	}
	if st.currentURL != "" {
		st.currentURL = ""
		affected = true
	}
	st.currentSpeaker = ""
	st.mu.Unlock()

	e.sink.SendStop(channel)
	return affected
}

// kick starts a worker for channel unless one is already processing.
func (e *Engine) kick(channel string) {
	st := e.state(channel)
	st.mu.Lock()
	if st.processing || st.paused || len(st.queue) == 0 {
		st.mu.Unlock()
		return
	}
	st.processing = true
	st.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.process(channel, st)
	}()
}

// process drains items one at a time with the pacing delay in between.
// At most one process goroutine runs per channel, guarded by the
// processing flag.
func (e *Engine) process(channel string, st *channelState) {
	for {
		st.mu.Lock()
		if e.ctx.Err() != nil || st.paused || len(st.queue) == 0 {
			st.processing = false
			st.mu.Unlock()
			return
		}
		item := st.queue[0]
		st.queue = st.queue[1:]
		st.currentSpeaker = item.Speaker

		// Abort any stale token before installing ours.
		if prev := st.current; prev != nil {
			prev.cancel()
		}
		synthCtx, cancel := context.WithCancel(e.ctx)
		tok := &cancelToken{cancel: cancel}
		st.current = tok
		st.mu.Unlock()

		e.runItem(channel, st, item, tok, synthCtx)
		cancel()

		st.mu.Lock()
		more := !st.paused && len(st.queue) > 0
		if !more {
			st.processing = false
		}
		st.mu.Unlock()
		if !more {
			return
		}

		select {
		case <-time.After(pacingDelay):
		case <-e.ctx.Done():
			st.mu.Lock()
			st.processing = false
			st.mu.Unlock()
			return
		}
	}
}

// runItem performs one synthesis and dispatch. tok is this item's
// cancellation handle; all tracked-state clears compare against it.
func (e *Engine) runItem(channel string, st *channelState, item Item, tok *cancelToken, synthCtx context.Context) {
	// Recheck clients at dequeue: no point paying for synthesis nobody hears.
	if !e.clients.HasActiveClients(channel) {
		slog.Info("dropping item, no overlay clients", "channel", channel, "type", item.Type)
		e.count(observe.TTSItemsDropped, channel, "no_clients")
		e.clearIfCurrent(st, tok)
		return
	}

	if err := e.sem.Acquire(synthCtx, 1); err != nil {
		e.clearIfCurrent(st, tok)
		return
	}
	ctx, cancelTimeout := context.WithTimeout(synthCtx, synthesisTimeout)
	start := time.Now()
	res, err := e.provider.Synthesize(ctx, tts.Request{Text: item.Text, Params: item.Params})
	cancelTimeout()
	e.sem.Release(1)

	if e.metrics != nil {
		e.metrics.SynthesisDuration.Record(context.Background(), time.Since(start).Seconds(),
			metric.WithAttributes(attribute.String("channel", channel), attribute.Bool("ok", err == nil)))
	}

	if err != nil {
		switch {
		case errors.Is(err, tts.ErrAborted) || errors.Is(err, context.Canceled):
			slog.Debug("synthesis aborted", "channel", channel)
		case errors.Is(err, tts.ErrInvalidVoice):
			slog.Warn("synthesis rejected voice", "channel", channel, "voice", item.Params.VoiceID, "err", err)
		default:
			slog.Error("synthesis failed", "channel", channel, "err", err)
		}
		e.count(observe.TTSItemsDropped, channel, "synthesis_error")
		e.clearIfCurrent(st, tok)
		return
	}

	st.mu.Lock()
	if st.current != tok {
		// Stopped while the response was in flight; discard.
		st.mu.Unlock()
		return
	}
	st.currentURL = res.URL
	st.mu.Unlock()

	e.count(observe.TTSItemsSynthesized, channel, string(item.Type))
	e.dispatch(channel, item, res.URL)
}

// dispatch hands the playback URL to the origin channel, or to every
// shared-session participant that currently has overlay clients. A
// session whose participants all lost their overlays between enqueue
// and synthesis delivers nothing, same as the no-clients dequeue drop.
func (e *Engine) dispatch(channel string, item Item, url string) {
	if item.Session == nil {
		e.sink.SendAudio(channel, url)
		return
	}
	for _, participant := range item.Session.Channels {
		if !e.clients.HasActiveClients(participant) {
			continue
		}
		e.sink.SendAudio(participant, url)
	}
}

// clearIfCurrent nullifies tracked state only when tok is still the
// installed token, so concurrent aborts cannot clear a newer item's.
func (e *Engine) clearIfCurrent(st *channelState, tok *cancelToken) {
	st.mu.Lock()
	if st.current == tok {
		st.current = nil
		st.currentURL = ""
		st.currentSpeaker = ""
	}
	st.mu.Unlock()
}

func (e *Engine) count(name observe.CounterName, channel, reason string) {
	if e.metrics == nil {
		return
	}
	e.metrics.Count(name, attribute.String("channel", channel), attribute.String("reason", reason))
}

// Close cancels all workers and waits for them to exit.
func (e *Engine) Close() {
	e.cancel()
	e.wg.Wait()
}
