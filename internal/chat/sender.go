package chat

import (
	"context"
	"log/slog"
	"sync"
	"time"
	"unicode/utf8"

	"golang.org/x/time/rate"
)

const (
	// maxLineLen is the transport's practical line limit. Longer lines
	// are truncated with an ellipsis.
	maxLineLen = 480

	// outboundBuffer bounds the send queue; overflow drops the line.
	outboundBuffer = 64
)

// lineRate is the outbound limit: one line per 1.1 seconds.
var lineRate = rate.Every(1100 * time.Millisecond)

// transport is the subset of the adapter the sender writes to.
type transport interface {
	Say(channel, text string)
	Reply(channel, parentID, text string)
}

type outbound struct {
	channel  string
	parentID string
	text     string
}

// Sender is the rate-limited outbound chat queue. It survives adapter
// swaps: the manager installs the current transport after each
// reconnect, and queued lines drain against whichever is installed.
type Sender struct {
	limiter *rate.Limiter
	queue   chan outbound

	mu sync.Mutex
	tr transport
}

// NewSender creates a Sender. Call Run to start draining.
func NewSender() *Sender {
	return &Sender{
		limiter: rate.NewLimiter(lineRate, 1),
		queue:   make(chan outbound, outboundBuffer),
	}
}

// SetTransport installs the active connection. nil detaches; queued
// lines wait until a transport returns.
func (s *Sender) SetTransport(tr transport) {
	s.mu.Lock()
	s.tr = tr
	s.mu.Unlock()
}

// Say queues a plain line. Full queue drops with a warning.
func (s *Sender) Say(channel, text string) {
	s.enqueue(outbound{channel: channel, text: truncate(text)})
}

// Reply queues a native reply to parentID.
func (s *Sender) Reply(channel, parentID, text string) {
	s.enqueue(outbound{channel: channel, parentID: parentID, text: truncate(text)})
}

func (s *Sender) enqueue(o outbound) {
	select {
	case s.queue <- o:
	default:
		slog.Warn("outbound chat queue full, dropping line", "channel", o.channel)
	}
}

// Drain discards all queued lines. Called during shutdown.
func (s *Sender) Drain() {
	for {
		select {
		case <-s.queue:
		default:
			return
		}
	}
}

// Run drains the queue at the transport rate limit until ctx ends.
func (s *Sender) Run(ctx context.Context) {
	for {
		select {
		case o := <-s.queue:
			if err := s.limiter.Wait(ctx); err != nil {
				return
			}
			s.mu.Lock()
			tr := s.tr
			s.mu.Unlock()
			if tr == nil {
				slog.Debug("no chat transport, dropping line", "channel", o.channel)
				continue
			}
			if o.parentID != "" {
				tr.Reply(o.channel, o.parentID, o.text)
			} else {
				tr.Say(o.channel, o.text)
			}
		case <-ctx.Done():
			return
		}
	}
}

// truncate caps text at maxLineLen bytes, replacing the tail with an
// ellipsis. The cut backs off to a rune boundary so the line stays
// valid UTF-8.
func truncate(text string) string {
	if len(text) <= maxLineLen {
		return text
	}
	cut := maxLineLen - len("…")
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return text[:cut] + "…"
}
