// Package fanout implements the WebSocket fan-out server that delivers
// synthesized audio to browser overlays.
//
// Overlays connect with a `channel` query parameter and an optional
// signed token. The server keeps a channel→connections membership map;
// [Server.HasActiveClients] is the source of truth for the engine's
// admission checks, and [Server.SendAudio] / [Server.SendStop] are the
// delivery path. Sends never block on network I/O: each connection owns
// a buffered outbox drained by a writer goroutine, and a full outbox
// drops the message for that connection rather than stalling the rest.
package fanout

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/overvox/overvox/internal/observe"
)

// outboxSize bounds the per-connection send buffer. Audio events are
// rare (one per spoken item), so a small buffer is plenty.
const outboxSize = 16

// writeTimeout caps a single WebSocket write.
const writeTimeout = 5 * time.Second

// TokenVerifier validates an overlay token and returns the login it was
// issued for. Verification failure does not reject the connection; it
// only leaves the client unauthenticated.
type TokenVerifier interface {
	VerifyOverlayToken(token string) (login string, err error)
}

// client is one overlay connection.
type client struct {
	conn          *websocket.Conn
	channel       string
	authenticated bool
	outbox        chan []byte
}

// Server is the fan-out hub. It implements engine.ClientRegistry and
// engine.AudioSink.
type Server struct {
	verifier TokenVerifier
	metrics  *observe.Metrics

	mu       sync.Mutex
	channels map[string]map[*client]struct{}
}

// New creates a fan-out server. verifier may be nil, in which case all
// connections are treated as unauthenticated.
func New(verifier TokenVerifier, metrics *observe.Metrics) *Server {
	return &Server{
		verifier: verifier,
		metrics:  metrics,
		channels: make(map[string]map[*client]struct{}),
	}
}

// registeredMsg greets an accepted overlay.
type registeredMsg struct {
	Type    string `json:"type"`
	Channel string `json:"channel"`
	Message string `json:"message"`
}

type playMsg struct {
	Type string `json:"type"`
	URL  string `json:"url"`
}

type stopMsg struct {
	Type string `json:"type"`
}

// HandleWS upgrades an overlay connection. Route it at /ws.
func (s *Server) HandleWS(w http.ResponseWriter, r *http.Request) {
	channel := strings.ToLower(r.URL.Query().Get("channel"))

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Overlays are embedded in streaming software browser sources
		// with file:// or arbitrary origins.
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Debug("overlay accept failed", "err", err)
		return
	}

	if channel == "" {
		conn.Close(websocket.StatusPolicyViolation, "missing channel parameter")
		return
	}

	c := &client{
		conn:    conn,
		channel: channel,
		outbox:  make(chan []byte, outboxSize),
	}

	// Token is optional: browser sources cannot always present one.
	if token := r.URL.Query().Get("token"); token != "" && s.verifier != nil {
		if login, err := s.verifier.VerifyOverlayToken(token); err == nil && login == channel {
			c.authenticated = true
		} else {
			slog.Debug("overlay token rejected, continuing unauthenticated", "channel", channel, "err", err)
		}
	}

	s.add(c)
	defer s.remove(c)

	greeting, _ := json.Marshal(registeredMsg{
		Type:    "registered",
		Channel: channel,
		Message: "listening for audio events",
	})
	select {
	case c.outbox <- greeting:
	default:
	}

	ctx := r.Context()
	go c.writeLoop(ctx)

	// Overlays never send application data; reading serves only to
	// observe close and answer pings.
	for {
		if _, _, err := conn.Read(ctx); err != nil {
			return
		}
	}
}

func (c *client) writeLoop(ctx context.Context) {
	for {
		select {
		case msg, ok := <-c.outbox:
			if !ok {
				return
			}
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := c.conn.Write(wctx, websocket.MessageText, msg)
			cancel()
			if err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (s *Server) add(c *client) {
	s.mu.Lock()
	set, ok := s.channels[c.channel]
	if !ok {
		set = make(map[*client]struct{})
		s.channels[c.channel] = set
	}
	set[c] = struct{}{}
	n := len(set)
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.OverlayClients.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("channel", c.channel)))
	}
	slog.Info("overlay connected", "channel", c.channel, "clients", n, "authenticated", c.authenticated)
}

func (s *Server) remove(c *client) {
	s.mu.Lock()
	if set, ok := s.channels[c.channel]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(s.channels, c.channel)
		}
	}
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.OverlayClients.Add(context.Background(), -1,
			metric.WithAttributes(attribute.String("channel", c.channel)))
	}
	slog.Info("overlay disconnected", "channel", c.channel)
}

// HasActiveClients reports whether channel has at least one overlay
// connection. Pure query, no behavioral coupling to the engine.
func (s *Server) HasActiveClients(channel string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.channels[strings.ToLower(channel)]) > 0
}

// ClientCount returns the number of connected overlays for channel.
func (s *Server) ClientCount(channel string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.channels[strings.ToLower(channel)])
}

// SendAudio delivers a playAudio message to every overlay on channel.
func (s *Server) SendAudio(channel, url string) {
	msg, _ := json.Marshal(playMsg{Type: "playAudio", URL: url})
	s.broadcast(channel, msg)
}

// SendStop delivers a stopAudio control to every overlay on channel.
func (s *Server) SendStop(channel string) {
	msg, _ := json.Marshal(stopMsg{Type: "stopAudio"})
	s.broadcast(channel, msg)
}

// broadcast copies the member set under the lock, then sends without
// holding it. Full outboxes drop the message for that connection only.
func (s *Server) broadcast(channel string, msg []byte) {
	channel = strings.ToLower(channel)

	s.mu.Lock()
	targets := make([]*client, 0, len(s.channels[channel]))
	for c := range s.channels[channel] {
		targets = append(targets, c)
	}
	s.mu.Unlock()

	for _, c := range targets {
		select {
		case c.outbox <- msg:
		default:
			slog.Warn("overlay outbox full, dropping message", "channel", channel)
		}
	}
}

// CloseAll closes every overlay connection. Used during shutdown.
func (s *Server) CloseAll() {
	s.mu.Lock()
	var all []*client
	for _, set := range s.channels {
		for c := range set {
			all = append(all, c)
		}
	}
	s.channels = make(map[string]map[*client]struct{})
	s.mu.Unlock()

	for _, c := range all {
		c.conn.Close(websocket.StatusGoingAway, "server shutting down")
	}
}
