package chat

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/overvox/overvox/internal/store"
	"github.com/overvox/overvox/internal/twitch"
)

// State is the connection state of the recovery machine.
type State string

const (
	StateIdle         State = "idle"
	StateConnecting   State = "connecting"
	StateOpen         State = "open"
	StateClosing      State = "closing"
	StateDisconnected State = "disconnected"
)

// reconnectDelay spaces recovery attempts so a broken credential does
// not hot-loop against the identity endpoint.
const reconnectDelay = 5 * time.Second

// TokenRefresher exchanges a refresh token for a fresh user token.
type TokenRefresher interface {
	RefreshUserToken(ctx context.Context, refreshToken string) (*twitch.UserToken, error)
}

// SecretStore reads and rotates the chat credential.
type SecretStore interface {
	Access(ctx context.Context, resource string) (string, error)
	AddVersion(ctx context.Context, resource, value string) error
}

// ChannelSource supplies the managed-channel allow list.
type ChannelSource interface {
	ManagedChannels(ctx context.Context) ([]store.ManagedChannel, error)
	WatchManagedChannels(ctx context.Context) (<-chan store.ChannelEvent, error)
}

// MessageHandler consumes inbound chat lines. Called sequentially so
// per-channel FIFO holds end to end.
type MessageHandler func(ctx context.Context, m Message)

// ManagerConfig holds construction parameters for [Manager].
type ManagerConfig struct {
	// BotLogin is the chat identity's login.
	BotLogin string

	// RefreshSecret is the resource name of the chat refresh token,
	// e.g. projects/overvox/secrets/chat-refresh-token/versions/latest.
	RefreshSecret string

	Identity TokenRefresher
	Secrets  SecretStore
	Channels ChannelSource
	Sender   *Sender
	Handler  MessageHandler
}

// Manager drives the chat connection on the leader replica. Automatic
// reconnection at the transport level is off; the manager re-drives
// every connect itself so each attempt can carry a freshly refreshed
// token.
type Manager struct {
	cfg ManagerConfig

	mu         sync.Mutex
	state      State
	adapter    *Adapter
	joined     map[string]bool
	cancel     context.CancelFunc
	recovering bool
}

// NewManager creates a Manager in StateIdle.
func NewManager(cfg ManagerConfig) *Manager {
	return &Manager{
		cfg:    cfg,
		state:  StateIdle,
		joined: make(map[string]bool),
	}
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Start begins the connect cycle. Called when this replica acquires
// the chat lease. Idempotent while running.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.state != StateIdle && m.state != StateDisconnected {
		m.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.mu.Unlock()

	go m.recover(runCtx, "start")
	go m.watchChannels(runCtx)
}

// Stop disconnects and returns the manager to StateIdle. Called when
// the chat lease is lost or the process shuts down.
func (m *Manager) Stop() {
	m.mu.Lock()
	m.state = StateClosing
	adapter := m.adapter
	m.adapter = nil
	m.joined = make(map[string]bool)
	cancel := m.cancel
	m.cancel = nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	m.cfg.Sender.SetTransport(nil)
	if adapter != nil {
		if err := adapter.Disconnect(); err != nil {
			slog.Debug("chat disconnect during stop", "err", err)
		}
	}

	m.mu.Lock()
	m.state = StateIdle
	m.mu.Unlock()
	slog.Info("chat client stopped")
}

// recover is the guarded recovery sequence: disconnect if needed,
// refresh the user token, build a fresh adapter, reconnect. The guard
// makes concurrent triggers (notice + disconnect for the same failure)
// collapse into one attempt.
func (m *Manager) recover(ctx context.Context, reason string) {
	m.mu.Lock()
	if m.recovering || m.cancel == nil {
		m.mu.Unlock()
		return
	}
	m.recovering = true
	old := m.adapter
	m.adapter = nil
	m.state = StateConnecting
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.recovering = false
		m.mu.Unlock()
	}()

	slog.Info("chat recovery", "reason", reason)
	m.cfg.Sender.SetTransport(nil)
	if old != nil {
		if err := old.Disconnect(); err != nil {
			slog.Debug("chat disconnect during recovery", "err", err)
		}
	}

	token, err := m.refreshToken(ctx)
	if err != nil {
		slog.Error("chat token refresh failed", "err", err)
		m.setState(StateDisconnected)
		m.retryLater(ctx, "refresh_failed")
		return
	}

	adapter := NewAdapter(m.cfg.BotLogin, token)
	m.mu.Lock()
	if m.cancel == nil {
		// Stopped while we were refreshing.
		m.mu.Unlock()
		return
	}
	m.adapter = adapter
	m.joined = make(map[string]bool)
	m.mu.Unlock()

	go m.consume(ctx, adapter)
	adapter.Connect()
}

// refreshToken exchanges the stored refresh token for a fresh access
// token, persisting a rotated refresh token when the platform issues
// one.
func (m *Manager) refreshToken(ctx context.Context) (string, error) {
	refresh, err := m.cfg.Secrets.Access(ctx, m.cfg.RefreshSecret)
	if err != nil {
		return "", fmt.Errorf("chat: read refresh token: %w", err)
	}

	tok, err := m.cfg.Identity.RefreshUserToken(ctx, refresh)
	if err != nil {
		return "", fmt.Errorf("chat: refresh user token: %w", err)
	}

	if tok.RefreshToken != "" && tok.RefreshToken != refresh {
		if err := m.cfg.Secrets.AddVersion(ctx, m.cfg.RefreshSecret, tok.RefreshToken); err != nil {
			slog.Error("persisting rotated refresh token failed", "err", err)
		} else {
			slog.Info("rotated chat refresh token persisted")
		}
	}
	return tok.AccessToken, nil
}

// consume is the event loop for one adapter's lifetime.
func (m *Manager) consume(ctx context.Context, adapter *Adapter) {
	for {
		select {
		case ev := <-adapter.Events():
			switch ev.Kind {
			case EventConnected:
				m.onConnected(ctx, adapter)

			case EventMessage:
				if m.cfg.Handler != nil && ev.Message != nil {
					m.cfg.Handler(ctx, *ev.Message)
				}

			case EventNotice:
				if isAuthFailure(ev.Notice) {
					slog.Warn("chat auth notice", "notice", ev.Notice)
					go m.recover(ctx, "auth_notice")
					return
				}
				slog.Debug("chat notice", "notice", ev.Notice)

			case EventDisconnected:
				if m.State() == StateClosing || ctx.Err() != nil {
					return
				}
				slog.Warn("chat disconnected", "err", ev.Err)
				m.setState(StateDisconnected)
				m.retryLater(ctx, "disconnect")
				return
			}

		case <-ctx.Done():
			return
		}
	}
}

func (m *Manager) onConnected(ctx context.Context, adapter *Adapter) {
	m.setState(StateOpen)
	m.cfg.Sender.SetTransport(adapter)
	slog.Info("chat connected", "login", m.cfg.BotLogin)

	channels, err := m.cfg.Channels.ManagedChannels(ctx)
	if err != nil {
		slog.Error("chat: listing managed channels failed", "err", err)
		return
	}
	m.syncJoined(adapter, channels)
}

// syncJoined diffs the desired channel set against the joined one.
func (m *Manager) syncJoined(adapter *Adapter, desired []store.ManagedChannel) {
	want := make(map[string]bool, len(desired))
	for _, c := range desired {
		if c.IsActive {
			want[strings.ToLower(c.Login)] = true
		}
	}

	m.mu.Lock()
	var join, part []string
	for login := range want {
		if !m.joined[login] {
			join = append(join, login)
			m.joined[login] = true
		}
	}
	for login := range m.joined {
		if !want[login] {
			part = append(part, login)
			delete(m.joined, login)
		}
	}
	m.mu.Unlock()

	if len(join) > 0 {
		adapter.Join(join...)
		slog.Info("joined channels", "count", len(join))
	}
	for _, login := range part {
		adapter.Depart(login)
	}
}

// watchChannels applies live allow-list changes to the joined set.
func (m *Manager) watchChannels(ctx context.Context) {
	events, err := m.cfg.Channels.WatchManagedChannels(ctx)
	if err != nil {
		slog.Error("chat: channel watch unavailable", "err", err)
		return
	}
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			m.applyChannelEvent(ev)
		case <-ctx.Done():
			return
		}
	}
}

func (m *Manager) applyChannelEvent(ev store.ChannelEvent) {
	login := strings.ToLower(ev.Channel.Login)

	m.mu.Lock()
	adapter := m.adapter
	open := m.state == StateOpen
	m.mu.Unlock()
	if adapter == nil || !open {
		return
	}

	join := ev.Kind != store.ChannelRemoved && ev.Channel.IsActive
	m.mu.Lock()
	already := m.joined[login]
	if join && !already {
		m.joined[login] = true
	}
	if !join && already {
		delete(m.joined, login)
	}
	m.mu.Unlock()

	switch {
	case join && !already:
		adapter.Join(login)
		slog.Info("joined channel", "channel", login)
	case !join && already:
		adapter.Depart(login)
		slog.Info("parted channel", "channel", login)
	}
}

func (m *Manager) retryLater(ctx context.Context, reason string) {
	go func() {
		select {
		case <-time.After(reconnectDelay):
			m.recover(ctx, reason)
		case <-ctx.Done():
		}
	}()
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

// isAuthFailure reports whether a server notice indicates the login
// credential is bad and a token refresh is warranted.
func isAuthFailure(notice string) bool {
	lower := strings.ToLower(notice)
	return strings.Contains(lower, "login authentication failed") ||
		strings.Contains(lower, "login unsuccessful") ||
		strings.Contains(lower, "improperly formatted auth")
}
