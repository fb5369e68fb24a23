// Package app wires all Overvox subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run executes them until the context ends, and Shutdown
// tears everything down in order.
//
// For testing, inject doubles via functional options (WithTTSProvider,
// WithStore). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/overvox/overvox/internal/admin"
	"github.com/overvox/overvox/internal/bus"
	"github.com/overvox/overvox/internal/chat"
	"github.com/overvox/overvox/internal/commands"
	"github.com/overvox/overvox/internal/config"
	"github.com/overvox/overvox/internal/engine"
	"github.com/overvox/overvox/internal/fanout"
	"github.com/overvox/overvox/internal/health"
	"github.com/overvox/overvox/internal/leader"
	"github.com/overvox/overvox/internal/observe"
	"github.com/overvox/overvox/internal/pipeline"
	"github.com/overvox/overvox/internal/redemption"
	"github.com/overvox/overvox/internal/store"
	"github.com/overvox/overvox/internal/twitch"
	"github.com/overvox/overvox/internal/webhook"
	"github.com/overvox/overvox/pkg/provider/tts"
	"github.com/overvox/overvox/pkg/provider/tts/minimax"
)

const (
	// secretProject scopes all resource-named secrets.
	secretProject = "overvox"

	// persistDeadline bounds the queue-persistence phase of shutdown.
	persistDeadline = 10 * time.Second

	// listenerDeadline bounds the HTTP listener drain.
	listenerDeadline = 3 * time.Second
)

// App owns all subsystem lifetimes.
type App struct {
	cfg      *config.Config
	metrics  *observe.Metrics
	revision string

	store    *store.Postgres
	secrets  *store.Secrets
	identity *twitch.Identity
	helix    *twitch.Helix
	auth     *admin.Auth
	fanout   *fanout.Server
	provider tts.Provider
	engine   *engine.Engine
	bus      *bus.Bus
	sessions *pipeline.SessionRegistry
	machine  *redemption.Machine
	sender   *chat.Sender
	chatMgr  *chat.Manager
	elector  *leader.Elector
	pipe     *pipeline.Pipeline
	server   *http.Server

	holderID string
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject doubles.
type Option func(*App)

// WithTTSProvider injects a synthesis provider instead of building the
// real client from config.
func WithTTSProvider(p tts.Provider) Option {
	return func(a *App) { a.provider = p }
}

// WithMetrics injects a metrics handle. Defaults to the global one.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// ─── New ─────────────────────────────────────────────────────────────

// New wires all subsystems together. Startup order: store → restore
// queues → bus → fan-out/HTTP → pipeline → leader; only store and
// config failures are fatal.
func New(ctx context.Context, cfg *config.Config, revision string, opts ...Option) (*App, error) {
	a := &App{
		cfg:      cfg,
		revision: revision,
		holderID: "replica-" + uuid.NewString()[:8],
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. State store ───────────────────────────────────────────────
	st, err := store.Connect(ctx, cfg.Database.DSN)
	if err != nil {
		return nil, fmt.Errorf("app: connect store: %w", err)
	}
	a.store = st
	if err := st.Migrate(ctx); err != nil {
		st.Close()
		return nil, fmt.Errorf("app: migrate store: %w", err)
	}
	a.secrets = store.NewSecrets(st.Pool())
	if err := a.secrets.Migrate(ctx); err != nil {
		st.Close()
		return nil, fmt.Errorf("app: migrate secrets: %w", err)
	}

	// ── 2. Platform clients ──────────────────────────────────────────
	a.identity = twitch.NewIdentity(cfg.Twitch.ClientID, cfg.Twitch.ClientSecret)
	a.helix = twitch.NewHelix(a.identity, cfg.Twitch.ClientID)

	// ── 3. Auth + fan-out ────────────────────────────────────────────
	a.auth = admin.NewAuth(cfg.Auth.TokenSecret, cfg.Auth.Issuer, cfg.Auth.Audience)
	a.fanout = fanout.New(a.auth, a.metrics)

	// ── 4. Engine ────────────────────────────────────────────────────
	if a.provider == nil {
		var provOpts []minimax.Option
		if cfg.TTS.Endpoint != "" {
			provOpts = append(provOpts, minimax.WithEndpoint(cfg.TTS.Endpoint))
		}
		if cfg.TTS.Model != "" {
			provOpts = append(provOpts, minimax.WithModel(cfg.TTS.Model))
		}
		p, err := minimax.New(cfg.TTS.APIKey, cfg.TTS.GroupID, provOpts...)
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("app: build tts provider: %w", err)
		}
		a.provider = p
	}
	a.engine = engine.New(engine.Config{
		Provider:      a.provider,
		Clients:       a.fanout,
		Sink:          a.fanout,
		Configs:       st,
		MaxConcurrent: cfg.TTS.MaxConcurrent,
		Metrics:       a.metrics,
	})

	// ── 5. Restore persisted queues ──────────────────────────────────
	if err := a.engine.RestoreAll(ctx, st); err != nil {
		slog.Warn("queue restore failed", "err", err)
	}

	// ── 6. Bus ───────────────────────────────────────────────────────
	a.bus = bus.New(st.Pool(), revision, a.metrics)

	// ── 7. Pipeline, redemptions, commands ───────────────────────────
	a.sessions = pipeline.NewSessionRegistry()
	a.machine = redemption.New(st, a.bus, a.helix,
		&userTokens{secrets: a.secrets, identity: a.identity}, a.metrics)
	a.sender = chat.NewSender()
	router := commands.New(a.engine, a.bus, st, a.sender)
	a.pipe = pipeline.New(pipeline.Config{
		Configs:     st,
		Publisher:   a.bus,
		Router:      router,
		Sessions:    a.sessions,
		Redemptions: a.machine,
		BotLogin:    cfg.Twitch.BotLogin,
	})

	// ── 8. Chat + leader ─────────────────────────────────────────────
	a.chatMgr = chat.NewManager(chat.ManagerConfig{
		BotLogin:      cfg.Twitch.BotLogin,
		RefreshSecret: chatRefreshSecret(cfg),
		Identity:      a.identity,
		Secrets:       a.secrets,
		Channels:      st,
		Sender:        a.sender,
		Handler:       a.pipe.HandleChat,
	})
	a.elector = leader.New(st.Pool(), a.holderID, leader.Callbacks{
		OnAcquired: func(ctx context.Context) { a.chatMgr.Start(ctx) },
		OnLost:     func(context.Context) { a.chatMgr.Stop() },
	})
	if err := a.elector.Migrate(ctx); err != nil {
		st.Close()
		return nil, fmt.Errorf("app: migrate lease: %w", err)
	}

	// ── 9. HTTP surface ──────────────────────────────────────────────
	a.server = &http.Server{
		Addr:    cfg.Server.ListenAddr,
		Handler: a.buildRouter(),
	}
	return a, nil
}

func chatRefreshSecret(cfg *config.Config) string {
	if cfg.Twitch.ChatRefreshSecret != "" {
		return cfg.Twitch.ChatRefreshSecret
	}
	return "projects/" + secretProject + "/secrets/chat-refresh-token/versions/latest"
}

func (a *App) buildRouter() http.Handler {
	r := mux.NewRouter()
	r.Use(observe.Middleware(a.metrics))

	r.HandleFunc("/ws", a.fanout.HandleWS)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.Handle("/twitch/event", webhook.New(a.cfg.Twitch.WebhookSecret, a.pipe, a.metrics)).
		Methods(http.MethodPost)

	health.New().
		Add("database", a.store.Ping).
		Routes(r)

	adminSrv := admin.NewServer(a.store, a.auth, a.cfg.Server.CORSOrigin)
	adminSrv.Routes(r)

	if a.cfg.Server.PublicDir != "" {
		r.PathPrefix("/").Handler(fanout.StaticHandler(a.cfg.Server.PublicDir))
	}
	return r
}

// ─── Run ─────────────────────────────────────────────────────────────

// Run starts every background loop and blocks until ctx is cancelled or
// the HTTP listener fails.
func (a *App) Run(ctx context.Context) error {
	go a.sender.Run(ctx)
	go a.machine.Run(ctx)
	go a.elector.Run(ctx)
	a.bus.Subscribe(ctx, func(ctx context.Context, env bus.Envelope) {
		item := env.Item
		if item.Session == nil {
			item.Session = env.Session
		}
		a.engine.Enqueue(ctx, env.Channel, item)
	})

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", a.server.Addr)
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	slog.Info("overvox running", "replica", a.holderID, "revision", a.revision)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("app: http server: %w", err)
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────

// Shutdown tears subsystems down in order: close the HTTP/WS listener,
// stop chat, clear the outbound queue, persist every channel queue,
// then release the store. Idempotent; a second signal is a no-op.
func (a *App) Shutdown(ctx context.Context) error {
	a.stopOnce.Do(func() {
		slog.Info("shutting down")

		drainCtx, cancel := context.WithTimeout(ctx, listenerDeadline)
		if err := a.server.Shutdown(drainCtx); err != nil {
			slog.Warn("http shutdown error", "err", err)
		}
		cancel()
		a.fanout.CloseAll()

		a.sender.Drain()
		a.chatMgr.Stop()

		a.engine.Close()
		persistCtx, cancel := context.WithTimeout(context.Background(), persistDeadline)
		a.engine.PersistAll(persistCtx, a.store)
		cancel()

		a.store.Close()
		slog.Info("shutdown complete")
	})
	return nil
}

// ─── Broadcaster tokens ──────────────────────────────────────────────

// userTokens exchanges a broadcaster's stored refresh token for an
// access token, persisting rotations. Used by the redemption machine
// for refunds.
type userTokens struct {
	secrets  *store.Secrets
	identity *twitch.Identity
}

func (u *userTokens) UserAccessToken(ctx context.Context, login string) (string, error) {
	resource := fmt.Sprintf("projects/%s/secrets/twitch-refresh-%s/versions/latest", secretProject, login)
	refresh, err := u.secrets.Access(ctx, resource)
	if err != nil {
		return "", fmt.Errorf("app: broadcaster refresh token: %w", err)
	}
	tok, err := u.identity.RefreshUserToken(ctx, refresh)
	if err != nil {
		return "", fmt.Errorf("app: refresh broadcaster token: %w", err)
	}
	if tok.RefreshToken != "" && tok.RefreshToken != refresh {
		if err := u.secrets.AddVersion(ctx, resource, tok.RefreshToken); err != nil {
			slog.Error("persisting rotated broadcaster refresh token failed", "login", login, "err", err)
		}
	}
	return tok.AccessToken, nil
}
