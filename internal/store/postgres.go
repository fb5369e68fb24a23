package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Schema is the SQL DDL for the state tables. Execute it via
// [Postgres.Migrate] or apply it manually during deployment.
//
// The managed_channels trigger feeds [Postgres.WatchManagedChannels]
// through LISTEN/NOTIFY; the payload carries only the operation and the
// login, the listener re-reads the row.
const Schema = `
CREATE TABLE IF NOT EXISTS managed_channels (
    login          TEXT PRIMARY KEY,
    is_active      BOOLEAN NOT NULL DEFAULT TRUE,
    broadcaster_id TEXT NOT NULL DEFAULT '',
    overlay_token  TEXT NOT NULL DEFAULT '',
    updated_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS tts_channel_configs (
    login      TEXT PRIMARY KEY,
    config     JSONB NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS tts_user_preferences (
    username   TEXT PRIMARY KEY,
    prefs      JSONB NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS tts_queue_persistence (
    channel  TEXT PRIMARY KEY,
    items    BYTEA NOT NULL,
    paused   BOOLEAN NOT NULL DEFAULT FALSE,
    saved_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE OR REPLACE FUNCTION notify_managed_channels() RETURNS trigger AS $$
BEGIN
    PERFORM pg_notify('managed_channels', json_build_object(
        'op', TG_OP,
        'login', COALESCE(NEW.login, OLD.login)
    )::text);
    RETURN NULL;
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS managed_channels_notify ON managed_channels;
CREATE TRIGGER managed_channels_notify
    AFTER INSERT OR UPDATE OR DELETE ON managed_channels
    FOR EACH ROW EXECUTE FUNCTION notify_managed_channels();
`

// cacheTTL bounds staleness of read-through lookups.
const cacheTTL = 5 * time.Minute

// DB is the database interface used by [Postgres] for plain queries.
// Both *pgxpool.Pool and *pgx.Conn satisfy this interface.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Postgres is a [Store] backed by PostgreSQL. Structured records are
// stored as JSONB documents keyed by login, mirroring the original
// per-channel document layout.
type Postgres struct {
	db   DB
	pool *pgxpool.Pool // nil in tests; required only for Watch*

	channels *ttlCache[*ChannelConfig]
	prefs    *ttlCache[*VoicePrefs]
	managed  *ttlCache[*ManagedChannel]
}

// Compile-time interface check.
var _ Store = (*Postgres)(nil)

// NewPostgres creates a [Postgres] store over db. pool may be nil when
// live listeners are not needed (tests); WatchManagedChannels then fails.
func NewPostgres(db DB, pool *pgxpool.Pool) *Postgres {
	return &Postgres{
		db:       db,
		pool:     pool,
		channels: newTTLCache[*ChannelConfig](cacheTTL),
		prefs:    newTTLCache[*VoicePrefs](cacheTTL),
		managed:  newTTLCache[*ManagedChannel](cacheTTL),
	}
}

// Connect opens a pgx pool against dsn and returns a ready store.
func Connect(ctx context.Context, dsn string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("store: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	return NewPostgres(pool, pool), nil
}

// Migrate executes the [Schema] DDL.
func (p *Postgres) Migrate(ctx context.Context) error {
	if _, err := p.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	return nil
}

// Close releases the underlying pool.
func (p *Postgres) Close() {
	if p.pool != nil {
		p.pool.Close()
	}
}

// Pool exposes the underlying pgx pool for subsystems that hold their
// own listener connections (bus, leader lease).
func (p *Postgres) Pool() *pgxpool.Pool { return p.pool }

// Ping probes database connectivity, for readiness checks.
func (p *Postgres) Ping(ctx context.Context) error {
	_, err := p.db.Exec(ctx, "SELECT 1")
	return err
}

// ─── Channel configs ─────────────────────────────────────────────────────────

// ChannelConfig returns the TTS config for login via the read-through cache.
func (p *Postgres) ChannelConfig(ctx context.Context, login string) (*ChannelConfig, error) {
	login = strings.ToLower(login)
	if v, ok, cached := p.channels.get(login); cached {
		if !ok {
			return nil, ErrNotFound
		}
		return v, nil
	}

	var raw []byte
	err := p.db.QueryRow(ctx, `SELECT config FROM tts_channel_configs WHERE login = $1`, login).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		p.channels.putNegative(login)
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: read channel config %q: %w", login, err)
	}

	cfg := &ChannelConfig{}
	if err := json.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("store: decode channel config %q: %w", login, err)
	}
	cfg.Login = login
	cfg.Normalize()
	p.channels.put(login, cfg)
	return cfg, nil
}

// SetChannelConfig upserts cfg and invalidates the cache entry.
func (p *Postgres) SetChannelConfig(ctx context.Context, cfg *ChannelConfig) error {
	cfg.Normalize()
	raw, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("store: marshal channel config %q: %w", cfg.Login, err)
	}
	_, err = p.db.Exec(ctx, `
		INSERT INTO tts_channel_configs (login, config, updated_at) VALUES ($1, $2, now())
		ON CONFLICT (login) DO UPDATE SET config = EXCLUDED.config, updated_at = now()`,
		cfg.Login, raw)
	if err != nil {
		return fmt.Errorf("store: write channel config %q: %w", cfg.Login, err)
	}
	p.channels.invalidate(cfg.Login)
	return nil
}

// ─── Viewer preferences ──────────────────────────────────────────────────────

// ViewerPrefs returns the global voice prefs for username.
func (p *Postgres) ViewerPrefs(ctx context.Context, username string) (*VoicePrefs, error) {
	username = strings.ToLower(username)
	if v, ok, cached := p.prefs.get(username); cached {
		if !ok {
			return nil, ErrNotFound
		}
		return v, nil
	}

	var raw []byte
	err := p.db.QueryRow(ctx, `SELECT prefs FROM tts_user_preferences WHERE username = $1`, username).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		p.prefs.putNegative(username)
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: read viewer prefs %q: %w", username, err)
	}

	prefs := &VoicePrefs{}
	if err := json.Unmarshal(raw, prefs); err != nil {
		return nil, fmt.Errorf("store: decode viewer prefs %q: %w", username, err)
	}
	p.prefs.put(username, prefs)
	return prefs, nil
}

// SetViewerPrefs upserts the global prefs for username.
func (p *Postgres) SetViewerPrefs(ctx context.Context, username string, prefs *VoicePrefs) error {
	username = strings.ToLower(username)
	raw, err := json.Marshal(prefs)
	if err != nil {
		return fmt.Errorf("store: marshal viewer prefs %q: %w", username, err)
	}
	_, err = p.db.Exec(ctx, `
		INSERT INTO tts_user_preferences (username, prefs, updated_at) VALUES ($1, $2, now())
		ON CONFLICT (username) DO UPDATE SET prefs = EXCLUDED.prefs, updated_at = now()`,
		username, raw)
	if err != nil {
		return fmt.Errorf("store: write viewer prefs %q: %w", username, err)
	}
	p.prefs.invalidate(username)
	return nil
}

// ─── Managed channels ────────────────────────────────────────────────────────

// ManagedChannels lists active allow-list entries. Not cached: the only
// caller is the channel-sync diff, which runs on connect.
func (p *Postgres) ManagedChannels(ctx context.Context) ([]ManagedChannel, error) {
	rows, err := p.db.Query(ctx, `
		SELECT login, is_active, broadcaster_id, overlay_token
		FROM managed_channels WHERE is_active ORDER BY login`)
	if err != nil {
		return nil, fmt.Errorf("store: list managed channels: %w", err)
	}
	defer rows.Close()

	var out []ManagedChannel
	for rows.Next() {
		var mc ManagedChannel
		if err := rows.Scan(&mc.Login, &mc.IsActive, &mc.BroadcasterID, &mc.OverlayToken); err != nil {
			return nil, fmt.Errorf("store: scan managed channel: %w", err)
		}
		out = append(out, mc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list managed channels: %w", err)
	}
	return out, nil
}

// ManagedChannel returns one allow-list entry via the read-through cache.
func (p *Postgres) ManagedChannel(ctx context.Context, login string) (*ManagedChannel, error) {
	login = strings.ToLower(login)
	if v, ok, cached := p.managed.get(login); cached {
		if !ok {
			return nil, ErrNotFound
		}
		return v, nil
	}

	mc := &ManagedChannel{}
	err := p.db.QueryRow(ctx, `
		SELECT login, is_active, broadcaster_id, overlay_token
		FROM managed_channels WHERE login = $1`, login).
		Scan(&mc.Login, &mc.IsActive, &mc.BroadcasterID, &mc.OverlayToken)
	if errors.Is(err, pgx.ErrNoRows) {
		p.managed.putNegative(login)
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: read managed channel %q: %w", login, err)
	}
	p.managed.put(login, mc)
	return mc, nil
}

// notifyPayload is the trigger's NOTIFY body.
type notifyPayload struct {
	Op    string `json:"op"`
	Login string `json:"login"`
}

// WatchManagedChannels delivers allow-list changes over LISTEN/NOTIFY
// until ctx is cancelled. The listener holds a dedicated connection and
// re-establishes it with backoff after transient failures.
func (p *Postgres) WatchManagedChannels(ctx context.Context) (<-chan ChannelEvent, error) {
	if p.pool == nil {
		return nil, errors.New("store: watch requires a connection pool")
	}

	events := make(chan ChannelEvent, 16)
	go func() {
		defer close(events)
		backoff := time.Second
		for ctx.Err() == nil {
			if err := p.listenOnce(ctx, events); err != nil && ctx.Err() == nil {
				slog.Warn("managed-channels listener lost, reconnecting", "err", err, "backoff", backoff)
				select {
				case <-time.After(backoff):
				case <-ctx.Done():
					return
				}
				if backoff < 30*time.Second {
					backoff *= 2
				}
				continue
			}
			backoff = time.Second
		}
	}()
	return events, nil
}

func (p *Postgres) listenOnce(ctx context.Context, events chan<- ChannelEvent) error {
	conn, err := p.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire listen conn: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, `LISTEN managed_channels`); err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return err
		}
		var payload notifyPayload
		if err := json.Unmarshal([]byte(n.Payload), &payload); err != nil {
			slog.Warn("malformed managed-channels notification", "payload", n.Payload)
			continue
		}

		p.managed.invalidate(payload.Login)

		ev := ChannelEvent{Channel: ManagedChannel{Login: payload.Login}}
		switch payload.Op {
		case "INSERT":
			ev.Kind = ChannelAdded
		case "UPDATE":
			ev.Kind = ChannelModified
		case "DELETE":
			ev.Kind = ChannelRemoved
		default:
			continue
		}
		if ev.Kind != ChannelRemoved {
			if mc, err := p.ManagedChannel(ctx, payload.Login); err == nil {
				ev.Channel = *mc
			}
		}

		select {
		case events <- ev:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// ─── Queue snapshots ─────────────────────────────────────────────────────────

// SaveQueueSnapshot writes one channel's queue snapshot. Strongly
// consistent: no cache involved.
func (p *Postgres) SaveQueueSnapshot(ctx context.Context, snap QueueSnapshot) error {
	_, err := p.db.Exec(ctx, `
		INSERT INTO tts_queue_persistence (channel, items, paused, saved_at) VALUES ($1, $2, $3, now())
		ON CONFLICT (channel) DO UPDATE SET items = EXCLUDED.items, paused = EXCLUDED.paused, saved_at = now()`,
		strings.ToLower(snap.Channel), snap.Items, snap.Paused)
	if err != nil {
		return fmt.Errorf("store: save queue snapshot %q: %w", snap.Channel, err)
	}
	return nil
}

// LoadQueueSnapshots returns all persisted snapshots.
func (p *Postgres) LoadQueueSnapshots(ctx context.Context) ([]QueueSnapshot, error) {
	rows, err := p.db.Query(ctx, `SELECT channel, items, paused, saved_at FROM tts_queue_persistence`)
	if err != nil {
		return nil, fmt.Errorf("store: load queue snapshots: %w", err)
	}
	defer rows.Close()

	var out []QueueSnapshot
	for rows.Next() {
		var s QueueSnapshot
		if err := rows.Scan(&s.Channel, &s.Items, &s.Paused, &s.SavedAt); err != nil {
			return nil, fmt.Errorf("store: scan queue snapshot: %w", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: load queue snapshots: %w", err)
	}
	return out, nil
}

// DeleteQueueSnapshot removes the snapshot for channel.
func (p *Postgres) DeleteQueueSnapshot(ctx context.Context, channel string) error {
	_, err := p.db.Exec(ctx, `DELETE FROM tts_queue_persistence WHERE channel = $1`, strings.ToLower(channel))
	if err != nil {
		return fmt.Errorf("store: delete queue snapshot %q: %w", channel, err)
	}
	return nil
}
