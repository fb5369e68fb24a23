// Package leader elects the single replica that owns the chat
// connection, using a fenced lease record in the database.
//
// Every replica runs [Elector.Run]: each heartbeat it tries to
// transactionally acquire or renew the lease. Acquisition succeeds when
// the record is missing, expired, or already owned by this replica. The
// lease TTL is four heartbeats, so a healthy holder survives three
// failed renewals; once a full TTL passes without a successful renewal
// the holder demotes itself, since a peer may have taken the expired
// row by then.
package leader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

const (
	// heartbeat is the renewal interval.
	heartbeat = 30 * time.Second

	// leaseTTL is how long an unrenewed lease remains valid.
	leaseTTL = 120 * time.Second

	// leaseKey is the single lease row id.
	leaseKey = "chatLeader"
)

// Schema is the DDL for the lease table.
const Schema = `
CREATE TABLE IF NOT EXISTS chat_leader (
    id         TEXT PRIMARY KEY,
    holder     TEXT NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL,
    expires_at TIMESTAMPTZ NOT NULL
);
`

// DB is the database interface used by [Elector]. Both *pgxpool.Pool
// and *pgx.Conn satisfy this interface.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Callbacks receive leadership transitions. Both calls happen on the
// elector goroutine; long work must be handed off.
type Callbacks struct {
	// OnAcquired fires when this replica becomes the leader.
	OnAcquired func(ctx context.Context)

	// OnLost fires when leadership is lost or released.
	OnLost func(ctx context.Context)
}

// Elector runs the lease loop for one replica.
type Elector struct {
	db       DB
	holderID string
	cb       Callbacks

	// Overrides for tests.
	interval time.Duration
	now      func() time.Time

	leading   bool
	renewedAt time.Time
}

// New creates an Elector. holderID must be unique per replica.
func New(db DB, holderID string, cb Callbacks) *Elector {
	return &Elector{
		db:       db,
		holderID: holderID,
		cb:       cb,
		interval: heartbeat,
		now:      time.Now,
	}
}

// Migrate executes the [Schema] DDL.
func (e *Elector) Migrate(ctx context.Context) error {
	if _, err := e.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("leader: migrate: %w", err)
	}
	return nil
}

// IsLeading reports whether this replica held the lease at the last
// heartbeat. Only valid on the elector goroutine's cadence.
func (e *Elector) IsLeading() bool { return e.leading }

// Run drives the lease loop until ctx is cancelled, then releases the
// lease if held. An immediate first attempt precedes the ticker so a
// fresh deployment does not wait a full heartbeat for chat.
func (e *Elector) Run(ctx context.Context) {
	e.attempt(ctx)

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			e.attempt(ctx)
		case <-ctx.Done():
			e.release()
			return
		}
	}
}

// attempt performs one transactional acquire-or-renew and fires
// transition callbacks on changes.
func (e *Elector) attempt(ctx context.Context) {
	acquired, err := e.tryAcquire(ctx)
	if err != nil {
		slog.Warn("lease attempt failed", "holder", e.holderID, "err", err)
		// Renewal failures inside the TTL are tolerated: the row in the
		// database is still ours. Once a full TTL has passed without a
		// successful renewal the row has expired and a peer may hold it,
		// so step down rather than keep a second chat client open.
		if e.leading && e.now().Sub(e.renewedAt) >= leaseTTL {
			e.leading = false
			slog.Warn("chat lease expired without renewal, stepping down", "holder", e.holderID)
			if e.cb.OnLost != nil {
				e.cb.OnLost(ctx)
			}
		}
		return
	}

	if acquired {
		e.renewedAt = e.now()
	}

	switch {
	case acquired && !e.leading:
		e.leading = true
		slog.Info("chat lease acquired", "holder", e.holderID)
		if e.cb.OnAcquired != nil {
			e.cb.OnAcquired(ctx)
		}
	case !acquired && e.leading:
		e.leading = false
		slog.Info("chat lease lost", "holder", e.holderID)
		if e.cb.OnLost != nil {
			e.cb.OnLost(ctx)
		}
	}
}

// tryAcquire upserts the lease iff it is missing, expired, or ours.
// The single-statement upsert with a conditional DO UPDATE is atomic —
// concurrent replicas cannot both see success for the same term.
func (e *Elector) tryAcquire(ctx context.Context) (bool, error) {
	var holder string
	err := e.db.QueryRow(ctx, `
		INSERT INTO chat_leader (id, holder, updated_at, expires_at)
		VALUES ($1, $2, now(), now() + $3::interval)
		ON CONFLICT (id) DO UPDATE
		SET holder = EXCLUDED.holder, updated_at = now(), expires_at = now() + $3::interval
		WHERE chat_leader.holder = $2 OR chat_leader.expires_at <= now()
		RETURNING holder`,
		leaseKey, e.holderID, leaseTTL.String()).Scan(&holder)
	if errors.Is(err, pgx.ErrNoRows) {
		// Conflict row held by someone else and not expired.
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("leader: acquire: %w", err)
	}
	return holder == e.holderID, nil
}

// release drops the lease if we hold it, letting a peer take over
// without waiting out the TTL. Best-effort: errors are logged only.
func (e *Elector) release() {
	if !e.leading {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := e.db.Exec(ctx, `DELETE FROM chat_leader WHERE id = $1 AND holder = $2`,
		leaseKey, e.holderID); err != nil {
		slog.Warn("lease release failed", "holder", e.holderID, "err", err)
	}
	e.leading = false
	if e.cb.OnLost != nil {
		e.cb.OnLost(ctx)
	}
	slog.Info("chat lease released", "holder", e.holderID)
}
