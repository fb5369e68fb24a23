// Package bus distributes speak-decisions across replicas.
//
// The pipeline publishes an envelope for every event that should be
// spoken; every replica subscribes and offers the item to its local
// engine. Whichever replica owns the relevant overlay clients fulfils
// the audio — the others drop the item at dequeue via the no-clients
// admission check. Duplicate delivery is therefore tolerated by design.
//
// Transport is PostgreSQL LISTEN/NOTIFY on the topic channel. Each
// replica holds its own listener connection identified by a random
// subscriber suffix, so all replicas receive all messages.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"

	"github.com/overvox/overvox/internal/engine"
	"github.com/overvox/overvox/internal/observe"
)

// Topic is the NOTIFY channel carrying audio events.
const Topic = "tts_events"

// Envelope is the wire format for one speak-decision.
type Envelope struct {
	Channel string      `json:"channel"`
	Item    engine.Item `json:"item"`

	// Session duplicates Item.Session for consumers that only route.
	Session *engine.SharedSession `json:"sharedSession,omitempty"`

	// SourceRevision identifies the publishing replica build, for
	// debugging mixed-version rollouts.
	SourceRevision string `json:"sourceRevision,omitempty"`

	// TimestampMS is the publish time in Unix milliseconds.
	TimestampMS int64 `json:"timestampMs"`
}

// Handler consumes one received envelope.
type Handler func(ctx context.Context, env Envelope)

// Bus is a publish/subscribe topic over Postgres LISTEN/NOTIFY.
type Bus struct {
	pool     *pgxpool.Pool
	revision string
	subID    string
	metrics  *observe.Metrics
}

// New creates a Bus over pool. revision tags published envelopes.
func New(pool *pgxpool.Pool, revision string, metrics *observe.Metrics) *Bus {
	return &Bus{
		pool:     pool,
		revision: revision,
		subID:    "sub-" + uuid.NewString()[:8],
		metrics:  metrics,
	}
}

// Publish sends one envelope to all subscribers.
func (b *Bus) Publish(ctx context.Context, channel string, item engine.Item) error {
	env := Envelope{
		Channel:        channel,
		Item:           item,
		Session:        item.Session,
		SourceRevision: b.revision,
		TimestampMS:    time.Now().UnixMilli(),
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("bus: marshal envelope: %w", err)
	}

	if _, err := b.pool.Exec(ctx, `SELECT pg_notify($1, $2)`, Topic, string(payload)); err != nil {
		return fmt.Errorf("bus: publish: %w", err)
	}
	b.count("published")
	return nil
}

// Subscribe delivers every published envelope to handler until ctx is
// cancelled. The listener connection is re-established with backoff
// after transient failures; envelopes sent during the gap are lost,
// which is acceptable — audio for a dead replica's clients is
// unrecoverable anyway.
func (b *Bus) Subscribe(ctx context.Context, handler Handler) {
	go func() {
		backoff := time.Second
		for ctx.Err() == nil {
			err := b.listenOnce(ctx, handler)
			if ctx.Err() != nil {
				return
			}
			slog.Warn("bus subscription lost, reconnecting", "subscriber", b.subID, "err", err, "backoff", backoff)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
		}
	}()
}

func (b *Bus) listenOnce(ctx context.Context, handler Handler) error {
	conn, err := b.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire listen conn: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, `LISTEN `+Topic); err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	slog.Info("bus subscribed", "subscriber", b.subID, "topic", Topic)

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return err
		}

		var env Envelope
		if err := json.Unmarshal([]byte(n.Payload), &env); err != nil {
			slog.Warn("bus: malformed envelope", "err", err)
			b.count("decode_error")
			continue
		}
		b.count("received")
		handler(ctx, env)
	}
}

func (b *Bus) count(reason string) {
	if b.metrics == nil {
		return
	}
	b.metrics.Count(observe.BusMessages, attribute.String("reason", reason))
}
