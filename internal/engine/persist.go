package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/overvox/overvox/internal/store"
)

// SnapshotStore is the persistence slice of the state store used by
// PersistAll/RestoreAll.
type SnapshotStore interface {
	SaveQueueSnapshot(ctx context.Context, snap store.QueueSnapshot) error
	LoadQueueSnapshots(ctx context.Context) ([]store.QueueSnapshot, error)
	DeleteQueueSnapshot(ctx context.Context, channel string) error
}

// PersistAll writes a snapshot for every channel with pending items (or
// a paused flag worth keeping). The in-flight item is not persisted —
// it either completes before shutdown or is lost, matching the
// at-most-once playback contract. Errors are logged per channel and do
// not abort the sweep.
func (e *Engine) PersistAll(ctx context.Context, snaps SnapshotStore) {
	e.mu.Lock()
	channels := make(map[string]*channelState, len(e.channels))
	for name, st := range e.channels {
		channels[name] = st
	}
	e.mu.Unlock()

	persisted := 0
	for name, st := range channels {
		st.mu.Lock()
		items := make([]Item, len(st.queue))
		copy(items, st.queue)
		paused := st.paused
		st.mu.Unlock()

		if len(items) == 0 && !paused {
			continue
		}

		blob, err := msgpack.Marshal(items)
		if err != nil {
			slog.Error("persist: encode queue", "channel", name, "err", err)
			continue
		}
		snap := store.QueueSnapshot{Channel: name, Items: blob, Paused: paused}
		if err := snaps.SaveQueueSnapshot(ctx, snap); err != nil {
			slog.Error("persist: save queue snapshot", "channel", name, "err", err)
			continue
		}
		persisted++
	}
	if persisted > 0 {
		slog.Info("persisted pending queues", "channels", persisted)
	}
}

// RestoreAll reads all persisted snapshots, refills per-channel queues,
// deletes the snapshot records, and kicks processing. Items older than
// the freshness bound are discarded, and shared-session descriptors are
// dropped because sessions may have ended across the restart.
func (e *Engine) RestoreAll(ctx context.Context, snaps SnapshotStore) error {
	records, err := snaps.LoadQueueSnapshots(ctx)
	if err != nil {
		return fmt.Errorf("engine: restore queues: %w", err)
	}

	cutoff := time.Now().Add(-restoreFreshness)
	for _, rec := range records {
		var items []Item
		if err := msgpack.Unmarshal(rec.Items, &items); err != nil {
			slog.Error("restore: decode queue snapshot", "channel", rec.Channel, "err", err)
			// Unreadable snapshots are still deleted below; keeping them
			// would wedge every future restore.
		}

		fresh := items[:0]
		for _, item := range items {
			if item.EnqueuedAt.Before(cutoff) {
				continue
			}
			item.Session = nil
			fresh = append(fresh, item)
		}

		st := e.state(rec.Channel)
		st.mu.Lock()
		st.queue = append(st.queue, fresh...)
		if len(st.queue) > maxQueueLen {
			st.queue = st.queue[:maxQueueLen]
		}
		st.paused = rec.Paused
		st.mu.Unlock()

		if err := snaps.DeleteQueueSnapshot(ctx, rec.Channel); err != nil {
			slog.Warn("restore: delete queue snapshot", "channel", rec.Channel, "err", err)
		}
		if len(fresh) > 0 {
			slog.Info("restored pending queue", "channel", rec.Channel, "items", len(fresh), "paused", rec.Paused)
			e.kick(rec.Channel)
		}
	}
	return nil
}
