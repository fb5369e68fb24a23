package pipeline

import (
	"log/slog"
	"strings"
	"sync"

	"github.com/overvox/overvox/internal/engine"
)

// SessionRegistry tracks active shared-chat collab sessions. State is
// process-local and reconstructed from live begin/update/end events;
// nothing persists across a restart.
type SessionRegistry struct {
	mu sync.RWMutex

	// byID maps session id to the participant channel logins.
	byID map[string][]string

	// byChannel is the reverse index, channel login to session id.
	byChannel map[string]string
}

// NewSessionRegistry creates an empty registry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{
		byID:      make(map[string][]string),
		byChannel: make(map[string]string),
	}
}

// Put inserts or replaces a session. Participants are lowercased;
// channels previously in the session but absent from the update are
// unindexed.
func (r *SessionRegistry) Put(sessionID string, participants []string) {
	logins := make([]string, 0, len(participants))
	for _, p := range participants {
		logins = append(logins, strings.ToLower(p))
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, old := range r.byID[sessionID] {
		delete(r.byChannel, old)
	}
	r.byID[sessionID] = logins
	for _, l := range logins {
		r.byChannel[l] = sessionID
	}
	slog.Debug("shared-chat session updated", "session", sessionID, "participants", len(logins))
}

// Remove drops a session and all its reverse-index entries.
func (r *SessionRegistry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, l := range r.byID[sessionID] {
		delete(r.byChannel, l)
	}
	delete(r.byID, sessionID)
	slog.Debug("shared-chat session ended", "session", sessionID)
}

// SessionFor returns the shared-session descriptor for channel, or nil
// when the channel is not in a session.
func (r *SessionRegistry) SessionFor(channel string) *engine.SharedSession {
	channel = strings.ToLower(channel)

	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.byChannel[channel]
	if !ok {
		return nil
	}
	chans := make([]string, len(r.byID[id]))
	copy(chans, r.byID[id])
	return &engine.SharedSession{ID: id, Channels: chans}
}

// Len reports the number of active sessions.
func (r *SessionRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}
