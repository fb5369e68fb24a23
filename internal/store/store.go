// Package store provides the persistent state layer: per-channel TTS
// configuration, global viewer voice preferences, the managed-channel
// allow list, queue snapshots, and the secret store.
//
// All reads go through read-through caches with short TTLs; writes
// invalidate. The only strongly consistent operations are the leader
// lease (owned by internal/leader) and the queue-snapshot save/delete
// pair — everything else tolerates staleness up to the cache TTL.
package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/overvox/overvox/pkg/provider/tts"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("store: not found")

// ReadMode selects which chat messages a channel speaks.
type ReadMode string

const (
	// ReadAll speaks every admitted chat message.
	ReadAll ReadMode = "all"

	// ReadCommand speaks only messages submitted through the TTS command.
	ReadCommand ReadMode = "command"
)

// Permission gates who may trigger chat TTS.
type Permission string

const (
	PermEveryone Permission = "everyone"
	PermMods     Permission = "mods"
)

// BitsConfig gates chat TTS behind a cheer amount.
type BitsConfig struct {
	Enabled bool `json:"enabled"`
	Minimum int  `json:"minimum"`
}

// RewardConfig binds a channel-points reward to TTS playback.
type RewardConfig struct {
	// ID is the reward id on the platform. Empty means no binding.
	ID string `json:"id"`

	// Enabled toggles the redemption path without unbinding the reward.
	Enabled bool `json:"enabled"`

	// BannedWords are case-insensitive substrings that reject a redemption.
	BannedWords []string `json:"bannedWords"`

	// BlockLinks rejects redemptions containing URLs. Defaults to true.
	BlockLinks bool `json:"blockLinks"`
}

// VoicePrefs is a sparse set of voice overrides. Nil fields fall
// through to the next level of the resolution chain.
type VoicePrefs struct {
	VoiceID       *string  `json:"voiceId,omitempty"`
	Pitch         *int     `json:"pitch,omitempty"`
	Speed         *float64 `json:"speed,omitempty"`
	Emotion       *string  `json:"emotion,omitempty"`
	LanguageBoost *string  `json:"languageBoost,omitempty"`
	Normalization *bool    `json:"englishNormalization,omitempty"`
}

// IsZero reports whether no override is set.
func (v VoicePrefs) IsZero() bool {
	return v.VoiceID == nil && v.Pitch == nil && v.Speed == nil &&
		v.Emotion == nil && v.LanguageBoost == nil && v.Normalization == nil
}

// ChannelConfig is the per-channel TTS record, keyed by lowercase login.
type ChannelConfig struct {
	Login string `json:"login"`

	// Enabled is the engine master switch.
	Enabled bool `json:"enabled"`

	ReadMode   ReadMode   `json:"readMode"`
	Permission Permission `json:"permission"`

	// EventSpeech allows non-chat events (subs, raids, ...) to be spoken.
	EventSpeech bool `json:"eventSpeech"`

	Bits BitsConfig `json:"bits"`

	// Voice holds the channel-default voice parameters, always clamped
	// within documented ranges on load and store.
	Voice tts.VoiceParams `json:"voice"`

	// ReadFullURLs disables the URL-to-"link" substitution. Read-only:
	// no admin endpoint sets it.
	ReadFullURLs bool `json:"readFullUrls"`

	IgnoredUsers []string `json:"ignoredUsers"`

	Reward RewardConfig `json:"reward"`

	// HonorViewerPrefs enables viewer voice preferences on this channel.
	HonorViewerPrefs bool `json:"honorViewerPrefs"`

	// ViewerOverrides are legacy per-channel viewer voice overrides.
	// Global viewer preferences take precedence over these.
	ViewerOverrides map[string]VoicePrefs `json:"viewerOverrides,omitempty"`
}

// DefaultChannelConfig returns the record created when a channel is
// first managed: engine off, command mode, everyone, default voice.
func DefaultChannelConfig(login string) *ChannelConfig {
	return &ChannelConfig{
		Login:      strings.ToLower(login),
		ReadMode:   ReadCommand,
		Permission: PermEveryone,
		Voice:      tts.DefaultParams(),
		Reward:     RewardConfig{BlockLinks: true},
	}
}

// IsIgnored reports whether user is on the channel's ignored set.
func (c *ChannelConfig) IsIgnored(user string) bool {
	user = strings.ToLower(user)
	for _, u := range c.IgnoredUsers {
		if strings.ToLower(u) == user {
			return true
		}
	}
	return false
}

// Normalize lowercases the key fields and clamps voice parameters.
// Called on every load and store so invalid persisted values can never
// escape the store layer.
func (c *ChannelConfig) Normalize() {
	c.Login = strings.ToLower(c.Login)
	if c.ReadMode != ReadAll && c.ReadMode != ReadCommand {
		c.ReadMode = ReadCommand
	}
	if c.Permission != PermEveryone && c.Permission != PermMods {
		c.Permission = PermEveryone
	}
	c.Voice.Clamp()
}

// ManagedChannel is one entry of the managed-channel allow list.
type ManagedChannel struct {
	Login    string `json:"login"`
	IsActive bool   `json:"isActive"`

	// BroadcasterID is the platform user id, resolved lazily.
	BroadcasterID string `json:"broadcasterId,omitempty"`

	// OverlayToken is the signed token embedded in the overlay URL.
	OverlayToken string `json:"overlayToken,omitempty"`
}

// ChannelEventKind classifies a managed-channel change notification.
type ChannelEventKind string

const (
	ChannelAdded    ChannelEventKind = "added"
	ChannelModified ChannelEventKind = "modified"
	ChannelRemoved  ChannelEventKind = "removed"
)

// ChannelEvent is delivered by WatchManagedChannels.
type ChannelEvent struct {
	Kind    ChannelEventKind
	Channel ManagedChannel
}

// QueueSnapshot is the persisted form of one channel's pending queue,
// written on shutdown and consumed-then-deleted on startup. Items is an
// opaque serialized blob owned by the engine.
type QueueSnapshot struct {
	Channel string
	Items   []byte
	Paused  bool
	SavedAt time.Time
}

// Store is the persistent state interface consumed by the rest of the
// process. *Postgres is the production implementation.
type Store interface {
	// ChannelConfig returns the TTS config for login, or ErrNotFound.
	ChannelConfig(ctx context.Context, login string) (*ChannelConfig, error)

	// SetChannelConfig upserts cfg and invalidates the read cache.
	SetChannelConfig(ctx context.Context, cfg *ChannelConfig) error

	// ViewerPrefs returns the global voice prefs for username, or ErrNotFound.
	ViewerPrefs(ctx context.Context, username string) (*VoicePrefs, error)

	// SetViewerPrefs upserts the global prefs for username.
	SetViewerPrefs(ctx context.Context, username string, prefs *VoicePrefs) error

	// ManagedChannels lists the allow list, active entries only.
	ManagedChannels(ctx context.Context) ([]ManagedChannel, error)

	// ManagedChannel returns one allow-list entry, or ErrNotFound.
	ManagedChannel(ctx context.Context, login string) (*ManagedChannel, error)

	// WatchManagedChannels delivers allow-list changes until ctx ends.
	WatchManagedChannels(ctx context.Context) (<-chan ChannelEvent, error)

	// SaveQueueSnapshot writes one channel's queue snapshot.
	SaveQueueSnapshot(ctx context.Context, snap QueueSnapshot) error

	// LoadQueueSnapshots returns all persisted snapshots.
	LoadQueueSnapshots(ctx context.Context) ([]QueueSnapshot, error)

	// DeleteQueueSnapshot removes the snapshot for channel.
	DeleteQueueSnapshot(ctx context.Context, channel string) error
}
