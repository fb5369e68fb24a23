package engine

import (
	"time"

	"github.com/overvox/overvox/pkg/provider/tts"
)

// ItemType classifies where a work item came from. The overlay does not
// care, but moderation commands and metrics do.
type ItemType string

const (
	TypeChat    ItemType = "chat"
	TypeCommand ItemType = "command"
	TypeCheer   ItemType = "cheer_tts"
	TypeEvent   ItemType = "event"
	TypeReward  ItemType = "reward"
)

// Synthetic speaker tags for items not tied to a real chatter.
const (
	SpeakerEvent     = "event_tts"
	SpeakerAnonymous = "anonymous_cheerer"
	SpeakerAnonGift  = "anonymous_gifter"
)

// SharedSession describes a shared-chat collab session attached to an
// item. Synthesized audio fans out to every participant channel that
// has overlay clients at dispatch time.
type SharedSession struct {
	ID       string   `json:"sessionId" msgpack:"sessionId"`
	Channels []string `json:"channels" msgpack:"channels"`
}

// Item is one unit of TTS work. Voice parameters are fully resolved at
// enqueue time so later config changes do not retroactively alter
// pending items.
type Item struct {
	// Text is the utterance after all content transforms.
	Text string `json:"text" msgpack:"text"`

	// Speaker is the originating identity. May be a synthetic tag such
	// as SpeakerEvent or SpeakerAnonymous.
	Speaker string `json:"user" msgpack:"user"`

	Type ItemType `json:"type" msgpack:"type"`

	// Params are the resolved voice parameters for this item.
	Params tts.VoiceParams `json:"voiceOpts" msgpack:"voiceOpts"`

	// EnqueuedAt is the monotonic enqueue timestamp, used by the
	// restore-freshness bound.
	EnqueuedAt time.Time `json:"enqueuedAt" msgpack:"enqueuedAt"`

	// Session, when non-nil, fans playback out to all participants.
	// Dropped by persistence: sessions may end across a restart.
	Session *SharedSession `json:"sharedSession,omitempty" msgpack:"sharedSession,omitempty"`
}
