// Package tts defines the Provider interface for text-to-speech backends.
//
// A provider wraps a hosted synthesis service and presents a uniform
// synchronous interface: hand it text plus fully resolved voice
// parameters, get back a playback URL. The per-channel queue engine is
// the only caller in the hot path; it owns cancellation and pacing, so
// implementations only need to honour ctx.
//
// Implementations must be safe for concurrent use — the engine runs one
// synthesis per channel in parallel across channels.
package tts

import (
	"context"
	"errors"
	"fmt"
)

// ErrAborted is returned when synthesis was cancelled by the caller
// (moderator stop, shutdown, or a newer item superseding this one).
// It is expected and handled silently.
var ErrAborted = errors.New("tts: synthesis aborted by caller")

// ErrInvalidVoice is returned when the provider rejects the requested
// voice id. The item is dropped and the failure may be reported back to
// the command caller.
var ErrInvalidVoice = errors.New("tts: invalid voice")

// UpstreamError wraps any other provider-side failure. The engine drops
// the item and logs; it never retries automatically.
type UpstreamError struct {
	StatusCode int
	Message    string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("tts: upstream failure (status %d): %s", e.StatusCode, e.Message)
}

// Request is a single synthesis job.
type Request struct {
	// Text is the utterance after all content transforms.
	Text string

	// Params are the fully resolved voice parameters for this job.
	Params VoiceParams
}

// Result is a completed synthesis.
type Result struct {
	// URL is the playback URL handed to overlays.
	URL string

	// TraceID is the provider-side job identifier, for log correlation.
	TraceID string
}

// Provider is the abstraction over any synchronous TTS backend.
type Provider interface {
	// Synthesize performs one synthesis job and returns the playback URL.
	// It must respect ctx: cancellation returns an error satisfying
	// errors.Is(err, ErrAborted). Voice rejection satisfies
	// errors.Is(err, ErrInvalidVoice); every other failure is an
	// *UpstreamError.
	Synthesize(ctx context.Context, req Request) (Result, error)
}
