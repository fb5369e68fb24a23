package engine

import (
	"github.com/overvox/overvox/internal/store"
	"github.com/overvox/overvox/pkg/provider/tts"
)

// ResolveVoice computes the voice parameters for one utterance at
// enqueue time. Precedence, highest first:
//
//  1. perCall — overrides supplied by the event source
//  2. global  — the viewer's global preferences (only when the channel
//     honors viewer prefs)
//  3. legacy  — the channel's per-viewer overrides (same condition)
//  4. the channel's default voice record
//  5. documented system defaults
//
// Each field resolves independently: a nil field at a higher level
// falls through to the next. The result is clamped, so the engine and
// synthesizer always see valid values.
func ResolveVoice(cfg *store.ChannelConfig, speaker string, global *store.VoicePrefs, perCall *store.VoicePrefs) tts.VoiceParams {
	params := tts.DefaultParams()
	if cfg != nil {
		params = cfg.Voice
	}

	if cfg != nil && cfg.HonorViewerPrefs {
		if legacy, ok := cfg.ViewerOverrides[speaker]; ok {
			applyPrefs(&params, &legacy)
		}
		if global != nil {
			applyPrefs(&params, global)
		}
	}
	if perCall != nil {
		applyPrefs(&params, perCall)
	}

	params.Clamp()
	return params
}

// applyPrefs overlays the non-nil fields of p onto params.
func applyPrefs(params *tts.VoiceParams, p *store.VoicePrefs) {
	if p.VoiceID != nil {
		params.VoiceID = *p.VoiceID
	}
	if p.Pitch != nil {
		params.Pitch = *p.Pitch
	}
	if p.Speed != nil {
		params.Speed = *p.Speed
	}
	if p.Emotion != nil {
		params.Emotion = *p.Emotion
	}
	if p.LanguageBoost != nil {
		params.LanguageBoost = *p.LanguageBoost
	}
	if p.Normalization != nil {
		params.Normalization = *p.Normalization
	}
}
