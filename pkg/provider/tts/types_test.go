package tts

import "testing"

func TestClamp(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		in    VoiceParams
		check func(t *testing.T, p VoiceParams)
	}{
		{
			name: "zero value becomes defaults",
			in:   VoiceParams{},
			check: func(t *testing.T, p VoiceParams) {
				want := DefaultParams()
				// Volume clamps to the minimum, not the default.
				want.Volume = VolumeMin
				want.Speed = SpeedMin
				if p.VoiceID != want.VoiceID || p.Emotion != want.Emotion || p.LanguageBoost != want.LanguageBoost {
					t.Errorf("params = %+v", p)
				}
				if p.SampleRate != DefaultSampleRate || p.Bitrate != DefaultBitrate || p.Channels != DefaultChannels {
					t.Errorf("audio fields = %+v", p)
				}
			},
		},
		{
			name: "out of range values clamped",
			in:   VoiceParams{Pitch: 50, Speed: 99, Volume: -3},
			check: func(t *testing.T, p VoiceParams) {
				if p.Pitch != PitchMax || p.Speed != SpeedMax || p.Volume != VolumeMin {
					t.Errorf("pitch=%d speed=%v volume=%v", p.Pitch, p.Speed, p.Volume)
				}
			},
		},
		{
			name: "below range values clamped",
			in:   VoiceParams{Pitch: -50, Speed: 0.01, Volume: 99},
			check: func(t *testing.T, p VoiceParams) {
				if p.Pitch != PitchMin || p.Speed != SpeedMin || p.Volume != VolumeMax {
					t.Errorf("pitch=%d speed=%v volume=%v", p.Pitch, p.Speed, p.Volume)
				}
			},
		},
		{
			name: "legacy emotion auto normalised",
			in:   VoiceParams{Emotion: "auto"},
			check: func(t *testing.T, p VoiceParams) {
				if p.Emotion != DefaultEmotion {
					t.Errorf("emotion = %q, want %q", p.Emotion, DefaultEmotion)
				}
			},
		},
		{
			name: "unknown emotion falls back",
			in:   VoiceParams{Emotion: "ecstatic"},
			check: func(t *testing.T, p VoiceParams) {
				if p.Emotion != DefaultEmotion {
					t.Errorf("emotion = %q, want %q", p.Emotion, DefaultEmotion)
				}
			},
		},
		{
			name: "legacy language boost None normalised",
			in:   VoiceParams{LanguageBoost: "None"},
			check: func(t *testing.T, p VoiceParams) {
				if p.LanguageBoost != DefaultLangBoost {
					t.Errorf("boost = %q, want %q", p.LanguageBoost, DefaultLangBoost)
				}
			},
		},
		{
			name: "valid values untouched",
			in: VoiceParams{
				VoiceID: "Deep_Voice_Man", Pitch: -3, Speed: 1.5, Volume: 2,
				Emotion: "happy", LanguageBoost: "German",
				SampleRate: 44100, Bitrate: 256000, Channels: 2,
			},
			check: func(t *testing.T, p VoiceParams) {
				if p.Pitch != -3 || p.Speed != 1.5 || p.Emotion != "happy" ||
					p.LanguageBoost != "German" || p.Channels != 2 {
					t.Errorf("params mutated: %+v", p)
				}
			},
		},
		{
			name: "invalid channel count reset",
			in:   VoiceParams{Channels: 7},
			check: func(t *testing.T, p VoiceParams) {
				if p.Channels != DefaultChannels {
					t.Errorf("channels = %d, want %d", p.Channels, DefaultChannels)
				}
			},
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			p := tc.in
			p.Clamp()
			tc.check(t, p)
		})
	}
}

func TestDefaultParams_AreAlreadyClamped(t *testing.T) {
	t.Parallel()

	p := DefaultParams()
	clamped := p
	clamped.Clamp()
	if p != clamped {
		t.Errorf("defaults changed under Clamp: %+v vs %+v", p, clamped)
	}
}
