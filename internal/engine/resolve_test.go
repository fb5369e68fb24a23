package engine

import (
	"testing"

	"github.com/overvox/overvox/internal/store"
	"github.com/overvox/overvox/pkg/provider/tts"
)

func strp(s string) *string   { return &s }
func intp(i int) *int         { return &i }
func f64p(f float64) *float64 { return &f }

func honoringConfig() *store.ChannelConfig {
	cfg := store.DefaultChannelConfig("chan")
	cfg.HonorViewerPrefs = true
	cfg.Voice.VoiceID = "channel_voice"
	cfg.Voice.Pitch = 2
	return cfg
}

func TestResolveVoice_Precedence(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		cfg     *store.ChannelConfig
		global  *store.VoicePrefs
		perCall *store.VoicePrefs
		want    func(t *testing.T, p tts.VoiceParams)
	}{
		{
			name: "nil config falls back to system defaults",
			want: func(t *testing.T, p tts.VoiceParams) {
				if p.VoiceID != tts.DefaultVoiceID {
					t.Errorf("voice = %q, want %q", p.VoiceID, tts.DefaultVoiceID)
				}
			},
		},
		{
			name: "channel defaults win over system defaults",
			cfg:  honoringConfig(),
			want: func(t *testing.T, p tts.VoiceParams) {
				if p.VoiceID != "channel_voice" || p.Pitch != 2 {
					t.Errorf("got voice=%q pitch=%d, want channel_voice/2", p.VoiceID, p.Pitch)
				}
			},
		},
		{
			name: "legacy override wins over channel default",
			cfg: func() *store.ChannelConfig {
				cfg := honoringConfig()
				cfg.ViewerOverrides = map[string]store.VoicePrefs{
					"alice": {VoiceID: strp("legacy_voice")},
				}
				return cfg
			}(),
			want: func(t *testing.T, p tts.VoiceParams) {
				if p.VoiceID != "legacy_voice" {
					t.Errorf("voice = %q, want legacy_voice", p.VoiceID)
				}
				if p.Pitch != 2 {
					t.Errorf("pitch = %d, want channel value 2 (field-level fallthrough)", p.Pitch)
				}
			},
		},
		{
			name: "global prefs win over legacy override",
			cfg: func() *store.ChannelConfig {
				cfg := honoringConfig()
				cfg.ViewerOverrides = map[string]store.VoicePrefs{
					"alice": {VoiceID: strp("legacy_voice"), Pitch: intp(5)},
				}
				return cfg
			}(),
			global: &store.VoicePrefs{VoiceID: strp("global_voice")},
			want: func(t *testing.T, p tts.VoiceParams) {
				if p.VoiceID != "global_voice" {
					t.Errorf("voice = %q, want global_voice", p.VoiceID)
				}
				if p.Pitch != 5 {
					t.Errorf("pitch = %d, want legacy value 5", p.Pitch)
				}
			},
		},
		{
			name:    "per-call overrides win over everything",
			cfg:     honoringConfig(),
			global:  &store.VoicePrefs{VoiceID: strp("global_voice")},
			perCall: &store.VoicePrefs{VoiceID: strp("reward_voice")},
			want: func(t *testing.T, p tts.VoiceParams) {
				if p.VoiceID != "reward_voice" {
					t.Errorf("voice = %q, want reward_voice", p.VoiceID)
				}
			},
		},
		{
			name: "viewer prefs ignored when channel does not honor them",
			cfg: func() *store.ChannelConfig {
				cfg := honoringConfig()
				cfg.HonorViewerPrefs = false
				cfg.ViewerOverrides = map[string]store.VoicePrefs{
					"alice": {VoiceID: strp("legacy_voice")},
				}
				return cfg
			}(),
			global: &store.VoicePrefs{VoiceID: strp("global_voice")},
			want: func(t *testing.T, p tts.VoiceParams) {
				if p.VoiceID != "channel_voice" {
					t.Errorf("voice = %q, want channel_voice", p.VoiceID)
				}
			},
		},
		{
			name:    "per-call still applies without honor flag",
			cfg:     func() *store.ChannelConfig { c := honoringConfig(); c.HonorViewerPrefs = false; return c }(),
			perCall: &store.VoicePrefs{VoiceID: strp("reward_voice")},
			want: func(t *testing.T, p tts.VoiceParams) {
				if p.VoiceID != "reward_voice" {
					t.Errorf("voice = %q, want reward_voice", p.VoiceID)
				}
			},
		},
		{
			name:    "result is clamped",
			cfg:     honoringConfig(),
			perCall: &store.VoicePrefs{Pitch: intp(99), Speed: f64p(0.01)},
			want: func(t *testing.T, p tts.VoiceParams) {
				if p.Pitch != tts.PitchMax {
					t.Errorf("pitch = %d, want clamped %d", p.Pitch, tts.PitchMax)
				}
				if p.Speed != tts.SpeedMin {
					t.Errorf("speed = %v, want clamped %v", p.Speed, tts.SpeedMin)
				}
			},
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := ResolveVoice(tc.cfg, "alice", tc.global, tc.perCall)
			tc.want(t, got)
		})
	}
}
