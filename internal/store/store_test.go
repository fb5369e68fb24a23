package store

import (
	"errors"
	"testing"

	"github.com/overvox/overvox/pkg/provider/tts"
)

func TestDefaultChannelConfig(t *testing.T) {
	t.Parallel()

	cfg := DefaultChannelConfig("StreamerPerson")

	if cfg.Login != "streamerperson" {
		t.Errorf("login = %q, want lowercase", cfg.Login)
	}
	if cfg.Enabled {
		t.Error("new channels must start with the engine off")
	}
	if cfg.ReadMode != ReadCommand {
		t.Errorf("read mode = %q, want %q", cfg.ReadMode, ReadCommand)
	}
	if cfg.Permission != PermEveryone {
		t.Errorf("permission = %q, want %q", cfg.Permission, PermEveryone)
	}
	if !cfg.Reward.BlockLinks {
		t.Error("link blocking should default on")
	}
	if cfg.Voice.VoiceID != tts.DefaultVoiceID {
		t.Errorf("voice = %q, want system default", cfg.Voice.VoiceID)
	}
}

func TestChannelConfig_IsIgnored(t *testing.T) {
	t.Parallel()

	cfg := DefaultChannelConfig("chan")
	cfg.IgnoredUsers = []string{"Nightbot", "streamelements"}

	tests := []struct {
		user string
		want bool
	}{
		{"nightbot", true},
		{"NIGHTBOT", true},
		{"StreamElements", true},
		{"alice", false},
		{"", false},
	}
	for _, tc := range tests {
		tc := tc
		if got := cfg.IsIgnored(tc.user); got != tc.want {
			t.Errorf("IsIgnored(%q) = %v, want %v", tc.user, got, tc.want)
		}
	}
}

func TestChannelConfig_Normalize(t *testing.T) {
	t.Parallel()

	cfg := &ChannelConfig{
		Login:      "MixedCase",
		ReadMode:   "shout",
		Permission: "vips",
	}
	cfg.Voice.Pitch = 40
	cfg.Voice.Speed = 9.5

	cfg.Normalize()

	if cfg.Login != "mixedcase" {
		t.Errorf("login = %q, want lowercase", cfg.Login)
	}
	if cfg.ReadMode != ReadCommand {
		t.Errorf("read mode = %q, want fallback %q", cfg.ReadMode, ReadCommand)
	}
	if cfg.Permission != PermEveryone {
		t.Errorf("permission = %q, want fallback %q", cfg.Permission, PermEveryone)
	}
	if cfg.Voice.Pitch != tts.PitchMax {
		t.Errorf("pitch = %d, want clamped %d", cfg.Voice.Pitch, tts.PitchMax)
	}
	if cfg.Voice.Speed != tts.SpeedMax {
		t.Errorf("speed = %v, want clamped %v", cfg.Voice.Speed, tts.SpeedMax)
	}
}

func TestVoicePrefs_IsZero(t *testing.T) {
	t.Parallel()

	if !(VoicePrefs{}).IsZero() {
		t.Error("empty prefs should be zero")
	}
	v := "Wise_Woman"
	if (VoicePrefs{VoiceID: &v}).IsZero() {
		t.Error("prefs with a voice override should not be zero")
	}
}

func TestParseSecretName(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		resource string
		want     secretRef
		wantErr  bool
	}{
		{
			name:     "latest alias",
			resource: "projects/overvox/secrets/chat-refresh-token/versions/latest",
			want:     secretRef{project: "overvox", name: "chat-refresh-token", version: "latest"},
		},
		{
			name:     "numeric version",
			resource: "projects/overvox/secrets/api-key/versions/3",
			want:     secretRef{project: "overvox", name: "api-key", version: "3"},
		},
		{name: "missing version segment", resource: "projects/overvox/secrets/api-key", wantErr: true},
		{name: "wrong prefix", resource: "project/overvox/secrets/api-key/versions/1", wantErr: true},
		{name: "empty name", resource: "projects/overvox/secrets//versions/1", wantErr: true},
		{name: "empty string", resource: "", wantErr: true},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := parseSecretName(tc.resource)
			if tc.wantErr {
				if !errors.Is(err, ErrBadSecretName) {
					t.Fatalf("err = %v, want ErrBadSecretName", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseSecretName: %v", err)
			}
			if got != tc.want {
				t.Errorf("ref = %+v, want %+v", got, tc.want)
			}
		})
	}
}
