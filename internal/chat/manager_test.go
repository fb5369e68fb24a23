package chat

import "testing"

func TestMessage_HasModAuthority(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		m    Message
		want bool
	}{
		{"plain viewer", Message{User: "alice"}, false},
		{"moderator", Message{User: "alice", IsMod: true}, true},
		{"broadcaster", Message{User: "chan", IsBroadcaster: true}, true},
		{"broadcaster without mod badge", Message{IsBroadcaster: true, IsMod: false}, true},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := tc.m.HasModAuthority(); got != tc.want {
				t.Errorf("HasModAuthority = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestIsAuthFailure(t *testing.T) {
	t.Parallel()

	tests := []struct {
		notice string
		want   bool
	}{
		{"Login authentication failed", true},
		{"LOGIN UNSUCCESSFUL", true},
		{"Improperly formatted auth", true},
		{"This room is now in followers-only mode.", false},
		{"Your message was not sent.", false},
		{"", false},
	}

	for _, tc := range tests {
		tc := tc
		if got := isAuthFailure(tc.notice); got != tc.want {
			t.Errorf("isAuthFailure(%q) = %v, want %v", tc.notice, got, tc.want)
		}
	}
}

func TestNewManager_StartsIdle(t *testing.T) {
	t.Parallel()

	m := NewManager(ManagerConfig{BotLogin: "overvoxbot", Sender: NewSender()})
	if got := m.State(); got != StateIdle {
		t.Errorf("state = %q, want %q", got, StateIdle)
	}
}
