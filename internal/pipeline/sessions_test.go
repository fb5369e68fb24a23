package pipeline

import "testing"

func TestSessionRegistry_PutLowercasesParticipants(t *testing.T) {
	t.Parallel()

	r := NewSessionRegistry()
	r.Put("sess-1", []string{"StreamerOne", "STREAMERTWO"})

	sess := r.SessionFor("streamerone")
	if sess == nil {
		t.Fatal("lookup by lowercase login failed")
	}
	if sess.Channels[0] != "streamerone" || sess.Channels[1] != "streamertwo" {
		t.Errorf("channels = %v, want lowercased", sess.Channels)
	}
	if r.SessionFor("STREAMERTWO") == nil {
		t.Error("lookup should be case-insensitive")
	}
}

func TestSessionRegistry_SessionForReturnsCopy(t *testing.T) {
	t.Parallel()

	r := NewSessionRegistry()
	r.Put("sess-1", []string{"one", "two"})

	sess := r.SessionFor("one")
	sess.Channels[0] = "mutated"

	if again := r.SessionFor("one"); again.Channels[0] != "one" {
		t.Error("caller mutation leaked into the registry")
	}
}

func TestSessionRegistry_RemoveUnknownIsNoop(t *testing.T) {
	t.Parallel()

	r := NewSessionRegistry()
	r.Put("sess-1", []string{"one"})
	r.Remove("sess-404")

	if r.Len() != 1 {
		t.Errorf("len = %d, want 1", r.Len())
	}
	if r.SessionFor("one") == nil {
		t.Error("unrelated session lost")
	}
}
