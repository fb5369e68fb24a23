// Package chat owns the IRC-side of the relay: the transport adapter
// around the Twitch IRC client, the recovery state machine that
// re-drives connections with a token refresh, the rate-limited outbound
// sender, and the managed-channel join/part sync.
package chat

// Message is one inbound chat line in transport-neutral form. The
// adapter converts library messages into this shape so the pipeline and
// command router never see the IRC client's types.
type Message struct {
	// Channel is the lowercase broadcaster login the line arrived on.
	Channel string

	// User is the sender's lowercase login.
	User string

	// DisplayName is the sender's display name as shown in chat.
	DisplayName string

	// ID is the platform message id, used for native replies.
	ID string

	Text string

	// Bits is the cheer amount attached to the line, zero for none.
	Bits int

	IsMod         bool
	IsBroadcaster bool
}

// HasModAuthority reports whether the sender can run moderation
// commands on the channel.
func (m Message) HasModAuthority() bool {
	return m.IsMod || m.IsBroadcaster
}
