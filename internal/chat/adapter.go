package chat

import (
	"fmt"
	"strings"

	twitchirc "github.com/gempir/go-twitch-irc/v4"
)

// EventKind classifies adapter events.
type EventKind string

const (
	EventConnected    EventKind = "connected"
	EventDisconnected EventKind = "disconnected"
	EventMessage      EventKind = "message"
	EventNotice       EventKind = "notice"
)

// Event is one signal from the transport. The adapter collapses the
// library's callback surface into a single channel so the recovery
// state machine is a plain consumer.
type Event struct {
	Kind EventKind

	// Message is set for EventMessage.
	Message *Message

	// Notice carries the server notice text for EventNotice.
	Notice string

	// Err carries the disconnect cause for EventDisconnected, nil for a
	// requested disconnect.
	Err error
}

// Adapter wraps the IRC client. One adapter serves one connection
// attempt; the manager creates a fresh one per recovery cycle so every
// connect can carry a fresh token.
type Adapter struct {
	client *twitchirc.Client
	login  string
	events chan Event
}

// NewAdapter creates an adapter authenticating as login with token
// (without the "oauth:" prefix).
func NewAdapter(login, token string) *Adapter {
	a := &Adapter{
		client: twitchirc.NewClient(login, "oauth:"+token),
		login:  strings.ToLower(login),
		events: make(chan Event, 64),
	}

	a.client.OnConnect(func() {
		a.emit(Event{Kind: EventConnected})
	})
	a.client.OnPrivateMessage(func(m twitchirc.PrivateMessage) {
		a.emit(Event{Kind: EventMessage, Message: convert(m)})
	})
	a.client.OnNoticeMessage(func(m twitchirc.NoticeMessage) {
		a.emit(Event{Kind: EventNotice, Notice: m.Message})
	})
	return a
}

// Events is the adapter's signal stream.
func (a *Adapter) Events() <-chan Event { return a.events }

// Connect runs the connection on its own goroutine. The blocking
// library call is surfaced as an EventDisconnected when it returns.
func (a *Adapter) Connect() {
	go func() {
		err := a.client.Connect()
		if err != nil {
			err = fmt.Errorf("chat: connection closed: %w", err)
		}
		a.emit(Event{Kind: EventDisconnected, Err: err})
	}()
}

// Disconnect closes the connection. The pending Connect call returns
// and emits its disconnect event.
func (a *Adapter) Disconnect() error {
	if err := a.client.Disconnect(); err != nil {
		return fmt.Errorf("chat: disconnect: %w", err)
	}
	return nil
}

// Join joins the given channels.
func (a *Adapter) Join(channels ...string) { a.client.Join(channels...) }

// Depart leaves the given channel.
func (a *Adapter) Depart(channel string) { a.client.Depart(channel) }

// Say sends a plain line. Callers go through the rate-limited Sender.
func (a *Adapter) Say(channel, text string) { a.client.Say(channel, text) }

// Reply sends a native reply to parentID.
func (a *Adapter) Reply(channel, parentID, text string) {
	a.client.Reply(channel, parentID, text)
}

// emit never blocks: a full event buffer drops the oldest signal. The
// consumer is the recovery FSM, which only needs the latest state.
func (a *Adapter) emit(ev Event) {
	for {
		select {
		case a.events <- ev:
			return
		default:
			select {
			case <-a.events:
			default:
			}
		}
	}
}

func convert(m twitchirc.PrivateMessage) *Message {
	_, isMod := m.User.Badges["moderator"]
	_, isBroadcaster := m.User.Badges["broadcaster"]
	return &Message{
		Channel:       strings.ToLower(m.Channel),
		User:          strings.ToLower(m.User.Name),
		DisplayName:   m.User.DisplayName,
		ID:            m.ID,
		Text:          m.Message,
		Bits:          m.Bits,
		IsMod:         isMod,
		IsBroadcaster: isBroadcaster,
	}
}
