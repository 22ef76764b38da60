package chat

import "github.com/alexjbarnes/chatsync/internal/models"

// Observers are invoked synchronously, in delivery order, from a single
// dispatch goroutine per subscription. They must not block for long and
// must not call Unsubscribe expecting to wait for dispatch to finish.

// MessageObserver receives messages in ascending ID order.
type MessageObserver interface {
	OnMessage(msg *Message)
}

// PresenceObserver receives presence changes of cached users.
type PresenceObserver interface {
	OnPresenceChanged(user *User, previous, current models.PresenceState)
}

// TypingObserver receives debounced typing transitions.
type TypingObserver interface {
	OnUserStartedTyping(room *Room, user *User)
	OnUserStoppedTyping(room *Room, user *User)
}

// MembershipObserver receives room membership changes.
type MembershipObserver interface {
	OnUserJoined(room *Room, user *User)
	OnUserLeft(room *Room, user *User)
}

// ErrorObserver receives errors that did not end the subscription, and
// the final error of one that did.
type ErrorObserver interface {
	OnError(err error)
}

// RoomObservers groups the per-subscription observers. Nil fields are
// skipped.
type RoomObservers struct {
	Messages   MessageObserver
	Presence   PresenceObserver
	Typing     TypingObserver
	Membership MembershipObserver
	Errors     ErrorObserver
}

// SessionObservers are session-wide, receiving events from every room.
type SessionObservers struct {
	Presence PresenceObserver
	Typing   TypingObserver
}

// MessageFunc adapts a function to MessageObserver.
type MessageFunc func(msg *Message)

func (f MessageFunc) OnMessage(msg *Message) { f(msg) }

// ErrorFunc adapts a function to ErrorObserver.
type ErrorFunc func(err error)

func (f ErrorFunc) OnError(err error) { f(err) }

// PresenceFunc adapts a function to PresenceObserver.
type PresenceFunc func(user *User, previous, current models.PresenceState)

func (f PresenceFunc) OnPresenceChanged(user *User, previous, current models.PresenceState) {
	f(user, previous, current)
}

// TypingFuncs adapts a pair of functions to TypingObserver.
type TypingFuncs struct {
	Started func(room *Room, user *User)
	Stopped func(room *Room, user *User)
}

func (t TypingFuncs) OnUserStartedTyping(room *Room, user *User) {
	if t.Started != nil {
		t.Started(room, user)
	}
}

func (t TypingFuncs) OnUserStoppedTyping(room *Room, user *User) {
	if t.Stopped != nil {
		t.Stopped(room, user)
	}
}

// MembershipFuncs adapts a pair of functions to MembershipObserver.
type MembershipFuncs struct {
	Joined func(room *Room, user *User)
	Left   func(room *Room, user *User)
}

func (m MembershipFuncs) OnUserJoined(room *Room, user *User) {
	if m.Joined != nil {
		m.Joined(room, user)
	}
}

func (m MembershipFuncs) OnUserLeft(room *Room, user *User) {
	if m.Left != nil {
		m.Left(room, user)
	}
}
