// Package models defines types shared across internal packages.
package models

import "time"

// PresenceState is a user's last known online status. The zero value
// (PresenceUnknown) means "not reported" and never overwrites a known
// state during a merge.
type PresenceState string

const (
	PresenceUnknown PresenceState = ""
	PresenceOnline  PresenceState = "online"
	PresenceOffline PresenceState = "offline"
)

// String returns the wire name, with "unknown" for the zero value.
func (p PresenceState) String() string {
	if p == PresenceUnknown {
		return "unknown"
	}

	return string(p)
}

// User is the plain value form of a chat user as decoded from the
// service or restored from local state.
type User struct {
	ID         string         `json:"id" yaml:"id"`
	Name       string         `json:"name,omitempty" yaml:"name,omitempty"`
	AvatarURL  string         `json:"avatar_url,omitempty" yaml:"avatar_url,omitempty"`
	CustomData map[string]any `json:"custom_data,omitempty" yaml:"custom_data,omitempty"`
	CreatedAt  time.Time      `json:"created_at,omitzero" yaml:"created_at,omitempty"`
	UpdatedAt  time.Time      `json:"updated_at,omitzero" yaml:"updated_at,omitempty"`
	Presence   PresenceState  `json:"presence,omitempty" yaml:"presence,omitempty"`
	LastSeenAt *time.Time     `json:"last_seen_at,omitempty" yaml:"last_seen_at,omitempty"`
}

// PresencePayload reports a presence change for one user. It is consumed
// to mutate a cached user and not retained.
type PresencePayload struct {
	UserID     string        `json:"user_id"`
	State      PresenceState `json:"state"`
	LastSeenAt *time.Time    `json:"last_seen_at,omitempty"`
}

// TypingSignal is a raw "user is typing" notification. Signals are
// noisy and arrive repeatedly while the user types.
type TypingSignal struct {
	RoomID string    `json:"room_id"`
	UserID string    `json:"user_id"`
	At     time.Time `json:"at"`
}
