package models

import "time"

// Room is the plain value form of a chat room.
type Room struct {
	ID          string    `json:"id" yaml:"id"`
	Name        string    `json:"name,omitempty" yaml:"name,omitempty"`
	CreatedByID string    `json:"created_by_id,omitempty" yaml:"created_by_id,omitempty"`
	IsPrivate   bool      `json:"private,omitempty" yaml:"private,omitempty"`
	MemberIDs   []string  `json:"member_user_ids,omitempty" yaml:"member_user_ids,omitempty"`
	CreatedAt   time.Time `json:"created_at,omitzero" yaml:"created_at,omitempty"`
	UpdatedAt   time.Time `json:"updated_at,omitzero" yaml:"updated_at,omitempty"`
}

// MembershipChange reports a user joining or leaving a room.
type MembershipChange struct {
	RoomID string `json:"room_id"`
	UserID string `json:"user_id"`
}
