package models

import "time"

// AttachmentKind distinguishes the attachment variants.
type AttachmentKind string

const (
	AttachmentLink AttachmentKind = "link"
	AttachmentFile AttachmentKind = "file"
)

// Attachment is either a link {URL, Type} or an uploaded file
// {Name, Type, Size}. Link attachments also carry a display Name
// derived from the URL when the service omits one.
type Attachment struct {
	Kind AttachmentKind `json:"kind" yaml:"kind"`
	URL  string         `json:"resource_link,omitempty" yaml:"url,omitempty"`
	Type string         `json:"type" yaml:"type"`
	Name string         `json:"name,omitempty" yaml:"name,omitempty"`
	Size int64          `json:"size,omitempty" yaml:"size,omitempty"`
}

// Message is the wire form of a chat message. IDs are assigned by the
// service, increase monotonically, and double as pagination cursors.
type Message struct {
	ID         int64       `json:"id" yaml:"id"`
	Text       string      `json:"text" yaml:"text"`
	SenderID   string      `json:"user_id" yaml:"sender_id"`
	RoomID     string      `json:"room_id" yaml:"room_id"`
	Attachment *Attachment `json:"attachment,omitempty" yaml:"attachment,omitempty"`
	CreatedAt  time.Time   `json:"created_at,omitzero" yaml:"created_at,omitempty"`
	UpdatedAt  time.Time   `json:"updated_at,omitzero" yaml:"updated_at,omitempty"`
}
