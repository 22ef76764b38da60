package chat

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/alexjbarnes/chatsync/internal/models"
	"golang.org/x/text/unicode/norm"
)

// Payload parsers are pure: they decode and validate, nothing else.

type userPayload struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	AvatarURL  string         `json:"avatar_url"`
	CustomData map[string]any `json:"custom_data"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// ParseUser decodes a user payload. The ID is required.
func ParseUser(data []byte) (models.User, error) {
	var p userPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return models.User{}, &DeserializationError{Kind: "user", Err: err}
	}

	if p.ID == "" {
		return models.User{}, &DeserializationError{Kind: "user", Err: errors.New("missing id")}
	}

	return models.User{
		ID:         p.ID,
		Name:       norm.NFC.String(p.Name),
		AvatarURL:  p.AvatarURL,
		CustomData: p.CustomData,
		CreatedAt:  p.CreatedAt,
		UpdatedAt:  p.UpdatedAt,
	}, nil
}

type roomPayload struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	CreatedByID string    `json:"created_by_id"`
	Private     bool      `json:"private"`
	MemberIDs   []string  `json:"member_user_ids"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// ParseRoom decodes a room payload. The ID is required.
func ParseRoom(data []byte) (models.Room, error) {
	var p roomPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return models.Room{}, &DeserializationError{Kind: "room", Err: err}
	}

	if p.ID == "" {
		return models.Room{}, &DeserializationError{Kind: "room", Err: errors.New("missing id")}
	}

	return models.Room{
		ID:          p.ID,
		Name:        norm.NFC.String(p.Name),
		CreatedByID: p.CreatedByID,
		IsPrivate:   p.Private,
		MemberIDs:   p.MemberIDs,
		CreatedAt:   p.CreatedAt,
		UpdatedAt:   p.UpdatedAt,
	}, nil
}

type attachmentPayload struct {
	Kind         string `json:"kind"`
	ResourceLink string `json:"resource_link"`
	Type         string `json:"type"`
	Name         string `json:"name"`
	Size         int64  `json:"size"`
}

type messagePayload struct {
	ID         int64              `json:"id"`
	Text       string             `json:"text"`
	UserID     string             `json:"user_id"`
	RoomID     string             `json:"room_id"`
	Attachment *attachmentPayload `json:"attachment"`
	CreatedAt  time.Time          `json:"created_at"`
	UpdatedAt  time.Time          `json:"updated_at"`
}

// ParseMessage decodes a message payload. ID, sender and room are required.
func ParseMessage(data []byte) (models.Message, error) {
	var p messagePayload
	if err := json.Unmarshal(data, &p); err != nil {
		return models.Message{}, &DeserializationError{Kind: "message", Err: err}
	}

	switch {
	case p.ID <= 0:
		return models.Message{}, &DeserializationError{Kind: "message", Err: fmt.Errorf("invalid id %d", p.ID)}
	case p.UserID == "":
		return models.Message{}, &DeserializationError{Kind: "message", Err: errors.New("missing user_id")}
	case p.RoomID == "":
		return models.Message{}, &DeserializationError{Kind: "message", Err: errors.New("missing room_id")}
	}

	msg := models.Message{
		ID:        p.ID,
		Text:      p.Text,
		SenderID:  p.UserID,
		RoomID:    p.RoomID,
		CreatedAt: p.CreatedAt,
		UpdatedAt: p.UpdatedAt,
	}

	if p.Attachment != nil {
		att, err := parseAttachment(*p.Attachment)
		if err != nil {
			return models.Message{}, &DeserializationError{Kind: "message", Err: err}
		}

		msg.Attachment = &att
	}

	return msg, nil
}

// parseAttachment resolves the link/file variant. Payloads without an
// explicit kind are files when they carry a size, links otherwise.
func parseAttachment(p attachmentPayload) (models.Attachment, error) {
	kind := models.AttachmentKind(p.Kind)
	if kind == "" {
		kind = models.AttachmentLink
		if p.Size > 0 {
			kind = models.AttachmentFile
		}
	}

	att := models.Attachment{
		Kind: kind,
		URL:  p.ResourceLink,
		Type: p.Type,
		Name: norm.NFC.String(p.Name),
		Size: p.Size,
	}

	switch kind {
	case models.AttachmentLink:
		if att.URL == "" {
			return models.Attachment{}, errors.New("link attachment without resource_link")
		}

		if att.Name == "" {
			att.Name = nameFromLink(att.URL)
		}
	case models.AttachmentFile:
		if att.Name == "" {
			return models.Attachment{}, errors.New("file attachment without name")
		}
	default:
		return models.Attachment{}, fmt.Errorf("unknown attachment kind %q", p.Kind)
	}

	return att, nil
}

// nameFromLink returns the unescaped last path segment of a link, or ""
// when the link has no usable path.
func nameFromLink(link string) string {
	u, err := url.Parse(link)
	if err != nil {
		return ""
	}

	base := path.Base(u.Path)
	if base == "/" || base == "." {
		return ""
	}

	if unescaped, err := url.PathUnescape(base); err == nil {
		base = unescaped
	}

	return norm.NFC.String(base)
}

type presencePayload struct {
	UserID     string     `json:"user_id"`
	State      string     `json:"state"`
	LastSeenAt *time.Time `json:"last_seen_at"`
}

// ParsePresence decodes a presence payload.
func ParsePresence(data []byte) (models.PresencePayload, error) {
	var p presencePayload
	if err := json.Unmarshal(data, &p); err != nil {
		return models.PresencePayload{}, &DeserializationError{Kind: "presence", Err: err}
	}

	if p.UserID == "" {
		return models.PresencePayload{}, &DeserializationError{Kind: "presence", Err: errors.New("missing user_id")}
	}

	state, err := parsePresenceState(p.State)
	if err != nil {
		return models.PresencePayload{}, &DeserializationError{Kind: "presence", Err: err}
	}

	return models.PresencePayload{UserID: p.UserID, State: state, LastSeenAt: p.LastSeenAt}, nil
}

func parsePresenceState(s string) (models.PresenceState, error) {
	switch strings.ToLower(s) {
	case "online":
		return models.PresenceOnline, nil
	case "offline":
		return models.PresenceOffline, nil
	case "", "unknown":
		return models.PresenceUnknown, nil
	}

	return models.PresenceUnknown, fmt.Errorf("unknown presence state %q", s)
}

type typingPayload struct {
	UserID string `json:"user_id"`
	RoomID string `json:"room_id"`
}

// ParseTypingSignal decodes a typing signal. Feeds are per room, so a
// missing room_id falls back to roomID. at is the receipt time.
func ParseTypingSignal(data []byte, roomID string, at time.Time) (models.TypingSignal, error) {
	var p typingPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return models.TypingSignal{}, &DeserializationError{Kind: "typing", Err: err}
	}

	if p.UserID == "" {
		return models.TypingSignal{}, &DeserializationError{Kind: "typing", Err: errors.New("missing user_id")}
	}

	if p.RoomID == "" {
		p.RoomID = roomID
	}

	return models.TypingSignal{RoomID: p.RoomID, UserID: p.UserID, At: at}, nil
}

type membershipPayload struct {
	UserID string `json:"user_id"`
	RoomID string `json:"room_id"`
}

// ParseMembership decodes a user_joined/user_left payload.
func ParseMembership(data []byte, roomID string) (models.MembershipChange, error) {
	var p membershipPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return models.MembershipChange{}, &DeserializationError{Kind: "membership", Err: err}
	}

	if p.UserID == "" {
		return models.MembershipChange{}, &DeserializationError{Kind: "membership", Err: errors.New("missing user_id")}
	}

	if p.RoomID == "" {
		p.RoomID = roomID
	}

	return models.MembershipChange{RoomID: p.RoomID, UserID: p.UserID}, nil
}
