package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/alexjbarnes/chatsync/internal/models"
	"github.com/tidwall/gjson"
)

// Sends are not retried: a POST that timed out may still have been
// applied, and a retry would post twice.

type attachmentBody struct {
	ResourceLink string `json:"resource_link"`
	Type         string `json:"type"`
	Name         string `json:"name,omitempty"`
}

type sendMessageBody struct {
	Text       string          `json:"text"`
	Attachment *attachmentBody `json:"attachment,omitempty"`
}

type createRoomBody struct {
	Name    string   `json:"name"`
	Private bool     `json:"private"`
	UserIDs []string `json:"user_ids,omitempty"`
}

// SendMessage posts text, with an optional attachment, to room and
// returns the ID the service assigned. The message itself arrives
// through the room's feed like any other. Attachments must reference
// content by URL; file attachments are expected to be uploaded already.
func (s *Session) SendMessage(ctx context.Context, room *Room, text string, att *models.Attachment) (int64, error) {
	body := sendMessageBody{Text: text}

	if att != nil {
		if att.URL == "" {
			return 0, fmt.Errorf("sending message to room %s: attachment has no URL", room.ID())
		}

		name := att.Name
		if att.Kind == models.AttachmentFile && name == "" {
			name = nameFromLink(att.URL)
		}

		body.Attachment = &attachmentBody{ResourceLink: att.URL, Type: att.Type, Name: name}
	}

	if strings.TrimSpace(text) == "" && body.Attachment == nil {
		return 0, fmt.Errorf("sending message to room %s: empty message", room.ID())
	}

	resp, err := s.exec.Execute(ctx, Request{
		Method: http.MethodPost,
		Path:   "/rooms/" + url.PathEscape(room.ID()) + "/messages",
		Body:   body,
	}, NoRetry())
	if err != nil {
		return 0, fmt.Errorf("sending message to room %s: %w", room.ID(), err)
	}

	id := gjson.GetBytes(resp, "message_id")
	if id.Type != gjson.Number || id.Int() <= 0 {
		return 0, &DeserializationError{Kind: "send message response", Err: errors.New("missing message_id")}
	}

	s.logger.Debug("message sent", slog.String("room_id", room.ID()), slog.Int64("message_id", id.Int()))

	return id.Int(), nil
}

// SendTyping tells the other members of room that the current user is
// typing. Callers signal repeatedly while the user types; receivers
// debounce.
func (s *Session) SendTyping(ctx context.Context, room *Room) error {
	_, err := s.exec.Execute(ctx, Request{
		Method: http.MethodPost,
		Path:   "/rooms/" + url.PathEscape(room.ID()) + "/typing_indicators",
	}, NoRetry())
	if err != nil {
		return fmt.Errorf("sending typing indicator to room %s: %w", room.ID(), err)
	}

	return nil
}

// CreateRoom creates a room with the current user and userIDs as
// members, and caches it.
func (s *Session) CreateRoom(ctx context.Context, name string, private bool, userIDs []string) (*Room, error) {
	resp, err := s.exec.Execute(ctx, Request{
		Method: http.MethodPost,
		Path:   "/rooms",
		Body:   createRoomBody{Name: name, Private: private, UserIDs: dedupeIDs(userIDs)},
	}, NoRetry())
	if err != nil {
		return nil, fmt.Errorf("creating room %q: %w", name, err)
	}

	parsed, err := ParseRoom(resp)
	if err != nil {
		return nil, err
	}

	s.logger.Info("room created", slog.String("room_id", parsed.ID), slog.String("name", parsed.Name))

	return s.rooms.AddOrMerge(parsed), nil
}
