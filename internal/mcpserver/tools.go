// Package mcpserver registers MCP tools that expose the chat session's
// caches and history. It adapts the chat package to the MCP SDK's tool
// handler interface.
package mcpserver

import (
	"context"
	"fmt"
	"time"

	"github.com/alexjbarnes/chatsync/internal/chat"
	"github.com/alexjbarnes/chatsync/internal/models"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"gopkg.in/yaml.v3"
)

// maxFetchLimit caps chat_fetch_messages so one call cannot page the
// whole history.
const maxFetchLimit = 100

// RegisterTools adds all chat tools to the given MCP server.
func RegisterTools(server *mcp.Server, s *chat.Session) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "chat_list_users",
		Description: "List every cached user with name, presence and last seen time. Reads the local cache only; no network calls.",
	}, listUsersHandler(s))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "chat_get_user",
		Description: "Get one user by ID. Served from the cache when present, otherwise fetched from the chat service and cached.",
	}, getUserHandler(s))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "chat_list_rooms",
		Description: "List cached rooms with members, subscription state and the ID of the newest message delivered.",
	}, listRoomsHandler(s))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "chat_fetch_messages",
		Description: "Fetch a page of room history, oldest first. Pass before_id (the oldest ID of the previous page) to walk further back.",
	}, fetchMessagesHandler(s))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "chat_send_message",
		Description: "Send a text message to a room, optionally with a link attachment. Returns the new message ID. The message is not retried on failure.",
	}, sendMessageHandler(s))
}

// --- Input types ---
// The MCP SDK infers JSON schema from these struct types via jsonschema tags.

// ListUsersInput has no parameters.
type ListUsersInput struct{}

// GetUserInput holds parameters for chat_get_user.
type GetUserInput struct {
	UserID string `json:"user_id" jsonschema:"the user ID"`
}

// ListRoomsInput has no parameters.
type ListRoomsInput struct{}

// FetchMessagesInput holds parameters for chat_fetch_messages.
type FetchMessagesInput struct {
	RoomID   string `json:"room_id" jsonschema:"the room ID"`
	Limit    int    `json:"limit,omitempty" jsonschema:"page size, defaults to 20, at most 100"`
	BeforeID int64  `json:"before_id,omitempty" jsonschema:"only return messages older than this ID"`
}

// SendMessageInput holds parameters for chat_send_message.
type SendMessageInput struct {
	RoomID   string `json:"room_id" jsonschema:"the room ID"`
	Text     string `json:"text" jsonschema:"the message text"`
	LinkURL  string `json:"link_url,omitempty" jsonschema:"optional URL to attach"`
	LinkType string `json:"link_type,omitempty" jsonschema:"attachment type such as image, video, audio or file; defaults to file"`
}

// --- Output types ---

// UserEntry is the tool view of a cached user.
type UserEntry struct {
	ID         string         `json:"id" yaml:"id"`
	Name       string         `json:"name,omitempty" yaml:"name,omitempty"`
	AvatarURL  string         `json:"avatar_url,omitempty" yaml:"avatar_url,omitempty"`
	Presence   string         `json:"presence" yaml:"presence"`
	LastSeenAt string         `json:"last_seen_at,omitempty" yaml:"last_seen_at,omitempty"`
	CustomData map[string]any `json:"custom_data,omitempty" yaml:"custom_data,omitempty"`
}

// ListUsersResult is the output of chat_list_users.
type ListUsersResult struct {
	Total int         `json:"total" yaml:"total"`
	Users []UserEntry `json:"users" yaml:"users"`
}

// RoomEntry is the tool view of a cached room.
type RoomEntry struct {
	ID              string   `json:"id" yaml:"id"`
	Name            string   `json:"name,omitempty" yaml:"name,omitempty"`
	Private         bool     `json:"private" yaml:"private"`
	Members         []string `json:"members" yaml:"members"`
	Subscription    string   `json:"subscription" yaml:"subscription"`
	LastDeliveredID int64    `json:"last_delivered_id" yaml:"last_delivered_id"`
}

// ListRoomsResult is the output of chat_list_rooms.
type ListRoomsResult struct {
	Total int         `json:"total" yaml:"total"`
	Rooms []RoomEntry `json:"rooms" yaml:"rooms"`
}

// MessageEntry is the tool view of a resolved message.
type MessageEntry struct {
	ID         int64              `json:"id" yaml:"id"`
	SenderID   string             `json:"sender_id" yaml:"sender_id"`
	SenderName string             `json:"sender_name,omitempty" yaml:"sender_name,omitempty"`
	Text       string             `json:"text" yaml:"text"`
	Attachment *models.Attachment `json:"attachment,omitempty" yaml:"attachment,omitempty"`
	CreatedAt  string             `json:"created_at,omitempty" yaml:"created_at,omitempty"`
}

// FetchMessagesResult is the output of chat_fetch_messages.
type FetchMessagesResult struct {
	RoomID   string         `json:"room_id" yaml:"room_id"`
	Messages []MessageEntry `json:"messages" yaml:"messages"`
	// NextBeforeID is the before_id for the next older page, zero when
	// the page came back short.
	NextBeforeID int64 `json:"next_before_id" yaml:"next_before_id"`
}

// SendMessageResult is the output of chat_send_message.
type SendMessageResult struct {
	RoomID    string `json:"room_id" yaml:"room_id"`
	MessageID int64  `json:"message_id" yaml:"message_id"`
}

// --- Handlers ---

func listUsersHandler(s *chat.Session) mcp.ToolHandlerFor[ListUsersInput, *ListUsersResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, _ ListUsersInput) (*mcp.CallToolResult, *ListUsersResult, error) {
		users := s.Users().Users()

		result := &ListUsersResult{Total: len(users), Users: make([]UserEntry, 0, len(users))}
		for _, u := range users {
			result.Users = append(result.Users, userEntry(u.Snapshot()))
		}

		return textResult(result), result, nil
	}
}

func getUserHandler(s *chat.Session) mcp.ToolHandlerFor[GetUserInput, *UserEntry] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input GetUserInput) (*mcp.CallToolResult, *UserEntry, error) {
		if input.UserID == "" {
			return nil, nil, fmt.Errorf("user_id is required")
		}

		u, err := s.Users().FetchOrGet(ctx, input.UserID)
		if err != nil {
			return nil, nil, err
		}

		result := userEntry(u.Snapshot())

		return textResult(result), &result, nil
	}
}

func listRoomsHandler(s *chat.Session) mcp.ToolHandlerFor[ListRoomsInput, *ListRoomsResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, _ ListRoomsInput) (*mcp.CallToolResult, *ListRoomsResult, error) {
		rooms := s.Rooms().Rooms()

		result := &ListRoomsResult{Total: len(rooms), Rooms: make([]RoomEntry, 0, len(rooms))}

		for _, r := range rooms {
			snap := r.Snapshot()

			entry := RoomEntry{
				ID:              snap.ID,
				Name:            snap.Name,
				Private:         snap.IsPrivate,
				Members:         append([]string{}, snap.MemberIDs...),
				Subscription:    chat.StateUnsubscribed.String(),
				LastDeliveredID: s.RoomCursor(snap.ID),
			}

			if sub, ok := s.Subscription(snap.ID); ok {
				entry.Subscription = sub.State().String()
			}

			result.Rooms = append(result.Rooms, entry)
		}

		return textResult(result), result, nil
	}
}

func fetchMessagesHandler(s *chat.Session) mcp.ToolHandlerFor[FetchMessagesInput, *FetchMessagesResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input FetchMessagesInput) (*mcp.CallToolResult, *FetchMessagesResult, error) {
		if input.RoomID == "" {
			return nil, nil, fmt.Errorf("room_id is required")
		}

		if input.Limit < 0 || input.BeforeID < 0 {
			return nil, nil, fmt.Errorf("limit and before_id must not be negative")
		}

		limit := input.Limit
		if limit == 0 {
			limit = chat.DefaultMessageLimit
		}

		limit = min(limit, maxFetchLimit)

		room, err := s.Rooms().FetchOrGet(ctx, input.RoomID)
		if err != nil {
			return nil, nil, err
		}

		page, err := s.FetchMessages(ctx, room, chat.FetchOptions{Limit: limit, BeforeID: input.BeforeID})
		if err != nil {
			return nil, nil, err
		}

		result := &FetchMessagesResult{RoomID: room.ID(), Messages: make([]MessageEntry, 0, len(page))}

		for _, m := range page {
			result.Messages = append(result.Messages, MessageEntry{
				ID:         m.ID,
				SenderID:   m.Sender.ID(),
				SenderName: m.Sender.Name(),
				Text:       m.Text,
				Attachment: m.Attachment,
				CreatedAt:  formatTime(m.CreatedAt),
			})
		}

		if len(page) == limit {
			result.NextBeforeID = page[0].ID
		}

		return textResult(result), result, nil
	}
}

func sendMessageHandler(s *chat.Session) mcp.ToolHandlerFor[SendMessageInput, *SendMessageResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input SendMessageInput) (*mcp.CallToolResult, *SendMessageResult, error) {
		if input.RoomID == "" {
			return nil, nil, fmt.Errorf("room_id is required")
		}

		room, err := s.Rooms().FetchOrGet(ctx, input.RoomID)
		if err != nil {
			return nil, nil, err
		}

		var att *models.Attachment
		if input.LinkURL != "" {
			att = &models.Attachment{Kind: models.AttachmentLink, URL: input.LinkURL, Type: input.LinkType}
			if att.Type == "" {
				att.Type = "file"
			}
		}

		id, err := s.SendMessage(ctx, room, input.Text, att)
		if err != nil {
			return nil, nil, err
		}

		result := &SendMessageResult{RoomID: room.ID(), MessageID: id}

		return textResult(result), result, nil
	}
}

func userEntry(u models.User) UserEntry {
	entry := UserEntry{
		ID:         u.ID,
		Name:       u.Name,
		AvatarURL:  u.AvatarURL,
		Presence:   u.Presence.String(),
		CustomData: u.CustomData,
	}

	if u.LastSeenAt != nil {
		entry.LastSeenAt = formatTime(*u.LastSeenAt)
	}

	return entry
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}

	return t.UTC().Format(time.RFC3339)
}

// textResult builds a CallToolResult with YAML text content from any
// value. This provides the unstructured content alongside the structured
// output that the SDK populates automatically.
func textResult(v any) *mcp.CallToolResult {
	data, err := yaml.Marshal(v)
	if err != nil {
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf("error marshaling result: %v", err)}},
			IsError: true,
		}
	}

	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
	}
}
