package chat

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"time"

	"github.com/alexjbarnes/chatsync/internal/models"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultMessageLimit is the page size used when none is given,
	// matching the service default.
	DefaultMessageLimit = 20

	// senderFetchConcurrency bounds parallel sender lookups for a page.
	senderFetchConcurrency = 8
)

// Message is a chat message with its sender and room resolved through
// the caches. Messages are immutable once created.
type Message struct {
	ID         int64
	Text       string
	Sender     *User
	Room       *Room
	Attachment *models.Attachment
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Snapshot returns the plain value form of the message.
func (m *Message) Snapshot() models.Message {
	return models.Message{
		ID:         m.ID,
		Text:       m.Text,
		SenderID:   m.Sender.ID(),
		RoomID:     m.Room.ID(),
		Attachment: m.Attachment,
		CreatedAt:  m.CreatedAt,
		UpdatedAt:  m.UpdatedAt,
	}
}

func newMessage(p models.Message, sender *User, room *Room) *Message {
	return &Message{
		ID:         p.ID,
		Text:       p.Text,
		Sender:     sender,
		Room:       room,
		Attachment: p.Attachment,
		CreatedAt:  p.CreatedAt,
		UpdatedAt:  p.UpdatedAt,
	}
}

// FetchOptions selects a page of history. BeforeID zero means "newest".
type FetchOptions struct {
	Limit    int
	BeforeID int64
}

// MessageFetcher retrieves message history pages and resolves their
// senders through the user cache.
type MessageFetcher struct {
	exec   *Executor
	users  *UserStore
	logger *slog.Logger
}

// NewMessageFetcher creates a fetcher backed by exec and users.
func NewMessageFetcher(exec *Executor, users *UserStore, logger *slog.Logger) *MessageFetcher {
	return &MessageFetcher{exec: exec, users: users, logger: logger}
}

// FetchMessages returns up to opts.Limit messages of room strictly older
// than opts.BeforeID (or the newest ones), oldest first. Every sender is
// resolved; if any sender cannot be resolved the whole page fails.
func (f *MessageFetcher) FetchMessages(ctx context.Context, room *Room, opts FetchOptions) ([]*Message, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultMessageLimit
	}

	query := url.Values{
		"limit":     {strconv.Itoa(limit)},
		"direction": {"older"},
	}
	if opts.BeforeID > 0 {
		query.Set("initial_id", strconv.FormatInt(opts.BeforeID, 10))
	}

	body, err := f.exec.Execute(ctx, Request{
		Method: http.MethodGet,
		Path:   "/rooms/" + url.PathEscape(room.ID()) + "/messages",
		Query:  query,
	}, RetryPolicy{})
	if err != nil {
		return nil, fmt.Errorf("fetching messages for room %s: %w", room.ID(), err)
	}

	payloads, err := f.decodePage(body, room.ID())
	if err != nil {
		return nil, err
	}

	payloads = orderPage(payloads, opts.BeforeID, limit)

	messages, err := f.resolve(ctx, room, payloads)
	if err != nil {
		return nil, fmt.Errorf("resolving messages for room %s: %w", room.ID(), err)
	}

	return messages, nil
}

func (f *MessageFetcher) decodePage(body []byte, roomID string) ([]models.Message, error) {
	var items []json.RawMessage
	if err := json.Unmarshal(body, &items); err != nil {
		return nil, &DeserializationError{Kind: "message list", Err: err}
	}

	payloads := make([]models.Message, 0, len(items))

	for _, item := range items {
		p, err := ParseMessage(item)
		if err != nil {
			return nil, err
		}

		if p.RoomID != roomID {
			f.logger.Warn("dropping message from another room",
				slog.Int64("message_id", p.ID),
				slog.String("room_id", p.RoomID),
				slog.String("expected_room_id", roomID),
			)

			continue
		}

		payloads = append(payloads, p)
	}

	return payloads, nil
}

// orderPage sorts ascending by ID whatever the wire order, drops
// duplicates and anything at or after beforeID, and keeps the newest
// limit entries.
func orderPage(payloads []models.Message, beforeID int64, limit int) []models.Message {
	slices.SortFunc(payloads, func(a, b models.Message) int { return cmp.Compare(a.ID, b.ID) })
	payloads = slices.CompactFunc(payloads, func(a, b models.Message) bool { return a.ID == b.ID })

	if beforeID > 0 {
		cut, _ := slices.BinarySearchFunc(payloads, beforeID, func(m models.Message, id int64) int {
			return cmp.Compare(m.ID, id)
		})
		payloads = payloads[:cut]
	}

	if len(payloads) > limit {
		payloads = payloads[len(payloads)-limit:]
	}

	return payloads
}

// resolve attaches cached senders to payloads, fetching missing senders
// first: one batch request, then individual fetches for whatever the
// batch did not return.
func (f *MessageFetcher) resolve(ctx context.Context, room *Room, payloads []models.Message) ([]*Message, error) {
	senderIDs := make([]string, 0, len(payloads))
	for _, p := range payloads {
		senderIDs = append(senderIDs, p.SenderID)
	}

	f.users.prefetch(ctx, senderIDs)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(senderFetchConcurrency)

	for _, id := range f.users.missing(senderIDs) {
		g.Go(func() error {
			if _, err := f.users.FetchOrGet(gctx, id); err != nil {
				return fmt.Errorf("resolving sender %s: %w", id, err)
			}

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	messages := make([]*Message, 0, len(payloads))

	for _, p := range payloads {
		sender, err := f.users.FetchOrGet(ctx, p.SenderID)
		if err != nil {
			return nil, fmt.Errorf("resolving sender %s: %w", p.SenderID, err)
		}

		messages = append(messages, newMessage(p, sender, room))
	}

	return messages, nil
}

// resolveOne resolves a single live message.
func (f *MessageFetcher) resolveOne(ctx context.Context, room *Room, p models.Message) (*Message, error) {
	sender, err := f.users.FetchOrGet(ctx, p.SenderID)
	if err != nil {
		return nil, fmt.Errorf("resolving sender %s: %w", p.SenderID, err)
	}

	return newMessage(p, sender, room), nil
}

// Pager walks a room's history backwards one page at a time, using the
// oldest ID of each page as the cursor for the next.
type Pager struct {
	fetcher *MessageFetcher
	room    *Room
	limit   int
	cursor  int64
	done    bool
}

// NewPager starts at the newest messages of room.
func NewPager(fetcher *MessageFetcher, room *Room, limit int) *Pager {
	if limit <= 0 {
		limit = DefaultMessageLimit
	}

	return &Pager{fetcher: fetcher, room: room, limit: limit}
}

// Next returns the next older page, oldest first. It returns an empty
// page once history is exhausted.
func (p *Pager) Next(ctx context.Context) ([]*Message, error) {
	if p.done {
		return nil, nil
	}

	page, err := p.fetcher.FetchMessages(ctx, p.room, FetchOptions{Limit: p.limit, BeforeID: p.cursor})
	if err != nil {
		return nil, err
	}

	if len(page) < p.limit {
		p.done = true
	}

	if len(page) > 0 {
		p.cursor = page[0].ID
	}

	return page, nil
}

// Done reports whether the oldest page has been returned.
func (p *Pager) Done() bool { return p.done }
