package chat

import (
	"context"
	"log/slog"
	"sync"
	"time"

	chaterrors "github.com/alexjbarnes/chatsync/internal/errors"
)

// CursorStore persists the highest message ID delivered per room.
type CursorStore interface {
	SetRoomCursor(roomID string, messageID int64) error
	RoomCursor(roomID string) (int64, error)
}

// SessionConfig wires a Session to its collaborators. Transport and
// Dialer are required; the rest have defaults.
type SessionConfig struct {
	Transport     Transport
	Dialer        FeedDialer
	RetryPolicy   RetryPolicy
	TypingTimeout time.Duration
	Observers     SessionObservers
	Cursors       CursorStore
}

// Session ties the caches, history fetcher, typing debouncer and room
// subscriptions of one connected user together.
type Session struct {
	exec      *Executor
	users     *UserStore
	rooms     *RoomStore
	messages  *MessageFetcher
	typing    *TypingDebouncer
	dialer    FeedDialer
	observers SessionObservers
	cursors   CursorStore
	logger    *slog.Logger

	mu     sync.Mutex
	subs   map[string]*Subscription
	closed bool
}

// NewSession creates a session. Nothing touches the network until a
// fetch or subscribe is requested.
func NewSession(cfg SessionConfig, logger *slog.Logger) *Session {
	exec := NewExecutor(cfg.Transport, cfg.RetryPolicy, logger)
	users := NewUserStore(exec, logger)

	s := &Session{
		exec:      exec,
		users:     users,
		rooms:     NewRoomStore(exec, logger),
		messages:  NewMessageFetcher(exec, users, logger),
		dialer:    cfg.Dialer,
		observers: cfg.Observers,
		cursors:   cfg.Cursors,
		logger:    logger,
		subs:      make(map[string]*Subscription),
	}

	s.typing = NewTypingDebouncer(cfg.TypingTimeout, s.onTyping)

	return s
}

// Users returns the user cache.
func (s *Session) Users() *UserStore { return s.users }

// Rooms returns the room cache.
func (s *Session) Rooms() *RoomStore { return s.rooms }

// Typing returns the typing debouncer.
func (s *Session) Typing() *TypingDebouncer { return s.typing }

// FetchMessages returns a page of room history, oldest first.
func (s *Session) FetchMessages(ctx context.Context, room *Room, opts FetchOptions) ([]*Message, error) {
	return s.messages.FetchMessages(ctx, room, opts)
}

// NewPager walks room history backwards in pages of limit messages.
func (s *Session) NewPager(room *Room, limit int) *Pager {
	return NewPager(s.messages, room, limit)
}

// RoomCursor returns the highest message ID delivered for roomID in this
// or a previous run, or zero.
func (s *Session) RoomCursor(roomID string) int64 {
	if s.cursors == nil {
		return 0
	}

	id, err := s.cursors.RoomCursor(roomID)
	if err != nil {
		s.logger.Warn("failed to load room cursor", slog.String("room_id", roomID), slog.String("error", err.Error()))
		return 0
	}

	return id
}

// SubscribeToRoom connects to room's feed, delivers the catch-up batch
// and returns once the subscription is live. An existing subscription to
// the same room is replaced. The subscription works on the cached
// entity for room's ID, returned by Subscription.Room.
func (s *Session) SubscribeToRoom(ctx context.Context, room *Room, observers RoomObservers, opts ...SubscribeOption) (*Subscription, error) {
	room = s.rooms.AddOrMerge(room.Snapshot())

	cfg := subscribeConfig{messageLimit: DefaultMessageLimit}
	for _, opt := range opts {
		opt(&cfg)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, &SubscriptionError{RoomID: room.ID(), Terminal: true, Err: chaterrors.ErrUnsubscribed}
	}
	previous := s.subs[room.ID()]
	s.mu.Unlock()

	if previous != nil {
		previous.Unsubscribe()
	}

	sub := newSubscription(s, room, observers, cfg)

	// Registered before start so typing events raised during catch-up
	// reach the room observer.
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, &SubscriptionError{RoomID: room.ID(), Terminal: true, Err: chaterrors.ErrUnsubscribed}
	}
	s.subs[room.ID()] = sub
	s.mu.Unlock()

	if err := sub.start(ctx); err != nil {
		return nil, err
	}

	return sub, nil
}

// Subscription returns the active subscription for roomID.
func (s *Session) Subscription(roomID string) (*Subscription, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.subs[roomID]

	return sub, ok
}

// forget drops sub from the registry if it is still the room's current
// subscription.
func (s *Session) forget(sub *Subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.subs[sub.room.ID()] == sub {
		delete(s.subs, sub.room.ID())
	}
}

// onTyping hands a debounced transition to the room's subscription,
// whose dispatch loop notifies the session and room observers. It runs
// on the debouncer's timer goroutines and must not block.
func (s *Session) onTyping(ev TypingEvent) {
	sub, ok := s.Subscription(ev.RoomID)
	if !ok {
		s.logger.Debug("typing event for unsubscribed room", slog.String("room_id", ev.RoomID))
		return
	}

	sub.enqueueTyping(ev)
}

// Close unsubscribes every room, waits for their dispatch loops to exit
// and stops the typing timers. It must not be called from an observer.
func (s *Session) Close() {
	s.mu.Lock()
	s.closed = true
	subs := make([]*Subscription, 0, len(s.subs))
	for _, sub := range s.subs {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	for _, sub := range subs {
		sub.Unsubscribe()
	}

	for _, sub := range subs {
		<-sub.Done()
	}

	s.typing.Close()
}
