package chat

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	chaterrors "github.com/alexjbarnes/chatsync/internal/errors"
	"github.com/alexjbarnes/chatsync/internal/models"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

const (
	// inboundChanSize is the buffer between the feed reader goroutine
	// and the dispatch loop. When it is full the reader stops reading
	// and the feed applies backpressure; nothing is dropped.
	inboundChanSize = 64

	// cursorFlushInterval is how often a dirty delivered-message cursor
	// is persisted.
	cursorFlushInterval = 5 * time.Second
)

// SubscriptionState is the lifecycle state of a room subscription.
type SubscriptionState int32

const (
	StateUnsubscribed SubscriptionState = iota
	StateConnecting
	StateCatchingUp
	StateLive
)

func (s SubscriptionState) String() string {
	switch s {
	case StateUnsubscribed:
		return "unsubscribed"
	case StateConnecting:
		return "connecting"
	case StateCatchingUp:
		return "catching_up"
	case StateLive:
		return "live"
	}

	return fmt.Sprintf("state(%d)", int32(s))
}

// SubscribeOption configures a room subscription.
type SubscribeOption func(*subscribeConfig)

type subscribeConfig struct {
	messageLimit  int
	connectPolicy RetryPolicy
}

// WithMessageLimit sets how many recent messages are delivered before
// live events. Zero skips catch-up and delivers only new messages.
func WithMessageLimit(n int) SubscribeOption {
	return func(c *subscribeConfig) {
		if n >= 0 {
			c.messageLimit = n
		}
	}
}

// WithConnectPolicy sets the retry policy for dialing the feed.
func WithConnectPolicy(p RetryPolicy) SubscribeOption {
	return func(c *subscribeConfig) {
		c.connectPolicy = p
	}
}

type inboundEvent struct {
	ev  RawEvent
	err error
}

// Subscription delivers one room's catch-up batch followed by its live
// events to a set of observers.
//
// Architecture: a reader goroutine feeds inboundCh from the feed from
// the moment it is dialed. While catching up, those events stay
// buffered; once the catch-up batch is delivered the buffer is flushed
// with duplicates removed, and a single dispatch goroutine (loop) then
// delivers every event in receipt order. Typing transitions produced by
// the session debouncer are queued to the same loop.
type Subscription struct {
	id        string
	room      *Room
	session   *Session
	observers RoomObservers
	cfg       subscribeConfig
	logger    *slog.Logger

	state  atomic.Int32
	closed atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc

	feedMu sync.Mutex
	feed   Feed

	inboundCh  chan inboundEvent
	readerDone chan struct{}
	done       chan struct{}

	// typingPending queues debounced typing events for the loop. The
	// debouncer must never block, so the queue is unbounded.
	typingMu      sync.Mutex
	typingPending []TypingEvent
	typingNotify  chan struct{}

	// Only accessed from the dispatch goroutine (or from start before
	// the loop is running).
	highWater   int64
	cursorDirty bool

	unsubOnce sync.Once
}

func newSubscription(session *Session, room *Room, observers RoomObservers, cfg subscribeConfig) *Subscription {
	id := uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())

	return &Subscription{
		id:           id,
		ctx:          ctx,
		cancel:       cancel,
		room:         room,
		session:      session,
		observers:    observers,
		cfg:          cfg,
		logger:       session.logger.With(slog.String("room_id", room.ID()), slog.String("subscription_id", id)),
		inboundCh:    make(chan inboundEvent, inboundChanSize),
		readerDone:   make(chan struct{}),
		done:         make(chan struct{}),
		typingNotify: make(chan struct{}, 1),
	}
}

// ID returns a unique identifier for this subscription.
func (s *Subscription) ID() string { return s.id }

// Room returns the subscribed room.
func (s *Subscription) Room() *Room { return s.room }

// State returns the current lifecycle state.
func (s *Subscription) State() SubscriptionState {
	return SubscriptionState(s.state.Load())
}

// Done is closed once the subscription has stopped dispatching.
func (s *Subscription) Done() <-chan struct{} { return s.done }

func (s *Subscription) setState(st SubscriptionState) {
	if s.closed.Load() {
		return
	}

	s.state.Store(int32(st))
	s.logger.Debug("subscription state", slog.String("state", st.String()))
}

// start runs Connecting and CatchingUp and, on success, launches the
// dispatch loop in Live. ctx bounds only the start; the subscription
// itself lives until Unsubscribe or a fatal feed error.
func (s *Subscription) start(ctx context.Context) error {
	startCtx, stop := context.WithCancel(s.ctx)
	defer stop()

	stopOnCaller := context.AfterFunc(ctx, stop)
	defer stopOnCaller()

	s.setState(StateConnecting)

	feed, err := s.connect(startCtx)
	if err != nil {
		return s.abortStart(ctx, err)
	}

	s.feedMu.Lock()
	if s.closed.Load() {
		s.feedMu.Unlock()
		feed.Close()

		return s.abortStart(ctx, chaterrors.ErrUnsubscribed)
	}
	s.feed = feed
	s.feedMu.Unlock()

	s.setState(StateCatchingUp)
	s.startReader(feed)

	catchUp, presence, err := s.catchUp(startCtx)
	if err != nil {
		return s.abortStart(ctx, err)
	}

	buffered, err := s.drainBuffered()
	if err != nil {
		return s.abortStart(ctx, err)
	}

	s.flush(catchUp, presence, buffered)

	if s.closed.Load() {
		return s.abortStart(ctx, chaterrors.ErrUnsubscribed)
	}

	s.setState(StateLive)
	s.logger.Info("room subscription live",
		slog.Int("catch_up", len(catchUp)),
		slog.Int("buffered", len(buffered)),
		slog.Int64("high_water", s.highWater),
	)

	go s.loop()

	return nil
}

// abortStart tears the subscription down after a failed start and
// returns a terminal subscribe error.
func (s *Subscription) abortStart(ctx context.Context, err error) error {
	if s.closed.Load() {
		err = chaterrors.ErrUnsubscribed
	} else if ctx.Err() != nil {
		err = ctx.Err()
	}

	s.logger.Warn("room subscription failed", slog.String("error", err.Error()))
	s.shutdown()

	go func() {
		<-s.readerDone
		close(s.done)
	}()

	var se *SubscriptionError
	if errors.As(err, &se) {
		return se
	}

	return &SubscriptionError{RoomID: s.room.ID(), Terminal: true, Err: err}
}

// connect dials the feed, retrying retryable failures per the connect
// policy.
func (s *Subscription) connect(ctx context.Context) (Feed, error) {
	policy := s.cfg.connectPolicy
	if policy.isZero() {
		policy = DefaultRetryPolicy()
	}

	attempts := max(policy.MaxAttempts, 1)
	path := "/rooms/" + url.PathEscape(s.room.ID())

	var lastErr error

	for attempt := 1; attempt <= attempts; attempt++ {
		feed, err := s.session.dialer.Subscribe(ctx, path, s.cfg.messageLimit)
		if err == nil {
			return feed, nil
		}

		lastErr = err

		if !IsRetryable(err) || ctx.Err() != nil {
			return nil, err
		}

		if attempt == attempts {
			break
		}

		var delay time.Duration
		if policy.Backoff != nil {
			delay = policy.Backoff(attempt)
		}

		s.logger.Warn("feed dial failed, retrying",
			slog.Int("attempt", attempt),
			slog.Duration("backoff", delay),
			slog.String("error", err.Error()),
		)

		if err := sleepContext(ctx, delay); err != nil {
			return nil, err
		}
	}

	return nil, &RetriesExhaustedError{Attempts: attempts, Err: lastErr}
}

// startReader launches the goroutine that moves feed events into
// inboundCh. It exits after delivering a read error or when the
// subscription context is cancelled.
func (s *Subscription) startReader(feed Feed) {
	ctx := s.ctx
	ch := s.inboundCh

	go func() {
		defer close(s.readerDone)

		for {
			ev, err := feed.Next(ctx)
			select {
			case ch <- inboundEvent{ev: ev, err: err}:
			case <-ctx.Done():
				return
			}

			if err != nil {
				return
			}
		}
	}()
}

// catchUp fetches the room snapshot, member presence and the catch-up
// batch concurrently. Only a catch-up batch failure is fatal.
func (s *Subscription) catchUp(ctx context.Context) ([]*Message, []PresenceChange, error) {
	var (
		messages []*Message
		presence []PresenceChange
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if _, err := s.session.rooms.Refresh(gctx, s.room.ID()); err != nil {
			s.logger.Warn("refreshing room snapshot", slog.String("error", err.Error()))
		}

		presence = s.fetchPresence(gctx)

		return nil
	})

	if s.cfg.messageLimit > 0 {
		g.Go(func() error {
			page, err := s.session.messages.FetchMessages(gctx, s.room, FetchOptions{Limit: s.cfg.messageLimit})
			if err != nil {
				return fmt.Errorf("fetching catch-up batch: %w", err)
			}

			messages = page

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	return messages, presence, nil
}

// fetchPresence loads the presence snapshot of the room's members.
// Failures are logged; presence is best effort.
func (s *Subscription) fetchPresence(ctx context.Context) []PresenceChange {
	body, err := s.session.exec.Execute(ctx, Request{
		Method: http.MethodGet,
		Path:   "/rooms/" + url.PathEscape(s.room.ID()) + "/presence",
	}, RetryPolicy{})
	if err != nil {
		s.logger.Warn("fetching presence snapshot", slog.String("error", err.Error()))
		return nil
	}

	var items []json.RawMessage
	if err := json.Unmarshal(body, &items); err != nil {
		s.logger.Warn("decoding presence snapshot", slog.String("error", err.Error()))
		return nil
	}

	payloads := make([]models.PresencePayload, 0, len(items))

	for _, item := range items {
		p, err := ParsePresence(item)
		if err != nil {
			s.logger.Debug("skipping malformed presence", slog.String("error", err.Error()))
			continue
		}

		payloads = append(payloads, p)
	}

	return s.session.users.ApplyPresence(ctx, payloads)
}

// drainBuffered takes every event buffered so far without blocking. A
// feed failure while catching up fails the subscribe.
func (s *Subscription) drainBuffered() ([]RawEvent, error) {
	var events []RawEvent

	for {
		select {
		case in := <-s.inboundCh:
			if in.err != nil {
				return nil, &SubscriptionError{RoomID: s.room.ID(), Terminal: true, Err: in.err}
			}

			events = append(events, in.ev)
		default:
			return events, nil
		}
	}
}

// flush delivers the catch-up batch, the presence snapshot and then the
// events buffered while catching up. Buffered messages already covered
// by the catch-up batch are dropped and the rest delivered by ID; other
// buffered events follow in receipt order.
func (s *Subscription) flush(catchUp []*Message, presence []PresenceChange, buffered []RawEvent) {
	for _, msg := range catchUp {
		s.deliverMessage(msg)
	}

	for _, change := range presence {
		if change.Previous != change.Current {
			s.deliverPresence(change)
		}
	}

	var (
		messages []models.Message
		others   []RawEvent
	)

	for _, ev := range buffered {
		if ev.Type != EventNewMessage {
			others = append(others, ev)
			continue
		}

		p, err := ParseMessage(ev.Data)
		if err != nil {
			s.reportError(err)
			continue
		}

		messages = append(messages, p)
	}

	slices.SortFunc(messages, func(a, b models.Message) int { return cmp.Compare(a.ID, b.ID) })

	for _, p := range messages {
		s.handleMessage(p)
	}

	for _, ev := range others {
		s.handleEvent(ev)
	}
}

// loop is the dispatch goroutine for a live subscription.
func (s *Subscription) loop() {
	defer func() {
		s.persistCursorIfDirty()
		s.cancel()
		<-s.readerDone
		close(s.done)
	}()

	ticker := time.NewTicker(cursorFlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return

		case in := <-s.inboundCh:
			if in.err != nil {
				s.fail(in.err)
				return
			}

			s.handleEvent(in.ev)

		case <-s.typingNotify:
			s.flushTyping()

		case <-ticker.C:
			s.persistCursorIfDirty()
		}
	}
}

// fail reports a fatal feed error and ends the subscription. Events
// already delivered stand.
func (s *Subscription) fail(err error) {
	if s.closed.Load() {
		return
	}

	serr := &SubscriptionError{RoomID: s.room.ID(), Terminal: true, Err: err}
	s.logger.Error("room subscription ended", slog.String("error", err.Error()))
	s.reportError(serr)
	s.shutdown()
}

// handleEvent dispatches one live event.
func (s *Subscription) handleEvent(ev RawEvent) {
	if s.closed.Load() {
		return
	}

	switch ev.Type {
	case EventNewMessage:
		p, err := ParseMessage(ev.Data)
		if err != nil {
			s.reportError(err)
			return
		}

		s.handleMessage(p)

	case EventUserJoined, EventUserLeft:
		s.handleMembership(ev)

	case EventPresenceUpdate:
		p, err := ParsePresence(ev.Data)
		if err != nil {
			s.reportError(err)
			return
		}

		for _, change := range s.session.users.ApplyPresence(s.ctx, []models.PresencePayload{p}) {
			if change.Previous != change.Current {
				s.deliverPresence(change)
			}
		}

	case EventTypingSignal:
		sig, err := ParseTypingSignal(ev.Data, s.room.ID(), ev.ReceivedAt)
		if err != nil {
			s.reportError(err)
			return
		}

		if s.foreignRoom(ev.Type, sig.RoomID) {
			return
		}

		// Resolve the user now so the debounced events can name it.
		if _, err := s.session.users.FetchOrGet(s.ctx, sig.UserID); err != nil {
			s.reportError(fmt.Errorf("resolving typing user %s: %w", sig.UserID, err))
			return
		}

		s.session.typing.Signal(sig.RoomID, sig.UserID)

	default:
		s.logger.Debug("ignoring unknown feed event", slog.String("event", string(ev.Type)))
	}
}

// handleMessage resolves and delivers a message unless it is at or below
// the highest ID already delivered.
func (s *Subscription) handleMessage(p models.Message) {
	if p.ID <= s.highWater {
		s.logger.Debug("dropping duplicate message",
			slog.Int64("message_id", p.ID),
			slog.Int64("high_water", s.highWater),
		)

		return
	}

	if p.RoomID != s.room.ID() {
		s.logger.Warn("dropping message from another room",
			slog.Int64("message_id", p.ID),
			slog.String("message_room_id", p.RoomID),
		)

		return
	}

	msg, err := s.session.messages.resolveOne(s.ctx, s.room, p)
	if err != nil {
		if s.ctx.Err() == nil {
			s.reportError(err)
		}

		return
	}

	s.deliverMessage(msg)
}

func (s *Subscription) handleMembership(ev RawEvent) {
	change, err := ParseMembership(ev.Data, s.room.ID())
	if err != nil {
		s.reportError(err)
		return
	}

	if s.foreignRoom(ev.Type, change.RoomID) {
		return
	}

	user, err := s.session.users.FetchOrGet(s.ctx, change.UserID)
	if err != nil {
		if s.ctx.Err() == nil {
			s.reportError(fmt.Errorf("resolving member %s: %w", change.UserID, err))
		}

		return
	}

	if ev.Type == EventUserJoined {
		if !s.room.AddMember(user.ID()) {
			return
		}

		if obs := s.observers.Membership; obs != nil && !s.closed.Load() {
			obs.OnUserJoined(s.room, user)
		}

		return
	}

	if !s.room.RemoveMember(user.ID()) {
		return
	}

	if obs := s.observers.Membership; obs != nil && !s.closed.Load() {
		obs.OnUserLeft(s.room, user)
	}
}

func (s *Subscription) deliverMessage(msg *Message) {
	if s.closed.Load() {
		return
	}

	if msg.ID > s.highWater {
		s.highWater = msg.ID
		s.cursorDirty = true
	}

	if s.observers.Messages != nil {
		s.observers.Messages.OnMessage(msg)
	}
}

func (s *Subscription) deliverPresence(change PresenceChange) {
	if s.closed.Load() {
		return
	}

	if s.observers.Presence != nil {
		s.observers.Presence.OnPresenceChanged(change.User, change.Previous, change.Current)
	}

	if obs := s.session.observers.Presence; obs != nil {
		obs.OnPresenceChanged(change.User, change.Previous, change.Current)
	}
}

// reportError logs err and passes it to the error observer.
func (s *Subscription) reportError(err error) {
	s.logger.Warn("room event error", slog.String("error", err.Error()))

	if s.closed.Load() || s.observers.Errors == nil {
		return
	}

	s.observers.Errors.OnError(err)
}

// foreignRoom reports whether an event is addressed to another room,
// logging it when it is.
func (s *Subscription) foreignRoom(typ EventType, roomID string) bool {
	if roomID == s.room.ID() {
		return false
	}

	s.logger.Warn("dropping event from another room",
		slog.String("event", string(typ)),
		slog.String("event_room_id", roomID),
	)

	return true
}

// enqueueTyping is called by the session when the debouncer emits for
// this room. It never blocks.
func (s *Subscription) enqueueTyping(ev TypingEvent) {
	if s.closed.Load() {
		return
	}

	s.typingMu.Lock()
	s.typingPending = append(s.typingPending, ev)
	s.typingMu.Unlock()

	select {
	case s.typingNotify <- struct{}{}:
	default:
	}
}

func (s *Subscription) flushTyping() {
	s.typingMu.Lock()
	pending := s.typingPending
	s.typingPending = nil
	s.typingMu.Unlock()

	for _, ev := range pending {
		if s.closed.Load() {
			return
		}

		user, ok := s.session.users.Lookup(ev.UserID)
		if !ok {
			s.logger.Debug("typing event for unknown user", slog.String("user_id", ev.UserID))
			continue
		}

		for _, obs := range []TypingObserver{s.session.observers.Typing, s.observers.Typing} {
			if obs == nil {
				continue
			}

			if ev.Started {
				obs.OnUserStartedTyping(s.room, user)
			} else {
				obs.OnUserStoppedTyping(s.room, user)
			}
		}
	}
}

func (s *Subscription) persistCursorIfDirty() {
	if !s.cursorDirty || s.session.cursors == nil {
		return
	}

	if err := s.session.cursors.SetRoomCursor(s.room.ID(), s.highWater); err != nil {
		s.logger.Warn("failed to save room cursor", slog.String("error", err.Error()))
		return
	}

	s.cursorDirty = false
}

// Unsubscribe stops delivery immediately and releases the room's feed,
// buffer and typing timers. In-flight requests are not aborted; their
// results are dropped. Safe to call more than once, and from an
// observer.
func (s *Subscription) Unsubscribe() {
	s.shutdown()
}

func (s *Subscription) shutdown() {
	s.unsubOnce.Do(func() {
		s.closed.Store(true)
		s.state.Store(int32(StateUnsubscribed))

		s.cancel()

		s.feedMu.Lock()
		feed := s.feed
		s.feedMu.Unlock()

		if feed != nil {
			if err := feed.Close(); err != nil {
				s.logger.Debug("closing feed", slog.String("error", err.Error()))
			}
		} else {
			// The reader never started.
			close(s.readerDone)
		}

		s.session.typing.ClearRoom(s.room.ID())

		s.typingMu.Lock()
		s.typingPending = nil
		s.typingMu.Unlock()

		s.session.forget(s)
		s.logger.Info("room unsubscribed")
	})
}
