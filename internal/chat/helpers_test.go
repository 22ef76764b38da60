package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/alexjbarnes/chatsync/internal/models"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
		goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
	)
}

var quietLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// --- fakeTransport ---

type handlerFunc func(req Request) ([]byte, error)

// fakeTransport routes requests by "METHOD /path" and counts calls.
// Unrouted requests fail with a not-found error.
type fakeTransport struct {
	mu       sync.Mutex
	handlers map[string]handlerFunc
	calls    map[string]int
	requests []Request
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		handlers: make(map[string]handlerFunc),
		calls:    make(map[string]int),
	}
}

func (f *fakeTransport) handle(method, path string, h handlerFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.handlers[method+" "+path] = h
}

func (f *fakeTransport) respond(method, path string, body any) {
	data := mustJSON(body)
	f.handle(method, path, func(Request) ([]byte, error) { return data, nil })
}

func (f *fakeTransport) Do(ctx context.Context, req Request) ([]byte, error) {
	key := req.Method + " " + req.Path

	f.mu.Lock()
	f.calls[key]++
	f.requests = append(f.requests, req)
	h := f.handlers[key]
	f.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if h == nil {
		return nil, &NotFoundError{Kind: "resource", ID: req.Path}
	}

	return h(req)
}

func (f *fakeTransport) count(method, path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.calls[method+" "+path]
}

func (f *fakeTransport) lastRequest(method, path string) (Request, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, r := range slices.Backward(f.requests) {
		if r.Method == method && r.Path == path {
			return r, true
		}
	}

	return Request{}, false
}

func mustJSON(v any) []byte {
	if b, ok := v.([]byte); ok {
		return b
	}

	if s, ok := v.(string); ok {
		return []byte(s)
	}

	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}

	return data
}

// noSleepExecutor returns an executor over transport that does not wait
// between attempts.
func noSleepExecutor(transport Transport) *Executor {
	exec := NewExecutor(transport, RetryPolicy{}, quietLogger)
	exec.sleep = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }

	return exec
}

// --- payload builders ---

func userJSON(id, name string) map[string]any {
	return map[string]any{"id": id, "name": name}
}

func messageJSON(id int64, roomID, userID, text string) map[string]any {
	return map[string]any{
		"id":         id,
		"text":       text,
		"user_id":    userID,
		"room_id":    roomID,
		"created_at": time.Date(2017, 3, 23, 11, 36, 42, 0, time.UTC).Add(time.Duration(id) * time.Minute),
	}
}

// --- chanFeed ---

var errFeedClosed = errors.New("feed closed")

// chanFeed is an in-memory Feed driven by the test.
type chanFeed struct {
	events    chan RawEvent
	errs      chan error
	closed    chan struct{}
	closeOnce sync.Once
}

func newChanFeed() *chanFeed {
	return &chanFeed{
		events: make(chan RawEvent, 16),
		errs:   make(chan error, 1),
		closed: make(chan struct{}),
	}
}

func (f *chanFeed) Next(ctx context.Context) (RawEvent, error) {
	select {
	case ev := <-f.events:
		return ev, nil
	case err := <-f.errs:
		return RawEvent{}, err
	case <-f.closed:
		return RawEvent{}, errFeedClosed
	case <-ctx.Done():
		return RawEvent{}, ctx.Err()
	}
}

func (f *chanFeed) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func (f *chanFeed) push(typ EventType, data any) {
	f.events <- RawEvent{Type: typ, Data: mustJSON(data), ReceivedAt: time.Now()}
}

func (f *chanFeed) isClosed() bool {
	select {
	case <-f.closed:
		return true
	default:
		return false
	}
}

// --- recorder ---

// recorder collects everything delivered to a set of room observers.
type recorder struct {
	mu       sync.Mutex
	messages []*Message
	errs     []error
	joined   []string
	left     []string
	typing   []string
	presence []string
}

func (r *recorder) observers() RoomObservers {
	return RoomObservers{
		Messages: MessageFunc(func(msg *Message) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.messages = append(r.messages, msg)
		}),
		Errors: ErrorFunc(func(err error) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.errs = append(r.errs, err)
		}),
		Membership: MembershipFuncs{
			Joined: func(_ *Room, u *User) {
				r.mu.Lock()
				defer r.mu.Unlock()
				r.joined = append(r.joined, u.ID())
			},
			Left: func(_ *Room, u *User) {
				r.mu.Lock()
				defer r.mu.Unlock()
				r.left = append(r.left, u.ID())
			},
		},
		Typing: TypingFuncs{
			Started: func(_ *Room, u *User) {
				r.mu.Lock()
				defer r.mu.Unlock()
				r.typing = append(r.typing, "started:"+u.ID())
			},
			Stopped: func(_ *Room, u *User) {
				r.mu.Lock()
				defer r.mu.Unlock()
				r.typing = append(r.typing, "stopped:"+u.ID())
			},
		},
		Presence: PresenceFunc(func(u *User, previous, current models.PresenceState) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.presence = append(r.presence, fmt.Sprintf("%s:%s->%s", u.ID(), previous, current))
		}),
	}
}

func (r *recorder) messageIDs() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]int64, 0, len(r.messages))
	for _, m := range r.messages {
		ids = append(ids, m.ID)
	}

	return ids
}

func (r *recorder) messageTexts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	texts := make([]string, 0, len(r.messages))
	for _, m := range r.messages {
		texts = append(texts, m.Text)
	}

	return texts
}

func (r *recorder) errorList() []error {
	r.mu.Lock()
	defer r.mu.Unlock()

	return slices.Clone(r.errs)
}

func (r *recorder) typingEvents() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	return slices.Clone(r.typing)
}

func (r *recorder) joinedUsers() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	return slices.Clone(r.joined)
}

func (r *recorder) leftUsers() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	return slices.Clone(r.left)
}

func (r *recorder) presenceChanges() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	return slices.Clone(r.presence)
}
