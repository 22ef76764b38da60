package chat

import (
	"sync"
	"time"
)

const (
	// DefaultTypingTimeout is the silence after which a typing user is
	// considered to have stopped.
	DefaultTypingTimeout = 3 * time.Second
)

// TypingEvent is a debounced typing transition.
type TypingEvent struct {
	RoomID  string
	UserID  string
	Started bool
}

type typingKey struct {
	roomID string
	userID string
}

type typingEntry struct {
	timer *time.Timer
	gen   uint64
}

// TypingDebouncer turns raw typing signals into started/stopped events
// per (room, user). A key is Typing while it has an entry and Idle
// otherwise.
type TypingDebouncer struct {
	timeout time.Duration
	emit    func(TypingEvent)

	// afterFunc schedules expiry. Replaced in tests.
	afterFunc func(d time.Duration, f func()) *time.Timer

	mu      sync.Mutex
	entries map[typingKey]*typingEntry
	gen     uint64
	closed  bool

	// emitMu is taken before mu is released so events leave in the
	// order the state transitions happened. emit must not call back
	// into the debouncer.
	emitMu sync.Mutex
}

// NewTypingDebouncer creates a debouncer calling emit on every
// transition. A non-positive timeout uses DefaultTypingTimeout.
func NewTypingDebouncer(timeout time.Duration, emit func(TypingEvent)) *TypingDebouncer {
	if timeout <= 0 {
		timeout = DefaultTypingTimeout
	}

	return &TypingDebouncer{
		timeout:   timeout,
		emit:      emit,
		afterFunc: time.AfterFunc,
		entries:   make(map[typingKey]*typingEntry),
	}
}

// Timeout returns the silence window.
func (d *TypingDebouncer) Timeout() time.Duration { return d.timeout }

// Signal records that userID is typing in roomID. The first signal emits
// a started event; later ones only push the stop deadline back.
func (d *TypingDebouncer) Signal(roomID, userID string) {
	key := typingKey{roomID: roomID, userID: userID}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}

	d.gen++
	gen := d.gen

	if entry, ok := d.entries[key]; ok {
		entry.timer.Stop()
		entry.gen = gen
		entry.timer = d.afterFunc(d.timeout, func() { d.expire(key, gen) })
		d.mu.Unlock()

		return
	}

	d.entries[key] = &typingEntry{
		gen:   gen,
		timer: d.afterFunc(d.timeout, func() { d.expire(key, gen) }),
	}

	d.emitMu.Lock()
	d.mu.Unlock()
	d.emit(TypingEvent{RoomID: roomID, UserID: userID, Started: true})
	d.emitMu.Unlock()
}

// expire fires when a timer elapses. A timer superseded by a later
// signal, or whose entry was cleared, carries a stale gen and is ignored.
func (d *TypingDebouncer) expire(key typingKey, gen uint64) {
	d.mu.Lock()

	entry, ok := d.entries[key]
	if !ok || entry.gen != gen {
		d.mu.Unlock()
		return
	}

	delete(d.entries, key)

	d.emitMu.Lock()
	d.mu.Unlock()
	d.emit(TypingEvent{RoomID: key.roomID, UserID: key.userID, Started: false})
	d.emitMu.Unlock()
}

// IsTyping reports whether userID is currently typing in roomID.
func (d *TypingDebouncer) IsTyping(roomID, userID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	_, ok := d.entries[typingKey{roomID: roomID, userID: userID}]

	return ok
}

// ClearRoom drops every typing state of roomID without emitting.
func (d *TypingDebouncer) ClearRoom(roomID string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for key, entry := range d.entries {
		if key.roomID == roomID {
			entry.timer.Stop()
			delete(d.entries, key)
		}
	}
}

// Close stops every timer. Later signals are ignored.
func (d *TypingDebouncer) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.closed = true

	for key, entry := range d.entries {
		entry.timer.Stop()
		delete(d.entries, key)
	}
}
