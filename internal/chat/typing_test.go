package chat

import (
	"sync"
	"testing"
	"testing/synctest"
	"time"

	"github.com/stretchr/testify/assert"
)

// manualTimers captures scheduled expiries so tests fire them by hand.
type manualTimers struct {
	mu     sync.Mutex
	fns    []func()
	timers []*time.Timer
}

func (m *manualTimers) afterFunc(_ time.Duration, f func()) *time.Timer {
	m.mu.Lock()
	defer m.mu.Unlock()

	t := time.AfterFunc(time.Hour, func() {})
	m.fns = append(m.fns, f)
	m.timers = append(m.timers, t)

	return t
}

func (m *manualTimers) fire(i int) {
	m.mu.Lock()
	f := m.fns[i]
	m.mu.Unlock()

	f()
}

func (m *manualTimers) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.fns)
}

func (m *manualTimers) stopAll() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, t := range m.timers {
		t.Stop()
	}
}

type typingLog struct {
	mu     sync.Mutex
	events []TypingEvent
}

func (l *typingLog) emit(ev TypingEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.events = append(l.events, ev)
}

func (l *typingLog) snapshot() []TypingEvent {
	l.mu.Lock()
	defer l.mu.Unlock()

	return append([]TypingEvent(nil), l.events...)
}

func newManualDebouncer(t *testing.T) (*TypingDebouncer, *manualTimers, *typingLog) {
	t.Helper()

	log := &typingLog{}
	timers := &manualTimers{}
	d := NewTypingDebouncer(time.Second, log.emit)
	d.afterFunc = timers.afterFunc
	t.Cleanup(timers.stopAll)

	return d, timers, log
}

func started(room, user string) TypingEvent {
	return TypingEvent{RoomID: room, UserID: user, Started: true}
}

func stopped(room, user string) TypingEvent {
	return TypingEvent{RoomID: room, UserID: user}
}

func TestTyping_FirstSignalEmitsStarted(t *testing.T) {
	d, _, log := newManualDebouncer(t)

	d.Signal("r1", "viv")

	assert.Equal(t, []TypingEvent{started("r1", "viv")}, log.snapshot())
	assert.True(t, d.IsTyping("r1", "viv"))
}

func TestTyping_RepeatedSignalsEmitOnce(t *testing.T) {
	d, timers, log := newManualDebouncer(t)

	d.Signal("r1", "viv")
	d.Signal("r1", "viv")
	d.Signal("r1", "viv")

	assert.Equal(t, []TypingEvent{started("r1", "viv")}, log.snapshot())
	assert.Equal(t, 3, timers.count(), "each signal reschedules the stop")
}

func TestTyping_ExpiryEmitsStopped(t *testing.T) {
	d, timers, log := newManualDebouncer(t)

	d.Signal("r1", "viv")
	timers.fire(0)

	assert.Equal(t, []TypingEvent{started("r1", "viv"), stopped("r1", "viv")}, log.snapshot())
	assert.False(t, d.IsTyping("r1", "viv"))
}

func TestTyping_SupersededTimerIgnored(t *testing.T) {
	d, timers, log := newManualDebouncer(t)

	d.Signal("r1", "viv")
	d.Signal("r1", "viv")

	// The first timer lost the race with Stop and fires anyway.
	timers.fire(0)
	assert.Len(t, log.snapshot(), 1, "stale expiry must not stop typing")
	assert.True(t, d.IsTyping("r1", "viv"))

	timers.fire(1)
	assert.Equal(t, []TypingEvent{started("r1", "viv"), stopped("r1", "viv")}, log.snapshot())
}

func TestTyping_RestartAfterStop(t *testing.T) {
	d, timers, log := newManualDebouncer(t)

	d.Signal("r1", "viv")
	timers.fire(0)
	d.Signal("r1", "viv")

	assert.Equal(t, []TypingEvent{
		started("r1", "viv"),
		stopped("r1", "viv"),
		started("r1", "viv"),
	}, log.snapshot())
}

func TestTyping_KeysIndependent(t *testing.T) {
	d, timers, log := newManualDebouncer(t)

	d.Signal("r1", "viv")
	d.Signal("r1", "ham")
	d.Signal("r2", "viv")
	timers.fire(1)

	assert.Equal(t, []TypingEvent{
		started("r1", "viv"),
		started("r1", "ham"),
		started("r2", "viv"),
		stopped("r1", "ham"),
	}, log.snapshot())
	assert.True(t, d.IsTyping("r1", "viv"))
	assert.True(t, d.IsTyping("r2", "viv"))
}

func TestTyping_ClearRoomEmitsNothing(t *testing.T) {
	d, timers, log := newManualDebouncer(t)

	d.Signal("r1", "viv")
	d.Signal("r2", "viv")
	d.ClearRoom("r1")
	timers.fire(0)

	assert.Equal(t, []TypingEvent{started("r1", "viv"), started("r2", "viv")}, log.snapshot())
	assert.False(t, d.IsTyping("r1", "viv"))
	assert.True(t, d.IsTyping("r2", "viv"))
}

func TestTyping_CloseIgnoresLaterSignals(t *testing.T) {
	d, timers, log := newManualDebouncer(t)

	d.Signal("r1", "viv")
	d.Close()
	timers.fire(0)
	d.Signal("r1", "ham")

	assert.Equal(t, []TypingEvent{started("r1", "viv")}, log.snapshot())
}

func TestTyping_DefaultTimeout(t *testing.T) {
	d := NewTypingDebouncer(0, func(TypingEvent) {})
	assert.Equal(t, DefaultTypingTimeout, d.Timeout())
	assert.GreaterOrEqual(t, DefaultTypingTimeout, time.Second)
	assert.LessOrEqual(t, DefaultTypingTimeout, 5*time.Second)
}

func TestTyping_StopsAfterSilenceWindow(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		log := &typingLog{}
		d := NewTypingDebouncer(DefaultTypingTimeout, log.emit)
		defer d.Close()

		d.Signal("r1", "viv")
		time.Sleep(DefaultTypingTimeout - time.Millisecond)

		// A signal inside the window pushes the stop back.
		d.Signal("r1", "viv")
		time.Sleep(DefaultTypingTimeout - time.Millisecond)
		synctest.Wait()
		assert.Equal(t, []TypingEvent{started("r1", "viv")}, log.snapshot())

		time.Sleep(2 * time.Millisecond)
		synctest.Wait()
		assert.Equal(t, []TypingEvent{started("r1", "viv"), stopped("r1", "viv")}, log.snapshot())
		assert.False(t, d.IsTyping("r1", "viv"))
	})
}
