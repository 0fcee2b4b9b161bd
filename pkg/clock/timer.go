package clock

import (
	"sync"
	"time"
)

// ID names a timer within a TimerManager. Streams use it to key cadences
// ("sync", "retry", "feedback"); callers are free to pick any scheme.
type ID string

// kind selects which of the three primitives spec.md §9 requires a Timer
// behaves as.
type kind int

const (
	oneShot kind = iota
	repeating
	deferred
)

// Timer is a single cancellable handle, grounded on the teacher's
// pkg/sip/transaction/timers.go Timer/TimerManager pair: a *time.Timer
// wrapped with enough state to support Stop/Reset and, for repeating
// timers, self-rearming.
type Timer struct {
	id       ID
	kind     kind
	interval time.Duration
	callback func()

	mu      sync.Mutex
	wrapped *time.Timer
	stopped bool
}

func newTimer(id ID, k kind, d time.Duration, callback func()) *Timer {
	t := &Timer{id: id, kind: k, interval: d, callback: callback}
	t.arm(d)
	return t
}

func (t *Timer) arm(d time.Duration) {
	t.wrapped = time.AfterFunc(d, t.fire)
}

func (t *Timer) fire() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	if t.kind == repeating {
		t.wrapped = time.AfterFunc(t.interval, t.fire)
	}
	t.mu.Unlock()

	if t.callback != nil {
		t.callback()
	}
}

// Stop cancels the timer. Safe to call more than once.
func (t *Timer) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
	if t.wrapped != nil {
		return t.wrapped.Stop()
	}
	return false
}

// Reset rearms a one-shot or repeating timer with a new duration (used by
// clock sync to switch from its 1500 ms unconverged cadence to the 10 s
// steady-state cadence without tearing down the handle).
func (t *Timer) Reset(d time.Duration) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return false
	}
	t.interval = d
	if t.wrapped != nil {
		return t.wrapped.Reset(d)
	}
	t.wrapped = time.AfterFunc(d, t.fire)
	return true
}

// Manager owns a set of named, cancellable timers for one stream or
// session. Session shutdown cancels all per-stream timers transitively by
// calling StopAll on each stream's Manager (spec.md §5 "Cancellation").
type Manager struct {
	mu     sync.Mutex
	timers map[ID]*Timer
}

// NewManager creates an empty timer set.
func NewManager() *Manager {
	return &Manager{timers: make(map[ID]*Timer)}
}

// Start arms a one-shot timer under id, replacing any existing timer with
// that id.
func (m *Manager) Start(id ID, d time.Duration, callback func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopLocked(id)
	if d > 0 {
		m.timers[id] = newTimer(id, oneShot, d, callback)
	}
}

// StartRepeating arms a self-rearming timer under id. The callback fires
// every interval until Stop is called.
func (m *Manager) StartRepeating(id ID, interval time.Duration, callback func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopLocked(id)
	if interval > 0 {
		m.timers[id] = newTimer(id, repeating, interval, callback)
	}
}

// Defer arms callback to run on the next scheduler turn (realized as a
// zero-delay timer) unless one is already pending under id. It returns
// true if this call newly armed the timer, false if one was already
// pending — the coalescing behavior the session's outbound flush relies on
// to collapse bursts within a turn into a single packet (spec.md §4.4).
func (m *Manager) Defer(id ID, callback func()) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, pending := m.timers[id]; pending {
		return false
	}
	m.timers[id] = newTimer(id, deferred, 0, func() {
		m.mu.Lock()
		delete(m.timers, id)
		m.mu.Unlock()
		callback()
	})
	return true
}

// Stop cancels the timer registered under id, if any.
func (m *Manager) Stop(id ID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopLocked(id)
}

func (m *Manager) stopLocked(id ID) bool {
	if t, ok := m.timers[id]; ok {
		stopped := t.Stop()
		delete(m.timers, id)
		return stopped
	}
	return false
}

// StopAll cancels every timer in the set.
func (m *Manager) StopAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id := range m.timers {
		m.stopLocked(id)
	}
}

// Reset rearms the timer registered under id with a new duration.
func (m *Manager) Reset(id ID, d time.Duration) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.timers[id]; ok {
		return t.Reset(d)
	}
	return false
}

// IsActive reports whether a timer is currently armed under id.
func (m *Manager) IsActive(id ID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.timers[id]
	return ok
}
