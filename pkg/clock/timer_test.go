package clock

import (
	"testing"
	"time"
)

func TestTimerFires(t *testing.T) {
	called := false
	timer := newTimer("a", oneShot, 30*time.Millisecond, func() { called = true })
	defer timer.Stop()

	time.Sleep(80 * time.Millisecond)
	if !called {
		t.Error("timer did not fire")
	}
}

func TestTimerStopPreventsFire(t *testing.T) {
	called := false
	timer := newTimer("a", oneShot, 30*time.Millisecond, func() { called = true })
	if !timer.Stop() {
		t.Error("Stop on an armed timer should return true")
	}

	time.Sleep(80 * time.Millisecond)
	if called {
		t.Error("stopped timer fired")
	}
}

func TestTimerReset(t *testing.T) {
	fired := 0
	timer := newTimer("a", oneShot, 30*time.Millisecond, func() { fired++ })
	timer.Reset(150 * time.Millisecond)

	time.Sleep(60 * time.Millisecond)
	if fired != 0 {
		t.Error("reset timer fired too early")
	}
	time.Sleep(120 * time.Millisecond)
	if fired != 1 {
		t.Errorf("fired = %d, want 1", fired)
	}
}

func TestRepeatingTimerFiresMultipleTimes(t *testing.T) {
	fired := 0
	timer := newTimer("cadence", repeating, 20*time.Millisecond, func() { fired++ })
	defer timer.Stop()

	time.Sleep(110 * time.Millisecond)
	if fired < 3 {
		t.Errorf("fired = %d, want at least 3", fired)
	}
}

func TestManagerStartAndStop(t *testing.T) {
	m := NewManager()
	fired := make(map[ID]int)

	m.Start("retry", 30*time.Millisecond, func() { fired["retry"]++ })
	m.Start("sync", 60*time.Millisecond, func() { fired["sync"]++ })

	if !m.IsActive("retry") || !m.IsActive("sync") {
		t.Fatal("both timers should be active")
	}

	m.Stop("retry")
	if m.IsActive("retry") {
		t.Error("retry should no longer be active")
	}

	time.Sleep(100 * time.Millisecond)
	if fired["retry"] != 0 {
		t.Error("stopped timer fired")
	}
	if fired["sync"] != 1 {
		t.Errorf("sync fired %d times, want 1", fired["sync"])
	}
}

func TestManagerStopAll(t *testing.T) {
	m := NewManager()
	fired := false
	m.Start("a", 20*time.Millisecond, func() { fired = true })
	m.Start("b", 20*time.Millisecond, func() { fired = true })
	m.StopAll()

	time.Sleep(60 * time.Millisecond)
	if fired {
		t.Error("callback fired after StopAll")
	}
	if m.IsActive("a") || m.IsActive("b") {
		t.Error("no timer should be active after StopAll")
	}
}

func TestManagerStartReplacesExisting(t *testing.T) {
	m := NewManager()
	fired := make(chan struct{}, 2)
	m.Start("x", 20*time.Millisecond, func() { fired <- struct{}{} })
	m.Start("x", 100*time.Millisecond, func() { fired <- struct{}{} })

	select {
	case <-time.After(40 * time.Millisecond):
	case <-fired:
		t.Fatal("replaced timer must not fire on the old, shorter schedule")
	}
}

func TestManagerDeferCoalescesWithinATurn(t *testing.T) {
	m := NewManager()
	calls := 0
	armed1 := m.Defer("flush", func() { calls++ })
	armed2 := m.Defer("flush", func() { calls++ })

	if !armed1 {
		t.Error("first Defer call should arm the timer")
	}
	if armed2 {
		t.Error("second Defer call should observe one already pending")
	}

	time.Sleep(30 * time.Millisecond)
	if calls != 1 {
		t.Errorf("calls = %d, want 1 (bursts collapse into one flush)", calls)
	}

	// Once fired, the slot is free again for the next turn.
	if !m.Defer("flush", func() { calls++ }) {
		t.Error("Defer should arm again once the previous deferred call has run")
	}
}

func TestManagerReset(t *testing.T) {
	m := NewManager()
	fired := 0
	m.Start("a", 30*time.Millisecond, func() { fired++ })
	if !m.Reset("a", 80*time.Millisecond) {
		t.Fatal("Reset on an active timer should return true")
	}

	time.Sleep(50 * time.Millisecond)
	if fired != 0 {
		t.Error("reset timer fired before its new duration elapsed")
	}
	time.Sleep(60 * time.Millisecond)
	if fired != 1 {
		t.Errorf("fired = %d, want 1", fired)
	}
}
