// Package clock abstracts time and timers so engine components can be
// driven deterministically in tests.
package clock

import (
	"sync"
	"time"
)

// Clock provides the current time and cancellable timers.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, fn func()) Timer
}

// Timer is a cancellable, reschedulable single-shot timer.
type Timer interface {
	// Stop prevents the timer from firing. It reports whether the timer
	// was still pending.
	Stop() bool
	// Reset reschedules the timer to fire after d. It reports whether the
	// timer was still pending.
	Reset(d time.Duration) bool
}

// System returns a Clock backed by the runtime timer wheel.
func System() Clock {
	return systemClock{}
}

type systemClock struct{}

func (systemClock) Now() time.Time {
	return time.Now()
}

func (systemClock) AfterFunc(d time.Duration, fn func()) Timer {
	return systemTimer{timer: time.AfterFunc(d, fn)}
}

type systemTimer struct {
	timer *time.Timer
}

func (t systemTimer) Stop() bool {
	return t.timer.Stop()
}

func (t systemTimer) Reset(d time.Duration) bool {
	return t.timer.Reset(d)
}

// Fake is a manually advanced Clock for tests. Timer callbacks run
// synchronously on the goroutine calling Advance, in deadline order.
type Fake struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

// NewFake creates a fake clock starting at the given instant.
func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

// Now returns the fake current time.
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// AfterFunc schedules fn to run once the fake clock advances past d.
func (f *Fake) AfterFunc(d time.Duration, fn func()) Timer {
	f.mu.Lock()
	defer f.mu.Unlock()

	timer := &fakeTimer{
		clock:    f,
		deadline: f.now.Add(d),
		fn:       fn,
		pending:  true,
	}
	f.timers = append(f.timers, timer)
	return timer
}

// Advance moves the clock forward by d, firing every pending timer whose
// deadline falls at or before the new instant.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()

	for {
		timer := f.nextDue()
		if timer == nil {
			return
		}
		timer.fn()
	}
}

// nextDue pops the earliest pending due timer, marking it fired.
func (f *Fake) nextDue() *fakeTimer {
	f.mu.Lock()
	defer f.mu.Unlock()

	var due *fakeTimer
	for _, timer := range f.timers {
		if !timer.pending || timer.deadline.After(f.now) {
			continue
		}
		if due == nil || timer.deadline.Before(due.deadline) {
			due = timer
		}
	}
	if due != nil {
		due.pending = false
	}
	return due
}

type fakeTimer struct {
	clock    *Fake
	deadline time.Time
	fn       func()
	pending  bool
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()

	wasPending := t.pending
	t.pending = false
	return wasPending
}

func (t *fakeTimer) Reset(d time.Duration) bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()

	wasPending := t.pending
	t.deadline = t.clock.now.Add(d)
	t.pending = true
	return wasPending
}
