// Package clock provides the small executor/scheduler abstraction the
// cache contract exposes via Cache.Scheduler.
//
// It is deliberately narrow: relative-expiration helpers (e.g. "insert with
// a TTL") only need the current instant and a way to run something later,
// not a cron DSL. The shape is grounded on warming/cron.go's
// Scheduler (jobs map + stopChan + sync.WaitGroup), with
// the Encore-cron scheduling machinery stripped out since this library
// defines no wire protocol or bootstrap surface of its own.
package clock

import (
	"sort"
	"sync"
	"time"
)

// Clock supplies the current instant and schedules deferred work. Tests
// substitute Fake to make expiration and vacuuming deterministic.
type Clock interface {
	// Now returns the current instant.
	Now() time.Time

	// AfterFunc schedules fn to run after d elapses (as measured by this
	// Clock) and returns a Timer that can cancel it.
	AfterFunc(d time.Duration, fn func()) Timer
}

// Timer cancels a scheduled AfterFunc callback.
type Timer interface {
	Stop() bool
}

// System is the production Clock, backed directly by the time package.
type System struct{}

// Now returns time.Now().
func (System) Now() time.Time { return time.Now() }

// AfterFunc schedules fn via time.AfterFunc.
func (System) AfterFunc(d time.Duration, fn func()) Timer {
	return time.AfterFunc(d, fn)
}

// Default is the package-level System clock, usable as a zero-value-free
// default when constructing backends.
var Default Clock = System{}

// Fake is a deterministic Clock for tests: Now() returns a fixed instant
// until Advance moves it forward, firing any AfterFunc callbacks whose
// deadline has passed.
type Fake struct {
	mu      sync.Mutex
	now     time.Time
	pending []*fakeTimer
}

// NewFake creates a Fake clock starting at t.
func NewFake(t time.Time) *Fake {
	return &Fake{now: t}
}

// Now returns the Fake clock's current instant.
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// AfterFunc registers fn to fire once the Fake clock has advanced by at
// least d from now.
func (f *Fake) AfterFunc(d time.Duration, fn func()) Timer {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := &fakeTimer{deadline: f.now.Add(d), fn: fn}
	f.pending = append(f.pending, t)
	return t
}

// Advance moves the Fake clock forward by d, synchronously firing any
// callbacks whose deadline has been reached, in deadline order.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	now := f.now
	var due []*fakeTimer
	var rest []*fakeTimer
	for _, t := range f.pending {
		if t.stopped() {
			continue
		}
		if !t.deadline.After(now) {
			due = append(due, t)
		} else {
			rest = append(rest, t)
		}
	}
	f.pending = rest
	f.mu.Unlock()

	sort.SliceStable(due, func(i, j int) bool { return due[i].deadline.Before(due[j].deadline) })

	for _, t := range due {
		if t.markFired() {
			t.fn()
		}
	}
}

type fakeTimer struct {
	mu       sync.Mutex
	deadline time.Time
	fn       func()
	done     bool
}

func (t *fakeTimer) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return false
	}
	t.done = true
	return true
}

func (t *fakeTimer) stopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.done
}

func (t *fakeTimer) markFired() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return false
	}
	t.done = true
	return true
}
