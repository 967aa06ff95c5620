// Package clock provides the time source used by the reminder engine.
//
// Engine code never calls time.Now or time.After directly; it receives a
// Clock so tests can move time forward deterministically instead of sleeping.
package clock

import (
	"sync"
	"time"
)

// Clock provides the current time and deadline channels.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

// Real is the system clock. Use only at application entry points.
type Real struct{}

func (Real) Now() time.Time { return time.Now() }

func (Real) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Fake is a manually driven clock for tests. Channels returned by After fire
// once Set or Advance moves the clock to or past their deadline.
type Fake struct {
	mu      sync.Mutex
	now     time.Time
	waiters []fakeWaiter
}

type fakeWaiter struct {
	at time.Time
	ch chan time.Time
}

// NewFake returns a Fake clock positioned at t.
func NewFake(t time.Time) *Fake {
	return &Fake{now: t}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) After(d time.Duration) <-chan time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()

	ch := make(chan time.Time, 1)
	at := f.now.Add(d)
	if d <= 0 {
		ch <- f.now
		return ch
	}
	f.waiters = append(f.waiters, fakeWaiter{at: at, ch: ch})
	return ch
}

// Set moves the clock to t and fires any expired waiters.
func (f *Fake) Set(t time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.now = t
	remaining := f.waiters[:0]
	for _, w := range f.waiters {
		if !w.at.After(t) {
			w.ch <- t
			continue
		}
		remaining = append(remaining, w)
	}
	f.waiters = remaining
}

// Advance moves the clock forward by d.
func (f *Fake) Advance(d time.Duration) {
	f.Set(f.Now().Add(d))
}

var (
	_ Clock = Real{}
	_ Clock = (*Fake)(nil)
)
