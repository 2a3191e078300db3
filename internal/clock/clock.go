package clock

import (
	"time"

	"github.com/jonboulle/clockwork"
)

// Clock abstracts time operations for testability.
// Both Real and *clockwork.FakeClock satisfy it.
type Clock interface {
	Now() time.Time
	NewTicker(d time.Duration) clockwork.Ticker
	AfterFunc(d time.Duration, f func()) clockwork.Timer
}

var system = clockwork.NewRealClock()

// Real is a Clock backed by the system clock.
type Real struct{}

// Now returns the current time.
func (Real) Now() time.Time { return system.Now() }

// NewTicker returns a ticker backed by time.Ticker.
func (Real) NewTicker(d time.Duration) clockwork.Ticker { return system.NewTicker(d) }

// AfterFunc calls f in its own goroutine once d has elapsed.
func (Real) AfterFunc(d time.Duration, f func()) clockwork.Timer { return system.AfterFunc(d, f) }

// NewFake returns a manually advanced clock starting at t.
func NewFake(t time.Time) *clockwork.FakeClock {
	return clockwork.NewFakeClockAt(t)
}
