// Package countdown implements a whole-second countdown that is polled
// rather than driven by its own goroutine. Remaining time is always derived
// from a fixed deadline, so slow or skipped ticks never accumulate drift.
package countdown

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jensholdgaard/player-auction/internal/clock"
)

// ErrConfiguration is returned for non-positive or fractional durations.
var ErrConfiguration = errors.New("invalid timer configuration")

// Countdown counts down from a duration and reports expiry exactly once per
// arming. It is safe for concurrent use.
type Countdown struct {
	mu sync.Mutex

	clock     clock.Clock
	duration  time.Duration
	remaining time.Duration // authoritative while stopped
	deadline  time.Time     // authoritative while running
	running   bool
	expired   bool
	onExpire  func()
}

// New returns a stopped countdown loaded with d. onExpire may be nil; when
// set it is called from Tick after the internal lock is released.
func New(clk clock.Clock, d time.Duration, onExpire func()) (*Countdown, error) {
	if err := validate(d); err != nil {
		return nil, err
	}
	return &Countdown{
		clock:     clk,
		duration:  d,
		remaining: d,
		onExpire:  onExpire,
	}, nil
}

func validate(d time.Duration) error {
	if d <= 0 || d%time.Second != 0 {
		return fmt.Errorf("%w: duration %s must be a positive whole number of seconds", ErrConfiguration, d)
	}
	return nil
}

// Start begins or resumes counting. Calling Start while running, or after
// expiry without a Reset, does nothing.
func (c *Countdown) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running || c.expired {
		return
	}
	c.deadline = c.clock.Now().Add(c.remaining)
	c.running = true
}

// Pause freezes the remaining time. Pause never fires expiry; a countdown
// paused at zero expires on the first Tick after it is started again.
func (c *Countdown) Pause() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running {
		return
	}
	c.remaining = max(c.deadline.Sub(c.clock.Now()), 0)
	c.running = false
}

// Reset stops the countdown and restores its full duration.
func (c *Countdown) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resetLocked()
}

// Rearm stops the countdown and loads a new duration.
func (c *Countdown) Rearm(d time.Duration) error {
	if err := validate(d); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.duration = d
	c.resetLocked()
	return nil
}

func (c *Countdown) resetLocked() {
	c.running = false
	c.expired = false
	c.remaining = c.duration
	c.deadline = time.Time{}
}

// Tick checks the deadline and reports whether this call observed expiry.
func (c *Countdown) Tick() bool {
	c.mu.Lock()
	if !c.running || c.clock.Now().Before(c.deadline) {
		c.mu.Unlock()
		return false
	}
	c.running = false
	c.expired = true
	c.remaining = 0
	fn := c.onExpire
	c.mu.Unlock()

	if fn != nil {
		fn()
	}
	return true
}

// Remaining returns the whole seconds left, rounded up.
func (c *Countdown) Remaining() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	r := c.remaining
	if c.running {
		r = max(c.deadline.Sub(c.clock.Now()), 0)
	}
	return int((r + time.Second - 1) / time.Second)
}

// Duration returns the currently armed duration.
func (c *Countdown) Duration() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.duration
}

// Running reports whether the countdown is counting.
func (c *Countdown) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// Expired reports whether the countdown reached zero since it was last armed.
func (c *Countdown) Expired() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.expired
}
