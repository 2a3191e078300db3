package realtime

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/metric"

	"github.com/jensholdgaard/player-auction/internal/clock"
)

// Refresh is one coalesced notification covering a burst of changes.
type Refresh struct {
	Generation uint64
	Kinds      []Kind
}

// RefreshFunc handles a Refresh. ctx is cancelled once a newer Refresh
// supersedes this one.
type RefreshFunc func(ctx context.Context, r Refresh)

// CoalescerOption configures a Coalescer.
type CoalescerOption func(*Coalescer)

// WithRefreshCounter counts delivered refreshes.
func WithRefreshCounter(c metric.Int64Counter) CoalescerOption {
	return func(co *Coalescer) { co.counter = c }
}

// Coalescer debounces changes. A refresh fires once no change has arrived for
// the window, or once maxWait has passed since the first pending change.
type Coalescer struct {
	mu      sync.Mutex
	clock   clock.Clock
	window  time.Duration
	maxWait time.Duration
	fn      RefreshFunc
	counter metric.Int64Counter

	pending map[Kind]struct{}
	first   time.Time
	timer   clockwork.Timer
	gen     uint64
	cancel  context.CancelFunc
	stopped bool
}

// NewCoalescer returns a Coalescer delivering to fn.
func NewCoalescer(clk clock.Clock, window, maxWait time.Duration, fn RefreshFunc, opts ...CoalescerOption) *Coalescer {
	if maxWait < window {
		maxWait = window
	}
	c := &Coalescer{
		clock:   clk,
		window:  window,
		maxWait: maxWait,
		fn:      fn,
		pending: make(map[Kind]struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Add records a change of kind k and (re)schedules the refresh.
func (c *Coalescer) Add(k Kind) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return
	}

	now := c.clock.Now()
	if len(c.pending) == 0 {
		c.first = now
	}
	c.pending[k] = struct{}{}

	delay := c.window
	if left := c.first.Add(c.maxWait).Sub(now); left < delay {
		delay = max(left, 0)
	}
	if c.timer != nil {
		c.timer.Stop()
	}
	c.timer = c.clock.AfterFunc(delay, c.fire)
}

// Run adds every change from src until ctx is done or src is closed, then
// stops the coalescer.
func (c *Coalescer) Run(ctx context.Context, src <-chan Change) {
	defer c.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case ch, ok := <-src:
			if !ok {
				return
			}
			c.Add(ch.Kind)
		}
	}
}

// Stop cancels the scheduled refresh and the context of the latest one.
func (c *Coalescer) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped = true
	if c.timer != nil {
		c.timer.Stop()
	}
	if c.cancel != nil {
		c.cancel()
	}
}

// Generation returns the generation of the latest refresh.
func (c *Coalescer) Generation() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen
}

func (c *Coalescer) fire() {
	c.mu.Lock()
	if c.stopped || len(c.pending) == 0 {
		c.mu.Unlock()
		return
	}
	kinds := make([]Kind, 0, len(c.pending))
	for k := range c.pending {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	clear(c.pending)

	c.gen++
	if c.cancel != nil {
		c.cancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	r := Refresh{Generation: c.gen, Kinds: kinds}
	c.mu.Unlock()

	if c.counter != nil {
		c.counter.Add(ctx, 1)
	}
	c.fn(ctx, r)
}
