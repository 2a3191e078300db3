package phase

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/jensholdgaard/player-auction/internal/clock"
	"github.com/jensholdgaard/player-auction/internal/countdown"
)

// ErrConfiguration is returned by NewSequencer for invalid durations.
var ErrConfiguration = countdown.ErrConfiguration

// ErrComplete is returned when a round that already completed is bid on or
// skipped before Reset.
var ErrComplete = errors.New("round is complete")

// Snapshot is a consistent view of the sequencer.
type Snapshot struct {
	Phase     Phase  `json:"phase"`
	Remaining int    `json:"remaining"`
	Running   bool   `json:"running"`
	Seq       uint64 `json:"seq"`
}

// Option configures a Sequencer.
type Option func(*Sequencer)

// WithTickInterval sets how often Run polls the countdown.
func WithTickInterval(d time.Duration) Option {
	return func(s *Sequencer) { s.tickInterval = d }
}

// WithLogger sets the logger used for transition debug output.
func WithLogger(l *slog.Logger) Option {
	return func(s *Sequencer) { s.logger = l }
}

// Sequencer drives a countdown through the bidding phases.
//
// Listeners registered with OnPhaseChange and OnComplete run after the
// sequencer's state lock is released, in transition order.
type Sequencer struct {
	mu sync.Mutex

	durations    Durations
	clock        clock.Clock
	timer        *countdown.Countdown
	tickInterval time.Duration
	logger       *slog.Logger

	phase     Phase
	seq       uint64
	completed bool
	pending   []func()
	draining  bool

	onChange   []func(Snapshot)
	onComplete []func()
}

// NewSequencer returns a stopped sequencer in the Initial phase.
func NewSequencer(d Durations, clk clock.Clock, opts ...Option) (*Sequencer, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	timer, err := countdown.New(clk, d.Initial, nil)
	if err != nil {
		return nil, err
	}
	s := &Sequencer{
		durations:    d,
		clock:        clk,
		timer:        timer,
		tickInterval: time.Second,
		logger:       slog.Default(),
		phase:        Initial,
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// OnPhaseChange registers fn to run after every transition.
func (s *Sequencer) OnPhaseChange(fn func(Snapshot)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChange = append(s.onChange, fn)
}

// OnComplete registers fn to run once per round when Complete is reached.
func (s *Sequencer) OnComplete(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onComplete = append(s.onComplete, fn)
}

// Start starts the countdown of the current phase.
func (s *Sequencer) Start() {
	s.mu.Lock()
	if s.phase != Complete {
		s.timer.Start()
	}
	s.unlockAndEmit()
}

// Pause freezes the countdown of the current phase.
func (s *Sequencer) Pause() {
	s.mu.Lock()
	s.timer.Pause()
	s.unlockAndEmit()
}

// Bid signals that a new bid was placed. Due expiries are applied first, so a
// bid that arrives after the final call lapsed returns ErrComplete.
func (s *Sequencer) Bid() error {
	s.mu.Lock()
	s.advanceDueLocked()
	if s.phase == Complete {
		s.unlockAndEmit()
		return ErrComplete
	}
	s.transitionLocked(Subsequent, s.timer.Running())
	s.unlockAndEmit()
	return nil
}

// Skip moves to the next phase as if the current countdown had expired.
func (s *Sequencer) Skip() error {
	s.mu.Lock()
	if s.phase == Complete {
		s.unlockAndEmit()
		return ErrComplete
	}
	s.transitionLocked(s.phase.Next(), s.timer.Running())
	s.unlockAndEmit()
	return nil
}

// Reset returns a stopped sequencer to Initial for the next player.
func (s *Sequencer) Reset() {
	s.mu.Lock()
	s.completed = false
	s.transitionLocked(Initial, false)
	s.unlockAndEmit()
}

// Tick polls the countdown and applies at most one expiry transition.
func (s *Sequencer) Tick() {
	s.mu.Lock()
	s.advanceDueLocked()
	s.unlockAndEmit()
}

// Run ticks the sequencer until ctx is done.
func (s *Sequencer) Run(ctx context.Context) {
	ticker := s.clock.NewTicker(s.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			s.Tick()
		}
	}
}

// Phase returns the current phase.
func (s *Sequencer) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// Remaining returns the whole seconds left in the current phase.
func (s *Sequencer) Remaining() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase == Complete {
		return 0
	}
	return s.timer.Remaining()
}

// Snapshot returns phase, remaining time and running state together.
func (s *Sequencer) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Sequencer) snapshotLocked() Snapshot {
	snap := Snapshot{Phase: s.phase, Running: s.timer.Running(), Seq: s.seq}
	if s.phase != Complete {
		snap.Remaining = s.timer.Remaining()
	}
	return snap
}

func (s *Sequencer) advanceDueLocked() {
	if s.phase == Complete {
		return
	}
	if s.timer.Tick() {
		s.transitionLocked(s.phase.Next(), true)
	}
}

// transitionLocked rearms the countdown for the new phase and queues
// listener notifications. Rearm happens before listeners observe the change.
func (s *Sequencer) transitionLocked(to Phase, run bool) {
	from := s.phase
	s.phase = to
	s.seq++

	if to == Complete {
		s.timer.Reset()
	} else {
		// Durations were validated at construction.
		_ = s.timer.Rearm(s.durations.For(to))
		if run {
			s.timer.Start()
		}
	}

	s.logger.Debug("phase transition",
		slog.String("from", from.String()),
		slog.String("to", to.String()),
		slog.Uint64("seq", s.seq),
	)

	snap := s.snapshotLocked()
	for _, fn := range s.onChange {
		s.pending = append(s.pending, func() { fn(snap) })
	}
	if to == Complete && !s.completed {
		s.completed = true
		s.pending = append(s.pending, s.onComplete...)
	}
}

// unlockAndEmit releases the state lock and runs queued notifications in
// order. Only one goroutine drains at a time; notifications queued while it
// drains, including those caused by listeners, run after the current batch.
func (s *Sequencer) unlockAndEmit() {
	if len(s.pending) == 0 || s.draining {
		s.mu.Unlock()
		return
	}
	s.draining = true
	for {
		batch := s.pending
		s.pending = nil
		if len(batch) == 0 {
			s.draining = false
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()
		for _, fn := range batch {
			fn()
		}
		s.mu.Lock()
	}
}
