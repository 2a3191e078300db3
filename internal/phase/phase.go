// Package phase sequences the bidding phases of a single auction round.
//
// A round opens in Initial. With no bids, expiries escalate through the call
// phases to Complete. Any bid before Complete drops the round back to
// Subsequent, which escalates through the same call ladder when it lapses.
package phase

import (
	"fmt"
	"time"

	"github.com/jensholdgaard/player-auction/internal/countdown"
)

// Phase names a bidding phase.
type Phase string

const (
	Initial    Phase = "initial"
	Subsequent Phase = "subsequent"
	FirstCall  Phase = "firstCall"
	SecondCall Phase = "secondCall"
	FinalCall  Phase = "finalCall"
	Complete   Phase = "complete"
)

// String returns the wire name of the phase.
func (p Phase) String() string {
	return string(p)
}

// Next returns the phase entered when p expires. Complete is terminal.
func (p Phase) Next() Phase {
	switch p {
	case Initial, Subsequent:
		return FirstCall
	case FirstCall:
		return SecondCall
	case SecondCall:
		return FinalCall
	default:
		return Complete
	}
}

// IsCall reports whether p is one of the going-once/twice/final phases.
func (p Phase) IsCall() bool {
	return p == FirstCall || p == SecondCall || p == FinalCall
}

// Durations configures how long each phase lasts.
type Durations struct {
	Initial    time.Duration `yaml:"initial"`
	Subsequent time.Duration `yaml:"subsequent"`
	FirstCall  time.Duration `yaml:"first_call"`
	SecondCall time.Duration `yaml:"second_call"`
	FinalCall  time.Duration `yaml:"final_call"`
}

// DefaultDurations returns the durations used when none are configured.
func DefaultDurations() Durations {
	return Durations{
		Initial:    20 * time.Second,
		Subsequent: 10 * time.Second,
		FirstCall:  5 * time.Second,
		SecondCall: 5 * time.Second,
		FinalCall:  5 * time.Second,
	}
}

// For returns the duration of p, or zero for Complete.
func (d Durations) For(p Phase) time.Duration {
	switch p {
	case Initial:
		return d.Initial
	case Subsequent:
		return d.Subsequent
	case FirstCall:
		return d.FirstCall
	case SecondCall:
		return d.SecondCall
	case FinalCall:
		return d.FinalCall
	default:
		return 0
	}
}

// Validate rejects non-positive or fractional-second durations.
func (d Durations) Validate() error {
	for _, p := range []Phase{Initial, Subsequent, FirstCall, SecondCall, FinalCall} {
		v := d.For(p)
		if v <= 0 || v%time.Second != 0 {
			return fmt.Errorf("%w: %s duration %s must be a positive whole number of seconds",
				countdown.ErrConfiguration, p, v)
		}
	}
	return nil
}
