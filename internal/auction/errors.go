package auction

import (
	"errors"
	"fmt"

	"github.com/jensholdgaard/player-auction/internal/store"
)

// Errors returned by auction operations.
var (
	// ErrValidation marks malformed input. Nothing was changed.
	ErrValidation = errors.New("invalid request")
	// ErrNotFound marks a missing record or one not in the expected state.
	ErrNotFound = store.ErrNotFound
	// ErrConflict marks a unit of work that lost a race; retry it as a whole.
	ErrConflict = store.ErrConflict

	ErrAlreadyQueued      = fmt.Errorf("%w: player already has an unprocessed queue entry", ErrValidation)
	ErrAlreadyAllocated   = errors.New("player is already allocated")
	ErrAlreadyUnallocated = errors.New("player is already unallocated")
	ErrRoundActive        = errors.New("player already has an active round")

	ErrQueueEmpty      = errors.New("queue is empty")
	ErrRoundInProgress = errors.New("current round has not been resolved")
	ErrNoActiveRound   = errors.New("no round in progress")
	ErrRoundClosed     = errors.New("bidding has closed for this round")
	ErrBidTooLow       = errors.New("bid is below the current price")
	ErrSelfOutbid      = errors.New("team is already the highest bidder")
	ErrNotLeading      = errors.New("live rooms run on the leader replica only")
)

// InsufficientBudgetError reports an allocation or bid beyond a team's
// remaining budget.
type InsufficientBudgetError struct {
	TeamID    string
	Required  int64
	Available int64
}

func (e *InsufficientBudgetError) Error() string {
	return fmt.Sprintf("insufficient budget for team %s: required %d, available %d", e.TeamID, e.Required, e.Available)
}
