package auction

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// EnqueueRequest adds one player to the end of a tournament's queue.
type EnqueueRequest struct {
	TournamentID string `json:"tournament_id" validate:"required,uuid"`
	PlayerID     string `json:"player_id" validate:"required,uuid"`
}

// EnqueueBatchRequest adds several players; already queued ones are skipped.
type EnqueueBatchRequest struct {
	TournamentID string   `json:"tournament_id" validate:"required,uuid"`
	PlayerIDs    []string `json:"player_ids" validate:"required,min=1,max=500,dive,required,uuid"`
}

// RemoveRequest deletes a queue entry.
type RemoveRequest struct {
	QueueItemID string `json:"queue_item_id" validate:"required,uuid"`
}

// ReorderRequest moves a queue entry to a 1-based position.
type ReorderRequest struct {
	QueueItemID string `json:"queue_item_id" validate:"required,uuid"`
	NewPosition int    `json:"new_position" validate:"required,gte=1"`
}

// SwapRequest exchanges the positions of two queue entries.
type SwapRequest struct {
	FirstID  string `json:"first_id" validate:"required,uuid"`
	SecondID string `json:"second_id" validate:"required,uuid,nefield=FirstID"`
}

// RandomizeRequest shuffles a tournament's queue.
type RandomizeRequest struct {
	TournamentID string `json:"tournament_id" validate:"required,uuid"`
}

// StartRoundRequest opens bidding for a player. StartingPrice defaults to
// the player's base price.
type StartRoundRequest struct {
	TournamentID  string `json:"tournament_id" validate:"required,uuid"`
	PlayerID      string `json:"player_id" validate:"required,uuid"`
	StartingPrice *int64 `json:"starting_price,omitempty" validate:"omitempty,gte=0"`
}

// AllocateRequest sells a player to a team.
type AllocateRequest struct {
	TournamentID string `json:"tournament_id" validate:"required,uuid"`
	PlayerID     string `json:"player_id" validate:"required,uuid"`
	TeamID       string `json:"team_id" validate:"required,uuid"`
	FinalPrice   int64  `json:"final_price" validate:"gte=0"`
}

// MarkUnallocatedRequest records that bidding for a player failed.
type MarkUnallocatedRequest struct {
	TournamentID string `json:"tournament_id" validate:"required,uuid"`
	PlayerID     string `json:"player_id" validate:"required,uuid"`
}

// UndoRequest reverses a player's latest allocation.
type UndoRequest struct {
	PlayerID string `json:"player_id" validate:"required,uuid"`
}

// BidRequest places a bid in a live room.
type BidRequest struct {
	TeamID string `json:"team_id" validate:"required,uuid"`
	Amount int64  `json:"amount" validate:"gt=0"`
}

// Validate checks req against its struct tags and wraps failures in
// ErrValidation.
func Validate(req any) error {
	err := validate.Struct(req)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return fmt.Errorf("%w: field %s failed %q", ErrValidation, fe.Field(), fe.Tag())
	}
	return fmt.Errorf("%w: %w", ErrValidation, err)
}

// validateID checks a single identifier.
func validateID(name, id string) error {
	if err := validate.Var(id, "required,uuid"); err != nil {
		return fmt.Errorf("%w: %s must be a uuid", ErrValidation, name)
	}
	return nil
}

type actorKey struct{}

// WithActor records who performs the operations run with ctx.
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

func actorFrom(ctx context.Context) string {
	actor, _ := ctx.Value(actorKey{}).(string)
	return actor
}
