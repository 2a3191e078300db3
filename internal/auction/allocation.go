package auction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"

	"github.com/jensholdgaard/player-auction/internal/event"
	"github.com/jensholdgaard/player-auction/internal/realtime"
	"github.com/jensholdgaard/player-auction/internal/store"
)

// StartRound opens an ACTIVE round for a player.
func (m *Manager) StartRound(ctx context.Context, req StartRoundRequest) (*store.Round, error) {
	if err := Validate(req); err != nil {
		return nil, err
	}

	var round *store.Round
	err := m.unit(ctx, "Manager.StartRound", []attribute.KeyValue{
		attribute.String("tournament_id", req.TournamentID),
		attribute.String("player_id", req.PlayerID),
	}, func(ctx context.Context, tx store.Tx, fx *effects) error {
		if err := tx.LockTournament(ctx, req.TournamentID); err != nil {
			return err
		}
		player, err := m.tournamentPlayer(ctx, tx, req.TournamentID, req.PlayerID)
		if err != nil {
			return err
		}
		if player.Status == store.PlayerAllocated {
			return fmt.Errorf("player %s: %w", player.ID, ErrAlreadyAllocated)
		}
		if _, err := tx.Rounds().Active(ctx, player.ID); err == nil {
			return fmt.Errorf("player %s: %w", player.ID, ErrRoundActive)
		} else if !errors.Is(err, store.ErrNotFound) {
			return err
		}

		price := player.BasePrice
		if req.StartingPrice != nil {
			price = *req.StartingPrice
		}
		round = &store.Round{
			TournamentID:  req.TournamentID,
			PlayerID:      player.ID,
			StartingPrice: price,
			Status:        store.RoundActive,
		}
		if err := tx.Rounds().Insert(ctx, round); err != nil {
			return err
		}

		fx.record(ctx, round.ID, event.RoundStarted, event.RoundData{
			RoundID:  round.ID,
			PlayerID: player.ID,
			Price:    price,
		})
		fx.change(realtime.RoundChanged, req.TournamentID, "INSERT", nil, round)
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.log(ctx).InfoContext(ctx, "round started",
		slog.String("round_id", round.ID),
		slog.String("player_id", round.PlayerID),
		slog.Int64("starting_price", round.StartingPrice),
	)
	return round, nil
}

// Allocate sells a player to a team at FinalPrice. The budget check, the
// round, the team's budget, the player and the queue entry change together
// or not at all.
func (m *Manager) Allocate(ctx context.Context, req AllocateRequest) (*store.Round, error) {
	if err := Validate(req); err != nil {
		return nil, err
	}

	var round *store.Round
	err := m.unit(ctx, "Manager.Allocate", []attribute.KeyValue{
		attribute.String("tournament_id", req.TournamentID),
		attribute.String("player_id", req.PlayerID),
		attribute.String("team_id", req.TeamID),
		attribute.Int64("final_price", req.FinalPrice),
	}, func(ctx context.Context, tx store.Tx, fx *effects) error {
		if err := tx.LockTournament(ctx, req.TournamentID); err != nil {
			return err
		}
		player, err := m.tournamentPlayer(ctx, tx, req.TournamentID, req.PlayerID)
		if err != nil {
			return err
		}
		if player.Status == store.PlayerAllocated {
			return fmt.Errorf("player %s: %w", player.ID, ErrAlreadyAllocated)
		}
		team, err := tx.Teams().Get(ctx, req.TeamID)
		if err != nil {
			return err
		}
		if team.TournamentID != req.TournamentID {
			return fmt.Errorf("%w: team %s is not in tournament %s", ErrValidation, team.ID, req.TournamentID)
		}
		if req.FinalPrice > team.RemainingBudget {
			return &InsufficientBudgetError{
				TeamID:    team.ID,
				Required:  req.FinalPrice,
				Available: team.RemainingBudget,
			}
		}

		round, err = m.closeRound(ctx, tx, player, &team.ID, req.FinalPrice)
		if err != nil {
			return err
		}
		if err := tx.Teams().SetRemainingBudget(ctx, team.ID, team.RemainingBudget-req.FinalPrice); err != nil {
			return err
		}
		if err := tx.Players().UpdateStatus(ctx, player.ID, store.PlayerAllocated, &team.ID); err != nil {
			return err
		}
		if err := m.processPlayerEntry(ctx, tx, fx, player); err != nil {
			return err
		}

		fx.record(ctx, round.ID, event.RoundAllocated, event.RoundData{
			RoundID:  round.ID,
			PlayerID: player.ID,
			TeamID:   team.ID,
			Price:    req.FinalPrice,
		})
		fx.change(realtime.RoundChanged, req.TournamentID, "UPDATE", nil, round)
		fx.change(realtime.TeamChanged, req.TournamentID, "UPDATE", team, map[string]any{
			"id":               team.ID,
			"remaining_budget": team.RemainingBudget - req.FinalPrice,
		})
		fx.change(realtime.PlayerChanged, req.TournamentID, "UPDATE", player, map[string]any{
			"id":              player.ID,
			"status":          store.PlayerAllocated,
			"current_team_id": team.ID,
		})
		return nil
	})
	if err != nil {
		var budgetErr *InsufficientBudgetError
		if errors.As(err, &budgetErr) {
			m.metrics.BudgetRejections.Add(ctx, 1)
			m.log(ctx).WarnContext(ctx, "allocation rejected",
				slog.String("team_id", budgetErr.TeamID),
				slog.Int64("required", budgetErr.Required),
				slog.Int64("available", budgetErr.Available),
			)
		}
		return nil, err
	}

	m.metrics.Allocations.Add(ctx, 1)
	m.log(ctx).InfoContext(ctx, "player allocated",
		slog.String("player_id", req.PlayerID),
		slog.String("team_id", req.TeamID),
		slog.Int64("final_price", req.FinalPrice),
	)
	return round, nil
}

// MarkUnallocated records that nobody bought a player. A player that is
// already UNALLOCATED is rejected unless it has an ACTIVE round.
func (m *Manager) MarkUnallocated(ctx context.Context, req MarkUnallocatedRequest) (*store.Round, error) {
	if err := Validate(req); err != nil {
		return nil, err
	}

	var round *store.Round
	err := m.unit(ctx, "Manager.MarkUnallocated", []attribute.KeyValue{
		attribute.String("tournament_id", req.TournamentID),
		attribute.String("player_id", req.PlayerID),
	}, func(ctx context.Context, tx store.Tx, fx *effects) error {
		if err := tx.LockTournament(ctx, req.TournamentID); err != nil {
			return err
		}
		player, err := m.tournamentPlayer(ctx, tx, req.TournamentID, req.PlayerID)
		if err != nil {
			return err
		}
		if player.Status == store.PlayerAllocated {
			return fmt.Errorf("player %s: %w", player.ID, ErrAlreadyAllocated)
		}
		if player.Status == store.PlayerUnallocated {
			// Only a re-auction round may be closed unsold again.
			if _, err := tx.Rounds().Active(ctx, player.ID); errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("player %s: %w", player.ID, ErrAlreadyUnallocated)
			} else if err != nil {
				return err
			}
		}

		round, err = m.closeRound(ctx, tx, player, nil, 0)
		if err != nil {
			return err
		}
		if err := tx.Players().UpdateStatus(ctx, player.ID, store.PlayerUnallocated, nil); err != nil {
			return err
		}
		if err := m.processPlayerEntry(ctx, tx, fx, player); err != nil {
			return err
		}

		fx.record(ctx, round.ID, event.RoundUnallocated, event.RoundData{
			RoundID:  round.ID,
			PlayerID: player.ID,
		})
		fx.change(realtime.RoundChanged, req.TournamentID, "UPDATE", nil, round)
		fx.change(realtime.PlayerChanged, req.TournamentID, "UPDATE", player, map[string]any{
			"id":     player.ID,
			"status": store.PlayerUnallocated,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.metrics.Unallocated.Add(ctx, 1)
	m.log(ctx).InfoContext(ctx, "player unallocated", slog.String("player_id", req.PlayerID))
	return round, nil
}

// Undo reverses a player's latest allocation: the team gets the final price
// back, the player is AVAILABLE again and the round becomes UNDONE. It
// returns ErrNotFound when the latest round is not a completed sale.
func (m *Manager) Undo(ctx context.Context, req UndoRequest) (*store.Round, error) {
	if err := Validate(req); err != nil {
		return nil, err
	}

	var round *store.Round
	err := m.unit(ctx, "Manager.Undo", []attribute.KeyValue{
		attribute.String("player_id", req.PlayerID),
	}, func(ctx context.Context, tx store.Tx, fx *effects) error {
		player, err := tx.Players().Get(ctx, req.PlayerID)
		if err != nil {
			return err
		}
		if err := tx.LockTournament(ctx, player.TournamentID); err != nil {
			return err
		}

		round, err = tx.Rounds().Latest(ctx, player.ID)
		if err != nil {
			return err
		}
		if round.Status != store.RoundCompleted || round.WinningTeamID == nil || round.FinalPrice == nil {
			return fmt.Errorf("no completed allocation to undo for player %s: %w", player.ID, ErrNotFound)
		}

		team, err := tx.Teams().Get(ctx, *round.WinningTeamID)
		if err != nil {
			return err
		}
		restored := team.RemainingBudget + *round.FinalPrice
		if err := tx.Teams().SetRemainingBudget(ctx, team.ID, restored); err != nil {
			return err
		}
		if err := tx.Players().UpdateStatus(ctx, player.ID, store.PlayerAvailable, nil); err != nil {
			return err
		}
		now := m.clock.Now().UTC()
		round.Status = store.RoundUndone
		round.UndoneAt = &now
		if err := tx.Rounds().Update(ctx, round); err != nil {
			return err
		}

		fx.record(ctx, round.ID, event.RoundUndone, event.RoundData{
			RoundID:  round.ID,
			PlayerID: player.ID,
			TeamID:   team.ID,
			Price:    *round.FinalPrice,
		})
		fx.change(realtime.RoundChanged, player.TournamentID, "UPDATE", nil, round)
		fx.change(realtime.TeamChanged, player.TournamentID, "UPDATE", team, map[string]any{
			"id":               team.ID,
			"remaining_budget": restored,
		})
		fx.change(realtime.PlayerChanged, player.TournamentID, "UPDATE", player, map[string]any{
			"id":     player.ID,
			"status": store.PlayerAvailable,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.metrics.Undos.Add(ctx, 1)
	m.log(ctx).InfoContext(ctx, "allocation undone",
		slog.String("player_id", req.PlayerID),
		slog.String("round_id", round.ID),
	)
	return round, nil
}

func (m *Manager) tournamentPlayer(ctx context.Context, tx store.Tx, tournamentID, playerID string) (*store.Player, error) {
	player, err := tx.Players().Get(ctx, playerID)
	if err != nil {
		return nil, err
	}
	if player.TournamentID != tournamentID {
		return nil, fmt.Errorf("%w: player %s is not in tournament %s", ErrValidation, playerID, tournamentID)
	}
	return player, nil
}

// closeRound completes the player's ACTIVE round, or records a completed
// round when the sale happened without one. A nil teamID closes it unsold.
func (m *Manager) closeRound(ctx context.Context, tx store.Tx, player *store.Player, teamID *string, price int64) (*store.Round, error) {
	now := m.clock.Now().UTC()

	round, err := tx.Rounds().Active(ctx, player.ID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		round = &store.Round{
			TournamentID:  player.TournamentID,
			PlayerID:      player.ID,
			StartingPrice: player.BasePrice,
			Status:        store.RoundCompleted,
		}
	case err != nil:
		return nil, err
	}

	round.Status = store.RoundCompleted
	round.CompletedAt = &now
	round.WinningTeamID = teamID
	if teamID != nil {
		round.FinalPrice = &price
	}

	if round.ID == "" {
		return round, tx.Rounds().Insert(ctx, round)
	}
	return round, tx.Rounds().Update(ctx, round)
}

// processPlayerEntry processes the player's queue entry, if any.
func (m *Manager) processPlayerEntry(ctx context.Context, tx store.Tx, fx *effects, player *store.Player) error {
	item, err := tx.Queue().FindUnprocessed(ctx, player.TournamentID, player.ID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	return m.processLocked(ctx, tx, fx, item)
}
