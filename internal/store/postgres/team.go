package postgres

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/jensholdgaard/player-auction/internal/clock"
	"github.com/jensholdgaard/player-auction/internal/store"
)

const teamColumns = `id, tournament_id, name, initial_budget, remaining_budget, created_at, updated_at`

// TeamRepo implements store.TeamRepository inside a transaction.
type TeamRepo struct {
	tx    *sqlx.Tx
	clock clock.Clock
}

func (r *TeamRepo) Create(ctx context.Context, t *store.Team) error {
	now := r.clock.Now().UTC()
	t.CreatedAt, t.UpdatedAt = now, now
	query := `INSERT INTO teams (tournament_id, name, initial_budget, remaining_budget, created_at, updated_at)
	           VALUES ($1, $2, $3, $4, $5, $6)
	           RETURNING id`
	if err := r.tx.QueryRowxContext(ctx, query,
		t.TournamentID, t.Name, t.InitialBudget, t.RemainingBudget, t.CreatedAt, t.UpdatedAt,
	).Scan(&t.ID); err != nil {
		return fmt.Errorf("creating team: %w", mapError(err))
	}
	return nil
}

func (r *TeamRepo) Get(ctx context.Context, id string) (*store.Team, error) {
	var t store.Team
	err := r.tx.GetContext(ctx, &t, `SELECT `+teamColumns+` FROM teams WHERE id = $1 FOR UPDATE`, id)
	if err != nil {
		return nil, fmt.Errorf("getting team %s: %w", id, mapError(err))
	}
	return &t, nil
}

func (r *TeamRepo) List(ctx context.Context, tournamentID string) ([]store.Team, error) {
	var teams []store.Team
	err := r.tx.SelectContext(ctx, &teams,
		`SELECT `+teamColumns+` FROM teams WHERE tournament_id = $1 ORDER BY name ASC`, tournamentID)
	if err != nil {
		return nil, fmt.Errorf("listing teams: %w", mapError(err))
	}
	return teams, nil
}

// SetRemainingBudget writes the budget; the remaining_budget >= 0 check
// constraint rejects overspend.
func (r *TeamRepo) SetRemainingBudget(ctx context.Context, id string, remaining int64) error {
	result, err := r.tx.ExecContext(ctx,
		`UPDATE teams SET remaining_budget = $1, updated_at = $2 WHERE id = $3`,
		remaining, r.clock.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("updating team budget: %w", mapError(err))
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("updating team %s: %w", id, store.ErrNotFound)
	}
	return nil
}
