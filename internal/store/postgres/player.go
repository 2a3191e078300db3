package postgres

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/jensholdgaard/player-auction/internal/clock"
	"github.com/jensholdgaard/player-auction/internal/store"
)

const playerColumns = `id, tournament_id, name, base_price, status, current_team_id, created_at, updated_at`

// PlayerRepo implements store.PlayerRepository inside a transaction.
type PlayerRepo struct {
	tx    *sqlx.Tx
	clock clock.Clock
}

func (r *PlayerRepo) Create(ctx context.Context, p *store.Player) error {
	now := r.clock.Now().UTC()
	p.CreatedAt, p.UpdatedAt = now, now
	if p.Status == "" {
		p.Status = store.PlayerAvailable
	}
	query := `INSERT INTO players (tournament_id, name, base_price, status, current_team_id, created_at, updated_at)
	           VALUES ($1, $2, $3, $4, $5, $6, $7)
	           RETURNING id`
	if err := r.tx.QueryRowxContext(ctx, query,
		p.TournamentID, p.Name, p.BasePrice, p.Status, p.CurrentTeamID, p.CreatedAt, p.UpdatedAt,
	).Scan(&p.ID); err != nil {
		return fmt.Errorf("creating player: %w", mapError(err))
	}
	return nil
}

func (r *PlayerRepo) Get(ctx context.Context, id string) (*store.Player, error) {
	var p store.Player
	err := r.tx.GetContext(ctx, &p, `SELECT `+playerColumns+` FROM players WHERE id = $1 FOR UPDATE`, id)
	if err != nil {
		return nil, fmt.Errorf("getting player %s: %w", id, mapError(err))
	}
	return &p, nil
}

func (r *PlayerRepo) List(ctx context.Context, tournamentID string) ([]store.Player, error) {
	var players []store.Player
	err := r.tx.SelectContext(ctx, &players,
		`SELECT `+playerColumns+` FROM players WHERE tournament_id = $1 ORDER BY name ASC`, tournamentID)
	if err != nil {
		return nil, fmt.Errorf("listing players: %w", mapError(err))
	}
	return players, nil
}

func (r *PlayerRepo) UpdateStatus(ctx context.Context, id string, status store.PlayerStatus, teamID *string) error {
	result, err := r.tx.ExecContext(ctx,
		`UPDATE players SET status = $1, current_team_id = $2, updated_at = $3 WHERE id = $4`,
		status, teamID, r.clock.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("updating player status: %w", mapError(err))
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("updating player %s: %w", id, store.ErrNotFound)
	}
	return nil
}
