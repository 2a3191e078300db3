package postgres

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/jensholdgaard/player-auction/internal/clock"
	"github.com/jensholdgaard/player-auction/internal/store"
)

const roundColumns = `id, tournament_id, player_id, starting_price, final_price, winning_team_id, status, created_at, completed_at, undone_at`

// RoundRepo implements store.RoundRepository inside a transaction.
type RoundRepo struct {
	tx    *sqlx.Tx
	clock clock.Clock
}

// Insert adds a round. A second ACTIVE round for the player violates the
// partial unique index and maps to store.ErrConflict.
func (r *RoundRepo) Insert(ctx context.Context, rd *store.Round) error {
	rd.CreatedAt = r.clock.Now().UTC()
	query := `INSERT INTO auction_rounds
	           (tournament_id, player_id, starting_price, final_price, winning_team_id, status, created_at, completed_at)
	           VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	           RETURNING id`
	if err := r.tx.QueryRowxContext(ctx, query,
		rd.TournamentID, rd.PlayerID, rd.StartingPrice, rd.FinalPrice, rd.WinningTeamID, rd.Status, rd.CreatedAt, rd.CompletedAt,
	).Scan(&rd.ID); err != nil {
		return fmt.Errorf("inserting round: %w", mapError(err))
	}
	return nil
}

func (r *RoundRepo) Active(ctx context.Context, playerID string) (*store.Round, error) {
	var rd store.Round
	err := r.tx.GetContext(ctx, &rd,
		`SELECT `+roundColumns+` FROM auction_rounds
		 WHERE player_id = $1 AND status = 'ACTIVE' FOR UPDATE`, playerID)
	if err != nil {
		return nil, fmt.Errorf("active round for player %s: %w", playerID, mapError(err))
	}
	return &rd, nil
}

func (r *RoundRepo) Latest(ctx context.Context, playerID string) (*store.Round, error) {
	var rd store.Round
	err := r.tx.GetContext(ctx, &rd,
		`SELECT `+roundColumns+` FROM auction_rounds
		 WHERE player_id = $1 ORDER BY seq DESC LIMIT 1 FOR UPDATE`, playerID)
	if err != nil {
		return nil, fmt.Errorf("latest round for player %s: %w", playerID, mapError(err))
	}
	return &rd, nil
}

func (r *RoundRepo) Update(ctx context.Context, rd *store.Round) error {
	result, err := r.tx.ExecContext(ctx,
		`UPDATE auction_rounds
		 SET final_price = $1, winning_team_id = $2, status = $3, completed_at = $4, undone_at = $5
		 WHERE id = $6`,
		rd.FinalPrice, rd.WinningTeamID, rd.Status, rd.CompletedAt, rd.UndoneAt, rd.ID,
	)
	if err != nil {
		return fmt.Errorf("updating round: %w", mapError(err))
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("updating round %s: %w", rd.ID, store.ErrNotFound)
	}
	return nil
}

func (r *RoundRepo) ListActive(ctx context.Context) ([]store.Round, error) {
	var rounds []store.Round
	err := r.tx.SelectContext(ctx, &rounds,
		`SELECT `+roundColumns+` FROM auction_rounds WHERE status = 'ACTIVE' ORDER BY seq ASC`)
	if err != nil {
		return nil, fmt.Errorf("listing active rounds: %w", mapError(err))
	}
	return rounds, nil
}

func (r *RoundRepo) SumWon(ctx context.Context, teamID string) (int64, error) {
	var sum int64
	err := r.tx.GetContext(ctx, &sum,
		`SELECT COALESCE(SUM(final_price), 0) FROM auction_rounds
		 WHERE winning_team_id = $1 AND status = 'COMPLETED'`, teamID)
	if err != nil {
		return 0, fmt.Errorf("summing won rounds: %w", mapError(err))
	}
	return sum, nil
}
