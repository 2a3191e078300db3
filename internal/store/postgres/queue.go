package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/jensholdgaard/player-auction/internal/clock"
	"github.com/jensholdgaard/player-auction/internal/store"
)

// Processed rows keep a NULL position so they never collide with live ones.
const queueColumns = `id, tournament_id, player_id, COALESCE(position, 0) AS position, processed, created_at, processed_at`

// QueueRepo implements store.QueueRepository inside a transaction.
type QueueRepo struct {
	tx    *sqlx.Tx
	clock clock.Clock
}

func (r *QueueRepo) Insert(ctx context.Context, q *store.QueueItem) error {
	q.CreatedAt = r.clock.Now().UTC()
	query := `INSERT INTO auction_queue (tournament_id, player_id, position, processed, created_at)
	           VALUES ($1, $2, $3, false, $4)
	           RETURNING id`
	if err := r.tx.QueryRowxContext(ctx, query, q.TournamentID, q.PlayerID, q.Position, q.CreatedAt).Scan(&q.ID); err != nil {
		return fmt.Errorf("inserting queue item: %w", mapError(err))
	}
	return nil
}

func (r *QueueRepo) Get(ctx context.Context, id string) (*store.QueueItem, error) {
	var q store.QueueItem
	err := r.tx.GetContext(ctx, &q, `SELECT `+queueColumns+` FROM auction_queue WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("getting queue item %s: %w", id, mapError(err))
	}
	return &q, nil
}

func (r *QueueRepo) FindUnprocessed(ctx context.Context, tournamentID, playerID string) (*store.QueueItem, error) {
	var q store.QueueItem
	err := r.tx.GetContext(ctx, &q,
		`SELECT `+queueColumns+` FROM auction_queue
		 WHERE tournament_id = $1 AND player_id = $2 AND NOT processed`, tournamentID, playerID)
	if err != nil {
		return nil, fmt.Errorf("finding queue entry for player %s: %w", playerID, mapError(err))
	}
	return &q, nil
}

func (r *QueueRepo) ListUnprocessed(ctx context.Context, tournamentID string) ([]store.QueueItem, error) {
	var items []store.QueueItem
	err := r.tx.SelectContext(ctx, &items,
		`SELECT `+queueColumns+` FROM auction_queue
		 WHERE tournament_id = $1 AND NOT processed ORDER BY position ASC`, tournamentID)
	if err != nil {
		return nil, fmt.Errorf("listing queue: %w", mapError(err))
	}
	return items, nil
}

func (r *QueueRepo) Delete(ctx context.Context, id string) error {
	result, err := r.tx.ExecContext(ctx, `DELETE FROM auction_queue WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deleting queue item: %w", mapError(err))
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("deleting queue item %s: %w", id, store.ErrNotFound)
	}
	return nil
}

// SetPositions rewrites all positions in one statement. The unique position
// constraint is deferred to commit, so intermediate orders never conflict.
func (r *QueueRepo) SetPositions(ctx context.Context, items []store.QueueItem) error {
	if len(items) == 0 {
		return nil
	}
	ids := make([]string, len(items))
	positions := make([]int64, len(items))
	for i, it := range items {
		ids[i] = it.ID
		positions[i] = int64(it.Position)
	}
	result, err := r.tx.ExecContext(ctx,
		`UPDATE auction_queue AS q SET position = v.position
		 FROM unnest($1::uuid[], $2::int[]) AS v(id, position)
		 WHERE q.id = v.id AND NOT q.processed`,
		pq.Array(ids), pq.Array(positions),
	)
	if err != nil {
		return fmt.Errorf("setting queue positions: %w", mapError(err))
	}
	n, _ := result.RowsAffected()
	if int(n) != len(items) {
		return fmt.Errorf("setting queue positions: updated %d of %d items: %w", n, len(items), store.ErrNotFound)
	}
	return nil
}

func (r *QueueRepo) MarkProcessed(ctx context.Context, id string, at time.Time) error {
	result, err := r.tx.ExecContext(ctx,
		`UPDATE auction_queue SET processed = true, position = NULL, processed_at = $1 WHERE id = $2`,
		at.UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("marking queue item processed: %w", mapError(err))
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("marking queue item %s processed: %w", id, store.ErrNotFound)
	}
	return nil
}
