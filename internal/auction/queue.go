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

// Queue returns a tournament's unprocessed entries ordered by position.
func (m *Manager) Queue(ctx context.Context, tournamentID string) ([]store.QueueItem, error) {
	if err := validateID("tournament_id", tournamentID); err != nil {
		return nil, err
	}
	var items []store.QueueItem
	err := m.read(ctx, func(tx store.Tx) error {
		var err error
		items, err = tx.Queue().ListUnprocessed(ctx, tournamentID)
		return err
	})
	return items, err
}

// Enqueue appends a player to the end of the queue.
func (m *Manager) Enqueue(ctx context.Context, req EnqueueRequest) (*store.QueueItem, error) {
	if err := Validate(req); err != nil {
		return nil, err
	}

	var item *store.QueueItem
	err := m.unit(ctx, "Manager.Enqueue", []attribute.KeyValue{
		attribute.String("tournament_id", req.TournamentID),
		attribute.String("player_id", req.PlayerID),
	}, func(ctx context.Context, tx store.Tx, fx *effects) error {
		if err := tx.LockTournament(ctx, req.TournamentID); err != nil {
			return err
		}
		queue, err := tx.Queue().ListUnprocessed(ctx, req.TournamentID)
		if err != nil {
			return err
		}
		item, err = m.enqueueLocked(ctx, tx, fx, req.TournamentID, req.PlayerID, len(queue)+1)
		return err
	})
	if err != nil {
		return nil, err
	}

	m.log(ctx).InfoContext(ctx, "player enqueued",
		slog.String("tournament_id", req.TournamentID),
		slog.String("player_id", req.PlayerID),
		slog.Int("position", item.Position),
	)
	return item, nil
}

// EnqueueBatch appends several players in order. Players that already have an
// unprocessed entry are skipped.
func (m *Manager) EnqueueBatch(ctx context.Context, req EnqueueBatchRequest) ([]store.QueueItem, error) {
	if err := Validate(req); err != nil {
		return nil, err
	}

	var added []store.QueueItem
	err := m.unit(ctx, "Manager.EnqueueBatch", []attribute.KeyValue{
		attribute.String("tournament_id", req.TournamentID),
		attribute.Int("players", len(req.PlayerIDs)),
	}, func(ctx context.Context, tx store.Tx, fx *effects) error {
		added = nil
		if err := tx.LockTournament(ctx, req.TournamentID); err != nil {
			return err
		}
		queue, err := tx.Queue().ListUnprocessed(ctx, req.TournamentID)
		if err != nil {
			return err
		}
		next := len(queue) + 1
		for _, playerID := range req.PlayerIDs {
			item, err := m.enqueueLocked(ctx, tx, fx, req.TournamentID, playerID, next)
			if errors.Is(err, ErrAlreadyQueued) {
				continue
			}
			if err != nil {
				return err
			}
			added = append(added, *item)
			next++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.log(ctx).InfoContext(ctx, "players enqueued",
		slog.String("tournament_id", req.TournamentID),
		slog.Int("requested", len(req.PlayerIDs)),
		slog.Int("added", len(added)),
	)
	return added, nil
}

func (m *Manager) enqueueLocked(ctx context.Context, tx store.Tx, fx *effects, tournamentID, playerID string, position int) (*store.QueueItem, error) {
	player, err := tx.Players().Get(ctx, playerID)
	if err != nil {
		return nil, err
	}
	if player.TournamentID != tournamentID {
		return nil, fmt.Errorf("%w: player %s is not in tournament %s", ErrValidation, playerID, tournamentID)
	}
	if player.Status == store.PlayerAllocated {
		return nil, fmt.Errorf("player %s: %w", playerID, ErrAlreadyAllocated)
	}
	if _, err := tx.Queue().FindUnprocessed(ctx, tournamentID, playerID); err == nil {
		return nil, fmt.Errorf("player %s: %w", playerID, ErrAlreadyQueued)
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	item := &store.QueueItem{
		TournamentID: tournamentID,
		PlayerID:     playerID,
		Position:     position,
	}
	if err := tx.Queue().Insert(ctx, item); err != nil {
		return nil, fmt.Errorf("inserting queue item: %w", err)
	}
	if player.Status == store.PlayerAvailable {
		if err := tx.Players().UpdateStatus(ctx, playerID, store.PlayerInQueue, nil); err != nil {
			return nil, err
		}
		fx.change(realtime.PlayerChanged, tournamentID, "UPDATE", nil, map[string]any{"id": playerID, "status": store.PlayerInQueue})
	}

	fx.record(ctx, tournamentID, event.QueueEnqueued, event.QueueData{
		QueueItemID: item.ID,
		PlayerID:    playerID,
		Position:    position,
	})
	fx.change(realtime.QueueChanged, tournamentID, "INSERT", nil, item)
	return item, nil
}

// Remove deletes a queue entry and closes the gap it leaves. A player still
// waiting in the queue becomes AVAILABLE again.
func (m *Manager) Remove(ctx context.Context, req RemoveRequest) error {
	if err := Validate(req); err != nil {
		return err
	}

	err := m.unit(ctx, "Manager.Remove", []attribute.KeyValue{
		attribute.String("queue_item_id", req.QueueItemID),
	}, func(ctx context.Context, tx store.Tx, fx *effects) error {
		item, err := m.lockItem(ctx, tx, req.QueueItemID)
		if err != nil {
			return err
		}
		if item.Processed {
			return fmt.Errorf("%w: queue item %s is already processed", ErrValidation, item.ID)
		}

		if err := tx.Queue().Delete(ctx, item.ID); err != nil {
			return err
		}
		queue, err := tx.Queue().ListUnprocessed(ctx, item.TournamentID)
		if err != nil {
			return err
		}
		if err := renumber(ctx, tx, queue); err != nil {
			return err
		}

		player, err := tx.Players().Get(ctx, item.PlayerID)
		if err != nil {
			return err
		}
		if player.Status == store.PlayerInQueue {
			if err := tx.Players().UpdateStatus(ctx, player.ID, store.PlayerAvailable, nil); err != nil {
				return err
			}
			fx.change(realtime.PlayerChanged, item.TournamentID, "UPDATE", nil, map[string]any{"id": player.ID, "status": store.PlayerAvailable})
		}

		fx.record(ctx, item.TournamentID, event.QueueRemoved, event.QueueData{
			QueueItemID: item.ID,
			PlayerID:    item.PlayerID,
			Position:    item.Position,
		})
		fx.change(realtime.QueueChanged, item.TournamentID, "DELETE", item, nil)
		return nil
	})
	if err != nil {
		return err
	}

	m.log(ctx).InfoContext(ctx, "queue item removed", slog.String("queue_item_id", req.QueueItemID))
	return nil
}

// Reorder moves an entry to NewPosition, shifting the entries in between by
// one.
func (m *Manager) Reorder(ctx context.Context, req ReorderRequest) ([]store.QueueItem, error) {
	if err := Validate(req); err != nil {
		return nil, err
	}

	var queue []store.QueueItem
	err := m.unit(ctx, "Manager.Reorder", []attribute.KeyValue{
		attribute.String("queue_item_id", req.QueueItemID),
		attribute.Int("new_position", req.NewPosition),
	}, func(ctx context.Context, tx store.Tx, fx *effects) error {
		item, err := m.lockItem(ctx, tx, req.QueueItemID)
		if err != nil {
			return err
		}
		if item.Processed {
			return fmt.Errorf("%w: queue item %s is already processed", ErrValidation, item.ID)
		}
		queue, err = tx.Queue().ListUnprocessed(ctx, item.TournamentID)
		if err != nil {
			return err
		}
		if req.NewPosition > len(queue) {
			return fmt.Errorf("%w: position %d is outside 1..%d", ErrValidation, req.NewPosition, len(queue))
		}

		from := indexOf(queue, item.ID)
		moved := queue[from]
		queue = append(queue[:from], queue[from+1:]...)
		to := req.NewPosition - 1
		queue = append(queue[:to], append([]store.QueueItem{moved}, queue[to:]...)...)
		if err := renumber(ctx, tx, queue); err != nil {
			return err
		}

		fx.record(ctx, item.TournamentID, event.QueueReordered, event.QueueData{
			QueueItemID: item.ID,
			PlayerID:    item.PlayerID,
			Position:    req.NewPosition,
		})
		fx.change(realtime.QueueChanged, item.TournamentID, "UPDATE", item, queue[to])
		return nil
	})
	if err != nil {
		return nil, err
	}
	return queue, nil
}

// Swap exchanges the positions of two unprocessed entries of one tournament.
func (m *Manager) Swap(ctx context.Context, req SwapRequest) error {
	if err := Validate(req); err != nil {
		return err
	}

	return m.unit(ctx, "Manager.Swap", []attribute.KeyValue{
		attribute.String("first_id", req.FirstID),
		attribute.String("second_id", req.SecondID),
	}, func(ctx context.Context, tx store.Tx, fx *effects) error {
		first, err := m.lockItem(ctx, tx, req.FirstID)
		if err != nil {
			return err
		}
		second, err := tx.Queue().Get(ctx, req.SecondID)
		if err != nil {
			return err
		}
		if first.TournamentID != second.TournamentID {
			return fmt.Errorf("%w: queue items belong to different tournaments", ErrValidation)
		}
		if first.Processed || second.Processed {
			return fmt.Errorf("%w: processed queue items cannot be swapped", ErrValidation)
		}

		first.Position, second.Position = second.Position, first.Position
		if err := tx.Queue().SetPositions(ctx, []store.QueueItem{*first, *second}); err != nil {
			return err
		}

		for _, it := range []*store.QueueItem{first, second} {
			fx.record(ctx, it.TournamentID, event.QueueReordered, event.QueueData{
				QueueItemID: it.ID,
				PlayerID:    it.PlayerID,
				Position:    it.Position,
			})
		}
		fx.change(realtime.QueueChanged, first.TournamentID, "UPDATE", nil, []store.QueueItem{*first, *second})
		return nil
	})
}

// Randomize shuffles the unprocessed entries uniformly and renumbers them
// 1..N.
func (m *Manager) Randomize(ctx context.Context, req RandomizeRequest) ([]store.QueueItem, error) {
	if err := Validate(req); err != nil {
		return nil, err
	}

	var queue []store.QueueItem
	err := m.unit(ctx, "Manager.Randomize", []attribute.KeyValue{
		attribute.String("tournament_id", req.TournamentID),
	}, func(ctx context.Context, tx store.Tx, fx *effects) error {
		if err := tx.LockTournament(ctx, req.TournamentID); err != nil {
			return err
		}
		var err error
		queue, err = tx.Queue().ListUnprocessed(ctx, req.TournamentID)
		if err != nil {
			return err
		}

		m.rngMu.Lock()
		m.rng.Shuffle(len(queue), func(i, j int) { queue[i], queue[j] = queue[j], queue[i] })
		m.rngMu.Unlock()

		if err := renumber(ctx, tx, queue); err != nil {
			return err
		}
		fx.record(ctx, req.TournamentID, event.QueueRandomized, event.QueueData{Count: len(queue)})
		fx.change(realtime.QueueChanged, req.TournamentID, "UPDATE", nil, queue)
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.log(ctx).InfoContext(ctx, "queue randomized",
		slog.String("tournament_id", req.TournamentID),
		slog.Int("items", len(queue)),
	)
	return queue, nil
}

// MarkProcessed takes an entry out of the live queue and compacts the
// entries behind it.
func (m *Manager) MarkProcessed(ctx context.Context, queueItemID string) error {
	if err := validateID("queue_item_id", queueItemID); err != nil {
		return err
	}
	return m.unit(ctx, "Manager.MarkProcessed", []attribute.KeyValue{
		attribute.String("queue_item_id", queueItemID),
	}, func(ctx context.Context, tx store.Tx, fx *effects) error {
		item, err := m.lockItem(ctx, tx, queueItemID)
		if err != nil {
			return err
		}
		if item.Processed {
			return nil
		}
		return m.processLocked(ctx, tx, fx, item)
	})
}

// processLocked marks item processed and renumbers the remaining queue. The
// caller holds the tournament lock.
func (m *Manager) processLocked(ctx context.Context, tx store.Tx, fx *effects, item *store.QueueItem) error {
	if err := tx.Queue().MarkProcessed(ctx, item.ID, m.clock.Now().UTC()); err != nil {
		return err
	}
	queue, err := tx.Queue().ListUnprocessed(ctx, item.TournamentID)
	if err != nil {
		return err
	}
	if err := renumber(ctx, tx, queue); err != nil {
		return err
	}
	fx.record(ctx, item.TournamentID, event.QueueProcessed, event.QueueData{
		QueueItemID: item.ID,
		PlayerID:    item.PlayerID,
	})
	fx.change(realtime.QueueChanged, item.TournamentID, "UPDATE", item, nil)
	return nil
}

// lockItem loads a queue item and takes its tournament's lock. The item is
// read again under the lock so its position is current.
func (m *Manager) lockItem(ctx context.Context, tx store.Tx, id string) (*store.QueueItem, error) {
	item, err := tx.Queue().Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := tx.LockTournament(ctx, item.TournamentID); err != nil {
		return nil, err
	}
	item, err = tx.Queue().Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return item, nil
}

// renumber assigns positions 1..N in slice order and writes the entries
// whose position moved.
func renumber(ctx context.Context, tx store.Tx, queue []store.QueueItem) error {
	var moved []store.QueueItem
	for i := range queue {
		if queue[i].Position != i+1 {
			queue[i].Position = i + 1
			moved = append(moved, queue[i])
		}
	}
	if len(moved) == 0 {
		return nil
	}
	return tx.Queue().SetPositions(ctx, moved)
}

func indexOf(queue []store.QueueItem, id string) int {
	for i := range queue {
		if queue[i].ID == id {
			return i
		}
	}
	return -1
}
