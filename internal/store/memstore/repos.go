package memstore

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/jensholdgaard/player-auction/internal/store"
)

type playerRepo struct{ t *tx }

func (r playerRepo) Create(_ context.Context, p *store.Player) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if _, ok := r.t.st.players[p.ID]; ok {
		return fmt.Errorf("creating player %s: %w", p.ID, store.ErrConflict)
	}
	if p.Status == "" {
		p.Status = store.PlayerAvailable
	}
	now := r.t.clock.Now().UTC()
	p.CreatedAt, p.UpdatedAt = now, now
	r.t.st.players[p.ID] = *p
	return nil
}

func (r playerRepo) Get(_ context.Context, id string) (*store.Player, error) {
	p, ok := r.t.st.players[id]
	if !ok {
		return nil, fmt.Errorf("getting player %s: %w", id, store.ErrNotFound)
	}
	return &p, nil
}

func (r playerRepo) List(_ context.Context, tournamentID string) ([]store.Player, error) {
	var out []store.Player
	for _, p := range r.t.st.players {
		if p.TournamentID == tournamentID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (r playerRepo) UpdateStatus(_ context.Context, id string, status store.PlayerStatus, teamID *string) error {
	p, ok := r.t.st.players[id]
	if !ok {
		return fmt.Errorf("updating player %s: %w", id, store.ErrNotFound)
	}
	p.Status = status
	p.CurrentTeamID = teamID
	p.UpdatedAt = r.t.clock.Now().UTC()
	r.t.st.players[id] = p
	return nil
}

type teamRepo struct{ t *tx }

func (r teamRepo) Create(_ context.Context, tm *store.Team) error {
	if tm.ID == "" {
		tm.ID = uuid.NewString()
	}
	if _, ok := r.t.st.teams[tm.ID]; ok {
		return fmt.Errorf("creating team %s: %w", tm.ID, store.ErrConflict)
	}
	now := r.t.clock.Now().UTC()
	tm.CreatedAt, tm.UpdatedAt = now, now
	r.t.st.teams[tm.ID] = *tm
	return nil
}

func (r teamRepo) Get(_ context.Context, id string) (*store.Team, error) {
	tm, ok := r.t.st.teams[id]
	if !ok {
		return nil, fmt.Errorf("getting team %s: %w", id, store.ErrNotFound)
	}
	return &tm, nil
}

func (r teamRepo) List(_ context.Context, tournamentID string) ([]store.Team, error) {
	var out []store.Team
	for _, tm := range r.t.st.teams {
		if tm.TournamentID == tournamentID {
			out = append(out, tm)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (r teamRepo) SetRemainingBudget(_ context.Context, id string, remaining int64) error {
	tm, ok := r.t.st.teams[id]
	if !ok {
		return fmt.Errorf("updating team %s: %w", id, store.ErrNotFound)
	}
	if remaining < 0 {
		return fmt.Errorf("team %s remaining budget %d is negative: %w", id, remaining, store.ErrConflict)
	}
	tm.RemainingBudget = remaining
	tm.UpdatedAt = r.t.clock.Now().UTC()
	r.t.st.teams[id] = tm
	return nil
}

type queueRepo struct{ t *tx }

func (r queueRepo) Insert(_ context.Context, q *store.QueueItem) error {
	if q.ID == "" {
		q.ID = uuid.NewString()
	}
	q.CreatedAt = r.t.clock.Now().UTC()
	r.t.st.queue[q.ID] = *q
	return nil
}

func (r queueRepo) Get(_ context.Context, id string) (*store.QueueItem, error) {
	q, ok := r.t.st.queue[id]
	if !ok {
		return nil, fmt.Errorf("getting queue item %s: %w", id, store.ErrNotFound)
	}
	return &q, nil
}

func (r queueRepo) FindUnprocessed(_ context.Context, tournamentID, playerID string) (*store.QueueItem, error) {
	for _, q := range r.t.st.queue {
		if q.TournamentID == tournamentID && q.PlayerID == playerID && !q.Processed {
			return &q, nil
		}
	}
	return nil, fmt.Errorf("finding queue entry for player %s: %w", playerID, store.ErrNotFound)
}

func (r queueRepo) ListUnprocessed(_ context.Context, tournamentID string) ([]store.QueueItem, error) {
	var out []store.QueueItem
	for _, q := range r.t.st.queue {
		if q.TournamentID == tournamentID && !q.Processed {
			out = append(out, q)
		}
	}
	sortedQueue(out)
	return out, nil
}

func (r queueRepo) Delete(_ context.Context, id string) error {
	if _, ok := r.t.st.queue[id]; !ok {
		return fmt.Errorf("deleting queue item %s: %w", id, store.ErrNotFound)
	}
	delete(r.t.st.queue, id)
	return nil
}

func (r queueRepo) SetPositions(_ context.Context, items []store.QueueItem) error {
	for _, it := range items {
		q, ok := r.t.st.queue[it.ID]
		if !ok {
			return fmt.Errorf("positioning queue item %s: %w", it.ID, store.ErrNotFound)
		}
		q.Position = it.Position
		r.t.st.queue[it.ID] = q
	}
	return nil
}

func (r queueRepo) MarkProcessed(_ context.Context, id string, at time.Time) error {
	q, ok := r.t.st.queue[id]
	if !ok {
		return fmt.Errorf("processing queue item %s: %w", id, store.ErrNotFound)
	}
	q.Processed = true
	q.Position = 0
	q.ProcessedAt = &at
	r.t.st.queue[id] = q
	return nil
}

type roundRepo struct{ t *tx }

func (r roundRepo) Insert(_ context.Context, rd *store.Round) error {
	if rd.Status == store.RoundActive {
		for _, o := range r.t.st.rounds {
			if o.PlayerID == rd.PlayerID && o.Status == store.RoundActive {
				return fmt.Errorf("player %s already has an active round: %w", rd.PlayerID, store.ErrConflict)
			}
		}
	}
	if rd.ID == "" {
		rd.ID = uuid.NewString()
	}
	rd.CreatedAt = r.t.clock.Now().UTC()
	r.t.st.rounds = append(r.t.st.rounds, *rd)
	return nil
}

func (r roundRepo) Active(_ context.Context, playerID string) (*store.Round, error) {
	for _, rd := range r.t.st.rounds {
		if rd.PlayerID == playerID && rd.Status == store.RoundActive {
			return &rd, nil
		}
	}
	return nil, fmt.Errorf("active round for player %s: %w", playerID, store.ErrNotFound)
}

func (r roundRepo) Latest(_ context.Context, playerID string) (*store.Round, error) {
	for i := len(r.t.st.rounds) - 1; i >= 0; i-- {
		if rd := r.t.st.rounds[i]; rd.PlayerID == playerID {
			return &rd, nil
		}
	}
	return nil, fmt.Errorf("latest round for player %s: %w", playerID, store.ErrNotFound)
}

func (r roundRepo) Update(_ context.Context, rd *store.Round) error {
	for i, o := range r.t.st.rounds {
		if o.ID == rd.ID {
			r.t.st.rounds[i] = *rd
			return nil
		}
	}
	return fmt.Errorf("updating round %s: %w", rd.ID, store.ErrNotFound)
}

func (r roundRepo) ListActive(_ context.Context) ([]store.Round, error) {
	var out []store.Round
	for _, rd := range r.t.st.rounds {
		if rd.Status == store.RoundActive {
			out = append(out, rd)
		}
	}
	return out, nil
}

func (r roundRepo) SumWon(_ context.Context, teamID string) (int64, error) {
	var sum int64
	for _, rd := range r.t.st.rounds {
		if rd.Status == store.RoundCompleted && rd.WinningTeamID != nil && *rd.WinningTeamID == teamID && rd.FinalPrice != nil {
			sum += *rd.FinalPrice
		}
	}
	return sum, nil
}
