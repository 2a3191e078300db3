// Package memstore is an in-process store driver. It backs the memory
// database driver and the auction package's tests.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/jensholdgaard/player-auction/internal/clock"
	"github.com/jensholdgaard/player-auction/internal/config"
	"github.com/jensholdgaard/player-auction/internal/store"
)

func init() {
	store.Register("memory", func(_ context.Context, _ config.DatabaseConfig, clk clock.Clock) (*store.Repositories, error) {
		s := New(clk)
		return &store.Repositories{
			Store:  s,
			Events: NewEventStore(clk),
			Closer: store.NopCloser{},
			Ping:   func(context.Context) error { return nil },
		}, nil
	})
}

// Store implements store.Store. Units of work run one at a time; a failed
// unit is rolled back by restoring the state copied when it began.
type Store struct {
	mu    sync.Mutex
	clock clock.Clock
	data  *state
}

type state struct {
	players map[string]store.Player
	teams   map[string]store.Team
	queue   map[string]store.QueueItem
	rounds  []store.Round // insertion order
}

// New returns an empty Store.
func New(clk clock.Clock) *Store {
	return &Store{
		clock: clk,
		data: &state{
			players: map[string]store.Player{},
			teams:   map[string]store.Team{},
			queue:   map[string]store.QueueItem{},
		},
	}
}

// WithTx runs fn with exclusive access to the store. fn must not call
// WithTx on the same Store.
func (s *Store) WithTx(ctx context.Context, fn func(tx store.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.data.clone()
	err := fn(&tx{ctx: ctx, clock: s.clock, st: s.data})
	if err == nil {
		err = s.data.checkPositions()
	}
	if err != nil {
		s.data = snapshot
		return err
	}
	return nil
}

func (st *state) clone() *state {
	c := &state{
		players: make(map[string]store.Player, len(st.players)),
		teams:   make(map[string]store.Team, len(st.teams)),
		queue:   make(map[string]store.QueueItem, len(st.queue)),
		rounds:  make([]store.Round, len(st.rounds)),
	}
	for k, v := range st.players {
		c.players[k] = v
	}
	for k, v := range st.teams {
		c.teams[k] = v
	}
	for k, v := range st.queue {
		c.queue[k] = v
	}
	copy(c.rounds, st.rounds)
	return c
}

// checkPositions enforces unique unprocessed positions per tournament at
// commit, like the deferred unique constraint of the postgres schema.
func (st *state) checkPositions() error {
	type key struct {
		tournament string
		position   int
	}
	seen := make(map[key]struct{}, len(st.queue))
	for _, q := range st.queue {
		if q.Processed {
			continue
		}
		k := key{q.TournamentID, q.Position}
		if _, dup := seen[k]; dup {
			return fmt.Errorf("duplicate queue position %d in tournament %s: %w", q.Position, q.TournamentID, store.ErrConflict)
		}
		seen[k] = struct{}{}
	}
	return nil
}

type tx struct {
	ctx   context.Context
	clock clock.Clock
	st    *state
}

// LockTournament is a no-op: the whole store is held for the unit of work.
func (t *tx) LockTournament(context.Context, string) error { return t.ctx.Err() }

func (t *tx) Players() store.PlayerRepository { return playerRepo{t} }
func (t *tx) Teams() store.TeamRepository { return teamRepo{t} }
func (t *tx) Queue() store.QueueRepository { return queueRepo{t} }
func (t *tx) Rounds() store.RoundRepository { return roundRepo{t} }

func sortedQueue(items []store.QueueItem) {
	sort.Slice(items, func(i, j int) bool { return items[i].Position < items[j].Position })
}
