package postgres_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/jensholdgaard/player-auction/internal/auction"
	"github.com/jensholdgaard/player-auction/internal/clock"
	"github.com/jensholdgaard/player-auction/internal/realtime"
	"github.com/jensholdgaard/player-auction/internal/store"
	"github.com/jensholdgaard/player-auction/internal/store/postgres"
)

func newTestManager(t *testing.T) (*auction.Manager, *postgres.Store) {
	t.Helper()
	db := newTestDB(t)
	st := postgres.New(db, clock.Real{})
	mgr := auction.NewManager(st, postgres.NewEventStore(db), realtime.NopPublisher{},
		slog.New(slog.NewTextHandler(io.Discard, nil)), noop.NewTracerProvider(), clock.Real{})
	return mgr, st
}

// retry repeats fn while it loses races, the way API clients are told to.
func retry(fn func() error) error {
	for {
		err := fn()
		if !errors.Is(err, auction.ErrConflict) {
			return err
		}
	}
}

func TestManager_ConcurrentAllocationsRespectBudget(t *testing.T) {
	mgr, st := newTestManager(t)
	ctx := context.Background()
	tournament := uuid.NewString()

	const (
		bidders = 20
		price   = 100
		fits    = 7
	)
	var names []string
	for i := range bidders {
		names = append(names, fmt.Sprintf("P%02d", i))
	}
	players := seedPlayers(t, st, tournament, names...)
	team := store.Team{TournamentID: tournament, Name: "Lions", InitialBudget: fits * price, RemainingBudget: fits * price}
	if err := st.WithTx(ctx, func(tx store.Tx) error { return tx.Teams().Create(ctx, &team) }); err != nil {
		t.Fatalf("seeding team: %v", err)
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		won      int
		rejected int
	)
	for _, p := range players {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := retry(func() error {
				_, err := mgr.Allocate(ctx, auction.AllocateRequest{
					TournamentID: tournament,
					PlayerID:     p.ID,
					TeamID:       team.ID,
					FinalPrice:   price,
				})
				return err
			})
			var budgetErr *auction.InsufficientBudgetError
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				won++
			case errors.As(err, &budgetErr):
				rejected++
			default:
				t.Errorf("Allocate(%s) error = %v", p.Name, err)
			}
		}()
	}
	wg.Wait()

	if won != fits || rejected != bidders-fits {
		t.Errorf("won %d rejected %d, want %d and %d", won, rejected, fits, bidders-fits)
	}

	reports, err := mgr.VerifyBudgets(ctx, tournament)
	if err != nil {
		t.Fatalf("VerifyBudgets() error = %v", err)
	}
	if len(reports) != 1 {
		t.Fatalf("got %d budget reports, want 1", len(reports))
	}
	r := reports[0]
	if !r.Consistent || r.RemainingBudget != 0 || r.Spent != fits*price {
		t.Errorf("report = %+v, want consistent with nothing left", r)
	}
}

func TestManager_ConcurrentEnqueueAndRandomizeKeepQueueDense(t *testing.T) {
	mgr, st := newTestManager(t)
	ctx := context.Background()
	tournament := uuid.NewString()

	var names []string
	for i := range 30 {
		names = append(names, fmt.Sprintf("P%02d", i))
	}
	players := seedPlayers(t, st, tournament, names...)

	var wg sync.WaitGroup
	for _, p := range players {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := retry(func() error {
				_, err := mgr.Enqueue(ctx, auction.EnqueueRequest{TournamentID: tournament, PlayerID: p.ID})
				return err
			})
			if err != nil {
				t.Errorf("Enqueue(%s) error = %v", p.Name, err)
			}
		}()
	}
	for range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 4 {
				err := retry(func() error {
					_, err := mgr.Randomize(ctx, auction.RandomizeRequest{TournamentID: tournament})
					return err
				})
				if err != nil {
					t.Errorf("Randomize() error = %v", err)
				}
			}
		}()
	}
	wg.Wait()

	queue, err := mgr.Queue(ctx, tournament)
	if err != nil {
		t.Fatalf("Queue() error = %v", err)
	}
	if len(queue) != len(players) {
		t.Fatalf("queue has %d entries, want %d", len(queue), len(players))
	}
	seen := make(map[string]bool)
	for i, q := range queue {
		if q.Position != i+1 {
			t.Errorf("queue[%d].Position = %d, want %d", i, q.Position, i+1)
		}
		seen[q.PlayerID] = true
	}
	if len(seen) != len(players) {
		t.Errorf("queue holds %d distinct players, want %d", len(seen), len(players))
	}
}
