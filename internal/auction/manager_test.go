package auction_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/jensholdgaard/player-auction/internal/auction"
	"github.com/jensholdgaard/player-auction/internal/clock"
	"github.com/jensholdgaard/player-auction/internal/event"
	"github.com/jensholdgaard/player-auction/internal/realtime"
	"github.com/jensholdgaard/player-auction/internal/store"
	"github.com/jensholdgaard/player-auction/internal/store/memstore"
)

var epoch = time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

// --- test helpers ---

type recordingPublisher struct {
	mu      sync.Mutex
	changes []realtime.Change
}

func (p *recordingPublisher) Publish(_ context.Context, c realtime.Change) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.changes = append(p.changes, c)
	return nil
}

func (p *recordingPublisher) count(kind realtime.Kind, op string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, c := range p.changes {
		if c.Kind == kind && (op == "" || c.Op == op) {
			n++
		}
	}
	return n
}

type fixture struct {
	mgr        *auction.Manager
	store      *memstore.Store
	events     *memstore.EventStore
	pub        *recordingPublisher
	tournament string
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clk := clock.NewFake(epoch)
	st := memstore.New(clk)
	events := memstore.NewEventStore(clk)
	pub := &recordingPublisher{}
	mgr := auction.NewManager(st, events, pub, discardLogger(), noop.NewTracerProvider(), clk,
		auction.WithRand(rand.New(rand.NewPCG(1, 2))),
	)
	return &fixture{
		mgr:        mgr,
		store:      st,
		events:     events,
		pub:        pub,
		tournament: uuid.NewString(),
	}
}

func (f *fixture) addPlayer(t *testing.T, name string, basePrice int64) *store.Player {
	t.Helper()
	p := &store.Player{TournamentID: f.tournament, Name: name, BasePrice: basePrice}
	err := f.store.WithTx(context.Background(), func(tx store.Tx) error {
		return tx.Players().Create(context.Background(), p)
	})
	if err != nil {
		t.Fatalf("creating player: %v", err)
	}
	return p
}

func (f *fixture) addTeam(t *testing.T, name string, budget int64) *store.Team {
	t.Helper()
	tm := &store.Team{TournamentID: f.tournament, Name: name, InitialBudget: budget, RemainingBudget: budget}
	err := f.store.WithTx(context.Background(), func(tx store.Tx) error {
		return tx.Teams().Create(context.Background(), tm)
	})
	if err != nil {
		t.Fatalf("creating team: %v", err)
	}
	return tm
}

func (f *fixture) enqueue(t *testing.T, players ...*store.Player) []store.QueueItem {
	t.Helper()
	var items []store.QueueItem
	for _, p := range players {
		item, err := f.mgr.Enqueue(context.Background(), auction.EnqueueRequest{
			TournamentID: f.tournament,
			PlayerID:     p.ID,
		})
		if err != nil {
			t.Fatalf("Enqueue(%s) error = %v", p.Name, err)
		}
		items = append(items, *item)
	}
	return items
}

func (f *fixture) queuedPlayers(t *testing.T) []string {
	t.Helper()
	queue, err := f.mgr.Queue(context.Background(), f.tournament)
	if err != nil {
		t.Fatalf("Queue() error = %v", err)
	}
	ids := make([]string, len(queue))
	for i, q := range queue {
		if q.Position != i+1 {
			t.Errorf("queue[%d].Position = %d, want %d", i, q.Position, i+1)
		}
		ids[i] = q.PlayerID
	}
	return ids
}

func assertOrder(t *testing.T, got []string, want ...*store.Player) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("queue has %d players, want %d", len(got), len(want))
	}
	for i, p := range want {
		if got[i] != p.ID {
			t.Errorf("queue[%d] = %s, want %s", i, got[i], p.Name)
		}
	}
}

// --- queue ---

func TestEnqueue_AssignsDensePositions(t *testing.T) {
	f := newFixture(t)
	a, b, c := f.addPlayer(t, "A", 100), f.addPlayer(t, "B", 100), f.addPlayer(t, "C", 100)

	items := f.enqueue(t, a, b, c)
	for i, it := range items {
		if it.Position != i+1 {
			t.Errorf("item %d position = %d, want %d", i, it.Position, i+1)
		}
	}
	assertOrder(t, f.queuedPlayers(t), a, b, c)

	p, err := f.mgr.Player(context.Background(), a.ID)
	if err != nil {
		t.Fatalf("Player() error = %v", err)
	}
	if p.Status != store.PlayerInQueue {
		t.Errorf("status = %s, want IN_QUEUE", p.Status)
	}
	if got := f.pub.count(realtime.QueueChanged, "INSERT"); got != 3 {
		t.Errorf("published %d queue inserts, want 3", got)
	}
	evts, _ := f.events.LoadByType(context.Background(), event.QueueEnqueued)
	if len(evts) != 3 {
		t.Errorf("recorded %d enqueue events, want 3", len(evts))
	}
}

func TestEnqueue_Errors(t *testing.T) {
	f := newFixture(t)
	a := f.addPlayer(t, "A", 100)
	f.enqueue(t, a)
	other := newFixture(t).tournament

	tests := []struct {
		name    string
		req     auction.EnqueueRequest
		wantErr error
	}{
		{
			name:    "already queued",
			req:     auction.EnqueueRequest{TournamentID: f.tournament, PlayerID: a.ID},
			wantErr: auction.ErrAlreadyQueued,
		},
		{
			name:    "already queued is a validation error",
			req:     auction.EnqueueRequest{TournamentID: f.tournament, PlayerID: a.ID},
			wantErr: auction.ErrValidation,
		},
		{
			name:    "unknown player",
			req:     auction.EnqueueRequest{TournamentID: f.tournament, PlayerID: uuid.NewString()},
			wantErr: auction.ErrNotFound,
		},
		{
			name:    "wrong tournament",
			req:     auction.EnqueueRequest{TournamentID: other, PlayerID: a.ID},
			wantErr: auction.ErrValidation,
		},
		{
			name:    "malformed id",
			req:     auction.EnqueueRequest{TournamentID: "nope", PlayerID: a.ID},
			wantErr: auction.ErrValidation,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.mgr.Enqueue(context.Background(), tt.req)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Enqueue() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
	assertOrder(t, f.queuedPlayers(t), a)
}

func TestEnqueueBatch_SkipsQueuedPlayers(t *testing.T) {
	f := newFixture(t)
	a, b, c := f.addPlayer(t, "A", 100), f.addPlayer(t, "B", 100), f.addPlayer(t, "C", 100)
	f.enqueue(t, b)

	added, err := f.mgr.EnqueueBatch(context.Background(), auction.EnqueueBatchRequest{
		TournamentID: f.tournament,
		PlayerIDs:    []string{a.ID, b.ID, c.ID},
	})
	if err != nil {
		t.Fatalf("EnqueueBatch() error = %v", err)
	}
	if len(added) != 2 {
		t.Fatalf("added %d items, want 2", len(added))
	}
	assertOrder(t, f.queuedPlayers(t), b, a, c)
}

func TestRemove_RenumbersTail(t *testing.T) {
	f := newFixture(t)
	a, b, c := f.addPlayer(t, "A", 100), f.addPlayer(t, "B", 100), f.addPlayer(t, "C", 100)
	items := f.enqueue(t, a, b, c)

	if err := f.mgr.Remove(context.Background(), auction.RemoveRequest{QueueItemID: items[1].ID}); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	assertOrder(t, f.queuedPlayers(t), a, c)

	p, _ := f.mgr.Player(context.Background(), b.ID)
	if p.Status != store.PlayerAvailable {
		t.Errorf("removed player status = %s, want AVAILABLE", p.Status)
	}

	err := f.mgr.Remove(context.Background(), auction.RemoveRequest{QueueItemID: items[1].ID})
	if !errors.Is(err, auction.ErrNotFound) {
		t.Errorf("second Remove() error = %v, want ErrNotFound", err)
	}
}

func TestReorder(t *testing.T) {
	tests := []struct {
		name  string
		move  int // index of the item to move
		to    int
		order []int
	}{
		{name: "last to first", move: 3, to: 1, order: []int{3, 0, 1, 2}},
		{name: "first to last", move: 0, to: 4, order: []int{1, 2, 3, 0}},
		{name: "middle down", move: 1, to: 3, order: []int{0, 2, 1, 3}},
		{name: "same position", move: 2, to: 3, order: []int{0, 1, 2, 3}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			players := []*store.Player{
				f.addPlayer(t, "A", 1), f.addPlayer(t, "B", 1), f.addPlayer(t, "C", 1), f.addPlayer(t, "D", 1),
			}
			items := f.enqueue(t, players...)

			_, err := f.mgr.Reorder(context.Background(), auction.ReorderRequest{
				QueueItemID: items[tt.move].ID,
				NewPosition: tt.to,
			})
			if err != nil {
				t.Fatalf("Reorder() error = %v", err)
			}
			want := make([]*store.Player, len(tt.order))
			for i, idx := range tt.order {
				want[i] = players[idx]
			}
			assertOrder(t, f.queuedPlayers(t), want...)
		})
	}
}

func TestReorder_OutOfRange(t *testing.T) {
	f := newFixture(t)
	items := f.enqueue(t, f.addPlayer(t, "A", 1), f.addPlayer(t, "B", 1))

	for _, pos := range []int{0, 3} {
		_, err := f.mgr.Reorder(context.Background(), auction.ReorderRequest{QueueItemID: items[0].ID, NewPosition: pos})
		if !errors.Is(err, auction.ErrValidation) {
			t.Errorf("Reorder(to %d) error = %v, want ErrValidation", pos, err)
		}
	}
}

func TestSwap(t *testing.T) {
	f := newFixture(t)
	a, b, c := f.addPlayer(t, "A", 1), f.addPlayer(t, "B", 1), f.addPlayer(t, "C", 1)
	items := f.enqueue(t, a, b, c)

	if err := f.mgr.Swap(context.Background(), auction.SwapRequest{FirstID: items[0].ID, SecondID: items[2].ID}); err != nil {
		t.Fatalf("Swap() error = %v", err)
	}
	assertOrder(t, f.queuedPlayers(t), c, b, a)

	err := f.mgr.Swap(context.Background(), auction.SwapRequest{FirstID: items[0].ID, SecondID: items[0].ID})
	if !errors.Is(err, auction.ErrValidation) {
		t.Errorf("Swap(same item) error = %v, want ErrValidation", err)
	}
}

func TestRandomize_KeepsPositionsDense(t *testing.T) {
	f := newFixture(t)
	var players []*store.Player
	for _, name := range []string{"A", "B", "C", "D", "E", "F", "G", "H"} {
		players = append(players, f.addPlayer(t, name, 1))
	}
	f.enqueue(t, players...)

	for range 5 {
		if _, err := f.mgr.Randomize(context.Background(), auction.RandomizeRequest{TournamentID: f.tournament}); err != nil {
			t.Fatalf("Randomize() error = %v", err)
		}
		got := f.queuedPlayers(t)
		seen := make(map[string]bool)
		for _, id := range got {
			seen[id] = true
		}
		if len(got) != len(players) || len(seen) != len(players) {
			t.Fatalf("queue after shuffle = %v, want a permutation of %d players", got, len(players))
		}
	}
}

func TestQueue_RandomOperationsKeepPositionsDense(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rng := rand.New(rand.NewPCG(7, 11))

	var players []*store.Player
	for i := range 12 {
		players = append(players, f.addPlayer(t, fmt.Sprintf("P%02d", i), 1))
	}
	var model []string

	for step := range 400 {
		queue, err := f.mgr.Queue(ctx, f.tournament)
		if err != nil {
			t.Fatalf("step %d: Queue() error = %v", step, err)
		}

		op := "enqueue"
		if len(queue) > 0 {
			op = []string{"enqueue", "remove", "reorder", "swap", "randomize", "process"}[rng.IntN(6)]
		}
		switch op {
		case "enqueue":
			var idle []*store.Player
			for _, p := range players {
				if !slices.Contains(model, p.ID) {
					idle = append(idle, p)
				}
			}
			if len(idle) == 0 {
				continue
			}
			p := idle[rng.IntN(len(idle))]
			if _, err := f.mgr.Enqueue(ctx, auction.EnqueueRequest{TournamentID: f.tournament, PlayerID: p.ID}); err != nil {
				t.Fatalf("step %d: Enqueue() error = %v", step, err)
			}
			model = append(model, p.ID)
		case "remove", "process":
			i := rng.IntN(len(queue))
			if op == "remove" {
				err = f.mgr.Remove(ctx, auction.RemoveRequest{QueueItemID: queue[i].ID})
			} else {
				err = f.mgr.MarkProcessed(ctx, queue[i].ID)
			}
			if err != nil {
				t.Fatalf("step %d: %s error = %v", step, op, err)
			}
			model = slices.Delete(model, i, i+1)
		case "reorder":
			from, to := rng.IntN(len(queue)), rng.IntN(len(queue))
			if _, err := f.mgr.Reorder(ctx, auction.ReorderRequest{QueueItemID: queue[from].ID, NewPosition: to + 1}); err != nil {
				t.Fatalf("step %d: Reorder() error = %v", step, err)
			}
			moved := model[from]
			model = slices.Insert(slices.Delete(model, from, from+1), to, moved)
		case "swap":
			if len(queue) < 2 {
				continue
			}
			i, j := rng.IntN(len(queue)), rng.IntN(len(queue)-1)
			if j >= i {
				j++
			}
			if err := f.mgr.Swap(ctx, auction.SwapRequest{FirstID: queue[i].ID, SecondID: queue[j].ID}); err != nil {
				t.Fatalf("step %d: Swap() error = %v", step, err)
			}
			model[i], model[j] = model[j], model[i]
		case "randomize":
			if _, err := f.mgr.Randomize(ctx, auction.RandomizeRequest{TournamentID: f.tournament}); err != nil {
				t.Fatalf("step %d: Randomize() error = %v", step, err)
			}
			got := f.queuedPlayers(t)
			if !slices.Equal(slices.Sorted(slices.Values(got)), slices.Sorted(slices.Values(model))) {
				t.Fatalf("step %d: queue after shuffle = %v, want a permutation of %v", step, got, model)
			}
			model = got
		}

		if got := f.queuedPlayers(t); !slices.Equal(got, model) {
			t.Fatalf("step %d (%s): queue = %v, want %v", step, op, got, model)
		}
	}
}

func TestMarkProcessed_CompactsQueue(t *testing.T) {
	f := newFixture(t)
	a, b, c := f.addPlayer(t, "A", 1), f.addPlayer(t, "B", 1), f.addPlayer(t, "C", 1)
	items := f.enqueue(t, a, b, c)

	if err := f.mgr.MarkProcessed(context.Background(), items[0].ID); err != nil {
		t.Fatalf("MarkProcessed() error = %v", err)
	}
	// Idempotent.
	if err := f.mgr.MarkProcessed(context.Background(), items[0].ID); err != nil {
		t.Fatalf("second MarkProcessed() error = %v", err)
	}
	assertOrder(t, f.queuedPlayers(t), b, c)

	err := f.mgr.Remove(context.Background(), auction.RemoveRequest{QueueItemID: items[0].ID})
	if !errors.Is(err, auction.ErrValidation) {
		t.Errorf("Remove(processed) error = %v, want ErrValidation", err)
	}
}

// --- allocation ---

func TestStartRound(t *testing.T) {
	f := newFixture(t)
	p := f.addPlayer(t, "A", 250)

	r, err := f.mgr.StartRound(context.Background(), auction.StartRoundRequest{TournamentID: f.tournament, PlayerID: p.ID})
	if err != nil {
		t.Fatalf("StartRound() error = %v", err)
	}
	if r.Status != store.RoundActive || r.StartingPrice != 250 {
		t.Errorf("round = %+v, want ACTIVE at base price 250", r)
	}

	_, err = f.mgr.StartRound(context.Background(), auction.StartRoundRequest{TournamentID: f.tournament, PlayerID: p.ID})
	if !errors.Is(err, auction.ErrRoundActive) {
		t.Errorf("second StartRound() error = %v, want ErrRoundActive", err)
	}

	active, err := f.mgr.ActiveRounds(context.Background())
	if err != nil {
		t.Fatalf("ActiveRounds() error = %v", err)
	}
	if len(active) != 1 {
		t.Errorf("ActiveRounds() = %d rounds, want 1", len(active))
	}
}

func TestAllocate_InsufficientBudget(t *testing.T) {
	f := newFixture(t)
	team := f.addTeam(t, "Lions", 5_000_000)
	first, second := f.addPlayer(t, "A", 100), f.addPlayer(t, "B", 100)
	f.enqueue(t, first, second)

	_, err := f.mgr.Allocate(context.Background(), auction.AllocateRequest{
		TournamentID: f.tournament, PlayerID: first.ID, TeamID: team.ID, FinalPrice: 1_000_000,
	})
	if err != nil {
		t.Fatalf("Allocate() error = %v", err)
	}

	_, err = f.mgr.Allocate(context.Background(), auction.AllocateRequest{
		TournamentID: f.tournament, PlayerID: second.ID, TeamID: team.ID, FinalPrice: 4_500_001,
	})
	var budgetErr *auction.InsufficientBudgetError
	if !errors.As(err, &budgetErr) {
		t.Fatalf("Allocate() error = %v, want InsufficientBudgetError", err)
	}
	if budgetErr.Required != 4_500_001 || budgetErr.Available != 4_000_000 {
		t.Errorf("error = %+v, want required 4500001 available 4000000", budgetErr)
	}

	// Nothing changed for the rejected allocation.
	got, _ := f.mgr.TeamBudget(context.Background(), team.ID)
	if got.RemainingBudget != 4_000_000 {
		t.Errorf("remaining = %d, want 4000000", got.RemainingBudget)
	}
	p, _ := f.mgr.Player(context.Background(), second.ID)
	if p.Status != store.PlayerInQueue {
		t.Errorf("rejected player status = %s, want IN_QUEUE", p.Status)
	}
	assertOrder(t, f.queuedPlayers(t), second)
}

func TestAllocate_CompletesActiveRound(t *testing.T) {
	f := newFixture(t)
	team := f.addTeam(t, "Lions", 1000)
	p := f.addPlayer(t, "A", 100)
	f.enqueue(t, p)

	started, err := f.mgr.StartRound(context.Background(), auction.StartRoundRequest{TournamentID: f.tournament, PlayerID: p.ID})
	if err != nil {
		t.Fatalf("StartRound() error = %v", err)
	}
	r, err := f.mgr.Allocate(context.Background(), auction.AllocateRequest{
		TournamentID: f.tournament, PlayerID: p.ID, TeamID: team.ID, FinalPrice: 300,
	})
	if err != nil {
		t.Fatalf("Allocate() error = %v", err)
	}
	if r.ID != started.ID {
		t.Errorf("allocated round %s, want the active round %s", r.ID, started.ID)
	}
	if r.Status != store.RoundCompleted || *r.FinalPrice != 300 || *r.WinningTeamID != team.ID {
		t.Errorf("round = %+v, want COMPLETED for 300 to %s", r, team.ID)
	}

	got, _ := f.mgr.Player(context.Background(), p.ID)
	if got.Status != store.PlayerAllocated || got.CurrentTeamID == nil || *got.CurrentTeamID != team.ID {
		t.Errorf("player = %+v, want ALLOCATED to %s", got, team.ID)
	}
	if len(f.queuedPlayers(t)) != 0 {
		t.Error("queue entry was not processed")
	}

	_, err = f.mgr.Allocate(context.Background(), auction.AllocateRequest{
		TournamentID: f.tournament, PlayerID: p.ID, TeamID: team.ID, FinalPrice: 1,
	})
	if !errors.Is(err, auction.ErrAlreadyAllocated) {
		t.Errorf("second Allocate() error = %v, want ErrAlreadyAllocated", err)
	}
}

func TestMarkUnallocated(t *testing.T) {
	f := newFixture(t)
	a, b := f.addPlayer(t, "A", 1), f.addPlayer(t, "B", 1)
	f.enqueue(t, a, b)

	r, err := f.mgr.MarkUnallocated(context.Background(), auction.MarkUnallocatedRequest{TournamentID: f.tournament, PlayerID: a.ID})
	if err != nil {
		t.Fatalf("MarkUnallocated() error = %v", err)
	}
	if r.Status != store.RoundCompleted || r.WinningTeamID != nil {
		t.Errorf("round = %+v, want COMPLETED without team", r)
	}
	p, _ := f.mgr.Player(context.Background(), a.ID)
	if p.Status != store.PlayerUnallocated {
		t.Errorf("status = %s, want UNALLOCATED", p.Status)
	}
	assertOrder(t, f.queuedPlayers(t), b)

	_, err = f.mgr.Undo(context.Background(), auction.UndoRequest{PlayerID: a.ID})
	if !errors.Is(err, auction.ErrNotFound) {
		t.Errorf("Undo(unallocated) error = %v, want ErrNotFound", err)
	}
}

func TestMarkUnallocated_Repeated(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.addPlayer(t, "A", 1)
	req := auction.MarkUnallocatedRequest{TournamentID: f.tournament, PlayerID: p.ID}

	if _, err := f.mgr.MarkUnallocated(ctx, req); err != nil {
		t.Fatalf("MarkUnallocated() error = %v", err)
	}
	if _, err := f.mgr.MarkUnallocated(ctx, req); !errors.Is(err, auction.ErrAlreadyUnallocated) {
		t.Fatalf("second MarkUnallocated() error = %v, want ErrAlreadyUnallocated", err)
	}
	evts, _ := f.events.LoadByType(ctx, event.RoundUnallocated)
	if len(evts) != 1 {
		t.Errorf("recorded %d unallocated rounds, want 1", len(evts))
	}

	// A re-auction round may still go unsold.
	if _, err := f.mgr.StartRound(ctx, auction.StartRoundRequest{TournamentID: f.tournament, PlayerID: p.ID}); err != nil {
		t.Fatalf("StartRound() error = %v", err)
	}
	r, err := f.mgr.MarkUnallocated(ctx, req)
	if err != nil {
		t.Fatalf("MarkUnallocated() after re-auction error = %v", err)
	}
	if r.Status != store.RoundCompleted {
		t.Errorf("re-auction round status = %s, want COMPLETED", r.Status)
	}
	evts, _ = f.events.LoadByType(ctx, event.RoundUnallocated)
	if len(evts) != 2 {
		t.Errorf("recorded %d unallocated rounds, want 2", len(evts))
	}
}

func TestUndo_RestoresBudget(t *testing.T) {
	f := newFixture(t)
	team := f.addTeam(t, "Lions", 5_000_000)
	p := f.addPlayer(t, "A", 100)
	f.enqueue(t, p)

	if _, err := f.mgr.Allocate(context.Background(), auction.AllocateRequest{
		TournamentID: f.tournament, PlayerID: p.ID, TeamID: team.ID, FinalPrice: 1_200_000,
	}); err != nil {
		t.Fatalf("Allocate() error = %v", err)
	}

	r, err := f.mgr.Undo(context.Background(), auction.UndoRequest{PlayerID: p.ID})
	if err != nil {
		t.Fatalf("Undo() error = %v", err)
	}
	if r.Status != store.RoundUndone || r.UndoneAt == nil {
		t.Errorf("round = %+v, want UNDONE", r)
	}

	got, _ := f.mgr.TeamBudget(context.Background(), team.ID)
	if got.RemainingBudget != 5_000_000 {
		t.Errorf("remaining = %d, want 5000000", got.RemainingBudget)
	}
	player, _ := f.mgr.Player(context.Background(), p.ID)
	if player.Status != store.PlayerAvailable || player.CurrentTeamID != nil {
		t.Errorf("player = %+v, want AVAILABLE without team", player)
	}

	_, err = f.mgr.Undo(context.Background(), auction.UndoRequest{PlayerID: p.ID})
	if !errors.Is(err, auction.ErrNotFound) {
		t.Errorf("second Undo() error = %v, want ErrNotFound", err)
	}

	// The player can be sold again after an undo.
	if _, err := f.mgr.Allocate(context.Background(), auction.AllocateRequest{
		TournamentID: f.tournament, PlayerID: p.ID, TeamID: team.ID, FinalPrice: 900_000,
	}); err != nil {
		t.Fatalf("re-Allocate() error = %v", err)
	}

	reports, err := f.mgr.VerifyBudgets(context.Background(), f.tournament)
	if err != nil {
		t.Fatalf("VerifyBudgets() error = %v", err)
	}
	if len(reports) != 1 || !reports[0].Consistent || reports[0].Spent != 900_000 {
		t.Errorf("reports = %+v, want one consistent report with 900000 spent", reports)
	}
}

func TestUndo_NoRounds(t *testing.T) {
	f := newFixture(t)
	p := f.addPlayer(t, "A", 1)

	_, err := f.mgr.Undo(context.Background(), auction.UndoRequest{PlayerID: p.ID})
	if !errors.Is(err, auction.ErrNotFound) {
		t.Errorf("Undo() error = %v, want ErrNotFound", err)
	}
}

func TestVerifyBudgets_ReportsDrift(t *testing.T) {
	f := newFixture(t)
	team := f.addTeam(t, "Lions", 1000)

	// Simulate an out-of-band budget edit.
	err := f.store.WithTx(context.Background(), func(tx store.Tx) error {
		return tx.Teams().SetRemainingBudget(context.Background(), team.ID, 400)
	})
	if err != nil {
		t.Fatalf("SetRemainingBudget() error = %v", err)
	}

	reports, err := f.mgr.VerifyBudgets(context.Background(), f.tournament)
	if err != nil {
		t.Fatalf("VerifyBudgets() error = %v", err)
	}
	if len(reports) != 1 || reports[0].Consistent {
		t.Errorf("reports = %+v, want one inconsistent report", reports)
	}
}

type failingEventStore struct{ event.Store }

func (failingEventStore) Append(context.Context, ...event.Event) error {
	return errors.New("audit log unavailable")
}

func TestManager_AuditFailureDoesNotFailOperation(t *testing.T) {
	clk := clock.NewFake(epoch)
	st := memstore.New(clk)
	mgr := auction.NewManager(st, failingEventStore{}, realtime.NopPublisher{}, discardLogger(), noop.NewTracerProvider(), clk)

	tid := uuid.NewString()
	p := &store.Player{TournamentID: tid, Name: "A"}
	if err := st.WithTx(context.Background(), func(tx store.Tx) error {
		return tx.Players().Create(context.Background(), p)
	}); err != nil {
		t.Fatal(err)
	}

	if _, err := mgr.Enqueue(context.Background(), auction.EnqueueRequest{TournamentID: tid, PlayerID: p.ID}); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
}

func TestWithActor_RecordedOnEvents(t *testing.T) {
	f := newFixture(t)
	p := f.addPlayer(t, "A", 1)

	ctx := auction.WithActor(context.Background(), "admin@example.com")
	if _, err := f.mgr.Enqueue(ctx, auction.EnqueueRequest{TournamentID: f.tournament, PlayerID: p.ID}); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	evts, _ := f.events.Load(context.Background(), f.tournament)
	if len(evts) != 1 || evts[0].Actor != "admin@example.com" {
		t.Errorf("events = %+v, want one event by admin@example.com", evts)
	}
}

func TestManager_LogsCarryTraceIDs(t *testing.T) {
	var buf bytes.Buffer
	clk := clock.NewFake(epoch)
	st := memstore.New(clk)
	mgr := auction.NewManager(st, memstore.NewEventStore(clk), &recordingPublisher{},
		slog.New(slog.NewJSONHandler(&buf, nil)), noop.NewTracerProvider(), clk)

	tournament := uuid.NewString()
	p := &store.Player{TournamentID: tournament, Name: "A", BasePrice: 1}
	if err := st.WithTx(context.Background(), func(tx store.Tx) error {
		return tx.Players().Create(context.Background(), p)
	}); err != nil {
		t.Fatalf("creating player: %v", err)
	}

	traceID, _ := trace.TraceIDFromHex("0af7651916cd43dd8448eb211c80319c")
	spanID, _ := trace.SpanIDFromHex("b7ad6b7169203331")
	ctx := trace.ContextWithSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	}))
	if _, err := mgr.Enqueue(ctx, auction.EnqueueRequest{TournamentID: tournament, PlayerID: p.ID}); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	out := buf.String()
	if !strings.Contains(out, `"msg":"player enqueued"`) {
		t.Fatalf("log output = %s, want the enqueue line", out)
	}
	if !strings.Contains(out, `"trace_id":"0af7651916cd43dd8448eb211c80319c"`) || !strings.Contains(out, `"span_id":"b7ad6b7169203331"`) {
		t.Errorf("log output = %s, want trace and span ids", out)
	}
}
