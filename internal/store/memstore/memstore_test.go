package memstore_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jensholdgaard/player-auction/internal/clock"
	"github.com/jensholdgaard/player-auction/internal/event"
	"github.com/jensholdgaard/player-auction/internal/store"
	"github.com/jensholdgaard/player-auction/internal/store/memstore"
)

var epoch = time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

func TestWithTx_RollsBackOnError(t *testing.T) {
	ctx := context.Background()
	s := memstore.New(clock.NewFake(epoch))

	team := &store.Team{TournamentID: "t1", Name: "X", InitialBudget: 100, RemainingBudget: 100}
	if err := s.WithTx(ctx, func(tx store.Tx) error { return tx.Teams().Create(ctx, team) }); err != nil {
		t.Fatalf("creating team: %v", err)
	}

	boom := errors.New("boom")
	err := s.WithTx(ctx, func(tx store.Tx) error {
		if err := tx.Teams().SetRemainingBudget(ctx, team.ID, 10); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("WithTx() error = %v, want boom", err)
	}

	_ = s.WithTx(ctx, func(tx store.Tx) error {
		got, err := tx.Teams().Get(ctx, team.ID)
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if got.RemainingBudget != 100 {
			t.Errorf("RemainingBudget = %d, want 100 after rollback", got.RemainingBudget)
		}
		return nil
	})
}

func TestWithTx_DuplicatePositionsConflictAtCommit(t *testing.T) {
	ctx := context.Background()
	s := memstore.New(clock.NewFake(epoch))

	err := s.WithTx(ctx, func(tx store.Tx) error {
		a := &store.QueueItem{TournamentID: "t1", PlayerID: "a", Position: 1}
		b := &store.QueueItem{TournamentID: "t1", PlayerID: "b", Position: 1}
		if err := tx.Queue().Insert(ctx, a); err != nil {
			return err
		}
		return tx.Queue().Insert(ctx, b)
	})
	if !errors.Is(err, store.ErrConflict) {
		t.Fatalf("WithTx() error = %v, want ErrConflict", err)
	}

	// Transient duplicates inside a unit are fine if resolved before commit.
	err = s.WithTx(ctx, func(tx store.Tx) error {
		a := &store.QueueItem{TournamentID: "t1", PlayerID: "a", Position: 1}
		b := &store.QueueItem{TournamentID: "t1", PlayerID: "b", Position: 1}
		if err := tx.Queue().Insert(ctx, a); err != nil {
			return err
		}
		if err := tx.Queue().Insert(ctx, b); err != nil {
			return err
		}
		b.Position = 2
		return tx.Queue().SetPositions(ctx, []store.QueueItem{*b})
	})
	if err != nil {
		t.Fatalf("WithTx() error = %v", err)
	}
}

func TestRounds_SingleActivePerPlayer(t *testing.T) {
	ctx := context.Background()
	s := memstore.New(clock.NewFake(epoch))

	err := s.WithTx(ctx, func(tx store.Tx) error {
		if err := tx.Rounds().Insert(ctx, &store.Round{PlayerID: "p", Status: store.RoundActive}); err != nil {
			return err
		}
		return tx.Rounds().Insert(ctx, &store.Round{PlayerID: "p", Status: store.RoundActive})
	})
	if !errors.Is(err, store.ErrConflict) {
		t.Fatalf("second active round error = %v, want ErrConflict", err)
	}
}

func TestRounds_LatestAndSumWon(t *testing.T) {
	ctx := context.Background()
	s := memstore.New(clock.NewFake(epoch))
	team := "team-x"
	price := func(v int64) *int64 { return &v }

	err := s.WithTx(ctx, func(tx store.Tx) error {
		rounds := []*store.Round{
			{PlayerID: "p1", Status: store.RoundUndone, WinningTeamID: &team, FinalPrice: price(50)},
			{PlayerID: "p1", Status: store.RoundCompleted, WinningTeamID: &team, FinalPrice: price(30)},
			{PlayerID: "p2", Status: store.RoundCompleted, WinningTeamID: &team, FinalPrice: price(20)},
			{PlayerID: "p3", Status: store.RoundCompleted, FinalPrice: price(99)},
		}
		for _, r := range rounds {
			if err := tx.Rounds().Insert(ctx, r); err != nil {
				return err
			}
		}

		latest, err := tx.Rounds().Latest(ctx, "p1")
		if err != nil {
			return err
		}
		if latest.Status != store.RoundCompleted {
			t.Errorf("Latest(p1).Status = %s, want COMPLETED", latest.Status)
		}
		sum, err := tx.Rounds().SumWon(ctx, team)
		if err != nil {
			return err
		}
		if sum != 50 {
			t.Errorf("SumWon() = %d, want 50", sum)
		}
		if _, err := tx.Rounds().Latest(ctx, "nobody"); !errors.Is(err, store.ErrNotFound) {
			t.Errorf("Latest(nobody) error = %v, want ErrNotFound", err)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WithTx() error = %v", err)
	}
}

func TestEventStore(t *testing.T) {
	ctx := context.Background()
	es := memstore.NewEventStore(clock.NewFake(epoch))

	err := es.Append(ctx,
		event.New("p1", event.RoundAllocated, "admin@example.com", event.RoundData{PlayerID: "p1", Price: 10}),
		event.New("p2", event.QueueEnqueued, "", event.QueueData{PlayerID: "p2"}),
		event.New("p1", event.RoundUndone, "admin@example.com", event.RoundData{PlayerID: "p1"}),
	)
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	loaded, err := es.Load(ctx, "p1")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(loaded) != 2 || loaded[0].Type != event.RoundAllocated || loaded[1].Type != event.RoundUndone {
		t.Errorf("Load(p1) = %+v, want allocated then undone", loaded)
	}
	if loaded[0].ID == "" || !loaded[0].CreatedAt.Equal(epoch) {
		t.Errorf("event id/created_at not populated: %+v", loaded[0])
	}

	byType, err := es.LoadByType(ctx, event.QueueEnqueued)
	if err != nil {
		t.Fatalf("LoadByType() error = %v", err)
	}
	if len(byType) != 1 {
		t.Errorf("LoadByType() returned %d events, want 1", len(byType))
	}
}
