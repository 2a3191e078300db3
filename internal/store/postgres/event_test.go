package postgres_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/jensholdgaard/player-auction/internal/event"
	"github.com/jensholdgaard/player-auction/internal/store/postgres"
)

func TestEventStore_AppendAndLoad(t *testing.T) {
	db := newTestDB(t)
	es := postgres.NewEventStore(db)
	ctx := context.Background()

	aggID := "player-001"
	events := []event.Event{
		{AggregateID: aggID, Type: event.RoundStarted, Data: json.RawMessage(`{"player_id":"p1"}`)},
		{AggregateID: aggID, Type: event.RoundAllocated, Data: json.RawMessage(`{"player_id":"p1","price":100}`), Actor: "admin@example.com"},
	}

	if err := es.Append(ctx, events...); err != nil {
		t.Fatalf("Append: %v", err)
	}

	loaded, err := es.Load(ctx, aggID)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(loaded) != 2 {
		t.Fatalf("Load returned %d events, want 2", len(loaded))
	}

	// Should be in append order.
	if loaded[0].Type != event.RoundStarted || loaded[1].Type != event.RoundAllocated {
		t.Errorf("types = [%s, %s], want [%s, %s]", loaded[0].Type, loaded[1].Type, event.RoundStarted, event.RoundAllocated)
	}
	if loaded[1].Actor != "admin@example.com" {
		t.Errorf("event[1].Actor = %q, want %q", loaded[1].Actor, "admin@example.com")
	}
	if loaded[0].ID == "" || loaded[0].CreatedAt.IsZero() {
		t.Errorf("event[0] id/created_at not populated: %+v", loaded[0])
	}
}

func TestEventStore_LoadByType(t *testing.T) {
	db := newTestDB(t)
	es := postgres.NewEventStore(db)
	ctx := context.Background()

	events := []event.Event{
		event.New("p1", event.QueueEnqueued, "", event.QueueData{PlayerID: "p1", Position: 1}),
		event.New("p1", event.QueueRemoved, "", event.QueueData{PlayerID: "p1"}),
		event.New("p2", event.QueueEnqueued, "", event.QueueData{PlayerID: "p2", Position: 1}),
	}

	if err := es.Append(ctx, events...); err != nil {
		t.Fatalf("Append: %v", err)
	}

	enqueued, err := es.LoadByType(ctx, event.QueueEnqueued)
	if err != nil {
		t.Fatalf("LoadByType: %v", err)
	}
	if len(enqueued) != 2 {
		t.Fatalf("LoadByType(QueueEnqueued) returned %d, want 2", len(enqueued))
	}

	var data event.QueueData
	if err := json.Unmarshal(enqueued[1].Data, &data); err != nil {
		t.Fatalf("decoding payload: %v", err)
	}
	if data.PlayerID != "p2" {
		t.Errorf("payload player = %q, want %q", data.PlayerID, "p2")
	}
}
