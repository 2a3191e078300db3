package event

import (
	"encoding/json"
	"time"
)

// Type identifies an event kind.
type Type string

const (
	QueueEnqueued   Type = "queue.enqueued"
	QueueRemoved    Type = "queue.removed"
	QueueReordered  Type = "queue.reordered"
	QueueRandomized Type = "queue.randomized"
	QueueProcessed  Type = "queue.processed"

	RoundStarted     Type = "round.started"
	RoundBidPlaced   Type = "round.bid_placed"
	RoundAllocated   Type = "round.allocated"
	RoundUnallocated Type = "round.unallocated"
	RoundUndone      Type = "round.undone"
)

// Event is one entry of the auction audit log.
type Event struct {
	ID          string          `json:"id" db:"id"`
	AggregateID string          `json:"aggregate_id" db:"aggregate_id"`
	Type        Type            `json:"type" db:"type"`
	Data        json.RawMessage `json:"data" db:"data"`
	Actor       string          `json:"actor,omitempty" db:"actor"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
}

// QueueData is the payload for queue events.
type QueueData struct {
	QueueItemID string `json:"queue_item_id"`
	PlayerID    string `json:"player_id"`
	Position    int    `json:"position,omitempty"`
	Count       int    `json:"count,omitempty"`
}

// RoundData is the payload for round events.
type RoundData struct {
	RoundID  string `json:"round_id"`
	PlayerID string `json:"player_id"`
	TeamID   string `json:"team_id,omitempty"`
	Price    int64  `json:"price,omitempty"`
}

// New builds an event with a JSON-encoded payload. Payloads are plain
// structs, so marshalling cannot fail.
func New(aggregateID string, t Type, actor string, payload any) Event {
	data, _ := json.Marshal(payload)
	return Event{
		AggregateID: aggregateID,
		Type:        t,
		Data:        data,
		Actor:       actor,
	}
}
