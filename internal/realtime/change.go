// Package realtime fans auction changes out to connected viewers.
//
// Changes enter a Hub from the auction manager, from Postgres LISTEN/NOTIFY,
// or from other replicas over NATS. Viewers subscribe per tournament and
// coalesce bursts into a single refresh.
package realtime

import (
	"context"
	"encoding/json"
	"time"
)

// Kind identifies which record type changed.
type Kind string

const (
	QueueChanged  Kind = "queue"
	RoundChanged  Kind = "round"
	TeamChanged   Kind = "team"
	PlayerChanged Kind = "player"
)

// Kinds lists every Kind in a stable order.
var Kinds = []Kind{QueueChanged, RoundChanged, TeamChanged, PlayerChanged}

// KindForTable maps a table name to its Kind.
func KindForTable(table string) (Kind, bool) {
	switch table {
	case "auction_queue":
		return QueueChanged, true
	case "auction_rounds":
		return RoundChanged, true
	case "teams":
		return TeamChanged, true
	case "players":
		return PlayerChanged, true
	default:
		return "", false
	}
}

// Ops carried by a Change besides the row operations INSERT, UPDATE and
// DELETE.
const (
	OpResync = "RESYNC" // the feed may have missed changes
	OpPhase  = "PHASE"
	OpBid    = "BID"
)

// Change is a single change notification. A Change with no TournamentID is
// delivered to every subscriber.
type Change struct {
	Kind         Kind            `json:"kind"`
	TournamentID string          `json:"tournament_id,omitempty"`
	Op           string          `json:"op"`
	Old          json.RawMessage `json:"old,omitempty"`
	New          json.RawMessage `json:"new,omitempty"`
	At           time.Time       `json:"at"`
	// Origin is set once a change has crossed a replica boundary.
	Origin string `json:"origin,omitempty"`
}

// Publisher accepts changes.
type Publisher interface {
	Publish(ctx context.Context, c Change) error
}

// Source delivers changes for one tournament, or for all tournaments when
// tournamentID is empty, until ctx is done.
type Source interface {
	Subscribe(ctx context.Context, tournamentID string) (<-chan Change, error)
}

// NopPublisher discards changes.
type NopPublisher struct{}

// Publish implements Publisher.
func (NopPublisher) Publish(context.Context, Change) error { return nil }
