package store

import (
	"context"
	"errors"
	"time"
)

// Errors shared by every driver.
var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a unit of work lost a race with a
	// concurrent one and should be retried as a whole.
	ErrConflict = errors.New("concurrent update conflict")
)

// PlayerStatus is the auction state of a player.
type PlayerStatus string

const (
	PlayerAvailable   PlayerStatus = "AVAILABLE"
	PlayerInQueue     PlayerStatus = "IN_QUEUE"
	PlayerAllocated   PlayerStatus = "ALLOCATED"
	PlayerUnallocated PlayerStatus = "UNALLOCATED"
)

// RoundStatus is the state of an auction round.
type RoundStatus string

const (
	RoundActive    RoundStatus = "ACTIVE"
	RoundCompleted RoundStatus = "COMPLETED"
	RoundUndone    RoundStatus = "UNDONE"
)

// Player is a registered player in a tournament.
type Player struct {
	ID            string       `db:"id" json:"id"`
	TournamentID  string       `db:"tournament_id" json:"tournament_id"`
	Name          string       `db:"name" json:"name"`
	BasePrice     int64        `db:"base_price" json:"base_price"`
	Status        PlayerStatus `db:"status" json:"status"`
	CurrentTeamID *string      `db:"current_team_id" json:"current_team_id,omitempty"`
	CreatedAt     time.Time    `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time    `db:"updated_at" json:"updated_at"`
}

// Team is a bidding team with its budget counters.
type Team struct {
	ID              string    `db:"id" json:"id"`
	TournamentID    string    `db:"tournament_id" json:"tournament_id"`
	Name            string    `db:"name" json:"name"`
	InitialBudget   int64     `db:"initial_budget" json:"initial_budget"`
	RemainingBudget int64     `db:"remaining_budget" json:"remaining_budget"`
	CreatedAt       time.Time `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time `db:"updated_at" json:"updated_at"`
}

// QueueItem places a player in a tournament's bidding order. Position is
// zero once the item is processed.
type QueueItem struct {
	ID           string     `db:"id" json:"id"`
	TournamentID string     `db:"tournament_id" json:"tournament_id"`
	PlayerID     string     `db:"player_id" json:"player_id"`
	Position     int        `db:"position" json:"position"`
	Processed    bool       `db:"processed" json:"processed"`
	CreatedAt    time.Time  `db:"created_at" json:"created_at"`
	ProcessedAt  *time.Time `db:"processed_at" json:"processed_at,omitempty"`
}

// Round is one bidding episode for a player.
type Round struct {
	ID            string      `db:"id" json:"id"`
	TournamentID  string      `db:"tournament_id" json:"tournament_id"`
	PlayerID      string      `db:"player_id" json:"player_id"`
	StartingPrice int64       `db:"starting_price" json:"starting_price"`
	FinalPrice    *int64      `db:"final_price" json:"final_price,omitempty"`
	WinningTeamID *string     `db:"winning_team_id" json:"winning_team_id,omitempty"`
	Status        RoundStatus `db:"status" json:"status"`
	CreatedAt     time.Time   `db:"created_at" json:"created_at"`
	CompletedAt   *time.Time  `db:"completed_at" json:"completed_at,omitempty"`
	UndoneAt      *time.Time  `db:"undone_at" json:"undone_at,omitempty"`
}

// PlayerRepository defines player persistence operations.
type PlayerRepository interface {
	Create(ctx context.Context, p *Player) error
	// Get returns the player, locking its row for the rest of the unit of work.
	Get(ctx context.Context, id string) (*Player, error)
	List(ctx context.Context, tournamentID string) ([]Player, error)
	UpdateStatus(ctx context.Context, id string, status PlayerStatus, teamID *string) error
}

// TeamRepository defines team persistence operations.
type TeamRepository interface {
	Create(ctx context.Context, t *Team) error
	// Get returns the team, locking its row for the rest of the unit of work.
	Get(ctx context.Context, id string) (*Team, error)
	List(ctx context.Context, tournamentID string) ([]Team, error)
	SetRemainingBudget(ctx context.Context, id string, remaining int64) error
}

// QueueRepository defines auction queue persistence operations.
type QueueRepository interface {
	Insert(ctx context.Context, q *QueueItem) error
	Get(ctx context.Context, id string) (*QueueItem, error)
	// FindUnprocessed returns the player's unprocessed entry or ErrNotFound.
	FindUnprocessed(ctx context.Context, tournamentID, playerID string) (*QueueItem, error)
	// ListUnprocessed returns unprocessed entries ordered by position.
	ListUnprocessed(ctx context.Context, tournamentID string) ([]QueueItem, error)
	Delete(ctx context.Context, id string) error
	// SetPositions writes the Position of every given item.
	SetPositions(ctx context.Context, items []QueueItem) error
	MarkProcessed(ctx context.Context, id string, at time.Time) error
}

// RoundRepository defines auction round persistence operations.
type RoundRepository interface {
	Insert(ctx context.Context, r *Round) error
	// Active returns the player's ACTIVE round or ErrNotFound.
	Active(ctx context.Context, playerID string) (*Round, error)
	// Latest returns the player's most recent round or ErrNotFound.
	Latest(ctx context.Context, playerID string) (*Round, error)
	Update(ctx context.Context, r *Round) error
	ListActive(ctx context.Context) ([]Round, error)
	// SumWon totals the final prices of COMPLETED rounds won by a team.
	SumWon(ctx context.Context, teamID string) (int64, error)
}

// Tx is one atomic unit of work.
type Tx interface {
	// LockTournament serializes units of work touching one tournament's
	// queue until the unit ends.
	LockTournament(ctx context.Context, tournamentID string) error
	Players() PlayerRepository
	Teams() TeamRepository
	Queue() QueueRepository
	Rounds() RoundRepository
}

// Store runs units of work. If fn returns an error nothing it wrote is kept.
type Store interface {
	WithTx(ctx context.Context, fn func(tx Tx) error) error
}
