package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/XSAM/otelsql"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/jensholdgaard/player-auction/internal/clock"
	"github.com/jensholdgaard/player-auction/internal/config"
	"github.com/jensholdgaard/player-auction/internal/store"
)

func init() {
	store.Register("postgres", open)
}

// closerFunc adapts a func() error into an io.Closer.
type closerFunc func() error

func (f closerFunc) Close() error { return f() }

func open(ctx context.Context, cfg config.DatabaseConfig, clk clock.Clock) (*store.Repositories, error) {
	db, err := Connect(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &store.Repositories{
		Store:  New(db, clk),
		Events: NewEventStore(db),
		Closer: closerFunc(db.Close),
		Ping:   db.PingContext,
	}, nil
}

// Connect opens and verifies a Postgres connection with OTEL instrumentation.
func Connect(ctx context.Context, cfg config.DatabaseConfig) (*sqlx.DB, error) {
	dsn := cfg.DSN()

	// Register the OTel-instrumented driver wrapping lib/pq.
	driverName, err := otelsql.Register("postgres",
		otelsql.WithAttributes(semconv.DBSystemPostgreSQL),
	)
	if err != nil {
		return nil, fmt.Errorf("registering otel driver: %w", err)
	}

	db, err := sqlx.ConnectContext(ctx, driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	return db, nil
}

// Store implements store.Store with one database transaction per unit of
// work.
type Store struct {
	db    *sqlx.DB
	clock clock.Clock
}

// New returns a Store over db.
func New(db *sqlx.DB, clk clock.Clock) *Store {
	return &Store{db: db, clock: clk}
}

// WithTx runs fn in a READ COMMITTED transaction. Row and advisory locks taken
// through tx are held until fn returns.
func (s *Store) WithTx(ctx context.Context, fn func(tx store.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", mapError(err))
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `SET LOCAL lock_timeout = '5s'`); err != nil {
		return fmt.Errorf("setting lock timeout: %w", mapError(err))
	}

	if err := fn(&txn{tx: tx, clock: s.clock}); err != nil {
		return mapError(err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", mapError(err))
	}
	return nil
}

// Postgres error codes that mean the unit of work lost a race.
const (
	codeUniqueViolation      = "23505"
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
	codeLockNotAvailable     = "55P03"
)

// mapError turns lost races into store.ErrConflict and missing rows into
// store.ErrNotFound.
func mapError(err error) error {
	if err == nil || errors.Is(err, store.ErrConflict) || errors.Is(err, store.ErrNotFound) {
		return err
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %w", store.ErrNotFound, err)
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case codeUniqueViolation, codeSerializationFailure, codeDeadlockDetected, codeLockNotAvailable:
			return fmt.Errorf("%w: %w", store.ErrConflict, err)
		}
	}
	return err
}

type txn struct {
	tx    *sqlx.Tx
	clock clock.Clock
}

// LockTournament takes a transaction-scoped advisory lock keyed by the
// tournament id.
func (t *txn) LockTournament(ctx context.Context, tournamentID string) error {
	if _, err := t.tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, tournamentID); err != nil {
		return fmt.Errorf("locking tournament %s: %w", tournamentID, mapError(err))
	}
	return nil
}

func (t *txn) Players() store.PlayerRepository { return &PlayerRepo{tx: t.tx, clock: t.clock} }

func (t *txn) Teams() store.TeamRepository { return &TeamRepo{tx: t.tx, clock: t.clock} }

func (t *txn) Queue() store.QueueRepository { return &QueueRepo{tx: t.tx, clock: t.clock} }

func (t *txn) Rounds() store.RoundRepository { return &RoundRepo{tx: t.tx, clock: t.clock} }
