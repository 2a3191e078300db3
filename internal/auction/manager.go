// Package auction implements the queue and allocation protocol of a player
// auction and the live rooms that drive it.
//
// Every mutating Manager operation is one store unit of work that first
// takes the tournament lock, so queue renumbering, allocation and undo
// serialize per tournament and never expose partial state.
package auction

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math/rand/v2"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"

	"github.com/jensholdgaard/player-auction/internal/clock"
	"github.com/jensholdgaard/player-auction/internal/event"
	"github.com/jensholdgaard/player-auction/internal/realtime"
	"github.com/jensholdgaard/player-auction/internal/store"
	"github.com/jensholdgaard/player-auction/internal/telemetry"
)

const tracerName = "github.com/jensholdgaard/player-auction/internal/auction"

// Manager runs queue and allocation operations against a store.
type Manager struct {
	store   store.Store
	events  event.Store
	pub     realtime.Publisher
	logger  *slog.Logger
	tracer  trace.Tracer
	metrics *telemetry.Metrics
	clock   clock.Clock

	rngMu sync.Mutex
	rng   *rand.Rand
}

// Option configures a Manager.
type Option func(*Manager)

// WithMetrics sets the instruments the Manager records to.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(mgr *Manager) { mgr.metrics = m }
}

// WithRand sets the source used by Randomize.
func WithRand(r *rand.Rand) Option {
	return func(mgr *Manager) { mgr.rng = r }
}

// NewManager creates a new Manager.
func NewManager(st store.Store, events event.Store, pub realtime.Publisher, logger *slog.Logger, tp trace.TracerProvider, clk clock.Clock, opts ...Option) *Manager {
	m := &Manager{
		store:  st,
		events: events,
		pub:    pub,
		logger: logger,
		tracer: tp.Tracer(tracerName),
		clock:  clk,
	}
	for _, o := range opts {
		o(m)
	}
	if m.metrics == nil {
		// Instrument creation only fails for invalid names.
		m.metrics, _ = telemetry.NewMetrics(metricnoop.NewMeterProvider())
	}
	if m.rng == nil {
		now := uint64(clk.Now().UnixNano())
		m.rng = rand.New(rand.NewPCG(now, now>>17))
	}
	return m
}

// effects collects what a unit of work publishes once it has committed.
type effects struct {
	events  []event.Event
	changes []realtime.Change
}

func (fx *effects) record(ctx context.Context, aggregateID string, t event.Type, payload any) {
	fx.events = append(fx.events, event.New(aggregateID, t, actorFrom(ctx), payload))
}

func (fx *effects) change(kind realtime.Kind, tournamentID, op string, before, after any) {
	c := realtime.Change{Kind: kind, TournamentID: tournamentID, Op: op}
	if before != nil {
		c.Old, _ = json.Marshal(before)
	}
	if after != nil {
		c.New, _ = json.Marshal(after)
	}
	fx.changes = append(fx.changes, c)
}

// unit runs fn as one traced unit of work and publishes its effects after
// commit. Audit and publish failures are logged, never returned.
func (m *Manager) unit(ctx context.Context, name string, attrs []attribute.KeyValue, fn func(ctx context.Context, tx store.Tx, fx *effects) error) error {
	ctx, span := m.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
	defer span.End()

	fx := &effects{}
	err := m.store.WithTx(ctx, func(tx store.Tx) error {
		fx = &effects{}
		return fn(ctx, tx, fx)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if errors.Is(err, store.ErrConflict) {
			m.metrics.Conflicts.Add(ctx, 1)
			m.log(ctx).WarnContext(ctx, "unit of work conflicted", slog.String("op", name), slog.Any("error", err))
		}
		return err
	}

	m.emit(ctx, fx)
	return nil
}

func (m *Manager) emit(ctx context.Context, fx *effects) {
	if len(fx.events) > 0 {
		if err := m.events.Append(ctx, fx.events...); err != nil {
			m.log(ctx).ErrorContext(ctx, "failed to persist audit events", slog.Any("error", err))
		}
	}
	now := m.clock.Now().UTC()
	for _, c := range fx.changes {
		c.At = now
		if err := m.pub.Publish(ctx, c); err != nil {
			m.log(ctx).WarnContext(ctx, "failed to publish change",
				slog.String("kind", string(c.Kind)),
				slog.Any("error", err),
			)
		}
	}
}

// log returns the manager's logger carrying the trace of ctx.
func (m *Manager) log(ctx context.Context) *slog.Logger {
	return telemetry.LogWithTrace(ctx, m.logger)
}

// read runs fn in a unit of work that publishes nothing.
func (m *Manager) read(ctx context.Context, fn func(tx store.Tx) error) error {
	return m.store.WithTx(ctx, fn)
}

// Player returns a player.
func (m *Manager) Player(ctx context.Context, playerID string) (*store.Player, error) {
	if err := validateID("player_id", playerID); err != nil {
		return nil, err
	}
	var p *store.Player
	err := m.read(ctx, func(tx store.Tx) error {
		var err error
		p, err = tx.Players().Get(ctx, playerID)
		return err
	})
	return p, err
}

// Teams returns a tournament's teams.
func (m *Manager) Teams(ctx context.Context, tournamentID string) ([]store.Team, error) {
	if err := validateID("tournament_id", tournamentID); err != nil {
		return nil, err
	}
	var teams []store.Team
	err := m.read(ctx, func(tx store.Tx) error {
		var err error
		teams, err = tx.Teams().List(ctx, tournamentID)
		return err
	})
	return teams, err
}

// TeamBudget returns a team with its budget counters.
func (m *Manager) TeamBudget(ctx context.Context, teamID string) (*store.Team, error) {
	if err := validateID("team_id", teamID); err != nil {
		return nil, err
	}
	var t *store.Team
	err := m.read(ctx, func(tx store.Tx) error {
		var err error
		t, err = tx.Teams().Get(ctx, teamID)
		return err
	})
	return t, err
}

func (m *Manager) hasPlayers(ctx context.Context, tournamentID string) (bool, error) {
	var n int
	err := m.read(ctx, func(tx store.Tx) error {
		players, err := tx.Players().List(ctx, tournamentID)
		n = len(players)
		return err
	})
	return n > 0, err
}

// ActiveRounds returns every ACTIVE round.
func (m *Manager) ActiveRounds(ctx context.Context) ([]store.Round, error) {
	var rounds []store.Round
	err := m.read(ctx, func(tx store.Tx) error {
		var err error
		rounds, err = tx.Rounds().ListActive(ctx)
		return err
	})
	return rounds, err
}

// BudgetReport compares a team's remaining budget with its completed rounds.
type BudgetReport struct {
	TeamID          string `json:"team_id"`
	Name            string `json:"name"`
	InitialBudget   int64  `json:"initial_budget"`
	RemainingBudget int64  `json:"remaining_budget"`
	Spent           int64  `json:"spent"`
	Consistent      bool   `json:"consistent"`
}

// VerifyBudgets checks initial - remaining = sum of won COMPLETED rounds for
// every team of a tournament.
func (m *Manager) VerifyBudgets(ctx context.Context, tournamentID string) ([]BudgetReport, error) {
	if err := validateID("tournament_id", tournamentID); err != nil {
		return nil, err
	}
	ctx, span := m.tracer.Start(ctx, "Manager.VerifyBudgets",
		trace.WithAttributes(attribute.String("tournament_id", tournamentID)),
	)
	defer span.End()

	var reports []BudgetReport
	err := m.read(ctx, func(tx store.Tx) error {
		reports = nil
		teams, err := tx.Teams().List(ctx, tournamentID)
		if err != nil {
			return err
		}
		for _, t := range teams {
			spent, err := tx.Rounds().SumWon(ctx, t.ID)
			if err != nil {
				return err
			}
			reports = append(reports, BudgetReport{
				TeamID:          t.ID,
				Name:            t.Name,
				InitialBudget:   t.InitialBudget,
				RemainingBudget: t.RemainingBudget,
				Spent:           spent,
				Consistent:      t.InitialBudget-spent == t.RemainingBudget && t.RemainingBudget >= 0,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, r := range reports {
		if !r.Consistent {
			m.log(ctx).WarnContext(ctx, "team budget drift",
				slog.String("team_id", r.TeamID),
				slog.Int64("initial", r.InitialBudget),
				slog.Int64("remaining", r.RemainingBudget),
				slog.Int64("spent", r.Spent),
			)
		}
	}
	return reports, nil
}

// ActiveRound returns a player's ACTIVE round.
func (m *Manager) ActiveRound(ctx context.Context, playerID string) (*store.Round, error) {
	if err := validateID("player_id", playerID); err != nil {
		return nil, err
	}
	var r *store.Round
	err := m.read(ctx, func(tx store.Tx) error {
		var err error
		r, err = tx.Rounds().Active(ctx, playerID)
		return err
	})
	return r, err
}
