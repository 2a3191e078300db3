package auction

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jensholdgaard/player-auction/internal/event"
	"github.com/jensholdgaard/player-auction/internal/phase"
	"github.com/jensholdgaard/player-auction/internal/realtime"
	"github.com/jensholdgaard/player-auction/internal/store"
	"github.com/jensholdgaard/player-auction/internal/telemetry"
)

// Outcomes of a resolved round.
const (
	OutcomeAllocated   = "allocated"
	OutcomeUnallocated = "unallocated"
)

// roomActor is recorded on audit events written when a room resolves a round.
const roomActor = "room"

// RoomState is a consistent view of a live room.
type RoomState struct {
	TournamentID string         `json:"tournament_id"`
	Round        *store.Round   `json:"round,omitempty"`
	Player       *store.Player  `json:"player,omitempty"`
	Price        int64          `json:"price"`
	LeaderTeamID string         `json:"leader_team_id,omitempty"`
	Bids         int            `json:"bids"`
	Resolved     bool           `json:"resolved"`
	Outcome      string         `json:"outcome,omitempty"`
	LastError    string         `json:"last_error,omitempty"`
	Timer        phase.Snapshot `json:"timer"`
}

// Rooms holds the live room of every tournament. Rooms only run between
// Start and the cancellation of the context passed to it; elsewhere Open
// and Lookup return ErrNotLeading. Rooms are created by conductor commands
// and Recover only.
type Rooms struct {
	mgr       *Manager
	durations phase.Durations
	tick      time.Duration
	logger    *slog.Logger
	tracer    trace.Tracer

	mu    sync.Mutex
	ctx   context.Context
	gen   uint64
	rooms map[string]*Room
}

// NewRooms creates a stopped registry.
func NewRooms(mgr *Manager, d phase.Durations, tick time.Duration, logger *slog.Logger, tp trace.TracerProvider) *Rooms {
	return &Rooms{
		mgr:       mgr,
		durations: d,
		tick:      tick,
		logger:    logger,
		tracer:    tp.Tracer(tracerName),
		rooms:     make(map[string]*Room),
	}
}

// Start runs rooms until ctx is done and re-attaches rounds that were
// ACTIVE when the previous leader stopped.
func (rs *Rooms) Start(ctx context.Context) error {
	rs.mu.Lock()
	rs.gen++
	gen := rs.gen
	rs.ctx = ctx
	rs.rooms = make(map[string]*Room)
	rs.mu.Unlock()

	go func() {
		<-ctx.Done()
		rs.mu.Lock()
		defer rs.mu.Unlock()
		if rs.gen == gen {
			rs.ctx = nil
			rs.rooms = make(map[string]*Room)
		}
		rs.logger.Info("live rooms stopped")
	}()

	return rs.Recover(ctx)
}

// Running reports whether rooms are accepting commands.
func (rs *Rooms) Running() bool {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.ctx != nil
}

// Lookup returns the tournament's room without creating one. A tournament
// nobody has opened yet reports ErrNoActiveRound.
func (rs *Rooms) Lookup(tournamentID string) (*Room, error) {
	if err := validateID("tournament_id", tournamentID); err != nil {
		return nil, err
	}

	rs.mu.Lock()
	defer rs.mu.Unlock()
	if rs.ctx == nil {
		return nil, ErrNotLeading
	}
	r, ok := rs.rooms[tournamentID]
	if !ok {
		return nil, ErrNoActiveRound
	}
	return r, nil
}

// State returns the tournament's room state, or an idle state in the
// initial phase when it has no room.
func (rs *Rooms) State(tournamentID string) (RoomState, error) {
	r, err := rs.Lookup(tournamentID)
	switch {
	case errors.Is(err, ErrNoActiveRound):
		return RoomState{
			TournamentID: tournamentID,
			Timer:        phase.Snapshot{Phase: phase.Initial, Remaining: int(rs.durations.Initial / time.Second)},
		}, nil
	case err != nil:
		return RoomState{}, err
	}
	return r.State(), nil
}

// Len returns the number of open rooms.
func (rs *Rooms) Len() int {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return len(rs.rooms)
}

// Open returns the tournament's room, creating it on first use. Only
// tournaments with registered players get a room.
func (rs *Rooms) Open(ctx context.Context, tournamentID string) (*Room, error) {
	r, err := rs.Lookup(tournamentID)
	if !errors.Is(err, ErrNoActiveRound) {
		return r, err
	}

	known, err := rs.mgr.hasPlayers(ctx, tournamentID)
	if err != nil {
		return nil, err
	}
	if !known {
		return nil, fmt.Errorf("tournament %s has no players: %w", tournamentID, ErrNotFound)
	}
	return rs.open(tournamentID)
}

func (rs *Rooms) open(tournamentID string) (*Room, error) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if rs.ctx == nil {
		return nil, ErrNotLeading
	}
	if r, ok := rs.rooms[tournamentID]; ok {
		return r, nil
	}

	r, err := newRoom(rs.ctx, tournamentID, rs.mgr, rs.durations, rs.tick, rs.logger, rs.tracer)
	if err != nil {
		return nil, err
	}
	rs.rooms[tournamentID] = r
	go r.seq.Run(rs.ctx)
	return r, nil
}

// Recover re-attaches every ACTIVE round to a paused room in the initial
// phase. Timer state does not survive a restart, so the conductor resumes
// bidding explicitly.
func (rs *Rooms) Recover(ctx context.Context) error {
	ctx, span := rs.tracer.Start(ctx, "Rooms.Recover")
	defer span.End()

	rounds, err := rs.mgr.ActiveRounds(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("listing active rounds: %w", err)
	}

	for i := range rounds {
		round := rounds[i]
		room, err := rs.open(round.TournamentID)
		if err != nil {
			return err
		}
		player, err := rs.mgr.Player(ctx, round.PlayerID)
		if err != nil {
			return fmt.Errorf("loading player %s: %w", round.PlayerID, err)
		}
		if !room.attach(&round, player) {
			telemetry.LogWithTrace(ctx, rs.logger).WarnContext(ctx, "tournament has more than one active round",
				slog.String("tournament_id", round.TournamentID),
				slog.String("round_id", round.ID),
			)
			continue
		}
		telemetry.LogWithTrace(ctx, rs.logger).InfoContext(ctx, "recovered active round",
			slog.String("tournament_id", round.TournamentID),
			slog.String("round_id", round.ID),
			slog.String("player_id", round.PlayerID),
		)
	}
	span.SetAttributes(attribute.Int("rounds", len(rounds)))
	return nil
}

// Room conducts bidding for one tournament: it walks the queue, accepts
// bids and resolves each round when its sequencer completes.
//
// Sequencer listeners never take the room lock, so room methods may drive
// the sequencer while holding it.
type Room struct {
	tournamentID string
	mgr          *Manager
	seq          *phase.Sequencer
	logger       *slog.Logger
	tracer       trace.Tracer
	ctx          context.Context

	mu       sync.Mutex
	round    *store.Round
	player   *store.Player
	price    int64
	leader   string
	bids     int
	resolved bool
	outcome  string
	lastErr  string
}

func newRoom(ctx context.Context, tournamentID string, mgr *Manager, d phase.Durations, tick time.Duration, logger *slog.Logger, tracer trace.Tracer) (*Room, error) {
	logger = logger.With(slog.String("tournament_id", tournamentID))
	seq, err := phase.NewSequencer(d, mgr.clock, phase.WithTickInterval(tick), phase.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	r := &Room{
		tournamentID: tournamentID,
		mgr:          mgr,
		seq:          seq,
		logger:       logger,
		tracer:       tracer,
		ctx:          ctx,
	}
	seq.OnPhaseChange(r.publishPhase)
	seq.OnComplete(func() { go r.resolveCompleted() })
	return r, nil
}

func (r *Room) log(ctx context.Context) *slog.Logger {
	return telemetry.LogWithTrace(ctx, r.logger)
}

// attach adopts a round that is already ACTIVE. It reports false when the
// room already has an unresolved round.
func (r *Room) attach(round *store.Round, player *store.Player) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.round != nil && !r.resolved {
		return false
	}
	r.setRoundLocked(round, player)
	r.seq.Reset()
	return true
}

func (r *Room) setRoundLocked(round *store.Round, player *store.Player) {
	r.round = round
	r.player = player
	r.price = round.StartingPrice
	r.leader = ""
	r.bids = 0
	r.resolved = false
	r.outcome = ""
	r.lastErr = ""
}

// Next starts bidding on the player at the head of the queue.
func (r *Room) Next(ctx context.Context) (RoomState, error) {
	ctx, span := r.tracer.Start(ctx, "Room.Next",
		trace.WithAttributes(attribute.String("tournament_id", r.tournamentID)),
	)
	defer span.End()

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.settleLocked(ctx); err != nil {
		span.RecordError(err)
		return r.stateLocked(), err
	}

	queue, err := r.mgr.Queue(ctx, r.tournamentID)
	if err != nil {
		return r.stateLocked(), err
	}
	if len(queue) == 0 {
		return r.stateLocked(), ErrQueueEmpty
	}
	head := queue[0]

	round, err := r.mgr.StartRound(ctx, StartRoundRequest{
		TournamentID: r.tournamentID,
		PlayerID:     head.PlayerID,
	})
	if errors.Is(err, ErrRoundActive) {
		// Opened by hand through the API; bid on it here.
		round, err = r.mgr.ActiveRound(ctx, head.PlayerID)
		if err == nil {
			r.log(ctx).InfoContext(ctx, "adopted active round", slog.String("round_id", round.ID))
		}
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return r.stateLocked(), err
	}
	player, err := r.mgr.Player(ctx, head.PlayerID)
	if err != nil {
		return r.stateLocked(), err
	}

	r.setRoundLocked(round, player)
	r.seq.Reset()
	r.seq.Start()

	r.log(ctx).InfoContext(ctx, "bidding opened",
		slog.String("player_id", player.ID),
		slog.Int64("starting_price", round.StartingPrice),
	)
	return r.stateLocked(), nil
}

// settleLocked makes sure the previous round is resolved before the next
// one starts.
func (r *Room) settleLocked(ctx context.Context) error {
	if r.round == nil || r.resolved {
		return nil
	}
	if r.seq.Phase() != phase.Complete {
		return ErrRoundInProgress
	}

	// The conductor may have resolved the round by hand after a failure.
	if _, err := r.mgr.ActiveRound(ctx, r.round.PlayerID); errors.Is(err, ErrNotFound) {
		r.resolved = true
		r.lastErr = ""
		return nil
	}

	r.resolveLocked(ctx)
	if !r.resolved {
		return fmt.Errorf("%w: %s", ErrRoundInProgress, r.lastErr)
	}
	return nil
}

// Bid places a bid for a team. The first bid may equal the starting price;
// later bids must exceed the current price. The team's budget is checked
// here for early feedback and again when the round is allocated.
func (r *Room) Bid(ctx context.Context, req BidRequest) (RoomState, error) {
	if err := Validate(req); err != nil {
		return RoomState{}, err
	}

	ctx, span := r.tracer.Start(ctx, "Room.Bid", trace.WithAttributes(
		attribute.String("tournament_id", r.tournamentID),
		attribute.String("team_id", req.TeamID),
		attribute.Int64("amount", req.Amount),
	))
	defer span.End()

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.checkBidLocked(ctx, req); err != nil {
		span.RecordError(err)
		return r.stateLocked(), err
	}
	if err := r.seq.Bid(); err != nil {
		if errors.Is(err, phase.ErrComplete) {
			return r.stateLocked(), ErrRoundClosed
		}
		return r.stateLocked(), err
	}

	r.price = req.Amount
	r.leader = req.TeamID
	r.bids++
	r.mgr.metrics.Bids.Add(ctx, 1)

	fx := &effects{}
	fx.record(ctx, r.round.ID, event.RoundBidPlaced, event.RoundData{
		RoundID:  r.round.ID,
		PlayerID: r.round.PlayerID,
		TeamID:   req.TeamID,
		Price:    req.Amount,
	})
	state := r.stateLocked()
	fx.change(realtime.RoundChanged, r.tournamentID, realtime.OpBid, nil, state)
	r.mgr.emit(ctx, fx)

	r.log(ctx).InfoContext(ctx, "bid placed",
		slog.String("player_id", r.round.PlayerID),
		slog.String("team_id", req.TeamID),
		slog.Int64("amount", req.Amount),
	)
	return state, nil
}

func (r *Room) checkBidLocked(ctx context.Context, req BidRequest) error {
	if r.round == nil || r.resolved {
		return ErrNoActiveRound
	}
	if r.seq.Phase() == phase.Complete {
		return ErrRoundClosed
	}
	if r.leader == req.TeamID {
		return ErrSelfOutbid
	}
	floor := r.price
	if r.bids > 0 {
		floor++
	}
	if req.Amount < floor {
		return fmt.Errorf("%w: %d, current price is %d", ErrBidTooLow, req.Amount, r.price)
	}

	team, err := r.mgr.TeamBudget(ctx, req.TeamID)
	if err != nil {
		return err
	}
	if team.TournamentID != r.tournamentID {
		return fmt.Errorf("%w: team %s is not in tournament %s", ErrValidation, team.ID, r.tournamentID)
	}
	if req.Amount > team.RemainingBudget {
		r.mgr.metrics.BudgetRejections.Add(ctx, 1)
		return &InsufficientBudgetError{
			TeamID:    team.ID,
			Required:  req.Amount,
			Available: team.RemainingBudget,
		}
	}
	return nil
}

// Pause freezes the countdown.
func (r *Room) Pause(ctx context.Context) (RoomState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.round == nil || r.resolved {
		return r.stateLocked(), ErrNoActiveRound
	}
	r.seq.Pause()
	r.log(ctx).InfoContext(ctx, "bidding paused")
	return r.publishStateLocked(ctx), nil
}

// Resume restarts a paused countdown.
func (r *Room) Resume(ctx context.Context) (RoomState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.round == nil || r.resolved {
		return r.stateLocked(), ErrNoActiveRound
	}
	r.seq.Start()
	r.log(ctx).InfoContext(ctx, "bidding resumed")
	return r.publishStateLocked(ctx), nil
}

// Skip ends the current phase early.
func (r *Room) Skip(ctx context.Context) (RoomState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.round == nil || r.resolved {
		return r.stateLocked(), ErrNoActiveRound
	}
	if err := r.seq.Skip(); err != nil {
		if errors.Is(err, phase.ErrComplete) {
			return r.stateLocked(), ErrRoundClosed
		}
		return r.stateLocked(), err
	}
	return r.stateLocked(), nil
}

// State returns the current room state.
func (r *Room) State() RoomState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stateLocked()
}

func (r *Room) stateLocked() RoomState {
	s := RoomState{
		TournamentID: r.tournamentID,
		Price:        r.price,
		LeaderTeamID: r.leader,
		Bids:         r.bids,
		Resolved:     r.resolved,
		Outcome:      r.outcome,
		LastError:    r.lastErr,
		Timer:        r.seq.Snapshot(),
	}
	if r.round != nil {
		round := *r.round
		s.Round = &round
	}
	if r.player != nil {
		player := *r.player
		s.Player = &player
	}
	return s
}

func (r *Room) publishStateLocked(ctx context.Context) RoomState {
	state := r.stateLocked()
	r.publish(ctx, realtime.OpPhase, state)
	return state
}

// publishPhase runs as a sequencer listener and must not take r.mu.
func (r *Room) publishPhase(snap phase.Snapshot) {
	r.publish(r.ctx, realtime.OpPhase, snap)
}

func (r *Room) publish(ctx context.Context, op string, payload any) {
	data, _ := json.Marshal(payload)
	c := realtime.Change{
		Kind:         realtime.RoundChanged,
		TournamentID: r.tournamentID,
		Op:           op,
		New:          data,
		At:           r.mgr.clock.Now().UTC(),
	}
	if err := r.mgr.pub.Publish(ctx, c); err != nil {
		r.log(ctx).WarnContext(ctx, "failed to publish room change", slog.Any("error", err))
	}
}

// resolveCompleted runs after the sequencer completes. A round that Next
// already settled is left alone.
func (r *Room) resolveCompleted() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.round == nil || r.resolved || r.seq.Phase() != phase.Complete {
		return
	}
	r.resolveLocked(r.ctx)
}

// resolveLocked allocates the player to the leading team, or marks them
// unallocated when nobody bid.
func (r *Room) resolveLocked(ctx context.Context) {
	ctx = WithActor(ctx, roomActor)
	ctx, span := r.tracer.Start(ctx, "Room.resolve", trace.WithAttributes(
		attribute.String("tournament_id", r.tournamentID),
		attribute.String("round_id", r.round.ID),
	))
	defer span.End()

	var (
		err     error
		outcome string
	)
	if r.leader != "" {
		outcome = OutcomeAllocated
		_, err = r.mgr.Allocate(ctx, AllocateRequest{
			TournamentID: r.tournamentID,
			PlayerID:     r.round.PlayerID,
			TeamID:       r.leader,
			FinalPrice:   r.price,
		})
	} else {
		outcome = OutcomeUnallocated
		_, err = r.mgr.MarkUnallocated(ctx, MarkUnallocatedRequest{
			TournamentID: r.tournamentID,
			PlayerID:     r.round.PlayerID,
		})
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.lastErr = err.Error()
		r.log(ctx).ErrorContext(ctx, "failed to resolve round",
			slog.String("round_id", r.round.ID),
			slog.String("outcome", outcome),
			slog.Any("error", err),
		)
		r.publishStateLocked(ctx)
		return
	}

	r.resolved = true
	r.outcome = outcome
	r.lastErr = ""
	r.log(ctx).InfoContext(ctx, "round resolved",
		slog.String("round_id", r.round.ID),
		slog.String("outcome", outcome),
		slog.String("team_id", r.leader),
		slog.Int64("price", r.price),
	)
	r.publishStateLocked(ctx)
}
