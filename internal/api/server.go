// Package api exposes the auction over HTTP and streams changes to viewers
// over websockets.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/cors"
	metricnoop "go.opentelemetry.io/otel/metric/noop"

	"github.com/jensholdgaard/player-auction/internal/access"
	"github.com/jensholdgaard/player-auction/internal/auction"
	"github.com/jensholdgaard/player-auction/internal/clock"
	"github.com/jensholdgaard/player-auction/internal/config"
	"github.com/jensholdgaard/player-auction/internal/health"
	"github.com/jensholdgaard/player-auction/internal/phase"
	"github.com/jensholdgaard/player-auction/internal/realtime"
	"github.com/jensholdgaard/player-auction/internal/telemetry"
)

const maxBodyBytes = 1 << 20

// Deps are the services the API serves.
type Deps struct {
	Manager  *auction.Manager
	Rooms    *auction.Rooms
	Source   realtime.Source
	Verifier *access.Verifier
	Health   *health.Handler
	Clock    clock.Clock
	Logger   *slog.Logger
	Metrics  *telemetry.Metrics
	// FeedConnected reports the state of the database change feed. Nil
	// means there is no feed to lose.
	FeedConnected func() bool
}

// Server routes HTTP requests to the auction.
type Server struct {
	Deps
	cfg      config.ServerConfig
	rt       config.RealtimeConfig
	upgrader websocket.Upgrader

	pingInterval time.Duration
	writeTimeout time.Duration
}

// New creates a Server.
func New(cfg config.ServerConfig, rt config.RealtimeConfig, d Deps) *Server {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Metrics == nil {
		// The noop provider never fails.
		d.Metrics, _ = telemetry.NewMetrics(metricnoop.NewMeterProvider())
	}
	s := &Server{
		Deps:         d,
		cfg:          cfg,
		rt:           rt,
		pingInterval: 30 * time.Second,
		writeTimeout: 10 * time.Second,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// Handler returns the root handler with CORS and identity middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.Health.LivenessHandler())
	mux.HandleFunc("GET /readyz", s.Health.ReadinessHandler())
	mux.HandleFunc("GET /api/me", s.handleMe)

	// Queue.
	mux.HandleFunc("GET /api/tournaments/{tid}/queue", s.handleQueue)
	mux.HandleFunc("POST /api/tournaments/{tid}/queue", access.Require(access.Admin, s.handleEnqueue))
	mux.HandleFunc("POST /api/tournaments/{tid}/queue/randomize", access.Require(access.Admin, s.handleRandomize))
	mux.HandleFunc("DELETE /api/queue/{id}", access.Require(access.Admin, s.handleRemove))
	mux.HandleFunc("POST /api/queue/{id}/position", access.Require(access.Admin, s.handleReorder))
	mux.HandleFunc("POST /api/queue/{id}/processed", access.Require(access.Admin, s.handleMarkProcessed))
	mux.HandleFunc("POST /api/queue/swap", access.Require(access.Admin, s.handleSwap))

	// Allocation.
	mux.HandleFunc("POST /api/tournaments/{tid}/rounds", access.Require(access.Admin, s.handleStartRound))
	mux.HandleFunc("POST /api/tournaments/{tid}/allocations", access.Require(access.Admin, s.handleAllocate))
	mux.HandleFunc("POST /api/tournaments/{tid}/unallocated", access.Require(access.Admin, s.handleMarkUnallocated))
	mux.HandleFunc("POST /api/players/{pid}/undo", access.Require(access.Admin, s.handleUndo))

	// Teams.
	mux.HandleFunc("GET /api/tournaments/{tid}/teams", s.handleTeams)
	mux.HandleFunc("GET /api/tournaments/{tid}/budgets/verify", access.Require(access.Admin, s.handleVerifyBudgets))
	mux.HandleFunc("GET /api/teams/{id}/budget", s.handleTeamBudget)

	// Live room.
	mux.HandleFunc("GET /api/tournaments/{tid}/room", s.handleRoomState)
	mux.HandleFunc("POST /api/tournaments/{tid}/room/next", access.Require(access.Admin, s.roomCommand(s.openRoom, (*auction.Room).Next)))
	mux.HandleFunc("POST /api/tournaments/{tid}/room/pause", access.Require(access.Admin, s.roomCommand(s.lookupRoom, (*auction.Room).Pause)))
	mux.HandleFunc("POST /api/tournaments/{tid}/room/resume", access.Require(access.Admin, s.roomCommand(s.lookupRoom, (*auction.Room).Resume)))
	mux.HandleFunc("POST /api/tournaments/{tid}/room/skip", access.Require(access.Admin, s.roomCommand(s.lookupRoom, (*auction.Room).Skip)))
	mux.HandleFunc("POST /api/tournaments/{tid}/room/bids", access.Require(access.TeamOwner, s.handleBid))

	mux.HandleFunc("GET /ws/tournaments/{tid}", s.handleStream)

	c := cors.New(cors.Options{
		AllowedOrigins:   s.cfg.AllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodDelete},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
	})
	return c.Handler(s.Verifier.Middleware(withActor(mux)))
}

// withActor records the caller on audit events.
func withActor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id := access.FromContext(r.Context()); id.Email != "" {
			r = r.WithContext(auction.WithActor(r.Context(), id.Email))
		}
		next.ServeHTTP(w, r)
	})
}

// checkOrigin allows configured origins, or same-host requests when none
// are configured.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if len(s.cfg.AllowedOrigins) == 0 {
		u, err := url.Parse(origin)
		return err == nil && u.Host == r.Host
	}
	return slices.Contains(s.cfg.AllowedOrigins, "*") || slices.Contains(s.cfg.AllowedOrigins, origin)
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, access.FromContext(r.Context()))
}

// errorBody is the JSON error envelope.
type errorBody struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	Retry     bool   `json:"retry,omitempty"`
	Required  *int64 `json:"required,omitempty"`
	Available *int64 `json:"available,omitempty"`
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	body := errorBody{Message: err.Error()}
	status := http.StatusInternalServerError

	var budgetErr *auction.InsufficientBudgetError
	switch {
	case errors.As(err, &budgetErr):
		status, body.Error = http.StatusConflict, "insufficient_budget"
		body.Required, body.Available = &budgetErr.Required, &budgetErr.Available
	case errors.Is(err, auction.ErrValidation):
		status, body.Error = http.StatusBadRequest, "validation"
	case errors.Is(err, auction.ErrNotFound):
		status, body.Error = http.StatusNotFound, "not_found"
	case errors.Is(err, auction.ErrConflict):
		status, body.Error, body.Retry = http.StatusConflict, "conflict", true
	case errors.Is(err, auction.ErrAlreadyAllocated),
		errors.Is(err, auction.ErrAlreadyUnallocated),
		errors.Is(err, auction.ErrRoundActive),
		errors.Is(err, auction.ErrRoundInProgress),
		errors.Is(err, auction.ErrQueueEmpty),
		errors.Is(err, auction.ErrNoActiveRound),
		errors.Is(err, auction.ErrRoundClosed),
		errors.Is(err, auction.ErrBidTooLow),
		errors.Is(err, auction.ErrSelfOutbid):
		status, body.Error = http.StatusConflict, "invalid_state"
	case errors.Is(err, access.ErrForbidden):
		status, body.Error = http.StatusForbidden, "forbidden"
	case errors.Is(err, access.ErrUnauthenticated):
		status, body.Error = http.StatusUnauthorized, "unauthenticated"
	case errors.Is(err, auction.ErrNotLeading):
		status, body.Error, body.Retry = http.StatusServiceUnavailable, "not_leading", true
	case errors.Is(err, phase.ErrConfiguration):
		body.Error = "configuration"
	default:
		body.Error = "internal"
	}

	if status >= http.StatusInternalServerError {
		s.Logger.ErrorContext(r.Context(), "request failed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Any("error", err),
		)
		body.Message = http.StatusText(status)
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// decode reads a JSON body into dst. Malformed bodies are validation errors.
func decode(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: malformed body: %w", auction.ErrValidation, err)
	}
	return nil
}
