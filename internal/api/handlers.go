package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/jensholdgaard/player-auction/internal/access"
	"github.com/jensholdgaard/player-auction/internal/auction"
)

type enqueueBody struct {
	PlayerID  string   `json:"player_id"`
	PlayerIDs []string `json:"player_ids"`
}

type positionBody struct {
	Position int `json:"position"`
}

type roundBody struct {
	PlayerID      string `json:"player_id"`
	StartingPrice *int64 `json:"starting_price,omitempty"`
}

type allocateBody struct {
	PlayerID   string `json:"player_id"`
	TeamID     string `json:"team_id"`
	FinalPrice int64  `json:"final_price"`
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	items, err := s.Manager.Queue(r.Context(), r.PathValue("tid"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

// handleEnqueue accepts either a single player_id or a player_ids batch.
func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var body enqueueBody
	if err := decode(w, r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	tid := r.PathValue("tid")

	if len(body.PlayerIDs) > 0 {
		items, err := s.Manager.EnqueueBatch(r.Context(), auction.EnqueueBatchRequest{
			TournamentID: tid,
			PlayerIDs:    body.PlayerIDs,
		})
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, items)
		return
	}

	item, err := s.Manager.Enqueue(r.Context(), auction.EnqueueRequest{TournamentID: tid, PlayerID: body.PlayerID})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, item)
}

func (s *Server) handleRandomize(w http.ResponseWriter, r *http.Request) {
	items, err := s.Manager.Randomize(r.Context(), auction.RandomizeRequest{TournamentID: r.PathValue("tid")})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *Server) handleRemove(w http.ResponseWriter, r *http.Request) {
	if err := s.Manager.Remove(r.Context(), auction.RemoveRequest{QueueItemID: r.PathValue("id")}); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleReorder(w http.ResponseWriter, r *http.Request) {
	var body positionBody
	if err := decode(w, r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	items, err := s.Manager.Reorder(r.Context(), auction.ReorderRequest{
		QueueItemID: r.PathValue("id"),
		NewPosition: body.Position,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *Server) handleMarkProcessed(w http.ResponseWriter, r *http.Request) {
	if err := s.Manager.MarkProcessed(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSwap(w http.ResponseWriter, r *http.Request) {
	var req auction.SwapRequest
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.Manager.Swap(r.Context(), req); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStartRound(w http.ResponseWriter, r *http.Request) {
	var body roundBody
	if err := decode(w, r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	round, err := s.Manager.StartRound(r.Context(), auction.StartRoundRequest{
		TournamentID:  r.PathValue("tid"),
		PlayerID:      body.PlayerID,
		StartingPrice: body.StartingPrice,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, round)
}

func (s *Server) handleAllocate(w http.ResponseWriter, r *http.Request) {
	var body allocateBody
	if err := decode(w, r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	round, err := s.Manager.Allocate(r.Context(), auction.AllocateRequest{
		TournamentID: r.PathValue("tid"),
		PlayerID:     body.PlayerID,
		TeamID:       body.TeamID,
		FinalPrice:   body.FinalPrice,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, round)
}

func (s *Server) handleMarkUnallocated(w http.ResponseWriter, r *http.Request) {
	var body roundBody
	if err := decode(w, r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	round, err := s.Manager.MarkUnallocated(r.Context(), auction.MarkUnallocatedRequest{
		TournamentID: r.PathValue("tid"),
		PlayerID:     body.PlayerID,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, round)
}

func (s *Server) handleUndo(w http.ResponseWriter, r *http.Request) {
	round, err := s.Manager.Undo(r.Context(), auction.UndoRequest{PlayerID: r.PathValue("pid")})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, round)
}

func (s *Server) handleTeams(w http.ResponseWriter, r *http.Request) {
	teams, err := s.Manager.Teams(r.Context(), r.PathValue("tid"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, teams)
}

func (s *Server) handleTeamBudget(w http.ResponseWriter, r *http.Request) {
	team, err := s.Manager.TeamBudget(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, team)
}

func (s *Server) handleVerifyBudgets(w http.ResponseWriter, r *http.Request) {
	reports, err := s.Manager.VerifyBudgets(r.Context(), r.PathValue("tid"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, reports)
}

func (s *Server) handleRoomState(w http.ResponseWriter, r *http.Request) {
	state, err := s.Rooms.State(r.PathValue("tid"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

// openRoom creates the room on first use. Only Next does that; every other
// room command needs a room that is already open.
func (s *Server) openRoom(r *http.Request) (*auction.Room, error) {
	return s.Rooms.Open(r.Context(), r.PathValue("tid"))
}

func (s *Server) lookupRoom(r *http.Request) (*auction.Room, error) {
	return s.Rooms.Lookup(r.PathValue("tid"))
}

// roomCommand adapts a conductor command on the tournament's room.
func (s *Server) roomCommand(room func(*http.Request) (*auction.Room, error), cmd func(*auction.Room, context.Context) (auction.RoomState, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rm, err := room(r)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		state, err := cmd(rm, r.Context())
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, state)
	}
}

// handleBid places a bid for a team the caller owns. Admins may bid for any
// team.
func (s *Server) handleBid(w http.ResponseWriter, r *http.Request) {
	var req auction.BidRequest
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	id := access.FromContext(r.Context())
	if !s.Verifier.Policy().CanBidFor(id.Email, req.TeamID) {
		s.writeError(w, r, fmt.Errorf("%w: cannot bid for team %s", access.ErrForbidden, req.TeamID))
		return
	}

	room, err := s.lookupRoom(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	state, err := room.Bid(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}
