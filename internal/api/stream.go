package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jensholdgaard/player-auction/internal/auction"
	"github.com/jensholdgaard/player-auction/internal/realtime"
)

// Stream message types.
const (
	MsgHello   = "hello"
	MsgRefresh = "refresh"
	MsgRoom    = "room"
	MsgStatus  = "status"
)

// Message is sent to websocket viewers. A refresh tells the viewer which
// record kinds to refetch; room messages carry live room updates as-is.
type Message struct {
	Type          string          `json:"type"`
	Generation    uint64          `json:"generation,omitempty"`
	Kinds         []realtime.Kind `json:"kinds,omitempty"`
	Op            string          `json:"op,omitempty"`
	Data          json.RawMessage `json:"data,omitempty"`
	FeedConnected bool            `json:"feed_connected"`
}

const maxReadBytes = 4096

// handleStream upgrades to a websocket that receives the tournament's
// changes. Row changes are coalesced into refresh messages; room updates are
// forwarded immediately.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	tid := r.PathValue("tid")
	if err := auction.Validate(struct {
		TournamentID string `validate:"required,uuid"`
	}{tid}); err != nil {
		s.writeError(w, r, err)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied.
		s.Logger.DebugContext(r.Context(), "websocket upgrade failed", slog.Any("error", err))
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changes, err := s.Source.Subscribe(ctx, tid)
	if err != nil {
		s.Logger.ErrorContext(r.Context(), "subscribing to changes", slog.Any("error", err))
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "subscribe failed"),
			time.Now().Add(s.writeTimeout))
		_ = conn.Close()
		return
	}

	st := &stream{
		srv:  s,
		conn: conn,
		out:  make(chan Message, 16),
	}
	st.coalescer = realtime.NewCoalescer(s.Clock, s.rt.Debounce, s.rt.MaxWait, st.refresh,
		realtime.WithRefreshCounter(s.Metrics.RealtimeRefreshes))

	s.Logger.DebugContext(r.Context(), "viewer connected", slog.String("tournament_id", tid))
	st.send(ctx, st.hello(tid))
	go st.readPump(cancel)
	go st.route(ctx, changes)
	st.writePump(ctx)

	st.coalescer.Stop()
	s.Logger.DebugContext(r.Context(), "viewer disconnected", slog.String("tournament_id", tid))
}

type stream struct {
	srv       *Server
	conn      *websocket.Conn
	out       chan Message
	coalescer *realtime.Coalescer
}

func (st *stream) feedConnected() bool {
	if st.srv.FeedConnected == nil {
		return true
	}
	return st.srv.FeedConnected()
}

func (st *stream) hello(tid string) Message {
	msg := Message{Type: MsgHello, FeedConnected: st.feedConnected()}
	if state, err := st.srv.Rooms.State(tid); err == nil {
		msg.Data, _ = json.Marshal(state)
	}
	return msg
}

// send queues msg, dropping it when the viewer has gone away.
func (st *stream) send(ctx context.Context, msg Message) {
	select {
	case st.out <- msg:
	case <-ctx.Done():
	}
}

// refresh is the coalescer callback. It gives up once a newer refresh
// supersedes it.
func (st *stream) refresh(ctx context.Context, r realtime.Refresh) {
	msg := Message{
		Type:          MsgRefresh,
		Generation:    r.Generation,
		Kinds:         r.Kinds,
		FeedConnected: st.feedConnected(),
	}
	select {
	case st.out <- msg:
	case <-ctx.Done():
	}
}

// route splits incoming changes between the coalescer and direct room
// messages.
func (st *stream) route(ctx context.Context, changes <-chan realtime.Change) {
	for {
		select {
		case <-ctx.Done():
			return
		case c, ok := <-changes:
			if !ok {
				return
			}
			switch c.Op {
			case realtime.OpPhase, realtime.OpBid:
				st.send(ctx, Message{Type: MsgRoom, Op: c.Op, Data: c.New, FeedConnected: st.feedConnected()})
			case realtime.OpResync:
				st.send(ctx, Message{Type: MsgStatus, FeedConnected: st.feedConnected()})
				for _, k := range realtime.Kinds {
					st.coalescer.Add(k)
				}
			default:
				st.coalescer.Add(c.Kind)
			}
		}
	}
}

// readPump discards viewer messages and notices when the connection closes.
func (st *stream) readPump(cancel context.CancelFunc) {
	defer cancel()
	st.conn.SetReadLimit(maxReadBytes)
	_ = st.conn.SetReadDeadline(time.Now().Add(2 * st.srv.pingInterval))
	st.conn.SetPongHandler(func(string) error {
		return st.conn.SetReadDeadline(time.Now().Add(2 * st.srv.pingInterval))
	})
	for {
		if _, _, err := st.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				st.srv.Logger.Debug("websocket read failed", slog.Any("error", err))
			}
			return
		}
	}
}

// writePump is the only writer on the connection. It pings the viewer and
// reports feed status changes between refreshes.
func (st *stream) writePump(ctx context.Context) {
	ticker := st.srv.Clock.NewTicker(st.srv.pingInterval)
	defer func() {
		ticker.Stop()
		_ = st.conn.Close()
	}()

	lastFeed := st.feedConnected()
	for {
		select {
		case <-ctx.Done():
			_ = st.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				st.deadline())
			return
		case msg := <-st.out:
			lastFeed = msg.FeedConnected
			if err := st.write(msg); err != nil {
				return
			}
		case <-ticker.Chan():
			if feed := st.feedConnected(); feed != lastFeed {
				lastFeed = feed
				if err := st.write(Message{Type: MsgStatus, FeedConnected: feed}); err != nil {
					return
				}
			}
			if err := st.conn.WriteControl(websocket.PingMessage, nil, st.deadline()); err != nil {
				if !errors.Is(err, websocket.ErrCloseSent) {
					st.srv.Logger.Debug("websocket ping failed", slog.Any("error", err))
				}
				return
			}
		}
	}
}

func (st *stream) write(msg Message) error {
	_ = st.conn.SetWriteDeadline(st.deadline())
	if err := st.conn.WriteJSON(msg); err != nil {
		st.srv.Logger.Debug("websocket write failed", slog.Any("error", err))
		return err
	}
	return nil
}

// deadline uses wall time: socket deadlines are enforced by the OS.
func (st *stream) deadline() time.Time {
	return time.Now().Add(st.srv.writeTimeout)
}
