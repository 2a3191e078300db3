package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/lib/pq"

	"github.com/jensholdgaard/player-auction/internal/clock"
)

// ErrDisconnected is reported while the change feed connection is down.
var ErrDisconnected = errors.New("change feed disconnected")

// OriginPostgres marks changes read from the database feed. Every replica
// listens to the feed itself, so these are never relayed.
const OriginPostgres = "postgres"

// PGListener forwards Postgres notifications to a Publisher.
type PGListener struct {
	listener     *pq.Listener
	channel      string
	pub          Publisher
	clock        clock.Clock
	logger       *slog.Logger
	pingInterval time.Duration
	connected    atomic.Bool
}

// NewPGListener connects to dsn and listens on channel.
func NewPGListener(dsn, channel string, pub Publisher, clk clock.Clock, logger *slog.Logger) (*PGListener, error) {
	l := &PGListener{
		channel:      channel,
		pub:          pub,
		clock:        clk,
		logger:       logger,
		pingInterval: 90 * time.Second,
	}
	l.listener = pq.NewListener(dsn, 10*time.Second, time.Minute, l.onEvent)
	if err := l.listener.Listen(channel); err != nil {
		l.listener.Close()
		return nil, fmt.Errorf("listening on channel %s: %w", channel, err)
	}
	l.connected.Store(true)

	logger.Info("listening for change notifications", slog.String("channel", channel))
	return l, nil
}

// Run forwards notifications until ctx is done, then closes the connection.
func (l *PGListener) Run(ctx context.Context) error {
	ping := l.clock.NewTicker(l.pingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return l.listener.Close()
		case note := <-l.listener.Notify:
			if note == nil {
				// Reconnected; anything sent meanwhile is lost.
				l.publish(ctx, Change{Kind: QueueChanged, Op: OpResync, At: l.clock.Now().UTC()})
				continue
			}
			c, err := ParseNotification(note.Extra, l.clock.Now().UTC())
			if err != nil {
				l.logger.WarnContext(ctx, "ignoring change notification", slog.Any("error", err))
				continue
			}
			l.publish(ctx, c)
		case <-ping.Chan():
			if err := l.listener.Ping(); err != nil {
				l.logger.WarnContext(ctx, "change feed ping failed", slog.Any("error", err))
			}
		}
	}
}

// Connected reports whether the listener currently holds a connection.
func (l *PGListener) Connected() bool { return l.connected.Load() }

// Check is a health check for the change feed.
func (l *PGListener) Check(context.Context) error {
	if !l.Connected() {
		return ErrDisconnected
	}
	return nil
}

func (l *PGListener) publish(ctx context.Context, c Change) {
	c.Origin = OriginPostgres
	if err := l.pub.Publish(ctx, c); err != nil {
		l.logger.ErrorContext(ctx, "publishing change", slog.Any("error", err))
	}
}

func (l *PGListener) onEvent(ev pq.ListenerEventType, err error) {
	switch ev {
	case pq.ListenerEventConnected, pq.ListenerEventReconnected:
		l.connected.Store(true)
		l.logger.Info("change feed connected", slog.String("channel", l.channel))
	case pq.ListenerEventDisconnected, pq.ListenerEventConnectionAttemptFailed:
		l.connected.Store(false)
		l.logger.Warn("change feed disconnected", slog.String("channel", l.channel), slog.Any("error", err))
	}
}

type notification struct {
	Table        string          `json:"table"`
	Op           string          `json:"op"`
	TournamentID string          `json:"tournament_id"`
	Old          json.RawMessage `json:"old"`
	New          json.RawMessage `json:"new"`
}

// ParseNotification decodes a trigger payload of the form
// {"table", "op", "tournament_id", "old", "new"}.
func ParseNotification(payload string, at time.Time) (Change, error) {
	var n notification
	if err := json.Unmarshal([]byte(payload), &n); err != nil {
		return Change{}, fmt.Errorf("decoding notification: %w", err)
	}
	kind, ok := KindForTable(n.Table)
	if !ok {
		return Change{}, fmt.Errorf("unknown table %q", n.Table)
	}
	return Change{
		Kind:         kind,
		TournamentID: n.TournamentID,
		Op:           n.Op,
		Old:          nullToEmpty(n.Old),
		New:          nullToEmpty(n.New),
		At:           at,
	}, nil
}

func nullToEmpty(raw json.RawMessage) json.RawMessage {
	if string(raw) == "null" {
		return nil
	}
	return raw
}
