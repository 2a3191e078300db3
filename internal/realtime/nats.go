package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

// DialNATS connects to a NATS server, reconnecting forever.
func DialNATS(url string, logger *slog.Logger) (*nats.Conn, error) {
	opts := []nats.Option{
		nats.Name("auctioneer"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("NATS disconnected", slog.Any("error", err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", slog.String("url", nc.ConnectedUrl()))
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			logger.Error("NATS error", slog.Any("error", err))
		}),
	}
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS: %w", err)
	}
	return nc, nil
}

// Conn is the part of *nats.Conn the bridge uses.
type Conn interface {
	Publish(subject string, data []byte) error
	Subscribe(subject string, cb nats.MsgHandler) (*nats.Subscription, error)
}

// NATSBridge relays changes between the local Hub and other replicas.
// Locally produced changes go out on <prefix>.<tournament>.<kind>; changes
// from other replicas are published to the Hub.
type NATSBridge struct {
	conn   Conn
	hub    *Hub
	prefix string
	id     string
	logger *slog.Logger
}

// NewNATSBridge returns a bridge with a random replica id.
func NewNATSBridge(conn Conn, hub *Hub, prefix string, logger *slog.Logger) *NATSBridge {
	return &NATSBridge{
		conn:   conn,
		hub:    hub,
		prefix: prefix,
		id:     uuid.NewString(),
		logger: logger,
	}
}

// Subject returns the subject a change is published on.
func Subject(prefix string, c Change) string {
	tid := c.TournamentID
	if tid == "" {
		tid = "_all"
	}
	tid = strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_").Replace(tid)
	return prefix + "." + tid + "." + string(c.Kind)
}

// Run relays changes until ctx is done.
func (b *NATSBridge) Run(ctx context.Context) error {
	sub, err := b.conn.Subscribe(b.prefix+".>", b.handle)
	if err != nil {
		return fmt.Errorf("subscribing to %s.>: %w", b.prefix, err)
	}
	defer func() { _ = sub.Unsubscribe() }()

	local, err := b.hub.Subscribe(ctx, "")
	if err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case c, ok := <-local:
			if !ok {
				return nil
			}
			b.forward(ctx, c)
		}
	}
}

// forward publishes locally produced changes; relayed ones already carry an
// origin and stay local.
func (b *NATSBridge) forward(ctx context.Context, c Change) {
	if c.Origin != "" {
		return
	}
	c.Origin = b.id
	data, err := json.Marshal(c)
	if err != nil {
		b.logger.ErrorContext(ctx, "encoding change", slog.Any("error", err))
		return
	}
	if err := b.conn.Publish(Subject(b.prefix, c), data); err != nil {
		b.logger.WarnContext(ctx, "publishing change to NATS", slog.Any("error", err))
	}
}

func (b *NATSBridge) handle(msg *nats.Msg) {
	var c Change
	if err := json.Unmarshal(msg.Data, &c); err != nil {
		b.logger.Warn("ignoring malformed NATS change", slog.String("subject", msg.Subject), slog.Any("error", err))
		return
	}
	if c.Origin == b.id || c.Origin == "" {
		return
	}
	_ = b.hub.Publish(context.Background(), c)
}
