package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/bwmarrin/discordgo"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jensholdgaard/player-auction/internal/auction"
	"github.com/jensholdgaard/player-auction/internal/store"
)

// queueListLimit caps how many queued players /queue lists.
const queueListLimit = 10

// Auction is the read side of the auction manager used by the commands.
type Auction interface {
	Queue(ctx context.Context, tournamentID string) ([]store.QueueItem, error)
	Teams(ctx context.Context, tournamentID string) ([]store.Team, error)
	Player(ctx context.Context, playerID string) (*store.Player, error)
}

// Rooms reads live room state. It never opens a room.
type Rooms interface {
	State(tournamentID string) (auction.RoomState, error)
}

// Handlers process Discord interactions.
type Handlers struct {
	auction Auction
	rooms   Rooms
	logger  *slog.Logger
	tracer  trace.Tracer
}

// NewHandlers creates new command handlers.
func NewHandlers(a Auction, rooms Rooms, logger *slog.Logger, tp trace.TracerProvider) *Handlers {
	return &Handlers{
		auction: a,
		rooms:   rooms,
		logger:  logger,
		tracer:  tp.Tracer("github.com/jensholdgaard/player-auction/internal/bot/commands"),
	}
}

func tournamentOption() *discordgo.ApplicationCommandOption {
	return &discordgo.ApplicationCommandOption{
		Type:        discordgo.ApplicationCommandOptionString,
		Name:        "tournament",
		Description: "Tournament ID",
		Required:    true,
	}
}

// SlashCommands returns the slash command definitions.
func SlashCommands() []*discordgo.ApplicationCommand {
	return []*discordgo.ApplicationCommand{
		{
			Name:        "auction-status",
			Description: "Show the player under the hammer and the leading bid",
			Options:     []*discordgo.ApplicationCommandOption{tournamentOption()},
		},
		{
			Name:        "queue",
			Description: "List the next players in the auction queue",
			Options:     []*discordgo.ApplicationCommandOption{tournamentOption()},
		},
		{
			Name:        "budgets",
			Description: "List every team's remaining budget",
			Options:     []*discordgo.ApplicationCommandOption{tournamentOption()},
		},
	}
}

// InteractionCreate handles incoming slash command interactions.
func (h *Handlers) InteractionCreate(s *discordgo.Session, i *discordgo.InteractionCreate) {
	if i.Type != discordgo.InteractionApplicationCommand {
		return
	}
	data := i.ApplicationCommandData()
	opts := make(map[string]string, len(data.Options))
	for _, o := range data.Options {
		opts[o.Name] = o.StringValue()
	}
	respond(s, i, h.Execute(context.Background(), data.Name, opts))
}

// Execute runs a command and returns the reply.
func (h *Handlers) Execute(ctx context.Context, name string, opts map[string]string) string {
	ctx, span := h.tracer.Start(ctx, "InteractionCreate",
		trace.WithAttributes(attribute.String("command", name)),
	)
	defer span.End()

	tournamentID := opts["tournament"]
	switch name {
	case "auction-status":
		return h.handleStatus(ctx, tournamentID)
	case "queue":
		return h.handleQueue(ctx, tournamentID)
	case "budgets":
		return h.handleBudgets(ctx, tournamentID)
	default:
		return "Unknown command"
	}
}

func (h *Handlers) handleStatus(ctx context.Context, tournamentID string) string {
	st, err := h.rooms.State(tournamentID)
	if errors.Is(err, auction.ErrNotLeading) {
		return "The auction room is starting up, try again shortly."
	}
	if err != nil {
		return h.failure(ctx, "status", err)
	}

	if st.Player == nil {
		return "No player is up for auction."
	}
	if st.Resolved {
		return fmt.Sprintf("Bidding on **%s** has closed (%s).", st.Player.Name, st.Outcome)
	}
	if st.LeaderTeamID == "" {
		return fmt.Sprintf("**%s** is up, opening at %d. No bids yet (%s, %ds left).",
			st.Player.Name, st.Price, st.Timer.Phase, st.Timer.Remaining)
	}
	return fmt.Sprintf("**%s** is up. Leading bid **%d** after %d bids (%s, %ds left).",
		st.Player.Name, st.Price, st.Bids, st.Timer.Phase, st.Timer.Remaining)
}

func (h *Handlers) handleQueue(ctx context.Context, tournamentID string) string {
	queue, err := h.auction.Queue(ctx, tournamentID)
	if err != nil {
		return h.failure(ctx, "queue", err)
	}
	if len(queue) == 0 {
		return "The queue is empty."
	}

	var b strings.Builder
	fmt.Fprintf(&b, "**Next up** (%d queued):\n", len(queue))
	for _, q := range queue[:min(len(queue), queueListLimit)] {
		name := q.PlayerID
		if p, err := h.auction.Player(ctx, q.PlayerID); err == nil {
			name = p.Name
		}
		fmt.Fprintf(&b, "%d. %s\n", q.Position, name)
	}
	return b.String()
}

func (h *Handlers) handleBudgets(ctx context.Context, tournamentID string) string {
	teams, err := h.auction.Teams(ctx, tournamentID)
	if err != nil {
		return h.failure(ctx, "budgets", err)
	}
	if len(teams) == 0 {
		return "No teams registered yet."
	}

	var b strings.Builder
	b.WriteString("**Budgets:**\n")
	for _, t := range teams {
		fmt.Fprintf(&b, "%s: %d of %d left\n", t.Name, t.RemainingBudget, t.InitialBudget)
	}
	return b.String()
}

func (h *Handlers) failure(ctx context.Context, cmd string, err error) string {
	if errors.Is(err, auction.ErrValidation) {
		return "That does not look like a tournament ID."
	}
	h.logger.ErrorContext(ctx, "command failed", slog.String("command", cmd), slog.Any("error", err))
	return "Something went wrong, please try again."
}

func respond(s *discordgo.Session, i *discordgo.InteractionCreate, msg string) {
	_ = s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Content: msg,
		},
	})
}
