package bot

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/bwmarrin/discordgo"

	"github.com/jensholdgaard/player-auction/internal/realtime"
	"github.com/jensholdgaard/player-auction/internal/store"
)

// Sender posts messages to a Discord channel. *discordgo.Session
// implements it.
type Sender interface {
	ChannelMessageSend(channelID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// Lookup resolves the names used in announcements.
type Lookup interface {
	Player(ctx context.Context, playerID string) (*store.Player, error)
	TeamBudget(ctx context.Context, teamID string) (*store.Team, error)
}

// seenLimit bounds the announced-round set.
const seenLimit = 1024

// Announcer posts round outcomes to the league channel. The same outcome can
// arrive from several feeds, so each is announced once.
type Announcer struct {
	sender    Sender
	channelID string
	lookup    Lookup
	logger    *slog.Logger

	mu    sync.Mutex
	seen  map[string]struct{}
	order []string
}

// NewAnnouncer creates an Announcer posting to channelID.
func NewAnnouncer(sender Sender, channelID string, lookup Lookup, logger *slog.Logger) *Announcer {
	return &Announcer{
		sender:    sender,
		channelID: channelID,
		lookup:    lookup,
		logger:    logger,
		seen:      make(map[string]struct{}),
	}
}

// Run announces outcomes from every tournament until ctx is done.
func (a *Announcer) Run(ctx context.Context, src realtime.Source) error {
	changes, err := src.Subscribe(ctx, "")
	if err != nil {
		return fmt.Errorf("subscribing to changes: %w", err)
	}
	for c := range changes {
		a.Handle(ctx, c)
	}
	return nil
}

// Handle announces c if it completes or undoes a round.
func (a *Announcer) Handle(ctx context.Context, c realtime.Change) {
	if c.Kind != realtime.RoundChanged || len(c.New) == 0 {
		return
	}
	switch c.Op {
	case realtime.OpPhase, realtime.OpBid, realtime.OpResync:
		return
	}

	var round store.Round
	if err := json.Unmarshal(c.New, &round); err != nil || round.ID == "" {
		return
	}
	if round.Status != store.RoundCompleted && round.Status != store.RoundUndone {
		return
	}
	if !a.markSeen(round.ID + ":" + string(round.Status)) {
		return
	}

	msg, err := a.message(ctx, round)
	if err != nil {
		a.logger.WarnContext(ctx, "failed to build announcement",
			slog.String("round_id", round.ID),
			slog.Any("error", err),
		)
		return
	}
	if _, err := a.sender.ChannelMessageSend(a.channelID, msg); err != nil {
		a.logger.ErrorContext(ctx, "failed to post announcement",
			slog.String("round_id", round.ID),
			slog.Any("error", err),
		)
	}
}

func (a *Announcer) message(ctx context.Context, round store.Round) (string, error) {
	player, err := a.lookup.Player(ctx, round.PlayerID)
	if err != nil {
		return "", err
	}
	if round.WinningTeamID == nil {
		return fmt.Sprintf("**%s** went unsold.", player.Name), nil
	}
	team, err := a.lookup.TeamBudget(ctx, *round.WinningTeamID)
	if err != nil {
		return "", err
	}

	var price int64
	if round.FinalPrice != nil {
		price = *round.FinalPrice
	}
	if round.Status == store.RoundUndone {
		return fmt.Sprintf("Sale of **%s** to **%s** for %d was undone.", player.Name, team.Name, price), nil
	}
	return fmt.Sprintf("**%s** sold to **%s** for %d.", player.Name, team.Name, price), nil
}

func (a *Announcer) markSeen(key string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.seen[key]; ok {
		return false
	}
	a.seen[key] = struct{}{}
	a.order = append(a.order, key)
	if len(a.order) > seenLimit {
		delete(a.seen, a.order[0])
		a.order = a.order[1:]
	}
	return true
}
