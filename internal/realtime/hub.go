package realtime

import (
	"context"
	"log/slog"
	"sync"
)

// Hub is an in-process Publisher and Source. Each subscriber has a buffered
// channel; a subscriber whose buffer is full misses the change.
type Hub struct {
	mu     sync.RWMutex
	subs   map[*subscription]struct{}
	buffer int
	logger *slog.Logger
}

type subscription struct {
	tournamentID string
	ch           chan Change
}

// NewHub returns a Hub with the given per-subscriber buffer size.
func NewHub(buffer int, logger *slog.Logger) *Hub {
	if buffer <= 0 {
		buffer = 64
	}
	return &Hub{
		subs:   make(map[*subscription]struct{}),
		buffer: buffer,
		logger: logger,
	}
}

// Publish delivers c to every matching subscriber without blocking.
func (h *Hub) Publish(ctx context.Context, c Change) error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for s := range h.subs {
		if !s.matches(c) {
			continue
		}
		select {
		case s.ch <- c:
		default:
			h.logger.WarnContext(ctx, "subscriber buffer full, dropping change",
				slog.String("tournament_id", c.TournamentID),
				slog.String("kind", string(c.Kind)),
			)
		}
	}
	return nil
}

// Subscribe registers a subscriber. The channel is closed after ctx is done.
func (h *Hub) Subscribe(ctx context.Context, tournamentID string) (<-chan Change, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s := &subscription{tournamentID: tournamentID, ch: make(chan Change, h.buffer)}

	h.mu.Lock()
	h.subs[s] = struct{}{}
	h.mu.Unlock()

	go func() {
		<-ctx.Done()
		h.mu.Lock()
		delete(h.subs, s)
		close(s.ch)
		h.mu.Unlock()
	}()
	return s.ch, nil
}

// Subscribers returns the number of registered subscribers.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

func (s *subscription) matches(c Change) bool {
	return s.tournamentID == "" || c.TournamentID == "" || s.tournamentID == c.TournamentID
}
