package telemetry

import (
	"fmt"

	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the auction's instruments.
type Metrics struct {
	Allocations       metric.Int64Counter
	Unallocated       metric.Int64Counter
	Undos             metric.Int64Counter
	Bids              metric.Int64Counter
	BudgetRejections  metric.Int64Counter
	Conflicts         metric.Int64Counter
	RealtimeRefreshes metric.Int64Counter
}

// NewMetrics creates the instruments from mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	meter := mp.Meter("github.com/jensholdgaard/player-auction")

	var (
		m   Metrics
		err error
	)
	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.Allocations, "auction.allocations", "Players allocated to a team."},
		{&m.Unallocated, "auction.unallocated", "Rounds that ended without a winning team."},
		{&m.Undos, "auction.undos", "Allocations reversed."},
		{&m.Bids, "auction.bids", "Bids accepted in live rooms."},
		{&m.BudgetRejections, "auction.budget_rejections", "Allocations or bids rejected for insufficient budget."},
		{&m.Conflicts, "auction.conflicts", "Units of work that lost a race and must be retried."},
		{&m.RealtimeRefreshes, "realtime.refreshes", "Coalesced refreshes sent to viewers."},
	}
	for _, c := range counters {
		*c.dst, err = meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, fmt.Errorf("creating counter %s: %w", c.name, err)
		}
	}
	return &m, nil
}
