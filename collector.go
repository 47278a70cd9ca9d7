package coffeeshop

import (
	"context"
	"time"

	"github.com/oriys/coffeeshop/internal/logging"
	"github.com/oriys/coffeeshop/table"
)

// recoveryLoop is the collection point's multicast-loss safety net: it
// periodically matches unfulfilled local orders against the table.
func (s *Shop[Q, I, O]) recoveryLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RecoveryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.recoverOnce(ctx)
		}
	}
}

// recoverOnce snapshots unfulfilled tickets under the orders lock, then does
// all table I/O outside it, in batches of at most the table's batch limit.
func (s *Shop[Q, I, O]) recoverOnce(ctx context.Context) {
	tickets := s.orders.Unfulfilled()
	if len(tickets) == 0 {
		return
	}

	for start := 0; start < len(tickets); start += table.StatusBatchLimit {
		end := start + table.StatusBatchLimit
		if end > len(tickets) {
			end = len(tickets)
		}
		flags, err := s.table.StatusBatch(ctx, tickets[start:end])
		if err != nil {
			logging.Op().Warn("recovery sweep fetch failed", "tickets", end-start, "error", err)
			continue
		}
		for ticket, success := range flags {
			if s.orders.Fulfill(ticket, success) {
				s.metrics.SweepFulfillments.Inc()
				logging.Op().Debug("order recovered from table", "ticket", ticket, "success", success)
			}
		}
	}
}

// purgeLoop bounds orders-map growth: async submissions whose clients never
// retrieve would otherwise stay resident forever.
func (s *Shop[Q, I, O]) purgeLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.PurgeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.orders.Purge(s.cfg.MaxOrderAge); n > 0 {
				s.metrics.PurgedOrders.Add(float64(n))
				logging.Op().Debug("stale orders purged", "count", n)
			}
		}
	}
}
