package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// RetentionResult reports one retention pass.
type RetentionResult struct {
	Events         int64 `json:"events"`
	Approvals      int64 `json:"approvals"`
	CorrelationIDs int   `json:"correlation_ids"`
}

func (g *Gateway) runJanitor(ctx context.Context, done chan<- struct{}) {
	defer close(done)

	if g.cfg.RetentionInterval <= 0 {
		<-ctx.Done()
		return
	}

	ticker := time.NewTicker(g.cfg.RetentionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := g.RunRetention(ctx); err != nil {
				log.Warn().Err(err).Msg("retention pass failed")
			}
		}
	}
}

// RunRetention deletes finalized events and decided approvals past their
// retention and forgets old correlation ids.
func (g *Gateway) RunRetention(ctx context.Context) (RetentionResult, error) {
	var res RetentionResult
	var errs []error

	if g.cfg.EventRetention > 0 {
		n, err := g.events.Cleanup(ctx, g.cfg.EventRetention)
		if err != nil {
			errs = append(errs, fmt.Errorf("events: %w", err))
		}
		res.Events = n
	}

	if g.cfg.ApprovalRetention > 0 {
		n, err := g.approvals.Cleanup(ctx, g.cfg.ApprovalRetention)
		if err != nil {
			errs = append(errs, fmt.Errorf("approvals: %w", err))
		}
		res.Approvals = n
	}

	res.CorrelationIDs = g.seen.prune(g.now().Add(-dedupWindow))

	log.Info().
		Int64("events", res.Events).
		Int64("approvals", res.Approvals).
		Int("correlation_ids", res.CorrelationIDs).
		Msg("retention pass complete")

	if len(errs) > 0 {
		return res, fmt.Errorf("retention: %v", errs)
	}
	return res, nil
}
