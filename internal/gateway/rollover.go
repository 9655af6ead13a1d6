package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/dagbolade/hook-gateway/internal/budget"
	"github.com/dagbolade/hook-gateway/internal/eventlog"
	"github.com/dagbolade/hook-gateway/internal/hook"
	"github.com/dagbolade/hook-gateway/internal/notify"
	"github.com/rs/zerolog/log"
)

// RolloverRecorder returns a ledger rollover handler that keeps the closed
// window's spend in the event log.
func RolloverRecorder(events eventlog.Store, publisher notify.Publisher, health *Health) func(budget.Rollover) {
	return func(r budget.Rollover) {
		spent := r.Spent
		now := time.Now().UTC()
		e := eventlog.Event{
			CorrelationID: fmt.Sprintf("rollover:%s:%s:%s", r.ScopeKey, r.Period, r.WindowStart.UTC().Format(time.RFC3339)),
			Scope:         hook.ScopeFromKey(r.ScopeKey),
			ScopeKey:      r.ScopeKey,
			EventType:     hook.BudgetRollover,
			InputDigest:   fmt.Sprintf("%s window %s to %s, limit %.4f", r.Period, r.WindowStart.Format(time.RFC3339), r.WindowEnd.Format(time.RFC3339), r.Limit),
			Decision:      hook.DecisionAllow,
			Reason:        "window_closed",
			CostActual:    &spent,
			CreatedAt:     now,
			ResolvedAt:    &now,
		}

		if err := events.Append(context.Background(), &e); err != nil {
			log.Error().Err(err).Str("scope", r.ScopeKey).Msg("failed to record budget rollover")
			if health != nil {
				health.Flag(fmt.Errorf("record rollover: %w", err))
			}
			return
		}

		if publisher != nil {
			publisher.Publish(notify.TopicEvent, e)
			publisher.Publish(notify.TopicNotification, notify.Notice{
				Kind:    notify.KindBudgetRollover,
				Message: fmt.Sprintf("%s %s budget reset after spending %.2f", r.ScopeKey, r.Period, r.Spent),
				Scope:   r.ScopeKey,
			})
		}
	}
}
