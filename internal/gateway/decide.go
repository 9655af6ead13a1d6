package gateway

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/dagbolade/hook-gateway/internal/approval"
	"github.com/dagbolade/hook-gateway/internal/eventlog"
	"github.com/dagbolade/hook-gateway/internal/hook"
	"github.com/dagbolade/hook-gateway/internal/notify"
	"github.com/dagbolade/hook-gateway/internal/policy"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// call carries one hook call through Decide.
type call struct {
	payload   hook.Payload
	event     eventlog.Event
	persisted bool
	finalized bool

	reserved    bool
	reservation float64

	logger zerolog.Logger
}

// Decide answers one hook call. It never returns an error: every failure
// resolves to a deny so the caller always receives a decision in time.
func (g *Gateway) Decide(ctx context.Context, p hook.Payload, timeout time.Duration) (resp hook.Response) {
	if !g.admit() {
		return hook.Response{Decision: hook.ResponseDeny, Reason: hook.ReasonShutdown, CorrelationID: p.CorrelationID}
	}
	defer g.leave()

	if err := p.Validate(); err != nil {
		log.Warn().Err(err).Str("correlation_id", p.CorrelationID).Msg("rejecting invalid hook payload")
		return hook.Response{Decision: hook.ResponseDeny, Reason: hook.ReasonInvalidPayload, CorrelationID: p.CorrelationID}
	}

	correlationID := p.CorrelationID
	if correlationID == "" {
		correlationID = p.ToolUseCorrelationID()
	}
	if correlationID == "" {
		correlationID = g.newID()
	}
	if !g.seen.add(correlationID, g.now()) {
		return g.duplicate(correlationID)
	}

	scope := p.Scope()
	c := &call{
		payload: p,
		event: eventlog.Event{
			CorrelationID: correlationID,
			Scope:         scope,
			ScopeKey:      scope.Key(),
			EventType:     p.EventType,
			ToolName:      p.ToolName,
			InputDigest:   eventlog.Digest(p.InputSummary, p.ToolInput),
			Decision:      hook.DecisionPending,
			CostEstimate:  p.CostEstimate,
			CostActual:    p.CostActual,
			CreatedAt:     g.now().UTC(),
		},
	}
	c.logger = log.With().
		Str("correlation_id", correlationID).
		Str("event_type", string(p.EventType)).
		Str("tool", p.ToolName).
		Str("scope", c.event.ScopeKey).
		Logger()

	defer func() {
		if r := recover(); r != nil {
			c.logger.Error().Interface("panic", r).Bytes("stack", debug.Stack()).Msg("decision panicked, denying")
			g.health.Flag(fmt.Errorf("decide panic: %v", r))
			resp = g.finish(ctx, c, hook.DecisionError, hook.ResponseDeny, hook.ReasonInternalError)
		}
	}()

	// Audit writes outlive a caller that hangs up.
	dbCtx := context.WithoutCancel(ctx)

	if err := g.events.Append(dbCtx, &c.event); err != nil {
		if errors.Is(err, eventlog.ErrDuplicate) {
			return g.duplicate(correlationID)
		}
		c.logger.Error().Err(err).Bool("flagged", true).Msg("failed to record event, continuing in memory")
		g.health.Flag(fmt.Errorf("append event: %w", err))
	} else {
		c.persisted = true
	}

	return g.decide(ctx, c, timeout)
}

func (g *Gateway) decide(ctx context.Context, c *call, timeout time.Duration) hook.Response {
	p := c.payload
	scope := c.event.Scope

	// The tool already ran; its cost is spent whatever policy says now.
	if p.EventType == hook.PostToolUse && p.CostActual != nil {
		if err := g.budgets.Commit(ctx, scope, p.ToolName, *p.CostActual); err != nil {
			c.logger.Error().Err(err).Msg("failed to commit cost")
			g.health.Flag(fmt.Errorf("commit cost: %w", err))
		}
	}

	result := g.policies.Evaluate(policy.Attributes{EventType: p.EventType, ToolName: p.ToolName, Scope: scope})
	if result.Matched {
		switch result.Action {
		case policy.ActionAllow:
			return g.finish(ctx, c, hook.DecisionAllow, hook.ResponseAllow, result.Reason())
		case policy.ActionDeny:
			return g.finish(ctx, c, hook.DecisionDeny, hook.ResponseDeny, result.Reason())
		}
	}

	if !p.EventType.Gating() {
		return g.finish(ctx, c, hook.DecisionAllow, hook.ResponseAllow, hook.ReasonObserved)
	}

	var estimate float64
	if p.CostEstimate != nil {
		estimate = *p.CostEstimate
	}

	check, err := g.budgets.CheckAndReserve(ctx, scope, p.ToolName, estimate)
	switch {
	case err != nil:
		// Without a ledger answer the call is not auto-allowed; a human decides.
		c.logger.Error().Err(err).Msg("budget check failed, routing to approval")
		g.health.Flag(fmt.Errorf("budget check: %w", err))
	case !check.OK:
		c.logger.Info().Float64("remaining", check.Remaining).Float64("estimate", estimate).Msg("budget exceeded")
		g.publisher.Publish(notify.TopicNotification, notify.Notice{
			Kind:          notify.KindBudgetExceeded,
			Message:       fmt.Sprintf("%s blocked: %s %s budget exhausted", describeCall(p), check.ScopeKey, check.Period),
			Scope:         check.ScopeKey,
			CorrelationID: c.event.CorrelationID,
		})
		return g.finish(ctx, c, hook.DecisionDeny, hook.ResponseDeny, hook.ReasonBudgetExceeded)
	default:
		if !check.Unconstrained {
			c.reserved = true
			c.reservation = estimate
		}
		if check.SoftBreached {
			g.publisher.Publish(notify.TopicNotification, notify.Notice{
				Kind:          notify.KindBudgetSoftLimit,
				Message:       fmt.Sprintf("%s soft limit reached, %.2f remaining", check.ScopeKey, check.Remaining),
				Scope:         check.ScopeKey,
				CorrelationID: c.event.CorrelationID,
			})
		}
	}

	return g.ask(ctx, c, result, timeout)
}

// ask holds the call for a human decision, bounded by the wait timeout.
func (g *Gateway) ask(ctx context.Context, c *call, result policy.Result, timeout time.Duration) hook.Response {
	req, err := g.approvals.Enqueue(ctx, approval.Request{
		CorrelationID:  c.event.CorrelationID,
		Scope:          c.event.Scope,
		ScopeKey:       c.event.ScopeKey,
		RequestType:    string(c.payload.EventType),
		ToolName:       c.payload.ToolName,
		RequestDetails: c.event.InputDigest,
		Reason:         result.Reason(),
	})
	if err != nil {
		c.logger.Warn().Err(err).Msg("could not enqueue approval")
		return g.finish(ctx, c, hook.DecisionDeny, hook.ResponseDeny, hook.ReasonShutdown)
	}
	c.event.ApprovalID = req.ID

	waitCtx, cancel := context.WithTimeout(ctx, g.waitTimeout(timeout))
	defer cancel()

	got, err := g.approvals.Wait(waitCtx, req.ID)
	if err != nil {
		cause := hook.ReasonApprovalTimeout
		if errors.Is(ctx.Err(), context.Canceled) {
			cause = hook.ReasonCallerCanceled
		}
		c.logger.Info().Err(err).Str("approval_id", req.ID).Str("cause", cause).Msg("approval wait ended without a decision")
		if g.cfg.ExpireOnWaitTimeout {
			if _, err := g.approvals.Expire(context.WithoutCancel(ctx), req.ID); err != nil {
				c.logger.Warn().Err(err).Str("approval_id", req.ID).Msg("failed to expire approval")
			}
		}
		return g.fallback(ctx, c, cause)
	}

	switch got.Status {
	case approval.StatusApproved:
		return g.finish(ctx, c, hook.DecisionAllow, hook.ResponseAskThenAllow, hook.ReasonApproved)
	case approval.StatusDenied:
		return g.finish(ctx, c, hook.DecisionDeny, hook.ResponseAskThenDeny, hook.ReasonDenied)
	case approval.StatusExpired:
		return g.fallback(ctx, c, hook.ReasonApprovalExpired)
	}

	c.logger.Error().Str("status", string(got.Status)).Msg("approval wait returned a non-terminal state")
	return g.fallback(ctx, c, hook.ReasonApprovalTimeout)
}

// fallback applies the configured default action, annotating why.
func (g *Gateway) fallback(ctx context.Context, c *call, cause string) hook.Response {
	reason := fmt.Sprintf("%s: defaulted to %s", cause, g.cfg.DefaultAction)
	if g.cfg.DefaultAction == hook.DecisionAllow {
		return g.finish(ctx, c, hook.DecisionAllow, hook.ResponseAskThenAllow, reason)
	}
	return g.finish(ctx, c, hook.DecisionDeny, hook.ResponseAskThenDeny, reason)
}

// finish finalizes the event once, releases a reservation the call will not
// spend and publishes the finalized event.
func (g *Gateway) finish(ctx context.Context, c *call, decision hook.Decision, response, reason string) hook.Response {
	resp := hook.Response{
		Decision:      response,
		Reason:        reason,
		ApprovalID:    c.event.ApprovalID,
		CorrelationID: c.event.CorrelationID,
	}
	if c.finalized {
		return resp
	}
	c.finalized = true

	dbCtx := context.WithoutCancel(ctx)

	if c.reserved && !resp.Allowed() {
		if err := g.budgets.Release(dbCtx, c.event.Scope, c.payload.ToolName, c.reservation); err != nil {
			c.logger.Error().Err(err).Msg("failed to release budget reservation")
			g.health.Flag(fmt.Errorf("release reservation: %w", err))
		}
	}

	f := eventlog.Finalization{
		Decision:   decision,
		Reason:     reason,
		ApprovalID: c.event.ApprovalID,
		CostActual: c.payload.CostActual,
		ResolvedAt: g.now().UTC(),
	}
	f.Apply(&c.event)

	if err := g.persistFinal(dbCtx, c, f); err != nil {
		c.logger.Error().Err(err).Bool("flagged", true).Msg("failed to persist decision")
		g.health.Flag(fmt.Errorf("finalize event: %w", err))
	}

	c.logger.Info().
		Str("decision", response).
		Str("reason", reason).
		Str("approval_id", c.event.ApprovalID).
		Msg("hook call decided")

	g.publisher.Publish(notify.TopicEvent, c.event)
	return resp
}

// persistFinal writes the decision, retrying once. An event whose pending
// row never made it to the store is written whole instead.
func (g *Gateway) persistFinal(ctx context.Context, c *call, f eventlog.Finalization) error {
	write := func() error {
		if c.persisted {
			return g.events.Finalize(ctx, c.event.CorrelationID, f)
		}
		ev := c.event
		return g.events.Append(ctx, &ev)
	}

	err := write()
	if err == nil || errors.Is(err, eventlog.ErrAlreadyFinalized) {
		return nil
	}
	c.logger.Warn().Err(err).Msg("retrying decision write")
	return write()
}

func (g *Gateway) duplicate(correlationID string) hook.Response {
	log.Warn().Str("correlation_id", correlationID).Msg("duplicate correlation id rejected")
	return hook.Response{Decision: hook.ResponseDeny, Reason: hook.ReasonDuplicate, CorrelationID: correlationID}
}

func describeCall(p hook.Payload) string {
	if p.ToolName != "" {
		return fmt.Sprintf("%s %s", p.EventType, p.ToolName)
	}
	return string(p.EventType)
}
