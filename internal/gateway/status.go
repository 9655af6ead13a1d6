package gateway

import (
	"context"
	"time"

	"github.com/dagbolade/hook-gateway/internal/hookscripts"
)

type Status struct {
	State               State               `json:"state"`
	StartedAt           *time.Time          `json:"started_at,omitempty"`
	Uptime              string              `json:"uptime,omitempty"`
	InFlight            int64               `json:"in_flight"`
	PendingApprovals    int                 `json:"pending_approvals"`
	PersistenceFailures int64               `json:"persistence_failures"`
	LastError           string              `json:"last_error,omitempty"`
	LastErrorAt         *time.Time          `json:"last_error_at,omitempty"`
	DefaultAction       string              `json:"default_action"`
	WaitTimeout         string              `json:"wait_timeout"`
	Notifications       *NotificationStatus `json:"notifications,omitempty"`
	Hooks               *hookscripts.Report `json:"hooks,omitempty"`
}

type NotificationStatus struct {
	Subscribers int    `json:"subscribers"`
	Published   uint64 `json:"published"`
	Dropped     uint64 `json:"dropped"`
}

type brokerStats interface {
	Subscribers() int
	Published() uint64
	Dropped() uint64
}

// Status is the operator-facing health signal. Healthy() is false while
// persistence failures have been flagged.
func (g *Gateway) Status(ctx context.Context) Status {
	g.mu.Lock()
	s := Status{State: g.state}
	if !g.startedAt.IsZero() {
		started := g.startedAt
		s.StartedAt = &started
		s.Uptime = g.now().Sub(started).Round(time.Second).String()
	}
	g.mu.Unlock()

	s.InFlight = g.active.Load()
	s.PendingApprovals = g.approvals.PendingCount()
	s.PersistenceFailures = g.health.Failures()
	if msg, at := g.health.LastError(); msg != "" {
		s.LastError = msg
		s.LastErrorAt = &at
	}
	s.DefaultAction = string(g.cfg.DefaultAction)
	s.WaitTimeout = g.cfg.WaitTimeout.String()

	if b, ok := g.publisher.(brokerStats); ok {
		s.Notifications = &NotificationStatus{
			Subscribers: b.Subscribers(),
			Published:   b.Published(),
			Dropped:     b.Dropped(),
		}
	}

	if g.hooks != nil {
		report := g.hooks.Validate()
		s.Hooks = &report
	}

	return s
}

func (s Status) Healthy() bool {
	return s.State == StateRunning && s.PersistenceFailures == 0
}
