package budget

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dagbolade/hook-gateway/internal/hook"
)

var (
	ErrInvalidPeriod = errors.New("invalid budget period")
	ErrNotFound      = errors.New("budget not found")
)

type Period string

const (
	PeriodDaily   Period = "daily"
	PeriodMonthly Period = "monthly"
	PeriodSession Period = "session"
)

func (p Period) Valid() bool {
	return p == PeriodDaily || p == PeriodMonthly || p == PeriodSession
}

// WindowStart returns the start of the window containing t. Session budgets
// have a single window that never closes, so t itself is returned.
func (p Period) WindowStart(t time.Time) time.Time {
	t = t.UTC()
	switch p {
	case PeriodDaily:
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	case PeriodMonthly:
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	}
	return t
}

// WindowEnd returns when the window starting at start closes, or the zero
// time for periods that never roll over.
func (p Period) WindowEnd(start time.Time) time.Time {
	switch p {
	case PeriodDaily:
		return start.AddDate(0, 0, 1)
	case PeriodMonthly:
		return start.AddDate(0, 1, 0)
	}
	return time.Time{}
}

// Entry is one ledger row: a limit for a scope key over one period.
type Entry struct {
	ScopeKey    string    `json:"scope_key"`
	Period      Period    `json:"period"`
	Limit       float64   `json:"limit"`
	SoftLimit   float64   `json:"soft_limit,omitempty"`
	Spent       float64   `json:"spent"`
	WindowStart time.Time `json:"window_start"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (e Entry) Remaining() float64 {
	if r := e.Limit - e.Spent; r > 0 {
		return r
	}
	return 0
}

// Limit is an admin request to create or change a ledger row.
type Limit struct {
	ScopeKey  string   `json:"scope_key"`
	Period    Period   `json:"period"`
	Limit     float64  `json:"limit"`
	SoftLimit float64  `json:"soft_limit,omitempty"`
	Spent     *float64 `json:"spent,omitempty"`
}

func (l Limit) Validate() error {
	if !hook.ValidKey(l.ScopeKey) {
		return fmt.Errorf("invalid scope key: %q", l.ScopeKey)
	}
	if !l.Period.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidPeriod, l.Period)
	}
	if l.Limit < 0 || l.SoftLimit < 0 {
		return fmt.Errorf("limits must not be negative")
	}
	if l.SoftLimit > l.Limit {
		return fmt.Errorf("soft limit %.4f exceeds limit %.4f", l.SoftLimit, l.Limit)
	}
	if l.Spent != nil && *l.Spent < 0 {
		return fmt.Errorf("spent must not be negative")
	}
	return nil
}

// CheckResult is the answer to CheckAndReserve. Remaining is +Inf for an
// unconstrained scope; callers render it, they do not marshal it.
type CheckResult struct {
	OK            bool
	Remaining     float64
	Unconstrained bool
	SoftBreached  bool
	ScopeKey      string
	Period        Period
}

// Rollover describes a window that closed. The ledger row is reset; the
// closed window's spend lives on in the event log.
type Rollover struct {
	ScopeKey    string    `json:"scope_key"`
	Period      Period    `json:"period"`
	Spent       float64   `json:"spent"`
	Limit       float64   `json:"limit"`
	WindowStart time.Time `json:"window_start"`
	WindowEnd   time.Time `json:"window_end"`
}

type Store interface {
	Load(ctx context.Context, scopeKey string) ([]Entry, error)
	List(ctx context.Context) ([]Entry, error)
	Save(ctx context.Context, e Entry) error
	Delete(ctx context.Context, scopeKey string, period Period) error
}
