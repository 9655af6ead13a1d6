package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dagbolade/hook-gateway/internal/approval"
	"github.com/dagbolade/hook-gateway/internal/budget"
	"github.com/dagbolade/hook-gateway/internal/eventlog"
	"github.com/dagbolade/hook-gateway/internal/hook"
	"github.com/dagbolade/hook-gateway/internal/hookscripts"
	"github.com/dagbolade/hook-gateway/internal/notify"
	"github.com/dagbolade/hook-gateway/internal/policy"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

type State string

const (
	StateCreated  State = "created"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateStopped  State = "stopped"
)

const (
	DefaultWaitTimeout    = 30 * time.Second
	DefaultMaxWaitTimeout = 120 * time.Second
)

type Config struct {
	WaitTimeout    time.Duration
	MaxWaitTimeout time.Duration
	// DefaultAction applies when an approval times out or expires:
	// hook.DecisionDeny or hook.DecisionAllow.
	DefaultAction hook.Decision
	// ExpireOnWaitTimeout expires the approval as soon as the caller's wait
	// ends instead of leaving it resolvable until the queue expiry.
	ExpireOnWaitTimeout bool

	EventRetention    time.Duration
	ApprovalRetention time.Duration
	RetentionInterval time.Duration
}

func (c *Config) setDefaults() {
	if c.WaitTimeout <= 0 {
		c.WaitTimeout = DefaultWaitTimeout
	}
	if c.MaxWaitTimeout <= 0 {
		c.MaxWaitTimeout = DefaultMaxWaitTimeout
	}
	if c.WaitTimeout > c.MaxWaitTimeout {
		c.WaitTimeout = c.MaxWaitTimeout
	}
	if c.DefaultAction != hook.DecisionAllow {
		c.DefaultAction = hook.DecisionDeny
	}
}

type Policies interface {
	Evaluate(a policy.Attributes) policy.Result
}

type Budgets interface {
	CheckAndReserve(ctx context.Context, scope hook.Scope, tool string, estimate float64) (budget.CheckResult, error)
	Release(ctx context.Context, scope hook.Scope, tool string, estimate float64) error
	Commit(ctx context.Context, scope hook.Scope, tool string, actual float64) error
}

type Approvals interface {
	Enqueue(ctx context.Context, r approval.Request) (approval.Request, error)
	Wait(ctx context.Context, id string) (approval.Request, error)
	Expire(ctx context.Context, id string) (approval.Request, error)
	ExpireAll(ctx context.Context) int
	PendingCount() int
	Recover(ctx context.Context) (int64, error)
	Cleanup(ctx context.Context, maxAge time.Duration) (int64, error)
}

type HookInstaller interface {
	Validate() hookscripts.Report
}

type Deps struct {
	Events    eventlog.Store
	Policies  Policies
	Budgets   Budgets
	Approvals Approvals
	Publisher notify.Publisher
	// Hooks is optional; Status reports its validation when set.
	Hooks  HookInstaller
	Health *Health
}

// Gateway is the synchronous decision point for hook calls. It owns no
// global state; several can run side by side over separate stores.
type Gateway struct {
	cfg       Config
	events    eventlog.Store
	policies  Policies
	budgets   Budgets
	approvals Approvals
	publisher notify.Publisher
	hooks     HookInstaller
	health    *Health

	now   func() time.Time
	newID func() string
	seen  *correlationSet

	mu        sync.Mutex
	state     State
	startedAt time.Time
	inflight  sync.WaitGroup
	active    atomic.Int64

	stopJanitor context.CancelFunc
	janitorDone chan struct{}
}

func New(cfg Config, deps Deps) (*Gateway, error) {
	if deps.Events == nil || deps.Policies == nil || deps.Budgets == nil || deps.Approvals == nil {
		return nil, errors.New("gateway requires events, policies, budgets and approvals")
	}
	if deps.Publisher == nil {
		deps.Publisher = notify.NewBroker(notify.DefaultBuffer)
	}
	if deps.Health == nil {
		deps.Health = NewHealth()
	}
	cfg.setDefaults()

	return &Gateway{
		cfg:       cfg,
		events:    deps.Events,
		policies:  deps.Policies,
		budgets:   deps.Budgets,
		approvals: deps.Approvals,
		publisher: deps.Publisher,
		hooks:     deps.Hooks,
		health:    deps.Health,
		now:       time.Now,
		newID:     func() string { return uuid.New().String() },
		seen:      newCorrelationSet(),
		state:     StateCreated,
	}, nil
}

func (g *Gateway) Start(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.state != StateCreated {
		return fmt.Errorf("gateway cannot start from state %s", g.state)
	}

	if _, err := g.approvals.Recover(ctx); err != nil {
		g.health.Flag(fmt.Errorf("recover approvals: %w", err))
	}

	jctx, cancel := context.WithCancel(context.Background())
	g.stopJanitor = cancel
	g.janitorDone = make(chan struct{})
	go g.runJanitor(jctx, g.janitorDone)

	g.state = StateRunning
	g.startedAt = g.now().UTC()

	log.Info().
		Dur("wait_timeout", g.cfg.WaitTimeout).
		Str("default_action", string(g.cfg.DefaultAction)).
		Msg("gateway started")
	return nil
}

// Stop refuses new calls, expires every pending approval so blocked callers
// get the default action, and waits for in-flight calls until ctx is done.
func (g *Gateway) Stop(ctx context.Context) error {
	g.mu.Lock()
	if g.state != StateRunning {
		g.mu.Unlock()
		return nil
	}
	g.state = StateStopping
	g.mu.Unlock()

	log.Info().Int64("in_flight", g.active.Load()).Msg("gateway stopping")

	g.approvals.ExpireAll(ctx)

	g.stopJanitor()
	<-g.janitorDone

	done := make(chan struct{})
	go func() {
		g.inflight.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = fmt.Errorf("in-flight calls did not finish: %w", ctx.Err())
		log.Warn().Int64("in_flight", g.active.Load()).Msg("gateway stop deadline reached")
	}

	g.mu.Lock()
	g.state = StateStopped
	g.mu.Unlock()

	log.Info().Msg("gateway stopped")
	return err
}

func (g *Gateway) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

func (g *Gateway) admit() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state != StateRunning {
		return false
	}
	g.inflight.Add(1)
	g.active.Add(1)
	return true
}

func (g *Gateway) leave() {
	g.active.Add(-1)
	g.inflight.Done()
}

// waitTimeout bounds a caller-supplied timeout.
func (g *Gateway) waitTimeout(requested time.Duration) time.Duration {
	if requested <= 0 {
		return g.cfg.WaitTimeout
	}
	if requested > g.cfg.MaxWaitTimeout {
		return g.cfg.MaxWaitTimeout
	}
	return requested
}
