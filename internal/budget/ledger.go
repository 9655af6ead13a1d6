package budget

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/dagbolade/hook-gateway/internal/hook"
	"github.com/rs/zerolog/log"
)

// Ledger tracks spend per scope key. Each key has its own lock; no call
// holds more than one, so scopes never contend with each other.
type Ledger struct {
	store  Store
	now    func() time.Time
	scopes sync.Map // scope key -> *scopeState

	onRollover func(Rollover)
	onFailure  func(error)
}

type scopeState struct {
	mu      sync.Mutex
	loaded  bool
	entries map[Period]*Entry
	// reservations holds outstanding PreToolUse estimates per tool, oldest first.
	reservations map[string][]float64
}

type Option func(*Ledger)

func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithRolloverHandler is called, outside any ledger lock, for every window
// that closes.
func WithRolloverHandler(fn func(Rollover)) Option {
	return func(l *Ledger) { l.onRollover = fn }
}

// WithFailureHandler is called when a ledger write could not be persisted.
// The in-memory ledger stays authoritative.
func WithFailureHandler(fn func(error)) Option {
	return func(l *Ledger) { l.onFailure = fn }
}

func NewLedger(store Store, opts ...Option) *Ledger {
	l := &Ledger{store: store, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// CheckAndReserve checks estimate against every period configured for the
// most specific budgeted key of scope and, when it fits, adds it to spent.
// A scope with no budget rows is unconstrained.
func (l *Ledger) CheckAndReserve(ctx context.Context, scope hook.Scope, tool string, estimate float64) (CheckResult, error) {
	if estimate < 0 || math.IsNaN(estimate) {
		return CheckResult{}, fmt.Errorf("invalid estimate: %v", estimate)
	}

	key, st, err := l.lockConfigured(ctx, scope)
	if err != nil {
		return CheckResult{}, err
	}
	if st == nil {
		return CheckResult{OK: true, Unconstrained: true, Remaining: math.Inf(1), ScopeKey: scope.Key()}, nil
	}

	rolled := l.rollLocked(st)

	result := CheckResult{OK: true, Remaining: math.Inf(1), ScopeKey: key}
	for _, e := range st.sortedLocked() {
		if r := e.Remaining(); r < result.Remaining {
			result.Remaining = r
			result.Period = e.Period
		}
		if e.Spent >= e.Limit || e.Spent+estimate > e.Limit {
			result.OK = false
			result.Period = e.Period
		}
	}

	var dirty []Entry
	if result.OK {
		now := l.now().UTC()
		result.Remaining = math.Inf(1)
		for _, e := range st.sortedLocked() {
			e.Spent += estimate
			e.UpdatedAt = now
			if e.SoftLimit > 0 && e.Spent >= e.SoftLimit {
				result.SoftBreached = true
			}
			if r := e.Remaining(); r < result.Remaining {
				result.Remaining = r
			}
			dirty = append(dirty, *e)
		}
		st.reservations[tool] = append(st.reservations[tool], estimate)
	}
	l.persistLocked(ctx, dirty)
	st.mu.Unlock()

	l.emitRollovers(rolled)
	return result, nil
}

// Release undoes a reservation that will never be committed, for example
// because the call was denied after reserving.
func (l *Ledger) Release(ctx context.Context, scope hook.Scope, tool string, estimate float64) error {
	_, st, err := l.lockConfigured(ctx, scope)
	if err != nil || st == nil {
		return err
	}

	rolled := l.rollLocked(st)
	if st.takeReservation(tool, estimate) {
		l.applyLocked(ctx, st, -estimate)
	}
	st.mu.Unlock()

	l.emitRollovers(rolled)
	return nil
}

// Commit records the actual cost of a finished call. The oldest reservation
// for the same tool is reconciled against it; without one the full cost is
// added. Spent never drops below zero.
func (l *Ledger) Commit(ctx context.Context, scope hook.Scope, tool string, actual float64) error {
	if actual < 0 || math.IsNaN(actual) {
		return fmt.Errorf("invalid cost: %v", actual)
	}

	_, st, err := l.lockConfigured(ctx, scope)
	if err != nil || st == nil {
		return err
	}

	rolled := l.rollLocked(st)
	delta := actual
	if reserved, ok := st.popReservation(tool); ok {
		delta = actual - reserved
	}
	l.applyLocked(ctx, st, delta)
	st.mu.Unlock()

	l.emitRollovers(rolled)
	return nil
}

// Entries returns the current rows for one scope key, rolled forward.
func (l *Ledger) Entries(ctx context.Context, scopeKey string) ([]Entry, error) {
	st, err := l.state(ctx, scopeKey)
	if err != nil {
		return nil, err
	}

	st.mu.Lock()
	rolled := l.rollLocked(st)
	entries := st.snapshotLocked()
	st.mu.Unlock()

	l.emitRollovers(rolled)
	return entries, nil
}

// List returns every configured row. Rows already loaded in memory win over
// their stored copy.
func (l *Ledger) List(ctx context.Context) ([]Entry, error) {
	stored, err := l.store.List(ctx)
	if err != nil {
		return nil, err
	}

	keys := map[string]bool{}
	for _, e := range stored {
		keys[e.ScopeKey] = true
	}
	l.scopes.Range(func(k, _ any) bool {
		keys[k.(string)] = true
		return true
	})

	var out []Entry
	for key := range keys {
		entries, err := l.Entries(ctx, key)
		if err != nil {
			return nil, err
		}
		out = append(out, entries...)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].ScopeKey != out[j].ScopeKey {
			return out[i].ScopeKey < out[j].ScopeKey
		}
		return out[i].Period < out[j].Period
	})
	return out, nil
}

// SetLimit creates or updates a row. Spent and the window are kept unless
// the request overrides spent.
func (l *Ledger) SetLimit(ctx context.Context, req Limit) (Entry, error) {
	if err := req.Validate(); err != nil {
		return Entry{}, err
	}

	st, err := l.state(ctx, req.ScopeKey)
	if err != nil {
		return Entry{}, err
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	now := l.now().UTC()
	e, ok := st.entries[req.Period]
	if !ok {
		e = &Entry{ScopeKey: req.ScopeKey, Period: req.Period, WindowStart: req.Period.WindowStart(now)}
		st.entries[req.Period] = e
	}
	e.Limit = req.Limit
	e.SoftLimit = req.SoftLimit
	if req.Spent != nil {
		e.Spent = *req.Spent
	}
	e.UpdatedAt = now

	if err := l.store.Save(ctx, *e); err != nil {
		return Entry{}, err
	}
	return *e, nil
}

func (l *Ledger) Delete(ctx context.Context, scopeKey string, period Period) error {
	if !period.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidPeriod, period)
	}

	st, err := l.state(ctx, scopeKey)
	if err != nil {
		return err
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	_, inMemory := st.entries[period]
	delete(st.entries, period)
	if len(st.entries) == 0 {
		st.reservations = map[string][]float64{}
	}

	err = l.store.Delete(ctx, scopeKey, period)
	if errors.Is(err, ErrNotFound) && inMemory {
		return nil
	}
	return err
}

// resolve picks the most specific key of scope that has budget rows. It
// returns a nil state when none do.
func (l *Ledger) resolve(ctx context.Context, scope hook.Scope) (string, *scopeState, error) {
	for _, key := range scope.Keys() {
		st, err := l.state(ctx, key)
		if err != nil {
			return "", nil, err
		}
		st.mu.Lock()
		configured := len(st.entries) > 0
		st.mu.Unlock()
		if configured {
			return key, st, nil
		}
	}
	return "", nil, nil
}

// lockConfigured is resolve with the winning state locked. A scope whose rows
// were deleted between the lookup and the lock is skipped and the lookup
// runs again.
func (l *Ledger) lockConfigured(ctx context.Context, scope hook.Scope) (string, *scopeState, error) {
	for attempt := 0; attempt <= len(scope.Keys()); attempt++ {
		key, st, err := l.resolve(ctx, scope)
		if err != nil || st == nil {
			return "", nil, err
		}
		st.mu.Lock()
		if len(st.entries) > 0 {
			return key, st, nil
		}
		st.mu.Unlock()
	}
	return "", nil, nil
}

func (l *Ledger) state(ctx context.Context, key string) (*scopeState, error) {
	v, _ := l.scopes.LoadOrStore(key, &scopeState{
		entries:      map[Period]*Entry{},
		reservations: map[string][]float64{},
	})
	st := v.(*scopeState)

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.loaded {
		return st, nil
	}

	entries, err := l.store.Load(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("load budget %s: %w", key, err)
	}
	for i := range entries {
		e := entries[i]
		if !e.Period.Valid() {
			log.Warn().Str("scope", key).Str("period", string(e.Period)).Msg("ignoring budget row with unknown period")
			continue
		}
		if _, exists := st.entries[e.Period]; !exists {
			st.entries[e.Period] = &e
		}
	}
	st.loaded = true
	return st, nil
}

func (l *Ledger) rollLocked(st *scopeState) []Rollover {
	now := l.now().UTC()

	var rolled []Rollover
	var dirty []Entry
	for _, e := range st.sortedLocked() {
		end := e.Period.WindowEnd(e.WindowStart)
		if end.IsZero() || now.Before(end) {
			continue
		}

		rolled = append(rolled, Rollover{
			ScopeKey:    e.ScopeKey,
			Period:      e.Period,
			Spent:       e.Spent,
			Limit:       e.Limit,
			WindowStart: e.WindowStart,
			WindowEnd:   end,
		})
		e.Spent = 0
		e.WindowStart = e.Period.WindowStart(now)
		e.UpdatedAt = now
		dirty = append(dirty, *e)
	}

	l.persistLocked(context.Background(), dirty)
	return rolled
}

func (l *Ledger) applyLocked(ctx context.Context, st *scopeState, delta float64) {
	now := l.now().UTC()
	var dirty []Entry
	for _, e := range st.sortedLocked() {
		e.Spent = math.Max(0, e.Spent+delta)
		e.UpdatedAt = now
		dirty = append(dirty, *e)
	}
	l.persistLocked(ctx, dirty)
}

// persistLocked writes entries through to the store, retrying once. A
// failure is reported but never undoes the in-memory change.
func (l *Ledger) persistLocked(ctx context.Context, entries []Entry) {
	for _, e := range entries {
		err := l.store.Save(ctx, e)
		if err != nil {
			err = l.store.Save(context.WithoutCancel(ctx), e)
		}
		if err != nil {
			log.Error().Err(err).Str("scope", e.ScopeKey).Str("period", string(e.Period)).
				Bool("flagged", true).Msg("failed to persist budget")
			if l.onFailure != nil {
				l.onFailure(err)
			}
		}
	}
}

func (l *Ledger) emitRollovers(rolled []Rollover) {
	for _, r := range rolled {
		log.Info().Str("scope", r.ScopeKey).Str("period", string(r.Period)).
			Float64("spent", r.Spent).Msg("budget window rolled over")
		if l.onRollover != nil {
			l.onRollover(r)
		}
	}
}

func (st *scopeState) sortedLocked() []*Entry {
	out := make([]*Entry, 0, len(st.entries))
	for _, e := range st.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Period < out[j].Period })
	return out
}

func (st *scopeState) snapshotLocked() []Entry {
	sorted := st.sortedLocked()
	out := make([]Entry, len(sorted))
	for i, e := range sorted {
		out[i] = *e
	}
	return out
}

func (st *scopeState) popReservation(tool string) (float64, bool) {
	q := st.reservations[tool]
	if len(q) == 0 {
		return 0, false
	}
	v := q[0]
	if len(q) == 1 {
		delete(st.reservations, tool)
	} else {
		st.reservations[tool] = q[1:]
	}
	return v, true
}

// takeReservation removes the newest reservation of exactly estimate.
func (st *scopeState) takeReservation(tool string, estimate float64) bool {
	q := st.reservations[tool]
	for i := len(q) - 1; i >= 0; i-- {
		if q[i] == estimate {
			q = append(q[:i], q[i+1:]...)
			if len(q) == 0 {
				delete(st.reservations, tool)
			} else {
				st.reservations[tool] = q
			}
			return true
		}
	}
	return false
}
