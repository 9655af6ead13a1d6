package approval

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dagbolade/hook-gateway/internal/notify"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const DefaultExpiry = 10 * time.Minute

// Queue holds pending approval requests. Every request carries a done
// channel closed by its single terminal transition, which whichever of a
// human decision, the expiry timer or shutdown gets there first performs.
type Queue struct {
	store     Store
	publisher notify.Publisher
	expiry    time.Duration
	now       func() time.Time
	onFailure func(error)

	mu      sync.RWMutex
	entries map[string]*entry
	closed  bool
}

type entry struct {
	mu    sync.Mutex
	req   Request
	done  chan struct{}
	timer *time.Timer
}

type Option func(*Queue)

func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// WithFailureHandler is called when a request could not be persisted after
// one retry. The in-memory state machine carries on regardless.
func WithFailureHandler(fn func(error)) Option {
	return func(q *Queue) { q.onFailure = fn }
}

func NewQueue(store Store, publisher notify.Publisher, expiry time.Duration, opts ...Option) *Queue {
	if expiry <= 0 {
		expiry = DefaultExpiry
	}
	q := &Queue{
		store:     store,
		publisher: publisher,
		expiry:    expiry,
		now:       time.Now,
		entries:   make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Recover expires requests left pending by a previous process. Nobody is
// waiting on them any more.
func (q *Queue) Recover(ctx context.Context) (int64, error) {
	n, err := q.store.ExpirePending(ctx, q.now().UTC())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		log.Warn().Int64("count", n).Msg("expired approval requests orphaned by previous run")
	}
	return n, nil
}

// Enqueue creates a pending request from r and starts its expiry timer.
func (q *Queue) Enqueue(ctx context.Context, r Request) (Request, error) {
	now := q.now().UTC()
	r.ID = uuid.New().String()
	r.Status = StatusPending
	r.DecidedBy = ""
	r.DecidedAt = nil
	r.CreatedAt = now
	r.ExpiresAt = now.Add(q.expiry)
	if r.ScopeKey == "" {
		r.ScopeKey = r.Scope.Key()
	}

	if q.isClosed() {
		return Request{}, ErrClosed
	}

	if err := q.persist(ctx, func(ctx context.Context) error { return q.store.Insert(ctx, &r) }); err != nil {
		log.Error().Err(err).Str("approval_id", r.ID).Str("correlation_id", r.CorrelationID).
			Bool("flagged", true).Msg("failed to persist approval request, continuing in memory")
	}

	e := &entry{req: r, done: make(chan struct{})}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		// shut down while persisting: close the stored row too
		closedAt := q.now().UTC()
		r.Status, r.DecidedBy, r.DecidedAt, r.Comment = StatusExpired, DecidedByTimeout, &closedAt, "gateway shutdown"
		if _, err := q.store.Transition(context.WithoutCancel(ctx), r); err != nil {
			log.Warn().Err(err).Str("approval_id", r.ID).Msg("failed to close approval request enqueued during shutdown")
		}
		return Request{}, ErrClosed
	}
	q.entries[r.ID] = e
	e.timer = time.AfterFunc(q.expiry, func() { q.expire(r.ID) })
	q.mu.Unlock()

	log.Info().Str("approval_id", r.ID).Str("correlation_id", r.CorrelationID).
		Str("tool", r.ToolName).Str("scope", r.ScopeKey).Msg("approval request enqueued")

	q.publisher.Publish(notify.TopicApprovalRequired, r)
	return r, nil
}

// Wait blocks until the request reaches a terminal state or ctx is done.
// On ctx expiry the request stays pending and the current state is returned
// with ctx's error.
func (q *Queue) Wait(ctx context.Context, id string) (Request, error) {
	e, ok := q.entry(id)
	if !ok {
		r, err := q.store.Get(ctx, id)
		if err != nil {
			return Request{}, err
		}
		if !r.Status.Terminal() {
			return r, fmt.Errorf("request %s is not tracked by this queue", id)
		}
		return r, nil
	}

	select {
	case <-e.done:
		return e.snapshot(), nil
	case <-ctx.Done():
		return e.snapshot(), ctx.Err()
	}
}

// Resolve moves a pending request to a terminal state. Resolving a request
// that is already terminal is a no-op that returns the existing state.
func (q *Queue) Resolve(ctx context.Context, id string, res Resolution) (Request, error) {
	r, _, err := q.resolve(ctx, id, res)
	return r, err
}

func (q *Queue) resolve(ctx context.Context, id string, res Resolution) (Request, bool, error) {
	if !res.Status.Terminal() {
		return Request{}, false, fmt.Errorf("%w: %q", ErrInvalidOutcome, res.Status)
	}
	if !res.DecidedBy.Valid() {
		return Request{}, false, fmt.Errorf("%w: decided_by %q", ErrInvalidOutcome, res.DecidedBy)
	}

	e, ok := q.entry(id)
	if !ok {
		return q.resolveStored(ctx, id, res)
	}

	r, changed := e.transition(res, q.now().UTC())
	if !changed {
		return r, false, nil
	}

	// The entry stays tracked until the row is written, so later resolutions
	// keep answering from memory instead of racing the pending row.
	var stored bool
	err := q.persist(ctx, func(ctx context.Context) error {
		var err error
		stored, err = q.store.Transition(ctx, r)
		return err
	})
	switch {
	case err != nil:
		log.Error().Err(err).Str("approval_id", id).Bool("flagged", true).
			Msg("failed to persist approval resolution")
	case !stored:
		log.Error().Err(ErrStoreConflict).Str("approval_id", id).Str("status", string(r.Status)).
			Bool("flagged", true).Msg("stored approval request no longer pending")
		if q.onFailure != nil {
			q.onFailure(fmt.Errorf("%w: %s", ErrStoreConflict, id))
		}
	default:
		q.forget(id)
	}

	q.announce(r)
	return r, true, nil
}

func (q *Queue) Approve(ctx context.Context, id, approver, comment string) (Request, error) {
	return q.Resolve(ctx, id, Resolution{Status: StatusApproved, DecidedBy: DecidedByUser, Approver: approver, Comment: comment})
}

func (q *Queue) Deny(ctx context.Context, id, approver, comment string) (Request, error) {
	return q.Resolve(ctx, id, Resolution{Status: StatusDenied, DecidedBy: DecidedByUser, Approver: approver, Comment: comment})
}

func (q *Queue) Expire(ctx context.Context, id string) (Request, error) {
	return q.Resolve(ctx, id, Resolution{Status: StatusExpired, DecidedBy: DecidedByTimeout})
}

// ExpireAll expires every pending request and stops accepting new ones.
func (q *Queue) ExpireAll(ctx context.Context) int {
	q.mu.Lock()
	q.closed = true
	ids := make([]string, 0, len(q.entries))
	for id := range q.entries {
		ids = append(ids, id)
	}
	q.mu.Unlock()

	expired := 0
	for _, id := range ids {
		_, changed, err := q.resolve(ctx, id, Resolution{Status: StatusExpired, DecidedBy: DecidedByTimeout, Comment: "gateway shutdown"})
		if err == nil && changed {
			expired++
		}
	}

	if expired > 0 {
		log.Info().Int("count", expired).Msg("expired pending approvals on shutdown")
	}
	return expired
}

func (q *Queue) Get(ctx context.Context, id string) (Request, error) {
	if e, ok := q.entry(id); ok {
		return e.snapshot(), nil
	}
	return q.store.Get(ctx, id)
}

// ListPending returns the requests this process is holding, oldest first.
func (q *Queue) ListPending() []Request {
	q.mu.RLock()
	out := make([]Request, 0, len(q.entries))
	for _, e := range q.entries {
		if r := e.snapshot(); r.Status == StatusPending {
			out = append(out, r)
		}
	}
	q.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (q *Queue) PendingCount() int {
	return len(q.ListPending())
}

func (q *Queue) List(ctx context.Context, f Filter) ([]Request, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, fmt.Errorf("invalid status: %q", f.Status)
	}
	return q.store.List(ctx, f)
}

// Cleanup deletes decided requests created more than maxAge ago.
func (q *Queue) Cleanup(ctx context.Context, maxAge time.Duration) (int64, error) {
	if maxAge <= 0 {
		return 0, fmt.Errorf("max age must be positive")
	}
	cutoff := q.now().UTC().Add(-maxAge)

	q.mu.Lock()
	for id, e := range q.entries {
		r := e.snapshot()
		if r.Status.Terminal() && r.CreatedAt.Before(cutoff) {
			delete(q.entries, id)
		}
	}
	q.mu.Unlock()

	return q.store.Cleanup(ctx, cutoff)
}

// Close stops all expiry timers. Pending requests are left as they are;
// call ExpireAll first to close them out.
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	for _, e := range q.entries {
		e.timer.Stop()
	}
	return nil
}

func (q *Queue) expire(id string) {
	r, err := q.Resolve(context.Background(), id, Resolution{
		Status:    StatusExpired,
		DecidedBy: DecidedByTimeout,
		Comment:   "approval window elapsed",
	})
	if err != nil {
		log.Warn().Err(err).Str("approval_id", id).Msg("failed to expire approval request")
		return
	}
	log.Debug().Str("approval_id", id).Str("status", string(r.Status)).Msg("approval expiry fired")
}

func (q *Queue) resolveStored(ctx context.Context, id string, res Resolution) (Request, bool, error) {
	r, err := q.store.Get(ctx, id)
	if err != nil {
		return Request{}, false, err
	}
	if r.Status.Terminal() {
		return r, false, nil
	}

	now := q.now().UTC()
	r.Status = res.Status
	r.DecidedBy = res.DecidedBy
	r.Approver = res.Approver
	r.Comment = res.Comment
	r.DecidedAt = &now

	changed, err := q.store.Transition(ctx, r)
	if err != nil {
		return Request{}, false, err
	}
	if !changed {
		r, err = q.store.Get(ctx, id)
		return r, false, err
	}

	q.announce(r)
	return r, true, nil
}

func (q *Queue) announce(r Request) {
	log.Info().Str("approval_id", r.ID).Str("status", string(r.Status)).
		Str("decided_by", string(r.DecidedBy)).Str("approver", r.Approver).Msg("approval request resolved")

	q.publisher.Publish(notify.TopicNotification, notify.Notice{
		Kind:          notify.KindApprovalResolved,
		Message:       resolutionMessage(r),
		Scope:         r.ScopeKey,
		CorrelationID: r.CorrelationID,
		ApprovalID:    r.ID,
	})
}

// persist runs fn, retrying once on a context that survives the caller's
// cancellation.
func (q *Queue) persist(ctx context.Context, fn func(context.Context) error) error {
	err := fn(ctx)
	if err == nil {
		return nil
	}
	if err = fn(context.WithoutCancel(ctx)); err != nil && q.onFailure != nil {
		q.onFailure(err)
	}
	return err
}

func (q *Queue) isClosed() bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.closed
}

func (q *Queue) entry(id string) (*entry, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	e, ok := q.entries[id]
	return e, ok
}

func (q *Queue) forget(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.entries, id)
}

// transition is the single compare-and-set on the request's state.
func (e *entry) transition(res Resolution, at time.Time) (Request, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.req.Status != StatusPending {
		return e.req, false
	}

	e.req.Status = res.Status
	e.req.DecidedBy = res.DecidedBy
	e.req.Approver = res.Approver
	e.req.Comment = res.Comment
	e.req.DecidedAt = &at
	if e.timer != nil {
		e.timer.Stop()
	}
	close(e.done)
	return e.req, true
}

func (e *entry) snapshot() Request {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.req
}

func resolutionMessage(r Request) string {
	switch r.Status {
	case StatusApproved:
		return fmt.Sprintf("%s approved by %s", describe(r), orUnknown(r.Approver))
	case StatusDenied:
		return fmt.Sprintf("%s denied by %s", describe(r), orUnknown(r.Approver))
	case StatusExpired:
		return fmt.Sprintf("%s expired without a decision", describe(r))
	}
	return describe(r)
}

func describe(r Request) string {
	if r.ToolName != "" {
		return fmt.Sprintf("%s request for %s", r.RequestType, r.ToolName)
	}
	return r.RequestType + " request"
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}

// IsNotFound reports whether err means the request does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
