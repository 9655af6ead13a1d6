package approval

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/dagbolade/hook-gateway/internal/hook"
	"github.com/dagbolade/hook-gateway/internal/notify"
	"github.com/dagbolade/hook-gateway/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingPublisher struct {
	mu       sync.Mutex
	messages []notify.Message
}

func (p *recordingPublisher) Publish(topic notify.Topic, payload any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, notify.Message{Topic: topic, Payload: payload})
}

func (p *recordingPublisher) count(topic notify.Topic) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, m := range p.messages {
		if m.Topic == topic {
			n++
		}
	}
	return n
}

func setupTestQueue(t *testing.T, expiry time.Duration) (*Queue, *SQLiteStore, *recordingPublisher) {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store := NewSQLiteStore(db)
	pub := &recordingPublisher{}
	q := NewQueue(store, pub, expiry)
	t.Cleanup(func() { q.Close() })
	return q, store, pub
}

func newRequest(correlationID string) Request {
	return Request{
		CorrelationID:  correlationID,
		Scope:          hook.Scope{SessionID: "s1", ProjectPath: "/work/repo"},
		RequestType:    string(hook.PreToolUse),
		ToolName:       "Bash",
		RequestDetails: "rm -rf build",
		Reason:         "no_match",
	}
}

func TestEnqueueCreatesPendingRequest(t *testing.T) {
	q, store, pub := setupTestQueue(t, time.Minute)
	ctx := context.Background()

	r, err := q.Enqueue(ctx, newRequest("c-1"))
	require.NoError(t, err)
	assert.NotEmpty(t, r.ID)
	assert.Equal(t, StatusPending, r.Status)
	assert.Equal(t, "session:s1", r.ScopeKey)
	assert.Equal(t, r.CreatedAt.Add(time.Minute), r.ExpiresAt)

	stored, err := store.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, stored.Status)
	assert.Equal(t, "c-1", stored.CorrelationID)

	assert.Len(t, q.ListPending(), 1)
	assert.Equal(t, 1, pub.count(notify.TopicApprovalRequired))
}

func TestApproveReleasesWaiter(t *testing.T) {
	q, store, pub := setupTestQueue(t, time.Minute)
	ctx := context.Background()

	r, err := q.Enqueue(ctx, newRequest("c-1"))
	require.NoError(t, err)

	go func() {
		time.Sleep(20 * time.Millisecond)
		_, err := q.Approve(ctx, r.ID, "alice", "looks fine")
		assert.NoError(t, err)
	}()

	waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	got, err := q.Wait(waitCtx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, got.Status)
	assert.Equal(t, DecidedByUser, got.DecidedBy)
	assert.Equal(t, "alice", got.Approver)
	require.NotNil(t, got.DecidedAt)

	stored, err := store.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, stored.Status)
	assert.Equal(t, "looks fine", stored.Comment)

	// resolving again is a no-op that reports the terminal state
	again, err := q.Deny(ctx, r.ID, "bob", "")
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, again.Status)
	assert.Equal(t, "alice", again.Approver)
	assert.Equal(t, 1, pub.count(notify.TopicNotification))
}

func TestExpiryTimer(t *testing.T) {
	q, store, _ := setupTestQueue(t, 50*time.Millisecond)
	ctx := context.Background()

	r, err := q.Enqueue(ctx, newRequest("c-1"))
	require.NoError(t, err)

	waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	got, err := q.Wait(waitCtx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, got.Status)
	assert.Equal(t, DecidedByTimeout, got.DecidedBy)

	stored, err := store.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, stored.Status)

	// a human decision arriving after expiry does not reopen it
	late, err := q.Approve(ctx, r.ID, "alice", "")
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, late.Status)
}

func TestConcurrentResolutionsReachOneState(t *testing.T) {
	q, store, pub := setupTestQueue(t, time.Minute)
	ctx := context.Background()

	r, err := q.Enqueue(ctx, newRequest("c-1"))
	require.NoError(t, err)

	outcomes := []Resolution{
		{Status: StatusApproved, DecidedBy: DecidedByUser, Approver: "alice"},
		{Status: StatusDenied, DecidedBy: DecidedByUser, Approver: "bob"},
		{Status: StatusExpired, DecidedBy: DecidedByTimeout},
	}

	results := make([]Request, 30)
	var wg sync.WaitGroup
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got, err := q.Resolve(ctx, r.ID, outcomes[i%len(outcomes)])
			assert.NoError(t, err)
			results[i] = got
		}(i)
	}
	wg.Wait()

	final, err := q.Get(ctx, r.ID)
	require.NoError(t, err)
	require.True(t, final.Status.Terminal())
	for _, got := range results {
		assert.Equal(t, final.Status, got.Status)
		assert.Equal(t, final.DecidedBy, got.DecidedBy)
	}

	stored, err := store.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, final.Status, stored.Status)
	assert.Equal(t, 1, pub.count(notify.TopicNotification))
}

func TestWaitTimeoutLeavesRequestResolvable(t *testing.T) {
	q, store, _ := setupTestQueue(t, time.Minute)
	ctx := context.Background()

	r, err := q.Enqueue(ctx, newRequest("c-1"))
	require.NoError(t, err)

	waitCtx, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()
	got, err := q.Wait(waitCtx, r.ID)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, StatusPending, got.Status)

	// the caller has moved on, the decision is still recorded for audit
	late, err := q.Approve(ctx, r.ID, "alice", "late")
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, late.Status)

	stored, err := store.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, stored.Status)
}

func TestExpireAll(t *testing.T) {
	q, store, _ := setupTestQueue(t, time.Minute)
	ctx := context.Background()

	var ids []string
	for _, c := range []string{"c-1", "c-2", "c-3"} {
		r, err := q.Enqueue(ctx, newRequest(c))
		require.NoError(t, err)
		ids = append(ids, r.ID)
	}
	_, err := q.Deny(ctx, ids[0], "alice", "")
	require.NoError(t, err)

	assert.Equal(t, 2, q.ExpireAll(ctx))
	assert.Empty(t, q.ListPending())

	for _, id := range ids[1:] {
		got, err := store.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, StatusExpired, got.Status)
		assert.Equal(t, DecidedByTimeout, got.DecidedBy)
	}

	_, err = q.Enqueue(ctx, newRequest("c-4"))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestResolveErrors(t *testing.T) {
	q, _, _ := setupTestQueue(t, time.Minute)
	ctx := context.Background()

	r, err := q.Enqueue(ctx, newRequest("c-1"))
	require.NoError(t, err)

	_, err = q.Resolve(ctx, r.ID, Resolution{Status: StatusPending, DecidedBy: DecidedByUser})
	assert.ErrorIs(t, err, ErrInvalidOutcome)

	_, err = q.Resolve(ctx, r.ID, Resolution{Status: StatusApproved, DecidedBy: "robot"})
	assert.ErrorIs(t, err, ErrInvalidOutcome)

	_, err = q.Approve(ctx, "missing", "alice", "")
	assert.True(t, IsNotFound(err))
}

func TestResolveAfterWaiterForgets(t *testing.T) {
	q, _, _ := setupTestQueue(t, time.Minute)
	ctx := context.Background()

	r, err := q.Enqueue(ctx, newRequest("c-1"))
	require.NoError(t, err)
	_, err = q.Deny(ctx, r.ID, "alice", "")
	require.NoError(t, err)

	got, err := q.Wait(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusDenied, got.Status)

	// answered from the store once the waiter has collected it
	again, err := q.Approve(ctx, r.ID, "bob", "")
	require.NoError(t, err)
	assert.Equal(t, StatusDenied, again.Status)

	got, err = q.Wait(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusDenied, got.Status)
}

// slowStore holds the first Transition until release is closed.
type slowStore struct {
	Store
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (s *slowStore) Transition(ctx context.Context, r Request) (bool, error) {
	first := false
	s.once.Do(func() { first = true })
	if first {
		close(s.entered)
		<-s.release
	}
	return s.Store.Transition(ctx, r)
}

func TestResolutionWhilePersistingKeepsFirstOutcome(t *testing.T) {
	_, backing, _ := setupTestQueue(t, time.Minute)
	slow := &slowStore{Store: backing, entered: make(chan struct{}), release: make(chan struct{})}
	pub := &recordingPublisher{}
	var failures atomic.Int32
	q := NewQueue(slow, pub, time.Minute, WithFailureHandler(func(error) { failures.Add(1) }))
	defer q.Close()
	ctx := context.Background()

	r, err := q.Enqueue(ctx, newRequest("c-1"))
	require.NoError(t, err)

	approved := make(chan Request, 1)
	go func() {
		got, err := q.Approve(ctx, r.ID, "alice", "")
		assert.NoError(t, err)
		approved <- got
	}()
	<-slow.entered

	seen, err := q.Wait(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, seen.Status)

	denied, err := q.Deny(ctx, r.ID, "bob", "")
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, denied.Status)
	assert.Equal(t, "alice", denied.Approver)

	close(slow.release)
	assert.Equal(t, StatusApproved, (<-approved).Status)

	stored, err := backing.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, stored.Status)
	assert.Equal(t, "alice", stored.Approver)
	assert.Equal(t, 1, pub.count(notify.TopicNotification))
	assert.Zero(t, failures.Load())

	// once written, the stored row answers
	again, err := q.Deny(ctx, r.ID, "bob", "")
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, again.Status)
}

func TestStoredConflictIsFlagged(t *testing.T) {
	_, backing, _ := setupTestQueue(t, time.Minute)
	var failures atomic.Int32
	q := NewQueue(backing, &recordingPublisher{}, time.Minute,
		WithFailureHandler(func(err error) {
			assert.ErrorIs(t, err, ErrStoreConflict)
			failures.Add(1)
		}))
	defer q.Close()
	ctx := context.Background()

	r, err := q.Enqueue(ctx, newRequest("c-1"))
	require.NoError(t, err)

	// another writer closed the row first
	_, err = backing.ExpirePending(ctx, time.Now().UTC())
	require.NoError(t, err)

	got, err := q.Approve(ctx, r.ID, "alice", "")
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, got.Status)
	assert.Equal(t, int32(1), failures.Load())

	// the in-memory outcome keeps answering for this request
	again, err := q.Deny(ctx, r.ID, "bob", "")
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, again.Status)
}

func TestRecoverExpiresOrphans(t *testing.T) {
	q, store, _ := setupTestQueue(t, time.Minute)
	ctx := context.Background()

	orphan := newRequest("c-old")
	orphan.ID = "orphan"
	orphan.ScopeKey = orphan.Scope.Key()
	orphan.Status = StatusPending
	orphan.CreatedAt = time.Now().Add(-time.Hour)
	orphan.ExpiresAt = orphan.CreatedAt.Add(time.Minute)
	require.NoError(t, store.Insert(ctx, &orphan))

	n, err := q.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := q.Get(ctx, "orphan")
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, got.Status)
	assert.Equal(t, DecidedByTimeout, got.DecidedBy)
}

func TestListAndCleanup(t *testing.T) {
	q, _, _ := setupTestQueue(t, time.Minute)
	ctx := context.Background()

	a, err := q.Enqueue(ctx, newRequest("c-1"))
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, newRequest("c-2"))
	require.NoError(t, err)
	_, err = q.Approve(ctx, a.ID, "alice", "")
	require.NoError(t, err)

	pending, err := q.List(ctx, Filter{Status: StatusPending})
	require.NoError(t, err)
	assert.Len(t, pending, 1)

	_, err = q.List(ctx, Filter{Status: "bogus"})
	assert.Error(t, err)

	q.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	n, err := q.Cleanup(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	all, err := q.List(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, StatusPending, all[0].Status)
}

func TestPersistFailureKeepsStateMachineRunning(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()

	diskErr := errors.New("disk I/O error")
	mock.ExpectExec(`INSERT INTO approval_requests`).WillReturnError(diskErr)
	mock.ExpectExec(`INSERT INTO approval_requests`).WillReturnError(diskErr)
	mock.ExpectExec(`UPDATE approval_requests`).WillReturnResult(sqlmock.NewResult(0, 0))

	var failures atomic.Int32
	q := NewQueue(NewSQLiteStore(db), &recordingPublisher{}, time.Minute,
		WithFailureHandler(func(error) { failures.Add(1) }))
	defer q.Close()
	ctx := context.Background()

	r, err := q.Enqueue(ctx, newRequest("c-1"))
	require.NoError(t, err)
	assert.Equal(t, int32(1), failures.Load())

	got, err := q.Approve(ctx, r.ID, "alice", "")
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, got.Status)

	assert.NoError(t, mock.ExpectationsWereMet())
}
