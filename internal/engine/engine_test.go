package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/syncql/internal/auth"
	"github.com/roach88/syncql/internal/gql"
	"github.com/roach88/syncql/internal/store"
	"github.com/roach88/syncql/internal/syncerr"
	fake "github.com/roach88/syncql/internal/testutil"
)

func TestNew_ResumesClockFromStore(t *testing.T) {
	f := newFixture(t, nil)
	f.primeList()
	f.primeList()

	maxVersion, err := f.store.MaxVersion(context.Background())
	require.NoError(t, err)
	require.Positive(t, maxVersion)

	e2, err := New(context.Background(), f.store, f.backend, auth.NewStatic("secret", time.Time{}))
	require.NoError(t, err)
	defer e2.Close()
	assert.Equal(t, maxVersion, e2.Clock().Current())
}

func TestNew_ClockDoesNotRewindAfterDelete(t *testing.T) {
	f := newFixture(t, nil)
	primed := f.primeList()
	require.NoError(t, f.store.Delete(context.Background(), listTodosOp.Fingerprint()))

	e2, err := New(context.Background(), f.store, f.backend, auth.NewStatic("secret", time.Time{}))
	require.NoError(t, err)
	defer e2.Close()
	assert.GreaterOrEqual(t, e2.Clock().Current(), primed.Version)
}

func TestNew_RejectsBadRules(t *testing.T) {
	f := newFixture(t, nil)
	_, err := New(context.Background(), f.store, f.backend, auth.NewStatic("secret", time.Time{}),
		WithRules(Rule{When: "CreateTodo", Target: listTodosOp, Apply: StrategyUpsert}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "list path")
}

// --- queries ---

func TestQuery_ConcurrentIdenticalQueriesShareOneCall(t *testing.T) {
	backend := fake.NewBackend()
	backend.CreateExternal("a", "x")
	f := newFixture(t, backend)

	release := backend.Block("ListTodos")
	const callers = 5

	var wg sync.WaitGroup
	results := make([]Result, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = f.engine.QueryOnce(context.Background(), listTodosOp, NetworkOnly)
		}(i)
	}

	require.Eventually(t, func() bool { return f.countTo(StateDispatched) == callers }, 5*time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond) // let every caller join the flight
	release()
	wg.Wait()

	assert.Equal(t, 1, backend.Calls("ListTodos"))
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, SourceNetwork, results[i].Source)
		assert.True(t, gql.Equal(results[0].Data, results[i].Data))
		assert.Equal(t, results[0].Version, results[i].Version)
	}
}

func TestQuery_CacheAndNetworkDeliversCacheFirst(t *testing.T) {
	backend := fake.NewBackend()
	backend.CreateExternal("a", "x")
	f := newFixture(t, backend)
	f.primeList()
	backend.CreateExternal("b", "y")

	var got []Result
	for r := range f.engine.Query(context.Background(), listTodosOp, CacheAndNetwork) {
		got = append(got, r)
	}

	require.Len(t, got, 2)
	assert.Equal(t, SourceCache, got[0].Source)
	assert.Equal(t, SourceNetwork, got[1].Source)
	assert.Less(t, got[0].Version, got[1].Version)

	cached, _ := got[0].Data.Lookup("listTodos.items")
	fresh, _ := got[1].Data.Lookup("listTodos.items")
	assert.Len(t, cached, 1)
	assert.Len(t, fresh, 2)
}

func TestQuery_CacheAndNetworkWithoutCacheDeliversNetworkOnly(t *testing.T) {
	f := newFixture(t, nil)

	var got []Result
	for r := range f.engine.Query(context.Background(), listTodosOp, CacheAndNetwork) {
		got = append(got, r)
	}
	require.Len(t, got, 1)
	assert.Equal(t, SourceNetwork, got[0].Source)
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.CacheMisses))
}

func TestQuery_CacheAndNetworkFailureKeepsCachedResult(t *testing.T) {
	backend := fake.NewBackend()
	backend.CreateExternal("a", "x")
	f := newFixture(t, backend)
	primed := f.primeList()

	backend.SetOffline(true)
	var got []Result
	for r := range f.engine.Query(context.Background(), listTodosOp, CacheAndNetwork) {
		got = append(got, r)
	}
	require.Len(t, got, 2)
	assert.NoError(t, got[0].Err)
	assert.True(t, gql.Equal(primed.Data, got[0].Data))
	assert.True(t, syncerr.IsTransient(got[1].Err))

	r, err := f.engine.QueryOnce(context.Background(), listTodosOp, CacheAndNetwork)
	assert.True(t, syncerr.IsTransient(err))
	assert.True(t, gql.Equal(primed.Data, r.Data), "QueryOnce keeps the cached data")
}

func TestQuery_CacheOnlyMissNeverCallsNetwork(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.engine.QueryOnce(context.Background(), listTodosOp, CacheOnly)
	require.Error(t, err)
	assert.True(t, syncerr.IsCacheMiss(err))
	assert.Equal(t, 0, f.backend.Calls("ListTodos"))
	assert.Equal(t, []string{StateFailed}, f.statesFor(listTodosOp.Fingerprint()))
}

func TestQuery_CacheOnlyHit(t *testing.T) {
	f := newFixture(t, nil)
	primed := f.primeList()

	r, err := f.engine.QueryOnce(context.Background(), listTodosOp, CacheOnly)
	require.NoError(t, err)
	assert.Equal(t, SourceCache, r.Source)
	assert.Equal(t, primed.Version, r.Version)
	assert.Equal(t, 1, f.backend.Calls("ListTodos"))
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.CacheHits))
}

func TestQuery_CancelledWaiterDoesNotWrite(t *testing.T) {
	f := newFixture(t, nil)
	release := f.backend.Block("ListTodos")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := f.engine.QueryOnce(ctx, listTodosOp, NetworkOnly)
		done <- err
	}()

	require.Eventually(t, func() bool { return f.backend.Calls("ListTodos") == 1 }, 5*time.Second, time.Millisecond)
	cancel()
	err := <-done
	assert.True(t, syncerr.IsCancelled(err))

	release()
	time.Sleep(20 * time.Millisecond)
	_, found, err := f.store.Get(context.Background(), listTodosOp.Fingerprint())
	require.NoError(t, err)
	assert.False(t, found, "late response must not be written")
}

func TestQuery_RejectsNonQuery(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.engine.QueryOnce(context.Background(), createTodoOp("x"), NetworkOnly)
	assert.True(t, syncerr.IsRejected(err))
}

func TestQuery_WatchersNotifiedOnChange(t *testing.T) {
	backend := fake.NewBackend()
	f := newFixture(t, backend)

	var rec watchRecorder
	w := f.engine.Watch(listTodosOp, rec.handle)
	defer w.Close()

	f.primeList()
	f.primeList() // unchanged payload: no notification
	backend.CreateExternal("a", "x")
	f.primeList()
	f.wait()

	events := rec.snapshot()
	require.Len(t, events, 2)
	assert.Less(t, events[0].Version, events[1].Version)
	assert.False(t, events[1].Optimistic)
}

// --- mutations ---

func TestMutate_OptimisticThenConfirmed(t *testing.T) {
	f := newFixture(t, nil, withEngineOptions(WithTokenGenerator(NewFixedGenerator("tok-1"))))
	f.primeList()

	res, err := f.engine.Mutate(context.Background(), createTodoOp("Use AppSync"))
	require.NoError(t, err)
	assert.Equal(t, "tok-1", res.Token)
	assert.False(t, res.Queued)
	assert.Equal(t, StateSucceeded, res.State)
	assert.Equal(t, gql.String("todo-1"), res.Data["createTodo"].(gql.Object)["id"])

	items, r := f.cachedItems()
	assert.Equal(t, []string{"todo-1"}, itemIDs(items))
	assert.False(t, r.Optimistic)

	pending, err := f.engine.Pending(context.Background())
	require.NoError(t, err)
	assert.Empty(t, pending)
	assert.Equal(t, float64(0), testutil.ToFloat64(f.metrics.QueuedMutations))

	assert.Equal(t,
		[]string{StateOptimistic, StateDispatched, StateSucceeded},
		f.statesFor("tok-1"))
}

func TestMutate_FailureRestoresPreOptimisticPayload(t *testing.T) {
	backend := fake.NewBackend()
	backend.CreateExternal("existing", "x")
	f := newFixture(t, backend)
	before := f.primeList()

	var rec watchRecorder
	w := f.engine.Watch(listTodosOp, rec.handle)
	defer w.Close()

	backend.FailNext("CreateTodo", syncerr.Rejected("validation failed", "name too long"))
	res, err := f.engine.Mutate(context.Background(), createTodoOp("doomed"))
	require.Error(t, err)
	assert.True(t, syncerr.IsRejected(err))
	assert.Equal(t, StateFailed, res.State)

	entry, found, err := f.store.Get(context.Background(), listTodosOp.Fingerprint())
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, gql.Equal(before.Data, entry.Payload))
	assert.False(t, entry.Optimistic)
	assert.Greater(t, entry.Version, before.Version, "rollback is a new version")

	pending, err := f.engine.Pending(context.Background())
	require.NoError(t, err)
	assert.Empty(t, pending)

	f.wait()
	events := rec.snapshot()
	require.Len(t, events, 2)
	assert.True(t, events[0].Optimistic)
	optimisticItems, _ := events[0].Payload.Lookup("listTodos.items")
	assert.Equal(t, []string{"todo-1", "tok-1"}, itemIDs(optimisticItems.(gql.List)))
	assert.False(t, events[1].Optimistic)
	assert.True(t, gql.Equal(before.Data, events[1].Payload))
}

func TestMutate_FailureWithoutCachedEntryRemovesIt(t *testing.T) {
	f := newFixture(t, nil)
	f.backend.FailNext("CreateTodo", syncerr.Rejected("nope"))

	_, err := f.engine.Mutate(context.Background(), createTodoOp("doomed"))
	require.Error(t, err)

	_, found, err := f.store.Get(context.Background(), listTodosOp.Fingerprint())
	require.NoError(t, err)
	assert.False(t, found)
}

func TestMutate_ConfirmWithoutCachedListLeavesItUncached(t *testing.T) {
	backend := fake.NewBackend()
	backend.CreateExternal("one", "")
	backend.CreateExternal("two", "")
	f := newFixture(t, backend)

	var rec watchRecorder
	w := f.engine.Watch(listTodosOp, rec.handle)
	defer w.Close()

	res, err := f.engine.Mutate(context.Background(), createTodoOp("mine"))
	require.NoError(t, err)
	assert.Equal(t, StateSucceeded, res.State)
	assert.Len(t, backend.Todos(), 3)

	_, err = f.engine.QueryOnce(context.Background(), listTodosOp, CacheOnly)
	require.Error(t, err)
	assert.True(t, syncerr.IsCacheMiss(err))

	_, found, err := f.store.Get(context.Background(), listTodosOp.Fingerprint())
	require.NoError(t, err)
	assert.False(t, found)

	f.wait()
	events := rec.snapshot()
	require.Len(t, events, 2)
	assert.True(t, events[0].Optimistic)
	assert.True(t, events[1].Removed)

	r, err := f.engine.QueryOnce(context.Background(), listTodosOp, NetworkOnly)
	require.NoError(t, err)
	items, _ := r.Data.Lookup("listTodos.items")
	assert.Len(t, items.(gql.List), 3)
}

func TestMutate_AuthFailureLeavesStoreUntouched(t *testing.T) {
	f := newFixture(t, nil, withTokens(auth.NewStatic("", time.Time{})))

	res, err := f.engine.Mutate(context.Background(), createTodoOp("x"))
	require.Error(t, err)
	assert.True(t, syncerr.IsAuth(err))
	assert.Equal(t, StateFailed, res.State)
	assert.Equal(t, 0, f.backend.Calls("CreateTodo"))

	pending, err := f.store.ListPending(context.Background())
	require.NoError(t, err)
	assert.Empty(t, pending)
	n, err := f.store.Len(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestMutate_ServerAuthFailureRollsBack(t *testing.T) {
	f := newFixture(t, nil)
	f.primeList()
	f.backend.FailNext("CreateTodo", syncerr.Auth(auth.ErrSignedOut))

	_, err := f.engine.Mutate(context.Background(), createTodoOp("x"))
	assert.True(t, syncerr.IsAuth(err))

	items, r := f.cachedItems()
	assert.Empty(t, items)
	assert.False(t, r.Optimistic)
	pending, _ := f.engine.Pending(context.Background())
	assert.Empty(t, pending)
}

func TestMutate_TransientFailureQueuesAndGoesOffline(t *testing.T) {
	f := newFixture(t, nil, withEngineOptions(WithTokenGenerator(NewFixedGenerator("tok-1"))))
	f.primeList()
	f.backend.SetOffline(true)

	res, err := f.engine.Mutate(context.Background(), createTodoOp("later"))
	require.NoError(t, err)
	assert.True(t, res.Queued)
	assert.Equal(t, StateQueued, res.State)
	assert.False(t, f.engine.Online())

	pending, err := f.engine.Pending(context.Background())
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "tok-1", pending[0].Token)
	assert.Equal(t, 1, pending[0].Attempts)
	assert.Contains(t, pending[0].LastError, "CONNECTION_LOST")

	items, r := f.cachedItems()
	assert.Equal(t, []string{"tok-1"}, itemIDs(items))
	assert.True(t, r.Optimistic)

	f.backend.SetOffline(false)
	f.engine.SetOnline(true)
	require.Eventually(t, func() bool {
		p, err := f.engine.Pending(context.Background())
		return err == nil && len(p) == 0
	}, 5*time.Second, 5*time.Millisecond)

	items, r = f.cachedItems()
	assert.Equal(t, []string{"todo-1"}, itemIDs(items))
	assert.False(t, r.Optimistic)
}

func TestMutate_OfflineCreateThenFlushNotifiesTwice(t *testing.T) {
	f := newFixture(t, nil, withEngineOptions(WithTokenGenerator(NewFixedGenerator("tok-1"))))
	f.primeList()

	var rec watchRecorder
	w := f.engine.Watch(listTodosOp, rec.handle)
	defer w.Close()

	f.engine.SetOnline(false)
	res, err := f.engine.Mutate(context.Background(), createTodoOp("offline"))
	require.NoError(t, err)
	assert.True(t, res.Queued)
	assert.Equal(t, 0, f.backend.Calls("CreateTodo"))

	items, r := f.cachedItems()
	assert.Equal(t, []string{"tok-1"}, itemIDs(items))
	assert.True(t, r.Optimistic)

	flushed, err := f.engine.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, FlushResult{Confirmed: 1}, flushed)
	assert.True(t, f.engine.Online())

	items, r = f.cachedItems()
	assert.Equal(t, []string{"todo-1"}, itemIDs(items))
	assert.False(t, r.Optimistic)

	f.wait()
	events := rec.snapshot()
	require.Len(t, events, 2)
	assert.True(t, events[0].Optimistic)
	assert.False(t, events[1].Optimistic)

	assert.Equal(t,
		[]string{StateOptimistic, StateQueued, StateDispatched, StateSucceeded},
		f.statesFor("tok-1"))
}

func TestMutate_ReplaySameTokenHasNoDuplicateEffect(t *testing.T) {
	f := newFixture(t, nil)
	f.primeList()

	op := createTodoOp("once")
	_, err := f.engine.Mutate(context.Background(), op, WithToken("tok-1"))
	require.NoError(t, err)

	// The acknowledgment was lost: the same mutation is still queued.
	_, inserted, err := f.store.Enqueue(context.Background(), store.PendingMutation{Token: "tok-1", Operation: op})
	require.NoError(t, err)
	require.True(t, inserted)

	flushed, err := f.engine.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, flushed.Confirmed)

	assert.Equal(t, 2, f.backend.Calls("CreateTodo"))
	assert.Equal(t, 1, f.backend.Replays())
	assert.Len(t, f.backend.Todos(), 1)

	items, _ := f.cachedItems()
	assert.Equal(t, []string{"todo-1"}, itemIDs(items))
}

func TestMutate_SameTokenTwiceIsOneMutation(t *testing.T) {
	f := newFixture(t, nil, withEngineOptions(WithTokenGenerator(fake.NewFixedTokenGenerator("tok-same"))))
	f.primeList()

	_, err := f.engine.Mutate(context.Background(), createTodoOp("x"))
	require.NoError(t, err)
	_, err = f.engine.Mutate(context.Background(), createTodoOp("x"))
	require.NoError(t, err)

	assert.Len(t, f.backend.Todos(), 1)
	items, _ := f.cachedItems()
	assert.Len(t, items, 1)
}

func TestMutate_CancelledRollsBack(t *testing.T) {
	f := newFixture(t, nil)
	before := f.primeList()
	release := f.backend.Block("CreateTodo")
	defer release()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := f.engine.Mutate(ctx, createTodoOp("x"))
		done <- err
	}()
	require.Eventually(t, func() bool { return f.backend.Calls("CreateTodo") == 1 }, 5*time.Second, time.Millisecond)
	cancel()

	err := <-done
	assert.True(t, syncerr.IsCancelled(err))

	entry, _, err := f.store.Get(context.Background(), listTodosOp.Fingerprint())
	require.NoError(t, err)
	assert.True(t, gql.Equal(before.Data, entry.Payload))
	pending, _ := f.engine.Pending(context.Background())
	assert.Empty(t, pending)
}

func TestMutate_SerializesSameFingerprint(t *testing.T) {
	f := newFixture(t, nil)
	release := f.backend.Block("CreateTodo")

	op := createTodoOp("same")
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = f.engine.Mutate(context.Background(), op)
		}()
	}

	require.Eventually(t, func() bool { return f.backend.Calls("CreateTodo") == 1 }, 5*time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, f.backend.Calls("CreateTodo"), "second mutation waits for the first")

	release()
	wg.Wait()
	assert.Equal(t, 2, f.backend.Calls("CreateTodo"))
}

func TestMutate_RefetchAfterConfirm(t *testing.T) {
	f := newFixture(t, nil)
	f.primeList()
	calls := f.backend.Calls("ListTodos")

	_, err := f.engine.Mutate(context.Background(), createTodoOp("x"), WithRefetch(listTodosOp))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return f.backend.Calls("ListTodos") == calls+1 }, 5*time.Second, time.Millisecond)
}

func TestMutate_WithoutOptimistic(t *testing.T) {
	f := newFixture(t, nil)
	f.primeList()

	var rec watchRecorder
	w := f.engine.Watch(listTodosOp, rec.handle)
	defer w.Close()

	_, err := f.engine.Mutate(context.Background(), createTodoOp("x"), WithoutOptimistic())
	require.NoError(t, err)
	f.wait()

	events := rec.snapshot()
	require.Len(t, events, 1)
	assert.False(t, events[0].Optimistic)
}

func TestMutate_RejectsNonMutation(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.engine.Mutate(context.Background(), listTodosOp)
	assert.True(t, syncerr.IsRejected(err))
}

// --- flush and recovery ---

func TestFlush_RejectedMutationIsDroppedAndFlushContinues(t *testing.T) {
	f := newFixture(t, nil, withEngineOptions(StartOffline(), WithTokenGenerator(NewFixedGenerator("tok-1", "tok-2"))))
	f.primeList()

	_, err := f.engine.Mutate(context.Background(), createTodoOp("bad"))
	require.NoError(t, err)
	_, err = f.engine.Mutate(context.Background(), createTodoOp("good"))
	require.NoError(t, err)

	f.backend.FailNext("CreateTodo", syncerr.Rejected("bad input"))
	res, err := f.engine.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, FlushResult{Confirmed: 1, Rejected: 1}, res)

	items, r := f.cachedItems()
	assert.Equal(t, []string{"todo-1"}, itemIDs(items))
	assert.False(t, r.Optimistic)
}

func TestFlush_StopsOnConnectionLoss(t *testing.T) {
	f := newFixture(t, nil, withEngineOptions(StartOffline()))
	f.primeList()

	_, err := f.engine.Mutate(context.Background(), createTodoOp("a"))
	require.NoError(t, err)
	_, err = f.engine.Mutate(context.Background(), createTodoOp("b"))
	require.NoError(t, err)

	f.backend.SetOffline(true)
	res, err := f.engine.Flush(context.Background())
	require.Error(t, err)
	assert.True(t, syncerr.IsTransient(err))
	assert.Equal(t, FlushResult{Remaining: 2}, res)
	assert.False(t, f.engine.Online())

	pending, _ := f.engine.Pending(context.Background())
	assert.Len(t, pending, 2)
}

func TestFlush_AuthFailureKeepsQueue(t *testing.T) {
	f := newFixture(t, nil, withEngineOptions(StartOffline()))
	f.primeList()
	_, err := f.engine.Mutate(context.Background(), createTodoOp("a"))
	require.NoError(t, err)

	f.backend.FailNext("CreateTodo", syncerr.Auth(auth.ErrSignedOut))
	res, err := f.engine.Flush(context.Background())
	assert.True(t, syncerr.IsAuth(err))
	assert.Equal(t, 1, res.Remaining)

	pending, _ := f.engine.Pending(context.Background())
	assert.Len(t, pending, 1)
	_, r := f.cachedItems()
	assert.True(t, r.Optimistic, "optimistic layer survives")
}

func TestFlush_EmptyQueue(t *testing.T) {
	f := newFixture(t, nil)
	res, err := f.engine.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, FlushResult{}, res)
}

func TestRecover_RebuildsLayersAfterRestart(t *testing.T) {
	backend := fake.NewBackend()
	first := newFixture(t, backend, withEngineOptions(StartOffline(), WithTokenGenerator(NewFixedGenerator("tok-1"))))
	first.primeList()
	_, err := first.engine.Mutate(context.Background(), createTodoOp("survives"))
	require.NoError(t, err)
	require.NoError(t, first.engine.Close())

	second := newFixture(t, backend, withStorePath(first.path))
	n, err := second.engine.Recover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, float64(1), testutil.ToFloat64(second.metrics.QueuedMutations))

	items, r := second.cachedItems()
	assert.Equal(t, []string{"tok-1"}, itemIDs(items))
	assert.True(t, r.Optimistic)

	res, err := second.engine.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Confirmed)

	items, r = second.cachedItems()
	assert.Equal(t, []string{"todo-1"}, itemIDs(items))
	assert.False(t, r.Optimistic)
	assert.Equal(t, float64(0), testutil.ToFloat64(second.metrics.QueuedMutations))
}

func TestRecover_Idempotent(t *testing.T) {
	f := newFixture(t, nil, withEngineOptions(StartOffline()))
	f.primeList()
	_, err := f.engine.Mutate(context.Background(), createTodoOp("a"))
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err := f.engine.Recover(context.Background())
		require.NoError(t, err)
	}
	items, _ := f.cachedItems()
	assert.Len(t, items, 1)
}

// --- subscriptions ---

type eventRecorder struct {
	mu     sync.Mutex
	events []gql.Object
}

func (r *eventRecorder) handle(obj gql.Object) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, obj)
}

func (r *eventRecorder) snapshot() []gql.Object {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]gql.Object(nil), r.events...)
}

func TestSubscribe_ExternalCreateUpdatesCacheAndCallback(t *testing.T) {
	f := newFixture(t, nil)
	f.primeList()

	var rec eventRecorder
	h, err := f.engine.Subscribe(context.Background(), onCreateTodoOp, rec.handle)
	require.NoError(t, err)
	defer f.engine.Unsubscribe(h)

	created := f.backend.CreateExternal("from elsewhere", "x")
	f.wait()

	events := rec.snapshot()
	require.Len(t, events, 1)
	assert.Equal(t, created["id"], events[0]["onCreateTodo"].(gql.Object)["id"])

	items, _ := f.cachedItems()
	assert.Equal(t, []string{"todo-1"}, itemIDs(items))
}

func TestSubscribe_EchoOfOwnMutationIsNotDuplicated(t *testing.T) {
	f := newFixture(t, nil)
	f.primeList()

	var rec eventRecorder
	h, err := f.engine.Subscribe(context.Background(), onCreateTodoOp, rec.handle)
	require.NoError(t, err)
	defer f.engine.Unsubscribe(h)

	_, err = f.engine.Mutate(context.Background(), createTodoOp("mine"))
	require.NoError(t, err)
	f.wait()

	assert.Len(t, rec.snapshot(), 1)
	items, _ := f.cachedItems()
	assert.Equal(t, []string{"todo-1"}, itemIDs(items))
}

func TestSubscribe_StreamDoesNotWaitOnCacheLock(t *testing.T) {
	f := newFixture(t, nil)
	f.primeList()

	var rec eventRecorder
	h, err := f.engine.Subscribe(context.Background(), onCreateTodoOp, rec.handle)
	require.NoError(t, err)
	defer f.engine.Unsubscribe(h)

	unlock := f.engine.cacheLocks.lock(listTodosOp.Fingerprint())
	published := make(chan struct{})
	go func() {
		f.backend.CreateExternal("while locked", "x")
		close(published)
	}()
	select {
	case <-published:
	case <-time.After(5 * time.Second):
		unlock()
		t.Fatal("stream goroutine blocked on the cache lock")
	}

	// The callback follows the cache update, which is still waiting.
	assert.Empty(t, rec.snapshot())
	unlock()

	f.wait()
	assert.Len(t, rec.snapshot(), 1)
	items, _ := f.cachedItems()
	assert.Equal(t, []string{"todo-1"}, itemIDs(items))
}

func TestSubscribe_NoEventsAfterUnsubscribe(t *testing.T) {
	f := newFixture(t, nil)

	var rec eventRecorder
	h, err := f.engine.Subscribe(context.Background(), onCreateTodoOp, rec.handle)
	require.NoError(t, err)

	f.engine.Unsubscribe(h)
	f.engine.Unsubscribe(h)
	<-h.Done()

	require.Eventually(t, func() bool { return f.backend.Streams("OnCreateTodo") == 0 }, 5*time.Second, time.Millisecond)
	f.backend.CreateExternal("late", "x")
	f.wait()
	assert.Empty(t, rec.snapshot())
}

func TestSubscribe_StreamTerminationEndsHandle(t *testing.T) {
	f := newFixture(t, nil)

	var rec eventRecorder
	h, err := f.engine.Subscribe(context.Background(), onCreateTodoOp, rec.handle)
	require.NoError(t, err)

	f.backend.CreateExternal("one", "x")
	f.backend.EndStreams("OnCreateTodo", syncerr.Rejected("subscription closed by server"))

	select {
	case <-h.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("handle did not end")
	}
	assert.True(t, syncerr.IsRejected(h.Err()))
	assert.Len(t, rec.snapshot(), 1, "events before termination are delivered")
}

func TestSubscribe_ContextCancelUnsubscribes(t *testing.T) {
	f := newFixture(t, nil)
	ctx, cancel := context.WithCancel(context.Background())

	h, err := f.engine.Subscribe(ctx, onCreateTodoOp, func(gql.Object) {})
	require.NoError(t, err)
	cancel()

	select {
	case <-h.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("handle did not end")
	}
	require.Eventually(t, func() bool { return f.backend.Streams("OnCreateTodo") == 0 }, 5*time.Second, time.Millisecond)
}

func TestSubscribe_TransportErrorReturned(t *testing.T) {
	f := newFixture(t, nil)
	f.backend.SetOffline(true)

	_, err := f.engine.Subscribe(context.Background(), onCreateTodoOp, func(gql.Object) {})
	require.Error(t, err)
	assert.True(t, syncerr.IsTransient(err))
}

func TestClose_EndsSubscriptionsAndRejectsWork(t *testing.T) {
	f := newFixture(t, nil)
	h, err := f.engine.Subscribe(context.Background(), onCreateTodoOp, func(gql.Object) {})
	require.NoError(t, err)

	require.NoError(t, f.engine.Close())
	<-h.Done()

	_, err = f.engine.Mutate(context.Background(), createTodoOp("x"))
	assert.True(t, syncerr.IsCancelled(err))
	_, err = f.engine.QueryOnce(context.Background(), listTodosOp, CacheOnly)
	assert.True(t, syncerr.IsCancelled(err))
	require.NoError(t, f.engine.Close())
}

func TestClose_ConcurrentWithBackgroundWork(t *testing.T) {
	f := newFixture(t, nil)
	f.primeList()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				_, err := f.engine.QueryOnce(context.Background(), listTodosOp, CacheOnly)
				if err != nil {
					assert.True(t, syncerr.IsCancelled(err), "unexpected error: %v", err)
				}
				f.engine.SetOnline(j%2 == 0)
			}
		}()
	}

	require.NoError(t, f.engine.Close())
	wg.Wait()

	_, err := f.engine.QueryOnce(context.Background(), listTodosOp, CacheOnly)
	assert.True(t, syncerr.IsCancelled(err))
}
