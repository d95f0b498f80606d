package testutil

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/syncql/internal/auth"
	"github.com/roach88/syncql/internal/gql"
	"github.com/roach88/syncql/internal/syncerr"
	"github.com/roach88/syncql/internal/transport"
)

var (
	listOp = gql.NewQuery("ListTodos", "query ListTodos { listTodos { items { id name description } } }", nil)
	subOp  = gql.NewSubscription("OnCreateTodo", "subscription OnCreateTodo { onCreateTodo { id name description } }", nil)
)

func createOp(name string) gql.Operation {
	return gql.NewMutation("CreateTodo",
		"mutation CreateTodo($input: CreateTodoInput!) { createTodo(input: $input) { id name description } }",
		gql.Object{"input": gql.Object{"name": gql.String(name)}})
}

func TestBackend_CreateAndList(t *testing.T) {
	b := NewBackend()
	ctx := context.Background()

	resp, err := b.Execute(ctx, transport.Request{Operation: createOp("milk")})
	require.NoError(t, err)
	created := resp["createTodo"].(gql.Object)
	assert.Equal(t, gql.String("todo-1"), created["id"])
	assert.Equal(t, gql.Null{}, created["description"])

	resp, err = b.Execute(ctx, transport.Request{Operation: listOp})
	require.NoError(t, err)
	items, ok := resp.Lookup("listTodos.items")
	require.True(t, ok)
	assert.Len(t, items, 1)
	assert.Equal(t, 1, b.Calls("CreateTodo"))
	assert.Equal(t, 1, b.Calls("ListTodos"))
}

func TestBackend_ValidationAndUnknownOperation(t *testing.T) {
	b := NewBackend()
	ctx := context.Background()

	_, err := b.Execute(ctx, transport.Request{Operation: createOp("")})
	assert.True(t, syncerr.IsRejected(err))

	unknown := gql.NewQuery("Nope", "query Nope { nope }", nil)
	_, err = b.Execute(ctx, transport.Request{Operation: unknown})
	assert.True(t, syncerr.IsRejected(err))
	assert.Empty(t, b.Todos())
}

func TestBackend_IdempotencyKeyAppliesOnce(t *testing.T) {
	b := NewBackend()
	ctx := context.Background()
	req := transport.Request{Operation: createOp("once"), IdempotencyKey: "tok-1"}

	first, err := b.Execute(ctx, req)
	require.NoError(t, err)
	second, err := b.Execute(ctx, req)
	require.NoError(t, err)

	assert.True(t, gql.Equal(first, second))
	assert.Len(t, b.Todos(), 1)
	assert.Equal(t, 1, b.Replays())
	assert.Equal(t, 2, b.Calls("CreateTodo"))
}

func TestBackend_OfflineAndInjectedFailures(t *testing.T) {
	b := NewBackend()
	ctx := context.Background()

	b.SetOffline(true)
	_, err := b.Execute(ctx, transport.Request{Operation: listOp})
	assert.ErrorIs(t, err, syncerr.ErrConnectionLost)
	_, err = b.Subscribe(ctx, transport.Request{Operation: subOp}, func(gql.Object) {}, nil)
	assert.True(t, syncerr.IsTransient(err))
	b.SetOffline(false)

	b.FailNext("ListTodos", syncerr.New(syncerr.CodeTimeout, "slow"), syncerr.Rejected("bad"))
	_, err = b.Execute(ctx, transport.Request{Operation: listOp})
	assert.Equal(t, syncerr.CodeTimeout, syncerr.CodeOf(err))
	_, err = b.Execute(ctx, transport.Request{Operation: listOp})
	assert.True(t, syncerr.IsRejected(err))
	_, err = b.Execute(ctx, transport.Request{Operation: listOp})
	assert.NoError(t, err)
}

func TestBackend_BlockHoldsUntilReleased(t *testing.T) {
	b := NewBackend()
	release := b.Block("ListTodos")

	done := make(chan error, 1)
	go func() {
		_, err := b.Execute(context.Background(), transport.Request{Operation: listOp})
		done <- err
	}()

	require.Eventually(t, func() bool { return b.Calls("ListTodos") == 1 }, time.Second, time.Millisecond)
	select {
	case <-done:
		t.Fatal("call returned while blocked")
	case <-time.After(20 * time.Millisecond):
	}

	release()
	release()
	require.NoError(t, <-done)
}

func TestBackend_BlockedCallHonoursContext(t *testing.T) {
	b := NewBackend()
	release := b.Block("ListTodos")
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := b.Execute(ctx, transport.Request{Operation: listOp})
	assert.Equal(t, syncerr.CodeTimeout, syncerr.CodeOf(err))
}

func TestBackend_SubscriptionLifecycle(t *testing.T) {
	b := NewBackend()

	var (
		mu     sync.Mutex
		events []gql.Object
		ended  error
	)
	sub, err := b.Subscribe(context.Background(), transport.Request{Operation: subOp},
		func(obj gql.Object) {
			mu.Lock()
			events = append(events, obj)
			mu.Unlock()
		},
		func(err error) {
			mu.Lock()
			ended = err
			mu.Unlock()
		})
	require.NoError(t, err)
	assert.Equal(t, 1, b.Streams("OnCreateTodo"))

	b.CreateExternal("a", "x")
	assert.Equal(t, 1, b.Publish("OnCreateTodo", gql.Object{"onCreateTodo": gql.Object{"id": gql.String("manual")}}))

	b.EndStreams("OnCreateTodo", syncerr.Rejected("closed"))
	<-sub.Done()
	assert.True(t, syncerr.IsRejected(sub.Err()))
	assert.Zero(t, b.Streams("OnCreateTodo"))
	assert.Zero(t, b.Publish("OnCreateTodo", gql.Object{}))

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, events, 2)
	assert.True(t, syncerr.IsRejected(ended))
}

func TestBackend_CancelledSubscriptionIsRemoved(t *testing.T) {
	b := NewBackend()
	sub, err := b.Subscribe(context.Background(), transport.Request{Operation: subOp}, func(gql.Object) {}, nil)
	require.NoError(t, err)

	sub.Cancel()
	<-sub.Done()
	assert.NoError(t, sub.Err())
	require.Eventually(t, func() bool { return b.Streams("OnCreateTodo") == 0 }, time.Second, time.Millisecond)
}

// --- over the wire ---

func newServedTransport(t *testing.T, b *Backend, serverToken, clientToken string) *transport.HTTPTransport {
	t.Helper()
	srv := httptest.NewServer(b.HTTPHandler(serverToken))
	t.Cleanup(srv.Close)
	return transport.NewHTTP(srv.URL, auth.NewStatic(clientToken, time.Time{}),
		transport.WithRealtimeEndpoint("ws"+strings.TrimPrefix(srv.URL, "http")),
		transport.WithRetryPolicy(transport.RetryPolicy{Attempts: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}))
}

func TestHTTPHandler_ExecuteRoundTrip(t *testing.T) {
	b := NewBackend()
	tr := newServedTransport(t, b, "secret", "secret")
	ctx := context.Background()

	resp, err := tr.Execute(ctx, transport.Request{Operation: createOp("wire"), IdempotencyKey: "tok-1"})
	require.NoError(t, err)
	assert.Equal(t, gql.String("wire"), resp["createTodo"].(gql.Object)["name"])

	_, err = tr.Execute(ctx, transport.Request{Operation: createOp("wire"), IdempotencyKey: "tok-1"})
	require.NoError(t, err)
	assert.Equal(t, 1, b.Replays())

	resp, err = tr.Execute(ctx, transport.Request{Operation: listOp})
	require.NoError(t, err)
	items, _ := resp.Lookup("listTodos.items")
	assert.Len(t, items, 1)
}

func TestHTTPHandler_ErrorMapping(t *testing.T) {
	b := NewBackend()
	ctx := context.Background()

	wrongToken := newServedTransport(t, b, "secret", "wrong")
	_, err := wrongToken.Execute(ctx, transport.Request{Operation: listOp})
	assert.True(t, syncerr.IsAuth(err))

	tr := newServedTransport(t, b, "secret", "secret")
	_, err = tr.Execute(ctx, transport.Request{Operation: createOp("")})
	require.Error(t, err)
	assert.True(t, syncerr.IsRejected(err))
	assert.Contains(t, err.Error(), "input.name is required")

	b.SetOffline(true)
	_, err = tr.Execute(ctx, transport.Request{Operation: listOp})
	assert.True(t, syncerr.IsTransient(err))
}

func TestHTTPHandler_SubscriptionOverWebSocket(t *testing.T) {
	b := NewBackend()
	tr := newServedTransport(t, b, "secret", "secret")

	got := make(chan gql.Object, 4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub, err := tr.Subscribe(ctx, transport.Request{Operation: subOp}, func(obj gql.Object) { got <- obj }, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return b.Streams("OnCreateTodo") == 1 }, 5*time.Second, 5*time.Millisecond)
	item := b.CreateExternal("pushed", "x")

	select {
	case ev := <-got:
		assert.True(t, gql.Equal(item, ev["onCreateTodo"]))
	case <-time.After(5 * time.Second):
		t.Fatal("no event over the socket")
	}

	sub.Cancel()
	<-sub.Done()
	require.Eventually(t, func() bool { return b.Streams("OnCreateTodo") == 0 }, 5*time.Second, 5*time.Millisecond)
}
