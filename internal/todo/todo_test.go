package todo

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/syncql/internal/auth"
	"github.com/roach88/syncql/internal/engine"
	"github.com/roach88/syncql/internal/store"
	"github.com/roach88/syncql/internal/telemetry"
	"github.com/roach88/syncql/internal/testutil"
)

func newClient(t *testing.T, backend *testutil.Backend, opts ...engine.Option) (*Client, *engine.Engine, *telemetry.LogSession) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "todo.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	engineOpts, err := EngineOptions()
	require.NoError(t, err)
	e, err := engine.New(context.Background(), s, backend, auth.NewStatic("secret", time.Time{}), append(engineOpts, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })

	session := telemetry.NewLogSession(nil)
	c, err := NewClient(e, WithTelemetry(session))
	require.NoError(t, err)
	return c, e, session
}

func collect(t *testing.T, ch <-chan Snapshot) []Snapshot {
	t.Helper()
	var out []Snapshot
	for s := range ch {
		out = append(out, s)
	}
	return out
}

func TestCatalog_Embedded(t *testing.T) {
	cat, err := Catalog()
	require.NoError(t, err)
	assert.Equal(t, []string{OpCreateTodo, OpListTodos, OpOnCreateTodo}, cat.Names())
	assert.Len(t, cat.Rules(), 2)

	create, _ := cat.Operation(OpCreateTodo)
	assert.NotNil(t, create.Optimistic)
}

func TestClient_CreateThenList(t *testing.T) {
	backend := testutil.NewBackend()
	c, _, session := newClient(t, backend)
	ctx := context.Background()

	created, res, err := c.CreateTodo(ctx, "Use AppSync", "Realtime and Offline")
	require.NoError(t, err)
	assert.False(t, res.Queued)
	assert.Equal(t, Todo{ID: "todo-1", Name: "Use AppSync", Description: "Realtime and Offline"}, created)

	ch, err := c.ListTodos(ctx, engine.CacheAndNetwork)
	require.NoError(t, err)
	snaps := collect(t, ch)
	require.Len(t, snaps, 1, "nothing cached yet")
	assert.Equal(t, engine.SourceNetwork, snaps[0].Source)
	assert.Equal(t, []Todo{created}, snaps[0].Todos)

	ch, err = c.ListTodos(ctx, engine.CacheAndNetwork)
	require.NoError(t, err)
	snaps = collect(t, ch)
	require.Len(t, snaps, 2)
	assert.Equal(t, engine.SourceCache, snaps[0].Source)

	var names []string
	for _, ev := range session.Pending() {
		names = append(names, ev.Name)
	}
	assert.Equal(t, []string{"todo_created", "todos_listed", "todos_listed", "todos_listed"}, names)
}

func TestClient_OfflineCreateIsPending(t *testing.T) {
	backend := testutil.NewBackend()
	c, e, _ := newClient(t, backend, engine.StartOffline(), engine.WithTokenGenerator(engine.NewFixedGenerator("tok-1")))
	ctx := context.Background()

	created, res, err := c.CreateTodo(ctx, "later", "")
	require.NoError(t, err)
	assert.True(t, res.Queued)
	assert.Equal(t, Todo{ID: "tok-1", Name: "later", Pending: true}, created)
	assert.Empty(t, backend.Todos())

	flushed, err := e.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, flushed.Confirmed)
	assert.Len(t, backend.Todos(), 1)
}

func TestClient_RejectedCreate(t *testing.T) {
	c, _, _ := newClient(t, testutil.NewBackend())
	_, _, err := c.CreateTodo(context.Background(), "", "no name")
	require.Error(t, err)
}

func TestClient_OnCreateTodo(t *testing.T) {
	backend := testutil.NewBackend()
	c, e, _ := newClient(t, backend)
	ctx := context.Background()

	got := make(chan Todo, 1)
	h, err := c.OnCreateTodo(ctx, func(t Todo) { got <- t })
	require.NoError(t, err)
	defer e.Unsubscribe(h)

	backend.CreateExternal("elsewhere", "x")
	select {
	case td := <-got:
		assert.Equal(t, Todo{ID: "todo-1", Name: "elsewhere", Description: "x"}, td)
	case <-time.After(5 * time.Second):
		t.Fatal("no event")
	}
}
