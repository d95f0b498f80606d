package engine

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/syncql/internal/auth"
	"github.com/roach88/syncql/internal/gql"
	"github.com/roach88/syncql/internal/metrics"
	"github.com/roach88/syncql/internal/store"
	"github.com/roach88/syncql/internal/testutil"
)

var (
	listTodosOp = gql.NewQuery("ListTodos",
		"query ListTodos { listTodos { items { id name description } } }", nil)

	onCreateTodoOp = gql.NewSubscription("OnCreateTodo",
		"subscription OnCreateTodo { onCreateTodo { id name description } }", nil)

	createTodoTemplate = gql.Object{
		"createTodo": gql.Object{
			"id":          gql.String(TemplateToken),
			"name":        gql.String("$vars.input.name"),
			"description": gql.String("$vars.input.description"),
		},
	}

	todoRules = []Rule{
		{When: "CreateTodo", Target: listTodosOp, Apply: StrategyUpsert, ListPath: "listTodos.items", ItemPath: "createTodo"},
		{When: "OnCreateTodo", Target: listTodosOp, Apply: StrategyUpsert, ListPath: "listTodos.items", ItemPath: "onCreateTodo"},
	}
)

func createTodoOp(name string) gql.Operation {
	return gql.NewMutation("CreateTodo",
		"mutation CreateTodo($input: CreateTodoInput!) { createTodo(input: $input) { id name description } }",
		gql.Object{"input": gql.Object{"name": gql.String(name), "description": gql.String("desc")}})
}

type fixture struct {
	t       *testing.T
	engine  *Engine
	backend *testutil.Backend
	store   *store.Store
	metrics *metrics.Metrics
	path    string

	mu          sync.Mutex
	transitions []Transition
}

type fixtureConfig struct {
	tokens auth.TokenProvider
	path   string
	opts   []Option
}

type fixtureOption func(*fixtureConfig)

func withTokens(p auth.TokenProvider) fixtureOption {
	return func(c *fixtureConfig) { c.tokens = p }
}

func withStorePath(path string) fixtureOption {
	return func(c *fixtureConfig) { c.path = path }
}

func withEngineOptions(opts ...Option) fixtureOption {
	return func(c *fixtureConfig) { c.opts = append(c.opts, opts...) }
}

// newFixture builds an engine over a fresh SQLite store and a fake backend
// with the Todo rules and optimistic template installed.
func newFixture(t *testing.T, backend *testutil.Backend, fopts ...fixtureOption) *fixture {
	t.Helper()
	cfg := fixtureConfig{
		tokens: auth.NewStatic("secret", time.Time{}),
		path:   filepath.Join(t.TempDir(), "cache.db"),
	}
	for _, o := range fopts {
		o(&cfg)
	}
	if backend == nil {
		backend = testutil.NewBackend()
	}

	s, err := store.Open(cfg.path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	f := &fixture{t: t, backend: backend, store: s, metrics: metrics.New(nil), path: cfg.path}
	opts := []Option{
		WithRules(todoRules...),
		WithOptimisticTemplate("CreateTodo", createTodoTemplate),
		WithMetrics(f.metrics),
		WithTransitionHook(f.record),
	}
	opts = append(opts, cfg.opts...)

	e, err := New(context.Background(), s, backend, cfg.tokens, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	f.engine = e
	return f
}

func (f *fixture) record(tr Transition) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transitions = append(f.transitions, tr)
}

func (f *fixture) statesFor(id string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, tr := range f.transitions {
		if tr.ID == id {
			out = append(out, tr.To)
		}
	}
	return out
}

func (f *fixture) countTo(state string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, tr := range f.transitions {
		if tr.To == state {
			n++
		}
	}
	return n
}

// wait blocks until every notification so far has been delivered.
func (f *fixture) wait() {
	f.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(f.t, f.engine.Wait(ctx))
}

// primeList caches ListTodos from the backend.
func (f *fixture) primeList() Result {
	f.t.Helper()
	r, err := f.engine.QueryOnce(context.Background(), listTodosOp, NetworkOnly)
	require.NoError(f.t, err)
	return r
}

// cachedItems reads ListTodos from the cache only.
func (f *fixture) cachedItems() (gql.List, Result) {
	f.t.Helper()
	r, err := f.engine.QueryOnce(context.Background(), listTodosOp, CacheOnly)
	require.NoError(f.t, err)
	v, ok := r.Data.Lookup("listTodos.items")
	require.True(f.t, ok, "listTodos.items missing from %v", r.Data)
	items, _ := v.(gql.List)
	return items, r
}

func itemIDs(items gql.List) []string {
	ids := make([]string, 0, len(items))
	for _, it := range items {
		obj, _ := it.(gql.Object)
		id, _ := obj["id"].(gql.String)
		ids = append(ids, string(id))
	}
	return ids
}

// watchRecorder collects WatchEvents.
type watchRecorder struct {
	mu     sync.Mutex
	events []WatchEvent
}

func (w *watchRecorder) handle(ev WatchEvent) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.events = append(w.events, ev)
}

func (w *watchRecorder) snapshot() []WatchEvent {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]WatchEvent(nil), w.events...)
}
