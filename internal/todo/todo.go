// Package todo is a typed client for the Todo API on top of the sync
// engine.
package todo

import (
	"context"
	_ "embed"
	"fmt"
	"strconv"
	"sync"

	"github.com/roach88/syncql/internal/catalog"
	"github.com/roach88/syncql/internal/engine"
	"github.com/roach88/syncql/internal/gql"
	"github.com/roach88/syncql/internal/telemetry"
)

//go:embed todo.cue
var catalogSource string

// Operation names declared in the catalog.
const (
	OpListTodos    = "ListTodos"
	OpCreateTodo   = "CreateTodo"
	OpOnCreateTodo = "OnCreateTodo"
)

var (
	catalogOnce sync.Once
	compiled    *catalog.Catalog
	compileErr  error
)

// Catalog returns the compiled Todo catalog.
func Catalog() (*catalog.Catalog, error) {
	catalogOnce.Do(func() {
		compiled, compileErr = catalog.CompileString(catalogSource, "todo.cue")
	})
	return compiled, compileErr
}

// Todo is one item.
type Todo struct {
	ID          string
	Name        string
	Description string

	// Pending is true while the item only exists as an optimistic
	// placeholder.
	Pending bool
}

// Snapshot is one answer to ListTodos.
type Snapshot struct {
	Todos      []Todo
	Source     engine.Source
	Version    int64
	Optimistic bool
	Err        error
}

// Client wraps an engine with the Todo operations.
type Client struct {
	engine    *engine.Engine
	catalog   *catalog.Catalog
	telemetry telemetry.Session
}

// Option configures a Client.
type Option func(*Client)

// WithTelemetry records todo_created and todos_listed events on s.
func WithTelemetry(s telemetry.Session) Option {
	return func(c *Client) { c.telemetry = s }
}

// NewClient creates a client. The engine must have been built with
// EngineOptions so the catalog's rules and templates are installed.
func NewClient(e *engine.Engine, opts ...Option) (*Client, error) {
	cat, err := Catalog()
	if err != nil {
		return nil, err
	}
	c := &Client{engine: e, catalog: cat, telemetry: telemetry.Nop{}}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// EngineOptions returns the engine options for the Todo catalog.
func EngineOptions() ([]engine.Option, error) {
	cat, err := Catalog()
	if err != nil {
		return nil, err
	}
	return cat.EngineOptions(), nil
}

// CreateTodo creates an item. A queued result (offline) carries the
// optimistic placeholder, whose ID is the mutation token.
func (c *Client) CreateTodo(ctx context.Context, name, description string) (Todo, engine.MutationResult, error) {
	op, err := c.catalog.Build(OpCreateTodo, gql.Object{
		"input": gql.Object{
			"name":        gql.String(name),
			"description": gql.String(description),
		},
	})
	if err != nil {
		return Todo{}, engine.MutationResult{}, err
	}

	res, err := c.engine.Mutate(ctx, op)
	if err != nil {
		return Todo{}, res, err
	}
	if res.Queued {
		c.telemetry.Record("todo_created", map[string]string{"name": name, "queued": "true"})
		return Todo{ID: res.Token, Name: name, Description: description, Pending: true}, res, nil
	}

	created, ok := res.Data["createTodo"]
	if !ok {
		return Todo{}, res, fmt.Errorf("todo: createTodo missing from response")
	}
	t := fromValue(created, res.Token)
	c.telemetry.Record("todo_created", map[string]string{"id": t.ID, "name": t.Name})
	return t, res, nil
}

// ListTodos lists items by policy. The channel yields one or two snapshots
// and is then closed.
func (c *Client) ListTodos(ctx context.Context, policy engine.FetchPolicy) (<-chan Snapshot, error) {
	op, err := c.catalog.Build(OpListTodos, nil)
	if err != nil {
		return nil, err
	}

	out := make(chan Snapshot, 2)
	results := c.engine.Query(ctx, op, policy)
	go func() {
		defer close(out)
		for r := range results {
			snap := Snapshot{Source: r.Source, Version: r.Version, Optimistic: r.Optimistic, Err: r.Err}
			if r.Err == nil {
				snap.Todos = listFrom(r.Data)
				c.telemetry.Record("todos_listed", map[string]string{
					"count":  strconv.Itoa(len(snap.Todos)),
					"source": string(r.Source),
				})
			}
			out <- snap
		}
	}()
	return out, nil
}

// OnCreateTodo calls fn for every item created by any client until the
// handle is unsubscribed or ctx ends.
func (c *Client) OnCreateTodo(ctx context.Context, fn func(Todo)) (*engine.SubscriptionHandle, error) {
	op, err := c.catalog.Build(OpOnCreateTodo, nil)
	if err != nil {
		return nil, err
	}
	return c.engine.Subscribe(ctx, op, func(data gql.Object) {
		if v, ok := data["onCreateTodo"]; ok {
			fn(fromValue(v, ""))
		}
	})
}

func listFrom(data gql.Object) []Todo {
	v, ok := data.Lookup("listTodos.items")
	if !ok {
		return nil
	}
	items, _ := v.(gql.List)
	out := make([]Todo, 0, len(items))
	for _, it := range items {
		out = append(out, fromValue(it, ""))
	}
	return out
}

// fromValue decodes an item. An ID equal to token marks a placeholder.
func fromValue(v gql.Value, token string) Todo {
	obj, _ := v.(gql.Object)
	str := func(key string) string {
		s, _ := obj[key].(gql.String)
		return string(s)
	}
	t := Todo{ID: str("id"), Name: str("name"), Description: str("description")}
	t.Pending = token != "" && t.ID == token
	return t
}
