package testutil

import (
	"context"
	"fmt"
	"sync"

	"github.com/roach88/syncql/internal/gql"
	"github.com/roach88/syncql/internal/syncerr"
	"github.com/roach88/syncql/internal/transport"
)

// Handler computes the response to one operation. It runs with the
// backend's execution lock held, so handlers never race each other.
type Handler func(b *Backend, vars gql.Object) (gql.Object, error)

// ErrOffline is returned by every call while the backend is offline.
var ErrOffline = syncerr.New(syncerr.CodeConnectionLost, "backend offline")

// Backend is an in-memory GraphQL server implementing transport.Transport,
// with the Todo schema preinstalled.
//
// Mutations carrying an idempotency key are applied once: a replay returns
// the recorded response without running the handler again. Tests can take
// the backend offline, inject failures, hold calls at a gate, publish
// subscription events and count calls.
//
// Thread-safety: safe for concurrent use.
type Backend struct {
	// exec serializes handler execution and the idempotency check.
	exec sync.Mutex

	mu       sync.Mutex
	handlers map[string]Handler
	applied  map[string]gql.Object
	calls    map[string]int
	replays  int
	offline  bool
	failures map[string][]error
	gates    map[string]chan struct{}
	streams  map[*stream]struct{}
	todos    []gql.Object
	nextID   int
}

var _ transport.Transport = (*Backend)(nil)

// NewBackend creates a backend serving CreateTodo, ListTodos and
// OnCreateTodo.
func NewBackend() *Backend {
	b := &Backend{
		handlers: make(map[string]Handler),
		applied:  make(map[string]gql.Object),
		calls:    make(map[string]int),
		failures: make(map[string][]error),
		gates:    make(map[string]chan struct{}),
		streams:  make(map[*stream]struct{}),
	}
	b.Handle("CreateTodo", createTodo)
	b.Handle("ListTodos", listTodos)
	return b
}

// Handle installs or replaces the handler for an operation name.
func (b *Backend) Handle(name string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[name] = h
}

// Execute implements transport.Transport.
func (b *Backend) Execute(ctx context.Context, req transport.Request) (gql.Object, error) {
	name := req.Operation.Name()

	b.mu.Lock()
	b.calls[name]++
	gate := b.gates[name]
	b.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, syncerr.FromContext(ctx.Err())
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, syncerr.FromContext(err)
	}

	b.exec.Lock()
	defer b.exec.Unlock()

	b.mu.Lock()
	if b.offline {
		b.mu.Unlock()
		return nil, ErrOffline
	}
	if errs := b.failures[name]; len(errs) > 0 {
		b.failures[name] = errs[1:]
		b.mu.Unlock()
		return nil, errs[0]
	}
	if key := req.IdempotencyKey; key != "" {
		if resp, ok := b.applied[key]; ok {
			b.replays++
			b.mu.Unlock()
			return resp.Clone(), nil
		}
	}
	h := b.handlers[name]
	b.mu.Unlock()

	if h == nil {
		return nil, syncerr.Rejected("unknown operation", fmt.Sprintf("Cannot query field %q", name))
	}
	resp, err := h(b, req.Operation.Variables())
	if err != nil {
		return nil, err
	}
	if key := req.IdempotencyKey; key != "" {
		b.mu.Lock()
		b.applied[key] = resp.Clone()
		b.mu.Unlock()
	}
	return resp, nil
}

// Subscribe implements transport.Transport. Events published for the
// operation's name reach onEvent synchronously from Publish.
func (b *Backend) Subscribe(ctx context.Context, req transport.Request, onEvent func(gql.Object), onError func(error)) (*transport.Subscription, error) {
	b.mu.Lock()
	b.calls[req.Operation.Name()]++
	if b.offline {
		b.mu.Unlock()
		return nil, ErrOffline
	}
	if errs := b.failures[req.Operation.Name()]; len(errs) > 0 {
		b.failures[req.Operation.Name()] = errs[1:]
		b.mu.Unlock()
		return nil, errs[0]
	}

	sub, subCtx := transport.NewSubscription(ctx)
	s := &stream{name: req.Operation.Name(), onEvent: onEvent, onError: onError, sub: sub}
	b.streams[s] = struct{}{}
	b.mu.Unlock()

	go func() {
		<-subCtx.Done()
		b.mu.Lock()
		delete(b.streams, s)
		b.mu.Unlock()
		s.end(nil)
	}()
	return sub, nil
}

// Publish sends data to every open stream for the named subscription and
// returns how many streams received it.
func (b *Backend) Publish(name string, data gql.Object) int {
	n := 0
	for _, s := range b.openStreams(name) {
		if s.deliver(data) {
			n++
		}
	}
	return n
}

// EndStreams terminates every open stream for name. A non-nil err is
// reported to the subscriber as the terminal error.
func (b *Backend) EndStreams(name string, err error) {
	for _, s := range b.openStreams(name) {
		s.end(err)
	}
}

// Streams counts open streams for name.
func (b *Backend) Streams(name string) int {
	return len(b.openStreams(name))
}

func (b *Backend) openStreams(name string) []*stream {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*stream
	for s := range b.streams {
		if s.name == name && !s.isClosed() {
			out = append(out, s)
		}
	}
	return out
}

// SetOffline makes every call fail with CONNECTION_LOST while true.
func (b *Backend) SetOffline(offline bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.offline = offline
}

// FailNext makes the next len(errs) calls of name fail with errs, in order.
func (b *Backend) FailNext(name string, errs ...error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures[name] = append(b.failures[name], errs...)
}

// Block holds every call of name (already counted by Calls) until the
// returned release function is called.
func (b *Backend) Block(name string) (release func()) {
	gate := make(chan struct{})
	b.mu.Lock()
	b.gates[name] = gate
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			if b.gates[name] == gate {
				delete(b.gates, name)
			}
			b.mu.Unlock()
			close(gate)
		})
	}
}

// Calls reports how many times name was executed or subscribed, including
// failed and replayed calls.
func (b *Backend) Calls(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[name]
}

// Replays reports how many calls were answered from the idempotency record.
func (b *Backend) Replays() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.replays
}

// Todos returns a copy of the server's todo list.
func (b *Backend) Todos() []gql.Object {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]gql.Object, len(b.todos))
	for i, t := range b.todos {
		out[i] = t.Clone()
	}
	return out
}

// CreateExternal creates a todo as another client would: no idempotency
// key, and subscribers are notified.
func (b *Backend) CreateExternal(name, description string) gql.Object {
	b.exec.Lock()
	defer b.exec.Unlock()
	item := b.addTodo(name, gql.String(description))
	b.Publish("OnCreateTodo", gql.Object{"onCreateTodo": item})
	return item
}

func (b *Backend) addTodo(name string, description gql.Value) gql.Object {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	item := gql.Object{
		"id":          gql.String(fmt.Sprintf("todo-%d", b.nextID)),
		"name":        gql.String(name),
		"description": description,
	}
	b.todos = append(b.todos, item)
	return item.Clone()
}

func createTodo(b *Backend, vars gql.Object) (gql.Object, error) {
	input, _ := vars["input"].(gql.Object)
	name, _ := input["name"].(gql.String)
	if name == "" {
		return nil, syncerr.Rejected("validation failed", "input.name is required")
	}
	description, ok := input["description"]
	if !ok {
		description = gql.Null{}
	}
	item := b.addTodo(string(name), description)
	b.Publish("OnCreateTodo", gql.Object{"onCreateTodo": item})
	return gql.Object{"createTodo": item}, nil
}

func listTodos(b *Backend, _ gql.Object) (gql.Object, error) {
	todos := b.Todos()
	items := make(gql.List, len(todos))
	for i, t := range todos {
		items[i] = t
	}
	return gql.Object{"listTodos": gql.Object{"items": items}}, nil
}

// stream is one open subscription.
type stream struct {
	name    string
	onEvent func(gql.Object)
	onError func(error)
	sub     *transport.Subscription

	mu     sync.Mutex
	closed bool
}

func (s *stream) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *stream) deliver(data gql.Object) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.onEvent(data.Clone())
	return true
}

func (s *stream) end(err error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	if err != nil && s.onError != nil {
		s.onError(err)
	}
	s.sub.Finish(err)
}
