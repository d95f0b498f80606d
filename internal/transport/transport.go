// Package transport carries GraphQL operations to the server: HTTP POST for
// queries and mutations, and a WebSocket stream for subscriptions.
//
// Every failure is classified into a syncerr code before it leaves this
// package, so the engine never inspects status codes or net errors.
package transport

import (
	"context"
	"sync"

	"github.com/roach88/syncql/internal/gql"
)

// Request is a single operation plus its idempotency key. The key is empty
// for queries and subscriptions.
type Request struct {
	Operation      gql.Operation
	IdempotencyKey string
}

// Transport is what the engine needs from the network.
//
// Execute performs one query or mutation and returns the response data.
// Subscribe opens an event stream. onEvent receives each payload; onError
// receives the terminal error, if any. Neither callback is invoked after the
// returned Subscription's Done channel is closed.
type Transport interface {
	Execute(ctx context.Context, req Request) (gql.Object, error)
	Subscribe(ctx context.Context, req Request, onEvent func(gql.Object), onError func(error)) (*Subscription, error)
}

// Subscription is a live event stream.
//
// Cancellation is cooperative: Cancel signals the producing goroutine, which
// stops at its next I/O boundary and then closes Done.
type Subscription struct {
	cancel context.CancelFunc
	done   chan struct{}

	mu  sync.Mutex
	err error
}

// NewSubscription derives a cancellable context for a stream producer.
// The producer must call Finish exactly once when it stops.
func NewSubscription(parent context.Context) (*Subscription, context.Context) {
	ctx, cancel := context.WithCancel(parent)
	return &Subscription{cancel: cancel, done: make(chan struct{})}, ctx
}

// Cancel requests the stream to stop. Safe to call more than once.
func (s *Subscription) Cancel() {
	s.cancel()
}

// Done is closed once the producer has stopped.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Err returns the terminal error after Done is closed. Nil for a clean
// cancellation or server completion.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Finish records the terminal error and closes Done.
func (s *Subscription) Finish(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	s.cancel()
	close(s.done)
}
