package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/roach88/syncql/internal/gql"
	"github.com/roach88/syncql/internal/syncerr"
	"github.com/roach88/syncql/internal/transport"
)

// FetchPolicy decides where a query is answered from.
type FetchPolicy int

const (
	// CacheAndNetwork delivers the cached value (if any) first, then the
	// network value. A network failure after a cache hit is delivered as a
	// second result carrying the error.
	CacheAndNetwork FetchPolicy = iota

	// CacheOnly never touches the network. A missing entry is a CacheMiss.
	CacheOnly

	// NetworkOnly always asks the server and writes the answer through to
	// the cache.
	NetworkOnly
)

func (p FetchPolicy) String() string {
	switch p {
	case CacheOnly:
		return "cache-only"
	case NetworkOnly:
		return "network-only"
	default:
		return "cache-and-network"
	}
}

// ParseFetchPolicy parses the String form of a policy.
func ParseFetchPolicy(s string) (FetchPolicy, error) {
	switch s {
	case "cache-and-network", "":
		return CacheAndNetwork, nil
	case "cache-only":
		return CacheOnly, nil
	case "network-only":
		return NetworkOnly, nil
	}
	return 0, fmt.Errorf("unknown fetch policy %q", s)
}

// Source says where a Result came from.
type Source string

const (
	SourceCache   Source = "cache"
	SourceNetwork Source = "network"
)

// Result is one answer to a query. Exactly one of Data or Err is set.
type Result struct {
	Source     Source
	Data       gql.Object
	Version    int64
	Optimistic bool
	Err        error
}

// Query answers op according to policy. The channel yields one or two
// results (two only for CacheAndNetwork with a cache hit) and is then
// closed. A cached result is always delivered before the network result.
func (e *Engine) Query(ctx context.Context, op gql.Operation, policy FetchPolicy) <-chan Result {
	out := make(chan Result, 2)
	if op.Kind() != gql.KindQuery {
		out <- Result{Err: syncerr.Rejected(fmt.Sprintf("%s is a %s, not a query", op.Name(), op.Kind()))}
		close(out)
		return out
	}
	started := e.spawn(func() {
		defer close(out)
		e.runQuery(ctx, op, policy, out)
	})
	if !started {
		out <- Result{Err: syncerr.Cancelled(errEngineClosed)}
		close(out)
	}
	return out
}

// QueryOnce runs Query and waits for it. It returns the freshest successful
// result and the error of the last result, if any: a CacheAndNetwork query
// whose network leg fails returns the cached data together with the error.
func (e *Engine) QueryOnce(ctx context.Context, op gql.Operation, policy FetchPolicy) (Result, error) {
	var (
		best Result
		err  error
	)
	for r := range e.Query(ctx, op, policy) {
		if r.Err != nil {
			err = r.Err
			continue
		}
		best, err = r, nil
	}
	return best, err
}

func (e *Engine) runQuery(ctx context.Context, op gql.Operation, policy FetchPolicy, out chan<- Result) {
	fp := op.Fingerprint()
	lc := e.lifecycle(fp, op.Name(), StateCreated)

	if policy != NetworkOnly {
		entry, found, err := e.store.Get(ctx, fp)
		switch {
		case err != nil:
			lc.fire(eventFail)
			out <- Result{Err: e.annotate(contextErrorOr(ctx, err), op)}
			return
		case found:
			e.metrics.CacheHits.Inc()
			out <- Result{
				Source:     SourceCache,
				Data:       entry.Payload,
				Version:    entry.Version,
				Optimistic: entry.Optimistic,
			}
			if policy == CacheOnly {
				lc.fire(eventSucceed)
				return
			}
		default:
			e.metrics.CacheMisses.Inc()
			if policy == CacheOnly {
				lc.fire(eventFail)
				out <- Result{Err: syncerr.CacheMiss(op.Name(), fp)}
				return
			}
		}
	}

	lc.fire(eventDispatch)
	r, err := e.fetch(ctx, op)
	if err != nil {
		lc.fire(eventFail)
		out <- Result{Err: e.annotate(err, op)}
		return
	}
	lc.fire(eventSucceed)
	out <- r
}

// flight is the shared outcome of one deduplicated network call. The first
// waiter still interested when it lands writes it to the cache.
type flight struct {
	data gql.Object
	err  error

	once  sync.Once
	wrote WatchEvent
	werr  error
}

// fetch performs op on the network and writes the answer through. Callers
// with the same fingerprint share one transport call; each may give up
// independently, and a caller that gave up never writes.
func (e *Engine) fetch(ctx context.Context, op gql.Operation) (Result, error) {
	fp := op.Fingerprint()
	ch := e.queries.DoChan(fp, func() (any, error) {
		data, err := e.execute(e.ctx, transport.Request{Operation: op})
		return &flight{data: data, err: err}, nil
	})

	var f *flight
	select {
	case <-ctx.Done():
		return Result{}, contextError(ctx.Err())
	case r := <-ch:
		f = r.Val.(*flight)
	}
	if f.err != nil {
		return Result{}, f.err
	}
	if err := ctx.Err(); err != nil {
		return Result{}, contextError(err)
	}

	f.once.Do(func() {
		f.wrote, f.werr = e.writeBase(context.WithoutCancel(ctx), fp, op.Name(), f.data)
	})
	if f.werr != nil {
		return Result{}, f.werr
	}
	return Result{
		Source:     SourceNetwork,
		Data:       f.wrote.Payload,
		Version:    f.wrote.Version,
		Optimistic: f.wrote.Optimistic,
	}, nil
}

// writeBase records a server value for fp. Pending optimistic layers are
// re-applied on top of it.
func (e *Engine) writeBase(ctx context.Context, fp, name string, data gql.Object) (WatchEvent, error) {
	if data == nil {
		data = gql.Object{}
	}
	ev, err := e.updateEntry(ctx, fp, name, func(st *entryState) {
		st.name = name
		st.base, st.hasBase = data, true
	})
	if err != nil {
		return WatchEvent{}, fmt.Errorf("write %s: %w", name, err)
	}
	return ev, nil
}

// refetch runs a network-only query in the background. Failures are
// logged; the entry keeps its current value.
func (e *Engine) refetch(op gql.Operation) {
	e.spawn(func() {
		if _, err := e.fetch(e.ctx, op); err != nil {
			e.logger.Warn("refetch failed", "operation", op.Name(), "error", err)
		}
	})
}

func (e *Engine) annotate(err error, op gql.Operation) error {
	return syncerr.WithOperation(err, op.Name(), op.Fingerprint())
}

// contextError converts a context error into its syncerr form.
func contextError(err error) error {
	if ce := syncerr.FromContext(err); ce != nil {
		return ce
	}
	return err
}

// contextErrorOr prefers the context's own error when ctx has ended, since
// the store reports cancellation as a wrapped driver error.
func contextErrorOr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return contextError(ctx.Err())
	}
	return err
}
