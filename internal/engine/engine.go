package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/roach88/syncql/internal/auth"
	"github.com/roach88/syncql/internal/dispatch"
	"github.com/roach88/syncql/internal/gql"
	"github.com/roach88/syncql/internal/metrics"
	"github.com/roach88/syncql/internal/store"
	"github.com/roach88/syncql/internal/transport"
)

// DefaultWorkers bounds concurrent network operations.
const DefaultWorkers = 8

// Engine coordinates the cache, the pending-mutation queue, the transport
// and subscriber notification.
//
// Thread-safety model:
//   - All exported methods are safe from any goroutine.
//   - There is no engine-wide lock. Cache read-modify-write is serialized
//     per fingerprint, mutations hold a per-fingerprint ticket across
//     dispatch, and identical queries share one flight.
//   - No lock is held while waiting on the network.
type Engine struct {
	store      *store.Store
	transport  transport.Transport
	tokens     auth.TokenProvider
	dispatcher *dispatch.Dispatcher
	ownsDisp   bool
	clock      *Clock
	gen        TokenGenerator

	rules     []Rule
	ruleIndex ruleSet
	templates map[string]gql.Object

	workerCount int
	workers     *semaphore.Weighted
	queries     singleflight.Group
	flushes     singleflight.Group

	tickets    *keyedLocks
	cacheLocks *keyedLocks

	statesMu sync.Mutex
	states   map[string]*entryState

	online atomic.Bool

	subsMu  sync.Mutex
	subs    map[int64]*SubscriptionHandle
	nextSub atomic.Int64
	subIdle *idleCounter

	metrics      *metrics.Metrics
	logger       *slog.Logger
	onTransition func(Transition)
	queueSize    int

	ctx    context.Context
	cancel context.CancelFunc

	// bgMu orders bg.Add against the closed flag so Close never waits
	// concurrently with an Add.
	bgMu   sync.Mutex
	bg     sync.WaitGroup
	closed atomic.Bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithRules registers cache update rules, in order.
func WithRules(rules ...Rule) Option {
	return func(e *Engine) { e.rules = append(e.rules, rules...) }
}

// WithOptimisticTemplate sets the default optimistic payload template for
// mutations named name. See TemplateToken and TemplateVarPrefix.
func WithOptimisticTemplate(name string, tmpl gql.Object) Option {
	return func(e *Engine) { e.templates[name] = tmpl.Clone() }
}

// WithWorkers bounds concurrent network operations.
//
// Default: DefaultWorkers.
func WithWorkers(n int) Option {
	return func(e *Engine) { e.workerCount = n }
}

// WithTokenGenerator overrides the UUIDv7 idempotency token generator.
func WithTokenGenerator(g TokenGenerator) Option {
	return func(e *Engine) { e.gen = g }
}

// WithDispatcher shares an existing dispatcher. The engine does not close
// it.
func WithDispatcher(d *dispatch.Dispatcher) Option {
	return func(e *Engine) { e.dispatcher = d }
}

// WithQueueSize sets the per-subscriber queue size of the engine's own
// dispatcher.
func WithQueueSize(n int) Option {
	return func(e *Engine) { e.queueSize = n }
}

// WithMetrics records cache, queue and request metrics on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithTransitionHook observes every operation lifecycle transition. The
// hook runs synchronously on the operation's goroutine.
func WithTransitionHook(fn func(Transition)) Option {
	return func(e *Engine) { e.onTransition = fn }
}

// StartOffline makes the engine queue mutations until SetOnline(true).
func StartOffline() Option {
	return func(e *Engine) { e.online.Store(false) }
}

// New creates an Engine. The logical clock resumes from the highest
// version in s. The engine does not own s or tr; close them after Close.
func New(ctx context.Context, s *store.Store, tr transport.Transport, tokens auth.TokenProvider, opts ...Option) (*Engine, error) {
	e := &Engine{
		store:       s,
		transport:   tr,
		tokens:      tokens,
		gen:         UUIDv7Generator{},
		templates:   make(map[string]gql.Object),
		workerCount: DefaultWorkers,
		tickets:     newKeyedLocks(),
		cacheLocks:  newKeyedLocks(),
		states:      make(map[string]*entryState),
		subIdle:     newIdleCounter(),
		subs:        make(map[int64]*SubscriptionHandle),
		logger:      slog.Default(),
		queueSize:   dispatch.DefaultQueueSize,
	}
	e.online.Store(true)

	for _, opt := range opts {
		opt(e)
	}

	if e.workerCount < 1 {
		return nil, fmt.Errorf("engine: workers must be positive, got %d", e.workerCount)
	}
	rs, err := newRuleSet(e.rules)
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}
	e.ruleIndex = rs
	e.metrics = metrics.OrNew(e.metrics)
	e.workers = semaphore.NewWeighted(int64(e.workerCount))

	if e.dispatcher == nil {
		e.dispatcher = dispatch.New(
			dispatch.WithQueueSize(e.queueSize),
			dispatch.WithMetrics(e.metrics),
			dispatch.WithLogger(e.logger))
		e.ownsDisp = true
	}

	maxVersion, err := s.MaxVersion(ctx)
	if err != nil {
		return nil, fmt.Errorf("engine: recover clock: %w", err)
	}
	e.clock = NewClockAt(maxVersion)

	e.ctx, e.cancel = context.WithCancel(context.Background())
	return e, nil
}

// Online reports whether mutations are dispatched immediately.
func (e *Engine) Online() bool {
	return e.online.Load()
}

// SetOnline switches between online and offline mode. Going online starts
// a background Flush of queued mutations.
func (e *Engine) SetOnline(online bool) {
	was := e.online.Swap(online)
	if online == was {
		return
	}
	e.logger.Info("connectivity changed", "online", online)
	if !online {
		return
	}
	e.spawn(func() {
		if _, err := e.Flush(e.ctx); err != nil {
			e.logger.Warn("background flush stopped", "error", err)
		}
	})
}

// spawn runs fn on a goroutine that Close waits for. It reports false,
// without running fn, once Close has begun.
func (e *Engine) spawn(fn func()) bool {
	e.bgMu.Lock()
	defer e.bgMu.Unlock()
	if e.closed.Load() {
		return false
	}
	e.bg.Add(1)
	go func() {
		defer e.bg.Done()
		fn()
	}()
	return true
}

// Wait blocks until every subscription event received so far has been
// applied and every notification has been handed to its callback, or ctx
// ends.
func (e *Engine) Wait(ctx context.Context) error {
	if err := e.subIdle.wait(ctx); err != nil {
		return err
	}
	return e.dispatcher.Wait(ctx)
}

// Pending lists queued mutations in replay order.
func (e *Engine) Pending(ctx context.Context) ([]store.PendingMutation, error) {
	return e.store.ListPending(ctx)
}

// Clock exposes the logical clock, mainly for inspection in tests.
func (e *Engine) Clock() *Clock {
	return e.clock
}

// Close cancels subscriptions and in-flight background work and waits for
// it to stop. Pending mutations stay queued in the store.
func (e *Engine) Close() error {
	e.bgMu.Lock()
	already := e.closed.Swap(true)
	e.bgMu.Unlock()
	if already {
		return nil
	}
	e.cancel()

	e.subsMu.Lock()
	handles := make([]*SubscriptionHandle, 0, len(e.subs))
	for _, h := range e.subs {
		handles = append(handles, h)
	}
	e.subsMu.Unlock()
	for _, h := range handles {
		e.Unsubscribe(h)
	}

	e.bg.Wait()
	if e.ownsDisp {
		e.dispatcher.Close()
	}
	e.logger.Debug("engine closed")
	return nil
}

// execute runs one network operation inside the worker pool.
func (e *Engine) execute(ctx context.Context, req transport.Request) (gql.Object, error) {
	if err := e.workers.Acquire(ctx, 1); err != nil {
		return nil, contextError(err)
	}
	defer e.workers.Release(1)
	return e.transport.Execute(ctx, req)
}

func (e *Engine) lifecycle(id, name, initial string) *lifecycle {
	return newLifecycle(id, name, initial, e.logger, e.onTransition)
}
