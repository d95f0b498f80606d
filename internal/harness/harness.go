package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/roach88/syncql/internal/auth"
	"github.com/roach88/syncql/internal/catalog"
	"github.com/roach88/syncql/internal/engine"
	"github.com/roach88/syncql/internal/gql"
	"github.com/roach88/syncql/internal/store"
	"github.com/roach88/syncql/internal/syncerr"
	"github.com/roach88/syncql/internal/testutil"
	"github.com/roach88/syncql/internal/todo"
)

// DefaultStepTimeout bounds each step, including the wait for
// notifications it caused.
const DefaultStepTimeout = 10 * time.Second

// Harness runs one scenario. Each run gets a fresh in-memory store and
// backend, a sequential token generator and a transition hook, so the same
// scenario always produces the same trace.
type Harness struct {
	scenario *Scenario
	catalog  *catalog.Catalog
	store    *store.Store
	backend  *testutil.Backend
	tokens   *engine.SequentialGenerator
	logger   *slog.Logger
	engine   *engine.Engine

	// runCtx outlives single steps; subscriptions are bound to it.
	runCtx context.Context

	mu          sync.Mutex
	step        int
	transitions []TraceEvent
	watches     []TraceEvent
	callbacks   []TraceEvent
	all         []engine.Transition
	events      map[string]int

	watched  map[string]gql.Operation
	watchers []*engine.Watcher
	subs     map[string]*engine.SubscriptionHandle
}

// Option configures a run.
type Option func(*Harness)

// WithLogger sends engine logs to logger. Runs are silent by default.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Harness) { h.logger = logger }
}

// Run executes scenario and evaluates its expectations and assertions. The
// returned error reports a broken setup (bad catalog, store failure);
// failed expectations are recorded in the Result.
func Run(ctx context.Context, scenario *Scenario, opts ...Option) (*Result, error) {
	cat, err := loadCatalog(scenario.Catalog)
	if err != nil {
		return nil, err
	}

	st, err := store.Open(":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}
	defer st.Close()

	prefix := scenario.TokenPrefix
	if prefix == "" {
		prefix = "tok"
	}
	h := &Harness{
		scenario: scenario,
		catalog:  cat,
		store:    st,
		backend:  testutil.NewBackend(),
		tokens:   engine.NewSequentialGenerator(prefix),
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		events:   make(map[string]int),
		watched:  make(map[string]gql.Operation),
		subs:     make(map[string]*engine.SubscriptionHandle),
		runCtx:   ctx,
	}
	for _, opt := range opts {
		opt(h)
	}
	h.backend.SetOffline(scenario.StartOffline)

	if err := h.start(ctx, scenario.StartOffline); err != nil {
		return nil, err
	}
	defer func() { h.engine.Close() }()

	result := NewResult()
	for i, step := range scenario.Steps {
		h.begin(i)
		stepCtx, cancel := context.WithTimeout(ctx, DefaultStepTimeout)
		outcome, err := h.execute(stepCtx, step)
		if werr := h.engine.Wait(stepCtx); werr != nil {
			result.AddError(fmt.Sprintf("step %d (%s): notifications not drained: %v", i, step.Action, werr))
		}
		cancel()
		if errors.Is(err, errSetup) {
			return nil, fmt.Errorf("step %d (%s): %w", i, step.Action, err)
		}
		h.end(result, step, outcome)

		for _, msg := range checkExpect(step, outcome, err) {
			result.AddError(fmt.Sprintf("step %d (%s %s): %s", i, step.Action, step.Operation, msg))
		}
		h.logger.Info("scenario step completed", "scenario", scenario.Name, "step", i, "action", step.Action)
	}

	h.mu.Lock()
	result.Transitions = append([]engine.Transition(nil), h.all...)
	h.mu.Unlock()

	actx := &AssertionContext{
		Ctx:     ctx,
		Engine:  h.engine,
		Catalog: cat,
		Backend: h.backend,
		Events:  h.eventCounts(),
	}
	for _, msg := range EvaluateAssertions(result, scenario.Assertions, actx) {
		result.AddError(msg)
	}
	return result, nil
}

var errSetup = errors.New("scenario setup failed")

func loadCatalog(path string) (*catalog.Catalog, error) {
	if path == "" {
		return todo.Catalog()
	}
	return catalog.Load(path)
}

// start creates an engine over the harness store and re-installs watchers
// for every operation watched so far.
func (h *Harness) start(ctx context.Context, offline bool) error {
	opts := append(h.catalog.EngineOptions(),
		engine.WithTokenGenerator(h.tokens),
		engine.WithTransitionHook(h.onTransition),
		engine.WithLogger(h.logger),
	)
	if offline {
		opts = append(opts, engine.StartOffline())
	}
	e, err := engine.New(ctx, h.store, h.backend, auth.NewStatic("scenario-token", time.Time{}), opts...)
	if err != nil {
		return fmt.Errorf("%w: %v", errSetup, err)
	}
	h.engine = e

	h.watchers = h.watchers[:0]
	fps := make([]string, 0, len(h.watched))
	for fp := range h.watched {
		fps = append(fps, fp)
	}
	sort.Strings(fps)
	for _, fp := range fps {
		h.watch(h.watched[fp])
	}
	return nil
}

func (h *Harness) begin(step int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.step = step
	h.transitions, h.watches, h.callbacks = nil, nil, nil
}

// end appends the step's trace events to result in their fixed order.
func (h *Harness) end(result *Result, step Step, outcome map[string]any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	result.Trace = append(result.Trace, TraceEvent{
		Type:      EventStep,
		Step:      h.step,
		Action:    step.Action,
		Operation: step.Operation,
		Outcome:   outcome,
	})
	result.Trace = append(result.Trace, h.transitions...)
	result.Trace = append(result.Trace, h.watches...)
	result.Trace = append(result.Trace, h.callbacks...)
}

func (h *Harness) onTransition(tr engine.Transition) {
	ev := TraceEvent{Type: EventTransition, Operation: tr.Operation, From: tr.From, To: tr.To}
	if op, ok := h.catalog.Operation(tr.Operation); ok && op.Kind == gql.KindMutation {
		ev.ID = tr.ID
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	ev.Step = h.step
	h.transitions = append(h.transitions, ev)
	h.all = append(h.all, tr)
}

func (h *Harness) watch(op gql.Operation) {
	w := h.engine.Watch(op, func(we engine.WatchEvent) {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.watches = append(h.watches, TraceEvent{
			Type:       EventWatch,
			Step:       h.step,
			Operation:  op.Name(),
			Optimistic: we.Optimistic,
			Removed:    we.Removed,
			Payload:    we.Payload,
		})
	})
	h.watchers = append(h.watchers, w)
}

func (h *Harness) eventCounts() map[string]int {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[string]int, len(h.events))
	for k, v := range h.events {
		out[k] = v
	}
	return out
}

func (h *Harness) build(step Step) (gql.Operation, error) {
	vars, err := gql.VariablesFromAny(step.Vars)
	if err != nil {
		return gql.Operation{}, fmt.Errorf("%w: vars: %v", errSetup, err)
	}
	op, err := h.catalog.Build(step.Operation, vars)
	if err != nil {
		return gql.Operation{}, fmt.Errorf("%w: %v", errSetup, err)
	}
	return op, nil
}

// execute runs one step and returns its outcome for the trace. Step errors
// that the scenario may expect are returned as is; errSetup marks errors
// that abort the run.
func (h *Harness) execute(ctx context.Context, step Step) (map[string]any, error) {
	switch step.Action {
	case ActionQuery:
		return h.query(ctx, step)
	case ActionMutate:
		return h.mutate(ctx, step)

	case ActionFlush:
		res, err := h.engine.Flush(ctx)
		return errorOutcome(map[string]any{
			"confirmed": res.Confirmed,
			"rejected":  res.Rejected,
			"remaining": res.Remaining,
		}, err), err

	case ActionOffline:
		h.backend.SetOffline(true)
		h.engine.SetOnline(false)
		return nil, nil

	case ActionOnline:
		// Only the network comes back; the engine notices through the next
		// flush, which keeps background replays out of the trace.
		h.backend.SetOffline(false)
		return nil, nil

	case ActionSubscribe:
		op, err := h.build(step)
		if err != nil {
			return nil, err
		}
		name := op.Name()
		handle, err := h.engine.Subscribe(h.runCtx, op, func(data gql.Object) {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.events[name]++
			h.callbacks = append(h.callbacks, TraceEvent{Type: EventCallback, Step: h.step, Operation: name, Data: data})
		})
		if err != nil {
			return errorOutcome(nil, err), err
		}
		h.subs[name] = handle
		return nil, nil

	case ActionUnsubscribe:
		handle, ok := h.subs[step.Operation]
		if !ok {
			return nil, fmt.Errorf("%w: %s is not subscribed", errSetup, step.Operation)
		}
		h.engine.Unsubscribe(handle)
		delete(h.subs, step.Operation)
		return nil, nil

	case ActionExternal:
		item := h.backend.CreateExternal(step.Name, step.Description)
		id, _ := item["id"].(gql.String)
		return map[string]any{"id": string(id)}, nil

	case ActionFailNext:
		errs := make([]error, len(step.Errors))
		for i, code := range step.Errors {
			errs[i] = syncerr.New(syncerr.Code(code), "injected by scenario")
		}
		h.backend.FailNext(step.Operation, errs...)
		return nil, nil

	case ActionRestart:
		return h.restart(ctx)
	}
	return nil, fmt.Errorf("%w: unknown action %q", errSetup, step.Action)
}

func (h *Harness) query(ctx context.Context, step Step) (map[string]any, error) {
	op, err := h.build(step)
	if err != nil {
		return nil, err
	}
	policy, err := engine.ParseFetchPolicy(step.Policy)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errSetup, err)
	}
	if _, ok := h.watched[op.Fingerprint()]; !ok {
		h.watched[op.Fingerprint()] = op
		h.watch(op)
	}

	var (
		sources []any
		last    gql.Object
		lastErr error
		optim   bool
	)
	for r := range h.engine.Query(ctx, op, policy) {
		if r.Err != nil {
			lastErr = r.Err
			continue
		}
		sources = append(sources, string(r.Source))
		last, optim = r.Data, r.Optimistic
	}

	outcome := map[string]any{}
	if len(sources) > 0 {
		outcome["sources"] = sources
		outcome["data"] = last
		if optim {
			outcome["optimistic"] = true
		}
	}
	return errorOutcome(outcome, lastErr), lastErr
}

func (h *Harness) mutate(ctx context.Context, step Step) (map[string]any, error) {
	op, err := h.build(step)
	if err != nil {
		return nil, err
	}
	var opts []engine.MutateOption
	if step.Token != "" {
		opts = append(opts, engine.WithToken(step.Token))
	}
	res, err := h.engine.Mutate(ctx, op, opts...)
	outcome := map[string]any{"token": res.Token, "state": res.State}
	if res.Queued {
		outcome["queued"] = true
	}
	if res.Data != nil {
		outcome["data"] = res.Data
	}
	return errorOutcome(outcome, err), err
}

// restart closes the engine and opens a new one over the same store, as a
// process restart would, then rebuilds optimistic layers.
func (h *Harness) restart(ctx context.Context) (map[string]any, error) {
	online := h.engine.Online()
	if err := h.engine.Close(); err != nil {
		return nil, fmt.Errorf("%w: close: %v", errSetup, err)
	}
	for name := range h.subs {
		delete(h.subs, name)
	}
	if err := h.start(ctx, !online); err != nil {
		return nil, err
	}
	n, err := h.engine.Recover(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: recover: %v", errSetup, err)
	}
	return map[string]any{"pending": n}, nil
}

func errorOutcome(outcome map[string]any, err error) map[string]any {
	if err == nil {
		return outcome
	}
	if outcome == nil {
		outcome = map[string]any{}
	}
	outcome["error"] = string(syncerr.CodeOf(err))
	return outcome
}

// checkExpect compares a step outcome with its expect clause.
func checkExpect(step Step, outcome map[string]any, err error) []string {
	exp := step.Expect
	if exp == nil {
		if err != nil {
			return []string{fmt.Sprintf("unexpected error: %v", err)}
		}
		return nil
	}

	var errs []string
	fail := func(format string, args ...any) { errs = append(errs, fmt.Sprintf(format, args...)) }

	code := ""
	if err != nil {
		code = string(syncerr.CodeOf(err))
	}
	if code != exp.Error {
		fail("expected error %q, got %q (%v)", exp.Error, code, err)
	}

	if exp.Sources != nil {
		var got []string
		if src, ok := outcome["sources"].([]any); ok {
			for _, s := range src {
				got = append(got, s.(string))
			}
		}
		if strings.Join(got, ",") != strings.Join(exp.Sources, ",") {
			fail("expected sources %v, got %v", exp.Sources, got)
		}
	}
	if exp.Count != nil {
		data, _ := outcome["data"].(gql.Object)
		n, ok := listLen(data, exp.Path)
		if !ok {
			fail("no list at %q", exp.Path)
		} else if n != *exp.Count {
			fail("expected %d items at %q, got %d", *exp.Count, exp.Path, n)
		}
	}
	if exp.Optimistic != nil {
		got, _ := outcome["optimistic"].(bool)
		if got != *exp.Optimistic {
			fail("expected optimistic=%v, got %v", *exp.Optimistic, got)
		}
	}
	if exp.Queued != nil {
		got, _ := outcome["queued"].(bool)
		if got != *exp.Queued {
			fail("expected queued=%v, got %v", *exp.Queued, got)
		}
	}
	if exp.State != "" && outcome["state"] != exp.State {
		fail("expected state %q, got %v", exp.State, outcome["state"])
	}
	for key, want := range map[string]*int{
		"confirmed": exp.Confirmed,
		"rejected":  exp.Rejected,
		"remaining": exp.Remaining,
		"pending":   exp.Pending,
	} {
		if want == nil {
			continue
		}
		if got, _ := outcome[key].(int); got != *want {
			fail("expected %s=%d, got %v", key, *want, outcome[key])
		}
	}
	sort.Strings(errs)
	return errs
}

func listLen(data gql.Object, path string) (int, bool) {
	if data == nil {
		return 0, false
	}
	v, ok := data.Lookup(path)
	if !ok {
		return 0, false
	}
	l, ok := v.(gql.List)
	return len(l), ok
}
