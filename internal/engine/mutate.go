package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/roach88/syncql/internal/gql"
	"github.com/roach88/syncql/internal/store"
	"github.com/roach88/syncql/internal/syncerr"
	"github.com/roach88/syncql/internal/transport"
)

var errEngineClosed = errors.New("engine closed")

// MutationResult reports how a mutation ended.
type MutationResult struct {
	// Token is the idempotency token sent with every attempt.
	Token string

	// Data is the server response. Nil while queued.
	Data gql.Object

	// Queued is true when the mutation was stored for a later Flush
	// instead of being confirmed.
	Queued bool

	// State is the final lifecycle state.
	State string
}

type mutateConfig struct {
	token    string
	template gql.Object
	noTmpl   bool
	refetch  []gql.Operation
}

// MutateOption configures a single Mutate call.
type MutateOption func(*mutateConfig)

// WithOptimistic sets the optimistic payload template for this call,
// overriding the engine default for the mutation's name.
func WithOptimistic(tmpl gql.Object) MutateOption {
	return func(c *mutateConfig) { c.template = tmpl }
}

// WithoutOptimistic disables optimistic layers for this call.
func WithoutOptimistic() MutateOption {
	return func(c *mutateConfig) { c.noTmpl = true }
}

// WithToken uses a caller-supplied idempotency token.
func WithToken(token string) MutateOption {
	return func(c *mutateConfig) { c.token = token }
}

// WithRefetch refetches the given queries network-only after the mutation
// is confirmed, in addition to any rule-driven refetches.
func WithRefetch(ops ...gql.Operation) MutateOption {
	return func(c *mutateConfig) { c.refetch = append(c.refetch, ops...) }
}

// Mutate performs op.
//
// The mutation is written to the pending queue before anything else
// happens, and its optimistic payload (if any) is layered onto the rule
// targets. Then:
//   - confirmed: server data replaces the layer, the queue entry is removed
//     and follow-up refetches run;
//   - rejected, auth failure or cancelled: the layer is removed, the queue
//     entry is removed and the error is returned;
//   - connection lost or timed out after retries, or offline: the engine
//     goes offline and the mutation stays queued (Queued=true, nil error).
//
// A credentials failure before dispatch returns an AUTH error and leaves the
// store untouched.
func (e *Engine) Mutate(ctx context.Context, op gql.Operation, opts ...MutateOption) (MutationResult, error) {
	if op.Kind() != gql.KindMutation {
		return MutationResult{}, syncerr.Rejected(fmt.Sprintf("%s is a %s, not a mutation", op.Name(), op.Kind()))
	}
	if e.closed.Load() {
		return MutationResult{}, syncerr.Cancelled(errEngineClosed)
	}

	cfg := mutateConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	token := cfg.token
	if token == "" {
		token = e.gen.Generate()
	}
	lc := e.lifecycle(token, op.Name(), StateCreated)
	result := MutationResult{Token: token}
	done := func(err error) (MutationResult, error) {
		result.State = lc.state()
		if err != nil {
			return result, e.annotate(err, op)
		}
		return result, nil
	}

	if _, err := e.tokens.CurrentToken(ctx); err != nil {
		lc.fire(eventFail)
		return done(syncerr.Auth(err))
	}

	release, err := e.tickets.acquire(ctx, op.Fingerprint())
	if err != nil {
		lc.fire(eventFail)
		return done(contextError(err))
	}
	defer release()

	tmpl := cfg.template
	if tmpl == nil && !cfg.noTmpl {
		tmpl = e.templates[op.Name()]
	}
	if cfg.noTmpl {
		tmpl = nil
	}

	// The optimistic payload is resolved once and stored with the mutation,
	// so Recover rebuilds exactly the same layers.
	pm, inserted, err := e.store.Enqueue(ctx, store.PendingMutation{
		Token:      token,
		Operation:  op,
		Optimistic: resolveTemplate(tmpl, token, op.Variables()),
	})
	if err != nil {
		lc.fire(eventFail)
		return done(contextErrorOr(ctx, err))
	}
	if inserted {
		e.metrics.QueuedMutations.Inc()
	}

	if pm.Optimistic != nil {
		if err := e.applyOptimistic(ctx, pm); err != nil {
			e.logger.Warn("optimistic update failed", "operation", op.Name(), "token", token, "error", err)
		}
		lc.fire(eventOptimistic)
	}

	if !e.Online() {
		lc.fire(eventQueue)
		result.Queued = true
		e.logger.Info("mutation queued while offline", "operation", op.Name(), "token", token)
		return done(nil)
	}

	data, err := e.dispatchPending(ctx, lc, pm, cfg.refetch, false)
	switch {
	case err == nil:
		result.Data = data
		return done(nil)
	case syncerr.IsTransient(err):
		result.Queued = true
		return done(nil)
	default:
		return done(err)
	}
}

// dispatchPending sends pm and settles it. The caller holds pm's ticket.
// Transient failures leave pm queued, mark the engine offline and are
// returned so the caller can tell them apart from success. A replay also
// leaves pm queued on AUTH failure or cancellation.
func (e *Engine) dispatchPending(ctx context.Context, lc *lifecycle, pm store.PendingMutation, refetch []gql.Operation, replay bool) (gql.Object, error) {
	op := pm.Operation
	lc.fire(eventDispatch)
	data, err := e.execute(ctx, transport.Request{Operation: op, IdempotencyKey: pm.Token})
	if err == nil && ctx.Err() == nil {
		if err := e.confirm(context.WithoutCancel(ctx), pm, data, refetch); err != nil {
			lc.fire(eventFail)
			return nil, err
		}
		lc.fire(eventSucceed)
		return data, nil
	}
	if err == nil {
		// The caller gave up before the answer arrived: discard it.
		err = contextError(ctx.Err())
	}

	if syncerr.IsTransient(err) {
		if rerr := e.store.RecordAttempt(context.WithoutCancel(ctx), pm.Token, err); rerr != nil {
			e.logger.Warn("record attempt failed", "token", pm.Token, "error", rerr)
		}
		if e.online.Swap(false) {
			e.logger.Warn("going offline", "operation", op.Name(), "error", err)
		}
		lc.fire(eventQueue)
		return nil, err
	}

	if replay && (syncerr.IsAuth(err) || syncerr.IsCancelled(err)) {
		lc.fire(eventQueue)
		return nil, err
	}

	// Permanent: rejected, auth or cancelled.
	if rerr := e.rollback(context.WithoutCancel(ctx), pm); rerr != nil {
		e.logger.Error("rollback failed", "operation", op.Name(), "token", pm.Token, "error", rerr)
	}
	lc.fire(eventFail)
	return nil, err
}

// applyOptimistic layers pm's optimistic payload onto every rule target.
func (e *Engine) applyOptimistic(ctx context.Context, pm store.PendingMutation) error {
	var errs []error
	for _, r := range e.ruleIndex.triggeredBy(pm.Operation.Name()) {
		if r.Apply == StrategyRefetch {
			continue
		}
		item, ok := r.item(pm.Optimistic)
		if !ok {
			continue
		}
		_, err := e.updateEntry(ctx, r.Target.Fingerprint(), r.Target.Name(), func(st *entryState) {
			if !st.hasLayer(pm.Token) {
				st.layers = append(st.layers, layer{token: pm.Token, rule: r, item: item})
			}
		})
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// confirm folds server data into every rule target, drops pm's layers and
// removes pm from the queue.
func (e *Engine) confirm(ctx context.Context, pm store.PendingMutation, data gql.Object, refetch []gql.Operation) error {
	var errs []error
	for _, r := range e.ruleIndex.triggeredBy(pm.Operation.Name()) {
		if r.Apply == StrategyRefetch || r.Refetch {
			refetch = append(refetch, r.Target)
		}
		item, hasItem := r.item(data)
		_, err := e.updateEntry(ctx, r.Target.Fingerprint(), r.Target.Name(), func(st *entryState) {
			st.removeLayers(pm.Token)
			if !hasItem || r.Apply == StrategyRefetch {
				return
			}
			// Only a server-fetched base is folded into. Without one the
			// target stays uncached: the item alone is not the list.
			if st.hasBase {
				st.base = r.apply(st.base, item)
			}
		})
		if err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("confirm %s: %w", pm.Operation.Name(), err)
	}

	if err := e.dequeue(ctx, pm.Token); err != nil {
		return err
	}
	for _, op := range refetch {
		e.refetch(op)
	}
	return nil
}

// rollback drops pm's layers, restoring the pre-optimistic values, and
// removes pm from the queue.
func (e *Engine) rollback(ctx context.Context, pm store.PendingMutation) error {
	var errs []error
	for _, r := range e.ruleIndex.triggeredBy(pm.Operation.Name()) {
		_, err := e.updateEntry(ctx, r.Target.Fingerprint(), r.Target.Name(), func(st *entryState) {
			st.removeLayers(pm.Token)
		})
		if err != nil {
			errs = append(errs, err)
		}
	}
	if err := e.dequeue(ctx, pm.Token); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (e *Engine) dequeue(ctx context.Context, token string) error {
	removed, err := e.store.Dequeue(ctx, token)
	if err != nil {
		return fmt.Errorf("dequeue %s: %w", token, err)
	}
	if removed {
		e.metrics.QueuedMutations.Dec()
	}
	return nil
}
