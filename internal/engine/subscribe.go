package engine

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/roach88/syncql/internal/dispatch"
	"github.com/roach88/syncql/internal/gql"
	"github.com/roach88/syncql/internal/syncerr"
	"github.com/roach88/syncql/internal/transport"
)

// SubscriptionHandle is a live subscription. It delivers no events once
// cancellation has been observed.
type SubscriptionHandle struct {
	id        int64
	op        gql.Operation
	cancelled atomic.Bool
	stream    *transport.Subscription
	sub       *dispatch.Subscriber
	inbox     *inbox

	done     chan struct{}
	doneOnce sync.Once
}

// Operation returns the subscribed operation.
func (h *SubscriptionHandle) Operation() gql.Operation { return h.op }

// Done is closed when the subscription has ended, by Unsubscribe or because
// the stream terminated.
func (h *SubscriptionHandle) Done() <-chan struct{} { return h.done }

// Err returns the stream's terminal error, if any, once Done is closed.
func (h *SubscriptionHandle) Err() error {
	select {
	case <-h.done:
		return h.stream.Err()
	default:
		return nil
	}
}

func (h *SubscriptionHandle) finish() {
	h.doneOnce.Do(func() { close(h.done) })
}

// streamEnd is queued behind the last event so the callback sees every
// event before the handle closes.
type streamEnd struct{}

// Subscribe opens a realtime stream for op. Each event first updates the
// cache through the rules triggered by op's name, then reaches callback via
// the dispatcher, in arrival order. Cache work runs on the handle's own
// goroutine, never on the transport's stream goroutine. The subscription
// lives until Unsubscribe, ctx ends, the engine closes, or the stream
// terminates.
func (e *Engine) Subscribe(ctx context.Context, op gql.Operation, callback func(gql.Object)) (*SubscriptionHandle, error) {
	if op.Kind() != gql.KindSubscription {
		return nil, syncerr.Rejected(fmt.Sprintf("%s is a %s, not a subscription", op.Name(), op.Kind()))
	}
	if e.closed.Load() {
		return nil, syncerr.Cancelled(errEngineClosed)
	}

	h := &SubscriptionHandle{
		id:    e.nextSub.Add(1),
		op:    op,
		inbox: newInbox(e.subIdle),
		done:  make(chan struct{}),
	}
	topic := "sub:" + strconv.FormatInt(h.id, 10)
	h.sub = e.dispatcher.Subscribe(topic, func(ev dispatch.Event) {
		if _, end := ev.Value.(streamEnd); end {
			e.forget(h)
			h.sub.Close()
			h.finish()
			return
		}
		if h.cancelled.Load() {
			return
		}
		callback(ev.Value.(gql.Object))
	})

	onEvent := func(data gql.Object) {
		if h.cancelled.Load() {
			return
		}
		h.inbox.push(data)
	}
	onError := func(err error) {
		e.logger.Warn("subscription ended with error", "operation", op.Name(), "error", err)
	}

	// The stream outlives ctx's values but not its cancellation, and stops
	// when the engine closes.
	streamCtx, stop := context.WithCancel(e.ctx)
	stream, err := e.transport.Subscribe(streamCtx, transport.Request{Operation: op}, onEvent, onError)
	if err != nil {
		stop()
		h.inbox.close()
		h.sub.Close()
		return nil, e.annotate(err, op)
	}
	h.stream = stream

	e.subsMu.Lock()
	e.subs[h.id] = h
	e.subsMu.Unlock()

	started := e.spawn(func() {
		defer stop()
		e.runSubscription(ctx, h, topic)
	})
	if !started {
		stop()
		e.Unsubscribe(h)
		return nil, syncerr.Cancelled(errEngineClosed)
	}

	e.logger.Debug("subscribed", "operation", op.Name(), "id", h.id)
	return h, nil
}

// Unsubscribe cancels h. Events already queued for the callback are
// dropped. Safe to call more than once and from inside the callback.
func (e *Engine) Unsubscribe(h *SubscriptionHandle) {
	if h == nil || h.cancelled.Swap(true) {
		return
	}
	e.forget(h)
	h.stream.Cancel()
	h.inbox.close()
	h.sub.Close()
	h.finish()
	e.logger.Debug("unsubscribed", "operation", h.op.Name(), "id", h.id)
}

// runSubscription applies queued events in order until the stream ends,
// ctx ends, or h is cancelled. The end-of-stream marker goes through the
// same queue so the callback sees every event first.
func (e *Engine) runSubscription(ctx context.Context, h *SubscriptionHandle, topic string) {
	defer h.inbox.close()
	streamDone := h.stream.Done()
	for {
		select {
		case <-ctx.Done():
			e.Unsubscribe(h)
			return
		case <-h.done:
			return
		case <-streamDone:
			streamDone = nil
			h.inbox.push(streamEnd{})
		case <-h.inbox.signal:
		}

		items := h.inbox.take()
		for i, v := range items {
			if h.cancelled.Load() {
				h.inbox.done(len(items) - i)
				return
			}
			if _, end := v.(streamEnd); end {
				e.dispatcher.Deliver(topic, v)
				h.inbox.done(len(items) - i)
				// Dispatcher closed: nothing will drain the marker.
				select {
				case <-h.sub.Done():
					e.forget(h)
					h.finish()
				default:
				}
				return
			}
			data := v.(gql.Object)
			e.applyEvent(h.op, data)
			e.dispatcher.Deliver(topic, data)
			h.inbox.done(1)
		}
	}
}

func (e *Engine) forget(h *SubscriptionHandle) {
	e.subsMu.Lock()
	delete(e.subs, h.id)
	e.subsMu.Unlock()
}

// applyEvent folds a subscription event into every rule target. Upsert by
// key makes the echo of a mutation this client already confirmed a no-op.
func (e *Engine) applyEvent(op gql.Operation, data gql.Object) {
	for _, r := range e.ruleIndex.triggeredBy(op.Name()) {
		if r.Apply == StrategyRefetch {
			e.refetch(r.Target)
			continue
		}
		item, ok := r.item(data)
		if !ok {
			continue
		}
		_, err := e.updateEntry(e.ctx, r.Target.Fingerprint(), r.Target.Name(), func(st *entryState) {
			if st.hasBase {
				st.base = r.apply(st.base, item)
			}
		})
		if err != nil {
			e.logger.Warn("apply subscription event",
				"operation", op.Name(),
				"target", r.Target.Name(),
				"error", err)
		}
	}
}

// Watcher receives a WatchEvent each time a cache entry changes.
type Watcher struct {
	sub *dispatch.Subscriber
}

// Close stops notifications. Safe to call from inside the callback.
func (w *Watcher) Close() {
	w.sub.Close()
}

// Watch notifies fn of every change to op's cache entry, in order, through
// the dispatcher. A slow fn never blocks cache writes; if it falls too far
// behind, the oldest undelivered notifications are dropped.
func (e *Engine) Watch(op gql.Operation, fn func(WatchEvent)) *Watcher {
	sub := e.dispatcher.Subscribe(watchTopic(op.Fingerprint()), func(ev dispatch.Event) {
		fn(ev.Value.(WatchEvent))
	})
	return &Watcher{sub: sub}
}
