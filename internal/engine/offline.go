package engine

import (
	"context"
	"fmt"

	"github.com/roach88/syncql/internal/syncerr"
)

// FlushResult summarizes one Flush.
type FlushResult struct {
	Confirmed int
	Rejected  int

	// Remaining is how many mutations are still queued.
	Remaining int
}

// Flush replays queued mutations in queue order, each with its original
// idempotency token.
//
// A rejected mutation is rolled back and removed, and the flush continues.
// A connection failure marks the engine offline and stops the flush; an
// AUTH failure also stops it. In both cases the mutation stays queued. A
// flush that confirms at least one mutation and finishes the queue puts the
// engine back online.
//
// Concurrent calls share one flush.
func (e *Engine) Flush(ctx context.Context) (FlushResult, error) {
	v, err, _ := e.flushes.Do("flush", func() (any, error) {
		return e.flush(ctx)
	})
	res, _ := v.(FlushResult)
	return res, err
}

func (e *Engine) flush(ctx context.Context) (FlushResult, error) {
	var res FlushResult

	pending, err := e.store.ListPending(ctx)
	if err != nil {
		return res, fmt.Errorf("flush: %w", contextErrorOr(ctx, err))
	}
	if len(pending) == 0 {
		return res, nil
	}
	e.logger.Info("flushing queued mutations", "count", len(pending))

	for i, pm := range pending {
		remaining := len(pending) - i
		if err := ctx.Err(); err != nil {
			res.Remaining = remaining
			return res, contextError(err)
		}
		if _, err := e.tokens.CurrentToken(ctx); err != nil {
			res.Remaining = remaining
			return res, syncerr.Auth(err)
		}

		release, err := e.tickets.acquire(ctx, pm.Operation.Fingerprint())
		if err != nil {
			res.Remaining = remaining
			return res, contextError(err)
		}

		// A concurrent Mutate holding the ticket may have settled it.
		current, ok, err := e.store.GetPending(ctx, pm.Token)
		if err != nil || !ok {
			release()
			if err != nil {
				res.Remaining = remaining
				return res, fmt.Errorf("flush: %w", err)
			}
			continue
		}

		lc := e.lifecycle(current.Token, current.Operation.Name(), StateQueued)
		_, err = e.dispatchPending(ctx, lc, current, nil, true)
		release()

		switch {
		case err == nil:
			res.Confirmed++
		case syncerr.IsTransient(err), syncerr.IsAuth(err), syncerr.IsCancelled(err):
			res.Remaining = remaining
			e.logger.Warn("flush stopped",
				"operation", current.Operation.Name(),
				"token", current.Token,
				"remaining", res.Remaining,
				"error", err)
			return res, e.annotate(err, current.Operation)
		default:
			res.Rejected++
			e.logger.Warn("queued mutation rejected",
				"operation", current.Operation.Name(),
				"token", current.Token,
				"error", err)
		}
	}

	if res.Confirmed > 0 && !e.online.Swap(true) {
		e.logger.Info("connectivity restored by flush")
	}
	return res, nil
}

// Recover rebuilds optimistic layers for mutations queued by a previous
// process and returns how many mutations are queued. Call it once after New,
// before serving reads.
func (e *Engine) Recover(ctx context.Context) (int, error) {
	pending, err := e.store.ListPending(ctx)
	if err != nil {
		return 0, fmt.Errorf("recover: %w", contextErrorOr(ctx, err))
	}
	e.metrics.QueuedMutations.Set(float64(len(pending)))

	for _, pm := range pending {
		if pm.Optimistic == nil {
			continue
		}
		if err := e.applyOptimistic(ctx, pm); err != nil {
			return len(pending), fmt.Errorf("recover %s: %w", pm.Token, err)
		}
	}
	if len(pending) > 0 {
		e.logger.Info("recovered queued mutations", "count", len(pending))
	}
	return len(pending), nil
}
