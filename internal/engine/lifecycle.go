package engine

import (
	"context"
	"log/slog"

	"github.com/looplab/fsm"
)

// Operation lifecycle states.
const (
	StateCreated    = "created"
	StateOptimistic = "optimistic"
	StateDispatched = "dispatched"
	StateQueued     = "queued"
	StateSucceeded  = "succeeded"
	StateFailed     = "failed"
)

// Lifecycle events.
const (
	eventOptimistic = "apply_optimistic"
	eventDispatch   = "dispatch"
	eventQueue      = "queue"
	eventSucceed    = "succeed"
	eventFail       = "fail"
)

// Transition is reported to the hook installed with WithTransitionHook.
type Transition struct {
	// ID is the idempotency token for mutations and the fingerprint for
	// queries.
	ID        string
	Operation string
	From      string
	To        string
}

var lifecycleEvents = fsm.Events{
	{Name: eventOptimistic, Src: []string{StateCreated}, Dst: StateOptimistic},
	{Name: eventDispatch, Src: []string{StateCreated, StateOptimistic, StateQueued}, Dst: StateDispatched},
	{Name: eventQueue, Src: []string{StateCreated, StateOptimistic, StateDispatched}, Dst: StateQueued},
	// created -> succeeded is a CacheOnly hit.
	{Name: eventSucceed, Src: []string{StateCreated, StateDispatched}, Dst: StateSucceeded},
	{Name: eventFail, Src: []string{StateCreated, StateOptimistic, StateDispatched, StateQueued}, Dst: StateFailed},
}

// lifecycle tracks one operation through its states. Transitions that are
// not allowed from the current state are logged and ignored.
type lifecycle struct {
	fsm    *fsm.FSM
	id     string
	name   string
	logger *slog.Logger
}

func newLifecycle(id, name string, initial string, logger *slog.Logger, hook func(Transition)) *lifecycle {
	l := &lifecycle{id: id, name: name, logger: logger}
	l.fsm = fsm.NewFSM(
		initial,
		lifecycleEvents,
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				logger.Debug("operation state",
					"operation", name,
					"id", id,
					"from", e.Src,
					"to", e.Dst)
				if hook != nil {
					hook(Transition{ID: id, Operation: name, From: e.Src, To: e.Dst})
				}
			},
		},
	)
	return l
}

func (l *lifecycle) fire(event string) {
	// Lifecycle callbacks never block, so the transition is not tied to a
	// caller context that could expire midway.
	if err := l.fsm.Event(context.Background(), event); err != nil {
		l.logger.Debug("ignored lifecycle event",
			"operation", l.name,
			"id", l.id,
			"event", event,
			"state", l.fsm.Current(),
			"error", err)
	}
}

func (l *lifecycle) state() string {
	return l.fsm.Current()
}
