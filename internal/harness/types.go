package harness

import (
	"github.com/roach88/syncql/internal/engine"
	"github.com/roach88/syncql/internal/gql"
)

// Trace event types.
const (
	EventStep       = "step"
	EventTransition = "transition"
	EventWatch      = "watch"
	EventCallback   = "event"
)

// TraceEvent is one line of a scenario trace. Within a step, events are
// grouped by type: the step outcome, then lifecycle transitions, then cache
// notifications, then subscription callbacks. That keeps traces stable
// even though notifications are delivered on other goroutines.
type TraceEvent struct {
	Type      string
	Step      int
	Action    string
	Operation string

	// Outcome of a step event.
	Outcome map[string]any

	// Transition fields. ID is set for mutations only: query IDs are
	// fingerprints and would make traces depend on the hash.
	ID       string
	From, To string

	// Watch fields.
	Optimistic bool
	Removed    bool
	Payload    gql.Object

	// Callback data.
	Data gql.Object
}

// toMap renders e for canonical encoding, leaving out empty fields.
func (e TraceEvent) toMap() map[string]any {
	m := map[string]any{"type": e.Type, "step": e.Step}
	if e.Operation != "" {
		m["operation"] = e.Operation
	}
	switch e.Type {
	case EventStep:
		m["action"] = e.Action
		if len(e.Outcome) > 0 {
			m["result"] = e.Outcome
		}
	case EventTransition:
		if e.ID != "" {
			m["id"] = e.ID
		}
		m["from"], m["to"] = e.From, e.To
	case EventWatch:
		if e.Removed {
			m["removed"] = true
		} else {
			m["optimistic"] = e.Optimistic
			m["payload"] = e.Payload
		}
	case EventCallback:
		m["data"] = e.Data
	}
	return m
}

// Result is the outcome of a scenario run.
type Result struct {
	// Pass is true when every step expectation and assertion held.
	Pass bool

	Trace  []TraceEvent
	Errors []string

	// Transitions lists every lifecycle transition in the order observed.
	Transitions []engine.Transition
}

// NewResult creates a passing result.
func NewResult() *Result {
	return &Result{Pass: true, Trace: []TraceEvent{}, Errors: []string{}}
}

// AddError records a failure.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}
