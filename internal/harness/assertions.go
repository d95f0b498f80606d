package harness

import (
	"context"
	"fmt"
	"strings"

	"github.com/roach88/syncql/internal/catalog"
	"github.com/roach88/syncql/internal/engine"
	"github.com/roach88/syncql/internal/gql"
	"github.com/roach88/syncql/internal/testutil"
)

// AssertionContext carries what assertions inspect after the last step.
type AssertionContext struct {
	Ctx     context.Context
	Engine  *engine.Engine
	Catalog *catalog.Catalog
	Backend *testutil.Backend

	// Events counts subscription callbacks per operation.
	Events map[string]int
}

// AssertionError is returned when an assertion fails.
type AssertionError struct {
	Type     string
	Expected string
	Actual   string

	// Transitions gives context for lifecycle assertions.
	Transitions []engine.Transition
}

func (e *AssertionError) Error() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)
	if len(e.Transitions) > 0 {
		fmt.Fprintf(&buf, "\nTransitions:\n")
		for i, tr := range e.Transitions {
			fmt.Fprintf(&buf, "  [%d] %s %s: %s -> %s\n", i+1, tr.Operation, tr.ID, tr.From, tr.To)
		}
	}
	return buf.String()
}

// EvaluateAssertions checks every assertion and returns the failure
// messages.
func EvaluateAssertions(result *Result, assertions []Assertion, actx *AssertionContext) []string {
	var errs []string
	for i, a := range assertions {
		if err := evaluate(result, a, actx); err != nil {
			errs = append(errs, fmt.Sprintf("assertions[%d]: %v", i, err))
		}
	}
	return errs
}

func evaluate(result *Result, a Assertion, actx *AssertionContext) error {
	switch a.Type {
	case AssertTransitionOrder:
		return assertTransitionOrder(result.Transitions, a)
	case AssertTransitionCount:
		return assertTransitionCount(result.Transitions, a)
	case AssertCache:
		return assertCache(actx, a)
	case AssertPending:
		pending, err := actx.Engine.Pending(actx.Ctx)
		if err != nil {
			return err
		}
		return compareCount(a.Type, "queued mutations", *a.Count, len(pending))
	case AssertServerCalls:
		return compareCount(a.Type, "calls of "+a.Operation, *a.Count, actx.Backend.Calls(a.Operation))
	case AssertEvents:
		return compareCount(a.Type, "events for "+a.Operation, *a.Count, actx.Events[a.Operation])
	}
	return fmt.Errorf("unknown assertion type %q", a.Type)
}

func compareCount(typ, what string, want, got int) error {
	if want == got {
		return nil
	}
	return &AssertionError{
		Type:     typ,
		Expected: fmt.Sprintf("%d %s", want, what),
		Actual:   fmt.Sprintf("%d", got),
	}
}

// assertTransitionOrder passes when some instance (ID) of the operation
// entered the listed states in order. Other states may come in between.
func assertTransitionOrder(transitions []engine.Transition, a Assertion) error {
	byID := make(map[string][]string)
	var ids []string
	for _, tr := range transitions {
		if tr.Operation != a.Operation {
			continue
		}
		if _, seen := byID[tr.ID]; !seen {
			ids = append(ids, tr.ID)
		}
		byID[tr.ID] = append(byID[tr.ID], tr.To)
	}

	for _, id := range ids {
		if isSubsequence(a.States, byID[id]) {
			return nil
		}
	}

	actual := "no transitions"
	if len(ids) > 0 {
		parts := make([]string, len(ids))
		for i, id := range ids {
			parts[i] = strings.Join(byID[id], " -> ")
		}
		actual = strings.Join(parts, "; ")
	}
	return &AssertionError{
		Type:        AssertTransitionOrder,
		Expected:    fmt.Sprintf("%s to pass through %s", a.Operation, strings.Join(a.States, " -> ")),
		Actual:      actual,
		Transitions: transitions,
	}
}

func isSubsequence(want, got []string) bool {
	i := 0
	for _, s := range got {
		if i < len(want) && s == want[i] {
			i++
		}
	}
	return i == len(want)
}

func assertTransitionCount(transitions []engine.Transition, a Assertion) error {
	n := 0
	for _, tr := range transitions {
		if tr.Operation == a.Operation && tr.To == a.State {
			n++
		}
	}
	if n == *a.Count {
		return nil
	}
	return &AssertionError{
		Type:        AssertTransitionCount,
		Expected:    fmt.Sprintf("%d transitions of %s to %s", *a.Count, a.Operation, a.State),
		Actual:      fmt.Sprintf("%d", n),
		Transitions: transitions,
	}
}

// assertCache reads the entry through a CacheOnly query on a fresh
// context. The read itself shows up as a lifecycle but not in the trace.
func assertCache(actx *AssertionContext, a Assertion) error {
	vars, err := gql.VariablesFromAny(a.Vars)
	if err != nil {
		return fmt.Errorf("vars: %w", err)
	}
	op, err := actx.Catalog.Build(a.Operation, vars)
	if err != nil {
		return err
	}

	res, err := actx.Engine.QueryOnce(actx.Ctx, op, engine.CacheOnly)
	if a.Absent {
		if err == nil {
			return &AssertionError{Type: AssertCache, Expected: a.Operation + " not cached", Actual: "cached"}
		}
		return nil
	}
	if err != nil {
		return &AssertionError{Type: AssertCache, Expected: a.Operation + " cached", Actual: err.Error()}
	}

	if a.Optimistic != nil && res.Optimistic != *a.Optimistic {
		return &AssertionError{
			Type:     AssertCache,
			Expected: fmt.Sprintf("optimistic=%v", *a.Optimistic),
			Actual:   fmt.Sprintf("optimistic=%v", res.Optimistic),
		}
	}
	if a.Path == "" {
		return nil
	}

	v, ok := res.Data.Lookup(a.Path)
	list, isList := v.(gql.List)
	if !ok || !isList {
		return &AssertionError{Type: AssertCache, Expected: "list at " + a.Path, Actual: "missing"}
	}
	if a.Count != nil && len(list) != *a.Count {
		return &AssertionError{
			Type:     AssertCache,
			Expected: fmt.Sprintf("%d items at %s", *a.Count, a.Path),
			Actual:   fmt.Sprintf("%d", len(list)),
		}
	}
	if a.IDs != nil {
		got := make([]string, len(list))
		for i, item := range list {
			obj, _ := item.(gql.Object)
			id, _ := obj["id"].(gql.String)
			got[i] = string(id)
		}
		if strings.Join(got, ",") != strings.Join(a.IDs, ",") {
			return &AssertionError{
				Type:     AssertCache,
				Expected: fmt.Sprintf("ids %v at %s", a.IDs, a.Path),
				Actual:   fmt.Sprintf("%v", got),
			}
		}
	}
	return nil
}
