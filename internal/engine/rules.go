package engine

import (
	"fmt"

	"github.com/roach88/syncql/internal/gql"
)

// Strategy says how a rule folds a trigger's item into its target entry.
type Strategy string

const (
	// StrategyUpsert inserts the item into the list at ListPath, replacing
	// an element with the same key.
	StrategyUpsert Strategy = "upsert"

	// StrategyReplace overwrites the value at ListPath (or the whole
	// payload when ListPath is empty) with the item.
	StrategyReplace Strategy = "replace"

	// StrategyRemove deletes the element with the item's key from the list
	// at ListPath.
	StrategyRemove Strategy = "remove"

	// StrategyRefetch leaves the entry alone and refetches the target
	// network-only once the trigger is confirmed.
	StrategyRefetch Strategy = "refetch"
)

// DefaultKey is the item field used to match list elements.
const DefaultKey = "id"

// Rule ties a mutation or subscription (When) to a cached query (Target).
//
// When a mutation named When is confirmed, or a subscription named When
// delivers an event, the value at ItemPath in its payload is applied to the
// Target's cache entry. While a mutation is pending, the same rule applies
// its optimistic payload as a layer over the confirmed value.
type Rule struct {
	When   string
	Target gql.Operation
	Apply  Strategy

	// ListPath locates the list (or replaced value) inside the target
	// payload, e.g. "listTodos.items".
	ListPath string

	// ItemPath locates the item inside the trigger payload, e.g.
	// "createTodo".
	ItemPath string

	// Key names the identity field of list elements. Defaults to DefaultKey.
	Key string

	// Refetch additionally refetches the target network-only after a
	// mutation is confirmed.
	Refetch bool
}

// Validate reports a malformed rule.
func (r Rule) Validate() error {
	if r.When == "" {
		return fmt.Errorf("rule: empty trigger name")
	}
	if r.Target.IsZero() || r.Target.Kind() != gql.KindQuery {
		return fmt.Errorf("rule %s: target must be a query", r.When)
	}
	switch r.Apply {
	case StrategyUpsert, StrategyRemove:
		if r.ListPath == "" {
			return fmt.Errorf("rule %s -> %s: %s needs a list path", r.When, r.Target.Name(), r.Apply)
		}
	case StrategyReplace, StrategyRefetch:
	default:
		return fmt.Errorf("rule %s -> %s: unknown strategy %q", r.When, r.Target.Name(), r.Apply)
	}
	return nil
}

func (r Rule) key() string {
	if r.Key == "" {
		return DefaultKey
	}
	return r.Key
}

// item extracts the trigger's item from a mutation response or event.
func (r Rule) item(payload gql.Object) (gql.Value, bool) {
	if payload == nil {
		return nil, false
	}
	v, ok := payload.Lookup(r.ItemPath)
	if !ok {
		return nil, false
	}
	if _, isNull := v.(gql.Null); isNull {
		return nil, false
	}
	return v, true
}

// apply returns target with item folded in. target is not modified.
func (r Rule) apply(target gql.Object, item gql.Value) gql.Object {
	switch r.Apply {
	case StrategyReplace:
		if r.ListPath == "" {
			if obj, ok := item.(gql.Object); ok {
				return obj.Clone()
			}
			return target
		}
		return target.With(r.ListPath, item)
	case StrategyUpsert:
		list := r.list(target)
		key, _ := keyOf(item, r.key())
		out := make(gql.List, 0, len(list)+1)
		replaced := false
		for _, el := range list {
			if k, ok := keyOf(el, r.key()); ok && key != nil && gql.Equal(k, key) {
				if !replaced {
					out = append(out, item)
					replaced = true
				}
				continue
			}
			out = append(out, el)
		}
		if !replaced {
			out = append(out, item)
		}
		return target.With(r.ListPath, out)
	case StrategyRemove:
		key, ok := keyOf(item, r.key())
		if !ok {
			return target
		}
		list := r.list(target)
		out := make(gql.List, 0, len(list))
		for _, el := range list {
			if k, ok := keyOf(el, r.key()); ok && gql.Equal(k, key) {
				continue
			}
			out = append(out, el)
		}
		return target.With(r.ListPath, out)
	}
	return target
}

func (r Rule) list(target gql.Object) gql.List {
	v, ok := target.Lookup(r.ListPath)
	if !ok {
		return nil
	}
	list, _ := v.(gql.List)
	return list
}

func keyOf(v gql.Value, field string) (gql.Value, bool) {
	obj, ok := v.(gql.Object)
	if !ok {
		return nil, false
	}
	k, ok := obj[field]
	return k, ok
}

// ruleSet indexes rules by trigger name. Order within a trigger follows
// registration order.
type ruleSet struct {
	byTrigger map[string][]Rule
}

func newRuleSet(rules []Rule) (ruleSet, error) {
	rs := ruleSet{byTrigger: make(map[string][]Rule)}
	for _, r := range rules {
		if err := r.Validate(); err != nil {
			return ruleSet{}, err
		}
		rs.byTrigger[r.When] = append(rs.byTrigger[r.When], r)
	}
	return rs, nil
}

func (rs ruleSet) triggeredBy(name string) []Rule {
	return rs.byTrigger[name]
}
