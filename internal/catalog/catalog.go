// Package catalog compiles CUE operation catalogs.
//
// A catalog declares the GraphQL operations an application uses, the
// optimistic payload template of each mutation, and the rules that tie
// mutations and subscriptions to cached queries:
//
//	operation: ListTodos: {
//		kind:     "query"
//		document: "query ListTodos { listTodos { items { id name } } }"
//	}
//	operation: CreateTodo: {
//		kind:     "mutation"
//		document: "mutation CreateTodo($input: CreateTodoInput!) { ... }"
//		optimistic: createTodo: {id: "$token", name: "$vars.input.name"}
//	}
//	rule: "create-lists": {
//		when:   "CreateTodo"
//		target: "ListTodos"
//		apply:  "upsert"
//		list:   "listTodos.items"
//		item:   "createTodo"
//	}
//
// Compilation goes through the CUE Go API, so the full CUE language
// (references, defaults, constraints) is available in catalog files.
package catalog

import (
	"fmt"
	"sort"

	"github.com/roach88/syncql/internal/engine"
	"github.com/roach88/syncql/internal/gql"
)

// Operation is one declared GraphQL operation.
type Operation struct {
	Name     string
	Kind     gql.Kind
	Document string

	// Variables are defaults merged under the caller's variables.
	Variables gql.Object

	// Optimistic is the payload template for a mutation, or nil.
	Optimistic gql.Object
}

// Build returns the operation with vars applied over the defaults. Merging
// is per top-level variable.
func (o Operation) Build(vars gql.Object) gql.Operation {
	merged := o.Variables.Clone()
	if merged == nil {
		merged = gql.Object{}
	}
	for k, v := range vars {
		merged[k] = v
	}
	return gql.NewOperation(o.Kind, o.Name, o.Document, merged)
}

// Rule is a declared cache-update rule. When and Target are operation names.
type Rule struct {
	ID      string
	When    string
	Target  string
	Apply   engine.Strategy
	List    string
	Item    string
	Key     string
	Refetch bool
}

// Catalog is a compiled set of operations and rules.
type Catalog struct {
	operations map[string]Operation
	rules      []Rule
}

// Operation looks up an operation by name.
func (c *Catalog) Operation(name string) (Operation, bool) {
	op, ok := c.operations[name]
	return op, ok
}

// Names returns the operation names in sorted order.
func (c *Catalog) Names() []string {
	names := make([]string, 0, len(c.operations))
	for name := range c.operations {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Rules returns the rules in declaration order.
func (c *Catalog) Rules() []Rule {
	return append([]Rule(nil), c.rules...)
}

// Build returns the named operation with vars applied.
func (c *Catalog) Build(name string, vars gql.Object) (gql.Operation, error) {
	op, ok := c.operations[name]
	if !ok {
		return gql.Operation{}, fmt.Errorf("catalog: unknown operation %q", name)
	}
	if err := gql.RejectFloats(vars); err != nil {
		return gql.Operation{}, fmt.Errorf("catalog: %s variables: %w", name, err)
	}
	return op.Build(vars), nil
}

// EngineRules converts the rules for engine.WithRules. Targets are built
// with their default variables.
func (c *Catalog) EngineRules() []engine.Rule {
	out := make([]engine.Rule, 0, len(c.rules))
	for _, r := range c.rules {
		out = append(out, c.engineRule(r))
	}
	return out
}

func (c *Catalog) engineRule(r Rule) engine.Rule {
	return engine.Rule{
		When:     r.When,
		Target:   c.operations[r.Target].Build(nil),
		Apply:    r.Apply,
		ListPath: r.List,
		ItemPath: r.Item,
		Key:      r.Key,
		Refetch:  r.Refetch,
	}
}

// EngineOptions returns the engine options that install the catalog's rules
// and optimistic templates.
func (c *Catalog) EngineOptions() []engine.Option {
	opts := []engine.Option{engine.WithRules(c.EngineRules()...)}
	for _, name := range c.Names() {
		if op := c.operations[name]; op.Optimistic != nil {
			opts = append(opts, engine.WithOptimisticTemplate(name, op.Optimistic))
		}
	}
	return opts
}
