// Package harness runs scripted sessions against the sync engine and an
// in-memory GraphQL backend, and records what happened as a trace.
//
// # Scenario Format
//
//	name: offline_create_then_flush
//	description: "A create made offline is replayed by flush"
//	steps:
//	  - action: query
//	    operation: ListTodos
//	    policy: network-only
//	  - action: offline
//	  - action: mutate
//	    operation: CreateTodo
//	    vars: { input: { name: "Use AppSync" } }
//	    expect: { queued: true, state: queued }
//	  - action: online
//	  - action: flush
//	    expect: { confirmed: 1, remaining: 0 }
//	assertions:
//	  - type: transition_order
//	    operation: CreateTodo
//	    states: [optimistic, queued, dispatched, succeeded]
//	  - type: cache
//	    operation: ListTodos
//	    path: listTodos.items
//	    ids: [todo-1]
//
// Steps: query, mutate, flush, offline, online, subscribe, unsubscribe,
// external (another client creates an item), fail_next (inject errors for
// the next calls of an operation) and restart (reopen the engine over the
// same store and recover queued mutations).
//
// Assertions: transition_order, transition_count, cache, pending,
// server_calls and events.
//
// # Determinism
//
// Each run uses a fresh in-memory store, sequential idempotency tokens
// (tok-1, tok-2, ...) and the backend's sequential item IDs. The "online"
// step only restores the backend; the engine comes back online through an
// explicit flush. Events caused by a step are collected until the
// engine's notifications have drained, then written in a fixed order, so
// traces can be compared against golden files.
package harness
