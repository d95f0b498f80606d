// Package engine implements the syncql sync engine.
//
// The engine sits between callers and three collaborators: the local store
// (cache entries and the pending-mutation queue), the transport, and the
// token provider. It answers queries by fetch policy, runs mutations with
// optimistic layers and a durable write-ahead queue, keeps subscriptions
// flowing into the cache, and notifies watchers through the dispatcher.
//
// CONCURRENCY:
//
// There is no single engine lock and no event loop. Instead:
//   - identical queries share one network call (singleflight);
//   - mutations on the same fingerprint are serialized by a ticket held
//     across dispatch;
//   - cache read-modify-write is serialized per fingerprint;
//   - network operations run under a bounded worker pool.
//
// No lock is held while waiting on the network, and callbacks always run on
// dispatcher goroutines, never on the caller's or the transport's.
//
// VERSIONS:
//
// Every cache write is stamped from a logical Clock that resumes from the
// store's highest version, so versions never go backwards across restarts.
//
// OPTIMISTIC LAYERS:
//
// A pending mutation contributes a layer to each rule target. The persisted
// payload is the confirmed base with all layers applied in queue order.
// Confirmation folds the server's answer into the base and drops the layer;
// failure drops the layer alone, restoring the previous value.
package engine
