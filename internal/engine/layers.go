package engine

import (
	"context"
	"fmt"

	"github.com/roach88/syncql/internal/gql"
	"github.com/roach88/syncql/internal/store"
)

// layer is one pending mutation's optimistic contribution to an entry.
type layer struct {
	token string
	rule  Rule
	item  gql.Value
}

// entryState is the engine's view of one cache entry: the confirmed base
// and the optimistic layers stacked on it in mutation order.
type entryState struct {
	name    string
	base    gql.Object
	hasBase bool
	layers  []layer

	// digest and optimistic describe what is currently persisted, so a
	// write that changes nothing can be skipped.
	digest     string
	optimistic bool
	exists     bool
	version    int64
}

func (s *entryState) effective() gql.Object {
	out := s.base
	for _, l := range s.layers {
		out = l.rule.apply(out, l.item)
	}
	return out
}

func (s *entryState) hasLayer(token string) bool {
	for _, l := range s.layers {
		if l.token == token {
			return true
		}
	}
	return false
}

func (s *entryState) removeLayers(token string) bool {
	kept := s.layers[:0]
	removed := false
	for _, l := range s.layers {
		if l.token == token {
			removed = true
			continue
		}
		kept = append(kept, l)
	}
	s.layers = kept
	return removed
}

// WatchEvent describes a change to a watched cache entry.
type WatchEvent struct {
	Fingerprint string
	Payload     gql.Object
	Version     int64
	Optimistic  bool

	// Removed is set when the entry was deleted, e.g. a failed optimistic
	// create on an entry that had no confirmed value.
	Removed bool
}

// loadState returns the state for fp. The caller holds the cache lock for
// fp. In-memory states exist only while layers are pending; otherwise the
// state is rebuilt from the store.
func (e *Engine) loadState(ctx context.Context, fp, name string) (*entryState, error) {
	e.statesMu.Lock()
	st, ok := e.states[fp]
	e.statesMu.Unlock()
	if ok {
		return st, nil
	}

	st = &entryState{name: name}
	entry, found, err := e.store.Get(ctx, fp)
	if err != nil {
		return nil, err
	}
	if found {
		st.exists = true
		st.optimistic = entry.Optimistic
		st.digest = gql.PayloadDigest(entry.Payload)
		st.version = entry.Version
		if entry.OperationName != "" {
			st.name = entry.OperationName
		}
		if entry.Optimistic {
			st.base, st.hasBase = entry.Base, entry.Base != nil
		} else {
			st.base, st.hasBase = entry.Payload, true
		}
	}
	return st, nil
}

// commit persists st and notifies watchers if anything visible changed.
// The caller holds the cache lock for fp.
func (e *Engine) commit(ctx context.Context, fp string, st *entryState) (WatchEvent, error) {
	e.statesMu.Lock()
	if len(st.layers) > 0 {
		e.states[fp] = st
	} else {
		delete(e.states, fp)
	}
	e.statesMu.Unlock()

	if len(st.layers) == 0 && !st.hasBase {
		if !st.exists {
			return WatchEvent{Fingerprint: fp, Removed: true}, nil
		}
		if err := e.store.Delete(ctx, fp); err != nil {
			return WatchEvent{}, err
		}
		st.exists = false
		st.version = e.clock.Next()
		ev := WatchEvent{Fingerprint: fp, Version: st.version, Removed: true}
		e.dispatcher.Deliver(watchTopic(fp), ev)
		return ev, nil
	}

	payload := st.effective()
	if payload == nil {
		payload = gql.Object{}
	}
	optimistic := len(st.layers) > 0
	digest := gql.PayloadDigest(payload)
	if st.exists && digest == st.digest && optimistic == st.optimistic {
		return WatchEvent{Fingerprint: fp, Payload: payload, Version: st.version, Optimistic: optimistic}, nil
	}

	entry := store.CacheEntry{
		Fingerprint:   fp,
		OperationName: st.name,
		Payload:       payload,
		Version:       e.clock.Next(),
		Optimistic:    optimistic,
	}
	if optimistic && st.hasBase {
		entry.Base = st.base
	}
	applied, err := e.store.PutLayered(ctx, entry)
	if err != nil {
		return WatchEvent{}, err
	}
	if !applied {
		return WatchEvent{}, fmt.Errorf("cache entry %s: version %d not applied", fp, entry.Version)
	}

	st.exists, st.digest, st.optimistic, st.version = true, digest, optimistic, entry.Version
	ev := WatchEvent{Fingerprint: fp, Payload: payload, Version: entry.Version, Optimistic: optimistic}
	e.dispatcher.Deliver(watchTopic(fp), ev)
	return ev, nil
}

// updateEntry runs fn on the state for fp under its cache lock and commits
// the result.
func (e *Engine) updateEntry(ctx context.Context, fp, name string, fn func(st *entryState)) (WatchEvent, error) {
	unlock := e.cacheLocks.lock(fp)
	defer unlock()

	st, err := e.loadState(ctx, fp, name)
	if err != nil {
		return WatchEvent{}, err
	}
	fn(st)
	return e.commit(ctx, fp, st)
}

func watchTopic(fp string) string {
	return "watch:" + fp
}
