package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	lru "github.com/hashicorp/golang-lru"

	"github.com/roach88/syncql/internal/gql"
)

// CacheEntry is the last known result of a query fingerprint.
type CacheEntry struct {
	Fingerprint   string
	OperationName string

	// Payload is the effective value readers see.
	Payload gql.Object

	// Version is stamped by the engine's logical clock. It never decreases
	// for a fingerprint.
	Version int64

	// Optimistic is true while unconfirmed mutation layers sit on top of
	// Base. Optimistic entries are never evicted.
	Optimistic bool

	// Base is the server-confirmed value underneath the optimistic layers.
	// Nil when the entry was created by an optimistic write alone.
	Base gql.Object
}

// Get returns the cache entry for a fingerprint.
// Returns ok=false (and no error) when no entry exists.
func (s *Store) Get(ctx context.Context, fingerprint string) (CacheEntry, bool, error) {
	var (
		entry   CacheEntry
		payload string
		base    sql.NullString
		opt     int
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT fingerprint, operation_name, payload, base, optimistic, version
		FROM cache_entries
		WHERE fingerprint = ?
	`, fingerprint).Scan(&entry.Fingerprint, &entry.OperationName, &payload, &base, &opt, &entry.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return CacheEntry{}, false, nil
	}
	if err != nil {
		return CacheEntry{}, false, fmt.Errorf("get cache entry: %w", err)
	}

	entry.Optimistic = opt != 0
	if entry.Payload, err = unmarshalPayload(payload); err != nil {
		return CacheEntry{}, false, fmt.Errorf("get cache entry: %w", err)
	}
	if entry.Base, err = unmarshalNullablePayload(base); err != nil {
		return CacheEntry{}, false, fmt.Errorf("get cache entry: %w", err)
	}

	if err := s.touch(ctx, entry.Fingerprint, entry.Optimistic); err != nil {
		return CacheEntry{}, false, err
	}
	return entry, true, nil
}

// Put stores a server-confirmed payload. The write is applied only when
// version is greater than the stored version; applied reports whether it
// was. A Put clears any optimistic state on the entry.
func (s *Store) Put(ctx context.Context, fingerprint, operationName string, payload gql.Object, version int64) (applied bool, err error) {
	return s.PutLayered(ctx, CacheEntry{
		Fingerprint:   fingerprint,
		OperationName: operationName,
		Payload:       payload,
		Version:       version,
	})
}

// PutLayered stores an entry together with its base and optimistic flag.
// Same version rule as Put.
func (s *Store) PutLayered(ctx context.Context, entry CacheEntry) (applied bool, err error) {
	if entry.Fingerprint == "" {
		return false, errors.New("put cache entry: empty fingerprint")
	}

	opt := 0
	if entry.Optimistic {
		opt = 1
	}
	base := sql.NullString{}
	if entry.Optimistic {
		base = marshalNullablePayload(entry.Base)
	}

	// The WHERE on the update arm makes stale writes a no-op; SQLite then
	// reports zero changed rows.
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO cache_entries
		(fingerprint, operation_name, payload, base, optimistic, version, accessed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(fingerprint) DO UPDATE SET
			operation_name = excluded.operation_name,
			payload        = excluded.payload,
			base           = excluded.base,
			optimistic     = excluded.optimistic,
			version        = excluded.version,
			accessed_at    = excluded.accessed_at
		WHERE excluded.version > cache_entries.version
	`,
		entry.Fingerprint,
		entry.OperationName,
		marshalPayload(entry.Payload),
		base,
		opt,
		entry.Version,
		s.access.Add(1),
	)
	if err != nil {
		return false, fmt.Errorf("put cache entry: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("put cache entry: rows affected: %w", err)
	}
	if rows == 0 {
		return false, nil
	}

	if err := s.track(ctx, entry.Fingerprint, entry.Optimistic); err != nil {
		return true, err
	}
	return true, nil
}

// Delete removes a cache entry. Deleting a missing entry is not an error.
func (s *Store) Delete(ctx context.Context, fingerprint string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE fingerprint = ?`, fingerprint); err != nil {
		return fmt.Errorf("delete cache entry: %w", err)
	}
	if s.lru != nil {
		s.lruMu.Lock()
		s.lru.Remove(fingerprint)
		s.lruMu.Unlock()
	}
	return nil
}

// MaxVersion returns the highest version ever stored, including entries
// since deleted or evicted, or 0 for a fresh store. The engine seeds its
// logical clock from it after a restart.
func (s *Store) MaxVersion(ctx context.Context) (int64, error) {
	var v sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `
		SELECT MAX(v) FROM (
			SELECT MAX(version) AS v FROM cache_entries
			UNION ALL
			SELECT value FROM store_meta WHERE key = 'version_high_water'
		)
	`).Scan(&v); err != nil {
		return 0, fmt.Errorf("max version: %w", err)
	}
	return v.Int64, nil
}

// Len returns the number of cache entries on disk.
func (s *Store) Len(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM cache_entries`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count cache entries: %w", err)
	}
	return n, nil
}

// seedLRU rebuilds the in-memory recency index from disk, oldest access
// first, and evicts anything beyond the cap.
func (s *Store) seedLRU(ctx context.Context) error {
	var maxAccess sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(accessed_at) FROM cache_entries`).Scan(&maxAccess); err != nil {
		return fmt.Errorf("max accessed_at: %w", err)
	}
	s.access.Store(maxAccess.Int64)

	if s.maxEntries <= 0 {
		return nil
	}
	cache, err := lru.New(s.maxEntries)
	if err != nil {
		return fmt.Errorf("create lru: %w", err)
	}
	s.lru = cache

	rows, err := s.db.QueryContext(ctx, `
		SELECT fingerprint FROM cache_entries
		WHERE optimistic = 0
		ORDER BY accessed_at ASC, fingerprint COLLATE BINARY ASC
	`)
	if err != nil {
		return fmt.Errorf("query cache index: %w", err)
	}
	var fps []string
	for rows.Next() {
		var fp string
		if err := rows.Scan(&fp); err != nil {
			rows.Close()
			return fmt.Errorf("scan cache index: %w", err)
		}
		fps = append(fps, fp)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate cache index: %w", err)
	}

	for _, fp := range fps {
		if err := s.admit(ctx, fp); err != nil {
			return err
		}
	}
	return nil
}

// touch records a read for LRU purposes.
func (s *Store) touch(ctx context.Context, fingerprint string, optimistic bool) error {
	if s.lru == nil || optimistic {
		return nil
	}
	if _, err := s.db.ExecContext(ctx, `
		UPDATE cache_entries SET accessed_at = ? WHERE fingerprint = ?
	`, s.access.Add(1), fingerprint); err != nil {
		return fmt.Errorf("touch cache entry: %w", err)
	}
	return s.track(ctx, fingerprint, false)
}

// track keeps the recency index in step with a write. Optimistic entries
// leave the index so they can never be chosen for eviction.
func (s *Store) track(ctx context.Context, fingerprint string, optimistic bool) error {
	if s.lru == nil {
		return nil
	}
	if optimistic {
		s.lruMu.Lock()
		s.lru.Remove(fingerprint)
		s.lruMu.Unlock()
		return nil
	}
	return s.admit(ctx, fingerprint)
}

// admit marks fingerprint most recently used, evicting the least recently
// used entries from disk while the index is full.
func (s *Store) admit(ctx context.Context, fingerprint string) error {
	s.lruMu.Lock()
	defer s.lruMu.Unlock()

	if s.lru.Contains(fingerprint) {
		s.lru.Get(fingerprint)
		return nil
	}
	for s.lru.Len() >= s.maxEntries {
		oldest, _, ok := s.lru.RemoveOldest()
		if !ok {
			break
		}
		fp := oldest.(string)
		if _, err := s.db.ExecContext(ctx, `
			DELETE FROM cache_entries WHERE fingerprint = ? AND optimistic = 0
		`, fp); err != nil {
			return fmt.Errorf("evict cache entry: %w", err)
		}
		s.logger.Debug("cache entry evicted", "fingerprint", fp)
		if s.onEvict != nil {
			s.onEvict(fp)
		}
	}
	s.lru.Add(fingerprint, struct{}{})
	return nil
}
