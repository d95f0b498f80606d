package store

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/syncql/internal/gql"
)

// createTestStore creates a new store in a temp directory for testing.
func createTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// todoList builds a ListTodos-shaped payload.
func todoList(ids ...string) gql.Object {
	items := make(gql.List, 0, len(ids))
	for _, id := range ids {
		items = append(items, gql.Object{"id": gql.String(id), "name": gql.String("todo " + id)})
	}
	return gql.Object{"listTodos": gql.Object{"items": items}}
}
