// ABOUTME: Shared helpers for user manager tests
// ABOUTME: Opens a throwaway SQLite-backed store

package users

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/2389/keygate/internal/store"
)

func newSQLStore(t *testing.T) *store.SQLStore {
	t.Helper()
	s, err := store.NewSQLStore(context.Background(), store.DriverSQLite, filepath.Join(t.TempDir(), "users.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}
