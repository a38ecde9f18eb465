// Package dbtest opens throwaway local stores for tests in other packages.
package dbtest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/csmsync/internal/db"
)

// Open returns a repository over a migrated database in a temp dir. Both are closed
// when the test ends.
func Open(t testing.TB) *db.Repository {
	t.Helper()
	database, err := db.Open(t.TempDir(), "")
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	require.NoError(t, database.Migrate(context.Background()))
	repo := db.NewRepository(database.DB)
	t.Cleanup(func() { repo.Close() })
	return repo
}
