//go:build cgo

package dolt

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fuzztriage/fuzztriage/internal/storage"
	"github.com/fuzztriage/fuzztriage/internal/storage/storagetest"
	"github.com/fuzztriage/fuzztriage/internal/types"
)

// testTimeout bounds store setup. The embedded engine is slow to open.
const testTimeout = 30 * time.Second

func newEmbeddedTestStore(t *testing.T) *DoltStore {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping embedded Dolt test in short mode")
	}
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	store, err := New(ctx, &Config{
		Path:           filepath.Join(t.TempDir(), "dolt"),
		Database:       "testdb",
		CommitterName:  "test",
		CommitterEmail: "test@example.com",
	})
	require.NoError(t, err)
	return store
}

func TestEmbeddedContract(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Storage { return newEmbeddedTestStore(t) })
}

func TestEmbeddedReopenKeepsData(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping embedded Dolt test in short mode")
	}
	ctx := context.Background()
	cfg := &Config{Path: filepath.Join(t.TempDir(), "dolt"), Database: "testdb"}

	store, err := New(ctx, cfg)
	require.NoError(t, err)
	tool, err := store.EnsureTool(ctx, "afl")
	require.NoError(t, err)
	require.NoError(t, store.Commit(ctx, "add tool"))
	// Committing a clean working set is not an error.
	require.NoError(t, store.Commit(ctx, "again"))
	require.NoError(t, store.Close())
	require.NoError(t, store.Close())

	_, err = store.ListTools(ctx)
	assert.ErrorContains(t, err, "closed")

	store, err = New(ctx, cfg)
	require.NoError(t, err)
	defer func() { _ = store.Close() }()
	got, err := store.GetTool(ctx, tool.ID)
	require.NoError(t, err)
	assert.Equal(t, "afl", got.Name)
	assert.NotEmpty(t, store.Path())
}

func TestEmbeddedScanAllowsWrites(t *testing.T) {
	store := newEmbeddedTestStore(t)
	defer func() { _ = store.Close() }()
	ctx := context.Background()

	tool, err := store.EnsureTool(ctx, "afl")
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		require.NoError(t, store.RunInTransaction(ctx, func(tx storage.Transaction) error {
			return tx.CreateCrash(ctx, &types.CrashEntry{ToolID: tool.ID, RawStderr: "x"})
		}))
	}

	// The embedded pool has a single connection, so the scan must not hold
	// it while the callback writes.
	err = store.ScanCrashRefs(ctx, func(ref *types.CrashRef) error {
		return store.RunInTransaction(ctx, func(tx storage.Transaction) error {
			return tx.SetTriaged(ctx, []int64{ref.ID}, true)
		})
	})
	require.NoError(t, err)

	triaged := true
	list, err := store.ListCrashes(ctx, types.CrashFilter{Triaged: &triaged}, types.Projection{})
	require.NoError(t, err)
	assert.Len(t, list, 3)
}
