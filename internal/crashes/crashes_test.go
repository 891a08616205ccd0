package crashes_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fuzztriage/fuzztriage/internal/config"
	"github.com/fuzztriage/fuzztriage/internal/counters"
	"github.com/fuzztriage/fuzztriage/internal/crashes"
	"github.com/fuzztriage/fuzztriage/internal/crashinfo"
	"github.com/fuzztriage/fuzztriage/internal/signature"
	"github.com/fuzztriage/fuzztriage/internal/storage"
	"github.com/fuzztriage/fuzztriage/internal/storage/memory"
	"github.com/fuzztriage/fuzztriage/internal/types"
)

const asanStderr = `==1==ERROR: AddressSanitizer: heap-use-after-free on address 0x602000000010
    #0 0x4005 in foo /src/a.c:1:1
    #1 0x4006 in bar /src/a.c:2:1
SUMMARY: AddressSanitizer: heap-use-after-free /src/a.c:1:1 in foo`

func newService(t *testing.T) (*crashes.Service, *memory.Store) {
	t.Helper()
	store := memory.New()
	cache, err := crashinfo.NewCache(16)
	require.NoError(t, err)
	return crashes.New(store, cache), store
}

func bucket(t *testing.T, svc *crashes.Service) int64 {
	t.Helper()
	b := &types.Bucket{Signature: `{"symptoms":[{"type":"stackFrames","functionNames":["foo"]}]}`}
	require.NoError(t, svc.CreateBucket(context.Background(), b))
	return b.ID
}

// assertCounters checks the cached counters against a recount.
func assertCounters(t *testing.T, store *memory.Store) {
	t.Helper()
	res, err := counters.Reconcile(context.Background(), store, true)
	require.NoError(t, err)
	assert.Empty(t, res.Drift)
}

func TestIngest(t *testing.T) {
	svc, store := newService(t)
	ctx := context.Background()

	entry, err := svc.Ingest(ctx, &crashes.Submission{
		Tool:     "libfuzzer",
		Product:  "firefox",
		Stderr:   asanStderr,
		TestCase: &types.TestCase{Content: "abc\ndef", Quality: 5},
	})
	require.NoError(t, err)
	assert.NotZero(t, entry.ID)
	assert.Contains(t, entry.ShortSignature, "AddressSanitizer: heap-use-after-free")
	assert.NotEmpty(t, entry.CachedCrashInfo)
	require.NotNil(t, entry.TestCase)
	assert.Equal(t, 7, entry.TestCase.Size)

	got, err := store.GetCrash(ctx, entry.ID, types.Projection{})
	require.NoError(t, err)
	ci, err := crashinfo.FromEntry(got)
	require.NoError(t, err)
	assert.Equal(t, []string{"foo", "bar"}, ci.Backtrace)

	_, err = svc.Ingest(ctx, &crashes.Submission{Stderr: asanStderr})
	assert.Error(t, err, "tool is required")
}

func TestIngestIntoBucket(t *testing.T) {
	svc, store := newService(t)
	ctx := context.Background()
	b := bucket(t, svc)

	_, err := svc.Ingest(ctx, &crashes.Submission{Tool: "afl", Stderr: asanStderr, BucketID: &b,
		TestCase: &types.TestCase{Content: "x", Quality: 3}})
	require.NoError(t, err)

	stats, err := store.ListStatistics(ctx, &b)
	require.NoError(t, err)
	require.Len(t, stats, 1)
	assert.Equal(t, 1, stats[0].Size)
	require.NotNil(t, stats[0].Quality)
	assert.Equal(t, 3, *stats[0].Quality)

	hits, err := store.ListHits(ctx, &b, time.Time{})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, 1, hits[0].Count)
	assertCounters(t, store)
}

func TestMove(t *testing.T) {
	svc, store := newService(t)
	ctx := context.Background()
	b1, b2 := bucket(t, svc), bucket(t, svc)

	entry, err := svc.Ingest(ctx, &crashes.Submission{Tool: "afl", Stderr: asanStderr, BucketID: &b1})
	require.NoError(t, err)
	require.NoError(t, store.RunInTransaction(ctx, func(tx storage.Transaction) error {
		return tx.SetTriaged(ctx, []int64{entry.ID}, true)
	}))

	require.NoError(t, svc.Move(ctx, entry.ID, &b2))
	assertCounters(t, store)
	got, err := store.GetCrash(ctx, entry.ID, types.Projection{})
	require.NoError(t, err)
	assert.Equal(t, b2, *got.BucketID)
	assert.True(t, got.Triaged, "moving between buckets keeps the triaged flag")

	require.NoError(t, svc.Move(ctx, entry.ID, &b2), "moving to the current bucket is a no-op")
	assertCounters(t, store)

	require.NoError(t, svc.Move(ctx, entry.ID, nil))
	assertCounters(t, store)
	got, err = store.GetCrash(ctx, entry.ID, types.Projection{})
	require.NoError(t, err)
	assert.Nil(t, got.BucketID)
	assert.False(t, got.Triaged)

	missing := int64(999)
	err = svc.Move(ctx, entry.ID, &missing)
	assert.True(t, crashes.IsNotFound(err), "got %v", err)
	assert.True(t, crashes.IsNotFound(svc.Move(ctx, 12345, &b1)))
}

func TestUpdateQuality(t *testing.T) {
	svc, store := newService(t)
	ctx := context.Background()
	b := bucket(t, svc)

	first, err := svc.Ingest(ctx, &crashes.Submission{Tool: "afl", Stderr: asanStderr, BucketID: &b,
		TestCase: &types.TestCase{Content: "a", Quality: 2}})
	require.NoError(t, err)
	_, err = svc.Ingest(ctx, &crashes.Submission{Tool: "afl", Stderr: asanStderr, BucketID: &b,
		TestCase: &types.TestCase{Content: "b", Quality: 6}})
	require.NoError(t, err)

	require.NoError(t, svc.UpdateQuality(ctx, first.ID, 9))
	assertCounters(t, store)
	stats, err := store.ListStatistics(ctx, &b)
	require.NoError(t, err)
	require.Len(t, stats, 1)
	assert.Equal(t, 6, *stats[0].Quality)

	noTest, err := svc.Ingest(ctx, &crashes.Submission{Tool: "afl", Stderr: asanStderr})
	require.NoError(t, err)
	assert.Error(t, svc.UpdateQuality(ctx, noTest.ID, 1))
}

func TestDelete(t *testing.T) {
	svc, store := newService(t)
	ctx := context.Background()
	b := bucket(t, svc)

	entry, err := svc.Ingest(ctx, &crashes.Submission{Tool: "afl", Stderr: asanStderr, BucketID: &b})
	require.NoError(t, err)
	require.NoError(t, svc.Delete(ctx, entry.ID))
	assertCounters(t, store)

	_, err = store.GetCrash(ctx, entry.ID, types.Projection{})
	assert.True(t, errors.Is(err, storage.ErrNotFound))
	assert.True(t, crashes.IsNotFound(svc.Delete(ctx, entry.ID)))
}

func TestDeleteBucket(t *testing.T) {
	svc, store := newService(t)
	ctx := context.Background()
	b := bucket(t, svc)

	var want []int64
	for i := 0; i < 3; i++ {
		e, err := svc.Ingest(ctx, &crashes.Submission{Tool: "afl", Stderr: asanStderr, BucketID: &b})
		require.NoError(t, err)
		want = append(want, e.ID)
	}

	detached, err := svc.DeleteBucket(ctx, b)
	require.NoError(t, err)
	assert.ElementsMatch(t, want, detached)
	assertCounters(t, store)

	_, err = store.GetBucket(ctx, b)
	assert.True(t, errors.Is(err, storage.ErrNotFound))
	for _, id := range want {
		c, err := store.GetCrash(ctx, id, types.Projection{})
		require.NoError(t, err)
		assert.Nil(t, c.BucketID)
	}
}

func TestCreateBucketRejectsBadSignature(t *testing.T) {
	svc, _ := newService(t)
	err := svc.CreateBucket(context.Background(), &types.Bucket{Signature: `{"symptoms":[{"type":"bogus"}]}`})
	assert.True(t, signature.IsValidationError(err), "got %v", err)
}

func TestIngestRunsConfigHooks(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(dir, "xdg"))
	t.Chdir(dir)
	require.NoError(t, config.Initialize())
	out := filepath.Join(dir, "events.txt")
	for _, name := range []string{"on_ingest", "on_bucket"} {
		config.Set("hooks."+name, []map[string]interface{}{
			{"name": name, "command": `echo "$FT_EVENT $FT_CRASH_ID" >> ` + out},
		})
	}

	svc, _ := newService(t)
	b := bucket(t, svc)
	entry, err := svc.Ingest(context.Background(), &crashes.Submission{Tool: "afl", Stderr: asanStderr, BucketID: &b})
	require.NoError(t, err)

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	id := strconv.FormatInt(entry.ID, 10)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	assert.Equal(t, []string{"ingest " + id, "bucket " + id}, lines)
}
