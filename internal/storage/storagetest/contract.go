// Package storagetest holds behavior tests shared by every storage.Storage
// implementation.
package storagetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fuzztriage/fuzztriage/internal/storage"
	"github.com/fuzztriage/fuzztriage/internal/types"
)

// Factory returns an empty store. The store is closed by the caller's
// t.Cleanup.
type Factory func(t *testing.T) storage.Storage

// Run exercises newStore against the behavior every backend must share.
func Run(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s storage.Storage)
	}{
		{"EnsureTool", testEnsureTool},
		{"CreateCrash", testCreateCrash},
		{"Projection", testProjection},
		{"GetCrashesSkipsMissing", testGetCrashesSkipsMissing},
		{"ListCandidateIDs", testListCandidateIDs},
		{"Rollback", testRollback},
		{"SetCrashBucket", testSetCrashBucket},
		{"Counters", testCounters},
		{"DeleteBucket", testDeleteBucket},
		{"Bugs", testBugs},
		{"ScanCrashRefs", testScanCrashRefs},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newStore(t)
			t.Cleanup(func() { _ = s.Close() })
			tt.fn(t, s)
		})
	}
}

func tx(t *testing.T, s storage.Storage, fn func(ctx context.Context, tx storage.Transaction) error) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.RunInTransaction(ctx, func(tx storage.Transaction) error { return fn(ctx, tx) }))
}

func bucket(t *testing.T, s storage.Storage) *types.Bucket {
	t.Helper()
	b := &types.Bucket{Signature: `{"symptoms":[]}`, ShortDescription: "crash in foo"}
	tx(t, s, func(ctx context.Context, tx storage.Transaction) error { return tx.CreateBucket(ctx, b) })
	return b
}

func crash(t *testing.T, s storage.Storage, c *types.CrashEntry) *types.CrashEntry {
	t.Helper()
	tx(t, s, func(ctx context.Context, tx storage.Transaction) error { return tx.CreateCrash(ctx, c) })
	return c
}

func tool(t *testing.T, s storage.Storage) *types.Tool {
	t.Helper()
	tl, err := s.EnsureTool(context.Background(), "libfuzzer")
	require.NoError(t, err)
	return tl
}

func testEnsureTool(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	a, err := s.EnsureTool(ctx, "afl")
	require.NoError(t, err)
	b, err := s.EnsureTool(ctx, " afl ")
	require.NoError(t, err)
	assert.Equal(t, a.ID, b.ID)

	_, err = s.EnsureTool(ctx, "")
	assert.Error(t, err)

	got, err := s.GetTool(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, "afl", got.Name)

	_, err = s.GetTool(ctx, a.ID+100)
	assert.True(t, errors.Is(err, storage.ErrNotFound))
}

func testCreateCrash(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	tl := tool(t, s)
	b := bucket(t, s)

	c := crash(t, s, &types.CrashEntry{
		ToolID:    tl.ID,
		BucketID:  &b.ID,
		Product:   "firefox",
		RawStderr: "ERROR: AddressSanitizer: heap-use-after-free",
		TestCase:  &types.TestCase{Content: "a\nb", Quality: 3, Size: 3},
	})
	assert.NotZero(t, c.ID)
	assert.False(t, c.CreatedAt.IsZero())
	require.NotNil(t, c.TestCaseID)
	assert.Equal(t, c.TestCase.ID, *c.TestCaseID)

	got, err := s.GetCrash(ctx, c.ID, types.FullProjection())
	require.NoError(t, err)
	assert.Equal(t, "firefox", got.Product)
	require.NotNil(t, got.Quality())
	assert.Equal(t, 3, *got.Quality())
	assert.Equal(t, "a\nb", got.TestCase.Content)
	assert.WithinDuration(t, c.CreatedAt, got.CreatedAt, time.Second)

	_, err = s.GetCrash(ctx, c.ID+100, types.FullProjection())
	assert.True(t, errors.Is(err, storage.ErrNotFound))

	err = s.RunInTransaction(ctx, func(tx storage.Transaction) error {
		return tx.CreateCrash(ctx, &types.CrashEntry{ToolID: tl.ID + 100, RawStderr: "x"})
	})
	assert.True(t, errors.Is(err, storage.ErrNotFound))

	err = s.RunInTransaction(ctx, func(tx storage.Transaction) error {
		return tx.SetTestCaseQuality(ctx, c.ID, 1)
	})
	require.NoError(t, err)
	got, err = s.GetCrash(ctx, c.ID, types.Projection{TestCase: true})
	require.NoError(t, err)
	assert.Equal(t, 1, *got.Quality())
}

func testProjection(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	tl := tool(t, s)

	cached := crash(t, s, &types.CrashEntry{
		ToolID:          tl.ID,
		RawStdout:       "out",
		RawStderr:       "err",
		CachedCrashInfo: `{"backtrace":["foo"]}`,
		TestCase:        &types.TestCase{Content: "x"},
	})
	raw := crash(t, s, &types.CrashEntry{ToolID: tl.ID, RawStdout: "out", RawStderr: "err"})

	proj := types.Projection{Stderr: true}
	got, err := s.GetCrash(ctx, cached.ID, proj)
	require.NoError(t, err)
	assert.Empty(t, got.RawStdout)
	assert.Equal(t, "err", got.RawStderr)
	assert.Nil(t, got.TestCase)
	assert.Equal(t, proj, got.RawLoaded)

	got, err = s.GetCrash(ctx, raw.ID, proj)
	require.NoError(t, err)
	assert.Equal(t, "out", got.RawStdout)
	assert.True(t, got.RawLoaded.Stdout)
}

func testGetCrashesSkipsMissing(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	tl := tool(t, s)
	c1 := crash(t, s, &types.CrashEntry{ToolID: tl.ID, RawStderr: "1"})
	c2 := crash(t, s, &types.CrashEntry{ToolID: tl.ID, RawStderr: "2"})

	got, err := s.GetCrashes(ctx, []int64{c2.ID, c2.ID + 100, c1.ID}, types.Projection{})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, c2.ID, got[0].ID)
	assert.Equal(t, c1.ID, got[1].ID)

	var refs []*types.CrashRef
	tx(t, s, func(ctx context.Context, tx storage.Transaction) error {
		var err error
		refs, err = tx.GetCrashRefs(ctx, []int64{c1.ID, c1.ID + 100})
		return err
	})
	require.Len(t, refs, 1)
	assert.Equal(t, c1.ID, refs[0].ID)
}

func testListCandidateIDs(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	tl := tool(t, s)
	b := bucket(t, s)
	other := bucket(t, s)

	c1 := crash(t, s, &types.CrashEntry{ToolID: tl.ID, RawStderr: "1"})
	c2 := crash(t, s, &types.CrashEntry{ToolID: tl.ID, RawStderr: "2", BucketID: &b.ID})
	crash(t, s, &types.CrashEntry{ToolID: tl.ID, RawStderr: "3", BucketID: &other.ID})
	c4 := crash(t, s, &types.CrashEntry{ToolID: tl.ID, RawStderr: "4"})

	ids, err := s.ListCandidateIDs(ctx, storage.CandidateQuery{BucketID: b.ID, Order: types.Ascending})
	require.NoError(t, err)
	assert.Equal(t, []int64{c1.ID, c2.ID, c4.ID}, ids)

	ids, err = s.ListCandidateIDs(ctx, storage.CandidateQuery{BucketID: b.ID, Order: types.Descending, Offset: 1, Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, []int64{c2.ID}, ids)

	ids, err = s.ListCandidateIDs(ctx, storage.CandidateQuery{BucketID: b.ID, Offset: 10, Limit: 5})
	require.NoError(t, err)
	assert.Empty(t, ids)

	first, err := s.FirstCrashInBucket(ctx, b.ID, types.Projection{})
	require.NoError(t, err)
	assert.Equal(t, c2.ID, first.ID)

	empty := bucket(t, s)
	_, err = s.FirstCrashInBucket(ctx, empty.ID, types.Projection{})
	assert.True(t, errors.Is(err, storage.ErrNotFound))
}

func testRollback(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	tl := tool(t, s)
	b := bucket(t, s)
	c := crash(t, s, &types.CrashEntry{ToolID: tl.ID, RawStderr: "x"})

	boom := errors.New("boom")
	err := s.RunInTransaction(ctx, func(tx storage.Transaction) error {
		if err := tx.SetCrashBucket(ctx, []int64{c.ID}, &b.ID, false); err != nil {
			return err
		}
		if err := tx.PutStatistics(ctx, &types.BucketStatistics{BucketID: b.ID, ToolID: tl.ID, Size: 1}); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	got, err := s.GetCrash(ctx, c.ID, types.Projection{})
	require.NoError(t, err)
	assert.Nil(t, got.BucketID)
	stats, err := s.ListStatistics(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, stats)
}

func testSetCrashBucket(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	tl := tool(t, s)
	b := bucket(t, s)
	c := crash(t, s, &types.CrashEntry{ToolID: tl.ID, RawStderr: "x", Triaged: true})

	tx(t, s, func(ctx context.Context, tx storage.Transaction) error {
		return tx.SetCrashBucket(ctx, []int64{c.ID}, &b.ID, true)
	})
	got, err := s.GetCrash(ctx, c.ID, types.Projection{})
	require.NoError(t, err)
	require.NotNil(t, got.BucketID)
	assert.Equal(t, b.ID, *got.BucketID)
	assert.False(t, got.Triaged)

	err = s.RunInTransaction(ctx, func(tx storage.Transaction) error {
		return tx.SetCrashBucket(ctx, []int64{c.ID, c.ID + 100}, nil, false)
	})
	assert.True(t, errors.Is(err, storage.ErrNotFound))

	var ids []int64
	tx(t, s, func(ctx context.Context, tx storage.Transaction) error {
		var err error
		ids, err = tx.BucketCrashIDs(ctx, b.ID)
		return err
	})
	assert.Equal(t, []int64{c.ID}, ids)
}

func testCounters(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	tl := tool(t, s)
	b := bucket(t, s)
	crash(t, s, &types.CrashEntry{ToolID: tl.ID, BucketID: &b.ID, RawStderr: "1", TestCase: &types.TestCase{Content: "a", Quality: 5}})
	crash(t, s, &types.CrashEntry{ToolID: tl.ID, BucketID: &b.ID, RawStderr: "2", TestCase: &types.TestCase{Content: "b", Quality: 2}})
	crash(t, s, &types.CrashEntry{ToolID: tl.ID, BucketID: &b.ID, RawStderr: "3"})

	hour := types.HourBegin(time.Date(2025, 1, 15, 10, 42, 0, 0, time.UTC))
	tx(t, s, func(ctx context.Context, tx storage.Transaction) error {
		q, err := tx.MinQuality(ctx, b.ID, tl.ID)
		if err != nil {
			return err
		}
		require.NotNil(t, q)
		assert.Equal(t, 2, *q)

		_, err = tx.GetStatistics(ctx, b.ID, tl.ID)
		assert.True(t, errors.Is(err, storage.ErrNotFound))
		if err := tx.PutStatistics(ctx, &types.BucketStatistics{BucketID: b.ID, ToolID: tl.ID, Size: 3, Quality: q}); err != nil {
			return err
		}
		if err := tx.PutStatistics(ctx, &types.BucketStatistics{BucketID: b.ID, ToolID: tl.ID, Size: 4, Quality: q}); err != nil {
			return err
		}

		_, err = tx.GetHit(ctx, b.ID, tl.ID, hour)
		assert.True(t, errors.Is(err, storage.ErrNotFound))
		if err := tx.PutHit(ctx, &types.BucketHit{BucketID: b.ID, ToolID: tl.ID, Begin: hour, Count: 1}); err != nil {
			return err
		}
		h, err := tx.GetHit(ctx, b.ID, tl.ID, hour)
		if err != nil {
			return err
		}
		h.Count++
		return tx.PutHit(ctx, h)
	})

	stats, err := s.ListStatistics(ctx, &b.ID)
	require.NoError(t, err)
	require.Len(t, stats, 1)
	assert.Equal(t, 4, stats[0].Size)
	assert.Equal(t, 2, *stats[0].Quality)

	hits, err := s.ListHits(ctx, &b.ID, hour.Add(30*time.Minute))
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, 2, hits[0].Count)
	assert.True(t, hits[0].Begin.Equal(hour))

	hits, err = s.ListHits(ctx, nil, hour.Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, hits)

	tx(t, s, func(ctx context.Context, tx storage.Transaction) error {
		return tx.ReplaceCounters(ctx, []*types.BucketStatistics{{BucketID: b.ID, ToolID: tl.ID, Size: 3}}, nil)
	})
	stats, err = s.ListStatistics(ctx, nil)
	require.NoError(t, err)
	require.Len(t, stats, 1)
	assert.Equal(t, 3, stats[0].Size)
	assert.Nil(t, stats[0].Quality)
	hits, err = s.ListHits(ctx, nil, time.Time{})
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func testDeleteBucket(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	tl := tool(t, s)
	b := bucket(t, s)
	c := crash(t, s, &types.CrashEntry{ToolID: tl.ID, BucketID: &b.ID, RawStderr: "x"})

	err := s.RunInTransaction(ctx, func(tx storage.Transaction) error { return tx.DeleteBucket(ctx, b.ID) })
	assert.ErrorContains(t, err, "still has crashes")

	tx(t, s, func(ctx context.Context, tx storage.Transaction) error {
		if err := tx.PutStatistics(ctx, &types.BucketStatistics{BucketID: b.ID, ToolID: tl.ID, Size: 1}); err != nil {
			return err
		}
		if err := tx.DeleteCrash(ctx, c.ID); err != nil {
			return err
		}
		return tx.DeleteBucket(ctx, b.ID)
	})
	_, err = s.GetBucket(ctx, b.ID)
	assert.True(t, errors.Is(err, storage.ErrNotFound))
	stats, err := s.ListStatistics(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, stats)

	require.NoError(t, s.SetReassignInProgress(ctx, bucket(t, s).ID, true))
	assert.True(t, errors.Is(s.SetReassignInProgress(ctx, b.ID, true), storage.ErrNotFound))
}

func testBugs(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	bug := &types.Bug{ExternalID: "42", ExternalType: "github"}
	tx(t, s, func(ctx context.Context, tx storage.Transaction) error { return tx.CreateBug(ctx, bug) })
	assert.NotZero(t, bug.ID)

	err := s.RunInTransaction(ctx, func(tx storage.Transaction) error {
		return tx.CreateBug(ctx, &types.Bug{ExternalID: "42", ExternalType: "github"})
	})
	assert.ErrorContains(t, err, "already exists")

	closed := time.Date(2025, 2, 1, 12, 0, 0, 0, time.UTC)
	bug.ClosedAt = &closed
	tx(t, s, func(ctx context.Context, tx storage.Transaction) error { return tx.UpdateBug(ctx, bug) })

	got, err := s.GetBug(ctx, bug.ID)
	require.NoError(t, err)
	require.NotNil(t, got.ClosedAt)
	assert.True(t, got.ClosedAt.Equal(closed))

	b := &types.Bucket{Signature: `{"symptoms":[]}`, BugID: &bug.ID}
	tx(t, s, func(ctx context.Context, tx storage.Transaction) error { return tx.CreateBucket(ctx, b) })
	linked, err := s.ListBuckets(ctx, types.BucketFilter{BugID: &bug.ID})
	require.NoError(t, err)
	require.Len(t, linked, 1)
	assert.Equal(t, b.ID, linked[0].ID)

	bugs, err := s.ListBugs(ctx)
	require.NoError(t, err)
	assert.Len(t, bugs, 1)
}

func testScanCrashRefs(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	tl := tool(t, s)
	b := bucket(t, s)
	want := []int64{
		crash(t, s, &types.CrashEntry{ToolID: tl.ID, RawStderr: "1"}).ID,
		crash(t, s, &types.CrashEntry{ToolID: tl.ID, RawStderr: "2", BucketID: &b.ID, TestCase: &types.TestCase{Content: "t", Quality: 4}}).ID,
	}

	var got []int64
	var quality *int
	err := s.ScanCrashRefs(ctx, func(ref *types.CrashRef) error {
		got = append(got, ref.ID)
		if ref.BucketID != nil {
			quality = ref.Quality
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, want, got)
	require.NotNil(t, quality)
	assert.Equal(t, 4, *quality)

	stop := errors.New("stop")
	err = s.ScanCrashRefs(ctx, func(*types.CrashRef) error { return stop })
	assert.ErrorIs(t, err, stop)
}
