package reassign_test

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fuzztriage/fuzztriage/internal/crashinfo"
	"github.com/fuzztriage/fuzztriage/internal/reassign"
	"github.com/fuzztriage/fuzztriage/internal/signature"
	"github.com/fuzztriage/fuzztriage/internal/storage"
	"github.com/fuzztriage/fuzztriage/internal/storage/memory"
	"github.com/fuzztriage/fuzztriage/internal/types"
)

const sigX = `{"symptoms":[{"type":"output","src":"stderr","value":"/^X$/"}]}`

type recorder struct {
	mu  sync.Mutex
	ids []int64
}

func (r *recorder) EnqueueTriage(ctx context.Context, crashID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, crashID)
	return nil
}

type env struct {
	t      *testing.T
	store  *memory.Store
	engine *reassign.Engine
	triage *recorder
	tools  map[string]int64
}

func newEnv(t *testing.T) *env {
	t.Helper()
	cache, err := crashinfo.NewCache(64)
	require.NoError(t, err)
	e := &env{t: t, store: memory.New(), triage: &recorder{}, tools: map[string]int64{}}
	e.engine = reassign.New(e.store, cache, reassign.WithTriage(e.triage))
	return e
}

func (e *env) tool(name string) int64 {
	if id, ok := e.tools[name]; ok {
		return id
	}
	tool, err := e.store.EnsureTool(context.Background(), name)
	require.NoError(e.t, err)
	e.tools[name] = tool.ID
	return tool.ID
}

func (e *env) bucket(sig string) int64 {
	ctx := context.Background()
	b := &types.Bucket{Signature: sig}
	require.NoError(e.t, e.store.RunInTransaction(ctx, func(tx storage.Transaction) error {
		return tx.CreateBucket(ctx, b)
	}))
	return b.ID
}

func (e *env) crash(tool, stderr string, bucket *int64, quality *int) int64 {
	ctx := context.Background()
	c := &types.CrashEntry{ToolID: e.tool(tool), RawStderr: stderr, BucketID: bucket, Triaged: true}
	if quality != nil {
		c.TestCase = &types.TestCase{Quality: *quality}
	}
	require.NoError(e.t, e.store.RunInTransaction(ctx, func(tx storage.Transaction) error {
		return tx.CreateCrash(ctx, c)
	}))
	return c.ID
}

func (e *env) bucketOf(id int64) *int64 {
	c, err := e.store.GetCrash(context.Background(), id, types.Projection{})
	require.NoError(e.t, err)
	return c.BucketID
}

func (e *env) stats(bucketID, toolID int64) *types.BucketStatistics {
	all, err := e.store.ListStatistics(context.Background(), &bucketID)
	require.NoError(e.t, err)
	for _, st := range all {
		if st.ToolID == toolID {
			return st
		}
	}
	return &types.BucketStatistics{BucketID: bucketID, ToolID: toolID}
}

func sorted(ids []int64) []int64 {
	out := append([]int64(nil), ids...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func TestReassignScenario(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	b := e.bucket(sigX)

	r1 := e.crash("t1", "X", nil, nil)
	r2 := e.crash("t1", "Y", &b, nil)
	r3 := e.crash("t2", "X", nil, nil)

	// r2 was put into the bucket directly, so seed its counters the way an
	// ingest would have.
	require.NoError(t, e.store.RunInTransaction(ctx, func(tx storage.Transaction) error {
		return tx.PutStatistics(ctx, &types.BucketStatistics{BucketID: b, ToolID: e.tool("t1"), Size: 1})
	}))

	res, err := e.engine.Reassign(ctx, b, reassign.Options{Apply: true})
	require.NoError(t, err)
	assert.Equal(t, []int64{r1, r3}, sorted(res.In))
	assert.Equal(t, []int64{r2}, res.Out)
	assert.Equal(t, 2, res.InCount)
	assert.Equal(t, 1, res.OutCount)
	assert.Nil(t, res.NextOffset)

	assert.Equal(t, b, *e.bucketOf(r1))
	assert.Equal(t, b, *e.bucketOf(r3))
	assert.Nil(t, e.bucketOf(r2))

	assert.Equal(t, 1, e.stats(b, e.tool("t1")).Size)
	assert.Equal(t, 1, e.stats(b, e.tool("t2")).Size)

	removed, err := e.store.GetCrash(ctx, r2, types.Projection{})
	require.NoError(t, err)
	assert.False(t, removed.Triaged, "removed entries must be picked up by triage again")
	assert.Equal(t, []int64{r2}, e.triage.ids)
}

func TestReassignIdempotent(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	b := e.bucket(sigX)
	for i := 0; i < 12; i++ {
		out := "X"
		if i%3 == 0 {
			out = "Z"
		}
		e.crash("t1", out, nil, nil)
	}

	first, err := e.engine.Reassign(ctx, b, reassign.Options{Apply: true})
	require.NoError(t, err)
	assert.Equal(t, 8, first.InCount)

	second, err := e.engine.Reassign(ctx, b, reassign.Options{Apply: true})
	require.NoError(t, err)
	assert.Zero(t, second.InCount)
	assert.Zero(t, second.OutCount)
}

func TestReassignLeavesOtherBucketsAlone(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	b := e.bucket(sigX)
	other := e.bucket(`{"symptoms":[{"type":"output","value":"X"}]}`)
	elsewhere := e.crash("t1", "X", &other, nil)

	res, err := e.engine.Reassign(ctx, b, reassign.Options{Apply: true})
	require.NoError(t, err)
	assert.Zero(t, res.InCount)
	assert.Equal(t, other, *e.bucketOf(elsewhere))
}

func TestReassignPaginationComplete(t *testing.T) {
	build := func(t *testing.T) (*env, int64, []int64) {
		e := newEnv(t)
		b := e.bucket(sigX)
		var ids []int64
		for i := 0; i < 23; i++ {
			switch i % 4 {
			case 0:
				ids = append(ids, e.crash("t1", "X", nil, nil))
			case 1:
				ids = append(ids, e.crash("t2", "Y", &b, nil))
			case 2:
				ids = append(ids, e.crash("t1", "X", &b, nil))
			default:
				ids = append(ids, e.crash("t2", "W", nil, nil))
			}
		}
		return e, b, ids
	}

	ref, refBucket, refIDs := build(t)
	full, err := ref.engine.Reassign(context.Background(), refBucket, reassign.Options{Apply: true})
	require.NoError(t, err)
	want := map[int64]bool{}
	for _, id := range refIDs {
		want[id] = ref.bucketOf(id) != nil
	}

	for _, limit := range []int{1, 2, 5, 7, 23, 50} {
		t.Run(fmt.Sprintf("limit=%d", limit), func(t *testing.T) {
			e, b, ids := build(t)
			ctx := context.Background()

			var in, out []int64
			offset, pages := 0, 0
			for {
				res, err := e.engine.Reassign(ctx, b, reassign.Options{Apply: true, Limit: limit, Offset: offset})
				require.NoError(t, err)
				in = append(in, res.In...)
				out = append(out, res.Out...)
				pages++
				if res.NextOffset == nil {
					break
				}
				assert.Equal(t, offset+limit, *res.NextOffset)
				offset = *res.NextOffset
			}

			assert.Equal(t, (len(ids)+limit-1)/limit, pages)
			assert.Equal(t, sorted(full.In), sorted(in), "every candidate joins exactly once")
			assert.Equal(t, sorted(full.Out), sorted(out), "every candidate leaves exactly once")

			got := map[int64]bool{}
			for _, id := range ids {
				got[id] = e.bucketOf(id) != nil
			}
			if diff := cmp.Diff(want, got); diff != "" {
				t.Errorf("membership mismatch (-full +paged):\n%s", diff)
			}
		})
	}
}

func TestReassignPreview(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	b := e.bucket(sigX)

	var matching []int64
	for i := 0; i < 130; i++ {
		matching = append(matching, e.crash("t1", "X", nil, nil))
	}
	stale := e.crash("t1", "nope", &b, nil)

	res, err := e.engine.Reassign(ctx, b, reassign.Options{})
	require.NoError(t, err)
	assert.False(t, res.Applied)
	assert.Equal(t, 130, res.InCount)
	assert.Equal(t, 1, res.OutCount)
	assert.Len(t, res.InSamples, reassign.SampleSize)
	require.Len(t, res.OutSamples, 1)
	assert.Equal(t, stale, res.OutSamples[0].ID)

	// Preview lists the newest entries first.
	assert.Equal(t, matching[len(matching)-1], res.InSamples[0].ID)
	assert.Greater(t, res.InSamples[0].ID, res.InSamples[1].ID)

	// Nothing was written.
	assert.Nil(t, e.bucketOf(matching[0]))
	assert.Equal(t, b, *e.bucketOf(stale))
	stats, err := e.store.ListStatistics(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, stats)
	assert.Empty(t, e.triage.ids)
}

func TestReassignPreviewPage(t *testing.T) {
	e := newEnv(t)
	b := e.bucket(sigX)
	for i := 0; i < 5; i++ {
		e.crash("t1", "X", nil, nil)
	}
	res, err := e.engine.Reassign(context.Background(), b, reassign.Options{Limit: 2, Offset: 2})
	require.NoError(t, err)
	assert.Equal(t, 2, res.InCount)
	require.NotNil(t, res.NextOffset)
	assert.Equal(t, 4, *res.NextOffset)

	res, err = e.engine.Reassign(context.Background(), b, reassign.Options{Limit: 2, Offset: 4})
	require.NoError(t, err)
	assert.Equal(t, 1, res.InCount)
	assert.Nil(t, res.NextOffset)
}

func TestReassignPreviewSamplesCarryFullRecord(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	b := e.bucket(sigX)

	cached, err := crashinfo.Encode(crashinfo.FromRaw(nil, []string{"X"}, nil, crashinfo.ProgramConfiguration{}))
	require.NoError(t, err)
	c := &types.CrashEntry{
		ToolID:          e.tool("t1"),
		RawStdout:       "fuzzer banner",
		RawStderr:       "X",
		RawCrashData:    "==1==ERROR: AddressSanitizer",
		CachedCrashInfo: cached,
		TestCase:        &types.TestCase{Content: "AAAA", Quality: 3},
	}
	require.NoError(t, e.store.RunInTransaction(ctx, func(tx storage.Transaction) error {
		return tx.CreateCrash(ctx, c)
	}))

	res, err := e.engine.Reassign(ctx, b, reassign.Options{})
	require.NoError(t, err)
	require.Len(t, res.InSamples, 1)
	sample := res.InSamples[0]
	assert.Equal(t, c.ID, sample.ID)
	assert.Equal(t, "fuzzer banner", sample.RawStdout, "columns the signature does not read are loaded for samples")
	assert.Equal(t, "==1==ERROR: AddressSanitizer", sample.RawCrashData)
	require.NotNil(t, sample.TestCase)
	assert.Equal(t, 3, sample.TestCase.Quality)
}

func TestReassignPagedApplyDefersTriage(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	b := e.bucket(sigX)
	var stale []int64
	for i := 0; i < 4; i++ {
		stale = append(stale, e.crash("t1", "Y", &b, nil))
	}

	var removed []int64
	offset := 0
	for {
		res, err := e.engine.Reassign(ctx, b, reassign.Options{Apply: true, Limit: 2, Offset: offset})
		require.NoError(t, err)
		removed = append(removed, res.Out...)
		assert.Empty(t, e.triage.ids, "no entry is triaged while pages remain")
		if res.NextOffset == nil {
			break
		}
		offset = *res.NextOffset
	}
	assert.Equal(t, stale, sorted(removed))

	e.engine.Retriage(ctx, removed)
	assert.Equal(t, stale, sorted(e.triage.ids))
}

func TestReassignOffsetWithoutLimitPanics(t *testing.T) {
	e := newEnv(t)
	b := e.bucket(sigX)
	assert.Panics(t, func() {
		_, _ = e.engine.Reassign(context.Background(), b, reassign.Options{Offset: 10})
	})
}

func TestReassignInvalidSignature(t *testing.T) {
	e := newEnv(t)
	b := e.bucket(`{"symptoms":[{"type":"output"}]}`)
	c := e.crash("t1", "X", nil, nil)

	_, err := e.engine.Reassign(context.Background(), b, reassign.Options{Apply: true})
	require.Error(t, err)
	var verr *signature.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Contains(t, verr.Error(), `missing mandatory field "value"`)
	assert.Nil(t, e.bucketOf(c))
}

func TestReassignMissingBucket(t *testing.T) {
	e := newEnv(t)
	_, err := e.engine.Reassign(context.Background(), 99, reassign.Options{})
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestReassignKeepsQualityCounters(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	b := e.bucket(sigX)
	q := func(v int) *int { return &v }
	e.crash("t1", "X", nil, q(4))
	e.crash("t1", "X", nil, q(2))
	e.crash("t1", "X", nil, nil)

	_, err := e.engine.Reassign(ctx, b, reassign.Options{Apply: true})
	require.NoError(t, err)
	st := e.stats(b, e.tool("t1"))
	assert.Equal(t, 3, st.Size)
	require.NotNil(t, st.Quality)
	assert.Equal(t, 2, *st.Quality)

	hits, err := e.store.ListHits(ctx, &b, time.Time{})
	require.NoError(t, err)
	total := 0
	for _, h := range hits {
		total += h.Count
	}
	assert.Equal(t, 3, total)
}

func TestReassignLargeBatch(t *testing.T) {
	e := newEnv(t)
	b := e.bucket(sigX)
	n := reassign.ApplyBatchSize + 37
	for i := 0; i < n; i++ {
		e.crash("t1", "X", nil, nil)
	}
	res, err := e.engine.Reassign(context.Background(), b, reassign.Options{Apply: true})
	require.NoError(t, err)
	assert.Equal(t, n, res.InCount)
	assert.Equal(t, n, e.stats(b, e.tool("t1")).Size)
}
