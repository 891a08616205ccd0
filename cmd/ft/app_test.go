package main

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fuzztriage/fuzztriage/internal/crashes"
	"github.com/fuzztriage/fuzztriage/internal/reassign"
	"github.com/fuzztriage/fuzztriage/internal/storage/memory"
	"github.com/fuzztriage/fuzztriage/internal/types"
)

const (
	sigX = `{"symptoms":[{"type":"output","src":"stderr","value":"/^X$/"}]}`
	sigY = `{"symptoms":[{"type":"output","src":"stderr","value":"/^Y$/"}]}`
)

func newTestApp(t *testing.T) *app {
	t.Helper()
	a, err := newApp(memory.New(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func mustBucket(t *testing.T, a *app, sig string) int64 {
	t.Helper()
	b := &types.Bucket{Signature: sig, ShortDescription: "test"}
	require.NoError(t, a.svc.CreateBucket(context.Background(), b))
	a.triager.Refresh()
	return b.ID
}

func mustCrash(t *testing.T, a *app, stderr string, triage bool) *types.CrashEntry {
	t.Helper()
	entry, err := submitCrash(context.Background(), a, &crashes.Submission{Tool: "libfuzzer", Stderr: stderr}, triage)
	require.NoError(t, err)
	return entry
}

func TestSubmitCrashTriages(t *testing.T) {
	a := newTestApp(t)
	b := mustBucket(t, a, sigX)

	matched := mustCrash(t, a, "X", true)
	require.NotNil(t, matched.BucketID)
	assert.Equal(t, b, *matched.BucketID)

	unmatched := mustCrash(t, a, "Z", true)
	assert.Nil(t, unmatched.BucketID)

	skipped := mustCrash(t, a, "X", false)
	assert.Nil(t, skipped.BucketID)
}

func TestRunReassignPreviewThenApply(t *testing.T) {
	ctx := context.Background()
	a := newTestApp(t)

	c1 := mustCrash(t, a, "X", false)
	c2 := mustCrash(t, a, "X", false)
	mustCrash(t, a, "Z", false)
	b := mustBucket(t, a, sigX)

	preview, placed, err := runReassign(ctx, a, b, reassign.Options{})
	require.NoError(t, err)
	assert.Nil(t, placed)
	assert.False(t, preview.Applied)
	assert.ElementsMatch(t, []int64{c1.ID, c2.ID}, preview.In)
	assert.Len(t, preview.InSamples, 2)

	got, err := a.store.GetCrash(ctx, c1.ID, types.Projection{})
	require.NoError(t, err)
	assert.Nil(t, got.BucketID, "preview must not move crashes")

	applied, _, err := runReassign(ctx, a, b, reassign.Options{Apply: true})
	require.NoError(t, err)
	assert.True(t, applied.Applied)
	assert.Equal(t, 2, applied.InCount)

	summaries, err := summarizeBuckets(ctx, a, []*types.Bucket{{ID: b}})
	require.NoError(t, err)
	assert.Equal(t, 2, summaries[0].Size)
}

func TestRunReassignRetriagesRemoved(t *testing.T) {
	ctx := context.Background()
	a := newTestApp(t)

	target := mustBucket(t, a, sigY)
	b := mustBucket(t, a, sigX)
	c := mustCrash(t, a, "Y", false)
	require.NoError(t, a.svc.Move(ctx, c.ID, &b))

	res, placed, err := runReassign(ctx, a, b, reassign.Options{Apply: true})
	require.NoError(t, err)
	assert.Equal(t, []int64{c.ID}, res.Out)
	assert.Equal(t, map[int64]int64{c.ID: target}, placed)
}

func TestRunReassignPagedTriagesAfterFinalPage(t *testing.T) {
	ctx := context.Background()
	a := newTestApp(t)

	target := mustBucket(t, a, sigY)
	b := mustBucket(t, a, sigX)
	var stale []int64
	for i := 0; i < 4; i++ {
		c := mustCrash(t, a, "Y", false)
		require.NoError(t, a.svc.Move(ctx, c.ID, &b))
		stale = append(stale, c.ID)
	}
	for i := 0; i < 4; i++ {
		mustCrash(t, a, "X", false)
	}

	offset, in := 0, 0
	var placed map[int64]int64
	for {
		opts, err := reassignOptions(true, 2, offset)
		require.NoError(t, err)
		res, p, err := runReassign(ctx, a, b, opts)
		require.NoError(t, err)
		in += res.InCount
		if res.NextOffset == nil {
			placed = p
			break
		}
		assert.Empty(t, p, "removed crashes wait for the final page")
		offset = *res.NextOffset
	}
	assert.Equal(t, 4, in)
	require.Len(t, placed, len(stale))
	for _, id := range stale {
		assert.Equal(t, target, placed[id])
	}

	again, _, err := runReassign(ctx, a, b, reassign.Options{})
	require.NoError(t, err)
	assert.Zero(t, again.InCount)
	assert.Zero(t, again.OutCount)
}

func TestClearFlag(t *testing.T) {
	ctx := context.Background()
	a := newTestApp(t)
	b := mustBucket(t, a, sigX)

	assert.False(t, clearFlag(ctx, a, b))
	require.NoError(t, a.store.SetReassignInProgress(ctx, b, true))
	assert.True(t, clearFlag(ctx, a, b))

	bucket, err := a.store.GetBucket(ctx, b)
	require.NoError(t, err)
	assert.False(t, bucket.ReassignInProgress)
}

func TestReassignOptions(t *testing.T) {
	tests := []struct {
		name    string
		limit   int
		offset  int
		wantErr string
	}{
		{name: "all", limit: 0, offset: 0},
		{name: "first page", limit: 100, offset: 0},
		{name: "later page", limit: 100, offset: 200},
		{name: "offset without limit", limit: 0, offset: 10, wantErr: "--offset requires --limit"},
		{name: "negative limit", limit: -1, wantErr: "--limit"},
		{name: "negative offset", limit: 10, offset: -1, wantErr: "--offset"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts, err := reassignOptions(true, tt.limit, tt.offset)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, reassign.Options{Apply: true, Limit: tt.limit, Offset: tt.offset}, opts)
		})
	}
}

func TestTriageAll(t *testing.T) {
	ctx := context.Background()
	a := newTestApp(t)

	c1 := mustCrash(t, a, "X", false)
	mustCrash(t, a, "Z", false)
	b := mustBucket(t, a, sigX)

	ids, err := untriagedIDs(ctx, a, 0)
	require.NoError(t, err)
	assert.Len(t, ids, 2)

	placed, err := triageAll(ctx, a, ids)
	require.NoError(t, err)
	assert.Equal(t, map[int64]int64{c1.ID: b}, placed)

	ids, err = untriagedIDs(ctx, a, 0)
	require.NoError(t, err)
	assert.Empty(t, ids, "triage marks checked crashes")
}

func TestOptimizeBucketNoCandidates(t *testing.T) {
	a := newTestApp(t)
	b := mustBucket(t, a, sigX)

	p, err := optimizeBucket(context.Background(), a, b, 0)
	require.NoError(t, err)
	assert.Nil(t, p.Signature)
	assert.Contains(t, renderProposal(p), "No broader signature")
}

func TestSummarizeBucketsBestQuality(t *testing.T) {
	ctx := context.Background()
	a := newTestApp(t)
	b := mustBucket(t, a, sigX)

	for _, q := range []int{7, 3} {
		sub := &crashes.Submission{Tool: "afl", Stderr: "X", TestCase: &types.TestCase{Content: "x", Quality: q}, BucketID: &b}
		_, err := a.svc.Ingest(ctx, sub)
		require.NoError(t, err)
	}

	bucket, err := a.store.GetBucket(ctx, b)
	require.NoError(t, err)
	summaries, err := summarizeBuckets(ctx, a, []*types.Bucket{bucket})
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	assert.Equal(t, 2, summaries[0].Size)
	require.NotNil(t, summaries[0].BestQuality)
	assert.Equal(t, 3, *summaries[0].BestQuality)

	rows := bucketRows(summaries)
	require.Len(t, rows, 1)
	assert.Equal(t, "2", rows[0][2])
	assert.Equal(t, "3", rows[0][3])
}
