package counters

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/fuzztriage/fuzztriage/internal/storage"
	"github.com/fuzztriage/fuzztriage/internal/types"
)

// Key identifies a (bucket, tool) statistics row.
type Key struct {
	BucketID, ToolID int64
}

// HitKey identifies a (bucket, tool, hour) hit row.
type HitKey struct {
	BucketID, ToolID int64
	Begin            time.Time
}

// Recompute derives the statistics and hourly hits for a set of crash
// references from scratch. Unbucketed references are ignored.
func Recompute(refs []*types.CrashRef) (map[Key]*types.BucketStatistics, map[HitKey]*types.BucketHit) {
	stats := make(map[Key]*types.BucketStatistics)
	hits := make(map[HitKey]*types.BucketHit)
	for _, ref := range refs {
		if ref.BucketID == nil {
			continue
		}
		k := Key{*ref.BucketID, ref.ToolID}
		st := stats[k]
		if st == nil {
			st = &types.BucketStatistics{BucketID: k.BucketID, ToolID: k.ToolID}
			stats[k] = st
		}
		st.Size++
		if ref.Quality != nil && (st.Quality == nil || *ref.Quality < *st.Quality) {
			q := *ref.Quality
			st.Quality = &q
		}

		hk := HitKey{k.BucketID, k.ToolID, types.HourBegin(ref.CreatedAt)}
		h := hits[hk]
		if h == nil {
			h = &types.BucketHit{BucketID: hk.BucketID, ToolID: hk.ToolID, Begin: hk.Begin}
			hits[hk] = h
		}
		h.Count++
	}
	return stats, hits
}

// Drift describes one counter row whose cached value disagrees with a
// full recount.
type Drift struct {
	Kind     string // "statistics" or "hits"
	BucketID int64
	ToolID   int64
	Begin    time.Time // hits only
	Cached   string
	Actual   string
}

func (d Drift) String() string {
	if d.Kind == "hits" {
		return fmt.Sprintf("%s bucket=%d tool=%d hour=%s: cached %s, actual %s",
			d.Kind, d.BucketID, d.ToolID, d.Begin.Format(time.RFC3339), d.Cached, d.Actual)
	}
	return fmt.Sprintf("%s bucket=%d tool=%d: cached %s, actual %s", d.Kind, d.BucketID, d.ToolID, d.Cached, d.Actual)
}

// ReconcileResult reports what a reconciliation found.
type ReconcileResult struct {
	Scanned int
	Drift   []Drift
	Applied bool
}

// Reconcile recounts every counter from the crash entries and, unless
// dryRun is set, replaces the cached rows when any of them drifted.
//
// The scan and the replacement are not one transaction; entries created in
// between are picked up by the next run.
func Reconcile(ctx context.Context, store storage.Storage, dryRun bool) (*ReconcileResult, error) {
	var refs []*types.CrashRef
	err := store.ScanCrashRefs(ctx, func(ref *types.CrashRef) error {
		refs = append(refs, ref)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan crash entries: %w", err)
	}
	wantStats, wantHits := Recompute(refs)

	haveStats, err := store.ListStatistics(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to list statistics: %w", err)
	}
	haveHits, err := store.ListHits(ctx, nil, time.Time{})
	if err != nil {
		return nil, fmt.Errorf("failed to list hits: %w", err)
	}

	result := &ReconcileResult{Scanned: len(refs)}
	result.Drift = append(result.Drift, diffStats(haveStats, wantStats)...)
	result.Drift = append(result.Drift, diffHits(haveHits, wantHits)...)
	if len(result.Drift) == 0 || dryRun {
		return result, nil
	}

	stats := make([]*types.BucketStatistics, 0, len(wantStats))
	for _, st := range wantStats {
		stats = append(stats, st)
	}
	hits := make([]*types.BucketHit, 0, len(wantHits))
	for _, h := range wantHits {
		hits = append(hits, h)
	}
	err = store.RunInTransaction(ctx, func(tx storage.Transaction) error {
		return tx.ReplaceCounters(ctx, stats, hits)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to replace counters: %w", err)
	}
	result.Applied = true
	return result, nil
}

func diffStats(have []*types.BucketStatistics, want map[Key]*types.BucketStatistics) []Drift {
	var drift []Drift
	seen := make(map[Key]bool, len(have))
	for _, st := range have {
		k := Key{st.BucketID, st.ToolID}
		seen[k] = true
		actual := want[k]
		if actual == nil {
			// An empty row is the normal result of moving every entry out.
			if st.Size != 0 || st.Quality != nil {
				drift = append(drift, Drift{Kind: "statistics", BucketID: k.BucketID, ToolID: k.ToolID,
					Cached: formatStats(st), Actual: formatStats(nil)})
			}
			continue
		}
		if st.Size != actual.Size || !sameQuality(st.Quality, actual.Quality) {
			drift = append(drift, Drift{Kind: "statistics", BucketID: k.BucketID, ToolID: k.ToolID,
				Cached: formatStats(st), Actual: formatStats(actual)})
		}
	}
	for k, actual := range want {
		if !seen[k] {
			drift = append(drift, Drift{Kind: "statistics", BucketID: k.BucketID, ToolID: k.ToolID,
				Cached: formatStats(nil), Actual: formatStats(actual)})
		}
	}
	sortDrift(drift)
	return drift
}

func diffHits(have []*types.BucketHit, want map[HitKey]*types.BucketHit) []Drift {
	var drift []Drift
	seen := make(map[HitKey]bool, len(have))
	for _, h := range have {
		k := HitKey{h.BucketID, h.ToolID, types.HourBegin(h.Begin)}
		seen[k] = true
		count := 0
		if actual := want[k]; actual != nil {
			count = actual.Count
		}
		if h.Count != count {
			drift = append(drift, Drift{Kind: "hits", BucketID: k.BucketID, ToolID: k.ToolID, Begin: k.Begin,
				Cached: fmt.Sprint(h.Count), Actual: fmt.Sprint(count)})
		}
	}
	for k, actual := range want {
		if !seen[k] {
			drift = append(drift, Drift{Kind: "hits", BucketID: k.BucketID, ToolID: k.ToolID, Begin: k.Begin,
				Cached: "0", Actual: fmt.Sprint(actual.Count)})
		}
	}
	sortDrift(drift)
	return drift
}

func sortDrift(drift []Drift) {
	sort.Slice(drift, func(i, j int) bool {
		a, b := drift[i], drift[j]
		if a.BucketID != b.BucketID {
			return a.BucketID < b.BucketID
		}
		if a.ToolID != b.ToolID {
			return a.ToolID < b.ToolID
		}
		return a.Begin.Before(b.Begin)
	})
}

func sameQuality(a, b *int) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func formatStats(st *types.BucketStatistics) string {
	if st == nil {
		return "size=0 quality=none"
	}
	if st.Quality == nil {
		return fmt.Sprintf("size=%d quality=none", st.Size)
	}
	return fmt.Sprintf("size=%d quality=%d", st.Size, *st.Quality)
}
