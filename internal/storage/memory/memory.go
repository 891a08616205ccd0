// Package memory implements the storage interface with in-process maps.
//
// It backs tests and the "memory" database backend. All state lives behind
// one mutex; a transaction holds the write lock for its whole duration and
// rolls back through an undo log.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fuzztriage/fuzztriage/internal/storage"
	"github.com/fuzztriage/fuzztriage/internal/types"
)

type statKey struct {
	bucket, tool int64
}

type hitKey struct {
	bucket, tool int64
	begin        int64 // unix seconds of the hour start
}

// Store is an in-memory implementation of storage.Storage.
type Store struct {
	mu sync.RWMutex

	tools   map[int64]*types.Tool
	buckets map[int64]*types.Bucket
	crashes map[int64]*types.CrashEntry
	stats   map[statKey]*types.BucketStatistics
	hits    map[hitKey]*types.BucketHit
	bugs    map[int64]*types.Bug

	nextTool, nextBucket, nextCrash, nextTestCase, nextBug int64
	closed                                                 bool
}

// New creates an empty store.
func New() *Store {
	return &Store{
		tools:   make(map[int64]*types.Tool),
		buckets: make(map[int64]*types.Bucket),
		crashes: make(map[int64]*types.CrashEntry),
		stats:   make(map[statKey]*types.BucketStatistics),
		hits:    make(map[hitKey]*types.BucketHit),
		bugs:    make(map[int64]*types.Bug),
	}
}

var _ storage.Storage = (*Store)(nil)

func notFound(kind string, id int64) error {
	return fmt.Errorf("%s %d: %w", kind, id, storage.ErrNotFound)
}

// Close marks the store closed. Further calls fail.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *Store) checkOpen() error {
	if s.closed {
		return fmt.Errorf("memory store is closed")
	}
	return nil
}

// EnsureTool returns the tool with the given name, creating it if needed.
func (s *Store) EnsureTool(ctx context.Context, name string) (*types.Tool, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("tool name is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	for _, t := range s.tools {
		if t.Name == name {
			cp := *t
			return &cp, nil
		}
	}
	s.nextTool++
	t := &types.Tool{ID: s.nextTool, Name: name}
	s.tools[t.ID] = t
	cp := *t
	return &cp, nil
}

func (s *Store) GetTool(ctx context.Context, id int64) (*types.Tool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tools[id]
	if !ok {
		return nil, notFound("tool", id)
	}
	cp := *t
	return &cp, nil
}

func (s *Store) ListTools(ctx context.Context) ([]*types.Tool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*types.Tool, 0, len(s.tools))
	for _, t := range s.tools {
		cp := *t
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) GetBucket(ctx context.Context, id int64) (*types.Bucket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getBucket(id)
}

func (s *Store) getBucket(id int64) (*types.Bucket, error) {
	b, ok := s.buckets[id]
	if !ok {
		return nil, notFound("bucket", id)
	}
	return cloneBucket(b), nil
}

func (s *Store) ListBuckets(ctx context.Context, filter types.BucketFilter) ([]*types.Bucket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*types.Bucket
	for _, b := range s.buckets {
		if filter.BugID != nil && (b.BugID == nil || *b.BugID != *filter.BugID) {
			continue
		}
		out = append(out, cloneBucket(b))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *Store) SetReassignInProgress(ctx context.Context, bucketID int64, inProgress bool) error {
	return s.RunInTransaction(ctx, func(tx storage.Transaction) error {
		return tx.SetReassignInProgress(ctx, bucketID, inProgress)
	})
}

func (s *Store) GetCrash(ctx context.Context, id int64, proj types.Projection) (*types.CrashEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.crashes[id]
	if !ok {
		return nil, notFound("crash", id)
	}
	return project(c, proj), nil
}

// GetCrashes returns entries in the order of ids, skipping ids that do not exist.
func (s *Store) GetCrashes(ctx context.Context, ids []int64, proj types.Projection) ([]*types.CrashEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*types.CrashEntry, 0, len(ids))
	for _, id := range ids {
		if c, ok := s.crashes[id]; ok {
			out = append(out, project(c, proj))
		}
	}
	return out, nil
}

func (s *Store) ListCrashes(ctx context.Context, filter types.CrashFilter, proj types.Projection) ([]*types.CrashEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.sortedCrashIDs(filter.Order, func(c *types.CrashEntry) bool {
		switch {
		case filter.BucketID != nil:
			if !c.InBucket(*filter.BucketID) {
				return false
			}
		case filter.Unbucketed:
			if c.Bucketed() {
				return false
			}
		}
		if filter.ToolID != nil && c.ToolID != *filter.ToolID {
			return false
		}
		if filter.Triaged != nil && c.Triaged != *filter.Triaged {
			return false
		}
		return true
	})
	if filter.Limit > 0 && len(ids) > filter.Limit {
		ids = ids[:filter.Limit]
	}
	out := make([]*types.CrashEntry, 0, len(ids))
	for _, id := range ids {
		out = append(out, project(s.crashes[id], proj))
	}
	return out, nil
}

func (s *Store) ListCandidateIDs(ctx context.Context, q storage.CandidateQuery) ([]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.sortedCrashIDs(q.Order, func(c *types.CrashEntry) bool {
		return !c.Bucketed() || c.InBucket(q.BucketID)
	})
	if q.Offset >= len(ids) {
		return nil, nil
	}
	ids = ids[q.Offset:]
	if q.Limit > 0 && len(ids) > q.Limit {
		ids = ids[:q.Limit]
	}
	return ids, nil
}

func (s *Store) FirstCrashInBucket(ctx context.Context, bucketID int64, proj types.Projection) (*types.CrashEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.sortedCrashIDs(types.Ascending, func(c *types.CrashEntry) bool { return c.InBucket(bucketID) })
	if len(ids) == 0 {
		return nil, fmt.Errorf("bucket %d has no crashes: %w", bucketID, storage.ErrNotFound)
	}
	return project(s.crashes[ids[0]], proj), nil
}

// ScanCrashRefs calls fn for every crash entry in id order. The store lock
// is not held while fn runs.
func (s *Store) ScanCrashRefs(ctx context.Context, fn func(*types.CrashRef) error) error {
	s.mu.RLock()
	ids := s.sortedCrashIDs(types.Ascending, nil)
	refs := make([]*types.CrashRef, 0, len(ids))
	for _, id := range ids {
		refs = append(refs, crashRef(s.crashes[id]))
	}
	s.mu.RUnlock()

	for _, ref := range refs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(ref); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) ListStatistics(ctx context.Context, bucketID *int64) ([]*types.BucketStatistics, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*types.BucketStatistics
	for k, st := range s.stats {
		if bucketID != nil && k.bucket != *bucketID {
			continue
		}
		out = append(out, cloneStats(st))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].BucketID != out[j].BucketID {
			return out[i].BucketID < out[j].BucketID
		}
		return out[i].ToolID < out[j].ToolID
	})
	return out, nil
}

func (s *Store) ListHits(ctx context.Context, bucketID *int64, since time.Time) ([]*types.BucketHit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*types.BucketHit
	for k, h := range s.hits {
		if bucketID != nil && k.bucket != *bucketID {
			continue
		}
		if !since.IsZero() && h.Begin.Before(types.HourBegin(since)) {
			continue
		}
		cp := *h
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Begin.Equal(out[j].Begin) {
			return out[i].Begin.Before(out[j].Begin)
		}
		if out[i].BucketID != out[j].BucketID {
			return out[i].BucketID < out[j].BucketID
		}
		return out[i].ToolID < out[j].ToolID
	})
	return out, nil
}

func (s *Store) GetBug(ctx context.Context, id int64) (*types.Bug, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.bugs[id]
	if !ok {
		return nil, notFound("bug", id)
	}
	return cloneBug(b), nil
}

func (s *Store) ListBugs(ctx context.Context) ([]*types.Bug, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*types.Bug, 0, len(s.bugs))
	for _, b := range s.bugs {
		out = append(out, cloneBug(b))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// sortedCrashIDs returns ids of crashes accepted by keep (all when nil).
// Callers must hold s.mu.
func (s *Store) sortedCrashIDs(order types.SortOrder, keep func(*types.CrashEntry) bool) []int64 {
	ids := make([]int64, 0, len(s.crashes))
	for id, c := range s.crashes {
		if keep == nil || keep(c) {
			ids = append(ids, id)
		}
	}
	if order == types.Descending {
		sort.Slice(ids, func(i, j int) bool { return ids[i] > ids[j] })
	} else {
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	}
	return ids
}

// project copies c keeping only the projected columns.
func project(c *types.CrashEntry, proj types.Projection) *types.CrashEntry {
	out := cloneCrash(c)
	eff := storage.EffectiveProjection(c.CachedCrashInfo != "", proj)
	if !eff.Stdout {
		out.RawStdout = ""
	}
	if !eff.Stderr {
		out.RawStderr = ""
	}
	if !eff.CrashData {
		out.RawCrashData = ""
	}
	if !eff.TestCase {
		out.TestCase = nil
	}
	out.RawLoaded = eff
	return out
}

func crashRef(c *types.CrashEntry) *types.CrashRef {
	ref := &types.CrashRef{ID: c.ID, ToolID: c.ToolID, CreatedAt: c.CreatedAt, Quality: c.Quality()}
	if c.BucketID != nil {
		b := *c.BucketID
		ref.BucketID = &b
	}
	return ref
}

func cloneCrash(c *types.CrashEntry) *types.CrashEntry {
	cp := *c
	if c.BucketID != nil {
		b := *c.BucketID
		cp.BucketID = &b
	}
	if c.TestCaseID != nil {
		id := *c.TestCaseID
		cp.TestCaseID = &id
	}
	if c.TestCase != nil {
		tc := *c.TestCase
		cp.TestCase = &tc
	}
	return &cp
}

func cloneBucket(b *types.Bucket) *types.Bucket {
	cp := *b
	if b.BugID != nil {
		id := *b.BugID
		cp.BugID = &id
	}
	return &cp
}

func cloneStats(st *types.BucketStatistics) *types.BucketStatistics {
	cp := *st
	if st.Quality != nil {
		q := *st.Quality
		cp.Quality = &q
	}
	return &cp
}

func cloneBug(b *types.Bug) *types.Bug {
	cp := *b
	if b.ClosedAt != nil {
		t := *b.ClosedAt
		cp.ClosedAt = &t
	}
	return &cp
}
