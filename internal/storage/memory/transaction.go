package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/fuzztriage/fuzztriage/internal/storage"
	"github.com/fuzztriage/fuzztriage/internal/types"
)

// memTransaction implements storage.Transaction. It runs with s.mu held
// for writing and records an undo step before every mutation.
type memTransaction struct {
	s    *Store
	undo []func()
}

// RunInTransaction executes fn with exclusive access to the store. If fn
// returns an error or panics, every change it made is undone.
func (s *Store) RunInTransaction(ctx context.Context, fn func(tx storage.Transaction) error) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}

	tx := &memTransaction{s: s}
	defer func() {
		if r := recover(); r != nil {
			tx.rollback()
			panic(r)
		}
	}()

	if err := fn(tx); err != nil {
		tx.rollback()
		return err
	}
	return nil
}

func (t *memTransaction) rollback() {
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.undo = nil
}

// remember records the current value of m[k] so rollback can restore it.
func remember[K comparable, V any](t *memTransaction, m map[K]V, k K) {
	prev, ok := m[k]
	t.undo = append(t.undo, func() {
		if ok {
			m[k] = prev
		} else {
			delete(m, k)
		}
	})
}

func (t *memTransaction) CreateBucket(ctx context.Context, b *types.Bucket) error {
	if err := b.Validate(); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	if b.BugID != nil {
		if _, ok := t.s.bugs[*b.BugID]; !ok {
			return notFound("bug", *b.BugID)
		}
	}
	t.s.nextBucket++
	b.ID = t.s.nextBucket
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now().UTC()
	}
	remember(t, t.s.buckets, b.ID)
	t.s.buckets[b.ID] = cloneBucket(b)
	return nil
}

func (t *memTransaction) GetBucket(ctx context.Context, id int64) (*types.Bucket, error) {
	return t.s.getBucket(id)
}

func (t *memTransaction) UpdateBucket(ctx context.Context, b *types.Bucket) error {
	if _, ok := t.s.buckets[b.ID]; !ok {
		return notFound("bucket", b.ID)
	}
	if err := b.Validate(); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	if b.BugID != nil {
		if _, ok := t.s.bugs[*b.BugID]; !ok {
			return notFound("bug", *b.BugID)
		}
	}
	remember(t, t.s.buckets, b.ID)
	t.s.buckets[b.ID] = cloneBucket(b)
	return nil
}

func (t *memTransaction) DeleteBucket(ctx context.Context, id int64) error {
	if _, ok := t.s.buckets[id]; !ok {
		return notFound("bucket", id)
	}
	for _, c := range t.s.crashes {
		if c.InBucket(id) {
			return fmt.Errorf("bucket %d still has crashes", id)
		}
	}
	remember(t, t.s.buckets, id)
	delete(t.s.buckets, id)
	for k := range t.s.stats {
		if k.bucket == id {
			remember(t, t.s.stats, k)
			delete(t.s.stats, k)
		}
	}
	for k := range t.s.hits {
		if k.bucket == id {
			remember(t, t.s.hits, k)
			delete(t.s.hits, k)
		}
	}
	return nil
}

func (t *memTransaction) SetReassignInProgress(ctx context.Context, bucketID int64, inProgress bool) error {
	b, ok := t.s.buckets[bucketID]
	if !ok {
		return notFound("bucket", bucketID)
	}
	updated := cloneBucket(b)
	updated.ReassignInProgress = inProgress
	remember(t, t.s.buckets, bucketID)
	t.s.buckets[bucketID] = updated
	return nil
}

func (t *memTransaction) CreateCrash(ctx context.Context, c *types.CrashEntry) error {
	if err := c.Validate(); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	if _, ok := t.s.tools[c.ToolID]; !ok {
		return notFound("tool", c.ToolID)
	}
	if c.BucketID != nil {
		if _, ok := t.s.buckets[*c.BucketID]; !ok {
			return notFound("bucket", *c.BucketID)
		}
	}
	t.s.nextCrash++
	c.ID = t.s.nextCrash
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	if c.TestCase != nil {
		t.s.nextTestCase++
		c.TestCase.ID = t.s.nextTestCase
		id := c.TestCase.ID
		c.TestCaseID = &id
	}
	c.RawLoaded = types.FullProjection()
	remember(t, t.s.crashes, c.ID)
	t.s.crashes[c.ID] = cloneCrash(c)
	return nil
}

func (t *memTransaction) DeleteCrash(ctx context.Context, id int64) error {
	if _, ok := t.s.crashes[id]; !ok {
		return notFound("crash", id)
	}
	remember(t, t.s.crashes, id)
	delete(t.s.crashes, id)
	return nil
}

func (t *memTransaction) GetCrashRefs(ctx context.Context, ids []int64) ([]*types.CrashRef, error) {
	refs := make([]*types.CrashRef, 0, len(ids))
	for _, id := range ids {
		if c, ok := t.s.crashes[id]; ok {
			refs = append(refs, crashRef(c))
		}
	}
	return refs, nil
}

func (t *memTransaction) BucketCrashIDs(ctx context.Context, bucketID int64) ([]int64, error) {
	return t.s.sortedCrashIDs(types.Ascending, func(c *types.CrashEntry) bool { return c.InBucket(bucketID) }), nil
}

func (t *memTransaction) SetCrashBucket(ctx context.Context, ids []int64, bucketID *int64, clearTriaged bool) error {
	if bucketID != nil {
		if _, ok := t.s.buckets[*bucketID]; !ok {
			return notFound("bucket", *bucketID)
		}
	}
	for _, id := range ids {
		c, ok := t.s.crashes[id]
		if !ok {
			return notFound("crash", id)
		}
		updated := cloneCrash(c)
		updated.BucketID = nil
		if bucketID != nil {
			b := *bucketID
			updated.BucketID = &b
		}
		if clearTriaged {
			updated.Triaged = false
		}
		remember(t, t.s.crashes, id)
		t.s.crashes[id] = updated
	}
	return nil
}

func (t *memTransaction) SetTriaged(ctx context.Context, ids []int64, triaged bool) error {
	for _, id := range ids {
		c, ok := t.s.crashes[id]
		if !ok {
			return notFound("crash", id)
		}
		updated := cloneCrash(c)
		updated.Triaged = triaged
		remember(t, t.s.crashes, id)
		t.s.crashes[id] = updated
	}
	return nil
}

func (t *memTransaction) SetTestCaseQuality(ctx context.Context, crashID int64, quality int) error {
	c, ok := t.s.crashes[crashID]
	if !ok {
		return notFound("crash", crashID)
	}
	if c.TestCase == nil {
		return fmt.Errorf("crash %d has no testcase", crashID)
	}
	updated := cloneCrash(c)
	updated.TestCase.Quality = quality
	remember(t, t.s.crashes, crashID)
	t.s.crashes[crashID] = updated
	return nil
}

func (t *memTransaction) GetStatistics(ctx context.Context, bucketID, toolID int64) (*types.BucketStatistics, error) {
	st, ok := t.s.stats[statKey{bucketID, toolID}]
	if !ok {
		return nil, fmt.Errorf("statistics for bucket %d tool %d: %w", bucketID, toolID, storage.ErrNotFound)
	}
	return cloneStats(st), nil
}

func (t *memTransaction) PutStatistics(ctx context.Context, st *types.BucketStatistics) error {
	k := statKey{st.BucketID, st.ToolID}
	remember(t, t.s.stats, k)
	t.s.stats[k] = cloneStats(st)
	return nil
}

func (t *memTransaction) MinQuality(ctx context.Context, bucketID, toolID int64) (*int, error) {
	var best *int
	for _, c := range t.s.crashes {
		if !c.InBucket(bucketID) || c.ToolID != toolID || c.TestCase == nil {
			continue
		}
		if best == nil || c.TestCase.Quality < *best {
			q := c.TestCase.Quality
			best = &q
		}
	}
	return best, nil
}

func (t *memTransaction) GetHit(ctx context.Context, bucketID, toolID int64, begin time.Time) (*types.BucketHit, error) {
	h, ok := t.s.hits[hitKey{bucketID, toolID, begin.Unix()}]
	if !ok {
		return nil, fmt.Errorf("hits for bucket %d tool %d at %s: %w", bucketID, toolID, begin, storage.ErrNotFound)
	}
	cp := *h
	return &cp, nil
}

func (t *memTransaction) PutHit(ctx context.Context, hit *types.BucketHit) error {
	k := hitKey{hit.BucketID, hit.ToolID, hit.Begin.Unix()}
	remember(t, t.s.hits, k)
	cp := *hit
	t.s.hits[k] = &cp
	return nil
}

func (t *memTransaction) ReplaceCounters(ctx context.Context, stats []*types.BucketStatistics, hits []*types.BucketHit) error {
	for k := range t.s.stats {
		remember(t, t.s.stats, k)
		delete(t.s.stats, k)
	}
	for k := range t.s.hits {
		remember(t, t.s.hits, k)
		delete(t.s.hits, k)
	}
	for _, st := range stats {
		if err := t.PutStatistics(ctx, st); err != nil {
			return err
		}
	}
	for _, h := range hits {
		if err := t.PutHit(ctx, h); err != nil {
			return err
		}
	}
	return nil
}

func (t *memTransaction) CreateBug(ctx context.Context, bug *types.Bug) error {
	for _, existing := range t.s.bugs {
		if existing.ExternalType == bug.ExternalType && existing.ExternalID == bug.ExternalID {
			return fmt.Errorf("bug %s:%s already exists", bug.ExternalType, bug.ExternalID)
		}
	}
	t.s.nextBug++
	bug.ID = t.s.nextBug
	remember(t, t.s.bugs, bug.ID)
	t.s.bugs[bug.ID] = cloneBug(bug)
	return nil
}

func (t *memTransaction) UpdateBug(ctx context.Context, bug *types.Bug) error {
	if _, ok := t.s.bugs[bug.ID]; !ok {
		return notFound("bug", bug.ID)
	}
	remember(t, t.s.bugs, bug.ID)
	t.s.bugs[bug.ID] = cloneBug(bug)
	return nil
}
