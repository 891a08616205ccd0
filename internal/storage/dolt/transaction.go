package dolt

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fuzztriage/fuzztriage/internal/debug"
	"github.com/fuzztriage/fuzztriage/internal/storage"
	"github.com/fuzztriage/fuzztriage/internal/types"
)

const (
	// maxTransactionRetries is the maximum number of retry attempts for
	// transaction commit failures due to serialization conflicts
	maxTransactionRetries = 5
	// initialRetryDelay is the initial delay before retrying a failed transaction
	initialRetryDelay = 50 * time.Millisecond
	maxRetryDelay     = 2 * time.Second
)

// doltTransaction implements storage.Transaction for Dolt
type doltTransaction struct {
	tx    *sql.Tx
	store *DoltStore
}

// RunInTransaction executes a function within a database transaction.
// If the transaction fails due to a serialization conflict (Error 1213, 1105),
// it will be automatically retried with exponential backoff. fn may
// therefore run more than once.
func (s *DoltStore) RunInTransaction(ctx context.Context, fn func(tx storage.Transaction) error) error {
	if s.closed.Load() {
		return errors.New("dolt store is closed")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var lastErr error
	retryDelay := initialRetryDelay
	for attempt := 0; attempt <= maxTransactionRetries; attempt++ {
		if attempt > 0 {
			debug.Logf("dolt transaction retry (attempt %d/%d) after serialization conflict, waiting %v\n",
				attempt, maxTransactionRetries, retryDelay)
			select {
			case <-time.After(retryDelay):
			case <-ctx.Done():
				return ctx.Err()
			}
			retryDelay *= 2
			if retryDelay > maxRetryDelay {
				retryDelay = maxRetryDelay
			}
		}

		lastErr = s.runTransactionOnce(ctx, fn)
		if lastErr == nil {
			return nil
		}
		if !isSerializationError(lastErr) {
			return lastErr
		}
	}
	return fmt.Errorf("transaction failed after %d retries: %w", maxTransactionRetries, lastErr)
}

func (s *DoltStore) runTransactionOnce(ctx context.Context, fn func(tx storage.Transaction) error) error {
	var sqlTx *sql.Tx
	err := s.withRetry(ctx, func() error {
		var err error
		sqlTx, err = s.db.BeginTx(ctx, nil)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	tx := &doltTransaction{tx: sqlTx, store: s}
	defer func() {
		if r := recover(); r != nil {
			_ = sqlTx.Rollback()
			panic(r)
		}
	}()

	if err := fn(tx); err != nil {
		_ = sqlTx.Rollback()
		return err
	}
	return sqlTx.Commit()
}

// isSerializationError reports whether err is a write conflict that a fresh
// attempt may resolve.
func isSerializationError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "nothing to commit") || strings.Contains(msg, "no changes") {
		return false
	}
	for _, s := range []string{"1213", "1105", "optimistic lock failed", "serialization failure", "deadlock"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

func (t *doltTransaction) requireExists(ctx context.Context, table, kind string, id int64) error {
	ok, err := exists(ctx, t.tx, table, id)
	if err != nil {
		return err
	}
	if !ok {
		return notFound(kind, id)
	}
	return nil
}

// requireCrashes returns a not-found error for the first id with no crash entry.
func (t *doltTransaction) requireCrashes(ctx context.Context, ids []int64) error {
	found := make(map[int64]bool, len(ids))
	err := batchIN(ctx, t.tx, uniqueIDs(ids), "SELECT id FROM crash_entries WHERE id IN (%s)", func(r rowScanner) error {
		var id int64
		if err := r.Scan(&id); err != nil {
			return err
		}
		found[id] = true
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to look up crashes: %w", err)
	}
	for _, id := range ids {
		if !found[id] {
			return notFound("crash", id)
		}
	}
	return nil
}

func (t *doltTransaction) checkBucketRefs(ctx context.Context, b *types.Bucket) error {
	if err := b.Validate(); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	if b.BugID != nil {
		return t.requireExists(ctx, "bugs", "bug", *b.BugID)
	}
	return nil
}

func (t *doltTransaction) CreateBucket(ctx context.Context, b *types.Bucket) error {
	if err := t.checkBucketRefs(ctx, b); err != nil {
		return err
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now().UTC()
	}
	res, err := t.tx.ExecContext(ctx, `
		INSERT INTO buckets (signature, short_description, bug_id, frequent, permanent, do_not_reduce, reassign_in_progress, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		b.Signature, b.ShortDescription, nullInt64(b.BugID), b.Frequent, b.Permanent, b.DoNotReduce,
		b.ReassignInProgress, dbValue(b.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to create bucket: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read bucket id: %w", err)
	}
	b.ID = id
	return nil
}

func (t *doltTransaction) GetBucket(ctx context.Context, id int64) (*types.Bucket, error) {
	return getBucket(ctx, t.tx, id)
}

func (t *doltTransaction) UpdateBucket(ctx context.Context, b *types.Bucket) error {
	if err := t.requireExists(ctx, "buckets", "bucket", b.ID); err != nil {
		return err
	}
	if err := t.checkBucketRefs(ctx, b); err != nil {
		return err
	}
	_, err := t.tx.ExecContext(ctx, `
		UPDATE buckets SET signature = ?, short_description = ?, bug_id = ?, frequent = ?, permanent = ?,
			do_not_reduce = ?, reassign_in_progress = ?
		WHERE id = ?`,
		b.Signature, b.ShortDescription, nullInt64(b.BugID), b.Frequent, b.Permanent, b.DoNotReduce,
		b.ReassignInProgress, b.ID)
	if err != nil {
		return fmt.Errorf("failed to update bucket %d: %w", b.ID, err)
	}
	return nil
}

func (t *doltTransaction) DeleteBucket(ctx context.Context, id int64) error {
	if err := t.requireExists(ctx, "buckets", "bucket", id); err != nil {
		return err
	}
	var members int
	if err := t.tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM crash_entries WHERE bucket_id = ?", id).Scan(&members); err != nil {
		return fmt.Errorf("failed to count crashes in bucket %d: %w", id, err)
	}
	if members > 0 {
		return fmt.Errorf("bucket %d still has crashes", id)
	}
	for _, stmt := range []string{
		"DELETE FROM bucket_statistics WHERE bucket_id = ?",
		"DELETE FROM bucket_hits WHERE bucket_id = ?",
		"DELETE FROM buckets WHERE id = ?",
	} {
		if _, err := t.tx.ExecContext(ctx, stmt, id); err != nil {
			return fmt.Errorf("failed to delete bucket %d: %w", id, err)
		}
	}
	return nil
}

func (t *doltTransaction) SetReassignInProgress(ctx context.Context, bucketID int64, inProgress bool) error {
	if err := t.requireExists(ctx, "buckets", "bucket", bucketID); err != nil {
		return err
	}
	if _, err := t.tx.ExecContext(ctx, "UPDATE buckets SET reassign_in_progress = ? WHERE id = ?", inProgress, bucketID); err != nil {
		return fmt.Errorf("failed to mark bucket %d: %w", bucketID, err)
	}
	return nil
}

func (t *doltTransaction) CreateCrash(ctx context.Context, c *types.CrashEntry) error {
	if err := c.Validate(); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	if err := t.requireExists(ctx, "tools", "tool", c.ToolID); err != nil {
		return err
	}
	if c.BucketID != nil {
		if err := t.requireExists(ctx, "buckets", "bucket", *c.BucketID); err != nil {
			return err
		}
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	if tc := c.TestCase; tc != nil {
		res, err := t.tx.ExecContext(ctx, "INSERT INTO testcases (content, quality, size, is_binary) VALUES (?, ?, ?, ?)",
			[]byte(tc.Content), tc.Quality, tc.Size, tc.IsBinary)
		if err != nil {
			return fmt.Errorf("failed to create testcase: %w", err)
		}
		if tc.ID, err = res.LastInsertId(); err != nil {
			return fmt.Errorf("failed to read testcase id: %w", err)
		}
		id := tc.ID
		c.TestCaseID = &id
	}

	var cached any
	if c.CachedCrashInfo != "" {
		cached = c.CachedCrashInfo
	}
	res, err := t.tx.ExecContext(ctx, `
		INSERT INTO crash_entries (created_at, bucket_id, tool_id, product, platform, os, raw_stdout, raw_stderr,
			raw_crash_data, args, env, short_signature, crash_address, testcase_id, cached_crash_info, triaged)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		dbValue(c.CreatedAt), nullInt64(c.BucketID), c.ToolID, c.Product, c.Platform, c.OS, c.RawStdout, c.RawStderr,
		c.RawCrashData, c.Args, c.Env, c.ShortSignature, c.CrashAddress, nullInt64(c.TestCaseID), cached, c.Triaged)
	if err != nil {
		return fmt.Errorf("failed to create crash: %w", err)
	}
	if c.ID, err = res.LastInsertId(); err != nil {
		return fmt.Errorf("failed to read crash id: %w", err)
	}
	c.RawLoaded = types.FullProjection()
	return nil
}

func (t *doltTransaction) DeleteCrash(ctx context.Context, id int64) error {
	var testCaseID sql.NullInt64
	err := t.tx.QueryRowContext(ctx, "SELECT testcase_id FROM crash_entries WHERE id = ?", id).Scan(&testCaseID)
	if errors.Is(err, sql.ErrNoRows) {
		return notFound("crash", id)
	}
	if err != nil {
		return fmt.Errorf("failed to get crash %d: %w", id, err)
	}
	if _, err := t.tx.ExecContext(ctx, "DELETE FROM crash_entries WHERE id = ?", id); err != nil {
		return fmt.Errorf("failed to delete crash %d: %w", id, err)
	}
	if testCaseID.Valid {
		if _, err := t.tx.ExecContext(ctx, "DELETE FROM testcases WHERE id = ?", testCaseID.Int64); err != nil {
			return fmt.Errorf("failed to delete testcase of crash %d: %w", id, err)
		}
	}
	return nil
}

func (t *doltTransaction) GetCrashRefs(ctx context.Context, ids []int64) ([]*types.CrashRef, error) {
	byID := make(map[int64]*types.CrashRef, len(ids))
	err := batchIN(ctx, t.tx, uniqueIDs(ids), crashRefQuery+" WHERE c.id IN (%s)", func(r rowScanner) error {
		ref, err := scanCrashRef(r)
		if err != nil {
			return err
		}
		byID[ref.ID] = ref
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get crash refs: %w", err)
	}
	refs := make([]*types.CrashRef, 0, len(ids))
	for _, id := range ids {
		if ref, ok := byID[id]; ok {
			refs = append(refs, ref)
		}
	}
	return refs, nil
}

func (t *doltTransaction) BucketCrashIDs(ctx context.Context, bucketID int64) ([]int64, error) {
	rows, err := t.tx.QueryContext(ctx, "SELECT id FROM crash_entries WHERE bucket_id = ? ORDER BY id", bucketID)
	if err != nil {
		return nil, fmt.Errorf("failed to list crashes of bucket %d: %w", bucketID, err)
	}
	return collect(rows, func(r rowScanner) (int64, error) {
		var id int64
		return id, r.Scan(&id)
	})
}

func (t *doltTransaction) SetCrashBucket(ctx context.Context, ids []int64, bucketID *int64, clearTriaged bool) error {
	if bucketID != nil {
		if err := t.requireExists(ctx, "buckets", "bucket", *bucketID); err != nil {
			return err
		}
	}
	if err := t.requireCrashes(ctx, ids); err != nil {
		return err
	}
	query := "UPDATE crash_entries SET bucket_id = ? WHERE id IN (%s)"
	if clearTriaged {
		query = "UPDATE crash_entries SET bucket_id = ?, triaged = FALSE WHERE id IN (%s)"
	}
	if err := batchExec(ctx, t.tx, uniqueIDs(ids), query, nullInt64(bucketID)); err != nil {
		return fmt.Errorf("failed to move crashes: %w", err)
	}
	return nil
}

func (t *doltTransaction) SetTriaged(ctx context.Context, ids []int64, triaged bool) error {
	if err := t.requireCrashes(ctx, ids); err != nil {
		return err
	}
	if err := batchExec(ctx, t.tx, uniqueIDs(ids), "UPDATE crash_entries SET triaged = ? WHERE id IN (%s)", triaged); err != nil {
		return fmt.Errorf("failed to mark crashes triaged: %w", err)
	}
	return nil
}

func (t *doltTransaction) SetTestCaseQuality(ctx context.Context, crashID int64, quality int) error {
	var testCaseID sql.NullInt64
	err := t.tx.QueryRowContext(ctx, "SELECT testcase_id FROM crash_entries WHERE id = ?", crashID).Scan(&testCaseID)
	if errors.Is(err, sql.ErrNoRows) {
		return notFound("crash", crashID)
	}
	if err != nil {
		return fmt.Errorf("failed to get crash %d: %w", crashID, err)
	}
	if !testCaseID.Valid {
		return fmt.Errorf("crash %d has no testcase", crashID)
	}
	if _, err := t.tx.ExecContext(ctx, "UPDATE testcases SET quality = ? WHERE id = ?", quality, testCaseID.Int64); err != nil {
		return fmt.Errorf("failed to set quality of crash %d: %w", crashID, err)
	}
	return nil
}

func (t *doltTransaction) GetStatistics(ctx context.Context, bucketID, toolID int64) (*types.BucketStatistics, error) {
	st, err := scanStatistics(t.tx.QueryRowContext(ctx,
		"SELECT bucket_id, tool_id, size, quality FROM bucket_statistics WHERE bucket_id = ? AND tool_id = ?",
		bucketID, toolID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("statistics for bucket %d tool %d: %w", bucketID, toolID, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get statistics for bucket %d tool %d: %w", bucketID, toolID, err)
	}
	return st, nil
}

func (t *doltTransaction) PutStatistics(ctx context.Context, st *types.BucketStatistics) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO bucket_statistics (bucket_id, tool_id, size, quality) VALUES (?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE size = VALUES(size), quality = VALUES(quality)`,
		st.BucketID, st.ToolID, st.Size, nullInt(st.Quality))
	if err != nil {
		return fmt.Errorf("failed to store statistics for bucket %d tool %d: %w", st.BucketID, st.ToolID, err)
	}
	return nil
}

func (t *doltTransaction) MinQuality(ctx context.Context, bucketID, toolID int64) (*int, error) {
	var best sql.NullInt64
	err := t.tx.QueryRowContext(ctx, `
		SELECT MIN(t.quality) FROM crash_entries c JOIN testcases t ON t.id = c.testcase_id
		WHERE c.bucket_id = ? AND c.tool_id = ?`, bucketID, toolID).Scan(&best)
	if err != nil {
		return nil, fmt.Errorf("failed to compute quality for bucket %d tool %d: %w", bucketID, toolID, err)
	}
	return intPtr(best), nil
}

func (t *doltTransaction) GetHit(ctx context.Context, bucketID, toolID int64, begin time.Time) (*types.BucketHit, error) {
	h, err := scanHit(t.tx.QueryRowContext(ctx,
		"SELECT bucket_id, tool_id, begin_at, count FROM bucket_hits WHERE bucket_id = ? AND tool_id = ? AND begin_at = ?",
		bucketID, toolID, dbValue(begin)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("hits for bucket %d tool %d at %s: %w", bucketID, toolID, begin, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get hits for bucket %d tool %d: %w", bucketID, toolID, err)
	}
	return h, nil
}

func (t *doltTransaction) PutHit(ctx context.Context, hit *types.BucketHit) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO bucket_hits (bucket_id, tool_id, begin_at, count) VALUES (?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE count = VALUES(count)`,
		hit.BucketID, hit.ToolID, dbValue(hit.Begin), hit.Count)
	if err != nil {
		return fmt.Errorf("failed to store hits for bucket %d tool %d: %w", hit.BucketID, hit.ToolID, err)
	}
	return nil
}

// ReplaceCounters discards every stored counter row and writes the given
// ones in their place.
func (t *doltTransaction) ReplaceCounters(ctx context.Context, stats []*types.BucketStatistics, hits []*types.BucketHit) error {
	for _, stmt := range []string{"DELETE FROM bucket_statistics", "DELETE FROM bucket_hits"} {
		if _, err := t.tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to clear counters: %w", err)
		}
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

func (t *doltTransaction) CreateBug(ctx context.Context, bug *types.Bug) error {
	var n int
	err := t.tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM bugs WHERE external_type = ? AND external_id = ?",
		bug.ExternalType, bug.ExternalID).Scan(&n)
	if err != nil {
		return fmt.Errorf("failed to look up bug: %w", err)
	}
	if n > 0 {
		return fmt.Errorf("bug %s:%s already exists", bug.ExternalType, bug.ExternalID)
	}
	res, err := t.tx.ExecContext(ctx, "INSERT INTO bugs (external_id, external_type, closed_at) VALUES (?, ?, ?)",
		bug.ExternalID, bug.ExternalType, nullTime(bug.ClosedAt))
	if err != nil {
		return fmt.Errorf("failed to create bug: %w", err)
	}
	if bug.ID, err = res.LastInsertId(); err != nil {
		return fmt.Errorf("failed to read bug id: %w", err)
	}
	return nil
}

func (t *doltTransaction) UpdateBug(ctx context.Context, bug *types.Bug) error {
	if err := t.requireExists(ctx, "bugs", "bug", bug.ID); err != nil {
		return err
	}
	_, err := t.tx.ExecContext(ctx, "UPDATE bugs SET external_id = ?, external_type = ?, closed_at = ? WHERE id = ?",
		bug.ExternalID, bug.ExternalType, nullTime(bug.ClosedAt), bug.ID)
	if err != nil {
		return fmt.Errorf("failed to update bug %d: %w", bug.ID, err)
	}
	return nil
}
