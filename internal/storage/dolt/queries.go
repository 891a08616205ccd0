package dolt

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fuzztriage/fuzztriage/internal/storage"
	"github.com/fuzztriage/fuzztriage/internal/types"
)

// scanPageSize bounds the rows ScanCrashRefs reads per query. Rows are
// released before the callback runs so it may write through the same pool.
const scanPageSize = 1000

const bucketColumns = "id, signature, short_description, bug_id, frequent, permanent, do_not_reduce, reassign_in_progress, created_at"

const crashRefQuery = `SELECT c.id, c.bucket_id, c.tool_id, c.created_at, t.quality
FROM crash_entries c LEFT JOIN testcases t ON t.id = c.testcase_id`

// crashColumns returns the select list for proj. Raw columns outside the
// projection are still loaded for entries without cached crash info.
func crashColumns(proj types.Projection) string {
	raw := func(col string, loaded bool) string {
		if loaded {
			return "c." + col
		}
		return fmt.Sprintf("IF(c.cached_crash_info IS NULL, c.%s, '')", col)
	}
	cols := []string{
		"c.id", "c.created_at", "c.bucket_id", "c.tool_id", "c.product", "c.platform", "c.os",
		raw("raw_stdout", proj.Stdout), raw("raw_stderr", proj.Stderr), raw("raw_crash_data", proj.CrashData),
		"c.args", "c.env", "c.short_signature", "c.crash_address", "c.testcase_id", "c.cached_crash_info", "c.triaged",
	}
	if proj.TestCase {
		cols = append(cols, "t.id", "t.content", "t.quality", "t.size", "t.is_binary")
	}
	return strings.Join(cols, ", ")
}

func crashFrom(proj types.Projection) string {
	if proj.TestCase {
		return "crash_entries c LEFT JOIN testcases t ON t.id = c.testcase_id"
	}
	return "crash_entries c"
}

func scanCrash(row rowScanner, proj types.Projection) (*types.CrashEntry, error) {
	var (
		c          types.CrashEntry
		created    dbTime
		bucketID   sql.NullInt64
		testCaseID sql.NullInt64
		cached     sql.NullString
		tcID       sql.NullInt64
		tcContent  []byte
		tcQuality  sql.NullInt64
		tcSize     sql.NullInt64
		tcBinary   sql.NullBool
	)
	dest := []any{
		&c.ID, &created, &bucketID, &c.ToolID, &c.Product, &c.Platform, &c.OS,
		&c.RawStdout, &c.RawStderr, &c.RawCrashData,
		&c.Args, &c.Env, &c.ShortSignature, &c.CrashAddress, &testCaseID, &cached, &c.Triaged,
	}
	if proj.TestCase {
		dest = append(dest, &tcID, &tcContent, &tcQuality, &tcSize, &tcBinary)
	}
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	c.CreatedAt = created.Time
	c.BucketID = int64Ptr(bucketID)
	c.TestCaseID = int64Ptr(testCaseID)
	c.CachedCrashInfo = cached.String
	c.RawLoaded = storage.EffectiveProjection(c.CachedCrashInfo != "", proj)
	if proj.TestCase && tcID.Valid {
		c.TestCase = &types.TestCase{
			ID:       tcID.Int64,
			Content:  string(tcContent),
			Quality:  int(tcQuality.Int64),
			Size:     int(tcSize.Int64),
			IsBinary: tcBinary.Bool,
		}
	}
	return &c, nil
}

func scanCrashRef(row rowScanner) (*types.CrashRef, error) {
	var (
		ref      types.CrashRef
		bucketID sql.NullInt64
		created  dbTime
		quality  sql.NullInt64
	)
	if err := row.Scan(&ref.ID, &bucketID, &ref.ToolID, &created, &quality); err != nil {
		return nil, err
	}
	ref.BucketID = int64Ptr(bucketID)
	ref.CreatedAt = created.Time
	ref.Quality = intPtr(quality)
	return &ref, nil
}

func scanBucket(row rowScanner) (*types.Bucket, error) {
	var (
		b       types.Bucket
		bugID   sql.NullInt64
		created dbTime
	)
	if err := row.Scan(&b.ID, &b.Signature, &b.ShortDescription, &bugID, &b.Frequent, &b.Permanent,
		&b.DoNotReduce, &b.ReassignInProgress, &created); err != nil {
		return nil, err
	}
	b.BugID = int64Ptr(bugID)
	b.CreatedAt = created.Time
	return &b, nil
}

func scanStatistics(row rowScanner) (*types.BucketStatistics, error) {
	var (
		st      types.BucketStatistics
		quality sql.NullInt64
	)
	if err := row.Scan(&st.BucketID, &st.ToolID, &st.Size, &quality); err != nil {
		return nil, err
	}
	st.Quality = intPtr(quality)
	return &st, nil
}

func scanHit(row rowScanner) (*types.BucketHit, error) {
	var (
		h     types.BucketHit
		begin dbTime
	)
	if err := row.Scan(&h.BucketID, &h.ToolID, &begin, &h.Count); err != nil {
		return nil, err
	}
	h.Begin = begin.Time
	return &h, nil
}

func scanBug(row rowScanner) (*types.Bug, error) {
	var (
		b      types.Bug
		closed dbTime
	)
	if err := row.Scan(&b.ID, &b.ExternalID, &b.ExternalType, &closed); err != nil {
		return nil, err
	}
	b.ClosedAt = closed.ptr()
	return &b, nil
}

// collect scans every row with scan and closes rows.
func collect[T any](rows *sql.Rows, scan func(rowScanner) (T, error)) ([]T, error) {
	defer func() { _ = rows.Close() }()
	var out []T
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func getBucket(ctx context.Context, q querier, id int64) (*types.Bucket, error) {
	b, err := scanBucket(q.QueryRowContext(ctx, "SELECT "+bucketColumns+" FROM buckets WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("bucket", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get bucket %d: %w", id, err)
	}
	return b, nil
}

func getCrash(ctx context.Context, q querier, id int64, proj types.Projection) (*types.CrashEntry, error) {
	query := "SELECT " + crashColumns(proj) + " FROM " + crashFrom(proj) + " WHERE c.id = ?"
	c, err := scanCrash(q.QueryRowContext(ctx, query, id), proj)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("crash", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get crash %d: %w", id, err)
	}
	return c, nil
}

func exists(ctx context.Context, q querier, table string, id int64) (bool, error) {
	var n int
	err := q.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table+" WHERE id = ?", id).Scan(&n) //nolint:gosec // G202: table is a constant
	if err != nil {
		return false, fmt.Errorf("failed to look up %s %d: %w", table, id, err)
	}
	return n > 0, nil
}

// EnsureTool returns the tool with the given name, creating it if needed.
func (s *DoltStore) EnsureTool(ctx context.Context, name string) (*types.Tool, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("tool name is required")
	}
	var tool types.Tool
	err := s.read(ctx, func(q querier) error {
		if _, err := q.ExecContext(ctx, "INSERT IGNORE INTO tools (name) VALUES (?)", name); err != nil {
			return err
		}
		return q.QueryRowContext(ctx, "SELECT id, name FROM tools WHERE name = ?", name).Scan(&tool.ID, &tool.Name)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to ensure tool %q: %w", name, err)
	}
	return &tool, nil
}

func (s *DoltStore) GetTool(ctx context.Context, id int64) (*types.Tool, error) {
	var tool types.Tool
	err := s.read(ctx, func(q querier) error {
		return q.QueryRowContext(ctx, "SELECT id, name FROM tools WHERE id = ?", id).Scan(&tool.ID, &tool.Name)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("tool", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get tool %d: %w", id, err)
	}
	return &tool, nil
}

func (s *DoltStore) ListTools(ctx context.Context) ([]*types.Tool, error) {
	var tools []*types.Tool
	err := s.read(ctx, func(q querier) error {
		rows, err := q.QueryContext(ctx, "SELECT id, name FROM tools ORDER BY id")
		if err != nil {
			return err
		}
		tools, err = collect(rows, func(r rowScanner) (*types.Tool, error) {
			var t types.Tool
			return &t, r.Scan(&t.ID, &t.Name)
		})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list tools: %w", err)
	}
	return tools, nil
}

func (s *DoltStore) GetBucket(ctx context.Context, id int64) (*types.Bucket, error) {
	var b *types.Bucket
	err := s.read(ctx, func(q querier) error {
		var err error
		b, err = getBucket(ctx, q, id)
		return err
	})
	return b, err
}

func (s *DoltStore) ListBuckets(ctx context.Context, filter types.BucketFilter) ([]*types.Bucket, error) {
	query := "SELECT " + bucketColumns + " FROM buckets"
	var args []any
	if filter.BugID != nil {
		query += " WHERE bug_id = ?"
		args = append(args, *filter.BugID)
	}
	query += " ORDER BY id" + limitClause(filter.Limit, 0)

	var buckets []*types.Bucket
	err := s.read(ctx, func(q querier) error {
		rows, err := q.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		buckets, err = collect(rows, scanBucket)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list buckets: %w", err)
	}
	return buckets, nil
}

func (s *DoltStore) SetReassignInProgress(ctx context.Context, bucketID int64, inProgress bool) error {
	return s.RunInTransaction(ctx, func(tx storage.Transaction) error {
		return tx.SetReassignInProgress(ctx, bucketID, inProgress)
	})
}

func (s *DoltStore) GetCrash(ctx context.Context, id int64, proj types.Projection) (*types.CrashEntry, error) {
	var c *types.CrashEntry
	err := s.read(ctx, func(q querier) error {
		var err error
		c, err = getCrash(ctx, q, id, proj)
		return err
	})
	return c, err
}

// GetCrashes returns entries in the order of ids, skipping ids that do not exist.
func (s *DoltStore) GetCrashes(ctx context.Context, ids []int64, proj types.Projection) ([]*types.CrashEntry, error) {
	byID := make(map[int64]*types.CrashEntry, len(ids))
	query := "SELECT " + crashColumns(proj) + " FROM " + crashFrom(proj) + " WHERE c.id IN (%s)"
	err := s.read(ctx, func(q querier) error {
		return batchIN(ctx, q, uniqueIDs(ids), query, func(r rowScanner) error {
			c, err := scanCrash(r, proj)
			if err != nil {
				return err
			}
			byID[c.ID] = c
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get crashes: %w", err)
	}
	out := make([]*types.CrashEntry, 0, len(ids))
	for _, id := range ids {
		if c, ok := byID[id]; ok {
			out = append(out, c)
		}
	}
	return out, nil
}

func orderClause(order types.SortOrder) string {
	if order == types.Descending {
		return " ORDER BY c.id DESC"
	}
	return " ORDER BY c.id ASC"
}

func (s *DoltStore) ListCrashes(ctx context.Context, filter types.CrashFilter, proj types.Projection) ([]*types.CrashEntry, error) {
	var where []string
	var args []any
	switch {
	case filter.BucketID != nil:
		where = append(where, "c.bucket_id = ?")
		args = append(args, *filter.BucketID)
	case filter.Unbucketed:
		where = append(where, "c.bucket_id IS NULL")
	}
	if filter.ToolID != nil {
		where = append(where, "c.tool_id = ?")
		args = append(args, *filter.ToolID)
	}
	if filter.Triaged != nil {
		where = append(where, "c.triaged = ?")
		args = append(args, *filter.Triaged)
	}
	query := "SELECT " + crashColumns(proj) + " FROM " + crashFrom(proj)
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += orderClause(filter.Order) + limitClause(filter.Limit, 0)

	var crashes []*types.CrashEntry
	err := s.read(ctx, func(q querier) error {
		rows, err := q.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		crashes, err = collect(rows, func(r rowScanner) (*types.CrashEntry, error) { return scanCrash(r, proj) })
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list crashes: %w", err)
	}
	return crashes, nil
}

func (s *DoltStore) ListCandidateIDs(ctx context.Context, cq storage.CandidateQuery) ([]int64, error) {
	query := "SELECT c.id FROM crash_entries c WHERE c.bucket_id IS NULL OR c.bucket_id = ?" +
		orderClause(cq.Order) + limitClause(cq.Limit, cq.Offset)
	var ids []int64
	err := s.read(ctx, func(q querier) error {
		rows, err := q.QueryContext(ctx, query, cq.BucketID)
		if err != nil {
			return err
		}
		ids, err = collect(rows, func(r rowScanner) (int64, error) {
			var id int64
			return id, r.Scan(&id)
		})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list candidates for bucket %d: %w", cq.BucketID, err)
	}
	return ids, nil
}

func (s *DoltStore) FirstCrashInBucket(ctx context.Context, bucketID int64, proj types.Projection) (*types.CrashEntry, error) {
	query := "SELECT " + crashColumns(proj) + " FROM " + crashFrom(proj) + " WHERE c.bucket_id = ? ORDER BY c.id ASC LIMIT 1"
	var c *types.CrashEntry
	err := s.read(ctx, func(q querier) error {
		var err error
		c, err = scanCrash(q.QueryRowContext(ctx, query, bucketID), proj)
		return err
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("bucket %d has no crashes: %w", bucketID, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get first crash of bucket %d: %w", bucketID, err)
	}
	return c, nil
}

// ScanCrashRefs calls fn for every crash entry in id order, one page at a
// time. No rows are held open while fn runs.
func (s *DoltStore) ScanCrashRefs(ctx context.Context, fn func(*types.CrashRef) error) error {
	var after int64
	for {
		var page []*types.CrashRef
		err := s.read(ctx, func(q querier) error {
			rows, err := q.QueryContext(ctx, crashRefQuery+" WHERE c.id > ? ORDER BY c.id LIMIT ?", after, scanPageSize)
			if err != nil {
				return err
			}
			page, err = collect(rows, scanCrashRef)
			return err
		})
		if err != nil {
			return fmt.Errorf("failed to scan crashes: %w", err)
		}
		for _, ref := range page {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := fn(ref); err != nil {
				return err
			}
		}
		if len(page) < scanPageSize {
			return nil
		}
		after = page[len(page)-1].ID
	}
}

func (s *DoltStore) ListStatistics(ctx context.Context, bucketID *int64) ([]*types.BucketStatistics, error) {
	query := "SELECT bucket_id, tool_id, size, quality FROM bucket_statistics"
	var args []any
	if bucketID != nil {
		query += " WHERE bucket_id = ?"
		args = append(args, *bucketID)
	}
	query += " ORDER BY bucket_id, tool_id"

	var stats []*types.BucketStatistics
	err := s.read(ctx, func(q querier) error {
		rows, err := q.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		stats, err = collect(rows, scanStatistics)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list statistics: %w", err)
	}
	return stats, nil
}

func (s *DoltStore) ListHits(ctx context.Context, bucketID *int64, since time.Time) ([]*types.BucketHit, error) {
	var where []string
	var args []any
	if bucketID != nil {
		where = append(where, "bucket_id = ?")
		args = append(args, *bucketID)
	}
	if !since.IsZero() {
		where = append(where, "begin_at >= ?")
		args = append(args, dbValue(types.HourBegin(since)))
	}
	query := "SELECT bucket_id, tool_id, begin_at, count FROM bucket_hits"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY begin_at, bucket_id, tool_id"

	var hits []*types.BucketHit
	err := s.read(ctx, func(q querier) error {
		rows, err := q.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		hits, err = collect(rows, scanHit)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list hits: %w", err)
	}
	return hits, nil
}

func (s *DoltStore) GetBug(ctx context.Context, id int64) (*types.Bug, error) {
	var bug *types.Bug
	err := s.read(ctx, func(q querier) error {
		var err error
		bug, err = scanBug(q.QueryRowContext(ctx, "SELECT id, external_id, external_type, closed_at FROM bugs WHERE id = ?", id))
		return err
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("bug", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get bug %d: %w", id, err)
	}
	return bug, nil
}

func (s *DoltStore) ListBugs(ctx context.Context) ([]*types.Bug, error) {
	var bugs []*types.Bug
	err := s.read(ctx, func(q querier) error {
		rows, err := q.QueryContext(ctx, "SELECT id, external_id, external_type, closed_at FROM bugs ORDER BY id")
		if err != nil {
			return err
		}
		bugs, err = collect(rows, scanBug)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list bugs: %w", err)
	}
	return bugs, nil
}
