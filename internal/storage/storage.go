// Package storage provides shared types for crash storage.
//
// Concrete implementations live in the memory and dolt sub-packages. This
// package holds the interfaces and sentinel errors referenced by both the
// implementations and their consumers (cmd/ft, reassign, triage, etc.).
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/fuzztriage/fuzztriage/internal/types"
)

// ErrNotFound is returned when a requested entity does not exist in the database.
var ErrNotFound = errors.New("not found")

// ErrReassignInProgress is returned when a full reassignment is requested for a
// bucket that is already being reassigned.
var ErrReassignInProgress = errors.New("reassignment already in progress")

// CandidateQuery selects crash ids that are either unbucketed or in BucketID.
type CandidateQuery struct {
	BucketID int64
	Order    types.SortOrder
	Offset   int
	Limit    int // 0 = no limit
}

// Storage is the interface satisfied by *memory.Store and *dolt.DoltStore.
// Consumers depend on this interface rather than on a concrete type so that
// decorators (telemetry) and test doubles can be substituted.
type Storage interface {
	// Tools
	EnsureTool(ctx context.Context, name string) (*types.Tool, error)
	GetTool(ctx context.Context, id int64) (*types.Tool, error)
	ListTools(ctx context.Context) ([]*types.Tool, error)

	// Buckets
	GetBucket(ctx context.Context, id int64) (*types.Bucket, error)
	ListBuckets(ctx context.Context, filter types.BucketFilter) ([]*types.Bucket, error)
	SetReassignInProgress(ctx context.Context, bucketID int64, inProgress bool) error

	// Crash entries. Columns outside the projection are left empty, except
	// for entries without a cached crash info blob, which are always loaded
	// in full so they can be parsed.
	GetCrash(ctx context.Context, id int64, proj types.Projection) (*types.CrashEntry, error)
	GetCrashes(ctx context.Context, ids []int64, proj types.Projection) ([]*types.CrashEntry, error)
	ListCrashes(ctx context.Context, filter types.CrashFilter, proj types.Projection) ([]*types.CrashEntry, error)
	ListCandidateIDs(ctx context.Context, q CandidateQuery) ([]int64, error)
	FirstCrashInBucket(ctx context.Context, bucketID int64, proj types.Projection) (*types.CrashEntry, error)
	ScanCrashRefs(ctx context.Context, fn func(*types.CrashRef) error) error

	// Counters
	ListStatistics(ctx context.Context, bucketID *int64) ([]*types.BucketStatistics, error)
	ListHits(ctx context.Context, bucketID *int64, since time.Time) ([]*types.BucketHit, error)

	// Bugs
	GetBug(ctx context.Context, id int64) (*types.Bug, error)
	ListBugs(ctx context.Context) ([]*types.Bug, error)

	// Transactions
	RunInTransaction(ctx context.Context, fn func(tx Transaction) error) error

	// Lifecycle
	Close() error
}

// Transaction provides atomic multi-operation support within a single database transaction.
//
// Every change to crash membership or testcase quality goes through a
// Transaction so the matching counter updates commit or roll back with it.
//
// # Transaction Semantics
//
//   - Changes are not visible to other connections until commit
//   - If the callback returns an error, the transaction is rolled back
//   - If the callback panics, the transaction is rolled back
//   - On successful return from the callback, the transaction is committed
//
// # Example Usage
//
//	err := store.RunInTransaction(ctx, func(tx storage.Transaction) error {
//	    refs, err := tx.GetCrashRefs(ctx, ids)
//	    if err != nil {
//	        return err // Triggers rollback
//	    }
//	    // ... counter updates ...
//	    return tx.SetCrashBucket(ctx, ids, &bucketID, false)
//	})
type Transaction interface {
	// Buckets
	CreateBucket(ctx context.Context, b *types.Bucket) error
	GetBucket(ctx context.Context, id int64) (*types.Bucket, error)
	UpdateBucket(ctx context.Context, b *types.Bucket) error
	DeleteBucket(ctx context.Context, id int64) error
	SetReassignInProgress(ctx context.Context, bucketID int64, inProgress bool) error

	// Crash entries
	CreateCrash(ctx context.Context, c *types.CrashEntry) error // also creates c.TestCase when set
	DeleteCrash(ctx context.Context, id int64) error
	GetCrashRefs(ctx context.Context, ids []int64) ([]*types.CrashRef, error) // missing ids are skipped
	BucketCrashIDs(ctx context.Context, bucketID int64) ([]int64, error)
	SetCrashBucket(ctx context.Context, ids []int64, bucketID *int64, clearTriaged bool) error
	SetTriaged(ctx context.Context, ids []int64, triaged bool) error
	SetTestCaseQuality(ctx context.Context, crashID int64, quality int) error

	// Counters
	GetStatistics(ctx context.Context, bucketID, toolID int64) (*types.BucketStatistics, error)
	PutStatistics(ctx context.Context, st *types.BucketStatistics) error
	MinQuality(ctx context.Context, bucketID, toolID int64) (*int, error)
	GetHit(ctx context.Context, bucketID, toolID int64, begin time.Time) (*types.BucketHit, error)
	PutHit(ctx context.Context, hit *types.BucketHit) error
	ReplaceCounters(ctx context.Context, stats []*types.BucketStatistics, hits []*types.BucketHit) error

	// Bugs
	CreateBug(ctx context.Context, bug *types.Bug) error
	UpdateBug(ctx context.Context, bug *types.Bug) error
}
