// Package reassign recomputes bucket membership after a signature change.
//
// The engine only looks at candidates that can change state: crash entries
// that are unbucketed or already in the bucket being reassigned. Entries in
// other buckets are never touched.
package reassign

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/fuzztriage/fuzztriage/internal/counters"
	"github.com/fuzztriage/fuzztriage/internal/crashinfo"
	"github.com/fuzztriage/fuzztriage/internal/signature"
	"github.com/fuzztriage/fuzztriage/internal/storage"
	"github.com/fuzztriage/fuzztriage/internal/types"
)

const (
	// PreviewChunkSize is the number of candidates loaded and matched at once.
	PreviewChunkSize = 100
	// ApplyBatchSize is the number of entries moved per storage transaction.
	ApplyBatchSize = 500
	// SampleSize caps the entries returned per list in preview mode.
	SampleSize = 100
)

// TriageEnqueuer schedules automatic triage of an entry removed from a bucket.
type TriageEnqueuer interface {
	EnqueueTriage(ctx context.Context, crashID int64) error
}

// Options controls one Reassign call. A zero Limit processes every
// candidate. Offset requires Limit.
type Options struct {
	Apply  bool
	Limit  int
	Offset int
}

// Result describes the membership changes for one page of candidates.
//
// In apply mode In and Out hold the ids that were moved. In preview mode
// they hold every id that would move and the samples hold up to
// SampleSize loaded entries of each list.
type Result struct {
	BucketID   int64               `json:"bucket"`
	Applied    bool                `json:"applied"`
	In         []int64             `json:"in"`
	Out        []int64             `json:"out"`
	InCount    int                 `json:"inCount"`
	OutCount   int                 `json:"outCount"`
	InSamples  []*types.CrashEntry `json:"inSamples,omitempty"`
	OutSamples []*types.CrashEntry `json:"outSamples,omitempty"`
	NextOffset *int                `json:"nextOffset"`
}

// Engine reassigns crash entries to a bucket.
type Engine struct {
	store  storage.Storage
	cache  *crashinfo.Cache
	triage TriageEnqueuer
	log    *slog.Logger
	tracer trace.Tracer
}

// Option configures an Engine.
type Option func(*Engine)

// WithTriage enqueues entries removed by an unpaged apply on q. Paged
// callers hand the removed ids to Retriage after the final page.
func WithTriage(q TriageEnqueuer) Option {
	return func(e *Engine) { e.triage = q }
}

// WithLogger sets the logger. The default discards output.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// New creates an engine reading crashes from store and parsing them
// through cache.
func New(store storage.Storage, cache *crashinfo.Cache, opts ...Option) *Engine {
	e := &Engine{
		store:  store,
		cache:  cache,
		log:    slog.New(slog.DiscardHandler),
		tracer: otel.Tracer("github.com/fuzztriage/fuzztriage/reassign"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Reassign evaluates candidates for bucketID against the bucket's current
// signature. Without Apply nothing is written.
//
// Removed entries are only enqueued for triage when the whole candidate set
// is applied in one call. Triage can move an entry out of the candidate set,
// which would shift the offsets of later pages, so a paged run must collect
// Result.Out and call Retriage once NextOffset is nil.
//
// Reassign panics if opts.Offset is set without opts.Limit. An unparsable
// signature is reported as *signature.ValidationError before any candidate
// is read.
func (e *Engine) Reassign(ctx context.Context, bucketID int64, opts Options) (_ *Result, retErr error) {
	if opts.Offset > 0 && opts.Limit <= 0 {
		panic("reassign: offset requires limit")
	}

	ctx, span := e.tracer.Start(ctx, "reassign",
		trace.WithAttributes(
			attribute.Int64("ft.bucket_id", bucketID),
			attribute.Bool("ft.apply", opts.Apply),
			attribute.Int("ft.limit", opts.Limit),
			attribute.Int("ft.offset", opts.Offset),
		),
	)
	defer func() {
		if retErr != nil {
			span.RecordError(retErr)
			span.SetStatus(codes.Error, retErr.Error())
		}
		span.End()
	}()

	bucket, err := e.store.GetBucket(ctx, bucketID)
	if err != nil {
		return nil, fmt.Errorf("failed to get bucket: %w", err)
	}
	sig, err := signature.Parse(bucket.Signature)
	if err != nil {
		return nil, err
	}

	// Preview shows the newest entries first. Apply walks oldest first so a
	// paginated run is not skipped past by entries created meanwhile.
	order := types.Descending
	if opts.Apply {
		order = types.Ascending
	}
	query := storage.CandidateQuery{BucketID: bucketID, Order: order, Offset: opts.Offset}
	if opts.Limit > 0 {
		query.Limit = opts.Limit + 1
	}
	ids, err := e.store.ListCandidateIDs(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list candidates: %w", err)
	}

	result := &Result{BucketID: bucketID, Applied: opts.Apply}
	if opts.Limit > 0 && len(ids) > opts.Limit {
		ids = ids[:opts.Limit]
		next := opts.Offset + opts.Limit
		result.NextOffset = &next
	}

	in, out, err := e.classify(ctx, bucketID, sig, ids, result, !opts.Apply)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Int("ft.candidates", len(ids)))

	if !opts.Apply {
		result.In, result.Out = in, out
		result.InCount, result.OutCount = len(in), len(out)
		if result.InSamples, err = e.loadFull(ctx, result.InSamples); err != nil {
			return nil, err
		}
		if result.OutSamples, err = e.loadFull(ctx, result.OutSamples); err != nil {
			return nil, err
		}
		return result, nil
	}

	if result.In, err = e.moveIn(ctx, bucketID, in); err != nil {
		return nil, err
	}
	if result.Out, err = e.moveOut(ctx, bucketID, out); err != nil {
		return nil, err
	}
	result.InCount, result.OutCount = len(result.In), len(result.Out)
	if opts.Limit == 0 {
		e.Retriage(ctx, result.Out)
	}
	e.log.Debug("reassigned bucket page",
		"bucket", bucketID, "candidates", len(ids), "in", result.InCount, "out", result.OutCount)
	return result, nil
}

// classify loads candidates in chunks and splits them into entries that
// should join the bucket and entries that should leave it.
func (e *Engine) classify(ctx context.Context, bucketID int64, sig *signature.Signature, ids []int64, result *Result, sample bool) (in, out []int64, err error) {
	proj := sig.Projection()
	for _, chunk := range storage.Chunk(ids, PreviewChunkSize) {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		entries, err := e.store.GetCrashes(ctx, chunk, proj)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to load crashes: %w", err)
		}
		for _, entry := range entries {
			ci, err := e.cache.Get(entry)
			if err != nil {
				return nil, nil, fmt.Errorf("failed to parse crash %d: %w", entry.ID, err)
			}
			match := sig.Matches(ci)
			switch {
			case match && !entry.Bucketed():
				in = append(in, entry.ID)
				if sample && len(result.InSamples) < SampleSize {
					result.InSamples = append(result.InSamples, entry)
				}
			case !match && entry.InBucket(bucketID):
				out = append(out, entry.ID)
				if sample && len(result.OutSamples) < SampleSize {
					result.OutSamples = append(result.OutSamples, entry)
				}
			}
		}
	}
	return in, out, nil
}

// loadFull reloads sample entries with every raw column and the testcase.
// Classification only loads what the signature reads.
func (e *Engine) loadFull(ctx context.Context, samples []*types.CrashEntry) ([]*types.CrashEntry, error) {
	if len(samples) == 0 {
		return samples, nil
	}
	ids := make([]int64, len(samples))
	for i, c := range samples {
		ids[i] = c.ID
	}
	entries, err := e.store.GetCrashes(ctx, ids, types.FullProjection())
	if err != nil {
		return nil, fmt.Errorf("failed to load sample crashes: %w", err)
	}
	byID := make(map[int64]*types.CrashEntry, len(entries))
	for _, c := range entries {
		byID[c.ID] = c
	}
	full := make([]*types.CrashEntry, 0, len(samples))
	for _, c := range samples {
		if fc, ok := byID[c.ID]; ok {
			full = append(full, fc)
		}
	}
	return full, nil
}

// moveIn attaches unbucketed entries to bucketID in ApplyBatchSize
// transactions. Entries bucketed elsewhere since classification are left
// alone.
func (e *Engine) moveIn(ctx context.Context, bucketID int64, ids []int64) ([]int64, error) {
	var moved []int64
	for _, batch := range storage.Chunk(ids, ApplyBatchSize) {
		var batchMoved []int64
		err := e.store.RunInTransaction(ctx, func(tx storage.Transaction) error {
			batchMoved = batchMoved[:0]
			refs, err := tx.GetCrashRefs(ctx, batch)
			if err != nil {
				return err
			}
			var eligible []*types.CrashRef
			for _, ref := range refs {
				if ref.BucketID == nil {
					eligible = append(eligible, ref)
					batchMoved = append(batchMoved, ref.ID)
				}
			}
			if len(batchMoved) == 0 {
				return nil
			}
			if err := tx.SetCrashBucket(ctx, batchMoved, &bucketID, false); err != nil {
				return err
			}
			for _, ref := range eligible {
				if err := counters.Attach(ctx, tx, bucketID, ref); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return moved, fmt.Errorf("failed to move crashes into bucket %d: %w", bucketID, err)
		}
		moved = append(moved, batchMoved...)
	}
	return moved, nil
}

// moveOut detaches entries from bucketID and clears their triaged flag.
func (e *Engine) moveOut(ctx context.Context, bucketID int64, ids []int64) ([]int64, error) {
	var moved []int64
	for _, batch := range storage.Chunk(ids, ApplyBatchSize) {
		var batchMoved []int64
		err := e.store.RunInTransaction(ctx, func(tx storage.Transaction) error {
			batchMoved = batchMoved[:0]
			refs, err := tx.GetCrashRefs(ctx, batch)
			if err != nil {
				return err
			}
			var eligible []*types.CrashRef
			for _, ref := range refs {
				if ref.BucketID != nil && *ref.BucketID == bucketID {
					eligible = append(eligible, ref)
					batchMoved = append(batchMoved, ref.ID)
				}
			}
			if len(batchMoved) == 0 {
				return nil
			}
			if err := tx.SetCrashBucket(ctx, batchMoved, nil, true); err != nil {
				return err
			}
			for _, ref := range eligible {
				if err := counters.Detach(ctx, tx, bucketID, ref); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return moved, fmt.Errorf("failed to move crashes out of bucket %d: %w", bucketID, err)
		}
		moved = append(moved, batchMoved...)
	}
	return moved, nil
}

// Retriage enqueues entries removed from a bucket for automatic triage. It
// is a no-op without WithTriage.
func (e *Engine) Retriage(ctx context.Context, ids []int64) {
	if e.triage == nil {
		return
	}
	for _, id := range ids {
		if err := e.triage.EnqueueTriage(ctx, id); err != nil {
			// The entry is already unbucketed and untriaged, so a later
			// triage pass still picks it up.
			e.log.Warn("failed to enqueue triage", "crash", id, "error", err)
		}
	}
}
