// Package optimize proposes broader signatures for a bucket.
//
// A proposal is fitted to the first unbucketed crash the bucket's signature
// almost matches. It is rejected when it matches the first crash of any
// other bucket that is not linked to the same bug, and when it matches
// none of the candidates.
package optimize

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/fuzztriage/fuzztriage/internal/crashinfo"
	"github.com/fuzztriage/fuzztriage/internal/signature"
	"github.com/fuzztriage/fuzztriage/internal/storage"
	"github.com/fuzztriage/fuzztriage/internal/types"
)

// MaxDistance is the largest signature distance a candidate may have and
// still be used to fit a proposal.
const MaxDistance = 4

// Optimizer searches for broadened bucket signatures.
type Optimizer struct {
	store  storage.Storage
	cache  *crashinfo.Cache
	log    *slog.Logger
	tracer trace.Tracer

	fit func(sig *signature.Signature, ci *crashinfo.CrashInfo) *signature.Signature
}

// Option configures an Optimizer.
type Option func(*Optimizer)

// WithLogger sets the logger. The default discards output.
func WithLogger(l *slog.Logger) Option {
	return func(o *Optimizer) { o.log = l }
}

// New creates an optimizer.
func New(store storage.Storage, cache *crashinfo.Cache, opts ...Option) *Optimizer {
	o := &Optimizer{
		store:  store,
		cache:  cache,
		log:    slog.New(slog.DiscardHandler),
		tracer: otel.Tracer("github.com/fuzztriage/fuzztriage/optimize"),
		fit:    (*signature.Signature).Fit,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// representative is the cached first crash of another bucket. A nil info
// means the bucket offers no collision evidence.
type representative struct {
	bucketID int64
	info     *crashinfo.CrashInfo
}

// Optimize returns a broadened signature for bucketID and the candidates
// it matches, or nil and no entries when no acceptable proposal exists.
// Candidates are expected to be unbucketed entries loaded with every
// column the bucket's signature could need.
//
// After a collision the search moves on to the next candidate. A proposal
// that survives the collision check but matches no candidate ends the
// search.
func (o *Optimizer) Optimize(ctx context.Context, bucketID int64, candidates []*types.CrashEntry) (_ *signature.Signature, _ []*types.CrashEntry, retErr error) {
	ctx, span := o.tracer.Start(ctx, "optimize",
		trace.WithAttributes(
			attribute.Int64("ft.bucket_id", bucketID),
			attribute.Int("ft.candidates", len(candidates)),
		),
	)
	defer func() {
		if retErr != nil {
			span.RecordError(retErr)
			span.SetStatus(codes.Error, retErr.Error())
		}
		span.End()
	}()

	bucket, err := o.store.GetBucket(ctx, bucketID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get bucket: %w", err)
	}
	sig, err := signature.Parse(bucket.Signature)
	if err != nil {
		return nil, nil, err
	}

	all, err := o.store.ListBuckets(ctx, types.BucketFilter{})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list buckets: %w", err)
	}
	var others []*types.Bucket
	for _, b := range all {
		if b.ID == bucketID || b.SameBug(bucket) {
			continue
		}
		others = append(others, b)
	}

	infos := make([]*crashinfo.CrashInfo, len(candidates))
	for i, entry := range candidates {
		ci, err := o.cache.Get(entry)
		if err != nil {
			o.log.Warn("skipping unparsable candidate", "crash", entry.ID, "error", err)
			continue
		}
		infos[i] = ci
	}

	reps := make(map[int64]*representative, len(others))
	for i, ci := range infos {
		if ci == nil || sig.Matches(ci) {
			continue
		}
		if sig.Distance(ci) > MaxDistance {
			continue
		}
		proposed := o.fit(sig, ci)
		if proposed == nil {
			continue
		}

		collision, err := o.collides(ctx, proposed, others, reps)
		if err != nil {
			return nil, nil, err
		}
		if collision != 0 {
			o.log.Debug("proposal collides with another bucket",
				"bucket", bucketID, "candidate", candidates[i].ID, "other", collision)
			continue
		}

		var matching []*types.CrashEntry
		for j, other := range infos {
			if other != nil && proposed.Matches(other) {
				matching = append(matching, candidates[j])
			}
		}
		if len(matching) == 0 {
			return nil, nil, nil
		}
		span.SetAttributes(attribute.Int("ft.matching", len(matching)))
		return proposed, matching, nil
	}
	return nil, nil, nil
}

// collides returns the id of the first other bucket whose representative
// crash matches sig, or 0.
func (o *Optimizer) collides(ctx context.Context, sig *signature.Signature, others []*types.Bucket, reps map[int64]*representative) (int64, error) {
	for _, b := range others {
		rep, ok := reps[b.ID]
		if !ok {
			var err error
			rep, err = o.loadRepresentative(ctx, b.ID)
			if err != nil {
				return 0, err
			}
			reps[b.ID] = rep
		}
		if rep.info != nil && sig.Matches(rep.info) {
			return b.ID, nil
		}
	}
	return 0, nil
}

func (o *Optimizer) loadRepresentative(ctx context.Context, bucketID int64) (*representative, error) {
	rep := &representative{bucketID: bucketID}
	entry, err := o.store.FirstCrashInBucket(ctx, bucketID, types.FullProjection())
	if errors.Is(err, storage.ErrNotFound) {
		return rep, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load first crash of bucket %d: %w", bucketID, err)
	}
	ci, err := o.cache.Get(entry)
	if err != nil {
		o.log.Warn("representative crash cannot be parsed, skipping bucket in collision check",
			"bucket", bucketID, "crash", entry.ID, "error", err)
		return rep, nil
	}
	rep.info = ci
	return rep, nil
}
