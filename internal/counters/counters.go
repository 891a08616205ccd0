// Package counters maintains the BucketStatistics and BucketHit caches.
//
// Every function here runs inside a storage transaction that also performs
// the crash row mutation it accounts for. The minimum-quality recompute
// scans the transaction's current view, so callers write the crash row
// (bucket move, deletion, quality change) before updating the counters.
package counters

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fuzztriage/fuzztriage/internal/storage"
	"github.com/fuzztriage/fuzztriage/internal/types"
)

// Increment records one more entry for (bucketID, toolID). A non-nil
// quality lowers the stored minimum when it is better.
func Increment(ctx context.Context, tx storage.Transaction, bucketID, toolID int64, quality *int) error {
	st, err := getOrCreate(ctx, tx, bucketID, toolID)
	if err != nil {
		return err
	}
	st.Size++
	if quality != nil && (st.Quality == nil || *quality < *st.Quality) {
		q := *quality
		st.Quality = &q
	}
	return tx.PutStatistics(ctx, st)
}

// Decrement records the removal of one entry with removedQuality from
// (bucketID, toolID). Missing or empty rows are left alone.
func Decrement(ctx context.Context, tx storage.Transaction, bucketID, toolID int64, removedQuality *int) error {
	st, err := tx.GetStatistics(ctx, bucketID, toolID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to get statistics: %w", err)
	}
	if st.Size <= 0 {
		return nil
	}

	st.Size--
	switch {
	case st.Size == 0:
		st.Quality = nil
	case removedQuality != nil && st.Quality != nil && *removedQuality == *st.Quality:
		// Several entries can share the minimum, so only a scan knows
		// whether it still holds.
		q, err := tx.MinQuality(ctx, bucketID, toolID)
		if err != nil {
			return fmt.Errorf("failed to recompute quality: %w", err)
		}
		st.Quality = q
	}
	return tx.PutStatistics(ctx, st)
}

// UpdateQuality accounts for an in-place testcase quality change of one
// entry in (bucketID, toolID).
func UpdateQuality(ctx context.Context, tx storage.Transaction, bucketID, toolID int64, oldQuality, newQuality *int) error {
	st, err := tx.GetStatistics(ctx, bucketID, toolID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to get statistics: %w", err)
	}

	switch {
	case newQuality != nil && (st.Quality == nil || *newQuality < *st.Quality):
		q := *newQuality
		st.Quality = &q
	case oldQuality != nil && st.Quality != nil && *oldQuality == *st.Quality:
		q, err := tx.MinQuality(ctx, bucketID, toolID)
		if err != nil {
			return fmt.Errorf("failed to recompute quality: %w", err)
		}
		st.Quality = q
	default:
		return nil
	}
	return tx.PutStatistics(ctx, st)
}

// IncrementHit counts one entry created at `at` for (bucketID, toolID).
func IncrementHit(ctx context.Context, tx storage.Transaction, bucketID, toolID int64, at time.Time) error {
	begin := types.HourBegin(at)
	hit, err := tx.GetHit(ctx, bucketID, toolID, begin)
	if errors.Is(err, storage.ErrNotFound) {
		hit = &types.BucketHit{BucketID: bucketID, ToolID: toolID, Begin: begin}
	} else if err != nil {
		return fmt.Errorf("failed to get hit counter: %w", err)
	}
	hit.Count++
	return tx.PutHit(ctx, hit)
}

// DecrementHit undoes IncrementHit. The count never goes below zero.
func DecrementHit(ctx context.Context, tx storage.Transaction, bucketID, toolID int64, at time.Time) error {
	hit, err := tx.GetHit(ctx, bucketID, toolID, types.HourBegin(at))
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to get hit counter: %w", err)
	}
	if hit.Count <= 0 {
		return nil
	}
	hit.Count--
	return tx.PutHit(ctx, hit)
}

// Attach updates statistics and hits for ref joining bucketID.
func Attach(ctx context.Context, tx storage.Transaction, bucketID int64, ref *types.CrashRef) error {
	if err := Increment(ctx, tx, bucketID, ref.ToolID, ref.Quality); err != nil {
		return err
	}
	return IncrementHit(ctx, tx, bucketID, ref.ToolID, ref.CreatedAt)
}

// Detach updates statistics and hits for ref leaving bucketID.
func Detach(ctx context.Context, tx storage.Transaction, bucketID int64, ref *types.CrashRef) error {
	if err := Decrement(ctx, tx, bucketID, ref.ToolID, ref.Quality); err != nil {
		return err
	}
	return DecrementHit(ctx, tx, bucketID, ref.ToolID, ref.CreatedAt)
}

func getOrCreate(ctx context.Context, tx storage.Transaction, bucketID, toolID int64) (*types.BucketStatistics, error) {
	st, err := tx.GetStatistics(ctx, bucketID, toolID)
	if errors.Is(err, storage.ErrNotFound) {
		return &types.BucketStatistics{BucketID: bucketID, ToolID: toolID}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get statistics: %w", err)
	}
	return st, nil
}
