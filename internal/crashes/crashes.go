// Package crashes owns the crash entry lifecycle: ingest, deletion, manual
// bucket moves, testcase quality changes and bucket edits. Every change that
// affects bucket membership or testcase quality updates the bucket counters
// inside the same transaction.
package crashes

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/fuzztriage/fuzztriage/internal/counters"
	"github.com/fuzztriage/fuzztriage/internal/crashinfo"
	"github.com/fuzztriage/fuzztriage/internal/hooks"
	"github.com/fuzztriage/fuzztriage/internal/signature"
	"github.com/fuzztriage/fuzztriage/internal/storage"
	"github.com/fuzztriage/fuzztriage/internal/types"
)

const detachBatchSize = 500

// Submission is one crash report as received from a fuzzer or the spool.
type Submission struct {
	Tool      string
	Product   string
	Platform  string
	OS        string
	Stdout    string
	Stderr    string
	CrashData string
	Args      string
	Env       string

	TestCase *types.TestCase // Content, Quality and IsBinary are used
	BucketID *int64
}

// Service applies crash lifecycle changes.
type Service struct {
	store storage.Storage
	cache *crashinfo.Cache
	hooks *hooks.Runner
	log   *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithHooks runs hook scripts after lifecycle events.
func WithHooks(r *hooks.Runner) Option {
	return func(s *Service) { s.hooks = r }
}

// WithLogger sets the logger used for hook failures.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.log = l }
}

// New creates a Service. cache may be nil.
func New(store storage.Storage, cache *crashinfo.Cache, opts ...Option) *Service {
	s := &Service{store: store, cache: cache, log: slog.New(slog.DiscardHandler)}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Store returns the underlying storage.
func (s *Service) Store() storage.Storage { return s.store }

// Ingest parses and stores one submission. The returned entry has its id,
// short signature and cached crash info set.
func (s *Service) Ingest(ctx context.Context, sub *Submission) (*types.CrashEntry, error) {
	if sub.Tool == "" {
		return nil, fmt.Errorf("submission has no tool")
	}
	tool, err := s.store.EnsureTool(ctx, sub.Tool)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve tool %q: %w", sub.Tool, err)
	}

	cfg := crashinfo.ProgramConfiguration{Product: sub.Product, Platform: sub.Platform, OS: sub.OS}
	ci := crashinfo.FromRaw(crashinfo.SplitLines(sub.Stdout), crashinfo.SplitLines(sub.Stderr),
		crashinfo.SplitLines(sub.CrashData), cfg)
	blob, err := crashinfo.Encode(ci)
	if err != nil {
		return nil, err
	}

	entry := &types.CrashEntry{
		BucketID:        sub.BucketID,
		ToolID:          tool.ID,
		Product:         sub.Product,
		Platform:        sub.Platform,
		OS:              sub.OS,
		RawStdout:       sub.Stdout,
		RawStderr:       sub.Stderr,
		RawCrashData:    sub.CrashData,
		Args:            sub.Args,
		Env:             sub.Env,
		ShortSignature:  ci.ShortSignature(),
		CrashAddress:    ci.CrashAddressString(),
		CachedCrashInfo: blob,
	}
	if sub.TestCase != nil {
		entry.TestCase = &types.TestCase{
			Content:  sub.TestCase.Content,
			Quality:  sub.TestCase.Quality,
			Size:     len(sub.TestCase.Content),
			IsBinary: sub.TestCase.IsBinary,
		}
	}

	err = s.store.RunInTransaction(ctx, func(tx storage.Transaction) error {
		if err := tx.CreateCrash(ctx, entry); err != nil {
			return err
		}
		if entry.BucketID == nil {
			return nil
		}
		return counters.Attach(ctx, tx, *entry.BucketID, refOf(entry))
	})
	if err != nil {
		return nil, fmt.Errorf("failed to store crash: %w", err)
	}

	s.fire(ctx, hooks.EventIngest, entry)
	if entry.BucketID != nil {
		s.fire(ctx, hooks.EventBucket, entry)
	}
	return entry, nil
}

// Delete removes a crash entry and its testcase.
func (s *Service) Delete(ctx context.Context, crashID int64) error {
	err := s.store.RunInTransaction(ctx, func(tx storage.Transaction) error {
		ref, err := oneRef(ctx, tx, crashID)
		if err != nil {
			return err
		}
		if err := tx.DeleteCrash(ctx, crashID); err != nil {
			return err
		}
		if ref.BucketID == nil {
			return nil
		}
		return counters.Detach(ctx, tx, *ref.BucketID, ref)
	})
	if err != nil {
		return fmt.Errorf("failed to delete crash %d: %w", crashID, err)
	}
	if s.cache != nil {
		s.cache.Invalidate(crashID)
	}
	return nil
}

// Move assigns a crash to bucket to, or unassigns it when to is nil. Moving
// an entry out of its bucket clears its triaged flag. Moving an entry to the
// bucket it is already in is a no-op.
func (s *Service) Move(ctx context.Context, crashID int64, to *int64) error {
	moved := false
	err := s.store.RunInTransaction(ctx, func(tx storage.Transaction) error {
		ref, err := oneRef(ctx, tx, crashID)
		if err != nil {
			return err
		}
		if sameBucket(ref.BucketID, to) {
			return nil
		}
		if to != nil {
			if _, err := tx.GetBucket(ctx, *to); err != nil {
				return err
			}
		}
		// Membership first so a minimum-quality recompute sees the new state.
		if err := tx.SetCrashBucket(ctx, []int64{crashID}, to, to == nil); err != nil {
			return err
		}
		if ref.BucketID != nil {
			if err := counters.Detach(ctx, tx, *ref.BucketID, ref); err != nil {
				return err
			}
		}
		if to != nil {
			if err := counters.Attach(ctx, tx, *to, ref); err != nil {
				return err
			}
		}
		moved = true
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to move crash %d: %w", crashID, err)
	}
	if !moved {
		return nil
	}

	entry, err := s.store.GetCrash(ctx, crashID, types.Projection{})
	if err != nil {
		s.log.Warn("moved crash vanished before hooks ran", "crash", crashID, "error", err)
		return nil
	}
	if to == nil {
		s.fire(ctx, hooks.EventUnbucket, entry)
	} else {
		s.fire(ctx, hooks.EventBucket, entry)
	}
	return nil
}

// UpdateQuality changes the quality of a crash's testcase.
func (s *Service) UpdateQuality(ctx context.Context, crashID int64, quality int) error {
	err := s.store.RunInTransaction(ctx, func(tx storage.Transaction) error {
		ref, err := oneRef(ctx, tx, crashID)
		if err != nil {
			return err
		}
		if ref.Quality == nil {
			return fmt.Errorf("crash %d has no testcase", crashID)
		}
		if *ref.Quality == quality {
			return nil
		}
		if err := tx.SetTestCaseQuality(ctx, crashID, quality); err != nil {
			return err
		}
		if ref.BucketID == nil {
			return nil
		}
		return counters.UpdateQuality(ctx, tx, *ref.BucketID, ref.ToolID, ref.Quality, &quality)
	})
	if err != nil {
		return fmt.Errorf("failed to update quality of crash %d: %w", crashID, err)
	}
	return nil
}

// CreateBucket validates the bucket's signature and stores it.
func (s *Service) CreateBucket(ctx context.Context, b *types.Bucket) error {
	if err := checkSignature(b); err != nil {
		return err
	}
	return s.store.RunInTransaction(ctx, func(tx storage.Transaction) error {
		return tx.CreateBucket(ctx, b)
	})
}

// UpdateBucket validates and stores an edited bucket. Membership is not
// changed; run a reassignment to apply a new signature.
func (s *Service) UpdateBucket(ctx context.Context, b *types.Bucket) error {
	if err := checkSignature(b); err != nil {
		return err
	}
	return s.store.RunInTransaction(ctx, func(tx storage.Transaction) error {
		return tx.UpdateBucket(ctx, b)
	})
}

// DeleteBucket unassigns every member of the bucket and deletes it. It
// returns the ids of the detached entries so the caller can triage them.
func (s *Service) DeleteBucket(ctx context.Context, bucketID int64) ([]int64, error) {
	var detached []int64
	err := s.store.RunInTransaction(ctx, func(tx storage.Transaction) error {
		detached = nil
		ids, err := tx.BucketCrashIDs(ctx, bucketID)
		if err != nil {
			return err
		}
		for _, batch := range storage.Chunk(ids, detachBatchSize) {
			refs, err := tx.GetCrashRefs(ctx, batch)
			if err != nil {
				return err
			}
			if err := tx.SetCrashBucket(ctx, batch, nil, true); err != nil {
				return err
			}
			for _, ref := range refs {
				if err := counters.Detach(ctx, tx, bucketID, ref); err != nil {
					return err
				}
			}
			detached = append(detached, batch...)
		}
		return tx.DeleteBucket(ctx, bucketID)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to delete bucket %d: %w", bucketID, err)
	}
	return detached, nil
}

func (s *Service) fire(ctx context.Context, event string, entry *types.CrashEntry) {
	s.hooks.Run(event, entry)
	if err := hooks.RunConfigHooks(ctx, event, entry); err != nil {
		s.log.Warn("hook failed", "event", event, "crash", entry.ID, "error", err)
	}
}

func checkSignature(b *types.Bucket) error {
	if err := b.Validate(); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	if _, err := signature.Parse(b.Signature); err != nil {
		return err
	}
	return nil
}

func oneRef(ctx context.Context, tx storage.Transaction, crashID int64) (*types.CrashRef, error) {
	refs, err := tx.GetCrashRefs(ctx, []int64{crashID})
	if err != nil {
		return nil, err
	}
	if len(refs) == 0 {
		return nil, fmt.Errorf("crash %d: %w", crashID, storage.ErrNotFound)
	}
	return refs[0], nil
}

func refOf(c *types.CrashEntry) *types.CrashRef {
	return &types.CrashRef{
		ID:        c.ID,
		BucketID:  c.BucketID,
		ToolID:    c.ToolID,
		CreatedAt: c.CreatedAt,
		Quality:   c.Quality(),
	}
}

func sameBucket(a, b *int64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// IsNotFound reports whether err means a crash, bucket or bug does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, storage.ErrNotFound)
}
