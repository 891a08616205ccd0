// Package jobs runs bucket reassignments in the background, one page at a
// time, and tracks which buckets have a reassignment running.
package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fuzztriage/fuzztriage/internal/reassign"
	"github.com/fuzztriage/fuzztriage/internal/storage"
)

// Status describes one reassignment job.
type Status struct {
	Token    string    `json:"token"`
	BucketID int64     `json:"bucket"`
	Started  time.Time `json:"started"`
	Finished time.Time `json:"finished,omitzero"`
	Pages    int       `json:"pages"`
	In       int       `json:"in"`
	Out      int       `json:"out"`
	Err      string    `json:"error,omitempty"`
}

// Done reports whether the job has finished.
func (s *Status) Done() bool { return !s.Finished.IsZero() }

// Runner starts reassignment jobs.
type Runner struct {
	store    storage.Storage
	engine   *reassign.Engine
	tokens   TokenSet
	pageSize int
	log      *slog.Logger

	wg   sync.WaitGroup
	mu   sync.Mutex
	jobs map[string]*Status
}

// NewRunner creates a Runner applying pageSize candidates per page.
func NewRunner(store storage.Storage, engine *reassign.Engine, tokens TokenSet, pageSize int, log *slog.Logger) *Runner {
	if pageSize <= 0 {
		pageSize = 1000
	}
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Runner{
		store:    store,
		engine:   engine,
		tokens:   tokens,
		pageSize: pageSize,
		log:      log,
		jobs:     map[string]*Status{},
	}
}

// StartReassign marks the bucket as being reassigned and applies its
// signature in the background. It returns the job token, or
// storage.ErrReassignInProgress if a job for the bucket is already running.
func (r *Runner) StartReassign(ctx context.Context, bucketID int64) (string, error) {
	busy, err := r.InProgress(ctx, bucketID)
	if err != nil {
		return "", err
	}
	if busy {
		return "", fmt.Errorf("bucket %d: %w", bucketID, storage.ErrReassignInProgress)
	}

	token := uuid.NewString()
	ok, err := r.tokens.Acquire(ctx, bucketID, token)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("bucket %d: %w", bucketID, storage.ErrReassignInProgress)
	}
	if err := r.store.SetReassignInProgress(ctx, bucketID, true); err != nil {
		_ = r.tokens.Release(ctx, bucketID, token)
		return "", fmt.Errorf("failed to flag bucket %d: %w", bucketID, err)
	}

	st := &Status{Token: token, BucketID: bucketID, Started: time.Now().UTC()}
	r.mu.Lock()
	r.jobs[token] = st
	r.mu.Unlock()

	r.wg.Add(1)
	go r.run(context.WithoutCancel(ctx), st)
	return token, nil
}

func (r *Runner) run(ctx context.Context, st *Status) {
	defer r.wg.Done()
	log := r.log.With("bucket", st.BucketID, "token", st.Token)
	log.Info("reassignment started", "page_size", r.pageSize)

	var runErr error
	var removed []int64
	offset := 0
	for {
		res, err := r.engine.Reassign(ctx, st.BucketID, reassign.Options{Apply: true, Limit: r.pageSize, Offset: offset})
		if err != nil {
			runErr = err
			break
		}
		removed = append(removed, res.Out...)
		r.mu.Lock()
		st.Pages++
		st.In += res.InCount
		st.Out += res.OutCount
		r.mu.Unlock()
		if res.NextOffset == nil {
			break
		}
		offset = *res.NextOffset
		if ok, err := r.tokens.Extend(ctx, st.BucketID, st.Token); err != nil || !ok {
			log.Warn("failed to extend job token", "held", ok, "error", err)
		}
	}

	// Triage can move removed entries out of the candidate set, so it only
	// runs once no further page depends on the offsets.
	r.engine.Retriage(ctx, removed)

	if err := r.store.SetReassignInProgress(ctx, st.BucketID, false); err != nil {
		log.Error("failed to clear reassignment flag", "error", err)
	}
	if err := r.tokens.Release(ctx, st.BucketID, st.Token); err != nil {
		log.Error("failed to release job token", "error", err)
	}

	r.mu.Lock()
	st.Finished = time.Now().UTC()
	if runErr != nil {
		st.Err = runErr.Error()
	}
	r.mu.Unlock()

	if runErr != nil {
		log.Error("reassignment failed", "error", runErr, "pages", st.Pages)
		return
	}
	log.Info("reassignment finished", "pages", st.Pages, "in", st.In, "out", st.Out)
}

// InProgress reports whether a reassignment is running for the bucket,
// either flagged on the bucket or holding a token.
//
// With a shared token set a flag without a token was left behind by a job
// that died; the flag is cleared and the bucket reported idle.
func (r *Runner) InProgress(ctx context.Context, bucketID int64) (bool, error) {
	b, err := r.store.GetBucket(ctx, bucketID)
	if err != nil {
		return false, err
	}
	_, held, err := r.tokens.Holder(ctx, bucketID)
	if err != nil {
		return false, err
	}
	if held {
		return true, nil
	}
	if !b.ReassignInProgress {
		return false, nil
	}
	if !r.tokens.Shared() {
		return true, nil
	}
	r.log.Warn("clearing stale reassignment flag", "bucket", bucketID)
	if err := r.store.SetReassignInProgress(ctx, bucketID, false); err != nil {
		return false, fmt.Errorf("failed to clear stale flag on bucket %d: %w", bucketID, err)
	}
	return false, nil
}

// ClearFlag clears the bucket's reassignment flag unless a job token is
// held for it. It reports whether the flag was set.
func (r *Runner) ClearFlag(ctx context.Context, bucketID int64) (bool, error) {
	b, err := r.store.GetBucket(ctx, bucketID)
	if err != nil {
		return false, err
	}
	holder, held, err := r.tokens.Holder(ctx, bucketID)
	if err != nil {
		return false, err
	}
	if held {
		return false, fmt.Errorf("bucket %d: job %s is still running: %w", bucketID, holder, storage.ErrReassignInProgress)
	}
	if !b.ReassignInProgress {
		return false, nil
	}
	if err := r.store.SetReassignInProgress(ctx, bucketID, false); err != nil {
		return false, fmt.Errorf("failed to clear flag on bucket %d: %w", bucketID, err)
	}
	return true, nil
}

// Status returns a snapshot of the job with the given token.
func (r *Runner) Status(token string) (Status, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.jobs[token]
	if !ok {
		return Status{}, false
	}
	return *st, true
}

// Wait blocks until every started job has finished.
func (r *Runner) Wait() {
	r.wg.Wait()
}
