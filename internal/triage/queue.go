package triage

import (
	"context"
	"fmt"
	"sync"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// Queue triages crashes on a bounded number of goroutines. It satisfies
// reassign.TriageEnqueuer.
type Queue struct {
	triager *Triager
	sem     *semaphore.Weighted
	group   errgroup.Group

	mu     sync.Mutex
	errs   *multierror.Error
	placed map[int64]int64
}

// NewQueue creates a queue running at most workers triages at once.
func NewQueue(t *Triager, workers int) *Queue {
	if workers < 1 {
		workers = 1
	}
	return &Queue{triager: t, sem: semaphore.NewWeighted(int64(workers)), placed: map[int64]int64{}}
}

// EnqueueTriage schedules crashID for triage. It blocks while all workers
// are busy and fails only if ctx is cancelled while waiting.
func (q *Queue) EnqueueTriage(ctx context.Context, crashID int64) error {
	if err := q.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	q.group.Go(func() error {
		defer q.sem.Release(1)
		bucket, err := q.triager.Triage(context.WithoutCancel(ctx), crashID)
		q.mu.Lock()
		defer q.mu.Unlock()
		if err != nil {
			q.errs = multierror.Append(q.errs, fmt.Errorf("triage crash %d: %w", crashID, err))
		} else if bucket != nil {
			q.placed[crashID] = *bucket
		}
		return nil
	})
	return nil
}

// Wait blocks until every enqueued triage finished. It returns the crashes
// that were placed into a bucket and the collected failures.
func (q *Queue) Wait() (map[int64]int64, error) {
	_ = q.group.Wait()
	q.mu.Lock()
	defer q.mu.Unlock()
	placed, errs := q.placed, q.errs
	q.placed, q.errs = map[int64]int64{}, nil
	return placed, errs.ErrorOrNil()
}
