package bugs

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/fuzztriage/fuzztriage/internal/config"
	"github.com/fuzztriage/fuzztriage/internal/storage"
	"github.com/fuzztriage/fuzztriage/internal/types"
)

// FromConfig builds the registry from the bugs.* settings.
func FromConfig() (*Registry, error) {
	gh, err := NewGitHub(config.GetString("bugs.github.token"), config.GetString("bugs.github.base-url"))
	if err != nil {
		return nil, err
	}
	bz := NewBugzilla(config.GetString("bugs.bugzilla.url"), config.GetString("bugs.bugzilla.api-key"))
	return NewRegistry(gh, bz), nil
}

// Link attaches the bug identified by ref to a bucket, creating the bug
// record if it is not known yet. provider may be empty to pick the
// provider that recognizes ref.
func Link(ctx context.Context, store storage.Storage, reg *Registry, bucketID int64, provider, ref string) (*types.Bug, error) {
	var p Provider
	if provider != "" {
		var err error
		if p, err = reg.Get(provider); err != nil {
			return nil, err
		}
	} else {
		var ok bool
		if p, ok = reg.FindProviderForRef(ref); !ok {
			return nil, fmt.Errorf("no bug provider recognizes %q (available: %v)", ref, reg.List())
		}
	}
	externalID, err := p.ParseRef(ref)
	if err != nil {
		return nil, err
	}

	existing, err := store.ListBugs(ctx)
	if err != nil {
		return nil, err
	}
	var bug *types.Bug
	for _, b := range existing {
		if b.ExternalType == p.Name() && b.ExternalID == externalID {
			bug = b
			break
		}
	}

	err = store.RunInTransaction(ctx, func(tx storage.Transaction) error {
		bucket, err := tx.GetBucket(ctx, bucketID)
		if err != nil {
			return err
		}
		if bug == nil {
			bug = &types.Bug{ExternalType: p.Name(), ExternalID: externalID}
			if err := tx.CreateBug(ctx, bug); err != nil {
				return err
			}
		}
		bucket.BugID = &bug.ID
		return tx.UpdateBucket(ctx, bucket)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to link bucket %d: %w", bucketID, err)
	}
	return bug, nil
}

// RefreshResult summarizes a Refresh run.
type RefreshResult struct {
	Checked int
	Closed  []*types.Bug
	Opened  []*types.Bug
}

// Refresh fetches the state of every stored bug and records closings and
// reopenings. A failing bug does not stop the others; failures are returned
// together.
func Refresh(ctx context.Context, store storage.Storage, reg *Registry) (*RefreshResult, error) {
	all, err := store.ListBugs(ctx)
	if err != nil {
		return nil, err
	}

	res := &RefreshResult{}
	var errs *multierror.Error
	for _, bug := range all {
		p, err := reg.Get(bug.ExternalType)
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("bug %d: %w", bug.ID, err))
			continue
		}
		st, err := p.FetchStatus(ctx, bug.ExternalID)
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("bug %d (%s %s): %w", bug.ID, bug.ExternalType, bug.ExternalID, err))
			continue
		}
		res.Checked++

		wasOpen := bug.ClosedAt == nil
		if wasOpen == st.Open {
			continue
		}
		if st.Open {
			bug.ClosedAt = nil
			res.Opened = append(res.Opened, bug)
		} else {
			closed := time.Now().UTC()
			if st.ClosedAt != nil {
				closed = *st.ClosedAt
			}
			bug.ClosedAt = &closed
			res.Closed = append(res.Closed, bug)
		}
		if err := store.RunInTransaction(ctx, func(tx storage.Transaction) error {
			return tx.UpdateBug(ctx, bug)
		}); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("bug %d: %w", bug.ID, err))
		}
	}
	return res, errs.ErrorOrNil()
}
