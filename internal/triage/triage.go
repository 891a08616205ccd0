// Package triage assigns unbucketed crash entries to the first bucket whose
// signature matches them.
package triage

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/fuzztriage/fuzztriage/internal/crashes"
	"github.com/fuzztriage/fuzztriage/internal/crashinfo"
	"github.com/fuzztriage/fuzztriage/internal/signature"
	"github.com/fuzztriage/fuzztriage/internal/storage"
	"github.com/fuzztriage/fuzztriage/internal/types"
)

type bucketSig struct {
	id  int64
	sig *signature.Signature
}

// Triager matches crashes against bucket signatures. Signatures are parsed
// once and reused until Refresh is called.
type Triager struct {
	svc   *crashes.Service
	store storage.Storage
	cache *crashinfo.Cache
	log   *slog.Logger

	mu   sync.Mutex
	sigs []bucketSig // nil until loaded
}

// New creates a Triager that moves matches through svc.
func New(svc *crashes.Service, cache *crashinfo.Cache, log *slog.Logger) *Triager {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Triager{svc: svc, store: svc.Store(), cache: cache, log: log}
}

// Refresh drops the parsed signatures so the next triage reloads them.
func (t *Triager) Refresh() {
	t.mu.Lock()
	t.sigs = nil
	t.mu.Unlock()
}

func (t *Triager) signatures(ctx context.Context) ([]bucketSig, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sigs != nil {
		return t.sigs, nil
	}
	buckets, err := t.store.ListBuckets(ctx, types.BucketFilter{})
	if err != nil {
		return nil, fmt.Errorf("failed to list buckets: %w", err)
	}
	sort.Slice(buckets, func(i, j int) bool { return buckets[i].ID < buckets[j].ID })
	sigs := make([]bucketSig, 0, len(buckets))
	for _, b := range buckets {
		sig, err := signature.Parse(b.Signature)
		if err != nil {
			t.log.Warn("skipping bucket with invalid signature", "bucket", b.ID, "error", err)
			continue
		}
		sigs = append(sigs, bucketSig{id: b.ID, sig: sig})
	}
	t.sigs = sigs
	return sigs, nil
}

// Triage matches one crash. It returns the bucket the crash was moved to,
// or nil when no bucket matched or the crash was already bucketed. The
// crash is marked triaged either way.
func (t *Triager) Triage(ctx context.Context, crashID int64) (*int64, error) {
	entry, err := t.store.GetCrash(ctx, crashID, types.FullProjection())
	if err != nil {
		return nil, err
	}
	if entry.Bucketed() {
		return nil, nil
	}
	sigs, err := t.signatures(ctx)
	if err != nil {
		return nil, err
	}

	var ci *crashinfo.CrashInfo
	if t.cache != nil {
		ci, err = t.cache.Get(entry)
	} else {
		ci, err = crashinfo.FromEntry(entry)
	}
	if err != nil {
		return nil, err
	}

	var match *int64
	for _, bs := range sigs {
		if bs.sig.Matches(ci) {
			id := bs.id
			match = &id
			break
		}
	}
	if match != nil {
		if err := t.svc.Move(ctx, crashID, match); err != nil {
			if crashes.IsNotFound(err) {
				// Bucket deleted since the signatures were loaded.
				t.Refresh()
			}
			return nil, err
		}
	}

	err = t.store.RunInTransaction(ctx, func(tx storage.Transaction) error {
		return tx.SetTriaged(ctx, []int64{crashID}, true)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to mark crash %d triaged: %w", crashID, err)
	}
	return match, nil
}
