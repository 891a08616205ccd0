// Package fuzztriage provides a minimal public API for programs that feed
// crashes into an ft database or maintain buckets without the ft CLI.
//
// It exposes the storage layer, the crash lifecycle service, the
// reassignment engine and the signature optimizer.
package fuzztriage

import (
	"context"

	"github.com/fuzztriage/fuzztriage/internal/config"
	"github.com/fuzztriage/fuzztriage/internal/crashes"
	"github.com/fuzztriage/fuzztriage/internal/crashinfo"
	"github.com/fuzztriage/fuzztriage/internal/optimize"
	"github.com/fuzztriage/fuzztriage/internal/reassign"
	"github.com/fuzztriage/fuzztriage/internal/signature"
	"github.com/fuzztriage/fuzztriage/internal/storage"
	"github.com/fuzztriage/fuzztriage/internal/storage/factory"
	"github.com/fuzztriage/fuzztriage/internal/types"
)

// Core types for working with buckets and crashes
type (
	Bucket           = types.Bucket
	CrashEntry       = types.CrashEntry
	TestCase         = types.TestCase
	BucketStatistics = types.BucketStatistics
	BucketHit        = types.BucketHit
	Submission       = crashes.Submission
	Signature        = signature.Signature
	ReassignOptions  = reassign.Options
	ReassignResult   = reassign.Result
	DatabaseSettings = config.DatabaseSettings
)

// Storage is the crash database interface.
type Storage = storage.Storage

// Backend names accepted in DatabaseSettings.Backend.
const (
	BackendEmbedded = config.BackendEmbedded
	BackendServer   = config.BackendServer
	BackendMemory   = config.BackendMemory
)

// defaultCacheSize bounds parsed crash info kept by a Client.
const defaultCacheSize = 4096

// Client bundles the services that operate on one database.
type Client struct {
	store     Storage
	svc       *crashes.Service
	engine    *reassign.Engine
	optimizer *optimize.Optimizer
}

// Open opens the database described by settings.
func Open(ctx context.Context, settings DatabaseSettings) (*Client, error) {
	store, err := factory.Open(ctx, settings)
	if err != nil {
		return nil, err
	}
	return New(store)
}

// New wraps an already open store.
func New(store Storage) (*Client, error) {
	cache, err := crashinfo.NewCache(defaultCacheSize)
	if err != nil {
		return nil, err
	}
	return &Client{
		store:     store,
		svc:       crashes.New(store, cache),
		engine:    reassign.New(store, cache),
		optimizer: optimize.New(store, cache),
	}, nil
}

// Store returns the underlying storage.
func (c *Client) Store() Storage { return c.store }

// ParseSignature parses and validates signature JSON.
func ParseSignature(text string) (*Signature, error) {
	return signature.Parse(text)
}

// Submit stores one crash. It is not triaged.
func (c *Client) Submit(ctx context.Context, sub *Submission) (*CrashEntry, error) {
	return c.svc.Ingest(ctx, sub)
}

// CreateBucket validates and stores a new bucket.
func (c *Client) CreateBucket(ctx context.Context, b *Bucket) error {
	return c.svc.CreateBucket(ctx, b)
}

// Reassign previews or applies bucket membership for the bucket's current
// signature. Removed entries stay unbucketed.
func (c *Client) Reassign(ctx context.Context, bucketID int64, opts ReassignOptions) (*ReassignResult, error) {
	return c.engine.Reassign(ctx, bucketID, opts)
}

// Optimize proposes a broader signature for a bucket from the given
// unbucketed candidates. It returns nil when none is acceptable.
func (c *Client) Optimize(ctx context.Context, bucketID int64, candidates []*CrashEntry) (*Signature, []*CrashEntry, error) {
	return c.optimizer.Optimize(ctx, bucketID, candidates)
}

// Close closes the underlying storage.
func (c *Client) Close() error {
	return c.store.Close()
}
