package jobs

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
)

// TokenSet records which reassignment job currently owns a bucket. It is
// advisory: it keeps two jobs from racing on one bucket but does not lock
// the bucket against other writers.
type TokenSet interface {
	// Acquire records token for bucketID. It reports false if another token
	// is already recorded.
	Acquire(ctx context.Context, bucketID int64, token string) (bool, error)
	// Release removes token if it is still the one recorded for bucketID.
	Release(ctx context.Context, bucketID int64, token string) error
	// Holder returns the recorded token for bucketID, if any.
	Holder(ctx context.Context, bucketID int64) (string, bool, error)
	// Extend restarts the expiry of token. It reports false if token is no
	// longer the one recorded for bucketID.
	Extend(ctx context.Context, bucketID int64, token string) (bool, error)
	// Shared reports whether every ft process sees the same tokens.
	Shared() bool
}

// MemoryTokens is an in-process TokenSet. Tokens expire after the TTL so a
// crashed job cannot hold a bucket forever.
type MemoryTokens struct {
	mu    sync.Mutex
	cache *cache.Cache
}

var _ TokenSet = (*MemoryTokens)(nil)

// NewMemoryTokens creates an in-process token set.
func NewMemoryTokens(ttl time.Duration) *MemoryTokens {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &MemoryTokens{cache: cache.New(ttl, ttl/2)}
}

func tokenKey(bucketID int64) string {
	return strconv.FormatInt(bucketID, 10)
}

// Acquire implements TokenSet.
func (m *MemoryTokens) Acquire(_ context.Context, bucketID int64, token string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	// Add fails if an unexpired item exists.
	if err := m.cache.Add(tokenKey(bucketID), token, cache.DefaultExpiration); err != nil {
		return false, nil
	}
	return true, nil
}

// Release implements TokenSet.
func (m *MemoryTokens) Release(_ context.Context, bucketID int64, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if held, ok := m.cache.Get(tokenKey(bucketID)); ok && held.(string) == token {
		m.cache.Delete(tokenKey(bucketID))
	}
	return nil
}

// Holder implements TokenSet.
func (m *MemoryTokens) Holder(_ context.Context, bucketID int64) (string, bool, error) {
	held, ok := m.cache.Get(tokenKey(bucketID))
	if !ok {
		return "", false, nil
	}
	return held.(string), true, nil
}

// Extend implements TokenSet.
func (m *MemoryTokens) Extend(_ context.Context, bucketID int64, token string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	held, ok := m.cache.Get(tokenKey(bucketID))
	if !ok || held.(string) != token {
		return false, nil
	}
	m.cache.Set(tokenKey(bucketID), token, cache.DefaultExpiration)
	return true, nil
}

// Shared implements TokenSet. Tokens live in this process only.
func (m *MemoryTokens) Shared() bool { return false }
