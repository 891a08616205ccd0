// Package bugs links buckets to external bug trackers. Each tracker is a
// Provider registered under a lowercase tag; the tag is stored as the
// bug's ExternalType.
package bugs

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Status is the tracker-side state of a bug.
type Status struct {
	Open     bool
	ClosedAt *time.Time
	Title    string
}

// Provider talks to one bug tracker.
type Provider interface {
	// Name is the registry tag, e.g. "github".
	Name() string
	// BugURL returns the web URL of a bug.
	BugURL(externalID string) string
	// IsExternalRef reports whether ref (a URL or tracker-specific id)
	// belongs to this tracker.
	IsExternalRef(ref string) bool
	// ParseRef turns a ref accepted by IsExternalRef into the external id.
	ParseRef(ref string) (string, error)
	// FetchStatus reads the bug's current state from the tracker.
	FetchStatus(ctx context.Context, externalID string) (*Status, error)
}

// Registry holds the configured providers.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewRegistry creates a registry holding providers.
func NewRegistry(providers ...Provider) *Registry {
	r := &Registry{providers: make(map[string]Provider)}
	for _, p := range providers {
		r.Register(p)
	}
	return r
}

// Register adds or replaces a provider under its lowercased name.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[strings.ToLower(p.Name())] = p
}

// Get returns the provider registered as name.
func (r *Registry) Get(name string) (Provider, error) {
	r.mu.RLock()
	p, ok := r.providers[strings.ToLower(name)]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown bug provider %q (available: %v)", name, r.List())
	}
	return p, nil
}

// List returns the registered names, sorted alphabetically.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// FindProviderForRef returns the provider that recognizes ref. Providers
// are tried in name order so the result is deterministic.
func (r *Registry) FindProviderForRef(ref string) (Provider, bool) {
	for _, name := range r.List() {
		p, err := r.Get(name)
		if err == nil && p.IsExternalRef(ref) {
			return p, true
		}
	}
	return nil, false
}
