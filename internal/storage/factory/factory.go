// Package factory provides functions for creating storage backends based on configuration.
package factory

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/fuzztriage/fuzztriage/internal/config"
	"github.com/fuzztriage/fuzztriage/internal/storage"
	"github.com/fuzztriage/fuzztriage/internal/storage/memory"
)

// BackendFactory is a function that creates a storage backend
type BackendFactory func(ctx context.Context, settings config.DatabaseSettings) (storage.Storage, error)

// backendRegistry holds registered backend factories
var backendRegistry = make(map[string]BackendFactory)

// RegisterBackend registers a storage backend factory
func RegisterBackend(name string, factory BackendFactory) {
	backendRegistry[name] = factory
}

func init() {
	RegisterBackend(config.BackendMemory, func(context.Context, config.DatabaseSettings) (storage.Storage, error) {
		return memory.New(), nil
	})
}

// Open creates the storage backend named by settings.Backend. An empty
// backend opens the embedded Dolt database.
func Open(ctx context.Context, settings config.DatabaseSettings) (storage.Storage, error) {
	backend := settings.Backend
	if backend == "" {
		backend = config.BackendEmbedded
	}
	if factory, ok := backendRegistry[backend]; ok {
		return factory(ctx, settings)
	}
	return nil, fmt.Errorf("unknown storage backend: %s (supported: %s)", backend, strings.Join(Backends(), ", "))
}

// Backends lists the registered backend names.
func Backends() []string {
	names := make([]string, 0, len(backendRegistry))
	for name := range backendRegistry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
