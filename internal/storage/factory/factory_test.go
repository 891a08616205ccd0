package factory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fuzztriage/fuzztriage/internal/config"
	"github.com/fuzztriage/fuzztriage/internal/storage/memory"
)

func TestOpenMemory(t *testing.T) {
	store, err := Open(context.Background(), config.DatabaseSettings{Backend: config.BackendMemory})
	require.NoError(t, err)
	defer func() { _ = store.Close() }()
	assert.IsType(t, &memory.Store{}, store)
}

func TestOpenUnknownBackend(t *testing.T) {
	_, err := Open(context.Background(), config.DatabaseSettings{Backend: "sqlite"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown storage backend: sqlite")
	assert.Contains(t, err.Error(), "embedded, memory, server")
}

func TestBackends(t *testing.T) {
	assert.Equal(t, []string{config.BackendEmbedded, config.BackendMemory, config.BackendServer}, Backends())
}

func TestDoltConfig(t *testing.T) {
	cfg := doltConfig(config.DatabaseSettings{
		Backend: config.BackendServer,
		Name:    "triage",
		Host:    "db.internal",
		Port:    3309,
		User:    "ft",
	})
	assert.True(t, cfg.ServerMode)
	assert.Equal(t, "triage", cfg.Database)
	assert.Equal(t, "db.internal", cfg.ServerHost)
	assert.Equal(t, 3309, cfg.ServerPort)

	cfg = doltConfig(config.DatabaseSettings{Backend: config.BackendEmbedded, Path: "/tmp/x"})
	assert.False(t, cfg.ServerMode)
	assert.Equal(t, "/tmp/x", cfg.Path)
}

func TestOpenServerUnreachable(t *testing.T) {
	_, err := Open(context.Background(), config.DatabaseSettings{
		Backend: config.BackendServer,
		Host:    "127.0.0.1",
		Port:    1,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unreachable")
}
