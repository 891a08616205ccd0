package dolt

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcdolt "github.com/testcontainers/testcontainers-go/modules/dolt"

	"github.com/fuzztriage/fuzztriage/internal/storage"
	"github.com/fuzztriage/fuzztriage/internal/storage/storagetest"
)

const doltServerImage = "dolthub/dolt-sql-server:1.43.0"

// startDoltServer runs a dolt sql-server container for the test and returns
// a server mode config pointing at it.
func startDoltServer(t *testing.T) *Config {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping Dolt server container test in short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	container, err := tcdolt.Run(ctx, doltServerImage,
		tcdolt.WithDatabase("fuzztriage"),
		tcdolt.WithUsername("ft"),
		tcdolt.WithPassword("ft-test"),
	)
	testcontainers.CleanupContainer(t, container)
	require.NoError(t, err)

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "3306/tcp")
	require.NoError(t, err)

	return &Config{
		ServerMode:     true,
		ServerHost:     host,
		ServerPort:     port.Int(),
		ServerUser:     "ft",
		ServerPassword: "ft-test",
		Database:       "fuzztriage",
	}
}

func TestServerContract(t *testing.T) {
	cfg := startDoltServer(t)

	// Every subtest gets an empty database on the shared server.
	n := 0
	storagetest.Run(t, func(t *testing.T) storage.Storage {
		n++
		c := *cfg
		c.Database = fmt.Sprintf("contract_%d", n)
		store, err := New(context.Background(), &c)
		require.NoError(t, err)
		return store
	})
}

func TestServerCommit(t *testing.T) {
	cfg := startDoltServer(t)
	ctx := context.Background()

	store, err := New(ctx, cfg)
	require.NoError(t, err)
	defer func() { _ = store.Close() }()

	_, err = store.EnsureTool(ctx, "libfuzzer")
	require.NoError(t, err)
	require.NoError(t, store.Commit(ctx, "add libfuzzer"))

	var message string
	require.NoError(t, store.db.QueryRowContext(ctx, "SELECT message FROM dolt_log LIMIT 1").Scan(&message))
	require.Equal(t, "add libfuzzer", message)
}
