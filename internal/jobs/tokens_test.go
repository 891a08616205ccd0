package jobs

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// exerciseTokenSet checks the TokenSet contract against any implementation.
func exerciseTokenSet(t *testing.T, ts TokenSet) {
	t.Helper()
	ctx := context.Background()

	ok, err := ts.Acquire(ctx, 1, "a")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = ts.Acquire(ctx, 1, "b")
	require.NoError(t, err)
	assert.False(t, ok, "second token for the same bucket is refused")

	ok, err = ts.Acquire(ctx, 2, "b")
	require.NoError(t, err)
	assert.True(t, ok, "buckets are independent")

	holder, held, err := ts.Holder(ctx, 1)
	require.NoError(t, err)
	assert.True(t, held)
	assert.Equal(t, "a", holder)

	ok, err = ts.Extend(ctx, 1, "a")
	require.NoError(t, err)
	assert.True(t, ok, "the holder can extend its token")
	ok, err = ts.Extend(ctx, 1, "b")
	require.NoError(t, err)
	assert.False(t, ok, "another token cannot be extended")
	ok, err = ts.Extend(ctx, 3, "a")
	require.NoError(t, err)
	assert.False(t, ok, "nothing to extend for an idle bucket")

	require.NoError(t, ts.Release(ctx, 1, "b"))
	_, held, err = ts.Holder(ctx, 1)
	require.NoError(t, err)
	assert.True(t, held, "releasing someone else's token is a no-op")

	require.NoError(t, ts.Release(ctx, 1, "a"))
	_, held, err = ts.Holder(ctx, 1)
	require.NoError(t, err)
	assert.False(t, held)

	ok, err = ts.Acquire(ctx, 1, "c")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMemoryTokens(t *testing.T) {
	ts := NewMemoryTokens(time.Hour)
	exerciseTokenSet(t, ts)
	assert.False(t, ts.Shared())
}

func TestMemoryTokensExpire(t *testing.T) {
	ts := NewMemoryTokens(50 * time.Millisecond)
	ctx := context.Background()
	ok, err := ts.Acquire(ctx, 1, "a")
	require.NoError(t, err)
	require.True(t, ok)

	time.Sleep(100 * time.Millisecond)
	ok, err = ts.Acquire(ctx, 1, "b")
	require.NoError(t, err)
	assert.True(t, ok, "expired token no longer blocks")
}

func TestMemoryTokensExtendKeepsToken(t *testing.T) {
	ts := NewMemoryTokens(200 * time.Millisecond)
	ctx := context.Background()
	ok, err := ts.Acquire(ctx, 1, "a")
	require.NoError(t, err)
	require.True(t, ok)

	time.Sleep(120 * time.Millisecond)
	ok, err = ts.Extend(ctx, 1, "a")
	require.NoError(t, err)
	require.True(t, ok)

	time.Sleep(120 * time.Millisecond)
	holder, held, err := ts.Holder(ctx, 1)
	require.NoError(t, err)
	assert.True(t, held, "extended token outlives its first expiry")
	assert.Equal(t, "a", holder)
}

func TestRedisTokens(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping redis container test in short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForListeningPort("6379/tcp"),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	endpoint, err := container.PortEndpoint(ctx, "6379/tcp", "redis")
	require.NoError(t, err)

	ts, err := NewRedisTokens(endpoint+"/0", WithNamespace("fttest"), WithTTL(time.Minute))
	require.NoError(t, err)
	t.Cleanup(func() { _ = ts.Close() })
	exerciseTokenSet(t, ts)
	assert.True(t, ts.Shared())
}

func TestNewRedisTokensBadURL(t *testing.T) {
	_, err := NewRedisTokens("not a url")
	assert.Error(t, err)
}
