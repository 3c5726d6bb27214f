package runlock_test

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/flowforge/enginecore/internal/runlock"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func setupRedis(t *testing.T) redis.UniversalClient {
	t.Helper()

	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections"),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)

	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	host, err := container.Host(ctx)
	require.NoError(t, err)

	port, err := container.MappedPort(ctx, "6379")
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{Addr: host + ":" + port.Port()})
	require.NoError(t, client.Ping(ctx).Err())

	return client
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestAcquireExclusiveThenReleaseAllowsReacquire(t *testing.T) {
	client := setupRedis(t)
	ctx := context.Background()
	mgr := runlock.NewManager(client, discardLogger())

	lease, ok, err := mgr.Acquire(ctx, "run-1", runlock.DefaultTTL)
	require.NoError(t, err)
	require.True(t, ok)
	require.NotNil(t, lease)

	_, ok, err = mgr.Acquire(ctx, "run-1", runlock.DefaultTTL)
	require.NoError(t, err)
	assert.False(t, ok, "second worker must not acquire an already-held lease")

	require.NoError(t, mgr.Release(ctx, lease))

	_, ok, err = mgr.Acquire(ctx, "run-1", runlock.DefaultTTL)
	require.NoError(t, err)
	assert.True(t, ok, "lease must be reacquirable after release")
}

func TestLeaseReclaimableAfterTTL(t *testing.T) {
	client := setupRedis(t)
	ctx := context.Background()
	mgr := runlock.NewManager(client, discardLogger())

	_, ok, err := mgr.Acquire(ctx, "run-ttl", 50*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)

	time.Sleep(150 * time.Millisecond)

	_, ok, err = mgr.Acquire(ctx, "run-ttl", runlock.DefaultTTL)
	require.NoError(t, err)
	assert.True(t, ok, "a crashed worker's lease must be reclaimable once its TTL elapses")
}

func TestReleaseOnExpiredLeaseIsNoop(t *testing.T) {
	client := setupRedis(t)
	ctx := context.Background()
	mgr := runlock.NewManager(client, discardLogger())

	lease, ok, err := mgr.Acquire(ctx, "run-expired", 20*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)

	time.Sleep(60 * time.Millisecond)

	err = mgr.Release(ctx, lease)
	assert.ErrorIs(t, err, runlock.ErrNotHeld)
}

func TestRenewExtendsTTL(t *testing.T) {
	client := setupRedis(t)
	ctx := context.Background()
	mgr := runlock.NewManager(client, discardLogger())

	lease, ok, err := mgr.Acquire(ctx, "run-renew", 100*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, mgr.Renew(ctx, lease, 2*time.Second))

	time.Sleep(200 * time.Millisecond)

	_, ok, err = mgr.Acquire(ctx, "run-renew", runlock.DefaultTTL)
	require.NoError(t, err)
	assert.False(t, ok, "renewed lease should still be held")
}
