//go:build integration

package runlock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
)

func TestRedis_Lock(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}
	ctx := context.Background()

	container, err := tcredis.Run(ctx, "redis:7-alpine")
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	url, err := container.ConnectionString(ctx)
	require.NoError(t, err)
	client, err := DialRedis(ctx, url)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	first := NewRedis(client, "txn-warehouse:run", time.Minute)
	second := NewRedis(client, "txn-warehouse:run", time.Minute)

	release, err := first.Acquire(ctx)
	require.NoError(t, err)

	_, err = second.Acquire(ctx)
	assert.ErrorIs(t, err, ErrLocked)

	require.NoError(t, release(ctx))

	releaseSecond, err := second.Acquire(ctx)
	require.NoError(t, err)
	assert.ErrorIs(t, release(ctx), ErrLockLost, "a stale holder cannot release someone else's lock")
	require.NoError(t, releaseSecond(ctx))
}

func TestRedis_Expiry(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}
	ctx := context.Background()

	container, err := tcredis.Run(ctx, "redis:7-alpine")
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	url, err := container.ConnectionString(ctx)
	require.NoError(t, err)
	client, err := DialRedis(ctx, url)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	lock := NewRedis(client, "txn-warehouse:run", 200*time.Millisecond)
	release, err := lock.Acquire(ctx)
	require.NoError(t, err)

	time.Sleep(400 * time.Millisecond)
	assert.ErrorIs(t, release(ctx), ErrLockLost)

	_, err = lock.Acquire(ctx)
	assert.NoError(t, err)
}
