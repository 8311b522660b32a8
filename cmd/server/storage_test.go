package main

import (
	"context"
	"testing"
	"time"

	"docsync/internal/config"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
)

func TestMemoryFactorySharesOneOrigin(t *testing.T) {
	ctx := context.Background()
	factory, closeBackend, err := newStorageFactory(ctx, &config.Config{
		StorageBackend:    config.BackendMemory,
		StorageQuotaBytes: 1 << 20,
	})
	require.NoError(t, err)
	defer closeBackend()

	a, err := factory(ctx)
	require.NoError(t, err)
	b, err := factory(ctx)
	require.NoError(t, err)

	require.NoError(t, a.SetItem(ctx, "k", "v"))
	v, ok, err := b.GetItem(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "v", v)
}

func TestRedisFactory(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)

	factory, closeBackend, err := newStorageFactory(ctx, &config.Config{
		StorageBackend: config.BackendRedis,
		RedisAddr:      mr.Addr(),
		RedisPrefix:    "t:",
	})
	require.NoError(t, err)
	defer closeBackend()

	a, err := factory(ctx)
	require.NoError(t, err)
	require.NoError(t, a.SetItem(ctx, "k", "v"))
	got, err := mr.Get("t:k")
	require.NoError(t, err)
	require.Equal(t, "v", got)
}

func TestRedisFactoryUnreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	_, _, err := newStorageFactory(ctx, &config.Config{StorageBackend: config.BackendRedis, RedisAddr: addr})
	require.Error(t, err)
}

func TestUnknownBackend(t *testing.T) {
	_, _, err := newStorageFactory(context.Background(), &config.Config{StorageBackend: "floppy"})
	require.Error(t, err)
}
