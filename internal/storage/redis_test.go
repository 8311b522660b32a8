package storage

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return mr, rdb
}

func waitEvent(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for change notification")
		return Event{}
	}
}

func TestRedisSlotGetSet(t *testing.T) {
	ctx := context.Background()
	mr, rdb := newRedis(t)
	a := NewRedisSlot(rdb, WithRedisPrefix("test:"))

	_, ok, err := a.GetItem(ctx, "doc-sync")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, a.SetItem(ctx, "doc-sync", "[1,2]"))
	v, ok, err := a.GetItem(ctx, "doc-sync")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "[1,2]", v)

	stored, err := mr.Get("test:doc-sync")
	require.NoError(t, err)
	require.Equal(t, "[1,2]", stored)
}

func TestRedisSlotNotifiesOtherOrigins(t *testing.T) {
	ctx := context.Background()
	_, rdb := newRedis(t)
	a := NewRedisSlot(rdb)
	b := NewRedisSlot(rdb)
	require.NotEqual(t, a.Origin(), b.Origin())

	aEvents := make(chan Event, 4)
	bEvents := make(chan Event, 4)
	subA, err := a.Watch(ctx, func(ev Event) { aEvents <- ev })
	require.NoError(t, err)
	defer subA.Close()
	subB, err := b.Watch(ctx, func(ev Event) { bEvents <- ev })
	require.NoError(t, err)
	defer subB.Close()

	require.NoError(t, a.SetItem(ctx, "doc-sync", "[1]"))
	require.Equal(t, Event{Key: "doc-sync", NewValue: "[1]"}, waitEvent(t, bEvents))

	require.NoError(t, b.SetItem(ctx, "doc-sync", "[2]"))
	require.Equal(t, Event{Key: "doc-sync", OldValue: "[1]", NewValue: "[2]"}, waitEvent(t, aEvents))

	require.NoError(t, a.RemoveItem(ctx, "doc-sync"))
	require.Equal(t, Event{Key: "doc-sync", OldValue: "[2]"}, waitEvent(t, bEvents))

	// A never heard its own writes.
	select {
	case ev := <-aEvents:
		t.Fatalf("unexpected self notification: %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRedisSubscriptionClose(t *testing.T) {
	ctx := context.Background()
	_, rdb := newRedis(t)
	a := NewRedisSlot(rdb)
	b := NewRedisSlot(rdb)

	sub, err := b.Watch(ctx, func(Event) {})
	require.NoError(t, err)
	require.NoError(t, sub.Close())
	require.NoError(t, sub.Close())
	require.NoError(t, a.SetItem(ctx, "k", "v"))
}

func TestRedisSlotUnavailable(t *testing.T) {
	ctx := context.Background()
	mr, rdb := newRedis(t)
	a := NewRedisSlot(rdb)
	mr.Close()

	require.ErrorIs(t, a.SetItem(ctx, "k", "v"), ErrUnavailable)
	_, _, err := a.GetItem(ctx, "k")
	require.ErrorIs(t, err, ErrUnavailable)
}
