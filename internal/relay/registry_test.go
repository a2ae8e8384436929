package relay

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T) (*PresenceRegistry, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewPresenceRegistry(rdb, nil, "instance-a"), mr
}

func TestPresenceRegistryDisabledWithoutRedis(t *testing.T) {
	var reg *PresenceRegistry
	require.False(t, reg.Enabled())
	reg.AnnounceProducer(context.Background(), "cam-1") // must not panic
	_, ok := reg.OwnerInstance(context.Background(), "cam-1")
	require.False(t, ok)
}

func TestPresenceRegistryAnnounceAndOwner(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	reg.AnnounceProducer(ctx, "cam-1")
	owner, ok := reg.OwnerInstance(ctx, "cam-1")
	require.True(t, ok)
	require.Equal(t, "instance-a", owner)
}

func TestPresenceRegistryForget(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	reg.AnnounceProducer(ctx, "cam-2")
	reg.ForgetProducer(ctx, "cam-2")

	_, ok := reg.OwnerInstance(ctx, "cam-2")
	require.False(t, ok)
}

func TestPresenceRegistryRemoteSubscribers(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	require.False(t, reg.HasRemoteSubscribers(ctx, "cam-3"))
	reg.RegisterRemoteSubscriber(ctx, "cam-3")
	require.True(t, reg.HasRemoteSubscribers(ctx, "cam-3"))
}
