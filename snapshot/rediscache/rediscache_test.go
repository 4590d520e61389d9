package rediscache_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mpalmer/factrun/snapshot"
	"github.com/mpalmer/factrun/snapshot/rediscache"
)

// connectTestCache skips the test unless FACTRUN_TEST_REDIS_ADDR points at a
// reachable Redis instance; these tests exercise the real wire protocol
// rather than a fake, matching the rest of the pack's integration style for
// out-of-process dependencies (see the embedded-NATS tests in transport/nats).
func connectTestCache(t *testing.T) *rediscache.Cache {
	t.Helper()
	addr := os.Getenv("FACTRUN_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("FACTRUN_TEST_REDIS_ADDR not set, skipping redis integration test")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c, err := rediscache.Connect(ctx, addr, rediscache.Options{Prefix: "factrun-test:" + uuid.NewString() + ":"})
	if err != nil {
		t.Skipf("redis unreachable at %s: %v", addr, err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestCache_GetMissing(t *testing.T) {
	c := connectTestCache(t)
	_, err := c.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, snapshot.ErrNotFound)
}

func TestCache_SetGetDelete(t *testing.T) {
	c := connectTestCache(t)
	ctx := context.Background()

	snap := &snapshot.Snapshot{
		Key:        "widget:1",
		LastFact:   uuid.New(),
		Bytes:      []byte("payload"),
		Compressed: true,
	}
	require.NoError(t, c.Set(ctx, snap))

	got, err := c.Get(ctx, snap.Key)
	require.NoError(t, err)
	assert.Equal(t, snap.LastFact, got.LastFact)
	assert.Equal(t, snap.Bytes, got.Bytes)
	assert.True(t, got.Compressed)

	require.NoError(t, c.Delete(ctx, snap.Key))
	_, err = c.Get(ctx, snap.Key)
	assert.ErrorIs(t, err, snapshot.ErrNotFound)
}
