package natskv_test

import (
	"context"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mpalmer/factrun/internal/embeddednats"
	"github.com/mpalmer/factrun/writetoken"
	"github.com/mpalmer/factrun/writetoken/natskv"
)

func newTestProvider(t *testing.T, holder string) *natskv.Provider {
	t.Helper()
	srv := embeddednats.StartForTest(t)
	nc, err := srv.Connect()
	require.NoError(t, err)
	t.Cleanup(nc.Close)

	js, err := nc.JetStream()
	require.NoError(t, err)

	p, err := natskv.EnsureBucket(js, []byte("test-secret"), holder)
	require.NoError(t, err)
	return p
}

func TestProvider_AcquireThenContendFails(t *testing.T) {
	p1 := newTestProvider(t, "holder-1")
	ctx := context.Background()

	lease, err := p1.Acquire(ctx, "projection.Balances", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "holder-1", lease.Holder)

	_, err = p1.Acquire(ctx, "projection.Balances", time.Minute)
	assert.ErrorIs(t, err, writetoken.ErrTokenHeld)
}

func TestProvider_AcquireAfterExpiry(t *testing.T) {
	// Share the same bucket across two providers with different holders,
	// the way two processes contending for the same lease would.
	srv := embeddednats.StartForTest(t)
	nc, err := srv.Connect()
	require.NoError(t, err)
	t.Cleanup(nc.Close)
	js, err := nc.JetStream()
	require.NoError(t, err)
	kv, err := js.CreateKeyValue(&nats.KeyValueConfig{Bucket: natskv.Bucket})
	require.NoError(t, err)

	p1 := natskv.New(kv, []byte("test-secret"), "holder-1")
	p2 := natskv.New(kv, []byte("test-secret"), "holder-2")
	ctx := context.Background()

	_, err = p1.Acquire(ctx, "projection.Balances", 10*time.Millisecond)
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)

	lease2, err := p2.Acquire(ctx, "projection.Balances", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "holder-2", lease2.Holder)
}

func TestProvider_RenewExtendsLease(t *testing.T) {
	p := newTestProvider(t, "holder-1")
	ctx := context.Background()

	lease, err := p.Acquire(ctx, "projection.Balances", time.Minute)
	require.NoError(t, err)

	renewed, err := p.Renew(ctx, lease, 2*time.Minute)
	require.NoError(t, err)
	assert.True(t, renewed.ExpiresAt.After(lease.ExpiresAt))
}

func TestProvider_ReleaseThenReacquire(t *testing.T) {
	p := newTestProvider(t, "holder-1")
	ctx := context.Background()

	lease, err := p.Acquire(ctx, "projection.Balances", time.Minute)
	require.NoError(t, err)
	require.NoError(t, p.Release(ctx, lease))

	_, err = p.Acquire(ctx, "projection.Balances", time.Minute)
	assert.NoError(t, err)
}

func TestProvider_RenewAfterStolenLeaseFails(t *testing.T) {
	srv := embeddednats.StartForTest(t)
	nc, err := srv.Connect()
	require.NoError(t, err)
	t.Cleanup(nc.Close)
	js, err := nc.JetStream()
	require.NoError(t, err)
	kv, err := js.CreateKeyValue(&nats.KeyValueConfig{Bucket: natskv.Bucket})
	require.NoError(t, err)

	p1 := natskv.New(kv, []byte("test-secret"), "holder-1")
	p2 := natskv.New(kv, []byte("test-secret"), "holder-2")
	ctx := context.Background()

	lease, err := p1.Acquire(ctx, "projection.Balances", 10*time.Millisecond)
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)
	_, err = p2.Acquire(ctx, "projection.Balances", time.Minute)
	require.NoError(t, err)

	_, err = p1.Renew(ctx, lease, time.Minute)
	assert.ErrorIs(t, err, writetoken.ErrLeaseExpired)
}
