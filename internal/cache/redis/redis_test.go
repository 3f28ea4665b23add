package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/nftbazaar/internal/domain"
)

func newTestClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	c, err := New(context.Background(), ClientConfig{Addr: mr.Addr(), KeyPrefix: "test:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c, mr
}

func TestLockManager(t *testing.T) {
	ctx := context.Background()
	c, mr := newTestClient(t)
	lm := NewLockManager(c)

	unlock, err := lm.Acquire(ctx, "bazaar:ledger", time.Second)
	require.NoError(t, err)
	assert.True(t, mr.Exists("test:lock:bazaar:ledger"))

	_, err = lm.Acquire(ctx, "bazaar:ledger", time.Second)
	require.ErrorIs(t, err, domain.ErrLockHeld)

	unlock()
	unlock()
	assert.False(t, mr.Exists("test:lock:bazaar:ledger"))

	again, err := lm.Acquire(ctx, "bazaar:ledger", time.Second)
	require.NoError(t, err)
	again()
}

func TestLockReleaseKeepsForeignToken(t *testing.T) {
	ctx := context.Background()
	c, mr := newTestClient(t)
	lm := NewLockManager(c)

	unlock, err := lm.Acquire(ctx, "k", time.Second)
	require.NoError(t, err)

	// The lock expired and someone else took it.
	mr.FastForward(2 * time.Second)
	require.NoError(t, mr.Set("test:lock:k", "other"))

	unlock()
	got, err := mr.Get("test:lock:k")
	require.NoError(t, err)
	assert.Equal(t, "other", got)
}

func TestRateLimiter(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestClient(t)
	rl := NewRateLimiter(c)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return base }

	for i := 0; i < 3; i++ {
		ok, err := rl.Allow(ctx, "ip:1", 3, time.Second)
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, err := rl.Allow(ctx, "ip:1", 3, time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = rl.Allow(ctx, "ip:2", 3, time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	rl.now = func() time.Time { return base.Add(1500 * time.Millisecond) }
	ok, err = rl.Allow(ctx, "ip:1", 3, time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestReplayGuard(t *testing.T) {
	ctx := context.Background()
	c, mr := newTestClient(t)
	g := NewReplayGuard(c)

	fresh, err := g.Remember(ctx, "sig", time.Minute)
	require.NoError(t, err)
	assert.True(t, fresh)

	fresh, err = g.Remember(ctx, "sig", time.Minute)
	require.NoError(t, err)
	assert.False(t, fresh)

	mr.FastForward(2 * time.Minute)
	fresh, err = g.Remember(ctx, "sig", time.Minute)
	require.NoError(t, err)
	assert.True(t, fresh)
}

func TestSignalBus(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c, _ := newTestClient(t)
	bus := NewSignalBus(c)

	sub, err := bus.Subscribe(ctx, "bazaar:events")
	require.NoError(t, err)
	require.NoError(t, bus.Publish(ctx, "bazaar:events", []byte(`{"seq":1}`)))

	select {
	case msg := <-sub:
		assert.JSONEq(t, `{"seq":1}`, string(msg))
	case <-time.After(2 * time.Second):
		t.Fatal("no message received")
	}

	require.NoError(t, bus.StreamAppend(ctx, "bazaar:events:stream", []byte("a")))
	require.NoError(t, bus.StreamAppend(ctx, "bazaar:events:stream", []byte("b")))

	msgs, err := bus.StreamRead(ctx, "bazaar:events:stream", "0", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "b", string(msgs[1].Payload))

	rest, err := bus.StreamRead(ctx, "bazaar:events:stream", msgs[1].ID, 10)
	require.NoError(t, err)
	assert.Empty(t, rest)
}
