package throttle

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run failed: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestRedisLimiter_IdentifierLimit(t *testing.T) {
	mr, rdb := newTestRedis(t)
	l := NewRedisLimiter(rdb, Config{IdentifierMax: 3, Window: time.Minute})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		d, err := l.Check(ctx, "Alice@Example.com", "")
		require.NoError(t, err)
		require.False(t, d.Limited, "attempt %d limited too early", i+1)
		require.NoError(t, l.Fail(ctx, "Alice@Example.com", ""))
	}

	d, err := l.Check(ctx, "alice@example.com", "")
	require.NoError(t, err)
	assert.True(t, d.Limited)
	assert.Greater(t, d.RetryAfter, time.Duration(0))
	assert.LessOrEqual(t, d.RetryAfter, time.Minute)

	mr.FastForward(time.Minute + time.Second)

	d, err = l.Check(ctx, "alice@example.com", "")
	require.NoError(t, err)
	assert.False(t, d.Limited, "window should have expired")
}

func TestRedisLimiter_IPLimitAcrossIdentifiers(t *testing.T) {
	_, rdb := newTestRedis(t)
	l := NewRedisLimiter(rdb, Config{IdentifierMax: 100, IPMax: 2, Window: time.Minute})
	ctx := context.Background()

	require.NoError(t, l.Fail(ctx, "a@example.com", "203.0.113.7"))
	require.NoError(t, l.Fail(ctx, "b@example.com", "203.0.113.7"))

	d, err := l.Check(ctx, "c@example.com", "203.0.113.7")
	require.NoError(t, err)
	assert.True(t, d.Limited)

	d, err = l.Check(ctx, "c@example.com", "198.51.100.1")
	require.NoError(t, err)
	assert.False(t, d.Limited)
}

func TestRedisLimiter_ResetClearsIdentifierOnly(t *testing.T) {
	mr, rdb := newTestRedis(t)
	l := NewRedisLimiter(rdb, Config{IdentifierMax: 1, IPMax: 1, Window: time.Minute})
	ctx := context.Background()

	require.NoError(t, l.Fail(ctx, "bob", "192.0.2.1"))
	require.NoError(t, l.Reset(ctx, "bob"))

	assert.False(t, mr.Exists(identifierKey("bob")))
	assert.True(t, mr.Exists(ipKey("192.0.2.1")))
}

func TestRedisLimiter_FailAlwaysLeavesTTL(t *testing.T) {
	mr, rdb := newTestRedis(t)
	l := NewRedisLimiter(rdb, Config{IdentifierMax: 1, Window: time.Minute})
	ctx := context.Background()

	require.NoError(t, l.Fail(ctx, "carol", ""))
	assert.Equal(t, time.Minute, mr.TTL(identifierKey("carol")))

	mr.FastForward(30 * time.Second)
	require.NoError(t, l.Fail(ctx, "carol", ""))
	assert.Equal(t, 30*time.Second, mr.TTL(identifierKey("carol")), "a running window must not be extended")

	// A counter stranded without a TTL is re-armed by the next failure
	// instead of locking the identifier out forever.
	require.NoError(t, mr.Set(identifierKey("dave"), "7"))
	require.Equal(t, time.Duration(0), mr.TTL(identifierKey("dave")))
	require.NoError(t, l.Fail(ctx, "dave", ""))
	assert.Equal(t, time.Minute, mr.TTL(identifierKey("dave")))

	mr.FastForward(time.Minute + time.Second)
	d, err := l.Check(ctx, "dave", "")
	require.NoError(t, err)
	assert.False(t, d.Limited)
}

func TestRedisLimiter_Unavailable(t *testing.T) {
	mr, rdb := newTestRedis(t)
	l := NewRedisLimiter(rdb, Config{IdentifierMax: 1, Window: time.Minute})
	mr.Close()

	_, err := l.Check(context.Background(), "bob", "")
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.ErrorIs(t, l.Fail(context.Background(), "bob", ""), ErrUnavailable)
}

func TestNoop(t *testing.T) {
	var l Limiter = Noop{}
	d, err := l.Check(context.Background(), "x", "y")
	require.NoError(t, err)
	assert.False(t, d.Limited)
	assert.NoError(t, l.Fail(context.Background(), "x", "y"))
	assert.NoError(t, l.Reset(context.Background(), "x"))
}
