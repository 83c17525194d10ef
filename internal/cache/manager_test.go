package cache

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/BaSui01/taskflow/config"
)

func newTestManager(t *testing.T, mutate ...func(*Config)) (*miniredis.Miniredis, *Manager) {
	t.Helper()
	mr := miniredis.RunT(t)
	cfg := Config{Addr: mr.Addr(), DefaultTTL: time.Minute}
	for _, fn := range mutate {
		fn(&cfg)
	}
	m, err := NewManager(cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return mr, m
}

func TestManager_GetSet(t *testing.T) {
	mr, m := newTestManager(t)
	ctx := context.Background()

	_, err := m.Get(ctx, "missing")
	assert.True(t, IsCacheMiss(err))

	require.NoError(t, m.Set(ctx, "k", "v", 0))
	v, err := m.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", v)
	assert.Equal(t, time.Minute, mr.TTL("k"), "zero ttl uses the default")

	require.NoError(t, m.Set(ctx, "forever", "v", NoExpiry))
	assert.Zero(t, mr.TTL("forever"))

	require.NoError(t, m.Set(ctx, "short", "v", 100*time.Millisecond))
	mr.FastForward(200 * time.Millisecond)
	_, err = m.Get(ctx, "short")
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestManager_JSON(t *testing.T) {
	mr, m := newTestManager(t)
	ctx := context.Background()

	type doc struct {
		ID    string `json:"id"`
		Level int    `json:"level"`
	}
	require.NoError(t, m.SetJSON(ctx, "doc", doc{ID: "a", Level: 2}, NoExpiry))
	var got doc
	require.NoError(t, m.GetJSON(ctx, "doc", &got))
	assert.Equal(t, doc{ID: "a", Level: 2}, got)

	require.NoError(t, mr.Set("broken", "{not json"))
	assert.ErrorContains(t, m.GetJSON(ctx, "broken", &got), "decode cache value")
	assert.Error(t, m.SetJSON(ctx, "chan", make(chan int), 0))
}

func TestManager_DeleteExists(t *testing.T) {
	_, m := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "a", "1", 0))
	require.NoError(t, m.Set(ctx, "b", "2", 0))
	n, err := m.Exists(ctx, "a", "b", "c")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	require.NoError(t, m.Delete(ctx))
	require.NoError(t, m.Delete(ctx, "a", "c"))
	n, err = m.Exists(ctx, "a", "b")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestManager_Structures(t *testing.T) {
	_, m := newTestManager(t)
	ctx := context.Background()

	ok, err := m.SetNX(ctx, "once", "1", NoExpiry)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = m.SetNX(ctx, "once", "2", NoExpiry)
	require.NoError(t, err)
	assert.False(t, ok)

	n, err := m.Incr(ctx, "seq")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	vals, err := m.MGet(ctx, "once", "nope")
	require.NoError(t, err)
	assert.Equal(t, []string{"1", ""}, vals)

	require.NoError(t, m.HSet(ctx, "h", "f", "v"))
	h, err := m.HGetAll(ctx, "h")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"f": "v"}, h)

	require.NoError(t, m.ZAdd(ctx, "z", 2, "b"))
	require.NoError(t, m.ZAdd(ctx, "z", 1, "a"))
	require.NoError(t, m.ZAdd(ctx, "z", 3, "c"))
	asc, err := m.ZRange(ctx, "z", 0, -1, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, asc)

	require.NoError(t, m.ZRem(ctx, "z", "b"))
	desc, err := m.ZRange(ctx, "z", 0, -1, true)
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "a"}, desc)
}

func TestManager_Closed(t *testing.T) {
	_, m := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.Close())
	require.NoError(t, m.Close())

	assert.ErrorIs(t, m.Ping(ctx), ErrClosed)
	assert.ErrorIs(t, m.Set(ctx, "k", "v", 0), ErrClosed)
	_, err := m.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrClosed)
	_, err = m.SetNX(ctx, "k", "v", 0)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestManager_HealthLoopReportsPoolStats(t *testing.T) {
	var reports atomic.Int32
	_, _ = newTestManager(t, func(c *Config) {
		c.ProbeInterval = 5 * time.Millisecond
		c.OnPoolStats = func(s *redis.PoolStats) { reports.Add(1) }
	})
	require.Eventually(t, func() bool { return reports.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)
}

func TestManager_ProbeLogsTransitions(t *testing.T) {
	mr := miniredis.RunT(t)
	core, logs := observer.New(zapcore.InfoLevel)
	m, err := NewManager(Config{Addr: mr.Addr(), ProbeInterval: 5 * time.Millisecond}, zap.New(core))
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })

	mr.SetError("ERR injected failure")
	require.Eventually(t, func() bool {
		return logs.FilterMessage("redis unreachable").Len() > 0
	}, 2*time.Second, 5*time.Millisecond)

	mr.SetError("")
	require.Eventually(t, func() bool {
		return logs.FilterMessage("redis reachable again").Len() > 0
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, logs.FilterMessage("redis unreachable").Len(), "repeated failures log once")
}

func TestConfigFrom(t *testing.T) {
	cfg := ConfigFrom(config.RedisConfig{Addr: "cache:6380", Password: "pw", DB: 2, PoolSize: 20, MinIdleConns: 4, TLS: true})
	assert.Equal(t, "cache:6380", cfg.Addr)
	assert.Equal(t, 20, cfg.PoolSize)
	assert.True(t, cfg.TLS)
	assert.Equal(t, 5*time.Minute, cfg.DefaultTTL)
	assert.Positive(t, cfg.ProbeInterval)

	opts := cfg.options()
	assert.Equal(t, 2, opts.DB)
	require.NotNil(t, opts.TLSConfig)
}

func TestNewManager_Unreachable(t *testing.T) {
	m, err := NewManager(Config{Addr: "127.0.0.1:1"}, nil)
	assert.Nil(t, m)
	assert.Error(t, err)
}

func TestManager_Concurrent(t *testing.T) {
	_, m := newTestManager(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := fmt.Sprintf("k%d", i)
			assert.NoError(t, m.Set(ctx, key, key, 0))
			v, err := m.Get(ctx, key)
			assert.NoError(t, err)
			assert.Equal(t, key, v)
		}(i)
	}
	wg.Wait()
}
