// Package cache 封装 go-redis 客户端，供 Redis 持久化后端使用。
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/BaSui01/taskflow/config"
	"github.com/BaSui01/taskflow/internal/tlsutil"
)

var (
	// ErrCacheMiss 键不存在
	ErrCacheMiss = errors.New("cache miss")
	// ErrClosed 管理器已关闭
	ErrClosed = errors.New("cache manager is closed")
)

// NoExpiry 表示键永不过期，持久化数据使用
const NoExpiry time.Duration = -1

const dialTimeout = 5 * time.Second

// Config Redis 连接配置
type Config struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	MaxRetries   int
	TLS          bool

	// DefaultTTL 调用方传 0 时使用
	DefaultTTL time.Duration
	// ProbeInterval 探活间隔，0 关闭
	ProbeInterval time.Duration
	// OnPoolStats 每次探活成功后回调
	OnPoolStats func(*redis.PoolStats)
}

// ConfigFrom 从应用配置生成连接配置，其余字段取默认值
func ConfigFrom(rc config.RedisConfig) Config {
	return Config{
		Addr:          rc.Addr,
		Password:      rc.Password,
		DB:            rc.DB,
		PoolSize:      rc.PoolSize,
		MinIdleConns:  rc.MinIdleConns,
		MaxRetries:    3,
		TLS:           rc.TLS,
		DefaultTTL:    5 * time.Minute,
		ProbeInterval: 30 * time.Second,
	}
}

func (c Config) options() *redis.Options {
	opts := &redis.Options{
		Addr:         c.Addr,
		Password:     c.Password,
		DB:           c.DB,
		MaxRetries:   c.MaxRetries,
		PoolSize:     c.PoolSize,
		MinIdleConns: c.MinIdleConns,
	}
	if c.TLS {
		opts.TLSConfig = tlsutil.DefaultTLSConfig()
	}
	return opts
}

// Manager 持有 Redis 客户端。关闭后所有操作返回 ErrClosed。
type Manager struct {
	client *redis.Client
	cfg    Config
	logger *zap.Logger

	mu     sync.RWMutex
	closed bool

	down      atomic.Bool
	stop      context.CancelFunc
	probeDone chan struct{}
}

// NewManager 建立连接并验证可达
func NewManager(cfg Config, logger *zap.Logger) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	client := redis.NewClient(cfg.options())

	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis %s: %w", cfg.Addr, err)
	}

	probeCtx, stop := context.WithCancel(context.Background())
	m := &Manager{
		client:    client,
		cfg:       cfg,
		logger:    logger.With(zap.String("component", "cache")),
		stop:      stop,
		probeDone: make(chan struct{}),
	}
	if cfg.ProbeInterval > 0 {
		go m.probe(probeCtx)
	} else {
		close(m.probeDone)
	}

	m.logger.Info("redis connected",
		zap.String("addr", cfg.Addr),
		zap.Int("db", cfg.DB),
		zap.Bool("tls", cfg.TLS),
	)
	return m, nil
}

// call 在读锁内执行一条命令，并把 redis.Nil 统一为 ErrCacheMiss
func call[T any](m *Manager, op string, fn func(*redis.Client) (T, error)) (T, error) {
	var zero T
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return zero, ErrClosed
	}

	v, err := fn(m.client)
	switch {
	case errors.Is(err, redis.Nil):
		return zero, ErrCacheMiss
	case err != nil:
		return zero, fmt.Errorf("cache %s: %w", op, err)
	}
	return v, nil
}

// Get 读取字符串值，键不存在返回 ErrCacheMiss
func (m *Manager) Get(ctx context.Context, key string) (string, error) {
	return call(m, "get "+key, func(c *redis.Client) (string, error) {
		return c.Get(ctx, key).Result()
	})
}

// Set 写入字符串值。ttl 为 0 使用默认值，NoExpiry 不过期。
func (m *Manager) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	_, err := call(m, "set "+key, func(c *redis.Client) (string, error) {
		return c.Set(ctx, key, value, m.expiry(ttl)).Result()
	})
	return err
}

// SetNX 仅在键不存在时写入，返回是否写入
func (m *Manager) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return call(m, "setnx "+key, func(c *redis.Client) (bool, error) {
		return c.SetNX(ctx, key, value, m.expiry(ttl)).Result()
	})
}

func (m *Manager) GetJSON(ctx context.Context, key string, dest any) error {
	val, err := m.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(val), dest); err != nil {
		return fmt.Errorf("decode cache value %s: %w", key, err)
	}
	return nil
}

func (m *Manager) SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode cache value %s: %w", key, err)
	}
	return m.Set(ctx, key, string(data), ttl)
}

// MGet 批量读取，缺失的键对应空字符串
func (m *Manager) MGet(ctx context.Context, keys ...string) ([]string, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	vals, err := call(m, "mget", func(c *redis.Client) ([]any, error) {
		return c.MGet(ctx, keys...).Result()
	})
	if err != nil {
		return nil, err
	}
	out := make([]string, len(vals))
	for i, v := range vals {
		out[i], _ = v.(string)
	}
	return out, nil
}

// Delete 删除键，不存在的键忽略
func (m *Manager) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	_, err := call(m, "del", func(c *redis.Client) (int64, error) {
		return c.Del(ctx, keys...).Result()
	})
	return err
}

// Exists 返回存在的键个数
func (m *Manager) Exists(ctx context.Context, keys ...string) (int64, error) {
	return call(m, "exists", func(c *redis.Client) (int64, error) {
		return c.Exists(ctx, keys...).Result()
	})
}

// Incr 自增计数器，返回新值
func (m *Manager) Incr(ctx context.Context, key string) (int64, error) {
	return call(m, "incr "+key, func(c *redis.Client) (int64, error) {
		return c.Incr(ctx, key).Result()
	})
}

func (m *Manager) HSet(ctx context.Context, key, field, value string) error {
	_, err := call(m, "hset "+key, func(c *redis.Client) (int64, error) {
		return c.HSet(ctx, key, field, value).Result()
	})
	return err
}

func (m *Manager) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return call(m, "hgetall "+key, func(c *redis.Client) (map[string]string, error) {
		return c.HGetAll(ctx, key).Result()
	})
}

// ZAdd 向有序集合添加成员，已存在的成员只更新分数
func (m *Manager) ZAdd(ctx context.Context, key string, score float64, member string) error {
	_, err := call(m, "zadd "+key, func(c *redis.Client) (int64, error) {
		return c.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Result()
	})
	return err
}

func (m *Manager) ZRem(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	args := make([]any, len(members))
	for i, mem := range members {
		args[i] = mem
	}
	_, err := call(m, "zrem "+key, func(c *redis.Client) (int64, error) {
		return c.ZRem(ctx, key, args...).Result()
	})
	return err
}

// ZRange 按分数升序返回 [start, stop] 区间的成员，reverse 为降序
func (m *Manager) ZRange(ctx context.Context, key string, start, stop int64, reverse bool) ([]string, error) {
	return call(m, "zrange "+key, func(c *redis.Client) ([]string, error) {
		if reverse {
			return c.ZRevRange(ctx, key, start, stop).Result()
		}
		return c.ZRange(ctx, key, start, stop).Result()
	})
}

func (m *Manager) Ping(ctx context.Context) error {
	_, err := call(m, "ping", func(c *redis.Client) (string, error) {
		return c.Ping(ctx).Result()
	})
	return err
}

// Close 停止探活并关闭客户端，可重复调用
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	m.stop()
	<-m.probeDone
	return m.client.Close()
}

// probe 定期探活，只在可达性变化时记录日志
func (m *Manager) probe(ctx context.Context) {
	defer close(m.probeDone)
	ticker := time.NewTicker(m.cfg.ProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		pctx, cancel := context.WithTimeout(ctx, dialTimeout)
		err := m.Ping(pctx)
		cancel()
		if errors.Is(err, ErrClosed) || ctx.Err() != nil {
			return
		}
		if err != nil {
			if !m.down.Swap(true) {
				m.logger.Error("redis unreachable", zap.Error(err))
			}
			continue
		}
		if m.down.Swap(false) {
			m.logger.Info("redis reachable again")
		}
		if m.cfg.OnPoolStats != nil {
			m.cfg.OnPoolStats(m.client.PoolStats())
		}
	}
}

// expiry 把调用方 TTL 转为 go-redis 参数：0 取默认值，负数不过期
func (m *Manager) expiry(ttl time.Duration) time.Duration {
	switch {
	case ttl == 0:
		return m.cfg.DefaultTTL
	case ttl < 0:
		return 0
	}
	return ttl
}

// IsCacheMiss 判断是否为键不存在
func IsCacheMiss(err error) bool {
	return errors.Is(err, ErrCacheMiss)
}
