package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/BaSui01/taskflow/config"
)

// ErrPoolClosed 连接池已关闭
var ErrPoolClosed = errors.New("database pool is closed")

const defaultProbeTimeout = 5 * time.Second

// PoolConfig 连接池参数，零值字段保持 database/sql 的默认
type PoolConfig struct {
	MaxIdleConns    int
	MaxOpenConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration

	// ProbeInterval 后台探活间隔，0 关闭探活
	ProbeInterval time.Duration
	ProbeTimeout  time.Duration

	// OnStats 每次探活成功后回调
	OnStats func(sql.DBStats)
}

// PoolConfigFrom 从应用配置取连接池参数
func PoolConfigFrom(c config.DatabaseConfig) PoolConfig {
	return PoolConfig{
		MaxIdleConns:    c.MaxIdleConns,
		MaxOpenConns:    c.MaxOpenConns,
		ConnMaxLifetime: c.ConnMaxLifetime,
		ConnMaxIdleTime: 10 * time.Minute,
		ProbeInterval:   30 * time.Second,
	}
}

// Pool 持有 gorm 连接并在后台探活。探活只在状态翻转时记日志，
// 连续失败次数可由 Failures 读取。
type Pool struct {
	db     *gorm.DB
	sqlDB  *sql.DB
	cfg    PoolConfig
	logger *zap.Logger

	mu       sync.RWMutex
	closed   bool
	failures atomic.Int32

	stop      context.CancelFunc
	probeDone chan struct{}
}

// NewPool 应用连接池参数，ProbeInterval > 0 时启动探活
func NewPool(db *gorm.DB, cfg PoolConfig, logger *zap.Logger) (*Pool, error) {
	if db == nil {
		return nil, errors.New("db cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("unwrap sql.DB: %w", err)
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = defaultProbeTimeout
	}
	applyLimits(sqlDB, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		db:        db,
		sqlDB:     sqlDB,
		cfg:       cfg,
		logger:    logger.With(zap.String("component", "db_pool")),
		stop:      cancel,
		probeDone: make(chan struct{}),
	}
	if cfg.ProbeInterval > 0 {
		go p.probe(ctx)
	} else {
		close(p.probeDone)
	}

	p.logger.Info("database pool ready",
		zap.Int("max_open_conns", sqlDB.Stats().MaxOpenConnections),
		zap.Duration("probe_interval", cfg.ProbeInterval),
	)
	return p, nil
}

func applyLimits(db *sql.DB, cfg PoolConfig) {
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	if cfg.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	}
}

// DB 返回 gorm 实例
func (p *Pool) DB() *gorm.DB { return p.db }

// Ping 检查数据库连通性
func (p *Pool) Ping(ctx context.Context) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}
	return p.sqlDB.PingContext(ctx)
}

// Stats 返回 database/sql 的连接池统计
func (p *Pool) Stats() sql.DBStats { return p.sqlDB.Stats() }

// Failures 返回连续探活失败次数
func (p *Pool) Failures() int { return int(p.failures.Load()) }

// Close 停止探活并关闭连接，可重复调用
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	p.stop()
	<-p.probeDone
	return p.sqlDB.Close()
}

func (p *Pool) probe(ctx context.Context) {
	defer close(p.probeDone)
	ticker := time.NewTicker(p.cfg.ProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.probeOnce(ctx)
		}
	}
}

func (p *Pool) probeOnce(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.ProbeTimeout)
	defer cancel()

	if err := p.Ping(ctx); err != nil {
		if errors.Is(err, ErrPoolClosed) || errors.Is(err, context.Canceled) {
			return
		}
		if p.failures.Add(1) == 1 {
			p.logger.Error("database unreachable", zap.Error(err))
		}
		return
	}
	if n := p.failures.Swap(0); n > 0 {
		p.logger.Info("database reachable again", zap.Int32("failed_probes", n))
	}
	if p.cfg.OnStats != nil {
		p.cfg.OnStats(p.Stats())
	}
}
