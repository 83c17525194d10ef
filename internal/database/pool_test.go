package database

import (
	"context"
	"database/sql"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"go.uber.org/zap/zapcore"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/BaSui01/taskflow/config"
)

func mockGorm(t *testing.T) (sqlmock.Sqlmock, *gorm.DB) {
	t.Helper()
	conn, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	mock.MatchExpectationsInOrder(false)

	db, err := gorm.Open(postgres.New(postgres.Config{Conn: conn}), &gorm.Config{DisableAutomaticPing: true})
	require.NoError(t, err)
	return mock, db
}

func TestNewPool(t *testing.T) {
	_, err := NewPool(nil, PoolConfig{}, nil)
	assert.Error(t, err)

	mock, db := mockGorm(t)
	p, err := NewPool(db, PoolConfig{MaxOpenConns: 7, MaxIdleConns: 3}, nil)
	require.NoError(t, err)
	assert.Same(t, db, p.DB())
	assert.Equal(t, 7, p.Stats().MaxOpenConnections)
	assert.Equal(t, defaultProbeTimeout, p.cfg.ProbeTimeout)

	mock.ExpectClose()
	require.NoError(t, p.Close())
}

func TestPoolConfigFrom(t *testing.T) {
	pc := PoolConfigFrom(config.DatabaseConfig{MaxOpenConns: 25, MaxIdleConns: 5, ConnMaxLifetime: time.Minute})
	assert.Equal(t, 25, pc.MaxOpenConns)
	assert.Equal(t, 5, pc.MaxIdleConns)
	assert.Equal(t, time.Minute, pc.ConnMaxLifetime)
	assert.Positive(t, pc.ProbeInterval)
}

func TestPool_Ping(t *testing.T) {
	mock, db := mockGorm(t)
	p, err := NewPool(db, PoolConfig{}, zap.NewNop())
	require.NoError(t, err)

	mock.ExpectPing()
	assert.NoError(t, p.Ping(context.Background()))

	mock.ExpectPing().WillReturnError(sql.ErrConnDone)
	assert.ErrorIs(t, p.Ping(context.Background()), sql.ErrConnDone)

	mock.ExpectClose()
	require.NoError(t, p.Close())
	require.NoError(t, p.Close())
	assert.ErrorIs(t, p.Ping(context.Background()), ErrPoolClosed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPool_ProbeLogsOnlyTransitions(t *testing.T) {
	mock, db := mockGorm(t)
	down := errors.New("connection refused")
	for range 3 {
		mock.ExpectPing().WillReturnError(down)
	}
	for range 200 {
		mock.ExpectPing()
	}

	core, logs := observer.New(zapcore.InfoLevel)
	var reports atomic.Int32
	p, err := NewPool(db, PoolConfig{
		ProbeInterval: 2 * time.Millisecond,
		OnStats:       func(sql.DBStats) { reports.Add(1) },
	}, zap.New(core))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return logs.FilterMessage("database reachable again").Len() == 1
	}, 2*time.Second, 2*time.Millisecond)
	require.Eventually(t, func() bool { return reports.Load() >= 1 }, time.Second, 2*time.Millisecond)

	mock.ExpectClose()
	require.NoError(t, p.Close())

	unreachable := logs.FilterMessage("database unreachable").All()
	require.Len(t, unreachable, 1, "repeated failures log once")
	assert.Equal(t, zapcore.ErrorLevel, unreachable[0].Level)

	recovered := logs.FilterMessage("database reachable again").All()[0]
	assert.EqualValues(t, 3, recovered.ContextMap()["failed_probes"])
	assert.Zero(t, p.Failures())

	// 关闭后探活已退出
	after := reports.Load()
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, after, reports.Load())
}

func TestPool_FailuresCount(t *testing.T) {
	mock, db := mockGorm(t)
	for range 200 {
		mock.ExpectPing().WillReturnError(sql.ErrConnDone)
	}
	p, err := NewPool(db, PoolConfig{ProbeInterval: 2 * time.Millisecond}, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return p.Failures() >= 3 }, 2*time.Second, 2*time.Millisecond)

	mock.ExpectClose()
	require.NoError(t, p.Close())
}
