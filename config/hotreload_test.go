package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestHotReloadManager_InitialState(t *testing.T) {
	m := NewHotReloadManager(DefaultConfig())

	assert.Equal(t, 1, m.GetCurrentVersion())
	history := m.GetConfigHistory()
	require.Len(t, history, 1)
	assert.Equal(t, "init", history[0].Source)
	assert.NotEmpty(t, history[0].Checksum)

	// GetConfig 返回副本
	cfg := m.GetConfig()
	cfg.Log.Level = "error"
	assert.Equal(t, "info", m.GetConfig().Log.Level)
}

func TestHotReloadManager_UpdateField(t *testing.T) {
	tests := []struct {
		name    string
		path    string
		value   any
		wantErr string
		check   func(t *testing.T, cfg *Config)
	}{
		{name: "log level", path: "Log.Level", value: "debug",
			check: func(t *testing.T, cfg *Config) { assert.Equal(t, "debug", cfg.Log.Level) }},
		{name: "log level not allowed", path: "Log.Level", value: "verbose", wantErr: "must be one of"},
		{name: "float rps", path: "Server.RateLimitRPS", value: 2.5,
			check: func(t *testing.T, cfg *Config) { assert.InDelta(t, 2.5, cfg.Server.RateLimitRPS, 1e-9) }},
		{name: "json number into int", path: "Server.RateLimitBurst", value: float64(7),
			check: func(t *testing.T, cfg *Config) { assert.Equal(t, 7, cfg.Server.RateLimitBurst) }},
		{name: "fractional int", path: "Server.RateLimitBurst", value: 1.5, wantErr: "expected integer"},
		{name: "negative burst", path: "Server.RateLimitBurst", value: -1, wantErr: "must not be negative"},
		{name: "duration string", path: "Dispatcher.DefaultTimeout", value: "45s",
			check: func(t *testing.T, cfg *Config) { assert.Equal(t, 45*time.Second, cfg.Dispatcher.DefaultTimeout) }},
		{name: "bad duration", path: "Dispatcher.DefaultTimeout", value: "soon", wantErr: "invalid duration"},
		{name: "port out of range", path: "Server.HTTPPort", value: 70000, wantErr: "port number"},
		{name: "zero concurrency", path: "Scheduler.DefaultConcurrency", value: 0, wantErr: "must be positive"},
		{name: "wrong type", path: "Store.Type", value: 3, wantErr: "expected string"},
		{name: "whole config invalid", path: "Store.Type", value: "mongo", wantErr: "mongo.uri is required"},
		{name: "unregistered", path: "Auth.Enabled", value: true, wantErr: "unknown configuration field"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewHotReloadManager(DefaultConfig())
			err := m.UpdateField(tt.path, tt.value)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				assert.Equal(t, 1, m.GetCurrentVersion(), "rejected update must not create a version")
				return
			}
			require.NoError(t, err)
			assert.Equal(t, 2, m.GetCurrentVersion())
			tt.check(t, m.GetConfig())
		})
	}
}

func TestHotReloadManager_UpdateFieldsIsAtomic(t *testing.T) {
	m := NewHotReloadManager(DefaultConfig())

	_, err := m.UpdateFields(map[string]any{
		"Log.Level":             "debug",
		"Server.RateLimitBurst": -3,
		"Nope.Field":            1,
	}, "api")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownField)
	assert.Contains(t, err.Error(), "Server.RateLimitBurst")
	assert.Equal(t, "info", m.GetConfig().Log.Level, "no field of a rejected batch is applied")
	assert.Equal(t, 1, m.GetCurrentVersion())

	restart, err := m.UpdateFields(map[string]any{
		"Log.Level":                    "debug",
		"Scheduler.DefaultConcurrency": 12,
	}, "api")
	require.NoError(t, err)
	assert.True(t, restart)
	assert.Equal(t, 2, m.GetCurrentVersion(), "one batch is one version")
	assert.Len(t, m.GetChangeLog(0), 2)
}

func TestHotReloadManager_UpdateFieldSameValue(t *testing.T) {
	m := NewHotReloadManager(DefaultConfig())
	require.NoError(t, m.UpdateField("Log.Level", "info"))
	assert.Equal(t, 1, m.GetCurrentVersion())
	assert.Empty(t, m.GetChangeLog(0))
}

func TestHotReloadManager_CallbacksRunOutsideLock(t *testing.T) {
	m := NewHotReloadManager(DefaultConfig())

	var seen []string
	m.OnChange(func(c ConfigChange) {
		// 回调内读取配置不能死锁，并且能看到新值
		seen = append(seen, c.Path+"="+m.GetConfig().Log.Level)
		assert.Equal(t, "api", c.Source)
		assert.False(t, c.RequiresRestart)
	})

	require.NoError(t, m.UpdateField("Log.Level", "warn"))
	assert.Equal(t, []string{"Log.Level=warn"}, seen)
}

func TestHotReloadManager_CallbackPanicRollsBack(t *testing.T) {
	m := NewHotReloadManager(DefaultConfig())

	var events []RollbackEvent
	m.OnRollback(func(ev RollbackEvent) { events = append(events, ev) })
	m.OnChange(func(ConfigChange) { panic("subscriber exploded") })

	err := m.UpdateField("Log.Level", "debug")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rolled back")

	assert.Equal(t, "info", m.GetConfig().Log.Level)
	require.Len(t, events, 1)
	assert.Equal(t, "info", events[0].RestoredConfig.Log.Level)
	assert.Equal(t, "debug", events[0].FailedConfig.Log.Level)
	assert.Error(t, events[0].Error)

	// 失败配置不作为回滚目标
	assert.Error(t, m.Rollback())
}

func TestHotReloadManager_ApplyConfig(t *testing.T) {
	t.Run("reload callback and redaction", func(t *testing.T) {
		m := NewHotReloadManager(DefaultConfig())
		var gotOld, gotNew string
		m.OnReload(func(oldCfg, newCfg *Config) {
			gotOld, gotNew = oldCfg.Log.Level, newCfg.Log.Level
		})

		next := DefaultConfig()
		next.Log.Level = "debug"
		next.Database.Password = "hunter2"
		next.Auth.APIKeys = []string{"k1"}
		require.NoError(t, m.ApplyConfig(next, "file"))

		assert.Equal(t, "info", gotOld)
		assert.Equal(t, "debug", gotNew)

		byPath := make(map[string]ConfigChange)
		for _, c := range m.GetChangeLog(0) {
			byPath[c.Path] = c
		}
		require.Contains(t, byPath, "Database.Password")
		assert.Equal(t, redacted, byPath["Database.Password"].NewValue)
		assert.Equal(t, redacted, byPath["Auth.APIKeys"].NewValue)
		assert.True(t, byPath["Auth.APIKeys"].RequiresRestart, "unregistered fields need a restart")
		assert.Equal(t, "debug", byPath["Log.Level"].NewValue)
	})

	t.Run("validation hook rejects", func(t *testing.T) {
		m := NewHotReloadManager(DefaultConfig(), WithValidateFunc(func(c *Config) error {
			if c.Log.Level == "debug" {
				return errors.New("debug not allowed in production")
			}
			return nil
		}))
		next := DefaultConfig()
		next.Log.Level = "debug"

		err := m.ApplyConfig(next, "file")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "validation hook")
		assert.Equal(t, "info", m.GetConfig().Log.Level)

		log := m.GetChangeLog(1)
		require.Len(t, log, 1)
		assert.False(t, log[0].Applied)
		assert.NotEmpty(t, log[0].Error)
	})
}

func TestHotReloadManager_RollbackToggles(t *testing.T) {
	m := NewHotReloadManager(DefaultConfig())
	assert.Error(t, m.Rollback(), "nothing to roll back to yet")

	require.NoError(t, m.UpdateField("Log.Level", "debug"))
	require.NoError(t, m.Rollback())
	assert.Equal(t, "info", m.GetConfig().Log.Level)

	// 再次回滚撤销上一次回滚
	require.NoError(t, m.Rollback())
	assert.Equal(t, "debug", m.GetConfig().Log.Level)

	assert.Equal(t, 4, m.GetCurrentVersion())
	var sources []string
	for _, s := range m.GetConfigHistory() {
		sources = append(sources, s.Source)
	}
	assert.Equal(t, []string{"init", "api", "rollback", "rollback"}, sources)
}

func TestHotReloadManager_HistoryBounded(t *testing.T) {
	m := NewHotReloadManager(DefaultConfig(), WithMaxHistorySize(3))
	for _, lvl := range []string{"debug", "warn", "error", "info"} {
		require.NoError(t, m.UpdateField("Log.Level", lvl))
	}

	history := m.GetConfigHistory()
	require.Len(t, history, 3)
	assert.Equal(t, 3, history[0].Version)
	assert.Equal(t, 5, m.GetCurrentVersion())

	assert.Error(t, m.RollbackToVersion(1), "evicted version")
	require.NoError(t, m.RollbackToVersion(3))
	assert.Equal(t, "warn", m.GetConfig().Log.Level)
}

func TestHotReloadManager_StartStop(t *testing.T) {
	m := NewHotReloadManager(DefaultConfig())
	require.NoError(t, m.Start(context.Background()))
	assert.Error(t, m.Start(context.Background()))
	require.NoError(t, m.Stop())
	require.NoError(t, m.Stop())
}

func TestHotReloadManager_ReloadFromFileRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "taskflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte("store:\n  type: bogus\n"), 0o600))

	m := NewHotReloadManager(DefaultConfig(), WithConfigPath(path))
	require.Error(t, m.ReloadFromFile())
	assert.Equal(t, "memory", m.GetConfig().Store.Type)
	assert.Equal(t, 1, m.GetCurrentVersion())
}

func TestHotReload_FileWatchIntegration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "taskflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  http_port: 8080
log:
  level: info
scheduler:
  default_concurrency: 10
`), 0o644))

	m := NewHotReloadManager(DefaultConfig(),
		WithConfigPath(path),
		WithHotReloadLogger(zap.NewNop()),
	)

	var (
		mu      sync.Mutex
		restart = make(map[string]bool)
	)
	m.OnChange(func(c ConfigChange) {
		mu.Lock()
		defer mu.Unlock()
		restart[c.Path] = c.RequiresRestart
	})

	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(func() { _ = m.Stop() })

	require.NoError(t, os.WriteFile(path, []byte(`
server:
  http_port: 8080
log:
  level: debug
scheduler:
  default_concurrency: 20
`), 0o644))

	require.Eventually(t, func() bool {
		return m.GetConfig().Log.Level == "debug"
	}, 5*time.Second, 20*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Contains(t, restart, "Log.Level")
	assert.False(t, restart["Log.Level"])
	assert.True(t, restart["Scheduler.DefaultConcurrency"])
}
