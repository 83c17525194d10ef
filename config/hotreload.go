// 配置热重载管理器。
//
// 每次成功的变更（文件重载、API 批量字段更新、回滚）都生成一个递增版本的快照，
// 最近若干版本可按版本号回滚。回调一律在锁外执行，回调出错时自动回到旧配置。
package config

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"reflect"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ChangeCallback 每个字段变更调用一次
type ChangeCallback func(change ConfigChange)

// ReloadCallback 整份配置替换后调用一次
type ReloadCallback func(oldConfig, newConfig *Config)

// RollbackCallback 回滚完成后调用
type RollbackCallback func(event RollbackEvent)

// ValidateFunc 在新配置生效前调用，返回错误则拒绝变更
type ValidateFunc func(newConfig *Config) error

// ConfigChange 一条字段级变更记录
type ConfigChange struct {
	Timestamp       time.Time `json:"timestamp"`
	Source          string    `json:"source"` // file, api, rollback
	Path            string    `json:"path"`
	OldValue        any       `json:"old_value,omitempty"`
	NewValue        any       `json:"new_value,omitempty"`
	RequiresRestart bool      `json:"requires_restart"`
	Applied         bool      `json:"applied"`
	Error           string    `json:"error,omitempty"`
}

// ConfigSnapshot 某个版本的完整配置
type ConfigSnapshot struct {
	Config    *Config   `json:"config"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"`
	Version   int       `json:"version"`
	Checksum  string    `json:"checksum"`
}

// RollbackEvent 回滚通知
type RollbackEvent struct {
	Timestamp      time.Time `json:"timestamp"`
	Reason         string    `json:"reason"`
	FailedConfig   *Config   `json:"failed_config"`
	RestoredConfig *Config   `json:"restored_config"`
	Version        int       `json:"version"`
	Error          error     `json:"-"`
}

// HotReloadManager 持有当前生效的配置
type HotReloadManager struct {
	mu sync.RWMutex

	config     *Config
	previous   *Config
	configPath string
	validate   ValidateFunc

	history     []ConfigSnapshot
	historySize int
	version     int

	changeLog     []ConfigChange
	changeLogSize int

	onChange   []ChangeCallback
	onReload   []ReloadCallback
	onRollback []RollbackCallback

	watcher *FileWatcher
	cancel  context.CancelFunc
	running bool

	logger *zap.Logger
}

// HotReloadOption 配置 HotReloadManager
type HotReloadOption func(*HotReloadManager)

// WithHotReloadLogger 设置日志
func WithHotReloadLogger(logger *zap.Logger) HotReloadOption {
	return func(m *HotReloadManager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithConfigPath 设置被监听的配置文件
func WithConfigPath(path string) HotReloadOption {
	return func(m *HotReloadManager) { m.configPath = path }
}

// WithMaxHistorySize 保留的版本数，默认 10
func WithMaxHistorySize(size int) HotReloadOption {
	return func(m *HotReloadManager) {
		if size > 0 {
			m.historySize = size
		}
	}
}

// WithValidateFunc 设置额外的校验钩子
func WithValidateFunc(fn ValidateFunc) HotReloadOption {
	return func(m *HotReloadManager) { m.validate = fn }
}

// NewHotReloadManager 以 cfg 为版本 1 创建管理器
func NewHotReloadManager(cfg *Config, opts ...HotReloadOption) *HotReloadManager {
	m := &HotReloadManager{
		config:        cfg,
		historySize:   10,
		changeLogSize: 1000,
		logger:        zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.snapshot(cfg, "init")
	return m
}

// snapshot 记录新版本，调用方持有写锁
func (m *HotReloadManager) snapshot(cfg *Config, source string) int {
	m.version++
	m.history = append(m.history, ConfigSnapshot{
		Config:    cloneConfig(cfg),
		Timestamp: time.Now(),
		Source:    source,
		Version:   m.version,
		Checksum:  checksum(cfg),
	})
	if over := len(m.history) - m.historySize; over > 0 {
		m.history = m.history[over:]
	}
	return m.version
}

func (m *HotReloadManager) record(changes ...ConfigChange) {
	m.changeLog = append(m.changeLog, changes...)
	if over := len(m.changeLog) - m.changeLogSize; over > 0 {
		m.changeLog = m.changeLog[over:]
	}
}

func cloneConfig(cfg *Config) *Config {
	data, err := json.Marshal(cfg)
	if err != nil {
		return cfg
	}
	var out Config
	if err := json.Unmarshal(data, &out); err != nil {
		return cfg
	}
	return &out
}

func checksum(cfg *Config) string {
	data, err := json.Marshal(cfg)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:8])
}

// --- 生命周期 ---

// Start 配置了文件路径时开始监听文件变更
func (m *HotReloadManager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return errors.New("hot reload manager already running")
	}

	ctx, m.cancel = context.WithCancel(ctx)
	if m.configPath != "" {
		w, err := NewFileWatcher([]string{m.configPath},
			WithWatcherLogger(m.logger),
			WithDebounceDelay(500*time.Millisecond),
		)
		if err != nil {
			m.cancel()
			return fmt.Errorf("create config watcher: %w", err)
		}
		w.OnChange(m.handleFileChange)
		if err := w.Start(ctx); err != nil {
			m.cancel()
			return fmt.Errorf("start config watcher: %w", err)
		}
		m.watcher = w
	}

	m.running = true
	m.logger.Info("hot reload started", zap.String("config_path", m.configPath))
	return nil
}

// Stop 停止监听
func (m *HotReloadManager) Stop() error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = false
	m.cancel()
	w := m.watcher
	m.watcher = nil
	m.mu.Unlock()

	// 监听回调会获取 m.mu，必须在锁外等待监听 goroutine 退出
	if w != nil {
		if err := w.Stop(); err != nil {
			return fmt.Errorf("stop config watcher: %w", err)
		}
	}
	m.logger.Info("hot reload stopped")
	return nil
}

func (m *HotReloadManager) handleFileChange(ev FileEvent) {
	if ev.Op == FileOpRemove {
		m.logger.Warn("config file removed, keeping current config", zap.String("path", ev.Path))
		return
	}
	if err := m.ReloadFromFile(); err != nil {
		m.logger.Error("config reload failed", zap.String("path", ev.Path), zap.Error(err))
	}
}

// --- 变更 ---

// ReloadFromFile 读取配置文件（叠加环境变量）并应用
func (m *HotReloadManager) ReloadFromFile() error {
	if m.configPath == "" {
		return errors.New("no config path set")
	}
	cfg, err := NewLoader().WithConfigPath(m.configPath).Strict().Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	return m.ApplyConfig(cfg, "file")
}

// ApplyConfig 校验并整体替换配置
func (m *HotReloadManager) ApplyConfig(newConfig *Config, source string) error {
	m.mu.Lock()
	if err := m.check(newConfig); err != nil {
		m.record(ConfigChange{Timestamp: time.Now(), Source: source, Error: err.Error()})
		m.mu.Unlock()
		return err
	}
	n := m.commit(newConfig, source, diffConfigs(m.config, newConfig))
	m.mu.Unlock()

	return m.notify(n)
}

// UpdateField 修改一个已登记字段，value 可以是 JSON 解码得到的值
func (m *HotReloadManager) UpdateField(path string, value any) error {
	_, err := m.UpdateFields(map[string]any{path: value}, "api")
	return err
}

// UpdateFields 整批修改已登记字段，全部通过校验才生效，只产生一个新版本。
// 返回值表示是否有字段需要重启才能生效。
func (m *HotReloadManager) UpdateFields(updates map[string]any, source string) (bool, error) {
	paths := slices.Sorted(maps.Keys(updates))

	m.mu.Lock()
	candidate := cloneConfig(m.config)
	root := reflect.ValueOf(candidate)
	var errs []error
	restart := false
	for _, path := range paths {
		field, ok := hotReloadableFields[path]
		if !ok {
			errs = append(errs, fmt.Errorf("%w: %s", ErrUnknownField, path))
			continue
		}
		restart = restart || field.RequiresRestart
		target, err := lookupField(root, path)
		if err == nil {
			err = assign(target, updates[path])
		}
		if err == nil && field.Validator != nil {
			err = field.Validator(target.Interface())
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", path, err))
		}
	}
	if len(errs) == 0 {
		if err := m.check(candidate); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		m.mu.Unlock()
		return false, errors.Join(errs...)
	}
	n := m.commit(candidate, source, diffConfigs(m.config, candidate))
	m.mu.Unlock()

	return restart, m.notify(n)
}

func (m *HotReloadManager) check(cfg *Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if m.validate != nil {
		if err := m.validate(cfg); err != nil {
			return fmt.Errorf("validation hook: %w", err)
		}
	}
	return nil
}

// notification 是锁外回调所需的全部信息
type notification struct {
	oldConfig, newConfig *Config
	changes              []ConfigChange
	onChange             []ChangeCallback
	onReload             []ReloadCallback
}

// commit 让 next 生效并记录，调用方持有写锁。没有字段变化时不产生新版本。
func (m *HotReloadManager) commit(next *Config, source string, changes []ConfigChange) *notification {
	if len(changes) == 0 {
		return nil
	}
	now := time.Now()
	restart := false
	for i := range changes {
		c := &changes[i]
		c.Timestamp, c.Source, c.Applied = now, source, true
		f, known := hotReloadableFields[c.Path]
		c.RequiresRestart = !known || f.RequiresRestart
		if isSensitive(c.Path) {
			c.OldValue, c.NewValue = redacted, redacted
		}
		restart = restart || c.RequiresRestart
		m.logger.Info("config changed",
			zap.String("path", c.Path),
			zap.String("source", source),
			zap.Any("old", c.OldValue),
			zap.Any("new", c.NewValue),
			zap.Bool("requires_restart", c.RequiresRestart),
		)
	}

	old := m.config
	m.previous = cloneConfig(old)
	m.config = next
	version := m.snapshot(next, source)
	m.record(changes...)

	m.logger.Info("config applied",
		zap.Int("version", version),
		zap.Int("changes", len(changes)),
		zap.Bool("requires_restart", restart),
	)
	return &notification{
		oldConfig: old,
		newConfig: cloneConfig(next),
		changes:   changes,
		onChange:  append([]ChangeCallback(nil), m.onChange...),
		onReload:  append([]ReloadCallback(nil), m.onReload...),
	}
}

// notify 在锁外执行回调，回调失败或 panic 时恢复旧配置
func (m *HotReloadManager) notify(n *notification) error {
	if n == nil {
		return nil
	}
	err := safeCall(func() {
		for _, cb := range n.onChange {
			for _, c := range n.changes {
				cb(c)
			}
		}
		for _, cb := range n.onReload {
			cb(n.oldConfig, n.newConfig)
		}
	})
	if err == nil {
		return nil
	}

	m.mu.Lock()
	if checksum(m.config) != checksum(n.newConfig) {
		// 回调期间已有新的变更，不覆盖
		m.mu.Unlock()
		return fmt.Errorf("config callback: %w", err)
	}
	ev := m.restore(n.oldConfig, fmt.Sprintf("callback error: %v", err), err)
	callbacks := append([]RollbackCallback(nil), m.onRollback...)
	m.mu.Unlock()

	m.fireRollback(callbacks, ev)
	return fmt.Errorf("config callback failed, rolled back: %w", err)
}

func safeCall(fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	fn()
	return nil
}

// diffConfigs 逐字段比较，返回叶子字段的变更
func diffConfigs(oldCfg, newCfg *Config) []ConfigChange {
	var out []ConfigChange
	diffStruct("", reflect.ValueOf(oldCfg).Elem(), reflect.ValueOf(newCfg).Elem(), &out)
	return out
}

func diffStruct(prefix string, a, b reflect.Value, out *[]ConfigChange) {
	t := a.Type()
	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		if !sf.IsExported() {
			continue
		}
		path := sf.Name
		if prefix != "" {
			path = prefix + "." + sf.Name
		}
		fa, fb := a.Field(i), b.Field(i)
		if fa.Kind() == reflect.Struct {
			diffStruct(path, fa, fb, out)
			continue
		}
		if !reflect.DeepEqual(fa.Interface(), fb.Interface()) {
			*out = append(*out, ConfigChange{Path: path, OldValue: fa.Interface(), NewValue: fb.Interface()})
		}
	}
}

// --- 回滚 ---

// Rollback 回到上一次变更之前的配置
func (m *HotReloadManager) Rollback() error {
	m.mu.Lock()
	if m.previous == nil {
		m.mu.Unlock()
		return errors.New("no previous config available for rollback")
	}
	ev := m.restore(m.previous, "manual rollback", nil)
	callbacks := append([]RollbackCallback(nil), m.onRollback...)
	m.mu.Unlock()

	m.fireRollback(callbacks, ev)
	return nil
}

// RollbackToVersion 回到历史中的指定版本
func (m *HotReloadManager) RollbackToVersion(version int) error {
	m.mu.Lock()
	var target *Config
	for _, s := range m.history {
		if s.Version == version {
			target = s.Config
			break
		}
	}
	if target == nil {
		m.mu.Unlock()
		return fmt.Errorf("config version %d not found in history", version)
	}
	ev := m.restore(target, fmt.Sprintf("rollback to version %d", version), nil)
	callbacks := append([]RollbackCallback(nil), m.onRollback...)
	m.mu.Unlock()

	m.fireRollback(callbacks, ev)
	return nil
}

// restore 让 target 生效并记为新版本，调用方持有写锁。
// 手动回滚后可以再次 Rollback 回到回滚前的配置；回调失败触发的回滚不保留失败配置。
func (m *HotReloadManager) restore(target *Config, reason string, cause error) RollbackEvent {
	failed := m.config
	restored := cloneConfig(target)
	m.config = restored
	if cause == nil {
		m.previous = cloneConfig(failed)
	} else {
		m.previous = nil
	}
	version := m.snapshot(restored, "rollback")
	m.record(ConfigChange{
		Timestamp: time.Now(),
		Source:    "rollback",
		Path:      "(rollback)",
		Applied:   true,
		Error:     reason,
	})
	m.logger.Warn("config rolled back", zap.String("reason", reason), zap.Int("version", version))

	return RollbackEvent{
		Timestamp:      time.Now(),
		Reason:         reason,
		FailedConfig:   failed,
		RestoredConfig: cloneConfig(restored),
		Version:        version,
		Error:          cause,
	}
}

func (m *HotReloadManager) fireRollback(callbacks []RollbackCallback, ev RollbackEvent) {
	for _, cb := range callbacks {
		if err := safeCall(func() { cb(ev) }); err != nil {
			m.logger.Error("rollback callback failed", zap.Error(err))
		}
	}
}

// --- 订阅 ---

// OnChange 注册字段变更回调
func (m *HotReloadManager) OnChange(cb ChangeCallback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChange = append(m.onChange, cb)
}

// OnReload 注册整体替换回调
func (m *HotReloadManager) OnReload(cb ReloadCallback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onReload = append(m.onReload, cb)
}

// OnRollback 注册回滚回调。回滚不触发 OnChange。
func (m *HotReloadManager) OnRollback(cb RollbackCallback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onRollback = append(m.onRollback, cb)
}

// --- 查询 ---

// GetConfig 返回当前配置的副本
func (m *HotReloadManager) GetConfig() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return cloneConfig(m.config)
}

// GetCurrentVersion 当前版本号
func (m *HotReloadManager) GetCurrentVersion() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.version
}

// GetConfigHistory 返回保留的版本快照，从旧到新
func (m *HotReloadManager) GetConfigHistory() []ConfigSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]ConfigSnapshot(nil), m.history...)
}

// GetChangeLog 返回最近 limit 条变更，limit <= 0 返回全部
func (m *HotReloadManager) GetChangeLog(limit int) []ConfigChange {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if limit <= 0 || limit > len(m.changeLog) {
		limit = len(m.changeLog)
	}
	return append([]ConfigChange(nil), m.changeLog[len(m.changeLog)-limit:]...)
}

// FieldValue 返回字段当前值
func (m *HotReloadManager) FieldValue(path string) (any, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, err := lookupField(reflect.ValueOf(m.config), path)
	if err != nil {
		return nil, err
	}
	return v.Interface(), nil
}

// SanitizedConfig 返回可以对外展示的配置视图
func (m *HotReloadManager) SanitizedConfig() map[string]any {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return sanitize(m.config)
}
