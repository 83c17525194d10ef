// 配置文件变更监听器。
//
// 监听配置文件所在目录的 fsnotify 事件，兼容编辑器"写临时文件再改名"的保存方式；
// fsnotify 不可用时退化为轮询。内容哈希未变化的事件会被丢弃。
package config

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// FileWatcher 监听一组配置文件
type FileWatcher struct {
	mu sync.RWMutex

	paths         []string
	debounceDelay time.Duration
	pollInterval  time.Duration
	forcePoll     bool

	running bool
	stop    chan struct{}
	done    chan struct{}

	callbacks []func(FileEvent)
	logger    *zap.Logger

	// 每个文件最近一次内容的哈希，不存在的文件没有条目
	digests map[string][sha256.Size]byte
}

// FileEvent 文件变更事件
type FileEvent struct {
	Path      string    `json:"path"`
	Op        FileOp    `json:"op"`
	Timestamp time.Time `json:"timestamp"`
}

// FileOp 文件变更类型
type FileOp int

const (
	FileOpCreate FileOp = iota
	FileOpWrite
	FileOpRemove
)

func (op FileOp) String() string {
	switch op {
	case FileOpCreate:
		return "CREATE"
	case FileOpWrite:
		return "WRITE"
	case FileOpRemove:
		return "REMOVE"
	default:
		return "UNKNOWN"
	}
}

// WatcherOption configures the FileWatcher
type WatcherOption func(*FileWatcher)

// WithDebounceDelay 合并该时间窗口内的连续事件
func WithDebounceDelay(d time.Duration) WatcherOption {
	return func(w *FileWatcher) {
		if d > 0 {
			w.debounceDelay = d
		}
	}
}

// WithPollInterval 设置轮询间隔，仅在轮询模式下生效
func WithPollInterval(d time.Duration) WatcherOption {
	return func(w *FileWatcher) {
		if d > 0 {
			w.pollInterval = d
		}
	}
}

// WithPolling 强制使用轮询，用于不支持 inotify 的文件系统（如部分网络挂载）
func WithPolling() WatcherOption {
	return func(w *FileWatcher) {
		w.forcePoll = true
	}
}

// WithWatcherLogger sets the logger for the watcher
func WithWatcherLogger(logger *zap.Logger) WatcherOption {
	return func(w *FileWatcher) {
		w.logger = logger
	}
}

// NewFileWatcher 创建监听器，路径会被解析为绝对路径。文件不存在时等待其被创建。
func NewFileWatcher(paths []string, opts ...WatcherOption) (*FileWatcher, error) {
	w := &FileWatcher{
		debounceDelay: 100 * time.Millisecond,
		pollInterval:  time.Second,
		digests:       make(map[string][sha256.Size]byte),
		logger:        zap.NewNop(),
	}
	for _, opt := range opts {
		opt(w)
	}

	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			return nil, fmt.Errorf("resolve path %s: %w", p, err)
		}
		if _, err := os.Stat(abs); err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("stat %s: %w", abs, err)
			}
			w.logger.Warn("config file does not exist, waiting for creation", zap.String("path", abs))
		}
		w.paths = append(w.paths, abs)
	}
	return w, nil
}

// OnChange 注册变更回调，回调在监听 goroutine 中串行执行
func (w *FileWatcher) OnChange(callback func(FileEvent)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, callback)
}

// Start 开始监听，直到 ctx 结束或调用 Stop
func (w *FileWatcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return fmt.Errorf("watcher already running")
	}

	for _, p := range w.paths {
		if sum, ok := digest(p); ok {
			w.digests[p] = sum
		}
	}

	var notify *fsnotify.Watcher
	if !w.forcePoll {
		var err error
		notify, err = w.newNotifyWatcher()
		if err != nil {
			w.logger.Warn("fsnotify unavailable, falling back to polling", zap.Error(err))
			notify = nil
		}
	}

	w.stop = make(chan struct{})
	w.done = make(chan struct{})
	w.running = true
	go w.loop(ctx, notify)

	w.logger.Info("file watcher started",
		zap.Strings("paths", w.paths),
		zap.Bool("polling", notify == nil),
		zap.Duration("debounce", w.debounceDelay))
	return nil
}

// newNotifyWatcher 监听各文件所在目录，这样改名替换也能被捕获
func (w *FileWatcher) newNotifyWatcher() (*fsnotify.Watcher, error) {
	nw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	dirs := make(map[string]struct{})
	for _, p := range w.paths {
		dirs[filepath.Dir(p)] = struct{}{}
	}
	for dir := range dirs {
		if err := nw.Add(dir); err != nil {
			_ = nw.Close()
			return nil, fmt.Errorf("watch %s: %w", dir, err)
		}
	}
	return nw, nil
}

// Stop 停止监听并等待监听 goroutine 退出
func (w *FileWatcher) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	close(w.stop)
	done := w.done
	w.mu.Unlock()

	<-done
	w.logger.Info("file watcher stopped")
	return nil
}

func (w *FileWatcher) loop(ctx context.Context, notify *fsnotify.Watcher) {
	defer close(w.done)

	var (
		events  <-chan fsnotify.Event
		errs    <-chan error
		pollC   <-chan time.Time
		pending = make(map[string]struct{})
		// 防抖定时器只在有待处理路径时运行
		debounce = time.NewTimer(time.Hour)
	)
	debounce.Stop()
	defer debounce.Stop()

	if notify != nil {
		defer notify.Close()
		events, errs = notify.Events, notify.Errors
	} else {
		ticker := time.NewTicker(w.pollInterval)
		defer ticker.Stop()
		pollC = ticker.C
	}

	watched := make(map[string]struct{}, len(w.paths))
	for _, p := range w.paths {
		watched[p] = struct{}{}
	}
	schedule := func(path string) {
		pending[path] = struct{}{}
		debounce.Reset(w.debounceDelay)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if _, ok := watched[filepath.Clean(ev.Name)]; ok && !ev.Has(fsnotify.Chmod) {
				schedule(filepath.Clean(ev.Name))
			}
		case err, ok := <-errs:
			if !ok {
				return
			}
			w.logger.Warn("file watcher error", zap.Error(err))
		case <-pollC:
			// 轮询间隔本身起到防抖作用
			for p := range watched {
				if ev, changed := w.detect(p); changed {
					w.dispatch(ev)
				}
			}
		case <-debounce.C:
			for p := range pending {
				if ev, changed := w.detect(p); changed {
					w.dispatch(ev)
				}
			}
			clear(pending)
		}
	}
}

// detect 比较文件当前内容与上次记录的哈希
func (w *FileWatcher) detect(path string) (FileEvent, bool) {
	sum, exists := digest(path)

	w.mu.Lock()
	defer w.mu.Unlock()
	prev, known := w.digests[path]
	ev := FileEvent{Path: path, Timestamp: time.Now()}
	switch {
	case !exists && known:
		delete(w.digests, path)
		ev.Op = FileOpRemove
	case exists && !known:
		w.digests[path] = sum
		ev.Op = FileOpCreate
	case exists && sum != prev:
		w.digests[path] = sum
		ev.Op = FileOpWrite
	default:
		return ev, false
	}
	return ev, true
}

func (w *FileWatcher) dispatch(ev FileEvent) {
	w.mu.RLock()
	callbacks := append([](func(FileEvent))(nil), w.callbacks...)
	w.mu.RUnlock()

	w.logger.Debug("dispatching file event", zap.String("path", ev.Path), zap.String("op", ev.Op.String()))
	for _, cb := range callbacks {
		cb(ev)
	}
}

func digest(path string) ([sha256.Size]byte, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return [sha256.Size]byte{}, false
	}
	return sha256.Sum256(data), true
}

// Paths 返回监听的绝对路径
func (w *FileWatcher) Paths() []string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return append([]string(nil), w.paths...)
}

// IsRunning 是否正在监听
func (w *FileWatcher) IsRunning() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.running
}
