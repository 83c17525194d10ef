package config

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type eventSink struct {
	mu     sync.Mutex
	events []FileEvent
}

func (s *eventSink) add(ev FileEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *eventSink) snapshot() []FileEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]FileEvent(nil), s.events...)
}

func (s *eventSink) ops() []FileOp {
	var ops []FileOp
	for _, ev := range s.snapshot() {
		ops = append(ops, ev.Op)
	}
	return ops
}

func startWatcher(t *testing.T, path string, opts ...WatcherOption) (*FileWatcher, *eventSink) {
	t.Helper()
	opts = append([]WatcherOption{WithDebounceDelay(20 * time.Millisecond), WithPollInterval(20 * time.Millisecond)}, opts...)
	w, err := NewFileWatcher([]string{path}, opts...)
	require.NoError(t, err)

	sink := &eventSink{}
	w.OnChange(sink.add)
	require.NoError(t, w.Start(context.Background()))
	t.Cleanup(func() { _ = w.Stop() })
	return w, sink
}

func TestNewFileWatcher_ResolvesAbsolutePaths(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)

	w, err := NewFileWatcher([]string{"missing.yaml"})
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(dir, "missing.yaml")}, w.Paths())
	assert.False(t, w.IsRunning())
}

func TestFileWatcher_Lifecycle(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("a: 1"), 0o600))

	w, err := NewFileWatcher([]string{path})
	require.NoError(t, err)

	require.NoError(t, w.Start(context.Background()))
	assert.True(t, w.IsRunning())
	assert.Error(t, w.Start(context.Background()), "second start must fail")

	require.NoError(t, w.Stop())
	assert.False(t, w.IsRunning())
	require.NoError(t, w.Stop(), "stop is idempotent")
}

func TestFileOp_String(t *testing.T) {
	assert.Equal(t, "CREATE", FileOpCreate.String())
	assert.Equal(t, "WRITE", FileOpWrite.String())
	assert.Equal(t, "REMOVE", FileOpRemove.String())
	assert.Equal(t, "UNKNOWN", FileOp(99).String())
}

func testWatcherDetectsLifecycle(t *testing.T, opts ...WatcherOption) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	_, sink := startWatcher(t, path, opts...)

	require.NoError(t, os.WriteFile(path, []byte("a: 1"), 0o600))
	require.Eventually(t, func() bool { return len(sink.snapshot()) == 1 }, 3*time.Second, 10*time.Millisecond)

	require.NoError(t, os.WriteFile(path, []byte("a: 2"), 0o600))
	require.Eventually(t, func() bool { return len(sink.snapshot()) == 2 }, 3*time.Second, 10*time.Millisecond)

	require.NoError(t, os.Remove(path))
	require.Eventually(t, func() bool { return len(sink.snapshot()) == 3 }, 3*time.Second, 10*time.Millisecond)

	assert.Equal(t, []FileOp{FileOpCreate, FileOpWrite, FileOpRemove}, sink.ops())
	assert.Equal(t, path, sink.snapshot()[0].Path)
}

func TestFileWatcher_Notify(t *testing.T) {
	testWatcherDetectsLifecycle(t)
}

func TestFileWatcher_Polling(t *testing.T) {
	testWatcherDetectsLifecycle(t, WithPolling())
}

func TestFileWatcher_IgnoresUnchangedContent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("a: 1"), 0o600))
	_, sink := startWatcher(t, path, WithPolling())

	// 同内容重写只更新 mtime
	require.NoError(t, os.WriteFile(path, []byte("a: 1"), 0o600))
	future := time.Now().Add(time.Minute)
	require.NoError(t, os.Chtimes(path, future, future))
	time.Sleep(150 * time.Millisecond)
	assert.Empty(t, sink.snapshot())

	require.NoError(t, os.WriteFile(path, []byte("a: 2"), 0o600))
	require.Eventually(t, func() bool { return len(sink.snapshot()) == 1 }, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, FileOpWrite, sink.snapshot()[0].Op)
}

func TestFileWatcher_AtomicRename(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("a: 1"), 0o600))
	_, sink := startWatcher(t, path)

	tmp := filepath.Join(dir, ".config.yaml.swp")
	require.NoError(t, os.WriteFile(tmp, []byte("a: 2"), 0o600))
	require.NoError(t, os.Rename(tmp, path))

	require.Eventually(t, func() bool { return len(sink.snapshot()) >= 1 }, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, FileOpWrite, sink.snapshot()[0].Op)
}

func TestFileWatcher_DebounceCoalescesBurst(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("v: 0"), 0o600))
	_, sink := startWatcher(t, path, WithDebounceDelay(200*time.Millisecond))

	for i := 1; i <= 5; i++ {
		require.NoError(t, os.WriteFile(path, []byte{'v', ':', ' ', byte('0' + i)}, 0o600))
		time.Sleep(10 * time.Millisecond)
	}

	require.Eventually(t, func() bool { return len(sink.snapshot()) == 1 }, 3*time.Second, 10*time.Millisecond)
	time.Sleep(300 * time.Millisecond)
	assert.Len(t, sink.snapshot(), 1)
}

func TestFileWatcher_ContextCancelStopsLoop(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	w, err := NewFileWatcher([]string{path}, WithPolling(), WithPollInterval(10*time.Millisecond))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, w.Start(ctx))
	cancel()

	select {
	case <-w.done:
	case <-time.After(time.Second):
		t.Fatal("watch loop did not exit after context cancellation")
	}
	require.NoError(t, w.Stop())
}
