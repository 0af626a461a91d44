package policy

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestWatcher(t *testing.T, dir string, debounce time.Duration, handler ChangeHandler) *FileWatcher {
	t.Helper()

	fw, err := NewFileWatcher(dir, handler)
	require.NoError(t, err)
	fw.setDebounce(debounce)
	t.Cleanup(func() { _ = fw.Close() })
	return fw
}

func TestWatcherMissingDirectory(t *testing.T) {
	_, err := NewFileWatcher(filepath.Join(t.TempDir(), "absent"), func(string) {})
	assert.Error(t, err)
}

func TestWatcherReportsPolicyWrites(t *testing.T) {
	dir := t.TempDir()
	changes := make(chan string, 4)
	newTestWatcher(t, dir, 50*time.Millisecond, func(path string) { changes <- path })

	file := filepath.Join(dir, "finance.yaml")
	require.NoError(t, os.WriteFile(file, []byte("status: approved\n"), 0644))

	select {
	case path := <-changes:
		assert.Equal(t, file, path)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for policy change")
	}
}

func TestWatcherCoalescesBursts(t *testing.T) {
	dir := t.TempDir()
	var calls int32
	newTestWatcher(t, dir, 300*time.Millisecond, func(string) { atomic.AddInt32(&calls, 1) })

	for i := 0; i < 5; i++ {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "ops.yaml"), []byte("status: draft\n"), 0644))
		time.Sleep(20 * time.Millisecond)
	}

	assert.Eventually(t, func() bool { return atomic.LoadInt32(&calls) == 1 }, 2*time.Second, 20*time.Millisecond)
	time.Sleep(400 * time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestWatcherIgnoresOtherFiles(t *testing.T) {
	dir := t.TempDir()
	changes := make(chan string, 1)
	newTestWatcher(t, dir, 50*time.Millisecond, func(path string) { changes <- path })

	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ops.yaml.swp"), []byte("x"), 0644))

	select {
	case path := <-changes:
		t.Errorf("unexpected change for %s", path)
	case <-time.After(500 * time.Millisecond):
	}
}

func TestWatcherNoCallbackAfterClose(t *testing.T) {
	dir := t.TempDir()
	var calls int32
	fw, err := NewFileWatcher(dir, func(string) { atomic.AddInt32(&calls, 1) })
	require.NoError(t, err)
	fw.setDebounce(200 * time.Millisecond)

	fw.schedule(filepath.Join(dir, "ops.yaml"))
	require.NoError(t, fw.Close())

	time.Sleep(300 * time.Millisecond)
	assert.Zero(t, atomic.LoadInt32(&calls))
}

func TestShouldHandle(t *testing.T) {
	fw := &FileWatcher{}

	tests := []struct {
		name  string
		event fsnotify.Event
		want  bool
	}{
		{"write yaml", fsnotify.Event{Name: "a.yaml", Op: fsnotify.Write}, true},
		{"create json", fsnotify.Event{Name: "a.json", Op: fsnotify.Create}, true},
		{"remove yml", fsnotify.Event{Name: "a.yml", Op: fsnotify.Remove}, true},
		{"rename yaml", fsnotify.Event{Name: "a.yaml", Op: fsnotify.Rename}, true},
		{"chmod yaml", fsnotify.Event{Name: "a.yaml", Op: fsnotify.Chmod}, false},
		{"write txt", fsnotify.Event{Name: "a.txt", Op: fsnotify.Write}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, fw.shouldHandle(tt.event))
		})
	}
}
