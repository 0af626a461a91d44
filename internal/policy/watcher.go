package policy

import (
	"fmt"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

const defaultDebounce = 500 * time.Millisecond

// ChangeHandler receives the path of the last changed file of a burst.
type ChangeHandler func(path string)

// FileWatcher calls handler once a burst of policy file changes in dir settles.
type FileWatcher struct {
	watcher  *fsnotify.Watcher
	dir      string
	handler  ChangeHandler
	debounce time.Duration
	done     chan struct{}

	mu    sync.Mutex
	timer *time.Timer
}

// NewFileWatcher creates file watcher for dir
func NewFileWatcher(dir string, handler ChangeHandler) (*FileWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}

	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch directory: %w", err)
	}

	fw := &FileWatcher{
		watcher:  watcher,
		dir:      dir,
		handler:  handler,
		debounce: defaultDebounce,
		done:     make(chan struct{}),
	}

	go fw.watch()

	return fw, nil
}

func (fw *FileWatcher) setDebounce(d time.Duration) {
	fw.mu.Lock()
	fw.debounce = d
	fw.mu.Unlock()
}

// Close stops watching and cancels a pending callback.
func (fw *FileWatcher) Close() error {
	close(fw.done)

	fw.mu.Lock()
	if fw.timer != nil {
		fw.timer.Stop()
	}
	fw.mu.Unlock()

	return fw.watcher.Close()
}

func (fw *FileWatcher) watch() {
	for {
		select {
		case event, ok := <-fw.watcher.Events:
			if !ok {
				return
			}
			if fw.shouldHandle(event) {
				fw.schedule(event.Name)
			}

		case err, ok := <-fw.watcher.Errors:
			if !ok {
				return
			}
			log.Error().Err(err).Msg("watcher error")

		case <-fw.done:
			return
		}
	}
}

func (fw *FileWatcher) schedule(path string) {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	if fw.timer != nil {
		fw.timer.Stop()
	}
	fw.timer = time.AfterFunc(fw.debounce, func() {
		select {
		case <-fw.done:
		default:
			fw.handler(path)
		}
	})
}

func (fw *FileWatcher) shouldHandle(event fsnotify.Event) bool {
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) &&
		!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
		return false
	}
	return isPolicyFile(event.Name)
}
