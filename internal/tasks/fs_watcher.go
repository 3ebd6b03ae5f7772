package tasks

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"geoalign/internal/fsutil"
)

// FileSystemEvent represents a file system change
type FileSystemEvent struct {
	Path      string    `json:"path"`
	Operation string    `json:"operation"` // "created", "modified", "deleted", "renamed"
	Time      time.Time `json:"time"`
}

// FileSystemWatcher monitors directories for changes to files accepted by Filter.
type FileSystemWatcher struct {
	watcher   *fsnotify.Watcher
	Events    chan FileSystemEvent
	watchDirs []string
	filter    func(path string) bool
	log       *slog.Logger
	done      chan struct{}
	stopOnce  sync.Once
}

// NewFileSystemWatcher creates a new filesystem watcher. A nil filter accepts
// every file.
func NewFileSystemWatcher(watchPaths []string, filter func(string) bool, log *slog.Logger) (*FileSystemWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if filter == nil {
		filter = func(string) bool { return true }
	}
	if log == nil {
		log = slog.Default()
	}

	return &FileSystemWatcher{
		watcher:   watcher,
		Events:    make(chan FileSystemEvent, 100),
		watchDirs: watchPaths,
		filter:    filter,
		log:       log,
		done:      make(chan struct{}),
	}, nil
}

// Start begins monitoring the configured directories
func (fsw *FileSystemWatcher) Start() error {
	for _, dir := range fsw.watchDirs {
		if err := fsw.watcher.Add(dir); err != nil {
			return err
		}
		fsw.log.Info("watching directory", "dir", dir)
	}

	go fsw.processEvents()
	return nil
}

// Stop stops the filesystem watcher
func (fsw *FileSystemWatcher) Stop() error {
	var err error
	fsw.stopOnce.Do(func() {
		close(fsw.done)
		err = fsw.watcher.Close()
	})
	return err
}

func (fsw *FileSystemWatcher) processEvents() {
	defer close(fsw.Events)
	for {
		select {
		case event, ok := <-fsw.watcher.Events:
			if !ok {
				return
			}

			var operation string
			switch {
			case event.Op&fsnotify.Create == fsnotify.Create:
				operation = "created"
			case event.Op&fsnotify.Write == fsnotify.Write:
				operation = "modified"
			case event.Op&fsnotify.Remove == fsnotify.Remove:
				operation = "deleted"
			case event.Op&fsnotify.Rename == fsnotify.Rename:
				operation = "renamed"
			default:
				continue // chmod
			}

			if !fsw.filter(event.Name) {
				continue
			}

			fsEvent := FileSystemEvent{
				Path:      event.Name,
				Operation: operation,
				Time:      time.Now(),
			}

			select {
			case fsw.Events <- fsEvent:
			case <-fsw.done:
				return
			default:
				fsw.log.Warn("event buffer full, dropping event", "path", event.Name)
			}

		case err, ok := <-fsw.watcher.Errors:
			if !ok {
				return
			}
			fsw.log.Error("filesystem watcher error", "error", err)

		case <-fsw.done:
			return
		}
	}
}

// InputFilter accepts rasters, archives and the ports document itself.
func InputFilter(portsFile string) func(string) bool {
	portsName := filepath.Base(portsFile)
	return func(path string) bool {
		return fsutil.IsRasterFile(path) || fsutil.IsArchiveFile(path) || filepath.Base(path) == portsName
	}
}

// Debounce calls trigger once events stop arriving for wait. It returns when
// ctx is done or events is closed.
func Debounce(ctx context.Context, events <-chan FileSystemEvent, wait time.Duration, trigger func([]FileSystemEvent)) {
	var (
		pending []FileSystemEvent
		timer   *time.Timer
		fire    <-chan time.Time
	)
	stop := func() {
		if timer != nil {
			timer.Stop()
		}
	}
	defer stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			pending = append(pending, ev)
			stop()
			timer = time.NewTimer(wait)
			fire = timer.C
		case <-fire:
			batch := pending
			pending = nil
			fire = nil
			trigger(batch)
		}
	}
}
