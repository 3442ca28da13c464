package watchdog

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

type WatchDogFactory struct {
	logger *zap.Logger
}

type filterFun func(string) bool

// WatchDog reports files created (or first written) in the watched
// directories. Sanitizers write their reports with create+write, so both ops
// are considered; each path is reported at most once.
type WatchDog struct {
	watchCtx   context.Context
	notifyChan chan<- string
	filter     filterFun
	logger     *zap.Logger

	// states
	watcher *fsnotify.Watcher
	seen    map[string]struct{}
	done    chan struct{}
}

func NewWatchDogFactory(logger *zap.Logger) *WatchDogFactory {
	return &WatchDogFactory{
		logger: logger,
	}
}

// create a new WatchDog to monitor file creation events
//
// - `watchCtx` controls the lifecycle of the watcher. After the context is done, the watcher stops and closes `notifyChan`.
//
// - `notifyChan` receives the path of every new file.
//
// - `filter` returns true for files that should be reported. If set to nil, all files are reported.
func (w *WatchDogFactory) New(watchCtx context.Context, notifyChan chan<- string, filter filterFun) (*WatchDog, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	watchDog := &WatchDog{
		watchCtx:   watchCtx,
		notifyChan: notifyChan,
		filter:     filter,
		logger:     w.logger,
		watcher:    watcher,
		seen:       make(map[string]struct{}),
		done:       make(chan struct{}),
	}

	go watchDog.watch()

	return watchDog, nil
}

// add a directory to the watch list
func (w *WatchDog) AddDir(dir string) error {
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return fmt.Errorf("failed to get absolute path of %s: %w", dir, err)
	}
	if err := os.MkdirAll(absDir, 0755); err != nil {
		return fmt.Errorf("failed to create watched directory %s: %w", absDir, err)
	}
	if err := w.watcher.Add(absDir); err != nil {
		return fmt.Errorf("failed to add %s to watcher: %w", absDir, err)
	}
	w.logger.Debug("Added directory to watch list", zap.String("dir", absDir))
	return nil
}

// Done is closed once the watcher has stopped and notifyChan is closed.
func (w *WatchDog) Done() <-chan struct{} {
	return w.done
}

func (w *WatchDog) watch() {
	defer close(w.done)
	defer w.watcher.Close()
	defer close(w.notifyChan)
	for {
		select {
		case <-w.watchCtx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				w.logger.Debug("fsnotify channel closed")
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				w.logger.Debug("fsnotify error channel closed")
				return
			}
			w.logger.Error("fsnotify error", zap.Error(err))
		}
	}
}

func (w *WatchDog) handleEvent(event fsnotify.Event) {
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
		return
	}
	if _, ok := w.seen[event.Name]; ok {
		return
	}
	if w.filter != nil && !w.filter(event.Name) {
		w.logger.Debug("File ignored by filter", zap.String("file", event.Name))
		return
	}
	w.seen[event.Name] = struct{}{}
	select {
	case w.notifyChan <- event.Name:
		w.logger.Debug("File added to notify channel", zap.String("file", event.Name))
	case <-w.watchCtx.Done():
	}
}
