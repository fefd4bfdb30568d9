package beat

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const watchDebounce = 500 * time.Millisecond

// InboxWatcher turns new markdown files in the inbox directory into
// beat requests. Bursts of filesystem events (editors write several
// times) are debounced into one request.
type InboxWatcher struct {
	dir         string
	requestBeat func()
	logger      *zap.Logger

	watcher *fsnotify.Watcher
	stopCh  chan struct{}
	doneCh  chan struct{}

	mu    sync.Mutex
	timer *time.Timer
}

func NewInboxWatcher(dir string, requestBeat func(), logger *zap.Logger) *InboxWatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &InboxWatcher{
		dir:         dir,
		requestBeat: requestBeat,
		logger:      logger,
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
}

func (w *InboxWatcher) Start() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create inbox watcher: %w", err)
	}
	if err := watcher.Add(w.dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", w.dir, err)
	}
	w.watcher = watcher

	go w.loop()
	w.logger.Info("inbox watcher started", zap.String("dir", w.dir))
	return nil
}

func (w *InboxWatcher) Stop() {
	if w.watcher == nil {
		return
	}
	close(w.stopCh)
	w.watcher.Close()
	<-w.doneCh

	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()
}

func (w *InboxWatcher) loop() {
	defer close(w.doneCh)
	for {
		select {
		case <-w.stopCh:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			if !strings.HasSuffix(event.Name, ".md") {
				continue
			}
			// The deferred subdirectory lives under the inbox; moves
			// into it must not re-trigger beats.
			if filepath.Dir(event.Name) != filepath.Clean(w.dir) {
				continue
			}
			w.schedule()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("inbox watcher error", zap.Error(err))
		}
	}
}

func (w *InboxWatcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(watchDebounce, func() {
		w.logger.Debug("inbox change detected, requesting beat")
		w.requestBeat()
	})
}
