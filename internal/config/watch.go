package config

import (
	"context"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/opencode-ai/opencode-core/internal/event"
	"github.com/opencode-ai/opencode-core/internal/instance"
	"github.com/opencode-ai/opencode-core/internal/logging"
)

// Watcher republishes config.updated when the instance's opencode.json
// changes on disk, so edits made outside the process reach subscribers.
type Watcher struct {
	watcher *fsnotify.Watcher
	ctx     context.Context
	path    string
	stopCh  chan struct{}
	doneCh  chan struct{}
	started bool
	mu      sync.Mutex
}

// NewWatcher creates a watcher for the current instance's config file.
func NewWatcher(ctx context.Context) (*Watcher, error) {
	dir, err := instance.Directory(ctx)
	if err != nil {
		return nil, err
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// Watch the directory; watching the file directly breaks across the
	// atomic-rename writes most editors do.
	if err := w.Add(dir); err != nil {
		w.Close()
		return nil, err
	}

	return &Watcher{
		watcher: w,
		ctx:     ctx,
		path:    filepath.Join(dir, FileName),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}, nil
}

// Start begins watching. Safe to call once.
func (w *Watcher) Start() {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return
	}
	w.started = true
	w.mu.Unlock()
	go w.run()
}

func (w *Watcher) run() {
	defer close(w.doneCh)

	for {
		select {
		case <-w.stopCh:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if ev.Name != w.path {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.republish()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logging.Warn().Err(err).Msg("config watcher error")
		}
	}
}

func (w *Watcher) republish() {
	dir := filepath.Dir(w.path)
	merged, err := loadMerged(dir)
	if err != nil {
		logging.Warn().Err(err).Str("path", w.path).Msg("config reload failed")
		return
	}
	cfg, err := decode(merged)
	if err != nil {
		logging.Warn().Err(err).Str("path", w.path).Msg("config reload failed")
		return
	}
	if err := event.Publish(w.ctx, event.ConfigUpdated, event.ConfigUpdatedProps{Config: cfg}); err != nil {
		logging.Warn().Err(err).Msg("config.updated publish failed")
	}
}

// Stop ends the watch and waits for the loop to exit.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.started {
		w.mu.Unlock()
		w.watcher.Close()
		return
	}
	w.mu.Unlock()

	close(w.stopCh)
	w.watcher.Close()
	<-w.doneCh
}
