// Package watcher reloads range tables when their persisted datasets change
// on disk, for example when an operator drops in a new file or another
// process refreshes the shared data directory.
package watcher

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"ipcountry/internal/config"
	"ipcountry/internal/ordinal"
)

const defaultDebounce = 500 * time.Millisecond

type Reloader interface {
	Reload(family ordinal.Family) error
}

type Watcher struct {
	fsw      *fsnotify.Watcher
	files    map[string]ordinal.Family
	reloader Reloader
	debounce time.Duration
	logger   *zap.Logger
}

// New watches the directories holding the datasets. Directories rather than
// files are watched because a refresh replaces the file by rename.
func New(datasets []config.Dataset, reloader Reloader, logger *zap.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating watcher: %w", err)
	}

	w := &Watcher{
		fsw:      fsw,
		files:    make(map[string]ordinal.Family, len(datasets)),
		reloader: reloader,
		debounce: defaultDebounce,
		logger:   logger,
	}

	dirs := make(map[string]struct{})
	for _, ds := range datasets {
		path, err := filepath.Abs(ds.Path)
		if err != nil {
			fsw.Close()
			return nil, err
		}
		w.files[path] = ds.Family
		dirs[filepath.Dir(path)] = struct{}{}
	}

	for dir := range dirs {
		if err := fsw.Add(dir); err != nil {
			fsw.Close()
			return nil, fmt.Errorf("watching %s: %w", dir, err)
		}
	}

	return w, nil
}

// Run dispatches reloads until ctx is done. Bursts of events for the same
// file collapse into a single reload.
func (w *Watcher) Run(ctx context.Context) {
	timers := make(map[ordinal.Family]*time.Timer)
	defer func() {
		for _, t := range timers {
			t.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			family, ok := w.files[filepath.Clean(event.Name)]
			if !ok {
				continue
			}

			if t, ok := timers[family]; ok {
				t.Reset(w.debounce)
				continue
			}
			timers[family] = time.AfterFunc(w.debounce, func() {
				w.logger.Info("dataset changed on disk, reloading",
					zap.String("family", family.String()))
				if err := w.reloader.Reload(family); err != nil {
					w.logger.Error("dataset reload failed",
						zap.String("family", family.String()),
						zap.Error(err))
				}
			})
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("dataset watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) Close() error {
	return w.fsw.Close()
}
