package worker

import (
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/souliane/datafab/internal/dataset"
	"golang.org/x/time/rate"
)

// Watcher sends datasets back to the loaded status when their data file is
// replaced on disk, so the pipeline re-analyzes them.
type Watcher struct {
	store   *dataset.Store
	watcher *fsnotify.Watcher
	done    chan struct{}

	logSometimes rate.Sometimes
}

// NewWatcher starts watching the data directory tree of store.
func NewWatcher(store *dataset.Store) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		store:        store,
		watcher:      fw,
		done:         make(chan struct{}),
		logSometimes: rate.Sometimes{First: 3, Interval: 30 * time.Second},
	}
	if err := w.addTree(store.Dir()); err != nil {
		fw.Close()
		return nil, err
	}
	go w.run()
	return w, nil
}

func (w *Watcher) addTree(root string) error {
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return w.watcher.Add(path)
		}
		return nil
	})
}

func (w *Watcher) run() {
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handle(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logSometimes.Do(func() {
				slog.Warn("File watcher error", "err", err)
			})
		}
	}
}

func (w *Watcher) handle(event fsnotify.Event) {
	if event.Op.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := w.watcher.Add(event.Name); err != nil {
				slog.Warn("Failed to watch new directory", "dir", event.Name, "err", err)
			}
			return
		}
	}
	if !event.Op.Has(fsnotify.Write) && !event.Op.Has(fsnotify.Create) {
		return
	}
	// The match is resolved before mutating: All holds the table read lock
	// for the whole iteration and SetStatus needs the write lock.
	id := ""
	for ds := range w.store.All() {
		if ds.IsRest || ds.File == nil {
			continue
		}
		if w.store.FilePath(ds) != event.Name {
			continue
		}
		// Only interrupt datasets the pipeline is done with.
		switch ds.Status {
		case dataset.StatusLoaded, dataset.StatusCreated:
			continue
		}
		id = ds.ID
		break
	}
	if id == "" {
		return
	}
	if _, err := w.store.SetStatus(id, dataset.StatusLoaded); err != nil {
		slog.Error("Failed to reset dataset after file change", "dataset", id, "err", err)
	} else {
		slog.Info("Data file replaced, dataset reloaded", "dataset", id)
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.done)
	return w.watcher.Close()
}
