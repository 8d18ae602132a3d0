package knowledge

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher reindexes the corpus when markdown files change. Rapid
// bursts of events (editor saves, rsync) collapse into one reindex
// after the debounce interval.
type Watcher struct {
	root     string
	debounce time.Duration
	logger   *slog.Logger
	reindex  func(context.Context) error
	watcher  *fsnotify.Watcher
}

func NewWatcher(root string, debounce time.Duration, logger *slog.Logger, reindex func(context.Context) error) (*Watcher, error) {
	fileWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	if debounce <= 0 {
		debounce = 3 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		root:     root,
		debounce: debounce,
		logger:   logger.With("component", "corpus_watcher"),
		reindex:  reindex,
		watcher:  fileWatcher,
	}, nil
}

func (w *Watcher) Start(ctx context.Context) error {
	defer w.watcher.Close()

	if err := w.addRecursive(w.root); err != nil {
		return err
	}
	w.logger.Info("corpus watcher started", "root", w.root)

	timer := time.NewTimer(0)
	if !timer.Stop() {
		<-timer.C
	}
	pending := false

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("corpus watcher stopped")
			return nil
		case event := <-w.watcher.Events:
			if !w.relevant(event) {
				continue
			}
			w.logger.Debug("corpus changed", "path", event.Name, "op", event.Op.String())
			if pending {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
			}
			timer.Reset(w.debounce)
			pending = true
		case <-timer.C:
			pending = false
			if err := w.reindex(ctx); err != nil {
				w.logger.Error("corpus reindex failed", "error", err)
			}
		case err := <-w.watcher.Errors:
			if err != nil {
				w.logger.Error("corpus watcher error", "error", err)
			}
		}
	}
}

func (w *Watcher) relevant(event fsnotify.Event) bool {
	if event.Op&fsnotify.Create == fsnotify.Create {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := w.addRecursive(event.Name); err != nil {
				w.logger.Error("failed to watch new directory", "path", event.Name, "error", err)
			}
			return false
		}
	}
	if filepath.Ext(event.Name) != ".md" {
		return false
	}
	return event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) != 0
}

func (w *Watcher) addRecursive(root string) error {
	return filepath.WalkDir(root, func(path string, entry os.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if !entry.IsDir() {
			return nil
		}
		if err := w.watcher.Add(path); err != nil {
			return fmt.Errorf("watch path %s: %w", path, err)
		}
		return nil
	})
}
