// Package watch feeds filesystem changes through the ingestion pipeline.
package watch

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/parallax-labs/ragpipe/pkg/rag"
)

// Ingester is the engine surface the watcher drives.
type Ingester interface {
	IngestFile(ctx context.Context, path string) (*rag.IngestReport, error)
	IngestDirectory(ctx context.Context, dir string) (*rag.IngestReport, error)
	Save(ctx context.Context) error
}

// Config holds watcher configuration.
type Config struct {
	Dir           string
	Extensions    []string
	Recursive     bool
	DebounceDelay time.Duration
}

// Watcher ingests files as they appear or change under a directory. Write
// bursts are debounced per file, so editors that save in several syscalls
// trigger a single ingestion.
type Watcher struct {
	config  *Config
	engine  Ingester
	logger  *slog.Logger
	watcher *fsnotify.Watcher

	// Debouncing
	mu      sync.Mutex
	pending map[string]*time.Timer
}

// NewWatcher creates a watcher rooted at config.Dir.
func NewWatcher(config *Config, engine Ingester) (*Watcher, error) {
	if config.DebounceDelay == 0 {
		config.DebounceDelay = 300 * time.Millisecond
	}
	config.Extensions = rag.NormalizeExtensions(config.Extensions)

	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	w := &Watcher{
		config:  config,
		engine:  engine,
		logger:  slog.Default().With("component", "watch"),
		watcher: fsWatcher,
		pending: make(map[string]*time.Timer),
	}

	if err := w.addDirs(); err != nil {
		fsWatcher.Close()
		return nil, err
	}
	return w, nil
}

// addDirs registers the root and, in recursive mode, every subdirectory.
func (w *Watcher) addDirs() error {
	if !w.config.Recursive {
		if err := w.watcher.Add(w.config.Dir); err != nil {
			return fmt.Errorf("failed to watch %s: %w", w.config.Dir, err)
		}
		return nil
	}
	return filepath.WalkDir(w.config.Dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if err := w.watcher.Add(path); err != nil {
				return fmt.Errorf("failed to watch %s: %w", path, err)
			}
		}
		return nil
	})
}

// Start ingests the directory once, then watches until ctx is cancelled.
func (w *Watcher) Start(ctx context.Context) error {
	report, err := w.engine.IngestDirectory(ctx, w.config.Dir)
	if err != nil {
		return fmt.Errorf("initial ingestion failed: %w", err)
	}
	if err := w.save(ctx); err != nil {
		return err
	}
	w.logger.Info("initial ingestion complete",
		"files", report.Files, "added", report.Added, "duplicates", report.Duplicates)

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-w.watcher.Events:
			if !ok {
				return errors.New("watcher events channel closed")
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			// New subdirectories join the watch set instead of the
			// ingest queue.
			if w.config.Recursive && event.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := w.watcher.Add(event.Name); err != nil {
						w.logger.Warn("failed to watch new directory", "dir", event.Name, "error", err)
					}
					continue
				}
			}
			if w.wantsFile(filepath.Base(event.Name)) {
				w.handleFileEvent(ctx, event)
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return errors.New("watcher errors channel closed")
			}
			if err != nil {
				w.logger.Warn("watcher error", "error", err)
			}
		}
	}
}

// Stop cancels pending work and closes the underlying watcher.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	for _, timer := range w.pending {
		timer.Stop()
	}
	return w.watcher.Close()
}

// handleFileEvent debounces one file path.
func (w *Watcher) handleFileEvent(ctx context.Context, event fsnotify.Event) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if timer, exists := w.pending[event.Name]; exists {
		timer.Stop()
	}

	w.pending[event.Name] = time.AfterFunc(w.config.DebounceDelay, func() {
		w.ingestFile(ctx, event.Name)

		w.mu.Lock()
		delete(w.pending, event.Name)
		w.mu.Unlock()
	})
}

// wantsFile checks the extension filter.
func (w *Watcher) wantsFile(filename string) bool {
	if len(w.config.Extensions) == 0 {
		return true
	}
	ext := strings.ToLower(filepath.Ext(filename))
	for _, e := range w.config.Extensions {
		if ext == e {
			return true
		}
	}
	return false
}

// ingestFile runs one file through the normal ingestion path and persists
// the index. Failures are logged, never fatal to the watch loop.
func (w *Watcher) ingestFile(ctx context.Context, path string) {
	if ctx.Err() != nil {
		return
	}

	report, err := w.engine.IngestFile(ctx, path)
	if err != nil {
		w.logger.Error("ingestion failed", "path", path, "error", err)
		return
	}
	if err := w.save(ctx); err != nil {
		w.logger.Error("failed to persist index", "error", err)
		return
	}
	w.logger.Info("file ingested", "path", path, "added", report.Added, "duplicates", report.Duplicates)
}

func (w *Watcher) save(ctx context.Context) error {
	if err := w.engine.Save(ctx); err != nil {
		return fmt.Errorf("failed to persist index: %w", err)
	}
	return nil
}
