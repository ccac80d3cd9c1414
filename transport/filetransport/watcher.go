package filetransport

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/c0deZ3R0/offsync/logging"
)

const (
	processedDir = "processed"
	failedDir    = "failed"
)

// ImportFunc applies one decoded exchange file. Returning an error moves
// the file to failed/.
type ImportFunc func(ctx context.Context, path string, e Exchange) error

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithSettle sets how long a file must stay unchanged before it is
// imported. Defaults to 250ms.
func WithSettle(d time.Duration) WatcherOption {
	return func(w *Watcher) { w.settle = d }
}

// WithWatcherLogger sets the watcher logger.
func WithWatcherLogger(l *logging.Logger) WatcherOption {
	return func(w *Watcher) { w.logger = l }
}

// Watcher imports exchange files dropped into an inbox directory, then
// moves each one to inbox/processed or inbox/failed.
type Watcher struct {
	dir    string
	handle ImportFunc
	settle time.Duration
	logger *logging.Logger

	mu      sync.Mutex
	pending map[string]*time.Timer
	ready   chan string
}

// NewWatcher prepares a watcher for dir, creating dir and its processed
// and failed subdirectories.
func NewWatcher(dir string, handle ImportFunc, opts ...WatcherOption) (*Watcher, error) {
	if handle == nil {
		return nil, fmt.Errorf("import function is required")
	}
	w := &Watcher{
		dir:     dir,
		handle:  handle,
		settle:  250 * time.Millisecond,
		pending: make(map[string]*time.Timer),
		ready:   make(chan string, 64),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.logger == nil {
		w.logger = logging.Default().WithComponent(logging.Component("inbox"))
	}
	for _, sub := range []string{dir, filepath.Join(dir, processedDir), filepath.Join(dir, failedDir)} {
		if err := os.MkdirAll(sub, 0o755); err != nil {
			return nil, fmt.Errorf("create inbox directory %s: %w", sub, err)
		}
	}
	return w, nil
}

// Run imports files already in the inbox, then every file that appears,
// until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	defer fsw.Close()
	if err := fsw.Add(w.dir); err != nil {
		return fmt.Errorf("failed to watch inbox %s: %w", w.dir, err)
	}
	defer w.stopTimers()

	existing, err := w.scan()
	if err != nil {
		return err
	}
	for _, path := range existing {
		w.process(ctx, path)
	}

	w.logger.Info("inbox watcher started", slog.String("dir", w.dir))
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("inbox watcher stopped", slog.String("dir", w.dir))
			return nil

		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) {
				if exchangeFile(event.Name) {
					w.schedule(event.Name)
				}
			}

		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("inbox watch error", slog.String("error", err.Error()))

		case path := <-w.ready:
			w.process(ctx, path)
		}
	}
}

// exchangeFile skips temporary files, including the ones ExportToFile
// writes before its rename.
func exchangeFile(path string) bool {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") {
		return false
	}
	return strings.HasSuffix(base, ".json") || strings.HasSuffix(base, ".json.gz")
}

func (w *Watcher) scan() ([]string, error) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return nil, fmt.Errorf("read inbox %s: %w", w.dir, err)
	}
	var out []string
	for _, e := range entries {
		if !e.IsDir() && exchangeFile(e.Name()) {
			out = append(out, filepath.Join(w.dir, e.Name()))
		}
	}
	sort.Strings(out)
	return out, nil
}

// schedule (re)starts the settle timer for path, so a file still being
// copied in is imported once writes stop.
func (w *Watcher) schedule(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.pending[path]; ok {
		t.Reset(w.settle)
		return
	}
	w.pending[path] = time.AfterFunc(w.settle, func() {
		w.mu.Lock()
		delete(w.pending, path)
		w.mu.Unlock()
		w.ready <- path
	})
}

func (w *Watcher) stopTimers() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for path, t := range w.pending {
		t.Stop()
		delete(w.pending, path)
	}
}

func (w *Watcher) process(ctx context.Context, path string) {
	if _, err := os.Stat(path); err != nil {
		// already moved, or removed by its writer
		return
	}
	e, err := ImportFromFile(path)
	if err == nil {
		err = w.handle(ctx, path, e)
	}

	dest := processedDir
	if err != nil {
		dest = failedDir
		w.logger.LogError(ctx, err, "exchange file import failed", slog.String("path", path))
	} else {
		w.logger.Info("exchange file imported",
			slog.String("path", path),
			slog.String("from_device", e.DeviceID),
			slog.Int("operations", len(e.Operations)),
		)
	}
	if moveErr := move(path, filepath.Join(w.dir, dest)); moveErr != nil {
		w.logger.LogError(ctx, moveErr, "could not move exchange file", slog.String("path", path))
	}
}

// move renames path into dir, adding a timestamp if the name is taken.
func move(path, dir string) error {
	target := filepath.Join(dir, filepath.Base(path))
	if _, err := os.Stat(target); err == nil {
		target = filepath.Join(dir, fmt.Sprintf("%d-%s", time.Now().UnixNano(), filepath.Base(path)))
	}
	return os.Rename(path, target)
}
