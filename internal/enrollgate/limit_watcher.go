package enrollgate

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

type limitFileDocument struct {
	Limit int `json:"limit"`
}

// LimitFileWatcher applies the admission limit from a JSON file
// (`{"limit": N}`) and keeps it applied as the file changes, so
// operators can manage the limit through config deployment instead of
// the admin API.
type LimitFileWatcher struct {
	path    string
	service *Service
	logger  *log.Logger
}

func NewLimitFileWatcher(path string, service *Service, logger *log.Logger) (*LimitFileWatcher, error) {
	if path == "" || service == nil {
		return nil, ErrInvalidInput
	}
	if logger == nil {
		logger = log.Default()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve limit file path: %w", err)
	}
	return &LimitFileWatcher{path: abs, service: service, logger: logger}, nil
}

// Run applies the current file contents once, then blocks watching for
// rewrites until ctx is canceled. Editors and config deployers replace
// files rather than writing in place, so the watch covers the parent
// directory and filters events down to the target path.
func (w *LimitFileWatcher) Run(ctx context.Context) error {
	if err := w.applyOnce(ctx); err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("start limit file watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(w.path), err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Op.Has(fsnotify.Write) && !event.Op.Has(fsnotify.Create) && !event.Op.Has(fsnotify.Rename) {
				continue
			}
			if err := w.applyOnce(ctx); err != nil {
				// Keep watching: a partially-written file often
				// settles on the next event.
				w.logger.Printf("limit file %s: %v", w.path, err)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Printf("limit file watcher: %v", err)
		}
	}
}

func (w *LimitFileWatcher) applyOnce(ctx context.Context) error {
	raw, err := os.ReadFile(w.path)
	if err != nil {
		return fmt.Errorf("read limit file: %w", err)
	}
	var doc limitFileDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("parse limit file: %w", err)
	}
	snapshot, err := w.service.SetLimit(ctx, doc.Limit)
	if err != nil {
		return fmt.Errorf("apply limit %d: %w", doc.Limit, err)
	}
	w.logger.Printf("limit file applied: limit=%d count=%d", snapshot.Limit, snapshot.Count)
	return nil
}
