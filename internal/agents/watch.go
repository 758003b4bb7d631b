package agents

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/orbitd/internal/logging"
)

// reloadDelay coalesces the burst of events an editor save produces.
const reloadDelay = 250 * time.Millisecond

// Load returns the embedded defaults followed by the agents in dir, so
// directory agents override defaults of the same name. An empty dir loads
// the defaults only.
func Load(dir string) ([]*Definition, error) {
	defs, err := LoadDefaults()
	if err != nil {
		return nil, fmt.Errorf("load default agents: %w", err)
	}
	if dir == "" {
		return defs, nil
	}
	extra, err := LoadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("load agents from %s: %w", dir, err)
	}
	return append(defs, extra...), nil
}

// Watch reloads the registry from Load(dir) whenever a markdown file or
// directory under dir changes. It blocks until ctx is done. A reload that
// fails to parse or validate is logged and the previous set stays active.
func (r *Registry) Watch(ctx context.Context, dir string, logger *logging.Logger) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("agent watcher: %w", err)
	}
	defer w.Close()

	if err := addTree(w, dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	logger.Info(ctx, "watching agent definitions", zap.String("dir", dir))

	timer := time.NewTimer(reloadDelay)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if ev.Has(fsnotify.Create) {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					_ = addTree(w, ev.Name)
				}
			}
			if relevant(ev) {
				timer.Reset(reloadDelay)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Warn(ctx, "agent watcher error", zap.Error(err))
		case <-timer.C:
			r.reload(ctx, dir, logger)
		}
	}
}

func (r *Registry) reload(ctx context.Context, dir string, logger *logging.Logger) {
	defs, err := Load(dir)
	if err == nil {
		err = r.Replace(defs)
	}
	if err != nil {
		logger.Warn(ctx, "agent reload rejected, keeping previous set", zap.Error(err))
		return
	}
	logger.Info(ctx, "agents reloaded", zap.Int("count", len(r.List())))
}

func relevant(ev fsnotify.Event) bool {
	if ev.Op == fsnotify.Chmod {
		return false
	}
	// Removed or renamed directories cannot be stat'ed, so any non-file
	// path is treated as relevant.
	ext := filepath.Ext(ev.Name)
	return ext == "" || strings.EqualFold(ext, ".md")
}

// addTree watches dir and every directory below it. fsnotify is not
// recursive.
func addTree(w *fsnotify.Watcher, dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return w.Add(path)
		}
		return nil
	})
}
