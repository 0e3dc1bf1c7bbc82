package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// settle is how long a burst of events must be quiet before a reload.
const settle = 50 * time.Millisecond

// watchUnits reloads a unit whenever its file changes. Editors often replace
// files by rename, so the parent directory is watched rather than the file.
func watchUnits(ctx context.Context, s *session, files []string) (*fsnotify.Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watch: %w", err)
	}

	watched := make(map[string]string, len(files))
	dirs := make(map[string]bool)
	for _, f := range files {
		abs, err := filepath.Abs(f)
		if err != nil {
			w.Close()
			return nil, err
		}
		watched[abs] = f
		dirs[filepath.Dir(abs)] = true
	}
	for d := range dirs {
		if err := w.Add(d); err != nil {
			w.Close()
			return nil, fmt.Errorf("watch %s: %w", d, err)
		}
	}

	go func() {
		pending := make(map[string]bool)
		timer := time.NewTimer(settle)
		timer.Stop()
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if _, ok := watched[ev.Name]; !ok {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				pending[ev.Name] = true
				timer.Reset(settle)
			case <-timer.C:
				for abs := range pending {
					reloadFile(ctx, s, watched[abs])
				}
				clear(pending)
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				s.logger.Warn("watch error", zap.Error(err))
			}
		}
	}()
	return w, nil
}

func reloadFile(ctx context.Context, s *session, path string) {
	if _, err := os.Stat(path); err != nil {
		// renamed away; the Create for the replacement follows
		return
	}
	if err := s.reload(ctx, path); err != nil {
		s.logger.Warn("reload failed", zap.String("path", path), zap.Error(err))
		fmt.Fprintf(os.Stderr, "reload %s: %v\n", path, err)
		return
	}
	fmt.Fprintf(os.Stderr, "reloaded %s\n", path)
}
