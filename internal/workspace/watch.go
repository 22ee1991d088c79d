package workspace

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const rescanDebounce = 100 * time.Millisecond

// Watch rescans the store whenever a direct child of the testbed root is
// created, removed or renamed. It blocks until ctx is done. Best effort:
// events dropped by the kernel are only picked up by the next change.
// onRescan, when non-nil, receives the workspace list after each rescan.
func (s *Store) Watch(ctx context.Context, onRescan func([]Handle)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(s.root); err != nil {
		return fmt.Errorf("watch %s: %w", s.root, err)
	}
	s.logger.Info("watching testbed root", "root", s.root)

	debounce := time.NewTimer(rescanDebounce)
	debounce.Stop()
	defer debounce.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if filepath.Dir(event.Name) != s.root || validateName(filepath.Base(event.Name)) != nil {
				continue
			}
			debounce.Reset(rescanDebounce)
		case <-debounce.C:
			if err := s.Rescan(ctx); err != nil {
				s.logger.Warn("rescan failed", "error", err)
				continue
			}
			if onRescan != nil {
				onRescan(s.List())
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn("watcher error", "error", err)
		}
	}
}
