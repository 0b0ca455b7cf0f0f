package watcher

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

var errNotifyClosed = errors.New("notification channel closed")

// notifySource forwards fsnotify events for every directory below the
// roots, adding directories as they are created.
type notifySource struct {
	fsw    *fsnotify.Watcher
	logger *slog.Logger
}

func newNotifySource(roots []string, logger *slog.Logger) (*notifySource, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create notify watcher: %w", err)
	}
	s := &notifySource{fsw: fsw, logger: logger}
	for _, root := range roots {
		if _, err := s.addTree(root); err != nil {
			fsw.Close()
			return nil, err
		}
	}
	return s, nil
}

// addTree watches root and every directory below it and returns the files
// found on the way.
func (s *notifySource) addTree(root string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p == root {
				return err
			}
			return nil
		}
		if !d.IsDir() {
			files = append(files, p)
			return nil
		}
		if err := s.fsw.Add(p); err != nil {
			return fmt.Errorf("watch %s: %w", p, err)
		}
		return nil
	})
	return files, err
}

// run forwards paths until ctx is done. A non-nil error means notifications
// stopped working.
func (s *notifySource) run(ctx context.Context, out chan<- string) error {
	defer s.fsw.Close()

	send := func(p string) bool {
		select {
		case out <- p:
			return true
		case <-ctx.Done():
			return false
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-s.fsw.Events:
			if !ok {
				return errNotifyClosed
			}
			if ev.Op == fsnotify.Chmod {
				continue
			}
			if ev.Has(fsnotify.Create) {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					files, err := s.addTree(ev.Name)
					if err != nil {
						return err
					}
					for _, f := range files {
						if !send(f) {
							return nil
						}
					}
					continue
				}
			}
			if !send(ev.Name) {
				return nil
			}

		case err, ok := <-s.fsw.Errors:
			if !ok {
				return errNotifyClosed
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				s.logger.Warn("watcher_overflow", "error", err)
				continue
			}
			return fmt.Errorf("notify: %w", err)
		}
	}
}
