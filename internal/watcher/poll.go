package watcher

import (
	"context"
	"io/fs"
	"log/slog"
	"path/filepath"
	"sort"
	"time"
)

type stamp struct {
	mod  time.Time
	size int64
}

// pollSource detects changes by rescanning the roots on an interval and
// comparing modification time and size.
type pollSource struct {
	roots    []string
	match    func(string) bool
	interval time.Duration
	logger   *slog.Logger
	prev     map[string]stamp
}

func newPollSource(roots []string, match func(string) bool, interval time.Duration, logger *slog.Logger) *pollSource {
	return &pollSource{roots: roots, match: match, interval: interval, logger: logger}
}

// prime records the current state so the first scan reports only changes
// made after this call.
func (s *pollSource) prime() {
	s.prev = s.scan()
}

func (s *pollSource) scan() map[string]stamp {
	out := make(map[string]stamp)
	for _, root := range s.roots {
		_ = filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
			if err != nil || d.IsDir() || !s.match(p) {
				return nil
			}
			info, err := d.Info()
			if err != nil {
				return nil
			}
			out[p] = stamp{mod: info.ModTime(), size: info.Size()}
			return nil
		})
	}
	return out
}

// diff returns every path that was added, removed or modified.
func diff(prev, cur map[string]stamp) []string {
	var changed []string
	for p, st := range cur {
		if old, ok := prev[p]; !ok || !old.mod.Equal(st.mod) || old.size != st.size {
			changed = append(changed, p)
		}
	}
	for p := range prev {
		if _, ok := cur[p]; !ok {
			changed = append(changed, p)
		}
	}
	sort.Strings(changed)
	return changed
}

func (s *pollSource) run(ctx context.Context, out chan<- string) {
	if s.prev == nil {
		s.prime()
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cur := s.scan()
			changed := diff(s.prev, cur)
			s.prev = cur
			if len(changed) > 0 {
				s.logger.Debug("watcher_poll_changes", "count", len(changed))
			}
			for _, p := range changed {
				select {
				case out <- p:
				case <-ctx.Done():
					return
				}
			}
		}
	}
}
