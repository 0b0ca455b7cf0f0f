package manifest

import (
	"os"
	"path/filepath"
	"sort"

	"github.com/bmatcuk/doublestar/v4"
)

// Matcher tests file paths against a fixed set of globs rooted at a base path.
type Matcher struct {
	basePath string
	globs    []string
	abs      []string
}

// NewMatcher builds a matcher. Relative globs are anchored at basePath.
func NewMatcher(basePath string, globs []string) (*Matcher, error) {
	base, err := filepath.Abs(basePath)
	if err != nil {
		return nil, err
	}
	m := &Matcher{basePath: base, globs: append([]string(nil), globs...)}
	for _, g := range globs {
		abs := absPattern(base, g)
		if !doublestar.ValidatePathPattern(abs) {
			return nil, doublestar.ErrBadPattern
		}
		m.abs = append(m.abs, abs)
	}
	return m, nil
}

// Match returns the first glob matching path.
func (m *Matcher) Match(path string) (string, bool) {
	if !filepath.IsAbs(path) {
		path = filepath.Join(m.basePath, path)
	}
	for i, abs := range m.abs {
		if ok, _ := doublestar.PathMatch(abs, path); ok {
			return m.globs[i], true
		}
	}
	return "", false
}

// Globs returns the configured globs.
func (m *Matcher) Globs() []string { return append([]string(nil), m.globs...) }

// BasePath returns the absolute base path.
func (m *Matcher) BasePath() string { return m.basePath }

// Roots returns the existing static directory prefixes of the globs, which
// are the directories a notification watcher has to observe recursively.
// Nested roots are folded into their ancestors.
func (m *Matcher) Roots() []string {
	var roots []string
	for _, abs := range m.abs {
		dir, _ := doublestar.SplitPattern(filepath.ToSlash(abs))
		dir = filepath.FromSlash(dir)
		for {
			if info, err := os.Stat(dir); err == nil && info.IsDir() {
				break
			}
			parent := filepath.Dir(dir)
			if parent == dir {
				break
			}
			dir = parent
		}
		roots = append(roots, dir)
	}
	sort.Strings(roots)

	var out []string
	for _, r := range roots {
		if len(out) > 0 && isWithin(out[len(out)-1], r) {
			continue
		}
		out = append(out, r)
	}
	return out
}

func isWithin(parent, child string) bool {
	rel, err := filepath.Rel(parent, child)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !startsWithDotDot(rel))
}

func startsWithDotDot(rel string) bool {
	return len(rel) >= 3 && rel[:2] == ".." && os.IsPathSeparator(rel[2])
}
