// Package manifest resolves file patterns into the ordered set of files a
// test cycle executes, serves, or merely watches.
package manifest

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Mode classifies how a file participates in a cycle.
type Mode int

const (
	// ModeIncluded files are executed by every worker, in listed order.
	ModeIncluded Mode = iota

	// ModeServed files are available on request but never auto-run.
	ModeServed

	// ModeWatched files are never transmitted; they only trigger reruns.
	ModeWatched
)

// String returns a human-readable name for the mode.
func (m Mode) String() string {
	switch m {
	case ModeIncluded:
		return "included"
	case ModeServed:
		return "served"
	case ModeWatched:
		return "watched"
	default:
		return "unknown"
	}
}

// Pattern is one configured glob with its participation switches.
type Pattern struct {
	Glob     string `json:"pattern"`
	Included bool   `json:"included"`
	Served   bool   `json:"served"`
	Watched  bool   `json:"watched"`
}

// Mode returns the mode files matched by this pattern get.
func (p Pattern) Mode() Mode {
	switch {
	case p.Included:
		return ModeIncluded
	case p.Served:
		return ModeServed
	default:
		return ModeWatched
	}
}

// FileEntry is a resolved file.
type FileEntry struct {
	Path    string `json:"path"`    // absolute OS path
	Rel     string `json:"rel"`     // slash-separated, relative to the base path
	Pattern string `json:"pattern"` // glob that claimed the file
	Mode    Mode   `json:"mode"`
	Watched bool   `json:"watched"`
}

// URL returns the path under which the manifest server exposes the file.
func (e FileEntry) URL() string {
	if strings.HasPrefix(e.Rel, "../") {
		return "/absolute" + filepath.ToSlash(e.Path)
	}
	return "/base/" + e.Rel
}

// Manifest is an immutable, ordered file table.
type Manifest struct {
	basePath string
	patterns []Pattern
	entries  []FileEntry
	byURL    map[string]int
	warnings []string
}

// Resolve expands patterns in configuration order. Matches of a single
// pattern are sorted lexically; a file already claimed by an earlier
// pattern keeps its earlier entry.
func Resolve(basePath string, patterns []Pattern) (*Manifest, error) {
	base, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve base path: %w", err)
	}

	m := &Manifest{
		basePath: base,
		patterns: append([]Pattern(nil), patterns...),
		byURL:    make(map[string]int),
	}
	claimed := make(map[string]bool)

	for _, p := range patterns {
		abs := absPattern(base, p.Glob)
		matches, err := doublestar.FilepathGlob(abs, doublestar.WithFilesOnly())
		if err != nil {
			return nil, fmt.Errorf("pattern %q: %w", p.Glob, err)
		}
		if len(matches) == 0 {
			m.warnings = append(m.warnings, fmt.Sprintf("pattern %q does not match any file", p.Glob))
			continue
		}
		sort.Strings(matches)

		for _, path := range matches {
			if claimed[path] {
				continue
			}
			claimed[path] = true

			rel, err := filepath.Rel(base, path)
			if err != nil {
				return nil, fmt.Errorf("relative path for %s: %w", path, err)
			}
			entry := FileEntry{
				Path:    path,
				Rel:     filepath.ToSlash(rel),
				Pattern: p.Glob,
				Mode:    p.Mode(),
				Watched: p.Watched,
			}
			m.byURL[entry.URL()] = len(m.entries)
			m.entries = append(m.entries, entry)
		}
	}
	return m, nil
}

func absPattern(base, glob string) string {
	glob = filepath.FromSlash(strings.TrimPrefix(glob, "./"))
	if filepath.IsAbs(glob) {
		return glob
	}
	return filepath.Join(base, glob)
}

// BasePath returns the absolute base path.
func (m *Manifest) BasePath() string { return m.basePath }

// Patterns returns the patterns the manifest was resolved from.
func (m *Manifest) Patterns() []Pattern { return append([]Pattern(nil), m.patterns...) }

// Warnings lists patterns that matched nothing.
func (m *Manifest) Warnings() []string { return append([]string(nil), m.warnings...) }

// Entries returns every resolved entry in resolution order.
func (m *Manifest) Entries() []FileEntry { return append([]FileEntry(nil), m.entries...) }

// Included returns the entries workers must execute, in execution order.
func (m *Manifest) Included() []FileEntry { return m.byMode(ModeIncluded) }

// Served returns the passive, on-request entries.
func (m *Manifest) Served() []FileEntry { return m.byMode(ModeServed) }

func (m *Manifest) byMode(mode Mode) []FileEntry {
	var out []FileEntry
	for _, e := range m.entries {
		if e.Mode == mode {
			out = append(out, e)
		}
	}
	return out
}

// IncludedURLs returns the server paths of the Included entries in order.
func (m *Manifest) IncludedURLs() []string {
	included := m.Included()
	urls := make([]string, len(included))
	for i, e := range included {
		urls[i] = e.URL()
	}
	return urls
}

// Lookup finds an entry by its server path.
func (m *Manifest) Lookup(url string) (FileEntry, bool) {
	i, ok := m.byURL[url]
	if !ok {
		return FileEntry{}, false
	}
	return m.entries[i], true
}

// Counts returns the number of entries per mode.
func (m *Manifest) Counts() map[Mode]int {
	counts := map[Mode]int{ModeIncluded: 0, ModeServed: 0, ModeWatched: 0}
	for _, e := range m.entries {
		counts[e.Mode]++
	}
	return counts
}

// WatchGlobs returns the globs whose files trigger reruns.
func (m *Manifest) WatchGlobs() []string {
	return WatchGlobs(m.patterns)
}

// WatchGlobs returns the globs of the watched patterns, in order.
func WatchGlobs(patterns []Pattern) []string {
	var globs []string
	for _, p := range patterns {
		if p.Watched {
			globs = append(globs, p.Glob)
		}
	}
	return globs
}
