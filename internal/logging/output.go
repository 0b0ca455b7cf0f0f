package logging

import (
	"bufio"
	"io"
	"log/slog"
	"strings"
	"sync"
)

const (
	// MaxLineLength is the maximum length of a single output line before truncation.
	MaxLineLength = 4096

	// MaxBufferedLines is the number of recent lines kept per worker.
	MaxBufferedLines = 100

	truncatedSuffix = "...(truncated)"
)

// OutputHandler consumes a worker process's stdout/stderr. It logs each
// line at a level inferred from its content and keeps the most recent
// lines for launch-failure diagnostics.
type OutputHandler struct {
	workerID string
	logger   *slog.Logger
	verbose  bool

	mu     sync.Mutex
	buffer []string
	next   int
	count  int
}

// NewOutputHandler creates a handler for one worker.
func NewOutputHandler(workerID string, logger *slog.Logger, verbose bool) *OutputHandler {
	return &OutputHandler{
		workerID: workerID,
		logger:   logger,
		verbose:  verbose,
		buffer:   make([]string, MaxBufferedLines),
	}
}

// HandleReader reads lines until EOF. Run it in a goroutine. Lines longer
// than MaxLineLength are truncated and reading carries on.
func (h *OutputHandler) HandleReader(r io.Reader) {
	br := bufio.NewReaderSize(r, MaxLineLength)
	line := make([]byte, 0, MaxLineLength)
	truncated := false
	for {
		chunk, more, err := br.ReadLine()
		if err != nil {
			if len(line) > 0 {
				h.record(string(line), truncated)
			}
			return
		}
		if room := MaxLineLength - len(line); len(chunk) > room {
			chunk = chunk[:room]
			truncated = true
		}
		line = append(line, chunk...)
		if more {
			continue
		}
		h.record(string(line), truncated)
		line, truncated = line[:0], false
	}
}

// HandleLine records and logs a single line.
func (h *OutputHandler) HandleLine(line string) {
	truncated := len(line) > MaxLineLength
	if truncated {
		line = line[:MaxLineLength]
	}
	h.record(line, truncated)
}

func (h *OutputHandler) record(line string, truncated bool) {
	if truncated {
		line += truncatedSuffix
	}

	h.mu.Lock()
	h.buffer[h.next] = line
	h.next = (h.next + 1) % MaxBufferedLines
	if h.count < MaxBufferedLines {
		h.count++
	}
	h.mu.Unlock()

	level := classifyLine(line)
	if !h.verbose && level == slog.LevelDebug {
		return
	}
	h.logger.Log(nil, level, "worker_output",
		"worker_id", h.workerID,
		"line", line,
	)
}

// classifyLine picks a log level from the line content.
func classifyLine(line string) slog.Level {
	lower := strings.ToLower(line)
	switch {
	case strings.Contains(lower, "panic"),
		strings.Contains(lower, "fatal"),
		strings.Contains(lower, "error"),
		strings.Contains(lower, "connection refused"):
		return slog.LevelWarn
	case strings.Contains(lower, "warn"),
		strings.Contains(lower, "deprecated"):
		return slog.LevelWarn
	default:
		return slog.LevelDebug
	}
}

// RecentLines returns up to n of the most recent lines, oldest first.
func (h *OutputHandler) RecentLines(n int) []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	if n > h.count {
		n = h.count
	}
	lines := make([]string, 0, n)
	for i := 0; i < n; i++ {
		idx := (h.next - n + i + MaxBufferedLines) % MaxBufferedLines
		lines = append(lines, h.buffer[idx])
	}
	return lines
}
