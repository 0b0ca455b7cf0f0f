package report

import (
	"encoding/json"
	"fmt"
)

// JSONSink writes the full RunReport as indented JSON.
type JSONSink struct {
	path string
}

// NewJSONSink creates a JSON sink.
func NewJSONSink(path string) *JSONSink {
	return &JSONSink{path: path}
}

// Name implements Sink.
func (s *JSONSink) Name() string { return "json" }

// Emit implements Sink.
func (s *JSONSink) Emit(r *RunReport) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("encode json report: %w", err)
	}
	return writeFileAtomic(s.path, append(data, '\n'))
}
