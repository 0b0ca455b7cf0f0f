package report

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Sink receives every RunReport once its cycle is complete.
type Sink interface {
	Name() string
	Emit(r *RunReport) error
}

// SinkConfig selects and configures a sink.
type SinkConfig struct {
	Type       string // junit, json, console
	OutputFile string
	Suite      string
}

// NewSink builds a sink. Console sinks write to console.
func NewSink(cfg SinkConfig, console io.Writer) (Sink, error) {
	switch strings.ToLower(cfg.Type) {
	case "junit":
		if cfg.OutputFile == "" {
			return nil, errors.New("junit reporter requires an output file")
		}
		return NewJUnitSink(cfg.OutputFile, cfg.Suite), nil
	case "json":
		if cfg.OutputFile == "" {
			return nil, errors.New("json reporter requires an output file")
		}
		return NewJSONSink(cfg.OutputFile), nil
	case "console", "":
		return NewConsoleSink(console), nil
	default:
		return nil, fmt.Errorf("unknown reporter type %q", cfg.Type)
	}
}

// Multi fans a report out to several sinks. Every sink is tried; errors are
// joined.
type Multi []Sink

// Name implements Sink.
func (m Multi) Name() string { return "multi" }

// Emit implements Sink.
func (m Multi) Emit(r *RunReport) error {
	var errs []error
	for _, s := range m {
		if err := s.Emit(r); err != nil {
			errs = append(errs, fmt.Errorf("%s reporter: %w", s.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// writeFileAtomic writes data next to path and renames it into place so a
// reader never sees a partial report.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create report directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	name := tmp.Name()
	defer os.Remove(name)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(name, 0o644); err != nil {
		return err
	}
	return os.Rename(name, path)
}
