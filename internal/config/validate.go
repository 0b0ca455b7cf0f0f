package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Validate checks the configuration for errors and inconsistencies.
// Returns nil if valid, or all problems joined.
func Validate(cfg *Config) error {
	var errs []error
	add := func(field, msg string) {
		errs = append(errs, ValidationError{Field: field, Message: msg})
	}

	if cfg.Command != CommandDefault && cfg.Command != CommandTest {
		add("command", fmt.Sprintf("must be %q or %q (got %q)", CommandDefault, CommandTest, cfg.Command))
	}

	if strings.TrimSpace(cfg.BasePath) == "" {
		add("base_path", "must not be empty")
	}

	// Files: at least one pattern must produce tests to execute
	if len(cfg.Files) == 0 {
		add("files", "at least one file pattern is required")
	} else {
		included := false
		for i, p := range cfg.Files {
			if strings.TrimSpace(p.Glob) == "" {
				add(fmt.Sprintf("files[%d]", i), "pattern must not be empty")
			}
			if p.Included && !p.Served {
				add(fmt.Sprintf("files[%d]", i), "included files must also be served")
			}
			included = included || p.Included
		}
		if !included {
			add("files", "no pattern is marked included, nothing would run")
		}
	}

	// Browsers must resolve to a launcher
	if len(cfg.Browsers) == 0 {
		add("browsers", "at least one browser is required")
	}
	seen := make(map[string]bool, len(cfg.Browsers))
	for _, name := range cfg.Browsers {
		if seen[name] {
			add("browsers", fmt.Sprintf("%q listed twice", name))
		}
		seen[name] = true

		lc, ok := cfg.Launcher(name)
		if !ok {
			add("browsers", fmt.Sprintf("%q has no launcher (known: %s)", name, strings.Join(cfg.LauncherNames(), ", ")))
			continue
		}
		if _, err := ParseKind(lc.Base); err != nil {
			add("launchers."+name, err.Error())
		}
	}

	// Timeouts must be positive
	for _, d := range []struct {
		field string
		value time.Duration
	}{
		{"capture_timeout", cfg.CaptureTimeout},
		{"idle_timeout", cfg.IdleTimeout},
		{"no_activity_timeout", cfg.NoActivityTimeout},
		{"shutdown_grace", cfg.ShutdownGrace},
		{"debounce", cfg.Debounce},
		{"poll_interval", cfg.PollInterval},
	} {
		if d.value <= 0 {
			add(d.field, "must be positive")
		}
	}

	if _, _, err := net.SplitHostPort(cfg.ListenAddr); err != nil {
		add("listen_addr", fmt.Sprintf("invalid address %q: %v", cfg.ListenAddr, err))
	}

	// Reporters
	validReporters := map[string]bool{"junit": true, "json": true, "console": true}
	for i, r := range cfg.Reporters {
		field := fmt.Sprintf("reporters[%d]", i)
		if !validReporters[r.Type] {
			add(field, fmt.Sprintf("type must be junit, json or console (got %q)", r.Type))
			continue
		}
		if r.Type != "console" && r.OutputFile == "" {
			add(field, r.Type+" reporter requires outputFile")
		}
	}

	// Relaunch policy
	if cfg.MaxRelaunches < 0 {
		add("max_relaunches", "must be >= 0")
	}
	if cfg.BackoffInitial <= 0 {
		add("backoff_initial", "must be positive")
	}
	if cfg.BackoffMax < cfg.BackoffInitial {
		add("backoff_max", "must be >= backoff_initial")
	}
	if cfg.BackoffMultiply < 1.0 {
		add("backoff_multiply", "must be >= 1.0")
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[cfg.LogFormat] {
		add("log_format", fmt.Sprintf("must be 'json' or 'text' (got %q)", cfg.LogFormat))
	}

	if cfg.TUIEnabled && cfg.SingleRun() {
		add("tui", "the dashboard is only available for the default command")
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
