package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
)

// stringList is a custom flag type for comma-separated or repeated values.
type stringList []string

func (s *stringList) String() string {
	return strings.Join(*s, ",")
}

func (s *stringList) Set(value string) error {
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			*s = append(*s, part)
		}
	}
	return nil
}

// flagValues receives raw flag values before they are layered over the
// defaults and the project file.
type flagValues struct {
	cfg       Config
	browsers  stringList
	junitFile string
	jsonFile  string
	suite     string
}

// ParseFlags parses command-line arguments (without the program name) and
// returns a Config. Precedence is defaults, then the project file, then any
// flag that was set explicitly.
func ParseFlags(args []string) (*Config, error) {
	return parseFlags(args, os.Stderr)
}

func parseFlags(args []string, output io.Writer) (*Config, error) {
	defaults := DefaultConfig()
	fv := &flagValues{cfg: *defaults}
	fs := flag.NewFlagSet("go-test-swarm", flag.ContinueOnError)
	fs.SetOutput(output)

	fs.Usage = func() {
		fmt.Fprintf(output, `go-test-swarm - browser test orchestration with worker process supervision

Usage:
  go-test-swarm [flags] [default|test]

Commands:
  default    start workers, run on start and on every file change (never exits)
  test       start workers, run once, exit 0 (success) / 1 (failures) / 2 (error)

Project:
`)
		printFlagCategory(fs, output, []string{"config", "base-path", "browsers", "listen"})

		fmt.Fprintf(output, "\nTimeouts:\n")
		printFlagCategory(fs, output, []string{"capture-timeout", "idle-timeout", "no-activity-timeout", "shutdown-grace"})

		fmt.Fprintf(output, "\nWatching:\n")
		printFlagCategory(fs, output, []string{"debounce", "poll-interval", "force-polling", "run-on-start"})

		fmt.Fprintf(output, "\nReporting:\n")
		printFlagCategory(fs, output, []string{"junit", "json-report", "suite"})

		fmt.Fprintf(output, "\nRelaunch Policy:\n")
		printFlagCategory(fs, output, []string{"max-relaunches", "backoff-initial", "backoff-max"})

		fmt.Fprintf(output, "\nObservability:\n")
		printFlagCategory(fs, output, []string{"metrics", "v", "log-format", "tui"})

		fmt.Fprintf(output, "\nSafety & Diagnostics:\n")
		printFlagCategory(fs, output, []string{"skip-preflight"})

		fmt.Fprintf(output, `
Examples:
  # Continuous integration run with a JUnit report
  go-test-swarm -config test-swarm.yaml -junit test/out/unit.xml test

  # Keep workers up and rerun on save
  go-test-swarm -browsers ChromeHeadless -tui
`)
	}

	c := &fv.cfg

	// Project
	fs.StringVar(&c.ConfigFile, "config", "", "Project file (default "+DefaultConfigFile+" if present)")
	fs.StringVar(&c.BasePath, "base-path", c.BasePath, "Root for file patterns")
	fs.Var(&fv.browsers, "browsers", "Comma-separated launcher names to start (can repeat)")
	fs.StringVar(&c.ListenAddr, "listen", c.ListenAddr, "Address of the manifest server workers connect to")

	// Timeouts
	fs.DurationVar(&c.CaptureTimeout, "capture-timeout", c.CaptureTimeout, "Kill a worker that does not capture in time")
	fs.DurationVar(&c.IdleTimeout, "idle-timeout", c.IdleTimeout, "Disconnect a captured worker silent for this long")
	fs.DurationVar(&c.NoActivityTimeout, "no-activity-timeout", c.NoActivityTimeout, "Per-worker wait for results during a cycle")
	fs.DurationVar(&c.ShutdownGrace, "shutdown-grace", c.ShutdownGrace, "Grace period before in-flight work is cancelled and workers are killed")

	// Watching
	fs.DurationVar(&c.Debounce, "debounce", c.Debounce, "Coalescing window for file change bursts")
	fs.DurationVar(&c.PollInterval, "poll-interval", c.PollInterval, "Polling interval when file notifications are unavailable")
	fs.BoolVar(&c.ForcePolling, "force-polling", c.ForcePolling, "Poll instead of using file notifications")
	fs.BoolVar(&c.RunOnStart, "run-on-start", c.RunOnStart, "Run one cycle as soon as workers are captured (default command)")

	// Reporting
	fs.StringVar(&fv.junitFile, "junit", "", "Write a JUnit XML report to this file after each cycle")
	fs.StringVar(&fv.jsonFile, "json-report", "", "Write the structured run report as JSON to this file")
	fs.StringVar(&fv.suite, "suite", "unit", "Suite name used by file reporters")

	// Relaunch
	fs.IntVar(&c.MaxRelaunches, "max-relaunches", c.MaxRelaunches, "Replacement launches per worker in watch mode (0 = never)")
	fs.DurationVar(&c.BackoffInitial, "backoff-initial", c.BackoffInitial, "Initial relaunch backoff")
	fs.DurationVar(&c.BackoffMax, "backoff-max", c.BackoffMax, "Maximum relaunch backoff")

	// Observability
	fs.StringVar(&c.MetricsAddr, "metrics", c.MetricsAddr, "Prometheus metrics address (empty = disabled)")
	fs.BoolVar(&c.Verbose, "v", c.Verbose, "Verbose logging")
	fs.StringVar(&c.LogFormat, "log-format", c.LogFormat, `Log format: "json" or "text"`)
	fs.BoolVar(&c.TUIEnabled, "tui", c.TUIEnabled, "Live terminal dashboard (default command only)")

	// Safety & Diagnostics
	fs.BoolVar(&c.SkipPreflight, "skip-preflight", c.SkipPreflight, "Skip preflight checks")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg := DefaultConfig()

	// Project file
	path := fv.cfg.ConfigFile
	if path == "" {
		if _, err := os.Stat(DefaultConfigFile); err == nil {
			path = DefaultConfigFile
		}
	}
	if path != "" {
		if err := LoadFile(path, cfg); err != nil {
			return nil, err
		}
	}

	// Explicit flags win over the file
	var reporters []ReporterConfig
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "base-path":
			cfg.BasePath = fv.cfg.BasePath
		case "browsers":
			cfg.Browsers = append([]string(nil), fv.browsers...)
		case "listen":
			cfg.ListenAddr = fv.cfg.ListenAddr
		case "capture-timeout":
			cfg.CaptureTimeout = fv.cfg.CaptureTimeout
		case "idle-timeout":
			cfg.IdleTimeout = fv.cfg.IdleTimeout
		case "no-activity-timeout":
			cfg.NoActivityTimeout = fv.cfg.NoActivityTimeout
		case "shutdown-grace":
			cfg.ShutdownGrace = fv.cfg.ShutdownGrace
		case "debounce":
			cfg.Debounce = fv.cfg.Debounce
		case "poll-interval":
			cfg.PollInterval = fv.cfg.PollInterval
		case "force-polling":
			cfg.ForcePolling = fv.cfg.ForcePolling
		case "run-on-start":
			cfg.RunOnStart = fv.cfg.RunOnStart
		case "junit":
			reporters = append(reporters, ReporterConfig{Type: "junit", OutputFile: fv.junitFile, Suite: fv.suite})
		case "json-report":
			reporters = append(reporters, ReporterConfig{Type: "json", OutputFile: fv.jsonFile, Suite: fv.suite})
		case "max-relaunches":
			cfg.MaxRelaunches = fv.cfg.MaxRelaunches
		case "backoff-initial":
			cfg.BackoffInitial = fv.cfg.BackoffInitial
		case "backoff-max":
			cfg.BackoffMax = fv.cfg.BackoffMax
		case "metrics":
			cfg.MetricsAddr = fv.cfg.MetricsAddr
		case "v":
			cfg.Verbose = fv.cfg.Verbose
		case "log-format":
			cfg.LogFormat = fv.cfg.LogFormat
		case "tui":
			cfg.TUIEnabled = fv.cfg.TUIEnabled
		case "skip-preflight":
			cfg.SkipPreflight = fv.cfg.SkipPreflight
		}
	})
	if len(reporters) > 0 {
		// File reporters requested on the command line replace file-based
		// ones of the same type; the console reporter is kept.
		cfg.Reporters = mergeReporters(cfg.Reporters, reporters)
	}

	// Positional argument: command
	rest := fs.Args()
	switch len(rest) {
	case 0:
	case 1:
		cfg.Command = rest[0]
	default:
		return nil, errors.New("expected at most one command, got " + strings.Join(rest, " "))
	}

	return cfg, nil
}

func mergeReporters(existing, override []ReporterConfig) []ReporterConfig {
	replaced := make(map[string]bool, len(override))
	for _, r := range override {
		replaced[r.Type] = true
	}
	out := make([]ReporterConfig, 0, len(existing)+len(override))
	for _, r := range existing {
		if !replaced[r.Type] {
			out = append(out, r)
		}
	}
	return append(out, override...)
}

// printFlagCategory prints flags matching the given names (helper for usage).
func printFlagCategory(fs *flag.FlagSet, w io.Writer, names []string) {
	fs.VisitAll(func(f *flag.Flag) {
		for _, name := range names {
			if f.Name == name {
				fmt.Fprintf(w, "  -%s %s\n    \t%s", f.Name, flagType(f), f.Usage)
				if f.DefValue != "" && f.DefValue != "false" && f.DefValue != "0" && f.DefValue != "0s" {
					fmt.Fprintf(w, " (default %s)", f.DefValue)
				}
				fmt.Fprintln(w)
				return
			}
		}
	})
}

// flagType returns a type hint for the flag value.
func flagType(f *flag.Flag) string {
	switch f.DefValue {
	case "true", "false":
		return ""
	}

	if strings.HasSuffix(f.DefValue, "s") || strings.HasSuffix(f.DefValue, "m") || strings.HasSuffix(f.DefValue, "h") {
		return "duration"
	}

	if _, err := fmt.Sscanf(f.DefValue, "%d", new(int)); err == nil {
		return "int"
	}

	return "string"
}
