// Package config provides configuration management for go-test-swarm.
package config

import (
	"time"

	"github.com/randomizedcoder/go-test-swarm/internal/manifest"
)

// Commands understood by the CLI.
const (
	// CommandDefault starts the workers once and reruns on every file change.
	CommandDefault = "default"

	// CommandTest launches the workers, runs one cycle and exits.
	CommandTest = "test"
)

// DefaultConfigFile is loaded when -config is not given and the file exists.
const DefaultConfigFile = "test-swarm.yaml"

// Config holds all configuration options for the scheduler.
type Config struct {
	// Command selection
	Command    string `json:"command"`
	ConfigFile string `json:"config_file"`

	// File set
	BasePath string             `json:"base_path"`
	Files    []manifest.Pattern `json:"files"`

	// Workers
	Browsers  []string                  `json:"browsers"`
	Launchers map[string]LauncherConfig `json:"launchers"`

	// Timeouts
	CaptureTimeout    time.Duration `json:"capture_timeout"`
	IdleTimeout       time.Duration `json:"idle_timeout"`
	NoActivityTimeout time.Duration `json:"no_activity_timeout"`
	ShutdownGrace     time.Duration `json:"shutdown_grace"`

	// Watching
	Debounce     time.Duration `json:"debounce"`
	PollInterval time.Duration `json:"poll_interval"`
	ForcePolling bool          `json:"force_polling"`
	RunOnStart   bool          `json:"run_on_start"`

	// Manifest server (workers connect here)
	ListenAddr string `json:"listen_addr"`

	// Reporting
	Reporters []ReporterConfig `json:"reporters"`

	// Cloud-hosted workers
	RemoteGrid RemoteGridConfig `json:"remote_grid"`

	// Relaunch policy (watch mode)
	MaxRelaunches   int           `json:"max_relaunches"` // 0 = never relaunch
	BackoffInitial  time.Duration `json:"backoff_initial"`
	BackoffMax      time.Duration `json:"backoff_max"`
	BackoffMultiply float64       `json:"backoff_multiply"`

	// Observability
	MetricsAddr string `json:"metrics_addr"` // empty = disabled
	Verbose     bool   `json:"verbose"`
	LogFormat   string `json:"log_format"` // json, text

	// Dashboard / diagnostics
	TUIEnabled    bool `json:"tui_enabled"`
	SkipPreflight bool `json:"skip_preflight"`
}

// LauncherConfig describes how a named worker is started. It mirrors the
// customLaunchers block of a karma configuration.
type LauncherConfig struct {
	// Base selects the launcher kind: "process", "chrome" or "remote".
	// "SauceLabs" and "WebDriver" are accepted as aliases of "remote".
	Base string `yaml:"base" json:"base"`

	// process
	Command string            `yaml:"command" json:"command,omitempty"`
	Args    []string          `yaml:"args" json:"args,omitempty"`
	Env     map[string]string `yaml:"env" json:"env,omitempty"`

	// chrome
	ChromePath string `yaml:"chromePath" json:"chrome_path,omitempty"`
	Headless   *bool  `yaml:"headless" json:"headless,omitempty"`

	// remote
	BrowserName string `yaml:"browserName" json:"browser_name,omitempty"`
	Version     string `yaml:"version" json:"version,omitempty"`
	Platform    string `yaml:"platform" json:"platform,omitempty"`
}

// RemoteGridConfig holds settings shared by all remote (cloud-hosted)
// launchers. Secrets are never stored in the file: only the names of the
// environment variables that carry them.
type RemoteGridConfig struct {
	URL                 string         `yaml:"url" json:"url"`
	TestName            string         `yaml:"testName" json:"test_name"`
	Build               string         `yaml:"build" json:"build"`
	TunnelIdentifier    string         `yaml:"tunnelIdentifier" json:"tunnel_identifier"`
	UsernameEnv         string         `yaml:"usernameEnv" json:"username_env"`
	AccessKeyEnv        string         `yaml:"accessKeyEnv" json:"access_key_env"`
	TunnelIdentifierEnv string         `yaml:"tunnelIdentifierEnv" json:"tunnel_identifier_env"`
	BuildEnv            string         `yaml:"buildEnv" json:"build_env"`
	Options             map[string]any `yaml:"options" json:"options,omitempty"`
}

// ReporterConfig configures one reporting sink.
type ReporterConfig struct {
	Type       string `yaml:"type" json:"type"` // junit, json, console
	OutputFile string `yaml:"outputFile" json:"output_file,omitempty"`
	Suite      string `yaml:"suite" json:"suite,omitempty"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Command:  CommandDefault,
		BasePath: ".",

		// Timeouts
		CaptureTimeout:    60 * time.Second,
		IdleTimeout:       2 * time.Minute,
		NoActivityTimeout: 10 * time.Minute,
		ShutdownGrace:     5 * time.Second,

		// Watching
		Debounce:     250 * time.Millisecond,
		PollInterval: time.Second,
		RunOnStart:   true,

		ListenAddr: "127.0.0.1:9876",

		Reporters: []ReporterConfig{{Type: "console"}},

		RemoteGrid: RemoteGridConfig{
			URL:                 "https://ondemand.saucelabs.com/wd/hub",
			UsernameEnv:         "SAUCE_USERNAME",
			AccessKeyEnv:        "SAUCE_ACCESS_KEY",
			TunnelIdentifierEnv: "TRAVIS_JOB_NUMBER",
			BuildEnv:            "TRAVIS_BUILD_NUMBER",
		},

		// Relaunch policy
		MaxRelaunches:   3,
		BackoffInitial:  500 * time.Millisecond,
		BackoffMax:      10 * time.Second,
		BackoffMultiply: 1.7,

		// Observability
		LogFormat: "json",
	}
}

// SingleRun reports whether the configured command runs exactly one cycle.
func (c *Config) SingleRun() bool {
	return c.Command == CommandTest
}
