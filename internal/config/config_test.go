package config

import (
	"errors"
	"flag"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/randomizedcoder/go-test-swarm/internal/manifest"
	"github.com/randomizedcoder/go-test-swarm/internal/worker"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test-swarm.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func validConfig() *Config {
	cfg := DefaultConfig()
	cfg.Files = []manifest.Pattern{{Glob: "test/**/*.js", Included: true, Served: true, Watched: true}}
	cfg.Browsers = []string{"ChromeHeadless"}
	return cfg
}

func TestStringList_Set(t *testing.T) {
	var s stringList
	for _, v := range []string{"Chrome, Firefox", "", "Node"} {
		if err := s.Set(v); err != nil {
			t.Fatalf("Set(%q) error = %v", v, err)
		}
	}
	if got := s.String(); got != "Chrome,Firefox,Node" {
		t.Errorf("String() = %q", got)
	}
}

func TestFlagType(t *testing.T) {
	testCases := []struct {
		name     string
		defValue string
		expected string
	}{
		{"bool true", "true", ""},
		{"bool false", "false", ""},
		{"int", "42", "int"},
		{"string", "unit", "string"},
		{"duration seconds", "5s", "duration"},
		{"duration minutes", "2m0s", "duration"},
		{"empty", "", "string"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			f := &flag.Flag{Name: "x", DefValue: tc.defValue}
			if got := flagType(f); got != tc.expected {
				t.Errorf("flagType(%q) = %q, want %q", tc.defValue, got, tc.expected)
			}
		})
	}
}

func TestParseFlags_Defaults(t *testing.T) {
	cfg, err := parseFlags(nil, io.Discard)
	if err != nil {
		t.Fatalf("parseFlags() error = %v", err)
	}
	if cfg.Command != CommandDefault || cfg.SingleRun() {
		t.Errorf("Command = %q", cfg.Command)
	}
	if cfg.CaptureTimeout != 60*time.Second || cfg.Debounce != 250*time.Millisecond {
		t.Errorf("timeouts = %v / %v", cfg.CaptureTimeout, cfg.Debounce)
	}
	if len(cfg.Reporters) != 1 || cfg.Reporters[0].Type != "console" {
		t.Errorf("Reporters = %+v", cfg.Reporters)
	}
}

func TestParseFlags_FileThenFlags(t *testing.T) {
	path := writeConfig(t, `
basePath: web
files:
  - test/**/*.spec.js
  - pattern: fixtures/**
    included: false
browsers: [Node, ChromeHeadless]
captureTimeout: 5000
browserNoActivityTimeout: 30000
autoWatchBatchDelay: 100
customLaunchers:
  Node:
    base: process
    command: node
    args: [runner.js, "{url}"]
reporters:
  - type: junit
    outputFile: out/file.xml
  - type: console
`)

	cfg, err := parseFlags([]string{
		"-config", path,
		"-capture-timeout", "9s",
		"-junit", "out/flag.xml",
		"-browsers", "Node",
		"test",
	}, io.Discard)
	if err != nil {
		t.Fatalf("parseFlags() error = %v", err)
	}

	if !cfg.SingleRun() {
		t.Error("positional command not applied")
	}
	if cfg.BasePath != filepath.Join(filepath.Dir(path), "web") {
		t.Errorf("BasePath = %q", cfg.BasePath)
	}
	if cfg.CaptureTimeout != 9*time.Second {
		t.Errorf("flag did not override file: CaptureTimeout = %v", cfg.CaptureTimeout)
	}
	if cfg.NoActivityTimeout != 30*time.Second || cfg.Debounce != 100*time.Millisecond {
		t.Errorf("file timeouts not applied: %v / %v", cfg.NoActivityTimeout, cfg.Debounce)
	}
	if len(cfg.Browsers) != 1 || cfg.Browsers[0] != "Node" {
		t.Errorf("Browsers = %v", cfg.Browsers)
	}

	if len(cfg.Files) != 2 || cfg.Files[1].Included || !cfg.Files[1].Served || !cfg.Files[1].Watched {
		t.Errorf("Files = %+v", cfg.Files)
	}

	want := []ReporterConfig{{Type: "console"}, {Type: "junit", OutputFile: "out/flag.xml", Suite: "unit"}}
	if len(cfg.Reporters) != len(want) {
		t.Fatalf("Reporters = %+v", cfg.Reporters)
	}
	for i := range want {
		if cfg.Reporters[i] != want[i] {
			t.Errorf("Reporters[%d] = %+v, want %+v", i, cfg.Reporters[i], want[i])
		}
	}
}

func TestParseFlags_Errors(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"two commands", []string{"test", "default"}},
		{"unknown flag", []string{"-nope"}},
		{"missing file", []string{"-config", filepath.Join(t.TempDir(), "missing.yaml")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := parseFlags(tt.args, io.Discard); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestLoadFile_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"bad yaml", "files: [\n"},
		{"empty pattern", "files:\n  - included: true\n"},
		{"zero timeout", "captureTimeout: 0\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := LoadFile(writeConfig(t, tt.body), DefaultConfig()); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestLoadFile_AutoWatchOff(t *testing.T) {
	cfg := DefaultConfig()
	body := "autoWatch: false\nfiles:\n  - a/*.js\n  - pattern: b/*.js\n    watched: true\n"
	if err := LoadFile(writeConfig(t, body), cfg); err != nil {
		t.Fatal(err)
	}
	if cfg.Files[0].Watched || !cfg.Files[1].Watched {
		t.Errorf("Files = %+v", cfg.Files)
	}
}

func TestWorkerSpecs(t *testing.T) {
	cfg := validConfig()
	cfg.Browsers = []string{"Sauce", "ChromeHeadless", "Node"}
	cfg.Launchers = map[string]LauncherConfig{
		"Node":  {Base: "process", Command: "node", Env: map[string]string{"B": "2", "A": "1"}},
		"Sauce": {Base: "SauceLabs", BrowserName: "firefox", Platform: "Linux"},
	}
	cfg.RemoteGrid.TestName = "unit"

	env := map[string]string{
		"SAUCE_USERNAME":    "ci",
		"SAUCE_ACCESS_KEY":  "secret",
		"TRAVIS_JOB_NUMBER": "42.1",
	}
	specs, err := cfg.WorkerSpecs(func(k string) string { return env[k] })
	if err != nil {
		t.Fatalf("WorkerSpecs() error = %v", err)
	}

	if len(specs) != 3 || specs[0].Name != "Sauce" || specs[2].Name != "Node" {
		t.Fatalf("specs out of order: %+v", specs)
	}

	remote := specs[0]
	if remote.Kind != worker.KindRemote || remote.Remote.Username != "ci" || remote.Remote.AccessKey != "secret" {
		t.Errorf("remote = %+v", remote.Remote)
	}
	if remote.Remote.TunnelIdentifier != "42.1" || remote.Remote.BrowserName != "firefox" {
		t.Errorf("remote = %+v", remote.Remote)
	}

	if specs[1].Kind != worker.KindChrome || !specs[1].Headless {
		t.Errorf("chrome = %+v", specs[1])
	}

	node := specs[2]
	if node.Kind != worker.KindProcess || strings.Join(node.Env, ",") != "A=1,B=2" {
		t.Errorf("process = %+v", node)
	}
	if node.CaptureTimeout != cfg.CaptureTimeout || node.IdleTimeout != cfg.IdleTimeout {
		t.Errorf("timeouts not copied: %+v", node)
	}
}

func TestWorkerSpecs_Errors(t *testing.T) {
	tests := []struct {
		name      string
		browsers  []string
		launchers map[string]LauncherConfig
	}{
		{"unknown browser", []string{"Safari"}, nil},
		{"bad base", []string{"X"}, map[string]LauncherConfig{"X": {Base: "lynx"}}},
		{"process without command", []string{"P"}, map[string]LauncherConfig{"P": {Base: "process"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			cfg.Browsers = tt.browsers
			cfg.Launchers = tt.launchers
			if _, err := cfg.WorkerSpecs(os.Getenv); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"valid", func(*Config) {}, ""},
		{"bad command", func(c *Config) { c.Command = "run" }, "command"},
		{"no files", func(c *Config) { c.Files = nil }, "files"},
		{"nothing included", func(c *Config) { c.Files[0].Included = false }, "files"},
		{"included not served", func(c *Config) { c.Files[0].Served = false }, "files[0]"},
		{"no browsers", func(c *Config) { c.Browsers = nil }, "browsers"},
		{"duplicate browser", func(c *Config) { c.Browsers = []string{"Chrome", "Chrome"} }, "browsers"},
		{"unknown browser", func(c *Config) { c.Browsers = []string{"Safari"} }, "browsers"},
		{"zero timeout", func(c *Config) { c.NoActivityTimeout = 0 }, "no_activity_timeout"},
		{"bad listen", func(c *Config) { c.ListenAddr = "nowhere" }, "listen_addr"},
		{"reporter type", func(c *Config) { c.Reporters = []ReporterConfig{{Type: "html"}} }, "reporters[0]"},
		{"junit without file", func(c *Config) { c.Reporters = []ReporterConfig{{Type: "junit"}} }, "reporters[0]"},
		{"negative relaunches", func(c *Config) { c.MaxRelaunches = -1 }, "max_relaunches"},
		{"backoff max", func(c *Config) { c.BackoffMax = time.Millisecond }, "backoff_max"},
		{"log format", func(c *Config) { c.LogFormat = "xml" }, "log_format"},
		{"tui single run", func(c *Config) { c.TUIEnabled = true; c.Command = CommandTest }, "tui"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := Validate(cfg)
			if tt.field == "" {
				if err != nil {
					t.Errorf("Validate() error = %v", err)
				}
				return
			}
			if !hasField(err, tt.field) {
				t.Errorf("Validate() error = %v, want field %q", err, tt.field)
			}
		})
	}
}

func hasField(err error, field string) bool {
	if err == nil {
		return false
	}
	var ve ValidationError
	if errors.As(err, &ve) && ve.Field == field {
		return true
	}
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		for _, e := range joined.Unwrap() {
			if hasField(e, field) {
				return true
			}
		}
	}
	return false
}
