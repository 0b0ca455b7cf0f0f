package config

import (
	"fmt"
	"sort"
	"strings"

	"github.com/randomizedcoder/go-test-swarm/internal/worker"
)

// builtinLaunchers are available without a customLaunchers entry.
var builtinLaunchers = map[string]LauncherConfig{
	"Chrome":         {Base: "chrome", Headless: boolPtr(false)},
	"ChromeHeadless": {Base: "chrome", Headless: boolPtr(true)},
}

func boolPtr(b bool) *bool { return &b }

// ParseKind maps a launcher base name onto a worker kind.
func ParseKind(base string) (worker.Kind, error) {
	switch strings.ToLower(strings.TrimSpace(base)) {
	case "", "process", "script":
		return worker.KindProcess, nil
	case "chrome", "chromeheadless":
		return worker.KindChrome, nil
	case "remote", "saucelabs", "webdriver":
		return worker.KindRemote, nil
	default:
		return "", fmt.Errorf("unknown launcher base %q", base)
	}
}

// Launcher returns the launcher configuration for a browser name, looking
// at custom launchers first and built-ins second.
func (c *Config) Launcher(name string) (LauncherConfig, bool) {
	if lc, ok := c.Launchers[name]; ok {
		return lc, true
	}
	lc, ok := builtinLaunchers[name]
	return lc, ok
}

// LauncherNames returns every launcher name known to this configuration.
func (c *Config) LauncherNames() []string {
	seen := make(map[string]bool)
	for name := range builtinLaunchers {
		seen[name] = true
	}
	for name := range c.Launchers {
		seen[name] = true
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// WorkerSpecs resolves the selected browsers into immutable worker specs,
// in the order the browsers were listed. Remote-grid credentials and the
// tunnel identifier are read through getenv.
func (c *Config) WorkerSpecs(getenv func(string) string) ([]worker.Spec, error) {
	specs := make([]worker.Spec, 0, len(c.Browsers))
	for _, name := range c.Browsers {
		lc, ok := c.Launcher(name)
		if !ok {
			return nil, fmt.Errorf("browser %q: no launcher configured", name)
		}
		kind, err := ParseKind(lc.Base)
		if err != nil {
			return nil, fmt.Errorf("browser %q: %w", name, err)
		}

		spec := worker.Spec{
			Name:           name,
			Kind:           kind,
			CaptureTimeout: c.CaptureTimeout,
			IdleTimeout:    c.IdleTimeout,
		}

		switch kind {
		case worker.KindProcess:
			if lc.Command == "" {
				return nil, fmt.Errorf("browser %q: process launcher requires a command", name)
			}
			spec.Command = lc.Command
			spec.Args = append([]string(nil), lc.Args...)
			spec.Env = envList(lc.Env)
		case worker.KindChrome:
			spec.ChromePath = lc.ChromePath
			spec.Headless = lc.Headless == nil || *lc.Headless
		case worker.KindRemote:
			spec.Remote = c.remoteSpec(lc, getenv)
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

func (c *Config) remoteSpec(lc LauncherConfig, getenv func(string) string) worker.RemoteSpec {
	grid := c.RemoteGrid
	lookup := func(name string) string {
		if name == "" || getenv == nil {
			return ""
		}
		return getenv(name)
	}

	tunnel := grid.TunnelIdentifier
	if tunnel == "" {
		tunnel = lookup(grid.TunnelIdentifierEnv)
	}
	build := grid.Build
	if build == "" {
		build = lookup(grid.BuildEnv)
	}

	return worker.RemoteSpec{
		GridURL:          grid.URL,
		Username:         lookup(grid.UsernameEnv),
		AccessKey:        lookup(grid.AccessKeyEnv),
		TunnelIdentifier: tunnel,
		TestName:         grid.TestName,
		Build:            build,
		BrowserName:      lc.BrowserName,
		Version:          lc.Version,
		Platform:         lc.Platform,
		Options:          grid.Options,
	}
}

// envList converts an env map to KEY=VALUE pairs in a stable order.
func envList(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}
