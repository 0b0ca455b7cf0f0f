package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/randomizedcoder/go-test-swarm/internal/manifest"
)

// fileConfig is the on-disk project file. Field names and millisecond
// timeouts follow the karma configuration vocabulary.
type fileConfig struct {
	BasePath                 string                    `yaml:"basePath"`
	Files                    []filePattern             `yaml:"files"`
	AutoWatch                *bool                     `yaml:"autoWatch"`
	AutoWatchBatchDelay      *int64                    `yaml:"autoWatchBatchDelay"`
	Browsers                 []string                  `yaml:"browsers"`
	CaptureTimeout           *int64                    `yaml:"captureTimeout"`
	BrowserIdleTimeout       *int64                    `yaml:"browserIdleTimeout"`
	BrowserNoActivityTimeout *int64                    `yaml:"browserNoActivityTimeout"`
	ListenAddr               string                    `yaml:"listenAddr"`
	CustomLaunchers          map[string]LauncherConfig `yaml:"customLaunchers"`
	Reporters                []ReporterConfig          `yaml:"reporters"`
	RemoteGrid               *RemoteGridConfig         `yaml:"remoteGrid"`
	MaxRelaunches            *int                      `yaml:"maxRelaunches"`
}

// filePattern accepts either a bare glob string or a mapping with explicit
// included/served/watched switches.
type filePattern struct {
	Pattern  string `yaml:"pattern"`
	Included *bool  `yaml:"included"`
	Served   *bool  `yaml:"served"`
	Watched  *bool  `yaml:"watched"`
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (p *filePattern) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		p.Pattern = value.Value
		return nil
	}
	type plain filePattern
	var raw plain
	if err := value.Decode(&raw); err != nil {
		return err
	}
	*p = filePattern(raw)
	return nil
}

func (p filePattern) toPattern(autoWatch bool) manifest.Pattern {
	out := manifest.Pattern{
		Glob:     p.Pattern,
		Included: true,
		Served:   true,
		Watched:  autoWatch,
	}
	if p.Included != nil {
		out.Included = *p.Included
	}
	if p.Served != nil {
		out.Served = *p.Served
	}
	if p.Watched != nil {
		out.Watched = *p.Watched
	}
	return out
}

// LoadFile reads a YAML project file and applies it on top of cfg.
// A relative basePath is resolved against the directory of the file.
func LoadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}

	cfg.ConfigFile = path
	return fc.apply(cfg, filepath.Dir(path))
}

func (fc *fileConfig) apply(cfg *Config, dir string) error {
	if fc.BasePath != "" {
		if filepath.IsAbs(fc.BasePath) {
			cfg.BasePath = fc.BasePath
		} else {
			cfg.BasePath = filepath.Join(dir, fc.BasePath)
		}
	} else if dir != "" {
		cfg.BasePath = dir
	}

	autoWatch := true
	if fc.AutoWatch != nil {
		autoWatch = *fc.AutoWatch
	}
	if len(fc.Files) > 0 {
		cfg.Files = make([]manifest.Pattern, 0, len(fc.Files))
		for i, fp := range fc.Files {
			if fp.Pattern == "" {
				return fmt.Errorf("files[%d]: pattern is required", i)
			}
			cfg.Files = append(cfg.Files, fp.toPattern(autoWatch))
		}
	}

	if len(fc.Browsers) > 0 {
		cfg.Browsers = append([]string(nil), fc.Browsers...)
	}
	if len(fc.CustomLaunchers) > 0 {
		if cfg.Launchers == nil {
			cfg.Launchers = make(map[string]LauncherConfig, len(fc.CustomLaunchers))
		}
		for name, lc := range fc.CustomLaunchers {
			cfg.Launchers[name] = lc
		}
	}

	if err := applyMillis(&cfg.CaptureTimeout, fc.CaptureTimeout, "captureTimeout"); err != nil {
		return err
	}
	if err := applyMillis(&cfg.IdleTimeout, fc.BrowserIdleTimeout, "browserIdleTimeout"); err != nil {
		return err
	}
	if err := applyMillis(&cfg.NoActivityTimeout, fc.BrowserNoActivityTimeout, "browserNoActivityTimeout"); err != nil {
		return err
	}
	if err := applyMillis(&cfg.Debounce, fc.AutoWatchBatchDelay, "autoWatchBatchDelay"); err != nil {
		return err
	}

	if fc.ListenAddr != "" {
		cfg.ListenAddr = fc.ListenAddr
	}
	if len(fc.Reporters) > 0 {
		cfg.Reporters = append([]ReporterConfig(nil), fc.Reporters...)
	}
	if fc.MaxRelaunches != nil {
		cfg.MaxRelaunches = *fc.MaxRelaunches
	}
	if fc.RemoteGrid != nil {
		mergeRemoteGrid(&cfg.RemoteGrid, fc.RemoteGrid)
	}
	return nil
}

func applyMillis(dst *time.Duration, ms *int64, field string) error {
	if ms == nil {
		return nil
	}
	if *ms <= 0 {
		return errors.New(field + ": must be a positive number of milliseconds")
	}
	*dst = time.Duration(*ms) * time.Millisecond
	return nil
}

// mergeRemoteGrid overlays non-empty fields of src onto dst so that the
// default environment variable names survive a partial remoteGrid block.
func mergeRemoteGrid(dst, src *RemoteGridConfig) {
	set := func(d *string, s string) {
		if s != "" {
			*d = s
		}
	}
	set(&dst.URL, src.URL)
	set(&dst.TestName, src.TestName)
	set(&dst.Build, src.Build)
	set(&dst.TunnelIdentifier, src.TunnelIdentifier)
	set(&dst.UsernameEnv, src.UsernameEnv)
	set(&dst.AccessKeyEnv, src.AccessKeyEnv)
	set(&dst.TunnelIdentifierEnv, src.TunnelIdentifierEnv)
	set(&dst.BuildEnv, src.BuildEnv)
	if len(src.Options) > 0 {
		dst.Options = src.Options
	}
}
