// Package preflight provides startup validation checks.
package preflight

import (
	"fmt"
	"io"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/randomizedcoder/go-test-swarm/internal/worker"
)

// chromeCandidates are the binary names tried when a chrome worker has no
// explicit path, in the order chromedp's allocator tries them.
var chromeCandidates = []string{
	"headless_shell",
	"headless-shell",
	"chromium",
	"chromium-browser",
	"google-chrome",
	"google-chrome-stable",
	"google-chrome-beta",
	"google-chrome-unstable",
	"/usr/bin/google-chrome",
	"/Applications/Google Chrome.app/Contents/MacOS/Google Chrome",
}

// lookPath is swapped in tests.
var lookPath = exec.LookPath

// Check represents the result of a single preflight check.
type Check struct {
	Name     string // Name of the check
	Required int    // Required value (if applicable)
	Actual   int    // Actual value found
	Passed   bool   // Whether the check passed
	Warning  bool   // True if it's a warning (non-fatal)
	Message  string // Additional context
}

// Result holds the results of all preflight checks.
type Result struct {
	Checks []Check
	Passed bool
}

// Options selects what RunAll inspects.
type Options struct {
	BasePath    string
	Specs       []worker.Spec
	ReportFiles []string // output files of file-based reporters
}

// String returns a human-readable summary of the check.
func (c Check) String() string {
	status := "✓"
	if !c.Passed {
		status = "✗"
	} else if c.Warning {
		status = "⚠"
	}

	if c.Required > 0 {
		return fmt.Sprintf("  %s %s: %d available (need %d)", status, c.Name, c.Actual, c.Required)
	}
	return fmt.Sprintf("  %s %s: %s", status, c.Name, c.Message)
}

// RunAll executes all preflight checks.
func RunAll(opts Options) *Result {
	result := &Result{
		Checks: make([]Check, 0, 4+len(opts.Specs)+len(opts.ReportFiles)),
		Passed: true,
	}
	add := func(c Check) {
		result.Checks = append(result.Checks, c)
		if !c.Passed {
			result.Passed = false
		}
	}

	add(checkBasePath(opts.BasePath))
	for _, spec := range opts.Specs {
		add(checkLauncher(spec))
	}
	for _, path := range opts.ReportFiles {
		add(checkReportDir(path))
	}
	add(checkFileDescriptors(len(opts.Specs)))
	add(checkProcessLimit(len(opts.Specs)))

	return result
}

// checkBasePath verifies the directory patterns resolve against.
func checkBasePath(path string) Check {
	info, err := os.Stat(path)
	switch {
	case err != nil:
		return Check{Name: "base_path", Passed: false, Message: err.Error()}
	case !info.IsDir():
		return Check{Name: "base_path", Passed: false, Message: path + " is not a directory"}
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	return Check{Name: "base_path", Passed: true, Message: abs}
}

// checkLauncher verifies a worker spec can be launched.
func checkLauncher(spec worker.Spec) Check {
	name := "launcher " + spec.Name
	switch spec.Kind {
	case worker.KindProcess:
		path, err := lookPath(spec.Command)
		if err != nil {
			return Check{Name: name, Passed: false, Message: fmt.Sprintf("command %q not found: %v", spec.Command, err)}
		}
		return Check{Name: name, Passed: true, Message: "found at " + path}

	case worker.KindChrome:
		if spec.ChromePath != "" {
			path, err := lookPath(spec.ChromePath)
			if err != nil {
				return Check{Name: name, Passed: false, Message: fmt.Sprintf("chrome not found at %s: %v", spec.ChromePath, err)}
			}
			return Check{Name: name, Passed: true, Message: "chrome at " + path}
		}
		for _, candidate := range chromeCandidates {
			if path, err := lookPath(candidate); err == nil {
				return Check{Name: name, Passed: true, Message: "chrome at " + path}
			}
		}
		return Check{Name: name, Passed: false, Message: "no chrome or chromium binary on PATH"}

	case worker.KindRemote:
		r := spec.Remote
		var missing []string
		if r.Username == "" {
			missing = append(missing, "username")
		}
		if r.AccessKey == "" {
			missing = append(missing, "access key")
		}
		if len(missing) > 0 {
			return Check{Name: name, Passed: false, Message: "grid credentials missing: " + strings.Join(missing, ", ")}
		}
		u, err := url.Parse(r.GridURL)
		if err != nil || u.Host == "" {
			return Check{Name: name, Passed: false, Message: fmt.Sprintf("invalid grid URL %q", r.GridURL)}
		}
		c := Check{Name: name, Passed: true, Message: "grid " + u.Host + " as " + r.Username}
		if r.TunnelIdentifier == "" {
			c.Warning = true
			c.Message += " (no tunnel identifier)"
		}
		return c

	default:
		return Check{Name: name, Passed: false, Message: fmt.Sprintf("unknown launcher kind %q", spec.Kind)}
	}
}

// checkReportDir verifies the directory of a report file exists or can be
// created, and is writable.
func checkReportDir(path string) Check {
	name := "report " + path
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Check{Name: name, Passed: false, Message: err.Error()}
	}
	f, err := os.CreateTemp(dir, ".preflight-*")
	if err != nil {
		return Check{Name: name, Passed: false, Message: fmt.Sprintf("directory not writable: %v", err)}
	}
	f.Close()
	os.Remove(f.Name())
	return Check{Name: name, Passed: true, Message: "writable " + dir}
}

// checkFileDescriptors verifies sufficient file descriptors are available.
func checkFileDescriptors(workers int) Check {
	// Each worker holds a capture socket, manifest requests and, for local
	// kinds, process pipes; Chrome alone opens dozens.
	required := workers*64 + 128

	actual, ok := fileDescriptorLimit()
	if !ok {
		return Check{
			Name:    "file_descriptors",
			Passed:  true,
			Warning: true,
			Message: "unable to check on this platform",
		}
	}

	return Check{
		Name:     "file_descriptors",
		Required: required,
		Actual:   actual,
		Passed:   actual >= required,
		Message:  fmt.Sprintf("ulimit -n %d (need %d for %d workers)", actual, required, workers),
	}
}

// checkProcessLimit verifies sufficient process slots are available.
func checkProcessLimit(workers int) Check {
	// Chrome spawns several helper processes per instance.
	required := workers*10 + 50

	data, err := os.ReadFile("/proc/self/limits")
	if err != nil {
		return Check{
			Name:    "process_limit",
			Passed:  true,
			Warning: true,
			Message: "unable to check (non-Linux or restricted)",
		}
	}

	actual := parseMaxProcesses(string(data))
	if actual == 0 {
		return Check{
			Name:    "process_limit",
			Passed:  true,
			Warning: true,
			Message: "unable to determine (assuming OK)",
		}
	}

	return Check{
		Name:     "process_limit",
		Required: required,
		Actual:   actual,
		Passed:   actual >= required,
		Message:  fmt.Sprintf("ulimit -u %d (need %d)", actual, required),
	}
}

// parseMaxProcesses reads the soft "Max processes" limit from the contents
// of /proc/self/limits. Zero means not found.
func parseMaxProcesses(limits string) int {
	for _, line := range strings.Split(limits, "\n") {
		if !strings.HasPrefix(line, "Max processes") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 4 {
			return 0
		}
		if fields[2] == "unlimited" {
			return 1_000_000
		}
		var n int
		fmt.Sscanf(fields[2], "%d", &n)
		return n
	}
	return 0
}

// PrintResults writes the preflight check results to w.
func PrintResults(w io.Writer, result *Result) {
	fmt.Fprintln(w, "Preflight checks:")
	for _, check := range result.Checks {
		fmt.Fprintln(w, check.String())
		if !check.Passed {
			fmt.Fprintf(w, "    Fix: %s\n", suggestFix(check.Name))
		}
	}
	fmt.Fprintln(w)
}

// suggestFix returns a suggestion for fixing a failed check.
func suggestFix(name string) string {
	switch {
	case name == "file_descriptors":
		return "ulimit -n 8192 (or edit /etc/security/limits.conf)"
	case name == "process_limit":
		return "ulimit -u 4096 (or edit /etc/security/limits.conf)"
	case name == "base_path":
		return "set basePath in the config file or pass -base-path"
	case strings.HasPrefix(name, "launcher "):
		return "install the worker binary, set its path in launchers, or export the grid credential variables"
	case strings.HasPrefix(name, "report "):
		return "point outputFile at a writable directory"
	default:
		return "see documentation"
	}
}
