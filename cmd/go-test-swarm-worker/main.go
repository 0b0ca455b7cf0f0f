// Package main provides go-test-swarm-worker, a reference worker that runs
// each test file with a local command.
//
// The worker connects to the capture URL it is launched with, and for every
// file the scheduler asks it to execute it runs the command template once.
// A file passes when the command exits 0; otherwise the tail of its output
// becomes the failure message.
//
//	go-test-swarm-worker -url $TEST_SWARM_URL -root . -- node {file}
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/randomizedcoder/go-test-swarm/internal/launcher"
	"github.com/randomizedcoder/go-test-swarm/internal/logging"
	"github.com/randomizedcoder/go-test-swarm/internal/worker"
)

var version = "dev"

type options struct {
	url       string
	root      string
	timeout   time.Duration
	heartbeat time.Duration
	tail      int
	verbose   bool
	logFormat string
	command   []string
}

func main() {
	os.Exit(run(os.Args[1:], os.Stderr))
}

func run(args []string, stderr io.Writer) int {
	opts, err := parseFlags(args, stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	logger := logging.NewLoggerWithWriter(stderr, opts.logFormat, "info")
	if opts.verbose {
		logger = logging.NewLoggerWithWriter(stderr, opts.logFormat, "debug")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	executor := &CommandExecutor{
		Root:    opts.root,
		Command: opts.command,
		Timeout: opts.timeout,
		Tail:    opts.tail,
		Logger:  logger,
		Verbose: opts.verbose,
	}
	client := &worker.Client{
		URL:               opts.url,
		UserAgent:         "go-test-swarm-worker/" + version,
		HeartbeatInterval: opts.heartbeat,
		Executor:          executor.Execute,
		Logger:            logger,
	}

	logger.Info("worker_starting", "url", opts.url, "root", opts.root, "command", opts.command)
	if err := client.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker_stopped", "error", err)
		return 1
	}
	return 0
}

func parseFlags(args []string, output io.Writer) (*options, error) {
	opts := &options{}
	fs := flag.NewFlagSet("go-test-swarm-worker", flag.ContinueOnError)
	fs.SetOutput(output)
	fs.Usage = func() {
		fmt.Fprintf(output, `go-test-swarm-worker - runs test files with a local command

Usage:
  go-test-swarm-worker [flags] -- command [args...]

Placeholders in the command: {file} (local path), {url} (served URL), {name} (served path).

Flags:
`)
		fs.PrintDefaults()
	}

	fs.StringVar(&opts.url, "url", os.Getenv(launcher.EnvCaptureURL), "Capture URL (default $"+launcher.EnvCaptureURL+")")
	fs.StringVar(&opts.root, "root", ".", "Local directory served under /base/")
	fs.DurationVar(&opts.timeout, "timeout", 5*time.Minute, "Per-file command timeout (0 = none)")
	fs.DurationVar(&opts.heartbeat, "heartbeat", 10*time.Second, "Heartbeat interval (0 = off)")
	fs.IntVar(&opts.tail, "tail", 20, "Output lines kept in a failure message")
	fs.BoolVar(&opts.verbose, "v", false, "Verbose output")
	fs.StringVar(&opts.logFormat, "log-format", "text", "Log format: text, json")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	opts.command = fs.Args()

	if opts.url == "" {
		return nil, errors.New("-url is required")
	}
	if len(opts.command) == 0 {
		return nil, errors.New("a command template is required after the flags")
	}
	if opts.tail <= 0 {
		return nil, errors.New("-tail must be positive")
	}
	return opts, nil
}
