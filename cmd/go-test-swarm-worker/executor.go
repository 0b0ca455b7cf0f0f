package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/randomizedcoder/go-test-swarm/internal/logging"
	"github.com/randomizedcoder/go-test-swarm/internal/report"
	"github.com/randomizedcoder/go-test-swarm/internal/worker"
)

// CommandExecutor runs one command per test file.
type CommandExecutor struct {
	Root    string   // local directory behind /base/
	Command []string // template; {file}, {url} and {name} are substituted
	Timeout time.Duration
	Tail    int // output lines kept for a failure message
	Logger  *slog.Logger
	Verbose bool
}

// Execute implements worker.Executor. A command that cannot be started is
// an error; a command that runs is a test result.
func (e *CommandExecutor) Execute(ctx context.Context, task worker.Task) ([]report.TestResult, error) {
	local, err := localPath(e.Root, task.File)
	if err != nil {
		return nil, err
	}
	argv := expand(e.Command, local, strings.TrimSuffix(task.BaseURL, "/")+task.File, task.File)

	if e.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = e.Root
	cmd.WaitDelay = 2 * time.Second

	output := logging.NewOutputHandler(path.Base(task.File), e.logger(), e.Verbose)
	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw

	start := time.Now()
	if err := cmd.Start(); err != nil {
		pw.Close()
		pr.Close()
		return nil, fmt.Errorf("start %s: %w", argv[0], err)
	}

	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		output.HandleReader(pr)
	}()
	waitErr := cmd.Wait()
	pw.Close()
	<-readDone

	result := report.TestResult{
		File:     task.File,
		Name:     path.Base(task.File),
		Outcome:  report.OutcomePassed,
		Duration: time.Since(start),
	}
	if waitErr != nil {
		result.Outcome = report.OutcomeFailed
		result.Messages = failureMessage(waitErr, ctx.Err(), e.Timeout, output.RecentLines(e.tail()))
	}
	return []report.TestResult{result}, nil
}

func (e *CommandExecutor) logger() *slog.Logger {
	if e.Logger == nil {
		return logging.Discard()
	}
	return e.Logger
}

func (e *CommandExecutor) tail() int {
	if e.Tail <= 0 {
		return 20
	}
	return min(e.Tail, logging.MaxBufferedLines)
}

func failureMessage(waitErr, ctxErr error, timeout time.Duration, tail []string) []string {
	head := waitErr.Error()
	var exitErr *exec.ExitError
	switch {
	case errors.Is(ctxErr, context.DeadlineExceeded):
		head = fmt.Sprintf("timed out after %s", timeout)
	case errors.As(waitErr, &exitErr):
		head = fmt.Sprintf("exit status %d", exitErr.ExitCode())
	}
	return append([]string{head}, tail...)
}

// localPath maps a served path onto the local file system.
func localPath(root, served string) (string, error) {
	switch {
	case strings.HasPrefix(served, "/base/"):
		// Rooting the path first keeps ".." inside root.
		rel := path.Clean("/" + strings.TrimPrefix(served, "/base/"))
		if rel == "/" {
			return "", fmt.Errorf("invalid served path %q", served)
		}
		return filepath.Join(root, filepath.FromSlash(rel)), nil
	case strings.HasPrefix(served, "/absolute/"):
		return filepath.FromSlash(strings.TrimPrefix(served, "/absolute")), nil
	default:
		return "", fmt.Errorf("unsupported served path %q", served)
	}
}

func expand(template []string, file, url, name string) []string {
	r := strings.NewReplacer("{file}", file, "{url}", url, "{name}", name)
	out := make([]string, len(template))
	for i, a := range template {
		out[i] = r.Replace(a)
	}
	return out
}
