package launcher

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/randomizedcoder/go-test-swarm/internal/report"
	"github.com/randomizedcoder/go-test-swarm/internal/worker"
)

// helperSpec returns a process spec that re-executes the test binary as a
// worker behaving according to mode.
func helperSpec(name, mode string, env ...string) worker.Spec {
	return worker.Spec{
		Name:           name,
		Kind:           worker.KindProcess,
		CaptureTimeout: 10 * time.Second,
		IdleTimeout:    time.Minute,
		Command:        os.Args[0],
		Args:           []string{"-test.run=^TestHelperProcess$", "--", "{id}"},
		Env:            append([]string{"GO_WANT_HELPER_PROCESS=1", "HELPER_MODE=" + mode}, env...),
	}
}

// TestHelperProcess is not a real test. It is the worker host started by
// helperSpec.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}

	switch os.Getenv("HELPER_MODE") {
	case "exit":
		fmt.Println("error: boom")
		os.Exit(3)
	case "hang":
		time.Sleep(time.Minute)
		os.Exit(0)
	}

	// The last argument is the expanded {id} placeholder.
	if id := os.Args[len(os.Args)-1]; id != os.Getenv(EnvWorkerID) {
		fmt.Fprintf(os.Stderr, "error: placeholder %q != %q\n", id, os.Getenv(EnvWorkerID))
		os.Exit(4)
	}

	hb := 50 * time.Millisecond
	if os.Getenv("HELPER_HEARTBEAT") == "0" {
		hb = 0
	}
	client := &worker.Client{
		URL:               os.Getenv(EnvCaptureURL),
		UserAgent:         "helper",
		HeartbeatInterval: hb,
		Executor: func(ctx context.Context, task worker.Task) ([]report.TestResult, error) {
			outcome := report.OutcomePassed
			if strings.Contains(task.File, "fail") {
				outcome = report.OutcomeFailed
			}
			return []report.TestResult{{Name: "case", Outcome: outcome}}, nil
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	_ = client.Run(ctx)
	os.Exit(0)
}
