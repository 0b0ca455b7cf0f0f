package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/randomizedcoder/go-test-swarm/internal/report"
)

// Task is one Included file a worker is asked to execute.
type Task struct {
	RunID   string
	BaseURL string
	File    string // server path, e.g. /base/test/a_test.dart
}

// Executor runs one file and returns its test results. An error is reported
// to the scheduler as a test error for that file.
type Executor func(ctx context.Context, task Task) ([]report.TestResult, error)

// Client is the worker side of the capture channel.
type Client struct {
	URL               string // http(s) or ws(s) URL of the capture endpoint, including ?id=
	UserAgent         string
	HeartbeatInterval time.Duration // 0 disables heartbeats
	Executor          Executor
	Logger            *slog.Logger
	Dialer            *websocket.Dialer

	writeMu sync.Mutex
}

// CaptureURL builds the capture endpoint URL for a worker id.
func CaptureURL(serverURL, id string) string {
	return strings.TrimSuffix(serverURL, "/") + CapturePath + "?id=" + url.QueryEscape(id)
}

func wsURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported capture URL scheme %q", u.Scheme)
	}
	return u.String(), nil
}

// Run connects, registers and serves execute requests until ctx is done or
// the channel drops.
func (c *Client) Run(ctx context.Context) error {
	logger := c.Logger
	if logger == nil {
		logger = slog.Default()
	}
	target, err := wsURL(c.URL)
	if err != nil {
		return err
	}
	id := ""
	if u, err := url.Parse(c.URL); err == nil {
		id = u.Query().Get("id")
	}

	dialer := c.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, _, err := dialer.DialContext(ctx, target, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", target, err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	if err := c.write(conn, Message{Type: MsgRegister, WorkerID: id, Name: id, UserAgent: c.UserAgent}); err != nil {
		return fmt.Errorf("register: %w", err)
	}

	if c.HeartbeatInterval > 0 {
		hbCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		go c.heartbeat(hbCtx, conn)
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("capture channel: %w", err)
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			logger.Debug("client_bad_message", "error", err)
			continue
		}

		switch msg.Type {
		case MsgWelcome:
			logger.Info("client_registered", "id", msg.WorkerID, "version", msg.Version)
		case MsgExecute:
			if err := c.execute(ctx, conn, msg); err != nil {
				return err
			}
		}
	}
}

func (c *Client) execute(ctx context.Context, conn *websocket.Conn, msg Message) error {
	for _, file := range msg.Files {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		var results []report.TestResult
		var err error
		if c.Executor == nil {
			err = errors.New("no executor configured")
		} else {
			results, err = c.Executor(ctx, Task{RunID: msg.RunID, BaseURL: msg.BaseURL, File: file})
		}

		for i := range results {
			r := results[i]
			if r.File == "" {
				r.File = file
			}
			if werr := c.write(conn, Message{Type: MsgResult, RunID: msg.RunID, Result: &r}); werr != nil {
				return werr
			}
		}
		if err != nil {
			if werr := c.write(conn, Message{Type: MsgError, RunID: msg.RunID, File: file, Message: err.Error()}); werr != nil {
				return werr
			}
		}
	}
	return c.write(conn, Message{Type: MsgComplete, RunID: msg.RunID})
}

func (c *Client) heartbeat(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(c.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.write(conn, Message{Type: MsgHeartbeat}); err != nil {
				return
			}
		}
	}
}

func (c *Client) write(conn *websocket.Conn, msg Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteJSON(msg)
}
