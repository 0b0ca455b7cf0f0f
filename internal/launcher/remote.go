package launcher

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/randomizedcoder/go-test-swarm/internal/worker"
)

// RemoteHeartbeat is how often a remote session is poked so the grid does
// not reap it while the worker sits idle between cycles.
const RemoteHeartbeat = 60 * time.Second

// RemoteDriver opens sessions on a WebDriver grid.
type RemoteDriver struct {
	Client    *http.Client
	Logger    *slog.Logger
	Heartbeat time.Duration // 0 = RemoteHeartbeat
}

// Capabilities builds the session capabilities for a remote spec.
func Capabilities(spec worker.RemoteSpec, workerName string) map[string]any {
	caps := map[string]any{}
	for k, v := range spec.Options {
		caps[k] = v
	}
	set := func(key, value string) {
		if value != "" {
			caps[key] = value
		}
	}
	set("browserName", spec.BrowserName)
	set("version", spec.Version)
	set("platform", spec.Platform)
	set("build", spec.Build)
	set("tunnel-identifier", spec.TunnelIdentifier)
	name := spec.TestName
	if name == "" {
		name = workerName
	}
	set("name", name)
	return caps
}

// Start creates the session and navigates it to the capture URL.
func (d *RemoteDriver) Start(ctx context.Context, req Request) (Session, error) {
	remote := req.Spec.Remote
	if remote.GridURL == "" {
		return nil, errors.New("no grid URL configured")
	}
	client := d.Client
	if client == nil {
		client = &http.Client{Timeout: 2 * time.Minute}
	}

	s := &remoteSession{
		id:     req.ID,
		grid:   strings.TrimSuffix(remote.GridURL, "/"),
		user:   remote.Username,
		key:    remote.AccessKey,
		client: client,
		logger: d.Logger,
		done:   make(chan struct{}),
	}

	caps := Capabilities(remote, req.Spec.Name)
	body := map[string]any{
		"desiredCapabilities": caps,
		"capabilities":        map[string]any{"alwaysMatch": caps},
	}
	var created struct {
		SessionID string `json:"sessionId"`
		Value     struct {
			SessionID string `json:"sessionId"`
		} `json:"value"`
	}
	if err := s.call(ctx, http.MethodPost, "/session", body, &created); err != nil {
		return nil, fmt.Errorf("create remote session: %w", err)
	}
	s.session = created.Value.SessionID
	if s.session == "" {
		s.session = created.SessionID
	}
	if s.session == "" {
		return nil, errors.New("create remote session: no session id in response")
	}

	if err := s.call(ctx, http.MethodPost, "/session/"+s.session+"/url", map[string]string{"url": req.CaptureURL}, nil); err != nil {
		_ = s.deleteSession()
		return nil, fmt.Errorf("open capture page: %w", err)
	}

	hb := d.Heartbeat
	if hb <= 0 {
		hb = RemoteHeartbeat
	}
	hbCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	go s.heartbeat(hbCtx, hb)

	d.Logger.Info("remote_session_started", "worker_id", req.ID, "session", s.session, "browser", remote.BrowserName)
	return s, nil
}

type remoteSession struct {
	id      string
	grid    string
	user    string
	key     string
	session string
	client  *http.Client
	logger  *slog.Logger
	cancel  context.CancelFunc

	mu       sync.Mutex
	err      error
	doneOnce sync.Once
	done     chan struct{}
}

func (s *remoteSession) PID() int              { return 0 }
func (s *remoteSession) Done() <-chan struct{} { return s.done }
func (s *remoteSession) Output() []string      { return nil }

func (s *remoteSession) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *remoteSession) finish(err error) {
	s.doneOnce.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		if s.cancel != nil {
			s.cancel()
		}
		close(s.done)
	})
}

func (s *remoteSession) heartbeat(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.call(ctx, http.MethodGet, "/session/"+s.session+"/url", nil, nil); err != nil {
				if ctx.Err() != nil {
					return
				}
				s.logger.Warn("remote_session_lost", "worker_id", s.id, "session", s.session, "error", err)
				s.finish(fmt.Errorf("%w: %v", worker.ErrDisconnected, err))
				return
			}
		}
	}
}

// Stop deletes the grid session. grace bounds the delete request.
func (s *remoteSession) Stop(grace time.Duration) error {
	select {
	case <-s.done:
		return nil
	default:
	}
	if s.cancel != nil {
		s.cancel()
	}

	errc := make(chan error, 1)
	go func() { errc <- s.deleteSession() }()

	var err error
	select {
	case err = <-errc:
	case <-time.After(grace):
		err = fmt.Errorf("delete remote session %s: timed out", s.session)
	}
	s.finish(nil)
	return err
}

func (s *remoteSession) deleteSession() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return s.call(ctx, http.MethodDelete, "/session/"+s.session, nil, nil)
}

func (s *remoteSession) call(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.grid+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if s.user != "" {
		req.SetBasicAuth(s.user, s.key)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%s %s: %s: %s", method, path, resp.Status, strings.TrimSpace(string(data)))
	}
	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decode %s response: %w", path, err)
		}
	}
	return nil
}
