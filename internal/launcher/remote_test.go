package launcher

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/randomizedcoder/go-test-swarm/internal/worker"
)

// fakeGrid is a minimal WebDriver endpoint.
type fakeGrid struct {
	mu       sync.Mutex
	caps     map[string]any
	urls     []string
	deleted  []string
	polls    int
	user     string
	failPoll bool
}

func (g *fakeGrid) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/wd/hub/session", func(w http.ResponseWriter, r *http.Request) {
		user, _, _ := r.BasicAuth()
		var body struct {
			Desired map[string]any `json:"desiredCapabilities"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		g.mu.Lock()
		g.user = user
		g.caps = body.Desired
		g.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"value":{"sessionId":"abc123","capabilities":{}}}`))
	})
	mux.HandleFunc("/wd/hub/session/abc123/url", func(w http.ResponseWriter, r *http.Request) {
		g.mu.Lock()
		defer g.mu.Unlock()
		if r.Method == http.MethodGet {
			g.polls++
			if g.failPoll {
				http.Error(w, `{"value":{"error":"invalid session id"}}`, http.StatusNotFound)
				return
			}
			_, _ = w.Write([]byte(`{"value":"http://x"}`))
			return
		}
		var body struct {
			URL string `json:"url"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		g.urls = append(g.urls, body.URL)
		_, _ = w.Write([]byte(`{"value":null}`))
	})
	mux.HandleFunc("/wd/hub/session/abc123", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete {
			http.Error(w, "bad method", http.StatusMethodNotAllowed)
			return
		}
		g.mu.Lock()
		g.deleted = append(g.deleted, "abc123")
		g.mu.Unlock()
		_, _ = w.Write([]byte(`{"value":null}`))
	})
	return mux
}

func remoteRequest(gridURL string) Request {
	return Request{
		ID:         "sl-0-x",
		CaptureURL: "http://127.0.0.1:9876/capture?id=sl-0-x",
		Spec: worker.Spec{
			Name: "sl_chrome",
			Kind: worker.KindRemote,
			Remote: worker.RemoteSpec{
				GridURL:          gridURL,
				Username:         "user",
				AccessKey:        "key",
				TunnelIdentifier: "tunnel-7",
				Build:            "42",
				BrowserName:      "chrome",
				Platform:         "Windows 10",
				Options:          map[string]any{"recordVideo": false},
			},
		},
	}
}

func TestRemoteDriver_Session(t *testing.T) {
	grid := &fakeGrid{}
	ts := httptest.NewServer(grid.handler())
	defer ts.Close()

	d := &RemoteDriver{Logger: testLogger(), Heartbeat: 20 * time.Millisecond}
	s, err := d.Start(context.Background(), remoteRequest(ts.URL+"/wd/hub/"))
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	grid.mu.Lock()
	if grid.user != "user" {
		t.Errorf("basic auth user = %q", grid.user)
	}
	if grid.caps["browserName"] != "chrome" || grid.caps["tunnel-identifier"] != "tunnel-7" || grid.caps["name"] != "sl_chrome" {
		t.Errorf("capabilities = %v", grid.caps)
	}
	if grid.caps["recordVideo"] != false {
		t.Errorf("extra option missing: %v", grid.caps)
	}
	if len(grid.urls) != 1 || !strings.Contains(grid.urls[0], "/capture?id=sl-0-x") {
		t.Errorf("navigated to %v", grid.urls)
	}
	grid.mu.Unlock()

	time.Sleep(100 * time.Millisecond)
	grid.mu.Lock()
	polls := grid.polls
	grid.mu.Unlock()
	if polls == 0 {
		t.Error("no heartbeat polls")
	}

	if err := s.Stop(time.Second); err != nil {
		t.Errorf("Stop() error = %v", err)
	}
	select {
	case <-s.Done():
	default:
		t.Error("Done() not closed after Stop")
	}
	grid.mu.Lock()
	if len(grid.deleted) != 1 {
		t.Errorf("deleted = %v", grid.deleted)
	}
	grid.mu.Unlock()
	if s.Err() != nil {
		t.Errorf("Err() after Stop = %v", s.Err())
	}
}

func TestRemoteDriver_SessionLost(t *testing.T) {
	grid := &fakeGrid{failPoll: true}
	ts := httptest.NewServer(grid.handler())
	defer ts.Close()

	d := &RemoteDriver{Logger: testLogger(), Heartbeat: 20 * time.Millisecond}
	s, err := d.Start(context.Background(), remoteRequest(ts.URL+"/wd/hub"))
	if err != nil {
		t.Fatal(err)
	}

	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("lost session not detected")
	}
	if s.Err() == nil {
		t.Error("Err() = nil for lost session")
	}
}

func TestRemoteDriver_Errors(t *testing.T) {
	d := &RemoteDriver{Logger: testLogger()}

	req := remoteRequest("")
	if _, err := d.Start(context.Background(), req); err == nil {
		t.Error("Start() without grid URL should fail")
	}

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}))
	defer ts.Close()
	if _, err := d.Start(context.Background(), remoteRequest(ts.URL)); err == nil || !strings.Contains(err.Error(), "401") {
		t.Errorf("Start() error = %v, want 401", err)
	}
}

func TestCapabilities_TestNameOverridesWorkerName(t *testing.T) {
	caps := Capabilities(worker.RemoteSpec{TestName: "suite", Version: "75"}, "w")
	if caps["name"] != "suite" || caps["version"] != "75" {
		t.Errorf("Capabilities() = %v", caps)
	}
	if _, ok := caps["platform"]; ok {
		t.Error("empty platform should be omitted")
	}
}
