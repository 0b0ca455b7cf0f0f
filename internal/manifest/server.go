package manifest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"
)

// ContextPath is the endpoint listing the Included file URLs in order.
const ContextPath = "/context.json"

// Context is the body served at ContextPath.
type Context struct {
	Included []string `json:"included"`
	Served   int      `json:"served"`
}

// Server exposes Included and Served files to workers over HTTP.
// Watched-only files are never transmitted.
type Server struct {
	addr   string
	mux    *http.ServeMux
	server *http.Server
	logger *slog.Logger

	current  atomic.Pointer[Manifest]
	requests atomic.Int64
	notFound atomic.Int64

	mu sync.Mutex
	ln net.Listener
}

// NewServer creates a manifest server listening on addr once started.
func NewServer(addr string, logger *slog.Logger) *Server {
	s := &Server{
		addr:   addr,
		mux:    http.NewServeMux(),
		logger: logger,
	}

	s.mux.HandleFunc(ContextPath, s.handleContext)
	s.mux.HandleFunc("/base/", s.handleFile)
	s.mux.HandleFunc("/absolute/", s.handleFile)
	s.mux.HandleFunc("/health", healthHandler)
	s.mux.HandleFunc("/healthz", healthHandler)

	s.server = &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       30 * time.Second,
	}
	return s
}

// Handle mounts an extra handler, such as the worker capture channel.
// Must be called before Start.
func (s *Server) Handle(pattern string, h http.Handler) {
	s.mux.Handle(pattern, h)
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.mux }

// SetManifest swaps in the table used by subsequent requests. Requests
// already in flight finish against the table they started with.
func (s *Server) SetManifest(m *Manifest) {
	s.current.Store(m)
	if m != nil {
		counts := m.Counts()
		s.logger.Debug("manifest_updated",
			"included", counts[ModeIncluded],
			"served", counts[ModeServed],
			"watched", counts[ModeWatched],
		)
	}
}

// Manifest returns the table currently being served.
func (s *Server) Manifest() *Manifest { return s.current.Load() }

// Start binds the listener and serves in a goroutine.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("manifest server listen %s: %w", s.addr, err)
	}

	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	s.logger.Info("manifest_server_starting", "addr", ln.Addr().String())

	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("manifest_server_error", "error", err)
		}
	}()
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Debug("manifest_server_shutting_down")
	return s.server.Shutdown(ctx)
}

// Addr returns the bound address, or the configured one before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln != nil {
		return s.ln.Addr().String()
	}
	return s.addr
}

// URL returns the base URL workers should load.
func (s *Server) URL() string {
	return "http://" + s.Addr()
}

// Requests returns the number of file and context requests served.
func (s *Server) Requests() int64 { return s.requests.Load() }

// NotFound returns the number of rejected file requests.
func (s *Server) NotFound() int64 { return s.notFound.Load() }

func (s *Server) handleContext(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.requests.Add(1)

	body := Context{Included: []string{}}
	if m := s.current.Load(); m != nil {
		body.Included = m.IncludedURLs()
		body.Served = len(m.Served())
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache")
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Debug("context_write_failed", "error", err)
	}
}

func (s *Server) handleFile(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.requests.Add(1)

	m := s.current.Load()
	if m == nil {
		s.reject(w, r, "no_manifest")
		return
	}
	entry, ok := m.Lookup(r.URL.Path)
	if !ok {
		s.reject(w, r, "not_in_manifest")
		return
	}
	if entry.Mode == ModeWatched {
		s.reject(w, r, "watched_only")
		return
	}

	f, err := os.Open(entry.Path)
	if err != nil {
		s.reject(w, r, "open_failed")
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		http.Error(w, "stat failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Cache-Control", "no-cache")
	http.ServeContent(w, r, filepath.Base(entry.Path), info.ModTime(), f)
}

func (s *Server) reject(w http.ResponseWriter, r *http.Request, reason string) {
	s.notFound.Add(1)
	s.logger.Debug("file_request_rejected", "path", r.URL.Path, "reason", reason)
	http.NotFound(w, r)
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "ok")
}
