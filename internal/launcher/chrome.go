package launcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/chromedp"
)

// ChromeDriver launches a dedicated Chrome per worker and points its first
// tab at the capture page.
type ChromeDriver struct {
	Logger *slog.Logger
}

// Start launches Chrome and navigates to the capture URL.
func (d *ChromeDriver) Start(ctx context.Context, req Request) (Session, error) {
	userDataDir, err := os.MkdirTemp("", "test-swarm-chrome-")
	if err != nil {
		return nil, fmt.Errorf("chrome profile dir: %w", err)
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", req.Spec.Headless),
		chromedp.Flag("disable-gpu", req.Spec.Headless),
		chromedp.UserDataDir(userDataDir),
	)
	if path := strings.TrimSpace(req.Spec.ChromePath); path != "" {
		opts = append(opts, chromedp.ExecPath(path))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, opts...)
	tabCtx, tabCancel := chromedp.NewContext(allocCtx)

	s := &chromeSession{
		id:          req.ID,
		logger:      d.Logger,
		tabCtx:      tabCtx,
		tabCancel:   tabCancel,
		allocCancel: allocCancel,
		userDataDir: userDataDir,
		done:        make(chan struct{}),
	}

	// The first Run starts the browser and ties it to tabCtx, so it must not
	// carry a deadline.
	if err := chromedp.Run(tabCtx); err != nil {
		s.release()
		return nil, fmt.Errorf("start chrome: %w", err)
	}
	navCtx, navCancel := tabCtx, context.CancelFunc(func() {})
	if req.Spec.CaptureTimeout > 0 {
		navCtx, navCancel = context.WithTimeout(tabCtx, req.Spec.CaptureTimeout)
	}
	err = chromedp.Run(navCtx, chromedp.Navigate(req.CaptureURL))
	navCancel()
	if err != nil {
		s.release()
		return nil, fmt.Errorf("open capture page: %w", err)
	}

	if c := chromedp.FromContext(tabCtx); c != nil && c.Browser != nil {
		if p := c.Browser.Process(); p != nil {
			s.pid = p.Pid
		}
	}

	go func() {
		<-tabCtx.Done()
		s.mu.Lock()
		if !s.stopped {
			s.err = errors.New("chrome exited")
		}
		s.mu.Unlock()
		s.release()
	}()

	d.Logger.Info("chrome_started", "worker_id", req.ID, "pid", s.pid, "headless", req.Spec.Headless)
	return s, nil
}

type chromeSession struct {
	id          string
	logger      *slog.Logger
	pid         int
	tabCtx      context.Context
	tabCancel   context.CancelFunc
	allocCancel context.CancelFunc
	userDataDir string

	mu      sync.Mutex
	err     error
	stopped bool

	releaseOnce sync.Once
	done        chan struct{}
}

func (s *chromeSession) PID() int              { return s.pid }
func (s *chromeSession) Done() <-chan struct{} { return s.done }
func (s *chromeSession) Output() []string      { return nil }

func (s *chromeSession) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Stop closes the browser over the DevTools protocol and kills the process
// if it is still running after grace.
func (s *chromeSession) Stop(grace time.Duration) error {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()

	closed := make(chan error, 1)
	go func() { closed <- chromedp.Cancel(s.tabCtx) }()

	var err error
	select {
	case err = <-closed:
	case <-time.After(grace):
		s.logger.Warn("force_killing_chrome", "worker_id", s.id, "pid", s.pid)
		err = errors.New("chrome did not close gracefully")
	}
	s.release()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	return err
}

func (s *chromeSession) release() {
	s.releaseOnce.Do(func() {
		s.tabCancel()
		s.allocCancel()
		_ = os.RemoveAll(s.userDataDir)
		close(s.done)
	})
}
