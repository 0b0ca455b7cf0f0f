package tui

import (
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/randomizedcoder/go-test-swarm/internal/report"
	"github.com/randomizedcoder/go-test-swarm/internal/stats"
	"github.com/randomizedcoder/go-test-swarm/internal/worker"
)

// =============================================================================
// Messages
// =============================================================================

// TickMsg is sent periodically to update the display.
type TickMsg time.Time

// StatusMsg carries an updated status snapshot.
type StatusMsg struct {
	Status Status
}

// QuitMsg signals the TUI should exit.
type QuitMsg struct{}

// rerunMsg reports that a rerun request was handed to the controller.
type rerunMsg struct {
	at time.Time
}

// =============================================================================
// Model
// =============================================================================

// Status is everything the dashboard renders, captured at one instant.
type Status struct {
	State           string // mode controller state
	Pending         int    // changed paths waiting for the next cycle
	WatcherDegraded bool
	Workers         []worker.Info
	Last            *report.RunReport
	Regression      report.Regression
	Session         stats.Snapshot
}

// StatusSource provides status snapshots.
type StatusSource interface {
	Status() Status
}

// Config holds TUI configuration.
type Config struct {
	Mode          string
	Workers       int // configured worker slots
	ServerURL     string
	MetricsAddr   string
	StatusSource  StatusSource
	OnRerun       func()
	RefreshPeriod time.Duration // default 500ms
}

// Model represents the TUI state.
type Model struct {
	// Configuration
	mode        string
	workers     int
	serverURL   string
	metricsAddr string
	refresh     time.Duration

	// Current state
	status       Status
	hasStatus    bool
	startTime    time.Time
	lastUpdate   time.Time
	lastRerun    time.Time
	detailedView bool

	// Display options
	width  int
	height int

	source  StatusSource
	onRerun func()

	// Quit flag
	quitting bool
}

// New creates a new TUI model.
func New(cfg Config) Model {
	if cfg.RefreshPeriod <= 0 {
		cfg.RefreshPeriod = 500 * time.Millisecond
	}
	return Model{
		mode:        cfg.Mode,
		workers:     cfg.Workers,
		serverURL:   cfg.ServerURL,
		metricsAddr: cfg.MetricsAddr,
		refresh:     cfg.RefreshPeriod,
		source:      cfg.StatusSource,
		onRerun:     cfg.OnRerun,
		startTime:   time.Now(),
		lastUpdate:  time.Now(),
		width:       80,
		height:      24,
	}
}

// =============================================================================
// Bubble Tea Interface
// =============================================================================

// Init initializes the model.
func (m Model) Init() tea.Cmd {
	// tea.WithAltScreen() is passed when creating the program.
	return m.tickCmd()
}

// Update handles messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			m.quitting = true
			return m, tea.Quit
		case "d":
			m.detailedView = !m.detailedView
			return m, nil
		case "r":
			return m, m.rerunCmd()
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case TickMsg:
		if m.source != nil {
			m.status = m.source.Status()
			m.hasStatus = true
		}
		m.lastUpdate = time.Now()
		return m, m.tickCmd()

	case StatusMsg:
		m.status = msg.Status
		m.hasStatus = true
		m.lastUpdate = time.Now()
		return m, nil

	case rerunMsg:
		m.lastRerun = msg.at
		return m, nil

	case QuitMsg:
		m.quitting = true
		return m, tea.Quit
	}

	return m, nil
}

// View renders the TUI.
func (m Model) View() string {
	if m.quitting {
		return ""
	}

	if m.detailedView && len(m.status.Session.Workers) > 0 {
		return m.renderDetailedView()
	}
	return m.renderSummaryView()
}

// =============================================================================
// Commands
// =============================================================================

// tickCmd returns a command that sends a tick after the refresh period.
func (m Model) tickCmd() tea.Cmd {
	return tea.Tick(m.refresh, func(t time.Time) tea.Msg {
		return TickMsg(t)
	})
}

// rerunCmd asks the controller for a cycle outside the update loop.
func (m Model) rerunCmd() tea.Cmd {
	if m.onRerun == nil {
		return nil
	}
	fn := m.onRerun
	return func() tea.Msg {
		fn()
		return rerunMsg{at: time.Now()}
	}
}

// =============================================================================
// Accessors
// =============================================================================

// Elapsed returns the time since the dashboard started.
func (m Model) Elapsed() time.Duration {
	return time.Since(m.startTime)
}

// AvailableWorkers returns the number of workers able to take a cycle.
func (m Model) AvailableWorkers() int {
	n := 0
	for _, w := range m.status.Workers {
		if w.State.IsAvailable() || w.State == worker.StateExecuting {
			n++
		}
	}
	return n
}

// PassRate returns the share of executed tests that passed in the last
// cycle, ignoring skipped tests.
func (m Model) PassRate() float64 {
	if m.status.Last == nil {
		return 0
	}
	t := m.status.Last.Totals
	ran := t.Passed + t.Failed
	if ran == 0 {
		return 0
	}
	return float64(t.Passed) / float64(ran)
}

// =============================================================================
// Helper for external use
// =============================================================================

// SendStatus pushes a status update to the TUI.
func SendStatus(p *tea.Program, status Status) {
	if p != nil {
		p.Send(StatusMsg{Status: status})
	}
}

// SendQuit sends a quit message to the TUI.
func SendQuit(p *tea.Program) {
	if p != nil {
		p.Send(QuitMsg{})
	}
}
