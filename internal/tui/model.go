package tui

import (
	"fmt"
	"maps"
	"slices"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/randomizedcoder/go-agent-supervisor/internal/agent"
	"github.com/randomizedcoder/go-agent-supervisor/internal/launcher"
	"github.com/randomizedcoder/go-agent-supervisor/internal/parser"
	"github.com/randomizedcoder/go-agent-supervisor/internal/stats"
	"github.com/randomizedcoder/go-agent-supervisor/internal/timeseries"
)

// =============================================================================
// Messages
// =============================================================================

// TickMsg is sent periodically to update the display.
type TickMsg time.Time

// SnapshotMsg carries a pushed update.
type SnapshotMsg struct {
	Snapshot Snapshot
}

// QuitMsg signals the TUI should exit.
type QuitMsg struct{}

// =============================================================================
// Snapshot
// =============================================================================

// OperationRow is one line of the operations table.
type OperationRow struct {
	ID       string
	Agent    string
	PID      int
	State    agent.State
	Uptime   time.Duration
	Result   string
	Expected bool
}

// Snapshot is everything the dashboard renders.
type Snapshot struct {
	Operations []OperationRow
	Lifetimes  stats.Snapshot
	Streams    map[parser.Stream]launcher.StreamTotals
	Degraded   int
	OutputRate timeseries.RateStats
}

// Source provides live data. *launcher.Launcher covers Operations and
// StreamTotals; the caller adds Lifetimes and OutputRate.
type Source interface {
	Operations() []*agent.Operation
	StreamTotals() (map[parser.Stream]launcher.StreamTotals, int)
	Lifetimes() stats.Snapshot
	OutputRate() timeseries.RateStats
}

// TakeSnapshot reads src at now.
func TakeSnapshot(src Source, now time.Time) Snapshot {
	streams, degraded := src.StreamTotals()
	return Snapshot{
		Operations: Rows(src.Operations(), now),
		Lifetimes:  src.Lifetimes(),
		Streams:    streams,
		Degraded:   degraded,
		OutputRate: src.OutputRate(),
	}
}

// Rows converts operations into table rows.
func Rows(ops []*agent.Operation, now time.Time) []OperationRow {
	rows := make([]OperationRow, 0, len(ops))
	for _, op := range ops {
		row := OperationRow{
			ID:    op.ID(),
			Agent: op.Configuration().Name,
			State: op.State(),
		}
		if id, ok := op.Process(); ok {
			row.PID = id.PID
			if row.State == agent.StateRunning {
				row.Uptime = now.Sub(id.LaunchedAt)
			}
		}
		switch row.State {
		case agent.StateTerminated:
			r, _, _ := op.Termination().Peek()
			row.Result = stats.StatusLabel(r.Status)
			row.Expected = r.Expected
		case agent.StateFailed:
			row.Result = "spawn failed"
		}
		rows = append(rows, row)
	}
	return rows
}

// =============================================================================
// Model
// =============================================================================

// Model represents the TUI state.
type Model struct {
	target      string
	metricsAddr string

	snapshot     Snapshot
	startTime    time.Time
	lastUpdate   time.Time
	detailedView bool

	width  int
	height int

	source Source

	quitting bool
}

// Config holds TUI configuration.
type Config struct {
	Target      string
	MetricsAddr string
	Source      Source
}

// New creates a new TUI model.
func New(cfg Config) Model {
	return Model{
		target:      cfg.Target,
		metricsAddr: cfg.MetricsAddr,
		source:      cfg.Source,
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
	return tickCmd()
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
			m.refresh(time.Now())
			return m, nil
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case TickMsg:
		m.refresh(time.Time(msg))
		return m, tickCmd()

	case SnapshotMsg:
		m.snapshot = msg.Snapshot
		m.lastUpdate = time.Now()
		return m, nil

	case QuitMsg:
		m.quitting = true
		return m, tea.Quit
	}

	return m, nil
}

func (m *Model) refresh(now time.Time) {
	if m.source == nil {
		return
	}
	m.snapshot = TakeSnapshot(m.source, now)
	m.lastUpdate = now
}

// View renders the TUI.
func (m Model) View() string {
	if m.quitting {
		return ""
	}
	if m.detailedView {
		return m.renderDetailedView()
	}
	return m.renderSummaryView()
}

// =============================================================================
// Commands
// =============================================================================

// tickCmd returns a command that sends a tick after 500ms.
func tickCmd() tea.Cmd {
	return tea.Tick(500*time.Millisecond, func(t time.Time) tea.Msg {
		return TickMsg(t)
	})
}

// =============================================================================
// Accessors
// =============================================================================

// Elapsed returns the time since the dashboard started.
func (m Model) Elapsed() time.Duration {
	return time.Since(m.startTime)
}

// Running returns the number of rows in the running state.
func (m Model) Running() int {
	n := 0
	for _, row := range m.snapshot.Operations {
		if row.State == agent.StateRunning {
			n++
		}
	}
	return n
}

// DropRate returns the output drop rate over all streams.
func (m Model) DropRate() float64 {
	var read, dropped int64
	for _, t := range m.snapshot.Streams {
		read += t.LinesRead
		dropped += t.LinesDropped
	}
	if read == 0 {
		return 0
	}
	return float64(dropped) / float64(read)
}

// UnexpectedRate returns the share of terminations that were unexpected.
func (m Model) UnexpectedRate() float64 {
	l := m.snapshot.Lifetimes
	if l.Terminated == 0 {
		return 0
	}
	return float64(l.Unexpected) / float64(l.Terminated)
}

func (m Model) streamNames() []parser.Stream {
	return slices.Sorted(maps.Keys(m.snapshot.Streams))
}

// =============================================================================
// Helper for external use
// =============================================================================

// SendSnapshot pushes a snapshot to the TUI.
func SendSnapshot(p *tea.Program, s Snapshot) {
	if p != nil {
		p.Send(SnapshotMsg{Snapshot: s})
	}
}

// SendQuit sends a quit message to the TUI.
func SendQuit(p *tea.Program) {
	if p != nil {
		p.Send(QuitMsg{})
	}
}

// =============================================================================
// Formatting Helpers (used by view.go)
// =============================================================================

// formatUptime formats an uptime compactly, e.g. "2h05m" or "42s".
func formatUptime(d time.Duration) string {
	switch {
	case d <= 0:
		return "-"
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm%02ds", int(d.Minutes()), int(d.Seconds())%60)
	default:
		return fmt.Sprintf("%dh%02dm", int(d.Hours()), int(d.Minutes())%60)
	}
}

// formatNumber formats a number with K/M suffixes.
func formatNumber(n int64) string {
	if n >= 1_000_000 {
		return fmt.Sprintf("%.1fM", float64(n)/1_000_000)
	}
	if n >= 1_000 {
		return fmt.Sprintf("%.1fK", float64(n)/1_000)
	}
	return fmt.Sprintf("%d", n)
}

// formatBytes formats bytes with KB/MB/GB suffixes.
func formatBytes(n int64) string {
	if n >= 1_000_000_000 {
		return fmt.Sprintf("%.2f GB", float64(n)/1_000_000_000)
	}
	if n >= 1_000_000 {
		return fmt.Sprintf("%.2f MB", float64(n)/1_000_000)
	}
	if n >= 1_000 {
		return fmt.Sprintf("%.2f KB", float64(n)/1_000)
	}
	return fmt.Sprintf("%d B", n)
}

// formatPercent formats a ratio as a percentage.
func formatPercent(value float64) string {
	return fmt.Sprintf("%.1f%%", value*100)
}

// shortID truncates an operation ID for the table.
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
