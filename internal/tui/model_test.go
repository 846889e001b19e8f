package tui

import (
	"errors"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/randomizedcoder/go-agent-supervisor/internal/agent"
	"github.com/randomizedcoder/go-agent-supervisor/internal/launcher"
	"github.com/randomizedcoder/go-agent-supervisor/internal/parser"
	"github.com/randomizedcoder/go-agent-supervisor/internal/stats"
	"github.com/randomizedcoder/go-agent-supervisor/internal/timeseries"
)

// =============================================================================
// Mock Source
// =============================================================================

type mockSource struct {
	ops       []*agent.Operation
	streams   map[parser.Stream]launcher.StreamTotals
	degraded  int
	lifetimes stats.Snapshot
	rate      timeseries.RateStats
}

func (m *mockSource) Operations() []*agent.Operation { return m.ops }

func (m *mockSource) StreamTotals() (map[parser.Stream]launcher.StreamTotals, int) {
	return m.streams, m.degraded
}

func (m *mockSource) Lifetimes() stats.Snapshot { return m.lifetimes }

func (m *mockSource) OutputRate() timeseries.RateStats { return m.rate }

// newOperations returns one operation per state: pending, running,
// terminated by SIGTERM, terminated by SIGKILL and failed.
func newOperations(t *testing.T, launchedAt time.Time) []*agent.Operation {
	t.Helper()
	cfg := agent.Configuration{Name: "worker", Path: "/usr/bin/worker"}

	pending, _ := agent.New("local", cfg, nil, nil)

	running, ctl := agent.New("local", cfg, nil, nil)
	if err := ctl.AttachIdentity(agent.Identity{PID: 101, LaunchedAt: launchedAt}); err != nil {
		t.Fatalf("AttachIdentity() error = %v", err)
	}

	var ended []*agent.Operation
	for i, status := range []int{15, 9} {
		op, ctl := agent.New("local", cfg, nil, nil)
		if err := ctl.AttachIdentity(agent.Identity{PID: 200 + i, LaunchedAt: launchedAt}); err != nil {
			t.Fatalf("AttachIdentity() error = %v", err)
		}
		if _, err := ctl.Resolve(status); err != nil {
			t.Fatalf("Resolve(%d) error = %v", status, err)
		}
		ended = append(ended, op)
	}

	failed, ctl := agent.New("local", cfg, nil, nil)
	if err := ctl.Fail(errors.New("exec: not found")); err != nil {
		t.Fatalf("Fail() error = %v", err)
	}

	return []*agent.Operation{pending, running, ended[0], ended[1], failed}
}

// =============================================================================
// Tests: New
// =============================================================================

func TestNew(t *testing.T) {
	model := New(Config{
		Target:      "local",
		MetricsAddr: "localhost:17092",
	})

	if model.target != "local" {
		t.Errorf("target = %s, want local", model.target)
	}
	if model.metricsAddr != "localhost:17092" {
		t.Errorf("metricsAddr = %s, want localhost:17092", model.metricsAddr)
	}
	if model.width != 80 {
		t.Errorf("width = %d, want 80", model.width)
	}
	if model.height != 24 {
		t.Errorf("height = %d, want 24", model.height)
	}
}

func TestModel_Init(t *testing.T) {
	if cmd := New(Config{}).Init(); cmd == nil {
		t.Error("Init() returned nil cmd")
	}
}

// =============================================================================
// Tests: Rows
// =============================================================================

func TestRows(t *testing.T) {
	launchedAt := time.Now().Add(-90 * time.Second)
	now := launchedAt.Add(90 * time.Second)
	rows := Rows(newOperations(t, launchedAt), now)

	tests := []struct {
		name     string
		state    agent.State
		pid      int
		uptime   time.Duration
		result   string
		expected bool
	}{
		{"pending", agent.StatePendingIdentity, 0, 0, "", false},
		{"running", agent.StateRunning, 101, 90 * time.Second, "", false},
		{"sigterm", agent.StateTerminated, 200, 0, "SIGTERM (ok)", true},
		{"sigkill", agent.StateTerminated, 201, 0, "SIGKILL", false},
		{"failed", agent.StateFailed, 0, 0, "spawn failed", false},
	}

	if len(rows) != len(tests) {
		t.Fatalf("len(rows) = %d, want %d", len(rows), len(tests))
	}
	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			row := rows[i]
			if row.State != tt.state {
				t.Errorf("State = %v, want %v", row.State, tt.state)
			}
			if row.PID != tt.pid {
				t.Errorf("PID = %d, want %d", row.PID, tt.pid)
			}
			if row.Uptime != tt.uptime {
				t.Errorf("Uptime = %v, want %v", row.Uptime, tt.uptime)
			}
			if row.Result != tt.result {
				t.Errorf("Result = %q, want %q", row.Result, tt.result)
			}
			if row.Expected != tt.expected {
				t.Errorf("Expected = %v, want %v", row.Expected, tt.expected)
			}
			if row.Agent != "worker" {
				t.Errorf("Agent = %q, want worker", row.Agent)
			}
			if row.ID == "" {
				t.Error("ID is empty")
			}
		})
	}
}

// =============================================================================
// Tests: Update - Key Messages
// =============================================================================

func TestModel_Update_QuitKeys(t *testing.T) {
	tests := []struct {
		key      string
		wantQuit bool
	}{
		{"q", true},
		{"ctrl+c", true},
		{"esc", true},
		{"d", false},
		{"r", false},
		{"x", false},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			model := New(Config{})
			msg := tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(tt.key)}
			if tt.key == "ctrl+c" {
				msg = tea.KeyMsg{Type: tea.KeyCtrlC}
			} else if tt.key == "esc" {
				msg = tea.KeyMsg{Type: tea.KeyEsc}
			}

			newModel, cmd := model.Update(msg)
			m := newModel.(Model)

			if m.quitting != tt.wantQuit {
				t.Errorf("quitting = %v, want %v", m.quitting, tt.wantQuit)
			}
			if tt.wantQuit && cmd == nil {
				t.Error("expected tea.Quit cmd")
			}
		})
	}
}

func TestModel_Update_ToggleDetailedView(t *testing.T) {
	model := New(Config{})
	if model.detailedView {
		t.Error("detailedView should be false initially")
	}

	msg := tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("d")}
	newModel, _ := model.Update(msg)
	m := newModel.(Model)
	if !m.detailedView {
		t.Error("detailedView should be true after pressing 'd'")
	}

	newModel, _ = m.Update(msg)
	m = newModel.(Model)
	if m.detailedView {
		t.Error("detailedView should be false after pressing 'd' again")
	}
}

func TestModel_Update_RefreshKey(t *testing.T) {
	src := &mockSource{ops: newOperations(t, time.Now())}
	model := New(Config{Source: src})

	newModel, _ := model.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("r")})
	m := newModel.(Model)

	if got := len(m.snapshot.Operations); got != 5 {
		t.Errorf("len(Operations) = %d, want 5", got)
	}
}

// =============================================================================
// Tests: Update - Window Size
// =============================================================================

func TestModel_Update_WindowSize(t *testing.T) {
	model := New(Config{})

	newModel, _ := model.Update(tea.WindowSizeMsg{Width: 120, Height: 40})
	m := newModel.(Model)

	if m.width != 120 {
		t.Errorf("width = %d, want 120", m.width)
	}
	if m.height != 40 {
		t.Errorf("height = %d, want 40", m.height)
	}
}

// =============================================================================
// Tests: Update - Tick and Snapshot
// =============================================================================

func TestModel_Update_Tick(t *testing.T) {
	src := &mockSource{
		ops: newOperations(t, time.Now()),
		streams: map[parser.Stream]launcher.StreamTotals{
			parser.StreamStdout: {LinesRead: 100, LinesDropped: 10},
		},
		degraded:  1,
		lifetimes: stats.Snapshot{Launched: 3, Terminated: 2, Expected: 1, Unexpected: 1},
	}
	model := New(Config{Source: src})

	newModel, cmd := model.Update(TickMsg(time.Now()))
	m := newModel.(Model)

	if cmd == nil {
		t.Error("expected tick cmd to be returned")
	}
	if got := m.Running(); got != 1 {
		t.Errorf("Running() = %d, want 1", got)
	}
	if got := m.DropRate(); got != 0.1 {
		t.Errorf("DropRate() = %v, want 0.1", got)
	}
	if got := m.UnexpectedRate(); got != 0.5 {
		t.Errorf("UnexpectedRate() = %v, want 0.5", got)
	}
	if m.snapshot.Degraded != 1 {
		t.Errorf("Degraded = %d, want 1", m.snapshot.Degraded)
	}
}

func TestModel_Update_TickWithoutSource(t *testing.T) {
	model := New(Config{})

	newModel, cmd := model.Update(TickMsg(time.Now()))
	m := newModel.(Model)

	if cmd == nil {
		t.Error("expected tick cmd to be returned")
	}
	if len(m.snapshot.Operations) != 0 {
		t.Errorf("len(Operations) = %d, want 0", len(m.snapshot.Operations))
	}
}

func TestModel_Update_SnapshotMsg(t *testing.T) {
	model := New(Config{})

	snap := Snapshot{
		Operations: []OperationRow{
			{ID: "a", State: agent.StateRunning},
			{ID: "b", State: agent.StateRunning},
			{ID: "c", State: agent.StateTerminated},
		},
	}
	newModel, _ := model.Update(SnapshotMsg{Snapshot: snap})
	m := newModel.(Model)

	if got := m.Running(); got != 2 {
		t.Errorf("Running() = %d, want 2", got)
	}
}

func TestModel_Update_QuitMsg(t *testing.T) {
	newModel, cmd := New(Config{}).Update(QuitMsg{})
	m := newModel.(Model)

	if !m.quitting {
		t.Error("quitting should be true")
	}
	if cmd == nil {
		t.Error("expected tea.Quit cmd")
	}
}

// =============================================================================
// Tests: View
// =============================================================================

func TestModel_View_Quitting(t *testing.T) {
	model := New(Config{})
	model.quitting = true

	if view := model.View(); view != "" {
		t.Errorf("View() when quitting should be empty, got %q", view)
	}
}

func TestModel_View_Empty(t *testing.T) {
	view := New(Config{Target: "local"}).View()

	for _, want := range []string{"agent-supervisor", "No agents launched yet", "Terminations"} {
		if !strings.Contains(view, want) {
			t.Errorf("View() missing %q", want)
		}
	}
}

func TestModel_View_Summary(t *testing.T) {
	src := &mockSource{
		ops: newOperations(t, time.Now().Add(-time.Minute)),
		streams: map[parser.Stream]launcher.StreamTotals{
			parser.StreamStderr: {LinesRead: 2000, LinesDropped: 5, BytesRead: 64_000},
		},
		degraded: 1,
		lifetimes: stats.Snapshot{
			Launched: 3, Terminated: 2, Expected: 1, Unexpected: 1, Failed: 1,
			P50: time.Minute, Max: 2 * time.Minute,
		},
		rate: timeseries.RateStats{Total: 2000, Per1s: 12.5, Per30s: 10, Per60s: 8},
	}
	model := New(Config{Target: "local", MetricsAddr: "127.0.0.1:17092", Source: src})
	newModel, _ := model.Update(tea.WindowSizeMsg{Width: 120, Height: 50})
	newModel, _ = newModel.Update(TickMsg(time.Now()))
	view := newModel.View()

	for _, want := range []string{
		"Operations",
		"worker",
		"SIGTERM (ok)",
		"SIGKILL",
		"spawn failed",
		"Launch Failures",
		"Lifetime P50",
		"Agent Output",
		"stderr",
		"above drop threshold",
		"12.5 (1s)",
		"http://127.0.0.1:17092/metrics",
	} {
		if !strings.Contains(view, want) {
			t.Errorf("View() missing %q", want)
		}
	}
}

func TestModel_View_DetailedTruncatesOldRows(t *testing.T) {
	rows := make([]OperationRow, 30)
	for i := range rows {
		rows[i] = OperationRow{ID: "op", Agent: "worker", State: agent.StateTerminated}
	}
	model := New(Config{})
	model.detailedView = true
	model.snapshot = Snapshot{Operations: rows}

	view := model.View()
	// Height 24 leaves room for 14 rows.
	if !strings.Contains(view, "... 16 older operations") {
		t.Errorf("View() should summarize older rows, got:\n%s", view)
	}
	if strings.Contains(view, "Terminations") {
		t.Error("detailed view should not render terminations")
	}
}

// =============================================================================
// Tests: Formatting
// =============================================================================

func TestFormatUptime(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{0, "-"},
		{-time.Second, "-"},
		{42 * time.Second, "42s"},
		{5*time.Minute + 7*time.Second, "5m07s"},
		{2*time.Hour + 5*time.Minute, "2h05m"},
	}
	for _, tt := range tests {
		if got := formatUptime(tt.d); got != tt.want {
			t.Errorf("formatUptime(%v) = %q, want %q", tt.d, got, tt.want)
		}
	}
}

func TestFormatNumber(t *testing.T) {
	tests := []struct {
		n    int64
		want string
	}{
		{0, "0"},
		{999, "999"},
		{1000, "1.0K"},
		{1500, "1.5K"},
		{1_000_000, "1.0M"},
	}
	for _, tt := range tests {
		if got := formatNumber(tt.n); got != tt.want {
			t.Errorf("formatNumber(%d) = %q, want %q", tt.n, got, tt.want)
		}
	}
}

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		n    int64
		want string
	}{
		{0, "0 B"},
		{999, "999 B"},
		{1000, "1.00 KB"},
		{1_500_000, "1.50 MB"},
		{2_000_000_000, "2.00 GB"},
	}
	for _, tt := range tests {
		if got := formatBytes(tt.n); got != tt.want {
			t.Errorf("formatBytes(%d) = %q, want %q", tt.n, got, tt.want)
		}
	}
}

func TestFormatPercent(t *testing.T) {
	if got := formatPercent(0.125); got != "12.5%" {
		t.Errorf("formatPercent(0.125) = %q, want 12.5%%", got)
	}
}

func TestShortIDAndTruncate(t *testing.T) {
	if got := shortID("0123456789abcdef"); got != "01234567" {
		t.Errorf("shortID() = %q", got)
	}
	if got := shortID("abc"); got != "abc" {
		t.Errorf("shortID() = %q", got)
	}
	if got := truncate("a-very-long-agent-name", 10); got != "a-very-..." {
		t.Errorf("truncate() = %q", got)
	}
	if got := truncate("short", 10); got != "short" {
		t.Errorf("truncate() = %q", got)
	}
}
