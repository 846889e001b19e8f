package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/randomizedcoder/go-agent-supervisor/internal/stats"
)

// =============================================================================
// Main View Rendering
// =============================================================================

// renderSummaryView renders the main dashboard.
func (m Model) renderSummaryView() string {
	sections := []string{
		m.renderHeader(),
		m.renderOperations(m.height - 22),
		m.renderTerminations(),
	}
	if len(m.snapshot.Streams) > 0 {
		sections = append(sections, m.renderOutput())
	}
	sections = append(sections, m.renderFooter())

	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

// renderDetailedView renders the full operations table.
func (m Model) renderDetailedView() string {
	return lipgloss.JoinVertical(lipgloss.Left,
		m.renderHeader(),
		m.renderOperations(m.height-10),
		m.renderFooter(),
	)
}

// =============================================================================
// Header
// =============================================================================

func (m Model) renderHeader() string {
	header := fmt.Sprintf(
		" agent-supervisor │ %s │ Target: %s │ Running: %d │ Elapsed: %s ",
		GetOutputLabel(m.DropRate()),
		m.target,
		m.Running(),
		stats.FormatDuration(m.Elapsed()),
	)

	return headerStyle.Width(m.width).Render(header)
}

// =============================================================================
// Operations Table
// =============================================================================

func (m Model) renderOperations(maxRows int) string {
	ops := m.snapshot.Operations
	if len(ops) == 0 {
		return boxStyle.Width(m.width - 2).Render(
			dimStyle.Render("No agents launched yet."),
		)
	}
	if maxRows < 5 {
		maxRows = 5
	}

	header := tableHeaderStyle.Render(
		fmt.Sprintf("%-8s  %-16s %7s  %-10s %8s  %s",
			"ID", "Agent", "PID", "State", "Uptime", "Result"),
	)

	// Newest operations are the most interesting ones.
	start := 0
	if len(ops) > maxRows {
		start = len(ops) - maxRows
	}

	var rows []string
	if start > 0 {
		rows = append(rows, dimStyle.Render(fmt.Sprintf("... %d older operations", start)))
	}
	for i, row := range ops[start:] {
		rowStyle := tableRowEvenStyle
		if i%2 == 1 {
			rowStyle = tableRowOddStyle
		}

		pid := "-"
		if row.PID > 0 {
			pid = fmt.Sprintf("%d", row.PID)
		}
		stateStyle := GetStateStyle(row.State, row.Expected)

		line := fmt.Sprintf("%-8s  %-16s %7s  %s %8s  %s",
			shortID(row.ID),
			truncate(row.Agent, 16),
			pid,
			stateStyle.Render(fmt.Sprintf("%-10s", row.State)),
			formatUptime(row.Uptime),
			row.Result,
		)
		rows = append(rows, rowStyle.Render(line))
	}

	content := lipgloss.JoinVertical(lipgloss.Left,
		append([]string{
			sectionHeaderStyle.Render("Operations"),
			header,
		}, rows...)...,
	)

	return boxStyle.Width(m.width - 2).Render(content)
}

// =============================================================================
// Terminations
// =============================================================================

func (m Model) renderTerminations() string {
	l := m.snapshot.Lifetimes

	unexpected := GetUnexpectedRateStyle(m.UnexpectedRate()).
		Render(fmt.Sprintf("%d (%s)", l.Unexpected, formatPercent(m.UnexpectedRate())))

	rows := []string{
		RenderKeyValue("Launched", formatNumber(l.Launched)),
		RenderKeyValue("Expected", formatNumber(l.Expected)),
		lipgloss.JoinHorizontal(lipgloss.Left,
			labelStyle.Render("Unexpected:"),
			unexpected,
		),
	}
	if l.Failed > 0 {
		rows = append(rows, lipgloss.JoinHorizontal(lipgloss.Left,
			labelStyle.Render("Launch Failures:"),
			valueBadStyle.Render(formatNumber(l.Failed)),
		))
	}

	if l.Terminated > 0 {
		barWidth := m.width - 40
		if barWidth < 20 {
			barWidth = 20
		}
		rows = append(rows,
			"",
			mutedStyle.Render("Expected share"),
			RenderProgressBar(float64(l.Expected)/float64(l.Terminated), barWidth),
			"",
			RenderKeyValue("Lifetime P50", stats.FormatDuration(l.P50)),
			RenderKeyValue("Lifetime P95", stats.FormatDuration(l.P95)),
			RenderKeyValue("Lifetime P99", stats.FormatDuration(l.P99)),
			RenderKeyValue("Lifetime Max", stats.FormatDuration(l.Max)),
		)
	}

	content := lipgloss.JoinVertical(lipgloss.Left,
		append([]string{sectionHeaderStyle.Render("Terminations")}, rows...)...,
	)

	return boxStyle.Width(m.width - 2).Render(content)
}

// =============================================================================
// Output Pipelines
// =============================================================================

func (m Model) renderOutput() string {
	header := tableHeaderStyle.Render(
		fmt.Sprintf("%-8s %10s %10s %12s %8s", "Stream", "Lines", "Dropped", "Bytes", "Drop"),
	)

	rows := []string{header}
	for _, name := range m.streamNames() {
		t := m.snapshot.Streams[name]
		rate := 0.0
		if t.LinesRead > 0 {
			rate = float64(t.LinesDropped) / float64(t.LinesRead)
		}
		dropped := formatNumber(t.LinesDropped)
		if t.LinesDropped > 0 {
			dropped = valueWarnStyle.Render(fmt.Sprintf("%10s", dropped))
		} else {
			dropped = fmt.Sprintf("%10s", dropped)
		}
		rows = append(rows, fmt.Sprintf("%-8s %10s %s %12s %8s",
			name,
			formatNumber(t.LinesRead),
			dropped,
			formatBytes(t.BytesRead),
			formatPercent(rate),
		))
	}
	r := m.snapshot.OutputRate
	rows = append(rows, "", fmt.Sprintf("%s %s",
		labelStyle.Render("Lines/sec:"),
		valueStyle.Render(fmt.Sprintf("%.1f (1s)  %.1f (30s)  %.1f (60s)", r.Per1s, r.Per30s, r.Per60s)),
	))
	if m.snapshot.Degraded > 0 {
		rows = append(rows, statusWarning.Render(
			fmt.Sprintf("%d live stream(s) above drop threshold", m.snapshot.Degraded)))
	}

	content := lipgloss.JoinVertical(lipgloss.Left,
		append([]string{sectionHeaderStyle.Render("Agent Output")}, rows...)...,
	)

	return boxStyle.Width(m.width - 2).Render(content)
}

// =============================================================================
// Footer
// =============================================================================

func (m Model) renderFooter() string {
	shortcuts := []string{
		"q: quit",
		"d: toggle details",
		"r: refresh",
	}

	left := dimStyle.Render(strings.Join(shortcuts, " │ "))
	right := ""
	if m.metricsAddr != "" {
		right = dimStyle.Render("Metrics: http://" + m.metricsAddr + "/metrics")
	}

	padding := m.width - lipgloss.Width(left) - lipgloss.Width(right) - 2
	if padding < 1 {
		padding = 1
	}

	return footerStyle.Render(
		lipgloss.JoinHorizontal(lipgloss.Left,
			left,
			strings.Repeat(" ", padding),
			right,
		),
	)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	if n <= 3 {
		return s[:n]
	}
	return s[:n-3] + "..."
}
