package stats

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/randomizedcoder/go-agent-supervisor/internal/agent"
)

// SummaryConfig holds configuration for summary formatting.
type SummaryConfig struct {
	// Target is the environment the agents ran in.
	Target string

	// Duration is the total supervision run duration.
	Duration time.Duration

	// MetricsAddr is the Prometheus metrics endpoint address, if served.
	MetricsAddr string

	// Restarts is the number of relaunches performed by restart loops.
	Restarts int64
}

const (
	heavyRule = "═══════════════════════════════════════════════════════════════════════════════\n"
	lightRule = "───────────────────────────────────────────────────────────────────────────────\n"
)

// FormatExitSummary formats a Snapshot for display at program exit.
func FormatExitSummary(s Snapshot, cfg SummaryConfig) string {
	var b strings.Builder

	b.WriteString("\n")
	b.WriteString(heavyRule)
	b.WriteString("                        agent-supervisor Exit Summary\n")
	b.WriteString(heavyRule + "\n")

	if cfg.Target != "" {
		fmt.Fprintf(&b, "Target:                 %s\n", cfg.Target)
	}
	fmt.Fprintf(&b, "Run Duration:           %s\n", FormatDuration(cfg.Duration))
	fmt.Fprintf(&b, "Agents Launched:        %d\n", s.Launched)
	fmt.Fprintf(&b, "Restarts:               %d\n", cfg.Restarts)
	if s.Failed > 0 {
		fmt.Fprintf(&b, "Launch Failures:        %d\n", s.Failed)
	}
	if running := s.Running(); running > 0 {
		fmt.Fprintf(&b, "Still Running:          %d\n", running)
	}
	b.WriteString("\n")

	b.WriteString(lightRule)
	b.WriteString("                                 Terminations\n")
	b.WriteString(lightRule + "\n")

	fmt.Fprintf(&b, "  Expected:             %d\n", s.Expected)
	fmt.Fprintf(&b, "  Unexpected:           %d\n\n", s.Unexpected)

	if len(s.Statuses) > 0 {
		fmt.Fprintf(&b, "  %-12s %-16s %8s\n", "Raw Status", "Meaning", "Count")
		b.WriteString("  " + strings.Repeat("─", 38) + "\n")
		for _, status := range slices.Sorted(maps.Keys(s.Statuses)) {
			fmt.Fprintf(&b, "  %-12d %-16s %8d\n", status, StatusLabel(status), s.Statuses[status])
		}
		b.WriteString("\n")
	}

	if s.Terminated > 0 {
		b.WriteString(lightRule)
		b.WriteString("                                  Lifetimes\n")
		b.WriteString(lightRule + "\n")
		fmt.Fprintf(&b, "  P50:  %s\n", FormatDuration(s.P50))
		fmt.Fprintf(&b, "  P95:  %s\n", FormatDuration(s.P95))
		fmt.Fprintf(&b, "  P99:  %s\n", FormatDuration(s.P99))
		fmt.Fprintf(&b, "  Max:  %s\n\n", FormatDuration(s.Max))
	}

	if cfg.MetricsAddr != "" {
		fmt.Fprintf(&b, "Metrics were served at http://%s/metrics\n", cfg.MetricsAddr)
	}
	b.WriteString(heavyRule)
	return b.String()
}

// StatusLabel describes a raw wait status, e.g. "exit 0 (ok)" or
// "SIGKILL".
func StatusLabel(status int) string {
	r := agent.NewResult(status)
	var label string
	switch {
	case r.Signal() != "":
		label = r.Signal()
	case r.ExitCode() >= 0:
		label = fmt.Sprintf("exit %d", r.ExitCode())
	default:
		label = "unknown"
	}
	if r.Expected {
		label += " (ok)"
	}
	return label
}

// FormatDuration formats a duration as HH:MM:SS.
func FormatDuration(d time.Duration) string {
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}
