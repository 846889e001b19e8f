package logging

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
)

const (
	// MaxLineLength is the maximum length of a single agent line before truncation.
	MaxLineLength = 4096

	// MaxBufferedLines is the number of recent lines kept per stream.
	MaxBufferedLines = 100
)

// OutputHandler logs the lines of one agent output stream and keeps the
// most recent ones for the exit report.
type OutputHandler struct {
	stream  string
	logger  *slog.Logger
	verbose bool

	buffer []string
	bufIdx int
	mu     sync.Mutex
}

// NewOutputHandler creates a handler for the named stream ("stdout" or
// "stderr"). logger should already carry the operation attributes, see
// ForOperation.
func NewOutputHandler(stream string, logger *slog.Logger, verbose bool) *OutputHandler {
	if logger == nil {
		logger = Discard()
	}
	return &OutputHandler{
		stream:  stream,
		logger:  logger,
		verbose: verbose,
		buffer:  make([]string, MaxBufferedLines),
	}
}

// HandleReader reads r until EOF, handling each line.
// This should be run in a goroutine.
func (h *OutputHandler) HandleReader(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, MaxLineLength), MaxLineLength)

	for scanner.Scan() {
		h.ParseLine(scanner.Text())
	}
}

// ParseLine records and logs one line. It makes OutputHandler a
// parser.LineParser.
func (h *OutputHandler) ParseLine(line string) {
	if len(line) > MaxLineLength {
		line = line[:MaxLineLength] + "...(truncated)"
	}

	h.mu.Lock()
	h.buffer[h.bufIdx] = line
	h.bufIdx = (h.bufIdx + 1) % MaxBufferedLines
	h.mu.Unlock()

	level := h.classifyLine(line)
	if !h.verbose && level == slog.LevelDebug {
		return
	}
	h.logger.Log(context.Background(), level, "agent_output",
		"stream", h.stream,
		"line", line,
	)
}

// classifyLine picks a log level from the line content.
func (h *OutputHandler) classifyLine(line string) slog.Level {
	lower := strings.ToLower(line)

	switch {
	case strings.Contains(lower, "panic:"),
		strings.Contains(lower, "fatal"),
		strings.Contains(lower, "segmentation fault"):
		return slog.LevelError
	case strings.Contains(lower, "error"),
		strings.Contains(lower, "[warning]"),
		strings.Contains(lower, "warn"):
		return slog.LevelWarn
	case h.stream == "stderr":
		return slog.LevelInfo
	default:
		return slog.LevelDebug
	}
}

// RecentLines returns up to n of the most recent lines, oldest first.
func (h *OutputHandler) RecentLines(n int) []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	if n > MaxBufferedLines {
		n = MaxBufferedLines
	}

	lines := make([]string, 0, n)
	for i := 0; i < n; i++ {
		idx := (h.bufIdx - n + i + MaxBufferedLines) % MaxBufferedLines
		if h.buffer[idx] != "" {
			lines = append(lines, h.buffer[idx])
		}
	}
	return lines
}

// ErrorPatterns are counted by CountErrors for the exit report.
var ErrorPatterns = []string{
	"panic:",
	"fatal",
	"error",
	"connection refused",
	"timeout",
	"permission denied",
}

// CountErrors counts case-insensitive occurrences of ErrorPatterns in the
// buffered lines.
func (h *OutputHandler) CountErrors() map[string]int {
	h.mu.Lock()
	defer h.mu.Unlock()

	counts := make(map[string]int)
	for _, line := range h.buffer {
		if line == "" {
			continue
		}
		lower := strings.ToLower(line)
		for _, pattern := range ErrorPatterns {
			if strings.Contains(lower, pattern) {
				counts[pattern]++
			}
		}
	}
	return counts
}
