// Package parser drains agent output streams through lossy line pipelines.
//
// An agent writing to a full pipe blocks. The supervisor must never be the
// reason an agent stalls, so reading and parsing are split:
//
//	Layer 1 (Reader): reads lines fast, drops if the channel is full, never blocks
//	Layer 2 (Parser): consumes from the channel at its own pace
//
// Reading continues until EOF, which happens once the agent and every
// inheritor of the write end have exited.
package parser

import (
	"bufio"
	"io"
	"sync"
	"sync/atomic"
)

// Stream names an agent output stream.
type Stream string

const (
	StreamStdout Stream = "stdout"
	StreamStderr Stream = "stderr"
)

// LineParser consumes one line of agent output.
type LineParser interface {
	ParseLine(line string)
}

// Pipeline implements the two-layer lossy pipeline for one stream of one
// operation.
type Pipeline struct {
	operationID string
	stream      Stream
	bufferSize  int

	lineChan  chan string
	closeOnce sync.Once

	linesRead    atomic.Int64
	bytesRead    atomic.Int64
	linesDropped atomic.Int64
	linesParsed  atomic.Int64

	dropThreshold float64
}

// NewPipeline creates a lossy pipeline.
//
// Parameters:
//   - operationID: operation identifier for logging
//   - stream: which agent stream feeds the pipeline
//   - bufferSize: channel buffer size (lines)
//   - dropThreshold: fraction (0.0-1.0) above which the stream is degraded
func NewPipeline(operationID string, stream Stream, bufferSize int, dropThreshold float64) *Pipeline {
	if bufferSize < 1 {
		bufferSize = 1000
	}
	if dropThreshold <= 0 {
		dropThreshold = 0.01
	}

	return &Pipeline{
		operationID:   operationID,
		stream:        stream,
		bufferSize:    bufferSize,
		lineChan:      make(chan string, bufferSize),
		dropThreshold: dropThreshold,
	}
}

// RunReader is Layer 1. It must run in its own goroutine, returns at EOF
// or on a read error, and closes the line channel on return.
func (p *Pipeline) RunReader(r io.Reader) {
	defer p.CloseChannel()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		p.linesRead.Add(1)
		p.bytesRead.Add(int64(len(line) + 1))

		select {
		case p.lineChan <- line:
		default:
			p.linesDropped.Add(1)
		}
	}
}

// CloseChannel closes the line channel so RunParser returns.
// Safe to call multiple times.
func (p *Pipeline) CloseChannel() {
	p.closeOnce.Do(func() {
		close(p.lineChan)
	})
}

// RunParser is Layer 2. It blocks until the line channel is closed.
func (p *Pipeline) RunParser(parser LineParser) {
	for line := range p.lineChan {
		parser.ParseLine(line)
		p.linesParsed.Add(1)
	}
}

// Stats returns lines read, dropped and parsed.
func (p *Pipeline) Stats() (read, dropped, parsed int64) {
	return p.linesRead.Load(), p.linesDropped.Load(), p.linesParsed.Load()
}

// BytesRead returns the number of bytes consumed from the stream.
func (p *Pipeline) BytesRead() int64 {
	return p.bytesRead.Load()
}

// DropRate returns the current drop rate as a fraction (0.0 to 1.0).
func (p *Pipeline) DropRate() float64 {
	read := p.linesRead.Load()
	if read == 0 {
		return 0
	}
	return float64(p.linesDropped.Load()) / float64(read)
}

// IsDegraded returns true if the drop rate exceeds the configured threshold.
func (p *Pipeline) IsDegraded() bool {
	return p.DropRate() > p.dropThreshold
}

// OperationID returns the operation this pipeline belongs to.
func (p *Pipeline) OperationID() string {
	return p.operationID
}

// Stream returns the stream feeding this pipeline.
func (p *Pipeline) Stream() Stream {
	return p.stream
}

// NoopParser discards every line.
type NoopParser struct{}

// ParseLine does nothing.
func (NoopParser) ParseLine(string) {}

// ParserFunc adapts a function to LineParser.
type ParserFunc func(line string)

// ParseLine calls f(line).
func (f ParserFunc) ParseLine(line string) { f(line) }
