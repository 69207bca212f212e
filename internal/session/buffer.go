package session

import (
	"regexp"
	"strings"
	"sync"
	"time"
)

type LineType string

const (
	LineInput  LineType = "input"
	LineOutput LineType = "output"
	LineError  LineType = "error"
)

// Line is one retained scrollback entry. ANSI escape sequences are pulled
// out of the text and recorded alongside it.
type Line struct {
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
	Type      LineType  `json:"type"`
	ANSICodes []string  `json:"ansi_codes,omitempty"`
}

var ansiPattern = regexp.MustCompile(`\x1b\[[0-9;?]*[a-zA-Z]|\x1b\][^\x07]*\x07`)

// TerminalBuffer is a bounded FIFO of terminal lines. Insertion past the cap
// evicts the oldest entries; Scrollback counts how many were evicted, so a
// late-joining viewer knows how much history it missed.
type TerminalBuffer struct {
	mu         sync.Mutex
	lines      []Line
	maxLines   int
	scrollback int
	partial    string // trailing chunk without a newline yet
}

func NewTerminalBuffer(maxLines int) *TerminalBuffer {
	if maxLines <= 0 {
		maxLines = 1000
	}
	return &TerminalBuffer{maxLines: maxLines}
}

// Append splits a raw data chunk into lines and retains them. A trailing
// segment without a newline is held back and completed by the next chunk.
func (b *TerminalBuffer) Append(data string, typ LineType) {
	b.mu.Lock()
	defer b.mu.Unlock()

	data = b.partial + data
	b.partial = ""

	segments := strings.Split(data, "\n")
	last := len(segments) - 1
	if segments[last] != "" {
		b.partial = segments[last]
	}
	segments = segments[:last]

	now := time.Now()
	for _, seg := range segments {
		b.push(makeLine(seg, typ, now))
	}
}

// AppendLine retains one complete line as-is, used for echoing injected
// input into the scrollback.
func (b *TerminalBuffer) AppendLine(text string, typ LineType) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.push(makeLine(text, typ, time.Now()))
}

// Flush promotes a held-back partial segment into a retained line.
func (b *TerminalBuffer) Flush(typ LineType) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.partial == "" {
		return
	}
	b.push(makeLine(b.partial, typ, time.Now()))
	b.partial = ""
}

func (b *TerminalBuffer) push(line Line) {
	b.lines = append(b.lines, line)
	if excess := len(b.lines) - b.maxLines; excess > 0 {
		b.lines = append([]Line(nil), b.lines[excess:]...)
		b.scrollback += excess
	}
}

// Lines returns a copy of the retained lines in order.
func (b *TerminalBuffer) Lines() []Line {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Line, len(b.lines))
	copy(out, b.lines)
	return out
}

func (b *TerminalBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.lines)
}

// Scrollback returns the total number of lines evicted so far.
func (b *TerminalBuffer) Scrollback() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.scrollback
}

// MaxLines returns the configured cap.
func (b *TerminalBuffer) MaxLines() int {
	return b.maxLines
}

func makeLine(raw string, typ LineType, ts time.Time) Line {
	raw = strings.TrimSuffix(raw, "\r")
	codes := ansiPattern.FindAllString(raw, -1)
	text := ansiPattern.ReplaceAllString(raw, "")
	return Line{Text: text, Timestamp: ts, Type: typ, ANSICodes: codes}
}
