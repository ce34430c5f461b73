package controller

import (
	"strings"
	"sync"
	"time"
)

// DefaultMaxStatusLines bounds the status log unless WithMaxStatusLines is used.
const DefaultMaxStatusLines = 500

// StatusLine is one timestamped entry of the status log.
type StatusLine struct {
	Time time.Time
	Text string
}

// String formats the line as "15:04:05 text".
func (l StatusLine) String() string {
	return l.Time.Format("15:04:05") + " " + l.Text
}

// StatusLog is an append-only, timestamped log of user-facing messages.
// Once more than max lines are appended the oldest are discarded.
type StatusLog struct {
	mu    sync.Mutex
	lines []StatusLine
	max   int
	now   func() time.Time
}

// NewStatusLog creates a log holding at most max lines; max <= 0 means unbounded.
func NewStatusLog(max int) *StatusLog {
	return &StatusLog{max: max, now: time.Now}
}

// Append adds text as a new line and returns it.
func (l *StatusLog) Append(text string) StatusLine {
	l.mu.Lock()
	defer l.mu.Unlock()

	line := StatusLine{Time: l.now(), Text: text}
	l.lines = append(l.lines, line)
	if l.max > 0 && len(l.lines) > l.max {
		trimmed := make([]StatusLine, l.max)
		copy(trimmed, l.lines[len(l.lines)-l.max:])
		l.lines = trimmed
	}

	return line
}

// Lines returns a copy of the retained lines, oldest first.
func (l *StatusLog) Lines() []StatusLine {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]StatusLine, len(l.lines))
	copy(out, l.lines)
	return out
}

// Last returns the most recent line, if any.
func (l *StatusLog) Last() (StatusLine, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.lines) == 0 {
		return StatusLine{}, false
	}

	return l.lines[len(l.lines)-1], true
}

// Len returns the number of retained lines.
func (l *StatusLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.lines)
}

// String joins the retained lines, one per row.
func (l *StatusLog) String() string {
	l.mu.Lock()
	defer l.mu.Unlock()

	var b strings.Builder
	for _, line := range l.lines {
		b.WriteString(line.String())
		b.WriteByte('\n')
	}

	return b.String()
}
