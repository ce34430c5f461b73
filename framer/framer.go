// Package framer splits the command station's text stream into terminated
// replies and inline event notifications. The station does not length-prefix
// its messages, so boundaries are found by scanning for fixed sentinels.
package framer

import (
	"errors"
	"strings"
)

const (
	// ReplyTerminator marks the end of a reply block ("<END 0 (OK)>").
	ReplyTerminator = "<END"
	// EventMarker starts an unsolicited event line ("<EVENT 1000>").
	EventMarker = "<EVENT"
	// ReplyMarker starts the header line of a reply ("<REPLY get(1000, func)>").
	ReplyMarker = "<REPLY"
)

// ErrBufferOverflow is returned by Feed when unterminated data exceeds the
// configured cap. The buffer is discarded before the error is returned.
var ErrBufferOverflow = errors.New("framer: receive buffer overflow")

// Frames is the result of one Feed call.
type Frames struct {
	// Replies holds complete reply payloads in arrival order.
	Replies []string
	// Events holds event descriptions with the angle brackets removed,
	// e.g. "EVENT 1000".
	Events []string
}

// Framer accumulates received text until a reply terminator is seen.
// A Framer is not safe for concurrent use; the session's read loop owns it.
type Framer struct {
	buf     strings.Builder
	maxSize int
}

// New creates a Framer. A maxSize of zero or less disables the buffer cap.
//
// Parameters:
//   - maxSize: Maximum number of unterminated bytes to hold
//
// Returns:
//   - A new, empty *Framer
func New(maxSize int) *Framer {
	return &Framer{maxSize: maxSize}
}

// Feed appends chunk to the buffer and extracts whatever became complete.
//
// Event lines are taken from the raw chunk only and never clear the buffer.
// When the buffer contains the reply terminator, event sections are cut out
// of it: a lone "<EVENT id>" line, or an event block running from its
// "<EVENT" line through its "<END" line. If the rest still holds a
// terminator it is returned as one reply and the buffer is emptied apart
// from an event block that is not finished yet. Otherwise the rest stays
// buffered.
//
// Parameters:
//   - chunk: Decoded text as read from the socket
//
// Returns:
//   - The replies and events found
//   - ErrBufferOverflow if the cap was exceeded
func (f *Framer) Feed(chunk string) (Frames, error) {
	var frames Frames

	if strings.Contains(chunk, EventMarker) {
		frames.Events = scanEvents(chunk)
	}

	f.buf.WriteString(chunk)

	if strings.Contains(f.buf.String(), ReplyTerminator) {
		reply, pending := stripEvents(f.buf.String())
		f.buf.Reset()
		if strings.Contains(reply, ReplyTerminator) {
			frames.Replies = append(frames.Replies, reply)
		} else if strings.TrimSpace(reply) != "" {
			f.buf.WriteString(reply)
		}
		f.buf.WriteString(pending)
	}

	if f.maxSize > 0 && f.buf.Len() > f.maxSize {
		f.buf.Reset()
		return frames, ErrBufferOverflow
	}

	return frames, nil
}

// Reset discards any partial data, e.g. after the connection was replaced.
func (f *Framer) Reset() {
	f.buf.Reset()
}

// Buffered returns the number of bytes waiting for a terminator.
func (f *Framer) Buffered() int {
	return f.buf.Len()
}

// NormalizeLineEndings converts CRLF and lone CR to LF.
func NormalizeLineEndings(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.ReplaceAll(s, "\r", "\n")
}

func scanEvents(chunk string) []string {
	var events []string
	for _, line := range strings.Split(NormalizeLineEndings(chunk), "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, EventMarker) {
			continue
		}

		line = strings.TrimPrefix(line, "<")
		line = strings.TrimSuffix(line, ">")
		events = append(events, line)
	}

	return events
}

// stripEvents removes event sections from payload. An "<EVENT" line inside
// an open reply, or directly followed by a "<REPLY" header, stands alone.
// Any other "<EVENT" line opens a block that ends with the next "<END" line.
// pending holds an event block whose "<END" has not arrived yet.
func stripEvents(payload string) (reply, pending string) {
	var (
		out     strings.Builder
		block   strings.Builder
		inReply bool
		inEvent bool
	)

	for _, raw := range strings.SplitAfter(payload, "\n") {
		line := strings.TrimSpace(raw)

		switch {
		case strings.HasPrefix(line, EventMarker):
			if inReply {
				continue
			}
			block.Reset()
			block.WriteString(raw)
			inEvent = true
		case strings.HasPrefix(line, ReplyMarker):
			block.Reset()
			inEvent = false
			inReply = true
			out.WriteString(raw)
		case inEvent:
			block.WriteString(raw)
			if strings.HasPrefix(line, ReplyTerminator) {
				block.Reset()
				inEvent = false
			}
		default:
			out.WriteString(raw)
			if strings.HasPrefix(line, ReplyTerminator) {
				inReply = false
			}
		}
	}

	return out.String(), block.String()
}
