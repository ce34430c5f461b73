package wire

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"unicode"

	"github.com/cyberinferno/ecos-remote/framer"
)

// Reasons a reply line is dropped by a decoder.
var (
	ErrInvalidID      = errors.New("id is not an integer")
	ErrMissingBracket = errors.New("no bracketed value")
	ErrInvalidValue   = errors.New("bracketed value is not an integer pair")
)

// DropFunc receives every line a decoder discards together with the reason.
type DropFunc func(line string, reason error)

// Decoder decodes reply bodies. The zero value is ready to use and silently
// drops malformed lines.
type Decoder struct {
	// OnDrop, if set, is called for each malformed line.
	OnDrop DropFunc
}

var defaultDecoder Decoder

// DecodeTrainRoster decodes a roster reply with the default Decoder.
func DecodeTrainRoster(reply string) []Train {
	return defaultDecoder.DecodeTrainRoster(reply)
}

// DecodeFunctionList decodes a function-list reply with the default Decoder.
func DecodeFunctionList(reply string) []TrainFunction {
	return defaultDecoder.DecodeFunctionList(reply)
}

// DecodeTrainRoster parses one train per line, "<id> <name>". The name is the
// text between the first and last double quote when present, otherwise the
// trimmed remainder. Lines whose id does not parse are dropped. The result
// keeps the input order.
//
// Parameters:
//   - reply: The complete reply payload
//
// Returns:
//   - The trains found; empty (never nil) when none parsed
func (d Decoder) DecodeTrainRoster(reply string) []Train {
	trains := make([]Train, 0)
	for _, line := range bodyLines(reply) {
		idToken, rest := splitFirstField(line)
		id, err := strconv.Atoi(idToken)
		if err != nil {
			d.drop(line, fmt.Errorf("%w: %q", ErrInvalidID, idToken))
			continue
		}

		trains = append(trains, Train{ID: id, Name: extractName(rest)})
	}

	return trains
}

// DecodeFunctionList parses lines carrying "[<funcID>, <value>]". Value is
// true for any non-zero integer. The result is sorted ascending by function
// ID; duplicate IDs are all kept in arrival order.
//
// Parameters:
//   - reply: The complete reply payload
//
// Returns:
//   - The functions found, sorted by ID; empty (never nil) when none parsed
func (d Decoder) DecodeFunctionList(reply string) []TrainFunction {
	funcs := make([]TrainFunction, 0)
	for _, line := range bodyLines(reply) {
		inner, ok := bracketContent(line)
		if !ok {
			d.drop(line, ErrMissingBracket)
			continue
		}

		parts := strings.Split(inner, ",")
		if len(parts) != 2 {
			d.drop(line, fmt.Errorf("%w: %q", ErrInvalidValue, inner))
			continue
		}

		id, errID := strconv.Atoi(strings.TrimSpace(parts[0]))
		value, errValue := strconv.Atoi(strings.TrimSpace(parts[1]))
		if errID != nil || errValue != nil {
			d.drop(line, fmt.Errorf("%w: %q", ErrInvalidValue, inner))
			continue
		}

		funcs = append(funcs, TrainFunction{ID: id, Value: value != 0})
	}

	sort.SliceStable(funcs, func(i, j int) bool {
		return funcs[i].ID < funcs[j].ID
	})

	return funcs
}

// DecodeSpeed returns the value of the first "speed[<n>]" line.
func DecodeSpeed(reply string) (int, bool) {
	return decodeAttribute(reply, "speed")
}

// DecodeDirection returns the value of the first "dir[<n>]" line.
func DecodeDirection(reply string) (Direction, bool) {
	v, ok := decodeAttribute(reply, "dir")
	if !ok {
		return Forward, false
	}

	if v != 0 {
		return Reverse, true
	}

	return Forward, true
}

// DecodeStationStatus reads a "status[STOP]" or "status[GO]" line.
//
// Returns:
//   - true if the layout is stopped
//   - false as second value if no status line was found
func DecodeStationStatus(reply string) (bool, bool) {
	for _, line := range bodyLines(reply) {
		idx := strings.Index(line, "status[")
		if idx < 0 {
			continue
		}

		inner, ok := bracketContent(line[idx:])
		if !ok {
			continue
		}

		switch strings.ToUpper(strings.TrimSpace(inner)) {
		case StationStopped:
			return true, true
		case StationRunning:
			return false, true
		}
	}

	return false, false
}

func decodeAttribute(reply, name string) (int, bool) {
	for _, line := range bodyLines(reply) {
		idx := strings.Index(line, name+"[")
		if idx < 0 {
			continue
		}

		inner, ok := bracketContent(line[idx:])
		if !ok {
			continue
		}

		v, err := strconv.Atoi(strings.TrimSpace(inner))
		if err != nil {
			continue
		}

		return v, true
	}

	return 0, false
}

// Status is the trailer of a reply, "<END <code> (<message>)>".
type Status struct {
	Code    int
	Message string
}

// OK reports whether the station accepted the command.
func (s Status) OK() bool {
	return s.Code == 0
}

// String formats the status the way the station prints it.
func (s Status) String() string {
	if s.Message == "" {
		return strconv.Itoa(s.Code)
	}

	return fmt.Sprintf("%d (%s)", s.Code, s.Message)
}

// DecodeStatus parses the last terminator line of a reply. A terminator
// without a code is treated as success.
func DecodeStatus(reply string) Status {
	idx := strings.LastIndex(reply, framer.ReplyTerminator)
	if idx < 0 {
		return Status{}
	}

	trailer := reply[idx+len(framer.ReplyTerminator):]
	if nl := strings.IndexAny(trailer, "\r\n"); nl >= 0 {
		trailer = trailer[:nl]
	}

	trailer = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(trailer), ">"))
	if trailer == "" {
		return Status{}
	}

	codeToken, rest := splitFirstField(trailer)
	code, err := strconv.Atoi(codeToken)
	if err != nil {
		return Status{}
	}

	rest = strings.TrimSuffix(strings.TrimPrefix(strings.TrimSpace(rest), "("), ")")
	return Status{Code: code, Message: rest}
}

// Event is a parsed event description such as "EVENT 1000".
type Event struct {
	// ObjectID is the object the event is about; 0 if it did not parse.
	ObjectID int
	// Raw is the description as received.
	Raw string
}

// ParseEvent splits an event description into its object id.
func ParseEvent(desc string) Event {
	ev := Event{Raw: desc}
	fields := strings.Fields(desc)
	if len(fields) >= 2 {
		if id, err := strconv.Atoi(fields[1]); err == nil {
			ev.ObjectID = id
		}
	}

	return ev
}

func (d Decoder) drop(line string, reason error) {
	if d.OnDrop != nil {
		d.OnDrop(line, reason)
	}
}

// bodyLines normalizes line endings and removes blank lines and framing
// markers.
func bodyLines(reply string) []string {
	raw := strings.Split(framer.NormalizeLineEndings(reply), "\n")
	lines := make([]string, 0, len(raw))
	for _, line := range raw {
		line = strings.TrimSpace(line)
		if line == "" || isFramingLine(line) {
			continue
		}

		lines = append(lines, line)
	}

	return lines
}

func isFramingLine(line string) bool {
	return strings.HasPrefix(line, framer.ReplyTerminator) ||
		strings.HasPrefix(line, framer.ReplyMarker) ||
		strings.HasPrefix(line, framer.EventMarker)
}

// splitFirstField splits on the first run of whitespace.
func splitFirstField(line string) (string, string) {
	idx := strings.IndexFunc(line, unicode.IsSpace)
	if idx < 0 {
		return line, ""
	}

	return line[:idx], strings.TrimSpace(line[idx:])
}

func extractName(rest string) string {
	first := strings.Index(rest, `"`)
	last := strings.LastIndex(rest, `"`)
	if first >= 0 && last > first {
		return rest[first+1 : last]
	}

	return strings.TrimSpace(rest)
}

func bracketContent(line string) (string, bool) {
	open := strings.Index(line, "[")
	if open < 0 {
		return "", false
	}

	closing := strings.Index(line[open:], "]")
	if closing < 0 {
		return "", false
	}

	return line[open+1 : open+closing], true
}
