package simulator

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/cyberinferno/ecos-remote/framer"
	"github.com/cyberinferno/ecos-remote/wire"
)

// Status is the trailer written after every reply.
type Status = wire.Status

// Reply codes used by the simulator.
var (
	StatusOK             = Status{Code: 0, Message: "OK"}
	StatusUnknownCommand = Status{Code: 10, Message: "NERROR_UNKNOWNCOMMAND"}
	StatusBadArgument    = Status{Code: 11, Message: "NERROR_WRONGPARAMETER"}
	StatusUnknownID      = Status{Code: 15, Message: "NERROR_UNKNOWNID"}
	StatusSyntax         = Status{Code: 25, Message: "NERROR_SYNTAX"}
)

var errSyntax = errors.New("syntax error")

type option struct {
	key    string
	values []string
}

type command struct {
	name     string
	objectID int
	options  []option
}

func (c command) has(key string) bool {
	for _, opt := range c.options {
		if opt.key == key {
			return true
		}
	}

	return false
}

// parseCommand parses "name(objectID, opt, opt[v, v], ...)".
func parseCommand(line string) (command, error) {
	open := strings.Index(line, "(")
	if open <= 0 || !strings.HasSuffix(line, ")") {
		return command{}, errSyntax
	}

	args := splitArgs(line[open+1 : len(line)-1])
	if len(args) == 0 {
		return command{}, errSyntax
	}

	id, err := strconv.Atoi(args[0])
	if err != nil {
		return command{}, fmt.Errorf("%w: object id %q", errSyntax, args[0])
	}

	cmd := command{name: strings.TrimSpace(line[:open]), objectID: id}
	for _, arg := range args[1:] {
		opt, err := parseOption(arg)
		if err != nil {
			return command{}, err
		}
		cmd.options = append(cmd.options, opt)
	}

	return cmd, nil
}

// splitArgs splits on commas that are not inside brackets.
func splitArgs(s string) []string {
	var (
		args  []string
		depth int
		start int
	)
	for i, r := range s {
		switch r {
		case '[':
			depth++
		case ']':
			depth--
		case ',':
			if depth == 0 {
				args = append(args, strings.TrimSpace(s[start:i]))
				start = i + 1
			}
		}
	}

	if last := strings.TrimSpace(s[start:]); last != "" || len(args) > 0 {
		args = append(args, last)
	}

	return args
}

func parseOption(arg string) (option, error) {
	open := strings.Index(arg, "[")
	if open < 0 {
		if arg == "" {
			return option{}, errSyntax
		}
		return option{key: arg}, nil
	}

	if !strings.HasSuffix(arg, "]") {
		return option{}, fmt.Errorf("%w: %q", errSyntax, arg)
	}

	opt := option{key: strings.TrimSpace(arg[:open])}
	for _, v := range strings.Split(arg[open+1:len(arg)-1], ",") {
		opt.values = append(opt.values, strings.TrimSpace(v))
	}

	return opt, nil
}

// result is the outcome of one command: body lines, trailer, and the objects
// whose state changed and whose viewers must get an event.
type result struct {
	lines   []string
	status  Status
	changed []int
}

func failed(status Status) result {
	return result{status: status}
}

func (s *Server) execute(c *conn, line string) result {
	cmd, err := parseCommand(line)
	if err != nil {
		return failed(StatusSyntax)
	}

	switch cmd.name {
	case "queryObjects":
		return s.queryObjects(cmd)
	case "get":
		return s.get(cmd)
	case "set":
		return s.set(cmd)
	case "request", "release":
		return s.view(c, cmd)
	default:
		return failed(StatusUnknownCommand)
	}
}

func (s *Server) queryObjects(cmd command) result {
	if cmd.objectID != wire.LocomotiveManagerID {
		return failed(StatusUnknownID)
	}

	res := result{status: StatusOK}
	for _, train := range s.layout.Trains() {
		line := strconv.Itoa(train.ID)
		if cmd.has("name") {
			line += fmt.Sprintf(` name["%s"]`, train.Name)
		}
		res.lines = append(res.lines, line)
	}

	return res
}

func (s *Server) get(cmd command) result {
	if cmd.objectID == wire.StationID {
		if len(cmd.options) != 1 || cmd.options[0].key != "status" {
			return failed(StatusBadArgument)
		}

		return result{lines: []string{stationStatusLine(s.layout.Stopped())}, status: StatusOK}
	}

	loco, ok := s.layout.Train(cmd.objectID)
	if !ok {
		return failed(StatusUnknownID)
	}

	res := result{status: StatusOK}
	for _, opt := range cmd.options {
		switch opt.key {
		case "name":
			res.lines = append(res.lines, fmt.Sprintf(`%d name["%s"]`, loco.ID, loco.Name))
		case "speed":
			res.lines = append(res.lines, fmt.Sprintf("%d speed[%d]", loco.ID, loco.Speed))
		case "dir":
			res.lines = append(res.lines, fmt.Sprintf("%d dir[%d]", loco.ID, int(loco.Direction)))
		case "func":
			for _, fn := range loco.SortedFunctions() {
				res.lines = append(res.lines, functionLine(loco.ID, fn))
			}
		default:
			return failed(StatusBadArgument)
		}
	}

	return res
}

func (s *Server) set(cmd command) result {
	if len(cmd.options) != 1 {
		return failed(StatusBadArgument)
	}
	opt := cmd.options[0]

	if cmd.objectID == wire.StationID {
		switch opt.key {
		case "stop":
			s.layout.SetStopped(true)
		case "go":
			s.layout.SetStopped(false)
		default:
			return failed(StatusBadArgument)
		}

		return result{status: StatusOK, changed: []int{wire.StationID}}
	}

	values := make([]int, 0, len(opt.values))
	for _, v := range opt.values {
		n, err := strconv.Atoi(v)
		if err != nil {
			return failed(StatusBadArgument)
		}
		values = append(values, n)
	}

	var status Status
	switch {
	case opt.key == "speed" && len(values) == 1:
		status = s.layout.SetSpeed(cmd.objectID, values[0])
	case opt.key == "dir" && len(values) == 1:
		dir := wire.Forward
		if values[0] != 0 {
			dir = wire.Reverse
		}
		status = s.layout.SetDirection(cmd.objectID, dir)
	case opt.key == "func" && len(values) == 2:
		status = s.layout.SetFunction(cmd.objectID, values[0], values[1] != 0)
	default:
		return failed(StatusBadArgument)
	}

	if !status.OK() {
		return failed(status)
	}

	return result{status: StatusOK, changed: []int{cmd.objectID}}
}

func (s *Server) view(c *conn, cmd command) result {
	if len(cmd.options) != 1 || cmd.options[0].key != "view" {
		return failed(StatusBadArgument)
	}

	if !s.objectExists(cmd.objectID) {
		return failed(StatusUnknownID)
	}

	if cmd.name == "request" {
		c.views.add(cmd.objectID)
	} else {
		c.views.remove(cmd.objectID)
	}

	return result{status: StatusOK}
}

func (s *Server) objectExists(id int) bool {
	if id == wire.StationID || id == wire.LocomotiveManagerID {
		return true
	}

	_, ok := s.layout.Train(id)
	return ok
}

// describe returns the lines sent in an event body for objectID.
func (s *Server) describe(objectID int) []string {
	if objectID == wire.StationID {
		return []string{stationStatusLine(s.layout.Stopped())}
	}

	loco, ok := s.layout.Train(objectID)
	if !ok {
		return nil
	}

	lines := []string{
		fmt.Sprintf("%d speed[%d]", loco.ID, loco.Speed),
		fmt.Sprintf("%d dir[%d]", loco.ID, int(loco.Direction)),
	}
	for _, fn := range loco.SortedFunctions() {
		lines = append(lines, functionLine(loco.ID, fn))
	}

	return lines
}

func stationStatusLine(stopped bool) string {
	if stopped {
		return fmt.Sprintf("%d status[%s]", wire.StationID, wire.StationStopped)
	}

	return fmt.Sprintf("%d status[%s]", wire.StationID, wire.StationRunning)
}

func functionLine(id int, fn wire.TrainFunction) string {
	v := 0
	if fn.Value {
		v = 1
	}

	return fmt.Sprintf("%d func[%d, %d]", id, fn.ID, v)
}

// formatBlock renders "<header>", the body lines and the terminator.
func formatBlock(header string, lines []string, status Status) string {
	var b strings.Builder
	b.WriteString(header)
	b.WriteByte('\n')
	for _, line := range lines {
		b.WriteString(line)
		b.WriteByte('\n')
	}
	fmt.Fprintf(&b, "%s %s>\n", framer.ReplyTerminator, status)

	return b.String()
}

// FormatReply renders the station's reply to command.
func FormatReply(command string, lines []string, status Status) string {
	return formatBlock(fmt.Sprintf("%s %s>", framer.ReplyMarker, command), lines, status)
}

// FormatEvent renders an event block about objectID.
func FormatEvent(objectID int, lines []string) string {
	return formatBlock(fmt.Sprintf("%s %d>", framer.EventMarker, objectID), lines, StatusOK)
}
