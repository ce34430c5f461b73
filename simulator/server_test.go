package simulator

import (
	"bufio"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyberinferno/ecos-remote/wire"
)

func startServer(t *testing.T, layout *Layout) *Server {
	t.Helper()
	s := New("127.0.0.1:0", layout)
	require.NoError(t, s.Start())
	t.Cleanup(s.Stop)
	return s
}

type client struct {
	conn   net.Conn
	reader *bufio.Reader
}

func dial(t *testing.T, s *Server) *client {
	t.Helper()
	conn, err := net.Dial("tcp", s.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return &client{conn: conn, reader: bufio.NewReader(conn)}
}

// readBlock reads lines up to and including the next terminator line.
func (c *client) readBlock(t *testing.T) string {
	t.Helper()
	require.NoError(t, c.conn.SetReadDeadline(time.Now().Add(2*time.Second)))

	var b strings.Builder
	for {
		line, err := c.reader.ReadString('\n')
		require.NoError(t, err)
		b.WriteString(line)
		if strings.HasPrefix(line, "<END") {
			return b.String()
		}
	}
}

func (c *client) do(t *testing.T, command string) string {
	t.Helper()
	_, err := c.conn.Write([]byte(command))
	require.NoError(t, err)
	return c.readBlock(t)
}

func TestServer_Commands(t *testing.T) {
	s := startServer(t, DemoLayout())
	c := dial(t, s)

	t.Run("roster query lists trains by id", func(t *testing.T) {
		reply := c.do(t, wire.EncodeListTrains())
		assert.Equal(t, "<REPLY queryObjects(10, name)>\n"+
			"1000 name[\"Big Boy\"]\n"+
			"1001 name[\"Flying Scotsman\"]\n"+
			"1002 name[\"BR 218\"]\n"+
			"<END 0 (OK)>\n", reply)

		trains := wire.DecodeTrainRoster(reply)
		require.Len(t, trains, 3)
		assert.Equal(t, wire.Train{ID: 1001, Name: "Flying Scotsman"}, trains[1])
	})

	t.Run("function set is visible in the function list", func(t *testing.T) {
		reply := c.do(t, wire.EncodeSetFunction(1001, 2, true))
		assert.True(t, wire.DecodeStatus(reply).OK())

		fns := wire.DecodeFunctionList(c.do(t, wire.EncodeGetFunctions(1001)))
		assert.Equal(t, []wire.TrainFunction{
			{ID: 0, Value: false}, {ID: 1, Value: false}, {ID: 2, Value: true}, {ID: 3, Value: false},
		}, fns)
	})

	t.Run("speed and direction read back", func(t *testing.T) {
		c.do(t, wire.EncodeSetSpeed(1000, 42))
		c.do(t, wire.EncodeSetDirection(1000, wire.Reverse))

		speed, ok := wire.DecodeSpeed(c.do(t, wire.EncodeGetSpeed(1000)))
		require.True(t, ok)
		assert.Equal(t, 42, speed)

		dir, ok := wire.DecodeDirection(c.do(t, wire.EncodeGetDirection(1000)))
		require.True(t, ok)
		assert.Equal(t, wire.Reverse, dir)
	})

	t.Run("stop and go toggle the station status", func(t *testing.T) {
		c.do(t, wire.EncodeStopAll())
		stopped, ok := wire.DecodeStationStatus(c.do(t, wire.EncodeGetStationStatus()))
		require.True(t, ok)
		assert.True(t, stopped)
		assert.True(t, s.Layout().Stopped())

		c.do(t, wire.EncodeStartAll())
		assert.False(t, s.Layout().Stopped())
	})
}

func TestServer_Errors(t *testing.T) {
	s := startServer(t, DemoLayout())
	c := dial(t, s)

	tests := []struct {
		name     string
		command  string
		expected Status
	}{
		{"unknown command", "frobnicate(1000)\n", StatusUnknownCommand},
		{"missing parenthesis", "get 1000, func\n", StatusSyntax},
		{"object id not a number", "get(abc, func)\n", StatusSyntax},
		{"unknown train", "get(4711, speed)\n", StatusUnknownID},
		{"speed out of range", "set(1000, speed[150])\n", StatusBadArgument},
		{"unknown function", "set(1000, func[99, 1])\n", StatusBadArgument},
		{"unknown station option", "set(1, reboot)\n", StatusBadArgument},
		{"roster from wrong object", "queryObjects(11, name)\n", StatusUnknownID},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reply := c.do(t, tt.command)
			assert.Equal(t, tt.expected, wire.DecodeStatus(reply))
		})
	}
}

func TestServer_Events(t *testing.T) {
	t.Run("viewers of an object get an event, the origin does not", func(t *testing.T) {
		s := startServer(t, DemoLayout())
		viewer := dial(t, s)
		actor := dial(t, s)

		assert.True(t, wire.DecodeStatus(viewer.do(t, wire.EncodeRequestView(1000))).OK())
		actor.do(t, wire.EncodeSetSpeed(1000, 30))

		event := viewer.readBlock(t)
		assert.True(t, strings.HasPrefix(event, "<EVENT 1000>\n"))
		assert.Contains(t, event, "1000 speed[30]\n")

		// The actor's next reply is not preceded by an event.
		reply := actor.do(t, wire.EncodeGetSpeed(1000))
		assert.True(t, strings.HasPrefix(reply, "<REPLY get(1000, speed)>"))
	})

	t.Run("released views get no events", func(t *testing.T) {
		s := startServer(t, DemoLayout())
		viewer := dial(t, s)
		actor := dial(t, s)

		viewer.do(t, wire.EncodeRequestView(wire.StationID))
		viewer.do(t, wire.EncodeReleaseView(wire.StationID))
		actor.do(t, wire.EncodeStopAll())

		reply := viewer.do(t, wire.EncodeGetStationStatus())
		assert.True(t, strings.HasPrefix(reply, "<REPLY get(1, status)>"))
	})

	t.Run("view of unknown object is rejected", func(t *testing.T) {
		s := startServer(t, DemoLayout())
		c := dial(t, s)
		assert.Equal(t, StatusUnknownID, wire.DecodeStatus(c.do(t, wire.EncodeRequestView(4711))))
	})
}

func TestServer_FaultInjection(t *testing.T) {
	t.Run("hook replaces the reply", func(t *testing.T) {
		s := startServer(t, DemoLayout())
		s.SetHook(func(command string) (string, bool) {
			if strings.HasPrefix(command, "get(") {
				return "<REPLY>\n<END 99 (busy)>\n", true
			}
			return "", false
		})
		c := dial(t, s)

		assert.Equal(t, 99, wire.DecodeStatus(c.do(t, wire.EncodeGetSpeed(1000))).Code)
		assert.True(t, wire.DecodeStatus(c.do(t, wire.EncodeSetSpeed(1000, 1))).OK())

		s.SetHook(nil)
		assert.True(t, wire.DecodeStatus(c.do(t, wire.EncodeGetSpeed(1000))).OK())
	})

	t.Run("drop connections closes clients but keeps listening", func(t *testing.T) {
		s := startServer(t, DemoLayout())
		c := dial(t, s)
		c.do(t, wire.EncodeListTrains())

		assert.Equal(t, 1, s.DropConnections())

		require.NoError(t, c.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		_, err := c.reader.ReadString('\n')
		assert.Error(t, err)

		again := dial(t, s)
		assert.True(t, wire.DecodeStatus(again.do(t, wire.EncodeListTrains())).OK())
	})

	t.Run("broadcast reaches every connection", func(t *testing.T) {
		s := startServer(t, DemoLayout())
		a := dial(t, s)
		b := dial(t, s)
		a.do(t, wire.EncodeListTrains())
		b.do(t, wire.EncodeListTrains())

		assert.Equal(t, 2, s.Broadcast("<EVENT 7>\n<END 0 (OK)>\n"))
		assert.Equal(t, "<EVENT 7>\n<END 0 (OK)>\n", a.readBlock(t))
		assert.Equal(t, "<EVENT 7>\n<END 0 (OK)>\n", b.readBlock(t))
	})
}

func TestServer_Lifecycle(t *testing.T) {
	s := New("127.0.0.1:0", nil)
	require.NoError(t, s.Start())
	assert.Error(t, s.Start())

	s.Stop()
	s.Stop()

	_, err := net.DialTimeout("tcp", s.Addr(), 200*time.Millisecond)
	assert.Error(t, err)
}

func TestLayout(t *testing.T) {
	t.Run("stop resets functions only when configured", func(t *testing.T) {
		l := NewLayout()
		l.AddTrain(5, "Shunter", 2)
		require.True(t, l.SetFunction(5, 1, true).OK())

		l.SetStopped(true)
		loco, _ := l.Train(5)
		assert.True(t, loco.Functions[1])

		l.SetResetOnStop(true)
		l.SetStopped(true)
		loco, _ = l.Train(5)
		assert.False(t, loco.Functions[1])
	})

	t.Run("train returns a copy", func(t *testing.T) {
		l := NewLayout()
		l.AddTrain(5, "Shunter", 1)
		loco, ok := l.Train(5)
		require.True(t, ok)
		loco.Functions[0] = true

		again, _ := l.Train(5)
		assert.False(t, again.Functions[0])
	})
}

func TestParseCommand(t *testing.T) {
	cmd, err := parseCommand("set(1000, func[3, 1])")
	require.NoError(t, err)
	assert.Equal(t, command{name: "set", objectID: 1000, options: []option{{key: "func", values: []string{"3", "1"}}}}, cmd)

	cmd, err = parseCommand("get(1000, speed, dir)")
	require.NoError(t, err)
	assert.Equal(t, []option{{key: "speed"}, {key: "dir"}}, cmd.options)

	_, err = parseCommand("set(1000, func[3, 1)")
	assert.ErrorIs(t, err, errSyntax)

	_, err = parseCommand("get()")
	assert.ErrorIs(t, err, errSyntax)
}
