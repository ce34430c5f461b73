package controller

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyberinferno/ecos-remote/cacher"
	"github.com/cyberinferno/ecos-remote/session"
	"github.com/cyberinferno/ecos-remote/wire"
)

const okTrailer = "<END 0 (OK)>\n"

// fakeSender answers commands from a table and records what was sent.
type fakeSender struct {
	mu      sync.Mutex
	sent    []string
	replies map[string]string
	fail    map[string]error
}

func newFakeSender() *fakeSender {
	return &fakeSender{replies: map[string]string{}, fail: map[string]error{}}
}

func (f *fakeSender) Send(_ context.Context, command string) (string, error) {
	cmd := strings.TrimSpace(command)

	f.mu.Lock()
	defer f.mu.Unlock()

	f.sent = append(f.sent, cmd)
	if err, ok := f.fail[cmd]; ok {
		return "", err
	}
	if reply, ok := f.replies[cmd]; ok {
		return reply, nil
	}

	return "<REPLY " + cmd + ">\n" + okTrailer, nil
}

func (f *fakeSender) reply(command, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replies[strings.TrimSpace(command)] = body
}

func (f *fakeSender) failWith(command string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.fail, strings.TrimSpace(command))
		return
	}
	f.fail[strings.TrimSpace(command)] = err
}

func (f *fakeSender) commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func (f *fakeSender) count(command string) int {
	n := 0
	for _, c := range f.commands() {
		if c == strings.TrimSpace(command) {
			n++
		}
	}
	return n
}

// slowSender delays every command so concurrent callers overlap.
type slowSender struct {
	*fakeSender
	delay time.Duration
}

func (s slowSender) Send(ctx context.Context, command string) (string, error) {
	time.Sleep(s.delay)
	return s.fakeSender.Send(ctx, command)
}

func newController(t *testing.T, sender Sender, opts ...Option) *Controller {
	t.Helper()
	c := New(sender, opts...)
	t.Cleanup(c.Close)
	return c
}

var errLink = errors.New("link down")

func selectWithFunctions(t *testing.T, f *fakeSender, c *Controller) {
	t.Helper()
	f.reply(wire.EncodeGetFunctions(1000), "1000 func[3, 1]\n1000 func[1, 1]\n1000 func[0, 0]\n"+okTrailer)
	require.NoError(t, c.SelectTrain(context.Background(), wire.Train{ID: 1000, Name: "Big Boy"}))
}

func TestController_ListTrains(t *testing.T) {
	t.Run("replaces the roster in reply order", func(t *testing.T) {
		f := newFakeSender()
		f.reply(wire.EncodeListTrains(), "1 \"Big Boy\"\n2 \"Flying Scotsman\"\n<END\n")
		c := newController(t, f)

		require.NoError(t, c.ListTrains(context.Background()))
		assert.Equal(t, []wire.Train{{ID: 1, Name: "Big Boy"}, {ID: 2, Name: "Flying Scotsman"}}, c.Snapshot().Trains)
		assert.Contains(t, c.Status(), "Loaded 2 trains")
	})

	t.Run("failure keeps the previous roster and logs a status line", func(t *testing.T) {
		f := newFakeSender()
		f.reply(wire.EncodeListTrains(), "1 \"Big Boy\"\n<END\n")
		c := newController(t, f)
		require.NoError(t, c.ListTrains(context.Background()))

		f.failWith(wire.EncodeListTrains(), errLink)
		err := c.ListTrains(context.Background())
		assert.ErrorIs(t, err, errLink)
		assert.Equal(t, []wire.Train{{ID: 1, Name: "Big Boy"}}, c.Snapshot().Trains)
		assert.Contains(t, c.Status(), "Failed to load trains: link down")
	})

	t.Run("malformed roster yields an empty list without error", func(t *testing.T) {
		f := newFakeSender()
		f.reply(wire.EncodeListTrains(), "abc notanid\n<END\n")
		c := newController(t, f)

		require.NoError(t, c.ListTrains(context.Background()))
		assert.Empty(t, c.Snapshot().Trains)
		assert.Contains(t, c.Status(), "No trains found")
	})

	t.Run("station error status is a failure", func(t *testing.T) {
		f := newFakeSender()
		f.reply(wire.EncodeListTrains(), "<REPLY queryObjects(10, name)>\n<END 15 (NERROR_UNKNOWNID)>\n")
		c := newController(t, f)

		err := c.ListTrains(context.Background())
		var stationErr *StationError
		require.ErrorAs(t, err, &stationErr)
		assert.Equal(t, 15, stationErr.Status.Code)
		assert.Equal(t, "queryObjects(10, name)", stationErr.Command)
	})
}

func TestController_RequiresSelection(t *testing.T) {
	f := newFakeSender()
	c := newController(t, f)
	ctx := context.Background()

	assert.ErrorIs(t, c.LoadFunctions(ctx), ErrNoSelection)
	assert.ErrorIs(t, c.SetFunction(ctx, 1, true), ErrNoSelection)
	assert.ErrorIs(t, c.SetSpeed(ctx, 10), ErrNoSelection)
	assert.ErrorIs(t, c.SetDirection(ctx, wire.Reverse), ErrNoSelection)
	assert.ErrorIs(t, c.RefreshControl(ctx), ErrNoSelection)

	assert.Empty(t, f.commands())
	assert.Len(t, c.StatusLines(), 5)
	assert.Equal(t, State{Status: c.Status()}, c.Snapshot())
}

func TestController_SelectTrain(t *testing.T) {
	t.Run("loads the function list sorted by id", func(t *testing.T) {
		f := newFakeSender()
		c := newController(t, f)
		selectWithFunctions(t, f, c)

		st := c.Snapshot()
		require.NotNil(t, st.SelectedTrainID)
		assert.Equal(t, 1000, *st.SelectedTrainID)
		assert.Equal(t, []wire.TrainFunction{{ID: 0, Value: false}, {ID: 1, Value: true}, {ID: 3, Value: true}}, st.Functions)
		assert.Equal(t, []string{"get(1000, func)"}, f.commands())
	})

	t.Run("watch policy moves the view with the selection", func(t *testing.T) {
		f := newFakeSender()
		c := newController(t, f, WithPolicy(Policy{Optimistic: true, WatchSelected: true}))
		ctx := context.Background()

		require.NoError(t, c.SelectTrain(ctx, wire.Train{ID: 1000}))
		require.NoError(t, c.SelectTrain(ctx, wire.Train{ID: 1000}))
		require.NoError(t, c.SelectTrain(ctx, wire.Train{ID: 1001}))

		assert.Equal(t, []string{
			"request(1000, view)", "get(1000, func)",
			"get(1000, func)",
			"release(1000, view)", "request(1001, view)", "get(1001, func)",
		}, f.commands())
	})

	t.Run("cached function lists skip the station", func(t *testing.T) {
		f := newFakeSender()
		c := newController(t, f, WithFunctionCache(cacher.NewFunctionCache(time.Minute)))
		selectWithFunctions(t, f, c)
		selectWithFunctions(t, f, c)

		assert.Equal(t, 1, f.count(wire.EncodeGetFunctions(1000)))
		assert.Contains(t, c.Status(), "(cached)")
	})
}

func TestController_Policy(t *testing.T) {
	t.Run("optimistic update is kept when the command fails", func(t *testing.T) {
		f := newFakeSender()
		c := newController(t, f)
		selectWithFunctions(t, f, c)

		f.failWith(wire.EncodeSetSpeed(1000, 42), errLink)
		assert.ErrorIs(t, c.SetSpeed(context.Background(), 42), errLink)
		assert.Equal(t, 42, c.Snapshot().Speed)
		assert.Contains(t, c.Status(), "Failed to set speed of train 1000")
	})

	t.Run("confirm-first leaves state alone when the command fails", func(t *testing.T) {
		f := newFakeSender()
		c := newController(t, f, WithPolicy(Policy{Optimistic: false}))
		selectWithFunctions(t, f, c)
		ctx := context.Background()

		f.failWith(wire.EncodeSetSpeed(1000, 42), errLink)
		f.failWith(wire.EncodeSetDirection(1000, wire.Reverse), errLink)
		f.failWith(wire.EncodeSetFunction(1000, 0, true), errLink)

		assert.Error(t, c.SetSpeed(ctx, 42))
		assert.Error(t, c.SetDirection(ctx, wire.Reverse))
		assert.Error(t, c.SetFunction(ctx, 0, true))

		st := c.Snapshot()
		assert.Equal(t, 0, st.Speed)
		assert.Equal(t, wire.Forward, st.Direction)
		assert.False(t, st.Functions[0].Value)
	})

	t.Run("successful commands update state and confirm", func(t *testing.T) {
		f := newFakeSender()
		c := newController(t, f, WithPolicy(Policy{Optimistic: false}))
		selectWithFunctions(t, f, c)
		ctx := context.Background()

		require.NoError(t, c.SetSpeed(ctx, 55))
		require.NoError(t, c.SetDirection(ctx, wire.Reverse))
		require.NoError(t, c.SetFunction(ctx, 0, true))

		st := c.Snapshot()
		assert.Equal(t, 55, st.Speed)
		assert.Equal(t, wire.Reverse, st.Direction)
		assert.True(t, st.Functions[0].Value)
		assert.Contains(t, c.Status(), "Speed of train 1000 set to 55%")
		assert.Contains(t, c.Status(), "Direction of train 1000 set to reverse")
		assert.Contains(t, c.Status(), "Function 0 of train 1000 on")
		assert.Equal(t, []string{
			"get(1000, func)", "set(1000, speed[55])", "set(1000, dir[1])", "set(1000, func[0, 1])",
		}, f.commands())
	})

	t.Run("speed outside 0..100 is rejected before sending", func(t *testing.T) {
		f := newFakeSender()
		c := newController(t, f)
		selectWithFunctions(t, f, c)

		assert.ErrorIs(t, c.SetSpeed(context.Background(), 101), ErrSpeedOutOfRange)
		assert.ErrorIs(t, c.SetSpeed(context.Background(), -1), ErrSpeedOutOfRange)
		assert.Equal(t, []string{"get(1000, func)"}, f.commands())
	})
}

func TestController_Killswitch(t *testing.T) {
	t.Run("stop resets every function locally", func(t *testing.T) {
		f := newFakeSender()
		c := newController(t, f)
		selectWithFunctions(t, f, c)

		require.NoError(t, c.Killswitch(context.Background()))

		st := c.Snapshot()
		assert.True(t, st.Stopped)
		for _, fn := range st.Functions {
			assert.False(t, fn.Value, "function %d", fn.ID)
		}
		assert.Equal(t, []string{"get(1000, func)", "set(1, stop)"}, f.commands())
	})

	t.Run("stop without local reset reads functions back", func(t *testing.T) {
		f := newFakeSender()
		c := newController(t, f, WithPolicy(Policy{Optimistic: true, ResetFunctionsOnStop: false}))
		selectWithFunctions(t, f, c)
		f.reply(wire.EncodeGetFunctions(1000), "1000 func[0, 0]\n1000 func[1, 0]\n1000 func[3, 1]\n"+okTrailer)

		require.NoError(t, c.Killswitch(context.Background()))

		st := c.Snapshot()
		assert.True(t, st.Stopped)
		assert.Equal(t, []wire.TrainFunction{{ID: 0, Value: false}, {ID: 1, Value: false}, {ID: 3, Value: true}}, st.Functions)
		assert.Equal(t, []string{"get(1000, func)", "set(1, stop)", "get(1000, func)"}, f.commands())
	})

	t.Run("second press starts the layout", func(t *testing.T) {
		f := newFakeSender()
		c := newController(t, f)
		ctx := context.Background()

		require.NoError(t, c.Killswitch(ctx))
		require.NoError(t, c.Killswitch(ctx))

		assert.False(t, c.Snapshot().Stopped)
		assert.Equal(t, []string{"set(1, stop)", "set(1, go)"}, f.commands())
		assert.Contains(t, c.Status(), "Layout started")
	})

	t.Run("concurrent presses toggle instead of stopping twice", func(t *testing.T) {
		f := newFakeSender()
		c := newController(t, slowSender{f, 20 * time.Millisecond})
		ctx := context.Background()

		var wg sync.WaitGroup
		for i := 0; i < 2; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				assert.NoError(t, c.Killswitch(ctx))
			}()
		}
		wg.Wait()

		assert.Equal(t, []string{"set(1, stop)", "set(1, go)"}, f.commands())
		assert.False(t, c.Snapshot().Stopped)
	})

	t.Run("failed stop changes nothing", func(t *testing.T) {
		f := newFakeSender()
		c := newController(t, f)
		selectWithFunctions(t, f, c)
		f.failWith(wire.EncodeStopAll(), errLink)

		assert.ErrorIs(t, c.Killswitch(context.Background()), errLink)

		st := c.Snapshot()
		assert.False(t, st.Stopped)
		assert.True(t, st.Functions[1].Value)
		assert.Contains(t, c.Status(), "Failed to stop the layout")
	})
}

func TestController_Refresh(t *testing.T) {
	t.Run("control values are read back", func(t *testing.T) {
		f := newFakeSender()
		c := newController(t, f)
		selectWithFunctions(t, f, c)
		f.reply(wire.EncodeGetSpeed(1000), "1000 speed[17]\n"+okTrailer)
		f.reply(wire.EncodeGetDirection(1000), "1000 dir[1]\n"+okTrailer)

		require.NoError(t, c.RefreshControl(context.Background()))

		st := c.Snapshot()
		assert.Equal(t, 17, st.Speed)
		assert.Equal(t, wire.Reverse, st.Direction)
	})

	t.Run("station status is read back", func(t *testing.T) {
		f := newFakeSender()
		c := newController(t, f)
		f.reply(wire.EncodeGetStationStatus(), "1 status[STOP]\n"+okTrailer)

		require.NoError(t, c.RefreshStationState(context.Background()))
		assert.True(t, c.Snapshot().Stopped)
		assert.Contains(t, c.Status(), "Layout stopped on the station")
	})
}

func TestController_Events(t *testing.T) {
	t.Run("event about the selected train reloads it", func(t *testing.T) {
		f := newFakeSender()
		c := newController(t, f)
		selectWithFunctions(t, f, c)
		f.reply(wire.EncodeGetFunctions(1000), "1000 func[0, 1]\n"+okTrailer)

		c.HandleEvent(session.Event{Description: "EVENT 1000"})

		assert.Eventually(t, func() bool {
			return f.count(wire.EncodeGetDirection(1000)) == 1
		}, 2*time.Second, 10*time.Millisecond)
		assert.Equal(t, []wire.TrainFunction{{ID: 0, Value: true}}, c.Snapshot().Functions)
	})

	t.Run("station event refreshes the stop flag", func(t *testing.T) {
		f := newFakeSender()
		c := newController(t, f)
		f.reply(wire.EncodeGetStationStatus(), "1 status[STOP]\n"+okTrailer)

		c.HandleEvent(session.Event{Description: "EVENT 1"})

		assert.Eventually(t, func() bool {
			return c.Snapshot().Stopped
		}, 2*time.Second, 10*time.Millisecond)
	})

	t.Run("event about another object sends nothing", func(t *testing.T) {
		f := newFakeSender()
		c := newController(t, f)
		selectWithFunctions(t, f, c)

		c.HandleEvent(session.Event{Description: "EVENT 2000"})
		c.Close()

		assert.Equal(t, []string{"get(1000, func)"}, f.commands())
	})

	t.Run("connection state changes are reported", func(t *testing.T) {
		c := newController(t, newFakeSender())

		c.HandleConnectionState(session.StateEvent{State: session.Ready, Address: "ecos:15471"})
		assert.True(t, c.Snapshot().Connected)

		c.HandleConnectionState(session.StateEvent{State: session.Disconnected, Address: "ecos:15471", Error: errLink})
		assert.False(t, c.Snapshot().Connected)
		assert.Contains(t, c.Status(), "Connected to ecos:15471")
		assert.Contains(t, c.Status(), "Connection to ecos:15471 lost: link down")
	})
}

func TestController_Subscribe(t *testing.T) {
	t.Run("subscribers see the latest state", func(t *testing.T) {
		f := newFakeSender()
		f.reply(wire.EncodeListTrains(), "1 \"Big Boy\"\n<END\n")
		c := newController(t, f)

		updates, cancel := c.Subscribe(4)
		defer cancel()

		require.NoError(t, c.ListTrains(context.Background()))

		var last State
		assert.Eventually(t, func() bool {
			for {
				select {
				case st := <-updates:
					last = st
				default:
					return len(last.Trains) == 1
				}
			}
		}, 2*time.Second, 10*time.Millisecond)
	})

	t.Run("close ends subscriptions and later commands fail", func(t *testing.T) {
		f := newFakeSender()
		c := New(f)
		updates, _ := c.Subscribe(1)

		c.Close()
		c.Close()

		assert.Eventually(t, func() bool {
			select {
			case _, ok := <-updates:
				return !ok
			default:
				return false
			}
		}, 2*time.Second, 10*time.Millisecond)
		assert.ErrorIs(t, c.ListTrains(context.Background()), ErrClosed)
		assert.Empty(t, f.commands())
	})

	t.Run("status hook sees every line", func(t *testing.T) {
		var lines []string
		c := newController(t, newFakeSender(), WithStatusHook(func(l StatusLine) {
			lines = append(lines, l.Text)
		}))

		_ = c.SetSpeed(context.Background(), 5)
		assert.Equal(t, []string{"Cannot set speed: no train selected"}, lines)
	})
}
