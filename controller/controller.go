// Package controller is the command facade: it turns user intents into
// station commands, sends them through a Sender and keeps the state a front
// end displays (roster, selection, functions, speed, direction, stop flag
// and a status log).
package controller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cyberinferno/ecos-remote/cacher"
	"github.com/cyberinferno/ecos-remote/logger"
	"github.com/cyberinferno/ecos-remote/session"
	"github.com/cyberinferno/ecos-remote/wire"
)

// eventRefreshTimeout bounds the reads triggered by a station event.
const eventRefreshTimeout = 30 * time.Second

var (
	// ErrNoSelection is returned by operations that need a selected train.
	ErrNoSelection = errors.New("no train selected")

	// ErrSpeedOutOfRange is returned by SetSpeed for values outside 0..100.
	ErrSpeedOutOfRange = errors.New("speed out of range")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("controller closed")
)

// StationError reports a reply whose terminator carried a non-zero code.
type StationError struct {
	Command string
	Status  wire.Status
}

// Error implements the error interface.
func (e *StationError) Error() string {
	return fmt.Sprintf("station rejected %q: %s", e.Command, e.Status)
}

// Sender delivers one command and returns the full reply payload.
// *session.Session satisfies it.
type Sender interface {
	Send(ctx context.Context, command string) (string, error)
}

// Policy selects how local state follows commands.
type Policy struct {
	// Optimistic applies speed, direction and function changes before the
	// station confirms them, and keeps them if the command fails.
	// Otherwise state changes only after a successful reply.
	Optimistic bool
	// ResetFunctionsOnStop clears every known function value when the
	// layout is stopped, assuming the station did the same. Otherwise the
	// function list of the selected train is read back from the station.
	ResetFunctionsOnStop bool
	// WatchSelected requests a view of the selected train so the station
	// reports changes made by other throttles as events.
	WatchSelected bool
}

// DefaultPolicy applies changes optimistically and resets functions on stop.
func DefaultPolicy() Policy {
	return Policy{Optimistic: true, ResetFunctionsOnStop: true}
}

// Option configures a Controller.
type Option func(*Controller)

// WithPolicy sets the state update policy.
func WithPolicy(p Policy) Option {
	return func(c *Controller) {
		c.policy = p
	}
}

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(c *Controller) {
		c.log = l
	}
}

// WithFunctionCache serves LoadFunctions from fc when possible.
func WithFunctionCache(fc *cacher.FunctionCache) Option {
	return func(c *Controller) {
		c.cache = fc
	}
}

// WithMaxStatusLines bounds the status log.
func WithMaxStatusLines(n int) Option {
	return func(c *Controller) {
		c.status = NewStatusLog(n)
	}
}

// WithStatusHook calls fn for every status line as it is appended.
func WithStatusHook(fn func(StatusLine)) Option {
	return func(c *Controller) {
		c.onStatus = fn
	}
}

// Controller owns the observable state. Its methods are safe for concurrent
// use; network calls are made without holding the state lock.
type Controller struct {
	sender   Sender
	policy   Policy
	log      logger.Logger
	cache    *cacher.FunctionCache
	decoder  wire.Decoder
	status   *StatusLog
	onStatus func(StatusLine)

	// toggle serializes Killswitch presses.
	toggle sync.Mutex

	mu    sync.Mutex
	state State

	notify *notifier

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New creates a Controller that sends through sender.
//
// Parameters:
//   - sender: Usually a *session.Session
//   - opts: Policy, logger, cache and status log options
//
// Returns:
//   - A *Controller; call Close to stop its notifier
func New(sender Sender, opts ...Option) *Controller {
	c := &Controller{
		sender: sender,
		policy: DefaultPolicy(),
		log:    logger.NewNopLogger(),
		status: NewStatusLog(DefaultMaxStatusLines),
	}
	for _, opt := range opts {
		opt(c)
	}

	c.log = c.log.With(logger.Field{Key: "component", Value: "controller"})
	c.decoder = wire.Decoder{OnDrop: func(line string, reason error) {
		c.log.Debug("reply line skipped", logger.Field{Key: "line", Value: line}, logger.Err(reason))
	}}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.notify = newNotifier(c.Snapshot)

	return c
}

// Close stops background work and closes all subscriptions. It does not
// close the Sender.
func (c *Controller) Close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.cancel()
		c.mu.Unlock()

		c.wg.Wait()
		c.notify.close()
	})
}

// Snapshot returns a copy of the current state.
func (c *Controller) Snapshot() State {
	c.mu.Lock()
	st := c.state.clone()
	c.mu.Unlock()

	st.Status = c.status.String()
	return st
}

// Status returns the status log, one line per row.
func (c *Controller) Status() string {
	return c.status.String()
}

// StatusLines returns the retained status lines, oldest first.
func (c *Controller) StatusLines() []StatusLine {
	return c.status.Lines()
}

// Subscribe returns a channel receiving a snapshot after every change,
// starting with the current state. cancel closes the channel.
func (c *Controller) Subscribe(buffer int) (<-chan State, func()) {
	return c.notify.subscribe(buffer)
}

// ListTrains queries the roster and replaces it. On failure the previous
// roster is kept.
func (c *Controller) ListTrains(ctx context.Context) error {
	reply, err := c.send(ctx, wire.EncodeListTrains())
	if err != nil {
		c.report("Failed to load trains: %v", err)
		return err
	}

	trains := c.decoder.DecodeTrainRoster(reply)

	c.mu.Lock()
	c.state.Trains = trains
	c.mu.Unlock()

	if len(trains) == 0 {
		c.report("No trains found")
	} else {
		c.report("Loaded %d trains", len(trains))
	}

	return nil
}

// SelectTrain makes train the target of subsequent commands and loads its
// functions. Speed and direction start from zero values until refreshed.
func (c *Controller) SelectTrain(ctx context.Context, train wire.Train) error {
	id := train.ID

	c.mu.Lock()
	previous := c.state.SelectedTrainID
	c.state.SelectedTrainID = &id
	c.state.Functions = nil
	c.state.Speed = 0
	c.state.Direction = wire.Forward
	c.mu.Unlock()

	if train.Name != "" {
		c.report("Selected train %d (%s)", train.ID, train.Name)
	} else {
		c.report("Selected train %d", train.ID)
	}

	if c.policy.WatchSelected {
		if previous != nil && *previous != id {
			_ = c.Unwatch(ctx, *previous)
		}
		if previous == nil || *previous != id {
			_ = c.Watch(ctx, id)
		}
	}

	return c.LoadFunctions(ctx)
}

// Watch asks the station to report changes of objectID as events.
func (c *Controller) Watch(ctx context.Context, objectID int) error {
	if _, err := c.send(ctx, wire.EncodeRequestView(objectID)); err != nil {
		c.report("Failed to watch object %d: %v", objectID, err)
		return err
	}

	c.log.Debug("watching object", logger.Field{Key: "object", Value: objectID})
	return nil
}

// Unwatch releases a view requested with Watch.
func (c *Controller) Unwatch(ctx context.Context, objectID int) error {
	if _, err := c.send(ctx, wire.EncodeReleaseView(objectID)); err != nil {
		c.log.Debug("release view failed", logger.Field{Key: "object", Value: objectID}, logger.Err(err))
		return err
	}

	return nil
}

// LoadFunctions replaces the function list of the selected train, from the
// cache when one is configured.
func (c *Controller) LoadFunctions(ctx context.Context) error {
	return c.loadFunctions(ctx, false)
}

func (c *Controller) loadFunctions(ctx context.Context, bypassCache bool) error {
	id, ok := c.selected()
	if !ok {
		c.report("Cannot load functions: %v", ErrNoSelection)
		return ErrNoSelection
	}

	fetch := func(ctx context.Context) ([]wire.TrainFunction, error) {
		reply, err := c.send(ctx, wire.EncodeGetFunctions(id))
		if err != nil {
			return nil, err
		}
		return c.decoder.DecodeFunctionList(reply), nil
	}

	var (
		fns    []wire.TrainFunction
		cached bool
		err    error
	)
	switch {
	case c.cache == nil:
		fns, err = fetch(ctx)
	case bypassCache:
		c.cache.Invalidate(id)
		fallthrough
	default:
		fns, cached, err = c.cache.GetOrFetch(ctx, id, fetch)
	}
	if err != nil {
		c.report("Failed to load functions of train %d: %v", id, err)
		return err
	}

	c.mu.Lock()
	current := c.state.SelectedTrainID
	stale := current == nil || *current != id
	if !stale {
		c.state.Functions = fns
	}
	c.mu.Unlock()

	if stale {
		c.log.Debug("function list for deselected train discarded", logger.Field{Key: "train", Value: id})
		return nil
	}

	if cached {
		c.report("Loaded %d functions of train %d (cached)", len(fns), id)
	} else {
		c.report("Loaded %d functions of train %d", len(fns), id)
	}

	return nil
}

// SetFunction switches function funcID of the selected train.
func (c *Controller) SetFunction(ctx context.Context, funcID int, value bool) error {
	id, ok := c.selected()
	if !ok {
		c.report("Cannot set function: %v", ErrNoSelection)
		return ErrNoSelection
	}

	if c.policy.Optimistic {
		c.applyFunction(id, funcID, value)
	}

	if _, err := c.send(ctx, wire.EncodeSetFunction(id, funcID, value)); err != nil {
		c.report("Failed to set function %d of train %d: %v", funcID, id, err)
		return err
	}

	if !c.policy.Optimistic {
		c.applyFunction(id, funcID, value)
	}

	c.report("Function %d of train %d %s", funcID, id, onOff(value))
	return nil
}

// SetSpeed sets the speed of the selected train in percent (0..100).
func (c *Controller) SetSpeed(ctx context.Context, percent int) error {
	if percent < 0 || percent > 100 {
		err := fmt.Errorf("%w: %d", ErrSpeedOutOfRange, percent)
		c.report("Cannot set speed: %v", err)
		return err
	}

	id, ok := c.selected()
	if !ok {
		c.report("Cannot set speed: %v", ErrNoSelection)
		return ErrNoSelection
	}

	apply := func() {
		c.mu.Lock()
		if c.isSelected(id) {
			c.state.Speed = percent
		}
		c.mu.Unlock()
	}

	if c.policy.Optimistic {
		apply()
	}

	if _, err := c.send(ctx, wire.EncodeSetSpeed(id, percent)); err != nil {
		c.report("Failed to set speed of train %d: %v", id, err)
		return err
	}

	if !c.policy.Optimistic {
		apply()
	}

	c.report("Speed of train %d set to %d%%", id, percent)
	return nil
}

// SetDirection sets the travel direction of the selected train.
func (c *Controller) SetDirection(ctx context.Context, dir wire.Direction) error {
	id, ok := c.selected()
	if !ok {
		c.report("Cannot set direction: %v", ErrNoSelection)
		return ErrNoSelection
	}

	apply := func() {
		c.mu.Lock()
		if c.isSelected(id) {
			c.state.Direction = dir
		}
		c.mu.Unlock()
	}

	if c.policy.Optimistic {
		apply()
	}

	if _, err := c.send(ctx, wire.EncodeSetDirection(id, dir)); err != nil {
		c.report("Failed to set direction of train %d: %v", id, err)
		return err
	}

	if !c.policy.Optimistic {
		apply()
	}

	c.report("Direction of train %d set to %s", id, dir)
	return nil
}

// Killswitch stops the whole layout, or starts it again if it is stopped.
func (c *Controller) Killswitch(ctx context.Context) error {
	c.toggle.Lock()
	defer c.toggle.Unlock()

	c.mu.Lock()
	stopped := c.state.Stopped
	c.mu.Unlock()

	if stopped {
		return c.StartAll(ctx)
	}

	return c.StopAll(ctx)
}

// StopAll sends the global stop. On success the layout is marked stopped
// and, with ResetFunctionsOnStop, every known function is switched off
// locally without re-querying the station. Without it the selected train's
// functions are read back instead.
func (c *Controller) StopAll(ctx context.Context) error {
	if _, err := c.send(ctx, wire.EncodeStopAll()); err != nil {
		c.report("Failed to stop the layout: %v", err)
		return err
	}

	c.mu.Lock()
	c.state.Stopped = true
	if c.policy.ResetFunctionsOnStop {
		for i := range c.state.Functions {
			c.state.Functions[i].Value = false
		}
	}
	c.mu.Unlock()

	if c.cache != nil {
		c.cache.Clear()
	}

	c.report("Layout stopped")

	if !c.policy.ResetFunctionsOnStop {
		if _, ok := c.selected(); ok {
			// The stop itself succeeded; a failed read-back is only reported.
			_ = c.loadFunctions(ctx, true)
		}
	}

	return nil
}

// StartAll sends the global go and clears the stopped flag on success.
func (c *Controller) StartAll(ctx context.Context) error {
	if _, err := c.send(ctx, wire.EncodeStartAll()); err != nil {
		c.report("Failed to start the layout: %v", err)
		return err
	}

	c.mu.Lock()
	c.state.Stopped = false
	c.mu.Unlock()

	c.report("Layout started")
	return nil
}

// RefreshControl reads speed and direction of the selected train back from
// the station.
func (c *Controller) RefreshControl(ctx context.Context) error {
	id, ok := c.selected()
	if !ok {
		c.report("Cannot refresh: %v", ErrNoSelection)
		return ErrNoSelection
	}

	speedReply, err := c.send(ctx, wire.EncodeGetSpeed(id))
	if err != nil {
		c.report("Failed to read speed of train %d: %v", id, err)
		return err
	}

	dirReply, err := c.send(ctx, wire.EncodeGetDirection(id))
	if err != nil {
		c.report("Failed to read direction of train %d: %v", id, err)
		return err
	}

	speed, speedOK := wire.DecodeSpeed(speedReply)
	dir, dirOK := wire.DecodeDirection(dirReply)

	c.mu.Lock()
	if c.isSelected(id) {
		if speedOK {
			c.state.Speed = speed
		}
		if dirOK {
			c.state.Direction = dir
		}
	}
	speed, dir = c.state.Speed, c.state.Direction
	c.mu.Unlock()

	c.report("Train %d: speed %d%%, %s", id, speed, dir)
	return nil
}

// RefreshStationState reads the layout-wide stop flag back from the station.
func (c *Controller) RefreshStationState(ctx context.Context) error {
	reply, err := c.send(ctx, wire.EncodeGetStationStatus())
	if err != nil {
		c.report("Failed to read station status: %v", err)
		return err
	}

	stopped, ok := wire.DecodeStationStatus(reply)
	if !ok {
		c.report("Station status missing from reply")
		return nil
	}

	c.mu.Lock()
	changed := c.state.Stopped != stopped
	c.state.Stopped = stopped
	c.mu.Unlock()

	if changed {
		if stopped {
			c.report("Layout stopped on the station")
		} else {
			c.report("Layout started on the station")
		}
	}

	return nil
}

// HandleEvent records a station event. An event about the selected train
// reloads its functions and controls in the background.
func (c *Controller) HandleEvent(ev session.Event) {
	parsed := wire.ParseEvent(ev.Description)
	c.log.Debug("event", logger.Field{Key: "event", Value: parsed.Raw})

	if parsed.ObjectID == wire.StationID {
		c.background(func(ctx context.Context) {
			_ = c.RefreshStationState(ctx)
		})
		return
	}

	id, ok := c.selected()
	if !ok || parsed.ObjectID != id {
		c.changed()
		return
	}

	if c.cache != nil {
		c.cache.Invalidate(id)
	}

	c.report("Train %d changed on the station", id)

	c.background(func(ctx context.Context) {
		if err := c.loadFunctions(ctx, true); err != nil {
			return
		}
		_ = c.RefreshControl(ctx)
	})
}

// background runs fn on its own goroutine until Close.
func (c *Controller) background(fn func(ctx context.Context)) {
	c.mu.Lock()
	if c.ctx.Err() != nil {
		c.mu.Unlock()
		return
	}
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()
		ctx, cancel := context.WithTimeout(c.ctx, eventRefreshTimeout)
		defer cancel()
		fn(ctx)
	}()
}

// HandleConnectionState tracks the session's connection for display.
func (c *Controller) HandleConnectionState(ev session.StateEvent) {
	connected := ev.State == session.Ready

	c.mu.Lock()
	changed := c.state.Connected != connected
	c.state.Connected = connected
	c.mu.Unlock()

	switch {
	case !changed && ev.Error == nil:
		return
	case connected:
		c.report("Connected to %s", ev.Address)
	case ev.Error != nil:
		c.report("Connection to %s lost: %v", ev.Address, ev.Error)
	case ev.State == session.Closed:
		c.report("Connection to %s closed", ev.Address)
	default:
		c.changed()
	}
}

// send delivers command and turns a non-OK terminator into a *StationError.
func (c *Controller) send(ctx context.Context, command string) (string, error) {
	if c.ctx.Err() != nil {
		return "", ErrClosed
	}

	reply, err := c.sender.Send(ctx, command)
	if err != nil {
		c.log.Warn("command failed", logger.Field{Key: "command", Value: trimCommand(command)}, logger.Err(err))
		return "", err
	}

	if status := wire.DecodeStatus(reply); !status.OK() {
		err := &StationError{Command: trimCommand(command), Status: status}
		c.log.Warn("command rejected", logger.Field{Key: "command", Value: err.Command},
			logger.Field{Key: "status", Value: status.String()})
		return "", err
	}

	return reply, nil
}

func (c *Controller) applyFunction(trainID, funcID int, value bool) {
	c.mu.Lock()
	if !c.isSelected(trainID) {
		c.mu.Unlock()
		return
	}

	// Duplicate IDs are kept in the list, so all of them follow.
	for i := range c.state.Functions {
		if c.state.Functions[i].ID == funcID {
			c.state.Functions[i].Value = value
		}
	}
	fns := append([]wire.TrainFunction(nil), c.state.Functions...)
	c.mu.Unlock()

	if c.cache != nil && fns != nil {
		c.cache.Put(trainID, fns)
	}
}

func (c *Controller) selected() (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state.SelectedTrainID == nil {
		return 0, false
	}

	return *c.state.SelectedTrainID, true
}

// isSelected must be called with mu held.
func (c *Controller) isSelected(id int) bool {
	return c.state.SelectedTrainID != nil && *c.state.SelectedTrainID == id
}

func (c *Controller) report(format string, args ...any) {
	line := c.status.Append(fmt.Sprintf(format, args...))
	c.log.Info(line.Text)

	if c.onStatus != nil {
		c.onStatus(line)
	}

	c.changed()
}

func (c *Controller) changed() {
	c.notify.changed()
}

func trimCommand(command string) string {
	for len(command) > 0 && (command[len(command)-1] == '\n' || command[len(command)-1] == '\r') {
		command = command[:len(command)-1]
	}

	return command
}

func onOff(v bool) string {
	if v {
		return "on"
	}

	return "off"
}
