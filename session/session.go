// Package session owns the TCP connection to the command station. It frames
// the incoming stream, keeps at most one request in flight, queues the rest
// strictly FIFO, and reconnects on its own after any failure.
package session

import (
	"context"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/cyberinferno/ecos-remote/framer"
	"github.com/cyberinferno/ecos-remote/logger"
	"github.com/cyberinferno/ecos-remote/wire"
)

// ConnectionState represents the current state of the TCP connection.
type ConnectionState int

const (
	Disconnected ConnectionState = iota // Not connected; a reconnect may be scheduled
	Connecting                          // Dial in progress
	Ready                               // Connected and accepting requests
	Closed                              // Close was called; terminal
)

// String returns a human-readable name for the connection state.
func (cs ConnectionState) String() string {
	switch cs {
	case Disconnected:
		return "Disconnected"
	case Connecting:
		return "Connecting"
	case Ready:
		return "Ready"
	case Closed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// StateEvent is emitted when the connection state changes.
type StateEvent struct {
	State     ConnectionState // The new connection state
	Address   string          // The remote address (e.g. "host:port")
	Timestamp time.Time       // When the state change occurred
	Error     error           // Non-nil if the state change was due to an error
}

// Event is an unsolicited notification from the station.
type Event struct {
	Description string // e.g. "EVENT 1000"
	Timestamp   time.Time
}

// StateHandler is called when the connection state changes. Handlers are
// invoked from their own goroutines.
type StateHandler func(event StateEvent)

// EventHandler is called for every event, in arrival order, from a single
// delivery goroutine.
type EventHandler func(event Event)

// Result is the outcome of one request.
type Result struct {
	Reply string
	Err   error
}

// Config holds configuration for a Session.
type Config struct {
	// Address is the "host:port" of the command station.
	Address string
	// ReconnectInterval is the fixed delay between reconnection attempts.
	ReconnectInterval time.Duration
	// ConnectionTimeout is the max duration for establishing a connection.
	ConnectionTimeout time.Duration
	// WriteTimeout is the max duration for a single write; 0 means no timeout.
	WriteTimeout time.Duration
	// RequestTimeout is how long a request may wait for its terminator;
	// 0 waits forever.
	RequestTimeout time.Duration
	// ReadBufferSize is the size of each socket read.
	ReadBufferSize int
	// MaxBufferSize caps unterminated reply data; 0 disables the cap.
	MaxBufferSize int
	// QueueSize is the number of requests that may wait behind the one in flight.
	QueueSize int
}

// Address joins host and port into a dialable address.
func Address(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// DefaultConfig returns a Config with default values for the given address.
//
// Parameters:
//   - address: The "host:port" to connect to
//
// Returns:
//   - A Config with defaults: ReconnectInterval 2s, ConnectionTimeout 5s,
//     WriteTimeout 5s, RequestTimeout 10s, ReadBufferSize 4096,
//     MaxBufferSize 1 MiB, QueueSize 64.
func DefaultConfig(address string) Config {
	return Config{
		Address:           address,
		ReconnectInterval: 2 * time.Second,
		ConnectionTimeout: 5 * time.Second,
		WriteTimeout:      5 * time.Second,
		RequestTimeout:    10 * time.Second,
		ReadBufferSize:    4096,
		MaxBufferSize:     1 << 20,
		QueueSize:         64,
	}
}

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the logger; the address is attached to every entry.
func WithLogger(l logger.Logger) Option {
	return func(s *Session) {
		s.log = l
	}
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(s *Session) {
		s.rec = r
	}
}

type request struct {
	id      uint64
	ctx     context.Context
	command string
	started time.Time

	once   sync.Once
	done   chan struct{}
	result chan Result
}

// Session is a connection to one command station. It is safe for concurrent
// use; all socket I/O is serialized on the session's dispatcher goroutine.
type Session struct {
	config Config
	log    logger.Logger
	rec    Recorder

	mu      sync.Mutex
	conn    net.Conn
	state   ConnectionState
	pending *request
	closed  bool

	onState StateHandler
	onEvent EventHandler
	// states queues state changes in the order they were applied.
	states []StateEvent

	stateSignal   chan struct{}

	queue         chan *request
	events        chan Event
	stopChan      chan struct{}
	reconnectChan chan struct{}
	wg            sync.WaitGroup
	dial          singleflight.Group
	nextID        atomic.Uint64
}

// New creates a Session and starts its dispatcher, event delivery and
// reconnect goroutines. No connection is made until Connect or the first Send.
//
// Parameters:
//   - config: Connection settings (e.g. from DefaultConfig)
//   - opts: Optional logger and recorder
//
// Returns:
//   - A running *Session; call Close when done
func New(config Config, opts ...Option) *Session {
	if config.ReadBufferSize <= 0 {
		config.ReadBufferSize = 4096
	}
	if config.QueueSize <= 0 {
		config.QueueSize = 64
	}
	if config.ReconnectInterval <= 0 {
		config.ReconnectInterval = 2 * time.Second
	}

	s := &Session{
		config:        config,
		log:           logger.NewNopLogger(),
		rec:           nopRecorder{},
		state:         Disconnected,
		queue:         make(chan *request, config.QueueSize),
		events:        make(chan Event, 256),
		stateSignal:   make(chan struct{}, 1),
		stopChan:      make(chan struct{}),
		reconnectChan: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With(logger.Field{Key: "addr", Value: config.Address})

	s.wg.Add(4)
	go s.dispatch()
	go s.deliverEvents()
	go s.deliverStates()
	go s.reconnectHandler()

	return s
}

// OnConnectionState registers the handler for connection state changes.
// Repeated calls replace the previous handler.
func (s *Session) OnConnectionState(handler StateHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onState = handler
}

// OnEvent registers the handler for station events.
// Repeated calls replace the previous handler.
func (s *Session) OnEvent(handler EventHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onEvent = handler
}

// Connect dials the station if there is no live connection. A failure is
// not fatal: a reconnect is scheduled after ReconnectInterval and retried
// until Close. Concurrent calls share one dial.
//
// Returns:
//   - nil if connected; ErrClosed after Close; otherwise a *ConnectionError
func (s *Session) Connect() error {
	return s.connectContext(context.Background())
}

// connectContext is Connect with a dial that gives up when ctx is done.
func (s *Session) connectContext(ctx context.Context) error {
	_, err, _ := s.dial.Do("connect", func() (interface{}, error) {
		return nil, s.connect(ctx)
	})

	return err
}

// State returns the current connection state.
func (s *Session) State() ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// IsConnected returns true if the session is Ready.
func (s *Session) IsConnected() bool {
	return s.State() == Ready
}

// Send queues command and blocks until its reply arrives, the request fails,
// or ctx is done.
//
// Parameters:
//   - ctx: Cancels the wait; a request already written is abandoned
//   - command: One command line; a trailing newline is added if missing
//
// Returns:
//   - The complete reply payload, including the terminator line
//   - ErrTimeout, ErrQueueFull, ErrClosed, a *ConnectionError, or ctx.Err()
func (s *Session) Send(ctx context.Context, command string) (string, error) {
	res := <-s.SendAsync(ctx, command)
	return res.Reply, res.Err
}

// SendAsync queues command and returns immediately. The returned channel
// receives exactly one Result.
func (s *Session) SendAsync(ctx context.Context, command string) <-chan Result {
	req := &request{
		id:      s.nextID.Add(1),
		ctx:     ctx,
		command: command,
		done:    make(chan struct{}),
		result:  make(chan Result, 1),
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.resolve(req, Result{Err: ErrClosed})
		return req.result
	}

	select {
	case s.queue <- req:
		s.mu.Unlock()
		s.rec.SetQueueDepth(len(s.queue))
	default:
		s.mu.Unlock()
		s.log.Warn("request rejected, queue full", logger.Field{Key: "request_id", Value: req.id})
		s.resolve(req, Result{Err: ErrQueueFull})
	}

	return req.result
}

// Close shuts the session down, closes the connection and stops all
// goroutines. Queued and pending requests resolve with ErrClosed.
// Idempotent; calling Close multiple times is safe and returns nil.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}

	s.closed = true
	conn := s.conn
	s.conn = nil
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()

	close(s.stopChan)
	if conn != nil {
		_ = conn.Close()
	}
	if pending != nil {
		s.resolve(pending, Result{Err: ErrClosed})
	}

	s.wg.Wait()
	s.setState(Closed, nil)
	// deliverStates has exited; hand over what is left in order.
	s.flushStates()
	s.log.Info("session closed")

	return nil
}

func (s *Session) connect(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.conn != nil {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	s.setState(Connecting, nil)

	dialer := net.Dialer{
		Timeout: s.config.ConnectionTimeout,
	}

	conn, err := dialer.DialContext(ctx, "tcp", s.config.Address)
	if err != nil {
		connErr := &ConnectionError{Op: "dial", Address: s.config.Address, Err: err}
		s.log.Warn("connect failed", logger.Err(err))
		s.setState(Disconnected, connErr)
		s.triggerReconnect()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return connErr
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = conn.Close()
		return ErrClosed
	}
	s.conn = conn
	s.wg.Add(1)
	s.mu.Unlock()

	go s.readLoop(conn)

	s.log.Info("connected")
	s.setState(Ready, nil)

	return nil
}

// dispatch is the only goroutine that writes to the socket.
func (s *Session) dispatch() {
	defer s.wg.Done()

	for {
		select {
		case <-s.stopChan:
			s.drainQueue()
			return
		case req := <-s.queue:
			s.rec.SetQueueDepth(len(s.queue))
			s.process(req)
		}
	}
}

func (s *Session) drainQueue() {
	for {
		select {
		case req := <-s.queue:
			s.resolve(req, Result{Err: ErrClosed})
		default:
			s.rec.SetQueueDepth(0)
			return
		}
	}
}

func (s *Session) process(req *request) {
	req.started = time.Now()

	if err := req.ctx.Err(); err != nil {
		s.resolve(req, Result{Err: err})
		return
	}

	conn, err := s.ensureConn(req.ctx)
	if err != nil {
		s.resolve(req, Result{Err: err})
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.resolve(req, Result{Err: ErrClosed})
		return
	}
	s.pending = req
	s.mu.Unlock()

	s.log.Debug("request sent", logger.Field{Key: "request_id", Value: req.id},
		logger.Field{Key: "command", Value: strings.TrimSpace(req.command)})

	if err := s.write(conn, req.command); err != nil {
		if s.take(req) {
			s.resolve(req, Result{Err: &ConnectionError{Op: "write", Address: s.config.Address, Err: err}})
		}
		s.dropConnection(conn, "write", err)
		return
	}

	var timeout <-chan time.Time
	if s.config.RequestTimeout > 0 {
		timer := time.NewTimer(s.config.RequestTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case <-req.done:
	case <-timeout:
		// A late reply would be handed to the next request, so the stream
		// is resynchronized by reconnecting.
		if s.take(req) {
			s.log.Warn("request timed out", logger.Field{Key: "request_id", Value: req.id})
			s.resolve(req, Result{Err: ErrTimeout})
			s.dropConnection(conn, "read", ErrTimeout)
		}
	case <-req.ctx.Done():
		if s.take(req) {
			s.resolve(req, Result{Err: req.ctx.Err()})
			s.dropConnection(conn, "read", req.ctx.Err())
		}
	case <-s.stopChan:
		if s.take(req) {
			s.resolve(req, Result{Err: ErrClosed})
		}
	}
}

func (s *Session) ensureConn(ctx context.Context) (net.Conn, error) {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn != nil {
		return conn, nil
	}

	if err := s.connectContext(ctx); err != nil {
		return nil, err
	}

	s.mu.Lock()
	conn = s.conn
	s.mu.Unlock()
	if conn == nil {
		return nil, &ConnectionError{Op: "dial", Address: s.config.Address, Err: ErrNotConnected}
	}

	return conn, nil
}

func (s *Session) write(conn net.Conn, command string) error {
	if !strings.HasSuffix(command, "\n") {
		command += "\n"
	}

	if s.config.WriteTimeout > 0 {
		if err := conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout)); err != nil {
			return err
		}

		defer func() {
			_ = conn.SetWriteDeadline(time.Time{}) // Best effort to clear deadline
		}()
	}

	_, err := conn.Write([]byte(command))
	return err
}

// take clears the pending slot if it still holds req.
func (s *Session) take(req *request) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending != req {
		return false
	}

	s.pending = nil
	return true
}

func (s *Session) resolve(req *request, res Result) {
	req.once.Do(func() {
		elapsed := time.Duration(0)
		if !req.started.IsZero() {
			elapsed = time.Since(req.started)
		}

		s.rec.ObserveRequest(resultLabel(res.Err), elapsed)
		if res.Err == nil {
			s.log.Debug("reply received", logger.Field{Key: "request_id", Value: req.id},
				logger.Field{Key: "elapsed_ms", Value: elapsed.Milliseconds()})
		}

		req.result <- res
		close(req.done)
	})
}

func (s *Session) readLoop(conn net.Conn) {
	defer s.wg.Done()

	fr := framer.New(s.config.MaxBufferSize)
	buffer := make([]byte, s.config.ReadBufferSize)
	for {
		n, err := conn.Read(buffer)
		if n > 0 {
			frames, feedErr := fr.Feed(string(buffer[:n]))
			for _, desc := range frames.Events {
				s.emitEvent(desc)
			}
			for _, reply := range frames.Replies {
				s.deliverReply(reply)
			}
			if feedErr != nil && err == nil {
				err = feedErr
			}
		}

		if err != nil {
			if s.isClosed() {
				return
			}

			s.dropConnection(conn, "read", err)
			return
		}
	}
}

func (s *Session) deliverReply(reply string) {
	s.mu.Lock()
	req := s.pending
	s.pending = nil
	s.mu.Unlock()

	if req == nil {
		s.log.Warn("reply without pending request dropped",
			logger.Field{Key: "status", Value: wire.DecodeStatus(reply).String()})
		return
	}

	s.resolve(req, Result{Reply: reply})
}

// dropConnection tears down conn if it is still the live connection, fails
// the pending request and schedules a reconnect.
func (s *Session) dropConnection(conn net.Conn, op string, cause error) {
	s.mu.Lock()
	if s.conn != conn {
		s.mu.Unlock()
		_ = conn.Close()
		return
	}

	s.conn = nil
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()

	_ = conn.Close()

	connErr := &ConnectionError{Op: op, Address: s.config.Address, Err: cause}
	if pending != nil {
		s.resolve(pending, Result{Err: connErr})
	}

	s.log.Warn("connection lost", logger.Field{Key: "op", Value: op}, logger.Err(cause))
	s.setState(Disconnected, connErr)
	s.triggerReconnect()
}

func (s *Session) reconnectHandler() {
	defer s.wg.Done()

	for {
		select {
		case <-s.stopChan:
			return
		case <-s.reconnectChan:
			select {
			case <-s.stopChan:
				return
			case <-time.After(s.config.ReconnectInterval):
			}

			if s.isClosed() {
				return
			}

			if s.IsConnected() {
				continue
			}

			s.rec.IncReconnects()
			s.log.Info("reconnecting")
			// connect schedules the next attempt itself on failure.
			_ = s.Connect()
		}
	}
}

func (s *Session) triggerReconnect() {
	if s.isClosed() {
		return
	}

	select {
	case s.reconnectChan <- struct{}{}:
	default:
	}
}

func (s *Session) emitEvent(desc string) {
	ev := Event{Description: desc, Timestamp: time.Now()}
	s.rec.IncEvents()

	select {
	case s.events <- ev:
	default:
		s.log.Warn("event dropped, handler too slow", logger.Field{Key: "event", Value: desc})
	}
}

func (s *Session) deliverEvents() {
	defer s.wg.Done()

	for {
		select {
		case <-s.stopChan:
			return
		case ev := <-s.events:
			s.mu.Lock()
			handler := s.onEvent
			s.mu.Unlock()

			if handler != nil {
				handler(ev)
			}
		}
	}
}

func (s *Session) setState(state ConnectionState, err error) {
	event := StateEvent{
		State:     state,
		Address:   s.config.Address,
		Timestamp: time.Now(),
		Error:     err,
	}

	s.mu.Lock()
	if s.state == Closed {
		s.mu.Unlock()
		return
	}
	s.state = state
	if s.onState != nil {
		s.states = append(s.states, event)
	}
	s.rec.SetState(state)
	s.mu.Unlock()

	select {
	case s.stateSignal <- struct{}{}:
	default:
	}
}

// deliverStates hands state changes to the handler one at a time, in the
// order setState applied them.
func (s *Session) deliverStates() {
	defer s.wg.Done()

	for {
		select {
		case <-s.stopChan:
			return
		case <-s.stateSignal:
			s.flushStates()
		}
	}
}

func (s *Session) flushStates() {
	for {
		s.mu.Lock()
		queued := s.states
		s.states = nil
		handler := s.onState
		s.mu.Unlock()

		if len(queued) == 0 || handler == nil {
			return
		}

		for _, ev := range queued {
			handler(ev)
		}
	}
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
