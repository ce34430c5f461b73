// Package simulator emulates an ECoS command station over TCP. It speaks the
// same text protocol the client uses: every command gets a "<REPLY ...>"
// block closed by "<END code (message)>", and connections that requested a
// view of an object receive "<EVENT id>" blocks when another connection
// changes it. It backs the package tests and the simulate command.
package simulator

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/cyberinferno/ecos-remote/logger"
)

// Hook intercepts a command before the layout sees it. If handled is true,
// reply is written verbatim (nothing when empty) and the command is not
// executed. Tests use it to inject delays, garbage and silence.
type Hook func(command string) (reply string, handled bool)

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(s *Server) {
		s.log = l
	}
}

// WithHook installs a command hook at construction.
func WithHook(h Hook) Option {
	return func(s *Server) {
		s.SetHook(h)
	}
}

// Server accepts connections and runs each one in its own goroutine against a
// shared Layout.
type Server struct {
	log      logger.Logger
	addr     string
	layout   *Layout
	listener net.Listener
	sessions *registry
	running  atomic.Bool
	hook     atomic.Pointer[Hook]

	mu sync.Mutex
	wg sync.WaitGroup
}

// New creates a Server that will listen on addr ("127.0.0.1:0" picks a free
// port).
//
// Parameters:
//   - addr: The listen address
//   - layout: The simulated layout; a nil layout uses DemoLayout
//   - opts: Optional logger and hook
//
// Returns:
//   - A stopped *Server; call Start or Serve
func New(addr string, layout *Layout, opts ...Option) *Server {
	if layout == nil {
		layout = DemoLayout()
	}

	s := &Server{
		log:      logger.NewNopLogger(),
		addr:     addr,
		layout:   layout,
		sessions: newRegistry(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With(logger.Field{Key: "component", Value: "simulator"})

	return s
}

// Start binds the listener and starts the accept loop in a goroutine.
//
// Returns:
//   - An error if the server is already running or listening fails
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running.Load() {
		return fmt.Errorf("simulator already running on %s", s.Addr())
	}

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		s.log.Error("simulator failed to start", logger.Err(err))
		return fmt.Errorf("simulator failed to start: %w", err)
	}

	s.listener = ln
	s.running.Store(true)

	s.log.Info("simulator started", logger.Field{Key: "addr", Value: ln.Addr().String()})

	s.wg.Add(1)
	go s.acceptLoop(ln)

	return nil
}

// Serve starts the server and blocks until ctx is done, then stops it.
func (s *Server) Serve(ctx context.Context) error {
	if err := s.Start(); err != nil {
		return err
	}

	<-ctx.Done()
	s.Stop()
	return nil
}

// Stop closes the listener and every connection, and waits for the accept
// loop to exit. Safe to call when the server is not running.
func (s *Server) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running.Load() {
		return
	}

	s.running.Store(false)
	_ = s.listener.Close()
	s.DropConnections()
	s.wg.Wait()

	s.log.Info("simulator stopped")
}

// Addr returns the bound address once started, otherwise the configured one.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}

	return s.addr
}

// Layout returns the simulated layout.
func (s *Server) Layout() *Layout {
	return s.layout
}

// Connections returns the number of open connections.
func (s *Server) Connections() int {
	return s.sessions.len()
}

// SetHook replaces the command hook; nil removes it.
func (s *Server) SetHook(h Hook) {
	if h == nil {
		s.hook.Store(nil)
		return
	}

	s.hook.Store(&h)
}

// Broadcast writes text verbatim to every connection.
//
// Returns:
//   - The number of connections written to successfully
func (s *Server) Broadcast(text string) int {
	sent := 0
	for _, c := range s.sessions.snapshot() {
		if err := c.send(text); err == nil {
			sent++
		}
	}

	return sent
}

// DropConnections closes every open connection, simulating a link loss.
// The listener keeps accepting.
//
// Returns:
//   - The number of connections closed
func (s *Server) DropConnections() int {
	conns := s.sessions.snapshot()
	for _, c := range conns {
		_ = c.close()
	}

	return len(conns)
}

func (s *Server) acceptLoop(ln net.Listener) {
	defer s.wg.Done()

	for s.running.Load() {
		nc, err := ln.Accept()
		if err != nil {
			if !s.running.Load() {
				return
			}

			s.log.Error("simulator accept error", logger.Err(err))
			continue
		}

		c := newConn(s.sessions.id(), nc, s)
		s.sessions.store(c)
		go c.handle()
	}
}

func (s *Server) handleCommand(c *conn, line string) {
	if h := s.hook.Load(); h != nil {
		if reply, handled := (*h)(line); handled {
			if reply != "" {
				_ = c.send(reply)
			}
			return
		}
	}

	res := s.execute(c, line)
	if !res.status.OK() {
		c.log.Debug("command rejected", logger.Field{Key: "command", Value: line},
			logger.Field{Key: "status", Value: res.status.String()})
	}

	if err := c.send(FormatReply(line, res.lines, res.status)); err != nil {
		c.log.Debug("reply not delivered", logger.Err(err))
		return
	}

	for _, id := range res.changed {
		s.notify(c.id, id)
	}
}

// notify sends an event about objectID to every other connection viewing it.
func (s *Server) notify(origin uint32, objectID int) {
	event := FormatEvent(objectID, s.describe(objectID))
	for _, c := range s.sessions.snapshot() {
		if c.id == origin || !c.views.contains(objectID) {
			continue
		}

		if err := c.send(event); err != nil {
			c.log.Debug("event not delivered", logger.Field{Key: "event", Value: strings.TrimSpace(event)}, logger.Err(err))
		}
	}
}
