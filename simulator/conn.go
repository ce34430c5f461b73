package simulator

import (
	"bufio"
	"net"
	"strings"
	"sync"

	"github.com/cyberinferno/ecos-remote/logger"
)

// conn is one client connection. Handle runs the read loop; send may be
// called concurrently from other connections delivering events.
type conn struct {
	id      uint32
	netConn net.Conn
	server  *Server
	views   *viewSet
	log     logger.Logger

	writeMu   sync.Mutex
	closeOnce sync.Once
}

func newConn(id uint32, nc net.Conn, s *Server) *conn {
	return &conn{
		id:      id,
		netConn: nc,
		server:  s,
		views:   newViewSet(),
		log: s.log.With(logger.Field{Key: "conn_id", Value: id},
			logger.Field{Key: "remote", Value: nc.RemoteAddr().String()}),
	}
}

// handle reads newline-terminated commands until the peer disconnects.
func (c *conn) handle() {
	defer func() {
		_ = c.close()
		c.server.sessions.remove(c.id)
		c.log.Debug("connection closed")
	}()

	c.log.Debug("connection accepted")

	scanner := bufio.NewScanner(c.netConn)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		c.server.handleCommand(c, line)
	}
}

// send writes one complete block so replies and events never interleave.
func (c *conn) send(data string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_, err := c.netConn.Write([]byte(data))
	return err
}

// close is safe to call multiple times.
func (c *conn) close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.netConn.Close()
	})

	return err
}
