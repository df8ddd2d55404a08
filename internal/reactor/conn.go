package reactor

import (
	"net"
	"time"

	"palaver/internal/backend"
	"palaver/internal/models"
)

// conn is one protocol connection. Every field is owned by the reactor
// goroutine except nc, which the reader goroutine only reads from.
type conn struct {
	r     *Reactor
	id    models.SocketID
	proto models.ProtocolID
	be    backend.Backend
	nc    net.Conn
	state backend.State
	owner backend.OwnerInfo
	data  any

	server        *backend.RemoteServer
	logonID       uint64
	logonDeadline time.Time
	lastPing      time.Time
	writeErr      error
}

func (c *conn) Socket() models.SocketID {
	return c.id
}

func (c *conn) Protocol() models.ProtocolID {
	return c.proto
}

func (c *conn) Owner() backend.OwnerInfo {
	return c.owner
}

func (c *conn) State() backend.State {
	return c.state
}

func (c *conn) Data() any {
	return c.data
}

func (c *conn) SetData(v any) {
	c.data = v
}

// Write sends p with a deadline. The first failure sticks; the reactor
// closes the connection once the current callback returns.
func (c *conn) Write(p []byte) error {
	if c.nc == nil || c.state == backend.StateClosed {
		return backend.ErrNotConnected
	}
	if c.writeErr != nil {
		return c.writeErr
	}
	_ = c.nc.SetWriteDeadline(time.Now().Add(c.r.cfg.WriteTimeout))
	if _, err := c.nc.Write(p); err != nil {
		c.writeErr = err
		return err
	}
	return nil
}

// SessionInfo describes a connection for callers outside the reactor.
type SessionInfo struct {
	Protocol models.ProtocolID `json:"protocol"`
	Socket   models.SocketID   `json:"socket"`
	State    string            `json:"state"`
	Server   string            `json:"server,omitempty"`
}

func (c *conn) info() SessionInfo {
	si := SessionInfo{
		Protocol: c.proto,
		Socket:   c.id,
		State:    c.state.String(),
	}
	if c.server != nil {
		si.Server = c.server.String()
	}
	return si
}
