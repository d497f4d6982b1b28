package protocol

import (
	"net"
	"sync/atomic"
)

// CountingConn wraps a net.Conn with cumulative byte counters. Counters are
// read on a pull basis through Stats; the conn never publishes events.
type CountingConn struct {
	net.Conn
	in  atomic.Uint64
	out atomic.Uint64
}

// NewCountingConn wraps conn.
func NewCountingConn(conn net.Conn) *CountingConn {
	return &CountingConn{Conn: conn}
}

func (c *CountingConn) Read(p []byte) (int, error) {
	n, err := c.Conn.Read(p)
	if n > 0 {
		c.in.Add(uint64(n))
	}
	return n, err
}

func (c *CountingConn) Write(p []byte) (int, error) {
	n, err := c.Conn.Write(p)
	if n > 0 {
		c.out.Add(uint64(n))
	}
	return n, err
}

// BytesIn returns cumulative bytes read from the peer.
func (c *CountingConn) BytesIn() uint64 { return c.in.Load() }

// BytesOut returns cumulative bytes written to the peer.
func (c *CountingConn) BytesOut() uint64 { return c.out.Load() }
