package netx

import (
	"net"
	"sync/atomic"
)

// Counters holds network-level byte counters shared by every Conn created by
// the same Dialer.
type Counters struct {
	bytesRead    atomic.Int64
	bytesWritten atomic.Int64
}

// Load returns the read and written byte counts, in this order.
func (c *Counters) Load() (int64, int64) {
	return c.bytesRead.Load(), c.bytesWritten.Load()
}

// Conn is a net.Conn that adds the bytes it reads and writes to a set of
// Counters.
type Conn struct {
	net.Conn

	shared *Counters
}

// FromConn wraps conn into a Conn counting into shared, which must not be
// nil.
func FromConn(conn net.Conn, shared *Counters) *Conn {
	return &Conn{
		Conn:   conn,
		shared: shared,
	}
}

// Read reads from the underlying net.Conn and updates the read bytes counter.
func (c *Conn) Read(b []byte) (int, error) {
	n, err := c.Conn.Read(b)
	c.shared.bytesRead.Add(int64(n))
	return n, err
}

// Write writes to the underlying net.Conn and updates the written bytes counter.
func (c *Conn) Write(b []byte) (int, error) {
	n, err := c.Conn.Write(b)
	c.shared.bytesWritten.Add(int64(n))
	return n, err
}
