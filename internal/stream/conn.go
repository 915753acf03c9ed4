package stream

import (
	"net"
	"sync"
)

// countingConn adds every byte it moves to its Manager's counters and leaves
// the active set when closed.
type countingConn struct {
	net.Conn
	m    *Manager
	once sync.Once
}

func (c *countingConn) Read(p []byte) (int, error) {
	n, err := c.Conn.Read(p)
	if n > 0 {
		c.m.received.Add(int64(n))
	}
	return n, err
}

func (c *countingConn) Write(p []byte) (int, error) {
	n, err := c.Conn.Write(p)
	if n > 0 {
		c.m.sent.Add(int64(n))
	}
	return n, err
}

func (c *countingConn) Close() error {
	c.once.Do(func() { c.m.forget(c) })
	return c.Conn.Close()
}
