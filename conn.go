package ftp

import (
	"net"
	"sync"
	"time"
)

// dataChannel is the per-transfer socket opened after PASV. It applies the
// client timeout to every read and write and is closed exactly once.
type dataChannel struct {
	net.Conn
	timeout time.Duration

	// protection is the session's protection mode when the channel was opened
	protection ProtectionMode

	closeOnce sync.Once
	closeErr  error
	onClose   func()
}

func (c *dataChannel) Read(b []byte) (n int, err error) {
	if c.timeout > 0 {
		if err := c.Conn.SetReadDeadline(time.Now().Add(c.timeout)); err != nil {
			return 0, err
		}
	}
	return c.Conn.Read(b)
}

func (c *dataChannel) Write(b []byte) (n int, err error) {
	if c.timeout > 0 {
		if err := c.Conn.SetWriteDeadline(time.Now().Add(c.timeout)); err != nil {
			return 0, err
		}
	}
	return c.Conn.Write(b)
}

// Close releases the socket. Later calls return the first result.
func (c *dataChannel) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.Conn.Close()
		if c.onClose != nil {
			c.onClose()
		}
	})
	return c.closeErr
}
