package ftp

import (
	"bytes"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/gonzalop/ftpsession/internal/ftptest"
)

// scriptConn replays canned server output and records what the client
// writes.
type scriptConn struct {
	r *strings.Reader

	mu       sync.Mutex
	written  bytes.Buffer
	writeErr error
	closed   bool
}

func newScriptConn(script string) *scriptConn {
	return &scriptConn{r: strings.NewReader(script)}
}

func (c *scriptConn) Read(b []byte) (int, error) { return c.r.Read(b) }

func (c *scriptConn) Write(b []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return 0, c.writeErr
	}
	return c.written.Write(b)
}

func (c *scriptConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *scriptConn) Written() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.written.String()
}

func (c *scriptConn) LocalAddr() net.Addr                { return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)} }
func (c *scriptConn) RemoteAddr() net.Addr               { return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 21} }
func (c *scriptConn) SetDeadline(t time.Time) error      { return nil }
func (c *scriptConn) SetReadDeadline(t time.Time) error  { return nil }
func (c *scriptConn) SetWriteDeadline(t time.Time) error { return nil }

var errBrokenPipe = errors.New("broken pipe")

// scriptedClient returns a connected client whose control channel replays
// script.
func scriptedClient(t *testing.T, script string, opts ...Option) (*Client, *scriptConn) {
	t.Helper()
	c, err := newClient("127.0.0.1:21", opts...)
	require.NoError(t, err)

	conn := newScriptConn(script)
	c.setControl(conn)
	c.state.Store(int32(Connected))
	return c, conn
}

// dialServer connects to srv and logs in as alice.
func dialServer(t *testing.T, srv *ftptest.Server, opts ...Option) *Client {
	t.Helper()
	opts = append([]Option{WithTimeout(5 * time.Second)}, opts...)
	c, err := Dial(srv.Addr(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Quit() })

	require.NoError(t, c.Login("alice", "secret"))
	return c
}

func newServer(t *testing.T, opts ...ftptest.Option) *ftptest.Server {
	t.Helper()
	opts = append([]ftptest.Option{ftptest.WithCredentials("alice", "secret")}, opts...)
	return ftptest.New(t, opts...)
}

// recorder collects hook events in order.
type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) add(event string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recorder) Events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func (r *recorder) count(event string) int {
	n := 0
	for _, e := range r.Events() {
		if e == event {
			n++
		}
	}
	return n
}

func (r *recorder) hooks() Hooks {
	return Hooks{
		CommandSent:       func(cmd string) { r.add("> " + cmd) },
		ResponseReceived:  func(line string) { r.add("< " + line) },
		Connected:         func() { r.add("connected") },
		Disconnected:      func() { r.add("disconnected") },
		LoggedIn:          func() { r.add("logged in") },
		WorkingDirChanged: func(dir string) { r.add("cwd " + dir) },
	}
}
