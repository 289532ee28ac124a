package ftptest

import (
	"bufio"
	"crypto/x509"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type rawClient struct {
	t    *testing.T
	conn net.Conn
	r    *bufio.Reader
}

func dialRaw(t *testing.T, s *Server) *rawClient {
	t.Helper()
	conn, err := net.DialTimeout("tcp", s.Addr(), 5*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))
	return &rawClient{t: t, conn: conn, r: bufio.NewReader(conn)}
}

func (c *rawClient) line() string {
	c.t.Helper()
	l, err := c.r.ReadString('\n')
	require.NoError(c.t, err)
	return strings.TrimRight(l, "\r\n")
}

func (c *rawClient) send(cmd string) string {
	c.t.Helper()
	_, err := io.WriteString(c.conn, cmd+"\r\n")
	require.NoError(c.t, err)
	return c.line()
}

func TestSessionBasics(t *testing.T) {
	s := New(t, WithCredentials("bob", "pw"))
	c := dialRaw(t, s)

	assert.Equal(t, "220 ftptest ready", c.line())
	assert.Equal(t, "530 Please login with USER and PASS.", c.send("PWD"))
	assert.True(t, strings.HasPrefix(c.send("USER bob"), "331"))
	assert.True(t, strings.HasPrefix(c.send("PASS bad"), "530"))
	c.send("USER bob")
	assert.True(t, strings.HasPrefix(c.send("PASS pw"), "230"))
	assert.Equal(t, `257 "/" is the current directory`, c.send("PWD"))
	assert.True(t, strings.HasPrefix(c.send("XYZ"), "502"))

	assert.Equal(t, 1, s.Connections())
	assert.Equal(t, 2, s.Count("user"))
}

func TestScriptedReplies(t *testing.T) {
	s := New(t)
	s.Script("SYST", "215-Scripted\r\n215 Done")
	c := dialRaw(t, s)
	c.line()

	assert.Equal(t, "215-Scripted", c.send("SYST"))
	assert.Equal(t, "215 Done", c.line())
	assert.Equal(t, "215 UNIX Type: L8", c.send("SYST"))

	s.Script("NOOP", "421 Bye")
	assert.Equal(t, "421 Bye", c.send("NOOP"))
	_, err := c.r.ReadString('\n')
	assert.ErrorIs(t, err, io.EOF)
}

func TestPassiveRetrieve(t *testing.T) {
	s := New(t)
	s.AddFile("/dir/f.txt", []byte("content"))
	c := dialRaw(t, s)
	c.line()
	c.send("USER x")
	c.send("PASS y")

	pasv := c.send("PASV")
	require.True(t, strings.HasPrefix(pasv, "227 Entering Passive Mode (127,0,0,1,"))

	var h1, h2, h3, h4, p1, p2 int
	_, err := fmt.Sscanf(pasv, "227 Entering Passive Mode (%d,%d,%d,%d,%d,%d).", &h1, &h2, &h3, &h4, &p1, &p2)
	require.NoError(t, err)
	data, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(p1*256+p2)))
	require.NoError(t, err)
	defer data.Close()

	assert.True(t, strings.HasPrefix(c.send("RETR /dir/f.txt"), "150"))
	body, err := io.ReadAll(data)
	require.NoError(t, err)
	assert.Equal(t, "content", string(body))
	assert.True(t, strings.HasPrefix(c.line(), "226"))

	assert.True(t, strings.HasPrefix(c.send("RETR /dir/f.txt"), "425"))
}

func TestFileSystem(t *testing.T) {
	s := New(t)
	s.AddFile("a/b/c.txt", []byte("c"))
	assert.True(t, s.HasDir("/a"))
	assert.True(t, s.HasDir("/a/b"))

	data, ok := s.File("/a/b/c.txt")
	require.True(t, ok)
	assert.Equal(t, "c", string(data))

	dirs, files := s.children("/a")
	assert.Equal(t, []string{"b"}, dirs)
	assert.Empty(t, files)

	listing := s.unixListing("/a/b")
	assert.Equal(t, "total 1\r\n-rw-r--r-- 1 owner group 1 Jan 01 00:00 c.txt\r\n", listing)
}

func TestSelfSignedTLSConfig(t *testing.T) {
	cfg, pool := TLSConfig(t)
	require.Len(t, cfg.Certificates, 1)
	leaf := cfg.Certificates[0].Leaf
	require.NotNil(t, leaf)

	_, err := leaf.Verify(x509.VerifyOptions{Roots: pool, DNSName: "127.0.0.1"})
	assert.NoError(t, err)
	_, err = leaf.Verify(x509.VerifyOptions{Roots: pool, DNSName: "localhost"})
	assert.NoError(t, err)
}
