// Package ftptest runs an in-process FTP server for tests.
//
// Files and directories live in memory. Every control connection gets its own
// session with a working directory, and each PASV opens a one-shot listener
// for the next data command. Tests can queue raw replies for a verb with
// Script to provoke 421, 425, 530 and other server behavior.
package ftptest

import (
	"bufio"
	"crypto/tls"
	"net"
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
)

// dataTimeout bounds accepts and handshakes on passive listeners.
const dataTimeout = 5 * time.Second

// Option configures a Server.
type Option func(*Server)

// WithCredentials requires USER user and PASS password. Without it every
// login succeeds.
func WithCredentials(user, password string) Option {
	return func(s *Server) {
		s.user = user
		s.password = password
	}
}

// WithExplicitTLS enables AUTH TLS and PROT P using cfg.
func WithExplicitTLS(cfg *tls.Config) Option {
	return func(s *Server) {
		s.tlsConfig = cfg
	}
}

// WithImplicitTLS starts TLS on accept using cfg.
func WithImplicitTLS(cfg *tls.Config) Option {
	return func(s *Server) {
		s.tlsConfig = cfg
		s.implicit = true
	}
}

// WithGreeting replaces the 220 greeting with raw reply lines.
func WithGreeting(lines ...string) Option {
	return func(s *Server) {
		s.greeting = lines
	}
}

// WithFeatures replaces the FEAT list.
func WithFeatures(features ...string) Option {
	return func(s *Server) {
		s.features = features
		s.customFeatures = true
	}
}

// WithSystem sets the SYST reply text.
func WithSystem(syst string) Option {
	return func(s *Server) {
		s.system = syst
	}
}

// WithUnspecifiedPassiveHost makes PASV advertise 0,0,0,0 instead of the
// listener address.
func WithUnspecifiedPassiveHost() Option {
	return func(s *Server) {
		s.unspecifiedHost = true
	}
}

// Server is an in-memory FTP server listening on 127.0.0.1.
type Server struct {
	ln net.Listener

	user            string
	password        string
	tlsConfig       *tls.Config
	implicit        bool
	greeting        []string
	features        []string
	customFeatures  bool
	system          string
	unspecifiedHost bool

	mu       sync.Mutex
	files    map[string][]byte
	dirs     map[string]bool
	listings map[string]string
	scripted map[string][]string
	commands []string
	accepted int
	unique   int
	conns    map[net.Conn]struct{}
	closed   bool

	wg sync.WaitGroup
}

// New starts a server and closes it when the test ends.
func New(t testing.TB, opts ...Option) *Server {
	t.Helper()
	s, err := Start(opts...)
	if err != nil {
		t.Fatalf("ftptest: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

// Start listens on an ephemeral loopback port and serves in the background.
func Start(opts ...Option) (*Server, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, errors.Wrap(err, "listen")
	}

	s := &Server{
		ln:       ln,
		greeting: []string{"220 ftptest ready"},
		system:   "UNIX Type: L8",
		files:    make(map[string][]byte),
		dirs:     map[string]bool{"/": true},
		listings: make(map[string]string),
		scripted: make(map[string][]string),
		conns:    make(map[net.Conn]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if !s.customFeatures {
		s.features = []string{"UTF8", "PASV", "SIZE"}
		if s.tlsConfig != nil {
			s.features = append(s.features, "AUTH TLS", "PBSZ", "PROT")
		}
	}

	s.wg.Add(1)
	go s.serve()
	return s, nil
}

// Addr returns the "host:port" of the control listener.
func (s *Server) Addr() string {
	return s.ln.Addr().String()
}

// Host returns the listener host.
func (s *Server) Host() string {
	host, _, _ := net.SplitHostPort(s.Addr())
	return host
}

// Port returns the listener port.
func (s *Server) Port() int {
	return s.ln.Addr().(*net.TCPAddr).Port
}

// Close stops accepting, drops every control connection and waits for the
// sessions to end.
func (s *Server) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()

	s.ln.Close()
	s.wg.Wait()
}

// AddFile stores data at name, creating parent directories.
func (s *Server) AddFile(name string, data []byte) {
	name = clean(name)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[name] = append([]byte(nil), data...)
	for dir := path.Dir(name); ; dir = path.Dir(dir) {
		s.dirs[dir] = true
		if dir == "/" {
			break
		}
	}
}

// AddDir creates dir and its parents.
func (s *Server) AddDir(dir string) {
	dir = clean(dir)
	s.mu.Lock()
	defer s.mu.Unlock()
	for ; ; dir = path.Dir(dir) {
		s.dirs[dir] = true
		if dir == "/" {
			break
		}
	}
}

// File returns the stored contents of name.
func (s *Server) File(name string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.files[clean(name)]
	return append([]byte(nil), data...), ok
}

// HasDir reports whether dir exists.
func (s *Server) HasDir(dir string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dirs[clean(dir)]
}

// SetListing makes LIST of dir return raw verbatim.
func (s *Server) SetListing(dir, raw string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listings[clean(dir)] = raw
}

// Script queues raw replies for verb. Each command with that verb consumes
// one reply instead of being handled. A reply may span lines separated by
// "\r\n". After a 421 reply the server closes the connection.
func (s *Server) Script(verb string, replies ...string) {
	verb = strings.ToUpper(verb)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scripted[verb] = append(s.scripted[verb], replies...)
}

// Commands returns every command line received, in order, across all
// connections.
func (s *Server) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

// Count returns how many commands with verb were received.
func (s *Server) Count(verb string) int {
	verb = strings.ToUpper(verb)
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, line := range s.commands {
		if v, _, _ := strings.Cut(line, " "); strings.ToUpper(v) == verb {
			n++
		}
	}
	return n
}

// Connections returns the number of control connections accepted so far.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accepted
}

func (s *Server) serve() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			conn.Close()
			return
		}
		s.accepted++
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer func() {
				s.mu.Lock()
				delete(s.conns, conn)
				s.mu.Unlock()
				conn.Close()
			}()
			newSession(s, conn).serve()
		}()
	}
}

func (s *Server) record(line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commands = append(s.commands, line)
}

func (s *Server) nextScripted(verb string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	queue := s.scripted[verb]
	if len(queue) == 0 {
		return "", false
	}
	s.scripted[verb] = queue[1:]
	return queue[0], true
}

// clean makes name absolute and canonical.
func clean(name string) string {
	if !strings.HasPrefix(name, "/") {
		name = "/" + name
	}
	return path.Clean(name)
}

// children returns the sorted direct entries of dir.
func (s *Server) children(dir string) (dirs, files []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for d := range s.dirs {
		if d != dir && path.Dir(d) == dir {
			dirs = append(dirs, path.Base(d))
		}
	}
	for f := range s.files {
		if path.Dir(f) == dir {
			files = append(files, path.Base(f))
		}
	}
	sort.Strings(dirs)
	sort.Strings(files)
	return dirs, files
}

// session serves one control connection.
type session struct {
	srv    *Server
	conn   net.Conn
	reader *bufio.Reader

	user       string
	loggedIn   bool
	cwd        string
	prot       string
	renameFrom string
	pasv       net.Listener
}

func newSession(srv *Server, conn net.Conn) *session {
	return &session{srv: srv, conn: conn, cwd: "/", prot: "C"}
}

func (s *session) serve() {
	defer s.closePassive()

	if s.srv.implicit {
		tconn := tls.Server(s.conn, s.srv.tlsConfig)
		_ = tconn.SetDeadline(time.Now().Add(dataTimeout))
		if err := tconn.Handshake(); err != nil {
			return
		}
		_ = tconn.SetDeadline(time.Time{})
		s.conn = tconn
	}
	s.reader = bufio.NewReader(s.conn)

	for _, line := range s.srv.greeting {
		if !s.writeLine(line) {
			return
		}
	}

	for {
		line, err := s.reader.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimRight(line, "\r\n")
		s.srv.record(line)

		verb, arg, _ := strings.Cut(line, " ")
		verb = strings.ToUpper(verb)

		if reply, ok := s.srv.nextScripted(verb); ok {
			if !s.writeLine(reply) || strings.HasPrefix(reply, "421") {
				return
			}
			continue
		}

		if !s.handle(verb, strings.TrimSpace(arg)) {
			return
		}
	}
}

func (s *session) writeLine(line string) bool {
	_, err := s.conn.Write([]byte(line + "\r\n"))
	return err == nil
}

func (s *session) reply(code int, text string) bool {
	return s.writeLine(strconv.Itoa(code) + " " + text)
}

func (s *session) closePassive() {
	if s.pasv != nil {
		s.pasv.Close()
		s.pasv = nil
	}
}

// resolve makes a client path absolute against the working directory.
func (s *session) resolve(name string) string {
	if name == "" {
		return s.cwd
	}
	if !strings.HasPrefix(name, "/") {
		name = path.Join(s.cwd, name)
	}
	return path.Clean(name)
}
