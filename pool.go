package ftp

import (
	"context"
	"io"
	"net"
	"os"
	"path"
	"strconv"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Credentials identify one FTP account on one server.
type Credentials struct {
	Host     string
	Port     int
	User     string
	Password string
}

// Addr returns "host:port", defaulting the port to 21.
func (c Credentials) Addr() string {
	port := c.Port
	if port == 0 {
		port = 21
	}
	return net.JoinHostPort(c.Host, strconv.Itoa(port))
}

// Pool owns the connections of one logical FTP session.
//
// The first connection is the primary: directory changes, listings and file
// management always run on it so the working directory stays coherent.
// Transfers claim an idle secondary connection, or a new one, for their whole
// duration, which lets several transfers run at once.
//
// When the primary disconnects, the oldest remaining connection becomes the
// primary. Its working directory is the one it logged in with; the previous
// primary's directory is not carried over.
type Pool struct {
	creds   Credentials
	opts    []Option
	hooks   Hooks
	logger  *zap.Logger
	metrics *Metrics

	// verifier is shared so a certificate is accepted once per pool
	verifier *certVerifier

	mu     sync.Mutex
	conns  []*Client
	closed bool

	historyMu sync.Mutex
	history   []string

	opsMu sync.RWMutex
	ops   map[string]*operation
}

// NewPool prepares a pool for creds. opts apply to every connection the pool
// opens. No connection is made until Connect.
func NewPool(creds Credentials, opts ...Option) (*Pool, error) {
	if creds.Host == "" {
		return nil, &ParameterError{Name: "host"}
	}
	if creds.User == "" {
		return nil, &ParameterError{Name: "user"}
	}

	// Options are applied to a throwaway client to read the settings the
	// pool itself needs.
	base := &Client{validation: AcceptOnlyValid, logger: zap.NewNop()}
	for _, opt := range opts {
		if err := opt(base); err != nil {
			return nil, errors.Wrap(err, "failed to apply option")
		}
	}

	return &Pool{
		creds:    creds,
		opts:     opts,
		hooks:    base.hooks,
		logger:   base.logger.With(zap.String("pool", creds.Addr())),
		metrics:  base.metrics,
		verifier: newCertVerifier(base.validation, base.hooks.CertificateNeeded),
		ops:      make(map[string]*operation),
	}, nil
}

// Connect disposes any existing connections and establishes one fresh,
// logged-in primary connection.
func (p *Pool) Connect(ctx context.Context) error {
	p.mu.Lock()
	old := p.conns
	p.conns = nil
	p.closed = false
	p.mu.Unlock()

	p.metrics.poolSize(-len(old))
	for _, c := range old {
		_ = c.Quit()
	}

	c, err := p.dial(ctx)
	if err != nil {
		return err
	}

	// The SYST answer only refines listing parsing.
	if _, err := c.System(); err != nil {
		p.logger.Debug("SYST failed", zap.Error(err))
	}

	p.mu.Lock()
	p.conns = append([]*Client{c}, p.conns...)
	p.mu.Unlock()
	p.metrics.poolSize(1)
	return nil
}

// dial opens and logs in a connection wired to the pool's hooks.
func (p *Pool) dial(ctx context.Context) (*Client, error) {
	var c *Client
	hooks := p.connectionHooks(func() *Client { return c })

	opts := make([]Option, 0, len(p.opts)+3)
	opts = append(opts, p.opts...)
	opts = append(opts, WithHooks(hooks), withVerifier(p.verifier), WithCredentials(p.creds.User, p.creds.Password))

	var err error
	c, err = DialContext(ctx, p.creds.Addr(), opts...)
	if err != nil {
		return nil, err
	}
	if err := c.Login(p.creds.User, p.creds.Password); err != nil {
		_ = c.Quit()
		return nil, err
	}
	return c, nil
}

// connectionHooks wraps the caller's hooks to record the transcript and to
// drop a connection from the pool once it disconnects.
func (p *Pool) connectionHooks(self func() *Client) Hooks {
	user := p.hooks
	h := user
	h.CommandSent = func(cmd string) {
		p.record("CLIENT: " + cmd)
		user.commandSent(cmd)
	}
	h.ResponseReceived = func(line string) {
		p.record("SERVER: " + line)
		user.responseReceived(line)
	}
	h.Disconnected = func() {
		if c := self(); c != nil {
			p.remove(c)
		}
		user.disconnected()
	}
	return h
}

func (p *Pool) record(line string) {
	p.historyMu.Lock()
	p.history = append(p.history, line)
	p.historyMu.Unlock()
}

// History returns the command/reply transcript of every connection.
func (p *Pool) History() []string {
	p.historyMu.Lock()
	defer p.historyMu.Unlock()
	return append([]string(nil), p.history...)
}

func (p *Pool) remove(c *Client) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, pc := range p.conns {
		if pc == c {
			p.conns = append(p.conns[:i], p.conns[i+1:]...)
			p.metrics.poolSize(-1)
			p.logger.Debug("connection left the pool", zap.String("conn", c.ID()))
			if i == 0 && len(p.conns) > 0 {
				p.logger.Warn("primary connection lost, promoting the next connection",
					zap.String("lost", c.ID()),
					zap.String("conn", p.conns[0].ID()))
			}
			return
		}
	}
}

// Connected reports whether the primary connection is authenticated.
func (p *Pool) Connected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns) > 0 && p.conns[0].Authenticated()
}

// Len returns the number of connections held.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns)
}

// Disconnect quits every connection. The pool can be reused with Connect.
func (p *Pool) Disconnect() error {
	p.mu.Lock()
	conns := p.conns
	p.conns = nil
	p.closed = true
	p.mu.Unlock()

	p.metrics.poolSize(-len(conns))
	var first error
	for _, c := range conns {
		if err := c.Quit(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Primary returns the connection used for navigation and management.
func (p *Pool) Primary() (*Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrPoolClosed
	}
	if len(p.conns) == 0 {
		return nil, ErrNotConnected
	}
	return p.conns[0], nil
}

// Idle claims an idle secondary connection, opening and logging in a new
// one when none is free. The connection stays claimed until its next
// transfer finishes or Release is called.
func (p *Pool) Idle(ctx context.Context) (*Client, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	if len(p.conns) == 0 {
		p.mu.Unlock()
		return nil, ErrNotConnected
	}
	for _, c := range p.conns[1:] {
		if c.idle.CompareAndSwap(true, false) {
			p.mu.Unlock()
			return c, nil
		}
	}
	p.mu.Unlock()

	c, err := p.dial(ctx)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	if p.closed || len(p.conns) == 0 {
		p.mu.Unlock()
		_ = c.Quit()
		return nil, ErrPoolClosed
	}
	p.conns = append(p.conns, c)
	p.mu.Unlock()
	p.metrics.poolSize(1)
	p.logger.Debug("connection joined the pool", zap.String("conn", c.ID()))
	return c, nil
}

// Release marks a claimed connection idle without transferring.
func (p *Pool) Release(c *Client) {
	if c != nil {
		c.idle.Store(true)
	}
}

// resolve anchors a relative name at the primary's working directory, so a
// secondary connection transfers the file the caller sees.
func (p *Pool) resolve(name string) string {
	if name == "" || path.IsAbs(name) {
		return name
	}
	primary, err := p.Primary()
	if err != nil {
		return name
	}
	if dir := primary.WorkingDir(); dir != "" {
		return path.Join(dir, name)
	}
	return name
}

// contextCancelled extends a cancellation predicate with ctx.
func contextCancelled(ctx context.Context, cancelled CancelledFunc) CancelledFunc {
	return func() bool {
		return ctx.Err() != nil || (cancelled != nil && cancelled())
	}
}

// claimed runs fn on an idle connection. Argument errors are reported
// before the transfer marks the connection busy, so the claim is released.
func (p *Pool) claimed(ctx context.Context, fn func(c *Client) error) error {
	c, err := p.Idle(ctx)
	if err != nil {
		return err
	}
	err = fn(c)
	var perr *ParameterError
	if errors.As(err, &perr) {
		p.Release(c)
	}
	return err
}

// Download runs a download on an idle connection.
func (p *Pool) Download(ctx context.Context, name string, binary bool, onRead ProgressFunc, cancelled CancelledFunc) (*Transfer, error) {
	if name == "" {
		return nil, &ParameterError{Name: "name"}
	}
	if onRead == nil {
		return nil, &ParameterError{Name: "onRead"}
	}
	var t *Transfer
	err := p.claimed(ctx, func(c *Client) (err error) {
		t, err = c.download(ctx, p.resolve(name), binary, onRead, contextCancelled(ctx, cancelled))
		return err
	})
	return t, err
}

// Upload runs an upload on an idle connection.
func (p *Pool) Upload(ctx context.Context, name string, binary bool, input InputFunc, onWritten WrittenFunc, cancelled CancelledFunc) (*Transfer, error) {
	if name == "" {
		return nil, &ParameterError{Name: "name"}
	}
	if input == nil {
		return nil, &ParameterError{Name: "input"}
	}
	var t *Transfer
	err := p.claimed(ctx, func(c *Client) (err error) {
		remote := p.resolve(name)
		t, err = c.upload(ctx, "STOR "+remote, remote, binary, input, onWritten, contextCancelled(ctx, cancelled))
		return err
	})
	return t, err
}

// Retrieve downloads name into w on an idle connection.
func (p *Pool) Retrieve(ctx context.Context, name string, w io.Writer) error {
	if name == "" {
		return &ParameterError{Name: "name"}
	}
	if w == nil {
		return &ParameterError{Name: "w"}
	}
	return p.claimed(ctx, func(c *Client) error {
		return c.retrieve(ctx, p.resolve(name), w, contextCancelled(ctx, nil))
	})
}

// Store uploads r to name on an idle connection.
func (p *Pool) Store(ctx context.Context, name string, r io.Reader) error {
	if name == "" {
		return &ParameterError{Name: "name"}
	}
	if r == nil {
		return &ParameterError{Name: "r"}
	}
	return p.claimed(ctx, func(c *Client) error {
		return c.store(ctx, p.resolve(name), r, contextCancelled(ctx, nil))
	})
}

// Job is one transfer of TransferAll. Exactly one of Source (upload) and
// Dest (download) must be set.
type Job struct {
	Name   string
	Source io.Reader
	Dest   io.Writer
}

// TransferAll runs jobs concurrently on pooled connections, at most limit at
// a time (limit <= 0 means one connection per job). The first failure
// cancels the jobs that have not finished.
func (p *Pool) TransferAll(ctx context.Context, jobs []Job, limit int) error {
	g, gctx := errgroup.WithContext(ctx)
	if limit > 0 {
		g.SetLimit(limit)
	}

	for _, job := range jobs {
		if job.Name == "" {
			return &ParameterError{Name: "name"}
		}
		if (job.Source == nil) == (job.Dest == nil) {
			return errors.Errorf("job %q must set exactly one of Source and Dest", job.Name)
		}
	}

	for _, job := range jobs {
		job := job
		if job.Source != nil {
			g.Go(func() error {
				return errors.Wrapf(p.Store(gctx, job.Name, job.Source), "upload %s", job.Name)
			})
			continue
		}
		g.Go(func() error {
			return errors.Wrapf(p.Retrieve(gctx, job.Name, job.Dest), "download %s", job.Name)
		})
	}
	return g.Wait()
}

// The operations below always run on the primary connection.

// List lists dir on the primary connection.
func (p *Pool) List(dir string) ([]*Entry, error) {
	c, err := p.Primary()
	if err != nil {
		return nil, err
	}
	return c.List(dir)
}

// ChangeDir changes the working directory of the primary connection.
func (p *Pool) ChangeDir(dir string) error {
	c, err := p.Primary()
	if err != nil {
		return err
	}
	return c.ChangeDir(dir)
}

// CurrentDir asks the primary connection for its working directory.
func (p *Pool) CurrentDir() (string, error) {
	c, err := p.Primary()
	if err != nil {
		return "", err
	}
	return c.CurrentDir()
}

// WorkingDir returns the primary's last known working directory.
func (p *Pool) WorkingDir() string {
	c, err := p.Primary()
	if err != nil {
		return ""
	}
	return c.WorkingDir()
}

func (p *Pool) MakeDir(dir string) error {
	c, err := p.Primary()
	if err != nil {
		return err
	}
	return c.MakeDir(dir)
}

func (p *Pool) RemoveDir(dir string) error {
	c, err := p.Primary()
	if err != nil {
		return err
	}
	return c.RemoveDir(dir)
}

func (p *Pool) Delete(name string) error {
	c, err := p.Primary()
	if err != nil {
		return err
	}
	return c.Delete(name)
}

func (p *Pool) Rename(from, to string) error {
	c, err := p.Primary()
	if err != nil {
		return err
	}
	return c.Rename(from, to)
}

func (p *Pool) Chmod(name string, mode os.FileMode) error {
	c, err := p.Primary()
	if err != nil {
		return err
	}
	return c.Chmod(name, mode)
}

func (p *Pool) System() (SystemType, error) {
	c, err := p.Primary()
	if err != nil {
		return SystemUnknown, err
	}
	return c.System()
}

func (p *Pool) Features() (map[string]string, error) {
	c, err := p.Primary()
	if err != nil {
		return nil, err
	}
	return c.Features()
}
