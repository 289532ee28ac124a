package ftp

import (
	"bytes"
	"context"
	"crypto/x509"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/gonzalop/ftpsession/internal/ftptest"
)

func newPool(t *testing.T, srv *ftptest.Server, opts ...Option) *Pool {
	t.Helper()
	opts = append([]Option{WithTimeout(5 * time.Second)}, opts...)
	p, err := NewPool(Credentials{Host: srv.Host(), Port: srv.Port(), User: "alice", Password: "secret"}, opts...)
	require.NoError(t, err)
	require.NoError(t, p.Connect(context.Background()))
	t.Cleanup(func() { _ = p.Disconnect() })
	return p
}

func TestCredentialsAddr(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "ftp.example.com:21", Credentials{Host: "ftp.example.com"}.Addr())
	assert.Equal(t, "ftp.example.com:2121", Credentials{Host: "ftp.example.com", Port: 2121}.Addr())
	assert.Equal(t, "[::1]:21", Credentials{Host: "::1"}.Addr())
}

func TestNewPoolValidation(t *testing.T) {
	t.Parallel()
	_, err := NewPool(Credentials{User: "alice"})
	var perr *ParameterError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, "host", perr.Name)

	_, err = NewPool(Credentials{Host: "ftp.example.com"})
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, "user", perr.Name)

	_, err = NewPool(Credentials{Host: "ftp.example.com", User: "alice"}, WithTimeout(-1))
	assert.Error(t, err)
}

func TestPoolConnect(t *testing.T) {
	t.Parallel()
	srv := newServer(t)
	p := newPool(t, srv)

	assert.True(t, p.Connected())
	assert.Equal(t, 1, p.Len())
	assert.Equal(t, 1, srv.Connections())
	assert.Equal(t, 1, srv.Count("SYST"))

	// Connecting again replaces the primary.
	first, err := p.Primary()
	require.NoError(t, err)
	require.NoError(t, p.Connect(context.Background()))
	second, err := p.Primary()
	require.NoError(t, err)
	assert.NotSame(t, first, second)
	assert.Equal(t, Disconnected, first.State())
	assert.Equal(t, 1, p.Len())
}

func TestPoolConnectFailure(t *testing.T) {
	t.Parallel()
	srv := newServer(t)
	p, err := NewPool(Credentials{Host: srv.Host(), Port: srv.Port(), User: "alice", Password: "wrong"})
	require.NoError(t, err)

	err = p.Connect(context.Background())
	var perr *ProtocolError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, 530, perr.Code)
	assert.False(t, p.Connected())

	_, err = p.Primary()
	assert.Equal(t, ErrNotConnected, err)
}

func TestPoolIdleConnections(t *testing.T) {
	t.Parallel()
	srv := newServer(t)
	p := newPool(t, srv)
	ctx := context.Background()

	a, err := p.Idle(ctx)
	require.NoError(t, err)
	primary, _ := p.Primary()
	assert.NotSame(t, primary, a)
	assert.Equal(t, 2, p.Len())

	// a is claimed, so a second caller gets a new connection.
	b, err := p.Idle(ctx)
	require.NoError(t, err)
	assert.NotSame(t, a, b)
	assert.Equal(t, 3, p.Len())

	p.Release(a)
	again, err := p.Idle(ctx)
	require.NoError(t, err)
	assert.Same(t, a, again)
	assert.Equal(t, 3, p.Len())
}

func TestPoolTransfersReuseConnections(t *testing.T) {
	t.Parallel()
	srv := newServer(t)
	srv.AddFile("/a.txt", []byte("aaa"))
	p := newPool(t, srv)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		var buf bytes.Buffer
		require.NoError(t, p.Retrieve(ctx, "/a.txt", &buf))
		assert.Equal(t, "aaa", buf.String())
	}
	// One primary plus one secondary that becomes idle after each transfer.
	assert.Equal(t, 2, p.Len())
	assert.Equal(t, 2, srv.Connections())
}

func TestPoolResolvesRelativeNames(t *testing.T) {
	t.Parallel()
	srv := newServer(t)
	srv.AddFile("/pub/file.txt", []byte("relative"))
	p := newPool(t, srv)
	require.NoError(t, p.ChangeDir("/pub"))
	assert.Equal(t, "/pub", p.WorkingDir())

	var buf bytes.Buffer
	require.NoError(t, p.Retrieve(context.Background(), "file.txt", &buf))
	assert.Equal(t, "relative", buf.String())

	require.NoError(t, p.Store(context.Background(), "new.txt", strings.NewReader("stored")))
	data, ok := srv.File("/pub/new.txt")
	require.True(t, ok)
	assert.Equal(t, "stored", string(data))
}

func TestPoolDownloadAndUpload(t *testing.T) {
	t.Parallel()
	srv := newServer(t)
	srv.AddFile("/in.bin", payload(3000))
	p := newPool(t, srv)
	ctx := context.Background()

	var got bytes.Buffer
	tr, err := p.Download(ctx, "/in.bin", true, WriterOutput(&got), nil)
	require.NoError(t, err)
	assert.Equal(t, Succeeded, tr.Outcome)
	assert.Equal(t, payload(3000), got.Bytes())

	tr, err = p.Upload(ctx, "/out.bin", true, ReaderInput(bytes.NewReader(payload(1500))), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, Succeeded, tr.Outcome)
	data, ok := srv.File("/out.bin")
	require.True(t, ok)
	assert.Len(t, data, 1500)

	_, err = p.Download(ctx, "", true, WriterOutput(&got), nil)
	assert.IsType(t, &ParameterError{}, err)
}

func TestPoolTransferArgumentsCheckedFirst(t *testing.T) {
	t.Parallel()
	srv := newServer(t)
	p := newPool(t, srv)
	ctx := context.Background()
	require.Equal(t, 1, srv.Connections())

	tests := []struct {
		name string
		want string
		call func() error
	}{
		{"download without onRead", "onRead", func() error {
			_, err := p.Download(ctx, "x.bin", true, nil, nil)
			return err
		}},
		{"upload without input", "input", func() error {
			_, err := p.Upload(ctx, "x.bin", true, nil, nil, nil)
			return err
		}},
		{"retrieve without writer", "w", func() error { return p.Retrieve(ctx, "x.bin", nil) }},
		{"store without reader", "r", func() error { return p.Store(ctx, "x.bin", nil) }},
		{"store without name", "name", func() error { return p.Store(ctx, "", strings.NewReader("x")) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.call()
			var perr *ParameterError
			require.ErrorAs(t, err, &perr)
			assert.Equal(t, tt.want, perr.Name)
		})
	}

	assert.Equal(t, 1, srv.Connections())
	assert.Equal(t, 1, p.Len())
}

func TestPoolReleasesClaimOnArgumentError(t *testing.T) {
	t.Parallel()
	srv := newServer(t)
	p := newPool(t, srv)
	ctx := context.Background()

	var claimed *Client
	err := p.claimed(ctx, func(c *Client) error {
		claimed = c
		return &ParameterError{Name: "w"}
	})
	require.Error(t, err)
	require.NotNil(t, claimed)
	assert.True(t, claimed.Idle())

	c, err := p.Idle(ctx)
	require.NoError(t, err)
	assert.Same(t, claimed, c)
	assert.Equal(t, 2, p.Len())
	p.Release(c)
}

func TestPoolDownloadStopsOnContext(t *testing.T) {
	t.Parallel()
	srv := newServer(t)
	srv.AddFile("/big.bin", payload(64*chunkSize))
	p := newPool(t, srv)

	ctx, cancel := context.WithCancel(context.Background())
	reads := 0
	tr, err := p.Download(ctx, "/big.bin", true, func(n int, total int64, chunk []byte) {
		reads++
		if reads == 2 {
			cancel()
		}
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, Cancelled, tr.Outcome)
	assert.Equal(t, 2, reads)
}

func TestTransferAll(t *testing.T) {
	t.Parallel()
	srv := newServer(t)
	srv.AddFile("/one.bin", payload(4000))
	srv.AddFile("/two.bin", payload(6000))
	p := newPool(t, srv)

	var one, two bytes.Buffer
	err := p.TransferAll(context.Background(), []Job{
		{Name: "/one.bin", Dest: &one},
		{Name: "/two.bin", Dest: &two},
		{Name: "/three.bin", Source: strings.NewReader("third")},
	}, 2)
	require.NoError(t, err)

	assert.Equal(t, payload(4000), one.Bytes())
	assert.Equal(t, payload(6000), two.Bytes())
	data, ok := srv.File("/three.bin")
	require.True(t, ok)
	assert.Equal(t, "third", string(data))
	assert.LessOrEqual(t, p.Len(), 3)
}

func TestTransferAllFailure(t *testing.T) {
	t.Parallel()
	srv := newServer(t)
	p := newPool(t, srv)

	var buf bytes.Buffer
	err := p.TransferAll(context.Background(), []Job{{Name: "/missing.bin", Dest: &buf}}, 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "download /missing.bin")
	var perr *ProtocolError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, 550, perr.Code)

	err = p.TransferAll(context.Background(), []Job{{Name: "both", Source: strings.NewReader("x"), Dest: &buf}}, 0)
	assert.ErrorContains(t, err, "exactly one of Source and Dest")
}

func TestTransferAllRejectsJobsBeforeStarting(t *testing.T) {
	t.Parallel()
	srv := newServer(t)
	srv.AddFile("/ok.bin", payload(100))
	p := newPool(t, srv)

	var buf bytes.Buffer
	err := p.TransferAll(context.Background(), []Job{
		{Name: "/ok.bin", Dest: &buf},
		{Name: "/neither.bin"},
	}, 0)
	assert.ErrorContains(t, err, "exactly one of Source and Dest")

	err = p.TransferAll(context.Background(), []Job{{Dest: &buf}}, 0)
	var perr *ParameterError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "name", perr.Name)

	assert.Zero(t, srv.Count("RETR"))
	assert.Equal(t, 1, p.Len())
}

func TestPoolManagementRunsOnPrimary(t *testing.T) {
	t.Parallel()
	srv := newServer(t, ftptest.WithFeatures("UTF8", "SIZE"))
	srv.AddFile("/f.txt", []byte("x"))
	p := newPool(t, srv)

	require.NoError(t, p.MakeDir("/d"))
	require.NoError(t, p.Rename("/f.txt", "/d/g.txt"))
	require.NoError(t, p.Chmod("/d/g.txt", 0o600))

	entries, err := p.List("/d")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "g.txt", entries[0].Name)

	require.NoError(t, p.Delete("/d/g.txt"))
	require.NoError(t, p.RemoveDir("/d"))

	dir, err := p.CurrentDir()
	require.NoError(t, err)
	assert.Equal(t, "/", dir)

	sys, err := p.System()
	require.NoError(t, err)
	assert.Equal(t, SystemUnix, sys)

	feats, err := p.Features()
	require.NoError(t, err)
	assert.Contains(t, feats, "SIZE")

	// Everything above ran on the single primary connection.
	assert.Equal(t, 1, p.Len())
	assert.Equal(t, 1, srv.Connections())
}

func TestPoolHistory(t *testing.T) {
	t.Parallel()
	srv := newServer(t)
	p := newPool(t, srv)

	history := p.History()
	assert.Contains(t, history, "SERVER: 220 ftptest ready")
	assert.Contains(t, history, "CLIENT: USER alice")
	assert.Contains(t, history, "CLIENT: PASS **********")
	assert.Contains(t, history, "SERVER: 230 User logged in, proceed.")
	for _, line := range history {
		assert.NotContains(t, line, "secret")
	}
}

func TestPoolForwardsHooks(t *testing.T) {
	t.Parallel()
	srv := newServer(t)
	rec := &recorder{}
	p := newPool(t, srv, WithHooks(rec.hooks()))

	assert.Equal(t, 1, rec.count("connected"))
	assert.Equal(t, 1, rec.count("logged in"))
	assert.Contains(t, rec.Events(), "> SYST")

	c, err := p.Idle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, rec.count("connected"))

	// A connection that drops leaves the pool.
	require.NoError(t, c.Close())
	assert.Equal(t, 1, p.Len())
	assert.Equal(t, 1, rec.count("disconnected"))
}

func TestPoolPromotesNextConnection(t *testing.T) {
	t.Parallel()
	srv := newServer(t)
	srv.AddDir("/pub")
	core, logs := observer.New(zapcore.WarnLevel)
	p := newPool(t, srv, WithLogger(zap.New(core)))
	ctx := context.Background()

	require.NoError(t, p.ChangeDir("/pub"))
	primary, err := p.Primary()
	require.NoError(t, err)
	secondary, err := p.Idle(ctx)
	require.NoError(t, err)
	p.Release(secondary)

	require.NoError(t, primary.Close())
	promoted, err := p.Primary()
	require.NoError(t, err)
	assert.Same(t, secondary, promoted)
	assert.NotEqual(t, "/pub", p.WorkingDir())

	warnings := logs.FilterMessage("primary connection lost, promoting the next connection").All()
	require.Len(t, warnings, 1)
	assert.Equal(t, secondary.ID(), warnings[0].ContextMap()["conn"])
	assert.Equal(t, primary.ID(), warnings[0].ContextMap()["lost"])
}

func TestPoolSharesCertificateDecision(t *testing.T) {
	t.Parallel()
	serverCfg, _ := ftptest.TLSConfig(t)
	srv := newServer(t, ftptest.WithExplicitTLS(serverCfg))
	srv.AddFile("/a.txt", []byte("abc"))

	var asked atomic.Int32
	hooks := Hooks{CertificateNeeded: func([]*x509.Certificate, error) bool {
		asked.Add(1)
		return true
	}}
	p := newPool(t, srv, WithExplicitTLS(nil), WithValidation(AskCaller), WithHooks(hooks))

	var buf bytes.Buffer
	require.NoError(t, p.Retrieve(context.Background(), "/a.txt", &buf))
	assert.Equal(t, "abc", buf.String())
	assert.Equal(t, 2, p.Len())
	assert.Equal(t, int32(1), asked.Load())
}

func TestPoolDisconnect(t *testing.T) {
	t.Parallel()
	srv := newServer(t)
	p := newPool(t, srv)
	_, err := p.Idle(context.Background())
	require.NoError(t, err)

	require.NoError(t, p.Disconnect())
	assert.Equal(t, 0, p.Len())
	assert.False(t, p.Connected())

	_, err = p.Primary()
	assert.Equal(t, ErrPoolClosed, err)
	_, err = p.Idle(context.Background())
	assert.Equal(t, ErrPoolClosed, err)
	_, err = p.List("/")
	assert.Equal(t, ErrPoolClosed, err)
	_, err = p.Walk("/")
	assert.Equal(t, ErrPoolClosed, err)
	assert.Empty(t, p.WorkingDir())

	// The pool can be connected again.
	require.NoError(t, p.Connect(context.Background()))
	assert.True(t, p.Connected())
}
