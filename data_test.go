package ftp

import (
	"bytes"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gonzalop/ftpsession/internal/ftptest"
)

func TestParsePASV(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		response string
		want     string
		wantErr  bool
	}{
		{
			name:     "standard reply",
			response: "Entering Passive Mode (192,168,1,5,200,3).",
			want:     "192.168.1.5:51203",
		},
		{
			name:     "full reply line",
			response: "227 Entering Passive Mode (192,168,1,1,195,149)",
			want:     "192.168.1.1:50069",
		},
		{
			name:     "zero port byte",
			response: "Entering Passive Mode (10,0,0,1,4,0)",
			want:     "10.0.0.1:1024",
		},
		{
			name:     "no parentheses",
			response: "Entering Passive Mode 192,168,1,5,200,3",
			wantErr:  true,
		},
		{
			name:     "too few numbers",
			response: "Entering Passive Mode (192,168,1,5,200)",
			wantErr:  true,
		},
		{
			name:     "octet out of range",
			response: "Entering Passive Mode (256,168,1,5,200,3)",
			wantErr:  true,
		},
		{
			name:     "port byte out of range",
			response: "Entering Passive Mode (192,168,1,5,300,3)",
			wantErr:  true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parsePASV(tt.response)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestResolveDataAddr(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "ftp.example.com:5000", resolveDataAddr("0.0.0.0:5000", "ftp.example.com"))
	assert.Equal(t, "10.0.0.7:5000", resolveDataAddr("10.0.0.7:5000", "ftp.example.com"))
	assert.Equal(t, "garbage", resolveDataAddr("garbage", "ftp.example.com"))
}

func TestPassiveReplyWithUnspecifiedHost(t *testing.T) {
	t.Parallel()
	srv := newServer(t, ftptest.WithUnspecifiedPassiveHost())
	srv.AddFile("/data.bin", []byte("payload"))
	c := dialServer(t, srv)

	var buf bytes.Buffer
	require.NoError(t, c.Retrieve("/data.bin", &buf))
	assert.Equal(t, "payload", buf.String())
}

func TestNoDataChannelWithoutAutoPassive(t *testing.T) {
	t.Parallel()
	srv := newServer(t)
	srv.AddFile("/data.bin", []byte("payload"))
	c := dialServer(t, srv, WithAutoPassive(false))

	var buf bytes.Buffer
	err := c.Retrieve("/data.bin", &buf)
	assert.Equal(t, ErrNoDataChannel, err)
	assert.Zero(t, srv.Count("PASV"))

	_, err = c.List("/")
	assert.Equal(t, ErrNoDataChannel, err)

	// An explicit PASV makes exactly one data command possible.
	require.NoError(t, c.EnterPassive())
	require.NoError(t, c.Retrieve("/data.bin", &buf))
	assert.Equal(t, "payload", buf.String())

	err = c.Retrieve("/data.bin", &buf)
	assert.Equal(t, ErrNoDataChannel, err)
}

func TestDataCommandRetriedAfter425(t *testing.T) {
	t.Parallel()
	srv := newServer(t)
	srv.AddFile("/data.bin", []byte("payload"))
	srv.Script("RETR", "425 Can't open data connection.")
	c := dialServer(t, srv)

	var buf bytes.Buffer
	require.NoError(t, c.Retrieve("/data.bin", &buf))
	assert.Equal(t, "payload", buf.String())
	assert.Equal(t, 2, srv.Count("PASV"))
	assert.Equal(t, 2, srv.Count("RETR"))
}

func TestDataCommandRetriedOnlyOnce(t *testing.T) {
	t.Parallel()
	srv := newServer(t)
	srv.AddFile("/data.bin", []byte("payload"))
	srv.Script("RETR", "425 Can't open data connection.", "425 Still can't.")
	c := dialServer(t, srv)

	var buf bytes.Buffer
	err := c.Retrieve("/data.bin", &buf)
	var perr *ProtocolError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, 425, perr.Code)
	assert.True(t, perr.IsTemporary())
	assert.Equal(t, 2, srv.Count("RETR"))
}

func TestDataCommandRefused(t *testing.T) {
	t.Parallel()
	srv := newServer(t)
	c := dialServer(t, srv)

	var buf bytes.Buffer
	err := c.Retrieve("/missing.bin", &buf)
	var perr *ProtocolError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, 550, perr.Code)
	assert.Equal(t, "RETR /missing.bin", perr.Command)

	// The channel was disposed and the session is still usable.
	dir, err := c.CurrentDir()
	require.NoError(t, err)
	assert.Equal(t, "/", dir)
}

func TestSetProtectionModeWithoutTLS(t *testing.T) {
	t.Parallel()
	srv := newServer(t)
	c := dialServer(t, srv)

	err := c.SetProtectionMode(ProtectionPrivate)
	var perr *ProtocolError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, 503, perr.Code)
	assert.Equal(t, ProtectionClear, c.Protection())

	require.NoError(t, c.SetProtectionMode(ProtectionClear))
	assert.Equal(t, ProtectionClear, c.Protection())
}
