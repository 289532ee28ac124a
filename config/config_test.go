package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ftp "github.com/gonzalop/ftpsession"
	"github.com/gonzalop/ftpsession/internal/ftptest"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o600))
	return p
}

func TestDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "anonymous", cfg.User)
	assert.Equal(t, 30*time.Second, cfg.Timeout)
	assert.Zero(t, cfg.IdleTimeout)
	assert.Equal(t, 2, cfg.GetAttempts())
	assert.Equal(t, 21, cfg.GetPort())
	assert.Equal(t, 4, cfg.GetParallel())
	assert.True(t, cfg.AutoLogin)
	assert.True(t, cfg.AutoPassive)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoadFile(t *testing.T) {
	file := writeFile(t, "ftp.yaml", `
host: ftp.example.com
user: alice
password: secret
timeout: 90
idle_timeout: 2m
auto_passive: "false"
bandwidth_limit: "65536"
parallel: 8
tls:
  mode: implicit
  validation: ask-caller
  protection: clear
log:
  dir: /var/log/ftp
  level: debug
  max_size: 10
`)

	cfg, err := Load(file)
	require.NoError(t, err)

	assert.Equal(t, "ftp.example.com", cfg.Host)
	assert.Equal(t, 990, cfg.GetPort())
	assert.Equal(t, 90*time.Second, cfg.Timeout)
	assert.Equal(t, 2*time.Minute, cfg.IdleTimeout)
	assert.False(t, cfg.AutoPassive)
	assert.EqualValues(t, 65536, cfg.BandwidthLimit)
	assert.Equal(t, 8, cfg.GetParallel())
	assert.Equal(t, "implicit", cfg.TLS.Mode)
	assert.Equal(t, "/var/log/ftp", cfg.Log.Dir)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 10, cfg.Log.MaxSize)

	creds := cfg.Credentials()
	assert.Equal(t, ftp.Credentials{Host: "ftp.example.com", Port: 990, User: "alice", Password: "secret"}, creds)
}

func TestEnvironmentOverrides(t *testing.T) {
	file := writeFile(t, "ftp.yaml", "host: from-file\nport: 2121\n")
	t.Setenv("FTP_HOST", "from-env")
	t.Setenv("FTP_TLS_MODE", "explicit")
	t.Setenv("FTP_ATTEMPTS", "5")

	cfg, err := Load(file)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Host)
	assert.Equal(t, 2121, cfg.GetPort())
	assert.Equal(t, "explicit", cfg.TLS.Mode)
	assert.Equal(t, 5, cfg.GetAttempts())
}

func TestInvalidValues(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"tls mode", "tls:\n  mode: starttls\n"},
		{"validation", "tls:\n  validation: sometimes\n"},
		{"protection", "tls:\n  protection: secret\n"},
		{"timeout", "timeout: soon\n"},
		{"attempts", "attempts: many\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeFile(t, "ftp.yaml", tt.content))
			assert.Error(t, err)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestNilConfigDefaults(t *testing.T) {
	var cfg *Config
	assert.Equal(t, 21, cfg.GetPort())
	assert.Equal(t, 2, cfg.GetAttempts())
	assert.Equal(t, 4, cfg.GetParallel())
}

func TestOptionsConnect(t *testing.T) {
	srv := ftptest.New(t, ftptest.WithCredentials("alice", "secret"))

	cfg, err := Load("")
	require.NoError(t, err)
	cfg.Host = srv.Host()
	cfg.Port = srv.Port()
	cfg.User = "alice"
	cfg.Password = "secret"
	cfg.Timeout = 5 * time.Second

	opts, err := cfg.Options(nil)
	require.NoError(t, err)

	pool, err := ftp.NewPool(cfg.Credentials(), opts...)
	require.NoError(t, err)
	require.NoError(t, pool.Connect(context.Background()))
	defer pool.Disconnect()

	assert.True(t, pool.Connected())
}

func TestOptionsBadCAFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	cfg.TLS.CAFile = filepath.Join(t.TempDir(), "missing.pem")
	_, err = cfg.Options(nil)
	assert.Error(t, err)

	cfg.TLS.CAFile = writeFile(t, "ca.pem", "not a certificate")
	_, err = cfg.Options(nil)
	assert.Error(t, err)
}
