// Package config loads ftpsession settings from a YAML file and FTP_*
// environment variables and turns them into client options.
package config

import (
	"crypto/tls"
	"crypto/x509"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cast"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	ftp "github.com/gonzalop/ftpsession"
	"github.com/gonzalop/ftpsession/logging"
)

// EnvPrefix prefixes every environment override: FTP_HOST, FTP_TLS_MODE...
const EnvPrefix = "FTP"

// TLS holds the control and data channel security settings.
type TLS struct {
	// Mode is "none", "explicit" or "implicit".
	Mode string
	// Validation is "accept-all", "accept-only-valid" or "ask-caller".
	Validation string
	// Protection is "clear", "safe" or "private".
	Protection string
	ServerName string
	// CAFile is a PEM bundle used instead of the system roots.
	CAFile string
}

// Config is the full client configuration.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	TLS      TLS

	Timeout     time.Duration
	IdleTimeout time.Duration
	Attempts    int
	AutoLogin   bool
	AutoPassive bool

	// BandwidthLimit caps transfers in bytes per second, 0 for none.
	BandwidthLimit int64
	// Parallel bounds concurrent pool transfers.
	Parallel int

	Log logging.Config
}

// keys and their defaults.
var defaults = map[string]interface{}{
	"host":            "",
	"port":            0,
	"user":            "anonymous",
	"password":        "anonymous@",
	"tls.mode":        "none",
	"tls.validation":  "accept-only-valid",
	"tls.protection":  "private",
	"tls.server_name": "",
	"tls.ca_file":     "",
	"timeout":         "30s",
	"idle_timeout":    0,
	"attempts":        2,
	"auto_login":      true,
	"auto_passive":    true,
	"bandwidth_limit": 0,
	"parallel":        4,
	"log.dir":         "",
	"log.level":       "info",
	"log.stdout":      false,
	"log.max_size":    0,
	"log.max_age":     0,
	"log.max_backups": 0,
	"log.compress":    false,
}

// New returns a viper instance with defaults and environment overrides
// wired. Callers may bind flags to it before calling FromViper.
func New() *viper.Viper {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads file (YAML, optional) and the environment.
func Load(file string) (*Config, error) {
	v := New()
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "read config %s", file)
		}
	}
	return FromViper(v)
}

// FromViper decodes the settings held by v. Durations accept Go syntax
// ("90s") or a plain number of seconds; booleans and numbers may be strings.
func FromViper(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		Host:     cast.ToString(v.Get("host")),
		User:     cast.ToString(v.Get("user")),
		Password: cast.ToString(v.Get("password")),
		TLS: TLS{
			Mode:       strings.ToLower(cast.ToString(v.Get("tls.mode"))),
			Validation: strings.ToLower(cast.ToString(v.Get("tls.validation"))),
			Protection: strings.ToLower(cast.ToString(v.Get("tls.protection"))),
			ServerName: cast.ToString(v.Get("tls.server_name")),
			CAFile:     cast.ToString(v.Get("tls.ca_file")),
		},
	}

	var err error
	if cfg.Port, err = cast.ToIntE(v.Get("port")); err != nil {
		return nil, errors.Wrap(err, "port")
	}
	if cfg.Timeout, err = seconds(v.Get("timeout")); err != nil {
		return nil, errors.Wrap(err, "timeout")
	}
	if cfg.IdleTimeout, err = seconds(v.Get("idle_timeout")); err != nil {
		return nil, errors.Wrap(err, "idle_timeout")
	}
	if cfg.Attempts, err = cast.ToIntE(v.Get("attempts")); err != nil {
		return nil, errors.Wrap(err, "attempts")
	}
	if cfg.AutoLogin, err = cast.ToBoolE(v.Get("auto_login")); err != nil {
		return nil, errors.Wrap(err, "auto_login")
	}
	if cfg.AutoPassive, err = cast.ToBoolE(v.Get("auto_passive")); err != nil {
		return nil, errors.Wrap(err, "auto_passive")
	}
	if cfg.BandwidthLimit, err = cast.ToInt64E(v.Get("bandwidth_limit")); err != nil {
		return nil, errors.Wrap(err, "bandwidth_limit")
	}
	if cfg.Parallel, err = cast.ToIntE(v.Get("parallel")); err != nil {
		return nil, errors.Wrap(err, "parallel")
	}
	if err := v.UnmarshalKey("log", &cfg.Log); err != nil {
		return nil, errors.Wrap(err, "log")
	}

	if _, err := cfg.encryption(); err != nil {
		return nil, err
	}
	if _, err := cfg.validation(); err != nil {
		return nil, err
	}
	if _, err := cfg.protection(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// seconds converts a plain number to seconds and anything else with
// cast.ToDurationE.
func seconds(value interface{}) (time.Duration, error) {
	if f, err := cast.ToFloat64E(value); err == nil {
		return time.Duration(f * float64(time.Second)), nil
	}
	return cast.ToDurationE(value)
}

// GetPort returns the configured port, or the default of the TLS mode.
func (c *Config) GetPort() int {
	if c == nil {
		return 21
	}
	if c.Port > 0 {
		return c.Port
	}
	if c.TLS.Mode == "implicit" {
		return 990
	}
	return 21
}

// GetAttempts returns the dial attempts, 2 by default.
func (c *Config) GetAttempts() int {
	if c == nil || c.Attempts <= 0 {
		return 2
	}
	return c.Attempts
}

// GetParallel returns the pool transfer concurrency, 4 by default.
func (c *Config) GetParallel() int {
	if c == nil || c.Parallel <= 0 {
		return 4
	}
	return c.Parallel
}

// Credentials returns the pool credentials.
func (c *Config) Credentials() ftp.Credentials {
	return ftp.Credentials{
		Host:     c.Host,
		Port:     c.GetPort(),
		User:     c.User,
		Password: c.Password,
	}
}

func (c *Config) encryption() (ftp.EncryptionMode, error) {
	switch c.TLS.Mode {
	case "", "none", "plain":
		return ftp.Unencrypted, nil
	case "explicit":
		return ftp.ExplicitTLS, nil
	case "implicit":
		return ftp.ImplicitTLS, nil
	}
	return 0, errors.Errorf("unknown tls.mode %q", c.TLS.Mode)
}

func (c *Config) validation() (ftp.ValidationPolicy, error) {
	switch c.TLS.Validation {
	case "", "accept-only-valid":
		return ftp.AcceptOnlyValid, nil
	case "accept-all":
		return ftp.AcceptAll, nil
	case "ask-caller":
		return ftp.AskCaller, nil
	}
	return 0, errors.Errorf("unknown tls.validation %q", c.TLS.Validation)
}

func (c *Config) protection() (ftp.ProtectionMode, error) {
	switch c.TLS.Protection {
	case "", "private":
		return ftp.ProtectionPrivate, nil
	case "safe":
		return ftp.ProtectionSafe, nil
	case "clear":
		return ftp.ProtectionClear, nil
	}
	return 0, errors.Errorf("unknown tls.protection %q", c.TLS.Protection)
}

// Options converts the configuration into client options. logger may be
// nil.
func (c *Config) Options(logger *zap.Logger) ([]ftp.Option, error) {
	enc, err := c.encryption()
	if err != nil {
		return nil, err
	}
	policy, err := c.validation()
	if err != nil {
		return nil, err
	}
	prot, err := c.protection()
	if err != nil {
		return nil, err
	}

	opts := []ftp.Option{
		ftp.WithEncryption(enc),
		ftp.WithValidation(policy),
		ftp.WithProtectionMode(prot),
		ftp.WithTimeout(c.Timeout),
		ftp.WithIdleTimeout(c.IdleTimeout),
		ftp.WithConnectionAttempts(c.GetAttempts()),
		ftp.WithAutoLogin(c.AutoLogin),
		ftp.WithAutoPassive(c.AutoPassive),
		ftp.WithBandwidthLimit(c.BandwidthLimit),
		ftp.WithLogger(logger),
	}

	if c.TLS.ServerName != "" || c.TLS.CAFile != "" {
		tlsConfig := &tls.Config{ServerName: c.TLS.ServerName}
		if c.TLS.CAFile != "" {
			pem, err := os.ReadFile(c.TLS.CAFile)
			if err != nil {
				return nil, errors.Wrap(err, "read tls.ca_file")
			}
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(pem) {
				return nil, errors.Errorf("no certificates in %s", c.TLS.CAFile)
			}
			tlsConfig.RootCAs = pool
		}
		opts = append(opts, ftp.WithTLSConfig(tlsConfig))
	}
	return opts, nil
}
