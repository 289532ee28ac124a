package ftp

import (
	"crypto/tls"
	"net"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/gonzalop/ftpsession/internal/ratelimit"
)

// Option is a functional option for configuring an FTP client.
type Option func(*Client) error

// EncryptionMode selects how the control channel is protected.
type EncryptionMode int

const (
	// Unencrypted uses plain FTP.
	Unencrypted EncryptionMode = iota
	// ImplicitTLS starts TLS on the first byte of the connection (usually port 990).
	ImplicitTLS
	// ExplicitTLS upgrades a plain connection with AUTH TLS.
	ExplicitTLS
)

func (m EncryptionMode) String() string {
	switch m {
	case ImplicitTLS:
		return "implicit"
	case ExplicitTLS:
		return "explicit"
	default:
		return "none"
	}
}

// ProtectionMode is the data channel protection level negotiated with PROT.
type ProtectionMode int

const (
	ProtectionClear ProtectionMode = iota
	ProtectionSafe
	ProtectionPrivate
)

// Code returns the PROT argument for the mode.
func (m ProtectionMode) Code() string {
	switch m {
	case ProtectionPrivate:
		return "P"
	case ProtectionSafe:
		return "S"
	default:
		return "C"
	}
}

func (m ProtectionMode) String() string {
	switch m {
	case ProtectionPrivate:
		return "private"
	case ProtectionSafe:
		return "safe"
	default:
		return "clear"
	}
}

// ValidationPolicy decides which server certificates are accepted.
type ValidationPolicy int

const (
	// AcceptAll accepts any certificate.
	AcceptAll ValidationPolicy = iota
	// AcceptOnlyValid accepts certificates that pass platform verification.
	AcceptOnlyValid
	// AskCaller accepts valid certificates and asks Hooks.CertificateNeeded
	// about the others.
	AskCaller
)

func (p ValidationPolicy) String() string {
	switch p {
	case AcceptOnlyValid:
		return "accept-only-valid"
	case AskCaller:
		return "ask-caller"
	default:
		return "accept-all"
	}
}

// WithTimeout sets a read/write deadline applied to every control and data
// channel operation. Zero, the default, disables deadlines.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) error {
		if timeout < 0 {
			return errors.Errorf("negative timeout %s", timeout)
		}
		c.timeout = timeout
		return nil
	}
}

// WithIdleTimeout sets the maximum idle time before sending NOOP keep-alive.
// If the connection is idle for longer than this duration, a NOOP command
// will be sent automatically to prevent the server from closing the connection.
// Set to 0 to disable automatic keep-alive.
func WithIdleTimeout(timeout time.Duration) Option {
	return func(c *Client) error {
		c.idleTimeout = timeout
		return nil
	}
}

// WithEncryption selects the control channel encryption mode.
func WithEncryption(mode EncryptionMode) Option {
	return func(c *Client) error {
		switch mode {
		case Unencrypted, ImplicitTLS, ExplicitTLS:
		default:
			return errors.Errorf("unknown encryption mode %d", mode)
		}
		c.encryption = mode
		return nil
	}
}

// WithExplicitTLS enables explicit TLS mode (AUTH TLS) with the given
// configuration. A nil config uses defaults.
func WithExplicitTLS(config *tls.Config) Option {
	return func(c *Client) error {
		c.encryption = ExplicitTLS
		c.userTLSConfig = config
		return nil
	}
}

// WithImplicitTLS enables implicit TLS mode with the given configuration.
// A nil config uses defaults.
func WithImplicitTLS(config *tls.Config) Option {
	return func(c *Client) error {
		c.encryption = ImplicitTLS
		c.userTLSConfig = config
		return nil
	}
}

// WithTLSConfig sets the base TLS configuration (RootCAs, ServerName, client
// certificates). Certificate acceptance is always decided by the
// ValidationPolicy.
func WithTLSConfig(config *tls.Config) Option {
	return func(c *Client) error {
		c.userTLSConfig = config
		return nil
	}
}

// WithValidation sets the certificate validation policy. The default is
// AcceptOnlyValid.
func WithValidation(policy ValidationPolicy) Option {
	return func(c *Client) error {
		switch policy {
		case AcceptAll, AcceptOnlyValid, AskCaller:
		default:
			return errors.Errorf("unknown validation policy %d", policy)
		}
		c.validation = policy
		return nil
	}
}

// WithProtectionMode sets the data channel protection negotiated after a TLS
// upgrade. The default is ProtectionPrivate.
func WithProtectionMode(mode ProtectionMode) Option {
	return func(c *Client) error {
		c.wantProtection = mode
		return nil
	}
}

// WithConnectionAttempts sets how many times the control connection is dialed
// before giving up. The default is 2.
func WithConnectionAttempts(n int) Option {
	return func(c *Client) error {
		if n < 1 {
			return errors.Errorf("connection attempts must be positive, got %d", n)
		}
		c.attempts = n
		return nil
	}
}

// WithAutoLogin controls whether a 530 reply triggers an implicit login with
// the stored credentials. Enabled by default.
func WithAutoLogin(enabled bool) Option {
	return func(c *Client) error {
		c.autoLogin = enabled
		return nil
	}
}

// WithAutoPassive controls whether transfers and listings send PASV on their
// own when no data channel is open. Enabled by default.
func WithAutoPassive(enabled bool) Option {
	return func(c *Client) error {
		c.autoPassive = enabled
		return nil
	}
}

// WithCredentials stores the username and password used by auto-login and
// reconnects. Login stores them as well.
func WithCredentials(user, password string) Option {
	return func(c *Client) error {
		c.user = user
		c.password = password
		return nil
	}
}

// WithLogger enables logging using the provided zap logger.
// All FTP commands and responses are logged at debug level.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) error {
		if logger == nil {
			logger = zap.NewNop()
		}
		c.logger = logger
		return nil
	}
}

// WithHooks registers event callbacks.
func WithHooks(h Hooks) Option {
	return func(c *Client) error {
		c.hooks = h
		return nil
	}
}

// WithMetrics records commands, responses and transfers into m.
func WithMetrics(m *Metrics) Option {
	return func(c *Client) error {
		c.metrics = m
		return nil
	}
}

// WithBandwidthLimit caps the transfer rate in bytes per second.
// Zero disables the limit.
func WithBandwidthLimit(bytesPerSecond int64) Option {
	return func(c *Client) error {
		if bytesPerSecond < 0 {
			return errors.Errorf("negative bandwidth limit %d", bytesPerSecond)
		}
		c.limiter = ratelimit.New(bytesPerSecond)
		return nil
	}
}

// WithDialer sets a custom net.Dialer for establishing control and data
// connections.
func WithDialer(dialer *net.Dialer) Option {
	return func(c *Client) error {
		if dialer == nil {
			return errors.New("nil dialer")
		}
		c.dialer = dialer
		return nil
	}
}

// withVerifier makes the client share a certificate decision cache.
func withVerifier(v *certVerifier) Option {
	return func(c *Client) error {
		c.verifier = v
		return nil
	}
}
