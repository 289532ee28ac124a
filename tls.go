package ftp

import (
	"crypto/tls"
	"crypto/x509"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// ErrCertificateRejected is wrapped by the *TLSError returned when the
// validation policy refuses the server certificate.
var ErrCertificateRejected = errors.New("server certificate rejected")

// certVerifier applies a ValidationPolicy and remembers a positive decision,
// so control and data channels of one session (or of one pool) prompt at
// most once.
type certVerifier struct {
	mu       sync.Mutex
	policy   ValidationPolicy
	accepted bool
	ask      func(chain []*x509.Certificate, verifyErr error) bool
}

func newCertVerifier(policy ValidationPolicy, ask func([]*x509.Certificate, error) bool) *certVerifier {
	return &certVerifier{policy: policy, ask: ask}
}

// decide returns whether the chain is accepted given the outcome of platform
// verification.
func (v *certVerifier) decide(chain []*x509.Certificate, verifyErr error) bool {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.accepted {
		return true
	}

	var ok bool
	switch v.policy {
	case AcceptAll:
		ok = true
	case AcceptOnlyValid:
		ok = verifyErr == nil
	case AskCaller:
		if verifyErr == nil {
			ok = true
		} else if v.ask != nil {
			ok = v.ask(chain, verifyErr)
		}
	}

	if ok {
		v.accepted = true
	}
	return ok
}

// Accepted reports whether a certificate has been accepted for the session.
func (v *certVerifier) Accepted() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.accepted
}

// verifyChain runs platform verification against roots (nil = system pool).
func verifyChain(state tls.ConnectionState, roots *x509.CertPool, serverName string) error {
	if len(state.PeerCertificates) == 0 {
		return errors.New("server presented no certificate")
	}
	opts := x509.VerifyOptions{
		Roots:         roots,
		DNSName:       serverName,
		Intermediates: x509.NewCertPool(),
		CurrentTime:   time.Now(),
	}
	for _, cert := range state.PeerCertificates[1:] {
		opts.Intermediates.AddCert(cert)
	}
	_, err := state.PeerCertificates[0].Verify(opts)
	return err
}

// buildTLSConfig derives the handshake configuration from the user's base
// config. Verification is always delegated to the session's certVerifier.
func (c *Client) buildTLSConfig() *tls.Config {
	var cfg *tls.Config
	if c.userTLSConfig != nil {
		cfg = c.userTLSConfig.Clone()
	} else {
		cfg = &tls.Config{}
	}
	if cfg.ServerName == "" && net.ParseIP(c.host) == nil {
		cfg.ServerName = c.host
	}
	if cfg.ClientSessionCache == nil {
		// Many servers require the data channel to resume the control
		// channel's TLS session.
		cfg.ClientSessionCache = tls.NewLRUClientSessionCache(0)
	}
	if cfg.MinVersion == 0 {
		cfg.MinVersion = tls.VersionTLS12
	}

	roots := cfg.RootCAs
	serverName := cfg.ServerName
	if serverName == "" {
		serverName = c.host
	}
	verifier := c.verifier

	cfg.InsecureSkipVerify = true
	cfg.VerifyConnection = func(state tls.ConnectionState) error {
		verifyErr := verifyChain(state, roots, serverName)
		if !verifier.decide(state.PeerCertificates, verifyErr) {
			if verifyErr != nil {
				return errors.Wrap(ErrCertificateRejected, verifyErr.Error())
			}
			return ErrCertificateRejected
		}
		return nil
	}
	return cfg
}

// handshake wraps conn in a TLS client and completes the handshake.
func (c *Client) handshake(conn net.Conn, op string) (*tls.Conn, error) {
	tconn := tls.Client(conn, c.tlsConfig)
	if c.timeout > 0 {
		if err := conn.SetDeadline(time.Now().Add(c.timeout)); err != nil {
			return nil, &TLSError{Op: op, Err: err}
		}
		defer conn.SetDeadline(time.Time{})
	}
	if err := tconn.Handshake(); err != nil {
		return nil, &TLSError{Op: op, Err: err}
	}
	return tconn, nil
}

// upgradeImplicit secures a freshly dialed socket before any byte is read.
func (c *Client) upgradeImplicit(conn net.Conn) (net.Conn, error) {
	c.logger.Debug("starting TLS handshake", zap.String("mode", "implicit"))
	tconn, err := c.handshake(conn, "implicit handshake")
	if err != nil {
		return nil, err
	}
	c.secured = true
	c.logger.Debug("TLS handshake complete", zap.String("mode", "implicit"))
	return tconn, nil
}

// upgradeExplicit negotiates AUTH TLS on the plain control channel. The
// server must advertise AUTH TLS in its FEAT reply.
func (c *Client) upgradeExplicit() error {
	feats, err := c.loadFeatures()
	if err != nil {
		return &TLSError{Op: "AUTH TLS", Err: err}
	}
	if !advertisesAuthTLS(feats) {
		return &TLSError{Op: "AUTH TLS", Err: errors.New("server does not advertise AUTH TLS")}
	}

	resp, err := c.exchange("AUTH TLS")
	if err != nil {
		return &TLSError{Op: "AUTH TLS", Err: err}
	}
	if resp.Code != 234 {
		return &TLSError{Op: "AUTH TLS", Err: protocolError("AUTH TLS", resp)}
	}

	c.logger.Debug("starting TLS handshake", zap.String("mode", "explicit"))
	tconn, err := c.handshake(c.conn, "explicit handshake")
	if err != nil {
		return err
	}
	c.setControl(tconn)
	c.secured = true

	// Servers may change their feature list once the channel is secure.
	c.features = nil
	c.logger.Debug("TLS handshake complete", zap.String("mode", "explicit"))
	return nil
}

func advertisesAuthTLS(feats map[string]string) bool {
	params, ok := feats["AUTH"]
	if !ok {
		return false
	}
	for _, p := range strings.FieldsFunc(params, func(r rune) bool { return r == ';' || r == ' ' }) {
		if strings.EqualFold(p, "TLS") {
			return true
		}
	}
	return false
}
